package rewind

import (
	"encoding/binary"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/malbeclabs/moldbus/internal/mold"
	"github.com/malbeclabs/moldbus/internal/pool"
	"github.com/malbeclabs/moldbus/internal/scheduler"
	"github.com/malbeclabs/moldbus/internal/store"
	"github.com/malbeclabs/moldbus/internal/wire"
)

// batchBudget bounds how many bytes of {len,payload} frames a single
// rewind step reads from the store before yielding, per spec.md §4.7.
const batchBudget = writeBufferSize - wire.MaxMessageSize - 2

// Server accepts TCP rewind connections, replays backlog from the message
// store, and hands caught-up holders to the publisher's live fanout.
type Server struct {
	log     *slog.Logger
	store   *store.Store
	session *mold.Session
	sched   *scheduler.Scheduler
	clock   func() int64
	pool    *pool.Pool[*SocketHolder]

	// onCaughtUp is invoked exactly once per holder the moment it joins
	// live fanout, so the publisher can register it as a CaughtUpFanout.
	onCaughtUp func(*SocketHolder)

	mu      sync.Mutex
	holders map[*SocketHolder]struct{}
}

// NewServer builds a rewind Server over an already-open store and session.
// onCaughtUp may be nil if the caller wires fanout some other way.
func NewServer(log *slog.Logger, st *store.Store, session *mold.Session, sched *scheduler.Scheduler, onCaughtUp func(*SocketHolder)) *Server {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{
		log:        log,
		store:      st,
		session:    session,
		sched:      sched,
		clock:      func() int64 { return time.Now().UnixNano() },
		onCaughtUp: onCaughtUp,
		holders:    make(map[*SocketHolder]struct{}),
	}
	s.pool = pool.New(func() *SocketHolder { return newHolder(nil) }, func(h **SocketHolder) { (*h).reset() })
	sched.ScheduleEvery(s.clock(), heartbeatPeriod.Nanoseconds(), s.sweepHeartbeats, "rewind-heartbeat-sweep", 0)
	return s
}

// SetClock overrides the monotonic clock used for scheduling, for
// deterministic tests; production callers leave the default in place.
func (s *Server) SetClock(clock func() int64) { s.clock = clock }

// Accept registers a newly-connected peer, sends it an immediate
// heartbeat so it learns the session, and starts reading its resume-from
// handshake.
func (s *Server) Accept(conn net.Conn) {
	h := s.pool.Get()
	h.conn = conn
	s.mu.Lock()
	s.holders[h] = struct{}{}
	s.mu.Unlock()

	h.mu.Lock()
	h.writeLocked(wire.EncodeTCPHeartbeat(s.sessionWire(), s.session.NextSeqNum()))
	h.mu.Unlock()

	go s.readHandshake(h)
}

func (s *Server) sessionWire() wire.Session {
	name := s.session.Name()
	var sess wire.Session
	copy(sess[:], name[:])
	return sess
}

func (s *Server) readHandshake(h *SocketHolder) {
	var buf [8]byte
	if _, err := io.ReadFull(h.conn, buf[:]); err != nil {
		s.remove(h)
		return
	}
	resumeFrom := binary.BigEndian.Uint64(buf[:])

	h.mu.Lock()
	h.handshakeNeeded = false
	h.seqNum = int64(resumeFrom) - 1
	h.mu.Unlock()
	h.touchHeartbeat()

	if resumeFrom < s.session.NextSeqNum() {
		s.scheduleRewind(h)
	} else {
		s.joinLiveFanout(h)
	}
}

// scheduleRewind runs one rewind batch immediately, then, if the holder
// caught up, promotes it to live fanout; otherwise it re-arms itself after
// CATCHUP_DELAY to yield the event loop to other work.
func (s *Server) scheduleRewind(h *SocketHolder) {
	s.sched.ScheduleIn(s.clock(), 0, 0, func() { s.rewindStep(h) }, "rewind-step", 0)
}

func (s *Server) rewindStep(h *SocketHolder) {
	if h.isClosed() {
		s.remove(h)
		return
	}

	h.mu.Lock()
	nextWanted := uint64(h.seqNum + 1)
	h.mu.Unlock()

	total := s.store.NumMessages()
	if nextWanted > total {
		s.joinLiveFanout(h)
		return
	}

	batch := make([]byte, 0, batchBudget)
	scratch := make([]byte, wire.MaxMessageSize)
	seq := nextWanted
	for seq <= total && len(batch) < batchBudget {
		n, err := s.store.Read(scratch, 0, seq)
		if err != nil {
			s.log.Error("rewind: store read failed", "seq", seq, "error", err)
			break
		}
		var lenBuf [2]byte
		binary.BigEndian.PutUint16(lenBuf[:], uint16(n))
		batch = append(batch, lenBuf[:]...)
		batch = append(batch, scratch[:n]...)
		seq++
	}

	h.mu.Lock()
	h.seqNum = int64(seq) - 1
	h.writeLocked(batch)
	caughtUp := h.writeBufPos == 0 && seq > total
	h.mu.Unlock()

	if caughtUp {
		s.joinLiveFanout(h)
		return
	}
	if h.Blocked() {
		return // write-blocked: the rewind resumes only through FlushAndContinue, which nothing in this package calls
	}
	s.sched.ScheduleIn(s.clock(), 0, catchUpDelay.Nanoseconds(), func() { s.rewindStep(h) }, "rewind-step", 0)
}

// FlushAndContinue drains a write-blocked holder's buffered tail and, once
// clear, resumes rewinding (or joins live fanout if the holder has caught
// up). No writable-readiness listener invokes it; nothing in this
// repository calls it, so a rewind that becomes write-blocked does not
// resume.
func (s *Server) FlushAndContinue(h *SocketHolder) {
	if !h.Flush() {
		return
	}
	h.mu.Lock()
	done := uint64(h.seqNum) >= s.store.NumMessages()
	h.mu.Unlock()
	if done {
		s.joinLiveFanout(h)
		return
	}
	s.sched.ScheduleIn(s.clock(), 0, catchUpDelay.Nanoseconds(), func() { s.rewindStep(h) }, "rewind-step", 0)
}

func (s *Server) joinLiveFanout(h *SocketHolder) {
	if s.onCaughtUp != nil {
		s.onCaughtUp(h)
	}
}

func (s *Server) sweepHeartbeats() {
	now := time.Now()
	s.mu.Lock()
	holders := make([]*SocketHolder, 0, len(s.holders))
	for h := range s.holders {
		holders = append(holders, h)
	}
	s.mu.Unlock()

	for _, h := range holders {
		if h.heartbeatStale(now) {
			h.Close()
			s.remove(h)
			continue
		}
		if !h.Blocked() {
			h.mu.Lock()
			h.writeLocked(wire.EncodeTCPHeartbeat(s.sessionWire(), s.session.NextSeqNum()))
			h.mu.Unlock()
		}
	}
}

func (s *Server) remove(h *SocketHolder) {
	s.mu.Lock()
	delete(s.holders, h)
	s.mu.Unlock()
	h.Close()
	s.pool.Put(h)
}
