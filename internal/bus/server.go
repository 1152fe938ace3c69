// Package bus implements the façade applications actually program
// against (spec.md §4.8): Server is the contract the Sequencer drives
// (acquire/commit/send, application sequence-number bookkeeping, the
// single command channel, and the broadcast event channel); Client is the
// contract every other application uses (a message-type dispatcher, a
// per-application outbound provider, and session lifecycle listeners).
package bus

import (
	"encoding/binary"
	"log/slog"
	"sync"
	"time"

	"github.com/malbeclabs/moldbus/internal/udpbus"
	"github.com/malbeclabs/moldbus/internal/wire"
)

// CommandFunc handles one inbound command addressed to the active server.
type CommandFunc func(h wire.Header, payload []byte)

// EventFunc observes every event the server emits, after assignment of
// order_id/application_id/etc by whatever handler produced it.
type EventFunc func(h wire.Header, payload []byte)

// Server is the bus façade consumed by the Sequencer application. It owns
// staging of a burst of messages between acquire() and send(), the
// per-application sequence-number table, and the single command listener
// that is only ever non-nil while this process is the active sequencer.
type Server struct {
	log       *slog.Logger
	publisher *udpbus.Publisher

	mu             sync.Mutex
	pendingLens    []int
	pendingOffset  int
	appSeqNums     map[uint16]int64
	commandFn      CommandFunc
	eventFns       []EventFunc
	active         bool
}

// NewServer builds a Server over an already-wired Publisher.
func NewServer(log *slog.Logger, publisher *udpbus.Publisher) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		log:        log,
		publisher:  publisher,
		appSeqNums: make(map[uint16]int64),
	}
}

// Acquire returns the writable scratch buffer for the next message in the
// burst currently being staged: it starts at the current pending offset,
// just past every message committed since the last Send.
func (s *Server) Acquire() []byte {
	s.mu.Lock()
	off := s.pendingOffset
	s.mu.Unlock()
	return s.publisher.Acquire()[off:]
}

// Commit stages a message of length n at the current pending offset,
// stamping its header timestamp with the current wall clock. It does not
// yet make the message visible; call Send to flush the staged burst.
func (s *Server) Commit(n int) {
	s.CommitAt(n, uint64(time.Now().UnixNano()))
}

// CommitAt stages a message like Commit, but with an explicit timestamp
// (used by replay/testing to keep output deterministic).
func (s *Server) CommitAt(n int, timestampNS uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	buf := s.publisher.Acquire()
	if n >= wire.HeaderSize && s.pendingOffset+n <= len(buf) {
		binary.BigEndian.PutUint64(buf[s.pendingOffset+6:s.pendingOffset+14], timestampNS)
	}
	s.pendingLens = append(s.pendingLens, n)
	s.pendingOffset += n
}

// Send flushes every message staged since the last Send as a single
// atomic burst: store append, sequence advance, UDP broadcast, and
// caught-up-TCP fanout, then notifies event listeners for each message.
func (s *Server) Send() error {
	s.mu.Lock()
	lens := s.pendingLens
	s.pendingLens = nil
	offset := 0
	s.pendingOffset = 0
	fns := append([]EventFunc(nil), s.eventFns...)
	s.mu.Unlock()

	if len(lens) == 0 {
		return nil
	}

	buf := s.publisher.Acquire()
	if err := s.publisher.Commit(lens, offset, len(lens)); err != nil {
		return err
	}

	cur := offset
	for _, n := range lens {
		msg := buf[cur : cur+n]
		cur += n
		if n < wire.HeaderSize {
			continue
		}
		h, err := wire.DecodeHeader(msg)
		if err != nil {
			continue
		}
		payload := append([]byte(nil), msg[wire.HeaderSize:]...)
		for _, fn := range fns {
			fn(h, payload)
		}
	}
	return nil
}

// SetApplicationSequenceNumber overwrites the tracked sequence number for
// appID.
func (s *Server) SetApplicationSequenceNumber(appID uint16, n int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appSeqNums[appID] = n
}

// GetApplicationSequenceNumber returns the tracked sequence number for
// appID, or -1 if appID has never been set.
func (s *Server) GetApplicationSequenceNumber(appID uint16) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.appSeqNums[appID]
	if !ok {
		return -1
	}
	return n
}

// IncrementAndGetApplicationSequenceNumber increments and returns the
// tracked sequence number for appID, or -1 if appID has never been set
// (the sequencer interprets -1 as "can't validate, drop").
func (s *Server) IncrementAndGetApplicationSequenceNumber(appID uint16) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.appSeqNums[appID]
	if !ok {
		return -1
	}
	n++
	s.appSeqNums[appID] = n
	return n
}

// SetCommandListener installs the single function that receives inbound
// commands; only the active sequencer ever has one installed.
func (s *Server) SetCommandListener(fn CommandFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commandFn = fn
	s.active = fn != nil
}

// AddEventListener registers fn to observe every event this server sends.
func (s *Server) AddEventListener(fn EventFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.eventFns = append(s.eventFns, fn)
}

// DispatchCommand delivers an inbound command to the installed listener,
// if any. Callers on the passive (non-active) path should not call this.
func (s *Server) DispatchCommand(h wire.Header, payload []byte) {
	s.mu.Lock()
	fn := s.commandFn
	s.mu.Unlock()
	if fn != nil {
		fn(h, payload)
	}
}

// IsActive reports whether this server currently owns the command
// channel.
func (s *Server) IsActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}
