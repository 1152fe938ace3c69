// Package udpbus implements the UDP event publisher and subscriber of
// spec.md §4.6: the publisher stamps, stores, and multicasts bursts of
// messages; the subscriber parses incoming frames, detects sequence gaps,
// and dispatches payloads in order once any gap has closed.
package udpbus

import (
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/malbeclabs/moldbus/internal/mold"
	"github.com/malbeclabs/moldbus/internal/store"
	"github.com/malbeclabs/moldbus/internal/wire"
)

// CaughtUpFanout is the subset of the TCP rewinder's SocketHolder surface
// the publisher needs: a live target receives the same bytes as the UDP
// broadcast exactly when it has fully drained its backlog.
type CaughtUpFanout interface {
	// CaughtUp reports whether the target has replayed history up to
	// next_seq_num and should now receive live broadcasts.
	CaughtUp() bool
	// Send enqueues frame for delivery, applying the holder's own
	// backpressure handling; errors are the holder's concern, not the
	// publisher's.
	Send(frame []byte)
}

// Publisher owns acquire/commit/broadcast for one session: it is the only
// writer of the message store and the only source of next_seq_num values.
type Publisher struct {
	log     *slog.Logger
	session *mold.Session
	store   *store.Store
	conn    net.Conn // UDP multicast destination

	mu      sync.Mutex
	fanout  map[CaughtUpFanout]struct{}
	lengths []int // scratch reused across Commit calls
}

// NewPublisher builds a Publisher over an already-open store and session.
// conn should already be dialed to the multicast group (e.g. net.DialUDP).
func NewPublisher(log *slog.Logger, session *mold.Session, st *store.Store, conn net.Conn) *Publisher {
	if log == nil {
		log = slog.Default()
	}
	return &Publisher{
		log:     log,
		session: session,
		store:   st,
		conn:    conn,
		fanout:  make(map[CaughtUpFanout]struct{}),
	}
}

// AddFanout registers a TCP rewind holder as a candidate live-fanout
// target. The publisher only actually sends to it while CaughtUp is true.
func (p *Publisher) AddFanout(f CaughtUpFanout) {
	p.mu.Lock()
	p.fanout[f] = struct{}{}
	p.mu.Unlock()
}

// RemoveFanout unregisters a target, e.g. on disconnect.
func (p *Publisher) RemoveFanout(f CaughtUpFanout) {
	p.mu.Lock()
	delete(p.fanout, f)
	p.mu.Unlock()
}

// Acquire returns the writable scratch buffer applications fill before
// calling Commit.
func (p *Publisher) Acquire() []byte {
	return p.store.Acquire()
}

// Commit persists count contiguous messages (found in the acquired buffer
// at offset, with the given per-message byte lengths) as a single burst:
// store append, session sequence advance, UDP broadcast, and fanout to
// caught-up TCP peers, all under the session's current name.
func (p *Publisher) Commit(lengths []int, offset int, count int) error {
	if !p.session.Established() {
		return fmt.Errorf("udpbus: commit before session established")
	}
	if err := p.store.Commit(lengths, offset, count); err != nil {
		return err
	}

	firstSeqNum := p.session.Advance(uint64(count))

	buf := p.store.Acquire()
	messages := make([][]byte, count)
	cur := offset
	for i := 0; i < count; i++ {
		n := lengths[i]
		messages[i] = buf[cur : cur+n]
		cur += n
	}

	name := p.session.Name()
	var sess wire.Session
	copy(sess[:], name[:])
	frame, err := wire.EncodeFrame(sess, firstSeqNum, messages)
	if err != nil {
		return fmt.Errorf("udpbus: encode frame: %w", err)
	}

	if _, err := p.conn.Write(frame); err != nil {
		p.log.Error("udpbus: udp broadcast failed", "error", err)
	}

	p.mu.Lock()
	for f := range p.fanout {
		if f.CaughtUp() {
			f.Send(frame)
		}
	}
	p.mu.Unlock()

	return nil
}

// Heartbeat sends the UDP heartbeat frame announcing the current session
// and next_seq_num, for newly-connected TCP peers that are still listening
// to the multicast group.
func (p *Publisher) Heartbeat() error {
	name := p.session.Name()
	var sess wire.Session
	copy(sess[:], name[:])
	frame := wire.EncodeHeartbeatFrame(sess, p.session.NextSeqNum())
	_, err := p.conn.Write(frame)
	return err
}
