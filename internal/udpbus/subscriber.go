package udpbus

import (
	"log/slog"
	"sync"

	"github.com/malbeclabs/moldbus/internal/wire"
)

// Dispatcher receives payloads strictly in sequence-number order. A typical
// implementation decodes the message header at the front of the payload
// and demultiplexes on its message_type field; the subscriber itself has
// no schema awareness.
type Dispatcher interface {
	Dispatch(seqNum uint64, payload []byte)
}

// Rewinder requests a TCP backlog replay starting at fromSeqNum. The
// rewind package's client implements this; the subscriber only needs to
// kick off the request, the rewind client feeds replayed frames back in
// through HandleFrame the same as live UDP traffic.
type Rewinder interface {
	RequestRewind(fromSeqNum uint64)
}

// Subscriber consumes UDP event frames for one session, detecting gaps
// against its own notion of the next expected sequence number, buffering
// anything that arrives out of order, and dispatching strictly in order
// once the gap closes.
type Subscriber struct {
	log        *slog.Logger
	dispatcher Dispatcher
	rewinder   Rewinder

	mu       sync.Mutex
	expected uint64 // next_seq_num this subscriber expects to dispatch
	pending  map[uint64][]byte
	gap      bool // a rewind has been requested and not yet closed
}

// NewSubscriber creates a Subscriber expecting the first message to carry
// sequence number 1.
func NewSubscriber(log *slog.Logger, dispatcher Dispatcher, rewinder Rewinder) *Subscriber {
	if log == nil {
		log = slog.Default()
	}
	return &Subscriber{
		log:        log,
		dispatcher: dispatcher,
		rewinder:   rewinder,
		expected:   1,
		pending:    make(map[uint64][]byte),
	}
}

// HandleFrame processes one decoded UDP or TCP-rewind frame. Heartbeat
// frames are ignored here; callers that care about session discovery
// inspect FrameHeader.IsHeartbeat before calling HandleFrame.
func (s *Subscriber) HandleFrame(h wire.FrameHeader, messages [][]byte) {
	if h.IsHeartbeat() {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	seq := h.SeqNum
	for i, msg := range messages {
		s.receiveLocked(seq+uint64(i), msg)
	}
}

func (s *Subscriber) receiveLocked(seqNum uint64, payload []byte) {
	switch {
	case seqNum < s.expected:
		return // duplicate, already dispatched
	case seqNum == s.expected:
		cp := append([]byte(nil), payload...)
		s.dispatcher.Dispatch(seqNum, cp)
		s.expected++
		s.gap = false
		s.drainPendingLocked()
	default:
		// Gap: buffer and request a rewind if one isn't already in flight.
		cp := append([]byte(nil), payload...)
		s.pending[seqNum] = cp
		if !s.gap {
			s.gap = true
			s.rewinder.RequestRewind(s.expected)
		}
	}
}

func (s *Subscriber) drainPendingLocked() {
	for {
		msg, ok := s.pending[s.expected]
		if !ok {
			return
		}
		delete(s.pending, s.expected)
		s.dispatcher.Dispatch(s.expected, msg)
		s.expected++
	}
}

// Expected returns the next sequence number this subscriber has not yet
// dispatched.
func (s *Subscriber) Expected() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.expected
}
