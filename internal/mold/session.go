// Package mold implements session identity and sequence-number authority
// (spec.md §4.5): the 10-byte ASCII session name YYYYMMDDXX and the
// monotonically increasing next_seq_num every event is stamped with.
package mold

import (
	"fmt"
	"sync"
	"time"
)

// NameSize is the fixed width of a session name on the wire.
const NameSize = 10

// ErrAlreadyCreated is returned by Create/SetSessionName once a session
// identity has already been established.
var ErrAlreadyCreated = fmt.Errorf("mold: session already created")

// Session owns the session name and the sequence-number counter shared by
// the publisher and every component that stamps or validates messages.
// It has no concept of active/passive; the Sequencer decides who calls
// Create versus SetSessionName.
type Session struct {
	mu          sync.Mutex
	name        [NameSize]byte
	established bool
	nextSeqNum  uint64

	ready func() // set by the activation Node wrapping this Session
}

// New returns an unestablished Session with next_seq_num starting at 1.
func New() *Session {
	return &Session{nextSeqNum: 1}
}

// OnReady registers the callback invoked once Create or SetSessionName
// establishes the session identity, so an activation Node can wire
// itself up without this package importing the activation package.
func (s *Session) OnReady(fn func()) {
	s.mu.Lock()
	s.ready = fn
	s.mu.Unlock()
}

// Create is the active/primary path: it mints a session name from the
// current date plus a two-character operator-chosen suffix, and marks the
// session ready. Calling Create twice, or calling it after
// SetSessionName, fails.
func (s *Session) Create(suffix string) error {
	return s.createAt(time.Now(), suffix)
}

func (s *Session) createAt(now time.Time, suffix string) error {
	if len(suffix) != 2 {
		return fmt.Errorf("mold: suffix must be exactly 2 characters, got %q", suffix)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.established {
		return ErrAlreadyCreated
	}
	name := now.Format("20060102") + suffix
	copy(s.name[:], name)
	s.established = true
	if s.ready != nil {
		s.ready()
	}
	return nil
}

// SetSessionName is the subscriber/passive path: the session identity is
// learned from the wire (a heartbeat or event frame) rather than minted
// locally. Fails if Create has already run.
func (s *Session) SetSessionName(name [NameSize]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.established {
		return ErrAlreadyCreated
	}
	s.name = name
	s.established = true
	if s.ready != nil {
		s.ready()
	}
	return nil
}

// Name returns the current session name. It is all-zero until
// established.
func (s *Session) Name() [NameSize]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.name
}

// Established reports whether Create or SetSessionName has run.
func (s *Session) Established() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.established
}

// NextSeqNum returns the next sequence number that will be assigned,
// without consuming it.
func (s *Session) NextSeqNum() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextSeqNum
}

// Advance consumes the next n sequence numbers, returning the first one
// assigned to the caller's burst.
func (s *Session) Advance(n uint64) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	first := s.nextSeqNum
	s.nextSeqNum += n
	return first
}
