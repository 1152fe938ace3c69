// Package sequencer implements spec.md §4.9: the application that owns
// the single command channel while active, validating each inbound
// command's per-application sequence number before dispatch. While not
// active it installs no command listener and does not observe the event
// stream, so it does not track the sequence numbers the active instance
// produces.
package sequencer

import (
	"log/slog"
	"time"

	"github.com/malbeclabs/moldbus/internal/bus"
	"github.com/malbeclabs/moldbus/internal/scheduler"
	"github.com/malbeclabs/moldbus/internal/wire"
)

// DefaultHeartbeatMS is the heartbeat period used when HeartbeatMS is left
// at its zero value.
const DefaultHeartbeatMS = 100

// SelfApplicationID is the application_id the sequencer registers itself
// under the first time it becomes active, before any other application
// has been assigned an id.
const SelfApplicationID uint16 = 0

// Sequencer is the Activatable object installed at the root of the
// activation graph's application layer. While active it owns the bus
// Server's command channel; while inactive it has no command listener and
// does not observe the event stream, so the Server's application sequence
// numbers are not updated until it is active again.
type Sequencer struct {
	log    *slog.Logger
	server *bus.Server
	sched  *scheduler.Scheduler
	clock  func() int64
	next   bus.CommandFunc

	name           string
	heartbeatMS    int64
	heartbeatID    scheduler.TaskID
	selfRegistered bool

	onReady    func()
	onNotReady func(reason string)
}

// New builds a Sequencer that validates inbound commands before handing
// them to next (typically a clob.Handler's HandleCommand), staging its
// own events through server and scheduling its heartbeat via sched.
func New(log *slog.Logger, server *bus.Server, sched *scheduler.Scheduler, name string, next bus.CommandFunc) *Sequencer {
	if log == nil {
		log = slog.Default()
	}
	return &Sequencer{
		log:         log,
		server:      server,
		sched:       sched,
		clock:       func() int64 { return time.Now().UnixNano() },
		next:        next,
		name:        name,
		heartbeatMS: DefaultHeartbeatMS,
	}
}

// SetClock overrides the monotonic-nanosecond clock used to schedule the
// heartbeat, for deterministic tests.
func (s *Sequencer) SetClock(clock func() int64) { s.clock = clock }

// SetHeartbeatMS overrides the heartbeat period.
func (s *Sequencer) SetHeartbeatMS(ms int64) { s.heartbeatMS = ms }

// OnReadyNotify installs the callbacks the owning activation.Node uses to
// learn when Activate/Deactivate have settled (ready()/notReady() in
// spec.md's vocabulary).
func (s *Sequencer) OnReadyNotify(onReady func(), onNotReady func(reason string)) {
	s.onReady = onReady
	s.onNotReady = onNotReady
}

// Activate installs this sequencer as the command channel's owner, emits
// one heartbeat and an ApplicationDiscovery(up) immediately, arms the
// recurring heartbeat, and self-registers an ApplicationDefinition if it
// never has before. It implements activation.Activatable.
func (s *Sequencer) Activate() error {
	s.server.SetCommandListener(s.handleCommand)

	if !s.selfRegistered {
		s.selfRegistered = true
		s.emitApplicationDefinition()
	}

	s.emitHeartbeat()
	s.emitDiscovery(wire.ApplicationUp)

	periodNS := s.heartbeatMS * int64(1_000_000)
	s.heartbeatID = s.sched.ScheduleEvery(s.clock(), periodNS, s.onHeartbeatTick, "sequencer-heartbeat", 0)

	if s.onReady != nil {
		s.onReady()
	}
	return nil
}

// Deactivate cancels the heartbeat, emits ApplicationDiscovery(down), and
// releases the command channel.
func (s *Sequencer) Deactivate() error {
	s.heartbeatID = s.sched.Cancel(s.heartbeatID)
	s.emitDiscovery(wire.ApplicationDown)
	s.server.SetCommandListener(nil)

	if s.onNotReady != nil {
		s.onNotReady("deactivated")
	}
	return nil
}

func (s *Sequencer) onHeartbeatTick() {
	s.emitHeartbeat()
	if err := s.server.Send(); err != nil {
		s.log.Error("sequencer: heartbeat send failed", "error", err)
	}
}

func (s *Sequencer) emitHeartbeat() {
	buf := s.server.Acquire()
	h := wire.Header{MessageType: wire.MessageTypeHeartbeat}
	h.Encode(buf)
	s.server.Commit(wire.HeaderSize)
}

func (s *Sequencer) emitDiscovery(status wire.ApplicationDiscoveryStatus) {
	buf := s.server.Acquire()
	h := wire.Header{MessageType: wire.MessageTypeApplicationDiscovery}
	h.Encode(buf)
	body := wire.EncodeApplicationDiscovery(wire.ApplicationDiscovery{Status: status})
	n := copy(buf[wire.HeaderSize:], body)
	s.server.Commit(wire.HeaderSize + n)
	if err := s.server.Send(); err != nil {
		s.log.Error("sequencer: discovery send failed", "error", err)
	}
}

func (s *Sequencer) emitApplicationDefinition() {
	buf := s.server.Acquire()
	h := wire.Header{ApplicationID: SelfApplicationID, MessageType: wire.MessageTypeApplicationDefinition}
	h.Encode(buf)
	body := wire.EncodeApplicationDefinition(wire.ApplicationDefinition{Name: s.name})
	n := copy(buf[wire.HeaderSize:], body)
	s.server.Commit(wire.HeaderSize + n)
	if err := s.server.Send(); err != nil {
		s.log.Error("sequencer: self-registration send failed", "error", err)
	}
}

// handleCommand implements spec.md §4.9's validation algorithm: every
// inbound command must carry the next expected per-application sequence
// number, except an application's very first ApplicationDefinition, which
// is accepted unconditionally so the application can be assigned an id in
// the first place.
func (s *Sequencer) handleCommand(h wire.Header, payload []byte) {
	if h.ApplicationSeqNum == 1 && h.MessageType == wire.MessageTypeApplicationDefinition {
		s.server.SetApplicationSequenceNumber(h.ApplicationID, 1)
		s.next(h, payload)
		s.flush()
		return
	}

	expected := s.server.IncrementAndGetApplicationSequenceNumber(h.ApplicationID)
	if expected < 0 {
		s.log.Warn("sequencer: dropping command from unregistered application", "application_id", h.ApplicationID)
		return
	}
	if int64(h.ApplicationSeqNum) != expected {
		s.server.SetApplicationSequenceNumber(h.ApplicationID, expected-1)
		s.log.Warn("sequencer: dropping out-of-sequence command",
			"application_id", h.ApplicationID, "expected", expected, "received", h.ApplicationSeqNum)
		return
	}

	s.next(h, payload)
	s.flush()
}

func (s *Sequencer) flush() {
	if err := s.server.Send(); err != nil {
		s.log.Error("sequencer: send failed", "error", err)
	}
}
