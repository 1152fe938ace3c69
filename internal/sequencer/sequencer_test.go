package sequencer

import (
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/moldbus/internal/bus"
	"github.com/malbeclabs/moldbus/internal/mold"
	"github.com/malbeclabs/moldbus/internal/scheduler"
	"github.com/malbeclabs/moldbus/internal/store"
	"github.com/malbeclabs/moldbus/internal/udpbus"
	"github.com/malbeclabs/moldbus/internal/wire"
)

type discardConn struct{}

func (discardConn) Write(b []byte) (int, error)       { return len(b), nil }
func (discardConn) Close() error                       { return nil }
func (discardConn) Read(b []byte) (int, error)         { return 0, nil }
func (discardConn) LocalAddr() net.Addr                { return nil }
func (discardConn) RemoteAddr() net.Addr               { return nil }
func (discardConn) SetDeadline(t time.Time) error      { return nil }
func (discardConn) SetReadDeadline(t time.Time) error  { return nil }
func (discardConn) SetWriteDeadline(t time.Time) error { return nil }

func newFixture(t *testing.T) (*bus.Server, *scheduler.Scheduler) {
	t.Helper()
	sess := mold.New()
	require.NoError(t, sess.Create("A1"))
	st := store.New(0)
	require.NoError(t, st.Open(filepath.Join(t.TempDir(), "events.store")))
	pub := udpbus.NewPublisher(nil, sess, st, discardConn{})
	return bus.NewServer(nil, pub), scheduler.New(nil)
}

type recordedEvent struct {
	Header  wire.Header
	Payload []byte
}

func collectEvents(s *bus.Server) *[]recordedEvent {
	var events []recordedEvent
	s.AddEventListener(func(h wire.Header, payload []byte) {
		events = append(events, recordedEvent{h, append([]byte(nil), payload...)})
	})
	return &events
}

func TestActivateSelfRegistersAndEmitsHeartbeatAndDiscoveryUp(t *testing.T) {
	server, sched := newFixture(t)
	events := collectEvents(server)

	seq := New(nil, server, sched, "sequencer", func(h wire.Header, payload []byte) {})
	require.NoError(t, seq.Activate())

	require.Len(t, *events, 3)
	assert.Equal(t, wire.MessageTypeApplicationDefinition, (*events)[0].Header.MessageType)
	assert.Equal(t, wire.MessageTypeHeartbeat, (*events)[1].Header.MessageType)
	assert.Equal(t, wire.MessageTypeApplicationDiscovery, (*events)[2].Header.MessageType)
	assert.True(t, server.IsActive())
}

func TestActivateDoesNotReregisterSelfTwice(t *testing.T) {
	server, sched := newFixture(t)
	events := collectEvents(server)

	seq := New(nil, server, sched, "sequencer", func(h wire.Header, payload []byte) {})
	require.NoError(t, seq.Activate())
	require.NoError(t, seq.Deactivate())
	*events = nil
	require.NoError(t, seq.Activate())

	for _, ev := range *events {
		assert.NotEqual(t, wire.MessageTypeApplicationDefinition, ev.Header.MessageType)
	}
}

func TestDeactivateCancelsHeartbeatAndEmitsDiscoveryDown(t *testing.T) {
	server, sched := newFixture(t)
	events := collectEvents(server)

	seq := New(nil, server, sched, "sequencer", func(h wire.Header, payload []byte) {})
	require.NoError(t, seq.Activate())
	require.EqualValues(t, 1, sched.Len())

	*events = nil
	require.NoError(t, seq.Deactivate())

	require.Len(t, *events, 1)
	assert.Equal(t, wire.MessageTypeApplicationDiscovery, (*events)[0].Header.MessageType)
	d, err := wire.DecodeApplicationDiscovery((*events)[0].Payload)
	require.NoError(t, err)
	assert.Equal(t, wire.ApplicationDown, d.Status)
	assert.EqualValues(t, 0, sched.Len())
	assert.False(t, server.IsActive())
}

func TestHandleCommandAcceptsFirstApplicationDefinitionUnconditionally(t *testing.T) {
	server, sched := newFixture(t)

	var dispatched []wire.Header
	next := func(h wire.Header, payload []byte) { dispatched = append(dispatched, h) }
	seq := New(nil, server, sched, "sequencer", next)
	require.NoError(t, seq.Activate())

	h := wire.Header{ApplicationID: 5, ApplicationSeqNum: 1, MessageType: wire.MessageTypeApplicationDefinition}
	server.DispatchCommand(h, wire.EncodeApplicationDefinition(wire.ApplicationDefinition{Name: "risk"}))

	require.Len(t, dispatched, 1)
	assert.EqualValues(t, 1, server.GetApplicationSequenceNumber(5))
}

func TestHandleCommandRejectsOutOfSequenceAndRollsBack(t *testing.T) {
	server, sched := newFixture(t)

	var dispatched int
	next := func(h wire.Header, payload []byte) { dispatched++ }
	seq := New(nil, server, sched, "sequencer", next)
	require.NoError(t, seq.Activate())

	h := wire.Header{ApplicationID: 5, ApplicationSeqNum: 1, MessageType: wire.MessageTypeApplicationDefinition}
	server.DispatchCommand(h, wire.EncodeApplicationDefinition(wire.ApplicationDefinition{Name: "risk"}))
	require.Equal(t, 1, dispatched)

	bad := wire.Header{ApplicationID: 5, ApplicationSeqNum: 99, MessageType: wire.MessageTypeAddOrder}
	server.DispatchCommand(bad, nil)

	assert.Equal(t, 1, dispatched)
	assert.EqualValues(t, 1, server.GetApplicationSequenceNumber(5))

	ok := wire.Header{ApplicationID: 5, ApplicationSeqNum: 2, MessageType: wire.MessageTypeAddOrder}
	server.DispatchCommand(ok, nil)
	assert.Equal(t, 2, dispatched)
}

func TestHandleCommandDropsUnregisteredApplication(t *testing.T) {
	server, sched := newFixture(t)

	var dispatched int
	next := func(h wire.Header, payload []byte) { dispatched++ }
	seq := New(nil, server, sched, "sequencer", next)
	require.NoError(t, seq.Activate())

	h := wire.Header{ApplicationID: 42, ApplicationSeqNum: 3, MessageType: wire.MessageTypeAddOrder}
	server.DispatchCommand(h, nil)

	assert.Equal(t, 0, dispatched)
}
