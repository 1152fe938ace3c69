package bus

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/malbeclabs/moldbus/internal/wire"
)

func encodedMessage(h wire.Header, body string) []byte {
	buf := make([]byte, wire.HeaderSize+len(body))
	h.Encode(buf)
	copy(buf[wire.HeaderSize:], body)
	return buf
}

func TestDispatcherRoutesByMessageType(t *testing.T) {
	d := NewDispatcher()

	var heartbeats, fills int
	d.On(wire.MessageTypeHeartbeat, func(h wire.Header, payload []byte) { heartbeats++ })
	d.On(wire.MessageTypeFillOrder, func(h wire.Header, payload []byte) { fills++ })

	d.Dispatch(1, encodedMessage(wire.Header{MessageType: wire.MessageTypeHeartbeat}, ""))
	d.Dispatch(2, encodedMessage(wire.Header{MessageType: wire.MessageTypeFillOrder}, "x"))
	d.Dispatch(3, encodedMessage(wire.Header{MessageType: wire.MessageTypeFillOrder}, "y"))

	assert.Equal(t, 1, heartbeats)
	assert.Equal(t, 2, fills)
}

func TestDispatcherIgnoresTruncatedMessages(t *testing.T) {
	d := NewDispatcher()
	called := false
	d.On(wire.MessageTypeHeartbeat, func(h wire.Header, payload []byte) { called = true })

	d.Dispatch(1, []byte{0x01, 0x02})

	assert.False(t, called)
}

func TestDispatcherPassesPayloadWithoutHeader(t *testing.T) {
	d := NewDispatcher()
	var gotPayload string
	d.On(wire.MessageTypeAddOrder, func(h wire.Header, payload []byte) { gotPayload = string(payload) })

	d.Dispatch(1, encodedMessage(wire.Header{MessageType: wire.MessageTypeAddOrder}, "order-body"))

	assert.Equal(t, "order-body", gotPayload)
}
