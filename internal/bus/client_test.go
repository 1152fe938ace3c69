package bus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/moldbus/internal/wire"
)

type recordingSender struct {
	sent []wire.Header
}

func (r *recordingSender) SendCommand(h wire.Header, payload []byte) {
	r.sent = append(r.sent, h)
}

func TestProviderStampsIncrementingApplicationSeqNum(t *testing.T) {
	sender := &recordingSender{}
	client := NewClient(NewDispatcher(), sender)

	p := client.GetProvider(5, "risk-app")
	buf := p.Acquire()
	copy(buf, "body1")
	p.Send(wire.MessageTypeAddOrder, 5)

	buf = p.Acquire()
	copy(buf, "body2")
	p.Send(wire.MessageTypeCancelOrder, 5)

	require.Len(t, sender.sent, 2)
	assert.EqualValues(t, 1, sender.sent[0].ApplicationSeqNum)
	assert.EqualValues(t, 2, sender.sent[1].ApplicationSeqNum)
	assert.EqualValues(t, 5, sender.sent[0].ApplicationID)
}

func TestOpenAndCloseSessionListenersFire(t *testing.T) {
	client := NewClient(NewDispatcher(), &recordingSender{})

	var opened, closed string
	client.AddOpenSessionListener(func(name string) { opened = name })
	client.AddCloseSessionListener(func(name string) { closed = name })

	client.NotifySessionOpen("20260730A1")
	client.NotifySessionClose("20260730A1")

	assert.Equal(t, "20260730A1", opened)
	assert.Equal(t, "20260730A1", closed)
}

func TestGetDispatcherReturnsSameInstance(t *testing.T) {
	d := NewDispatcher()
	client := NewClient(d, &recordingSender{})
	assert.Same(t, d, client.GetDispatcher())
}
