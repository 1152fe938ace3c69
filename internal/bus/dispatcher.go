package bus

import (
	"sync"

	"github.com/malbeclabs/moldbus/internal/wire"
)

// HandlerFunc is a dispatcher listener registered against one message
// type.
type HandlerFunc func(h wire.Header, payload []byte)

// Dispatcher demultiplexes decoded events by message type, the client
// side's analogue of Server's single command listener: any number of
// applications can listen for any number of message types.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[wire.MessageType][]HandlerFunc
}

// NewDispatcher creates an empty Dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[wire.MessageType][]HandlerFunc)}
}

// On registers fn to be called for every event of type t.
func (d *Dispatcher) On(t wire.MessageType, fn HandlerFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[t] = append(d.handlers[t], fn)
}

// Dispatch decodes a message's header and invokes every handler
// registered for its message type. Malformed messages (too short for a
// header) are dropped silently; the subscriber layer already warns on
// protocol violations.
func (d *Dispatcher) Dispatch(seqNum uint64, msg []byte) {
	if len(msg) < wire.HeaderSize {
		return
	}
	h, err := wire.DecodeHeader(msg)
	if err != nil {
		return
	}
	payload := msg[wire.HeaderSize:]

	d.mu.RLock()
	fns := append([]HandlerFunc(nil), d.handlers[h.MessageType]...)
	d.mu.RUnlock()

	for _, fn := range fns {
		fn(h, payload)
	}
}
