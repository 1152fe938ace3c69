package bus

import "sync"

// SessionFunc observes a session opening or closing; it receives the
// 10-byte session name as a string.
type SessionFunc func(sessionName string)

// Client is the façade an ordinary (non-sequencer) application programs
// against: a message-type dispatcher for inbound events, a factory for
// outbound per-application Providers, and session lifecycle listeners.
type Client struct {
	dispatcher *Dispatcher
	sender     CommandSender

	mu            sync.Mutex
	openListeners  []SessionFunc
	closeListeners []SessionFunc
}

// NewClient builds a Client that dispatches inbound events via dispatcher
// and sends outbound commands via sender.
func NewClient(dispatcher *Dispatcher, sender CommandSender) *Client {
	return &Client{dispatcher: dispatcher, sender: sender}
}

// GetDispatcher returns the message-type-keyed demultiplexer applications
// register their handlers against.
func (c *Client) GetDispatcher() *Dispatcher { return c.dispatcher }

// GetProvider returns a new per-application outbound Provider. Each call
// returns an independent Provider with its own application_seq_num
// counter, even if appID repeats; callers that want a single shared
// sequence for an application should hold on to the returned Provider.
func (c *Client) GetProvider(appID uint16, owner string) *Provider {
	return NewProvider(appID, owner, c.sender)
}

// AddOpenSessionListener registers fn to be called when a session becomes
// established.
func (c *Client) AddOpenSessionListener(fn SessionFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.openListeners = append(c.openListeners, fn)
}

// AddCloseSessionListener registers fn to be called when a session tears
// down.
func (c *Client) AddCloseSessionListener(fn SessionFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeListeners = append(c.closeListeners, fn)
}

// NotifySessionOpen invokes every open-session listener. Called by
// whatever wires a mold.Session's readiness into this Client.
func (c *Client) NotifySessionOpen(sessionName string) {
	c.mu.Lock()
	fns := append([]SessionFunc(nil), c.openListeners...)
	c.mu.Unlock()
	for _, fn := range fns {
		fn(sessionName)
	}
}

// NotifySessionClose invokes every close-session listener.
func (c *Client) NotifySessionClose(sessionName string) {
	c.mu.Lock()
	fns := append([]SessionFunc(nil), c.closeListeners...)
	c.mu.Unlock()
	for _, fn := range fns {
		fn(sessionName)
	}
}
