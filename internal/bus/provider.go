package bus

import (
	"sync"
	"time"

	"github.com/malbeclabs/moldbus/internal/wire"
)

// CommandSender delivers a staged command to whichever process currently
// owns the command channel (the active sequencer). LocalSender is the
// only implementation this module needs, since the sequencer and its
// applications share a process; a networked sender would satisfy the same
// interface for a split deployment.
type CommandSender interface {
	SendCommand(h wire.Header, payload []byte)
}

// LocalSender delivers commands directly to an in-process Server, the
// common case where the applications and the active sequencer share an
// event loop.
type LocalSender struct {
	server *Server
}

// NewLocalSender wraps server as a CommandSender.
func NewLocalSender(server *Server) *LocalSender { return &LocalSender{server: server} }

// SendCommand implements CommandSender by calling straight into the
// server's command dispatch.
func (l *LocalSender) SendCommand(h wire.Header, payload []byte) {
	l.server.DispatchCommand(h, payload)
}

// Provider is a per-application outbound publisher: it stamps every
// command with the application's own monotonically increasing
// application_seq_num, starting at 1, so the sequencer's
// increment_and_get validation can detect gaps and duplicates.
type Provider struct {
	appID  uint16
	owner  string
	sender CommandSender

	mu     sync.Mutex
	nextSeq uint32
	scratch []byte
}

// NewProvider creates a Provider for appID, identified to operators by
// owner (a free-form label, e.g. the owning application's name).
func NewProvider(appID uint16, owner string, sender CommandSender) *Provider {
	return &Provider{
		appID:   appID,
		owner:   owner,
		sender:  sender,
		nextSeq: 1,
		scratch: make([]byte, wire.MaxMessageSize),
	}
}

// Owner returns the human-readable label this provider was created with.
func (p *Provider) Owner() string { return p.owner }

// Acquire returns the writable scratch buffer for the command body,
// starting after the header (callers write only their payload; the
// header is filled in by Send).
func (p *Provider) Acquire() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.scratch[wire.HeaderSize:]
}

// Send stamps and delivers a command of type t carrying the first n bytes
// of the acquired body buffer, using and then advancing this provider's
// own application_seq_num.
func (p *Provider) Send(t wire.MessageType, n int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	h := wire.Header{
		ApplicationID:     p.appID,
		ApplicationSeqNum: p.nextSeq,
		TimestampNS:       uint64(time.Now().UnixNano()),
		SchemaVersion:     wire.SchemaVersion,
		MessageType:       t,
	}
	h.Encode(p.scratch)
	p.nextSeq++

	payload := append([]byte(nil), p.scratch[wire.HeaderSize:wire.HeaderSize+n]...)
	p.sender.SendCommand(h, payload)
}
