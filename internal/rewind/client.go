package rewind

import (
	"encoding/binary"
	"io"
	"log/slog"
	"net"
	"sync"

	"github.com/malbeclabs/moldbus/internal/wire"
)

// FrameHandler receives frames exactly as udpbus.Subscriber.HandleFrame
// does; Client depends on this narrow interface instead of udpbus directly
// to avoid a dependency cycle (udpbus.Subscriber depends on rewind.Client
// through the Rewinder interface).
type FrameHandler interface {
	HandleFrame(h wire.FrameHeader, messages [][]byte)
}

// Client dials the rewind server, announces a resume-from sequence
// number, and feeds the resulting {len,payload} stream back into a
// FrameHandler, one synthetic single-message frame per payload, until the
// connection is closed.
type Client struct {
	log     *slog.Logger
	dial    func() (net.Conn, error)
	handler FrameHandler

	mu   sync.Mutex
	conn net.Conn
}

// NewClient builds a Client that dials addr over TCP on each rewind
// request.
func NewClient(log *slog.Logger, addr string, handler FrameHandler) *Client {
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		log:     log,
		dial:    func() (net.Conn, error) { return net.Dial("tcp", addr) },
		handler: handler,
	}
}

// RequestRewind implements udpbus.Rewinder: it opens a fresh connection,
// sends fromSeqNum, and streams the reply on its own goroutine.
func (c *Client) RequestRewind(fromSeqNum uint64) {
	conn, err := c.dial()
	if err != nil {
		c.log.Error("rewind: dial failed", "error", err)
		return
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	var req [8]byte
	binary.BigEndian.PutUint64(req[:], fromSeqNum)
	if _, err := conn.Write(req[:]); err != nil {
		c.log.Error("rewind: handshake write failed", "error", err)
		conn.Close()
		return
	}

	go c.readLoop(conn, fromSeqNum)
}

func (c *Client) readLoop(conn net.Conn, resumeFrom uint64) {
	defer conn.Close()

	seq := resumeFrom
	r := io.Reader(conn)
	for {
		var prefix [2]byte
		if _, err := io.ReadFull(r, prefix[:]); err != nil {
			return
		}
		n := binary.BigEndian.Uint16(prefix[:])

		if n == wire.HeartbeatSentinel {
			rest := make([]byte, wire.SessionSize+8)
			if _, err := io.ReadFull(r, rest); err != nil {
				return
			}
			continue // heartbeats carry no sequenced payload
		}

		payload := make([]byte, n)
		if _, err := io.ReadFull(r, payload); err != nil {
			return
		}

		c.handler.HandleFrame(wire.FrameHeader{SeqNum: seq, MessageCount: 1}, [][]byte{payload})
		seq++
	}
}

// Close drops the most recent connection, if any.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}
