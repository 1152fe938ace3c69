// Package rewind implements the TCP backlog replay described in spec.md
// §4.7: on connect, a peer is handed a SocketHolder; once it announces its
// resume-from sequence number, the holder streams history from the
// message store until it catches up, at which point it joins the live
// UDP-equivalent fanout the publisher drives directly.
package rewind

import (
	"net"
	"sync"
	"time"
)

// writeBufferSize bounds the batch read from the store per rewind step and
// the per-holder retry buffer for a short write.
const (
	writeBufferSize  = 64 * 1024
	catchUpDelay     = time.Millisecond
	heartbeatPeriod  = time.Second
	heartbeatTimeout = 10 * time.Second
)

// SocketHolder is one connected TCP rewind peer. seqNum is the sequence
// number it has fully received; -1 means "connected but hasn't announced
// a resume point yet".
type SocketHolder struct {
	mu   sync.Mutex
	conn net.Conn

	seqNum          int64
	lastHeartbeat   time.Time
	writeBuf        []byte
	writeBufPos     int
	handshakeNeeded bool
	closed          bool
}

func newHolder(conn net.Conn) *SocketHolder {
	return &SocketHolder{
		conn:            conn,
		seqNum:          -1,
		lastHeartbeat:   time.Now(),
		writeBuf:        make([]byte, writeBufferSize),
		handshakeNeeded: true,
	}
}

// CaughtUp reports whether the holder has replayed history up to the
// sequence number it had at handshake time and is now a live-fanout
// target. It also requires no write is currently blocked.
func (h *SocketHolder) CaughtUp() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.caughtUpLocked()
}

func (h *SocketHolder) caughtUpLocked() bool {
	return !h.handshakeNeeded && h.writeBufPos == 0 && h.seqNum >= 0
}

// Send delivers a live frame to the holder, same backpressure path as a
// rewind batch: on short write, the remainder is buffered and a later
// Flush (triggered by writable readiness) completes it.
func (h *SocketHolder) Send(frame []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed || h.writeBufPos > 0 {
		// Already backed up; drop rather than block the publisher, per
		// spec.md §7 "the publisher is never blocked by a slow subscriber".
		return
	}
	h.writeLocked(frame)
}

// writeLocked attempts a single write of data; on short write it buffers
// the unwritten tail for Flush to resume later.
func (h *SocketHolder) writeLocked(data []byte) {
	n, err := h.conn.Write(data)
	if err != nil {
		h.closeLocked()
		return
	}
	if n < len(data) {
		tail := data[n:]
		copy(h.writeBuf, tail)
		h.writeBufPos = len(tail)
	}
}

// Flush resumes a short write. Returns true if the buffer fully drained.
func (h *SocketHolder) Flush() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.writeBufPos == 0 {
		return true
	}
	n, err := h.conn.Write(h.writeBuf[:h.writeBufPos])
	if err != nil {
		h.closeLocked()
		return false
	}
	remaining := h.writeBufPos - n
	copy(h.writeBuf, h.writeBuf[n:h.writeBufPos])
	h.writeBufPos = remaining
	return remaining == 0
}

// Blocked reports whether the holder has unwritten backlog from a short
// write, per spec.md's write_buffer_position > 0 observability rule.
func (h *SocketHolder) Blocked() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.writeBufPos > 0
}

func (h *SocketHolder) touchHeartbeat() {
	h.mu.Lock()
	h.lastHeartbeat = time.Now()
	h.mu.Unlock()
}

func (h *SocketHolder) heartbeatStale(now time.Time) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastHeartbeat.Add(heartbeatTimeout).Before(now)
}

func (h *SocketHolder) closeLocked() {
	if h.closed {
		return
	}
	h.closed = true
	h.conn.Close()
}

func (h *SocketHolder) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closeLocked()
}

func (h *SocketHolder) isClosed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

// reset restores a holder to its pristine state for reuse via pool.Pool.
func (h *SocketHolder) reset() {
	h.conn = nil
	h.seqNum = -1
	h.writeBufPos = 0
	h.handshakeNeeded = true
	h.closed = false
}
