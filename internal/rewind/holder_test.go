package rewind

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHolderSendWritesImmediatelyWhenNotBlocked(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	h := newHolder(server)
	h.handshakeNeeded = false
	h.seqNum = 0

	done := make(chan []byte, 1)
	go func() {
		buf := make([]byte, 5)
		n, _ := client.Read(buf)
		done <- buf[:n]
	}()

	h.Send([]byte("hello"))

	select {
	case got := <-done:
		assert.Equal(t, "hello", string(got))
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for read")
	}
	assert.True(t, h.CaughtUp())
}

func TestHolderHeartbeatStaleness(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	h := newHolder(server)
	h.lastHeartbeat = time.Now().Add(-20 * time.Second)

	assert.True(t, h.heartbeatStale(time.Now()))

	h.touchHeartbeat()
	assert.False(t, h.heartbeatStale(time.Now()))
}

func TestHolderResetClearsState(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()

	h := newHolder(server)
	h.seqNum = 42
	h.writeBufPos = 3
	h.handshakeNeeded = false

	h.reset()

	assert.Nil(t, h.conn)
	assert.EqualValues(t, -1, h.seqNum)
	assert.Equal(t, 0, h.writeBufPos)
	assert.True(t, h.handshakeNeeded)
	assert.False(t, h.closed)
}

func TestHolderCaughtUpRequiresHandshakeAndNoBacklog(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	h := newHolder(server)
	assert.False(t, h.CaughtUp(), "fresh holder hasn't handshaken")

	h.handshakeNeeded = false
	h.seqNum = 5
	assert.True(t, h.CaughtUp())

	h.writeBufPos = 1
	assert.False(t, h.CaughtUp(), "blocked holder is not caught up")
}

func TestHolderCloseIsIdempotent(t *testing.T) {
	server, _ := net.Pipe()
	h := newHolder(server)

	require.False(t, h.isClosed())
	h.Close()
	h.Close()
	assert.True(t, h.isClosed())
}
