package rewind

import (
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/moldbus/internal/mold"
	"github.com/malbeclabs/moldbus/internal/scheduler"
	"github.com/malbeclabs/moldbus/internal/store"
	"github.com/malbeclabs/moldbus/internal/wire"
)

func newTestServer(t *testing.T) (*Server, *store.Store, *mold.Session, *scheduler.Scheduler) {
	t.Helper()
	sess := mold.New()
	require.NoError(t, sess.Create("A1"))

	st := store.New(0)
	require.NoError(t, st.Open(filepath.Join(t.TempDir(), "events.store")))

	sched := scheduler.New(nil)

	var mu sync.Mutex
	var caughtUp []*SocketHolder
	srv := NewServer(nil, st, sess, sched, func(h *SocketHolder) {
		mu.Lock()
		caughtUp = append(caughtUp, h)
		mu.Unlock()
	})
	srv.SetClock(func() int64 { return time.Now().UnixNano() })
	return srv, st, sess, sched
}

func appendMessage(t *testing.T, st *store.Store, payload string) {
	t.Helper()
	buf := st.Acquire()
	copy(buf, payload)
	require.NoError(t, st.Commit([]int{len(payload)}, 0, 1))
}

func TestRewindClientCatchesUpFromEmptyHistory(t *testing.T) {
	srv, _, _, sched := newTestServer(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		srv.Accept(conn)
	}()

	handler := &captureHandler{}
	client := NewClient(nil, ln.Addr().String(), handler)
	client.RequestRewind(1)

	// Resume point equals next_seq_num on empty history, so the server
	// joins the holder to live fanout synchronously without ever
	// scheduling a rewind-step task; give the handshake goroutines a
	// moment to run, then assert nothing was dispatched.
	time.Sleep(100 * time.Millisecond)
	sched.Fire(time.Now().UnixNano())

	assert.Equal(t, 0, handler.count())
}

func TestRewindServerReplaysBacklogToClient(t *testing.T) {
	srv, st, sess, sched := newTestServer(t)
	appendMessage(t, st, "first")
	appendMessage(t, st, "second")
	appendMessage(t, st, "third")
	sess.Advance(3) // the publisher advances the session with every store commit

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		srv.Accept(conn)
	}()

	handler := &captureHandler{}
	client := NewClient(nil, ln.Addr().String(), handler)
	client.RequestRewind(1)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && handler.count() < 3 {
		sched.Fire(time.Now().UnixNano())
		time.Sleep(5 * time.Millisecond)
	}

	require.Equal(t, 3, handler.count())
	assert.Equal(t, []string{"first", "second", "third"}, handler.payloads())
}

type captureHandler struct {
	mu   sync.Mutex
	msgs []string
}

func (c *captureHandler) HandleFrame(h wire.FrameHeader, messages [][]byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, m := range messages {
		c.msgs = append(c.msgs, string(m))
	}
}

func (c *captureHandler) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.msgs)
}

func (c *captureHandler) payloads() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.msgs...)
}
