package udpbus

import (
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/moldbus/internal/mold"
	"github.com/malbeclabs/moldbus/internal/store"
	"github.com/malbeclabs/moldbus/internal/wire"
)

// fakeConn is a minimal net.Conn that just records writes, standing in for
// a UDP socket in tests that don't need a real network.
type fakeConn struct {
	writes [][]byte
}

func (f *fakeConn) Read(b []byte) (int, error)         { return 0, nil }
func (f *fakeConn) Write(b []byte) (int, error)        { cp := append([]byte(nil), b...); f.writes = append(f.writes, cp); return len(b), nil }
func (f *fakeConn) Close() error                       { return nil }
func (f *fakeConn) LocalAddr() net.Addr                { return nil }
func (f *fakeConn) RemoteAddr() net.Addr               { return nil }
func (f *fakeConn) SetDeadline(t time.Time) error      { return nil }
func (f *fakeConn) SetReadDeadline(t time.Time) error  { return nil }
func (f *fakeConn) SetWriteDeadline(t time.Time) error { return nil }

type recordingFanout struct {
	caughtUp bool
	sent     [][]byte
}

func (f *recordingFanout) CaughtUp() bool     { return f.caughtUp }
func (f *recordingFanout) Send(frame []byte) { f.sent = append(f.sent, frame) }

func newTestPublisher(t *testing.T) (*Publisher, *fakeConn) {
	t.Helper()
	s := mold.New()
	require.NoError(t, s.Create("A1"))

	st := store.New(0)
	require.NoError(t, st.Open(filepath.Join(t.TempDir(), "events.store")))

	conn := &fakeConn{}
	return NewPublisher(nil, s, st, conn), conn
}

func TestCommitBroadcastsAndAdvancesSequence(t *testing.T) {
	p, conn := newTestPublisher(t)

	buf := p.Acquire()
	copy(buf, "hello")
	require.NoError(t, p.Commit([]int{5}, 0, 1))

	require.Len(t, conn.writes, 1)
	h, err := wire.DecodeFrameHeader(conn.writes[0])
	require.NoError(t, err)
	assert.EqualValues(t, 1, h.SeqNum)
	assert.EqualValues(t, 1, h.MessageCount)

	msgs, err := wire.DecodeMessages(conn.writes[0][wire.FrameHeaderSize:], h.MessageCount)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(msgs[0]))
}

func TestCommitFansOutOnlyToCaughtUpTargets(t *testing.T) {
	p, _ := newTestPublisher(t)

	caughtUp := &recordingFanout{caughtUp: true}
	behind := &recordingFanout{caughtUp: false}
	p.AddFanout(caughtUp)
	p.AddFanout(behind)

	buf := p.Acquire()
	copy(buf, "x")
	require.NoError(t, p.Commit([]int{1}, 0, 1))

	assert.Len(t, caughtUp.sent, 1)
	assert.Empty(t, behind.sent)
}

func TestCommitBeforeSessionEstablishedFails(t *testing.T) {
	s := mold.New()
	st := store.New(0)
	require.NoError(t, st.Open(filepath.Join(t.TempDir(), "events.store")))
	p := NewPublisher(nil, s, st, &fakeConn{})

	buf := p.Acquire()
	copy(buf, "x")
	assert.Error(t, p.Commit([]int{1}, 0, 1))
}
