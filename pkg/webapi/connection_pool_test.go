package webapi

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

type stubConn struct {
	mu       sync.Mutex
	writes   [][]byte
	failNext bool
	closed   bool
}

func newStubConn() *stubConn { return &stubConn{} }

func (s *stubConn) WriteMessage(_ int, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.failNext {
		return errors.New("closed")
	}
	s.writes = append(s.writes, append([]byte(nil), data...))
	return nil
}

func (s *stubConn) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *stubConn) writeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.writes)
}

func (s *stubConn) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func TestConnectionPool_BroadcastAndSendToOne(t *testing.T) {
	pool := NewConnectionPool("s1")
	a, b := newStubConn(), newStubConn()
	pool.Add(a)
	pool.Add(b)
	require.Equal(t, 2, pool.Count())

	pool.Broadcast([]byte("all"))
	require.Equal(t, 1, a.writeCount())
	require.Equal(t, 1, b.writeCount())

	pool.SendToOne(a, []byte("one"))
	require.Equal(t, 2, a.writeCount())
	require.Equal(t, 1, b.writeCount())

	// unknown connections are ignored
	pool.SendToOne(newStubConn(), []byte("x"))
	pool.Broadcast(nil)
	require.Equal(t, 2, a.writeCount())
}

func TestConnectionPool_DropsFailedWriters(t *testing.T) {
	pool := NewConnectionPool("s1")
	good, bad := newStubConn(), newStubConn()
	bad.failNext = true
	pool.Add(good)
	pool.Add(bad)

	pool.Broadcast([]byte("hello"))
	require.Equal(t, 1, pool.Count())
	require.True(t, bad.isClosed())
	require.False(t, good.isClosed())
}

func TestConnectionPool_RemoveAndCloseAll(t *testing.T) {
	pool := NewConnectionPool("s1")
	a, b := newStubConn(), newStubConn()
	pool.Add(a)
	pool.Add(b)

	require.Equal(t, 1, pool.Remove(a))
	require.True(t, a.isClosed())

	pool.CloseAll()
	require.Equal(t, 0, pool.Count())
	require.True(t, b.isClosed())

	var nilPool *ConnectionPool
	require.Equal(t, 0, nilPool.Count())
	nilPool.Broadcast([]byte("x"))
}
