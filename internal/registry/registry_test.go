// ABOUTME: Tests for the connection registry population maps and caps.
// ABOUTME: Uses an in-memory fake socket; no network involved.

package registry

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeSocket struct {
	mu     sync.Mutex
	frames []any
	closed bool
}

func (f *fakeSocket) WriteJSON(v any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, v)
	return nil
}

func (f *fakeSocket) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func TestAgentAddAndReplace(t *testing.T) {
	r := New(0, 0, 0)

	first := NewAgentConn("node-1", &fakeSocket{})
	displaced, err := r.AddAgent(first)
	require.NoError(t, err)
	require.Nil(t, displaced)
	require.Equal(t, first, r.Agent("node-1"))

	// A reconnect for the same node displaces the old connection.
	second := NewAgentConn("node-1", &fakeSocket{})
	displaced, err = r.AddAgent(second)
	require.NoError(t, err)
	require.Equal(t, first, displaced)
	require.Equal(t, second, r.Agent("node-1"))
	require.Equal(t, 1, r.AgentCount())
}

func TestAgentRemoveIsPointerScoped(t *testing.T) {
	r := New(0, 0, 0)

	first := NewAgentConn("node-1", &fakeSocket{})
	_, err := r.AddAgent(first)
	require.NoError(t, err)

	second := NewAgentConn("node-1", &fakeSocket{})
	_, err = r.AddAgent(second)
	require.NoError(t, err)

	// The stale connection's disconnect must not evict the new one.
	require.False(t, r.RemoveAgent(first))
	require.Equal(t, second, r.Agent("node-1"))

	require.True(t, r.RemoveAgent(second))
	require.Nil(t, r.Agent("node-1"))
}

func TestAgentCap(t *testing.T) {
	r := New(2, 0, 0)

	_, err := r.AddAgent(NewAgentConn("node-1", &fakeSocket{}))
	require.NoError(t, err)
	_, err = r.AddAgent(NewAgentConn("node-2", &fakeSocket{}))
	require.NoError(t, err)

	_, err = r.AddAgent(NewAgentConn("node-3", &fakeSocket{}))
	require.ErrorIs(t, err, ErrAgentLimit)

	// Reconnects for an already-registered node do not count against the cap.
	_, err = r.AddAgent(NewAgentConn("node-2", &fakeSocket{}))
	require.NoError(t, err)
}

func TestClientCap(t *testing.T) {
	r := New(0, 1, 0)

	require.NoError(t, r.AddClient(NewClientConn(&fakeSocket{})))
	require.ErrorIs(t, r.AddClient(NewClientConn(&fakeSocket{})), ErrClientLimit)
}

func TestPerUserCap(t *testing.T) {
	r := New(0, 0, 2)

	for i := 0; i < 2; i++ {
		conn := NewClientConn(&fakeSocket{})
		require.NoError(t, r.AddClient(conn))
		require.NoError(t, r.AuthorizeClientUser(conn, "user-1"))
	}

	third := NewClientConn(&fakeSocket{})
	require.NoError(t, r.AddClient(third))
	require.ErrorIs(t, r.AuthorizeClientUser(third, "user-1"), ErrUserLimit)

	// A different user is unaffected.
	require.NoError(t, r.AuthorizeClientUser(third, "user-2"))
}

func TestClientSubscriptions(t *testing.T) {
	conn := NewClientConn(&fakeSocket{})

	require.True(t, conn.Subscribe("srv-1"))
	require.False(t, conn.Subscribe("srv-1"), "duplicate subscribe reports existing")
	require.True(t, conn.Subscribed("srv-1"))
	require.False(t, conn.Subscribed("srv-2"))

	conn.Unsubscribe("srv-1")
	require.False(t, conn.Subscribed("srv-1"))
	require.Empty(t, conn.Subscriptions())
}

func TestAgentHeartbeat(t *testing.T) {
	conn := NewAgentConn("node-1", &fakeSocket{})
	require.False(t, conn.Authenticated())

	before := conn.LastHeartbeat()
	conn.MarkAuthenticated()
	require.True(t, conn.Authenticated())

	conn.TouchHeartbeat()
	require.False(t, conn.LastHeartbeat().Before(before))
}
