// ABOUTME: Tests for subscription+authorization filtered event delivery.

package gateway

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/timmy-time/catalyst/internal/registry"
	"github.com/timmy-time/catalyst/internal/state"
	"github.com/timmy-time/catalyst/internal/store"
)

func TestFanOutFiltersBySubscriptionAndPermission(t *testing.T) {
	g, st := newTestGateway(t)
	ctx := context.Background()
	node := seedNode(t, st)
	server := seedServer(t, st, node.ID, state.StatusRunning)

	require.NoError(t, st.GrantServerAccess(ctx, &store.ServerAccess{
		UserID: "viewer", ServerID: server.ID, Permissions: []string{permConsoleRead},
	}))

	_, owner := connectClient(t, g, "owner-1", server.ID)
	_, viewer := connectClient(t, g, "viewer", server.ID)
	_, stranger := connectClient(t, g, "stranger", server.ID)
	_, unsubscribed := connectClient(t, g, "owner-1")

	event := ClientEvent{Type: TypeConsoleOutput, ServerID: server.ID, Line: "hello"}
	g.fanOut(ctx, server, event, permConsoleRead)

	require.Len(t, owner.framesOfType(TypeConsoleOutput), 1)
	require.Len(t, viewer.framesOfType(TypeConsoleOutput), 1)
	require.Empty(t, stranger.framesOfType(TypeConsoleOutput))
	require.Empty(t, unsubscribed.framesOfType(TypeConsoleOutput))
}

func TestFanOutSkipsUnauthenticatedClients(t *testing.T) {
	g, st := newTestGateway(t)
	ctx := context.Background()
	node := seedNode(t, st)
	server := seedServer(t, st, node.ID, state.StatusRunning)

	sock := &fakeSocket{}
	conn := registry.NewClientConn(sock)
	require.NoError(t, g.registry.AddClient(conn))
	conn.Subscribe(server.ID)

	g.fanOut(ctx, server, ClientEvent{Type: TypeConsoleOutput, ServerID: server.ID}, permConsoleRead)

	require.Empty(t, sock.Frames())
}

func TestFanOutDetachesDeadSockets(t *testing.T) {
	g, st := newTestGateway(t)
	ctx := context.Background()
	node := seedNode(t, st)
	server := seedServer(t, st, node.ID, state.StatusRunning)

	dead, deadSock := connectClient(t, g, "owner-1", server.ID)
	_, liveSock := connectClient(t, g, "owner-1", server.ID)
	deadSock.failWrites = true

	g.fanOut(ctx, server, ClientEvent{Type: TypeConsoleOutput, ServerID: server.ID, Line: "x"}, permConsoleRead)

	require.True(t, deadSock.Closed())
	require.NotContains(t, g.registry.Clients(), dead)
	require.Len(t, liveSock.framesOfType(TypeConsoleOutput), 1, "one dead socket never stalls the rest")
}

func TestAuthorizedGrantScoping(t *testing.T) {
	g, st := newTestGateway(t)
	ctx := context.Background()
	node := seedNode(t, st)
	server := seedServer(t, st, node.ID, state.StatusRunning)

	require.NoError(t, st.GrantServerAccess(ctx, &store.ServerAccess{
		UserID: "viewer", ServerID: server.ID, Permissions: []string{permConsoleRead},
	}))

	require.True(t, g.authorized(ctx, "owner-1", server, permControlStop), "owner holds every permission")
	require.True(t, g.authorized(ctx, "viewer", server, permConsoleRead))
	require.False(t, g.authorized(ctx, "viewer", server, permConsoleWrite), "grants do not widen")
	require.False(t, g.authorized(ctx, "stranger", server, permConsoleRead))
	require.False(t, g.authorized(ctx, "", server, permConsoleRead))
}
