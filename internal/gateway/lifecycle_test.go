// ABOUTME: Tests for heartbeat eviction, console resume on reconnect, and
// ABOUTME: found-container reconciliation.

package gateway

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/timmy-time/catalyst/internal/state"
	"github.com/timmy-time/catalyst/internal/store"
)

func TestEvictStaleAgents(t *testing.T) {
	g, st := newTestGateway(t)
	ctx := context.Background()
	node := seedNode(t, st)
	_, sock := connectAgent(t, g, node.ID)

	// Push the cutoff into the future so even a fresh heartbeat is stale.
	g.cfg.Agents.HeartbeatTimeout = -time.Second
	g.evictStaleAgents(ctx)

	require.True(t, sock.Closed())
	require.Nil(t, g.registry.Agent(node.ID))

	got, err := st.GetNode(ctx, node.ID)
	require.NoError(t, err)
	require.False(t, got.Online)
}

func TestEvictionSparesLiveAgents(t *testing.T) {
	g, st := newTestGateway(t)
	node := seedNode(t, st)
	conn, sock := connectAgent(t, g, node.ID)

	g.evictStaleAgents(context.Background())

	require.False(t, sock.Closed())
	require.Equal(t, conn, g.registry.Agent(node.ID))
}

func TestResumeConsoleStreams(t *testing.T) {
	g, st := newTestGateway(t)
	ctx := context.Background()
	node := seedNode(t, st)

	running := seedServer(t, st, node.ID, state.StatusRunning)
	starting := seedServer(t, st, node.ID, state.StatusStarting)
	seedServer(t, st, node.ID, state.StatusStopped)

	now := time.Now().UTC()
	suspended := &store.Server{
		NodeID: node.ID, OwnerID: "owner-1", Name: "susp",
		Status: state.StatusRunning, SuspendedAt: &now,
	}
	require.NoError(t, st.CreateServer(ctx, suspended))

	conn, sock := connectAgent(t, g, node.ID)
	g.resumeConsoleStreams(ctx, conn)

	var resumed []string
	for _, f := range sock.framesOfType(TypeResumeConsole) {
		resumed = append(resumed, f.(ResumeConsole).ServerID)
	}
	require.ElementsMatch(t, []string{running.UUID, starting.UUID}, resumed,
		"only active non-suspended servers get a resume request")
}

func TestReconcileFoundContainers(t *testing.T) {
	g, st := newTestGateway(t)
	ctx := context.Background()
	node := seedNode(t, st)

	found := seedServer(t, st, node.ID, state.StatusRunning)
	missing := seedServer(t, st, node.ID, state.StatusStarting)
	stopped := seedServer(t, st, node.ID, state.StatusStopped)

	now := time.Now().UTC()
	suspended := &store.Server{
		NodeID: node.ID, OwnerID: "owner-1", Name: "susp",
		Status: state.StatusRunning, SuspendedAt: &now,
	}
	require.NoError(t, st.CreateServer(ctx, suspended))

	conn, _ := connectAgent(t, g, node.ID)
	_, ownerSock := connectClient(t, g, "owner-1", missing.ID)

	g.handleAgentFrame(ctx, conn, frame(t, ServerStateSyncComplete{
		Type: TypeServerStateSyncComplete, FoundContainers: []string{found.UUID},
	}))

	get := func(id string) *store.Server {
		s, err := st.GetServer(ctx, id)
		require.NoError(t, err)
		return s
	}

	require.Equal(t, state.StatusRunning, get(found.ID).Status, "found server keeps its status")
	require.Equal(t, state.StatusStopped, get(missing.ID).Status, "missing server is marked stopped")
	require.Equal(t, state.StatusStopped, get(stopped.ID).Status, "terminal server untouched")
	require.Equal(t, state.StatusRunning, get(suspended.ID).Status, "suspended server untouched")

	events := ownerSock.framesOfType(TypeServerStateUpdate)
	require.Len(t, events, 1)
	require.Equal(t, "stopped", events[0].(ClientEvent).Status)

	var sawNote bool
	for _, entry := range st.Logs() {
		if entry.ServerID == missing.ID && entry.Stream == store.StreamSystem {
			sawNote = true
		}
	}
	require.True(t, sawNote, "reconciliation leaves a system log line")
}
