// ABOUTME: Tests for agent-origin frame handling.
// ABOUTME: Covers handshake, ordering guards, stats, console, state reports.

package gateway

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/timmy-time/catalyst/internal/registry"
	"github.com/timmy-time/catalyst/internal/state"
	"github.com/timmy-time/catalyst/internal/store"
)

func TestNodeHandshakeSuccess(t *testing.T) {
	g, st := newTestGateway(t)
	ctx := context.Background()
	node := seedNode(t, st)

	sock := &fakeSocket{}
	conn := registry.NewAgentConn("", sock)

	g.handleAgentFrame(ctx, conn, frame(t, NodeHandshake{
		Type: TypeNodeHandshake, NodeID: node.ID, Token: "node-secret",
	}))

	require.True(t, conn.Authenticated())
	require.Equal(t, conn, g.registry.Agent(node.ID))
	require.NotEmpty(t, sock.framesOfType(TypeHandshakeAck))

	got, err := st.GetNode(ctx, node.ID)
	require.NoError(t, err)
	require.True(t, got.Online)
	require.NotNil(t, got.LastSeenAt)
}

func TestNodeHandshakeBadSecretClosesSilently(t *testing.T) {
	g, st := newTestGateway(t)
	node := seedNode(t, st)

	sock := &fakeSocket{}
	conn := registry.NewAgentConn("", sock)

	g.handleAgentFrame(context.Background(), conn, frame(t, NodeHandshake{
		Type: TypeNodeHandshake, NodeID: node.ID, Token: "wrong",
	}))

	require.False(t, conn.Authenticated())
	require.True(t, sock.Closed())
	// Agents never get error frames.
	require.Empty(t, sock.framesOfType(TypeError))
	require.Nil(t, g.registry.Agent(node.ID))
}

func TestNodeHandshakeDisplacesStaleConnection(t *testing.T) {
	g, st := newTestGateway(t)
	node := seedNode(t, st)

	_, oldSock := connectAgent(t, g, node.ID)

	sock := &fakeSocket{}
	conn := registry.NewAgentConn("", sock)
	g.handleAgentFrame(context.Background(), conn, frame(t, NodeHandshake{
		Type: TypeNodeHandshake, NodeID: node.ID, Token: "node-secret",
	}))

	require.True(t, oldSock.Closed())
	require.Equal(t, conn, g.registry.Agent(node.ID))
}

func TestPreHandshakeFramesDropped(t *testing.T) {
	g, st := newTestGateway(t)
	node := seedNode(t, st)
	server := seedServer(t, st, node.ID, state.StatusRunning)

	sock := &fakeSocket{}
	conn := registry.NewAgentConn(node.ID, sock)

	g.handleAgentFrame(context.Background(), conn, frame(t, ConsoleOutput{
		Type: TypeConsoleOutput, ServerID: server.UUID, Stream: "stdout", Line: "hi",
	}))

	require.Empty(t, st.Logs(), "unauthenticated frames must not mutate state")
}

func TestHeartbeatUpdatesNode(t *testing.T) {
	g, st := newTestGateway(t)
	ctx := context.Background()
	node := seedNode(t, st)
	conn, _ := connectAgent(t, g, node.ID)

	before := conn.LastHeartbeat()
	g.handleAgentFrame(ctx, conn, frame(t, Heartbeat{Type: TypeHeartbeat, NodeID: node.ID}))

	require.False(t, conn.LastHeartbeat().Before(before))
	got, err := st.GetNode(ctx, node.ID)
	require.NoError(t, err)
	require.True(t, got.Online)
}

func TestConsoleOutputPersistsAndFansOut(t *testing.T) {
	g, st := newTestGateway(t)
	ctx := context.Background()
	node := seedNode(t, st)
	server := seedServer(t, st, node.ID, state.StatusRunning)
	conn, _ := connectAgent(t, g, node.ID)

	_, ownerSock := connectClient(t, g, "owner-1", server.ID)
	_, unsubscribedSock := connectClient(t, g, "owner-1")
	_, strangerSock := connectClient(t, g, "stranger", server.ID)

	g.handleAgentFrame(ctx, conn, frame(t, ConsoleOutput{
		Type: TypeConsoleOutput, ServerID: server.UUID, Stream: "stdout", Line: "Server started",
	}))

	logs := st.Logs()
	require.Len(t, logs, 1)
	require.Equal(t, "Server started", logs[0].Line)
	require.Equal(t, store.StreamStdout, logs[0].Stream)
	require.Equal(t, server.ID, logs[0].ServerID)

	require.Len(t, ownerSock.framesOfType(TypeConsoleOutput), 1, "subscribed owner receives the line")
	require.Empty(t, unsubscribedSock.framesOfType(TypeConsoleOutput), "unsubscribed client receives nothing")
	require.Empty(t, strangerSock.framesOfType(TypeConsoleOutput), "unauthorized client receives nothing")
}

func TestConsoleOutputByteRateLimit(t *testing.T) {
	g, st := newTestGateway(t)
	ctx := context.Background()
	node := seedNode(t, st)
	server := seedServer(t, st, node.ID, state.StatusRunning)
	conn, _ := connectAgent(t, g, node.ID)

	// Force a tiny per-second byte budget through the settings row.
	require.NoError(t, st.SetSystemSetting(ctx, "rate_limits", `{"console_bytes_per_second":10}`))

	g.handleAgentFrame(ctx, conn, frame(t, ConsoleOutput{
		Type: TypeConsoleOutput, ServerID: server.UUID, Line: "12345",
	}))
	g.handleAgentFrame(ctx, conn, frame(t, ConsoleOutput{
		Type: TypeConsoleOutput, ServerID: server.UUID, Line: "6789012345",
	}))

	var stdout, system int
	for _, entry := range st.Logs() {
		switch entry.Stream {
		case store.StreamStdout:
			stdout++
		case store.StreamSystem:
			system++
		}
	}
	require.Equal(t, 1, stdout, "over-budget line is dropped")
	require.Zero(t, system, "agent throttling leaves no trace in the console")
}

func TestResourceStatsValidatesNodeOwnership(t *testing.T) {
	g, st := newTestGateway(t)
	ctx := context.Background()
	node := seedNode(t, st)
	other := &store.Node{Hostname: "node-2.local", Secret: "other-secret"}
	require.NoError(t, st.CreateNode(ctx, other))
	server := seedServer(t, st, other.ID, state.StatusRunning)

	conn, _ := connectAgent(t, g, node.ID)

	ts := time.Now().UnixMilli()
	g.handleAgentFrame(ctx, conn, frame(t, ResourceStats{
		Type: TypeResourceStats, ServerID: server.UUID, CPUPercent: 50, Timestamp: ts,
	}))

	require.Zero(t, st.ServerMetricCount(), "stats for another node's server are dropped")
}

func TestResourceStatsPersisted(t *testing.T) {
	g, st := newTestGateway(t)
	ctx := context.Background()
	node := seedNode(t, st)
	server := seedServer(t, st, node.ID, state.StatusRunning)
	conn, _ := connectAgent(t, g, node.ID)

	ts := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	g.handleAgentFrame(ctx, conn, frame(t, ResourceStats{
		Type: TypeResourceStats, ServerID: server.UUID,
		CPUPercent: 42.5, MemoryMB: 512, Timestamp: ts.UnixMilli(),
	}))

	metric, ok := st.ServerMetric(server.ID, ts)
	require.True(t, ok)
	require.Equal(t, 42.5, metric.CPUPercent)
	require.Equal(t, 512.0, metric.MemoryMB)
}

func TestResourceStatsBatchPersisted(t *testing.T) {
	g, st := newTestGateway(t)
	ctx := context.Background()
	node := seedNode(t, st)
	s1 := seedServer(t, st, node.ID, state.StatusRunning)
	s2 := seedServer(t, st, node.ID, state.StatusRunning)
	conn, _ := connectAgent(t, g, node.ID)

	ts := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	g.handleAgentFrame(ctx, conn, frame(t, ResourceStatsBatch{
		Type: TypeResourceStatsBatch,
		Entries: []ResourceStats{
			{ServerID: s1.UUID, CPUPercent: 10, Timestamp: ts.UnixMilli()},
			{ServerID: s2.UUID, CPUPercent: 20, Timestamp: ts.UnixMilli()},
			{ServerID: "ghost-uuid", CPUPercent: 30, Timestamp: ts.UnixMilli()},
		},
	}))

	require.Equal(t, 2, st.ServerMetricCount(), "unknown servers are skipped, not fatal")
}

func TestStateUpdateValidTransition(t *testing.T) {
	g, st := newTestGateway(t)
	ctx := context.Background()
	node := seedNode(t, st)
	server := seedServer(t, st, node.ID, state.StatusStarting)
	conn, _ := connectAgent(t, g, node.ID)
	_, ownerSock := connectClient(t, g, "owner-1", server.ID)

	g.handleAgentFrame(ctx, conn, frame(t, ServerStateUpdate{
		Type: TypeServerStateUpdate, ServerID: server.UUID, Status: "running",
	}))

	got, err := st.GetServer(ctx, server.ID)
	require.NoError(t, err)
	require.Equal(t, state.StatusRunning, got.Status)

	events := ownerSock.framesOfType(TypeServerStateUpdate)
	require.Len(t, events, 1)
	require.Equal(t, "running", events[0].(ClientEvent).Status)
}

func TestStateUpdateInvalidTransitionDropped(t *testing.T) {
	g, st := newTestGateway(t)
	ctx := context.Background()
	node := seedNode(t, st)
	server := seedServer(t, st, node.ID, state.StatusStopped)
	conn, _ := connectAgent(t, g, node.ID)

	// stopped -> running is an illegal jump; silently rejected.
	g.handleAgentFrame(ctx, conn, frame(t, ServerStateUpdate{
		Type: TypeServerStateUpdate, ServerID: server.UUID, Status: "running",
	}))

	got, err := st.GetServer(ctx, server.ID)
	require.NoError(t, err)
	require.Equal(t, state.StatusStopped, got.Status)
}

func TestStateUpdateCrashBookkeeping(t *testing.T) {
	g, st := newTestGateway(t)
	ctx := context.Background()
	node := seedNode(t, st)

	server := &store.Server{
		NodeID: node.ID, OwnerID: "owner-1", Name: "alpha",
		Status: state.StatusRunning, MaxCrashCount: 3,
		RestartPolicy: store.RestartNever,
	}
	require.NoError(t, st.CreateServer(ctx, server))

	conn, _ := connectAgent(t, g, node.ID)
	exit := 137
	g.handleAgentFrame(ctx, conn, frame(t, ServerStateUpdate{
		Type: TypeServerStateUpdate, ServerID: server.UUID, Status: "crashed", ExitCode: &exit,
	}))

	got, err := st.GetServer(ctx, server.ID)
	require.NoError(t, err)
	require.Equal(t, state.StatusCrashed, got.Status, "never policy leaves it crashed")
	require.Equal(t, 1, got.CrashCount)
	require.NotNil(t, got.LastExitCode)
	require.Equal(t, 137, *got.LastExitCode)
	require.NotNil(t, got.LastCrashAt)
}

// seedSuspendedServer creates a server that was suspended while in status.
func seedSuspendedServer(t *testing.T, st *store.MockStore, nodeID string, status state.Status) *store.Server {
	t.Helper()
	suspended := time.Now().UTC()
	server := &store.Server{
		NodeID:        nodeID,
		OwnerID:       "owner-1",
		Name:          "alpha",
		Status:        status,
		MaxCrashCount: 3,
		RestartPolicy: store.RestartOnFailure,
		SuspendedAt:   &suspended,
	}
	require.NoError(t, st.CreateServer(context.Background(), server))
	return server
}

func TestSuspendedServerDropsStateReport(t *testing.T) {
	g, st := newTestGateway(t)
	ctx := context.Background()
	node := seedNode(t, st)
	server := seedSuspendedServer(t, st, node.ID, state.StatusRunning)
	conn, agentSock := connectAgent(t, g, node.ID)

	exit := 1
	g.handleAgentFrame(ctx, conn, frame(t, ServerStateUpdate{
		Type: TypeServerStateUpdate, ServerID: server.UUID, Status: "crashed", ExitCode: &exit,
	}))

	got, err := st.GetServer(ctx, server.ID)
	require.NoError(t, err)
	require.Equal(t, state.StatusRunning, got.Status, "suspended server keeps its persisted status")
	require.Zero(t, got.CrashCount, "no crash bookkeeping while suspended")
	require.Nil(t, got.LastCrashAt)
	require.Empty(t, agentSock.framesOfType(TypeStartServer), "no auto-restart while suspended")
	require.Empty(t, st.Logs(), "no system lines while suspended")
}

func TestSuspendedServerDropsConsoleOutput(t *testing.T) {
	g, st := newTestGateway(t)
	ctx := context.Background()
	node := seedNode(t, st)
	server := seedSuspendedServer(t, st, node.ID, state.StatusRunning)
	conn, _ := connectAgent(t, g, node.ID)

	g.handleAgentFrame(ctx, conn, frame(t, ConsoleOutput{
		Type: TypeConsoleOutput, ServerID: server.UUID, Stream: "stdout", Line: "still here",
	}))
	require.Empty(t, st.Logs(), "console output for a suspended server is dropped")

	// With enforcement switched off the same frame goes through.
	g.cfg.Limits.EnforceSuspension = false
	g.handleAgentFrame(ctx, conn, frame(t, ConsoleOutput{
		Type: TypeConsoleOutput, ServerID: server.UUID, Stream: "stdout", Line: "still here",
	}))
	require.Len(t, st.Logs(), 1)
}

func TestResourceStatsClampsPercentages(t *testing.T) {
	g, st := newTestGateway(t)
	ctx := context.Background()
	node := seedNode(t, st)
	server := seedServer(t, st, node.ID, state.StatusRunning)
	conn, _ := connectAgent(t, g, node.ID)
	_, ownerSock := connectClient(t, g, "owner-1", server.ID)

	over := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	under := over.Add(time.Minute)
	g.handleAgentFrame(ctx, conn, frame(t, ResourceStats{
		Type: TypeResourceStats, ServerID: server.UUID, CPUPercent: 250, Timestamp: over.UnixMilli(),
	}))
	g.handleAgentFrame(ctx, conn, frame(t, ResourceStats{
		Type: TypeResourceStats, ServerID: server.UUID, CPUPercent: -12, Timestamp: under.UnixMilli(),
	}))

	metric, ok := st.ServerMetric(server.ID, over)
	require.True(t, ok)
	require.Equal(t, 100.0, metric.CPUPercent)
	metric, ok = st.ServerMetric(server.ID, under)
	require.True(t, ok)
	require.Zero(t, metric.CPUPercent)

	// Fan-out carries the clamped values, not the raw report.
	events := ownerSock.framesOfType(TypeResourceStats)
	require.Len(t, events, 2)
	require.Equal(t, 100.0, events[0].(ClientEvent).Stats.CPUPercent)
	require.Zero(t, events[1].(ClientEvent).Stats.CPUPercent)
}

func TestStatSanitizationRejectsNonFinite(t *testing.T) {
	cases := []struct {
		name  string
		stats ResourceStats
		ok    bool
	}{
		{"nan cpu", ResourceStats{CPUPercent: math.NaN()}, false},
		{"positive inf memory", ResourceStats{MemoryMB: math.Inf(1)}, false},
		{"negative inf network", ResourceStats{NetworkRxKB: math.Inf(-1)}, false},
		{"plain sample", ResourceStats{CPUPercent: 42, MemoryMB: 512}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.ok, sanitizeStats(&tc.stats))
		})
	}

	s := ResourceStats{CPUPercent: 101.5}
	require.True(t, sanitizeStats(&s))
	require.Equal(t, 100.0, s.CPUPercent)
	s = ResourceStats{CPUPercent: -3}
	require.True(t, sanitizeStats(&s))
	require.Zero(t, s.CPUPercent)
}

func TestHealthReportRejectsNonFinite(t *testing.T) {
	require.False(t, finite(math.NaN()))
	require.False(t, finite(1, math.Inf(1)))
	require.True(t, finite(0, 55.5, 100))
}

func TestStorageResizeRelayedToClients(t *testing.T) {
	g, st := newTestGateway(t)
	ctx := context.Background()
	node := seedNode(t, st)
	server := seedServer(t, st, node.ID, state.StatusRunning)
	conn, _ := connectAgent(t, g, node.ID)
	_, ownerSock := connectClient(t, g, "owner-1", server.ID)

	g.handleAgentFrame(ctx, conn, frame(t, StorageResizeComplete{
		Type: TypeStorageResizeComplete, ServerID: server.UUID, Success: true, DiskMB: 20480,
	}))

	events := ownerSock.framesOfType(TypeStorageResizeComplete)
	require.Len(t, events, 1)
	evt := events[0].(ClientEvent)
	require.Equal(t, server.ID, evt.ServerID)
	require.NotNil(t, evt.Success)
	require.True(t, *evt.Success)

	logs := st.Logs()
	require.Len(t, logs, 1)
	require.Equal(t, store.StreamSystem, logs[0].Stream)
	require.Equal(t, "storage resized", logs[0].Line)
}

func TestAgentMessageRateLimit(t *testing.T) {
	g, st := newTestGateway(t)
	ctx := context.Background()
	node := seedNode(t, st)
	server := seedServer(t, st, node.ID, state.StatusRunning)
	conn, _ := connectAgent(t, g, node.ID)

	require.NoError(t, st.SetSystemSetting(ctx, "rate_limits", `{"agent_messages_per_minute":2}`))

	for i := 0; i < 5; i++ {
		g.handleAgentFrame(ctx, conn, frame(t, ConsoleOutput{
			Type: TypeConsoleOutput, ServerID: server.UUID, Line: "tick",
		}))
	}

	require.Len(t, st.Logs(), 2, "frames beyond the window limit are dropped")
}
