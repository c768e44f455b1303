// ABOUTME: Tests for crash auto-restart policy and start directive assembly.
// ABOUTME: Covers policy matrix, delivery failure revert, and env layering.

package gateway

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/timmy-time/catalyst/internal/state"
	"github.com/timmy-time/catalyst/internal/store"
	"github.com/timmy-time/catalyst/internal/template"
)

func TestShouldRestart(t *testing.T) {
	exit1 := 1
	exit0 := 0

	tests := []struct {
		name   string
		server store.Server
		want   bool
	}{
		{
			name:   "never policy",
			server: store.Server{RestartPolicy: store.RestartNever, CrashCount: 1, MaxCrashCount: 3, LastExitCode: &exit1},
			want:   false,
		},
		{
			name:   "always policy",
			server: store.Server{RestartPolicy: store.RestartAlways, CrashCount: 1, MaxCrashCount: 3},
			want:   true,
		},
		{
			name:   "always policy over budget",
			server: store.Server{RestartPolicy: store.RestartAlways, CrashCount: 4, MaxCrashCount: 3},
			want:   false,
		},
		{
			name:   "on-failure with non-zero exit",
			server: store.Server{RestartPolicy: store.RestartOnFailure, CrashCount: 1, MaxCrashCount: 3, LastExitCode: &exit1},
			want:   true,
		},
		{
			name:   "on-failure with clean exit",
			server: store.Server{RestartPolicy: store.RestartOnFailure, CrashCount: 1, MaxCrashCount: 3, LastExitCode: &exit0},
			want:   false,
		},
		{
			name:   "on-failure with unknown exit",
			server: store.Server{RestartPolicy: store.RestartOnFailure, CrashCount: 1, MaxCrashCount: 3},
			want:   false,
		},
		{
			name:   "on-failure at exact budget",
			server: store.Server{RestartPolicy: store.RestartOnFailure, CrashCount: 3, MaxCrashCount: 3, LastExitCode: &exit1},
			want:   true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, shouldRestart(&tt.server))
		})
	}
}

func TestCrashTriggersAutoRestart(t *testing.T) {
	g, st := newTestGateway(t)
	ctx := context.Background()
	node := seedNode(t, st)
	server := seedServer(t, st, node.ID, state.StatusRunning)
	conn, agentSock := connectAgent(t, g, node.ID)
	_, ownerSock := connectClient(t, g, "owner-1", server.ID)

	exit := 1
	g.handleAgentFrame(ctx, conn, frame(t, ServerStateUpdate{
		Type: TypeServerStateUpdate, ServerID: server.UUID, Status: "crashed", ExitCode: &exit,
	}))

	got, err := st.GetServer(ctx, server.ID)
	require.NoError(t, err)
	require.Equal(t, state.StatusStarting, got.Status)
	require.Equal(t, 1, got.CrashCount)

	starts := agentSock.framesOfType(TypeStartServer)
	require.Len(t, starts, 1)
	require.Equal(t, server.UUID, starts[0].(StartServer).ServerID)

	// Clients see the crash and then the restart.
	var statuses []string
	for _, f := range ownerSock.framesOfType(TypeServerStateUpdate) {
		statuses = append(statuses, f.(ClientEvent).Status)
	}
	require.Equal(t, []string{"crashed", "starting"}, statuses)
}

func TestAutoRestartUndeliverableRevertsToCrashed(t *testing.T) {
	g, st := newTestGateway(t)
	ctx := context.Background()
	node := seedNode(t, st)
	server := seedServer(t, st, node.ID, state.StatusRunning)
	conn, agentSock := connectAgent(t, g, node.ID)

	exit := 1
	agentSock.failWrites = true
	g.handleAgentFrame(ctx, conn, frame(t, ServerStateUpdate{
		Type: TypeServerStateUpdate, ServerID: server.UUID, Status: "crashed", ExitCode: &exit,
	}))

	got, err := st.GetServer(ctx, server.ID)
	require.NoError(t, err)
	require.Equal(t, state.StatusCrashed, got.Status, "must not stick in starting")
	require.Equal(t, 1, got.CrashCount)
}

func TestAutoRestartStopsAfterCrashBudget(t *testing.T) {
	g, st := newTestGateway(t)
	ctx := context.Background()
	node := seedNode(t, st)

	server := &store.Server{
		NodeID: node.ID, OwnerID: "owner-1", Name: "alpha",
		Status: state.StatusRunning, CrashCount: 3, MaxCrashCount: 3,
		RestartPolicy: store.RestartOnFailure,
	}
	require.NoError(t, st.CreateServer(ctx, server))
	conn, agentSock := connectAgent(t, g, node.ID)

	exit := 1
	g.handleAgentFrame(ctx, conn, frame(t, ServerStateUpdate{
		Type: TypeServerStateUpdate, ServerID: server.UUID, Status: "crashed", ExitCode: &exit,
	}))

	got, err := st.GetServer(ctx, server.ID)
	require.NoError(t, err)
	require.Equal(t, state.StatusCrashed, got.Status)
	require.Equal(t, 4, got.CrashCount)
	require.Empty(t, agentSock.framesOfType(TypeStartServer))
}

func TestBuildStartDirectiveLayersEnvironment(t *testing.T) {
	g, st := newTestGateway(t)
	node := seedNode(t, st)

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "paper.toml"), []byte(`
name = "Paper"
image = "ghcr.io/example/paper:1.21"
startup_command = "java -jar paper.jar"

[environment]
EULA = "true"
MOTD = "default motd"
`), 0o644))
	templates, err := template.LoadDir(dir)
	require.NoError(t, err)
	g.templates = templates

	server := &store.Server{
		NodeID: node.ID, OwnerID: "owner-1", Name: "alpha",
		Status: state.StatusCrashed, TemplateID: "paper",
		HostNetwork: true,
		Environment: map[string]string{"MOTD": "custom motd"},
	}
	require.NoError(t, st.CreateServer(context.Background(), server))

	directive := g.buildStartDirective(server)

	require.Equal(t, server.UUID, directive.ServerID)
	require.Equal(t, "ghcr.io/example/paper:1.21", directive.Image)
	require.Equal(t, "java -jar paper.jar", directive.Startup)
	require.True(t, directive.HostNetwork)

	// Server values win, template defaults fill gaps, host IP is derived
	// from the node when the server runs host-network.
	require.Equal(t, map[string]string{
		"EULA":    "true",
		"MOTD":    "custom motd",
		"HOST_IP": "203.0.113.10",
	}, directive.Environment)
}

func TestBuildStartDirectiveUnknownTemplate(t *testing.T) {
	g, st := newTestGateway(t)
	node := seedNode(t, st)
	server := seedServer(t, st, node.ID, state.StatusCrashed)

	directive := g.buildStartDirective(server)
	require.Equal(t, server.UUID, directive.ServerID)
	require.Empty(t, directive.Image)
	require.Empty(t, directive.Environment)
}
