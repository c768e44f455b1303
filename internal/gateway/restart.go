// ABOUTME: Auto-restart policy applied on validated transitions into crashed.
// ABOUTME: Reconstructs the start directive with layered environment vars.

package gateway

import (
	"context"

	"github.com/timmy-time/catalyst/internal/state"
	"github.com/timmy-time/catalyst/internal/store"
	"github.com/timmy-time/catalyst/internal/template"
)

// shouldRestart decides whether a crashed server gets an automatic restart:
// the policy must allow it, the crash budget must not be exhausted, and
// on-failure requires a defined non-zero exit code.
func shouldRestart(server *store.Server) bool {
	if server.RestartPolicy == store.RestartNever {
		return false
	}
	if server.CrashCount > server.MaxCrashCount {
		return false
	}
	switch server.RestartPolicy {
	case store.RestartAlways:
		return true
	case store.RestartOnFailure:
		return server.LastExitCode != nil && *server.LastExitCode != 0
	default:
		return false
	}
}

// maybeAutoRestart applies the restart policy to a server that just crashed.
// On trigger the server is marked starting directly; this is an
// authoritative internal decision, not an agent report, so it does not go
// through the transition validator. If the start directive cannot be
// delivered the server reverts to crashed rather than sticking in starting.
func (g *Gateway) maybeAutoRestart(ctx context.Context, conn *agentConn, server *store.Server) {
	if !shouldRestart(server) {
		g.logger.Info("not auto-restarting server",
			"server_id", server.ID, "policy", server.RestartPolicy,
			"crash_count", server.CrashCount, "max_crash_count", server.MaxCrashCount)
		return
	}

	if err := g.store.UpdateServerStatus(ctx, server.ID, state.StatusStarting); err != nil {
		g.logger.Error("marking server starting failed", "server_id", server.ID, "error", err)
		return
	}

	directive := g.buildStartDirective(server)

	agent := conn
	if agent == nil || !agent.Authenticated() {
		agent = g.registry.Agent(server.NodeID)
	}
	if agent == nil || agent.Socket.WriteJSON(directive) != nil {
		// Never leave the server stuck in starting when the directive
		// could not be delivered.
		g.logger.Warn("auto-restart directive undeliverable, reverting to crashed",
			"server_id", server.ID, "node_id", server.NodeID)
		if err := g.store.UpdateServerStatus(ctx, server.ID, state.StatusCrashed); err != nil {
			g.logger.Error("reverting to crashed failed", "server_id", server.ID, "error", err)
		}
		return
	}

	g.systemLog(ctx, server.ID, "auto-restarting after crash")
	g.logger.Info("auto-restart issued",
		"server_id", server.ID, "crash_count", server.CrashCount)

	server.Status = state.StatusStarting
	g.fanOut(ctx, server, ClientEvent{
		Type: TypeServerStateUpdate, ServerID: server.ID, Status: string(state.StatusStarting),
	}, permConsoleRead)
}

// buildStartDirective reconstructs the environment by layering template
// defaults under the persisted per-server values, injecting the node's
// public address as the derived host IP in host-network mode.
func (g *Gateway) buildStartDirective(server *store.Server) StartServer {
	directive := StartServer{
		Type:         TypeStartServer,
		ServerID:     server.UUID,
		Environment:  server.Environment,
		HostNetwork:  server.HostNetwork,
		PortBindings: server.PortBindings,
	}

	tmpl := g.templates.Get(server.TemplateID)
	if tmpl == nil {
		tmpl = &template.Template{}
	}
	directive.Image = tmpl.Image
	directive.Startup = tmpl.StartupCommand

	// The server's persisted network mode wins over the template's.
	hostIP := ""
	if server.HostNetwork {
		if node, err := g.store.GetNode(context.Background(), server.NodeID); err == nil {
			hostIP = node.PublicAddress
		}
		if !tmpl.HostNetwork {
			override := *tmpl
			override.HostNetwork = true
			tmpl = &override
		}
	}
	directive.Environment = tmpl.MergeEnvironment(server.Environment, hostIP)
	return directive
}
