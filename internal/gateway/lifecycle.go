// ABOUTME: Connection lifecycle: heartbeat eviction, console stream resume,
// ABOUTME: and reconciliation of agent-reported containers against the store.

package gateway

import (
	"context"
	"time"

	"github.com/timmy-time/catalyst/internal/state"
)

// evictionInterval is how often stale agent connections are checked.
const evictionInterval = 10 * time.Second

// runEvictionLoop force-closes agent connections whose heartbeat went
// silent. Eviction is the cancellation mechanism for dead agents.
func (g *Gateway) runEvictionLoop(ctx context.Context) {
	ticker := time.NewTicker(evictionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.evictStaleAgents(ctx)
		}
	}
}

// evictStaleAgents closes every agent connection past the heartbeat timeout.
// The read loop's exit path handles registry removal and marking the node
// offline.
func (g *Gateway) evictStaleAgents(ctx context.Context) {
	cutoff := time.Now().Add(-g.cfg.Agents.HeartbeatTimeout)

	for _, conn := range g.registry.Agents() {
		if conn.LastHeartbeat().After(cutoff) {
			continue
		}
		g.logger.Warn("evicting agent after heartbeat timeout",
			"node_id", conn.NodeID, "last_heartbeat", conn.LastHeartbeat())
		conn.Socket.Close()

		// Closing the socket normally unwinds the read loop, but do the
		// bookkeeping here too in case the loop is already gone.
		if g.registry.RemoveAgent(conn) {
			if err := g.store.UpdateNodeStatus(ctx, conn.NodeID, false, time.Now().UTC()); err != nil {
				g.logger.Warn("marking evicted node offline failed",
					"node_id", conn.NodeID, "error", err)
			}
		}
	}
}

// resumeConsoleStreams asks a freshly authenticated agent to re-attach
// console streaming for every active server on its node. This repairs
// console visibility across an agent restart without any client action.
func (g *Gateway) resumeConsoleStreams(ctx context.Context, conn *agentConn) {
	servers, err := g.store.ListServersByNode(ctx, conn.NodeID)
	if err != nil {
		g.logger.Warn("listing servers for console resume failed",
			"node_id", conn.NodeID, "error", err)
		return
	}

	for _, server := range servers {
		if server.Suspended() {
			continue
		}
		if server.Status != state.StatusRunning && server.Status != state.StatusStarting {
			continue
		}
		conn.Socket.WriteJSON(ResumeConsole{Type: TypeResumeConsole, ServerID: server.UUID})
		g.logger.Debug("resuming console stream",
			"node_id", conn.NodeID, "server_id", server.ID)
	}
}

// reconcileFoundContainers heals divergence after an agent restart: any
// server the gateway believes is non-terminal on the node but the agent did
// not find is marked stopped, logged, and announced to subscribed clients.
func (g *Gateway) reconcileFoundContainers(ctx context.Context, conn *agentConn, found []string) {
	foundSet := make(map[string]struct{}, len(found))
	for _, id := range found {
		foundSet[id] = struct{}{}
	}

	servers, err := g.store.ListServersByNode(ctx, conn.NodeID)
	if err != nil {
		g.logger.Warn("listing servers for reconciliation failed",
			"node_id", conn.NodeID, "error", err)
		return
	}

	reconciled := 0
	for _, server := range servers {
		if server.Suspended() || state.Terminal(server.Status) {
			continue
		}
		if _, ok := foundSet[server.UUID]; ok {
			continue
		}

		if err := g.store.UpdateServerStatus(ctx, server.ID, state.StatusStopped); err != nil {
			g.logger.Error("reconciliation status update failed",
				"server_id", server.ID, "error", err)
			continue
		}
		reconciled++

		g.systemLog(ctx, server.ID, "server not found on node after agent restart, marked stopped")
		g.logger.Info("reconciled missing server",
			"server_id", server.ID, "node_id", conn.NodeID, "was", server.Status)

		server.Status = state.StatusStopped
		g.fanOut(ctx, server, ClientEvent{
			Type: TypeServerStateUpdate, ServerID: server.ID, Status: string(state.StatusStopped),
		}, permConsoleRead)
	}

	if reconciled > 0 {
		g.logger.Info("reconciliation complete",
			"node_id", conn.NodeID, "reconciled", reconciled, "found", len(found))
	}
}
