// ABOUTME: Handlers for agent-origin frames: handshake, heartbeat, stats,
// ABOUTME: console output, state updates, reconciliation, backup responses.

package gateway

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"math"
	"time"

	"github.com/timmy-time/catalyst/internal/state"
	"github.com/timmy-time/catalyst/internal/store"
)

// handleAgentFrame routes one agent frame. Every handler runs its checks in
// the same order: rate limit, authentication, entity validation, permission,
// mutation, fan-out. Agent-origin failures are logged and silently dropped;
// agents never receive error frames.
func (g *Gateway) handleAgentFrame(ctx context.Context, conn *agentConn, data []byte) {
	msgType, err := decodeFrame(data)
	if err != nil {
		g.logger.Debug("dropping malformed agent frame", "node_id", conn.NodeID, "error", err)
		return
	}

	if msgType == TypeNodeHandshake {
		g.handleNodeHandshake(ctx, conn, data)
		return
	}

	if !conn.Authenticated() {
		g.logger.Warn("dropping pre-handshake agent frame", "type", msgType, "node_id", conn.NodeID)
		return
	}

	limits := g.limits.Current(ctx)
	if !g.limiter.Allow("agent:"+conn.NodeID, limits.AgentMessagesPerMinute, time.Minute) {
		if g.limiter.WarnOnce("agent:"+conn.NodeID, time.Minute) {
			g.logger.Warn("agent over message rate limit", "node_id", conn.NodeID)
		}
		return
	}

	switch msgType {
	case TypeHeartbeat:
		g.handleHeartbeat(ctx, conn)
	case TypeHealthReport:
		g.handleHealthReport(ctx, conn, data)
	case TypeResourceStats:
		g.handleResourceStats(ctx, conn, data)
	case TypeResourceStatsBatch:
		g.handleResourceStatsBatch(ctx, conn, data)
	case TypeConsoleOutput:
		g.handleConsoleOutput(ctx, conn, data)
	case TypeServerStateUpdate:
		g.handleServerStateUpdate(ctx, conn, data)
	case TypeServerStateSync:
		g.handleServerStateSync(ctx, conn, data)
	case TypeServerStateSyncComplete:
		g.handleServerStateSyncComplete(ctx, conn, data)
	case TypeBackupComplete:
		g.handleBackupComplete(ctx, conn, data)
	case TypeStorageResizeComplete:
		g.handleStorageResizeComplete(ctx, conn, data)
	case TypeBackupDownloadResponse, TypeBackupUploadResponse:
		g.handleBackupResponse(conn, data)
	case TypeBackupDownloadChunk:
		g.handleBackupChunk(conn, data)
	default:
		g.logger.Debug("unknown agent frame type", "type", msgType, "node_id", conn.NodeID)
	}
}

// handleNodeHandshake authenticates the connection. Failure closes the
// socket without a reply.
func (g *Gateway) handleNodeHandshake(ctx context.Context, conn *agentConn, data []byte) {
	var msg NodeHandshake
	if err := json.Unmarshal(data, &msg); err != nil {
		g.logger.Debug("malformed node handshake", "error", err)
		conn.Socket.Close()
		return
	}

	nodeID := msg.NodeID
	if nodeID == "" {
		nodeID = conn.NodeID
	}

	if err := g.agentAuth.Authenticate(ctx, nodeID, msg.Token); err != nil {
		g.logger.Warn("agent authentication failed", "node_id", nodeID, "error", err)
		conn.Socket.Close()
		return
	}

	conn.NodeID = nodeID
	displaced, err := g.registry.AddAgent(conn)
	if err != nil {
		g.logger.Warn("agent population limit reached", "node_id", nodeID)
		conn.Socket.Close()
		return
	}
	if displaced != nil {
		g.logger.Info("displacing stale agent connection", "node_id", nodeID)
		displaced.Socket.Close()
	}
	conn.MarkAuthenticated()

	now := time.Now().UTC()
	if err := g.store.UpdateNodeStatus(ctx, nodeID, true, now); err != nil {
		g.logger.Warn("marking node online failed", "node_id", nodeID, "error", err)
	}

	conn.Socket.WriteJSON(HandshakeAck{Type: TypeHandshakeAck, NodeID: nodeID})
	g.logger.Info("agent authenticated", "node_id", nodeID)

	g.resumeConsoleStreams(ctx, conn)
}

// handleHeartbeat refreshes both the in-memory stamp and the persisted
// lastSeenAt. Heartbeats never fan out.
func (g *Gateway) handleHeartbeat(ctx context.Context, conn *agentConn) {
	conn.TouchHeartbeat()
	if err := g.store.UpdateNodeStatus(ctx, conn.NodeID, true, time.Now().UTC()); err != nil {
		g.logger.Warn("heartbeat persist failed", "node_id", conn.NodeID, "error", err)
	}
}

// handleHealthReport persists a node-level metric sample.
func (g *Gateway) handleHealthReport(ctx context.Context, conn *agentConn, data []byte) {
	limits := g.limits.Current(ctx)
	if !g.limiter.Allow("metrics:node:"+conn.NodeID, limits.AgentMetricsPerMinute, time.Minute) {
		return
	}

	var msg HealthReport
	if err := json.Unmarshal(data, &msg); err != nil {
		g.logger.Debug("malformed health report", "node_id", conn.NodeID, "error", err)
		return
	}
	if !finite(msg.CPUPercent, msg.MemoryMB, msg.DiskMB) {
		g.logger.Debug("health report with non-finite values", "node_id", conn.NodeID)
		return
	}
	msg.CPUPercent = clampPercent(msg.CPUPercent)

	metric := &store.NodeMetric{
		NodeID:     conn.NodeID,
		Timestamp:  stampOrNow(msg.Timestamp),
		CPUPercent: msg.CPUPercent,
		MemoryMB:   msg.MemoryMB,
		DiskMB:     msg.DiskMB,
	}
	if err := g.store.UpsertNodeMetric(ctx, metric); err != nil {
		g.logger.Warn("node metric upsert failed", "node_id", conn.NodeID, "error", err)
	}
}

// handleResourceStats persists one server sample and fans it out.
func (g *Gateway) handleResourceStats(ctx context.Context, conn *agentConn, data []byte) {
	var msg ResourceStats
	if err := json.Unmarshal(data, &msg); err != nil {
		g.logger.Debug("malformed resource stats", "node_id", conn.NodeID, "error", err)
		return
	}

	limits := g.limits.Current(ctx)
	if !g.limiter.Allow("stats:server:"+msg.ServerID, limits.ServerMetricsPerMinute, time.Minute) {
		return
	}
	if !sanitizeStats(&msg) {
		g.logger.Debug("resource stats with non-finite values",
			"node_id", conn.NodeID, "server_id", msg.ServerID)
		return
	}

	server := g.serverForAgent(ctx, conn, msg.ServerID)
	if server == nil {
		return
	}

	if err := g.store.UpsertServerMetric(ctx, statToMetric(server.ID, &msg)); err != nil {
		g.logger.Warn("server metric upsert failed", "server_id", server.ID, "error", err)
		return
	}

	g.fanOut(ctx, server, ClientEvent{
		Type: TypeResourceStats, ServerID: server.ID, Stats: &msg,
	}, permConsoleRead)
}

// handleResourceStatsBatch persists a batch in one store call, weighting the
// rate limit by batch size so batching cannot bypass the per-sample cost.
func (g *Gateway) handleResourceStatsBatch(ctx context.Context, conn *agentConn, data []byte) {
	var msg ResourceStatsBatch
	if err := json.Unmarshal(data, &msg); err != nil || len(msg.Entries) == 0 {
		g.logger.Debug("malformed resource stats batch", "node_id", conn.NodeID, "error", err)
		return
	}

	limits := g.limits.Current(ctx)
	if !g.limiter.AllowN("metrics:node:"+conn.NodeID, len(msg.Entries), limits.AgentMetricsPerMinute, time.Minute) {
		return
	}

	metrics := make([]*store.ServerMetric, 0, len(msg.Entries))
	accepted := make([]*store.Server, 0, len(msg.Entries))
	for i := range msg.Entries {
		entry := &msg.Entries[i]
		if !sanitizeStats(entry) {
			g.logger.Debug("dropping non-finite batch entry",
				"node_id", conn.NodeID, "server_id", entry.ServerID)
			continue
		}
		server := g.serverForAgent(ctx, conn, entry.ServerID)
		if server == nil {
			continue
		}
		metrics = append(metrics, statToMetric(server.ID, entry))
		accepted = append(accepted, server)
	}
	if len(metrics) == 0 {
		return
	}

	if err := g.store.UpsertServerMetricsBatch(ctx, metrics); err != nil {
		g.logger.Warn("metric batch upsert failed", "node_id", conn.NodeID, "error", err)
		return
	}

	for i, server := range accepted {
		g.fanOut(ctx, server, ClientEvent{
			Type: TypeResourceStats, ServerID: server.ID, Stats: &msg.Entries[i],
		}, permConsoleRead)
	}
}

// handleConsoleOutput persists a console line and forwards it to subscribed,
// authorized clients. Output is byte-rate limited per server.
func (g *Gateway) handleConsoleOutput(ctx context.Context, conn *agentConn, data []byte) {
	var msg ConsoleOutput
	if err := json.Unmarshal(data, &msg); err != nil {
		g.logger.Debug("malformed console output", "node_id", conn.NodeID, "error", err)
		return
	}

	limits := g.limits.Current(ctx)
	if !g.limiter.AllowN("console:"+msg.ServerID, len(msg.Line), limits.ConsoleBytesPerSecond, time.Second) {
		// Over-limit output is dropped without a trace in the console;
		// the agent is automation and only the server-side log hears it.
		if g.limiter.WarnOnce("console:"+msg.ServerID, 10*time.Second) {
			g.logger.Warn("console output over byte rate limit",
				"node_id", conn.NodeID, "server_id", msg.ServerID)
		}
		return
	}

	server := g.serverForAgent(ctx, conn, msg.ServerID)
	if server == nil {
		return
	}

	entry := &store.ServerLog{
		ServerID:  server.ID,
		Stream:    parseStream(msg.Stream),
		Line:      msg.Line,
		CreatedAt: time.Now().UTC(),
	}
	if err := g.store.CreateServerLog(ctx, entry); err != nil {
		g.logger.Warn("console log persist failed", "server_id", server.ID, "error", err)
	}

	g.fanOut(ctx, server, ClientEvent{
		Type: TypeConsoleOutput, ServerID: server.ID,
		Stream: string(entry.Stream), Line: msg.Line,
	}, permConsoleRead)
}

// handleServerStateUpdate applies an authoritative agent state report after
// transition validation. Invalid transitions are logged and dropped without
// mutating state; disagreement during races is expected, not fatal.
func (g *Gateway) handleServerStateUpdate(ctx context.Context, conn *agentConn, data []byte) {
	var msg ServerStateUpdate
	if err := json.Unmarshal(data, &msg); err != nil {
		g.logger.Debug("malformed state update", "node_id", conn.NodeID, "error", err)
		return
	}
	g.applyStateReport(ctx, conn, msg.ServerID, msg.Status, msg.ExitCode, false)
}

// handleServerStateSync applies one reconciliation observation through the
// same validation path.
func (g *Gateway) handleServerStateSync(ctx context.Context, conn *agentConn, data []byte) {
	var msg ServerStateSync
	if err := json.Unmarshal(data, &msg); err != nil {
		g.logger.Debug("malformed state sync", "node_id", conn.NodeID, "error", err)
		return
	}
	g.applyStateReport(ctx, conn, msg.ServerID, msg.Status, nil, true)
}

// applyStateReport validates and persists a reported transition, then fans
// out and, on a crash, consults the auto-restart policy.
func (g *Gateway) applyStateReport(ctx context.Context, conn *agentConn, serverUUID, rawStatus string, exitCode *int, sync bool) {
	target, ok := state.Parse(rawStatus)
	if !ok {
		g.logger.Warn("state report with unknown status",
			"node_id", conn.NodeID, "server_id", serverUUID, "status", rawStatus)
		return
	}

	server := g.serverForAgent(ctx, conn, serverUUID)
	if server == nil {
		return
	}

	if !state.ValidateTransition(server.Status, target) {
		g.logger.Warn("rejecting invalid state transition",
			"server_id", server.ID, "from", server.Status, "to", target, "sync", sync)
		return
	}

	if target == state.StatusCrashed {
		crashCount := server.CrashCount + 1
		if err := g.store.UpdateServerCrash(ctx, server.ID, target, crashCount, exitCode, time.Now().UTC()); err != nil {
			g.logger.Error("crash bookkeeping failed", "server_id", server.ID, "error", err)
			return
		}
		server.Status = target
		server.CrashCount = crashCount
		server.LastExitCode = exitCode
		g.systemLog(ctx, server.ID, "server crashed")
	} else {
		if err := g.store.UpdateServerStatus(ctx, server.ID, target); err != nil {
			g.logger.Error("status persist failed", "server_id", server.ID, "error", err)
			return
		}
		server.Status = target
	}

	g.logger.Info("server state changed",
		"server_id", server.ID, "status", target, "node_id", conn.NodeID, "sync", sync)

	g.fanOut(ctx, server, ClientEvent{
		Type: TypeServerStateUpdate, ServerID: server.ID, Status: string(target),
	}, permConsoleRead)

	if target == state.StatusCrashed {
		g.maybeAutoRestart(ctx, conn, server)
	}
}

// handleServerStateSyncComplete compares the agent's found-container report
// against every server believed non-terminal on the node and marks missing
// ones stopped.
func (g *Gateway) handleServerStateSyncComplete(ctx context.Context, conn *agentConn, data []byte) {
	var msg ServerStateSyncComplete
	if err := json.Unmarshal(data, &msg); err != nil {
		g.logger.Debug("malformed sync complete", "node_id", conn.NodeID, "error", err)
		return
	}
	g.reconcileFoundContainers(ctx, conn, msg.FoundContainers)
}

// handleStorageResizeComplete relays a finished disk resize to watchers and
// drops a system line into the server's console history.
func (g *Gateway) handleStorageResizeComplete(ctx context.Context, conn *agentConn, data []byte) {
	var msg StorageResizeComplete
	if err := json.Unmarshal(data, &msg); err != nil {
		g.logger.Debug("malformed storage resize report", "node_id", conn.NodeID, "error", err)
		return
	}

	server := g.serverForAgent(ctx, conn, msg.ServerID)
	if server == nil {
		return
	}

	if msg.Success {
		g.systemLog(ctx, server.ID, "storage resized")
	} else {
		g.logger.Warn("storage resize failed",
			"server_id", server.ID, "node_id", conn.NodeID, "error", msg.Error)
		g.systemLog(ctx, server.ID, "storage resize failed")
	}

	success := msg.Success
	g.fanOut(ctx, server, ClientEvent{
		Type: TypeStorageResizeComplete, ServerID: server.ID, Success: &success,
	}, permConsoleRead)
}

// handleBackupResponse resolves a unary pending backup request.
func (g *Gateway) handleBackupResponse(conn *agentConn, data []byte) {
	var msg BackupResponse
	if err := json.Unmarshal(data, &msg); err != nil || msg.RequestID == "" {
		g.logger.Debug("malformed backup response", "node_id", conn.NodeID, "error", err)
		return
	}
	if err := g.tracker.Resolve(msg.RequestID, msg.Payload); err != nil {
		g.logger.Debug("backup response for unknown request",
			"node_id", conn.NodeID, "request_id", msg.RequestID)
	}
}

// handleBackupChunk decodes and feeds one base64 chunk into its stream.
func (g *Gateway) handleBackupChunk(conn *agentConn, data []byte) {
	var msg BackupDownloadChunk
	if err := json.Unmarshal(data, &msg); err != nil || msg.RequestID == "" {
		g.logger.Debug("malformed backup chunk", "node_id", conn.NodeID, "error", err)
		return
	}

	raw, err := base64.StdEncoding.DecodeString(msg.Data)
	if err != nil {
		g.logger.Warn("backup chunk with invalid base64",
			"node_id", conn.NodeID, "request_id", msg.RequestID)
		g.tracker.Fail(msg.RequestID, err)
		return
	}
	if err := g.tracker.Feed(msg.RequestID, raw, msg.Done); err != nil {
		g.logger.Debug("backup chunk rejected",
			"node_id", conn.NodeID, "request_id", msg.RequestID, "error", err)
	}
}

// serverForAgent loads the server behind an agent-facing UUID and verifies
// it is scheduled on the reporting node and not suspended. Any failure is a
// silent drop; every agent path that mutates server state funnels through
// here, so a suspended server accepts no agent-origin writes at all.
func (g *Gateway) serverForAgent(ctx context.Context, conn *agentConn, serverUUID string) *store.Server {
	if serverUUID == "" {
		return nil
	}
	server, err := g.store.GetServerByUUID(ctx, serverUUID)
	if err != nil {
		g.logger.Warn("agent referenced unknown server",
			"node_id", conn.NodeID, "server_uuid", serverUUID)
		return nil
	}
	if server.NodeID != conn.NodeID {
		g.logger.Warn("agent referenced server on another node",
			"node_id", conn.NodeID, "server_id", server.ID, "owner_node", server.NodeID)
		return nil
	}
	if g.cfg.Limits.EnforceSuspension && server.Suspended() {
		g.logger.Warn("dropping agent message for suspended server",
			"node_id", conn.NodeID, "server_id", server.ID)
		return nil
	}
	return server
}

// systemLog appends a system-stream log line for a server.
func (g *Gateway) systemLog(ctx context.Context, serverID, line string) {
	entry := &store.ServerLog{
		ServerID:  serverID,
		Stream:    store.StreamSystem,
		Line:      line,
		CreatedAt: time.Now().UTC(),
	}
	if err := g.store.CreateServerLog(ctx, entry); err != nil {
		g.logger.Warn("system log persist failed", "server_id", serverID, "error", err)
	}
}

// finite reports whether every value is an actual number. JSON cannot encode
// NaN or infinity directly, but agents can still smuggle them in via division
// results serialized by laxer encoders; they must never reach the store.
func finite(vals ...float64) bool {
	for _, v := range vals {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// clampPercent pins a percentage reading into [0, 100].
func clampPercent(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

// sanitizeStats validates one resource sample in place: non-finite samples
// are rejected outright and the cpu percentage is clamped.
func sanitizeStats(s *ResourceStats) bool {
	if !finite(s.CPUPercent, s.MemoryMB, s.DiskMB, s.NetworkRxKB, s.NetworkTxKB) {
		return false
	}
	s.CPUPercent = clampPercent(s.CPUPercent)
	return true
}

func statToMetric(serverID string, s *ResourceStats) *store.ServerMetric {
	return &store.ServerMetric{
		ServerID:    serverID,
		Timestamp:   stampOrNow(s.Timestamp),
		CPUPercent:  s.CPUPercent,
		MemoryMB:    s.MemoryMB,
		DiskMB:      s.DiskMB,
		NetworkRxKB: s.NetworkRxKB,
		NetworkTxKB: s.NetworkTxKB,
	}
}

// stampOrNow converts a millisecond wire timestamp, defaulting to now.
func stampOrNow(ms int64) time.Time {
	if ms <= 0 {
		return time.Now().UTC()
	}
	return time.UnixMilli(ms).UTC()
}
