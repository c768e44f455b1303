// ABOUTME: Handlers for client-origin frames: handshake, subscriptions,
// ABOUTME: server control, and console input. Failures get typed error frames.

package gateway

import (
	"context"
	"encoding/json"
	"time"

	"github.com/timmy-time/catalyst/internal/state"
	"github.com/timmy-time/catalyst/internal/store"
)

// maxConsoleInputBytes caps one console command.
const maxConsoleInputBytes = 4096

// controlPermissions maps a control action to the grant it requires.
// Destructive actions (kill, reboot) ride on the stop permission.
var controlPermissions = map[string]string{
	"start":   permControlStart,
	"stop":    permControlStop,
	"restart": permControlStop,
	"kill":    permControlStop,
	"reboot":  permControlStop,
}

// handleClientFrame routes one client frame through the same ordered checks
// as agent frames. Unlike agents, clients receive typed error frames.
func (g *Gateway) handleClientFrame(ctx context.Context, conn *clientConn, data []byte) {
	msgType, err := decodeFrame(data)
	if err != nil {
		g.sendError(conn.Socket, CodeInvalidMessage, "malformed frame")
		return
	}

	if msgType == TypeClientHandshake {
		g.handleClientHandshake(conn, data)
		return
	}

	if !conn.Authenticated() {
		g.sendError(conn.Socket, CodeNotAuthenticated, "handshake required")
		return
	}

	limits := g.limits.Current(ctx)
	if !g.limiter.Allow("client:"+conn.ID, limits.ClientCommandsPerMinute, time.Minute) {
		g.sendError(conn.Socket, CodeRateLimited, "too many commands")
		return
	}

	switch msgType {
	case TypeSubscribe:
		g.handleSubscribe(ctx, conn, data)
	case TypeUnsubscribe:
		g.handleUnsubscribe(conn, data)
	case TypeServerControl:
		g.handleServerControl(ctx, conn, data)
	case TypeConsoleInput:
		g.handleConsoleInput(ctx, conn, data)
	case TypeBackupRestore:
		g.handleBackupRestore(ctx, conn, data)
	default:
		g.sendError(conn.Socket, CodeInvalidMessage, "unknown message type")
	}
}

// handleClientHandshake authenticates via bearer token.
func (g *Gateway) handleClientHandshake(conn *clientConn, data []byte) {
	var msg ClientHandshake
	if err := json.Unmarshal(data, &msg); err != nil || msg.Token == "" {
		g.sendError(conn.Socket, CodeInvalidMessage, "malformed handshake")
		return
	}

	userID, err := g.tokens.Verify(msg.Token)
	if err != nil {
		g.sendError(conn.Socket, CodeNotAuthenticated, "invalid session token")
		conn.Socket.Close()
		return
	}

	if err := g.authorizeClient(conn, userID); err != nil {
		conn.Socket.Close()
	}
}

// handleSubscribe adds the server to the client's feed. A fresh subscription
// nudges the agent to resume console streaming, debounced so a burst of
// subscribes produces one resume request.
func (g *Gateway) handleSubscribe(ctx context.Context, conn *clientConn, data []byte) {
	var msg Subscription
	if err := json.Unmarshal(data, &msg); err != nil || msg.ServerID == "" {
		g.sendError(conn.Socket, CodeInvalidMessage, "malformed subscribe")
		return
	}

	server, err := g.store.GetServer(ctx, msg.ServerID)
	if err != nil {
		g.sendError(conn.Socket, CodeInvalidMessage, "unknown server")
		return
	}
	if !g.authorized(ctx, conn.UserID(), server, permConsoleRead) {
		g.sendError(conn.Socket, CodePermissionDenied, "no access to server")
		return
	}

	fresh := conn.Subscribe(server.ID)
	if !fresh {
		return
	}

	if server.Status == state.StatusRunning || server.Status == state.StatusStarting {
		if agent := g.registry.Agent(server.NodeID); agent != nil {
			if g.limiter.Allow("resume:"+server.ID, 1, time.Second) {
				agent.Socket.WriteJSON(ResumeConsole{Type: TypeResumeConsole, ServerID: server.UUID})
			}
		}
	}
}

// handleUnsubscribe removes the server from the client's feed.
// Unsubscription is deterministic and always succeeds.
func (g *Gateway) handleUnsubscribe(conn *clientConn, data []byte) {
	var msg Subscription
	if err := json.Unmarshal(data, &msg); err != nil || msg.ServerID == "" {
		g.sendError(conn.Socket, CodeInvalidMessage, "malformed unsubscribe")
		return
	}
	conn.Unsubscribe(msg.ServerID)
}

// handleServerControl forwards a lifecycle action to the server's agent.
func (g *Gateway) handleServerControl(ctx context.Context, conn *clientConn, data []byte) {
	var msg ServerControl
	if err := json.Unmarshal(data, &msg); err != nil || msg.ServerID == "" {
		g.sendError(conn.Socket, CodeInvalidMessage, "malformed control message")
		return
	}

	perm, ok := controlPermissions[msg.Action]
	if !ok {
		g.sendError(conn.Socket, CodeInvalidMessage, "unknown control action")
		return
	}

	limits := g.limits.Current(ctx)
	if !g.limiter.Allow("control:server:"+msg.ServerID, limits.ServerCommandsPerMinute, time.Minute) {
		g.sendError(conn.Socket, CodeRateLimited, "server command rate exceeded")
		return
	}

	server, err := g.store.GetServer(ctx, msg.ServerID)
	if err != nil {
		g.sendError(conn.Socket, CodeInvalidMessage, "unknown server")
		return
	}
	if !g.authorized(ctx, conn.UserID(), server, perm) {
		g.sendError(conn.Socket, CodePermissionDenied, "action not permitted")
		return
	}
	if g.cfg.Limits.EnforceSuspension && server.Suspended() {
		g.sendError(conn.Socket, CodeServerSuspended, "server is suspended")
		return
	}

	agent := g.registry.Agent(server.NodeID)
	if agent == nil {
		g.sendError(conn.Socket, CodeNodeOffline, "node is not connected")
		return
	}

	agent.Socket.WriteJSON(AgentDirective{
		Type: TypeServerControl, ServerID: server.UUID, Action: msg.Action,
	})
	g.logger.Info("control action forwarded",
		"server_id", server.ID, "action", msg.Action, "user_id", conn.UserID())
}

// handleConsoleInput forwards a console command to the server's agent.
func (g *Gateway) handleConsoleInput(ctx context.Context, conn *clientConn, data []byte) {
	var msg ConsoleInput
	if err := json.Unmarshal(data, &msg); err != nil || msg.ServerID == "" {
		g.sendError(conn.Socket, CodeInvalidMessage, "malformed console input")
		return
	}
	if len(msg.Command) == 0 || len(msg.Command) > maxConsoleInputBytes {
		g.sendError(conn.Socket, CodeInvalidMessage, "command size out of range")
		return
	}

	limits := g.limits.Current(ctx)
	if !g.limiter.Allow("console-in:server:"+msg.ServerID, limits.ServerCommandsPerMinute, time.Minute) {
		// Over-limit input is dropped, not errored: the user sees one
		// throttle notice per window in the console itself.
		if g.limiter.WarnOnce("console-in:server:"+msg.ServerID, time.Minute) {
			g.consoleThrottleNotice(ctx, msg.ServerID)
		}
		return
	}

	server, err := g.store.GetServer(ctx, msg.ServerID)
	if err != nil {
		g.sendError(conn.Socket, CodeInvalidMessage, "unknown server")
		return
	}
	if !g.authorized(ctx, conn.UserID(), server, permConsoleWrite) {
		g.sendError(conn.Socket, CodePermissionDenied, "console write not permitted")
		return
	}
	if g.cfg.Limits.EnforceSuspension && server.Suspended() {
		g.sendError(conn.Socket, CodeServerSuspended, "server is suspended")
		return
	}

	agent := g.registry.Agent(server.NodeID)
	if agent == nil {
		g.sendError(conn.Socket, CodeNodeOffline, "node is not connected")
		return
	}

	agent.Socket.WriteJSON(AgentDirective{
		Type: TypeConsoleInput, ServerID: server.UUID, Command: msg.Command,
	})
}

// consoleThrottleNotice injects a synthetic system line into a server's
// console so throttled users see why their input went nowhere.
func (g *Gateway) consoleThrottleNotice(ctx context.Context, serverID string) {
	const line = "console input throttled"

	server, err := g.store.GetServer(ctx, serverID)
	if err != nil {
		return
	}
	g.systemLog(ctx, server.ID, line)
	g.fanOut(ctx, server, ClientEvent{
		Type: TypeConsoleOutput, ServerID: server.ID,
		Stream: string(store.StreamSystem), Line: line,
	}, permConsoleRead)
}

// handleBackupRestore pushes a stored archive back onto the server's agent.
// The transfer can take minutes, so it runs off the read loop; the result is
// fanned out as a backup_restore_complete event.
func (g *Gateway) handleBackupRestore(ctx context.Context, conn *clientConn, data []byte) {
	var msg BackupRestore
	if err := json.Unmarshal(data, &msg); err != nil || msg.ServerID == "" || msg.BackupID == "" {
		g.sendError(conn.Socket, CodeInvalidMessage, "malformed restore request")
		return
	}

	limits := g.limits.Current(ctx)
	if !g.limiter.Allow("control:server:"+msg.ServerID, limits.ServerCommandsPerMinute, time.Minute) {
		g.sendError(conn.Socket, CodeRateLimited, "server command rate exceeded")
		return
	}

	server, err := g.store.GetServer(ctx, msg.ServerID)
	if err != nil {
		g.sendError(conn.Socket, CodeInvalidMessage, "unknown server")
		return
	}
	if !g.authorized(ctx, conn.UserID(), server, permControlStart) {
		g.sendError(conn.Socket, CodePermissionDenied, "restore not permitted")
		return
	}
	if g.cfg.Limits.EnforceSuspension && server.Suspended() {
		g.sendError(conn.Socket, CodeServerSuspended, "server is suspended")
		return
	}

	record, err := g.store.GetBackup(ctx, msg.BackupID)
	if err != nil || record.ServerID != server.ID {
		g.sendError(conn.Socket, CodeInvalidMessage, "unknown backup")
		return
	}
	if record.CompletedAt == nil {
		g.sendError(conn.Socket, CodeInvalidMessage, "backup is not complete")
		return
	}

	if g.registry.Agent(server.NodeID) == nil {
		g.sendError(conn.Socket, CodeNodeOffline, "node is not connected")
		return
	}

	g.logger.Info("backup restore requested",
		"server_id", server.ID, "backup_id", record.ID, "user_id", conn.UserID())
	go g.restoreAndNotify(server, record)
}
