// ABOUTME: Backup completion flow: metadata update, fan-out, storage
// ABOUTME: transfer by mode, staged-copy cleanup, and retention enforcement.

package gateway

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/timmy-time/catalyst/internal/backup"
	"github.com/timmy-time/catalyst/internal/store"
)

// backupTransferTimeout bounds one agent-to-storage archive transfer.
const backupTransferTimeout = 10 * time.Minute

// ErrAgentOffline is returned when a backup transfer needs an agent that is
// not connected.
var ErrAgentOffline = errors.New("agent not connected")

// handleBackupComplete finalizes a backup the agent finished staging:
// metadata is persisted, subscribed clients are notified, the archive is
// transferred to its storage mode, and retention is enforced.
func (g *Gateway) handleBackupComplete(ctx context.Context, conn *agentConn, data []byte) {
	var msg BackupComplete
	if err := json.Unmarshal(data, &msg); err != nil || msg.BackupID == "" {
		g.logger.Debug("malformed backup complete", "node_id", conn.NodeID, "error", err)
		return
	}

	server := g.serverForAgent(ctx, conn, msg.ServerID)
	if server == nil {
		return
	}

	record, err := g.store.GetBackup(ctx, msg.BackupID)
	if err != nil {
		g.logger.Warn("backup complete for unknown backup",
			"node_id", conn.NodeID, "backup_id", msg.BackupID)
		return
	}
	if record.ServerID != server.ID {
		g.logger.Warn("backup complete for mismatched server",
			"node_id", conn.NodeID, "backup_id", record.ID, "server_id", server.ID)
		return
	}

	if record.Metadata == nil {
		record.Metadata = make(map[string]string)
	}

	if !msg.Success {
		record.Metadata["uploadStatus"] = "failed"
		if err := g.store.UpdateBackup(ctx, record); err != nil {
			g.logger.Warn("backup failure persist failed", "backup_id", record.ID, "error", err)
		}
		g.systemLog(ctx, server.ID, "backup failed: "+msg.Error)
		success := false
		g.fanOut(ctx, server, ClientEvent{
			Type: TypeBackupComplete, ServerID: server.ID, BackupID: record.ID, Success: &success,
		}, permConsoleRead)
		return
	}

	now := time.Now().UTC()
	record.SizeMB = msg.SizeMB
	record.Checksum = msg.Checksum
	record.CompletedAt = &now
	record.Metadata["uploadStatus"] = "staged"
	if err := g.store.UpdateBackup(ctx, record); err != nil {
		g.logger.Error("backup metadata persist failed", "backup_id", record.ID, "error", err)
		return
	}

	success := true
	g.fanOut(ctx, server, ClientEvent{
		Type: TypeBackupComplete, ServerID: server.ID, BackupID: record.ID, Success: &success,
	}, permConsoleRead)

	// The transfer streams chunks off the agent and can take minutes;
	// never block the read loop on it.
	go g.transferAndPrune(server, record)
}

// transferAndPrune moves the staged archive to its storage destination,
// cleans up the agent-side copy, and enforces the retention policy.
func (g *Gateway) transferAndPrune(server *store.Server, record *store.Backup) {
	ctx, cancel := context.WithTimeout(context.Background(), backupTransferTimeout)
	defer cancel()

	strategy, err := g.backups.StrategyFor(record.StorageMode)
	if err != nil {
		g.logger.Error("no storage strategy for backup",
			"backup_id", record.ID, "mode", record.StorageMode, "error", err)
		return
	}

	if err := strategy.Transfer(ctx, server.NodeID, record); err != nil {
		g.logger.Error("backup transfer failed", "backup_id", record.ID, "error", err)
		record.Metadata["uploadStatus"] = "transfer_failed"
		if uerr := g.store.UpdateBackup(ctx, record); uerr != nil {
			g.logger.Warn("backup status persist failed", "backup_id", record.ID, "error", uerr)
		}
		return
	}

	record.Metadata["uploadStatus"] = "complete"
	if err := g.store.UpdateBackup(ctx, record); err != nil {
		g.logger.Warn("backup status persist failed", "backup_id", record.ID, "error", err)
	}

	// The staged copy on the agent is no longer needed.
	if agent := g.registry.Agent(server.NodeID); agent != nil {
		agent.Socket.WriteJSON(AgentDirective{
			Type: TypeDeleteBackup, ServerID: server.UUID, BackupID: record.ID,
		})
	}

	policy := backup.Policy{
		Count:  g.cfg.Backups.RetentionCount,
		MaxAge: time.Duration(g.cfg.Backups.RetentionDays) * 24 * time.Hour,
	}
	pruned, err := g.backups.Enforce(ctx, g.store, server.ID, policy)
	if err != nil {
		g.logger.Warn("retention enforcement failed", "server_id", server.ID, "error", err)
	}
	for _, backupID := range pruned {
		success := true
		g.fanOut(ctx, server, ClientEvent{
			Type: TypeBackupDeleteComplete, ServerID: server.ID, BackupID: backupID, Success: &success,
		}, permConsoleRead)
	}
}

// FetchBackup implements the storage layer's chunk source: it asks the
// agent to stream the staged archive and feeds base64-decoded chunks into
// sink as they arrive. Memory stays bounded because nothing accumulates.
func (g *Gateway) FetchBackup(ctx context.Context, nodeID string, record *store.Backup, sink func(data []byte, done bool) error) error {
	agent := g.registry.Agent(nodeID)
	if agent == nil {
		return ErrAgentOffline
	}

	requestID := uuid.New().String()
	stream, err := g.tracker.CreateStream(requestID, 0, sink)
	if err != nil {
		return err
	}

	if err := agent.Socket.WriteJSON(AgentDirective{
		Type: TypeDownloadBackupStart, RequestID: requestID, BackupID: record.ID,
	}); err != nil {
		g.tracker.Cancel(requestID)
		return err
	}

	return stream.Await(ctx, backupTransferTimeout)
}

// uploadChunkBytes is the raw chunk size for restore uploads; base64 inflates
// it by a third on the wire.
const uploadChunkBytes = 256 * 1024

// RestoreBackup streams a stored archive back onto the server's agent as
// base64 chunks and waits for the agent to acknowledge the restore with a
// backup_upload_response. Only one buffer's worth of archive is ever in
// memory.
func (g *Gateway) RestoreBackup(ctx context.Context, server *store.Server, record *store.Backup) error {
	agent := g.registry.Agent(server.NodeID)
	if agent == nil {
		return ErrAgentOffline
	}

	strategy, err := g.backups.StrategyFor(record.StorageMode)
	if err != nil {
		return err
	}
	src, err := strategy.Open(ctx, record)
	if err != nil {
		return fmt.Errorf("opening archive for restore: %w", err)
	}
	defer src.Close()

	requestID := uuid.New().String()
	req, err := g.tracker.Create(requestID)
	if err != nil {
		return err
	}

	if err := agent.Socket.WriteJSON(AgentDirective{
		Type: TypeUploadBackupStart, ServerID: server.UUID, RequestID: requestID, BackupID: record.ID,
	}); err != nil {
		g.tracker.Cancel(requestID)
		return err
	}

	buf := make([]byte, uploadChunkBytes)
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			if werr := agent.Socket.WriteJSON(BackupUploadChunk{
				Type:      TypeUploadBackupChunk,
				RequestID: requestID,
				Data:      base64.StdEncoding.EncodeToString(buf[:n]),
			}); werr != nil {
				g.tracker.Cancel(requestID)
				return werr
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			g.tracker.Cancel(requestID)
			return fmt.Errorf("reading archive for restore: %w", rerr)
		}
	}

	if err := agent.Socket.WriteJSON(BackupUploadChunk{
		Type: TypeUploadBackupComplete, RequestID: requestID, Done: true,
	}); err != nil {
		g.tracker.Cancel(requestID)
		return err
	}

	if _, err := req.Await(ctx, backupTransferTimeout); err != nil {
		return fmt.Errorf("waiting for restore acknowledgement: %w", err)
	}
	return nil
}

// restoreAndNotify runs one restore off the read loop and reports the result
// to subscribed clients either way.
func (g *Gateway) restoreAndNotify(server *store.Server, record *store.Backup) {
	ctx, cancel := context.WithTimeout(context.Background(), backupTransferTimeout)
	defer cancel()

	err := g.RestoreBackup(ctx, server, record)
	success := err == nil
	if err != nil {
		g.logger.Error("backup restore failed",
			"backup_id", record.ID, "server_id", server.ID, "error", err)
		g.systemLog(ctx, server.ID, "backup restore failed")
	} else {
		g.systemLog(ctx, server.ID, "backup restored")
	}

	g.fanOut(ctx, server, ClientEvent{
		Type: TypeBackupRestoreComplete, ServerID: server.ID, BackupID: record.ID, Success: &success,
	}, permConsoleRead)
}
