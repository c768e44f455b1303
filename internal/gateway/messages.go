// ABOUTME: Wire frame types for both gateway populations.
// ABOUTME: Frames are tagged JSON objects decoded into typed payloads.

package gateway

import (
	"encoding/json"
	"fmt"

	"github.com/timmy-time/catalyst/internal/store"
)

// Agent-origin message types.
const (
	TypeNodeHandshake           = "node_handshake"
	TypeHeartbeat               = "heartbeat"
	TypeHealthReport            = "health_report"
	TypeResourceStats           = "resource_stats"
	TypeResourceStatsBatch      = "resource_stats_batch"
	TypeConsoleOutput           = "console_output"
	TypeServerStateUpdate       = "server_state_update"
	TypeServerStateSync         = "server_state_sync"
	TypeServerStateSyncComplete = "server_state_sync_complete"
	TypeBackupComplete          = "backup_complete"
	TypeBackupDownloadResponse  = "backup_download_response"
	TypeBackupDownloadChunk     = "backup_download_chunk"
	TypeBackupUploadResponse    = "backup_upload_response"
	TypeStorageResizeComplete   = "storage_resize_complete"
)

// Client-origin message types.
const (
	TypeClientHandshake = "client_handshake"
	TypeSubscribe       = "subscribe"
	TypeUnsubscribe     = "unsubscribe"
	TypeServerControl   = "server_control"
	TypeConsoleInput    = "console_input"
	TypeBackupRestore   = "backup_restore"
)

// Gateway-origin message types.
const (
	TypeHandshakeAck          = "handshake_ack"
	TypeStartServer           = "start_server"
	TypeResumeConsole         = "resume_console"
	TypeDeleteBackup          = "delete_backup"
	TypeDownloadBackupStart   = "download_backup_start"
	TypeUploadBackupStart     = "upload_backup_start"
	TypeUploadBackupChunk     = "upload_backup_chunk"
	TypeUploadBackupComplete  = "upload_backup_complete"
	TypeBackupRestoreComplete = "backup_restore_complete"
	TypeBackupDeleteComplete  = "backup_delete_complete"
	TypeError                 = "error"
)

// envelope carries only the tag; the payload is decoded after the switch.
type envelope struct {
	Type string `json:"type"`
}

// decodeFrame splits a raw frame into its type tag and returns the raw bytes
// for payload decoding. Malformed JSON or a missing tag fails here, in one
// place, before any handler touches a field.
func decodeFrame(data []byte) (string, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", fmt.Errorf("malformed frame: %w", err)
	}
	if env.Type == "" {
		return "", fmt.Errorf("frame missing type")
	}
	return env.Type, nil
}

// NodeHandshake authenticates an agent connection.
type NodeHandshake struct {
	Type   string `json:"type"`
	NodeID string `json:"nodeId"`
	Token  string `json:"token"`
}

// Heartbeat keeps an agent connection alive.
type Heartbeat struct {
	Type   string `json:"type"`
	NodeID string `json:"nodeId"`
}

// HealthReport carries node-level resource readings.
type HealthReport struct {
	Type       string  `json:"type"`
	CPUPercent float64 `json:"cpuPercent"`
	MemoryMB   float64 `json:"memoryMb"`
	DiskMB     float64 `json:"diskMb"`
	Timestamp  int64   `json:"timestamp"`
}

// ResourceStats carries one server's resource sample. ServerID is the
// agent-facing server UUID.
type ResourceStats struct {
	Type        string  `json:"type"`
	ServerID    string  `json:"serverId"`
	CPUPercent  float64 `json:"cpuPercent"`
	MemoryMB    float64 `json:"memoryMb"`
	DiskMB      float64 `json:"diskMb"`
	NetworkRxKB float64 `json:"networkRxKb"`
	NetworkTxKB float64 `json:"networkTxKb"`
	Timestamp   int64   `json:"timestamp"`
}

// ResourceStatsBatch carries many samples in one frame.
type ResourceStatsBatch struct {
	Type    string          `json:"type"`
	Entries []ResourceStats `json:"entries"`
}

// ConsoleOutput is one line of server console output.
type ConsoleOutput struct {
	Type     string `json:"type"`
	ServerID string `json:"serverId"`
	Stream   string `json:"stream"`
	Line     string `json:"line"`
}

// ServerStateUpdate is the agent's authoritative report of a server's state.
type ServerStateUpdate struct {
	Type     string `json:"type"`
	ServerID string `json:"serverId"`
	Status   string `json:"status"`
	ExitCode *int   `json:"exitCode,omitempty"`
}

// ServerStateSync is one reconciliation observation after an agent's
// startup scan.
type ServerStateSync struct {
	Type     string `json:"type"`
	ServerID string `json:"serverId"`
	Status   string `json:"status"`
}

// ServerStateSyncComplete ends a reconciliation handshake with the full set
// of container identifiers the agent actually found.
type ServerStateSyncComplete struct {
	Type            string   `json:"type"`
	FoundContainers []string `json:"foundContainers"`
}

// BackupComplete reports a finished (or failed) backup archive on the agent.
type BackupComplete struct {
	Type     string  `json:"type"`
	ServerID string  `json:"serverId"`
	BackupID string  `json:"backupId"`
	Success  bool    `json:"success"`
	SizeMB   float64 `json:"sizeMb"`
	Checksum string  `json:"checksum"`
	Error    string  `json:"error,omitempty"`
}

// BackupResponse resolves a pending backup request.
type BackupResponse struct {
	Type      string          `json:"type"`
	RequestID string          `json:"requestId"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// BackupDownloadChunk carries one base64 chunk of an archive stream.
type BackupDownloadChunk struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId"`
	Data      string `json:"data"`
	Done      bool   `json:"done"`
}

// BackupUploadChunk carries one base64 chunk of an archive being pushed back
// onto an agent during a restore. The terminal frame has Done set and the
// upload_backup_complete type.
type BackupUploadChunk struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId"`
	Data      string `json:"data,omitempty"`
	Done      bool   `json:"done,omitempty"`
}

// StorageResizeComplete reports a finished (or failed) disk resize on the
// agent.
type StorageResizeComplete struct {
	Type     string  `json:"type"`
	ServerID string  `json:"serverId"`
	Success  bool    `json:"success"`
	DiskMB   float64 `json:"diskMb,omitempty"`
	Error    string  `json:"error,omitempty"`
}

// ClientHandshake authenticates a browser client via bearer token.
type ClientHandshake struct {
	Type  string `json:"type"`
	Token string `json:"token"`
}

// Subscription subscribes or unsubscribes a client from a server's feed.
type Subscription struct {
	Type     string `json:"type"`
	ServerID string `json:"serverId"`
}

// ServerControl asks the gateway to drive a server lifecycle action.
type ServerControl struct {
	Type     string `json:"type"`
	ServerID string `json:"serverId"`
	Action   string `json:"action"`
}

// ConsoleInput forwards a console command to a server.
type ConsoleInput struct {
	Type     string `json:"type"`
	ServerID string `json:"serverId"`
	Command  string `json:"command"`
}

// BackupRestore asks the gateway to push a stored archive back onto the
// server's agent.
type BackupRestore struct {
	Type     string `json:"type"`
	ServerID string `json:"serverId"`
	BackupID string `json:"backupId"`
}

// HandshakeAck confirms a successful handshake to either population.
type HandshakeAck struct {
	Type   string `json:"type"`
	NodeID string `json:"nodeId,omitempty"`
	UserID string `json:"userId,omitempty"`
}

// StartServer directs an agent to start a server with a fully layered
// environment.
type StartServer struct {
	Type         string            `json:"type"`
	ServerID     string            `json:"serverId"`
	Image        string            `json:"image,omitempty"`
	Startup      string            `json:"startup,omitempty"`
	Environment  map[string]string `json:"environment,omitempty"`
	HostNetwork  bool              `json:"hostNetwork,omitempty"`
	PortBindings map[string]string `json:"portBindings,omitempty"`
}

// ResumeConsole directs an agent to re-attach console streaming.
type ResumeConsole struct {
	Type     string `json:"type"`
	ServerID string `json:"serverId"`
}

// AgentDirective is a generic forwarded directive carrying the agent-facing
// server UUID, used for control echoes and console input.
type AgentDirective struct {
	Type      string `json:"type"`
	ServerID  string `json:"serverId"`
	Action    string `json:"action,omitempty"`
	Command   string `json:"command,omitempty"`
	RequestID string `json:"requestId,omitempty"`
	BackupID  string `json:"backupId,omitempty"`
}

// ClientEvent is the generic fan-out frame pushed to subscribed clients.
type ClientEvent struct {
	Type     string         `json:"type"`
	ServerID string         `json:"serverId"`
	Stream   string         `json:"stream,omitempty"`
	Line     string         `json:"line,omitempty"`
	Status   string         `json:"status,omitempty"`
	Stats    *ResourceStats `json:"stats,omitempty"`
	BackupID string         `json:"backupId,omitempty"`
	Success  *bool          `json:"success,omitempty"`
}

// parseStream maps a wire stream tag onto the store's enum, defaulting
// unknown values to stdout rather than rejecting the line.
func parseStream(s string) store.StreamTag {
	switch s {
	case string(store.StreamStderr):
		return store.StreamStderr
	case string(store.StreamSystem):
		return store.StreamSystem
	default:
		return store.StreamStdout
	}
}
