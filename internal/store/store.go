// ABOUTME: Store interface and data types for catalyst-gateway persistence.
// ABOUTME: Defines Node, Server, Backup, metrics entities and the Store interface.

package store

import (
	"context"
	"errors"
	"time"

	"github.com/timmy-time/catalyst/internal/state"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrDuplicate is returned when creating an entity that already exists.
var ErrDuplicate = errors.New("already exists")

// Node represents a registered remote host running one agent.
type Node struct {
	ID            string
	Hostname      string
	PublicAddress string
	Secret        string // shared secret for agent authentication
	Online        bool
	LastSeenAt    *time.Time
	CreatedAt     time.Time
}

// RestartPolicy controls whether a crashed server is automatically restarted.
type RestartPolicy string

// Restart policies.
const (
	RestartNever     RestartPolicy = "never"
	RestartAlways    RestartPolicy = "always"
	RestartOnFailure RestartPolicy = "on-failure"
)

// Server represents a managed workload instance scheduled on a node.
type Server struct {
	ID            string
	UUID          string
	NodeID        string
	OwnerID       string
	Name          string
	Status        state.Status
	PortBindings  map[string]string
	Environment   map[string]string
	TemplateID    string
	HostNetwork   bool
	LastExitCode  *int
	CrashCount    int
	MaxCrashCount int
	RestartPolicy RestartPolicy
	LastCrashAt   *time.Time
	SuspendedAt   *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Suspended reports whether the server is currently suspended.
func (s *Server) Suspended() bool {
	return s.SuspendedAt != nil
}

// ServerAccess grants a non-owner user a permission set scoped to one server.
// The owner implicitly has every permission and has no ServerAccess row.
type ServerAccess struct {
	UserID      string
	ServerID    string
	Permissions []string
	CreatedAt   time.Time
}

// Has reports whether the grant includes the named permission.
func (a *ServerAccess) Has(perm string) bool {
	for _, p := range a.Permissions {
		if p == perm {
			return true
		}
	}
	return false
}

// StreamTag identifies the origin of a console log line.
type StreamTag string

// Log stream tags.
const (
	StreamStdout StreamTag = "stdout"
	StreamStderr StreamTag = "stderr"
	StreamSystem StreamTag = "system"
)

// ServerLog is an append-only console or system log line tied to a server.
type ServerLog struct {
	ID        string
	ServerID  string
	Stream    StreamTag
	Line      string
	CreatedAt time.Time
}

// ServerMetric is one time-series sample for a server.
type ServerMetric struct {
	ServerID    string
	Timestamp   time.Time
	CPUPercent  float64
	MemoryMB    float64
	DiskMB      float64
	NetworkRxKB float64
	NetworkTxKB float64
}

// NodeMetric is one time-series sample for a node.
type NodeMetric struct {
	NodeID     string
	Timestamp  time.Time
	CPUPercent float64
	MemoryMB   float64
	DiskMB     float64
}

// StorageMode selects where a backup archive ends up.
type StorageMode string

// Backup storage modes.
const (
	StorageLocal  StorageMode = "local"
	StorageS3     StorageMode = "s3"
	StorageStream StorageMode = "stream"
	StorageSFTP   StorageMode = "sftp"
)

// Backup is the metadata record for a point-in-time archive of a server.
// Metadata carries transfer bookkeeping such as agentPath, storageKey and
// upload status, including failure messages from storage errors.
type Backup struct {
	ID          string
	ServerID    string
	Name        string
	StorageMode StorageMode
	Path        string
	SizeMB      float64
	Checksum    string
	Metadata    map[string]string
	CreatedAt   time.Time
	CompletedAt *time.Time
}

// APIKey is an agent credential alternative to the node shared secret.
// The raw key is never stored; Hash is a bcrypt hash of it, and Prefix is
// the short plaintext lookup prefix.
type APIKey struct {
	ID        string
	Prefix    string
	Hash      string
	NodeID    string // the node this key is bound to
	CreatedAt time.Time
	RevokedAt *time.Time
}

// Store defines the persistence operations the gateway performs.
type Store interface {
	// Nodes
	CreateNode(ctx context.Context, node *Node) error
	GetNode(ctx context.Context, id string) (*Node, error)
	ListNodes(ctx context.Context) ([]*Node, error)
	UpdateNodeStatus(ctx context.Context, id string, online bool, lastSeenAt time.Time) error

	// Servers
	CreateServer(ctx context.Context, server *Server) error
	GetServer(ctx context.Context, id string) (*Server, error)
	GetServerByUUID(ctx context.Context, uuid string) (*Server, error)
	ListServersByNode(ctx context.Context, nodeID string) ([]*Server, error)
	UpdateServerStatus(ctx context.Context, id string, status state.Status) error
	UpdateServerCrash(ctx context.Context, id string, status state.Status, crashCount int, exitCode *int, crashedAt time.Time) error

	// Access control
	GetServerAccess(ctx context.Context, userID, serverID string) (*ServerAccess, error)
	GrantServerAccess(ctx context.Context, access *ServerAccess) error

	// Console and system logs
	CreateServerLog(ctx context.Context, entry *ServerLog) error
	ListServerLogs(ctx context.Context, serverID string, limit int) ([]*ServerLog, error)

	// Metrics (upserts preserve peak values on duplicate timestamps)
	UpsertServerMetric(ctx context.Context, metric *ServerMetric) error
	UpsertServerMetricsBatch(ctx context.Context, metrics []*ServerMetric) error
	UpsertNodeMetric(ctx context.Context, metric *NodeMetric) error

	// Backups
	CreateBackup(ctx context.Context, backup *Backup) error
	GetBackup(ctx context.Context, id string) (*Backup, error)
	UpdateBackup(ctx context.Context, backup *Backup) error
	DeleteBackup(ctx context.Context, id string) error
	ListBackupsByServer(ctx context.Context, serverID string) ([]*Backup, error)

	// API keys
	CreateAPIKey(ctx context.Context, key *APIKey) error
	GetAPIKeyByPrefix(ctx context.Context, prefix string) (*APIKey, error)
	RevokeAPIKey(ctx context.Context, id string) error

	// System settings
	GetSystemSetting(ctx context.Context, key string) (string, error)
	SetSystemSetting(ctx context.Context, key, value string) error

	// Close releases any resources held by the store.
	Close() error
}
