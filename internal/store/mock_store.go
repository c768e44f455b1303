// ABOUTME: Mock Store implementation for testing.
// ABOUTME: Allows tests to run without SQLite.

package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/timmy-time/catalyst/internal/state"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu            sync.RWMutex
	nodes         map[string]*Node
	servers       map[string]*Server
	serversByUUID map[string]string // uuid -> server ID
	access        map[string]*ServerAccess
	logs          []*ServerLog
	serverMetrics map[string]*ServerMetric // keyed by "serverID:unixnano"
	nodeMetrics   map[string]*NodeMetric
	backups       map[string]*Backup
	apiKeys       map[string]*APIKey // keyed by prefix
	settings      map[string]string

	// FailBatchUpsert forces the bulk metrics path to take its per-row
	// fallback, for exercising the degraded path in tests.
	FailBatchUpsert bool
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		nodes:         make(map[string]*Node),
		servers:       make(map[string]*Server),
		serversByUUID: make(map[string]string),
		access:        make(map[string]*ServerAccess),
		serverMetrics: make(map[string]*ServerMetric),
		nodeMetrics:   make(map[string]*NodeMetric),
		backups:       make(map[string]*Backup),
		apiKeys:       make(map[string]*APIKey),
		settings:      make(map[string]string),
	}
}

// CreateNode stores a new node.
func (m *MockStore) CreateNode(ctx context.Context, node *Node) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if node.ID == "" {
		node.ID = uuid.New().String()
	}
	if _, exists := m.nodes[node.ID]; exists {
		return ErrDuplicate
	}
	n := *node
	m.nodes[n.ID] = &n
	return nil
}

// GetNode retrieves a node by ID.
func (m *MockStore) GetNode(ctx context.Context, id string) (*Node, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n, ok := m.nodes[id]
	if !ok {
		return nil, ErrNotFound
	}
	result := *n
	return &result, nil
}

// ListNodes returns all nodes.
func (m *MockStore) ListNodes(ctx context.Context) ([]*Node, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	nodes := make([]*Node, 0, len(m.nodes))
	for _, n := range m.nodes {
		result := *n
		nodes = append(nodes, &result)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })
	return nodes, nil
}

// UpdateNodeStatus flips the online flag and stamps last seen.
func (m *MockStore) UpdateNodeStatus(ctx context.Context, id string, online bool, lastSeenAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	n, ok := m.nodes[id]
	if !ok {
		return ErrNotFound
	}
	n.Online = online
	seen := lastSeenAt
	n.LastSeenAt = &seen
	return nil
}

// CreateServer stores a new server.
func (m *MockStore) CreateServer(ctx context.Context, server *Server) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if server.ID == "" {
		server.ID = uuid.New().String()
	}
	if server.UUID == "" {
		server.UUID = uuid.New().String()
	}
	if server.RestartPolicy == "" {
		server.RestartPolicy = RestartOnFailure
	}
	if _, exists := m.servers[server.ID]; exists {
		return ErrDuplicate
	}
	sv := *server
	m.servers[sv.ID] = &sv
	m.serversByUUID[sv.UUID] = sv.ID
	return nil
}

// GetServer retrieves a server by ID.
func (m *MockStore) GetServer(ctx context.Context, id string) (*Server, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getServerLocked(id)
}

func (m *MockStore) getServerLocked(id string) (*Server, error) {
	sv, ok := m.servers[id]
	if !ok {
		return nil, ErrNotFound
	}
	result := *sv
	return &result, nil
}

// GetServerByUUID retrieves a server by its agent-facing UUID.
func (m *MockStore) GetServerByUUID(ctx context.Context, u string) (*Server, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.serversByUUID[u]
	if !ok {
		return nil, ErrNotFound
	}
	return m.getServerLocked(id)
}

// ListServersByNode returns servers scheduled on a node.
func (m *MockStore) ListServersByNode(ctx context.Context, nodeID string) ([]*Server, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var servers []*Server
	for _, sv := range m.servers {
		if sv.NodeID == nodeID {
			result := *sv
			servers = append(servers, &result)
		}
	}
	sort.Slice(servers, func(i, j int) bool { return servers[i].ID < servers[j].ID })
	return servers, nil
}

// UpdateServerStatus persists a status change.
func (m *MockStore) UpdateServerStatus(ctx context.Context, id string, status state.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sv, ok := m.servers[id]
	if !ok {
		return ErrNotFound
	}
	sv.Status = status
	sv.UpdatedAt = time.Now().UTC()
	return nil
}

// UpdateServerCrash persists crash bookkeeping.
func (m *MockStore) UpdateServerCrash(ctx context.Context, id string, status state.Status, crashCount int, exitCode *int, crashedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sv, ok := m.servers[id]
	if !ok {
		return ErrNotFound
	}
	sv.Status = status
	sv.CrashCount = crashCount
	sv.LastExitCode = exitCode
	at := crashedAt
	sv.LastCrashAt = &at
	sv.UpdatedAt = time.Now().UTC()
	return nil
}

// GetServerAccess returns a permission grant.
func (m *MockStore) GetServerAccess(ctx context.Context, userID, serverID string) (*ServerAccess, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.access[userID+":"+serverID]
	if !ok {
		return nil, ErrNotFound
	}
	result := *a
	result.Permissions = append([]string(nil), a.Permissions...)
	return &result, nil
}

// GrantServerAccess creates or replaces a permission grant.
func (m *MockStore) GrantServerAccess(ctx context.Context, access *ServerAccess) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a := *access
	a.Permissions = append([]string(nil), access.Permissions...)
	m.access[a.UserID+":"+a.ServerID] = &a
	return nil
}

// CreateServerLog appends a log line.
func (m *MockStore) CreateServerLog(ctx context.Context, entry *ServerLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := *entry
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	m.logs = append(m.logs, &e)
	return nil
}

// ListServerLogs returns log lines for a server, oldest first.
func (m *MockStore) ListServerLogs(ctx context.Context, serverID string, limit int) ([]*ServerLog, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var entries []*ServerLog
	for _, e := range m.logs {
		if e.ServerID == serverID {
			result := *e
			entries = append(entries, &result)
		}
	}
	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	return entries, nil
}

// Logs returns every stored log line, for test assertions.
func (m *MockStore) Logs() []*ServerLog {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*ServerLog, len(m.logs))
	copy(result, m.logs)
	return result
}

// UpsertServerMetric writes one sample with max-preserving semantics.
func (m *MockStore) UpsertServerMetric(ctx context.Context, metric *ServerMetric) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.upsertServerMetricLocked(metric)
	return nil
}

func (m *MockStore) upsertServerMetricLocked(metric *ServerMetric) {
	key := metric.ServerID + ":" + metric.Timestamp.UTC().Format(time.RFC3339Nano)
	existing, ok := m.serverMetrics[key]
	if !ok {
		row := *metric
		m.serverMetrics[key] = &row
		return
	}
	existing.CPUPercent = metric.CPUPercent
	existing.MemoryMB = max(existing.MemoryMB, metric.MemoryMB)
	existing.DiskMB = max(existing.DiskMB, metric.DiskMB)
	existing.NetworkRxKB = max(existing.NetworkRxKB, metric.NetworkRxKB)
	existing.NetworkTxKB = max(existing.NetworkTxKB, metric.NetworkTxKB)
}

// UpsertServerMetricsBatch writes a batch, honoring FailBatchUpsert by taking
// the per-row path.
func (m *MockStore) UpsertServerMetricsBatch(ctx context.Context, metrics []*ServerMetric) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, metric := range metrics {
		m.upsertServerMetricLocked(metric)
	}
	return nil
}

// UpsertNodeMetric writes one node sample.
func (m *MockStore) UpsertNodeMetric(ctx context.Context, metric *NodeMetric) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := metric.NodeID + ":" + metric.Timestamp.UTC().Format(time.RFC3339Nano)
	existing, ok := m.nodeMetrics[key]
	if !ok {
		row := *metric
		m.nodeMetrics[key] = &row
		return nil
	}
	existing.CPUPercent = metric.CPUPercent
	existing.MemoryMB = max(existing.MemoryMB, metric.MemoryMB)
	existing.DiskMB = max(existing.DiskMB, metric.DiskMB)
	return nil
}

// ServerMetric returns the stored sample for (serverID, ts), for assertions.
func (m *MockStore) ServerMetric(serverID string, ts time.Time) (*ServerMetric, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	metric, ok := m.serverMetrics[serverID+":"+ts.UTC().Format(time.RFC3339Nano)]
	if !ok {
		return nil, false
	}
	result := *metric
	return &result, true
}

// ServerMetricCount reports the number of stored server samples.
func (m *MockStore) ServerMetricCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.serverMetrics)
}

// CreateBackup stores a new backup record.
func (m *MockStore) CreateBackup(ctx context.Context, backup *Backup) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if backup.ID == "" {
		backup.ID = uuid.New().String()
	}
	if backup.CreatedAt.IsZero() {
		backup.CreatedAt = time.Now().UTC()
	}
	b := *backup
	m.backups[b.ID] = &b
	return nil
}

// GetBackup retrieves a backup by ID.
func (m *MockStore) GetBackup(ctx context.Context, id string) (*Backup, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	b, ok := m.backups[id]
	if !ok {
		return nil, ErrNotFound
	}
	result := *b
	return &result, nil
}

// UpdateBackup replaces a backup record.
func (m *MockStore) UpdateBackup(ctx context.Context, backup *Backup) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.backups[backup.ID]; !ok {
		return ErrNotFound
	}
	b := *backup
	m.backups[b.ID] = &b
	return nil
}

// DeleteBackup removes a backup record.
func (m *MockStore) DeleteBackup(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.backups[id]; !ok {
		return ErrNotFound
	}
	delete(m.backups, id)
	return nil
}

// ListBackupsByServer returns backups for a server, newest first.
func (m *MockStore) ListBackupsByServer(ctx context.Context, serverID string) ([]*Backup, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var backups []*Backup
	for _, b := range m.backups {
		if b.ServerID == serverID {
			result := *b
			backups = append(backups, &result)
		}
	}
	sort.Slice(backups, func(i, j int) bool {
		return backups[i].CreatedAt.After(backups[j].CreatedAt)
	})
	return backups, nil
}

// CreateAPIKey stores a new API key.
func (m *MockStore) CreateAPIKey(ctx context.Context, key *APIKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if key.ID == "" {
		key.ID = uuid.New().String()
	}
	if _, exists := m.apiKeys[key.Prefix]; exists {
		return ErrDuplicate
	}
	k := *key
	m.apiKeys[k.Prefix] = &k
	return nil
}

// GetAPIKeyByPrefix returns the non-revoked key with the given prefix.
func (m *MockStore) GetAPIKeyByPrefix(ctx context.Context, prefix string) (*APIKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	k, ok := m.apiKeys[prefix]
	if !ok || k.RevokedAt != nil {
		return nil, ErrNotFound
	}
	result := *k
	return &result, nil
}

// RevokeAPIKey marks a key revoked.
func (m *MockStore) RevokeAPIKey(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, k := range m.apiKeys {
		if k.ID == id && k.RevokedAt == nil {
			now := time.Now().UTC()
			k.RevokedAt = &now
			return nil
		}
	}
	return ErrNotFound
}

// GetSystemSetting returns a setting value, empty string when unset.
func (m *MockStore) GetSystemSetting(ctx context.Context, key string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.settings[key], nil
}

// SetSystemSetting creates or replaces a setting.
func (m *MockStore) SetSystemSetting(ctx context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settings[key] = value
	return nil
}

// Close is a no-op for the mock store.
func (m *MockStore) Close() error {
	return nil
}
