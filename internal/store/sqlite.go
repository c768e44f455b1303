// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite.
// ABOUTME: Provides node and server persistence with automatic schema creation.

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/timmy-time/catalyst/internal/state"
)

// SQLiteStore implements the Store interface using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist.
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS nodes (
			id             TEXT PRIMARY KEY,
			hostname       TEXT NOT NULL,
			public_address TEXT NOT NULL,
			secret         TEXT NOT NULL,
			online         INTEGER NOT NULL DEFAULT 0,
			last_seen_at   DATETIME,
			created_at     DATETIME NOT NULL
		);

		CREATE TABLE IF NOT EXISTS servers (
			id              TEXT PRIMARY KEY,
			uuid            TEXT NOT NULL UNIQUE,
			node_id         TEXT NOT NULL,
			owner_id        TEXT NOT NULL,
			name            TEXT NOT NULL,
			status          TEXT NOT NULL,
			port_bindings   TEXT,
			environment     TEXT,
			template_id     TEXT,
			host_network    INTEGER NOT NULL DEFAULT 0,
			last_exit_code  INTEGER,
			crash_count     INTEGER NOT NULL DEFAULT 0,
			max_crash_count INTEGER NOT NULL DEFAULT 3,
			restart_policy  TEXT NOT NULL DEFAULT 'on-failure',
			last_crash_at   DATETIME,
			suspended_at    DATETIME,
			created_at      DATETIME NOT NULL,
			updated_at      DATETIME NOT NULL,

			FOREIGN KEY (node_id) REFERENCES nodes(id),
			CHECK (restart_policy IN ('never', 'always', 'on-failure'))
		);

		CREATE INDEX IF NOT EXISTS idx_servers_node ON servers(node_id);
		CREATE INDEX IF NOT EXISTS idx_servers_owner ON servers(owner_id);

		CREATE TABLE IF NOT EXISTS server_access (
			user_id     TEXT NOT NULL,
			server_id   TEXT NOT NULL,
			permissions TEXT NOT NULL,
			created_at  DATETIME NOT NULL,

			PRIMARY KEY (user_id, server_id),
			FOREIGN KEY (server_id) REFERENCES servers(id)
		);

		CREATE TABLE IF NOT EXISTS server_logs (
			id         TEXT PRIMARY KEY,
			server_id  TEXT NOT NULL,
			stream     TEXT NOT NULL,
			line       TEXT NOT NULL,
			created_at DATETIME NOT NULL,

			FOREIGN KEY (server_id) REFERENCES servers(id),
			CHECK (stream IN ('stdout', 'stderr', 'system'))
		);

		CREATE INDEX IF NOT EXISTS idx_server_logs_server
			ON server_logs(server_id, created_at);

		CREATE TABLE IF NOT EXISTS server_metrics (
			server_id     TEXT NOT NULL,
			ts            DATETIME NOT NULL,
			cpu_percent   REAL NOT NULL,
			memory_mb     REAL NOT NULL,
			disk_mb       REAL NOT NULL,
			network_rx_kb REAL NOT NULL,
			network_tx_kb REAL NOT NULL,

			PRIMARY KEY (server_id, ts)
		);

		CREATE TABLE IF NOT EXISTS node_metrics (
			node_id     TEXT NOT NULL,
			ts          DATETIME NOT NULL,
			cpu_percent REAL NOT NULL,
			memory_mb   REAL NOT NULL,
			disk_mb     REAL NOT NULL,

			PRIMARY KEY (node_id, ts)
		);

		CREATE TABLE IF NOT EXISTS backups (
			id           TEXT PRIMARY KEY,
			server_id    TEXT NOT NULL,
			name         TEXT NOT NULL,
			storage_mode TEXT NOT NULL,
			path         TEXT,
			size_mb      REAL NOT NULL DEFAULT 0,
			checksum     TEXT,
			metadata     TEXT,
			created_at   DATETIME NOT NULL,
			completed_at DATETIME,

			FOREIGN KEY (server_id) REFERENCES servers(id),
			CHECK (storage_mode IN ('local', 's3', 'stream', 'sftp'))
		);

		CREATE INDEX IF NOT EXISTS idx_backups_server ON backups(server_id, created_at);

		CREATE TABLE IF NOT EXISTS api_keys (
			id         TEXT PRIMARY KEY,
			prefix     TEXT NOT NULL UNIQUE,
			hash       TEXT NOT NULL,
			node_id    TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			revoked_at DATETIME,

			FOREIGN KEY (node_id) REFERENCES nodes(id)
		);

		CREATE TABLE IF NOT EXISTS system_settings (
			key        TEXT PRIMARY KEY,
			value      TEXT NOT NULL,
			updated_at DATETIME NOT NULL
		);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateNode inserts a new node.
func (s *SQLiteStore) CreateNode(ctx context.Context, node *Node) error {
	if node.ID == "" {
		node.ID = uuid.New().String()
	}
	if node.CreatedAt.IsZero() {
		node.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO nodes (id, hostname, public_address, secret, online, last_seen_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		node.ID, node.Hostname, node.PublicAddress, node.Secret,
		boolToInt(node.Online), node.LastSeenAt, node.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting node: %w", err)
	}
	return nil
}

// GetNode retrieves a node by ID.
func (s *SQLiteStore) GetNode(ctx context.Context, id string) (*Node, error) {
	query := `
		SELECT id, hostname, public_address, secret, online, last_seen_at, created_at
		FROM nodes WHERE id = ?
	`
	return scanNode(s.db.QueryRowContext(ctx, query, id))
}

// ListNodes returns all registered nodes.
func (s *SQLiteStore) ListNodes(ctx context.Context) ([]*Node, error) {
	query := `
		SELECT id, hostname, public_address, secret, online, last_seen_at, created_at
		FROM nodes ORDER BY created_at
	`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("listing nodes: %w", err)
	}
	defer rows.Close()

	var nodes []*Node
	for rows.Next() {
		node, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, node)
	}
	return nodes, rows.Err()
}

// UpdateNodeStatus flips the online flag and stamps last_seen_at.
func (s *SQLiteStore) UpdateNodeStatus(ctx context.Context, id string, online bool, lastSeenAt time.Time) error {
	query := `UPDATE nodes SET online = ?, last_seen_at = ? WHERE id = ?`
	res, err := s.db.ExecContext(ctx, query, boolToInt(online), lastSeenAt.UTC(), id)
	if err != nil {
		return fmt.Errorf("updating node status: %w", err)
	}
	return requireRow(res)
}

// CreateServer inserts a new server.
func (s *SQLiteStore) CreateServer(ctx context.Context, server *Server) error {
	if server.ID == "" {
		server.ID = uuid.New().String()
	}
	if server.UUID == "" {
		server.UUID = uuid.New().String()
	}
	now := time.Now().UTC()
	if server.CreatedAt.IsZero() {
		server.CreatedAt = now
	}
	if server.UpdatedAt.IsZero() {
		server.UpdatedAt = now
	}
	if server.RestartPolicy == "" {
		server.RestartPolicy = RestartOnFailure
	}

	ports, err := marshalMap(server.PortBindings)
	if err != nil {
		return fmt.Errorf("encoding port bindings: %w", err)
	}
	env, err := marshalMap(server.Environment)
	if err != nil {
		return fmt.Errorf("encoding environment: %w", err)
	}

	query := `
		INSERT INTO servers (
			id, uuid, node_id, owner_id, name, status, port_bindings, environment,
			template_id, host_network, last_exit_code, crash_count, max_crash_count,
			restart_policy, last_crash_at, suspended_at, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = s.db.ExecContext(ctx, query,
		server.ID, server.UUID, server.NodeID, server.OwnerID, server.Name,
		string(server.Status), ports, env, server.TemplateID,
		boolToInt(server.HostNetwork), server.LastExitCode, server.CrashCount,
		server.MaxCrashCount, string(server.RestartPolicy),
		server.LastCrashAt, server.SuspendedAt, server.CreatedAt, server.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting server: %w", err)
	}
	return nil
}

// GetServer retrieves a server by ID.
func (s *SQLiteStore) GetServer(ctx context.Context, id string) (*Server, error) {
	return scanServer(s.db.QueryRowContext(ctx, serverSelect+` WHERE id = ?`, id))
}

// GetServerByUUID retrieves a server by its agent-facing UUID.
func (s *SQLiteStore) GetServerByUUID(ctx context.Context, u string) (*Server, error) {
	return scanServer(s.db.QueryRowContext(ctx, serverSelect+` WHERE uuid = ?`, u))
}

// ListServersByNode returns every server scheduled on the given node.
func (s *SQLiteStore) ListServersByNode(ctx context.Context, nodeID string) ([]*Server, error) {
	rows, err := s.db.QueryContext(ctx, serverSelect+` WHERE node_id = ? ORDER BY created_at`, nodeID)
	if err != nil {
		return nil, fmt.Errorf("listing servers: %w", err)
	}
	defer rows.Close()

	var servers []*Server
	for rows.Next() {
		server, err := scanServer(rows)
		if err != nil {
			return nil, err
		}
		servers = append(servers, server)
	}
	return servers, rows.Err()
}

// UpdateServerStatus persists a validated status transition.
func (s *SQLiteStore) UpdateServerStatus(ctx context.Context, id string, status state.Status) error {
	query := `UPDATE servers SET status = ?, updated_at = ? WHERE id = ?`
	res, err := s.db.ExecContext(ctx, query, string(status), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("updating server status: %w", err)
	}
	return requireRow(res)
}

// UpdateServerCrash persists crash bookkeeping in one statement.
func (s *SQLiteStore) UpdateServerCrash(ctx context.Context, id string, status state.Status, crashCount int, exitCode *int, crashedAt time.Time) error {
	query := `
		UPDATE servers
		SET status = ?, crash_count = ?, last_exit_code = ?, last_crash_at = ?, updated_at = ?
		WHERE id = ?
	`
	res, err := s.db.ExecContext(ctx, query,
		string(status), crashCount, exitCode, crashedAt.UTC(), time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("updating server crash state: %w", err)
	}
	return requireRow(res)
}

const serverSelect = `
	SELECT id, uuid, node_id, owner_id, name, status, port_bindings, environment,
		template_id, host_network, last_exit_code, crash_count, max_crash_count,
		restart_policy, last_crash_at, suspended_at, created_at, updated_at
	FROM servers
`

// rowScanner covers both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanNode(row rowScanner) (*Node, error) {
	var node Node
	var online int
	err := row.Scan(&node.ID, &node.Hostname, &node.PublicAddress, &node.Secret,
		&online, &node.LastSeenAt, &node.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning node: %w", err)
	}
	node.Online = online != 0
	return &node, nil
}

func scanServer(row rowScanner) (*Server, error) {
	var server Server
	var status, policy string
	var ports, env sql.NullString
	var hostNetwork int
	err := row.Scan(&server.ID, &server.UUID, &server.NodeID, &server.OwnerID,
		&server.Name, &status, &ports, &env, &server.TemplateID, &hostNetwork,
		&server.LastExitCode, &server.CrashCount, &server.MaxCrashCount, &policy,
		&server.LastCrashAt, &server.SuspendedAt, &server.CreatedAt, &server.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning server: %w", err)
	}

	server.Status = state.Status(status)
	server.RestartPolicy = RestartPolicy(policy)
	server.HostNetwork = hostNetwork != 0
	if server.PortBindings, err = unmarshalMap(ports.String); err != nil {
		return nil, fmt.Errorf("decoding port bindings: %w", err)
	}
	if server.Environment, err = unmarshalMap(env.String); err != nil {
		return nil, fmt.Errorf("decoding environment: %w", err)
	}
	return &server, nil
}

func marshalMap(m map[string]string) (string, error) {
	if len(m) == 0 {
		return "", nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func unmarshalMap(s string) (map[string]string, error) {
	if s == "" {
		return nil, nil
	}
	var m map[string]string
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, err
	}
	return m, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// requireRow converts a zero-row update into ErrNotFound.
func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
