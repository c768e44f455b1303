// ABOUTME: Append-only console and system log persistence for servers.
// ABOUTME: Lines are written by the gateway on console output and state changes.

package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CreateServerLog appends one console or system log line.
func (s *SQLiteStore) CreateServerLog(ctx context.Context, entry *ServerLog) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO server_logs (id, server_id, stream, line, created_at)
		VALUES (?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		entry.ID, entry.ServerID, string(entry.Stream), entry.Line, entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting server log: %w", err)
	}
	return nil
}

// ListServerLogs returns the most recent log lines for a server, oldest first.
func (s *SQLiteStore) ListServerLogs(ctx context.Context, serverID string, limit int) ([]*ServerLog, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT id, server_id, stream, line, created_at FROM (
			SELECT id, server_id, stream, line, created_at
			FROM server_logs
			WHERE server_id = ?
			ORDER BY created_at DESC
			LIMIT ?
		) ORDER BY created_at ASC
	`
	rows, err := s.db.QueryContext(ctx, query, serverID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing server logs: %w", err)
	}
	defer rows.Close()

	var entries []*ServerLog
	for rows.Next() {
		var entry ServerLog
		var stream string
		if err := rows.Scan(&entry.ID, &entry.ServerID, &stream, &entry.Line, &entry.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning server log: %w", err)
		}
		entry.Stream = StreamTag(stream)
		entries = append(entries, &entry)
	}
	return entries, rows.Err()
}
