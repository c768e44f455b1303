// ABOUTME: API key persistence for agent authentication.
// ABOUTME: Keys are stored as bcrypt hashes with a plaintext lookup prefix.

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CreateAPIKey inserts a new API key record.
func (s *SQLiteStore) CreateAPIKey(ctx context.Context, key *APIKey) error {
	if key.ID == "" {
		key.ID = uuid.New().String()
	}
	if key.CreatedAt.IsZero() {
		key.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO api_keys (id, prefix, hash, node_id, created_at, revoked_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		key.ID, key.Prefix, key.Hash, key.NodeID, key.CreatedAt, key.RevokedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting api key: %w", err)
	}
	return nil
}

// GetAPIKeyByPrefix returns the non-revoked key with the given prefix.
func (s *SQLiteStore) GetAPIKeyByPrefix(ctx context.Context, prefix string) (*APIKey, error) {
	query := `
		SELECT id, prefix, hash, node_id, created_at, revoked_at
		FROM api_keys
		WHERE prefix = ? AND revoked_at IS NULL
	`
	var key APIKey
	err := s.db.QueryRowContext(ctx, query, prefix).Scan(
		&key.ID, &key.Prefix, &key.Hash, &key.NodeID, &key.CreatedAt, &key.RevokedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning api key: %w", err)
	}
	return &key, nil
}

// RevokeAPIKey marks a key as revoked.
func (s *SQLiteStore) RevokeAPIKey(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE api_keys SET revoked_at = ? WHERE id = ? AND revoked_at IS NULL`,
		time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("revoking api key: %w", err)
	}
	return requireRow(res)
}
