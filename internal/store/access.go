// ABOUTME: ServerAccess persistence for non-owner permission grants.
// ABOUTME: Owners have implicit full access and no row in this table.

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// GetServerAccess returns the grant for (userID, serverID), or ErrNotFound.
func (s *SQLiteStore) GetServerAccess(ctx context.Context, userID, serverID string) (*ServerAccess, error) {
	query := `
		SELECT user_id, server_id, permissions, created_at
		FROM server_access
		WHERE user_id = ? AND server_id = ?
	`
	var access ServerAccess
	var perms string
	err := s.db.QueryRowContext(ctx, query, userID, serverID).Scan(
		&access.UserID, &access.ServerID, &perms, &access.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning server access: %w", err)
	}

	if err := json.Unmarshal([]byte(perms), &access.Permissions); err != nil {
		return nil, fmt.Errorf("decoding permissions: %w", err)
	}
	return &access, nil
}

// GrantServerAccess creates or replaces a permission grant.
func (s *SQLiteStore) GrantServerAccess(ctx context.Context, access *ServerAccess) error {
	if access.CreatedAt.IsZero() {
		access.CreatedAt = time.Now().UTC()
	}

	perms, err := json.Marshal(access.Permissions)
	if err != nil {
		return fmt.Errorf("encoding permissions: %w", err)
	}

	query := `
		INSERT INTO server_access (user_id, server_id, permissions, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id, server_id) DO UPDATE SET permissions = excluded.permissions
	`
	if _, err := s.db.ExecContext(ctx, query,
		access.UserID, access.ServerID, string(perms), access.CreatedAt,
	); err != nil {
		return fmt.Errorf("granting server access: %w", err)
	}
	return nil
}
