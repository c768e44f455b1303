// ABOUTME: System settings key-value persistence.
// ABOUTME: Holds runtime-tunable configuration such as the rate-limit row.

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// GetSystemSetting returns the value for key, or empty string when unset.
func (s *SQLiteStore) GetSystemSetting(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM system_settings WHERE key = ?`, key,
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("reading system setting: %w", err)
	}
	return value, nil
}

// SetSystemSetting creates or replaces a setting.
func (s *SQLiteStore) SetSystemSetting(ctx context.Context, key, value string) error {
	query := `
		INSERT INTO system_settings (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`
	if _, err := s.db.ExecContext(ctx, query, key, value, time.Now().UTC()); err != nil {
		return fmt.Errorf("writing system setting: %w", err)
	}
	return nil
}
