// ABOUTME: Backup metadata persistence including transfer bookkeeping.
// ABOUTME: Metadata carries agentPath, storageKey and upload status values.

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CreateBackup inserts a new backup record.
func (s *SQLiteStore) CreateBackup(ctx context.Context, backup *Backup) error {
	if backup.ID == "" {
		backup.ID = uuid.New().String()
	}
	if backup.CreatedAt.IsZero() {
		backup.CreatedAt = time.Now().UTC()
	}
	if backup.StorageMode == "" {
		backup.StorageMode = StorageLocal
	}

	meta, err := marshalMap(backup.Metadata)
	if err != nil {
		return fmt.Errorf("encoding backup metadata: %w", err)
	}

	query := `
		INSERT INTO backups (id, server_id, name, storage_mode, path, size_mb, checksum, metadata, created_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = s.db.ExecContext(ctx, query,
		backup.ID, backup.ServerID, backup.Name, string(backup.StorageMode),
		backup.Path, backup.SizeMB, backup.Checksum, meta,
		backup.CreatedAt, backup.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting backup: %w", err)
	}
	return nil
}

// GetBackup retrieves a backup by ID.
func (s *SQLiteStore) GetBackup(ctx context.Context, id string) (*Backup, error) {
	return scanBackup(s.db.QueryRowContext(ctx, backupSelect+` WHERE id = ?`, id))
}

// UpdateBackup persists size, checksum, path and metadata changes.
func (s *SQLiteStore) UpdateBackup(ctx context.Context, backup *Backup) error {
	meta, err := marshalMap(backup.Metadata)
	if err != nil {
		return fmt.Errorf("encoding backup metadata: %w", err)
	}

	query := `
		UPDATE backups
		SET name = ?, storage_mode = ?, path = ?, size_mb = ?, checksum = ?, metadata = ?, completed_at = ?
		WHERE id = ?
	`
	res, err := s.db.ExecContext(ctx, query,
		backup.Name, string(backup.StorageMode), backup.Path, backup.SizeMB,
		backup.Checksum, meta, backup.CompletedAt, backup.ID,
	)
	if err != nil {
		return fmt.Errorf("updating backup: %w", err)
	}
	return requireRow(res)
}

// DeleteBackup removes a backup record.
func (s *SQLiteStore) DeleteBackup(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM backups WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting backup: %w", err)
	}
	return requireRow(res)
}

// ListBackupsByServer returns a server's backups, newest first.
func (s *SQLiteStore) ListBackupsByServer(ctx context.Context, serverID string) ([]*Backup, error) {
	rows, err := s.db.QueryContext(ctx, backupSelect+` WHERE server_id = ? ORDER BY created_at DESC`, serverID)
	if err != nil {
		return nil, fmt.Errorf("listing backups: %w", err)
	}
	defer rows.Close()

	var backups []*Backup
	for rows.Next() {
		backup, err := scanBackup(rows)
		if err != nil {
			return nil, err
		}
		backups = append(backups, backup)
	}
	return backups, rows.Err()
}

const backupSelect = `
	SELECT id, server_id, name, storage_mode, path, size_mb, checksum, metadata, created_at, completed_at
	FROM backups
`

func scanBackup(row rowScanner) (*Backup, error) {
	var backup Backup
	var mode string
	var path, checksum, meta sql.NullString
	err := row.Scan(&backup.ID, &backup.ServerID, &backup.Name, &mode,
		&path, &backup.SizeMB, &checksum, &meta, &backup.CreatedAt, &backup.CompletedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning backup: %w", err)
	}

	backup.StorageMode = StorageMode(mode)
	backup.Path = path.String
	backup.Checksum = checksum.String
	if backup.Metadata, err = unmarshalMap(meta.String); err != nil {
		return nil, fmt.Errorf("decoding backup metadata: %w", err)
	}
	return &backup, nil
}
