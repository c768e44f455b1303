// ABOUTME: Retention enforcement: prune backups beyond a count or age limit.

package backup

import (
	"context"
	"sort"
	"time"

	"github.com/timmy-time/catalyst/internal/store"
)

// Policy bounds how many backups a server keeps. Zero values disable the
// corresponding limit.
type Policy struct {
	Count  int
	MaxAge time.Duration
}

// retentionStore is the store subset retention needs.
type retentionStore interface {
	ListBackupsByServer(ctx context.Context, serverID string) ([]*store.Backup, error)
	DeleteBackup(ctx context.Context, id string) error
}

// Enforce deletes backups for serverID that fall outside the policy: any
// beyond the newest Count, and any older than MaxAge. Deletion failures are
// logged and skipped so one stuck archive never blocks the rest. Returns the
// IDs of the backups actually pruned so callers can notify watchers.
func (m *Manager) Enforce(ctx context.Context, st retentionStore, serverID string, policy Policy) ([]string, error) {
	if policy.Count <= 0 && policy.MaxAge <= 0 {
		return nil, nil
	}

	backups, err := st.ListBackupsByServer(ctx, serverID)
	if err != nil {
		return nil, err
	}

	// Newest first; only completed backups count against the limits.
	completed := backups[:0]
	for _, b := range backups {
		if b.CompletedAt != nil {
			completed = append(completed, b)
		}
	}
	sort.Slice(completed, func(i, j int) bool {
		return completed[i].CreatedAt.After(completed[j].CreatedAt)
	})

	cutoff := time.Time{}
	if policy.MaxAge > 0 {
		cutoff = time.Now().Add(-policy.MaxAge)
	}

	var pruned []string
	for i, b := range completed {
		overCount := policy.Count > 0 && i >= policy.Count
		tooOld := !cutoff.IsZero() && b.CreatedAt.Before(cutoff)
		if !overCount && !tooOld {
			continue
		}

		strategy, err := m.StrategyFor(b.StorageMode)
		if err != nil {
			m.logger.Warn("retention: no strategy for backup", "backup_id", b.ID, "mode", b.StorageMode)
			continue
		}
		if err := strategy.Delete(ctx, b); err != nil {
			m.logger.Warn("retention: delete failed", "backup_id", b.ID, "error", err)
			continue
		}
		if err := st.DeleteBackup(ctx, b.ID); err != nil {
			m.logger.Warn("retention: record delete failed", "backup_id", b.ID, "error", err)
			continue
		}
		pruned = append(pruned, b.ID)
		m.logger.Info("retention: pruned backup",
			"backup_id", b.ID, "server_id", serverID, "over_count", overCount, "too_old", tooOld)
	}
	return pruned, nil
}
