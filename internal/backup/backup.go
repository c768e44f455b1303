// ABOUTME: Storage strategies for finished backups, selected by storage mode.
// ABOUTME: Strategies move, delete, and open archives; chunk IO is injected.

package backup

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/timmy-time/catalyst/internal/store"
)

// Storage errors.
var (
	ErrUnknownMode    = errors.New("unknown storage mode")
	ErrNotTransferred = errors.New("backup has not been transferred")
)

// Fetcher pulls a staged backup off its agent as a chunk stream. The gateway
// implements this over the pending-request tracker; tests use fakes.
type Fetcher interface {
	FetchBackup(ctx context.Context, nodeID string, backup *store.Backup, sink func(data []byte, done bool) error) error
}

// Uploader is the remote-object-store collaborator for the s3 and sftp
// modes. The concrete client is injected; this package only drives it.
type Uploader interface {
	Put(ctx context.Context, key string, r io.Reader) error
	Delete(ctx context.Context, key string) error
	Open(ctx context.Context, key string) (io.ReadCloser, error)
}

// Strategy is one storage mode's capability set. A strategy is picked once
// per backup from its persisted storageMode and never changes after.
type Strategy interface {
	// Transfer moves the agent-staged archive to its final location and
	// records the resulting path or key on the backup.
	Transfer(ctx context.Context, nodeID string, backup *store.Backup) error

	// Delete removes the stored archive.
	Delete(ctx context.Context, backup *store.Backup) error

	// Open returns a reader over the stored archive.
	Open(ctx context.Context, backup *store.Backup) (io.ReadCloser, error)
}

// Manager maps storage modes to strategies.
type Manager struct {
	strategies map[store.StorageMode]Strategy
	logger     *slog.Logger
}

// NewManager builds the mode table. localDir and streamDir come from config;
// uploader backs both remote modes and may be nil when remote storage is not
// configured.
func NewManager(fetcher Fetcher, uploader Uploader, localDir, streamDir string, logger *slog.Logger) *Manager {
	m := &Manager{
		strategies: make(map[store.StorageMode]Strategy),
		logger:     logger,
	}
	m.strategies[store.StorageLocal] = &localStrategy{fetcher: fetcher, dir: localDir}
	m.strategies[store.StorageStream] = &localStrategy{fetcher: fetcher, dir: streamDir}
	if uploader != nil {
		m.strategies[store.StorageS3] = &remoteStrategy{fetcher: fetcher, uploader: uploader, keyPrefix: "backups/"}
		m.strategies[store.StorageSFTP] = &remoteStrategy{fetcher: fetcher, uploader: uploader, keyPrefix: ""}
	}
	return m
}

// StrategyFor returns the strategy for mode.
func (m *Manager) StrategyFor(mode store.StorageMode) (Strategy, error) {
	s, ok := m.strategies[mode]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMode, mode)
	}
	return s, nil
}
