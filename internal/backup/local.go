// ABOUTME: Local-disk storage strategy: archives land in a directory tree.
// ABOUTME: Chunks stream straight to the destination file, never buffered.

package backup

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/timmy-time/catalyst/internal/store"
)

// localStrategy writes archives under dir/<serverID>/<backupID>.tar.gz.
// The stream storage mode reuses this with a different root directory.
type localStrategy struct {
	fetcher Fetcher
	dir     string
}

func (s *localStrategy) archivePath(backup *store.Backup) string {
	return filepath.Join(s.dir, backup.ServerID, backup.ID+".tar.gz")
}

func (s *localStrategy) Transfer(ctx context.Context, nodeID string, backup *store.Backup) error {
	dest := s.archivePath(backup)
	if err := os.MkdirAll(filepath.Dir(dest), 0o750); err != nil {
		return fmt.Errorf("creating backup dir: %w", err)
	}

	// Write to a temp name first so a failed transfer never leaves a
	// plausible-looking partial archive at the final path.
	tmp := dest + ".partial"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("creating backup file: %w", err)
	}

	err = s.fetcher.FetchBackup(ctx, nodeID, backup, func(data []byte, done bool) error {
		_, werr := f.Write(data)
		return werr
	})
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp)
		return fmt.Errorf("transferring backup %s: %w", backup.ID, err)
	}

	if err := os.Rename(tmp, dest); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("finalizing backup file: %w", err)
	}
	backup.Path = dest
	return nil
}

func (s *localStrategy) Delete(_ context.Context, backup *store.Backup) error {
	path := backup.Path
	if path == "" {
		path = s.archivePath(backup)
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("deleting backup file: %w", err)
	}
	return nil
}

func (s *localStrategy) Open(_ context.Context, backup *store.Backup) (io.ReadCloser, error) {
	if backup.Path == "" {
		return nil, ErrNotTransferred
	}
	f, err := os.Open(backup.Path)
	if err != nil {
		return nil, fmt.Errorf("opening backup file: %w", err)
	}
	return f, nil
}
