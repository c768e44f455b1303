// ABOUTME: Remote storage strategy driving an injected uploader (s3/sftp).
// ABOUTME: Chunks are piped into the uploader without whole-archive buffering.

package backup

import (
	"context"
	"fmt"
	"io"
	"path"

	"github.com/timmy-time/catalyst/internal/store"
)

// metaStorageKey is the backup metadata field recording the remote object key.
const metaStorageKey = "storageKey"

// remoteStrategy streams the staged archive from the agent straight into the
// uploader via an in-process pipe.
type remoteStrategy struct {
	fetcher   Fetcher
	uploader  Uploader
	keyPrefix string
}

func (s *remoteStrategy) objectKey(backup *store.Backup) string {
	if key := backup.Metadata[metaStorageKey]; key != "" {
		return key
	}
	return s.keyPrefix + path.Join(backup.ServerID, backup.ID+".tar.gz")
}

func (s *remoteStrategy) Transfer(ctx context.Context, nodeID string, backup *store.Backup) error {
	key := s.objectKey(backup)

	pr, pw := io.Pipe()
	putErr := make(chan error, 1)
	go func() {
		putErr <- s.uploader.Put(ctx, key, pr)
	}()

	fetchErr := s.fetcher.FetchBackup(ctx, nodeID, backup, func(data []byte, done bool) error {
		if _, err := pw.Write(data); err != nil {
			return err
		}
		if done {
			return pw.Close()
		}
		return nil
	})
	if fetchErr != nil {
		pw.CloseWithError(fetchErr)
	}

	if err := <-putErr; err != nil {
		return fmt.Errorf("uploading backup %s: %w", backup.ID, err)
	}
	if fetchErr != nil {
		return fmt.Errorf("fetching backup %s: %w", backup.ID, fetchErr)
	}

	if backup.Metadata == nil {
		backup.Metadata = make(map[string]string)
	}
	backup.Metadata[metaStorageKey] = key
	backup.Metadata["uploadStatus"] = "complete"
	return nil
}

func (s *remoteStrategy) Delete(ctx context.Context, backup *store.Backup) error {
	if err := s.uploader.Delete(ctx, s.objectKey(backup)); err != nil {
		return fmt.Errorf("deleting remote backup: %w", err)
	}
	return nil
}

func (s *remoteStrategy) Open(ctx context.Context, backup *store.Backup) (io.ReadCloser, error) {
	if backup.Metadata[metaStorageKey] == "" {
		return nil, ErrNotTransferred
	}
	rc, err := s.uploader.Open(ctx, s.objectKey(backup))
	if err != nil {
		return nil, fmt.Errorf("opening remote backup: %w", err)
	}
	return rc, nil
}
