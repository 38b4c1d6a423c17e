package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/resilient-fetch/pkg/models"
	"github.com/Sriram-PR/resilient-fetch/pkg/utils"
)

// FileStore keeps the snapshot in a single JSON file, replaced atomically on every save.
type FileStore struct {
	path string
	log  *logrus.Entry
}

// NewFileStore creates a FileStore writing to path. The parent directory is created on demand.
func NewFileStore(path string, logger *logrus.Entry) *FileStore {
	return &FileStore{path: path, log: logger.WithFields(logrus.Fields{"component": "file_store", "path": path})}
}

// Name implements CacheStore
func (s *FileStore) Name() string { return "file" }

func (s *FileStore) fail(op string, err error) error {
	return &utils.CachePersistenceError{Op: op, Backend: s.Name(), Err: err}
}

// Save implements CacheStore
func (s *FileStore) Save(ctx context.Context, snap *models.CacheSnapshot) error {
	if err := ctx.Err(); err != nil {
		return s.fail("save", err)
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return s.fail("save", fmt.Errorf("encode snapshot: %w", err))
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return s.fail("save", fmt.Errorf("%w: create %s: %w", utils.ErrFilesystem, dir, err))
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return s.fail("save", fmt.Errorf("%w: create temp file: %w", utils.ErrFilesystem, err))
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return s.fail("save", fmt.Errorf("%w: write %s: %w", utils.ErrFilesystem, tmpName, err))
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return s.fail("save", fmt.Errorf("%w: sync %s: %w", utils.ErrFilesystem, tmpName, err))
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return s.fail("save", fmt.Errorf("%w: close %s: %w", utils.ErrFilesystem, tmpName, err))
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		cleanup()
		return s.fail("save", fmt.Errorf("%w: rename to %s: %w", utils.ErrFilesystem, s.path, err))
	}

	s.log.WithField("records", len(snap.Records)).Debug("Cache snapshot written")
	return nil
}

// Load implements CacheStore
func (s *FileStore) Load(ctx context.Context) (*models.CacheSnapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, s.fail("load", err)
	}
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, s.fail("load", fmt.Errorf("%w: no snapshot at %s", utils.ErrCacheMiss, s.path))
	}
	if err != nil {
		return nil, s.fail("load", fmt.Errorf("%w: read %s: %w", utils.ErrFilesystem, s.path, err))
	}
	return decodeSnapshot(data, s.fail)
}

// Close implements CacheStore
func (s *FileStore) Close() error { return nil }

// decodeSnapshot parses a JSON snapshot and rejects layouts newer than this build understands.
func decodeSnapshot(data []byte, fail func(op string, err error) error) (*models.CacheSnapshot, error) {
	var snap models.CacheSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fail("load", fmt.Errorf("%w: decode snapshot: %w", utils.ErrParsing, err))
	}
	if snap.Version > models.CacheSnapshotVersion {
		return nil, fail("load", fmt.Errorf("%w: snapshot version %d is newer than supported %d",
			utils.ErrParsing, snap.Version, models.CacheSnapshotVersion))
	}
	return &snap, nil
}
