package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/resilient-fetch/pkg/log"
	"github.com/Sriram-PR/resilient-fetch/pkg/models"
	"github.com/Sriram-PR/resilient-fetch/pkg/utils"
)

const (
	recordKeyPrefix = "rec:"  // One key per cache record
	metaKey         = "!meta" // Snapshot version and save time
)

// snapshotMeta is the stored header of a snapshot.
type snapshotMeta struct {
	Version int       `json:"version"`
	SavedAt time.Time `json:"saved_at"`
	Records int       `json:"records"`
}

// BadgerStore keeps the snapshot in an embedded BadgerDB, one key per record.
type BadgerStore struct {
	db  *badger.DB
	log *logrus.Entry
}

// NewBadgerStore opens (or creates) the database under dbPath
func NewBadgerStore(dbPath string, logger *logrus.Entry) (*BadgerStore, error) {
	store := &BadgerStore{log: logger.WithFields(logrus.Fields{"component": "badger_store", "path": dbPath})}

	if err := os.MkdirAll(dbPath, 0o755); err != nil {
		return nil, store.fail("open", fmt.Errorf("%w: cannot create %s: %w", utils.ErrFilesystem, dbPath, err))
	}

	opts := badger.DefaultOptions(dbPath).
		WithLogger(log.NewBadgerLogrusAdapter(logger)).
		WithNumVersionsToKeep(1)

	var err error
	store.db, err = badger.Open(opts)
	if err != nil {
		return nil, store.fail("open", fmt.Errorf("%w: failed to open badger database at %s: %w", utils.ErrDatabase, dbPath, err))
	}
	store.log.Debug("Cache database opened")
	return store, nil
}

// Name implements CacheStore
func (s *BadgerStore) Name() string { return "badger" }

func (s *BadgerStore) fail(op string, err error) error {
	return &utils.CachePersistenceError{Op: op, Backend: s.Name(), Err: err}
}

const maxConflictRetries = 10

// dbUpdate wraps db.Update with a retry loop for BadgerDB transaction conflicts.
// Concurrent MVCC transactions on overlapping keys can return badger.ErrConflict;
// these resolve in microseconds, so a tight retry loop is sufficient.
func (s *BadgerStore) dbUpdate(fn func(txn *badger.Txn) error) error {
	for i := range maxConflictRetries {
		err := s.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
		s.log.Debugf("BadgerDB transaction conflict (attempt %d/%d), retrying", i+1, maxConflictRetries)
	}
	return fmt.Errorf("%w: transaction conflict not resolved after %d retries", utils.ErrDatabase, maxConflictRetries)
}

// Save implements CacheStore. Previous records are dropped first.
func (s *BadgerStore) Save(ctx context.Context, snap *models.CacheSnapshot) error {
	if err := ctx.Err(); err != nil {
		return s.fail("save", err)
	}
	if err := s.db.DropPrefix([]byte(recordKeyPrefix)); err != nil {
		return s.fail("save", fmt.Errorf("%w: dropping previous records: %w", utils.ErrDatabase, err))
	}

	// WriteBatch splits large snapshots across transactions.
	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for i := range snap.Records {
		if i%256 == 0 {
			if err := ctx.Err(); err != nil {
				return s.fail("save", err)
			}
		}
		rec := &snap.Records[i]
		data, err := json.Marshal(rec)
		if err != nil {
			return s.fail("save", fmt.Errorf("encode record %q: %w", rec.Key, err))
		}
		if err := wb.Set([]byte(recordKeyPrefix+rec.Key), data); err != nil {
			return s.fail("save", fmt.Errorf("%w: writing record %q: %w", utils.ErrDatabase, rec.Key, err))
		}
	}
	if err := wb.Flush(); err != nil {
		return s.fail("save", fmt.Errorf("%w: flushing records: %w", utils.ErrDatabase, err))
	}

	meta, err := json.Marshal(snapshotMeta{Version: snap.Version, SavedAt: snap.SavedAt, Records: len(snap.Records)})
	if err != nil {
		return s.fail("save", err)
	}
	err = s.dbUpdate(func(txn *badger.Txn) error {
		return txn.Set([]byte(metaKey), meta)
	})
	if err != nil {
		return s.fail("save", fmt.Errorf("%w: writing snapshot header: %w", utils.ErrDatabase, err))
	}
	s.log.WithField("records", len(snap.Records)).Debug("Cache snapshot written")
	return nil
}

// Load implements CacheStore
func (s *BadgerStore) Load(ctx context.Context) (*models.CacheSnapshot, error) {
	snap := &models.CacheSnapshot{}
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(metaKey))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("%w: no snapshot stored", utils.ErrCacheMiss)
		}
		if err != nil {
			return fmt.Errorf("%w: reading snapshot header: %w", utils.ErrDatabase, err)
		}
		var meta snapshotMeta
		if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &meta) }); err != nil {
			return fmt.Errorf("%w: decoding snapshot header: %w", utils.ErrParsing, err)
		}
		if meta.Version > models.CacheSnapshotVersion {
			return fmt.Errorf("%w: snapshot version %d is newer than supported %d",
				utils.ErrParsing, meta.Version, models.CacheSnapshotVersion)
		}
		snap.Version = meta.Version
		snap.SavedAt = meta.SavedAt
		snap.Records = make([]models.CacheRecord, 0, meta.Records)

		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(recordKeyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var rec models.CacheRecord
			err := it.Item().Value(func(val []byte) error { return json.Unmarshal(val, &rec) })
			if err != nil {
				s.log.WithField("key", string(it.Item().Key())).Warnf("Skipping undecodable record: %v", err)
				continue
			}
			snap.Records = append(snap.Records, rec)
		}
		return nil
	})
	if err != nil {
		return nil, s.fail("load", err)
	}
	return snap, nil
}

// RunGC runs BadgerDB's value log garbage collection periodically
func (s *BadgerStore) RunGC(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if s.db == nil || s.db.IsClosed() {
				continue
			}
			var err error
			for {
				// Run GC while at least half of a log file is reclaimable
				if err = s.db.RunValueLogGC(0.5); err != nil {
					break
				}
			}
			if !errors.Is(err, badger.ErrNoRewrite) {
				s.log.Errorf("BadgerDB GC error: %v", err)
			}

		case <-ctx.Done():
			s.log.Debugf("Stopping BadgerDB garbage collection: %v", ctx.Err())
			return
		}
	}
}

// Close implements CacheStore
func (s *BadgerStore) Close() error {
	if s.db != nil && !s.db.IsClosed() {
		if err := s.db.Close(); err != nil {
			s.log.Errorf("Error closing cache DB: %v", err)
			return s.fail("close", err)
		}
		s.log.Debug("Cache DB closed.")
	}
	return nil
}
