package storage

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/resilient-fetch/pkg/models"
	"github.com/Sriram-PR/resilient-fetch/pkg/utils"
)

// BackupStore writes every snapshot to a primary and a secondary store and reads from
// the secondary when the primary has nothing usable.
type BackupStore struct {
	primary   CacheStore
	secondary CacheStore
	log       *logrus.Entry
}

// NewBackupStore pairs primary with secondary
func NewBackupStore(primary, secondary CacheStore, logger *logrus.Entry) *BackupStore {
	return &BackupStore{
		primary:   primary,
		secondary: secondary,
		log:       logger.WithField("component", "backup_store"),
	}
}

// Name implements CacheStore
func (s *BackupStore) Name() string {
	return s.primary.Name() + "+" + s.secondary.Name()
}

// Save implements CacheStore. It succeeds when at least one side was written.
func (s *BackupStore) Save(ctx context.Context, snap *models.CacheSnapshot) error {
	errPrimary := s.primary.Save(ctx, snap)
	errSecondary := s.secondary.Save(ctx, snap)
	switch {
	case errPrimary == nil && errSecondary == nil:
		return nil
	case errPrimary != nil && errSecondary != nil:
		return &utils.CachePersistenceError{Op: "save", Backend: s.Name(), Err: errors.Join(errPrimary, errSecondary)}
	case errPrimary != nil:
		s.log.Warnf("Primary store save failed, backup written: %v", errPrimary)
	default:
		s.log.Warnf("Backup store save failed, primary written: %v", errSecondary)
	}
	return nil
}

// Load implements CacheStore
func (s *BackupStore) Load(ctx context.Context) (*models.CacheSnapshot, error) {
	snap, errPrimary := s.primary.Load(ctx)
	if errPrimary == nil {
		return snap, nil
	}
	if !errors.Is(errPrimary, utils.ErrCacheMiss) {
		s.log.Warnf("Primary store load failed, trying backup: %v", errPrimary)
	}
	snap, errSecondary := s.secondary.Load(ctx)
	if errSecondary == nil {
		return snap, nil
	}
	if errors.Is(errPrimary, utils.ErrCacheMiss) && errors.Is(errSecondary, utils.ErrCacheMiss) {
		return nil, errSecondary
	}
	return nil, &utils.CachePersistenceError{Op: "load", Backend: s.Name(), Err: errors.Join(errPrimary, errSecondary)}
}

// Close implements CacheStore
func (s *BackupStore) Close() error {
	return errors.Join(s.primary.Close(), s.secondary.Close())
}
