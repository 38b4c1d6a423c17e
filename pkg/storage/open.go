package storage

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/resilient-fetch/pkg/config"
	"github.com/Sriram-PR/resilient-fetch/pkg/utils"
)

const (
	defaultFilePath   = "fetchd-cache.json"
	defaultBadgerPath = "fetchd-cache-db"
)

// Open builds the store selected by cfg. Backend "none" yields a nil store.
// A BackupPath adds a JSON file as secondary.
func Open(ctx context.Context, cfg config.PersistenceConfig, logger *logrus.Entry) (CacheStore, error) {
	var primary CacheStore
	switch cfg.Backend {
	case config.BackendNone, "":
		return nil, nil
	case config.BackendFile:
		path := cfg.Path
		if path == "" {
			path = defaultFilePath
		}
		primary = NewFileStore(path, logger)
	case config.BackendBadger:
		path := cfg.Path
		if path == "" {
			path = defaultBadgerPath
		}
		store, err := NewBadgerStore(path, logger)
		if err != nil {
			return nil, err
		}
		primary = store
	case config.BackendRedis:
		store, err := NewRedisStore(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.RedisKeyPrefix, logger)
		if err != nil {
			return nil, err
		}
		primary = store
	default:
		return nil, utils.WrapErrorf(utils.ErrUnsupportedBackend, "backend %q", cfg.Backend)
	}

	if cfg.BackupPath == "" {
		return primary, nil
	}
	return NewBackupStore(primary, NewFileStore(cfg.BackupPath, logger), logger), nil
}
