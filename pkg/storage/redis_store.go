package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/resilient-fetch/pkg/models"
	"github.com/Sriram-PR/resilient-fetch/pkg/utils"
)

// RedisStore keeps the snapshot in Redis so several engines can share one warm cache.
// Records live in a hash under <prefix>records, the header under <prefix>meta.
type RedisStore struct {
	rdb    *redis.Client
	prefix string
	owned  bool // close rdb on Close
	log    *logrus.Entry
}

// NewRedisStore connects to addr and verifies the connection.
func NewRedisStore(ctx context.Context, addr, password string, db int, prefix string, logger *logrus.Entry) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	s := NewRedisStoreFromClient(rdb, prefix, logger)
	s.owned = true
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, s.fail("open", fmt.Errorf("%w: ping %s: %w", utils.ErrDatabase, addr, err))
	}
	return s, nil
}

// NewRedisStoreFromClient wraps an existing client. The caller keeps ownership of it.
func NewRedisStoreFromClient(rdb *redis.Client, prefix string, logger *logrus.Entry) *RedisStore {
	if prefix == "" {
		prefix = "fetchd:cache:"
	}
	if !strings.HasSuffix(prefix, ":") {
		prefix += ":"
	}
	return &RedisStore{
		rdb:    rdb,
		prefix: prefix,
		log:    logger.WithFields(logrus.Fields{"component": "redis_store", "prefix": prefix}),
	}
}

// Name implements CacheStore
func (s *RedisStore) Name() string { return "redis" }

func (s *RedisStore) fail(op string, err error) error {
	return &utils.CachePersistenceError{Op: op, Backend: s.Name(), Err: err}
}

func (s *RedisStore) recordsKey() string { return s.prefix + "records" }
func (s *RedisStore) metaKey() string    { return s.prefix + "meta" }

// Save implements CacheStore. The old snapshot is replaced in one MULTI/EXEC.
func (s *RedisStore) Save(ctx context.Context, snap *models.CacheSnapshot) error {
	fields := make(map[string]any, len(snap.Records))
	for i := range snap.Records {
		data, err := json.Marshal(&snap.Records[i])
		if err != nil {
			return s.fail("save", fmt.Errorf("encode record %q: %w", snap.Records[i].Key, err))
		}
		fields[snap.Records[i].Key] = data
	}
	meta, err := json.Marshal(snapshotMeta{Version: snap.Version, SavedAt: snap.SavedAt, Records: len(snap.Records)})
	if err != nil {
		return s.fail("save", err)
	}

	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.recordsKey())
		if len(fields) > 0 {
			pipe.HSet(ctx, s.recordsKey(), fields)
		}
		pipe.Set(ctx, s.metaKey(), meta, 0)
		return nil
	})
	if err != nil {
		return s.fail("save", fmt.Errorf("%w: %w", utils.ErrDatabase, err))
	}
	s.log.WithField("records", len(snap.Records)).Debug("Cache snapshot written")
	return nil
}

// Load implements CacheStore
func (s *RedisStore) Load(ctx context.Context) (*models.CacheSnapshot, error) {
	rawMeta, err := s.rdb.Get(ctx, s.metaKey()).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, s.fail("load", fmt.Errorf("%w: no snapshot stored", utils.ErrCacheMiss))
	}
	if err != nil {
		return nil, s.fail("load", fmt.Errorf("%w: reading snapshot header: %w", utils.ErrDatabase, err))
	}
	var meta snapshotMeta
	if err := json.Unmarshal(rawMeta, &meta); err != nil {
		return nil, s.fail("load", fmt.Errorf("%w: decoding snapshot header: %w", utils.ErrParsing, err))
	}
	if meta.Version > models.CacheSnapshotVersion {
		return nil, s.fail("load", fmt.Errorf("%w: snapshot version %d is newer than supported %d",
			utils.ErrParsing, meta.Version, models.CacheSnapshotVersion))
	}

	raw, err := s.rdb.HGetAll(ctx, s.recordsKey()).Result()
	if err != nil {
		return nil, s.fail("load", fmt.Errorf("%w: reading records: %w", utils.ErrDatabase, err))
	}
	snap := &models.CacheSnapshot{Version: meta.Version, SavedAt: meta.SavedAt, Records: make([]models.CacheRecord, 0, len(raw))}
	for key, val := range raw {
		var rec models.CacheRecord
		if err := json.Unmarshal([]byte(val), &rec); err != nil {
			s.log.WithField("key", key).Warnf("Skipping undecodable record: %v", err)
			continue
		}
		snap.Records = append(snap.Records, rec)
	}
	return snap, nil
}

// Close implements CacheStore
func (s *RedisStore) Close() error {
	if !s.owned {
		return nil
	}
	if err := s.rdb.Close(); err != nil {
		return s.fail("close", err)
	}
	return nil
}
