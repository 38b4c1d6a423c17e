package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/Sriram-PR/resilient-fetch/pkg/config"
	"github.com/Sriram-PR/resilient-fetch/pkg/models"
	"github.com/Sriram-PR/resilient-fetch/pkg/storage"
	"github.com/Sriram-PR/resilient-fetch/pkg/utils"
)

// Producer computes a value on a cache miss.
type Producer[V any] func(ctx context.Context) (V, error)

// Options tune a single GetOrRevalidate call.
type Options struct {
	Force   bool          // skip the lookup and produce again
	TTL     time.Duration // overrides the TTL rules when > 0
	Subject string        // matched against TTL rules; the key is used when empty
}

// Manager ties the LRU, TTL rules, producer deduplication and persistence together.
type Manager[V any] struct {
	lru   *LRU[V]
	ttl   *TTLManager
	keys  KeyGenerator
	store storage.CacheStore // nil disables persistence
	cfg   config.CacheConfig

	group   singleflight.Group
	mu      sync.Mutex // guards flights and the group's registrations
	flights map[string]*flight
	log     *logrus.Entry
}

// flight is one in-progress production for a key. Its context is detached from the
// callers and canceled once every caller waiting on it has left.
type flight struct {
	ctx     context.Context
	cancel  context.CancelFunc
	waiters int
}

// NewManager builds a Manager. store may be nil.
func NewManager[V any](cfg config.CacheConfig, store storage.CacheStore, log *logrus.Entry) (*Manager[V], error) {
	ttl, err := NewTTLManager(cfg.TTL, cfg.TTLRules)
	if err != nil {
		return nil, err
	}
	return &Manager[V]{
		lru:     NewLRU[V](cfg.MaxSize, cfg.StaleRetention),
		ttl:     ttl,
		keys:    KeyGenerator{DefaultProvider: DefaultProvider},
		store:   store,
		cfg:     cfg,
		flights: make(map[string]*flight),
		log:     log.WithField("component", "cache"),
	}, nil
}

// Keys returns the manager's key generator.
func (m *Manager[V]) Keys() KeyGenerator { return m.keys }

// Get returns a fresh cached value.
func (m *Manager[V]) Get(key string) (V, bool) {
	return m.lru.Get(key)
}

// Peek returns the entry for key even if it has expired but is still within the
// stale window. It does not count as a hit.
func (m *Manager[V]) Peek(key string) (models.CacheEntry[V], bool) {
	return m.lru.Peek(key)
}

// Set stores value, picking the TTL from opts or the TTL rules.
func (m *Manager[V]) Set(key string, value V, opts Options) {
	m.lru.Set(key, value, m.ttlFor(key, opts))
}

// Delete removes key.
func (m *Manager[V]) Delete(key string) bool {
	return m.lru.Delete(key)
}

func (m *Manager[V]) ttlFor(key string, opts Options) time.Duration {
	if opts.TTL > 0 {
		return opts.TTL
	}
	subject := opts.Subject
	if subject == "" {
		subject = key
	}
	return m.ttl.TTLFor(subject)
}

// GetOrRevalidate returns the cached value for key, or runs producer and caches its
// result. At most one producer runs per key at a time; concurrent callers for the
// same key wait for it and share its outcome. Producer errors are not cached.
// fromCache reports whether the value came from the cache without producing.
//
// The producer runs under a context that keeps the first caller's values but not its
// cancellation. A caller whose ctx ends leaves on its own; the producer is canceled
// only when no caller is waiting for it any more.
func (m *Manager[V]) GetOrRevalidate(ctx context.Context, key string, producer Producer[V], opts Options) (value V, fromCache bool, err error) {
	if !opts.Force {
		if v, ok := m.lru.Get(key); ok {
			return v, true, nil
		}
	}

	f, ch := m.join(ctx, key, producer, opts)
	select {
	case res := <-ch:
		m.leave(key, f, false)
		if res.Shared {
			m.log.WithField("key", key).Trace("Joined in-flight revalidation")
		}
		v, _ := res.Val.(V)
		return v, false, res.Err
	case <-ctx.Done():
		m.leave(key, f, true)
		var zero V
		return zero, false, ctx.Err()
	}
}

// join registers the caller on the key's flight, starting one if none is running.
func (m *Manager[V]) join(ctx context.Context, key string, producer Producer[V], opts Options) (*flight, <-chan singleflight.Result) {
	m.mu.Lock()
	defer m.mu.Unlock()

	f := m.flights[key]
	if f == nil {
		pctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		f = &flight{ctx: pctx, cancel: cancel}
		m.flights[key] = f
	}
	f.waiters++

	// Only the first caller's function runs; later callers join it.
	ch := m.group.DoChan(key, func() (any, error) {
		defer m.finish(key, f)
		// A caller that lost the race may find the value already produced.
		if !opts.Force {
			if v, ok := m.lru.Get(key); ok {
				return v, nil
			}
		}
		v, err := producer(f.ctx)
		if err != nil {
			return v, err
		}
		m.lru.Set(key, v, m.ttlFor(key, opts))
		return v, nil
	})
	return f, ch
}

// leave drops a waiter. When the last waiter abandons the flight its producer is
// canceled and the key is released so that the next caller starts afresh.
func (m *Manager[V]) leave(key string, f *flight, abandoned bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	f.waiters--
	if !abandoned || f.waiters > 0 {
		return
	}
	f.cancel()
	if m.flights[key] == f {
		delete(m.flights, key)
		m.group.Forget(key)
	}
}

// finish runs when the producer returns, before waiters are released.
func (m *Manager[V]) finish(key string, f *flight) {
	m.mu.Lock()
	defer m.mu.Unlock()

	f.cancel()
	if m.flights[key] == f {
		delete(m.flights, key)
		m.group.Forget(key)
	}
}

// Len returns the number of stored entries.
func (m *Manager[V]) Len() int { return m.lru.Len() }

// Stats returns the LRU counters.
func (m *Manager[V]) Stats() Stats { return m.lru.Stats() }

// Prune removes entries past their stale window.
func (m *Manager[V]) Prune() int { return m.lru.Prune() }

// Snapshot encodes every live entry for persistence.
func (m *Manager[V]) Snapshot() (*models.CacheSnapshot, error) {
	entries := m.lru.Entries()
	snap := &models.CacheSnapshot{
		Version: models.CacheSnapshotVersion,
		SavedAt: time.Now(),
		Records: make([]models.CacheRecord, 0, len(entries)),
	}
	for _, e := range entries {
		data, err := json.Marshal(e.Value)
		if err != nil {
			return nil, fmt.Errorf("encode cache entry %q: %w", e.Key, err)
		}
		snap.Records = append(snap.Records, models.CacheRecord{
			Key:       e.Key,
			Value:     data,
			CreatedAt: e.CreatedAt,
			TTLMs:     e.TTL.Milliseconds(),
			Hits:      e.Hits,
		})
	}
	return snap, nil
}

// Persist writes a snapshot to the store. Without a store it is a no-op.
// Failures come back as *utils.CachePersistenceError; the in-memory cache is unaffected.
func (m *Manager[V]) Persist(ctx context.Context) error {
	if m.store == nil {
		return nil
	}
	snap, err := m.Snapshot()
	if err != nil {
		return &utils.CachePersistenceError{Op: "save", Backend: m.store.Name(), Err: err}
	}
	if err := m.store.Save(ctx, snap); err != nil {
		return err
	}
	m.log.WithFields(logrus.Fields{"records": len(snap.Records), "backend": m.store.Name()}).Debug("Cache persisted")
	return nil
}

// Restore loads the stored snapshot into memory and returns the number of entries loaded.
// An empty store is not an error.
func (m *Manager[V]) Restore(ctx context.Context) (int, error) {
	if m.store == nil {
		return 0, nil
	}
	snap, err := m.store.Load(ctx)
	if errors.Is(err, utils.ErrCacheMiss) {
		m.log.Debug("No cache snapshot to restore")
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	entries := make([]models.CacheEntry[V], 0, len(snap.Records))
	skipped := 0
	for _, rec := range snap.Records {
		var v V
		if err := json.Unmarshal(rec.Value, &v); err != nil {
			skipped++
			continue
		}
		entries = append(entries, models.CacheEntry[V]{
			Key:       rec.Key,
			Value:     v,
			CreatedAt: rec.CreatedAt,
			TTL:       time.Duration(rec.TTLMs) * time.Millisecond,
			Hits:      rec.Hits,
		})
	}
	loaded := m.lru.Load(entries)
	m.log.WithFields(logrus.Fields{
		"loaded":  loaded,
		"skipped": skipped,
		"records": len(snap.Records),
		"backend": m.store.Name(),
	}).Info("Cache restored")
	return loaded, nil
}

// RunJanitor prunes dead entries every PruneInterval. Should be run in a goroutine.
func (m *Manager[V]) RunJanitor(ctx context.Context) {
	interval := m.cfg.PruneInterval
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if n := m.lru.Prune(); n > 0 {
				m.log.Debugf("Pruned %d expired cache entries, %d remain", n, m.lru.Len())
			}
		case <-ctx.Done():
			return
		}
	}
}

// RunAutosave persists the cache every AutosaveInterval. Should be run in a goroutine.
func (m *Manager[V]) RunAutosave(ctx context.Context) {
	interval := m.cfg.Persistence.AutosaveInterval
	if m.store == nil || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := m.Persist(ctx); err != nil {
				m.log.Warnf("Cache autosave failed: %v", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

// Close closes the underlying store.
func (m *Manager[V]) Close() error {
	if m.store == nil {
		return nil
	}
	return m.store.Close()
}
