package cache

import (
	"sync"
	"time"

	"github.com/Sriram-PR/resilient-fetch/pkg/models"
)

// Stats counts cache activity since creation.
type Stats struct {
	Size      int   `json:"size"`
	MaxSize   int   `json:"max_size"`
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Evictions int64 `json:"evictions"`
	Expired   int64 `json:"expired"`
}

// LRU is a size-bounded map whose eviction victim is the entry with the lowest
// hits/(ageSeconds+1) score, the oldest one on ties.
//
// Expired entries are misses for Get but stay reachable through Peek until
// staleRetention has passed, so fallbacks can still serve them.
type LRU[V any] struct {
	mu             sync.Mutex
	maxSize        int
	staleRetention time.Duration
	entries        map[string]*models.CacheEntry[V]
	stats          Stats

	now func() time.Time
}

// NewLRU creates a cache holding at most maxSize entries (at least 1).
func NewLRU[V any](maxSize int, staleRetention time.Duration) *LRU[V] {
	if maxSize < 1 {
		maxSize = 1
	}
	return &LRU[V]{
		maxSize:        maxSize,
		staleRetention: max(staleRetention, 0),
		entries:        make(map[string]*models.CacheEntry[V], min(maxSize, 1024)),
		now:            time.Now,
	}
}

// dead reports whether an expired entry is also past the stale window.
func (c *LRU[V]) dead(e *models.CacheEntry[V], now time.Time) bool {
	if !e.Expired(now) {
		return false
	}
	return now.Sub(e.CreatedAt.Add(e.TTL)) >= c.staleRetention
}

// Get returns the value for key if present and unexpired, counting a hit.
// Expired entries are dropped on the spot unless they are still within the stale window.
func (c *LRU[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	e, ok := c.entries[key]
	if !ok {
		c.stats.Misses++
		return zero, false
	}
	now := c.now()
	if e.Expired(now) {
		c.stats.Misses++
		if c.dead(e, now) {
			delete(c.entries, key)
			c.stats.Expired++
		}
		return zero, false
	}
	e.Hits++
	c.stats.Hits++
	return e.Value, true
}

// Peek returns a copy of the entry for key without counting a hit, even when it has
// expired, as long as it is within the stale window.
func (c *LRU[V]) Peek(key string) (models.CacheEntry[V], bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return models.CacheEntry[V]{}, false
	}
	if c.dead(e, c.now()) {
		delete(c.entries, key)
		c.stats.Expired++
		return models.CacheEntry[V]{}, false
	}
	return *e, true
}

// Set stores value under key with the given TTL (0 never expires). Replacing an
// existing key keeps its hit count; inserting a new key at capacity evicts first.
func (c *LRU[V]) Set(key string, value V, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if e, ok := c.entries[key]; ok {
		e.Value = value
		e.CreatedAt = now
		e.TTL = ttl
		return
	}
	c.insertLocked(&models.CacheEntry[V]{Key: key, Value: value, CreatedAt: now, TTL: ttl}, now)
}

// insertLocked adds a new entry, evicting until there is room.
func (c *LRU[V]) insertLocked(e *models.CacheEntry[V], now time.Time) {
	for len(c.entries) >= c.maxSize {
		c.evictLocked(now)
	}
	c.entries[e.Key] = e
}

// evictLocked removes the entry with the lowest score; ties go to the oldest.
func (c *LRU[V]) evictLocked(now time.Time) {
	var victim *models.CacheEntry[V]
	var victimScore float64
	for _, e := range c.entries {
		score := e.Score(now)
		if victim == nil || score < victimScore || (score == victimScore && e.CreatedAt.Before(victim.CreatedAt)) {
			victim, victimScore = e, score
		}
	}
	if victim != nil {
		delete(c.entries, victim.Key)
		c.stats.Evictions++
	}
}

// Delete removes key and reports whether it was present.
func (c *LRU[V]) Delete(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[key]
	delete(c.entries, key)
	return ok
}

// Prune removes every entry past its stale window and returns how many went.
func (c *LRU[V]) Prune() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for key, e := range c.entries {
		if c.dead(e, now) {
			delete(c.entries, key)
			removed++
		}
	}
	c.stats.Expired += int64(removed)
	return removed
}

// Len returns the number of stored entries, stale ones included.
func (c *LRU[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Stats returns the activity counters.
func (c *LRU[V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Size = len(c.entries)
	s.MaxSize = c.maxSize
	return s
}

// Entries returns copies of every entry that is not past its stale window.
func (c *LRU[V]) Entries() []models.CacheEntry[V] {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	out := make([]models.CacheEntry[V], 0, len(c.entries))
	for _, e := range c.entries {
		if !c.dead(e, now) {
			out = append(out, *e)
		}
	}
	return out
}

// Load inserts entries as they are, keeping their creation time and hits.
// Dead entries are skipped; capacity is enforced with the usual eviction.
// It returns the number of entries inserted.
func (c *LRU[V]) Load(entries []models.CacheEntry[V]) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	loaded := 0
	for i := range entries {
		e := entries[i]
		if c.dead(&e, now) {
			continue
		}
		if _, exists := c.entries[e.Key]; exists {
			c.entries[e.Key] = &e
		} else {
			c.insertLocked(&e, now)
		}
		loaded++
	}
	return loaded
}
