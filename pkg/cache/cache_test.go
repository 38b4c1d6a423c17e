package cache

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sriram-PR/resilient-fetch/pkg/config"
	"github.com/Sriram-PR/resilient-fetch/pkg/log"
	"github.com/Sriram-PR/resilient-fetch/pkg/models"
	"github.com/Sriram-PR/resilient-fetch/pkg/storage"
	"github.com/Sriram-PR/resilient-fetch/pkg/utils"
)

// fakeClock is a settable time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestLRU(maxSize int, stale time.Duration) (*LRU[string], *fakeClock) {
	clock := newFakeClock()
	c := NewLRU[string](maxSize, stale)
	c.now = clock.Now
	return c, clock
}

// --- KeyGenerator ---

func TestKeyGenerator_Generate(t *testing.T) {
	g := KeyGenerator{}

	k1 := g.Generate("  Hello   World ", "")
	k2 := g.Generate("hello world", "default")
	assert.Equal(t, k1, k2, "cosmetic differences map to the same key")
	assert.True(t, strings.HasPrefix(k1, "default:"))
	assert.Len(t, strings.TrimPrefix(k1, "default:"), 64)

	assert.NotEqual(t, k1, g.Generate("hello world", "wiki"))
	assert.True(t, strings.HasPrefix(g.Generate("x", " Wiki "), "wiki:"))
	assert.NotEqual(t, k1, g.Generate("hello worlds", ""))

	custom := KeyGenerator{DefaultProvider: "search"}
	assert.True(t, strings.HasPrefix(custom.Generate("q", ""), "search:"))
}

func TestKeyGenerator_URLKey(t *testing.T) {
	g := KeyGenerator{}
	a := g.URLKey("HTTPS://Example.com:443/Docs/?b=2&a=1#frag")
	b := g.URLKey("https://example.com/Docs?a=1&b=2")
	assert.Equal(t, a, b)
	assert.True(t, strings.HasPrefix(a, URLProvider+":"))

	assert.NotEqual(t, a, g.URLKey("https://example.com/docs?a=1&b=2"), "paths are case-sensitive")
}

// --- LRU ---

func TestLRU_TTLExpiry(t *testing.T) {
	c, clock := newTestLRU(10, 0)
	c.Set("k", "v", time.Minute)

	clock.Advance(59 * time.Second)
	v, ok := c.Get("k")
	require.True(t, ok)
	assert.Equal(t, "v", v)

	clock.Advance(time.Second)
	_, ok = c.Get("k")
	assert.False(t, ok, "entry is absent once its TTL has elapsed")
	assert.Equal(t, 0, c.Len(), "expired entry is deleted on access")

	st := c.Stats()
	assert.Equal(t, int64(1), st.Hits)
	assert.Equal(t, int64(1), st.Misses)
	assert.Equal(t, int64(1), st.Expired)
}

func TestLRU_ZeroTTLNeverExpires(t *testing.T) {
	c, clock := newTestLRU(10, 0)
	c.Set("k", "v", 0)
	clock.Advance(24 * 365 * time.Hour)
	_, ok := c.Get("k")
	assert.True(t, ok)
}

func TestLRU_EvictionScenario(t *testing.T) {
	c, clock := newTestLRU(2, 0)

	c.Set("A", "a", time.Hour)
	clock.Advance(10 * time.Minute)
	c.Set("B", "b", time.Hour)
	for i := 0; i < 5; i++ {
		_, ok := c.Get("B")
		require.True(t, ok)
	}

	c.Set("C", "c", time.Hour)

	_, ok := c.Peek("A")
	assert.False(t, ok, "A has the lowest hits/(age+1) score")
	_, ok = c.Peek("B")
	assert.True(t, ok)
	_, ok = c.Peek("C")
	assert.True(t, ok)
	assert.Equal(t, 2, c.Len())
	assert.Equal(t, int64(1), c.Stats().Evictions)
}

func TestLRU_EvictionPrefersLowScoreOverAge(t *testing.T) {
	c, clock := newTestLRU(2, 0)

	c.Set("old-popular", "x", 0)
	for i := 0; i < 100; i++ {
		c.Get("old-popular")
	}
	clock.Advance(10 * time.Second)
	c.Set("young-unused", "y", 0)
	clock.Advance(time.Second)

	c.Set("new", "z", 0)
	_, ok := c.Peek("old-popular")
	assert.True(t, ok, "100 hits over 11s outscores 0 hits")
	_, ok = c.Peek("young-unused")
	assert.False(t, ok)
}

func TestLRU_EvictionTieGoesToOldest(t *testing.T) {
	c, clock := newTestLRU(2, 0)
	c.Set("first", "1", 0)
	clock.Advance(time.Second)
	c.Set("second", "2", 0)
	clock.Advance(time.Second)

	// Both have zero hits, so both score 0.
	c.Set("third", "3", 0)
	_, ok := c.Peek("first")
	assert.False(t, ok)
	_, ok = c.Peek("second")
	assert.True(t, ok)
}

func TestLRU_SizeNeverExceedsMax(t *testing.T) {
	c, clock := newTestLRU(5, 0)
	for i := 0; i < 50; i++ {
		c.Set(strings.Repeat("k", i+1), "v", time.Hour)
		clock.Advance(time.Millisecond)
		assert.LessOrEqual(t, c.Len(), 5)
	}
}

func TestLRU_ReplaceKeepsHits(t *testing.T) {
	c, clock := newTestLRU(2, 0)
	c.Set("k", "v1", time.Minute)
	c.Get("k")
	c.Get("k")
	clock.Advance(50 * time.Second)

	c.Set("k", "v2", time.Minute)
	e, ok := c.Peek("k")
	require.True(t, ok)
	assert.Equal(t, "v2", e.Value)
	assert.Equal(t, int64(2), e.Hits)
	assert.Equal(t, clock.Now(), e.CreatedAt, "replacing restarts the TTL")
	assert.Equal(t, int64(0), c.Stats().Evictions)
}

func TestLRU_StaleRetention(t *testing.T) {
	c, clock := newTestLRU(10, time.Hour)
	c.Set("k", "v", time.Minute)

	clock.Advance(2 * time.Minute)
	_, ok := c.Get("k")
	assert.False(t, ok, "expired entries are misses")

	e, ok := c.Peek("k")
	require.True(t, ok, "but stay peekable within the stale window")
	assert.Equal(t, "v", e.Value)
	assert.True(t, e.Expired(clock.Now()))

	clock.Advance(time.Hour)
	_, ok = c.Peek("k")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len())
}

func TestLRU_Prune(t *testing.T) {
	c, clock := newTestLRU(10, time.Minute)
	c.Set("short", "1", time.Second)
	c.Set("long", "2", time.Hour)
	c.Set("forever", "3", 0)

	clock.Advance(30 * time.Second)
	assert.Equal(t, 0, c.Prune(), "short is expired but still within the stale window")

	clock.Advance(time.Minute)
	assert.Equal(t, 1, c.Prune())
	assert.Equal(t, 2, c.Len())
}

func TestLRU_DeleteAndEntries(t *testing.T) {
	c, _ := newTestLRU(10, 0)
	c.Set("a", "1", 0)
	c.Set("b", "2", 0)

	assert.True(t, c.Delete("a"))
	assert.False(t, c.Delete("a"))

	entries := c.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, "b", entries[0].Key)
}

func TestLRU_LoadKeepsMetadataAndSkipsDead(t *testing.T) {
	c, clock := newTestLRU(2, 0)
	now := clock.Now()
	loaded := c.Load([]models.CacheEntry[string]{
		{Key: "live", Value: "1", CreatedAt: now.Add(-time.Minute), TTL: time.Hour, Hits: 7},
		{Key: "dead", Value: "2", CreatedAt: now.Add(-2 * time.Hour), TTL: time.Hour},
		{Key: "other", Value: "3", CreatedAt: now, TTL: 0},
	})
	assert.Equal(t, 2, loaded)

	e, ok := c.Peek("live")
	require.True(t, ok)
	assert.Equal(t, int64(7), e.Hits)
	assert.Equal(t, now.Add(-time.Minute), e.CreatedAt)
	_, ok = c.Peek("dead")
	assert.False(t, ok)
}

// --- TTLManager ---

func TestTTLManager_FirstMatchWins(t *testing.T) {
	m, err := NewTTLManager(time.Hour, []config.TTLRule{
		{Pattern: `^https://news\.`, TTL: time.Minute},
		{Pattern: "", TTL: time.Second}, // ignored
		{Pattern: `\.pdf$`, TTL: 24 * time.Hour},
		{Pattern: `news`, TTL: 5 * time.Minute},
	})
	require.NoError(t, err)

	assert.Equal(t, time.Minute, m.TTLFor("https://news.example.com/a.pdf"))
	assert.Equal(t, 24*time.Hour, m.TTLFor("https://docs.example.com/manual.pdf"))
	assert.Equal(t, 5*time.Minute, m.TTLFor("https://example.com/news"))
	assert.Equal(t, time.Hour, m.TTLFor("https://example.com/"))
	assert.Equal(t, time.Hour, m.Default())
}

func TestTTLManager_InvalidPattern(t *testing.T) {
	_, err := NewTTLManager(time.Hour, []config.TTLRule{{Pattern: "([", TTL: time.Minute}})
	assert.ErrorIs(t, err, utils.ErrConfigValidation)
}

// --- Manager ---

func testCacheConfig() config.CacheConfig {
	cfg := config.Default().Cache
	cfg.MaxSize = 100
	return cfg
}

func newTestManager(t *testing.T, store storage.CacheStore) *Manager[*models.Document] {
	t.Helper()
	m, err := NewManager[*models.Document](testCacheConfig(), store, log.Discard())
	require.NoError(t, err)
	return m
}

func TestManager_SingleProducerUnderConcurrency(t *testing.T) {
	m := newTestManager(t, nil)
	var calls atomic.Int32
	release := make(chan struct{})
	producer := func(ctx context.Context) (*models.Document, error) {
		calls.Add(1)
		<-release
		return &models.Document{URL: "https://example.com", Body: []byte("body")}, nil
	}

	const callers = 20
	var wg sync.WaitGroup
	results := make(chan *models.Document, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			doc, _, err := m.GetOrRevalidate(context.Background(), "k", producer, Options{})
			if assert.NoError(t, err) {
				results <- doc
			}
		}()
	}

	// Let every caller reach the in-flight production before it completes.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()
	close(results)

	assert.Equal(t, int32(1), calls.Load())
	n := 0
	for doc := range results {
		n++
		assert.Equal(t, "body", string(doc.Body))
	}
	assert.Equal(t, callers, n)

	doc, fromCache, err := m.GetOrRevalidate(context.Background(), "k", producer, Options{})
	require.NoError(t, err)
	assert.True(t, fromCache)
	assert.Equal(t, "body", string(doc.Body))
	assert.Equal(t, int32(1), calls.Load())
}

func TestManager_ForceRevalidates(t *testing.T) {
	m := newTestManager(t, nil)
	var calls atomic.Int32
	producer := func(ctx context.Context) (*models.Document, error) {
		n := calls.Add(1)
		return &models.Document{StatusCode: 200 + int(n)}, nil
	}

	doc, fromCache, err := m.GetOrRevalidate(context.Background(), "k", producer, Options{})
	require.NoError(t, err)
	assert.False(t, fromCache)
	assert.Equal(t, 201, doc.StatusCode)

	doc, fromCache, err = m.GetOrRevalidate(context.Background(), "k", producer, Options{Force: true})
	require.NoError(t, err)
	assert.False(t, fromCache)
	assert.Equal(t, 202, doc.StatusCode)

	cached, ok := m.Get("k")
	require.True(t, ok)
	assert.Equal(t, 202, cached.StatusCode)
}

func TestManager_ProducerErrorNotCached(t *testing.T) {
	m := newTestManager(t, nil)
	boom := errors.New("boom")
	_, _, err := m.GetOrRevalidate(context.Background(), "k", func(ctx context.Context) (*models.Document, error) {
		return nil, boom
	}, Options{})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 0, m.Len())
}

func TestManager_CallerCancellation(t *testing.T) {
	m := newTestManager(t, nil)
	release := make(chan struct{})
	defer close(release)

	go func() {
		_, _, _ = m.GetOrRevalidate(context.Background(), "k", func(ctx context.Context) (*models.Document, error) {
			<-release
			return &models.Document{}, nil
		}, Options{})
	}()
	time.Sleep(20 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, _, err := m.GetOrRevalidate(ctx, "k", func(ctx context.Context) (*models.Document, error) {
		t.Error("second producer must not run while the first is in flight")
		return nil, nil
	}, Options{})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func (m *Manager[V]) waiters(key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if f := m.flights[key]; f != nil {
		return f.waiters
	}
	return 0
}

func TestManager_SurvivingCallerGetsValue(t *testing.T) {
	m := newTestManager(t, nil)
	started := make(chan struct{})
	release := make(chan struct{})
	producer := func(ctx context.Context) (*models.Document, error) {
		close(started)
		select {
		case <-release:
			return &models.Document{Body: []byte("shared")}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	ctxA, cancelA := context.WithCancel(context.Background())
	errA := make(chan error, 1)
	go func() {
		_, _, err := m.GetOrRevalidate(ctxA, "k", producer, Options{})
		errA <- err
	}()
	<-started

	type result struct {
		doc *models.Document
		err error
	}
	resB := make(chan result, 1)
	go func() {
		doc, _, err := m.GetOrRevalidate(context.Background(), "k", producer, Options{})
		resB <- result{doc, err}
	}()
	require.Eventually(t, func() bool { return m.waiters("k") == 2 }, time.Second, time.Millisecond)

	cancelA()
	assert.ErrorIs(t, <-errA, context.Canceled)

	close(release)
	got := <-resB
	require.NoError(t, got.err)
	assert.Equal(t, "shared", string(got.doc.Body))

	cached, ok := m.Get("k")
	require.True(t, ok)
	assert.Equal(t, "shared", string(cached.Body))
}

func TestManager_AbandonedProducerIsCanceled(t *testing.T) {
	m := newTestManager(t, nil)
	started := make(chan struct{})
	stopped := make(chan error, 1)

	ctx, cancel := context.WithCancel(context.Background())
	errs := make(chan error, 1)
	go func() {
		_, _, err := m.GetOrRevalidate(ctx, "k", func(ctx context.Context) (*models.Document, error) {
			close(started)
			<-ctx.Done()
			stopped <- ctx.Err()
			return nil, ctx.Err()
		}, Options{})
		errs <- err
	}()
	<-started
	cancel()

	assert.ErrorIs(t, <-errs, context.Canceled)
	select {
	case err := <-stopped:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("producer kept running after its last caller left")
	}

	// The key is free again; a new caller starts a fresh producer.
	doc, fromCache, err := m.GetOrRevalidate(context.Background(), "k", func(ctx context.Context) (*models.Document, error) {
		return &models.Document{Body: []byte("fresh")}, nil
	}, Options{})
	require.NoError(t, err)
	assert.False(t, fromCache)
	assert.Equal(t, "fresh", string(doc.Body))
}

func TestManager_TTLOptions(t *testing.T) {
	cfg := testCacheConfig()
	cfg.TTLRules = []config.TTLRule{{Pattern: `/live/`, TTL: time.Second}}
	m, err := NewManager[string](cfg, nil, log.Discard())
	require.NoError(t, err)

	m.Set("a", "x", Options{Subject: "https://example.com/live/feed"})
	e, ok := m.Peek("a")
	require.True(t, ok)
	assert.Equal(t, time.Second, e.TTL)

	m.Set("b", "x", Options{TTL: 3 * time.Minute, Subject: "https://example.com/live/feed"})
	e, _ = m.Peek("b")
	assert.Equal(t, 3*time.Minute, e.TTL)

	m.Set("c", "x", Options{})
	e, _ = m.Peek("c")
	assert.Equal(t, cfg.TTL, e.TTL)
}

func TestManager_PersistAndRestore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.json")
	ctx := context.Background()

	src := newTestManager(t, storage.NewFileStore(path, log.Discard()))
	src.Set("a", &models.Document{URL: "https://example.com/a", Body: []byte("A"), StatusCode: 200}, Options{})
	src.Set("b", &models.Document{URL: "https://example.com/b", Body: []byte("B"), StatusCode: 200}, Options{TTL: 2 * time.Hour})
	src.Get("a")
	require.NoError(t, src.Persist(ctx))

	dst := newTestManager(t, storage.NewFileStore(path, log.Discard()))
	n, err := dst.Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	doc, ok := dst.Get("a")
	require.True(t, ok)
	assert.Equal(t, "A", string(doc.Body))
	assert.Equal(t, "https://example.com/a", doc.URL)

	e, ok := dst.Peek("b")
	require.True(t, ok)
	assert.Equal(t, 2*time.Hour, e.TTL)
	ea, _ := dst.Peek("a")
	assert.Equal(t, int64(2), ea.Hits, "one hit before persisting plus one after restoring")
}

func TestManager_RestoreWithoutSnapshot(t *testing.T) {
	m := newTestManager(t, storage.NewFileStore(filepath.Join(t.TempDir(), "none.json"), log.Discard()))
	n, err := m.Restore(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestManager_NoStoreIsNoop(t *testing.T) {
	m := newTestManager(t, nil)
	assert.NoError(t, m.Persist(context.Background()))
	n, err := m.Restore(context.Background())
	assert.NoError(t, err)
	assert.Zero(t, n)
	assert.NoError(t, m.Close())
}

func TestManager_PersistFailureIsTyped(t *testing.T) {
	dir := t.TempDir()
	// A path under an existing regular file cannot be created.
	blocker := filepath.Join(dir, "blocker")
	require.NoError(t, storage.NewFileStore(blocker, log.Discard()).Save(context.Background(), &models.CacheSnapshot{}))

	m := newTestManager(t, storage.NewFileStore(filepath.Join(blocker, "cache.json"), log.Discard()))
	m.Set("a", &models.Document{}, Options{})
	err := m.Persist(context.Background())

	var persistErr *utils.CachePersistenceError
	require.ErrorAs(t, err, &persistErr)
	assert.Equal(t, 1, m.Len(), "in-memory cache is unaffected")
}

func TestManager_BackgroundLoopsStop(t *testing.T) {
	cfg := testCacheConfig()
	cfg.PruneInterval = time.Millisecond
	cfg.Persistence.AutosaveInterval = time.Millisecond
	path := filepath.Join(t.TempDir(), "cache.json")
	m, err := NewManager[string](cfg, storage.NewFileStore(path, log.Discard()), log.Discard())
	require.NoError(t, err)
	m.Set("k", "v", Options{})

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); m.RunJanitor(ctx) }()
	go func() { defer wg.Done(); m.RunAutosave(ctx) }()

	require.Eventually(t, func() bool {
		_, err := storage.NewFileStore(path, log.Discard()).Load(context.Background())
		return err == nil
	}, 2*time.Second, 5*time.Millisecond, "autosave writes a snapshot")

	cancel()
	wg.Wait()
}
