package fetch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sriram-PR/resilient-fetch/pkg/config"
	"github.com/Sriram-PR/resilient-fetch/pkg/log"
	"github.com/Sriram-PR/resilient-fetch/pkg/utils"
)

func newTestRateLimiter(interval time.Duration) *DomainRateLimiter {
	cfg := config.RateLimiter{DefaultInterval: interval, IdleEviction: time.Minute}
	robots := config.RobotsConfig{RespectCrawlDelay: true, MaxCrawlDelay: time.Second}
	return NewDomainRateLimiter(cfg, robots, log.Discard())
}

func TestSchedule_FirstRequestIsImmediate(t *testing.T) {
	rl := newTestRateLimiter(time.Second)
	start := time.Now()
	require.NoError(t, rl.Schedule(context.Background(), "example.com"))
	assert.Less(t, time.Since(start), 50*time.Millisecond)
	assert.False(t, rl.State("example.com").LastRequestAt.IsZero())
}

func TestSchedule_SameDomainIsSpaced(t *testing.T) {
	const interval = 100 * time.Millisecond
	rl := newTestRateLimiter(interval)
	ctx := context.Background()

	var starts []time.Time
	for i := 0; i < 3; i++ {
		require.NoError(t, rl.Schedule(ctx, "example.com"))
		starts = append(starts, time.Now())
	}
	for i := 1; i < len(starts); i++ {
		gap := starts[i].Sub(starts[i-1])
		// Small tolerance for timer granularity.
		assert.GreaterOrEqual(t, gap, interval-10*time.Millisecond, "gap %d", i)
	}
}

func TestSchedule_DifferentDomainsAreIndependent(t *testing.T) {
	rl := newTestRateLimiter(500 * time.Millisecond)
	ctx := context.Background()
	require.NoError(t, rl.Schedule(ctx, "a.example"))

	start := time.Now()
	var wg sync.WaitGroup
	for _, d := range []string{"b.example", "c.example", "d.example"} {
		wg.Add(1)
		go func(domain string) {
			defer wg.Done()
			assert.NoError(t, rl.Schedule(ctx, domain))
		}(d)
	}
	wg.Wait()
	assert.Less(t, time.Since(start), 100*time.Millisecond)
	assert.Equal(t, 4, rl.Len())
}

func TestSchedule_ConcurrentSameDomain(t *testing.T) {
	const interval = 50 * time.Millisecond
	rl := newTestRateLimiter(interval)

	var mu sync.Mutex
	var starts []time.Time
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if assert.NoError(t, rl.Schedule(context.Background(), "example.com")) {
				mu.Lock()
				starts = append(starts, time.Now())
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Len(t, starts, 4)
	first, last := starts[0], starts[0]
	for _, s := range starts {
		if s.Before(first) {
			first = s
		}
		if s.After(last) {
			last = s
		}
	}
	assert.GreaterOrEqual(t, last.Sub(first), 3*interval-20*time.Millisecond)
}

func TestSchedule_CanceledContext(t *testing.T) {
	rl := newTestRateLimiter(5 * time.Second)
	require.NoError(t, rl.Schedule(context.Background(), "example.com"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	err := rl.Schedule(ctx, "example.com")
	assert.Less(t, time.Since(start), 100*time.Millisecond)

	var waitErr *utils.RateLimitWaitError
	require.ErrorAs(t, err, &waitErr)
	assert.Equal(t, "example.com", waitErr.Domain)
	assert.ErrorIs(t, err, utils.ErrRateLimitWait)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, utils.KindRateLimitWait, utils.KindOf(err))
}

func TestSchedule_DeadlineShorterThanWait(t *testing.T) {
	rl := newTestRateLimiter(5 * time.Second)
	require.NoError(t, rl.Schedule(context.Background(), "example.com"))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := rl.Schedule(ctx, "example.com")
	assert.ErrorIs(t, err, utils.ErrRateLimitWait)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPerDomainOverride(t *testing.T) {
	cfg := config.RateLimiter{
		DefaultInterval:    time.Second,
		PerDomainOverrides: map[string]time.Duration{"fast.example": 0},
	}
	rl := NewDomainRateLimiter(cfg, config.RobotsConfig{}, log.Discard())

	start := time.Now()
	for i := 0; i < 5; i++ {
		require.NoError(t, rl.Schedule(context.Background(), "fast.example"))
	}
	assert.Less(t, time.Since(start), 100*time.Millisecond)
	assert.Equal(t, time.Duration(0), rl.State("fast.example").MinInterval)
	assert.Equal(t, time.Second, rl.State("other.example").MinInterval)
}

func TestSetCrawlDelay(t *testing.T) {
	rl := newTestRateLimiter(100 * time.Millisecond)

	rl.SetCrawlDelay("slow.example", 300*time.Millisecond)
	st := rl.State("slow.example")
	assert.Equal(t, 300*time.Millisecond, st.MinInterval)
	assert.Equal(t, 300*time.Millisecond, st.CrawlDelayOverride)

	// Capped at MaxCrawlDelay.
	rl.SetCrawlDelay("slower.example", time.Hour)
	assert.Equal(t, time.Second, rl.State("slower.example").MinInterval)

	// A delay below the configured interval never shortens it.
	rl.SetCrawlDelay("quick.example", 10*time.Millisecond)
	assert.Equal(t, 100*time.Millisecond, rl.State("quick.example").MinInterval)

	ctx := context.Background()
	require.NoError(t, rl.Schedule(ctx, "slow.example"))
	start := time.Now()
	require.NoError(t, rl.Schedule(ctx, "slow.example"))
	assert.GreaterOrEqual(t, time.Since(start), 250*time.Millisecond)
}

func TestSetCrawlDelay_IgnoredWhenNotRespected(t *testing.T) {
	cfg := config.RateLimiter{DefaultInterval: 100 * time.Millisecond}
	rl := NewDomainRateLimiter(cfg, config.RobotsConfig{RespectCrawlDelay: false}, log.Discard())
	rl.SetCrawlDelay("example.com", 10*time.Second)
	assert.Equal(t, 100*time.Millisecond, rl.State("example.com").MinInterval)
	assert.Zero(t, rl.State("example.com").CrawlDelayOverride)
}

func TestEvictIdle(t *testing.T) {
	rl := newTestRateLimiter(time.Millisecond)
	ctx := context.Background()
	for _, d := range []string{"a.example", "b.example"} {
		require.NoError(t, rl.Schedule(ctx, d))
	}
	require.Equal(t, 2, rl.Len())

	assert.Equal(t, 0, rl.evictIdle(time.Hour), "recently used domains stay")

	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, 2, rl.evictIdle(5*time.Millisecond))
	assert.Equal(t, 0, rl.Len())
}

func TestRunEviction_StopsOnCancel(t *testing.T) {
	rl := newTestRateLimiter(time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		rl.RunEviction(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("RunEviction did not respect context cancellation")
	}
}
