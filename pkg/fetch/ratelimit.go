package fetch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/Sriram-PR/resilient-fetch/pkg/config"
	"github.com/Sriram-PR/resilient-fetch/pkg/models"
	"github.com/Sriram-PR/resilient-fetch/pkg/utils"
)

// domainEntry is the politeness state of one host.
type domainEntry struct {
	limiter    *rate.Limiter
	base       time.Duration // configured interval
	crawlDelay time.Duration // robots.txt override, already capped
	lastAt     time.Time     // last granted request
	waiting    int
}

func (e *domainEntry) interval() time.Duration {
	return max(e.base, e.crawlDelay)
}

// DomainRateLimiter spaces requests to the same host by at least the host's interval.
// Different hosts never wait on each other.
type DomainRateLimiter struct {
	mu      sync.Mutex
	entries map[string]*domainEntry
	cfg     config.RateLimiter
	robots  config.RobotsConfig
	log     *logrus.Entry
}

// NewDomainRateLimiter creates a limiter with the configured default and per-domain intervals.
func NewDomainRateLimiter(cfg config.RateLimiter, robots config.RobotsConfig, log *logrus.Entry) *DomainRateLimiter {
	return &DomainRateLimiter{
		entries: make(map[string]*domainEntry),
		cfg:     cfg,
		robots:  robots,
		log:     log.WithField("component", "rate_limiter"),
	}
}

func limitFor(interval time.Duration) rate.Limit {
	if interval <= 0 {
		return rate.Inf
	}
	return rate.Every(interval)
}

// entryLocked returns the entry for domain, creating it on first use.
func (l *DomainRateLimiter) entryLocked(domain string) *domainEntry {
	entry, ok := l.entries[domain]
	if !ok {
		base := l.cfg.IntervalFor(domain)
		entry = &domainEntry{
			limiter: rate.NewLimiter(limitFor(base), 1),
			base:    base,
		}
		l.entries[domain] = entry
		l.log.WithFields(logrus.Fields{"domain": domain, "interval": base}).Trace("Created domain limiter")
	}
	return entry
}

// Schedule blocks until a request to domain may start, then records it as started.
// It only fails when ctx ends first, with a *utils.RateLimitWaitError.
func (l *DomainRateLimiter) Schedule(ctx context.Context, domain string) error {
	l.mu.Lock()
	entry := l.entryLocked(domain)
	entry.waiting++
	l.mu.Unlock()

	start := time.Now()
	err := entry.limiter.Wait(ctx)

	l.mu.Lock()
	entry.waiting--
	if err == nil {
		entry.lastAt = time.Now()
	}
	l.mu.Unlock()

	if err != nil {
		cause := ctx.Err()
		if cause == nil {
			// The limiter refuses early when the wait would outlive the deadline.
			cause = fmt.Errorf("%w: %v", context.DeadlineExceeded, err)
		}
		return &utils.RateLimitWaitError{Domain: domain, Err: cause}
	}
	if waited := time.Since(start); waited > time.Millisecond {
		l.log.WithFields(logrus.Fields{"domain": domain, "waited": waited}).Trace("Politeness delay applied")
	}
	return nil
}

// SetCrawlDelay applies a robots.txt Crawl-delay to domain. The effective interval
// is the larger of the configured interval and the delay, capped at MaxCrawlDelay.
// Ignored when crawl delays are not respected.
func (l *DomainRateLimiter) SetCrawlDelay(domain string, delay time.Duration) {
	if !l.robots.RespectCrawlDelay || delay < 0 {
		return
	}
	if l.robots.MaxCrawlDelay > 0 && delay > l.robots.MaxCrawlDelay {
		l.log.WithFields(logrus.Fields{"domain": domain, "crawl_delay": delay, "cap": l.robots.MaxCrawlDelay}).
			Debug("Crawl-delay above cap, clamping")
		delay = l.robots.MaxCrawlDelay
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	entry := l.entryLocked(domain)
	if entry.crawlDelay == delay {
		return
	}
	entry.crawlDelay = delay
	entry.limiter.SetLimit(limitFor(entry.interval()))
}

// State returns the politeness state of domain. Unknown domains report their configured interval.
func (l *DomainRateLimiter) State(domain string) models.DomainState {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry, ok := l.entries[domain]
	if !ok {
		return models.DomainState{MinInterval: l.cfg.IntervalFor(domain)}
	}
	return models.DomainState{
		LastRequestAt:      entry.lastAt,
		MinInterval:        entry.interval(),
		CrawlDelayOverride: entry.crawlDelay,
	}
}

// Len returns the number of tracked domains.
func (l *DomainRateLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// RunEviction periodically forgets domains idle longer than the configured threshold.
// Should be run in a goroutine.
func (l *DomainRateLimiter) RunEviction(ctx context.Context) {
	idle := l.cfg.IdleEviction
	if idle <= 0 {
		return
	}
	ticker := time.NewTicker(idle / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.evictIdle(idle)
		case <-ctx.Done():
			l.log.Debugf("Stopping domain limiter eviction: %v", ctx.Err())
			return
		}
	}
}

// evictIdle drops entries whose last request is older than maxIdle and that have
// nobody waiting. Crawl-delay overrides go with them and are re-learned from robots.txt.
func (l *DomainRateLimiter) evictIdle(maxIdle time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	evicted := 0
	for domain, entry := range l.entries {
		if entry.waiting == 0 && now.Sub(entry.lastAt) >= max(maxIdle, entry.interval()) {
			delete(l.entries, domain)
			evicted++
		}
	}
	if evicted > 0 {
		l.log.Debugf("Evicted %d idle domain limiters, %d remain", evicted, len(l.entries))
	}
	return evicted
}
