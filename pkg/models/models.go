package models

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/Sriram-PR/resilient-fetch/pkg/utils"
)

// ExecuteFunc performs the actual work of a task. A nil ExecuteFunc means
// "fetch Task.URL with the engine's HTTP fetcher".
type ExecuteFunc func(ctx context.Context) (*Document, error)

// Task is one unit of work submitted to the executor
type Task struct {
	ID        string      // Generated when empty
	Priority  Priority    // Admission band
	Domain    string      // Host used for politeness; derived from URL when empty
	URL       string      // Target URL, required unless Execute is set
	CacheKey  string      // Overrides the URL-derived cache key
	Force     bool        // Bypass the cache and revalidate
	ArchiveAt time.Time   // Target timestamp for archive fallback; zero means now
	Execute   ExecuteFunc // Optional custom work
}

// Validate checks that the task carries enough information to be executed
func (t *Task) Validate() error {
	if t == nil {
		return utils.WrapErrorf(utils.ErrInvalidTask, "nil task")
	}
	if t.URL == "" && t.Execute == nil {
		return utils.WrapErrorf(utils.ErrInvalidTask, "task %s has neither URL nor Execute", t.ID)
	}
	if t.URL == "" && t.Domain == "" {
		return utils.WrapErrorf(utils.ErrInvalidTask, "task %s needs a domain when no URL is given", t.ID)
	}
	if !t.Priority.IsValid() {
		return utils.WrapErrorf(utils.ErrInvalidTask, "task %s has invalid priority %d", t.ID, int(t.Priority))
	}
	return nil
}

// Document is the engine's output for a successful (or degraded) fetch
type Document struct {
	URL         string      `json:"url"`
	FinalURL    string      `json:"final_url,omitempty"` // After redirects
	StatusCode  int         `json:"status_code"`
	Header      http.Header `json:"header,omitempty"`
	Body        []byte      `json:"body"`
	ContentType string      `json:"content_type,omitempty"`
	FetchedAt   time.Time   `json:"fetched_at"`
	Source      Source      `json:"source,omitempty"`
}

// TaskResult always resolves: success, degraded, or a typed terminal failure.
type TaskResult struct {
	TaskID    string        `json:"task_id"`
	Status    ResultStatus  `json:"status"`
	Value     *Document     `json:"value,omitempty"`
	Err       error         `json:"-"`
	FromCache bool          `json:"from_cache"`
	Source    Source        `json:"source,omitempty"`
	Attempts  int           `json:"attempts"`
	Duration  time.Duration `json:"duration"`
}

// OK is true for success and degraded results
func (r TaskResult) OK() bool {
	return r.Status == ResultSuccess || r.Status == ResultDegraded
}

// SemaphoreState is a point-in-time view of a semaphore
type SemaphoreState struct {
	MaxConcurrency int64 `json:"max_concurrency"`
	Available      int64 `json:"available"`
	InFlight       int64 `json:"in_flight"`
	Waiting        int   `json:"waiting"`
	TotalAcquired  int64 `json:"total_acquired"`
	TotalReleased  int64 `json:"total_released"`
	Anomalies      int64 `json:"anomalies"` // Releases without a matching acquire
}

// DomainState is the politeness state of one host
type DomainState struct {
	LastRequestAt      time.Time     `json:"last_request_at"`
	MinInterval        time.Duration `json:"min_interval"`
	CrawlDelayOverride time.Duration `json:"crawl_delay_override,omitempty"`
}

// RetryContext tracks one task's attempt chain
type RetryContext struct {
	Attempt    int                   // 0-indexed attempt currently running
	MaxRetries int                   // Retries allowed after the first attempt
	History    []utils.AttemptRecord // One record per failed attempt
	NextDelay  time.Duration         // Backoff before the next attempt
}

// RobotsRule is a single allow/disallow line
type RobotsRule struct {
	Path  string `json:"path"`
	Allow bool   `json:"allow"`
}

// RobotsGroup holds the rules that apply to a set of user agents
type RobotsGroup struct {
	UserAgents []string      `json:"user_agents"`
	Rules      []RobotsRule  `json:"rules"`
	CrawlDelay time.Duration `json:"crawl_delay,omitempty"`
}

// ParsedRobotsTxt is the cached robots.txt of one domain
type ParsedRobotsTxt struct {
	Domain     string        `json:"domain"`
	Groups     []RobotsGroup `json:"groups"`
	Sitemaps   []string      `json:"sitemaps,omitempty"`
	StatusCode int           `json:"status_code,omitempty"`
	ParsedAt   time.Time     `json:"parsed_at"`
	ExpiresAt  time.Time     `json:"expires_at"`
	Success    bool          `json:"success"`
	Error      string        `json:"error,omitempty"`
}

// Expired reports whether the entry must be fetched again
func (p *ParsedRobotsTxt) Expired(now time.Time) bool {
	return !now.Before(p.ExpiresAt)
}

// ArchiveSnapshot identifies an archived copy of a URL
type ArchiveSnapshot struct {
	URL         string    `json:"url"` // Raw snapshot URL
	OriginalURL string    `json:"original_url"`
	Timestamp   time.Time `json:"timestamp"`
	StatusCode  int       `json:"status_code,omitempty"`
}

// FallbackResult is what a successful fallback tier produced
type FallbackResult struct {
	Source   Source           `json:"source"`
	Snapshot *ArchiveSnapshot `json:"snapshot,omitempty"`
	Degraded bool             `json:"degraded"`
	Document *Document        `json:"document,omitempty"`
}

// Sample is one outcome observed by the resource monitor
type Sample struct {
	Success  bool
	Duration time.Duration
	At       time.Time
}

// ConcurrencyStats summarises a window of samples
type ConcurrencyStats struct {
	Samples     int           `json:"samples"`
	Successes   int           `json:"successes"`
	SuccessRate float64       `json:"success_rate"`
	AvgLatency  time.Duration `json:"avg_latency"`
}

// CacheEntry is one in-memory cache slot
type CacheEntry[V any] struct {
	Key       string
	Value     V
	CreatedAt time.Time
	TTL       time.Duration // Zero means no expiry
	Hits      int64
}

// Expired reports whether the entry is past its TTL
func (e *CacheEntry[V]) Expired(now time.Time) bool {
	return e.TTL > 0 && now.Sub(e.CreatedAt) >= e.TTL
}

// Score is hits/(ageSeconds+1); the lowest score is evicted first.
func (e *CacheEntry[V]) Score(now time.Time) float64 {
	age := now.Sub(e.CreatedAt).Seconds()
	if age < 0 {
		age = 0
	}
	return float64(e.Hits) / (age + 1)
}

// CacheSnapshotVersion is the current persisted layout version
const CacheSnapshotVersion = 1

// CacheRecord is the persisted form of a cache entry
type CacheRecord struct {
	Key       string          `json:"key"`
	Value     json.RawMessage `json:"value"`
	CreatedAt time.Time       `json:"created_at"`
	TTLMs     int64           `json:"ttl_ms"`
	Hits      int64           `json:"hits"`
}

// CacheSnapshot is the full persisted cache
type CacheSnapshot struct {
	Version int           `json:"version"`
	SavedAt time.Time     `json:"saved_at"`
	Records []CacheRecord `json:"records"`
}
