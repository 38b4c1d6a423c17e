package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/Sriram-PR/resilient-fetch/pkg/utils"
)

// Validate checks AppConfig fields and applies sensible defaults.
// Returns collected warnings and any fatal error.
// Modifies receiver in place to apply defaults.
func (c *AppConfig) Validate() (warnings []string, err error) {
	if c.UserAgent == "" {
		c.UserAgent = Default().UserAgent
	}

	warnings = append(warnings, c.validateSemaphore()...)
	warnings = append(warnings, c.validateRateLimiter()...)

	w, err := c.validateRobots()
	warnings = append(warnings, w...)
	if err != nil {
		return warnings, err
	}

	w, err = c.validateRetry()
	warnings = append(warnings, w...)
	if err != nil {
		return warnings, err
	}

	w, err = c.validateCache()
	warnings = append(warnings, w...)
	if err != nil {
		return warnings, err
	}

	warnings = append(warnings, c.validateAdaptive()...)

	w, err = c.validateFallback()
	warnings = append(warnings, w...)
	if err != nil {
		return warnings, err
	}

	c.validateHTTPClientSettings()
	c.validateServer()

	return warnings, nil
}

func (c *AppConfig) validateSemaphore() (warnings []string) {
	s := &c.Semaphore
	if s.MaxConcurrency <= 0 {
		warnings = append(warnings, "semaphore.max_concurrency should be > 0, defaulting to 10")
		s.MaxConcurrency = 10
	}
	if s.AcquireTimeout <= 0 {
		s.AcquireTimeout = 30 * time.Second
	}
	if s.MaxPerHost < 0 {
		warnings = append(warnings, "semaphore.max_per_host cannot be negative, disabling per-host cap")
		s.MaxPerHost = 0
	}
	if c.Queue.AgingThreshold < 0 {
		warnings = append(warnings, "queue.aging_threshold cannot be negative, disabling aging")
		c.Queue.AgingThreshold = 0
	}
	return warnings
}

func (c *AppConfig) validateRateLimiter() (warnings []string) {
	r := &c.RateLimiter
	if r.DefaultInterval < 0 {
		warnings = append(warnings, "rate_limiter.default_interval cannot be negative, setting to 0")
		r.DefaultInterval = 0
	}
	for domain, interval := range r.PerDomainOverrides {
		if interval < 0 {
			warnings = append(warnings, fmt.Sprintf("rate_limiter.per_domain_overrides[%s] is negative, removing override", domain))
			delete(r.PerDomainOverrides, domain)
		}
	}
	if r.IdleEviction <= 0 {
		r.IdleEviction = 10 * time.Minute
	}
	return warnings
}

func (c *AppConfig) validateRobots() (warnings []string, err error) {
	r := &c.Robots
	if r.CacheTTL <= 0 {
		r.CacheTTL = time.Hour
	}
	if r.Timeout <= 0 {
		r.Timeout = 10 * time.Second
	}
	r.OnFetchError = strings.ToLower(strings.TrimSpace(r.OnFetchError))
	switch r.OnFetchError {
	case "":
		r.OnFetchError = OnFetchErrorAllow
	case OnFetchErrorAllow, OnFetchErrorDeny:
	default:
		return warnings, fmt.Errorf("%w: robots.on_fetch_error must be 'allow' or 'deny', got %q", utils.ErrConfigValidation, r.OnFetchError)
	}
	if r.MaxCrawlDelay < 0 {
		warnings = append(warnings, "robots.max_crawl_delay cannot be negative, setting to 0 (uncapped)")
		r.MaxCrawlDelay = 0
	}
	return warnings, nil
}

func (c *AppConfig) validateRetry() (warnings []string, err error) {
	r := &c.Retry
	if r.MaxRetries < 0 {
		warnings = append(warnings, "retry.max_retries cannot be negative, setting to 0")
		r.MaxRetries = 0
	}
	if r.BaseDelay <= 0 {
		r.BaseDelay = time.Second
	}
	if r.MaxDelay <= 0 {
		r.MaxDelay = 30 * time.Second
	}
	if r.BaseDelay > r.MaxDelay {
		warnings = append(warnings, fmt.Sprintf(
			"retry.base_delay (%v) > retry.max_delay (%v), using max_delay for base",
			r.BaseDelay, r.MaxDelay))
		r.BaseDelay = r.MaxDelay
	}
	if r.JitterRatio < 0 || r.JitterRatio > 1 {
		warnings = append(warnings, fmt.Sprintf("retry.jitter_ratio %v outside [0,1], defaulting to 0.2", r.JitterRatio))
		r.JitterRatio = 0.2
	}
	if len(r.RetryableErrorTypes) == 0 {
		r.RetryableErrorTypes = Default().Retry.RetryableErrorTypes
	}
	if _, err := r.RetryableKinds(); err != nil {
		return warnings, err
	}
	return warnings, nil
}

// RetryableKinds parses RetryableErrorTypes into error kinds
func (r RetryConfig) RetryableKinds() ([]utils.ErrorKind, error) {
	kinds := make([]utils.ErrorKind, 0, len(r.RetryableErrorTypes))
	for _, name := range r.RetryableErrorTypes {
		kind, err := utils.ParseErrorKind(name)
		if err != nil {
			return nil, fmt.Errorf("retry.retryable_error_types: %w", err)
		}
		kinds = append(kinds, kind)
	}
	return kinds, nil
}

func (c *AppConfig) validateCache() (warnings []string, err error) {
	cc := &c.Cache
	if cc.TTL <= 0 {
		warnings = append(warnings, "cache.ttl should be > 0, defaulting to 1h")
		cc.TTL = time.Hour
	}
	if cc.MaxSize <= 0 {
		warnings = append(warnings, "cache.max_size should be > 0, defaulting to 1000")
		cc.MaxSize = 1000
	}
	if cc.StaleRetention < 0 {
		warnings = append(warnings, "cache.stale_retention cannot be negative, setting to 0 (no stale fallback)")
		cc.StaleRetention = 0
	}
	if cc.PruneInterval <= 0 {
		cc.PruneInterval = 5 * time.Minute
	}
	for i, rule := range cc.TTLRules {
		if rule.TTL <= 0 {
			return warnings, fmt.Errorf("%w: cache.ttl_rules[%d] needs a positive ttl", utils.ErrConfigValidation, i)
		}
	}
	patterns := make([]string, 0, len(cc.TTLRules))
	for _, rule := range cc.TTLRules {
		patterns = append(patterns, rule.Pattern)
	}
	if _, err := utils.CompileRegexPatterns(patterns); err != nil {
		return warnings, fmt.Errorf("cache.ttl_rules: %w", err)
	}

	p := &cc.Persistence
	p.Backend = strings.ToLower(strings.TrimSpace(p.Backend))
	switch p.Backend {
	case "":
		p.Backend = BackendNone
	case BackendNone:
	case BackendFile:
		if p.Path == "" {
			warnings = append(warnings, "cache.persistence.path is empty, defaulting to './fetchd_cache.json'")
			p.Path = "./fetchd_cache.json"
		}
	case BackendBadger:
		if p.Path == "" {
			warnings = append(warnings, "cache.persistence.path is empty, defaulting to './fetchd_cache_db'")
			p.Path = "./fetchd_cache_db"
		}
	case BackendRedis:
		if p.RedisAddr == "" {
			return warnings, fmt.Errorf("%w: cache.persistence.redis_addr is required for the redis backend", utils.ErrConfigValidation)
		}
		if p.RedisKeyPrefix == "" {
			p.RedisKeyPrefix = "fetchd:cache:"
		}
	default:
		return warnings, fmt.Errorf("%w: %q", utils.ErrUnsupportedBackend, p.Backend)
	}
	if p.AutosaveInterval < 0 {
		warnings = append(warnings, "cache.persistence.autosave_interval cannot be negative, disabling autosave")
		p.AutosaveInterval = 0
	}
	return warnings, nil
}

func (c *AppConfig) validateAdaptive() (warnings []string) {
	a := &c.Adaptive
	if a.Min <= 0 {
		a.Min = 1
	}
	if a.Max <= 0 {
		a.Max = c.Semaphore.MaxConcurrency * 5
	}
	if a.Min > a.Max {
		warnings = append(warnings, fmt.Sprintf(
			"adaptive_concurrency.min (%d) > max (%d), using max for min", a.Min, a.Max))
		a.Min = a.Max
	}
	if a.Initial <= 0 {
		a.Initial = c.Semaphore.MaxConcurrency
	}
	if a.Initial < a.Min || a.Initial > a.Max {
		clamped := min(max(a.Initial, a.Min), a.Max)
		warnings = append(warnings, fmt.Sprintf(
			"adaptive_concurrency.initial (%d) outside [%d,%d], clamping to %d", a.Initial, a.Min, a.Max, clamped))
		a.Initial = clamped
	}
	if a.ScaleUpThreshold <= 0 || a.ScaleUpThreshold > 1 {
		a.ScaleUpThreshold = 0.9
	}
	if a.ScaleDownThreshold < 0 || a.ScaleDownThreshold >= 1 {
		a.ScaleDownThreshold = 0.5
	}
	if a.ScaleDownThreshold >= a.ScaleUpThreshold {
		warnings = append(warnings, fmt.Sprintf(
			"adaptive_concurrency.scale_down_threshold (%v) >= scale_up_threshold (%v), resetting both to 0.5/0.9",
			a.ScaleDownThreshold, a.ScaleUpThreshold))
		a.ScaleDownThreshold, a.ScaleUpThreshold = 0.5, 0.9
	}
	if a.AdjustmentInterval <= 0 {
		a.AdjustmentInterval = 5 * time.Second
	}
	if a.StepRatio <= 0 || a.StepRatio > 1 {
		a.StepRatio = 0.1
	}
	if a.WindowSize <= 0 {
		a.WindowSize = 100
	}
	if a.WindowAge <= 0 {
		a.WindowAge = time.Minute
	}
	if a.MinSamples <= 0 {
		a.MinSamples = 1
	}
	if a.LatencyThreshold < 0 {
		a.LatencyThreshold = 0
	}
	return warnings
}

func (c *AppConfig) validateFallback() (warnings []string, err error) {
	f := &c.Fallback
	if len(f.Order) == 0 {
		f.Order = []string{TierCache, TierArchive}
	}
	seen := make(map[string]bool, len(f.Order))
	order := f.Order[:0]
	for _, tier := range f.Order {
		tier = strings.ToLower(strings.TrimSpace(tier))
		switch tier {
		case TierCache, TierArchive:
		default:
			return warnings, fmt.Errorf("%w: fallback.order: %q", utils.ErrUnknownFallbackTier, tier)
		}
		if seen[tier] {
			warnings = append(warnings, fmt.Sprintf("fallback.order lists %q twice, ignoring duplicate", tier))
			continue
		}
		seen[tier] = true
		order = append(order, tier)
	}
	f.Order = order
	if f.CacheTimeout <= 0 {
		f.CacheTimeout = 2 * time.Second
	}
	if f.WaybackTimeout <= 0 {
		f.WaybackTimeout = 15 * time.Second
	}
	if f.WaybackBaseURL == "" {
		f.WaybackBaseURL = "https://archive.org"
	}
	if f.WaybackWebURL == "" {
		f.WaybackWebURL = "https://web.archive.org"
	}
	return warnings, nil
}

// validateHTTPClientSettings applies defaults to HTTP client settings.
func (c *AppConfig) validateHTTPClientSettings() {
	h := &c.HTTPClientSettings
	if h.Timeout <= 0 {
		h.Timeout = 45 * time.Second
	}
	if h.MaxIdleConns <= 0 {
		h.MaxIdleConns = 100
	}
	if h.MaxIdleConnsPerHost <= 0 {
		h.MaxIdleConnsPerHost = 2
	}
	if h.IdleConnTimeout <= 0 {
		h.IdleConnTimeout = 90 * time.Second
	}
	if h.TLSHandshakeTimeout <= 0 {
		h.TLSHandshakeTimeout = 10 * time.Second
	}
	if h.ExpectContinueTimeout <= 0 {
		h.ExpectContinueTimeout = 1 * time.Second
	}
	if h.DialerTimeout <= 0 {
		h.DialerTimeout = 15 * time.Second
	}
	if h.DialerKeepAlive <= 0 {
		h.DialerKeepAlive = 30 * time.Second
	}
	if h.MaxBodyBytes <= 0 {
		h.MaxBodyBytes = 10 << 20
	}
}

func (c *AppConfig) validateServer() {
	s := &c.Server
	if s.Addr == "" {
		s.Addr = ":8080"
	}
	if s.ReadHeaderTimeout <= 0 {
		s.ReadHeaderTimeout = 10 * time.Second
	}
	if s.ShutdownTimeout <= 0 {
		s.ShutdownTimeout = 30 * time.Second
	}
	if s.MaxBatchSize <= 0 {
		s.MaxBatchSize = 100
	}
}
