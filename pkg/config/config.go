package config

import "time"

// AppConfig holds the global application configuration.
// Every field can be set in YAML and overridden by a FETCHD_-prefixed environment variable.
type AppConfig struct {
	LogLevel           string           `yaml:"log_level" env:"LOG_LEVEL"`
	LogFormat          string           `yaml:"log_format" env:"LOG_FORMAT"` // "text" or "json"
	UserAgent          string           `yaml:"user_agent" env:"USER_AGENT"`
	Semaphore          SemaphoreConfig  `yaml:"semaphore" envPrefix:"SEMAPHORE_"`
	Queue              QueueConfig      `yaml:"queue" envPrefix:"QUEUE_"`
	RateLimiter        RateLimiter      `yaml:"rate_limiter" envPrefix:"RATE_LIMITER_"`
	Robots             RobotsConfig     `yaml:"robots" envPrefix:"ROBOTS_"`
	Retry              RetryConfig      `yaml:"retry" envPrefix:"RETRY_"`
	Cache              CacheConfig      `yaml:"cache" envPrefix:"CACHE_"`
	Adaptive           AdaptiveConfig   `yaml:"adaptive_concurrency" envPrefix:"ADAPTIVE_"`
	Fallback           FallbackConfig   `yaml:"fallback" envPrefix:"FALLBACK_"`
	HTTPClientSettings HTTPClientConfig `yaml:"http_client_settings,omitempty" envPrefix:"HTTP_"`
	Server             ServerConfig     `yaml:"server" envPrefix:"SERVER_"`
}

// SemaphoreConfig bounds global and per-host concurrency
type SemaphoreConfig struct {
	MaxConcurrency int64         `yaml:"max_concurrency" env:"MAX_CONCURRENCY"`
	AcquireTimeout time.Duration `yaml:"acquire_timeout" env:"ACQUIRE_TIMEOUT"`
	Fair           bool          `yaml:"fair" env:"FAIR"`                 // TryAcquire fails while waiters are queued
	MaxPerHost     int64         `yaml:"max_per_host" env:"MAX_PER_HOST"` // 0 disables the per-host cap
}

// QueueConfig configures the admission queue
type QueueConfig struct {
	AgingThreshold time.Duration `yaml:"aging_threshold" env:"AGING_THRESHOLD"` // 0 disables aging
}

// RateLimiter configures per-host politeness spacing
type RateLimiter struct {
	DefaultInterval    time.Duration            `yaml:"default_interval" env:"DEFAULT_INTERVAL"`
	PerDomainOverrides map[string]time.Duration `yaml:"per_domain_overrides,omitempty" env:"PER_DOMAIN_OVERRIDES" envKeyValSeparator:"="`
	IdleEviction       time.Duration            `yaml:"idle_eviction" env:"IDLE_EVICTION"` // Forget hosts idle this long
}

// RobotsConfig configures robots.txt compliance
type RobotsConfig struct {
	Enabled           bool          `yaml:"enabled" env:"ENABLED"`
	CacheTTL          time.Duration `yaml:"cache_ttl" env:"CACHE_TTL"`
	Timeout           time.Duration `yaml:"timeout" env:"TIMEOUT"`
	UserAgent         string        `yaml:"user_agent,omitempty" env:"USER_AGENT"` // Defaults to AppConfig.UserAgent
	OnFetchError      string        `yaml:"on_fetch_error" env:"ON_FETCH_ERROR"`   // "allow" or "deny"
	RespectCrawlDelay bool          `yaml:"respect_crawl_delay" env:"RESPECT_CRAWL_DELAY"`
	MaxCrawlDelay     time.Duration `yaml:"max_crawl_delay" env:"MAX_CRAWL_DELAY"`
}

// Robots fetch-error policies
const (
	OnFetchErrorAllow = "allow"
	OnFetchErrorDeny  = "deny"
)

// RetryConfig configures the backoff policy
type RetryConfig struct {
	MaxRetries          int           `yaml:"max_retries" env:"MAX_RETRIES"`
	BaseDelay           time.Duration `yaml:"base_delay" env:"BASE_DELAY"`
	MaxDelay            time.Duration `yaml:"max_delay" env:"MAX_DELAY"`
	JitterRatio         float64       `yaml:"jitter_ratio" env:"JITTER_RATIO"`
	RetryableErrorTypes []string      `yaml:"retryable_error_types" env:"RETRYABLE_ERROR_TYPES"`
}

// CacheConfig configures the content cache
type CacheConfig struct {
	TTL            time.Duration     `yaml:"ttl" env:"TTL"`
	MaxSize        int               `yaml:"max_size" env:"MAX_SIZE"`
	StaleRetention time.Duration     `yaml:"stale_retention" env:"STALE_RETENTION"` // How long expired entries stay available to fallback
	PruneInterval  time.Duration     `yaml:"prune_interval" env:"PRUNE_INTERVAL"`
	TTLRules       []TTLRule         `yaml:"ttl_rules,omitempty"`
	Persistence    PersistenceConfig `yaml:"persistence" envPrefix:"PERSISTENCE_"`
}

// TTLRule assigns a TTL to keys or URLs matching Pattern. First match wins.
type TTLRule struct {
	Pattern string        `yaml:"pattern"`
	TTL     time.Duration `yaml:"ttl"`
}

// PersistenceConfig selects where cache snapshots go
type PersistenceConfig struct {
	Backend          string        `yaml:"backend" env:"BACKEND"` // none, file, badger, redis
	Path             string        `yaml:"path" env:"PATH"`
	BackupPath       string        `yaml:"backup_path,omitempty" env:"BACKUP_PATH"`
	RedisAddr        string        `yaml:"redis_addr,omitempty" env:"REDIS_ADDR"`
	RedisPassword    string        `yaml:"redis_password,omitempty" env:"REDIS_PASSWORD"`
	RedisDB          int           `yaml:"redis_db,omitempty" env:"REDIS_DB"`
	RedisKeyPrefix   string        `yaml:"redis_key_prefix,omitempty" env:"REDIS_KEY_PREFIX"`
	AutosaveInterval time.Duration `yaml:"autosave_interval" env:"AUTOSAVE_INTERVAL"`
	RestoreOnStart   bool          `yaml:"restore_on_start" env:"RESTORE_ON_START"`
}

// Persistence backends
const (
	BackendNone   = "none"
	BackendFile   = "file"
	BackendBadger = "badger"
	BackendRedis  = "redis"
)

// AdaptiveConfig configures the feedback-driven concurrency controller
type AdaptiveConfig struct {
	Enabled            bool          `yaml:"enabled" env:"ENABLED"`
	Initial            int64         `yaml:"initial" env:"INITIAL"`
	Min                int64         `yaml:"min" env:"MIN"`
	Max                int64         `yaml:"max" env:"MAX"`
	ScaleUpThreshold   float64       `yaml:"scale_up_threshold" env:"SCALE_UP_THRESHOLD"`
	ScaleDownThreshold float64       `yaml:"scale_down_threshold" env:"SCALE_DOWN_THRESHOLD"`
	AdjustmentInterval time.Duration `yaml:"adjustment_interval" env:"ADJUSTMENT_INTERVAL"`
	StepRatio          float64       `yaml:"step_ratio" env:"STEP_RATIO"`
	WindowSize         int           `yaml:"window_size" env:"WINDOW_SIZE"`
	WindowAge          time.Duration `yaml:"window_age" env:"WINDOW_AGE"`
	MinSamples         int           `yaml:"min_samples" env:"MIN_SAMPLES"`
	LatencyThreshold   time.Duration `yaml:"latency_threshold,omitempty" env:"LATENCY_THRESHOLD"` // 0 disables the latency guard
}

// FallbackConfig configures the recovery tiers
type FallbackConfig struct {
	Enabled        bool          `yaml:"enabled" env:"ENABLED"`
	Order          []string      `yaml:"order" env:"ORDER"`
	CacheTimeout   time.Duration `yaml:"cache_timeout" env:"CACHE_TIMEOUT"`
	WaybackTimeout time.Duration `yaml:"wayback_timeout" env:"WAYBACK_TIMEOUT"`
	WaybackBaseURL string        `yaml:"wayback_base_url" env:"WAYBACK_BASE_URL"` // archive.org API host
	WaybackWebURL  string        `yaml:"wayback_web_url" env:"WAYBACK_WEB_URL"`   // snapshot content host
}

// Fallback tiers
const (
	TierCache   = "cache"
	TierArchive = "archive"
)

// HTTPClientConfig holds settings for the shared HTTP client
type HTTPClientConfig struct {
	Timeout               time.Duration `yaml:"timeout,omitempty" env:"TIMEOUT"`                                 // Overall request timeout
	MaxIdleConns          int           `yaml:"max_idle_conns,omitempty" env:"MAX_IDLE_CONNS"`                   // Max total idle connections
	MaxIdleConnsPerHost   int           `yaml:"max_idle_conns_per_host,omitempty" env:"MAX_IDLE_CONNS_PER_HOST"` // Max idle connections per host
	IdleConnTimeout       time.Duration `yaml:"idle_conn_timeout,omitempty" env:"IDLE_CONN_TIMEOUT"`
	TLSHandshakeTimeout   time.Duration `yaml:"tls_handshake_timeout,omitempty" env:"TLS_HANDSHAKE_TIMEOUT"`
	ExpectContinueTimeout time.Duration `yaml:"expect_continue_timeout,omitempty" env:"EXPECT_CONTINUE_TIMEOUT"`
	ForceAttemptHTTP2     *bool         `yaml:"force_attempt_http2,omitempty"` // nil=default, true=force, false=disable
	DialerTimeout         time.Duration `yaml:"dialer_timeout,omitempty" env:"DIALER_TIMEOUT"`
	DialerKeepAlive       time.Duration `yaml:"dialer_keep_alive,omitempty" env:"DIALER_KEEP_ALIVE"`
	MaxBodyBytes          int64         `yaml:"max_body_bytes,omitempty" env:"MAX_BODY_BYTES"` // Response bodies are truncated past this size
}

// ServerConfig configures the fetchd HTTP API
type ServerConfig struct {
	Addr              string        `yaml:"addr" env:"ADDR"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" env:"READ_HEADER_TIMEOUT"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
	MaxBatchSize      int           `yaml:"max_batch_size" env:"MAX_BATCH_SIZE"`
}

// Default returns a configuration with every default applied.
// Load decodes YAML on top of it so omitted keys keep these values.
func Default() *AppConfig {
	cfg := &AppConfig{
		LogLevel:  "info",
		LogFormat: "text",
		UserAgent: "resilient-fetch/1.0 (+https://github.com/Sriram-PR/resilient-fetch)",
		Semaphore: SemaphoreConfig{
			MaxConcurrency: 10,
			AcquireTimeout: 30 * time.Second,
			MaxPerHost:     2,
		},
		Queue: QueueConfig{
			AgingThreshold: 30 * time.Second,
		},
		RateLimiter: RateLimiter{
			DefaultInterval: time.Second,
			IdleEviction:    10 * time.Minute,
		},
		Robots: RobotsConfig{
			Enabled:           true,
			CacheTTL:          time.Hour,
			Timeout:           10 * time.Second,
			OnFetchError:      OnFetchErrorAllow,
			RespectCrawlDelay: true,
			MaxCrawlDelay:     30 * time.Second,
		},
		Retry: RetryConfig{
			MaxRetries:          3,
			BaseDelay:           time.Second,
			MaxDelay:            30 * time.Second,
			JitterRatio:         0.2,
			RetryableErrorTypes: []string{"network", "timeout", "server_error", "rate_limited"},
		},
		Cache: CacheConfig{
			TTL:            time.Hour,
			MaxSize:        1000,
			StaleRetention: 24 * time.Hour,
			PruneInterval:  5 * time.Minute,
			Persistence: PersistenceConfig{
				Backend:          BackendNone,
				AutosaveInterval: 5 * time.Minute,
				RestoreOnStart:   true,
				RedisKeyPrefix:   "fetchd:cache:",
			},
		},
		Adaptive: AdaptiveConfig{
			Enabled:            true,
			Initial:            10,
			Min:                1,
			Max:                50,
			ScaleUpThreshold:   0.9,
			ScaleDownThreshold: 0.5,
			AdjustmentInterval: 5 * time.Second,
			StepRatio:          0.1,
			WindowSize:         100,
			WindowAge:          time.Minute,
			MinSamples:         5,
		},
		Fallback: FallbackConfig{
			Enabled:        true,
			Order:          []string{TierCache, TierArchive},
			CacheTimeout:   2 * time.Second,
			WaybackTimeout: 15 * time.Second,
			WaybackBaseURL: "https://archive.org",
			WaybackWebURL:  "https://web.archive.org",
		},
		Server: ServerConfig{
			Addr:              ":8080",
			ReadHeaderTimeout: 10 * time.Second,
			ShutdownTimeout:   30 * time.Second,
			MaxBatchSize:      100,
		},
	}
	cfg.validateHTTPClientSettings()
	return cfg
}

// EffectiveRobotsUserAgent returns the robots user agent, falling back to the global one
func (c *AppConfig) EffectiveRobotsUserAgent() string {
	if c.Robots.UserAgent != "" {
		return c.Robots.UserAgent
	}
	return c.UserAgent
}

// IntervalFor returns the configured base interval for a domain
func (r RateLimiter) IntervalFor(domain string) time.Duration {
	if d, ok := r.PerDomainOverrides[domain]; ok && d >= 0 {
		return d
	}
	return r.DefaultInterval
}
