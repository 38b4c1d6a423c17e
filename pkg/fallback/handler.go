// Package fallback recovers documents after the retry budget is spent: first from stale
// cache entries, then from web archives.
package fallback

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/resilient-fetch/pkg/config"
	"github.com/Sriram-PR/resilient-fetch/pkg/models"
	"github.com/Sriram-PR/resilient-fetch/pkg/utils"
)

// StaleSource returns cache entries even after they expired. *cache.Manager satisfies it.
type StaleSource interface {
	Peek(key string) (models.CacheEntry[*models.Document], bool)
}

// Archive locates and downloads archived snapshots. *WaybackClient satisfies it.
type Archive interface {
	Closest(ctx context.Context, target string, at time.Time) (*models.ArchiveSnapshot, error)
	Before(ctx context.Context, target string, at time.Time) (*models.ArchiveSnapshot, error)
	After(ctx context.Context, target string, at time.Time) (*models.ArchiveSnapshot, error)
	FetchSnapshot(ctx context.Context, snap *models.ArchiveSnapshot) (*models.Document, error)
}

// Request describes what failed.
type Request struct {
	Key       string    // cache key of the task
	URL       string    // empty for custom work, which skips the archive tier
	ArchiveAt time.Time // target snapshot time; zero means now
}

// Handler runs the configured tiers in order until one produces a document.
type Handler struct {
	cfg     config.FallbackConfig
	stale   StaleSource // nil disables the cache tier
	archive Archive     // nil disables the archive tier
	log     *logrus.Entry
}

// NewHandler builds a Handler. stale and archive may be nil.
func NewHandler(cfg config.FallbackConfig, stale StaleSource, archive Archive, log *logrus.Entry) *Handler {
	return &Handler{
		cfg:     cfg,
		stale:   stale,
		archive: archive,
		log:     log.WithField("component", "fallback"),
	}
}

// Applies reports whether cause is a failure fallback should handle. Only exhausted retry
// chains qualify; robots denials, fatal statuses and cancellations surface as they are.
func (h *Handler) Applies(cause error) bool {
	if !h.cfg.Enabled || cause == nil {
		return false
	}
	var retryErr *utils.RetryExhaustedError
	return errors.As(cause, &retryErr)
}

// Recover tries each tier. When cause is not a retry exhaustion, it is returned unchanged.
// When every tier fails the error is a *utils.FallbackExhaustedError wrapping cause.
func (h *Handler) Recover(ctx context.Context, req Request, cause error) (*models.FallbackResult, error) {
	if !h.Applies(cause) {
		return nil, cause
	}

	recLog := h.log.WithFields(logrus.Fields{"key": req.Key, "url": req.URL})
	var attempts []utils.FallbackAttempt
	for _, tier := range h.cfg.Order {
		if err := ctx.Err(); err != nil {
			attempts = append(attempts, utils.FallbackAttempt{Tier: tier, Err: err})
			break
		}
		start := time.Now()
		res, err := h.runTier(ctx, tier, req)
		if err == nil {
			recLog.WithFields(logrus.Fields{"tier": tier, "duration": time.Since(start)}).Info("Fallback succeeded")
			return res, nil
		}
		recLog.WithField("tier", tier).Debugf("Fallback tier failed: %v", err)
		attempts = append(attempts, utils.FallbackAttempt{Tier: tier, Err: err, Duration: time.Since(start)})
	}

	recLog.Warn("All fallback tiers failed")
	return nil, &utils.FallbackExhaustedError{Cause: cause, Attempts: attempts}
}

func (h *Handler) runTier(ctx context.Context, tier string, req Request) (*models.FallbackResult, error) {
	switch tier {
	case config.TierCache:
		ctx, cancel := withTimeout(ctx, h.cfg.CacheTimeout)
		defer cancel()
		return h.fromCache(ctx, req)
	case config.TierArchive:
		ctx, cancel := withTimeout(ctx, h.cfg.WaybackTimeout)
		defer cancel()
		return h.fromArchive(ctx, req)
	}
	return nil, fmt.Errorf("%w: %q", utils.ErrUnknownFallbackTier, tier)
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

func (h *Handler) fromCache(ctx context.Context, req Request) (*models.FallbackResult, error) {
	if h.stale == nil || req.Key == "" {
		return nil, utils.ErrCacheMiss
	}
	entry, ok := h.stale.Peek(req.Key)
	if !ok || entry.Value == nil {
		return nil, utils.ErrCacheMiss
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	doc := *entry.Value
	doc.Source = models.SourceCache
	return &models.FallbackResult{Source: models.SourceCache, Degraded: true, Document: &doc}, nil
}

func (h *Handler) fromArchive(ctx context.Context, req Request) (*models.FallbackResult, error) {
	if h.archive == nil || req.URL == "" {
		return nil, utils.ErrNoSnapshot
	}
	at := req.ArchiveAt
	if at.IsZero() {
		at = time.Now()
	}

	// Nearest first, then the nearest on either side of at.
	snap, err := h.archive.Closest(ctx, req.URL, at)
	if errors.Is(err, utils.ErrNoSnapshot) {
		snap, err = h.archive.Before(ctx, req.URL, at)
	}
	if errors.Is(err, utils.ErrNoSnapshot) {
		snap, err = h.archive.After(ctx, req.URL, at)
	}
	if err != nil {
		return nil, err
	}
	doc, err := h.archive.FetchSnapshot(ctx, snap)
	if err != nil {
		return nil, err
	}
	return &models.FallbackResult{Source: models.SourceArchive, Snapshot: snap, Degraded: true, Document: doc}, nil
}
