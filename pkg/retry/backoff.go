// Package retry bounds and paces repeated attempts of a failing operation.
package retry

import (
	"errors"
	"math"
	"math/rand/v2"
	"time"

	"github.com/Sriram-PR/resilient-fetch/pkg/config"
	"github.com/Sriram-PR/resilient-fetch/pkg/utils"
)

// Policy decides whether and when a failed attempt is tried again.
type Policy struct {
	MaxRetries  int // retries after the first attempt
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	JitterRatio float64
	Retryable   map[utils.ErrorKind]bool

	rand func() float64 // [0,1)
}

// NewPolicy builds a Policy from configuration.
func NewPolicy(cfg config.RetryConfig) (Policy, error) {
	kinds, err := cfg.RetryableKinds()
	if err != nil {
		return Policy{}, err
	}
	retryable := make(map[utils.ErrorKind]bool, len(kinds))
	for _, k := range kinds {
		retryable[k] = true
	}
	return Policy{
		MaxRetries:  max(cfg.MaxRetries, 0),
		BaseDelay:   cfg.BaseDelay,
		MaxDelay:    cfg.MaxDelay,
		JitterRatio: cfg.JitterRatio,
		Retryable:   retryable,
	}, nil
}

// Delay returns the pause before retry number n (0-based): BaseDelay·2^n capped at
// MaxDelay, then shifted by a uniform jitter of up to ±JitterRatio. The result never
// exceeds MaxDelay and is never negative.
func (p Policy) Delay(n int) time.Duration {
	if n < 0 {
		n = 0
	}
	capDelay := p.MaxDelay
	if capDelay <= 0 {
		capDelay = p.BaseDelay
	}

	backoff := float64(p.BaseDelay) * math.Pow(2, float64(n))
	if backoff > float64(capDelay) || math.IsInf(backoff, 0) {
		backoff = float64(capDelay)
	}

	if p.JitterRatio > 0 {
		r := rand.Float64
		if p.rand != nil {
			r = p.rand
		}
		backoff += backoff * p.JitterRatio * (2*r() - 1)
	}

	delay := time.Duration(backoff)
	if delay < 0 {
		delay = 0
	}
	if delay > capDelay {
		delay = capDelay
	}
	return delay
}

// IsRetryable reports whether err is of a kind worth another attempt.
// Cancellation never is.
func (p Policy) IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	kind := utils.KindOf(err)
	if kind == utils.KindCanceled {
		return false
	}
	return p.Retryable[kind]
}

// delayAfter is Delay(n) raised to the server's Retry-After, still capped.
func (p Policy) delayAfter(n int, err error) time.Duration {
	delay := p.Delay(n)
	var statusErr *utils.HTTPStatusError
	if errors.As(err, &statusErr) && statusErr.RetryAfter > delay {
		delay = statusErr.RetryAfter
		if p.MaxDelay > 0 && delay > p.MaxDelay {
			delay = p.MaxDelay
		}
	}
	return delay
}
