package retry

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/resilient-fetch/pkg/models"
	"github.com/Sriram-PR/resilient-fetch/pkg/utils"
)

// AttemptFunc is one try of the operation. attempt is 0 for the first call.
type AttemptFunc func(ctx context.Context, attempt int) error

// Handler runs an operation under a Policy.
type Handler struct {
	policy Policy
	log    *logrus.Entry

	// OnRetry, when set, is called before each pause with the failed attempt's error.
	OnRetry func(attempt int, err error, delay time.Duration)

	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
}

// NewHandler creates a Handler for policy.
func NewHandler(policy Policy, log *logrus.Entry) *Handler {
	return &Handler{
		policy: policy,
		log:    log.WithField("component", "retry"),
		sleep:  sleepCtx,
		now:    time.Now,
	}
}

// Policy returns the handler's policy.
func (h *Handler) Policy() Policy {
	return h.policy
}

// Execute calls fn until it succeeds, fails with a non-retryable error, or has been
// tried MaxRetries+1 times. It returns the number of attempts made.
//
// Non-retryable errors are returned unchanged. Exhaustion yields a
// *utils.RetryExhaustedError holding one AttemptRecord per failure. If ctx ends while
// pausing, the context error is returned wrapped with the last failure's message.
func (h *Handler) Execute(ctx context.Context, fn AttemptFunc) (int, error) {
	rc := models.RetryContext{MaxRetries: h.policy.MaxRetries}

	for {
		err := fn(ctx, rc.Attempt)
		attempts := rc.Attempt + 1
		if err == nil {
			return attempts, nil
		}

		kind := utils.KindOf(err)
		rc.History = append(rc.History, utils.AttemptRecord{
			Attempt: rc.Attempt,
			Kind:    kind,
			Message: err.Error(),
			At:      h.now(),
		})

		if !h.policy.IsRetryable(err) {
			return attempts, err
		}
		if rc.Attempt >= h.policy.MaxRetries {
			h.log.WithFields(logrus.Fields{"attempts": attempts, "kind": kind}).Debug("Retries exhausted")
			return attempts, &utils.RetryExhaustedError{Attempts: attempts, History: rc.History, Last: err}
		}

		rc.NextDelay = h.policy.delayAfter(rc.Attempt, err)
		h.log.WithFields(logrus.Fields{
			"attempt":     attempts,
			"max_retries": h.policy.MaxRetries,
			"kind":        kind,
			"delay":       rc.NextDelay,
		}).Debug("Retrying after failure")
		if h.OnRetry != nil {
			h.OnRetry(rc.Attempt, err, rc.NextDelay)
		}

		if sleepErr := h.sleep(ctx, rc.NextDelay); sleepErr != nil {
			return attempts, utils.WrapErrorf(sleepErr, "retry aborted after %d attempt(s), last error: %v", attempts, err)
		}
		rc.Attempt++
	}
}

// sleepCtx waits for d unless ctx ends first.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
