package adaptive

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/resilient-fetch/pkg/config"
)

// ChangeFunc is notified whenever the concurrency level moves.
type ChangeFunc func(from, to int64, reason string)

// Change reasons passed to ChangeFunc.
const (
	ReasonScaleUp   = "scale_up"
	ReasonScaleDown = "scale_down"
	ReasonManual    = "manual"
	ReasonReset     = "reset"
)

// Controller periodically reads a Monitor and raises or lowers the concurrency level
// between Min and Max.
type Controller struct {
	mu       sync.Mutex
	cfg      config.AdaptiveConfig
	monitor  *Monitor
	current  int64
	onChange []ChangeFunc

	cancel context.CancelFunc
	done   chan struct{}

	log *logrus.Entry
}

// NewController starts at cfg.Initial clamped to [Min, Max]. cfg is expected to be validated.
func NewController(cfg config.AdaptiveConfig, monitor *Monitor, log *logrus.Entry) *Controller {
	if cfg.Min < 1 {
		cfg.Min = 1
	}
	if cfg.Max < cfg.Min {
		cfg.Max = cfg.Min
	}
	return &Controller{
		cfg:     cfg,
		monitor: monitor,
		current: clamp(cfg.Initial, cfg.Min, cfg.Max),
		log:     log.WithField("component", "adaptive"),
	}
}

func clamp(v, lo, hi int64) int64 {
	return min(max(v, lo), hi)
}

// Monitor returns the window the controller reads.
func (c *Controller) Monitor() *Monitor { return c.monitor }

// Current returns the current concurrency level.
func (c *Controller) Current() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// OnChange registers fn. Callbacks run synchronously with the controller locked and
// must not call back into it.
func (c *Controller) OnChange(fn ChangeFunc) {
	c.mu.Lock()
	c.onChange = append(c.onChange, fn)
	c.mu.Unlock()
}

// Start runs Adjust every AdjustmentInterval until Stop or ctx ends. Calling Start on a
// running controller does nothing.
func (c *Controller) Start(ctx context.Context) {
	c.mu.Lock()
	if c.done != nil {
		c.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	c.cancel, c.done = cancel, done
	interval := c.cfg.AdjustmentInterval
	c.mu.Unlock()

	c.log.WithFields(logrus.Fields{
		"initial":  c.Current(),
		"min":      c.cfg.Min,
		"max":      c.cfg.Max,
		"interval": interval,
	}).Info("Adaptive concurrency controller started")

	go func() {
		defer close(done)
		if interval <= 0 {
			<-ctx.Done()
			return
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.Adjust()
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts the periodic adjustment and waits for the loop to exit.
func (c *Controller) Stop() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	c.log.Debug("Adaptive concurrency controller stopped")
}

// Adjust evaluates the window once and returns the resulting level and whether it moved.
// Windows with fewer than MinSamples samples are left to accumulate; otherwise the window
// is consumed whether or not the level changes.
func (c *Controller) Adjust() (int64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	st, ok := c.monitor.Drain(c.cfg.MinSamples)
	if !ok {
		return c.current, false
	}

	step := max(1, int64(float64(c.current)*c.cfg.StepRatio))
	fields := logrus.Fields{
		"success_rate": st.SuccessRate,
		"samples":      st.Samples,
		"avg_latency":  st.AvgLatency,
		"current":      c.current,
	}

	switch {
	case st.SuccessRate >= c.cfg.ScaleUpThreshold && c.current < c.cfg.Max:
		if c.cfg.LatencyThreshold > 0 && st.AvgLatency > c.cfg.LatencyThreshold {
			c.log.WithFields(fields).Debug("Latency above threshold, holding concurrency")
			return c.current, false
		}
		return c.setLocked(c.current+step, ReasonScaleUp), true
	case st.SuccessRate <= c.cfg.ScaleDownThreshold && c.current > c.cfg.Min:
		return c.setLocked(c.current-step, ReasonScaleDown), true
	}
	c.log.WithFields(fields).Trace("Concurrency unchanged")
	return c.current, false
}

// SetConcurrency applies n immediately, clamped to [Min, Max], and returns the applied level.
func (c *Controller) SetConcurrency(n int64) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.setLocked(n, ReasonManual)
}

// Reset clears the window and returns to the initial level.
func (c *Controller) Reset() {
	c.monitor.Reset()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setLocked(c.cfg.Initial, ReasonReset)
}

func (c *Controller) setLocked(n int64, reason string) int64 {
	n = clamp(n, c.cfg.Min, c.cfg.Max)
	from := c.current
	if n == from {
		return n
	}
	c.current = n
	c.log.WithFields(logrus.Fields{"from": from, "to": n, "reason": reason}).Info("Concurrency adjusted")
	for _, fn := range c.onChange {
		fn(from, n, reason)
	}
	return n
}
