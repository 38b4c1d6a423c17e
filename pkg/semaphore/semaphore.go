// Package semaphore provides the global concurrency budget of the engine.
//
// It follows the waiter-list design of golang.org/x/sync/semaphore.Weighted (strict FIFO,
// bulk reservations never partially granted) and adds what the executor needs on top:
// a live ceiling that the adaptive controller can move, draining for shutdown, a
// non-reserving availability wait for the queue feeder, and usage counters.
package semaphore

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/resilient-fetch/pkg/models"
	"github.com/Sriram-PR/resilient-fetch/pkg/utils"
)

type waiter struct {
	n     int64
	ready chan struct{} // closed when the slots are granted
}

// Semaphore bounds the number of in-flight operations.
type Semaphore struct {
	mu       sync.Mutex
	max      int64
	inFlight int64
	fair     bool
	waiters  list.List
	availCh  chan struct{} // closed (and replaced) whenever a slot may have freed up

	totalAcquired int64
	totalReleased int64
	anomalies     int64

	log *logrus.Entry
}

// New creates a semaphore with maxConcurrency slots (at least 1).
// With fair set, TryAcquire refuses to jump ahead of queued waiters.
func New(maxConcurrency int64, fair bool, log *logrus.Entry) *Semaphore {
	if maxConcurrency < 1 {
		maxConcurrency = 1
	}
	return &Semaphore{
		max:     maxConcurrency,
		fair:    fair,
		availCh: make(chan struct{}),
		log:     log.WithField("component", "semaphore"),
	}
}

// Acquire reserves one slot, waiting up to timeout (0 means only ctx bounds the wait).
func (s *Semaphore) Acquire(ctx context.Context, timeout time.Duration) error {
	return s.AcquireN(ctx, 1, timeout)
}

// AcquireN reserves n slots atomically. Waiters are served in arrival order and a
// request is never partially granted. On timeout or cancellation it returns a
// *utils.SemaphoreAcquisitionError and holds nothing.
func (s *Semaphore) AcquireN(ctx context.Context, n int64, timeout time.Duration) error {
	if n < 1 {
		n = 1
	}
	start := time.Now()

	s.mu.Lock()
	if s.waiters.Len() == 0 && s.max-s.inFlight >= n {
		s.grantLocked(n)
		s.mu.Unlock()
		return nil
	}
	if err := ctx.Err(); err != nil {
		s.mu.Unlock()
		return &utils.SemaphoreAcquisitionError{Requested: n, Err: err}
	}

	w := waiter{n: n, ready: make(chan struct{})}
	elem := s.waiters.PushBack(w)
	s.mu.Unlock()

	waitCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	select {
	case <-w.ready:
		return nil
	case <-waitCtx.Done():
		s.mu.Lock()
		select {
		case <-w.ready:
			// Granted while we were giving up; hand the slots back.
			s.inFlight -= n
			s.totalAcquired -= n
			s.notifyWaitersLocked()
		default:
			s.waiters.Remove(elem)
			s.notifyWaitersLocked()
		}
		s.mu.Unlock()
		return &utils.SemaphoreAcquisitionError{Requested: n, Waited: time.Since(start), Err: waitCtx.Err()}
	}
}

// TryAcquire reserves one slot without blocking.
func (s *Semaphore) TryAcquire() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fair && s.waiters.Len() > 0 {
		return false
	}
	if s.max-s.inFlight < 1 {
		return false
	}
	s.grantLocked(1)
	return true
}

// Release frees one slot.
func (s *Semaphore) Release() {
	s.ReleaseN(1)
}

// ReleaseN frees n slots. Releasing more than is held is a no-op recorded as an anomaly.
func (s *Semaphore) ReleaseN(n int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n > s.inFlight {
		s.anomalies++
		s.log.WithFields(logrus.Fields{"requested": n, "in_flight": s.inFlight}).
			Warn("Release without matching acquire ignored")
		return
	}
	s.inFlight -= n
	s.totalReleased += n
	s.notifyWaitersLocked()
}

// WithScope runs fn while holding one slot. The slot is released even if fn panics.
func (s *Semaphore) WithScope(ctx context.Context, timeout time.Duration, fn func(ctx context.Context) error) error {
	return s.WithMultiple(ctx, 1, timeout, fn)
}

// WithMultiple runs fn while holding n slots reserved atomically.
func (s *Semaphore) WithMultiple(ctx context.Context, n int64, timeout time.Duration, fn func(ctx context.Context) error) error {
	if err := s.AcquireN(ctx, n, timeout); err != nil {
		return err
	}
	defer s.ReleaseN(n)
	return fn(ctx)
}

// Resize moves the ceiling. Lowering it below the in-flight count revokes nothing;
// the excess drains away as slots are released.
func (s *Semaphore) Resize(newMax int64) {
	if newMax < 1 {
		newMax = 1
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if newMax == s.max {
		return
	}
	s.log.WithFields(logrus.Fields{"from": s.max, "to": newMax, "in_flight": s.inFlight}).Debug("Resizing semaphore")
	s.max = newMax
	s.notifyWaitersLocked()
}

// Drain reserves every slot of the current ceiling, waiting for in-flight work to finish.
// The returned func gives the slots back.
func (s *Semaphore) Drain(ctx context.Context) (release func(), err error) {
	s.mu.Lock()
	n := s.max
	s.mu.Unlock()

	if err := s.AcquireN(ctx, n, 0); err != nil {
		return nil, err
	}
	var once sync.Once
	return func() { once.Do(func() { s.ReleaseN(n) }) }, nil
}

// WaitAvailable blocks until a slot looks free to a newcomer, without reserving it.
// A concurrent TryAcquire may still win the race.
func (s *Semaphore) WaitAvailable(ctx context.Context) error {
	for {
		s.mu.Lock()
		if s.waiters.Len() == 0 && s.max-s.inFlight > 0 {
			s.mu.Unlock()
			return nil
		}
		ch := s.availCh
		s.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Available returns the number of free slots, clamped at 0.
func (s *Semaphore) Available() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return max(s.max-s.inFlight, 0)
}

// Max returns the current ceiling.
func (s *Semaphore) Max() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.max
}

// State returns a snapshot of the semaphore.
func (s *Semaphore) State() models.SemaphoreState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return models.SemaphoreState{
		MaxConcurrency: s.max,
		Available:      max(s.max-s.inFlight, 0),
		InFlight:       s.inFlight,
		Waiting:        s.waiters.Len(),
		TotalAcquired:  s.totalAcquired,
		TotalReleased:  s.totalReleased,
		Anomalies:      s.anomalies,
	}
}

func (s *Semaphore) grantLocked(n int64) {
	s.inFlight += n
	s.totalAcquired += n
}

// notifyWaitersLocked grants slots to queued waiters in order, stopping at the first one
// that does not fit so a large request cannot be starved by smaller ones behind it.
func (s *Semaphore) notifyWaitersLocked() {
	for {
		next := s.waiters.Front()
		if next == nil {
			break
		}
		w := next.Value.(waiter)
		if s.max-s.inFlight < w.n {
			break
		}
		s.grantLocked(w.n)
		s.waiters.Remove(next)
		close(w.ready)
	}
	if s.waiters.Len() == 0 && s.max-s.inFlight > 0 {
		close(s.availCh)
		s.availCh = make(chan struct{})
	}
}
