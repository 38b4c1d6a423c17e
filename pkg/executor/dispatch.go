package executor

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/resilient-fetch/pkg/cache"
	"github.com/Sriram-PR/resilient-fetch/pkg/fallback"
	"github.com/Sriram-PR/resilient-fetch/pkg/models"
	"github.com/Sriram-PR/resilient-fetch/pkg/utils"
)

// dispatch admits queued jobs in priority order whenever a global slot is free.
// It exits once the queue is closed and empty.
func (e *Executor) dispatch() {
	defer close(e.dispatched)
	for {
		if err := e.sem.WaitAvailable(e.ctx); err != nil {
			// Only reached when a shutdown deadline canceled everything.
			for _, j := range e.queue.Drain() {
				j.settle(failedResult(j.task, utils.ErrExecutorClosed))
			}
			return
		}
		j, ok := e.queue.Pop()
		if !ok {
			return
		}
		e.admit(j)
	}
}

func (e *Executor) admit(j *job) {
	if j.State() != models.TaskStateQueued {
		return // settled by its submitter (timeout or cancellation)
	}
	if e.closed.Load() {
		j.settle(failedResult(j.task, utils.ErrExecutorClosed))
		return
	}
	if err := j.ctx.Err(); err != nil {
		j.settle(failedResult(j.task, err))
		return
	}
	if !e.sem.TryAcquire() {
		// The ceiling shrank between WaitAvailable and now.
		e.queue.PushFront(j, j.task.Priority)
		return
	}
	if !j.transition(models.TaskStateAdmitted) {
		e.sem.Release()
		return
	}

	e.log.WithFields(logrus.Fields{
		"task":     j.task.ID,
		"priority": j.task.Priority.String(),
		"waited":   time.Since(j.enqueued),
	}).Trace("Task admitted")
	e.inFlight.Add(1)
	go e.run(j)
	e.publishGauges()
}

// run executes an admitted job and releases its slot.
func (e *Executor) run(j *job) {
	defer e.inFlight.Done()

	ctx, cancel := context.WithCancel(j.ctx)
	defer cancel()
	stop := context.AfterFunc(e.ctx, cancel)
	defer stop()

	var res models.TaskResult
	if j.transition(models.TaskStateExecuting) {
		res = e.execute(ctx, j)
	} else {
		res = failedResult(j.task, utils.ErrExecutorClosed)
	}
	e.sem.Release()
	j.settle(res)
	e.publishGauges()
}

// execute runs the cache-aware pipeline for one job, falling back when retries are exhausted.
func (e *Executor) execute(ctx context.Context, j *job) models.TaskResult {
	task := j.task
	var attempts atomic.Int64
	produce := func(ctx context.Context) (*models.Document, error) {
		n, doc, err := e.produce(ctx, task)
		attempts.Store(int64(n))
		return doc, err
	}

	var (
		doc       *models.Document
		fromCache bool
		err       error
	)
	if j.key == "" {
		doc, err = produce(ctx)
	} else {
		// TTL rules are written against URLs, not the hashed key.
		opts := cache.Options{Force: task.Force, Subject: task.URL}
		doc, fromCache, err = e.cache.GetOrRevalidate(ctx, j.key, produce, opts)
	}

	res := models.TaskResult{TaskID: task.ID, Attempts: int(attempts.Load())}
	if err == nil {
		res.Status = models.ResultSuccess
		res.Value = doc
		res.FromCache = fromCache
		res.Source = models.SourceLive
		if fromCache {
			res.Source = models.SourceCache
		}
		return res
	}

	if e.fallback.Applies(err) {
		fb, ferr := e.fallback.Recover(ctx, fallback.Request{Key: j.key, URL: task.URL, ArchiveAt: task.ArchiveAt}, err)
		if ferr == nil {
			e.metrics.ObserveFallback(string(fb.Source))
			e.log.WithFields(logrus.Fields{"task": task.ID, "source": fb.Source}).Info("Served degraded result")
			res.Status = models.ResultDegraded
			res.Value = fb.Document
			res.Source = fb.Source
			res.FromCache = fb.Source == models.SourceCache
			return res
		}
		e.metrics.ObserveFallback("failed")
		err = ferr
	}

	e.log.WithFields(logrus.Fields{
		"task":     task.ID,
		"kind":     utils.KindOf(err).String(),
		"category": utils.CategorizeError(err),
		"attempts": res.Attempts,
	}).Warnf("Task failed: %v", err)
	res.Status = models.ResultFailed
	res.Err = err
	return res
}

// produce performs the live work: host slot, robots.txt, then paced attempts under the
// retry policy. It returns the number of attempts made.
func (e *Executor) produce(ctx context.Context, task *models.Task) (int, *models.Document, error) {
	release, err := e.hosts.Acquire(ctx, task.Domain)
	if err != nil {
		return 0, nil, err
	}
	defer release()

	if task.URL != "" {
		if _, err := e.robots.Check(ctx, task.URL); err != nil {
			if utils.KindOf(err) == utils.KindRobotsDisallowed {
				e.metrics.IncRobotsDenied()
			}
			return 0, nil, err
		}
	}

	var doc *models.Document
	attempts, err := e.retry.Execute(ctx, func(ctx context.Context, attempt int) error {
		waitStart := time.Now()
		if err := e.limiter.Schedule(ctx, task.Domain); err != nil {
			return err
		}
		e.metrics.ObserveRateLimitWait(time.Since(waitStart))

		start := time.Now()
		d, err := e.attempt(ctx, task)
		e.observeAttempt(err, time.Since(start))
		if err != nil {
			return err
		}
		doc = d
		return nil
	})
	return attempts, doc, err
}

func (e *Executor) attempt(ctx context.Context, task *models.Task) (*models.Document, error) {
	if task.Execute == nil {
		return e.fetcher.Fetch(ctx, task.URL)
	}
	doc, err := task.Execute(ctx)
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, utils.WrapErrorf(utils.ErrInvalidTask, "task %s returned no document", task.ID)
	}
	if doc.Source == "" {
		doc.Source = models.SourceLive
	}
	return doc, nil
}

// observeAttempt feeds the resource monitor. Only outcomes that say something about the
// load on remote hosts count; client errors and cancellations are ignored.
func (e *Executor) observeAttempt(err error, d time.Duration) {
	if err == nil {
		e.metrics.ObserveAttempt("success")
		e.monitor.RecordSuccess(d)
		return
	}
	kind := utils.KindOf(err)
	e.metrics.ObserveAttempt(kind.String())
	switch kind {
	case utils.KindNetwork, utils.KindTimeout, utils.KindServerError, utils.KindRateLimited:
		e.monitor.RecordFailure(d)
	}
}

func (e *Executor) publishGauges() {
	state := e.sem.State()
	e.metrics.SetInFlight(state.InFlight)
	bands := e.queue.LenByBand()
	for i, n := range bands {
		e.metrics.SetQueueDepth(models.Priority(i).String(), n)
	}
}
