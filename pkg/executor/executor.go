// Package executor composes the engine's components behind a single Submit call.
package executor

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/Sriram-PR/resilient-fetch/pkg/adaptive"
	"github.com/Sriram-PR/resilient-fetch/pkg/cache"
	"github.com/Sriram-PR/resilient-fetch/pkg/config"
	"github.com/Sriram-PR/resilient-fetch/pkg/fallback"
	"github.com/Sriram-PR/resilient-fetch/pkg/fetch"
	"github.com/Sriram-PR/resilient-fetch/pkg/metrics"
	"github.com/Sriram-PR/resilient-fetch/pkg/models"
	"github.com/Sriram-PR/resilient-fetch/pkg/parse"
	"github.com/Sriram-PR/resilient-fetch/pkg/queue"
	"github.com/Sriram-PR/resilient-fetch/pkg/retry"
	"github.com/Sriram-PR/resilient-fetch/pkg/semaphore"
	"github.com/Sriram-PR/resilient-fetch/pkg/storage"
	"github.com/Sriram-PR/resilient-fetch/pkg/utils"
)

// Deps are optional collaborators. Zero values are replaced with defaults built from config.
type Deps struct {
	HTTPClient *http.Client         // shared by fetcher, robots and archive lookups
	Store      storage.CacheStore   // cache persistence; nil disables it
	Registry   *prometheus.Registry // metrics registry; nil uses a private one
	Archive    fallback.Archive     // archive tier; nil uses the Wayback Machine
}

// Executor owns one instance of every engine component. Nothing is shared between executors.
type Executor struct {
	cfg *config.AppConfig
	log *logrus.Entry

	sem        *semaphore.Semaphore
	queue      *queue.BandedQueue[*job]
	hosts      *fetch.HostSlotPool
	limiter    *fetch.DomainRateLimiter
	fetcher    *fetch.Fetcher
	robots     *fetch.RobotsChecker
	retry      *retry.Handler
	cache      *cache.Manager[*models.Document]
	fallback   *fallback.Handler
	monitor    *adaptive.Monitor
	controller *adaptive.Controller // nil when adaptive concurrency is disabled
	metrics    *metrics.Metrics

	ctx        context.Context // lifetime of background loops and in-flight work
	cancel     context.CancelFunc
	background sync.WaitGroup
	dispatched chan struct{} // closed when the dispatcher exits
	inFlight   sync.WaitGroup

	closed       atomic.Bool
	shutdownOnce sync.Once
	shutdownErr  error

	counters counters
}

type counters struct {
	submitted atomic.Int64
	succeeded atomic.Int64
	degraded  atomic.Int64
	failed    atomic.Int64
	cacheHits atomic.Int64
}

// New builds an executor from a validated configuration and starts its dispatcher and
// maintenance loops. ctx bounds the startup cache restore and parents the background loops.
func New(ctx context.Context, cfg *config.AppConfig, deps Deps, log *logrus.Entry) (*Executor, error) {
	policy, err := retry.NewPolicy(cfg.Retry)
	if err != nil {
		return nil, err
	}
	cacheManager, err := cache.NewManager[*models.Document](cfg.Cache, deps.Store, log)
	if err != nil {
		return nil, err
	}

	client := deps.HTTPClient
	if client == nil {
		client = fetch.NewClient(cfg.HTTPClientSettings, log)
	}
	fetcher := fetch.NewFetcher(client, cfg.UserAgent, cfg.HTTPClientSettings.MaxBodyBytes, log)
	limiter := fetch.NewDomainRateLimiter(cfg.RateLimiter, cfg.Robots, log)

	archive := deps.Archive
	if archive == nil {
		archive = fallback.NewWaybackClient(fetcher, cfg.Fallback.WaybackBaseURL, cfg.Fallback.WaybackWebURL, log)
	}

	monitor := adaptive.NewMonitor(cfg.Adaptive.WindowSize, cfg.Adaptive.WindowAge)
	var controller *adaptive.Controller
	ceiling := cfg.Semaphore.MaxConcurrency
	if cfg.Adaptive.Enabled {
		controller = adaptive.NewController(cfg.Adaptive, monitor, log)
		ceiling = controller.Current()
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	e := &Executor{
		cfg:        cfg,
		log:        log.WithField("component", "executor"),
		sem:        semaphore.New(ceiling, cfg.Semaphore.Fair, log),
		queue:      queue.NewBandedQueue[*job](cfg.Queue.AgingThreshold, log),
		hosts:      fetch.NewHostSlotPool(cfg.Semaphore.MaxPerHost, log),
		limiter:    limiter,
		fetcher:    fetcher,
		robots:     fetch.NewRobotsChecker(fetcher, limiter, cfg.Robots, cfg.EffectiveRobotsUserAgent(), log),
		retry:      retry.NewHandler(policy, log),
		cache:      cacheManager,
		fallback:   fallback.NewHandler(cfg.Fallback, cacheManager, archive, log),
		monitor:    monitor,
		controller: controller,
		metrics:    metrics.New(deps.Registry),
		ctx:        runCtx,
		cancel:     cancel,
		dispatched: make(chan struct{}),
	}
	e.retry.OnRetry = func(int, error, time.Duration) { e.metrics.IncRetries() }
	e.metrics.SetConcurrencyLimit(ceiling)

	if deps.Store != nil && cfg.Cache.Persistence.RestoreOnStart {
		if _, err := cacheManager.Restore(ctx); err != nil {
			e.log.Warnf("Cache restore failed, starting empty: %v", err)
		}
	}

	if controller != nil {
		controller.OnChange(func(from, to int64, reason string) {
			e.sem.Resize(to)
			e.metrics.SetConcurrencyLimit(to)
		})
		controller.Start(runCtx)
	}
	e.startBackground()

	e.log.WithFields(logrus.Fields{
		"max_concurrency": ceiling,
		"adaptive":        controller != nil,
		"max_per_host":    cfg.Semaphore.MaxPerHost,
		"robots":          cfg.Robots.Enabled,
		"fallback":        cfg.Fallback.Enabled,
		"persistence":     cfg.Cache.Persistence.Backend,
	}).Info("Executor started")
	return e, nil
}

func (e *Executor) startBackground() {
	go e.dispatch()

	loops := []func(context.Context){
		e.limiter.RunEviction,
		e.cache.RunJanitor,
		e.cache.RunAutosave,
		func(ctx context.Context) { e.hosts.RunEviction(ctx, e.cfg.RateLimiter.IdleEviction) },
	}
	for _, loop := range loops {
		e.background.Add(1)
		go func(run func(context.Context)) {
			defer e.background.Done()
			run(e.ctx)
		}(loop)
	}
}

// Submit runs task through the engine and always resolves: success, degraded (served by a
// fallback tier), or failed with a typed error. It returns early with a failed result when
// ctx ends or the admission wait exceeds the semaphore's acquire timeout.
func (e *Executor) Submit(ctx context.Context, task models.Task) models.TaskResult {
	start := time.Now()
	e.counters.submitted.Add(1)

	j, res, done := e.prepare(ctx, &task)
	if done {
		return e.finish(res, start)
	}

	var timeout <-chan time.Time
	if d := e.cfg.Semaphore.AcquireTimeout; d > 0 {
		timer := time.NewTimer(d)
		defer timer.Stop()
		timeout = timer.C
	}

	for {
		select {
		case res := <-j.result:
			return e.finish(res, start)
		case <-ctx.Done():
			if j.settleIfQueued(failedResult(j.task, ctx.Err())) {
				e.publishGauges()
			}
			// Admitted jobs observe ctx themselves and settle promptly.
			return e.finish(<-j.result, start)
		case <-timeout:
			timeout = nil
			err := &utils.SemaphoreAcquisitionError{Requested: 1, Waited: time.Since(j.enqueued), Err: context.DeadlineExceeded}
			if j.settleIfQueued(failedResult(j.task, err)) {
				e.log.WithFields(logrus.Fields{"task": j.task.ID, "waited": err.Waited}).Debug("Admission timed out")
				e.publishGauges()
			}
		}
	}
}

// prepare validates task, fills derived fields and serves cache hits. When done is true,
// res is final and no job was queued.
func (e *Executor) prepare(ctx context.Context, task *models.Task) (j *job, res models.TaskResult, done bool) {
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if e.closed.Load() {
		return nil, failedResult(task, utils.ErrExecutorClosed), true
	}
	if task.URL != "" && task.Domain == "" {
		host, err := parse.HostOf(task.URL)
		if err != nil {
			return nil, failedResult(task, utils.WrapErrorf(utils.ErrInvalidTask, "task %s: %v", task.ID, err)), true
		}
		task.Domain = host
	}
	if err := task.Validate(); err != nil {
		return nil, failedResult(task, err), true
	}

	key := e.cacheKey(task)
	if key != "" && !task.Force {
		doc, ok := e.cache.Get(key)
		e.metrics.ObserveCacheLookup(ok)
		if ok {
			e.counters.cacheHits.Add(1)
			return nil, models.TaskResult{
				TaskID:    task.ID,
				Status:    models.ResultSuccess,
				Value:     doc,
				FromCache: true,
				Source:    models.SourceCache,
			}, true
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, failedResult(task, err), true
	}

	j = newJob(ctx, task, key)
	j.transition(models.TaskStateQueued)
	j.enqueued = time.Now()
	if err := e.queue.Push(j, task.Priority); err != nil {
		return nil, failedResult(task, utils.ErrExecutorClosed), true
	}
	e.publishGauges()
	return j, models.TaskResult{}, false
}

func (e *Executor) cacheKey(task *models.Task) string {
	switch {
	case task.CacheKey != "":
		return task.CacheKey
	case task.URL != "":
		return e.cache.Keys().URLKey(task.URL)
	}
	return ""
}

func failedResult(task *models.Task, err error) models.TaskResult {
	return models.TaskResult{TaskID: task.ID, Status: models.ResultFailed, Err: err}
}

// finish stamps the duration and records the outcome.
func (e *Executor) finish(res models.TaskResult, start time.Time) models.TaskResult {
	res.Duration = time.Since(start)
	switch res.Status {
	case models.ResultSuccess:
		e.counters.succeeded.Add(1)
	case models.ResultDegraded:
		e.counters.degraded.Add(1)
	default:
		e.counters.failed.Add(1)
	}
	e.metrics.ObserveTask(string(res.Status), string(res.Source), res.Duration)
	return res
}

// SubmitAsync runs Submit in a goroutine. The channel receives exactly one result.
func (e *Executor) SubmitAsync(ctx context.Context, task models.Task) <-chan models.TaskResult {
	out := make(chan models.TaskResult, 1)
	go func() {
		out <- e.Submit(ctx, task)
	}()
	return out
}

// SubmitBatch submits every task concurrently and returns results in input order.
func (e *Executor) SubmitBatch(ctx context.Context, tasks []models.Task) []models.TaskResult {
	results := make([]models.TaskResult, len(tasks))
	var g errgroup.Group
	for i := range tasks {
		g.Go(func() error {
			results[i] = e.Submit(ctx, tasks[i])
			return nil
		})
	}
	_ = g.Wait() // Submit never fails
	return results
}

// Fetch is shorthand for submitting a plain URL fetch.
func (e *Executor) Fetch(ctx context.Context, rawURL string, priority models.Priority) models.TaskResult {
	return e.Submit(ctx, models.Task{URL: rawURL, Priority: priority})
}

// SetConcurrency moves the global ceiling. With adaptive concurrency the value is clamped to
// the controller's bounds and the controller keeps adjusting from there.
func (e *Executor) SetConcurrency(n int64) int64 {
	if e.controller != nil {
		return e.controller.SetConcurrency(n)
	}
	n = max(n, 1)
	e.sem.Resize(n)
	e.metrics.SetConcurrencyLimit(n)
	return n
}

// Persist writes a cache snapshot now.
func (e *Executor) Persist(ctx context.Context) error {
	err := e.cache.Persist(ctx)
	if err != nil {
		e.metrics.IncPersistFailures()
	}
	return err
}

// Metrics returns the executor's collectors.
func (e *Executor) Metrics() *metrics.Metrics { return e.metrics }

// Closed reports whether Shutdown has begun.
func (e *Executor) Closed() bool { return e.closed.Load() }

// Shutdown stops admission, fails queued tasks, waits for in-flight tasks, drains the
// semaphore and persists the cache. If ctx ends first, in-flight tasks are canceled.
// Calling it again returns the first call's error.
func (e *Executor) Shutdown(ctx context.Context) error {
	e.shutdownOnce.Do(func() {
		e.shutdownErr = e.shutdown(ctx)
	})
	return e.shutdownErr
}

func (e *Executor) shutdown(ctx context.Context) error {
	e.log.Info("Shutting down executor")
	e.closed.Store(true)
	e.queue.Close()

	dropped := 0
	for _, j := range e.queue.Drain() {
		if j.settle(failedResult(j.task, utils.ErrExecutorClosed)) {
			dropped++
		}
	}
	if dropped > 0 {
		e.log.Infof("Failed %d queued task(s) on shutdown", dropped)
	}
	if e.controller != nil {
		e.controller.Stop()
	}

	var errs []error
	if err := e.waitIdle(ctx); err != nil {
		e.log.Warnf("Shutdown deadline reached, canceling in-flight tasks: %v", err)
		errs = append(errs, err)
		e.cancel()
		e.waitIdle(context.Background())
	}

	drainCtx := ctx
	if ctx.Err() != nil {
		drainCtx = context.Background()
	}
	if release, err := e.sem.Drain(drainCtx); err != nil {
		errs = append(errs, err)
	} else {
		release()
	}

	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if err := e.Persist(persistCtx); err != nil {
		errs = append(errs, err)
	}

	e.cancel()
	e.background.Wait()
	if err := e.cache.Close(); err != nil {
		errs = append(errs, err)
	}
	e.publishGauges()
	e.log.Info("Executor stopped")
	return errors.Join(errs...)
}

// waitIdle waits until the dispatcher has exited and no task is running.
func (e *Executor) waitIdle(ctx context.Context) error {
	idle := make(chan struct{})
	go func() {
		<-e.dispatched
		e.inFlight.Wait()
		close(idle)
	}()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
