package executor

import (
	"context"
	"sync"
	"time"

	"github.com/Sriram-PR/resilient-fetch/pkg/models"
)

// job is a submitted task moving through queued -> admitted -> executing -> settled.
// Only the goroutine that currently owns the job advances it, but Submit may settle a
// queued job concurrently (timeout, cancellation), hence the lock.
type job struct {
	task     *models.Task
	key      string // cache key; empty disables caching
	ctx      context.Context
	enqueued time.Time

	mu     sync.Mutex
	state  models.TaskState
	result chan models.TaskResult // buffered 1, written once on settlement
}

func newJob(ctx context.Context, task *models.Task, key string) *job {
	return &job{
		task:   task,
		key:    key,
		ctx:    ctx,
		result: make(chan models.TaskResult, 1),
	}
}

// transition moves the job to next and reports whether the step was legal.
func (j *job) transition(next models.TaskState) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if !j.state.CanTransition(next) {
		return false
	}
	j.state = next
	return true
}

// State returns the current lifecycle state.
func (j *job) State() models.TaskState {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

// settle delivers res unless the job was already settled.
func (j *job) settle(res models.TaskResult) bool {
	if !j.transition(models.TaskStateSettled) {
		return false
	}
	j.result <- res
	return true
}

// settleIfQueued settles the job only while nobody has admitted it yet.
func (j *job) settleIfQueued(res models.TaskResult) bool {
	j.mu.Lock()
	if j.state != models.TaskStateQueued {
		j.mu.Unlock()
		return false
	}
	j.state = models.TaskStateSettled
	j.mu.Unlock()
	j.result <- res
	return true
}
