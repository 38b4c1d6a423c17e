package executor

import (
	"github.com/Sriram-PR/resilient-fetch/pkg/cache"
	"github.com/Sriram-PR/resilient-fetch/pkg/fetch"
	"github.com/Sriram-PR/resilient-fetch/pkg/models"
)

// Stats is a point-in-time view of the executor.
type Stats struct {
	Submitted int64 `json:"submitted"`
	Succeeded int64 `json:"succeeded"`
	Degraded  int64 `json:"degraded"`
	Failed    int64 `json:"failed"`
	CacheHits int64 `json:"cache_hits"`

	Queued           int                            `json:"queued"`
	QueuedByPriority map[string]int                 `json:"queued_by_priority"`
	Semaphore        models.SemaphoreState          `json:"semaphore"`
	Adaptive         bool                           `json:"adaptive"`
	Window           models.ConcurrencyStats        `json:"window"`
	Cache            cache.Stats                    `json:"cache"`
	Domains          int                            `json:"domains"`
	RobotsCached     int                            `json:"robots_cached"`
	BusyHosts        map[string]fetch.HostSlotState `json:"busy_hosts,omitempty"`
	Closed           bool                           `json:"closed"`
}

// Stats collects counters from every component.
func (e *Executor) Stats() Stats {
	bands := e.queue.LenByBand()
	byPriority := make(map[string]int, len(bands))
	queued := 0
	for i, n := range bands {
		byPriority[models.Priority(i).String()] = n
		queued += n
	}
	return Stats{
		Submitted:        e.counters.submitted.Load(),
		Succeeded:        e.counters.succeeded.Load(),
		Degraded:         e.counters.degraded.Load(),
		Failed:           e.counters.failed.Load(),
		CacheHits:        e.counters.cacheHits.Load(),
		Queued:           queued,
		QueuedByPriority: byPriority,
		Semaphore:        e.sem.State(),
		Adaptive:         e.controller != nil,
		Window:           e.monitor.Stats(),
		Cache:            e.cache.Stats(),
		Domains:          e.limiter.Len(),
		RobotsCached:     e.robots.Len(),
		BusyHosts:        e.hosts.State(),
		Closed:           e.closed.Load(),
	}
}
