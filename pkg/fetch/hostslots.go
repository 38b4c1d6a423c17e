package fetch

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
)

// HostSlotState describes one host's share of the per-host cap.
type HostSlotState struct {
	Held    int64 `json:"held"`
	Waiting int64 `json:"waiting"`
}

type hostSlots struct {
	sem       *semaphore.Weighted
	held      int64
	waiting   int64
	idleSince time.Time // set when held and waiting both drop to zero
}

func (h *hostSlots) idle() bool { return h.held == 0 && h.waiting == 0 }

// HostSlotPool caps how many attempts may run against one host at a time, inside the
// global concurrency budget. A cap of 0 turns the pool off.
type HostSlotPool struct {
	mu    sync.Mutex
	hosts map[string]*hostSlots
	limit int64
	log   *logrus.Entry
}

// NewHostSlotPool returns a pool allowing maxPerHost concurrent slots per host.
func NewHostSlotPool(maxPerHost int64, log *logrus.Entry) *HostSlotPool {
	if maxPerHost < 0 {
		log.Warnf("max_per_host %d invalid, disabling the per-host cap", maxPerHost)
		maxPerHost = 0
	}
	return &HostSlotPool{
		hosts: make(map[string]*hostSlots),
		limit: maxPerHost,
		log:   log.WithField("component", "host_slots"),
	}
}

// Enabled reports whether a per-host cap is in force.
func (p *HostSlotPool) Enabled() bool { return p.limit > 0 }

// Acquire blocks until host has a free slot or ctx ends. The returned release func
// gives the slot back; calling it more than once has no further effect.
func (p *HostSlotPool) Acquire(ctx context.Context, host string) (release func(), err error) {
	if !p.Enabled() {
		return func() {}, nil
	}

	p.mu.Lock()
	h := p.hosts[host]
	if h == nil {
		h = &hostSlots{sem: semaphore.NewWeighted(p.limit)}
		p.hosts[host] = h
	}
	h.waiting++
	p.mu.Unlock()

	err = h.sem.Acquire(ctx, 1)

	p.mu.Lock()
	h.waiting--
	if err != nil {
		if h.idle() {
			h.idleSince = time.Now()
		}
		p.mu.Unlock()
		return nil, err
	}
	h.held++
	p.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { p.release(host, h) })
	}, nil
}

func (p *HostSlotPool) release(host string, h *hostSlots) {
	p.mu.Lock()
	h.held--
	if h.idle() {
		h.idleSince = time.Now()
	}
	p.mu.Unlock()
	h.sem.Release(1)
	p.log.WithField("host", host).Trace("Host slot released")
}

// State returns the hosts that currently hold or wait for a slot.
func (p *HostSlotPool) State() map[string]HostSlotState {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]HostSlotState)
	for host, h := range p.hosts {
		if !h.idle() {
			out[host] = HostSlotState{Held: h.held, Waiting: h.waiting}
		}
	}
	return out
}

// Len returns the number of hosts tracked, idle ones included.
func (p *HostSlotPool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.hosts)
}

// RunEviction drops hosts idle for longer than maxIdle, checking every maxIdle.
// Should be run in a goroutine.
func (p *HostSlotPool) RunEviction(ctx context.Context, maxIdle time.Duration) {
	if !p.Enabled() || maxIdle <= 0 {
		return
	}
	ticker := time.NewTicker(maxIdle)
	defer ticker.Stop()

	for {
		select {
		case now := <-ticker.C:
			p.evict(now, maxIdle)
		case <-ctx.Done():
			return
		}
	}
}

func (p *HostSlotPool) evict(now time.Time, maxIdle time.Duration) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for host, h := range p.hosts {
		if h.idle() && now.Sub(h.idleSince) >= maxIdle {
			delete(p.hosts, host)
			n++
		}
	}
	if n > 0 {
		p.log.Debugf("Evicted %d idle hosts, %d remain", n, len(p.hosts))
	}
	return n
}
