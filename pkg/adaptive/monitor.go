// Package adaptive moves the global concurrency ceiling based on observed outcomes.
package adaptive

import (
	"sync"
	"time"

	"github.com/Sriram-PR/resilient-fetch/pkg/models"
)

// Monitor keeps a sliding window of fetch outcomes, bounded both by count and by age.
type Monitor struct {
	mu      sync.Mutex
	samples []models.Sample // oldest first
	size    int
	maxAge  time.Duration // 0 keeps samples until they are pushed out by count

	now func() time.Time
}

// NewMonitor creates a window holding at most size samples (at least 1) no older than maxAge.
func NewMonitor(size int, maxAge time.Duration) *Monitor {
	if size < 1 {
		size = 1
	}
	return &Monitor{
		samples: make([]models.Sample, 0, size),
		size:    size,
		maxAge:  max(maxAge, 0),
		now:     time.Now,
	}
}

// RecordSuccess adds a successful outcome that took d.
func (m *Monitor) RecordSuccess(d time.Duration) { m.record(true, d) }

// RecordFailure adds a failed outcome that took d.
func (m *Monitor) RecordFailure(d time.Duration) { m.record(false, d) }

func (m *Monitor) record(success bool, d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	m.pruneLocked(now)
	if len(m.samples) == m.size {
		copy(m.samples, m.samples[1:])
		m.samples = m.samples[:len(m.samples)-1]
	}
	m.samples = append(m.samples, models.Sample{Success: success, Duration: d, At: now})
}

// pruneLocked drops samples older than maxAge.
func (m *Monitor) pruneLocked(now time.Time) {
	if m.maxAge <= 0 {
		return
	}
	cut := 0
	for cut < len(m.samples) && now.Sub(m.samples[cut].At) > m.maxAge {
		cut++
	}
	if cut > 0 {
		m.samples = append(m.samples[:0], m.samples[cut:]...)
	}
}

// Stats summarises the samples currently in the window.
func (m *Monitor) Stats() models.ConcurrencyStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.pruneLocked(m.now())
	return m.summarizeLocked()
}

// Drain summarises the window and empties it in one step, so that no sample is lost
// between reading and clearing. A window holding fewer than minSamples samples (or
// none) is left untouched and ok is false.
func (m *Monitor) Drain(minSamples int) (st models.ConcurrencyStats, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.pruneLocked(m.now())
	st = m.summarizeLocked()
	if st.Samples == 0 || st.Samples < minSamples {
		return st, false
	}
	m.samples = m.samples[:0]
	return st, true
}

func (m *Monitor) summarizeLocked() models.ConcurrencyStats {
	var st models.ConcurrencyStats
	var total time.Duration
	for _, s := range m.samples {
		st.Samples++
		if s.Success {
			st.Successes++
		}
		total += s.Duration
	}
	if st.Samples > 0 {
		st.SuccessRate = float64(st.Successes) / float64(st.Samples)
		st.AvgLatency = total / time.Duration(st.Samples)
	}
	return st
}

// Reset empties the window.
func (m *Monitor) Reset() {
	m.mu.Lock()
	m.samples = m.samples[:0]
	m.mu.Unlock()
}
