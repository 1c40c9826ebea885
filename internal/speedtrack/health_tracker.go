package speedtrack

import (
	"sort"
	"sync"

	"github.com/VividCortex/ewma"
)

// RecentWindowCapacity is the FIFO depth of the per-endpoint recent-speed
// window used for median-based scoring decisions.
const RecentWindowCapacity = 7

// ewmaAlpha is the fixed weight on the *existing* average:
// ewma <- ewmaAlpha*ewma + (1-ewmaAlpha)*new. The VividCortex/ewma library
// instead weights the newest sample by decay = 2/(age+1), so pinning decay
// to ewmaAlpha would invert the smoothing; we pin decay to (1-ewmaAlpha)
// instead, which makes the library's decay the weight-on-new term.
const ewmaAlpha = 0.85

func ewmaAge(decay float64) float64 {
	return 2/decay - 1
}

// HealthTracker combines an EWMA speed estimate with a short FIFO window of
// recent per-chunk speeds, the endpoint-health variant of the speed
// tracker. One instance lives per endpoint per task.
type HealthTracker struct {
	mu      sync.Mutex
	ewma    ewma.MovingAverage
	seeded  bool
	recent  []float64
	current float64
}

// NewHealthTracker builds a tracker with RecentWindowCapacity FIFO depth and
// an EWMA pinned to alpha=0.85 (weight on the existing average).
func NewHealthTracker() *HealthTracker {
	return &HealthTracker{ewma: ewma.NewMovingAverage(ewmaAge(1 - ewmaAlpha))}
}

// Observe records a new instantaneous speed sample (kB/s): it updates the
// EWMA and pushes the value into the recent window, evicting the oldest
// entry once the window exceeds RecentWindowCapacity.
func (h *HealthTracker) Observe(speedKBps float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.seeded {
		h.ewma.Set(speedKBps)
		h.seeded = true
	} else {
		h.ewma.Add(speedKBps)
	}
	h.current = h.ewma.Value()
	h.recent = append(h.recent, speedKBps)
	if len(h.recent) > RecentWindowCapacity {
		h.recent = h.recent[len(h.recent)-RecentWindowCapacity:]
	}
}

// EWMASpeed returns the current smoothed speed estimate in kB/s.
func (h *HealthTracker) EWMASpeed() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.current
}

// SampleCount returns how many samples currently sit in the recent window.
func (h *HealthTracker) SampleCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.recent)
}

// Median returns the median of the recent-speed window and whether enough
// samples (>=5) exist to trust it.
func (h *HealthTracker) Median() (float64, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.recent) < 5 {
		return 0, false
	}
	sorted := append([]float64(nil), h.recent...)
	sort.Float64s(sorted)
	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2], true
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2, true
}

// ResetWindow clears the recent-speed FIFO, used on endpoint restore and on
// the scheduler's bulk window-reset when active-task count grows.
func (h *HealthTracker) ResetWindow() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.recent = h.recent[:0]
}

// Median computes the median of an arbitrary float64 slice, used for the
// probe-speed filter and the global slow-endpoint threshold.
func Median(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}
