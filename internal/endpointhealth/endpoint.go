// Package endpointhealth tracks per-endpoint speed and reliability for one
// task's set of candidate CDN/PCS endpoints, and picks among them for each
// chunk dispatch.
package endpointhealth

import (
	"time"

	"github.com/baiducore/netcore/internal/speedtrack"
)

// Endpoint is one candidate URL and its live health state. Keyed by URL in
// the owning Manager.
type Endpoint struct {
	URL             string
	Weight          int // 0 = disabled, >=1 = live
	ProbeSpeedKBps  float64
	Score           int // 0-100, init 50
	CooldownSeconds int // init 10, doubled on probe failure, capped at 40
	NextProbeAt     time.Time
	SampleCount     int
	tracker         *speedtrack.HealthTracker
}

func newEndpoint(url string) *Endpoint {
	return &Endpoint{
		URL:             url,
		Weight:          1,
		Score:           50,
		CooldownSeconds: 10,
		tracker:         speedtrack.NewHealthTracker(),
	}
}

// Live reports whether the endpoint currently has nonzero weight.
func (e *Endpoint) Live() bool { return e.Weight > 0 }

// HasNextProbe reports whether a next-probe instant has been scheduled.
func (e *Endpoint) HasNextProbe() bool { return !e.NextProbeAt.IsZero() }

// EWMASpeed returns the endpoint's current EWMA speed estimate (kB/s).
func (e *Endpoint) EWMASpeed() float64 { return e.tracker.EWMASpeed() }

// clampScore enforces the [0,100] score invariant.
func clampScore(s int) int {
	if s < 0 {
		return 0
	}
	if s > 100 {
		return 100
	}
	return s
}

// TimeoutSeconds computes the per-chunk HTTP timeout:
// clamp(3 * chunkBytesKB / ewmaKbps, 30, 180).
func (e *Endpoint) TimeoutSeconds(chunkBytes int64) time.Duration {
	ewmaKbps := e.EWMASpeed()
	if ewmaKbps <= 0 {
		return 30 * time.Second
	}
	chunkKB := float64(chunkBytes) / 1024
	secs := 3 * chunkKB / ewmaKbps
	if secs < 30 {
		secs = 30
	}
	if secs > 180 {
		secs = 180
	}
	return time.Duration(secs * float64(time.Second))
}
