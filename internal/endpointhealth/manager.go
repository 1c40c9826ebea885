package endpointhealth

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/baiducore/netcore/internal/speedtrack"
	"github.com/baiducore/netcore/internal/vendorapi"
)

// ErrNoLiveEndpoint is returned by Pick when no endpoint currently has
// nonzero weight.
var ErrNoLiveEndpoint = errors.New("endpointhealth: no live endpoint available")

// SelectionPolicy is a closed set of endpoint-pick strategies, kept as a
// tagged enum rather than an interface to stay monomorphic on the hot path.
type SelectionPolicy int

const (
	RoundRobin SelectionPolicy = iota
	WeightedHybrid
)

// Config holds the manager's tunables. The recent-speed window size and
// the 0.6 threshold multiplier are exposed here rather than hard-coded,
// per the open-question decision recorded in DESIGN.md.
type Config struct {
	MinLiveEndpoints    int
	WarmModeFloor       int // live-endpoint count below which restore/warm mode activate
	WarmModeFraction    int // route 1 chunk in this many to a disabled endpoint
	CooldownMin         time.Duration
	CooldownMax         time.Duration
	DowngradeScoreFloor int
	ProbeBytes          int64
	ThresholdMultiplier float64
}

// DefaultConfig returns the documented production defaults.
func DefaultConfig() Config {
	return Config{
		MinLiveEndpoints:    2,
		WarmModeFloor:       5,
		WarmModeFraction:    10,
		CooldownMin:         10 * time.Second,
		CooldownMax:         40 * time.Second,
		DowngradeScoreFloor: 10,
		ProbeBytes:          256 * 1024,
		ThresholdMultiplier: 0.6,
	}
}

// Manager owns one task's endpoint population: an order vector (immutable
// after construction except for monotonic growth via AddEndpoint) plus the
// per-endpoint health state. Safe for concurrent use.
type Manager struct {
	cfg   Config
	mu    sync.RWMutex
	order []string
	byURL map[string]*Endpoint
}

// NewManager builds a manager seeded with the given candidate URLs, each
// starting live with score 50.
func NewManager(cfg Config, urls []string) *Manager {
	m := &Manager{cfg: cfg, byURL: make(map[string]*Endpoint, len(urls))}
	for _, u := range urls {
		m.order = append(m.order, u)
		m.byURL[u] = newEndpoint(u)
	}
	return m
}

// AddEndpoint grows the ordered vector monotonically; a no-op if the URL is
// already known.
func (m *Manager) AddEndpoint(url string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byURL[url]; ok {
		return
	}
	m.order = append(m.order, url)
	m.byURL[url] = newEndpoint(url)
}

// Snapshot returns a defensive copy of every known endpoint's state.
func (m *Manager) Snapshot() []Endpoint {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Endpoint, 0, len(m.order))
	for _, u := range m.order {
		e := m.byURL[u]
		out = append(out, Endpoint{
			URL: e.URL, Weight: e.Weight, ProbeSpeedKBps: e.ProbeSpeedKBps,
			Score: e.Score, CooldownSeconds: e.CooldownSeconds,
			NextProbeAt: e.NextProbeAt, SampleCount: e.SampleCount,
		})
	}
	return out
}

func (m *Manager) liveURLsLocked() []string {
	live := make([]string, 0, len(m.order))
	for _, u := range m.order {
		if m.byURL[u].Live() {
			live = append(live, u)
		}
	}
	return live
}

// LiveCount returns the number of endpoints currently live.
func (m *Manager) LiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.liveURLsLocked())
}

// warmModeActive reports whether live endpoints have dropped below the
// configured floor, activating both the restore loop's eagerness and the
// warm-mode chunk routing.
func (m *Manager) warmModeActive() bool {
	return m.LiveCount() < m.cfg.WarmModeFloor
}

// Pick chooses an endpoint for the given chunk index under the given
// policy. Warm mode may override the choice: every WarmModeFraction-th
// chunk is routed to the highest-scoring disabled endpoint, if any exists,
// while live endpoints are below the warm-mode floor. With no live endpoint
// at all it returns ErrNoLiveEndpoint, warm mode included.
func (m *Manager) Pick(policy SelectionPolicy, chunkIndex int) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	live := m.liveURLsLocked()
	if len(live) == 0 {
		return "", ErrNoLiveEndpoint
	}

	if m.warmModeActiveLocked() && m.cfg.WarmModeFraction > 0 && chunkIndex%m.cfg.WarmModeFraction == 0 {
		if url, ok := m.bestDisabledLocked(); ok {
			return url, nil
		}
	}

	switch policy {
	case WeightedHybrid:
		if url, ok := m.weightedPickLocked(live, chunkIndex); ok {
			return url, nil
		}
		fallthrough
	default:
		return live[chunkIndex%len(live)], nil
	}
}

func (m *Manager) warmModeActiveLocked() bool {
	return len(m.liveURLsLocked()) < m.cfg.WarmModeFloor
}

func (m *Manager) bestDisabledLocked() (string, bool) {
	var best *Endpoint
	for _, u := range m.order {
		e := m.byURL[u]
		if e.Live() {
			continue
		}
		if best == nil || e.Score > best.Score {
			best = e
		}
	}
	if best == nil {
		return "", false
	}
	return best.URL, true
}

func (m *Manager) weightedPickLocked(live []string, chunkIndex int) (string, bool) {
	weights := make([]float64, len(live))
	var total float64
	for i, u := range live {
		e := m.byURL[u]
		w := e.EWMASpeed() * float64(e.Score) / 100
		weights[i] = w
		total += w
	}
	if total <= 0 {
		return "", false
	}
	target := float64(chunkIndex%1_000_000) / 1_000_000 * total
	var cum float64
	for i, w := range weights {
		cum += w
		if target <= cum {
			return live[i], true
		}
	}
	return live[len(live)-1], true
}

// computeSpeedKBps guards against a zero or negative elapsed duration.
func computeSpeedKBps(bytes int64, elapsedMs int64) float64 {
	if elapsedMs <= 0 {
		elapsedMs = 1
	}
	return (float64(bytes) / 1024) / (float64(elapsedMs) / 1000)
}

// PostChunkUpdate records a successful chunk transfer against an endpoint:
// scores it against its own recent-speed median (if it has enough samples),
// pushes the new sample into the window, and refreshes the EWMA. Then
// applies downgrade if the score has crossed the floor.
func (m *Manager) PostChunkUpdate(url string, bytes int64, elapsedMs int64) {
	speed := computeSpeedKBps(bytes, elapsedMs)

	m.mu.Lock()
	e, ok := m.byURL[url]
	if !ok {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	if median, ok := e.tracker.Median(); ok {
		threshold := median * m.cfg.ThresholdMultiplier
		if speed < threshold {
			e.Score = clampScore(e.Score - 2)
		} else {
			e.Score = clampScore(e.Score + 3)
		}
	}
	e.tracker.Observe(speed)
	e.SampleCount++

	m.maybeDowngrade(e)
}

// maybeDowngrade disables an endpoint once its score has crossed the floor,
// provided enough live endpoints would remain.
func (m *Manager) maybeDowngrade(e *Endpoint) {
	if e.Score > m.cfg.DowngradeScoreFloor {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !e.Live() {
		return
	}
	if len(m.liveURLsLocked()) <= m.cfg.MinLiveEndpoints {
		return
	}
	e.Weight = 0
	if e.CooldownSeconds <= 0 {
		e.CooldownSeconds = int(m.cfg.CooldownMin.Seconds())
	}
	e.NextProbeAt = time.Now().Add(time.Duration(e.CooldownSeconds) * time.Second)
}

// ApplyProbeFilter records each endpoint's initial probe speed and disables
// any endpoint slower than median(probeSpeeds)*ThresholdMultiplier, unless
// that would disable every endpoint, in which case the single fastest
// stays live. probeSpeeds should carry an entry for every URL this manager
// was built with; a URL missing from it (its probe failed) is treated as
// slowest and disabled first.
func (m *Manager) ApplyProbeFilter(probeSpeeds map[string]float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.order) == 0 {
		return
	}

	speeds := make([]float64, 0, len(m.order))
	for _, u := range m.order {
		speeds = append(speeds, probeSpeeds[u])
	}
	threshold := speedtrack.Median(speeds) * m.cfg.ThresholdMultiplier

	fastestURL := ""
	fastestSpeed := -1.0
	for _, u := range m.order {
		e := m.byURL[u]
		speed, probedOK := probeSpeeds[u]
		e.ProbeSpeedKBps = speed
		if speed > fastestSpeed {
			fastestSpeed = speed
			fastestURL = u
		}
		if !probedOK || speed < threshold {
			e.Weight = 0
			if e.CooldownSeconds <= 0 {
				e.CooldownSeconds = int(m.cfg.CooldownMin.Seconds())
			}
			e.NextProbeAt = time.Now().Add(time.Duration(e.CooldownSeconds) * time.Second)
		}
	}

	if len(m.liveURLsLocked()) == 0 && fastestURL != "" {
		best := m.byURL[fastestURL]
		best.Weight = 1
		best.NextProbeAt = time.Time{}
	}
}

// TryRestore returns one disabled endpoint whose next-probe instant has
// elapsed, preferring the earliest-due one. Intended to be invoked only
// when live endpoints are below the warm-mode floor.
func (m *Manager) TryRestore(now time.Time) (*Endpoint, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.liveURLsLocked()) >= m.cfg.WarmModeFloor {
		return nil, false
	}
	var best *Endpoint
	for _, u := range m.order {
		e := m.byURL[u]
		if e.Live() || !e.HasNextProbe() {
			continue
		}
		if e.NextProbeAt.After(now) {
			continue
		}
		if best == nil || e.NextProbeAt.Before(best.NextProbeAt) {
			best = e
		}
	}
	if best == nil {
		return nil, false
	}
	return best, true
}

// ApplyProbeResult records the outcome of probing a previously-disabled
// endpoint: restores it to live on success above the global threshold, or
// doubles its cooldown and reschedules on failure.
func (m *Manager) ApplyProbeResult(e *Endpoint, probedSpeedKBps float64, success bool, globalThreshold float64, hasThreshold bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if success && (!hasThreshold || probedSpeedKBps >= globalThreshold) {
		e.Weight = 1
		e.Score = 50
		e.CooldownSeconds = int(m.cfg.CooldownMin.Seconds())
		e.tracker.ResetWindow()
		e.NextProbeAt = time.Time{}
		e.ProbeSpeedKBps = probedSpeedKBps
		return
	}
	next := e.CooldownSeconds * 2
	if next > int(m.cfg.CooldownMax.Seconds()) {
		next = int(m.cfg.CooldownMax.Seconds())
	}
	e.CooldownSeconds = next
	e.NextProbeAt = time.Now().Add(time.Duration(next) * time.Second)
}

// GlobalThreshold collects per-endpoint recent-speed medians (only those
// with >=5 samples); with fewer than 3 qualifying endpoints it reports no
// threshold.
func (m *Manager) GlobalThreshold() (float64, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var medians []float64
	for _, u := range m.order {
		if med, ok := m.byURL[u].tracker.Median(); ok {
			medians = append(medians, med)
		}
	}
	if len(medians) < 3 {
		return 0, false
	}
	return speedtrack.Median(medians) * m.cfg.ThresholdMultiplier, true
}

// ResetAllWindows clears every endpoint's recent-speed window, used when
// the scheduler detects the active-task count has increased.
func (m *Manager) ResetAllWindows() {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, u := range m.order {
		m.byURL[u].tracker.ResetWindow()
	}
}

// RunRestoreLoop runs the per-task background restorer: every second, if
// live endpoints are below the warm-mode floor, attempt TryRestore and
// probe the result via the given Prober. Blocks until ctx is cancelled.
func (m *Manager) RunRestoreLoop(ctx context.Context, prober vendorapi.Prober, cookie string) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e, ok := m.TryRestore(time.Now())
			if !ok {
				continue
			}
			result, err := prober.Probe(ctx, e.URL, cookie)
			threshold, hasThreshold := m.GlobalThreshold()
			if err != nil || (result.StatusCode != 200 && result.StatusCode != 206) {
				m.ApplyProbeResult(e, 0, false, threshold, hasThreshold)
				continue
			}
			speed := computeSpeedKBps(m.cfg.ProbeBytes, result.ElapsedMs)
			m.ApplyProbeResult(e, speed, true, threshold, hasThreshold)
		}
	}
}
