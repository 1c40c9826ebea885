// Package ratelimit provides a generic token-bucket limiter plus the
// named rate budgets the vendor PCS metadata calls are paced against.
package ratelimit

import "time"

// PCS metadata-call rate budget.
//
// Chunk transfers (ranged GETs, chunk upload POSTs) are paced by the
// endpoint-health manager and scheduler, not by this package — only the
// PCS metadata surface (precreate, create, list, filemetas) shares a
// single conservative budget, since those calls are comparatively rare
// per task (a handful per transfer) but cheap to accidentally hammer when
// many tasks start at once.
const (
	// PCSMetadataRatePerSec is the steady-state budget for precreate/
	// create/list/filemetas calls combined.
	PCSMetadataRatePerSec = 2.0

	// PCSMetadataBurst allows a short burst of metadata calls — e.g. many
	// tasks precreating at once on daemon startup — before settling into
	// the steady-state rate.
	PCSMetadataBurst = 10.0
)

// Utilization-based notification thresholds, used by RateLimiter's hysteresis
// so a limiter that's merely busy doesn't flicker warnings on and off.
const (
	// UtilizationWarnThreshold activates the warning state once refillRate/
	// hardLimitPerS reaches this fraction.
	UtilizationWarnThreshold = 0.6

	// UtilizationSuppressThreshold deactivates the warning state once
	// utilization drops below this fraction. Kept below the warn threshold
	// so utilization hovering between the two doesn't toggle the warning
	// on every sample.
	UtilizationSuppressThreshold = 0.5

	// NotifyMinInterval throttles utilization warnings to at most one per
	// interval, regardless of how often Wait() calls would otherwise trigger
	// one.
	NotifyMinInterval = 30 * time.Second
)
