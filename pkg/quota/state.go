// Package quota enforces a remote service's request budget across every
// worker that shares it: a sliding-hour request cap, a concurrent in-flight
// cap, a minimum spacing between requests, and cool-downs reported after
// the service rejects a call as rate limited.
package quota

import (
	"time"
)

// Class names a category of remote endpoint with its own budget.
type Class string

const (
	// ClassQuery covers the paginated query/engage endpoints.
	ClassQuery Class = "query"

	// ClassExport covers the raw export endpoint.
	ClassExport Class = "export"
)

// DefaultWindow is the length of the sliding request window.
const DefaultWindow = time.Hour

// DefaultMaxWait bounds how long Acquire blocks before giving up.
const DefaultMaxWait = 10 * time.Minute

// Limits is the budget for one class.
type Limits struct {
	// HourlyLimit caps requests issued within any sliding window.
	// Zero disables the cap.
	HourlyLimit int

	// MaxConcurrent caps requests in flight at once. Must be positive.
	MaxConcurrent int

	// MinSpacing is the minimum time between two request starts.
	// Zero disables spacing.
	MinSpacing time.Duration

	// CooldownBase is the first backoff step after a rate-limit rejection.
	CooldownBase time.Duration

	// CooldownMax caps the exponential cool-down.
	CooldownMax time.Duration
}

// DefaultLimits returns the published budgets of the analytics API:
// 60 queries/hour with 5 concurrent for query endpoints, and
// 60 requests/hour, 3 per second, 100 concurrent for export.
func DefaultLimits() map[Class]Limits {
	return map[Class]Limits{
		ClassQuery: {
			HourlyLimit:   60,
			MaxConcurrent: 5,
			CooldownBase:  5 * time.Second,
			CooldownMax:   5 * time.Minute,
		},
		ClassExport: {
			HourlyLimit:   60,
			MaxConcurrent: 100,
			MinSpacing:    334 * time.Millisecond,
			CooldownBase:  5 * time.Second,
			CooldownMax:   5 * time.Minute,
		},
	}
}

// QuotaState is a point-in-time snapshot of one class's counters.
type QuotaState struct {
	Class Class `json:"class"`

	// WindowCount is the number of requests issued in the current window.
	WindowCount int `json:"window_count"`

	// InFlight is the number of permits currently held.
	InFlight int `json:"in_flight"`

	// LastRequest is when the most recent permit was granted.
	LastRequest time.Time `json:"last_request"`

	// CooldownUntil is the end of the enforced cool-down, zero if none.
	CooldownUntil time.Time `json:"cooldown_until"`
}

// CoolingDown reports whether the cool-down is still active at now.
func (s QuotaState) CoolingDown(now time.Time) bool {
	return now.Before(s.CooldownUntil)
}
