package health

import (
	"time"

	"github.com/patchbay-dev/patchbay/pkg/types"
)

// DefaultWindowSize bounds the per-instance rolling sample window used
// for latency percentiles and error rate.
const DefaultWindowSize = 64

// Result represents the outcome of a single probe or heartbeat
type Result struct {
	Healthy   bool          `json:"healthy"`
	Message   string        `json:"message,omitempty"`
	CheckedAt time.Time     `json:"checkedAt"`
	Latency   time.Duration `json:"-"`
	LatencyMs int64         `json:"latencyMs"`
}

// Status tracks the current health of one instance
type Status struct {
	// Healthy indicates whether the instance is currently considered
	// healthy. Instances start healthy and flip only after the failure
	// threshold is reached.
	Healthy bool `json:"healthy"`

	// ConsecutiveFailures tracks the current run of failed checks
	ConsecutiveFailures int `json:"consecutiveFailures"`

	// ConsecutiveSuccesses tracks the current run of successful checks
	ConsecutiveSuccesses int `json:"consecutiveSuccesses"`

	// LastCheck is the timestamp of the last probe or heartbeat
	LastCheck time.Time `json:"lastCheck,omitzero"`

	// LastResult is the most recent check outcome
	LastResult Result `json:"lastResult"`

	// StartedAt is when monitoring began for this instance
	StartedAt time.Time `json:"startedAt"`

	// Checks and Failures count every observation since StartedAt
	Checks   uint64 `json:"checks"`
	Failures uint64 `json:"failures"`
}

// Known reports whether at least one check has completed. Instances
// with no observations yet are "unknown" and stay routable.
func (s *Status) Known() bool {
	return s.Checks > 0
}

// Update folds a check result into the status and reports whether the
// healthy flag flipped.
func (s *Status) Update(result Result, failureThreshold int) bool {
	if failureThreshold <= 0 {
		failureThreshold = types.DefaultFailureThreshold
	}

	was := s.Healthy
	s.LastCheck = result.CheckedAt
	s.LastResult = result
	s.Checks++

	if result.Healthy {
		s.ConsecutiveSuccesses++
		s.ConsecutiveFailures = 0
		// A single success is enough to recover.
		s.Healthy = true
	} else {
		s.Failures++
		s.ConsecutiveFailures++
		s.ConsecutiveSuccesses = 0
		if s.ConsecutiveFailures >= failureThreshold {
			s.Healthy = false
		}
	}
	return s.Healthy != was
}

// InstanceStats extends Status with rolling-window statistics
type InstanceStats struct {
	Status
	WindowSize   int     `json:"windowSize"`
	ErrorRate    float64 `json:"errorRate"`
	P95LatencyMs float64 `json:"p95LatencyMs"`
	P99LatencyMs float64 `json:"p99LatencyMs"`
}

// Aggregates summarizes monitor-wide health
type Aggregates struct {
	Watched   int     `json:"watched"`
	Healthy   int     `json:"healthy"`
	Unhealthy int     `json:"unhealthy"`
	Unknown   int     `json:"unknown"`
	Checks    uint64  `json:"checks"`
	Failures  uint64  `json:"failures"`
	ErrorRate float64 `json:"errorRate"`
}
