package balancer

import (
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/patchbay-dev/patchbay/pkg/errdefs"
	"github.com/patchbay-dev/patchbay/pkg/types"
)

// Default balancer tuning
const (
	DefaultEWMAWindow       = 10
	DefaultCooldown         = 30 * time.Second
	DefaultFailureThreshold = 3
)

// Config tunes outcome tracking. Zero-valued fields fall back to the
// defaults.
type Config struct {
	// EWMAWindow sets the smoothing factor α = 2/(window+1) for the
	// latency average.
	EWMAWindow int
	// Cooldown is how long an instance is skipped after consecutive
	// failures reach FailureThreshold.
	Cooldown time.Duration
	// FailureThreshold is the consecutive-failure count that marks an
	// instance unhealthy and starts its cooldown.
	FailureThreshold int
}

func (c Config) withDefaults() Config {
	if c.EWMAWindow <= 0 {
		c.EWMAWindow = DefaultEWMAWindow
	}
	if c.Cooldown <= 0 {
		c.Cooldown = DefaultCooldown
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = DefaultFailureThreshold
	}
	return c
}

// Candidate pairs an instance with the routing facts the balancer does
// not own itself.
type Candidate struct {
	Instance    *types.ServiceInstance
	BreakerOpen bool
	// Unhealthy is true only when the last known health state is bad;
	// never-probed instances stay eligible.
	Unhealthy bool
}

// Metrics is a point-in-time snapshot of one instance's balancer state
type Metrics struct {
	EWMALatencyMs       float64   `json:"ewmaLatencyMs"`
	Requests            uint64    `json:"requests"`
	Errors              uint64    `json:"errors"`
	ConsecutiveFailures int       `json:"consecutiveFailures"`
	Healthy             bool      `json:"healthy"`
	InFlight            int64     `json:"inFlight"`
	CooldownUntil       time.Time `json:"cooldownUntil,omitempty"`
}

type entry struct {
	ewmaMs        float64
	samples       int
	requests      uint64
	errors        uint64
	consecFail    int
	healthy       bool
	inFlight      int64
	cooldownUntil time.Time
}

// Balancer selects instances within a service group and tracks
// per-instance outcome metrics. Entries are created lazily on first
// use.
type Balancer struct {
	mu      sync.Mutex
	entries map[string]*entry
	cursors map[string]int // group -> round-robin cursor
	cfg     Config
}

// New creates a balancer with the given config
func New(cfg Config) *Balancer {
	return &Balancer{
		entries: make(map[string]*entry),
		cursors: make(map[string]int),
		cfg:     cfg.withDefaults(),
	}
}

// Select picks one instance from the candidates using the strategy.
// Candidates that are not running, have an open breaker, are known
// unhealthy, or are cooling down are filtered first; if that removes
// everyone the raw set is used, preferring brownout over hard-down.
func (b *Balancer) Select(strategy Strategy, group string, candidates []Candidate) (*types.ServiceInstance, error) {
	if !strategy.Valid() {
		return nil, errdefs.Newf(errdefs.CodeValidation, "unknown balancing strategy: %s", strategy)
	}
	if len(candidates) == 0 {
		return nil, errdefs.Newf(errdefs.CodeNoServiceAvailable, "no instances available in group %q", group)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	eligible := b.filterLocked(candidates)
	if len(eligible) == 0 {
		eligible = candidates
	}

	switch strategy {
	case LeastConn:
		return b.pickLeastConnLocked(eligible), nil
	case Weighted:
		return pickWeighted(eligible), nil
	case LeastLatency:
		return b.pickLeastLatencyLocked(eligible), nil
	case Failover:
		return eligible[0].Instance, nil
	default: // RoundRobin
		return b.pickRoundRobinLocked(group, eligible), nil
	}
}

func (b *Balancer) filterLocked(candidates []Candidate) []Candidate {
	now := time.Now()
	eligible := make([]Candidate, 0, len(candidates))
	for _, c := range candidates {
		if c.Instance.State != types.StateRunning {
			continue
		}
		if c.BreakerOpen || c.Unhealthy {
			continue
		}
		if e, ok := b.entries[c.Instance.ID]; ok && now.Before(e.cooldownUntil) {
			continue
		}
		eligible = append(eligible, c)
	}
	return eligible
}

func (b *Balancer) pickRoundRobinLocked(group string, eligible []Candidate) *types.ServiceInstance {
	index := b.cursors[group] % len(eligible)
	b.cursors[group] = (index + 1) % len(eligible)
	return eligible[index].Instance
}

func (b *Balancer) pickLeastConnLocked(eligible []Candidate) *types.ServiceInstance {
	var selected *types.ServiceInstance
	var minInFlight int64 = math.MaxInt64

	for _, c := range eligible {
		var inFlight int64
		if e, ok := b.entries[c.Instance.ID]; ok {
			inFlight = e.inFlight
		}
		// Ties break toward the lexicographically smallest ID so the
		// choice is deterministic.
		if selected == nil || inFlight < minInFlight ||
			(inFlight == minInFlight && c.Instance.ID < selected.ID) {
			minInFlight = inFlight
			selected = c.Instance
		}
	}
	return selected
}

func pickWeighted(eligible []Candidate) *types.ServiceInstance {
	total := 0.0
	for _, c := range eligible {
		total += c.Instance.Weight()
	}
	r := rand.Float64() * total
	for _, c := range eligible {
		r -= c.Instance.Weight()
		if r < 0 {
			return c.Instance
		}
	}
	return eligible[len(eligible)-1].Instance
}

func (b *Balancer) pickLeastLatencyLocked(eligible []Candidate) *types.ServiceInstance {
	var selected *types.ServiceInstance
	best := math.Inf(1)

	for _, c := range eligible {
		ewma := math.Inf(1) // no samples yet
		if e, ok := b.entries[c.Instance.ID]; ok && e.samples > 0 {
			ewma = e.ewmaMs
		}
		if selected == nil || ewma < best {
			best = ewma
			selected = c.Instance
		}
	}
	return selected
}

// Acquire marks a call in flight against the instance
func (b *Balancer) Acquire(instanceID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entryLocked(instanceID).inFlight++
}

// Release ends the in-flight accounting started by Acquire
func (b *Balancer) Release(instanceID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e := b.entryLocked(instanceID)
	if e.inFlight > 0 {
		e.inFlight--
	}
}

// ReportOutcome feeds a completed call into the instance metrics. A
// failure run reaching the threshold marks the instance unhealthy and
// starts its cooldown; a success folds the latency into the EWMA and
// clears the run.
func (b *Balancer) ReportOutcome(instanceID string, latency time.Duration, failed bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e := b.entryLocked(instanceID)
	e.requests++
	if failed {
		e.errors++
		e.consecFail++
		if e.consecFail >= b.cfg.FailureThreshold {
			e.healthy = false
			e.cooldownUntil = time.Now().Add(b.cfg.Cooldown)
		}
		return
	}

	e.consecFail = 0
	e.healthy = true
	ms := float64(latency.Milliseconds())
	alpha := 2.0 / float64(b.cfg.EWMAWindow+1)
	if e.samples == 0 {
		e.ewmaMs = ms
	} else {
		e.ewmaMs = alpha*ms + (1-alpha)*e.ewmaMs
	}
	e.samples++
}

// MarkHealthy clears failure tracking for the instance, ending any
// active cooldown. Called when a health probe sees the backend recover.
func (b *Balancer) MarkHealthy(instanceID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e := b.entryLocked(instanceID)
	e.healthy = true
	e.consecFail = 0
	e.cooldownUntil = time.Time{}
}

// Remove discards metrics for an instance that no longer exists
func (b *Balancer) Remove(instanceID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.entries, instanceID)
}

// MetricsFor returns a snapshot for one instance
func (b *Balancer) MetricsFor(instanceID string) (Metrics, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.entries[instanceID]
	if !ok {
		return Metrics{}, false
	}
	return e.snapshot(), true
}

// Snapshot returns metrics for every tracked instance
func (b *Balancer) Snapshot() map[string]Metrics {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]Metrics, len(b.entries))
	for id, e := range b.entries {
		out[id] = e.snapshot()
	}
	return out
}

func (b *Balancer) entryLocked(instanceID string) *entry {
	e, ok := b.entries[instanceID]
	if !ok {
		e = &entry{healthy: true}
		b.entries[instanceID] = e
	}
	return e
}

func (e *entry) snapshot() Metrics {
	return Metrics{
		EWMALatencyMs:       e.ewmaMs,
		Requests:            e.requests,
		Errors:              e.errors,
		ConsecutiveFailures: e.consecFail,
		Healthy:             e.healthy,
		InFlight:            e.inFlight,
		CooldownUntil:       e.cooldownUntil,
	}
}
