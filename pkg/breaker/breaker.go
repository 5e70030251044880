package breaker

import (
	"sync"
	"time"

	"github.com/patchbay-dev/patchbay/pkg/errdefs"
)

// State is a circuit breaker state
type State string

const (
	// Closed admits all traffic
	Closed State = "closed"
	// Open rejects all traffic until the sleep window elapses
	Open State = "open"
	// HalfOpen admits probe traffic to test whether the backend recovered
	HalfOpen State = "half-open"
)

// Default breaker settings
const (
	DefaultVolumeThreshold   = 10
	DefaultErrorThresholdPct = 50.0
	DefaultSleepWindow       = 30 * time.Second
	DefaultSuccessThreshold  = 3
	DefaultRollingWindow     = 10 * time.Second
)

// Settings tunes the trip and recovery behavior shared by all breakers
// in a set.
type Settings struct {
	// VolumeThreshold is the minimum number of calls in the rolling
	// window before the error rate is evaluated at all.
	VolumeThreshold int
	// ErrorThresholdPct opens the breaker when the window error rate
	// reaches this percentage.
	ErrorThresholdPct float64
	// SleepWindow is how long an open breaker rejects traffic before
	// admitting half-open probes.
	SleepWindow time.Duration
	// SuccessThreshold closes a half-open breaker after this many
	// consecutive successes.
	SuccessThreshold int
	// RollingWindow bounds the age of outcomes considered for the
	// error rate.
	RollingWindow time.Duration
}

// DefaultSettings returns the standard gateway breaker settings
func DefaultSettings() Settings {
	return Settings{
		VolumeThreshold:   DefaultVolumeThreshold,
		ErrorThresholdPct: DefaultErrorThresholdPct,
		SleepWindow:       DefaultSleepWindow,
		SuccessThreshold:  DefaultSuccessThreshold,
		RollingWindow:     DefaultRollingWindow,
	}
}

func (s Settings) withDefaults() Settings {
	if s.VolumeThreshold <= 0 {
		s.VolumeThreshold = DefaultVolumeThreshold
	}
	if s.ErrorThresholdPct <= 0 {
		s.ErrorThresholdPct = DefaultErrorThresholdPct
	}
	if s.SleepWindow <= 0 {
		s.SleepWindow = DefaultSleepWindow
	}
	if s.SuccessThreshold <= 0 {
		s.SuccessThreshold = DefaultSuccessThreshold
	}
	if s.RollingWindow <= 0 {
		s.RollingWindow = DefaultRollingWindow
	}
	return s
}

// TransitionFunc observes breaker state changes
type TransitionFunc func(instanceID string, from, to State)

type outcome struct {
	at      time.Time
	failure bool
}

type circuit struct {
	state     State
	outcomes  []outcome
	successes int // consecutive successes while half-open
	openedAt  time.Time
}

// Status is a point-in-time snapshot of one breaker
type Status struct {
	State          State     `json:"state"`
	WindowRequests int       `json:"windowRequests"`
	WindowFailures int       `json:"windowFailures"`
	OpenedAt       time.Time `json:"openedAt,omitempty"`
}

// Breakers manages one circuit breaker per service instance. Circuits
// are created lazily in the closed state on first use.
type Breakers struct {
	mu           sync.Mutex
	circuits     map[string]*circuit
	settings     Settings
	onTransition TransitionFunc
}

// New creates a breaker set with the given settings. Zero-valued fields
// fall back to the defaults.
func New(settings Settings) *Breakers {
	return &Breakers{
		circuits: make(map[string]*circuit),
		settings: settings.withDefaults(),
	}
}

// OnTransition installs a callback invoked after every state change.
// The callback runs outside the breaker lock.
func (b *Breakers) OnTransition(fn TransitionFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onTransition = fn
}

// Allow reports whether a call to the instance may proceed. An open
// breaker whose sleep window has elapsed moves to half-open and admits
// the call as a probe.
func (b *Breakers) Allow(instanceID string) error {
	b.mu.Lock()
	c := b.circuitLocked(instanceID)

	switch c.state {
	case Closed:
		b.mu.Unlock()
		return nil
	case HalfOpen:
		// Concurrent probes are admitted; any one failure reopens.
		b.mu.Unlock()
		return nil
	default: // Open
		wait := b.settings.SleepWindow - time.Since(c.openedAt)
		if wait <= 0 {
			fire := b.transitionLocked(instanceID, c, HalfOpen)
			b.mu.Unlock()
			fire()
			return nil
		}
		b.mu.Unlock()
		return errdefs.Newf(errdefs.CodeBreakerOpen,
			"circuit open for instance %s", instanceID).
			WithMeta("retryAfterMs", wait.Milliseconds())
	}
}

// RecordSuccess feeds a successful call outcome into the breaker
func (b *Breakers) RecordSuccess(instanceID string) {
	b.mu.Lock()
	c := b.circuitLocked(instanceID)

	fire := noTransition
	switch c.state {
	case Closed:
		c.outcomes = append(c.outcomes, outcome{at: time.Now()})
		b.pruneLocked(c)
	case HalfOpen:
		c.successes++
		if c.successes >= b.settings.SuccessThreshold {
			fire = b.transitionLocked(instanceID, c, Closed)
		}
	case Open:
		// Late completion of a call admitted before the trip. Ignored.
	}
	b.mu.Unlock()
	fire()
}

// RecordFailure feeds a failed call outcome into the breaker
func (b *Breakers) RecordFailure(instanceID string) {
	b.mu.Lock()
	c := b.circuitLocked(instanceID)

	fire := noTransition
	switch c.state {
	case Closed:
		c.outcomes = append(c.outcomes, outcome{at: time.Now(), failure: true})
		b.pruneLocked(c)
		if b.shouldTripLocked(c) {
			fire = b.transitionLocked(instanceID, c, Open)
		}
	case HalfOpen:
		fire = b.transitionLocked(instanceID, c, Open)
	case Open:
	}
	b.mu.Unlock()
	fire()
}

// State returns the current state for the instance. Unknown instances
// report closed.
func (b *Breakers) State(instanceID string) State {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.circuits[instanceID]
	if !ok {
		return Closed
	}
	return c.state
}

// ForceState pins the breaker to a state, bypassing window evaluation.
// Used by operators to shed or restore traffic manually.
func (b *Breakers) ForceState(instanceID string, state State) {
	b.mu.Lock()
	c := b.circuitLocked(instanceID)
	fire := noTransition
	if c.state != state {
		fire = b.transitionLocked(instanceID, c, state)
	}
	b.mu.Unlock()
	fire()
}

// Reset returns the breaker to closed with an empty window
func (b *Breakers) Reset(instanceID string) {
	b.mu.Lock()
	c := b.circuitLocked(instanceID)
	fire := noTransition
	if c.state != Closed {
		fire = b.transitionLocked(instanceID, c, Closed)
	}
	c.outcomes = nil
	c.successes = 0
	b.mu.Unlock()
	fire()
}

// Remove discards breaker state for an instance that no longer exists
func (b *Breakers) Remove(instanceID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.circuits, instanceID)
}

// StatusOf returns a snapshot for one instance
func (b *Breakers) StatusOf(instanceID string) Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.circuits[instanceID]
	if !ok {
		return Status{State: Closed}
	}
	return statusLocked(c)
}

// Snapshot returns the status of every tracked breaker
func (b *Breakers) Snapshot() map[string]Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]Status, len(b.circuits))
	for id, c := range b.circuits {
		out[id] = statusLocked(c)
	}
	return out
}

// OpenCount returns the number of breakers currently open
func (b *Breakers) OpenCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, c := range b.circuits {
		if c.state == Open {
			n++
		}
	}
	return n
}

func statusLocked(c *circuit) Status {
	st := Status{State: c.state, WindowRequests: len(c.outcomes)}
	for _, o := range c.outcomes {
		if o.failure {
			st.WindowFailures++
		}
	}
	if c.state == Open {
		st.OpenedAt = c.openedAt
	}
	return st
}

func (b *Breakers) circuitLocked(instanceID string) *circuit {
	c, ok := b.circuits[instanceID]
	if !ok {
		c = &circuit{state: Closed}
		b.circuits[instanceID] = c
	}
	return c
}

// pruneLocked drops outcomes older than the rolling window
func (b *Breakers) pruneLocked(c *circuit) {
	cutoff := time.Now().Add(-b.settings.RollingWindow)
	i := 0
	for ; i < len(c.outcomes); i++ {
		if c.outcomes[i].at.After(cutoff) {
			break
		}
	}
	if i > 0 {
		c.outcomes = append(c.outcomes[:0], c.outcomes[i:]...)
	}
}

func (b *Breakers) shouldTripLocked(c *circuit) bool {
	total := len(c.outcomes)
	if total < b.settings.VolumeThreshold {
		return false
	}
	failures := 0
	for _, o := range c.outcomes {
		if o.failure {
			failures++
		}
	}
	rate := float64(failures) / float64(total) * 100
	return rate >= b.settings.ErrorThresholdPct
}

// transitionLocked mutates the circuit and returns the callback to fire
// once the lock is released.
func (b *Breakers) transitionLocked(instanceID string, c *circuit, to State) func() {
	from := c.state
	c.state = to
	switch to {
	case Open:
		c.openedAt = time.Now()
		c.successes = 0
	case HalfOpen:
		c.successes = 0
	case Closed:
		c.outcomes = nil
		c.successes = 0
	}
	fn := b.onTransition
	if fn == nil {
		return noTransition
	}
	return func() { fn(instanceID, from, to) }
}

func noTransition() {}
