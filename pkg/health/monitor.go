package health

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/patchbay-dev/patchbay/pkg/errdefs"
	"github.com/patchbay-dev/patchbay/pkg/log"
	"github.com/patchbay-dev/patchbay/pkg/metrics"
	"github.com/patchbay-dev/patchbay/pkg/types"
)

// ProbeFunc performs one live probe against an instance and returns the
// round-trip latency. The registry installs it so the monitor never
// touches adapters directly.
type ProbeFunc func(ctx context.Context, instanceID string) (time.Duration, error)

// ChangeFunc observes healthy-flag flips
type ChangeFunc func(instanceID string, healthy bool, message string)

// FailureFunc observes individual failed checks
type FailureFunc func(instanceID string, message string)

type sample struct {
	healthy bool
	latency time.Duration
}

type record struct {
	status Status
	spec   types.HealthCheckSpec
	mode   types.InstanceMode

	window []sample
	next   int

	// probeMu serializes probes so at most one is in flight per
	// instance, including forced CheckNow probes.
	probeMu sync.Mutex
}

func (r *record) push(s sample) {
	if len(r.window) < DefaultWindowSize {
		r.window = append(r.window, s)
		return
	}
	r.window[r.next] = s
	r.next = (r.next + 1) % DefaultWindowSize
}

// Monitor runs periodic health probes for keep-alive instances and
// accepts heartbeats for managed ones. It owns no transport: probes go
// through the installed ProbeFunc.
type Monitor struct {
	mu       sync.Mutex
	records  map[string]*record
	cancels  map[string]context.CancelFunc
	probe    ProbeFunc
	onChange ChangeFunc
	onFailed FailureFunc
	logger   zerolog.Logger
}

// NewMonitor creates a monitor with no watched instances
func NewMonitor() *Monitor {
	return &Monitor{
		records: make(map[string]*record),
		cancels: make(map[string]context.CancelFunc),
		logger:  log.WithComponent("health"),
	}
}

// SetProbeFunc installs the probe implementation. Probes are skipped
// while none is installed.
func (m *Monitor) SetProbeFunc(fn ProbeFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.probe = fn
}

// OnChange installs a callback fired when an instance's healthy flag
// flips. The callback runs outside the monitor lock.
func (m *Monitor) OnChange(fn ChangeFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onChange = fn
}

// OnProbeFailed installs a callback fired for every failed check
func (m *Monitor) OnProbeFailed(fn FailureFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onFailed = fn
}

// Watch begins tracking an instance. Keep-alive instances get a probe
// loop; managed instances are tracked passively and advance only on
// heartbeats. Watching an already-watched instance is a no-op.
func (m *Monitor) Watch(instanceID string, spec types.HealthCheckSpec, mode types.InstanceMode) {
	m.mu.Lock()
	if _, ok := m.records[instanceID]; ok {
		m.mu.Unlock()
		return
	}

	rec := &record{
		status: Status{Healthy: true, StartedAt: time.Now()},
		spec:   normalizeSpec(spec),
		mode:   mode,
	}
	m.records[instanceID] = rec

	if mode == types.ModeManaged {
		m.mu.Unlock()
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.cancels[instanceID] = cancel
	m.mu.Unlock()

	go m.probeLoop(ctx, instanceID, rec)
}

// Unwatch stops tracking an instance and discards its history
func (m *Monitor) Unwatch(instanceID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cancel, ok := m.cancels[instanceID]; ok {
		cancel()
		delete(m.cancels, instanceID)
	}
	delete(m.records, instanceID)
}

// Stop cancels every probe loop
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, cancel := range m.cancels {
		cancel()
		delete(m.cancels, id)
	}
}

// ReportHeartbeat feeds an externally observed check into the monitor.
// Unknown instances are registered as managed on first heartbeat.
func (m *Monitor) ReportHeartbeat(instanceID string, healthy bool, latency time.Duration, message string) {
	m.mu.Lock()
	rec, ok := m.records[instanceID]
	if !ok {
		rec = &record{
			status: Status{Healthy: true, StartedAt: time.Now()},
			spec:   normalizeSpec(types.HealthCheckSpec{}),
			mode:   types.ModeManaged,
		}
		m.records[instanceID] = rec
	}
	m.mu.Unlock()

	m.observe(instanceID, rec, Result{
		Healthy:   healthy,
		Message:   message,
		CheckedAt: time.Now(),
		Latency:   latency,
		LatencyMs: latency.Milliseconds(),
	})
}

// CheckNow forces an immediate probe, bypassing the interval
func (m *Monitor) CheckNow(ctx context.Context, instanceID string) (Result, error) {
	m.mu.Lock()
	rec, ok := m.records[instanceID]
	probe := m.probe
	m.mu.Unlock()

	if !ok {
		return Result{}, errdefs.Newf(errdefs.CodeNotFound, "instance %s is not monitored", instanceID)
	}
	if probe == nil {
		return Result{}, errdefs.New(errdefs.CodeInternal, "no probe function installed")
	}
	return m.runProbe(ctx, instanceID, rec, probe), nil
}

// StatusOf returns a snapshot of the instance status
func (m *Monitor) StatusOf(instanceID string) (Status, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[instanceID]
	if !ok {
		return Status{}, false
	}
	return rec.status, true
}

// StatsOf returns the status plus rolling-window statistics
func (m *Monitor) StatsOf(instanceID string) (InstanceStats, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[instanceID]
	if !ok {
		return InstanceStats{}, false
	}

	stats := InstanceStats{
		Status:     rec.status,
		WindowSize: len(rec.window),
	}

	if len(rec.window) == 0 {
		return stats, true
	}

	failures := 0
	latencies := make([]float64, 0, len(rec.window))
	for _, s := range rec.window {
		if !s.healthy {
			failures++
		}
		latencies = append(latencies, float64(s.latency.Milliseconds()))
	}
	stats.ErrorRate = float64(failures) / float64(len(rec.window))
	stats.P95LatencyMs = percentile(latencies, 0.95)
	stats.P99LatencyMs = percentile(latencies, 0.99)
	return stats, true
}

// Aggregates summarizes every tracked instance
func (m *Monitor) Aggregates() Aggregates {
	m.mu.Lock()
	defer m.mu.Unlock()

	agg := Aggregates{Watched: len(m.records)}
	for _, rec := range m.records {
		agg.Checks += rec.status.Checks
		agg.Failures += rec.status.Failures
		switch {
		case !rec.status.Known():
			agg.Unknown++
		case rec.status.Healthy:
			agg.Healthy++
		default:
			agg.Unhealthy++
		}
	}
	if agg.Checks > 0 {
		agg.ErrorRate = float64(agg.Failures) / float64(agg.Checks)
	}
	return agg
}

// HealthyCount returns the number of instances currently healthy,
// counting unknown instances as healthy.
func (m *Monitor) HealthyCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, rec := range m.records {
		if rec.status.Healthy {
			n++
		}
	}
	return n
}

func (m *Monitor) probeLoop(ctx context.Context, instanceID string, rec *record) {
	interval := time.Duration(rec.spec.Interval) * time.Millisecond
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// First probe runs immediately so fresh instances converge fast.
	m.loopProbe(ctx, instanceID, rec)

	for {
		select {
		case <-ticker.C:
			m.loopProbe(ctx, instanceID, rec)
		case <-ctx.Done():
			return
		}
	}
}

func (m *Monitor) loopProbe(ctx context.Context, instanceID string, rec *record) {
	m.mu.Lock()
	probe := m.probe
	m.mu.Unlock()
	if probe == nil {
		return
	}
	m.runProbe(ctx, instanceID, rec, probe)
}

func (m *Monitor) runProbe(ctx context.Context, instanceID string, rec *record, probe ProbeFunc) Result {
	rec.probeMu.Lock()
	defer rec.probeMu.Unlock()

	timeout := time.Duration(rec.spec.Timeout) * time.Millisecond
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	latency, err := probe(probeCtx, instanceID)
	cancel()

	result := Result{
		Healthy:   err == nil,
		CheckedAt: time.Now(),
		Latency:   latency,
		LatencyMs: latency.Milliseconds(),
	}
	if err != nil {
		result.Message = err.Error()
		metrics.ProbesTotal.WithLabelValues("failure").Inc()
	} else {
		metrics.ProbesTotal.WithLabelValues("success").Inc()
	}
	metrics.ProbeDuration.Observe(latency.Seconds())

	m.observe(instanceID, rec, result)
	return result
}

func (m *Monitor) observe(instanceID string, rec *record, result Result) {
	m.mu.Lock()
	flipped := rec.status.Update(result, rec.spec.FailureThreshold)
	rec.push(sample{healthy: result.Healthy, latency: result.Latency})
	healthy := rec.status.Healthy
	onChange := m.onChange
	onFailed := m.onFailed
	m.mu.Unlock()

	if !result.Healthy && onFailed != nil {
		onFailed(instanceID, result.Message)
	}
	if flipped {
		m.logger.Info().
			Str("instance_id", instanceID).
			Bool("healthy", healthy).
			Str("message", result.Message).
			Msg("Instance health changed")
		if onChange != nil {
			onChange(instanceID, healthy, result.Message)
		}
	}
}

func normalizeSpec(spec types.HealthCheckSpec) types.HealthCheckSpec {
	if spec.Method == "" {
		spec.Method = types.DefaultProbeMethod
	}
	if spec.Interval <= 0 {
		spec.Interval = types.DefaultProbeIntervalMs
	}
	if spec.Timeout <= 0 {
		spec.Timeout = types.DefaultProbeTimeoutMs
	}
	if spec.FailureThreshold <= 0 {
		spec.FailureThreshold = types.DefaultFailureThreshold
	}
	return spec
}

// percentile returns the q-quantile of the samples using the
// nearest-rank method. The input slice is sorted in place.
func percentile(samples []float64, q float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	sort.Float64s(samples)
	idx := int(math.Ceil(q*float64(len(samples)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(samples) {
		idx = len(samples) - 1
	}
	return samples[idx]
}
