package registry

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/patchbay-dev/patchbay/pkg/balancer"
	"github.com/patchbay-dev/patchbay/pkg/breaker"
	"github.com/patchbay-dev/patchbay/pkg/config"
	"github.com/patchbay-dev/patchbay/pkg/errdefs"
	"github.com/patchbay-dev/patchbay/pkg/events"
	"github.com/patchbay-dev/patchbay/pkg/health"
	"github.com/patchbay-dev/patchbay/pkg/instance"
	"github.com/patchbay-dev/patchbay/pkg/log"
	"github.com/patchbay-dev/patchbay/pkg/metrics"
	"github.com/patchbay-dev/patchbay/pkg/protocol"
	"github.com/patchbay-dev/patchbay/pkg/sandbox"
	"github.com/patchbay-dev/patchbay/pkg/transport"
	"github.com/patchbay-dev/patchbay/pkg/types"
)

// Initial-connect retry backoff. The budget itself comes from
// template.Retries.
const (
	connectBackoffBase = 500 * time.Millisecond
	connectBackoffCap  = 10 * time.Second
)

// Options carries the components a Registry composes. All fields except
// Store-backed template persistence are required.
type Options struct {
	Templates *Templates
	Manager   *instance.Manager
	Monitor   *health.Monitor
	Breakers  *breaker.Breakers
	Balancer  *balancer.Balancer
	Bus       *events.Bus
	Policy    *sandbox.Policy
}

// Stats is a point-in-time summary of everything the registry owns.
type Stats struct {
	Templates         int                         `json:"templates"`
	Instances         int                         `json:"instances"`
	InstancesByState  map[types.InstanceState]int `json:"instancesByState"`
	HealthyInstances  int                         `json:"healthyInstances"`
	OpenBreakers      int                         `json:"openBreakers"`
	ConnectedAdapters int                         `json:"connectedAdapters"`
}

// Registry ties templates, instances, health, breakers, and the balancer
// together behind one surface. It owns the adapter pool: one connected
// adapter per instance, created on first use and reused until the instance
// is removed or its transport breaks.
type Registry struct {
	templates *Templates
	manager   *instance.Manager
	monitor   *health.Monitor
	breakers  *breaker.Breakers
	balancer  *balancer.Balancer
	bus       *events.Bus
	policy    *sandbox.Policy
	logger    zerolog.Logger

	mu       sync.Mutex
	adapters map[string]transport.Adapter
	connects singleflight.Group
	probeSeq atomic.Int64
}

// New wires the registry into its components: it becomes the monitor's
// probe implementation, reacts to health flips and probe failures, and
// publishes breaker transitions.
func New(opts Options) *Registry {
	r := &Registry{
		templates: opts.Templates,
		manager:   opts.Manager,
		monitor:   opts.Monitor,
		breakers:  opts.Breakers,
		balancer:  opts.Balancer,
		bus:       opts.Bus,
		policy:    opts.Policy,
		logger:    log.WithComponent("registry"),
		adapters:  make(map[string]transport.Adapter),
	}

	r.monitor.SetProbeFunc(r.probe)
	r.monitor.OnChange(r.onHealthChange)
	r.monitor.OnProbeFailed(r.onProbeFailed)
	r.breakers.OnTransition(r.onBreakerTransition)

	return r
}

// RegisterTemplate validates, rewrites per sandbox policy, and stores a
// template. The bool reports whether anything changed.
func (r *Registry) RegisterTemplate(tpl *types.ServiceTemplate) (*types.ServiceTemplate, bool, error) {
	return r.templates.Register(tpl)
}

// GetTemplate returns a clone of a registered template.
func (r *Registry) GetTemplate(name string) (*types.ServiceTemplate, error) {
	return r.templates.Get(name)
}

// ListTemplates returns clones of every template, sorted by name.
func (r *Registry) ListTemplates() []*types.ServiceTemplate {
	return r.templates.List()
}

// RemoveTemplate deletes a template. It refuses with Conflict while
// instances reference the template; removing an unknown name reports false.
func (r *Registry) RemoveTemplate(name string) (bool, error) {
	if n := r.manager.CountByTemplate(name); n > 0 {
		return false, errdefs.Newf(errdefs.CodeConflict, "template %s has %d live instance(s)", name, n).
			WithMeta("instances", n)
	}
	return r.templates.Remove(name)
}

// DiagnoseTemplate dry-runs the sandbox policy against a stored template.
func (r *Registry) DiagnoseTemplate(name string) ([]sandbox.Finding, error) {
	tpl, err := r.templates.Get(name)
	if err != nil {
		return nil, err
	}
	return r.policy.Diagnose(tpl), nil
}

// CreateInstance materializes a template into an idle instance: env
// overrides merged, ${NAME} references resolved once, the result frozen
// into the instance. Keep-alive instances are watched immediately.
func (r *Registry) CreateInstance(templateName string, overrides map[string]string, mode types.InstanceMode) (*types.ServiceInstance, error) {
	tpl, err := r.templates.Get(templateName)
	if err != nil {
		return nil, err
	}

	if len(overrides) > 0 {
		if tpl.Env == nil {
			tpl.Env = make(map[string]string, len(overrides))
		}
		for key, value := range overrides {
			tpl.Env[key] = value
		}
	}

	resolved := config.ResolveTemplate(tpl)

	inst, err := r.manager.Create(resolved, mode)
	if err != nil {
		return nil, err
	}

	r.monitor.Watch(inst.ID, resolved.ProbeSpec(), inst.Mode)
	r.balancer.MarkHealthy(inst.ID)

	r.bus.Publish(types.Event{
		Type: types.EventServiceCreated,
		Payload: map[string]any{
			"instanceId": inst.ID,
			"template":   resolved.Name,
			"mode":       string(inst.Mode),
		},
	})
	return inst, nil
}

// RemoveInstance tears an instance down: monitoring stops, balancer and
// breaker state is dropped, the adapter is disconnected, and the instance
// leaves the manager after passing through stopping → stopped.
func (r *Registry) RemoveInstance(ctx context.Context, id string) error {
	inst, err := r.manager.Get(id)
	if err != nil {
		return err
	}

	r.monitor.Unwatch(id)
	r.balancer.Remove(id)
	r.breakers.Remove(id)
	r.dropAdapter(ctx, id)

	if !inst.State.Terminal() {
		if inst.State != types.StateStopping {
			if _, err := r.manager.UpdateState(id, types.StateStopping); err != nil {
				r.logger.Debug().Str("instanceId", id).Err(err).Msg("stop transition refused")
			}
		}
		if _, err := r.manager.UpdateState(id, types.StateStopped); err != nil {
			r.logger.Debug().Str("instanceId", id).Err(err).Msg("stopped transition refused")
		}
	}

	if err := r.manager.Remove(id); err != nil {
		return err
	}

	r.bus.Publish(types.Event{
		Type: types.EventServiceStopped,
		Payload: map[string]any{
			"instanceId": id,
			"template":   inst.Template.Name,
		},
	})
	return nil
}

// GetInstance returns a clone of one instance.
func (r *Registry) GetInstance(id string) (*types.ServiceInstance, error) {
	return r.manager.Get(id)
}

// UpdateInstanceEnv merges env entries into a live instance and evicts its
// pooled adapter so the next connect launches with the new environment.
func (r *Registry) UpdateInstanceEnv(ctx context.Context, id string, env map[string]string) (*types.ServiceInstance, error) {
	inst, err := r.manager.UpdateEnv(id, env)
	if err != nil {
		return nil, err
	}
	r.dropAdapter(ctx, id)
	return inst, nil
}

// ListInstances returns clones of every instance, ordered by creation.
func (r *Registry) ListInstances() []*types.ServiceInstance {
	return r.manager.List()
}

// GetInstancesByTemplate returns the instances spawned from one template.
func (r *Registry) GetInstancesByTemplate(name string) []*types.ServiceInstance {
	return r.manager.ListByTemplate(name)
}

// GetHealthyInstances returns routable instances the monitor considers
// healthy. Instances never probed count as healthy until proven otherwise.
// An empty template name means all templates.
func (r *Registry) GetHealthyInstances(templateName string) []*types.ServiceInstance {
	var out []*types.ServiceInstance
	for _, inst := range r.instancesFor(templateName) {
		if !inst.Routable() {
			continue
		}
		if st, ok := r.monitor.StatusOf(inst.ID); ok && st.Known() && !st.Healthy {
			continue
		}
		out = append(out, inst)
	}
	return out
}

// Candidates builds the balancer's view of the routable instances of a
// template (or all templates when the name is empty).
func (r *Registry) Candidates(templateName string) []balancer.Candidate {
	instances := r.instancesFor(templateName)
	out := make([]balancer.Candidate, 0, len(instances))
	for _, inst := range instances {
		if !inst.Routable() {
			continue
		}
		c := balancer.Candidate{
			Instance:    inst,
			BreakerOpen: r.breakers.State(inst.ID) == breaker.Open,
		}
		if st, ok := r.monitor.StatusOf(inst.ID); ok {
			c.Unhealthy = st.Known() && !st.Healthy
		}
		out = append(out, c)
	}
	return out
}

// SelectBestInstance picks an instance of a template using the given
// strategy. An empty strategy falls back to round-robin.
func (r *Registry) SelectBestInstance(templateName string, strategy balancer.Strategy) (*types.ServiceInstance, error) {
	if strategy == "" {
		strategy = balancer.RoundRobin
	}
	group := templateName
	if group == "" {
		group = "*"
	}
	return r.balancer.Select(strategy, group, r.Candidates(templateName))
}

// ScaleTemplate creates or removes keep-alive instances until the template
// has exactly replicas live ones. Shrinking removes the newest first.
func (r *Registry) ScaleTemplate(ctx context.Context, name string, replicas int) ([]*types.ServiceInstance, error) {
	if replicas < 0 {
		return nil, errdefs.New(errdefs.CodeValidation, "replicas must not be negative")
	}
	if _, err := r.templates.Get(name); err != nil {
		return nil, err
	}

	current := r.instancesFor(name)
	live := current[:0]
	for _, inst := range current {
		if !inst.State.Terminal() && inst.State != types.StateStopping {
			live = append(live, inst)
		}
	}

	for len(live) < replicas {
		inst, err := r.CreateInstance(name, nil, types.ModeKeepAlive)
		if err != nil {
			return live, err
		}
		live = append(live, inst)
	}
	for len(live) > replicas {
		doomed := live[len(live)-1]
		if err := r.RemoveInstance(ctx, doomed.ID); err != nil {
			return live, err
		}
		live = live[:len(live)-1]
	}

	r.logger.Info().Str("template", name).Int("replicas", replicas).Msg("Template scaled")
	return live, nil
}

// EnsureConnected returns the instance's pooled adapter, connecting it
// first when needed. Concurrent callers share one connect attempt; a
// caller whose context ends detaches while the connect finishes for the
// rest.
func (r *Registry) EnsureConnected(ctx context.Context, id string) (transport.Adapter, error) {
	ch := r.connects.DoChan(id, func() (any, error) {
		return r.connect(id)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(transport.Adapter), nil
	case <-ctx.Done():
		err := ctx.Err()
		return nil, errdefs.Wrap(err, errdefs.CodeOf(err), "connect to "+id+" interrupted").
			WithMeta("instanceId", id)
	}
}

// connect builds and connects the adapter for one instance, retrying the
// initialize exchange up to template.Retries times with exponential
// backoff. Exhausting the budget on a never-started instance is fatal for
// it; an established instance keeps its state and the monitor decides.
func (r *Registry) connect(id string) (transport.Adapter, error) {
	inst, err := r.manager.Get(id)
	if err != nil {
		return nil, err
	}
	switch inst.State {
	case types.StateStopping, types.StateStopped, types.StateError:
		return nil, errdefs.Newf(errdefs.CodeConflict, "instance %s is %s", id, inst.State)
	}

	if adapter := r.pooled(id); adapter != nil {
		return adapter, nil
	}

	initial := inst.State == types.StateIdle
	if initial {
		if _, err := r.manager.UpdateState(id, types.StateStarting); err != nil {
			return nil, err
		}
	}

	adapter, err := transport.New(transport.Config{
		InstanceID: id,
		Template:   inst.Template,
		Policy:     r.policy,
	}, r.bus)
	if err != nil {
		return nil, err
	}

	attempts := inst.Template.Retries + 1
	backoff := connectBackoffBase
	var connectErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			time.Sleep(backoff)
			backoff *= 2
			if backoff > connectBackoffCap {
				backoff = connectBackoffCap
			}
		}

		connectCtx, cancel := context.WithTimeout(context.Background(), transport.ConnectTimeout)
		connectErr = adapter.Connect(connectCtx)
		cancel()
		if connectErr == nil {
			break
		}
		r.logger.Warn().Str("instanceId", id).Int("attempt", attempt).Int("budget", attempts).
			Err(connectErr).Msg("Connect attempt failed")
	}

	if connectErr != nil {
		adapter.Disconnect(context.Background())
		r.manager.IncrementErrorCount(id)
		if initial || inst.State == types.StateStarting {
			if _, err := r.manager.UpdateState(id, types.StateError); err != nil {
				r.logger.Debug().Str("instanceId", id).Err(err).Msg("error transition refused")
			}
		}
		return nil, errdefs.Wrapf(connectErr, errdefs.CodeOf(connectErr), "failed to connect instance %s", id).
			WithMeta("instanceId", id).
			WithMeta("attempts", attempts)
	}

	// The instance may have been removed while we were connecting.
	if _, err := r.manager.Get(id); err != nil {
		adapter.Disconnect(context.Background())
		return nil, err
	}

	r.mu.Lock()
	r.adapters[id] = adapter
	r.mu.Unlock()

	if initial || inst.State == types.StateStarting {
		if _, err := r.manager.UpdateState(id, types.StateRunning); err != nil {
			r.logger.Debug().Str("instanceId", id).Err(err).Msg("running transition refused")
		}
	}

	r.logger.Info().Str("instanceId", id).Str("transport", string(adapter.Kind())).Msg("Instance connected")
	return adapter, nil
}

// Adapter returns the pooled adapter for an instance, if connected.
func (r *Registry) Adapter(id string) (transport.Adapter, bool) {
	adapter := r.pooled(id)
	return adapter, adapter != nil
}

// DropAdapter evicts and disconnects the pooled adapter so the next call
// reconnects from scratch. Used after a transport failure.
func (r *Registry) DropAdapter(ctx context.Context, id string) {
	r.dropAdapter(ctx, id)
}

// Logs returns the most recent captured output lines of an instance.
// Instances without a connected process-backed adapter have none.
func (r *Registry) Logs(id string, limit int) ([]transport.LogLine, error) {
	if _, err := r.manager.Get(id); err != nil {
		return nil, err
	}
	adapter := r.pooled(id)
	if adapter == nil {
		return nil, nil
	}
	return adapter.Logs(limit), nil
}

// CheckHealth probes an instance immediately, outside its schedule.
func (r *Registry) CheckHealth(ctx context.Context, id string) (health.Result, error) {
	return r.monitor.CheckNow(ctx, id)
}

// ReportHeartbeat records an externally supplied health observation for a
// managed instance.
func (r *Registry) ReportHeartbeat(id string, healthy bool, latency time.Duration, message string) error {
	if _, err := r.manager.Get(id); err != nil {
		return err
	}
	r.monitor.ReportHeartbeat(id, healthy, latency, message)
	return nil
}

// HealthStats returns the windowed probe statistics of one instance.
func (r *Registry) HealthStats(id string) (health.InstanceStats, bool) {
	return r.monitor.StatsOf(id)
}

// GetHealthAggregates summarizes monitor state across all instances.
func (r *Registry) GetHealthAggregates() health.Aggregates {
	return r.monitor.Aggregates()
}

// BreakerStatus returns the breaker view of one instance.
func (r *Registry) BreakerStatus(id string) breaker.Status {
	return r.breakers.StatusOf(id)
}

// BalancerMetrics returns the balancer counters of one instance.
func (r *Registry) BalancerMetrics(id string) (balancer.Metrics, bool) {
	return r.balancer.MetricsFor(id)
}

// GetRegistryStats summarizes everything the registry owns.
func (r *Registry) GetRegistryStats() Stats {
	r.mu.Lock()
	connected := len(r.adapters)
	r.mu.Unlock()

	return Stats{
		Templates:         r.templates.Count(),
		Instances:         r.manager.Count(),
		InstancesByState:  r.InstanceCountsByState(),
		HealthyInstances:  r.monitor.HealthyCount(),
		OpenBreakers:      r.breakers.OpenCount(),
		ConnectedAdapters: connected,
	}
}

// TemplateCount implements metrics.StatsSource.
func (r *Registry) TemplateCount() int {
	return r.templates.Count()
}

// InstanceCountsByState implements metrics.StatsSource.
func (r *Registry) InstanceCountsByState() map[types.InstanceState]int {
	counts := make(map[types.InstanceState]int)
	for _, inst := range r.manager.List() {
		counts[inst.State]++
	}
	return counts
}

// HealthyInstanceCount implements metrics.StatsSource.
func (r *Registry) HealthyInstanceCount() int {
	return r.monitor.HealthyCount()
}

// OpenBreakerCount implements metrics.StatsSource.
func (r *Registry) OpenBreakerCount() int {
	return r.breakers.OpenCount()
}

// Close stops monitoring and disconnects every pooled adapter.
func (r *Registry) Close(ctx context.Context) {
	r.monitor.Stop()

	r.mu.Lock()
	adapters := r.adapters
	r.adapters = make(map[string]transport.Adapter)
	r.mu.Unlock()

	for id, adapter := range adapters {
		if err := adapter.Disconnect(ctx); err != nil {
			r.logger.Warn().Str("instanceId", id).Err(err).Msg("Adapter disconnect failed")
		}
	}
}

// probe is the monitor's probe implementation: ensure the adapter is
// connected, send the template's probe method, and require a non-error
// reply.
func (r *Registry) probe(ctx context.Context, instanceID string) (time.Duration, error) {
	adapter, err := r.EnsureConnected(ctx, instanceID)
	if err != nil {
		return 0, err
	}
	inst, err := r.manager.Get(instanceID)
	if err != nil {
		return 0, err
	}

	spec := inst.Template.ProbeSpec()
	id := json.RawMessage(strconv.Quote("probe-" + strconv.FormatInt(r.probeSeq.Add(1), 10)))
	req, err := protocol.NewRequest(id, spec.Method, nil)
	if err != nil {
		return 0, err
	}

	start := time.Now()
	reply, err := adapter.SendAndReceive(ctx, req)
	latency := time.Since(start)
	if err != nil {
		if errdefs.IsCode(err, errdefs.CodeTransportFailure) {
			r.dropAdapter(ctx, instanceID)
		}
		return latency, err
	}
	if reply.Error != nil {
		return latency, errdefs.Newf(errdefs.CodeBackendError, "probe %s rejected: %s", spec.Method, reply.Error.Message)
	}
	return latency, nil
}

// onHealthChange reacts to monitor flips: state moves between running and
// degraded, recovery clears the balancer cooldown, and subscribers hear
// about it.
func (r *Registry) onHealthChange(instanceID string, healthy bool, message string) {
	inst, err := r.manager.Get(instanceID)
	if err != nil {
		return
	}

	if healthy {
		if inst.State == types.StateDegraded {
			if _, err := r.manager.UpdateState(instanceID, types.StateRunning); err != nil {
				r.logger.Debug().Str("instanceId", instanceID).Err(err).Msg("recovery transition refused")
			}
		}
		r.balancer.MarkHealthy(instanceID)
	} else if inst.State == types.StateRunning {
		if _, err := r.manager.UpdateState(instanceID, types.StateDegraded); err != nil {
			r.logger.Debug().Str("instanceId", instanceID).Err(err).Msg("degrade transition refused")
		}
	}

	r.bus.Publish(types.Event{
		Type: types.EventServiceHealthChanged,
		Payload: map[string]any{
			"instanceId": instanceID,
			"healthy":    healthy,
			"message":    message,
		},
	})
}

// onProbeFailed records every failed probe on the instance, flip or not.
func (r *Registry) onProbeFailed(instanceID string, message string) {
	count, err := r.manager.IncrementErrorCount(instanceID)
	if err != nil {
		return
	}
	if err := r.manager.SetMetadata(instanceID, types.MetaLastProbeError, message); err != nil {
		return
	}

	r.bus.Publish(types.Event{
		Type: types.EventProbeFailed,
		Payload: map[string]any{
			"instanceId": instanceID,
			"error":      message,
			"errorCount": count,
		},
	})
}

// onBreakerTransition surfaces breaker movement as an event and a metric.
func (r *Registry) onBreakerTransition(instanceID string, from, to breaker.State) {
	metrics.BreakerTransitionsTotal.WithLabelValues(string(to)).Inc()
	r.logger.Info().Str("instanceId", instanceID).
		Str("from", string(from)).Str("to", string(to)).
		Msg("Breaker state changed")

	r.bus.Publish(types.Event{
		Type: types.EventBreakerStateChanged,
		Payload: map[string]any{
			"instanceId": instanceID,
			"from":       string(from),
			"to":         string(to),
		},
	})
}

func (r *Registry) instancesFor(templateName string) []*types.ServiceInstance {
	if templateName == "" {
		return r.manager.List()
	}
	return r.manager.ListByTemplate(templateName)
}

func (r *Registry) pooled(id string) transport.Adapter {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.adapters[id]
}

func (r *Registry) dropAdapter(ctx context.Context, id string) {
	r.mu.Lock()
	adapter := r.adapters[id]
	delete(r.adapters, id)
	r.mu.Unlock()

	if adapter == nil {
		return
	}
	if err := adapter.Disconnect(ctx); err != nil {
		r.logger.Warn().Str("instanceId", id).Err(err).Msg("Adapter disconnect failed")
	}
}
