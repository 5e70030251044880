package router

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/patchbay-dev/patchbay/pkg/balancer"
	"github.com/patchbay-dev/patchbay/pkg/breaker"
	"github.com/patchbay-dev/patchbay/pkg/errdefs"
	"github.com/patchbay-dev/patchbay/pkg/log"
	"github.com/patchbay-dev/patchbay/pkg/metrics"
	"github.com/patchbay-dev/patchbay/pkg/protocol"
	"github.com/patchbay-dev/patchbay/pkg/registry"
	"github.com/patchbay-dev/patchbay/pkg/types"
)

// DefaultHistorySize bounds the routing decision ring.
const DefaultHistorySize = 256

// Retry backoff for idempotent proxy calls.
const (
	retryBackoffBase = 250 * time.Millisecond
	retryBackoffCap  = 10 * time.Second
)

// defaultIdempotentMethods are the read-only protocol methods safe to
// retry after a recoverable failure.
var defaultIdempotentMethods = []string{
	protocol.MethodToolsList,
	protocol.MethodPing,
	"resources/list",
	"prompts/list",
}

// Decision is the outcome of one Route call.
type Decision struct {
	Instance       *types.ServiceInstance `json:"instance"`
	Strategy       balancer.Strategy      `json:"strategy"`
	FiltersApplied []string               `json:"filtersApplied,omitempty"`
	RuleApplied    string                 `json:"ruleApplied,omitempty"`
	Reason         string                 `json:"reason"`
	DecidedAt      time.Time              `json:"decidedAt"`
}

// HistoryEntry records one routing decision, kept in a bounded ring.
type HistoryEntry struct {
	Method     string            `json:"method"`
	Group      string            `json:"group,omitempty"`
	InstanceID string            `json:"instanceId,omitempty"`
	Strategy   balancer.Strategy `json:"strategy,omitempty"`
	Rule       string            `json:"rule,omitempty"`
	Error      string            `json:"error,omitempty"`
	At         time.Time         `json:"at"`
}

// Stats aggregates routing activity since startup.
type Stats struct {
	Total       uint64                       `json:"total"`
	Failures    uint64                       `json:"failures"`
	SuccessRate float64                      `json:"successRate"`
	ByStrategy  map[balancer.Strategy]uint64 `json:"byStrategy"`
	History     []HistoryEntry               `json:"history"`
}

// Options configures a Router.
type Options struct {
	Registry        *registry.Registry
	Balancer        *balancer.Balancer
	Breakers        *breaker.Breakers
	DefaultStrategy balancer.Strategy
	HistorySize     int
	// IdempotentMethods overrides the retryable method allow-list.
	IdempotentMethods []string
}

// Router turns incoming calls into instance selections and proxies
// envelopes to the selected backend. It is the single place proxy
// outcomes are reported from, so the breaker, balancer, and health
// monitor each see every call exactly once.
type Router struct {
	registry        *registry.Registry
	balancer        *balancer.Balancer
	breakers        *breaker.Breakers
	defaultStrategy balancer.Strategy
	idempotent      map[string]bool
	logger          zerolog.Logger

	mu         sync.Mutex
	rules      []Rule
	history    []HistoryEntry
	next       int
	count      int
	total      uint64
	failures   uint64
	byStrategy map[balancer.Strategy]uint64
}

// New creates a router over the registry's candidates.
func New(opts Options) *Router {
	size := opts.HistorySize
	if size <= 0 {
		size = DefaultHistorySize
	}
	strategy := opts.DefaultStrategy
	if strategy == "" {
		strategy = balancer.RoundRobin
	}
	methods := opts.IdempotentMethods
	if methods == nil {
		methods = defaultIdempotentMethods
	}
	idempotent := make(map[string]bool, len(methods))
	for _, m := range methods {
		idempotent[m] = true
	}

	return &Router{
		registry:        opts.Registry,
		balancer:        opts.Balancer,
		breakers:        opts.Breakers,
		defaultStrategy: strategy,
		idempotent:      idempotent,
		logger:          log.WithComponent("router"),
		history:         make([]HistoryEntry, size),
		byStrategy:      make(map[balancer.Strategy]uint64),
	}
}

// Route picks an instance for the request: rules run in priority order,
// then the balancer selects among the surviving candidates.
func (r *Router) Route(ctx context.Context, req Request) (*Decision, error) {
	if req.Method == "" {
		return nil, errdefs.New(errdefs.CodeValidation, "route requires a method")
	}
	if err := ctx.Err(); err != nil {
		return nil, errdefs.Wrap(err, errdefs.CodeOf(err), "route abandoned")
	}

	candidates := r.registry.Candidates(req.ServiceGroup)

	var filtersApplied []string
	for _, rule := range r.ListRules() {
		if !rule.Match(&req) {
			continue
		}
		switch {
		case rule.Rewrite != nil:
			before := req.ServiceGroup
			rule.Rewrite(&req)
			if req.ServiceGroup != before {
				candidates = r.registry.Candidates(req.ServiceGroup)
			}
			filtersApplied = append(filtersApplied, rule.Name)
		case rule.Filter != nil:
			candidates = rule.Filter(&req, candidates)
			filtersApplied = append(filtersApplied, rule.Name)
		case rule.Pin != nil:
			if inst := rule.Pin(&req, candidates); inst != nil {
				decision := &Decision{
					Instance:       inst,
					Strategy:       req.Strategy,
					FiltersApplied: filtersApplied,
					RuleApplied:    rule.Name,
					Reason:         fmt.Sprintf("pinned by rule %s", rule.Name),
					DecidedAt:      time.Now(),
				}
				r.record(req, decision, nil)
				return decision, nil
			}
		}
	}

	strategy := req.Strategy
	if strategy == "" {
		strategy = r.defaultStrategy
	}

	if len(candidates) == 0 {
		err := errdefs.Newf(errdefs.CodeNoServiceAvailable,
			"no instances available for group %q", groupLabel(req.ServiceGroup)).
			WithMeta("method", req.Method).
			WithMeta("filtersApplied", filtersApplied)
		r.record(req, &Decision{Strategy: strategy, FiltersApplied: filtersApplied}, err)
		return nil, err
	}

	inst, err := r.balancer.Select(strategy, groupLabel(req.ServiceGroup), candidates)
	if err != nil {
		r.record(req, &Decision{Strategy: strategy, FiltersApplied: filtersApplied}, err)
		return nil, err
	}

	decision := &Decision{
		Instance:       inst,
		Strategy:       strategy,
		FiltersApplied: filtersApplied,
		Reason:         fmt.Sprintf("%s over %d candidate(s)", strategy, len(candidates)),
		DecidedAt:      time.Now(),
	}
	r.record(req, decision, nil)
	return decision, nil
}

// Proxy forwards an envelope to an instance and returns the backend's
// reply verbatim, JSON-RPC error replies included. An open breaker
// rejects the call before any transport work. Idempotent methods are
// retried within the template's budget; everything else gets exactly one
// attempt.
func (r *Router) Proxy(ctx context.Context, instanceID string, envelope *protocol.Message) (*protocol.Message, error) {
	if envelope == nil || envelope.Method == "" {
		return nil, errdefs.New(errdefs.CodeValidation, "proxy requires a request or notification envelope")
	}
	inst, err := r.registry.GetInstance(instanceID)
	if err != nil {
		return nil, err
	}
	transportLabel := string(inst.Template.Transport)

	if err := r.breakers.Allow(instanceID); err != nil {
		metrics.ProxyRequestsTotal.WithLabelValues(transportLabel, "rejected").Inc()
		return nil, err
	}

	// Deadline = min(caller deadline, template timeout).
	tplTimeout := inst.Template.TimeoutDuration()
	if deadline, ok := ctx.Deadline(); !ok || time.Until(deadline) > tplTimeout {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, tplTimeout)
		defer cancel()
	}

	budget := 0
	if envelope.IsRequest() && r.idempotent[envelope.Method] {
		budget = inst.Template.Retries
	}

	backoff := retryBackoffBase
	var reply *protocol.Message
	for attempt := 0; ; attempt++ {
		reply, err = r.attempt(ctx, instanceID, transportLabel, envelope)
		if err == nil || attempt >= budget || !errdefs.IsRecoverable(err) {
			break
		}
		metrics.ProxyRetriesTotal.Inc()
		r.logger.Debug().Str("instanceId", instanceID).Str("method", envelope.Method).
			Int("attempt", attempt+1).Err(err).Msg("Retrying idempotent call")
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			cerr := ctx.Err()
			return nil, errdefs.Wrap(cerr, errdefs.CodeOf(cerr), "retry wait interrupted").
				WithMeta("instanceId", instanceID)
		}
		backoff *= 2
		if backoff > retryBackoffCap {
			backoff = retryBackoffCap
		}
	}
	return reply, err
}

// attempt performs one proxy exchange and feeds its outcome to the
// breaker, balancer, and health monitor.
func (r *Router) attempt(ctx context.Context, instanceID, transportLabel string, envelope *protocol.Message) (*protocol.Message, error) {
	adapter, err := r.registry.EnsureConnected(ctx, instanceID)
	if err != nil {
		r.reportOutcome(instanceID, 0, err)
		metrics.ProxyRequestsTotal.WithLabelValues(transportLabel, "failure").Inc()
		return nil, err
	}

	r.balancer.Acquire(instanceID)
	timer := metrics.NewTimer()
	var reply *protocol.Message
	if envelope.IsNotification() {
		err = adapter.Send(ctx, envelope)
	} else {
		reply, err = adapter.SendAndReceive(ctx, envelope)
	}
	latency := timer.Duration()
	r.balancer.Release(instanceID)

	r.reportOutcome(instanceID, latency, err)
	timer.ObserveDurationVec(metrics.ProxyDuration, transportLabel)
	if err != nil {
		metrics.ProxyRequestsTotal.WithLabelValues(transportLabel, "failure").Inc()
		if errdefs.IsCode(err, errdefs.CodeTransportFailure) {
			// A broken pipe cannot be reused; evict so the next call
			// reconnects from scratch.
			r.registry.DropAdapter(context.Background(), instanceID)
		}
		return nil, errdefs.Wrapf(err, errdefs.CodeOf(err), "proxy to %s failed", instanceID)
	}
	metrics.ProxyRequestsTotal.WithLabelValues(transportLabel, "success").Inc()
	return reply, nil
}

// reportOutcome distributes one call outcome. Failures that are the
// caller's doing (cancellation) or the gateway's own bookkeeping
// (conflict, not found) never count against the backend.
func (r *Router) reportOutcome(instanceID string, latency time.Duration, err error) {
	if err == nil {
		r.balancer.ReportOutcome(instanceID, latency, false)
		r.breakers.RecordSuccess(instanceID)
		_ = r.registry.ReportHeartbeat(instanceID, true, latency, "")
		return
	}
	if !backendFault(err) {
		return
	}
	r.balancer.ReportOutcome(instanceID, latency, true)
	r.breakers.RecordFailure(instanceID)
	_ = r.registry.ReportHeartbeat(instanceID, false, latency, err.Error())
}

func backendFault(err error) bool {
	switch errdefs.CodeOf(err) {
	case errdefs.CodeTransportFailure, errdefs.CodeTimeout, errdefs.CodeBackendError:
		return true
	}
	return false
}

// Stats returns routing aggregates plus the bounded decision history,
// oldest first.
func (r *Router) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	stats := Stats{
		Total:      r.total,
		Failures:   r.failures,
		ByStrategy: make(map[balancer.Strategy]uint64, len(r.byStrategy)),
		History:    r.historyLocked(),
	}
	for s, n := range r.byStrategy {
		stats.ByStrategy[s] = n
	}
	if r.total > 0 {
		stats.SuccessRate = float64(r.total-r.failures) / float64(r.total)
	}
	return stats
}

func (r *Router) record(req Request, decision *Decision, err error) {
	entry := HistoryEntry{
		Method:   req.Method,
		Group:    req.ServiceGroup,
		Strategy: decision.Strategy,
		Rule:     decision.RuleApplied,
		At:       time.Now(),
	}
	if decision.Instance != nil {
		entry.InstanceID = decision.Instance.ID
	}

	outcome := "selected"
	if err != nil {
		entry.Error = err.Error()
		outcome = "failed"
	}
	strategyLabel := string(decision.Strategy)
	if strategyLabel == "" {
		strategyLabel = "pinned"
	}
	metrics.RouteDecisionsTotal.WithLabelValues(strategyLabel, outcome).Inc()

	r.mu.Lock()
	r.total++
	if err != nil {
		r.failures++
	}
	r.byStrategy[decision.Strategy]++
	r.history[r.next] = entry
	r.next = (r.next + 1) % len(r.history)
	if r.count < len(r.history) {
		r.count++
	}
	r.mu.Unlock()
}

func (r *Router) historyLocked() []HistoryEntry {
	if r.count < len(r.history) {
		return append([]HistoryEntry(nil), r.history[:r.count]...)
	}
	out := make([]HistoryEntry, 0, len(r.history))
	out = append(out, r.history[r.next:]...)
	out = append(out, r.history[:r.next]...)
	return out
}

func groupLabel(group string) string {
	if group == "" {
		return "*"
	}
	return group
}
