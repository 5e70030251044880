package middleware

import (
	"context"
	"time"

	"github.com/patchbay-dev/patchbay/pkg/errdefs"
)

// SelectFunc resolves the request to a concrete instance ID plus a
// structured routing decision. The router provides the implementation.
type SelectFunc func(ctx context.Context, s *State) (instanceID string, decision any, err error)

// ReportFunc records a call outcome against an instance.
type ReportFunc func(instanceID string, success bool, latency time.Duration)

// LoadBalancer picks the target instance at the beforeTool stage and writes
// it into state. The proxy path owns outcome accounting; the afterTool hook
// only records a failure when a tool call was dispatched but its outcome was
// never reported, so a call is never counted twice.
type LoadBalancer struct {
	selectFn SelectFunc
	reportFn ReportFunc
}

// NewLoadBalancer builds the middleware. reportFn may be nil.
func NewLoadBalancer(selectFn SelectFunc, reportFn ReportFunc) *LoadBalancer {
	return &LoadBalancer{selectFn: selectFn, reportFn: reportFn}
}

func (m *LoadBalancer) Name() string { return "loadBalancer" }

func (m *LoadBalancer) Hooks() map[Stage]Hook {
	return map[Stage]Hook{
		StageBeforeTool: m.selectInstance,
		StageAfterTool:  m.reportAbandoned,
	}
}

func (m *LoadBalancer) selectInstance(ctx context.Context, s *State) error {
	// A rule may have pinned the instance already.
	if s.GetString(ValueSelectedInstance) != "" {
		return nil
	}
	if m.selectFn == nil {
		return errdefs.New(errdefs.CodeInternal, "no instance selector configured")
	}
	instanceID, decision, err := m.selectFn(ctx, s)
	if err != nil {
		return err
	}
	s.Set(ValueSelectedInstance, instanceID)
	if decision != nil {
		s.Set(ValueRoutingDecision, decision)
	}
	return nil
}

func (m *LoadBalancer) reportAbandoned(_ context.Context, s *State) error {
	if m.reportFn == nil {
		return nil
	}
	instanceID := s.GetString(ValueSelectedInstance)
	if instanceID == "" || !s.GetBool(ValueToolStarted) || s.GetBool(ValueOutcomeReported) {
		return nil
	}
	m.reportFn(instanceID, false, 0)
	s.Set(ValueOutcomeReported, true)
	return nil
}
