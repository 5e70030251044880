package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/patchbay-dev/patchbay/pkg/auth"
	"github.com/patchbay-dev/patchbay/pkg/errdefs"
	"github.com/patchbay-dev/patchbay/pkg/log"
)

// Stage identifies one of the six fixed pipeline stages.
type Stage string

const (
	StageBeforeAgent Stage = "beforeAgent"
	StageBeforeModel Stage = "beforeModel"
	StageAfterModel  Stage = "afterModel"
	StageBeforeTool  Stage = "beforeTool"
	StageAfterTool   Stage = "afterTool"
	StageAfterAgent  Stage = "afterAgent"
)

// Stages lists the pipeline stages in execution order.
var Stages = []Stage{
	StageBeforeAgent,
	StageBeforeModel,
	StageAfterModel,
	StageBeforeTool,
	StageAfterTool,
	StageAfterAgent,
}

// Well-known keys in State.Values. Writes follow last-writer-wins when two
// middlewares touch the same key at the same stage.
const (
	// ValueSelectedInstance holds the instance ID chosen for the tool call.
	ValueSelectedInstance = "selectedInstance"
	// ValueRoutingDecision holds the structured decision behind the selection.
	ValueRoutingDecision = "routingDecision"
	// ValueToolStarted marks that the tool call was actually dispatched.
	ValueToolStarted = "toolStarted"
	// ValueOutcomeReported marks that breaker/balancer accounting already ran.
	ValueOutcomeReported = "outcomeReported"
	// ValueResult holds the tool result payload for the after stages.
	ValueResult = "result"
	// ValueStrategy carries a per-request balancing strategy override.
	ValueStrategy = "strategy"
)

// State is the mutable request context threaded through every stage.
type State struct {
	Method       string
	Params       json.RawMessage
	ServiceGroup string
	Headers      http.Header
	Source       string
	Principal    *auth.Principal
	Values       map[string]any
	Aborted      bool
	Err          error
}

// NewState builds a State for one inbound request.
func NewState(method string, params json.RawMessage) *State {
	return &State{
		Method:  method,
		Params:  params,
		Headers: make(http.Header),
		Values:  make(map[string]any),
	}
}

// Set stores a value for later stages.
func (s *State) Set(key string, value any) {
	if s.Values == nil {
		s.Values = make(map[string]any)
	}
	s.Values[key] = value
}

// Get returns a stored value and whether it was present.
func (s *State) Get(key string) (any, bool) {
	v, ok := s.Values[key]
	return v, ok
}

// GetString returns a stored string value, or "" when absent or not a string.
func (s *State) GetString(key string) string {
	v, _ := s.Values[key].(string)
	return v
}

// GetBool returns a stored bool value, or false when absent or not a bool.
func (s *State) GetBool(key string) bool {
	v, _ := s.Values[key].(bool)
	return v
}

// Abort marks the state terminally failed. Later stages are skipped.
func (s *State) Abort(err error) {
	s.Aborted = true
	s.Err = err
}

// Hook runs a middleware's logic for one stage.
type Hook func(ctx context.Context, s *State) error

// Middleware contributes hooks to any subset of the pipeline stages.
type Middleware interface {
	Name() string
	Hooks() map[Stage]Hook
}

type funcMiddleware struct {
	name  string
	hooks map[Stage]Hook
}

// NewMiddleware adapts a name and a hook map into a Middleware.
func NewMiddleware(name string, hooks map[Stage]Hook) Middleware {
	return &funcMiddleware{name: name, hooks: hooks}
}

func (m *funcMiddleware) Name() string          { return m.name }
func (m *funcMiddleware) Hooks() map[Stage]Hook { return m.hooks }

// Chain executes registered middlewares stage by stage in insertion order.
type Chain struct {
	mu           sync.RWMutex
	middlewares  []Middleware
	stageTimeout time.Duration
	hookTimeout  time.Duration
	logger       zerolog.Logger
}

// Option configures a Chain.
type Option func(*Chain)

// WithStageTimeout bounds the total time one stage may take.
func WithStageTimeout(d time.Duration) Option {
	return func(c *Chain) { c.stageTimeout = d }
}

// WithHookTimeout bounds each individual middleware hook.
func WithHookTimeout(d time.Duration) Option {
	return func(c *Chain) { c.hookTimeout = d }
}

// NewChain builds an empty chain. Timeouts default to unbounded.
func NewChain(opts ...Option) *Chain {
	c := &Chain{logger: log.WithComponent("middleware")}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Use appends middlewares to the chain. Hooks run in the order their
// middlewares were registered.
func (c *Chain) Use(mws ...Middleware) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.middlewares = append(c.middlewares, mws...)
}

// Names returns the registered middleware names in execution order.
func (c *Chain) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, len(c.middlewares))
	for i, mw := range c.middlewares {
		names[i] = mw.Name()
	}
	return names
}

// Run executes all six stages in order, stopping at the first failure.
func (c *Chain) Run(ctx context.Context, s *State) error {
	return c.RunStages(ctx, s, Stages...)
}

// RunStages executes the given stages in order, stopping at the first
// failure.
func (c *Chain) RunStages(ctx context.Context, s *State, stages ...Stage) error {
	for _, stage := range stages {
		if err := c.RunStage(ctx, stage, s); err != nil {
			return err
		}
	}
	return nil
}

// RunStage executes one stage across all middlewares. A hook error is
// wrapped with the middleware name and stage, aborts the state, and skips
// the remaining hooks; aborted states return their stored error without
// running anything.
func (c *Chain) RunStage(ctx context.Context, stage Stage, s *State) error {
	if s.Aborted {
		return s.Err
	}

	c.mu.RLock()
	mws := make([]Middleware, len(c.middlewares))
	copy(mws, c.middlewares)
	c.mu.RUnlock()

	if c.stageTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.stageTimeout)
		defer cancel()
	}

	for _, mw := range mws {
		hook, ok := mw.Hooks()[stage]
		if !ok {
			continue
		}
		if err := ctx.Err(); err != nil {
			wrapped := errdefs.Wrapf(err, errdefs.CodeOf(err), "middleware %s at stage %s", mw.Name(), stage)
			s.Abort(wrapped)
			return wrapped
		}
		if err := c.runHook(ctx, mw.Name(), stage, hook, s); err != nil {
			wrapped := errdefs.Wrapf(err, errdefs.CodeOf(err), "middleware %s at stage %s", mw.Name(), stage)
			s.Abort(wrapped)
			c.logger.Warn().
				Str("middleware", mw.Name()).
				Str("stage", string(stage)).
				Err(err).
				Msg("Middleware failed")
			return wrapped
		}
	}
	return nil
}

// runHook invokes one hook, bounding it with the per-hook timeout. The hook
// keeps running in its goroutine after a timeout; it observes cancellation
// through its context.
func (c *Chain) runHook(ctx context.Context, name string, stage Stage, hook Hook, s *State) error {
	if c.hookTimeout <= 0 {
		return hook(ctx, s)
	}

	hctx, cancel := context.WithTimeout(ctx, c.hookTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- hook(hctx, s)
	}()

	select {
	case err := <-done:
		return err
	case <-hctx.Done():
		if err := ctx.Err(); err != nil {
			return errdefs.Wrap(err, errdefs.CodeOf(err), "request ended during hook")
		}
		return errdefs.Newf(errdefs.CodeTimeout, "hook exceeded %s", c.hookTimeout)
	}
}
