package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/patchbay-dev/patchbay/pkg/balancer"
	"github.com/patchbay-dev/patchbay/pkg/errdefs"
	"github.com/patchbay-dev/patchbay/pkg/middleware"
	"github.com/patchbay-dev/patchbay/pkg/protocol"
	"github.com/patchbay-dev/patchbay/pkg/router"
)

// routeRequest is the body of POST /api/route.
type routeRequest struct {
	Method       string          `json:"method"`
	Params       json.RawMessage `json:"params,omitempty"`
	ServiceGroup string          `json:"serviceGroup,omitempty"`
	Strategy     string          `json:"strategy,omitempty"`
	Source       string          `json:"source,omitempty"`
}

// handleRoute answers which instance would serve the request. The request
// runs through the pipeline stages up to and including beforeTool, so rules,
// auth, rate limits, and the guard all apply; no tool call is dispatched.
func (s *Server) handleRoute(w http.ResponseWriter, r *http.Request) {
	if s.router == nil {
		s.writeError(w, errdefs.New(errdefs.CodeInternal, "no router wired"))
		return
	}
	var body routeRequest
	if err := s.decodeBody(r, &body); err != nil {
		s.writeError(w, err)
		return
	}
	if body.Method == "" {
		s.writeError(w, errdefs.New(errdefs.CodeValidation, "method is required"))
		return
	}

	state := s.newState(r, body.Method, body.Params)
	state.ServiceGroup = body.ServiceGroup
	if body.Source != "" {
		state.Source = body.Source
	}
	if body.Strategy != "" {
		state.Set(middleware.ValueStrategy, body.Strategy)
	}

	if err := s.runPreToolStages(r.Context(), state); err != nil {
		s.writeError(w, err)
		return
	}

	decision, err := s.decisionFrom(r.Context(), state, balancer.Strategy(body.Strategy))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"selectedService": decision.Instance,
		"routingDecision": decision,
	})
}

func (s *Server) handleRouteStats(w http.ResponseWriter, r *http.Request) {
	if s.router == nil {
		s.writeError(w, errdefs.New(errdefs.CodeInternal, "no router wired"))
		return
	}
	s.writeJSON(w, http.StatusOK, s.router.Stats())
}

// handleProxy relays one JSON-RPC envelope to an instance and returns the
// peer's reply verbatim, modulo result redaction by the security guard. A
// protocol-level error from the peer is a successful relay, answered 200
// with the error envelope inside; notifications are answered 202 with no
// reply body to relay.
func (s *Server) handleProxy(w http.ResponseWriter, r *http.Request) {
	if s.router == nil {
		s.writeError(w, errdefs.New(errdefs.CodeInternal, "no router wired"))
		return
	}
	id := r.PathValue("serviceId")

	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		s.writeError(w, errdefs.Wrap(err, errdefs.CodeValidation, "failed to read request body"))
		return
	}
	envelope, err := protocol.Parse(payload)
	if err != nil {
		s.writeError(w, errdefs.Wrap(err, errdefs.CodeValidation, "invalid JSON-RPC envelope"))
		return
	}

	state := s.newState(r, envelope.Method, envelope.Params)
	state.Set(middleware.ValueSelectedInstance, id)
	if err := s.runPreToolStages(r.Context(), state); err != nil {
		s.writeError(w, err)
		return
	}

	state.Set(middleware.ValueToolStarted, true)
	reply, err := s.router.Proxy(r.Context(), id, envelope)
	state.Set(middleware.ValueOutcomeReported, true)
	if err != nil {
		s.finishToolStages(r.Context(), state)
		s.writeError(w, err)
		return
	}
	if reply == nil {
		s.finishToolStages(r.Context(), state)
		s.writeJSON(w, http.StatusAccepted, map[string]any{"status": "accepted"})
		return
	}

	if len(reply.Result) > 0 {
		state.Set(middleware.ValueResult, reply.Result)
	}
	if err := s.runPostToolStages(r.Context(), state); err != nil {
		s.writeError(w, err)
		return
	}
	if raw, ok := state.Get(middleware.ValueResult); ok {
		if rm, ok := raw.(json.RawMessage); ok {
			reply.Result = rm
		}
	}
	s.writeJSON(w, http.StatusOK, reply)
}

// newState seeds the pipeline state from the HTTP request.
func (s *Server) newState(r *http.Request, method string, params json.RawMessage) *middleware.State {
	state := middleware.NewState(method, params)
	state.Headers = r.Header.Clone()
	state.Source = r.RemoteAddr
	return state
}

func (s *Server) runPreToolStages(ctx context.Context, state *middleware.State) error {
	if s.chain == nil {
		return nil
	}
	return s.chain.RunStages(ctx, state,
		middleware.StageBeforeAgent,
		middleware.StageBeforeModel,
		middleware.StageAfterModel,
		middleware.StageBeforeTool,
	)
}

func (s *Server) runPostToolStages(ctx context.Context, state *middleware.State) error {
	if s.chain == nil {
		return nil
	}
	return s.chain.RunStages(ctx, state,
		middleware.StageAfterTool,
		middleware.StageAfterAgent,
	)
}

// finishToolStages runs the after stages for their side effects on paths
// that already have a response to send.
func (s *Server) finishToolStages(ctx context.Context, state *middleware.State) {
	if err := s.runPostToolStages(ctx, state); err != nil {
		s.logger.Debug().Err(err).Msg("after stages failed")
	}
}

// decisionFrom returns the routing decision made by the pipeline's balancer
// middleware, or asks the router directly when no middleware made one.
func (s *Server) decisionFrom(ctx context.Context, state *middleware.State, strategy balancer.Strategy) (*router.Decision, error) {
	if v, ok := state.Get(middleware.ValueRoutingDecision); ok {
		if decision, ok := v.(*router.Decision); ok {
			return decision, nil
		}
	}
	return s.router.Route(ctx, router.Request{
		Method:       state.Method,
		Params:       state.Params,
		ServiceGroup: state.ServiceGroup,
		Strategy:     strategy,
		Source:       state.Source,
	})
}
