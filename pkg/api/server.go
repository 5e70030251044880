package api

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/patchbay-dev/patchbay/pkg/auth"
	"github.com/patchbay-dev/patchbay/pkg/config"
	"github.com/patchbay-dev/patchbay/pkg/errdefs"
	"github.com/patchbay-dev/patchbay/pkg/events"
	"github.com/patchbay-dev/patchbay/pkg/log"
	"github.com/patchbay-dev/patchbay/pkg/metrics"
	"github.com/patchbay-dev/patchbay/pkg/middleware"
	"github.com/patchbay-dev/patchbay/pkg/registry"
	"github.com/patchbay-dev/patchbay/pkg/router"
)

// Options wires the server to the gateway's components. Config and Registry
// are required; a nil Chain runs requests without pipeline middlewares, a
// nil Store disables persistence of templates and config edits.
type Options struct {
	Config     *config.GatewayConfig
	Store      *config.Store
	Registry   *registry.Registry
	Router     *router.Router
	Chain      *middleware.Chain
	Bus        *events.Bus
	Auth       *auth.Store
	Handshakes *auth.Handshakes
	Version    string
}

// Server is the gateway's HTTP surface: the admin API, the routing and
// proxy endpoints, the SSE event stream, and the health and metrics
// endpoints.
type Server struct {
	mu  sync.RWMutex
	cfg *config.GatewayConfig

	store      *config.Store
	registry   *registry.Registry
	router     *router.Router
	chain      *middleware.Chain
	bus        *events.Bus
	auth       *auth.Store
	handshakes *auth.Handshakes
	version    string

	handler   http.Handler
	httpSrv   *http.Server
	listener  net.Listener
	ceiling   *semaphore.Weighted
	startedAt time.Time
	logger    zerolog.Logger
}

// NewServer builds the server and its route table.
func NewServer(opts Options) (*Server, error) {
	if opts.Config == nil {
		return nil, errdefs.New(errdefs.CodeValidation, "server requires a gateway config")
	}
	if opts.Registry == nil {
		return nil, errdefs.New(errdefs.CodeValidation, "server requires a registry")
	}

	cfg := opts.Config
	s := &Server{
		cfg:        cfg,
		store:      opts.Store,
		registry:   opts.Registry,
		router:     opts.Router,
		chain:      opts.Chain,
		bus:        opts.Bus,
		auth:       opts.Auth,
		handshakes: opts.Handshakes,
		version:    opts.Version,
		startedAt:  time.Now(),
		logger:     log.WithComponent("api"),
	}
	if cfg.RequestCeiling > 0 {
		s.ceiling = semaphore.NewWeighted(int64(cfg.RequestCeiling))
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", metrics.Handler())

	mux.HandleFunc("GET /api/templates", s.handleListTemplates)
	mux.HandleFunc("POST /api/templates", s.handleRegisterTemplate)
	mux.HandleFunc("DELETE /api/templates/{name}", s.handleRemoveTemplate)
	mux.HandleFunc("PATCH /api/templates/{name}/env", s.handlePatchTemplateEnv)
	mux.HandleFunc("POST /api/templates/{name}/diagnose", s.handleDiagnoseTemplate)
	mux.HandleFunc("POST /api/templates/{name}/scale", s.handleScaleTemplate)

	mux.HandleFunc("GET /api/services", s.handleListServices)
	mux.HandleFunc("POST /api/services", s.handleCreateService)
	mux.HandleFunc("GET /api/services/{id}", s.handleGetService)
	mux.HandleFunc("DELETE /api/services/{id}", s.handleRemoveService)
	mux.HandleFunc("GET /api/services/{id}/health", s.handleServiceHealth)
	mux.HandleFunc("GET /api/services/{id}/logs", s.handleServiceLogs)
	mux.HandleFunc("PATCH /api/services/{id}/env", s.handlePatchServiceEnv)

	mux.HandleFunc("POST /api/route", s.handleRoute)
	mux.HandleFunc("GET /api/route/stats", s.handleRouteStats)
	mux.HandleFunc("POST /api/proxy/{serviceId}", s.handleProxy)

	mux.HandleFunc("GET /api/events", s.handleEvents)

	mux.HandleFunc("GET /api/config", s.handleGetConfig)
	mux.HandleFunc("PUT /api/config", s.handlePutConfig)

	mux.HandleFunc("POST /api/auth/handshake/start", s.handleHandshakeStart)
	mux.HandleFunc("POST /api/auth/handshake/complete", s.handleHandshakeComplete)

	s.handler = s.withAccessLog(s.withRecovery(s.withCORS(s.withAuth(s.withCeiling(mux)))))
	return s, nil
}

// Handler returns the fully wrapped route table. Exposed for tests that
// drive the server through httptest.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start binds the configured address and serves in the background. Bind
// errors are returned synchronously; serve errors are logged.
func (s *Server) Start() error {
	s.mu.RLock()
	addr := s.cfg.Addr()
	s.mu.RUnlock()

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errdefs.Wrapf(err, errdefs.CodeInternal, "failed to bind %s", addr)
	}
	s.listener = ln
	s.httpSrv = &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	s.logger.Info().Str("addr", ln.Addr().String()).Msg("API server listening")
	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("API server stopped")
		}
	}()
	return nil
}

// Addr returns the bound address, or "" before Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop shuts the server down gracefully, honoring the context deadline.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// snapshot returns the live gateway config. PUT /api/config swaps it.
func (s *Server) snapshot() *config.GatewayConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// handleHealth reports liveness plus a registry summary. It always answers
// 200 while the process is up.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	stats := s.registry.GetRegistryStats()
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"version":   s.version,
		"uptimeMs":  time.Since(s.startedAt).Milliseconds(),
		"templates": stats.Templates,
		"instances": stats.Instances,
		"healthy":   stats.HealthyInstances,
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug().Err(err).Msg("response write failed")
	}
}

// writeError renders the standard error envelope with the status mapped
// from the error code.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	e := errdefs.FromError(err)
	s.writeJSON(w, errdefs.HTTPStatus(e), e)
}

// decodeBody reads a JSON request body into v, rejecting oversized or
// malformed payloads with Validation.
func (s *Server) decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	if err := dec.Decode(v); err != nil {
		return errdefs.Wrap(err, errdefs.CodeValidation, "malformed request body")
	}
	return nil
}
