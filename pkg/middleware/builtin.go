package middleware

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/patchbay-dev/patchbay/pkg/auth"
	"github.com/patchbay-dev/patchbay/pkg/errdefs"
	"github.com/patchbay-dev/patchbay/pkg/log"
	"github.com/patchbay-dev/patchbay/pkg/metrics"
)

// Authentication resolves the caller's credentials into a Principal at the
// beforeAgent stage. When not required, every caller becomes Anonymous.
type Authentication struct {
	store    *auth.Store
	required bool
}

// NewAuthentication builds the auth middleware. required=false corresponds
// to the "none" auth mode.
func NewAuthentication(store *auth.Store, required bool) *Authentication {
	return &Authentication{store: store, required: required}
}

func (m *Authentication) Name() string { return "auth" }

func (m *Authentication) Hooks() map[Stage]Hook {
	return map[Stage]Hook{StageBeforeAgent: m.authenticate}
}

func (m *Authentication) authenticate(_ context.Context, s *State) error {
	if !m.required {
		s.Principal = auth.Anonymous
		return nil
	}
	principal, err := m.store.Authenticate(s.Headers.Get("Authorization"), s.Headers.Get("X-API-Key"))
	if err != nil {
		return err
	}
	s.Principal = principal
	return nil
}

// RateLimit enforces a per-principal token bucket at the beforeAgent stage.
// Register it after Authentication so the principal is resolved; anonymous
// or unauthenticated callers are keyed by their source address.
type RateLimit struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rps      float64
	burst    int
	logger   zerolog.Logger
}

// NewRateLimit builds the rate limiter. rps <= 0 disables it.
func NewRateLimit(rps float64, burst int) *RateLimit {
	if burst <= 0 {
		burst = 1
	}
	return &RateLimit{
		limiters: make(map[string]*rate.Limiter),
		rps:      rps,
		burst:    burst,
		logger:   log.WithComponent("ratelimit"),
	}
}

func (m *RateLimit) Name() string { return "rateLimit" }

func (m *RateLimit) Hooks() map[Stage]Hook {
	return map[Stage]Hook{StageBeforeAgent: m.check}
}

func (m *RateLimit) check(_ context.Context, s *State) error {
	if m.rps <= 0 {
		return nil
	}

	key := s.Source
	if s.Principal != nil && s.Principal.ID != "" {
		key = s.Principal.ID
	}
	if key == "" {
		key = "unknown"
	}

	if !m.limiter(key).Allow() {
		metrics.RateLimitedTotal.Inc()
		return errdefs.Newf(errdefs.CodeRateLimited, "rate limit exceeded for %s", key)
	}
	return nil
}

func (m *RateLimit) limiter(key string) *rate.Limiter {
	m.mu.Lock()
	defer m.mu.Unlock()
	lim, ok := m.limiters[key]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(m.rps), m.burst)
		m.limiters[key] = lim
		m.logger.Debug().Str("key", key).Msgf("Created rate limiter: %.2f req/s, burst %d", m.rps, m.burst)
	}
	return lim
}

// Cleanup drops all cached limiters once the map grows past a cap. Buckets
// are cheap to rebuild, so clearing beats tracking last access per key.
func (m *RateLimit) Cleanup() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.limiters) > 10000 {
		m.logger.Info().Int("count", len(m.limiters)).Msg("Clearing rate limiters")
		m.limiters = make(map[string]*rate.Limiter)
	}
}

// StartCleanupJob runs Cleanup hourly for the life of the process.
func (m *RateLimit) StartCleanupJob() {
	ticker := time.NewTicker(1 * time.Hour)
	go func() {
		for range ticker.C {
			m.Cleanup()
		}
	}()
}
