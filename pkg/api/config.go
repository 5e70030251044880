package api

import (
	"net/http"

	"github.com/patchbay-dev/patchbay/pkg/config"
	"github.com/patchbay-dev/patchbay/pkg/errdefs"
	"github.com/patchbay-dev/patchbay/pkg/types"
)

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.snapshot())
}

// handlePutConfig validates and applies a full replacement config. The auth
// store picks up credential changes immediately; host, port, and ceiling
// changes take effect on the next start.
func (s *Server) handlePutConfig(w http.ResponseWriter, r *http.Request) {
	next := &config.GatewayConfig{}
	if err := s.decodeBody(r, next); err != nil {
		s.writeError(w, err)
		return
	}
	next.Normalize()
	if err := next.Validate(); err != nil {
		s.writeError(w, err)
		return
	}

	if s.store != nil {
		if err := s.store.SaveGateway(next); err != nil {
			s.writeError(w, errdefs.Wrap(err, errdefs.CodeInternal, "failed to persist config"))
			return
		}
	}

	s.mu.Lock()
	s.cfg = next
	s.mu.Unlock()

	if s.auth != nil {
		s.auth.SetCredentials(next.Auth.APIKeys, next.Auth.BearerTokens)
	}
	if s.bus != nil {
		s.bus.Publish(types.Event{
			Type:    types.EventConfigReloaded,
			Payload: map[string]any{"source": "api"},
		})
	}

	s.logger.Info().Str("authMode", next.AuthMode).Msg("gateway config replaced")
	s.writeJSON(w, http.StatusOK, next)
}
