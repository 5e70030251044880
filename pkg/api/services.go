package api

import (
	"net/http"
	"strconv"

	"github.com/patchbay-dev/patchbay/pkg/errdefs"
	"github.com/patchbay-dev/patchbay/pkg/transport"
	"github.com/patchbay-dev/patchbay/pkg/types"
)

func (s *Server) handleListServices(w http.ResponseWriter, r *http.Request) {
	var services []*types.ServiceInstance
	if tpl := r.URL.Query().Get("template"); tpl != "" {
		services = s.registry.GetInstancesByTemplate(tpl)
	} else {
		services = s.registry.ListInstances()
	}
	if services == nil {
		services = []*types.ServiceInstance{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"services": services,
		"count":    len(services),
	})
}

// handleCreateService materializes a template into a new instance. Env
// entries in the body override the template's env before ${NAME} references
// are resolved.
func (s *Server) handleCreateService(w http.ResponseWriter, r *http.Request) {
	var body struct {
		TemplateName string            `json:"templateName"`
		Env          map[string]string `json:"env,omitempty"`
		Mode         string            `json:"mode,omitempty"`
	}
	if err := s.decodeBody(r, &body); err != nil {
		s.writeError(w, err)
		return
	}
	if body.TemplateName == "" {
		s.writeError(w, errdefs.New(errdefs.CodeValidation, "templateName is required"))
		return
	}

	inst, err := s.registry.CreateInstance(body.TemplateName, body.Env, types.InstanceMode(body.Mode))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]any{
		"serviceId": inst.ID,
		"service":   inst,
	})
}

func (s *Server) handleGetService(w http.ResponseWriter, r *http.Request) {
	inst, err := s.registry.GetInstance(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, inst)
}

func (s *Server) handleRemoveService(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.registry.RemoveInstance(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"serviceId": id,
		"removed":   true,
	})
}

// handleServiceHealth reports the monitor's view of one instance plus its
// breaker and balancer state. Instances never probed report healthy.
func (s *Server) handleServiceHealth(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	inst, err := s.registry.GetInstance(id)
	if err != nil {
		s.writeError(w, err)
		return
	}

	healthy := true
	resp := map[string]any{
		"serviceId": inst.ID,
		"template":  inst.Template.Name,
		"state":     inst.State,
		"breaker":   s.registry.BreakerStatus(id),
	}
	if stats, ok := s.registry.HealthStats(id); ok {
		if stats.Known() && !stats.Healthy {
			healthy = false
		}
		resp["health"] = stats
	}
	if m, ok := s.registry.BalancerMetrics(id); ok {
		resp["balancer"] = m
	}
	resp["healthy"] = healthy
	s.writeJSON(w, http.StatusOK, resp)
}

// handleServiceLogs returns the tail of the instance's captured stderr.
// Instances without a connected adapter have no log buffer yet.
func (s *Server) handleServiceLogs(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			s.writeError(w, errdefs.Newf(errdefs.CodeValidation, "invalid limit %q", raw))
			return
		}
		limit = n
	}

	lines, err := s.registry.Logs(id, limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if lines == nil {
		lines = []transport.LogLine{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"serviceId": id,
		"logs":      lines,
	})
}

// handlePatchServiceEnv merges env entries into a live instance. The pooled
// adapter is dropped so the next exchange launches with the new env.
func (s *Server) handlePatchServiceEnv(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var body struct {
		Env map[string]string `json:"env"`
	}
	if err := s.decodeBody(r, &body); err != nil {
		s.writeError(w, err)
		return
	}

	inst, err := s.registry.UpdateInstanceEnv(r.Context(), id, body.Env)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, inst)
}
