package api

import (
	"net/http"

	"github.com/patchbay-dev/patchbay/pkg/errdefs"
	"github.com/patchbay-dev/patchbay/pkg/sandbox"
	"github.com/patchbay-dev/patchbay/pkg/types"
)

func (s *Server) handleListTemplates(w http.ResponseWriter, r *http.Request) {
	templates := s.registry.ListTemplates()
	if templates == nil {
		templates = []*types.ServiceTemplate{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"templates": templates,
		"count":     len(templates),
	})
}

// handleRegisterTemplate stores a template. The registry persists it when a
// config store is attached. Re-posting an identical body is a no-op
// answered with 200 instead of 201.
func (s *Server) handleRegisterTemplate(w http.ResponseWriter, r *http.Request) {
	var tpl types.ServiceTemplate
	if err := s.decodeBody(r, &tpl); err != nil {
		s.writeError(w, err)
		return
	}

	stored, changed, err := s.registry.RegisterTemplate(&tpl)
	if err != nil {
		s.writeError(w, err)
		return
	}
	status := http.StatusOK
	if changed {
		status = http.StatusCreated
	}
	s.writeJSON(w, status, stored)
}

func (s *Server) handleRemoveTemplate(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	removed, err := s.registry.RemoveTemplate(name)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"template": name,
		"removed":  removed,
	})
}

// handlePatchTemplateEnv merges env entries into a stored template. An empty
// value removes the key. Running instances keep the env they were created
// with; the merge affects instances created afterwards.
func (s *Server) handlePatchTemplateEnv(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	var body struct {
		Env map[string]string `json:"env"`
	}
	if err := s.decodeBody(r, &body); err != nil {
		s.writeError(w, err)
		return
	}
	if len(body.Env) == 0 {
		s.writeError(w, errdefs.New(errdefs.CodeValidation, "env update must carry at least one entry"))
		return
	}

	tpl, err := s.registry.GetTemplate(name)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if tpl.Env == nil {
		tpl.Env = make(map[string]string, len(body.Env))
	}
	for k, v := range body.Env {
		if v == "" {
			delete(tpl.Env, k)
			continue
		}
		tpl.Env[k] = v
	}

	stored, _, err := s.registry.RegisterTemplate(tpl)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, stored)
}

// handleDiagnoseTemplate dry-runs the sandbox policy against a stored
// template and reports the findings without changing anything.
func (s *Server) handleDiagnoseTemplate(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	findings, err := s.registry.DiagnoseTemplate(name)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if findings == nil {
		findings = []sandbox.Finding{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"template": name,
		"findings": findings,
	})
}

// handleScaleTemplate adjusts the number of live instances of a template to
// the requested replica count.
func (s *Server) handleScaleTemplate(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	var body struct {
		Replicas int `json:"replicas"`
	}
	if err := s.decodeBody(r, &body); err != nil {
		s.writeError(w, err)
		return
	}

	instances, err := s.registry.ScaleTemplate(r.Context(), name, body.Replicas)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if instances == nil {
		instances = []*types.ServiceInstance{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"template": name,
		"replicas": len(instances),
		"services": instances,
	})
}
