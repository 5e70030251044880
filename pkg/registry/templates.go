package registry

import (
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/patchbay-dev/patchbay/pkg/config"
	"github.com/patchbay-dev/patchbay/pkg/errdefs"
	"github.com/patchbay-dev/patchbay/pkg/log"
	"github.com/patchbay-dev/patchbay/pkg/sandbox"
	"github.com/patchbay-dev/patchbay/pkg/types"
)

// Templates holds the registered service templates. Reads hand out clones;
// a registered template never changes in place, replacing it is a
// whole-body swap. When a config store is attached, every mutation is
// persisted through it.
type Templates struct {
	mu     sync.RWMutex
	byName map[string]*types.ServiceTemplate
	store  *config.Store
	policy *sandbox.Policy
	logger zerolog.Logger
}

// NewTemplates builds the template store. store may be nil for an
// in-memory-only registry; policy must not be nil.
func NewTemplates(store *config.Store, policy *sandbox.Policy) *Templates {
	return &Templates{
		byName: make(map[string]*types.ServiceTemplate),
		store:  store,
		policy: policy,
		logger: log.WithComponent("registry"),
	}
}

// Load reads persisted templates into memory. Templates that fail to parse
// are skipped by the store; the returned error reports them without
// blocking the rest.
func (t *Templates) Load() error {
	if t.store == nil {
		return nil
	}
	templates, err := t.store.LoadTemplates()

	t.mu.Lock()
	for _, tpl := range templates {
		prepared := *tpl
		t.policy.ApplyToTemplate(&prepared)
		t.byName[prepared.Name] = &prepared
	}
	t.mu.Unlock()

	if err != nil {
		return err
	}
	t.logger.Info().Int("count", len(templates)).Msg("Templates loaded")
	return nil
}

// Register validates a template, applies the sandbox policy, and stores
// it. Saving a body identical to the stored one is a no-op. The returned
// bool reports whether anything changed.
func (t *Templates) Register(tpl *types.ServiceTemplate) (*types.ServiceTemplate, bool, error) {
	if tpl == nil {
		return nil, false, errdefs.New(errdefs.CodeValidation, "template body is required")
	}

	prepared := tpl.Clone()
	prepared.Normalize()
	if err := prepared.Validate(); err != nil {
		return nil, false, errdefs.Wrap(err, errdefs.CodeValidation, "invalid template")
	}
	if prepared.Command != "" {
		if err := t.policy.ValidateCommand(prepared.Command, prepared.Args); err != nil {
			return nil, false, errdefs.Wrap(err, errdefs.CodeForbidden, "template refused by sandbox policy")
		}
	}
	if prepared.Container != nil {
		if err := t.policy.ValidateVolumes(prepared.Container.Volumes); err != nil {
			return nil, false, errdefs.Wrap(err, errdefs.CodeForbidden, "template refused by sandbox policy")
		}
	}

	if t.policy.ApplyToTemplate(&prepared) {
		t.logger.Info().Str("template", prepared.Name).
			Str("image", prepared.Container.Image).
			Msg("Untrusted stdio template rewritten to container transport")
		if err := prepared.Validate(); err != nil {
			return nil, false, errdefs.Wrap(err, errdefs.CodeValidation, "template invalid after container rewrite")
		}
	}

	t.mu.Lock()
	existing, known := t.byName[prepared.Name]
	if known && existing.Equal(&prepared) {
		t.mu.Unlock()
		return &prepared, false, nil
	}
	t.byName[prepared.Name] = &prepared
	t.mu.Unlock()

	if t.store != nil {
		if err := t.store.SaveTemplate(&prepared); err != nil {
			return nil, false, errdefs.Wrap(err, errdefs.CodeInternal, "failed to persist template")
		}
	}

	verb := "registered"
	if known {
		verb = "replaced"
	}
	t.logger.Info().Str("template", prepared.Name).Str("transport", string(prepared.Transport)).Msg("Template " + verb)
	return &prepared, true, nil
}

// Get returns a clone of a template.
func (t *Templates) Get(name string) (*types.ServiceTemplate, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	tpl, ok := t.byName[name]
	if !ok {
		return nil, errdefs.Newf(errdefs.CodeNotFound, "template %s not found", name)
	}
	clone := tpl.Clone()
	return &clone, nil
}

// List returns clones of every template, sorted by name.
func (t *Templates) List() []*types.ServiceTemplate {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]*types.ServiceTemplate, 0, len(t.byName))
	for _, tpl := range t.byName {
		clone := tpl.Clone()
		out = append(out, &clone)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Remove deletes a template from memory and the store. It reports whether
// anything was removed; removing an unknown name is not an error.
func (t *Templates) Remove(name string) (bool, error) {
	t.mu.Lock()
	_, known := t.byName[name]
	delete(t.byName, name)
	t.mu.Unlock()

	if t.store != nil {
		deleted, err := t.store.DeleteTemplate(name)
		if err != nil {
			return known, errdefs.Wrap(err, errdefs.CodeInternal, "failed to delete template")
		}
		known = known || deleted
	}
	if known {
		t.logger.Info().Str("template", name).Msg("Template removed")
	}
	return known, nil
}

// Count returns the number of registered templates.
func (t *Templates) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.byName)
}
