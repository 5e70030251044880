package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/patchbay-dev/patchbay/pkg/errdefs"
	"github.com/patchbay-dev/patchbay/pkg/types"
)

const (
	gatewayFile  = "gateway.json"
	templatesDir = "templates"
)

// Store persists the gateway configuration and template definitions as JSON
// files under a single directory. All writes go through a temp file and
// rename so a crash never leaves a half-written file behind.
type Store struct {
	dir string
}

// NewStore creates the configuration directory layout if needed.
func NewStore(dir string) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("config directory must not be empty")
	}
	if err := os.MkdirAll(filepath.Join(dir, templatesDir), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create config directory: %v", err)
	}
	return &Store{dir: dir}, nil
}

// Dir returns the root configuration directory.
func (s *Store) Dir() string {
	return s.dir
}

// TemplatesDir returns the directory holding per-template JSON files.
func (s *Store) TemplatesDir() string {
	return filepath.Join(s.dir, templatesDir)
}

// LoadGateway reads the gateway configuration, returning defaults when the
// file does not exist yet.
func (s *Store) LoadGateway() (*GatewayConfig, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, gatewayFile))
	if os.IsNotExist(err) {
		return DefaultConfig(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read gateway config: %v", err)
	}

	var cfg GatewayConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, errdefs.Wrap(err, errdefs.CodeValidation, "gateway config is not valid JSON")
	}
	cfg.Normalize()
	return &cfg, nil
}

// SaveGateway writes the gateway configuration atomically.
func (s *Store) SaveGateway(cfg *GatewayConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	return s.writeJSON(filepath.Join(s.dir, gatewayFile), cfg)
}

// LoadTemplates reads every template file, sorted by name. Files that fail
// to parse are reported together rather than aborting the whole load.
func (s *Store) LoadTemplates() ([]*types.ServiceTemplate, error) {
	entries, err := os.ReadDir(s.TemplatesDir())
	if err != nil {
		return nil, fmt.Errorf("failed to read templates directory: %v", err)
	}

	var templates []*types.ServiceTemplate
	var bad []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		tpl, err := s.loadTemplateFile(filepath.Join(s.TemplatesDir(), entry.Name()))
		if err != nil {
			bad = append(bad, fmt.Sprintf("%s: %v", entry.Name(), err))
			continue
		}
		templates = append(templates, tpl)
	}

	sort.Slice(templates, func(i, j int) bool { return templates[i].Name < templates[j].Name })

	if len(bad) > 0 {
		return templates, errdefs.Newf(errdefs.CodeValidation,
			"failed to load %d template(s): %s", len(bad), strings.Join(bad, "; "))
	}
	return templates, nil
}

// LoadTemplate reads a single template by name.
func (s *Store) LoadTemplate(name string) (*types.ServiceTemplate, error) {
	tpl, err := s.loadTemplateFile(s.templatePath(name))
	if os.IsNotExist(err) {
		return nil, errdefs.Newf(errdefs.CodeNotFound, "template not found: %s", name)
	}
	if err != nil {
		return nil, errdefs.Wrapf(err, errdefs.CodeValidation, "failed to load template %q", name)
	}
	return tpl, nil
}

func (s *Store) loadTemplateFile(path string) (*types.ServiceTemplate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var tpl types.ServiceTemplate
	if err := json.Unmarshal(data, &tpl); err != nil {
		return nil, err
	}
	tpl.Normalize()
	if err := tpl.Validate(); err != nil {
		return nil, err
	}
	return &tpl, nil
}

// SaveTemplate persists one template as <dir>/templates/<name>.json.
// Saving an identical body over an existing file is a no-op.
func (s *Store) SaveTemplate(tpl *types.ServiceTemplate) error {
	norm := tpl.Clone()
	norm.Normalize()
	if err := norm.Validate(); err != nil {
		return err
	}

	path := s.templatePath(norm.Name)
	if existing, err := s.loadTemplateFile(path); err == nil && existing.Equal(&norm) {
		return nil
	}
	return s.writeJSON(path, norm)
}

// DeleteTemplate removes a template file. It reports whether anything was
// deleted; deleting an unknown name is not an error.
func (s *Store) DeleteTemplate(name string) (bool, error) {
	err := os.Remove(s.templatePath(name))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to delete template %q: %v", name, err)
	}
	return true, nil
}

func (s *Store) templatePath(name string) string {
	return filepath.Join(s.TemplatesDir(), name+".json")
}

// writeJSON marshals v and writes it atomically via temp file + rename.
func (s *Store) writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %v", filepath.Base(path), err)
	}
	data = append(data, '\n')

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %v", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write %s: %v", filepath.Base(path), err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close temp file: %v", err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to set permissions on %s: %v", filepath.Base(path), err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace %s: %v", filepath.Base(path), err)
	}
	return nil
}
