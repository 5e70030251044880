package middleware

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/patchbay-dev/patchbay/pkg/errdefs"
	"github.com/patchbay-dev/patchbay/pkg/sandbox"
)

// pathKeys are parameter names whose string values are treated as
// filesystem paths and checked against the guard's allowed roots.
var pathKeys = map[string]bool{
	"path":        true,
	"file":        true,
	"filepath":    true,
	"filename":    true,
	"dir":         true,
	"directory":   true,
	"cwd":         true,
	"root":        true,
	"target":      true,
	"source":      true,
	"destination": true,
}

// SecurityGuard screens tool traffic in both directions: before the tool
// stage it rejects destructive arguments and path parameters that resolve
// outside the allowed roots; after it, credential-shaped strings in the
// result are masked.
type SecurityGuard struct {
	pathRoots []string
}

// NewSecurityGuard builds the guard. An empty pathRoots list disables the
// path containment check while keeping the argument and redaction rules.
func NewSecurityGuard(pathRoots []string) *SecurityGuard {
	return &SecurityGuard{pathRoots: pathRoots}
}

func (g *SecurityGuard) Name() string { return "securityGuard" }

func (g *SecurityGuard) Hooks() map[Stage]Hook {
	return map[Stage]Hook{
		StageBeforeTool: g.inspect,
		StageAfterTool:  g.redact,
	}
}

func (g *SecurityGuard) inspect(_ context.Context, s *State) error {
	if len(s.Params) == 0 {
		return nil
	}
	var parsed any
	if err := json.Unmarshal(s.Params, &parsed); err != nil {
		return errdefs.Wrap(err, errdefs.CodeValidation, "malformed tool params")
	}
	return g.walk("", parsed)
}

// walk visits every string leaf of the params tree, carrying the nearest
// object key so path-shaped values get the containment check.
func (g *SecurityGuard) walk(key string, node any) error {
	switch v := node.(type) {
	case string:
		if err := sandbox.CheckArgument(v); err != nil {
			return errdefs.Wrap(err, errdefs.CodeForbidden, "blocked tool argument")
		}
		if pathKeys[strings.ToLower(key)] {
			if err := sandbox.ValidatePath(v, g.pathRoots); err != nil {
				return errdefs.Wrap(err, errdefs.CodeForbidden, "blocked path argument")
			}
		}
	case map[string]any:
		for k, child := range v {
			if err := g.walk(k, child); err != nil {
				return err
			}
		}
	case []any:
		for _, child := range v {
			if err := g.walk(key, child); err != nil {
				return err
			}
		}
	}
	return nil
}

func (g *SecurityGuard) redact(_ context.Context, s *State) error {
	result, ok := s.Values[ValueResult]
	if !ok {
		return nil
	}
	switch v := result.(type) {
	case string:
		s.Values[ValueResult] = sandbox.RedactString(v)
	case json.RawMessage:
		s.Values[ValueResult] = json.RawMessage(sandbox.RedactString(string(v)))
	case []byte:
		s.Values[ValueResult] = []byte(sandbox.RedactString(string(v)))
	}
	return nil
}
