package sandbox

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/patchbay-dev/patchbay/pkg/types"
)

// PolicyConfig configures a sandbox policy. Zero values produce a policy
// that allows executables from the process PATH and refuses all volume
// mounts.
type PolicyConfig struct {
	// ExtraRoots are additional directories executables may live under,
	// resolved at construction. The process PATH, the gateway's own
	// install directory, the project node_modules/.bin, and the portable
	// sandbox root ($PATCHBAY_SANDBOX_ROOT) are always included.
	ExtraRoots []string `json:"extraRoots,omitempty"`

	// VolumeRoots are the only directories container volume hostPaths may
	// resolve under.
	VolumeRoots []string `json:"volumeRoots,omitempty"`

	// AllowShellMeta permits shell metacharacters in commands and args.
	AllowShellMeta bool `json:"allowShellMeta,omitempty"`

	// RequireContainerForUntrusted rewrites untrusted stdio templates to
	// the container transport at registration.
	RequireContainerForUntrusted bool `json:"requireContainerForUntrusted,omitempty"`

	// PathEnv overrides the PATH snapshot, for tests. Empty means the
	// process environment's PATH at construction time.
	PathEnv string `json:"-"`
}

// Policy enforces where backend executables may come from, which volume
// mounts are acceptable, and which templates must be containerized. The
// executable roots are frozen at construction; template-supplied PATH is
// never consulted.
type Policy struct {
	allowedRoots []string
	volumeRoots  []string
	pathDirs     []string

	allowShellMeta   bool
	requireContainer bool
}

// NewPolicy builds a policy, snapshotting the process PATH.
func NewPolicy(cfg PolicyConfig) *Policy {
	pathEnv := cfg.PathEnv
	if pathEnv == "" {
		pathEnv = os.Getenv("PATH")
	}

	var pathDirs []string
	for _, dir := range filepath.SplitList(pathEnv) {
		if dir == "" {
			continue
		}
		pathDirs = append(pathDirs, dir)
	}

	roots := append([]string(nil), pathDirs...)
	if exe, err := os.Executable(); err == nil {
		roots = append(roots, filepath.Dir(exe))
	}
	if wd, err := os.Getwd(); err == nil {
		roots = append(roots, filepath.Join(wd, "node_modules", ".bin"))
	}
	if sandboxRoot := os.Getenv("PATCHBAY_SANDBOX_ROOT"); sandboxRoot != "" {
		roots = append(roots, sandboxRoot)
	}
	roots = append(roots, cfg.ExtraRoots...)

	return &Policy{
		allowedRoots:     normalizeRoots(roots),
		volumeRoots:      normalizeRoots(cfg.VolumeRoots),
		pathDirs:         pathDirs,
		allowShellMeta:   cfg.AllowShellMeta,
		requireContainer: cfg.RequireContainerForUntrusted,
	}
}

// AllowShellMeta reports whether shell metacharacters pass command
// validation.
func (p *Policy) AllowShellMeta() bool {
	return p.allowShellMeta
}

// ResolveExecutable resolves a template command against the allowed roots.
// Bare names are looked up in the PATH snapshot; absolute and relative
// paths are realpath-checked. Symlinks that escape every allowed root
// refuse the launch.
func (p *Policy) ResolveExecutable(command string) (string, error) {
	if command == "" {
		return "", fmt.Errorf("empty command")
	}

	if strings.ContainsRune(command, os.PathSeparator) {
		return p.checkCandidate(command)
	}

	// Bare name: search the frozen PATH snapshot only.
	for _, dir := range p.pathDirs {
		candidate := filepath.Join(dir, command)
		resolved, err := p.checkCandidate(candidate)
		if err == nil {
			return resolved, nil
		}
	}
	return "", fmt.Errorf("executable %q not found under any allowed root", command)
}

func (p *Policy) checkCandidate(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("failed to resolve %q: %v", path, err)
	}

	info, err := os.Stat(abs)
	if err != nil {
		return "", fmt.Errorf("executable %q not accessible: %v", abs, err)
	}
	if info.IsDir() || info.Mode()&0111 == 0 {
		return "", fmt.Errorf("%q is not an executable file", abs)
	}

	real, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return "", fmt.Errorf("failed to resolve symlinks for %q: %v", abs, err)
	}
	if !p.underAny(real, p.allowedRoots) {
		return "", fmt.Errorf("executable %q resolves outside the allowed roots", path)
	}
	return real, nil
}

// ValidateVolumes checks container mounts against the volume allow-list.
func (p *Policy) ValidateVolumes(mounts []types.VolumeMount) error {
	for _, m := range mounts {
		if strings.Contains(m.ContainerPath, "..") {
			return fmt.Errorf("container path %q must not contain '..'", m.ContainerPath)
		}
		hostPath, err := filepath.Abs(filepath.Clean(m.HostPath))
		if err != nil {
			return fmt.Errorf("invalid host path %q: %v", m.HostPath, err)
		}
		if real, err := filepath.EvalSymlinks(hostPath); err == nil {
			hostPath = real
		}
		if !p.underAny(hostPath, p.volumeRoots) {
			return fmt.Errorf("host path %q resolves outside the allowed volume roots", m.HostPath)
		}
	}
	return nil
}

// ValidatePath checks a filesystem path from a tool argument against an
// allow-list of roots. Symlinks are resolved before the containment check so
// a link inside a root cannot point outside it. Paths that do not exist yet
// are checked lexically. An empty roots list disables the check.
func ValidatePath(path string, roots []string) error {
	if len(roots) == 0 {
		return nil
	}
	abs, err := filepath.Abs(filepath.Clean(path))
	if err != nil {
		return fmt.Errorf("invalid path %q: %v", path, err)
	}
	if real, err := filepath.EvalSymlinks(abs); err == nil {
		abs = real
	}
	for _, root := range normalizeRoots(roots) {
		if abs == root || strings.HasPrefix(abs, root+string(os.PathSeparator)) {
			return nil
		}
	}
	return fmt.Errorf("path %q resolves outside the allowed roots", path)
}

// ApplyToTemplate rewrites a stdio template to the container transport when
// the policy containerizes untrusted code. The returned bool reports
// whether a rewrite happened.
func (p *Policy) ApplyToTemplate(tpl *types.ServiceTemplate) bool {
	if !p.requireContainer {
		return false
	}
	if tpl.Transport != types.TransportStdio {
		return false
	}
	if tpl.TrustLevelOrDefault() == types.TrustTrusted {
		return false
	}

	tpl.Transport = types.TransportContainer
	if tpl.Container == nil {
		tpl.Container = &types.ContainerSpec{}
	}
	if tpl.Container.Image == "" {
		tpl.Container.Image = SuggestImage(tpl.Command)
	}
	if tpl.Container.Network == "" && tpl.Security != nil && tpl.Security.Network != "" {
		tpl.Container.Network = tpl.Security.Network
	}
	return true
}

// SuggestImage picks a container image for a command being forced into the
// container transport.
func SuggestImage(command string) string {
	switch filepath.Base(command) {
	case "node", "npm", "npx":
		return "node:20-slim"
	case "python", "python3", "pip", "pip3", "uvx":
		return "python:3.12-slim"
	case "deno":
		return "denoland/deno:alpine"
	default:
		return "alpine:3.20"
	}
}

func (p *Policy) underAny(path string, roots []string) bool {
	for _, root := range roots {
		if path == root || strings.HasPrefix(path, root+string(os.PathSeparator)) {
			return true
		}
	}
	return false
}

func normalizeRoots(roots []string) []string {
	seen := make(map[string]bool, len(roots))
	var out []string
	for _, root := range roots {
		abs, err := filepath.Abs(filepath.Clean(root))
		if err != nil {
			continue
		}
		if real, err := filepath.EvalSymlinks(abs); err == nil {
			abs = real
		}
		if !seen[abs] {
			seen[abs] = true
			out = append(out, abs)
		}
	}
	return out
}
