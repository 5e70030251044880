package sandbox

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/patchbay-dev/patchbay/pkg/types"
)

// writeExecutable creates an executable file for resolution tests.
func writeExecutable(t *testing.T, dir, name string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"), 0o755))
	return path
}

// TestResolveExecutable tests bare-name lookup against the PATH snapshot.
func TestResolveExecutable(t *testing.T) {
	dir := t.TempDir()
	want := writeExecutable(t, dir, "echo-server")

	policy := NewPolicy(PolicyConfig{PathEnv: dir})

	got, err := policy.ResolveExecutable("echo-server")
	require.NoError(t, err)

	real, err := filepath.EvalSymlinks(want)
	require.NoError(t, err)
	assert.Equal(t, real, got)

	_, err = policy.ResolveExecutable("no-such-binary")
	assert.Error(t, err)

	_, err = policy.ResolveExecutable("")
	assert.Error(t, err)
}

// TestResolveExecutableRejectsNonExecutable tests that plain files without
// the executable bit are refused.
func TestResolveExecutableRejectsNonExecutable(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data.txt")
	require.NoError(t, os.WriteFile(path, []byte("data"), 0o644))

	policy := NewPolicy(PolicyConfig{PathEnv: dir})

	_, err := policy.ResolveExecutable(path)
	assert.Error(t, err)
}

// TestResolveExecutableSymlinkEscape tests that a symlink inside an allowed
// root pointing outside every root refuses the launch.
func TestResolveExecutableSymlinkEscape(t *testing.T) {
	allowed := t.TempDir()
	outside := t.TempDir()

	target := writeExecutable(t, outside, "real-binary")
	link := filepath.Join(allowed, "escape")
	require.NoError(t, os.Symlink(target, link))

	policy := NewPolicy(PolicyConfig{PathEnv: allowed})

	_, err := policy.ResolveExecutable("escape")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found under any allowed root")
}

// TestValidateCommand tests the destructive-command rules.
func TestValidateCommand(t *testing.T) {
	policy := NewPolicy(PolicyConfig{PathEnv: "/usr/bin"})

	tests := []struct {
		name    string
		command string
		args    []string
		wantErr bool
	}{
		{"plain command", "node", []string{"server.js", "--port", "8080"}, false},
		{"shell metacharacter", "node", []string{"server.js; rm x"}, true},
		{"pipe", "cat", []string{"a", "|", "wc"}, true},
		{"control character", "node", []string{"server\n.js"}, true},
		{"banned dd", "dd", []string{"if=/dev/zero"}, true},
		{"banned dd as arg", "sudo", []string{"dd"}, true},
		{"banned mkfs variant", "mkfs.ext4", []string{"/dev/sda1"}, true},
		{"banned shutdown", "shutdown", nil, true},
		{"rm -rf slash", "rm", []string{"-rf", "/"}, true},
		{"no-preserve-root", "rm", []string{"-rf", "--no-preserve-root", "/tmp"}, true},
		{"similar but safe", "ddclient", []string{"--help"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := policy.ValidateCommand(tt.command, tt.args)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

// TestValidateCommandLimits tests the size and argument-count ceilings.
func TestValidateCommandLimits(t *testing.T) {
	policy := NewPolicy(PolicyConfig{PathEnv: "/usr/bin"})

	manyArgs := make([]string, 65)
	for i := range manyArgs {
		manyArgs[i] = "x"
	}
	assert.Error(t, policy.ValidateCommand("node", manyArgs))
	assert.NoError(t, policy.ValidateCommand("node", manyArgs[:64]))

	assert.Error(t, policy.ValidateCommand("node", []string{strings.Repeat("a", 4096)}))
}

// TestValidateCommandShellMetaOptIn tests the policy escape hatch for
// metacharacters.
func TestValidateCommandShellMetaOptIn(t *testing.T) {
	policy := NewPolicy(PolicyConfig{PathEnv: "/usr/bin", AllowShellMeta: true})

	assert.NoError(t, policy.ValidateCommand("node", []string{"--filter=*.json"}))
	// The deny-list still applies.
	assert.Error(t, policy.ValidateCommand("dd", []string{"if=/dev/zero"}))
}

// TestValidateVolumes tests the host-path allow-list and traversal checks.
func TestValidateVolumes(t *testing.T) {
	root := t.TempDir()
	sub := filepath.Join(root, "data")
	require.NoError(t, os.MkdirAll(sub, 0o755))

	policy := NewPolicy(PolicyConfig{PathEnv: "/usr/bin", VolumeRoots: []string{root}})

	assert.NoError(t, policy.ValidateVolumes([]types.VolumeMount{
		{HostPath: sub, ContainerPath: "/data"},
	}))

	err := policy.ValidateVolumes([]types.VolumeMount{
		{HostPath: sub, ContainerPath: "/data/../etc"},
	})
	assert.Error(t, err)

	err = policy.ValidateVolumes([]types.VolumeMount{
		{HostPath: t.TempDir(), ContainerPath: "/data"},
	})
	assert.Error(t, err)
}

// TestApplyToTemplate tests the untrusted-stdio container rewrite.
func TestApplyToTemplate(t *testing.T) {
	policy := NewPolicy(PolicyConfig{PathEnv: "/usr/bin", RequireContainerForUntrusted: true})

	tpl := &types.ServiceTemplate{
		Name:      "web-scraper",
		Transport: types.TransportStdio,
		Command:   "node",
		Args:      []string{"scraper.js"},
		Security:  &types.SecuritySpec{TrustLevel: types.TrustUntrusted, Network: types.NetworkBlocked},
	}

	rewritten := policy.ApplyToTemplate(tpl)
	require.True(t, rewritten)
	assert.Equal(t, types.TransportContainer, tpl.Transport)
	require.NotNil(t, tpl.Container)
	assert.Equal(t, "node:20-slim", tpl.Container.Image)
	assert.Equal(t, types.NetworkBlocked, tpl.Container.Network)

	trusted := &types.ServiceTemplate{
		Name:      "local-tool",
		Transport: types.TransportStdio,
		Command:   "python3",
		Security:  &types.SecuritySpec{TrustLevel: types.TrustTrusted},
	}
	assert.False(t, policy.ApplyToTemplate(trusted))
	assert.Equal(t, types.TransportStdio, trusted.Transport)

	relaxed := NewPolicy(PolicyConfig{PathEnv: "/usr/bin"})
	untrusted := &types.ServiceTemplate{
		Name:      "web-scraper",
		Transport: types.TransportStdio,
		Command:   "node",
		Security:  &types.SecuritySpec{TrustLevel: types.TrustUntrusted},
	}
	assert.False(t, relaxed.ApplyToTemplate(untrusted))
}

// TestSuggestImage tests image selection for containerized commands.
func TestSuggestImage(t *testing.T) {
	tests := []struct {
		command string
		want    string
	}{
		{"node", "node:20-slim"},
		{"/usr/local/bin/npx", "node:20-slim"},
		{"python3", "python:3.12-slim"},
		{"uvx", "python:3.12-slim"},
		{"deno", "denoland/deno:alpine"},
		{"some-binary", "alpine:3.20"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, SuggestImage(tt.command), "command %q", tt.command)
	}
}

// TestMask tests the first-four last-four masking rule.
func TestMask(t *testing.T) {
	assert.Equal(t, "sk-l…m3n0", Mask("sk-live-abc123def456m3n0"))
	assert.Equal(t, "…", Mask("short"))
	assert.Equal(t, "…", Mask(""))
}

// TestRedactString tests credential scrubbing in free text.
func TestRedactString(t *testing.T) {
	in := "request failed: Authorization: Bearer abcdef0123456789 status=401"
	out := RedactString(in)
	assert.NotContains(t, out, "abcdef0123456789")
	assert.Contains(t, out, "status=401")

	in = "using key sk-live0123456789abcdef for tenant"
	out = RedactString(in)
	assert.NotContains(t, out, "sk-live0123456789abcdef")

	// Millisecond timestamps inside instance IDs must survive.
	id := "echo-1700000000000-ab12cd"
	assert.Equal(t, id, RedactString(id))
}

// TestSecretEnvHelpers tests key and reference classification.
func TestSecretEnvHelpers(t *testing.T) {
	assert.True(t, IsSecretEnvKey("API_KEY"))
	assert.True(t, IsSecretEnvKey("github_token"))
	assert.True(t, IsSecretEnvKey("DB_PASSWORD"))
	assert.False(t, IsSecretEnvKey("PORT"))
	assert.False(t, IsSecretEnvKey("LOG_LEVEL"))

	assert.True(t, IsEnvRef("${GITHUB_TOKEN}"))
	assert.False(t, IsEnvRef("ghp_literal"))
	assert.False(t, IsEnvRef("${lower-invalid}"))
	assert.False(t, IsEnvRef("prefix ${NAME}"))
}

// TestDiagnose tests the dry-run template analysis.
func TestDiagnose(t *testing.T) {
	policy := NewPolicy(PolicyConfig{PathEnv: "/usr/bin", RequireContainerForUntrusted: true})

	tpl := &types.ServiceTemplate{
		Name:      "scraper",
		Transport: types.TransportStdio,
		Command:   "node",
		Args:      []string{"scraper.js"},
		Env: map[string]string{
			"API_KEY": "sk-live0123456789abcdef",
			"PORT":    "8080",
		},
		Security: &types.SecuritySpec{TrustLevel: types.TrustUntrusted},
	}
	tpl.Normalize()

	findings := policy.Diagnose(tpl)

	codes := make([]string, 0, len(findings))
	for _, f := range findings {
		codes = append(codes, f.Code)
	}
	assert.Contains(t, codes, "plaintext-secret")
	assert.Contains(t, codes, "untrusted-stdio")

	// Referenced secrets are fine.
	tpl.Env["API_KEY"] = "${SCRAPER_API_KEY}"
	findings = policy.Diagnose(tpl)
	for _, f := range findings {
		assert.NotEqual(t, "plaintext-secret", f.Code)
	}
}
