package config

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/patchbay-dev/patchbay/pkg/errdefs"
	"github.com/patchbay-dev/patchbay/pkg/types"
)

func testTemplate(name string) *types.ServiceTemplate {
	return &types.ServiceTemplate{
		Name:      name,
		Transport: types.TransportStdio,
		Command:   "node",
		Args:      []string{"server.js"},
	}
}

// TestDefaultConfig tests that defaults pass validation.
func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "127.0.0.1:8586", cfg.Addr())
	assert.Equal(t, AuthModeNone, cfg.AuthMode)
}

// TestConfigValidate tests field-level validation errors.
func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*GatewayConfig)
	}{
		{"port too low", func(c *GatewayConfig) { c.Port = 0 }},
		{"port too high", func(c *GatewayConfig) { c.Port = 70000 }},
		{"bad auth mode", func(c *GatewayConfig) { c.AuthMode = "saml" }},
		{"negative rps", func(c *GatewayConfig) { c.RateLimit.RPS = -1 }},
		{"bad strategy", func(c *GatewayConfig) { c.RoutingStrategy = "fastest" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, errdefs.IsCode(err, errdefs.CodeValidation))
		})
	}
}

// TestApplyEnvOverrides tests PATCHBAY_* precedence over file values.
func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("PATCHBAY_HOST", "0.0.0.0")
	t.Setenv("PATCHBAY_PORT", "9000")
	t.Setenv("PATCHBAY_AUTH_MODE", "TOKEN")

	cfg := DefaultConfig()
	require.NoError(t, cfg.ApplyEnvOverrides())

	assert.Equal(t, "0.0.0.0", cfg.Host)
	assert.Equal(t, 9000, cfg.Port)
	assert.Equal(t, AuthModeToken, cfg.AuthMode)

	t.Setenv("PATCHBAY_PORT", "not-a-number")
	err := cfg.ApplyEnvOverrides()
	require.Error(t, err)
	assert.True(t, errdefs.IsCode(err, errdefs.CodeValidation))
}

// TestGatewayRoundTrip tests save and load of the gateway file.
func TestGatewayRoundTrip(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)

	// No file yet: defaults.
	cfg, err := store.LoadGateway()
	require.NoError(t, err)
	assert.Equal(t, DefaultPort, cfg.Port)

	cfg.Port = 9100
	cfg.AuthMode = AuthModeToken
	require.NoError(t, store.SaveGateway(cfg))

	loaded, err := store.LoadGateway()
	require.NoError(t, err)
	assert.Equal(t, 9100, loaded.Port)
	assert.Equal(t, AuthModeToken, loaded.AuthMode)
}

// TestSaveGatewayRejectsInvalid tests that invalid configs never hit disk.
func TestSaveGatewayRejectsInvalid(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir)
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.Port = -1
	require.Error(t, store.SaveGateway(cfg))

	_, err = os.Stat(filepath.Join(dir, "gateway.json"))
	assert.True(t, os.IsNotExist(err))
}

// TestTemplateStoreCRUD tests save, list, and delete of template files.
func TestTemplateStoreCRUD(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, store.SaveTemplate(testTemplate("echo")))
	require.NoError(t, store.SaveTemplate(testTemplate("beta")))

	templates, err := store.LoadTemplates()
	require.NoError(t, err)
	require.Len(t, templates, 2)
	assert.Equal(t, "beta", templates[0].Name)
	assert.Equal(t, "echo", templates[1].Name)
	// Normalize ran on the way in.
	assert.Equal(t, types.DefaultTimeoutMs, templates[0].Timeout)

	deleted, err := store.DeleteTemplate("beta")
	require.NoError(t, err)
	assert.True(t, deleted)

	deleted, err = store.DeleteTemplate("beta")
	require.NoError(t, err)
	assert.False(t, deleted)

	templates, err = store.LoadTemplates()
	require.NoError(t, err)
	require.Len(t, templates, 1)
	assert.Equal(t, "echo", templates[0].Name)
}

func TestLoadSingleTemplate(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, store.SaveTemplate(testTemplate("echo")))

	tpl, err := store.LoadTemplate("echo")
	require.NoError(t, err)
	assert.Equal(t, "echo", tpl.Name)
	assert.Equal(t, types.DefaultTimeoutMs, tpl.Timeout)

	_, err = store.LoadTemplate("ghost")
	require.Error(t, err)
	assert.True(t, errdefs.IsCode(err, errdefs.CodeNotFound))
}

// TestSaveTemplateIdempotent tests that identical saves do not rewrite the
// file.
func TestSaveTemplateIdempotent(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, store.SaveTemplate(testTemplate("echo")))

	path := filepath.Join(store.TemplatesDir(), "echo.json")
	before, err := os.Stat(path)
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, store.SaveTemplate(testTemplate("echo")))

	after, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, before.ModTime(), after.ModTime())
}

// TestLoadTemplatesSkipsBroken tests that one corrupt file does not hide
// the rest.
func TestLoadTemplatesSkipsBroken(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, store.SaveTemplate(testTemplate("echo")))
	broken := filepath.Join(store.TemplatesDir(), "broken.json")
	require.NoError(t, os.WriteFile(broken, []byte("{not json"), 0o644))

	templates, err := store.LoadTemplates()
	require.Error(t, err)
	require.Len(t, templates, 1)
	assert.Equal(t, "echo", templates[0].Name)
}

// TestExpandRefs tests ${NAME} resolution against the process environment.
func TestExpandRefs(t *testing.T) {
	t.Setenv("FOO_BAR", "abc123")

	assert.Equal(t, "abc123", ExpandRefs("${FOO_BAR}"))
	assert.Equal(t, "token=abc123;x", ExpandRefs("token=${FOO_BAR};x"))
	// Unset references stay literal.
	assert.Equal(t, "${NOT_SET_ANYWHERE}", ExpandRefs("${NOT_SET_ANYWHERE}"))
	// Malformed references are left alone.
	assert.Equal(t, "${1BAD}", ExpandRefs("${1BAD}"))
	assert.Equal(t, "$FOO_BAR", ExpandRefs("$FOO_BAR"))
}

// TestResolveTemplate tests that resolution deep-copies and expands env,
// args, and headers.
func TestResolveTemplate(t *testing.T) {
	t.Setenv("FOO_BAR", "abc123")

	tpl := testTemplate("echo")
	tpl.Env = map[string]string{"KEY": "${FOO_BAR}", "MISSING": "${NOPE_123}"}
	tpl.Args = []string{"server.js", "--token", "${FOO_BAR}"}
	tpl.Headers = map[string]string{"Authorization": "Bearer ${FOO_BAR}"}

	resolved := ResolveTemplate(tpl)

	assert.Equal(t, "abc123", resolved.Env["KEY"])
	assert.Equal(t, "${NOPE_123}", resolved.Env["MISSING"])
	assert.Equal(t, "abc123", resolved.Args[2])
	assert.Equal(t, "Bearer abc123", resolved.Headers["Authorization"])

	// The source template is untouched.
	assert.Equal(t, "${FOO_BAR}", tpl.Env["KEY"])
	assert.Equal(t, "${FOO_BAR}", tpl.Args[2])
}

// TestWatcher tests debounced change notification for template files.
func TestWatcher(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)

	watcher := NewWatcher(store, 50*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var changes []Change
	done := make(chan struct{})

	go func() {
		defer close(done)
		watcher.Watch(ctx, func(c Change) {
			mu.Lock()
			changes = append(changes, c)
			mu.Unlock()
		})
	}()

	// Give the watcher a moment to install.
	time.Sleep(100 * time.Millisecond)

	require.NoError(t, store.SaveTemplate(testTemplate("echo")))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(changes) == 1 && changes[0].Name == "echo" && !changes[0].Removed
	}, 2*time.Second, 20*time.Millisecond)

	_, err = store.DeleteTemplate("echo")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(changes) == 2 && changes[1].Name == "echo" && changes[1].Removed
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not stop after cancellation")
	}
}
