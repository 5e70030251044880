package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/patchbay-dev/patchbay/pkg/config"
	"github.com/patchbay-dev/patchbay/pkg/errdefs"
	"github.com/patchbay-dev/patchbay/pkg/sandbox"
	"github.com/patchbay-dev/patchbay/pkg/types"
)

func stdioTemplate(name string) *types.ServiceTemplate {
	return &types.ServiceTemplate{
		Name:      name,
		Transport: types.TransportStdio,
		Command:   "node",
		Args:      []string{"server.js"},
	}
}

func newTestTemplates(t *testing.T) *Templates {
	t.Helper()
	return NewTemplates(nil, sandbox.NewPolicy(sandbox.PolicyConfig{}))
}

func TestTemplatesRegisterAndGet(t *testing.T) {
	tpls := newTestTemplates(t)

	stored, changed, err := tpls.Register(stdioTemplate("echo"))
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, types.DefaultTimeoutMs, stored.Timeout)
	assert.Equal(t, types.DefaultProtocolVersion, stored.ProtocolVersion)

	got, err := tpls.Get("echo")
	require.NoError(t, err)
	assert.Equal(t, "echo", got.Name)
	assert.Equal(t, []string{"server.js"}, got.Args)

	_, err = tpls.Get("ghost")
	require.Error(t, err)
	assert.True(t, errdefs.IsCode(err, errdefs.CodeNotFound))
}

func TestTemplatesRegisterRejectsInvalid(t *testing.T) {
	tpls := newTestTemplates(t)

	tests := []struct {
		name string
		tpl  *types.ServiceTemplate
	}{
		{"nil template", nil},
		{"missing transport", &types.ServiceTemplate{Name: "echo"}},
		{"unknown transport", &types.ServiceTemplate{Name: "echo", Transport: "carrier-pigeon"}},
		{"stdio without command", &types.ServiceTemplate{Name: "echo", Transport: types.TransportStdio}},
		{"http without url", &types.ServiceTemplate{Name: "echo", Transport: types.TransportHTTP}},
		{"bad name", &types.ServiceTemplate{Name: "Echo Server!", Transport: types.TransportStdio, Command: "node"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := tpls.Register(tt.tpl)
			require.Error(t, err)
			assert.True(t, errdefs.IsCode(err, errdefs.CodeValidation))
		})
	}
	assert.Zero(t, tpls.Count())
}

func TestTemplatesRegisterBannedCommand(t *testing.T) {
	tpls := newTestTemplates(t)

	tpl := stdioTemplate("wipe")
	tpl.Command = "dd"
	tpl.Args = []string{"if=/dev/zero", "of=/dev/sda"}

	_, _, err := tpls.Register(tpl)
	require.Error(t, err)
	assert.True(t, errdefs.IsCode(err, errdefs.CodeForbidden))
	assert.Zero(t, tpls.Count())
}

func TestTemplatesRegisterIdempotent(t *testing.T) {
	tpls := newTestTemplates(t)

	_, changed, err := tpls.Register(stdioTemplate("echo"))
	require.NoError(t, err)
	require.True(t, changed)

	_, changed, err = tpls.Register(stdioTemplate("echo"))
	require.NoError(t, err)
	assert.False(t, changed, "identical body must be a no-op")
	assert.Equal(t, 1, tpls.Count())
}

func TestTemplatesRegisterReplacesBody(t *testing.T) {
	tpls := newTestTemplates(t)

	_, _, err := tpls.Register(stdioTemplate("echo"))
	require.NoError(t, err)

	replacement := stdioTemplate("echo")
	replacement.Args = []string{"server.js", "--verbose"}
	_, changed, err := tpls.Register(replacement)
	require.NoError(t, err)
	assert.True(t, changed)

	got, err := tpls.Get("echo")
	require.NoError(t, err)
	assert.Equal(t, []string{"server.js", "--verbose"}, got.Args)
	assert.Equal(t, 1, tpls.Count())
}

func TestTemplatesUntrustedStdioRewrittenToContainer(t *testing.T) {
	policy := sandbox.NewPolicy(sandbox.PolicyConfig{RequireContainerForUntrusted: true})
	tpls := NewTemplates(nil, policy)

	tpl := stdioTemplate("sketchy")
	tpl.Security = &types.SecuritySpec{TrustLevel: types.TrustUntrusted}

	stored, changed, err := tpls.Register(tpl)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, types.TransportContainer, stored.Transport)
	require.NotNil(t, stored.Container)
	assert.Equal(t, "node:20-slim", stored.Container.Image)
}

func TestTemplatesTrustedStdioNotRewritten(t *testing.T) {
	policy := sandbox.NewPolicy(sandbox.PolicyConfig{RequireContainerForUntrusted: true})
	tpls := NewTemplates(nil, policy)

	stored, _, err := tpls.Register(stdioTemplate("solid"))
	require.NoError(t, err)
	assert.Equal(t, types.TransportStdio, stored.Transport)
}

func TestTemplatesGetReturnsClone(t *testing.T) {
	tpls := newTestTemplates(t)

	tpl := stdioTemplate("echo")
	tpl.Env = map[string]string{"MODE": "quiet"}
	_, _, err := tpls.Register(tpl)
	require.NoError(t, err)

	first, err := tpls.Get("echo")
	require.NoError(t, err)
	first.Env["MODE"] = "loud"
	first.Args[0] = "other.js"

	second, err := tpls.Get("echo")
	require.NoError(t, err)
	assert.Equal(t, "quiet", second.Env["MODE"])
	assert.Equal(t, "server.js", second.Args[0])
}

func TestTemplatesListSortedByName(t *testing.T) {
	tpls := newTestTemplates(t)
	for _, name := range []string{"zeta", "alpha", "mid"} {
		_, _, err := tpls.Register(stdioTemplate(name))
		require.NoError(t, err)
	}

	list := tpls.List()
	require.Len(t, list, 3)
	assert.Equal(t, "alpha", list[0].Name)
	assert.Equal(t, "mid", list[1].Name)
	assert.Equal(t, "zeta", list[2].Name)
}

func TestTemplatesRemove(t *testing.T) {
	tpls := newTestTemplates(t)
	_, _, err := tpls.Register(stdioTemplate("echo"))
	require.NoError(t, err)

	removed, err := tpls.Remove("echo")
	require.NoError(t, err)
	assert.True(t, removed)

	_, err = tpls.Get("echo")
	assert.True(t, errdefs.IsCode(err, errdefs.CodeNotFound))

	removed, err = tpls.Remove("echo")
	require.NoError(t, err)
	assert.False(t, removed, "removing an absent template is not an error")
}

func TestTemplatesPersistenceRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store, err := config.NewStore(dir)
	require.NoError(t, err)
	policy := sandbox.NewPolicy(sandbox.PolicyConfig{})

	first := NewTemplates(store, policy)
	_, _, err = first.Register(stdioTemplate("echo"))
	require.NoError(t, err)
	http := &types.ServiceTemplate{Name: "remote", Transport: types.TransportHTTP, URL: "http://127.0.0.1:9"}
	_, _, err = first.Register(http)
	require.NoError(t, err)

	second := NewTemplates(store, policy)
	require.NoError(t, second.Load())
	assert.Equal(t, 2, second.Count())

	got, err := second.Get("remote")
	require.NoError(t, err)
	assert.Equal(t, "http://127.0.0.1:9", got.URL)
}
