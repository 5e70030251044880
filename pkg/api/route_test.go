package api

import (
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/patchbay-dev/patchbay/pkg/errdefs"
	"github.com/patchbay-dev/patchbay/pkg/protocol"
)

func (e *apiEnv) routeOnce(t *testing.T, body map[string]any) map[string]any {
	t.Helper()
	resp := e.do(t, http.MethodPost, "/api/route", body, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	return decodeMap(t, resp)
}

func TestRouteCyclesRoundRobin(t *testing.T) {
	env := newAPIEnv(t, nil)
	env.registerTemplate(t, httpTemplate("echo", env.backendTS.URL))

	a := env.createRunning(t, "echo")
	b := env.createRunning(t, "echo")
	c := env.createRunning(t, "echo")

	var got []string
	for i := 0; i < 6; i++ {
		m := env.routeOnce(t, map[string]any{"method": "tools/call"})
		selected, _ := m["selectedService"].(map[string]any)
		id, _ := selected["id"].(string)
		got = append(got, id)

		decision, _ := m["routingDecision"].(map[string]any)
		assert.Equal(t, "round-robin", decision["strategy"])
	}
	assert.Equal(t, []string{a, b, c, a, b, c}, got)

	// Routing never dispatches a call: the backend saw no traffic.
	assert.Zero(t, env.backend.count("tools/call"))
}

func TestRouteStrategyOverride(t *testing.T) {
	env := newAPIEnv(t, nil)
	env.registerTemplate(t, httpTemplate("echo", env.backendTS.URL))
	env.createRunning(t, "echo")

	m := env.routeOnce(t, map[string]any{"method": "tools/call", "strategy": "least-connections"})
	decision, _ := m["routingDecision"].(map[string]any)
	assert.Equal(t, "least-connections", decision["strategy"])
}

func TestRouteNoCandidates(t *testing.T) {
	env := newAPIEnv(t, nil)

	resp := env.do(t, http.MethodPost, "/api/route",
		map[string]any{"method": "tools/call", "serviceGroup": "ghost"}, nil)
	requireEnvelope(t, resp, http.StatusServiceUnavailable, errdefs.CodeNoServiceAvailable)
}

func TestRouteRequiresMethod(t *testing.T) {
	env := newAPIEnv(t, nil)

	resp := env.do(t, http.MethodPost, "/api/route", map[string]any{"serviceGroup": "echo"}, nil)
	requireEnvelope(t, resp, http.StatusBadRequest, errdefs.CodeValidation)
}

func TestRouteStatsEndpoint(t *testing.T) {
	env := newAPIEnv(t, nil)
	env.registerTemplate(t, httpTemplate("echo", env.backendTS.URL))
	env.createRunning(t, "echo")

	for i := 0; i < 3; i++ {
		env.routeOnce(t, map[string]any{"method": fmt.Sprintf("call-%d", i)})
	}

	resp := env.do(t, http.MethodGet, "/api/route/stats", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	m := decodeMap(t, resp)
	assert.GreaterOrEqual(t, m["total"], float64(3))
	assert.Equal(t, float64(0), m["failures"])
	history, _ := m["history"].([]any)
	assert.NotEmpty(t, history)
}

func TestProxyRelaysEnvelope(t *testing.T) {
	env := newAPIEnv(t, nil)
	env.registerTemplate(t, httpTemplate("echo", env.backendTS.URL))
	id := env.createService(t, "echo")

	resp := env.do(t, http.MethodPost, "/api/proxy/"+id,
		`{"jsonrpc":"2.0","id":7,"method":"tools/list"}`, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	m := decodeMap(t, resp)
	assert.Equal(t, "2.0", m["jsonrpc"])
	assert.Equal(t, float64(7), m["id"])
	result, _ := m["result"].(map[string]any)
	assert.Equal(t, true, result["ok"])

	// The relay connected the instance on demand.
	assert.Equal(t, 1, env.backend.count(protocol.MethodInitialize))
	resp = env.do(t, http.MethodGet, "/api/services/"+id, nil, nil)
	got := decodeMap(t, resp)
	assert.Equal(t, "running", got["state"])
}

func TestProxyNotificationAccepted(t *testing.T) {
	env := newAPIEnv(t, nil)
	env.registerTemplate(t, httpTemplate("echo", env.backendTS.URL))
	id := env.createService(t, "echo")

	resp := env.do(t, http.MethodPost, "/api/proxy/"+id,
		`{"jsonrpc":"2.0","method":"notifications/progress","params":{"n":1}}`, nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	m := decodeMap(t, resp)
	assert.Equal(t, "accepted", m["status"])
}

func TestProxyRejectsInvalidEnvelope(t *testing.T) {
	env := newAPIEnv(t, nil)
	env.registerTemplate(t, httpTemplate("echo", env.backendTS.URL))
	id := env.createService(t, "echo")

	resp := env.do(t, http.MethodPost, "/api/proxy/"+id, `{"method":"tools/list"}`, nil)
	requireEnvelope(t, resp, http.StatusBadRequest, errdefs.CodeValidation)
}

func TestProxyUnknownService(t *testing.T) {
	env := newAPIEnv(t, nil)

	resp := env.do(t, http.MethodPost, "/api/proxy/ghost-1-abc",
		`{"jsonrpc":"2.0","id":1,"method":"tools/list"}`, nil)
	requireEnvelope(t, resp, http.StatusNotFound, errdefs.CodeNotFound)
}

func TestProxyRelaysPeerErrorVerbatim(t *testing.T) {
	env := newAPIEnv(t, nil)
	env.backend.rejectToolsList = true
	env.registerTemplate(t, httpTemplate("echo", env.backendTS.URL))
	id := env.createService(t, "echo")

	// A protocol-level error from the peer is a successful relay.
	resp := env.do(t, http.MethodPost, "/api/proxy/"+id,
		`{"jsonrpc":"2.0","id":3,"method":"tools/list"}`, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	m := decodeMap(t, resp)
	errObj, _ := m["error"].(map[string]any)
	require.NotNil(t, errObj)
	assert.Equal(t, float64(-32000), errObj["code"])
	assert.Equal(t, "tool registry not ready", errObj["message"])
}

func TestProxyGuardBlocksDestructiveArguments(t *testing.T) {
	env := newAPIEnv(t, nil)
	env.registerTemplate(t, httpTemplate("echo", env.backendTS.URL))
	id := env.createService(t, "echo")

	resp := env.do(t, http.MethodPost, "/api/proxy/"+id,
		`{"jsonrpc":"2.0","id":4,"method":"tools/call","params":{"cmd":"rm -rf /"}}`, nil)
	requireEnvelope(t, resp, http.StatusForbidden, errdefs.CodeForbidden)

	// The call never reached the backend.
	assert.Zero(t, env.backend.count("tools/call"))
}

func TestProxyRedactsCredentialsInResults(t *testing.T) {
	env := newAPIEnv(t, nil)
	env.backend.secret = "sk-test1234567890abcdef"
	env.registerTemplate(t, httpTemplate("echo", env.backendTS.URL))
	id := env.createService(t, "echo")

	resp := env.do(t, http.MethodPost, "/api/proxy/"+id,
		`{"jsonrpc":"2.0","id":5,"method":"tools/call","params":{"name":"lookup"}}`, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	m := decodeMap(t, resp)
	result, _ := m["result"].(map[string]any)
	output, _ := result["output"].(string)
	assert.NotContains(t, output, env.backend.secret)
	assert.Contains(t, output, "sk-t…cdef")
}
