package api

import (
	"bufio"
	"context"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/patchbay-dev/patchbay/pkg/auth"
	"github.com/patchbay-dev/patchbay/pkg/config"
	"github.com/patchbay-dev/patchbay/pkg/errdefs"
	"github.com/patchbay-dev/patchbay/pkg/types"
)

func TestAuthGateTokenMode(t *testing.T) {
	env := newAPIEnv(t, func(c *config.GatewayConfig) {
		c.AuthMode = config.AuthModeToken
		c.Auth.BearerTokens = []string{"tok123"}
		c.Auth.APIKeys = []string{"key456"}
	})

	resp := env.do(t, http.MethodGet, "/api/templates", nil, nil)
	requireEnvelope(t, resp, http.StatusUnauthorized, errdefs.CodeUnauthorized)

	resp = env.do(t, http.MethodGet, "/api/templates", nil,
		map[string]string{"Authorization": "Bearer wrong"})
	requireEnvelope(t, resp, http.StatusUnauthorized, errdefs.CodeUnauthorized)

	resp = env.do(t, http.MethodGet, "/api/templates", nil,
		map[string]string{"Authorization": "Bearer tok123"})
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = env.do(t, http.MethodGet, "/api/templates", nil,
		map[string]string{"X-API-Key": "key456"})
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// Supplying both credential kinds is ambiguous and refused.
	resp = env.do(t, http.MethodGet, "/api/templates", nil,
		map[string]string{"Authorization": "Bearer tok123", "X-API-Key": "key456"})
	requireEnvelope(t, resp, http.StatusBadRequest, errdefs.CodeValidation)

	// Health and metrics stay open so probes and scrapers need no secrets.
	resp = env.do(t, http.MethodGet, "/health", nil, nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp = env.do(t, http.MethodGet, "/metrics", nil, nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestPairingHandshakeFlow(t *testing.T) {
	env := newAPIEnv(t, func(c *config.GatewayConfig) {
		c.AuthMode = config.AuthModeToken
	})

	// The handshake endpoints are reachable without credentials.
	resp := env.do(t, http.MethodPost, "/api/auth/handshake/start",
		map[string]any{"origin": "test-client"}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	started := decodeMap(t, resp)
	handshakeID, _ := started["handshakeId"].(string)
	require.NotEmpty(t, handshakeID)
	salt, err := hex.DecodeString(started["salt"].(string))
	require.NoError(t, err)
	require.Len(t, salt, 16)

	proof := auth.ComputeProof(env.handshakes.CurrentCode(), salt, "test-client", handshakeID)
	resp = env.do(t, http.MethodPost, "/api/auth/handshake/complete",
		map[string]any{"handshakeId": handshakeID, "origin": "test-client", "proof": proof}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	minted := decodeMap(t, resp)
	token, _ := minted["token"].(string)
	require.NotEmpty(t, token)
	assert.Equal(t, "test-client", minted["origin"])

	resp = env.do(t, http.MethodGet, "/api/templates", nil,
		map[string]string{"Authorization": "LocalMCP " + token})
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHandshakeRejectsBadProof(t *testing.T) {
	env := newAPIEnv(t, nil)

	resp := env.do(t, http.MethodPost, "/api/auth/handshake/start",
		map[string]any{"origin": "test-client"}, nil)
	started := decodeMap(t, resp)
	handshakeID := started["handshakeId"].(string)

	resp = env.do(t, http.MethodPost, "/api/auth/handshake/complete",
		map[string]any{"handshakeId": handshakeID, "origin": "test-client", "proof": "deadbeef"}, nil)
	requireEnvelope(t, resp, http.StatusUnauthorized, errdefs.CodeUnauthorized)

	// Handshakes are one-shot: the failed attempt consumed it.
	proof := auth.ComputeProof(env.handshakes.CurrentCode(), []byte("0123456789abcdef"), "test-client", handshakeID)
	resp = env.do(t, http.MethodPost, "/api/auth/handshake/complete",
		map[string]any{"handshakeId": handshakeID, "origin": "test-client", "proof": proof}, nil)
	requireEnvelope(t, resp, http.StatusUnauthorized, errdefs.CodeUnauthorized)

	resp = env.do(t, http.MethodPost, "/api/auth/handshake/start", map[string]any{}, nil)
	requireEnvelope(t, resp, http.StatusBadRequest, errdefs.CodeValidation)

	resp = env.do(t, http.MethodPost, "/api/auth/handshake/complete",
		map[string]any{"origin": "test-client"}, nil)
	requireEnvelope(t, resp, http.StatusBadRequest, errdefs.CodeValidation)
}

func TestCORSPreflightAndHeaders(t *testing.T) {
	env := newAPIEnv(t, func(c *config.GatewayConfig) {
		c.CORS.Enabled = true
		c.CORS.Origins = []string{"https://app.example.com"}
	})

	resp := env.do(t, http.MethodOptions, "/api/templates", nil, map[string]string{
		"Origin":                        "https://app.example.com",
		"Access-Control-Request-Method": "POST",
	})
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "https://app.example.com", resp.Header.Get("Access-Control-Allow-Origin"))
	assert.Contains(t, resp.Header.Get("Access-Control-Allow-Methods"), "POST")
	assert.Contains(t, resp.Header.Get("Access-Control-Allow-Headers"), "X-API-Key")

	// Unlisted origins get no allow header.
	resp = env.do(t, http.MethodOptions, "/api/templates", nil, map[string]string{
		"Origin":                        "https://evil.example.com",
		"Access-Control-Request-Method": "POST",
	})
	resp.Body.Close()
	assert.Empty(t, resp.Header.Get("Access-Control-Allow-Origin"))

	// Plain requests carry the allow header too.
	resp = env.do(t, http.MethodGet, "/health", nil,
		map[string]string{"Origin": "https://app.example.com"})
	resp.Body.Close()
	assert.Equal(t, "https://app.example.com", resp.Header.Get("Access-Control-Allow-Origin"))

	// Disabled CORS emits nothing.
	plain := newAPIEnv(t, nil)
	resp = plain.do(t, http.MethodGet, "/health", nil,
		map[string]string{"Origin": "https://app.example.com"})
	resp.Body.Close()
	assert.Empty(t, resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestRequestCeiling(t *testing.T) {
	env := newAPIEnv(t, func(c *config.GatewayConfig) {
		c.RequestCeiling = 1
	})
	env.backend.blockCh = make(chan struct{})
	env.registerTemplate(t, httpTemplate("echo", env.backendTS.URL))
	id := env.createService(t, "echo")

	done := make(chan int, 1)
	go func() {
		req, err := http.NewRequest(http.MethodPost, env.ts.URL+"/api/proxy/"+id,
			strings.NewReader(`{"jsonrpc":"2.0","id":9,"method":"tools/call"}`))
		if err != nil {
			done <- 0
			return
		}
		resp, err := env.ts.Client().Do(req)
		if err != nil {
			done <- 0
			return
		}
		resp.Body.Close()
		done <- resp.StatusCode
	}()

	select {
	case <-env.backend.started:
	case <-time.After(5 * time.Second):
		t.Fatal("backend never received the blocked call")
	}

	// The held slot refuses further API work...
	resp := env.do(t, http.MethodGet, "/api/templates", nil, nil)
	requireEnvelope(t, resp, http.StatusServiceUnavailable, errdefs.CodeOverloaded)

	// ...while health and the event stream stay reachable.
	resp = env.do(t, http.MethodGet, "/health", nil, nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, env.ts.URL+"/api/events", nil)
	require.NoError(t, err)
	sresp, err := env.ts.Client().Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, sresp.StatusCode)
	sresp.Body.Close()

	close(env.backend.blockCh)
	select {
	case status := <-done:
		assert.Equal(t, http.StatusOK, status)
	case <-time.After(5 * time.Second):
		t.Fatal("blocked proxy never completed")
	}
}

func TestRecoveryConvertsPanics(t *testing.T) {
	env := newAPIEnv(t, nil)

	h := env.srv.withRecovery(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/anything", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	var m map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &m))
	assert.Equal(t, "Internal", m["code"])
}

func TestRateLimitThroughPipeline(t *testing.T) {
	env := newAPIEnv(t, func(c *config.GatewayConfig) {
		c.RateLimit = config.RateLimitConfig{RPS: 1, Burst: 1}
	})
	env.registerTemplate(t, httpTemplate("echo", env.backendTS.URL))
	env.createRunning(t, "echo")

	resp := env.do(t, http.MethodPost, "/api/route", map[string]any{"method": "tools/call"}, nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = env.do(t, http.MethodPost, "/api/route", map[string]any{"method": "tools/call"}, nil)
	requireEnvelope(t, resp, http.StatusTooManyRequests, errdefs.CodeRateLimited)
}

// readSSEEvent reads one frame from an event stream, skipping comment lines.
func readSSEEvent(t *testing.T, br *bufio.Reader) map[string]string {
	t.Helper()
	fields := make(map[string]string)
	for {
		line, err := br.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			if len(fields) > 0 {
				return fields
			}
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		name, value, _ := strings.Cut(line, ": ")
		fields[name] = value
	}
}

func TestEventStreamDeliversFiltersAndDedups(t *testing.T) {
	env := newAPIEnv(t, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		env.ts.URL+"/api/events?types=serviceCreated", nil)
	require.NoError(t, err)
	resp, err := env.ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	require.Eventually(t, func() bool { return env.bus.SubscriberCount() > 0 },
		2*time.Second, 10*time.Millisecond)

	// Filtered out by type; never reaches the stream.
	env.bus.Publish(types.Event{Type: types.EventStderr, Payload: map[string]any{"line": "noise"}})
	env.bus.Publish(types.Event{Type: types.EventServiceCreated, ID: "e1",
		Payload: map[string]any{"serviceId": "svc-1"}})
	// Same id again: deduplicated at publish.
	env.bus.Publish(types.Event{Type: types.EventServiceCreated, ID: "e1"})
	env.bus.Publish(types.Event{Type: types.EventServiceCreated, ID: "e2"})

	br := bufio.NewReader(resp.Body)
	first := readSSEEvent(t, br)
	assert.Equal(t, "serviceCreated", first["event"])
	assert.Equal(t, "e1", first["id"])
	assert.Contains(t, first["data"], `"serviceId":"svc-1"`)

	second := readSSEEvent(t, br)
	assert.Equal(t, "e2", second["id"])
}
