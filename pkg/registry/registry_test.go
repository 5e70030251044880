package registry

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/patchbay-dev/patchbay/pkg/balancer"
	"github.com/patchbay-dev/patchbay/pkg/breaker"
	"github.com/patchbay-dev/patchbay/pkg/errdefs"
	"github.com/patchbay-dev/patchbay/pkg/events"
	"github.com/patchbay-dev/patchbay/pkg/health"
	"github.com/patchbay-dev/patchbay/pkg/instance"
	"github.com/patchbay-dev/patchbay/pkg/protocol"
	"github.com/patchbay-dev/patchbay/pkg/sandbox"
	"github.com/patchbay-dev/patchbay/pkg/transport"
	"github.com/patchbay-dev/patchbay/pkg/types"
)

// fakeBackend is an in-process HTTP backend speaking just enough of the
// protocol for connect and probe flows.
type fakeBackend struct {
	mu          sync.Mutex
	methods     []string
	initializes int
	initDelay   time.Duration
	failAll     bool
	rejectProbe bool
}

func (f *fakeBackend) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		failAll, rejectProbe, delay := f.failAll, f.rejectProbe, f.initDelay
		f.mu.Unlock()

		if failAll {
			http.Error(w, "backend down", http.StatusInternalServerError)
			return
		}

		body, _ := io.ReadAll(r.Body)
		msg, err := protocol.Parse(body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		f.mu.Lock()
		f.methods = append(f.methods, msg.Method)
		if msg.Method == protocol.MethodInitialize {
			f.initializes++
		}
		f.mu.Unlock()

		if msg.IsNotification() {
			w.WriteHeader(http.StatusAccepted)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		switch msg.Method {
		case protocol.MethodInitialize:
			if delay > 0 {
				time.Sleep(delay)
			}
			fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%s,"result":{"protocolVersion":"2025-03-26","capabilities":{},"serverInfo":{"name":"fake","version":"0"}}}`, msg.ID)
		case protocol.MethodToolsList:
			if rejectProbe {
				fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%s,"error":{"code":-32000,"message":"not ready"}}`, msg.ID)
				return
			}
			fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%s,"result":{"tools":[{"name":"echo"}]}}`, msg.ID)
		default:
			fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%s,"result":{"ok":true}}`, msg.ID)
		}
	}
}

func (f *fakeBackend) initCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.initializes
}

func (f *fakeBackend) sawMethod(method string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range f.methods {
		if m == method {
			return true
		}
	}
	return false
}

type registryEnv struct {
	reg      *Registry
	tpls     *Templates
	manager  *instance.Manager
	monitor  *health.Monitor
	breakers *breaker.Breakers
	balancer *balancer.Balancer
	bus      *events.Bus
}

func newRegistryEnv(t *testing.T) *registryEnv {
	t.Helper()
	policy := sandbox.NewPolicy(sandbox.PolicyConfig{})
	env := &registryEnv{
		tpls:     NewTemplates(nil, policy),
		manager:  instance.NewManager(),
		monitor:  health.NewMonitor(),
		breakers: breaker.New(breaker.Settings{}),
		balancer: balancer.New(balancer.Config{}),
		bus:      events.NewBus(),
	}
	env.reg = New(Options{
		Templates: env.tpls,
		Manager:   env.manager,
		Monitor:   env.monitor,
		Breakers:  env.breakers,
		Balancer:  env.balancer,
		Bus:       env.bus,
		Policy:    policy,
	})
	t.Cleanup(func() {
		env.reg.Close(context.Background())
		env.bus.Close()
	})
	return env
}

func (e *registryEnv) registerHTTP(t *testing.T, name, url string) {
	t.Helper()
	_, _, err := e.tpls.Register(&types.ServiceTemplate{
		Name:      name,
		Transport: types.TransportHTTP,
		URL:       url,
	})
	require.NoError(t, err)
}

func (e *registryEnv) createManaged(t *testing.T, template string) *types.ServiceInstance {
	t.Helper()
	inst, err := e.reg.CreateInstance(template, nil, types.ModeManaged)
	require.NoError(t, err)
	return inst
}

func waitEvent(t *testing.T, sub *events.Subscription) types.Event {
	t.Helper()
	select {
	case e := <-sub.C:
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return types.Event{}
	}
}

func TestRegistryCreateInstanceShape(t *testing.T) {
	env := newRegistryEnv(t)
	env.registerHTTP(t, "echo", "http://127.0.0.1:9")

	sub := env.bus.Subscribe(types.EventServiceCreated)
	defer sub.Close()

	inst := env.createManaged(t, "echo")
	assert.Regexp(t, regexp.MustCompile(`^echo-\d+-[a-z0-9]{6}$`), inst.ID)
	assert.Equal(t, types.StateIdle, inst.State)
	assert.Equal(t, types.ModeManaged, inst.Mode)

	event := waitEvent(t, sub)
	assert.Equal(t, inst.ID, event.Payload["instanceId"])
	assert.Equal(t, "echo", event.Payload["template"])
	assert.Equal(t, "managed", event.Payload["mode"])
}

func TestRegistryCreateInstanceResolvesEnvOnce(t *testing.T) {
	t.Setenv("ECHO_TOKEN", "s3cret-1")

	env := newRegistryEnv(t)
	_, _, err := env.tpls.Register(&types.ServiceTemplate{
		Name:      "echo",
		Transport: types.TransportHTTP,
		URL:       "http://127.0.0.1:9",
		Env: map[string]string{
			"TOKEN":   "${ECHO_TOKEN}",
			"MISSING": "${UNSET_REF_XYZ}",
		},
	})
	require.NoError(t, err)

	inst, err := env.reg.CreateInstance("echo", map[string]string{"EXTRA": "on"}, types.ModeManaged)
	require.NoError(t, err)

	assert.Equal(t, "s3cret-1", inst.Template.Env["TOKEN"])
	assert.Equal(t, "${UNSET_REF_XYZ}", inst.Template.Env["MISSING"], "unset references stay literal")
	assert.Equal(t, "on", inst.Template.Env["EXTRA"])

	// Later env changes must not leak into the frozen instance.
	t.Setenv("ECHO_TOKEN", "rotated")
	got, err := env.reg.GetInstance(inst.ID)
	require.NoError(t, err)
	assert.Equal(t, "s3cret-1", got.Template.Env["TOKEN"])
}

func TestRegistryCreateInstanceUnknownTemplate(t *testing.T) {
	env := newRegistryEnv(t)
	_, err := env.reg.CreateInstance("ghost", nil, types.ModeManaged)
	require.Error(t, err)
	assert.True(t, errdefs.IsCode(err, errdefs.CodeNotFound))
}

func TestRegistryEnsureConnectedPoolsAdapter(t *testing.T) {
	backend := &fakeBackend{}
	server := httptest.NewServer(backend.handler())
	defer server.Close()

	env := newRegistryEnv(t)
	env.registerHTTP(t, "echo", server.URL)
	inst := env.createManaged(t, "echo")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	first, err := env.reg.EnsureConnected(ctx, inst.ID)
	require.NoError(t, err)
	require.NotNil(t, first)

	got, err := env.reg.GetInstance(inst.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StateRunning, got.State)

	second, err := env.reg.EnsureConnected(ctx, inst.ID)
	require.NoError(t, err)
	assert.True(t, first == second, "pooled adapter must be reused")
	assert.Equal(t, 1, backend.initCount())
}

func TestRegistryEnsureConnectedSharesInFlightConnect(t *testing.T) {
	backend := &fakeBackend{initDelay: 150 * time.Millisecond}
	server := httptest.NewServer(backend.handler())
	defer server.Close()

	env := newRegistryEnv(t)
	env.registerHTTP(t, "echo", server.URL)
	inst := env.createManaged(t, "echo")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	const callers = 4
	adapters := make(chan transport.Adapter, callers)
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		go func() {
			adapter, err := env.reg.EnsureConnected(ctx, inst.ID)
			adapters <- adapter
			errs <- err
		}()
	}

	var got []transport.Adapter
	for i := 0; i < callers; i++ {
		require.NoError(t, <-errs)
		got = append(got, <-adapters)
	}
	for _, adapter := range got {
		assert.True(t, adapter == got[0], "concurrent callers share one connect")
	}
	assert.Equal(t, 1, backend.initCount())
}

func TestRegistryConnectFailureMovesFreshInstanceToError(t *testing.T) {
	backend := &fakeBackend{failAll: true}
	server := httptest.NewServer(backend.handler())
	defer server.Close()

	env := newRegistryEnv(t)
	env.registerHTTP(t, "echo", server.URL)
	inst := env.createManaged(t, "echo")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := env.reg.EnsureConnected(ctx, inst.ID)
	require.Error(t, err)
	assert.True(t, errdefs.IsCode(err, errdefs.CodeTransportFailure))

	got, err := env.reg.GetInstance(inst.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StateError, got.State)
	assert.Equal(t, 1, got.ErrorCount)
}

func TestRegistryConnectRefusedWhileStopping(t *testing.T) {
	env := newRegistryEnv(t)
	env.registerHTTP(t, "echo", "http://127.0.0.1:9")
	inst := env.createManaged(t, "echo")

	_, err := env.manager.UpdateState(inst.ID, types.StateStopping)
	require.NoError(t, err)

	_, err = env.reg.EnsureConnected(context.Background(), inst.ID)
	require.Error(t, err)
	assert.True(t, errdefs.IsCode(err, errdefs.CodeConflict))
}

func TestRegistryRemoveInstanceTearsDown(t *testing.T) {
	backend := &fakeBackend{}
	server := httptest.NewServer(backend.handler())
	defer server.Close()

	env := newRegistryEnv(t)
	env.registerHTTP(t, "echo", server.URL)
	inst := env.createManaged(t, "echo")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := env.reg.EnsureConnected(ctx, inst.ID)
	require.NoError(t, err)
	env.breakers.ForceState(inst.ID, breaker.Open)

	sub := env.bus.Subscribe(types.EventServiceStopped)
	defer sub.Close()

	require.NoError(t, env.reg.RemoveInstance(ctx, inst.ID))

	_, err = env.reg.GetInstance(inst.ID)
	assert.True(t, errdefs.IsCode(err, errdefs.CodeNotFound))

	event := waitEvent(t, sub)
	assert.Equal(t, inst.ID, event.Payload["instanceId"])

	assert.Zero(t, env.reg.GetRegistryStats().ConnectedAdapters)
	assert.Equal(t, breaker.Closed, env.breakers.State(inst.ID), "breaker state discarded with the instance")
}

func TestRegistryRemoveTemplateBlockedByInstances(t *testing.T) {
	env := newRegistryEnv(t)
	env.registerHTTP(t, "echo", "http://127.0.0.1:9")
	inst := env.createManaged(t, "echo")

	_, err := env.reg.RemoveTemplate("echo")
	require.Error(t, err)
	assert.True(t, errdefs.IsCode(err, errdefs.CodeConflict))

	require.NoError(t, env.reg.RemoveInstance(context.Background(), inst.ID))

	removed, err := env.reg.RemoveTemplate("echo")
	require.NoError(t, err)
	assert.True(t, removed)
}

func TestRegistryScaleTemplate(t *testing.T) {
	backend := &fakeBackend{}
	server := httptest.NewServer(backend.handler())
	defer server.Close()

	env := newRegistryEnv(t)
	env.registerHTTP(t, "echo", server.URL)

	ctx := context.Background()
	up, err := env.reg.ScaleTemplate(ctx, "echo", 3)
	require.NoError(t, err)
	require.Len(t, up, 3)
	assert.Equal(t, 3, env.manager.CountByTemplate("echo"))

	down, err := env.reg.ScaleTemplate(ctx, "echo", 1)
	require.NoError(t, err)
	require.Len(t, down, 1)
	assert.Equal(t, up[0].ID, down[0].ID, "scale down removes the newest instances first")
	assert.Equal(t, 1, env.manager.CountByTemplate("echo"))

	_, err = env.reg.ScaleTemplate(ctx, "echo", -1)
	require.Error(t, err)
	assert.True(t, errdefs.IsCode(err, errdefs.CodeValidation))

	_, err = env.reg.ScaleTemplate(ctx, "ghost", 1)
	require.Error(t, err)
	assert.True(t, errdefs.IsCode(err, errdefs.CodeNotFound))
}

func TestRegistryCandidatesReflectBreakerAndHealth(t *testing.T) {
	env := newRegistryEnv(t)
	env.registerHTTP(t, "echo", "http://127.0.0.1:9")
	a := env.createManaged(t, "echo")
	b := env.createManaged(t, "echo")

	candidates := env.reg.Candidates("echo")
	require.Len(t, candidates, 2)
	for _, c := range candidates {
		assert.False(t, c.BreakerOpen)
		assert.False(t, c.Unhealthy)
	}

	env.breakers.ForceState(a.ID, breaker.Open)
	for i := 0; i < 3; i++ {
		require.NoError(t, env.reg.ReportHeartbeat(b.ID, false, 0, "no pulse"))
	}

	byID := make(map[string]balancer.Candidate)
	for _, c := range env.reg.Candidates("echo") {
		byID[c.Instance.ID] = c
	}
	require.Len(t, byID, 2)
	assert.True(t, byID[a.ID].BreakerOpen)
	assert.True(t, byID[b.ID].Unhealthy)

	// Instances past their lifecycle stop being candidates at all.
	_, err := env.manager.UpdateState(a.ID, types.StateStopping)
	require.NoError(t, err)
	candidates = env.reg.Candidates("echo")
	require.Len(t, candidates, 1)
	assert.Equal(t, b.ID, candidates[0].Instance.ID)
}

func TestRegistrySelectBestInstanceRoundRobin(t *testing.T) {
	env := newRegistryEnv(t)
	env.registerHTTP(t, "echo", "http://127.0.0.1:9")
	a := env.createManaged(t, "echo")
	b := env.createManaged(t, "echo")

	var picked []string
	for i := 0; i < 4; i++ {
		inst, err := env.reg.SelectBestInstance("echo", balancer.RoundRobin)
		require.NoError(t, err)
		picked = append(picked, inst.ID)
	}
	assert.Equal(t, []string{a.ID, b.ID, a.ID, b.ID}, picked)
}

func TestRegistrySelectBestInstanceErrors(t *testing.T) {
	env := newRegistryEnv(t)
	env.registerHTTP(t, "echo", "http://127.0.0.1:9")

	_, err := env.reg.SelectBestInstance("echo", balancer.RoundRobin)
	require.Error(t, err)
	assert.True(t, errdefs.IsCode(err, errdefs.CodeNoServiceAvailable))

	env.createManaged(t, "echo")
	_, err = env.reg.SelectBestInstance("echo", "fastest")
	require.Error(t, err)
	assert.True(t, errdefs.IsCode(err, errdefs.CodeValidation))
}

func TestRegistryHeartbeatDegradesAndRecovers(t *testing.T) {
	env := newRegistryEnv(t)
	env.registerHTTP(t, "echo", "http://127.0.0.1:9")
	inst := env.createManaged(t, "echo")

	_, err := env.manager.UpdateState(inst.ID, types.StateStarting)
	require.NoError(t, err)
	_, err = env.manager.UpdateState(inst.ID, types.StateRunning)
	require.NoError(t, err)

	sub := env.bus.Subscribe(types.EventServiceHealthChanged)
	defer sub.Close()

	for i := 0; i < 3; i++ {
		require.NoError(t, env.reg.ReportHeartbeat(inst.ID, false, 0, "no pulse"))
	}

	event := waitEvent(t, sub)
	assert.Equal(t, false, event.Payload["healthy"])

	got, err := env.reg.GetInstance(inst.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StateDegraded, got.State)
	assert.Equal(t, 3, got.ErrorCount)
	assert.Equal(t, "no pulse", got.Metadata[types.MetaLastProbeError])

	// A single healthy heartbeat recovers.
	require.NoError(t, env.reg.ReportHeartbeat(inst.ID, true, 12*time.Millisecond, ""))

	event = waitEvent(t, sub)
	assert.Equal(t, true, event.Payload["healthy"])

	got, err = env.reg.GetInstance(inst.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StateRunning, got.State)
}

func TestRegistryHeartbeatUnknownInstance(t *testing.T) {
	env := newRegistryEnv(t)
	err := env.reg.ReportHeartbeat("ghost-1-abcdef", true, 0, "")
	require.Error(t, err)
	assert.True(t, errdefs.IsCode(err, errdefs.CodeNotFound))
}

func TestRegistryCheckHealthProbesImmediately(t *testing.T) {
	backend := &fakeBackend{}
	server := httptest.NewServer(backend.handler())
	defer server.Close()

	env := newRegistryEnv(t)
	env.registerHTTP(t, "echo", server.URL)
	inst := env.createManaged(t, "echo")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	result, err := env.reg.CheckHealth(ctx, inst.ID)
	require.NoError(t, err)
	assert.True(t, result.Healthy)
	assert.True(t, backend.sawMethod(protocol.MethodInitialize), "probe connects on demand")
	assert.True(t, backend.sawMethod(protocol.MethodToolsList))

	got, err := env.reg.GetInstance(inst.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StateRunning, got.State)

	stats, ok := env.reg.HealthStats(inst.ID)
	require.True(t, ok)
	assert.EqualValues(t, 1, stats.Checks)
}

func TestRegistryCheckHealthRejectedProbe(t *testing.T) {
	backend := &fakeBackend{rejectProbe: true}
	server := httptest.NewServer(backend.handler())
	defer server.Close()

	env := newRegistryEnv(t)
	env.registerHTTP(t, "echo", server.URL)
	inst := env.createManaged(t, "echo")

	sub := env.bus.Subscribe(types.EventProbeFailed)
	defer sub.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	result, err := env.reg.CheckHealth(ctx, inst.ID)
	require.NoError(t, err)
	assert.False(t, result.Healthy)
	assert.Contains(t, result.Message, "rejected")

	event := waitEvent(t, sub)
	assert.Equal(t, inst.ID, event.Payload["instanceId"])

	got, err := env.reg.GetInstance(inst.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.ErrorCount)
}

func TestRegistryGetHealthyInstances(t *testing.T) {
	env := newRegistryEnv(t)
	env.registerHTTP(t, "echo", "http://127.0.0.1:9")
	a := env.createManaged(t, "echo")
	b := env.createManaged(t, "echo")

	// Never-checked instances count as healthy.
	assert.Len(t, env.reg.GetHealthyInstances("echo"), 2)

	for i := 0; i < 3; i++ {
		require.NoError(t, env.reg.ReportHeartbeat(b.ID, false, 0, "down"))
	}
	healthy := env.reg.GetHealthyInstances("echo")
	require.Len(t, healthy, 1)
	assert.Equal(t, a.ID, healthy[0].ID)

	require.NoError(t, env.reg.ReportHeartbeat(b.ID, true, 0, ""))
	assert.Len(t, env.reg.GetHealthyInstances("echo"), 2)
}

func TestRegistryBreakerTransitionPublishesEvent(t *testing.T) {
	env := newRegistryEnv(t)
	env.registerHTTP(t, "echo", "http://127.0.0.1:9")
	inst := env.createManaged(t, "echo")

	sub := env.bus.Subscribe(types.EventBreakerStateChanged)
	defer sub.Close()

	env.breakers.ForceState(inst.ID, breaker.Open)

	event := waitEvent(t, sub)
	assert.Equal(t, inst.ID, event.Payload["instanceId"])
	assert.Equal(t, "closed", event.Payload["from"])
	assert.Equal(t, "open", event.Payload["to"])
}

func TestRegistryLogs(t *testing.T) {
	backend := &fakeBackend{}
	server := httptest.NewServer(backend.handler())
	defer server.Close()

	env := newRegistryEnv(t)
	env.registerHTTP(t, "echo", server.URL)
	inst := env.createManaged(t, "echo")

	_, err := env.reg.Logs("ghost-1-abcdef", 10)
	require.Error(t, err)
	assert.True(t, errdefs.IsCode(err, errdefs.CodeNotFound))

	lines, err := env.reg.Logs(inst.ID, 10)
	require.NoError(t, err)
	assert.Empty(t, lines, "no adapter yet means no logs")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = env.reg.EnsureConnected(ctx, inst.ID)
	require.NoError(t, err)

	lines, err = env.reg.Logs(inst.ID, 10)
	require.NoError(t, err)
	assert.Empty(t, lines, "http backends have no captured output")
}

func TestRegistryStats(t *testing.T) {
	backend := &fakeBackend{}
	server := httptest.NewServer(backend.handler())
	defer server.Close()

	env := newRegistryEnv(t)
	env.registerHTTP(t, "echo", server.URL)
	a := env.createManaged(t, "echo")
	b := env.createManaged(t, "echo")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := env.reg.EnsureConnected(ctx, a.ID)
	require.NoError(t, err)
	env.breakers.ForceState(b.ID, breaker.Open)

	stats := env.reg.GetRegistryStats()
	assert.Equal(t, 1, stats.Templates)
	assert.Equal(t, 2, stats.Instances)
	assert.Equal(t, 1, stats.InstancesByState[types.StateRunning])
	assert.Equal(t, 1, stats.InstancesByState[types.StateIdle])
	assert.Equal(t, 2, stats.HealthyInstances)
	assert.Equal(t, 1, stats.OpenBreakers)
	assert.Equal(t, 1, stats.ConnectedAdapters)
}

func TestRegistryDiagnoseTemplate(t *testing.T) {
	env := newRegistryEnv(t)
	env.registerHTTP(t, "echo", "http://127.0.0.1:9")

	findings, err := env.reg.DiagnoseTemplate("echo")
	require.NoError(t, err)
	require.Len(t, findings, 1)
	assert.Equal(t, "no-health-check", findings[0].Code)

	_, err = env.reg.DiagnoseTemplate("ghost")
	require.Error(t, err)
	assert.True(t, errdefs.IsCode(err, errdefs.CodeNotFound))
}
