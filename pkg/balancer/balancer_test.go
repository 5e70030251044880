package balancer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/patchbay-dev/patchbay/pkg/errdefs"
	"github.com/patchbay-dev/patchbay/pkg/types"
)

func running(id string) Candidate {
	return Candidate{Instance: &types.ServiceInstance{
		ID:    id,
		State: types.StateRunning,
	}}
}

func weighted(id string, weight string) Candidate {
	c := running(id)
	c.Instance.Metadata = map[string]string{types.MetaWeight: weight}
	return c
}

// TestParseStrategy tests strategy name validation
func TestParseStrategy(t *testing.T) {
	s, err := ParseStrategy("")
	require.NoError(t, err)
	assert.Equal(t, RoundRobin, s)

	s, err = ParseStrategy("least-latency")
	require.NoError(t, err)
	assert.Equal(t, LeastLatency, s)

	_, err = ParseStrategy("random")
	require.Error(t, err)
	assert.True(t, errdefs.IsCode(err, errdefs.CodeValidation))
}

// TestSelectEmptyGroup tests that an empty candidate set is a routing failure
func TestSelectEmptyGroup(t *testing.T) {
	b := New(Config{})

	_, err := b.Select(RoundRobin, "echo", nil)
	require.Error(t, err)
	assert.True(t, errdefs.IsCode(err, errdefs.CodeNoServiceAvailable))
}

// TestRoundRobinFairness tests the per-group cursor cycles [a,b,c,a,b,c]
func TestRoundRobinFairness(t *testing.T) {
	b := New(Config{})
	candidates := []Candidate{running("a"), running("b"), running("c")}

	var picked []string
	for i := 0; i < 6; i++ {
		inst, err := b.Select(RoundRobin, "echo", candidates)
		require.NoError(t, err)
		picked = append(picked, inst.ID)
	}

	assert.Equal(t, []string{"a", "b", "c", "a", "b", "c"}, picked)
}

// TestRoundRobinCursorPerGroup tests that groups do not share a cursor
func TestRoundRobinCursorPerGroup(t *testing.T) {
	b := New(Config{})
	groupA := []Candidate{running("a1"), running("a2")}
	groupB := []Candidate{running("b1"), running("b2")}

	first, err := b.Select(RoundRobin, "alpha", groupA)
	require.NoError(t, err)
	assert.Equal(t, "a1", first.ID)

	// A fresh group starts at its own cursor, not alpha's.
	other, err := b.Select(RoundRobin, "beta", groupB)
	require.NoError(t, err)
	assert.Equal(t, "b1", other.ID)
}

// TestEligibilityFilter tests that open breakers, bad health, and
// non-running states are skipped
func TestEligibilityFilter(t *testing.T) {
	b := New(Config{})

	stopped := running("a")
	stopped.Instance.State = types.StateStopped
	tripped := running("b")
	tripped.BreakerOpen = true
	sick := running("c")
	sick.Unhealthy = true
	good := running("d")

	inst, err := b.Select(RoundRobin, "echo", []Candidate{stopped, tripped, sick, good})
	require.NoError(t, err)
	assert.Equal(t, "d", inst.ID)
}

// TestBrownoutFallback tests that a fully filtered group falls back to
// the raw candidate set instead of failing hard
func TestBrownoutFallback(t *testing.T) {
	b := New(Config{})

	idle := running("a")
	idle.Instance.State = types.StateIdle

	inst, err := b.Select(RoundRobin, "echo", []Candidate{idle})
	require.NoError(t, err)
	assert.Equal(t, "a", inst.ID)
}

// TestLeastConnPrefersFewestInFlight tests in-flight based selection
func TestLeastConnPrefersFewestInFlight(t *testing.T) {
	b := New(Config{})
	candidates := []Candidate{running("a"), running("b")}

	b.Acquire("a")
	b.Acquire("a")
	b.Acquire("b")

	inst, err := b.Select(LeastConn, "echo", candidates)
	require.NoError(t, err)
	assert.Equal(t, "b", inst.ID)

	b.Release("b")
	b.Release("a")
	b.Release("a")
}

// TestLeastConnTieBreaksOnID tests the deterministic tie-break
func TestLeastConnTieBreaksOnID(t *testing.T) {
	b := New(Config{})
	candidates := []Candidate{running("zebra"), running("apple"), running("mango")}

	inst, err := b.Select(LeastConn, "echo", candidates)
	require.NoError(t, err)
	assert.Equal(t, "apple", inst.ID)
}

// TestWeightedRespectsWeights tests that weights skew the distribution
func TestWeightedRespectsWeights(t *testing.T) {
	b := New(Config{})
	candidates := []Candidate{weighted("heavy", "9"), weighted("light", "1")}

	counts := map[string]int{}
	for i := 0; i < 1000; i++ {
		inst, err := b.Select(Weighted, "echo", candidates)
		require.NoError(t, err)
		counts[inst.ID]++
	}

	// heavy should win roughly 90% of draws; leave generous slack.
	assert.Greater(t, counts["heavy"], 700)
	assert.Greater(t, counts["light"], 0)
}

// TestLeastLatencyPrefersFasterBackend tests EWMA-driven selection
func TestLeastLatencyPrefersFasterBackend(t *testing.T) {
	b := New(Config{})
	candidates := []Candidate{running("slow"), running("fast")}

	for i := 0; i < 5; i++ {
		b.ReportOutcome("slow", 200*time.Millisecond, false)
		b.ReportOutcome("fast", 10*time.Millisecond, false)
	}

	inst, err := b.Select(LeastLatency, "echo", candidates)
	require.NoError(t, err)
	assert.Equal(t, "fast", inst.ID)
}

// TestLeastLatencyUninitializedPicksFirst tests that instances without
// samples rank at +inf and the first candidate wins
func TestLeastLatencyUninitializedPicksFirst(t *testing.T) {
	b := New(Config{})
	candidates := []Candidate{running("a"), running("b")}

	inst, err := b.Select(LeastLatency, "echo", candidates)
	require.NoError(t, err)
	assert.Equal(t, "a", inst.ID)

	// One measured backend beats the unmeasured rest.
	b.ReportOutcome("b", 5*time.Millisecond, false)
	inst, err = b.Select(LeastLatency, "echo", candidates)
	require.NoError(t, err)
	assert.Equal(t, "b", inst.ID)
}

// TestFailoverPicksFirstEligible tests ordered failover
func TestFailoverPicksFirstEligible(t *testing.T) {
	b := New(Config{})
	primary := running("primary")
	secondary := running("secondary")

	inst, err := b.Select(Failover, "echo", []Candidate{primary, secondary})
	require.NoError(t, err)
	assert.Equal(t, "primary", inst.ID)

	primary.BreakerOpen = true
	inst, err = b.Select(Failover, "echo", []Candidate{primary, secondary})
	require.NoError(t, err)
	assert.Equal(t, "secondary", inst.ID)
}

// TestCooldownAfterConsecutiveFailures tests that a failure run sidelines
// the instance until the cooldown ends
func TestCooldownAfterConsecutiveFailures(t *testing.T) {
	b := New(Config{Cooldown: 40 * time.Millisecond, FailureThreshold: 3})
	candidates := []Candidate{running("flaky"), running("steady")}

	for i := 0; i < 3; i++ {
		b.ReportOutcome("flaky", 10*time.Millisecond, true)
	}

	m, ok := b.MetricsFor("flaky")
	require.True(t, ok)
	assert.False(t, m.Healthy)
	assert.Equal(t, 3, m.ConsecutiveFailures)

	for i := 0; i < 4; i++ {
		inst, err := b.Select(RoundRobin, "echo", candidates)
		require.NoError(t, err)
		assert.Equal(t, "steady", inst.ID)
	}

	time.Sleep(50 * time.Millisecond)

	seen := map[string]bool{}
	for i := 0; i < 4; i++ {
		inst, err := b.Select(RoundRobin, "echo", candidates)
		require.NoError(t, err)
		seen[inst.ID] = true
	}
	assert.True(t, seen["flaky"], "cooldown should expire")
}

// TestMarkHealthyEndsCooldown tests the probe-driven reset
func TestMarkHealthyEndsCooldown(t *testing.T) {
	b := New(Config{Cooldown: time.Hour, FailureThreshold: 3})
	candidates := []Candidate{running("a")}

	for i := 0; i < 3; i++ {
		b.ReportOutcome("a", time.Millisecond, true)
	}
	// Sole candidate is cooling, so selection falls back to the raw set.
	inst, err := b.Select(RoundRobin, "echo", candidates)
	require.NoError(t, err)
	assert.Equal(t, "a", inst.ID)

	b.MarkHealthy("a")

	m, ok := b.MetricsFor("a")
	require.True(t, ok)
	assert.True(t, m.Healthy)
	assert.Zero(t, m.ConsecutiveFailures)
	assert.True(t, m.CooldownUntil.IsZero())
}

// TestEWMAFolding tests the smoothing math
func TestEWMAFolding(t *testing.T) {
	b := New(Config{EWMAWindow: 10})

	b.ReportOutcome("a", 100*time.Millisecond, false)
	m, _ := b.MetricsFor("a")
	assert.InDelta(t, 100, m.EWMALatencyMs, 0.001)

	// α = 2/11; second sample of 200ms → 100 + α·(200−100)
	b.ReportOutcome("a", 200*time.Millisecond, false)
	m, _ = b.MetricsFor("a")
	alpha := 2.0 / 11.0
	assert.InDelta(t, alpha*200+(1-alpha)*100, m.EWMALatencyMs, 0.001)
}

// TestRemoveDropsMetrics tests instance teardown
func TestRemoveDropsMetrics(t *testing.T) {
	b := New(Config{})
	b.ReportOutcome("a", time.Millisecond, false)

	_, ok := b.MetricsFor("a")
	require.True(t, ok)

	b.Remove("a")
	_, ok = b.MetricsFor("a")
	assert.False(t, ok)
}
