package middleware

import (
	"context"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/patchbay-dev/patchbay/pkg/auth"
	"github.com/patchbay-dev/patchbay/pkg/errdefs"
)

// TestAuthenticationNotRequired tests that auth mode "none" yields Anonymous
func TestAuthenticationNotRequired(t *testing.T) {
	m := NewAuthentication(auth.NewStore(nil, nil), false)
	s := NewState("ping", nil)

	c := NewChain()
	c.Use(m)
	require.NoError(t, c.RunStage(context.Background(), StageBeforeAgent, s))

	assert.Equal(t, auth.Anonymous, s.Principal)
}

// TestAuthenticationBearer tests a valid bearer token resolving a principal
func TestAuthenticationBearer(t *testing.T) {
	store := auth.NewStore(nil, []string{"topsecret-bearer"})
	m := NewAuthentication(store, true)

	s := NewState("ping", nil)
	s.Headers.Set("Authorization", "Bearer topsecret-bearer")

	c := NewChain()
	c.Use(m)
	require.NoError(t, c.RunStage(context.Background(), StageBeforeAgent, s))

	require.NotNil(t, s.Principal)
	assert.Equal(t, auth.MethodBearer, s.Principal.Method)
	assert.NotContains(t, s.Principal.ID, "topsecret")
}

// TestAuthenticationMissingCredentials tests rejection when auth is required
func TestAuthenticationMissingCredentials(t *testing.T) {
	m := NewAuthentication(auth.NewStore(nil, []string{"tok"}), true)

	s := NewState("ping", nil)
	c := NewChain()
	c.Use(m)
	err := c.RunStage(context.Background(), StageBeforeAgent, s)

	require.Error(t, err)
	assert.Equal(t, errdefs.CodeUnauthorized, errdefs.CodeOf(err))
	assert.True(t, s.Aborted)
	assert.Nil(t, s.Principal)
}

// TestRateLimitDisabled tests that rps <= 0 admits everything
func TestRateLimitDisabled(t *testing.T) {
	m := NewRateLimit(0, 1)
	s := NewState("ping", nil)
	s.Source = "10.0.0.1"

	for i := 0; i < 100; i++ {
		require.NoError(t, m.check(context.Background(), s))
	}
}

// TestRateLimitBurstThenDeny tests that the bucket admits burst then denies
func TestRateLimitBurstThenDeny(t *testing.T) {
	m := NewRateLimit(1, 3)
	s := NewState("ping", nil)
	s.Principal = &auth.Principal{ID: "bearer-abc123"}

	for i := 0; i < 3; i++ {
		require.NoError(t, m.check(context.Background(), s), "request %d within burst", i)
	}

	err := m.check(context.Background(), s)
	require.Error(t, err)
	assert.Equal(t, errdefs.CodeRateLimited, errdefs.CodeOf(err))
	assert.True(t, errdefs.IsRecoverable(err))
}

// TestRateLimitPerPrincipalBuckets tests that principals do not share buckets
func TestRateLimitPerPrincipalBuckets(t *testing.T) {
	m := NewRateLimit(1, 1)

	a := NewState("ping", nil)
	a.Principal = &auth.Principal{ID: "bearer-aaaa"}
	b := NewState("ping", nil)
	b.Principal = &auth.Principal{ID: "bearer-bbbb"}

	require.NoError(t, m.check(context.Background(), a))
	require.Error(t, m.check(context.Background(), a))

	// a exhausting its bucket must not affect b
	require.NoError(t, m.check(context.Background(), b))
}

// TestRateLimitFallsBackToSource tests keying by source without a principal
func TestRateLimitFallsBackToSource(t *testing.T) {
	m := NewRateLimit(1, 1)

	s := NewState("ping", nil)
	s.Source = "192.168.1.50:4823"

	require.NoError(t, m.check(context.Background(), s))
	require.Error(t, m.check(context.Background(), s))

	other := NewState("ping", nil)
	other.Source = "192.168.1.51:4823"
	require.NoError(t, m.check(context.Background(), other))
}

// TestRateLimitCleanup tests that the limiter map is cleared past the cap
func TestRateLimitCleanup(t *testing.T) {
	m := NewRateLimit(1, 1)

	m.mu.Lock()
	for i := 0; i < 10001; i++ {
		m.limiters["key-"+strconv.Itoa(i)] = rate.NewLimiter(1, 1)
	}
	m.mu.Unlock()

	m.Cleanup()

	m.mu.Lock()
	defer m.mu.Unlock()
	assert.Empty(t, m.limiters)
}

// TestRateLimitCleanupKeepsSmallMaps tests that cleanup leaves small maps alone
func TestRateLimitCleanupKeepsSmallMaps(t *testing.T) {
	m := NewRateLimit(1, 1)
	s := NewState("ping", nil)
	s.Source = "10.0.0.9"
	require.NoError(t, m.check(context.Background(), s))

	m.Cleanup()

	m.mu.Lock()
	defer m.mu.Unlock()
	assert.Len(t, m.limiters, 1)
}
