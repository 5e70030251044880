package middleware

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/patchbay-dev/patchbay/pkg/errdefs"
)

// recorder appends its name on every stage it runs
func recorder(name string, stages []Stage, calls *[]string) Middleware {
	hooks := make(map[Stage]Hook, len(stages))
	for _, stage := range stages {
		s := stage
		hooks[s] = func(_ context.Context, _ *State) error {
			*calls = append(*calls, name+":"+string(s))
			return nil
		}
	}
	return NewMiddleware(name, hooks)
}

// TestChainRunsStagesInOrder tests that all six stages run in pipeline order
func TestChainRunsStagesInOrder(t *testing.T) {
	var calls []string
	c := NewChain()
	c.Use(recorder("a", Stages, &calls))

	s := NewState("tools/call", nil)
	require.NoError(t, c.Run(context.Background(), s))

	want := []string{
		"a:beforeAgent", "a:beforeModel", "a:afterModel",
		"a:beforeTool", "a:afterTool", "a:afterAgent",
	}
	assert.Equal(t, want, calls)
}

// TestChainInsertionOrderWithinStage tests that hooks run in registration order
func TestChainInsertionOrderWithinStage(t *testing.T) {
	var calls []string
	c := NewChain()
	c.Use(
		recorder("first", []Stage{StageBeforeTool}, &calls),
		recorder("second", []Stage{StageBeforeTool}, &calls),
		recorder("third", []Stage{StageBeforeTool}, &calls),
	)

	require.NoError(t, c.RunStage(context.Background(), StageBeforeTool, NewState("ping", nil)))
	assert.Equal(t, []string{"first:beforeTool", "second:beforeTool", "third:beforeTool"}, calls)
}

// TestChainErrorWrapsNameAndStage tests the failure envelope of a hook error
func TestChainErrorWrapsNameAndStage(t *testing.T) {
	boom := errdefs.New(errdefs.CodeForbidden, "nope")
	c := NewChain()
	c.Use(NewMiddleware("guard", map[Stage]Hook{
		StageBeforeTool: func(_ context.Context, _ *State) error { return boom },
	}))

	s := NewState("tools/call", nil)
	err := c.RunStage(context.Background(), StageBeforeTool, s)

	require.Error(t, err)
	assert.True(t, s.Aborted)
	assert.Equal(t, err, s.Err)
	assert.Equal(t, errdefs.CodeForbidden, errdefs.CodeOf(err))
	assert.Contains(t, err.Error(), "guard")
	assert.Contains(t, err.Error(), "beforeTool")
	assert.True(t, errors.Is(err, boom))
}

// TestChainErrorSkipsRemainingHooksAndStages tests abort propagation
func TestChainErrorSkipsRemainingHooksAndStages(t *testing.T) {
	var calls []string
	c := NewChain()
	c.Use(
		recorder("pre", []Stage{StageBeforeTool}, &calls),
		NewMiddleware("failing", map[Stage]Hook{
			StageBeforeTool: func(_ context.Context, _ *State) error {
				return errdefs.New(errdefs.CodeInternal, "boom")
			},
		}),
		recorder("post", []Stage{StageBeforeTool, StageAfterTool}, &calls),
	)

	s := NewState("tools/call", nil)
	err := c.RunStages(context.Background(), s, StageBeforeTool, StageAfterTool)

	require.Error(t, err)
	assert.Equal(t, []string{"pre:beforeTool"}, calls)

	// later stage invocations return the stored error without running hooks
	again := c.RunStage(context.Background(), StageAfterTool, s)
	assert.Equal(t, s.Err, again)
	assert.Equal(t, []string{"pre:beforeTool"}, calls)
}

// TestChainHookTimeout tests that a stuck hook fails with Timeout
func TestChainHookTimeout(t *testing.T) {
	c := NewChain(WithHookTimeout(30 * time.Millisecond))
	c.Use(NewMiddleware("slow", map[Stage]Hook{
		StageBeforeAgent: func(ctx context.Context, _ *State) error {
			select {
			case <-time.After(2 * time.Second):
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	}))

	s := NewState("ping", nil)
	start := time.Now()
	err := c.RunStage(context.Background(), StageBeforeAgent, s)

	require.Error(t, err)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, errdefs.CodeTimeout, errdefs.CodeOf(err))
	assert.Contains(t, err.Error(), "slow")
	assert.True(t, s.Aborted)
}

// TestChainCancellation tests that a canceled context aborts with Canceled
func TestChainCancellation(t *testing.T) {
	var ran bool
	c := NewChain()
	c.Use(
		NewMiddleware("canceller", map[Stage]Hook{
			StageBeforeAgent: func(_ context.Context, _ *State) error { return nil },
		}),
		NewMiddleware("after", map[Stage]Hook{
			StageBeforeAgent: func(_ context.Context, _ *State) error {
				ran = true
				return nil
			},
		}),
	)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s := NewState("ping", nil)
	err := c.RunStage(ctx, StageBeforeAgent, s)

	require.Error(t, err)
	assert.Equal(t, errdefs.CodeCanceled, errdefs.CodeOf(err))
	assert.False(t, ran)
	assert.True(t, s.Aborted)
}

// TestChainStageTimeout tests the stage-level deadline across hooks
func TestChainStageTimeout(t *testing.T) {
	c := NewChain(WithStageTimeout(40 * time.Millisecond))
	c.Use(
		NewMiddleware("sleeper", map[Stage]Hook{
			StageBeforeAgent: func(ctx context.Context, _ *State) error {
				select {
				case <-time.After(100 * time.Millisecond):
					return nil
				case <-ctx.Done():
					return ctx.Err()
				}
			},
		}),
		NewMiddleware("next", map[Stage]Hook{
			StageBeforeAgent: func(_ context.Context, _ *State) error { return nil },
		}),
	)

	err := c.RunStage(context.Background(), StageBeforeAgent, NewState("ping", nil))
	require.Error(t, err)
	assert.Equal(t, errdefs.CodeTimeout, errdefs.CodeOf(err))
}

// TestStateValuesLastWriterWins tests the shared values map semantics
func TestStateValuesLastWriterWins(t *testing.T) {
	c := NewChain()
	c.Use(
		NewMiddleware("one", map[Stage]Hook{
			StageBeforeTool: func(_ context.Context, s *State) error {
				s.Set("winner", "one")
				return nil
			},
		}),
		NewMiddleware("two", map[Stage]Hook{
			StageBeforeTool: func(_ context.Context, s *State) error {
				s.Set("winner", "two")
				return nil
			},
		}),
	)

	s := NewState("tools/call", nil)
	require.NoError(t, c.RunStage(context.Background(), StageBeforeTool, s))
	assert.Equal(t, "two", s.GetString("winner"))
}

// TestStateAccessors tests the typed value helpers
func TestStateAccessors(t *testing.T) {
	s := NewState("ping", nil)

	_, ok := s.Get("missing")
	assert.False(t, ok)
	assert.Equal(t, "", s.GetString("missing"))
	assert.False(t, s.GetBool("missing"))

	s.Set("str", "v")
	s.Set("flag", true)
	s.Set("num", 7)
	assert.Equal(t, "v", s.GetString("str"))
	assert.True(t, s.GetBool("flag"))
	assert.Equal(t, "", s.GetString("num"))
}

// TestChainNames tests middleware name listing
func TestChainNames(t *testing.T) {
	c := NewChain()
	c.Use(
		NewMiddleware("auth", nil),
		NewMiddleware("rateLimit", nil),
	)
	assert.Equal(t, []string{"auth", "rateLimit"}, c.Names())
}
