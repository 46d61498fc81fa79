package cbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bahmankhah/forooshyar-sub000/server/config"
	"github.com/bahmankhah/forooshyar-sub000/server/forooshyar"
	kitlog "github.com/go-kit/log"
	"github.com/stretchr/testify/require"
	"github.com/tj/assert"
)

func newTestBreaker(threshold uint32, recovery time.Duration) *Breaker {
	return NewBreaker(config.CircuitBreakerConfig{
		FailureThreshold: threshold,
		RecoveryTimeout:  recovery,
		HalfOpenMaxCalls: 1,
		StateTTL:         time.Hour,
	}, kitlog.NewNopLogger())
}

func failingFn(msg string) Fn {
	return func(ctx context.Context) (interface{}, error) {
		return nil, errors.New(msg)
	}
}

func TestTripThenFallbackWithoutInvokingPrimary(t *testing.T) {
	ctx := context.Background()
	b := newTestBreaker(2, time.Hour)

	for i := 0; i < 2; i++ {
		res := b.Execute(ctx, "x", failingFn("upstream api down"), nil)
		require.False(t, res.Success)
		require.Error(t, res.Err)
	}
	require.Equal(t, StateOpen, b.State("x"))

	primaryCalled := false
	res := b.Execute(ctx, "x",
		func(ctx context.Context) (interface{}, error) {
			primaryCalled = true
			return "primary", nil
		},
		func(ctx context.Context) (interface{}, error) {
			return "fallback", nil
		})

	require.False(t, primaryCalled)
	require.True(t, res.Success)
	assert.Equal(t, "fallback", res.Data)
	assert.Equal(t, SourceCircuitBreakerFallback, res.Source)
}

func TestOpenCircuitWithoutFallbackReturnsProtectedError(t *testing.T) {
	ctx := context.Background()
	b := newTestBreaker(1, time.Hour)

	res := b.Execute(ctx, "x", failingFn("upstream api down"), nil)
	require.False(t, res.Success)
	require.Equal(t, StateOpen, b.State("x"))

	res = b.Execute(ctx, "x", failingFn("upstream api down"), nil)
	require.False(t, res.Success)
	var protErr *ServiceProtectedError
	require.True(t, errors.As(res.Err, &protErr))
	assert.Equal(t, forooshyar.CategoryDownstream, res.Category)
}

func TestRecoveryCycle(t *testing.T) {
	ctx := context.Background()
	b := newTestBreaker(1, 50*time.Millisecond)

	res := b.Execute(ctx, "x", failingFn("upstream api down"), nil)
	require.False(t, res.Success)
	require.Equal(t, StateOpen, b.State("x"))

	// recovery timeout elapses, the next call is a half-open probe
	time.Sleep(80 * time.Millisecond)
	require.Equal(t, StateHalfOpen, b.State("x"))

	res = b.Execute(ctx, "x", func(ctx context.Context) (interface{}, error) {
		return "ok", nil
	}, nil)
	require.True(t, res.Success)
	assert.Equal(t, SourcePrimary, res.Source)
	require.Equal(t, StateClosed, b.State("x"))

	// a failing half-open probe re-opens the circuit
	res = b.Execute(ctx, "x", failingFn("upstream api down"), nil)
	require.False(t, res.Success)
	require.Equal(t, StateOpen, b.State("x"))

	time.Sleep(80 * time.Millisecond)
	res = b.Execute(ctx, "x", failingFn("upstream api down"), nil)
	require.False(t, res.Success)
	require.Equal(t, StateOpen, b.State("x"))
}

func TestSuccessResetsFailureCount(t *testing.T) {
	ctx := context.Background()
	b := newTestBreaker(2, time.Hour)

	res := b.Execute(ctx, "x", failingFn("upstream api down"), nil)
	require.False(t, res.Success)

	res = b.Execute(ctx, "x", func(ctx context.Context) (interface{}, error) {
		return "ok", nil
	}, nil)
	require.True(t, res.Success)

	// the earlier failure no longer counts toward the threshold
	res = b.Execute(ctx, "x", failingFn("upstream api down"), nil)
	require.False(t, res.Success)
	require.Equal(t, StateClosed, b.State("x"))
}

func TestPanicIsACountedFailure(t *testing.T) {
	ctx := context.Background()
	b := newTestBreaker(1, time.Hour)

	require.NotPanics(t, func() {
		res := b.Execute(ctx, "x", func(ctx context.Context) (interface{}, error) {
			panic("boom")
		}, nil)
		require.False(t, res.Success)
		require.Error(t, res.Err)
	})
	require.Equal(t, StateOpen, b.State("x"))
}

func TestFallbackOnPrimaryFailure(t *testing.T) {
	ctx := context.Background()
	b := newTestBreaker(5, time.Hour)

	res := b.Execute(ctx, "x", failingFn("upstream api down"),
		func(ctx context.Context) (interface{}, error) {
			return "fallback", nil
		})

	require.True(t, res.Success)
	assert.Equal(t, "fallback", res.Data)
	assert.Equal(t, SourceFallback, res.Source)
	assert.Equal(t, forooshyar.CategoryDownstream, res.Category)
	// a single failure with a working fallback leaves the circuit closed
	require.Equal(t, StateClosed, b.State("x"))
}

func TestStorageFailureServesCachedResult(t *testing.T) {
	ctx := context.Background()
	b := newTestBreaker(5, time.Hour)

	res := b.Execute(ctx, "load_settings", func(ctx context.Context) (interface{}, error) {
		return "cached-settings", nil
	}, nil)
	require.True(t, res.Success)

	res = b.Execute(ctx, "load_settings", failingFn("database connection refused"), nil)
	require.True(t, res.Success)
	assert.Equal(t, "cached-settings", res.Data)
	assert.Equal(t, SourceCacheFallback, res.Source)
	assert.Equal(t, forooshyar.CategoryStorage, res.Category)
}

func TestResourceExhaustionServesEmptyResult(t *testing.T) {
	ctx := context.Background()
	b := newTestBreaker(5, time.Hour)

	res := b.Execute(ctx, "x", failingFn("allowed memory size exhausted"), nil)
	require.True(t, res.Success)
	assert.Nil(t, res.Data)
	assert.Equal(t, SourceMinimal, res.Source)
	assert.Equal(t, forooshyar.CategoryResourceExhaustion, res.Category)
}

func TestErrorsAreCategorized(t *testing.T) {
	ctx := context.Background()
	b := newTestBreaker(5, time.Hour)

	res := b.Execute(ctx, "x", failingFn("request timed out"), nil)
	require.False(t, res.Success)
	assert.Equal(t, forooshyar.CategoryTimeout, res.Category)
	assert.Equal(t, forooshyar.CategoryTimeout, forooshyar.CategorizeError(res.Err))
}

func TestUnknownOperationReportsClosed(t *testing.T) {
	b := newTestBreaker(1, time.Hour)
	require.Equal(t, StateClosed, b.State("never-executed"))
}
