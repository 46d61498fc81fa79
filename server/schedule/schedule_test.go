package schedule

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/WatchBeam/clock"
	kitlog "github.com/go-kit/log"
	"github.com/stretchr/testify/require"
	"github.com/tj/assert"
)

func newTestSchedule(t *testing.T) *Schedule {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return New(ctx, clock.C, kitlog.NewNopLogger())
}

func TestScheduleOnceRunsExactlyOnce(t *testing.T) {
	s := newTestSchedule(t)

	var runs int32
	s.ScheduleOnce("probe", time.Millisecond, func(ctx context.Context) {
		atomic.AddInt32(&runs, 1)
	})

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&runs) == 1
	}, 2*time.Second, 5*time.Millisecond)

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), atomic.LoadInt32(&runs))
}

func TestScheduleOnceReplacesEarlierRegistration(t *testing.T) {
	s := newTestSchedule(t)

	var first, second int32
	s.ScheduleOnce("probe", 10*time.Millisecond, func(ctx context.Context) {
		atomic.AddInt32(&first, 1)
	})
	s.ScheduleOnce("probe", time.Millisecond, func(ctx context.Context) {
		atomic.AddInt32(&second, 1)
	})

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&second) == 1
	}, 2*time.Second, 5*time.Millisecond)

	// the first registration was replaced, its fn never fires
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, int32(0), atomic.LoadInt32(&first))
}

func TestCancelPreventsPendingRun(t *testing.T) {
	s := newTestSchedule(t)

	var runs int32
	s.ScheduleOnce("probe", 5*time.Millisecond, func(ctx context.Context) {
		atomic.AddInt32(&runs, 1)
	})
	s.Cancel("probe")

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, int32(0), atomic.LoadInt32(&runs))

	// cancelling an unknown name is a no-op
	s.Cancel("never-registered")
}

func TestScheduleRecurringRunsUntilCancelled(t *testing.T) {
	s := newTestSchedule(t)

	var runs int32
	s.ScheduleRecurring("probe", time.Millisecond, func(ctx context.Context) {
		atomic.AddInt32(&runs, 1)
	})

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&runs) >= 3
	}, 2*time.Second, 5*time.Millisecond)

	s.Cancel("probe")
	// an already-fired timer may deliver one final invocation
	after := atomic.LoadInt32(&runs)
	time.Sleep(30 * time.Millisecond)
	assert.True(t, atomic.LoadInt32(&runs) <= after+1)
}

func TestParentContextStopsAllTasks(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := New(ctx, clock.C, kitlog.NewNopLogger())

	var runs int32
	s.ScheduleRecurring("probe", time.Millisecond, func(ctx context.Context) {
		atomic.AddInt32(&runs, 1)
	})
	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&runs) >= 1
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	after := atomic.LoadInt32(&runs)
	time.Sleep(30 * time.Millisecond)
	assert.True(t, atomic.LoadInt32(&runs) <= after+1)
}
