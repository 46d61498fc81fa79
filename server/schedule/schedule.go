// Package schedule provides the in-process implementation of the host
// scheduler abstraction: named one-shot and recurring invocations driven
// by an injected clock. Delivery is best-effort on timing, which is all
// the batch engine assumes of its host scheduler.
package schedule

import (
	"context"
	"sync"
	"time"

	"github.com/WatchBeam/clock"
	"github.com/bahmankhah/forooshyar-sub000/server/forooshyar"
	kitlog "github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

type task struct {
	done chan struct{}
}

// Schedule runs named tasks on timers. Re-scheduling a name replaces the
// earlier registration. All tasks stop when the parent context is done.
type Schedule struct {
	ctx    context.Context
	clock  clock.Clock
	logger kitlog.Logger

	mu    sync.Mutex
	tasks map[string]*task
}

var _ forooshyar.Scheduler = (*Schedule)(nil)

func New(ctx context.Context, c clock.Clock, logger kitlog.Logger) *Schedule {
	return &Schedule{
		ctx:    ctx,
		clock:  c,
		logger: logger,
		tasks:  make(map[string]*task),
	}
}

// ScheduleOnce registers fn to run once, roughly delay from now.
func (s *Schedule) ScheduleOnce(name string, delay time.Duration, fn func(ctx context.Context)) {
	t := s.register(name)

	go func() {
		select {
		case <-s.ctx.Done():
			return
		case <-t.done:
			return
		case <-s.clock.After(delay):
		}
		s.unregister(name, t)
		level.Debug(s.logger).Log("msg", "running scheduled task", "task", name)
		fn(s.ctx)
	}()
}

// ScheduleRecurring registers fn to run every interval until cancelled.
func (s *Schedule) ScheduleRecurring(name string, interval time.Duration, fn func(ctx context.Context)) {
	t := s.register(name)

	go func() {
		for {
			select {
			case <-s.ctx.Done():
				return
			case <-t.done:
				return
			case <-s.clock.After(interval):
			}
			level.Debug(s.logger).Log("msg", "running recurring task", "task", name)
			fn(s.ctx)
		}
	}()
}

// Cancel de-schedules any pending invocation registered under name.
func (s *Schedule) Cancel(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.tasks[name]; ok {
		close(t.done)
		delete(s.tasks, name)
	}
}

func (s *Schedule) register(name string) *task {
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.tasks[name]; ok {
		close(old.done)
	}
	t := &task{done: make(chan struct{})}
	s.tasks[name] = t
	return t
}

// unregister removes the task only if it is still the registered one; a
// replacement scheduled in the meantime stays.
func (s *Schedule) unregister(name string, t *task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.tasks[name]; ok && cur == t {
		delete(s.tasks, name)
	}
}
