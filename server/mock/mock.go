// Package mock provides hand-maintained mocks of the engine's
// collaborator interfaces for use in tests. Each method delegates to its
// XxxFunc field and records the call in XxxFuncInvoked.
package mock

import (
	"context"
	"time"

	"github.com/bahmankhah/forooshyar-sub000/server/forooshyar"
)

var (
	_ forooshyar.Scheduler      = (*Scheduler)(nil)
	_ forooshyar.Analyzer       = (*Analyzer)(nil)
	_ forooshyar.ActionExecutor = (*ActionExecutor)(nil)
)

// ScheduledTask records one scheduler registration.
type ScheduledTask struct {
	Name     string
	Delay    time.Duration
	Interval time.Duration
	Fn       func(ctx context.Context)
}

// Scheduler records registrations so tests can drive invocations
// synchronously and deterministically.
type Scheduler struct {
	ScheduleOnceFunc        func(name string, delay time.Duration, fn func(ctx context.Context))
	ScheduleOnceFuncInvoked bool

	ScheduleRecurringFunc        func(name string, interval time.Duration, fn func(ctx context.Context))
	ScheduleRecurringFuncInvoked bool

	CancelFunc        func(name string)
	CancelFuncInvoked bool

	// OnceTasks and RecurringTasks accumulate registrations when the
	// corresponding Func is nil.
	OnceTasks      []ScheduledTask
	RecurringTasks []ScheduledTask
	Cancelled      []string
}

func (s *Scheduler) ScheduleOnce(name string, delay time.Duration, fn func(ctx context.Context)) {
	s.ScheduleOnceFuncInvoked = true
	if s.ScheduleOnceFunc != nil {
		s.ScheduleOnceFunc(name, delay, fn)
		return
	}
	s.OnceTasks = append(s.OnceTasks, ScheduledTask{Name: name, Delay: delay, Fn: fn})
}

func (s *Scheduler) ScheduleRecurring(name string, interval time.Duration, fn func(ctx context.Context)) {
	s.ScheduleRecurringFuncInvoked = true
	if s.ScheduleRecurringFunc != nil {
		s.ScheduleRecurringFunc(name, interval, fn)
		return
	}
	s.RecurringTasks = append(s.RecurringTasks, ScheduledTask{Name: name, Interval: interval, Fn: fn})
}

func (s *Scheduler) Cancel(name string) {
	s.CancelFuncInvoked = true
	if s.CancelFunc != nil {
		s.CancelFunc(name)
		return
	}
	s.Cancelled = append(s.Cancelled, name)
}

// LastOnce returns the most recent one-shot registration, or nil.
func (s *Scheduler) LastOnce() *ScheduledTask {
	if len(s.OnceTasks) == 0 {
		return nil
	}
	return &s.OnceTasks[len(s.OnceTasks)-1]
}

// Analyzer is a mock analyzer for a single entity class.
type Analyzer struct {
	Kind forooshyar.EntityKind

	GetEntitiesFunc        func(ctx context.Context, limit int) ([]uint, error)
	GetEntitiesFuncInvoked bool

	AnalyzeEntityFunc        func(ctx context.Context, id uint) (*forooshyar.AnalyzeResult, error)
	AnalyzeEntityFuncInvoked bool
}

func (a *Analyzer) EntityKind() forooshyar.EntityKind {
	return a.Kind
}

func (a *Analyzer) GetEntities(ctx context.Context, limit int) ([]uint, error) {
	a.GetEntitiesFuncInvoked = true
	return a.GetEntitiesFunc(ctx, limit)
}

func (a *Analyzer) AnalyzeEntity(ctx context.Context, id uint) (*forooshyar.AnalyzeResult, error) {
	a.AnalyzeEntityFuncInvoked = true
	return a.AnalyzeEntityFunc(ctx, id)
}

// ActionExecutor is a mock executor of derived actions.
type ActionExecutor struct {
	PendingActionsFunc        func(ctx context.Context, minPriority, limit int) ([]forooshyar.Action, error)
	PendingActionsFuncInvoked bool

	ExecuteActionFunc        func(ctx context.Context, id uint) error
	ExecuteActionFuncInvoked bool
}

func (x *ActionExecutor) PendingActions(ctx context.Context, minPriority, limit int) ([]forooshyar.Action, error) {
	x.PendingActionsFuncInvoked = true
	return x.PendingActionsFunc(ctx, minPriority, limit)
}

func (x *ActionExecutor) ExecuteAction(ctx context.Context, id uint) error {
	x.ExecuteActionFuncInvoked = true
	return x.ExecuteActionFunc(ctx, id)
}
