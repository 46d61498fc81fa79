// Package ratelimit implements sliding-window admission control in front
// of the external analysis API. Two independent windows are enforced: an
// hourly cap to catch short-term bursts and a daily cap to bound total
// spend. Counters live in the durable KV store under one key per time
// bucket, so past windows are never reused and expiry evicts them; no
// explicit reset logic is needed.
package ratelimit

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/WatchBeam/clock"
	"github.com/bahmankhah/forooshyar-sub000/server/config"
	"github.com/bahmankhah/forooshyar-sub000/server/contexts/ctxerr"
	"github.com/bahmankhah/forooshyar-sub000/server/forooshyar"
)

// WindowKind identifies which window denied a request.
type WindowKind string

const (
	WindowHour WindowKind = "hour"
	WindowDay  WindowKind = "day"
)

const (
	hourKeyPrefix = "ratelimit:hour:"
	dayKeyPrefix  = "ratelimit:day:"
)

// Decision is the result of a CheckAndConsume call. A denial is
// backpressure, not a rejection: callers must reschedule the unit of work
// for RetryAfter (plus a small safety buffer) from now rather than drop
// it.
type Decision struct {
	Allowed bool
	// Window is the window that denied the request. The hour window is
	// checked first so the tighter, more actionable limit is reported.
	Window WindowKind
	// RetryAfter is the time remaining until the denying bucket rolls
	// over.
	RetryAfter time.Duration
}

// Error is a typed rate-limit denial, for callers that surface denials as
// errors. It implements forooshyar.ErrWithRetryAfter so the embedding
// application can translate a denial into a retry hint.
type Error struct {
	dec *Decision
}

var (
	_ forooshyar.ErrWithRetryAfter = (*Error)(nil)
	_ forooshyar.Categorizer       = (*Error)(nil)
)

func NewError(dec *Decision) *Error {
	return &Error{dec: dec}
}

func (e *Error) Error() string {
	return fmt.Sprintf("analysis API %s limit exceeded, retry in %ds", e.dec.Window, e.RetryAfter())
}

// RetryAfter returns the number of seconds until the denying bucket rolls
// over, rounded up so callers never retry early.
func (e *Error) RetryAfter() int {
	return int(math.Ceil(e.dec.RetryAfter.Seconds()))
}

func (e *Error) Category() forooshyar.ErrorCategory {
	return forooshyar.CategoryResourceExhaustion
}

// WindowStatus is the operator-facing view of one window.
type WindowStatus struct {
	Limit     int           `json:"limit"`
	Used      int           `json:"used"`
	Remaining int           `json:"remaining"`
	ResetIn   time.Duration `json:"reset_in"`
}

// Status is the operator-facing view of both windows.
type Status struct {
	Hourly WindowStatus `json:"hourly"`
	Daily  WindowStatus `json:"daily"`
}

// Limiter checks and consumes quota against the hourly and daily windows.
// A limit <= 0 disables that window.
type Limiter struct {
	store       forooshyar.KVStore
	clock       clock.Clock
	hourlyLimit int
	dailyLimit  int
}

func NewLimiter(store forooshyar.KVStore, cfg config.RateLimitConfig, c clock.Clock) *Limiter {
	return &Limiter{
		store:       store,
		clock:       c,
		hourlyLimit: cfg.HourlyLimit,
		dailyLimit:  cfg.DailyLimit,
	}
}

// CheckAndConsume checks the hour window, then the day window, and if both
// pass increments both counters. The check-then-increment is not a single
// atomic step; an occasional overshoot by a concurrent caller is
// acceptable since the increments themselves are atomic.
func (l *Limiter) CheckAndConsume(ctx context.Context) (*Decision, error) {
	now := l.clock.Now().UTC()

	if l.hourlyLimit > 0 {
		used, err := l.used(ctx, hourKey(now))
		if err != nil {
			return nil, ctxerr.Wrap(ctx, err, "read hourly counter")
		}
		if used >= l.hourlyLimit {
			return &Decision{Window: WindowHour, RetryAfter: untilNextHour(now)}, nil
		}
	}

	if l.dailyLimit > 0 {
		used, err := l.used(ctx, dayKey(now))
		if err != nil {
			return nil, ctxerr.Wrap(ctx, err, "read daily counter")
		}
		if used >= l.dailyLimit {
			return &Decision{Window: WindowDay, RetryAfter: untilNextDay(now)}, nil
		}
	}

	// keep counters around for twice the window so a Status call shortly
	// after rollover still finds the previous bucket gone, not stale
	if _, err := l.store.Incr(ctx, hourKey(now), 2*time.Hour); err != nil {
		return nil, ctxerr.Wrap(ctx, err, "increment hourly counter")
	}
	if _, err := l.store.Incr(ctx, dayKey(now), 48*time.Hour); err != nil {
		return nil, ctxerr.Wrap(ctx, err, "increment daily counter")
	}

	return &Decision{Allowed: true}, nil
}

// Status reports both windows without consuming quota.
func (l *Limiter) Status(ctx context.Context) (*Status, error) {
	now := l.clock.Now().UTC()

	hourUsed, err := l.used(ctx, hourKey(now))
	if err != nil {
		return nil, ctxerr.Wrap(ctx, err, "read hourly counter")
	}
	dayUsed, err := l.used(ctx, dayKey(now))
	if err != nil {
		return nil, ctxerr.Wrap(ctx, err, "read daily counter")
	}

	return &Status{
		Hourly: WindowStatus{
			Limit:     l.hourlyLimit,
			Used:      hourUsed,
			Remaining: remaining(l.hourlyLimit, hourUsed),
			ResetIn:   untilNextHour(now),
		},
		Daily: WindowStatus{
			Limit:     l.dailyLimit,
			Used:      dayUsed,
			Remaining: remaining(l.dailyLimit, dayUsed),
			ResetIn:   untilNextDay(now),
		},
	}, nil
}

func (l *Limiter) used(ctx context.Context, key string) (int, error) {
	val, ok, err := l.store.Get(ctx, key)
	if err != nil || !ok {
		return 0, err
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		// treat a corrupt counter as empty rather than blocking all calls
		return 0, nil
	}
	return n, nil
}

func remaining(limit, used int) int {
	if r := limit - used; r > 0 {
		return r
	}
	return 0
}

func hourKey(now time.Time) string {
	return hourKeyPrefix + now.Format("2006010215")
}

func dayKey(now time.Time) string {
	return dayKeyPrefix + now.Format("20060102")
}

func untilNextHour(now time.Time) time.Duration {
	return now.Truncate(time.Hour).Add(time.Hour).Sub(now)
}

func untilNextDay(now time.Time) time.Duration {
	y, m, d := now.Date()
	midnight := time.Date(y, m, d, 0, 0, 0, 0, time.UTC).Add(24 * time.Hour)
	return midnight.Sub(now)
}
