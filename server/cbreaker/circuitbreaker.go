// Package cbreaker isolates failing downstream dependencies (the external
// analysis API, storage, caches) behind per-operation circuit breakers so
// that a persistently failing dependency is not hammered by every unit of
// work in a batch. Once a circuit trips, calls degrade to near-zero-cost
// fallback responses until a recovery probe succeeds.
package cbreaker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bahmankhah/forooshyar-sub000/server/config"
	"github.com/bahmankhah/forooshyar-sub000/server/contexts/ctxerr"
	"github.com/bahmankhah/forooshyar-sub000/server/forooshyar"
	kitlog "github.com/go-kit/log"
	"github.com/go-kit/log/level"
	cache "github.com/patrickmn/go-cache"
	"github.com/sony/gobreaker/v2"
)

// Source identifies which path produced a Result's data.
type Source string

const (
	SourcePrimary                Source = "primary"
	SourceFallback               Source = "fallback"
	SourceCircuitBreakerFallback Source = "circuit_breaker_fallback"
	SourceCacheFallback          Source = "cache_fallback"
	SourceMinimal                Source = "minimal"
)

// State is the observable state of one operation's circuit.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// Fn is a result-producing operation guarded by the breaker.
type Fn func(ctx context.Context) (interface{}, error)

// Result is the structured outcome of an Execute call. Err is always
// categorized; a tripped circuit never surfaces as a raw fault.
type Result struct {
	Success  bool
	Data     interface{}
	Source   Source
	Category forooshyar.ErrorCategory
	Err      error
}

// ServiceProtectedError is returned when a circuit is open and no fallback
// is available. The primary operation was never invoked.
type ServiceProtectedError struct {
	Operation string
}

func (e *ServiceProtectedError) Error() string {
	return fmt.Sprintf("service temporarily protected: circuit open for operation %q", e.Operation)
}

func (e *ServiceProtectedError) Category() forooshyar.ErrorCategory {
	return forooshyar.CategoryDownstream
}

// Breaker tracks one gobreaker circuit per operation name. Circuits are
// created lazily and evicted after the configured inactivity TTL, which is
// equivalent to resetting them to closed. A small cache of last good
// results backs the cache_fallback policy for storage/cache failures.
type Breaker struct {
	cfg      config.CircuitBreakerConfig
	logger   kitlog.Logger
	circuits *cache.Cache
	results  *cache.Cache
}

func NewBreaker(cfg config.CircuitBreakerConfig, logger kitlog.Logger) *Breaker {
	ttl := cfg.StateTTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Breaker{
		cfg:      cfg,
		logger:   logger,
		circuits: cache.New(ttl, 10*time.Minute),
		results:  cache.New(ttl, 10*time.Minute),
	}
}

// Execute runs primary guarded by the operation's circuit. A nil fallback
// enables the category-specific fallback policy: storage/cache failures
// return the last cached result when one exists, resource exhaustion
// returns a deliberately empty result.
func (b *Breaker) Execute(ctx context.Context, operation string, primary Fn, fallback Fn) Result {
	cb := b.circuitFor(operation)

	data, err := cb.Execute(func() (interface{}, error) {
		return runProtected(ctx, primary)
	})
	if err == nil {
		if data != nil {
			b.results.SetDefault(operation, data)
		}
		return Result{Success: true, Data: data, Source: SourcePrimary}
	}

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		// circuit open (or half-open probes exhausted): primary was never
		// invoked, route straight to the fallback
		if fallback != nil {
			if fbData, fbErr := runProtected(ctx, fallback); fbErr == nil {
				return Result{Success: true, Data: fbData, Source: SourceCircuitBreakerFallback}
			}
		}
		protErr := &ServiceProtectedError{Operation: operation}
		return Result{Source: SourceCircuitBreakerFallback, Category: protErr.Category(), Err: protErr}
	}

	category := forooshyar.CategorizeError(err)

	if fallback != nil {
		if fbData, fbErr := runProtected(ctx, fallback); fbErr == nil {
			return Result{Success: true, Data: fbData, Source: SourceFallback, Category: category}
		}
	} else {
		switch category {
		case forooshyar.CategoryStorage, forooshyar.CategoryCache:
			if cached, ok := b.results.Get(operation); ok {
				level.Debug(b.logger).Log("msg", "serving cached result", "operation", operation, "category", category)
				return Result{Success: true, Data: cached, Source: SourceCacheFallback, Category: category}
			}
		case forooshyar.CategoryResourceExhaustion:
			level.Debug(b.logger).Log("msg", "serving empty result", "operation", operation, "category", category)
			return Result{Success: true, Source: SourceMinimal, Category: category}
		}
	}

	return Result{
		Source:   SourcePrimary,
		Category: category,
		Err:      forooshyar.NewCategorizedError(category, err),
	}
}

// State returns the observable state of the operation's circuit. An
// operation that was never executed (or whose circuit expired) reports
// closed.
func (b *Breaker) State(operation string) State {
	v, ok := b.circuits.Get(operation)
	if !ok {
		return StateClosed
	}
	switch v.(*gobreaker.CircuitBreaker[interface{}]).State() {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}

func (b *Breaker) circuitFor(operation string) *gobreaker.CircuitBreaker[interface{}] {
	if v, ok := b.circuits.Get(operation); ok {
		cb := v.(*gobreaker.CircuitBreaker[interface{}])
		// sliding TTL: activity keeps the circuit's state alive
		b.circuits.SetDefault(operation, cb)
		return cb
	}

	threshold := b.cfg.FailureThreshold
	if threshold == 0 {
		threshold = 5
	}
	maxRequests := b.cfg.HalfOpenMaxCalls
	if maxRequests == 0 {
		maxRequests = 1
	}

	st := gobreaker.Settings{
		Name:        operation,
		MaxRequests: maxRequests,
		Timeout:     b.cfg.RecoveryTimeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= threshold
		},
		// don't count caller cancellations as failures for the breaker
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			level.Warn(b.logger).Log(
				"msg", "circuit breaker state change",
				"operation", name, "from", from.String(), "to", to.String(),
			)
		},
	}

	cb := gobreaker.NewCircuitBreaker[interface{}](st)
	b.circuits.SetDefault(operation, cb)
	return cb
}

// runProtected invokes fn and converts a panic into an error, so a thrown
// fault inside a unit of work is a counted failure instead of crashing the
// batch.
func runProtected(ctx context.Context, fn Fn) (data interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = ctxerr.Errorf(ctx, "recovered from panic: %v", r)
		}
	}()
	return fn(ctx)
}
