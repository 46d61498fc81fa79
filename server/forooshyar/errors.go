package forooshyar

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorCategory classifies a failure for circuit-breaker policy decisions
// and operator-facing reporting. Every user-facing message carries a
// category so it can be localized by the embedding application.
type ErrorCategory string

const (
	CategoryStorage            ErrorCategory = "storage"
	CategoryCache              ErrorCategory = "cache"
	CategoryResourceExhaustion ErrorCategory = "resource_exhaustion"
	CategoryTimeout            ErrorCategory = "timeout"
	CategoryDownstream         ErrorCategory = "downstream"
	CategoryValidation         ErrorCategory = "validation"
	CategoryConfiguration      ErrorCategory = "configuration"
	CategoryUnknown            ErrorCategory = "unknown"
)

// Categorizer is implemented by errors that know their own category.
// CategorizeError prefers it over message matching.
type Categorizer interface {
	Category() ErrorCategory
}

// CategorizeError maps an error to its category. Errors that don't
// implement Categorizer are classified by message matching, which is
// best-effort: anything unrecognized is CategoryUnknown.
func CategorizeError(err error) ErrorCategory {
	if err == nil {
		return CategoryUnknown
	}
	var c Categorizer
	if errors.As(err, &c) {
		return c.Category()
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "database"), strings.Contains(msg, "sql"),
		strings.Contains(msg, "storage"), strings.Contains(msg, "persist"):
		return CategoryStorage
	case strings.Contains(msg, "cache"), strings.Contains(msg, "redis"):
		return CategoryCache
	case strings.Contains(msg, "out of memory"), strings.Contains(msg, "memory"),
		strings.Contains(msg, "allowed memory size"):
		return CategoryResourceExhaustion
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "timed out"),
		strings.Contains(msg, "deadline exceeded"):
		return CategoryTimeout
	case strings.Contains(msg, "invalid"), strings.Contains(msg, "validation"):
		return CategoryValidation
	case strings.Contains(msg, "config"):
		return CategoryConfiguration
	case strings.Contains(msg, "api"), strings.Contains(msg, "upstream"),
		strings.Contains(msg, "service unavailable"):
		return CategoryDownstream
	default:
		return CategoryUnknown
	}
}

// CategorizedError wraps an error with its category so it survives
// wrapping up the call stack.
type CategorizedError struct {
	Cat ErrorCategory
	Err error
}

func NewCategorizedError(cat ErrorCategory, err error) *CategorizedError {
	return &CategorizedError{Cat: cat, Err: err}
}

func (e *CategorizedError) Error() string {
	return fmt.Sprintf("%s: %s", e.Cat, e.Err)
}

func (e *CategorizedError) Category() ErrorCategory { return e.Cat }

func (e *CategorizedError) Unwrap() error { return e.Err }

// ErrWithRetryAfter is an interface for errors that carry a number of
// seconds to wait before retrying (e.g. a rate limit denial).
type ErrWithRetryAfter interface {
	error
	// RetryAfter returns the number of seconds to wait before retry.
	RetryAfter() int
}

// NoWorkFoundError is returned by StartJob when every relevant analyzer
// returned an empty entity set.
type NoWorkFoundError struct {
	Kind JobKind
}

func (e *NoWorkFoundError) Error() string {
	return fmt.Sprintf("no analyzable entities found for kind %q", e.Kind)
}

func (e *NoWorkFoundError) Category() ErrorCategory { return CategoryValidation }

// FeatureDisabledError is returned by StartJob when the embedding system's
// feature gate does not allow analysis runs.
type FeatureDisabledError struct{}

func (e *FeatureDisabledError) Error() string {
	return "analysis runs are disabled by the feature gate"
}

func (e *FeatureDisabledError) Category() ErrorCategory { return CategoryConfiguration }

// JobAlreadyRunningError is returned by StartJob when a non-stale job is
// already running.
type JobAlreadyRunningError struct {
	JobID string
}

func (e *JobAlreadyRunningError) Error() string {
	return fmt.Sprintf("an analysis job is already running (id %s)", e.JobID)
}

func (e *JobAlreadyRunningError) Category() ErrorCategory { return CategoryValidation }

// InvalidJobKindError is returned by StartJob for an unknown job kind.
type InvalidJobKindError struct {
	Kind JobKind
}

func (e *InvalidJobKindError) Error() string {
	return fmt.Sprintf("invalid job kind %q", e.Kind)
}

func (e *InvalidJobKindError) Category() ErrorCategory { return CategoryValidation }
