package forooshyar

import (
	"context"
	"time"
)

// KVStore is the durable key-value store backing the engine's persisted
// records (the analysis job singleton, rate counters, usage counters). No
// transactional guarantees are assumed beyond atomic single-key
// read/write; Incr must be atomic.
type KVStore interface {
	// Get returns the value for key, with ok == false when the key is
	// absent or expired.
	Get(ctx context.Context, key string) (value string, ok bool, err error)

	// Set stores the value for key with no expiry.
	Set(ctx context.Context, key, value string) error

	// SetWithTTL stores the value for key, evicted after ttl.
	SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error

	// Incr atomically increments the integer counter at key and returns
	// the new value. A ttl > 0 sets the expiry when the counter is first
	// created.
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)

	// Delete removes the key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error
}

// Scheduler is the host task scheduler abstraction. Delivery is
// at-least-once and best-effort on timing: a scheduled invocation may be
// delayed, duplicated or dropped, which is why the engine pairs explicit
// re-arms with a recurring liveness probe.
type Scheduler interface {
	// ScheduleOnce requests that fn be invoked once, roughly delay from
	// now. Re-scheduling the same name replaces the earlier request.
	ScheduleOnce(name string, delay time.Duration, fn func(ctx context.Context))

	// ScheduleRecurring requests that fn be invoked every interval until
	// cancelled. Re-scheduling the same name replaces the earlier request.
	ScheduleRecurring(name string, interval time.Duration, fn func(ctx context.Context))

	// Cancel de-schedules any pending invocation registered under name.
	Cancel(name string)
}
