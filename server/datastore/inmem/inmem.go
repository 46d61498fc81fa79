// Package inmem implements the durable KV store interface in memory, for
// tests and development. Expiry honors the injected clock so tests can
// advance time deterministically.
package inmem

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/WatchBeam/clock"
	"github.com/bahmankhah/forooshyar-sub000/server/contexts/ctxerr"
	"github.com/bahmankhah/forooshyar-sub000/server/forooshyar"
)

type item struct {
	value     string
	expiresAt time.Time // zero means no expiry
}

type Store struct {
	clock clock.Clock

	mu    sync.Mutex
	items map[string]item
}

var _ forooshyar.KVStore = (*Store)(nil)

func New(c clock.Clock) *Store {
	return &Store{
		clock: c,
		items: make(map[string]item),
	}
}

func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	it, ok := s.get(key)
	if !ok {
		return "", false, nil
	}
	return it.value, true, nil
}

func (s *Store) Set(ctx context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[key] = item{value: value}
	return nil
}

func (s *Store) SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[key] = item{value: value, expiresAt: s.clock.Now().Add(ttl)}
	return nil
}

func (s *Store) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	it, ok := s.get(key)
	if ok {
		v, err := strconv.ParseInt(it.value, 10, 64)
		if err != nil {
			return 0, ctxerr.Wrapf(ctx, err, "non-numeric counter at key %s", key)
		}
		n = v
	}
	n++

	next := item{value: strconv.FormatInt(n, 10)}
	if ok {
		// keep the existing expiry
		next.expiresAt = it.expiresAt
	} else if ttl > 0 {
		next.expiresAt = s.clock.Now().Add(ttl)
	}
	s.items[key] = next
	return n, nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, key)
	return nil
}

// get returns the live item for key, lazily evicting it when expired.
// Callers must hold the mutex.
func (s *Store) get(key string) (item, bool) {
	it, ok := s.items[key]
	if !ok {
		return item{}, false
	}
	if !it.expiresAt.IsZero() && !s.clock.Now().Before(it.expiresAt) {
		delete(s.items, key)
		return item{}, false
	}
	return it, true
}
