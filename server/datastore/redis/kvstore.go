package redis

import (
	"context"
	"time"

	"github.com/bahmankhah/forooshyar-sub000/server/contexts/ctxerr"
	"github.com/bahmankhah/forooshyar-sub000/server/forooshyar"
	"github.com/gomodule/redigo/redis"
)

// keyPrefix namespaces all engine keys so the store can share a Redis
// database with the embedding application.
const keyPrefix = "forooshyar:"

// Store implements the durable KV store over a redis pool.
type Store struct {
	pool forooshyar.RedisPool
}

var _ forooshyar.KVStore = (*Store)(nil)

func NewStore(pool forooshyar.RedisPool) *Store {
	return &Store{pool: pool}
}

func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	conn := s.pool.Get()
	defer conn.Close()

	val, err := redis.String(conn.Do("GET", keyPrefix+key))
	if err == redis.ErrNil {
		return "", false, nil
	}
	if err != nil {
		return "", false, ctxerr.Wrapf(ctx, err, "redis GET %s", key)
	}
	return val, true, nil
}

func (s *Store) Set(ctx context.Context, key, value string) error {
	conn := s.pool.Get()
	defer conn.Close()

	if _, err := conn.Do("SET", keyPrefix+key, value); err != nil {
		return ctxerr.Wrapf(ctx, err, "redis SET %s", key)
	}
	return nil
}

func (s *Store) SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error {
	conn := s.pool.Get()
	defer conn.Close()

	if _, err := conn.Do("SET", keyPrefix+key, value, "PX", ttl.Milliseconds()); err != nil {
		return ctxerr.Wrapf(ctx, err, "redis SET PX %s", key)
	}
	return nil
}

func (s *Store) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	conn := s.pool.Get()
	defer conn.Close()

	n, err := redis.Int64(conn.Do("INCR", keyPrefix+key))
	if err != nil {
		return 0, ctxerr.Wrapf(ctx, err, "redis INCR %s", key)
	}
	if n == 1 && ttl > 0 {
		// first increment created the counter, attach the expiry
		if _, err := conn.Do("PEXPIRE", keyPrefix+key, ttl.Milliseconds()); err != nil {
			return n, ctxerr.Wrapf(ctx, err, "redis PEXPIRE %s", key)
		}
	}
	return n, nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	conn := s.pool.Get()
	defer conn.Close()

	if _, err := conn.Do("DEL", keyPrefix+key); err != nil {
		return ctxerr.Wrapf(ctx, err, "redis DEL %s", key)
	}
	return nil
}
