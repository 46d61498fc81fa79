// Package redis provides the redis-backed implementation of the durable
// KV store, over a standalone Redis server or a Redis Cluster.
package redis

import (
	"strings"
	"time"

	"github.com/bahmankhah/forooshyar-sub000/server/config"
	"github.com/bahmankhah/forooshyar-sub000/server/forooshyar"
	"github.com/gomodule/redigo/redis"
	"github.com/mna/redisc"
	"github.com/pkg/errors"
)

// this is an adapter type to implement the same Stats method as for
// redisc.Cluster, so both can satisfy the same interface.
type standalonePool struct {
	*redis.Pool
	addr string
}

func (p *standalonePool) Stats() map[string]redis.PoolStats {
	return map[string]redis.PoolStats{
		p.addr: p.Pool.Stats(),
	}
}

// NewPool creates a Redis connection pool using the provided
// configuration, transparently handling standalone and cluster setups.
func NewPool(cfg config.RedisConfig) (forooshyar.RedisPool, error) {
	cluster := newCluster(cfg)
	if err := cluster.Refresh(); err != nil {
		if isClusterDisabled(err) || isClusterCommandUnknown(err) {
			// not a Redis Cluster setup, use a standalone Redis pool
			pool, _ := cluster.CreatePool(cfg.Address)
			cluster.Close()
			return &standalonePool{pool, cfg.Address}, nil
		}
		return nil, errors.Wrap(err, "refresh cluster")
	}

	return cluster, nil
}

func newCluster(cfg config.RedisConfig) *redisc.Cluster {
	return &redisc.Cluster{
		StartupNodes: []string{cfg.Address},
		CreatePool: func(server string, opts ...redis.DialOption) (*redis.Pool, error) {
			return &redis.Pool{
				MaxIdle:     3,
				IdleTimeout: 240 * time.Second,
				Dial: func() (redis.Conn, error) {
					c, err := redis.Dial(
						"tcp",
						server,
						redis.DialDatabase(cfg.Database),
						redis.DialUseTLS(cfg.UseTLS),
						redis.DialConnectTimeout(cfg.ConnectTimeout),
						redis.DialKeepAlive(cfg.KeepAlive),
					)
					if err != nil {
						return nil, err
					}
					if cfg.Password != "" {
						if _, err := c.Do("AUTH", cfg.Password); err != nil {
							c.Close()
							return nil, err
						}
					}
					return c, nil
				},
				TestOnBorrow: func(c redis.Conn, t time.Time) error {
					if time.Since(t) < time.Minute {
						return nil
					}
					_, err := c.Do("PING")
					return err
				},
			}, nil
		},
	}
}

func isClusterDisabled(err error) bool {
	return strings.Contains(err.Error(), "ERR This instance has cluster support disabled")
}

// On some managed providers the CLUSTER command is entirely unavailable
// and fails with an unknown command error.
func isClusterCommandUnknown(err error) bool {
	return strings.Contains(err.Error(), "ERR unknown command")
}
