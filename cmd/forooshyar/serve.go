package main

import (
	"context"
	"fmt"
	"os"
	"syscall"

	"github.com/WatchBeam/clock"
	"github.com/bahmankhah/forooshyar-sub000/server/batch"
	"github.com/bahmankhah/forooshyar-sub000/server/cbreaker"
	"github.com/bahmankhah/forooshyar-sub000/server/config"
	redisdb "github.com/bahmankhah/forooshyar-sub000/server/datastore/redis"
	"github.com/bahmankhah/forooshyar-sub000/server/forooshyar"
	"github.com/bahmankhah/forooshyar-sub000/server/ratelimit"
	"github.com/bahmankhah/forooshyar-sub000/server/schedule"
	backoff "github.com/cenkalti/backoff/v4"
	kitlog "github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/oklog/run"
	"github.com/spf13/cobra"
)

func createServeCmd(configManager config.Manager) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the analysis engine",
		Long:  "Run the batch engine, its liveness probe and any interrupted analysis run.",
		Run: func(cmd *cobra.Command, args []string) {
			cfg := configManager.LoadConfig()
			logger := initLogger(cfg)

			pool, err := connectRedis(cfg.Redis)
			if err != nil {
				initFatal(err, "initializing redis")
			}
			defer pool.Close()

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			store := redisdb.NewStore(pool)
			sched := schedule.New(ctx, clock.C, kitlog.With(logger, "component", "schedule"))
			limiter := ratelimit.NewLimiter(store, cfg.RateLimit, clock.C)
			breaker := cbreaker.NewBreaker(cfg.CBreaker, kitlog.With(logger, "component", "cbreaker"))
			engine := batch.NewEngine(store, sched, limiter, breaker, clock.C, cfg,
				kitlog.With(logger, "component", "batch"))

			// analyzers are supplied by the embedding application; a bare
			// serve still resumes a run interrupted by a restart
			if resumed, err := engine.Resume(ctx); err != nil {
				level.Error(logger).Log("msg", "resume interrupted job", "err", err)
			} else if resumed {
				level.Info(logger).Log("msg", "resumed interrupted analysis job")
			}

			var g run.Group
			g.Add(run.SignalHandler(ctx, os.Interrupt, syscall.SIGTERM))
			g.Add(func() error {
				<-ctx.Done()
				return ctx.Err()
			}, func(error) {
				cancel()
			})

			level.Info(logger).Log("msg", "engine started", "version", version)
			if err := g.Run(); err != nil {
				level.Info(logger).Log("msg", "shutting down", "cause", err)
			}
		},
	}
}

func connectRedis(cfg config.RedisConfig) (forooshyar.RedisPool, error) {
	var pool forooshyar.RedisPool
	op := func() error {
		p, err := redisdb.NewPool(cfg)
		if err != nil {
			return err
		}
		conn := p.Get()
		defer conn.Close()
		if _, err := conn.Do("PING"); err != nil {
			p.Close()
			return err
		}
		pool = p
		return nil
	}

	retries := cfg.ConnectRetryAttempts
	if retries < 0 {
		retries = 0
	}
	bo := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(retries))
	if err := backoff.Retry(op, bo); err != nil {
		return nil, err
	}
	return pool, nil
}

func initLogger(cfg config.ForooshyarConfig) kitlog.Logger {
	var logger kitlog.Logger
	if cfg.Logging.JSON {
		logger = kitlog.NewJSONLogger(os.Stderr)
	} else {
		logger = kitlog.NewLogfmtLogger(os.Stderr)
	}
	if cfg.Logging.Debug {
		logger = level.NewFilter(logger, level.AllowDebug())
	} else {
		logger = level.NewFilter(logger, level.AllowInfo())
	}
	return kitlog.With(logger, "ts", kitlog.DefaultTimestampUTC)
}

func initFatal(err error, message string) {
	fmt.Printf("Error %s: %v\n", message, err)
	os.Exit(1)
}
