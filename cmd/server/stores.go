package main

import (
	"context"
	"database/sql"

	"ordersaga/cmd/server/config"
	ordersdb "ordersaga/internal/db/orders"
	"ordersaga/internal/orders"
	"ordersaga/internal/orders/saga"

	"github.com/go-logr/logr"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/extra/redisotel/v9"
	"github.com/redis/go-redis/v9"
)

var openDB = func(driver, dsn string) (*sql.DB, error) {
	return sql.Open(driver, dsn)
}

// buildOrderStore opens the configured backend and wraps it in the retrying
// store. db must be non-nil for the postgres backend.
func buildOrderStore(ctx context.Context, cfg config.Config, db *sql.DB, log logr.Logger) (saga.OrderDataStore, func(), error) {
	var (
		base    saga.OrderDataStore
		cleanup = func() {}
	)
	switch cfg.Store.Backend {
	case config.StorePostgres:
		if db == nil {
			return nil, nil, errors.New("postgres store needs a database")
		}
		store, err := ordersdb.NewPostgresOrderStoreWithSchema(ctx, db)
		if err != nil {
			return nil, nil, errors.Wrap(err, "init orders table")
		}
		base = store
	case config.StoreRedis:
		client, err := newRedisClient(ctx, cfg.Store.Redis)
		if err != nil {
			return nil, nil, err
		}
		base = ordersdb.NewRedisOrderStore(client, cfg.Store.Redis.KeyPrefix, cfg.Store.Redis.StreamMaxLen)
		cleanup = func() {
			if err := client.Close(); err != nil {
				log.Error(err, "close redis")
			}
		}
	default:
		base = orders.NewInMemoryOrderStore()
	}
	log.Info("order store ready", "backend", cfg.Store.Backend)
	return orders.NewResilientOrderStore(base, cfg.Reliability.RetryPolicy()), cleanup, nil
}

func newRedisClient(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, errors.Wrap(err, "parse redis url")
	}
	if cfg.DialTimeout > 0 {
		opts.DialTimeout = cfg.DialTimeout
	}
	if cfg.ReadTimeout > 0 {
		opts.ReadTimeout = cfg.ReadTimeout
	}
	if cfg.WriteTimeout > 0 {
		opts.WriteTimeout = cfg.WriteTimeout
	}
	if cfg.PoolSize > 0 {
		opts.PoolSize = cfg.PoolSize
	}
	if cfg.MinIdleConns > 0 {
		opts.MinIdleConns = cfg.MinIdleConns
	}
	if cfg.MaxRetries > 0 {
		opts.MaxRetries = cfg.MaxRetries
	}
	tlsConfig, err := cfg.TLS.Build()
	if err != nil {
		return nil, err
	}
	if tlsConfig != nil {
		opts.TLSConfig = tlsConfig
	}

	client := redis.NewClient(opts)
	if cfg.EnableOTel {
		if err := redisotel.InstrumentTracing(client); err != nil {
			_ = client.Close()
			return nil, errors.Wrap(err, "instrument redis tracing")
		}
		if err := redisotel.InstrumentMetrics(client); err != nil {
			_ = client.Close()
			return nil, errors.Wrap(err, "instrument redis metrics")
		}
	}

	pingCtx := ctx
	if cfg.HealthcheckTimeout > 0 {
		var cancel context.CancelFunc
		pingCtx, cancel = context.WithTimeout(ctx, cfg.HealthcheckTimeout)
		defer cancel()
	}
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Wrap(err, "ping redis")
	}
	return client, nil
}
