package db

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// StartupRetries is how many times a backing service is pinged, one
// second apart, before the server gives up.
const StartupRetries = 30

// WaitFor pings a backing service until it answers, the retries in b are
// exhausted, or ctx ends. It is only used at startup.
func WaitFor(ctx context.Context, logger zerolog.Logger, name string, ping func(context.Context) error, b backoff.BackOff) error {
	err := backoff.RetryNotify(
		func() error {
			pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			return ping(pingCtx)
		},
		backoff.WithContext(b, ctx),
		func(err error, wait time.Duration) {
			logger.Warn().Err(err).Str("service", name).Dur("retry_in", wait).Msg("waiting for backing service")
		},
	)
	if err != nil {
		return fmt.Errorf("%s unavailable: %w", name, err)
	}
	return nil
}

// StartupBackOff is the retry policy for WaitFor.
func StartupBackOff() backoff.BackOff {
	return backoff.WithMaxRetries(backoff.NewConstantBackOff(time.Second), StartupRetries)
}

func NewPool(ctx context.Context, logger zerolog.Logger, databaseURL string, maxConns, minConns int32) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}

	cfg.MaxConns = maxConns
	cfg.MinConns = minConns

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}

	if err := WaitFor(ctx, logger, "postgres", pool.Ping, StartupBackOff()); err != nil {
		pool.Close()
		return nil, err
	}

	return pool, nil
}
