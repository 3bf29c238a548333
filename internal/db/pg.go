// Package db opens the shared Postgres pool behind the durable store,
// the offline queue and the bus listener.
package db

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

const connectTimeout = 5 * time.Second

// Open builds the connection pool and verifies it with a bounded ping.
// The bus keeps one pooled connection checked out for LISTEN as long as
// the process runs, so maxConns is floored at 4 to leave the store and
// queue room to commit while the listener holds its slot.
func Open(ctx context.Context, url string, maxConns int) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, err
	}

	if maxConns < 4 {
		maxConns = 4
	}
	cfg.MaxConns = int32(maxConns)
	cfg.MinConns = 2
	cfg.MaxConnLifetime = time.Hour
	cfg.MaxConnIdleTime = 30 * time.Minute
	cfg.HealthCheckPeriod = time.Minute
	cfg.ConnConfig.RuntimeParams["application_name"] = "syncd"

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}

	pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, err
	}

	log.Info().
		Int32("maxConns", cfg.MaxConns).
		Int32("minConns", cfg.MinConns).
		Msg("postgres pool ready")

	return pool, nil
}
