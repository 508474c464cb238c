// Package postgres holds the shared pgx plumbing: pool construction and the
// query tracer feeding logs, spans and metrics.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/exaring/otelpgx"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PoolOptions tunes the connection pool.
type PoolOptions struct {
	// MaxConns caps open connections; 0 keeps the pgx default.
	MaxConns int32
	// SlowQuery is the log threshold for successful queries; 0 logs every query.
	SlowQuery time.Duration
}

// NewPool parses databaseURL, installs the tracer chain and verifies
// connectivity.
func NewPool(ctx context.Context, databaseURL string, opts PoolOptions) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if opts.MaxConns > 0 {
		cfg.MaxConns = opts.MaxConns
	}
	cfg.ConnConfig.Tracer = wrapQueryTracer(otelpgx.NewTracer(), opts.SlowQuery)

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.NewWithConfig: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return pool, nil
}
