package main

import (
	"context"
	"fmt"
	"time"

	"github.com/linnemanlabs/go-core/log"

	gc "github.com/linnemanlabs/guardian/internal/cfg"
	"github.com/linnemanlabs/guardian/internal/monitor"
	"github.com/linnemanlabs/guardian/internal/monitor/memstore"
	"github.com/linnemanlabs/guardian/internal/monitor/pgstore"
	"github.com/linnemanlabs/guardian/internal/monitor/sqlitestore"
	"github.com/linnemanlabs/guardian/internal/postgres"
	"github.com/linnemanlabs/guardian/internal/redislock"
	"github.com/linnemanlabs/guardian/internal/scorer/claude"
	"github.com/linnemanlabs/guardian/internal/scorer/lexicon"
	"github.com/linnemanlabs/guardian/internal/scorer/mlhttp"
)

// openStore picks the store from the connection settings. The returned
// close func is always non-nil.
func openStore(ctx context.Context, c *gc.Config, L log.Logger) (monitor.Store, func(), error) {
	switch c.StoreBackend() {
	case gc.StorePostgres:
		pool, err := postgres.NewPool(ctx, c.DatabaseURL, postgres.PoolOptions{
			MaxConns:  int32(c.DBMaxConns), //nolint:gosec // G115: bounded by Validate
			SlowQuery: time.Duration(c.SlowQueryMillis) * time.Millisecond,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("postgres pool: %w", err)
		}
		s, err := pgstore.New(ctx, pool)
		if err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("pgstore init: %w", err)
		}
		L.Info(ctx, "using postgres store")
		return s, pool.Close, nil

	case gc.StoreSQLite:
		s, err := sqlitestore.New(ctx, c.SQLitePath)
		if err != nil {
			return nil, nil, fmt.Errorf("sqlitestore init: %w", err)
		}
		L.Info(ctx, "using sqlite store", "path", c.SQLitePath)
		return s, func() {
			if err := s.Close(); err != nil {
				L.Error(context.Background(), err, "failed to close sqlite store")
			}
		}, nil

	default:
		L.Info(ctx, "using in-memory store (no database-url or sqlite-path configured)")
		return memstore.New(), func() {}, nil
	}
}

// openLocker returns process-local subject locks unless redis is configured.
func openLocker(ctx context.Context, c *gc.Config, L log.Logger) (monitor.Locker, func(), error) {
	if c.RedisAddr == "" {
		return monitor.NewKeyedMutex(), func() {}, nil
	}
	rdb, err := redislock.Dial(ctx, c.RedisAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("redis: %w", err)
	}
	L.Info(ctx, "using redis subject locks", "addr", c.RedisAddr)
	return redislock.New(rdb, L, redislock.Options{}), func() { _ = rdb.Close() }, nil
}

// newScorer picks the message scorer from the scorer settings.
func newScorer(ctx context.Context, c *gc.Config, L log.Logger) (monitor.Scorer, error) {
	switch c.ScorerBackend() {
	case gc.ScorerClaude:
		L.Info(ctx, "initialized scorer", "scorer", gc.ScorerClaude, "model", c.ClaudeModel)
		return claude.New(claude.Options{APIKey: c.ClaudeAPIKey, Model: c.ClaudeModel}), nil

	case gc.ScorerHTTP:
		client := mlhttp.New(c.ScorerURL)
		if err := client.Health(ctx); err != nil {
			// unscored messages stay queued for the next sweep
			L.Warn(ctx, "scorer health check failed", "scorer_url", c.ScorerURL, "error", err)
		}
		L.Info(ctx, "initialized scorer", "scorer", gc.ScorerHTTP, "scorer_url", c.ScorerURL)
		return client, nil

	default:
		lex, err := lexicon.New(nil)
		if err != nil {
			return nil, fmt.Errorf("lexicon scorer: %w", err)
		}
		L.Info(ctx, "initialized scorer", "scorer", gc.ScorerLexicon)
		return lex, nil
	}
}
