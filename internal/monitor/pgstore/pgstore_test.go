package pgstore_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/linnemanlabs/guardian/internal/monitor"
	"github.com/linnemanlabs/guardian/internal/monitor/pgstore"
	"github.com/linnemanlabs/guardian/internal/monitor/storetest"
	"github.com/linnemanlabs/guardian/internal/postgres"
)

func openPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	dsn := os.Getenv("GUARDIAN_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("GUARDIAN_TEST_DATABASE_URL not set, skipping integration test")
	}
	pool, err := postgres.NewPool(context.Background(), dsn, postgres.PoolOptions{SlowQuery: time.Second})
	if err != nil {
		t.Fatalf("postgres.NewPool: %v", err)
	}
	t.Cleanup(pool.Close)
	return pool
}

// openStore returns a store over freshly truncated tables.
func openStore(t *testing.T, pool *pgxpool.Pool) *pgstore.Store {
	t.Helper()
	ctx := context.Background()
	s, err := pgstore.New(ctx, pool)
	if err != nil {
		t.Fatalf("pgstore.New: %v", err)
	}
	if _, err := pool.Exec(ctx, `TRUNCATE children, devices, contacts, messages, alerts`); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	return s
}

func TestStore_Conformance(t *testing.T) {
	pool := openPool(t)
	storetest.Run(t, func(t *testing.T) monitor.Store { return openStore(t, pool) })
}

func TestStore_SchemaIdempotent(t *testing.T) {
	pool := openPool(t)
	ctx := context.Background()
	for range 2 {
		if _, err := pgstore.New(ctx, pool); err != nil {
			t.Fatalf("pgstore.New: %v", err)
		}
	}
}

func TestStore_RejectsOutOfRangeRisk(t *testing.T) {
	pool := openPool(t)
	s := openStore(t, pool)
	ctx := context.Background()

	if _, _, err := s.EnsureContact(ctx, &monitor.Contact{ID: "k1", ChildID: "c1", Platform: "sms", Handle: "a"}); err != nil {
		t.Fatalf("EnsureContact: %v", err)
	}
	_, err := s.UpdateContact(ctx, "k1", func(c *monitor.Contact) error {
		c.Risk = 1.5
		return nil
	})
	if err == nil {
		t.Fatal("expected check constraint violation for risk 1.5")
	}
	c, _, _ := s.GetContact(ctx, "k1")
	if c.Risk != 0 {
		t.Errorf("risk = %v after failed update, want 0", c.Risk)
	}
}
