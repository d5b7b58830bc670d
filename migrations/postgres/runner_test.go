package migrations

import (
	"context"
	"os"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

func TestRunnerMigrateAndRollback(t *testing.T) {
	dsn := os.Getenv("IAPKIT_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("IAPKIT_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatal(err)
	}
	defer pool.Close()
	if err := pool.Ping(ctx); err != nil {
		t.Skipf("postgres unavailable: %v", err)
	}
	schema := "iap_mig_" + strings.ReplaceAll(uuid.NewString()[:8], "-", "")
	defer func() {
		_, _ = pool.Exec(context.Background(), `DROP SCHEMA `+pgx.Identifier{schema}.Sanitize()+` CASCADE`)
	}()

	tableExists := func(name string) bool {
		var ok bool
		if err := pool.QueryRow(ctx, `SELECT to_regclass($1) IS NOT NULL`, schema+"."+name).Scan(&ok); err != nil {
			t.Fatal(err)
		}
		return ok
	}

	applied, err := Apply(ctx, pool, schema)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if len(applied) != 2 || !tableExists("transactions") || !tableExists("users") {
		t.Fatalf("applied = %v", applied)
	}
	// nothing pending the second time
	if again, err := Apply(ctx, pool, schema); err != nil || len(again) != 0 {
		t.Fatalf("second apply = %v, %v", again, err)
	}

	r, err := NewRunner(ctx, pool, schema)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	rolled, err := r.Rollback(ctx)
	if err != nil {
		t.Fatalf("rollback: %v", err)
	}
	if len(rolled) != 2 || tableExists("transactions") || tableExists("users") {
		t.Fatalf("rolled back = %v", rolled)
	}
}
