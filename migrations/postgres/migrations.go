package migrations

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"slices"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/migrate"
)

//go:embed *.sql
var migrationFS embed.FS

// FS exposes the embedded SQL for external runners.
var FS = migrationFS

// Migrations is the bun/migrate registry for this module. Table names are
// unqualified; Runner picks the schema through search_path.
var Migrations = migrate.NewMigrations()

// DefaultSchema is where Apply creates tables when no schema is given.
const DefaultSchema = "iap"

func init() {
	// Discover SQL migrations from embedded filesystem.
	_ = Migrations.Discover(migrationFS)
}

// UpFiles lists the embedded up migrations in apply order.
func UpFiles() ([]string, error) {
	files, err := fs.Glob(migrationFS, "*.up.sql")
	if err != nil {
		return nil, err
	}
	slices.Sort(files)
	return files, nil
}

// Runner applies the embedded migrations through bun/migrate into one schema.
type Runner struct {
	pool     *pgxpool.Pool
	db       *bun.DB
	migrator *migrate.Migrator
}

// NewRunner creates schema if needed and opens a dedicated pool whose
// search_path is schema, so the unqualified SQL lands there. Close releases it.
func NewRunner(ctx context.Context, pg *pgxpool.Pool, schema string) (*Runner, error) {
	schema = strings.TrimSpace(schema)
	if schema == "" {
		schema = DefaultSchema
	}
	if _, err := pg.Exec(ctx, `CREATE SCHEMA IF NOT EXISTS `+pgx.Identifier{schema}.Sanitize()); err != nil {
		return nil, fmt.Errorf("create schema: %w", err)
	}
	cfg := pg.Config()
	cfg.MaxConns = 2
	cfg.ConnConfig.RuntimeParams["search_path"] = schema
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open migration pool: %w", err)
	}
	db := bun.NewDB(stdlib.OpenDBFromPool(pool), pgdialect.New())
	r := &Runner{pool: pool, db: db, migrator: migrate.NewMigrator(db, Migrations)}
	if err := r.migrator.Init(ctx); err != nil {
		r.Close()
		return nil, fmt.Errorf("init migration tables: %w", err)
	}
	return r, nil
}

// Migrate applies pending migrations as one group and returns their names.
func (r *Runner) Migrate(ctx context.Context) ([]string, error) {
	return r.run(ctx, r.migrator.Migrate)
}

// Rollback reverts the last applied group and returns the names rolled back.
func (r *Runner) Rollback(ctx context.Context) ([]string, error) {
	return r.run(ctx, r.migrator.Rollback)
}

func (r *Runner) run(ctx context.Context, fn func(context.Context, ...migrate.MigrationOption) (*migrate.MigrationGroup, error)) ([]string, error) {
	if err := r.migrator.Lock(ctx); err != nil {
		return nil, fmt.Errorf("lock migrations: %w", err)
	}
	defer func() { _ = r.migrator.Unlock(ctx) }()

	group, err := fn(ctx)
	if err != nil {
		return nil, err
	}
	if group.IsZero() {
		return nil, nil
	}
	names := make([]string, 0, len(group.Migrations))
	for _, m := range group.Migrations {
		names = append(names, m.Name)
	}
	return names, nil
}

func (r *Runner) Close() {
	_ = r.db.Close()
	r.pool.Close()
}

// Apply runs pending up migrations into schema and returns their names.
func Apply(ctx context.Context, pg *pgxpool.Pool, schema string) ([]string, error) {
	r, err := NewRunner(ctx, pg, schema)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return r.Migrate(ctx)
}
