// Package migrator runs the destination schema's migrations and
// enforces the install-comment contract spec §6 describes. The
// migration SQL text itself is an external collaborator (spec §1); this
// package only drives golang-migrate against it and guards against
// running atop an un-marked legacy install.
package migrator

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jackc/pgx/v5/pgxpool"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/supabase/stripe-sync-engine-go/internal/syncerr"
)

// installComment is stamped onto the schema's _migrations table once
// migrations have run to completion under this engine, distinguishing
// a real install from a legacy one that merely happens to have a table
// by that name (spec §6).
const installComment = "stripe-sync-go installed"

// Migrator owns the golang-migrate instance for one destination
// database/schema pair.
type Migrator struct {
	sqlDB          *sql.DB
	m              *migrate.Migrate
	schema         string
	migrationsPath string
}

// New opens a dedicated database/sql connection (golang-migrate's
// postgres driver requires one, independent of the pgxpool the rest of
// the engine uses) and prepares a migrate.Migrate instance sourced from
// migrationsPath.
func New(dsn, schema, migrationsPath string) (*Migrator, error) {
	sqlDB, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, &syncerr.MigrationError{Err: fmt.Errorf("open sql.DB: %w", err)}
	}

	driver, err := postgres.WithInstance(sqlDB, &postgres.Config{SchemaName: schema, MigrationsTable: schema + "._migrations"})
	if err != nil {
		sqlDB.Close()
		return nil, &syncerr.MigrationError{Err: fmt.Errorf("create migration driver: %w", err)}
	}

	m, err := migrate.NewWithDatabaseInstance(fmt.Sprintf("file://%s", migrationsPath), "postgres", driver)
	if err != nil {
		sqlDB.Close()
		return nil, &syncerr.MigrationError{Err: fmt.Errorf("create migrate instance: %w", err)}
	}

	return &Migrator{sqlDB: sqlDB, m: m, schema: schema, migrationsPath: migrationsPath}, nil
}

// Close releases the dedicated sql.DB connection.
func (mi *Migrator) Close() error {
	srcErr, dbErr := mi.m.Close()
	if dbErr != nil {
		return &syncerr.MigrationError{Err: dbErr}
	}
	if srcErr != nil {
		return &syncerr.MigrationError{Err: srcErr}
	}
	return nil
}

// Up runs every pending migration and stamps the install comment.
// ErrNoChange (schema already current) is not an error.
func (mi *Migrator) Up(ctx context.Context, pool *pgxpool.Pool) error {
	if err := mi.m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return &syncerr.MigrationError{Err: err}
	}
	return stampInstallComment(ctx, pool, mi.schema)
}

// VerifyInstall rejects a schema that has a _migrations table without
// this engine's install comment, which indicates a legacy install
// sharing the table name by coincidence rather than one this engine
// produced (spec §6).
func VerifyInstall(ctx context.Context, pool *pgxpool.Pool, schema string) error {
	var exists bool
	err := pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM information_schema.tables
			WHERE table_schema = $1 AND table_name = '_migrations'
		)
	`, schema).Scan(&exists)
	if err != nil {
		return &syncerr.MigrationError{Err: fmt.Errorf("check _migrations presence: %w", err)}
	}
	if !exists {
		return nil
	}

	comment, err := readInstallComment(ctx, pool, schema)
	if err != nil {
		return err
	}
	if comment != installComment {
		return &syncerr.MigrationError{Err: fmt.Errorf("legacy install detected: %s._migrations exists without the %q comment", schema, installComment)}
	}
	return nil
}

func stampInstallComment(ctx context.Context, pool *pgxpool.Pool, schema string) error {
	query := fmt.Sprintf(`COMMENT ON TABLE %s._migrations IS '%s'`, schema, installComment)
	if _, err := pool.Exec(ctx, query); err != nil {
		return &syncerr.MigrationError{Err: fmt.Errorf("stamp install comment: %w", err)}
	}
	return nil
}

func readInstallComment(ctx context.Context, pool *pgxpool.Pool, schema string) (string, error) {
	var comment *string
	err := pool.QueryRow(ctx, `
		SELECT obj_description((quote_ident($1) || '.' || quote_ident('_migrations'))::regclass, 'pg_class')
	`, schema).Scan(&comment)
	if err != nil {
		return "", &syncerr.MigrationError{Err: fmt.Errorf("read install comment: %w", err)}
	}
	if comment == nil {
		return "", nil
	}
	return *comment, nil
}
