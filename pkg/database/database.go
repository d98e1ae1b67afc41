package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/supabase/stripe-sync-engine-go/internal/config"
)

// Store is the narrow interface the Persistence Gateway is defined
// against. A second adapter (e.g. a postgres-over-HTTP driver for edge
// deployment targets) can satisfy this without touching gateway logic.
type Store interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Begin(ctx context.Context) (pgx.Tx, error)
	WithAdvisoryLock(ctx context.Context, keyHash int32, fn func(ctx context.Context) error) error
}

// Database wraps the destination PostgreSQL connection pool.
type Database struct {
	Pool   *pgxpool.Pool
	Schema string
}

// New creates a new destination-database connection pool.
func New(cfg config.DatabaseConfig) (*Database, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	poolConfig.MaxConns = int32(cfg.MaxOpenConns)
	poolConfig.MinConns = int32(cfg.MaxIdleConns)
	poolConfig.MaxConnLifetime = cfg.ConnMaxLifetime
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = 1 * time.Minute

	connectCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(connectCtx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(connectCtx); err != nil {
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	schema := cfg.Schema
	if schema == "" {
		schema = "stripe"
	}

	return &Database{Pool: pool, Schema: schema}, nil
}

// Close closes the database connection pool.
func (db *Database) Close() {
	if db.Pool != nil {
		db.Pool.Close()
	}
}

// Health checks database liveness.
func (db *Database) Health(ctx context.Context) error {
	return db.Pool.Ping(ctx)
}

// Query implements Store.
func (db *Database) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return db.Pool.Query(ctx, sql, args...)
}

// QueryRow implements Store.
func (db *Database) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return db.Pool.QueryRow(ctx, sql, args...)
}

// Exec implements Store.
func (db *Database) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return db.Pool.Exec(ctx, sql, args...)
}

// Begin implements Store.
func (db *Database) Begin(ctx context.Context) (pgx.Tx, error) {
	return db.Pool.Begin(ctx)
}

// WithAdvisoryLock runs fn while holding a session-scoped Postgres advisory
// lock derived from keyHash. The lock is acquired and released on a single
// dedicated connection so it is properly scoped to one session, per
// Postgres's advisory-lock semantics.
func (db *Database) WithAdvisoryLock(ctx context.Context, keyHash int32, fn func(ctx context.Context) error) error {
	conn, err := db.Pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("advisory lock: acquire connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "SELECT pg_advisory_lock($1)", keyHash); err != nil {
		return fmt.Errorf("advisory lock: acquire lock: %w", err)
	}
	defer conn.Exec(ctx, "SELECT pg_advisory_unlock($1)", keyHash)

	return fn(ctx)
}
