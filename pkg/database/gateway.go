package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/supabase/stripe-sync-engine-go/internal/syncerr"
)

// Record is the normalized shape the Entity Upserter hands to the
// Persistence Gateway for one source object. Per-kind field schemas are
// treated as opaque projections of Raw; Gateway only needs the columns
// that participate in cursoring, soft-delete, and freshness guarding.
type Record struct {
	ID      string
	Created int64 // unix seconds; 0 if the kind has no creation timestamp
	Deleted bool
	Raw     json.RawMessage
}

// Gateway is the Persistence Gateway (spec §4.1): typed access to the
// destination database guarded by a last-synced-at freshness check.
type Gateway struct {
	store  Store
	schema string
}

// NewGateway constructs a Persistence Gateway over store, writing to
// tables under schema.
func NewGateway(store Store, schema string) *Gateway {
	if schema == "" {
		schema = "stripe"
	}
	return &Gateway{store: store, schema: schema}
}

func (g *Gateway) table(kind string) string {
	return fmt.Sprintf("%s.%s", g.schema, kind)
}

// Upsert inserts or updates rows keyed by (id, account_id). The write is
// only applied when the existing row's _last_synced_at is NULL or
// strictly older than syncedAt (I2/P2/P4); otherwise the row is left
// untouched and is omitted from the returned slice.
func (g *Gateway) Upsert(ctx context.Context, kind, accountID string, records []Record, syncedAt time.Time) ([]Record, error) {
	if len(records) == 0 {
		return nil, nil
	}

	written := make([]Record, 0, len(records))
	query := fmt.Sprintf(`
		INSERT INTO %s (id, _account_id, _raw_data, _last_synced_at, _updated_at, created, deleted)
		VALUES ($1, $2, $3, $4, now(), $5, $6)
		ON CONFLICT (id, _account_id) DO UPDATE SET
			_raw_data = EXCLUDED._raw_data,
			_last_synced_at = EXCLUDED._last_synced_at,
			_updated_at = now(),
			created = EXCLUDED.created,
			deleted = EXCLUDED.deleted
		WHERE %s._last_synced_at IS NULL OR %s._last_synced_at < EXCLUDED._last_synced_at
		RETURNING id
	`, g.table(kind), g.table(kind), g.table(kind))

	for _, rec := range records {
		var writtenID string
		var created *int64
		if rec.Created != 0 {
			created = &rec.Created
		}
		err := g.store.QueryRow(ctx, query, rec.ID, accountID, rec.Raw, syncedAt, created, rec.Deleted).Scan(&writtenID)
		if errors.Is(err, pgx.ErrNoRows) {
			// Guard rejected the write: existing row is fresher. Not an error.
			continue
		}
		if err != nil {
			return written, &syncerr.DbError{Op: fmt.Sprintf("upsert %s", kind), Err: err}
		}
		written = append(written, rec)
	}

	return written, nil
}

// Delete removes a single row by (id, account_id) and reports whether a
// row was actually removed.
func (g *Gateway) Delete(ctx context.Context, kind, id, accountID string) (bool, error) {
	query := fmt.Sprintf(`DELETE FROM %s WHERE id = $1 AND _account_id = $2`, g.table(kind))
	tag, err := g.store.Exec(ctx, query, id, accountID)
	if err != nil {
		return false, &syncerr.DbError{Op: fmt.Sprintf("delete %s", kind), Err: err}
	}
	return tag.RowsAffected() > 0, nil
}

// FindMissing returns the subset of ids not present in kind's table for
// accountID, used by the Entity Upserter to decide which related
// entities must be fetched from the source API.
func (g *Gateway) FindMissing(ctx context.Context, kind string, ids []string, accountID string) ([]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	query := fmt.Sprintf(`
		SELECT candidate FROM unnest($1::text[]) AS candidate
		WHERE NOT EXISTS (
			SELECT 1 FROM %s WHERE id = candidate AND _account_id = $2
		)
	`, g.table(kind))

	rows, err := g.store.Query(ctx, query, ids, accountID)
	if err != nil {
		return nil, &syncerr.DbError{Op: fmt.Sprintf("find_missing %s", kind), Err: err}
	}
	defer rows.Close()

	var missing []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, &syncerr.DbError{Op: fmt.Sprintf("find_missing %s scan", kind), Err: err}
		}
		missing = append(missing, id)
	}
	if err := rows.Err(); err != nil {
		return nil, &syncerr.DbError{Op: fmt.Sprintf("find_missing %s rows", kind), Err: err}
	}
	return missing, nil
}

// WithAdvisoryLock serializes fn across processes using a 32-bit signed
// integer lock derived from a stable string key.
func (g *Gateway) WithAdvisoryLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	return g.store.WithAdvisoryLock(ctx, HashLockKey(key), fn)
}

// HashLockKey derives a stable 32-bit signed integer from an arbitrary
// string for use with Postgres advisory locks.
func HashLockKey(key string) int32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int32(h.Sum32())
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
