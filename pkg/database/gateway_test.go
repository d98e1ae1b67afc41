package database

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/supabase/stripe-sync-engine-go/internal/syncerr"
)

// fakeStore is a hand-rolled Store fake, in the teacher's mock-pool style
// (internal/billing/webhooks_test.go's mockPool/mockTx), adapted to the
// real pgx.Row/pgconn.CommandTag types this package's Store interface
// actually returns.
type fakeStore struct {
	queryRowFunc func(ctx context.Context, sql string, args ...any) pgx.Row
	execFunc     func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func (f *fakeStore) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return nil, errors.New("fakeStore: Query not implemented")
}

func (f *fakeStore) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return f.queryRowFunc(ctx, sql, args...)
}

func (f *fakeStore) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return f.execFunc(ctx, sql, args...)
}

func (f *fakeStore) Begin(ctx context.Context) (pgx.Tx, error) {
	return nil, errors.New("fakeStore: Begin not implemented")
}

func (f *fakeStore) WithAdvisoryLock(ctx context.Context, keyHash int32, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

type fakeRow struct {
	scan func(dest ...any) error
}

func (r fakeRow) Scan(dest ...any) error { return r.scan(dest...) }

func TestGatewayUpsertSkipsStaleGuardRejection(t *testing.T) {
	store := &fakeStore{
		queryRowFunc: func(ctx context.Context, sql string, args ...any) pgx.Row {
			return fakeRow{scan: func(dest ...any) error { return pgx.ErrNoRows }}
		},
	}
	gw := NewGateway(store, "stripe")

	written, err := gw.Upsert(context.Background(), "customers", "acct_1", []Record{
		{ID: "cus_1", Raw: json.RawMessage(`{}`)},
	}, time.Now())

	if err != nil {
		t.Fatalf("expected no error on guard rejection, got %v", err)
	}
	if len(written) != 0 {
		t.Fatalf("expected the guard-rejected record to be omitted, got %d", len(written))
	}
}

func TestGatewayUpsertReturnsWrittenRecords(t *testing.T) {
	store := &fakeStore{
		queryRowFunc: func(ctx context.Context, sql string, args ...any) pgx.Row {
			return fakeRow{scan: func(dest ...any) error {
				idPtr := dest[0].(*string)
				*idPtr = "cus_1"
				return nil
			}}
		},
	}
	gw := NewGateway(store, "stripe")

	written, err := gw.Upsert(context.Background(), "customers", "acct_1", []Record{
		{ID: "cus_1", Raw: json.RawMessage(`{}`)},
	}, time.Now())

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(written) != 1 || written[0].ID != "cus_1" {
		t.Fatalf("expected one written record for cus_1, got %+v", written)
	}
}

func TestGatewayUpsertWrapsDbError(t *testing.T) {
	store := &fakeStore{
		queryRowFunc: func(ctx context.Context, sql string, args ...any) pgx.Row {
			return fakeRow{scan: func(dest ...any) error { return errors.New("connection reset") }}
		},
	}
	gw := NewGateway(store, "stripe")

	_, err := gw.Upsert(context.Background(), "customers", "acct_1", []Record{
		{ID: "cus_1", Raw: json.RawMessage(`{}`)},
	}, time.Now())

	if err == nil {
		t.Fatal("expected an error")
	}
	var dbErr *syncerr.DbError
	if !errors.As(err, &dbErr) {
		t.Fatalf("expected a *syncerr.DbError, got %T", err)
	}
}

func TestGatewayDeleteReportsWhetherARowWasRemoved(t *testing.T) {
	store := &fakeStore{
		execFunc: func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
			return pgconn.NewCommandTag("DELETE 1"), nil
		},
	}
	gw := NewGateway(store, "stripe")

	deleted, err := gw.Delete(context.Background(), "products", "prod_1", "acct_1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !deleted {
		t.Fatal("expected deleted to be true")
	}
}

func TestGatewayDeleteNoRowsAffected(t *testing.T) {
	store := &fakeStore{
		execFunc: func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
			return pgconn.NewCommandTag("DELETE 0"), nil
		},
	}
	gw := NewGateway(store, "stripe")

	deleted, err := gw.Delete(context.Background(), "products", "prod_missing", "acct_1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if deleted {
		t.Fatal("expected deleted to be false when no row matched")
	}
}

func TestHashLockKeyIsStableAndKeyDependent(t *testing.T) {
	a := HashLockKey("webhook:acct_1:https://example.com")
	b := HashLockKey("webhook:acct_1:https://example.com")
	c := HashLockKey("webhook:acct_2:https://example.com")

	if a != b {
		t.Fatal("expected the same key to hash to the same value")
	}
	if a == c {
		t.Fatal("expected different keys to hash to different values")
	}
}
