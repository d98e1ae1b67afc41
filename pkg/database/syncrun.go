package database

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/supabase/stripe-sync-engine-go/internal/syncerr"
)

// Run statuses (spec §3).
const (
	RunStatusRunning  = "running"
	RunStatusComplete = "complete"
	RunStatusError    = "error"

	ObjectStatusPending  = "pending"
	ObjectStatusRunning  = "running"
	ObjectStatusComplete = "complete"
	ObjectStatusError    = "error"
)

// SyncRun is one top-level backfill execution for an account (spec §3).
type SyncRun struct {
	AccountID     string
	StartedAt     time.Time
	Status        string
	TriggeredBy   string
	MaxConcurrent int
	CompletedAt   *time.Time
	ErrorMessage  *string
}

// ObjectRun is one entity kind's unit of work inside a SyncRun (spec §3).
type ObjectRun struct {
	AccountID    string
	RunStartedAt time.Time
	Object       string
	Status       string
	ProcessedCount int
	Cursor       *int64
	ErrorMessage *string
	UpdatedAt    time.Time
}

// GetOrCreateSyncRun returns the account's currently-running sync run if
// one exists (I4), otherwise creates a new one. The partial unique index
// on (account_id) WHERE status = 'running' is the backstop against two
// concurrent callers both inserting a running row; on conflict we re-read
// the winner.
func (g *Gateway) GetOrCreateSyncRun(ctx context.Context, accountID, triggeredBy string, maxConcurrent int) (*SyncRun, error) {
	if run, err := g.GetActiveSyncRun(ctx, accountID); err != nil {
		return nil, err
	} else if run != nil {
		return run, nil
	}

	query := `
		INSERT INTO ` + g.schema + `._sync_run (account_id, started_at, status, triggered_by, max_concurrent)
		VALUES ($1, now(), 'running', $2, $3)
		ON CONFLICT (account_id) WHERE status = 'running' DO NOTHING
		RETURNING account_id, started_at, status, triggered_by, max_concurrent, completed_at, error_message
	`
	var run SyncRun
	err := g.store.QueryRow(ctx, query, accountID, triggeredBy, maxConcurrent).Scan(
		&run.AccountID, &run.StartedAt, &run.Status, &run.TriggeredBy, &run.MaxConcurrent, &run.CompletedAt, &run.ErrorMessage,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		// Lost the race; the other caller's run is now active.
		active, err2 := g.GetActiveSyncRun(ctx, accountID)
		if err2 != nil {
			return nil, err2
		}
		if active == nil {
			return nil, &syncerr.DbError{Op: "get_or_create_sync_run", Err: errors.New("no active run after conflict")}
		}
		return active, nil
	}
	if err != nil {
		return nil, &syncerr.DbError{Op: "get_or_create_sync_run", Err: err}
	}
	return &run, nil
}

// GetActiveSyncRun returns the account's running sync run, if any.
func (g *Gateway) GetActiveSyncRun(ctx context.Context, accountID string) (*SyncRun, error) {
	query := `
		SELECT account_id, started_at, status, triggered_by, max_concurrent, completed_at, error_message
		FROM ` + g.schema + `._sync_run
		WHERE account_id = $1 AND status = 'running'
	`
	var run SyncRun
	err := g.store.QueryRow(ctx, query, accountID).Scan(
		&run.AccountID, &run.StartedAt, &run.Status, &run.TriggeredBy, &run.MaxConcurrent, &run.CompletedAt, &run.ErrorMessage,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, &syncerr.DbError{Op: "get_active_sync_run", Err: err}
	}
	return &run, nil
}

// CompleteSyncRun transitions a run from running to complete.
func (g *Gateway) CompleteSyncRun(ctx context.Context, accountID string, startedAt time.Time) error {
	query := `
		UPDATE ` + g.schema + `._sync_run
		SET status = 'complete', completed_at = now()
		WHERE account_id = $1 AND started_at = $2 AND status = 'running'
	`
	_, err := g.store.Exec(ctx, query, accountID, startedAt)
	if err != nil {
		return &syncerr.DbError{Op: "complete_sync_run", Err: err}
	}
	return nil
}

// FailSyncRun transitions a run from running to error.
func (g *Gateway) FailSyncRun(ctx context.Context, accountID string, startedAt time.Time, errMsg string) error {
	query := `
		UPDATE ` + g.schema + `._sync_run
		SET status = 'error', completed_at = now(), error_message = $3
		WHERE account_id = $1 AND started_at = $2 AND status = 'running'
	`
	_, err := g.store.Exec(ctx, query, accountID, startedAt, errMsg)
	if err != nil {
		return &syncerr.DbError{Op: "fail_sync_run", Err: err}
	}
	return nil
}

// CreateObjectRuns inserts one pending object-run row per kind.
func (g *Gateway) CreateObjectRuns(ctx context.Context, accountID string, startedAt time.Time, kinds []string) error {
	query := `
		INSERT INTO ` + g.schema + `._sync_obj_run (account_id, run_started_at, object, status, processed_count, updated_at)
		VALUES ($1, $2, $3, 'pending', 0, now())
		ON CONFLICT (account_id, run_started_at, object) DO NOTHING
	`
	for _, kind := range kinds {
		if _, err := g.store.Exec(ctx, query, accountID, startedAt, kind); err != nil {
			return &syncerr.DbError{Op: "create_object_runs", Err: err}
		}
	}
	return nil
}

// TryStartObjectSync atomically claims a pending object run, subject to
// the run's concurrency limit. Returns true iff this call claimed it.
func (g *Gateway) TryStartObjectSync(ctx context.Context, accountID string, startedAt time.Time, kind string, maxConcurrent int) (bool, error) {
	query := `
		UPDATE ` + g.schema + `._sync_obj_run AS target
		SET status = 'running', updated_at = now()
		WHERE target.account_id = $1 AND target.run_started_at = $2 AND target.object = $3
		  AND target.status = 'pending'
		  AND (
		    SELECT count(*) FROM ` + g.schema + `._sync_obj_run
		    WHERE account_id = $1 AND run_started_at = $2 AND status = 'running'
		  ) < $4
		RETURNING target.object
	`
	var claimed string
	err := g.store.QueryRow(ctx, query, accountID, startedAt, kind, maxConcurrent).Scan(&claimed)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, &syncerr.DbError{Op: "try_start_object_sync", Err: err}
	}
	return true, nil
}

// IncrementObjectProgress advances the processed-record counter for one
// object run.
func (g *Gateway) IncrementObjectProgress(ctx context.Context, accountID string, startedAt time.Time, kind string, delta int) error {
	query := `
		UPDATE ` + g.schema + `._sync_obj_run
		SET processed_count = processed_count + $4, updated_at = now()
		WHERE account_id = $1 AND run_started_at = $2 AND object = $3
	`
	_, err := g.store.Exec(ctx, query, accountID, startedAt, kind, delta)
	if err != nil {
		return &syncerr.DbError{Op: "increment_object_progress", Err: err}
	}
	return nil
}

// UpdateObjectCursor checkpoints the object run's high-water-mark
// cursor. Cursors are only ever raised (P3), never lowered.
func (g *Gateway) UpdateObjectCursor(ctx context.Context, accountID string, startedAt time.Time, kind string, cursor int64) error {
	query := `
		UPDATE ` + g.schema + `._sync_obj_run
		SET cursor = GREATEST(COALESCE(cursor, 0), $4), updated_at = now()
		WHERE account_id = $1 AND run_started_at = $2 AND object = $3
	`
	_, err := g.store.Exec(ctx, query, accountID, startedAt, kind, cursor)
	if err != nil {
		return &syncerr.DbError{Op: "update_object_cursor", Err: err}
	}
	return nil
}

// CompleteObjectSync marks an object run terminal-complete.
func (g *Gateway) CompleteObjectSync(ctx context.Context, accountID string, startedAt time.Time, kind string) error {
	query := `
		UPDATE ` + g.schema + `._sync_obj_run
		SET status = 'complete', updated_at = now()
		WHERE account_id = $1 AND run_started_at = $2 AND object = $3
	`
	_, err := g.store.Exec(ctx, query, accountID, startedAt, kind)
	if err != nil {
		return &syncerr.DbError{Op: "complete_object_sync", Err: err}
	}
	return nil
}

// FailObjectSync marks an object run terminal-error, preserving its
// checkpointed cursor.
func (g *Gateway) FailObjectSync(ctx context.Context, accountID string, startedAt time.Time, kind, errMsg string) error {
	query := `
		UPDATE ` + g.schema + `._sync_obj_run
		SET status = 'error', error_message = $4, updated_at = now()
		WHERE account_id = $1 AND run_started_at = $2 AND object = $3
	`
	_, err := g.store.Exec(ctx, query, accountID, startedAt, kind, errMsg)
	if err != nil {
		return &syncerr.DbError{Op: "fail_object_sync", Err: err}
	}
	return nil
}

// CountRunningObjects returns how many object runs are currently running
// for a sync run.
func (g *Gateway) CountRunningObjects(ctx context.Context, accountID string, startedAt time.Time) (int, error) {
	query := `
		SELECT count(*) FROM ` + g.schema + `._sync_obj_run
		WHERE account_id = $1 AND run_started_at = $2 AND status = 'running'
	`
	var n int
	if err := g.store.QueryRow(ctx, query, accountID, startedAt).Scan(&n); err != nil {
		return 0, &syncerr.DbError{Op: "count_running_objects", Err: err}
	}
	return n, nil
}

// GetNextPendingObject returns a pending object run to claim, or nil if
// none are pending or the concurrency limit is already saturated.
func (g *Gateway) GetNextPendingObject(ctx context.Context, accountID string, startedAt time.Time, maxConcurrent int) (*ObjectRun, error) {
	running, err := g.CountRunningObjects(ctx, accountID, startedAt)
	if err != nil {
		return nil, err
	}
	if running >= maxConcurrent {
		return nil, nil
	}

	query := `
		SELECT account_id, run_started_at, object, status, processed_count, cursor, error_message, updated_at
		FROM ` + g.schema + `._sync_obj_run
		WHERE account_id = $1 AND run_started_at = $2 AND status = 'pending'
		ORDER BY object
		LIMIT 1
	`
	var obj ObjectRun
	err = g.store.QueryRow(ctx, query, accountID, startedAt).Scan(
		&obj.AccountID, &obj.RunStartedAt, &obj.Object, &obj.Status, &obj.ProcessedCount, &obj.Cursor, &obj.ErrorMessage, &obj.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, &syncerr.DbError{Op: "get_next_pending_object", Err: err}
	}
	return &obj, nil
}

// AreAllObjectsComplete reports whether every object run for a sync run
// has reached a terminal status.
func (g *Gateway) AreAllObjectsComplete(ctx context.Context, accountID string, startedAt time.Time) (bool, error) {
	query := `
		SELECT count(*) FROM ` + g.schema + `._sync_obj_run
		WHERE account_id = $1 AND run_started_at = $2 AND status NOT IN ('complete', 'error')
	`
	var n int
	if err := g.store.QueryRow(ctx, query, accountID, startedAt).Scan(&n); err != nil {
		return false, &syncerr.DbError{Op: "are_all_objects_complete", Err: err}
	}
	return n == 0, nil
}

// GetObjectRun fetches a single object run row.
func (g *Gateway) GetObjectRun(ctx context.Context, accountID string, startedAt time.Time, kind string) (*ObjectRun, error) {
	query := `
		SELECT account_id, run_started_at, object, status, processed_count, cursor, error_message, updated_at
		FROM ` + g.schema + `._sync_obj_run
		WHERE account_id = $1 AND run_started_at = $2 AND object = $3
	`
	var obj ObjectRun
	err := g.store.QueryRow(ctx, query, accountID, startedAt, kind).Scan(
		&obj.AccountID, &obj.RunStartedAt, &obj.Object, &obj.Status, &obj.ProcessedCount, &obj.Cursor, &obj.ErrorMessage, &obj.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, &syncerr.DbError{Op: "get_object_run", Err: err}
	}
	return &obj, nil
}

// LatestCursor returns the last checkpointed cursor for a kind across all
// runs for an account, used to resume incremental backfill (spec §4.5).
func (g *Gateway) LatestCursor(ctx context.Context, accountID, kind string) (*int64, error) {
	query := `
		SELECT cursor FROM ` + g.schema + `._sync_obj_run
		WHERE account_id = $1 AND object = $2 AND cursor IS NOT NULL
		ORDER BY run_started_at DESC
		LIMIT 1
	`
	var cursor int64
	err := g.store.QueryRow(ctx, query, accountID, kind).Scan(&cursor)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, &syncerr.DbError{Op: "latest_cursor", Err: err}
	}
	return &cursor, nil
}

// CancelStaleRuns marks as error any run whose most recently touched
// object run has gone silent for longer than staleInterval, and returns
// how many runs were cancelled.
func (g *Gateway) CancelStaleRuns(ctx context.Context, staleInterval time.Duration) (int, error) {
	query := `
		UPDATE ` + g.schema + `._sync_run r
		SET status = 'error', completed_at = now(), error_message = 'stale run: no progress observed'
		WHERE r.status IN ('running')
		  AND EXISTS (
		    SELECT 1 FROM ` + g.schema + `._sync_obj_run o
		    WHERE o.account_id = r.account_id AND o.run_started_at = r.started_at
		    GROUP BY o.account_id, o.run_started_at
		    HAVING max(o.updated_at) < now() - $1::interval
		  )
	`
	tag, err := g.store.Exec(ctx, query, staleInterval.String())
	if err != nil {
		return 0, &syncerr.DbError{Op: "cancel_stale_runs", Err: err}
	}
	return int(tag.RowsAffected()), nil
}
