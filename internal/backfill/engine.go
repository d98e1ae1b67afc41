// Package backfill implements the Backfill Engine: pagination of the
// source list endpoints into the destination database, with per-object
// cursoring and checkpointing (spec §4.5).
package backfill

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/supabase/stripe-sync-engine-go/internal/entities"
	"github.com/supabase/stripe-sync-engine-go/pkg/database"
)

// AllKinds is every entity kind the Backfill Engine can drive from the
// source list API, in the order "all" processes them.
var AllKinds = []string{
	entities.KindCustomer,
	entities.KindProduct,
	entities.KindPrice,
	entities.KindPlan,
	entities.KindSubscription,
	entities.KindSubscriptionSchedule,
	entities.KindInvoice,
	entities.KindCharge,
	entities.KindDispute,
	entities.KindPaymentIntent,
	entities.KindSetupIntent,
	entities.KindCreditNote,
	entities.KindCheckoutSession,
	entities.KindPaymentMethod,
	entities.KindTaxID,
}

// perParentKinds enumerate per parent id rather than globally (spec
// §6): payment methods and tax ids are listed per customer.
var perParentKinds = map[string]bool{
	entities.KindPaymentMethod: true,
	entities.KindTaxID:         true,
}

const perParentConcurrency = 10

// Lister is the source-API surface the Backfill Engine pages through.
type Lister interface {
	List(ctx context.Context, kind string, createdGte int64, startingAfter string, pageSize int64, accountID string) ([]json.RawMessage, bool, error)
	ListByParent(ctx context.Context, kind, parentID, startingAfter string, pageSize int64, accountID string) ([]json.RawMessage, bool, error)
	entities.Fetcher
}

// PageResult is process_next's return shape (spec §4.5).
type PageResult struct {
	Processed    int
	HasMore      bool
	RunStartedAt time.Time
}

// Engine is the Backfill Engine.
type Engine struct {
	gw       *database.Gateway
	src      Lister
	registry entities.Registry
	logger   *zap.Logger
	opts     entities.Options
	maxConcurrent int
}

// Config configures an Engine.
type Config struct {
	AutoExpandLists         bool
	BackfillRelatedEntities bool
	PageSize                int64
	MaxConcurrentObjects    int
}

// New constructs a Backfill Engine.
func New(gw *database.Gateway, src Lister, registry entities.Registry, logger *zap.Logger, cfg Config) *Engine {
	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = 100
	}
	maxConcurrent := cfg.MaxConcurrentObjects
	if maxConcurrent <= 0 {
		maxConcurrent = 5
	}
	return &Engine{
		gw:  gw,
		src: src,
		registry: registry,
		logger:   logger,
		opts: entities.Options{
			AutoExpandLists:         cfg.AutoExpandLists,
			BackfillRelatedEntities: cfg.BackfillRelatedEntities,
			PageSize:                pageSize,
		},
		maxConcurrent: maxConcurrent,
	}
}

// ProcessNext reads and persists one page of kind for accountID,
// joining or creating the current sync run, checkpointing progress and
// cursor, and marking the object/run complete once exhausted (spec
// §4.5).
func (e *Engine) ProcessNext(ctx context.Context, accountID, kind string, createdFilter int64) (PageResult, error) {
	run, err := e.gw.GetOrCreateSyncRun(ctx, accountID, "backfill", e.maxConcurrent)
	if err != nil {
		return PageResult{}, err
	}

	if err := e.gw.CreateObjectRuns(ctx, accountID, run.StartedAt, []string{kind}); err != nil {
		return PageResult{}, err
	}

	obj, err := e.gw.GetObjectRun(ctx, accountID, run.StartedAt, kind)
	if err != nil {
		return PageResult{}, err
	}
	if obj != nil && obj.Status == database.ObjectStatusPending {
		if _, err := e.gw.TryStartObjectSync(ctx, accountID, run.StartedAt, kind, e.maxConcurrent); err != nil {
			return PageResult{}, err
		}
	}

	filter := createdFilter
	if filter == 0 && obj != nil && obj.Cursor != nil {
		filter = *obj.Cursor
	}
	if filter == 0 {
		// This run's own object-run cursor is unset (a fresh run); fall
		// back to the last checkpoint any prior run for this kind left
		// behind, so incremental backfill resumes instead of re-listing
		// from the beginning (spec §3/§4.5).
		latest, err := e.gw.LatestCursor(ctx, accountID, kind)
		if err != nil {
			return PageResult{}, err
		}
		if latest != nil {
			filter = *latest
		}
	}

	result, procErr := e.readAndUpsertPage(ctx, accountID, kind, filter)
	if procErr != nil {
		_ = e.gw.FailObjectSync(ctx, accountID, run.StartedAt, kind, procErr.Error())
		_ = e.gw.FailSyncRun(ctx, accountID, run.StartedAt, procErr.Error())
		return result, procErr
	}

	if !result.HasMore {
		if err := e.gw.CompleteObjectSync(ctx, accountID, run.StartedAt, kind); err != nil {
			return result, err
		}
		allDone, err := e.gw.AreAllObjectsComplete(ctx, accountID, run.StartedAt)
		if err != nil {
			return result, err
		}
		if allDone {
			if err := e.gw.CompleteSyncRun(ctx, accountID, run.StartedAt); err != nil {
				return result, err
			}
		}
	}

	result.RunStartedAt = run.StartedAt
	return result, nil
}

func (e *Engine) readAndUpsertPage(ctx context.Context, accountID, kind string, createdFilter int64) (PageResult, error) {
	run, err := e.gw.GetActiveSyncRun(ctx, accountID)
	if err != nil {
		return PageResult{}, err
	}
	if run == nil {
		return PageResult{}, fmt.Errorf("backfill: no active sync run for account %s", accountID)
	}

	var raws []json.RawMessage
	var hasMore bool

	if perParentKinds[kind] {
		raws, hasMore, err = e.listPerParent(ctx, accountID, kind)
	} else {
		raws, hasMore, err = e.src.List(ctx, kind, createdFilter, "", e.opts.PageSize, accountID)
	}
	if err != nil {
		return PageResult{}, err
	}

	up, ok := e.registry[kind]
	if !ok {
		return PageResult{}, fmt.Errorf("backfill: no upserter registered for kind %q", kind)
	}

	syncedAt := time.Now()
	if err := up.Upsert(ctx, e.gw, e.src, accountID, raws, e.opts, syncedAt); err != nil {
		return PageResult{}, err
	}

	if err := e.gw.IncrementObjectProgress(ctx, accountID, run.StartedAt, kind, len(raws)); err != nil {
		return PageResult{}, err
	}

	pageCursor := maxCreated(raws)
	if pageCursor > createdFilter {
		if err := e.gw.UpdateObjectCursor(ctx, accountID, run.StartedAt, kind, pageCursor); err != nil {
			return PageResult{}, err
		}
	}

	return PageResult{Processed: len(raws), HasMore: hasMore}, nil
}

// listPerParent enumerates parentIDs (customers) with bounded
// concurrency, fetching kind for each (spec §6 "10 parallel workers").
// It returns has_more=false always: per-parent enumeration is treated
// as complete once every known parent has been walked once, since
// there is no single cursor across parents.
func (e *Engine) listPerParent(ctx context.Context, accountID, kind string) ([]json.RawMessage, bool, error) {
	var ids []string
	startingAfter := ""
	for {
		customers, more, err := e.src.List(ctx, entities.KindCustomer, 0, startingAfter, e.opts.PageSize, accountID)
		if err != nil {
			return nil, false, err
		}
		for _, raw := range customers {
			var head struct {
				ID string `json:"id"`
			}
			if err := json.Unmarshal(raw, &head); err == nil {
				ids = append(ids, head.ID)
			}
		}
		if !more || len(customers) == 0 {
			break
		}
		startingAfter = lastIDOf(customers)
	}

	results := make([][]json.RawMessage, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(perParentConcurrency)

	for i, parentID := range ids {
		i, parentID := i, parentID
		g.Go(func() error {
			var page []json.RawMessage
			cursor := ""
			for {
				items, more, err := e.src.ListByParent(gctx, kind, parentID, cursor, e.opts.PageSize, accountID)
				if err != nil {
					return err
				}
				page = append(page, items...)
				if !more || len(items) == 0 {
					break
				}
				cursor = lastIDOf(items)
			}
			results[i] = page
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, false, err
	}

	var all []json.RawMessage
	for _, r := range results {
		all = append(all, r...)
	}
	return all, false, nil
}

func lastIDOf(raws []json.RawMessage) string {
	if len(raws) == 0 {
		return ""
	}
	var head struct {
		ID string `json:"id"`
	}
	_ = json.Unmarshal(raws[len(raws)-1], &head)
	return head.ID
}

func maxCreated(raws []json.RawMessage) int64 {
	var max int64
	for _, r := range raws {
		var head struct {
			Created int64 `json:"created"`
		}
		if err := json.Unmarshal(r, &head); err == nil && head.Created > max {
			max = head.Created
		}
	}
	return max
}

// ProcessUntilDone loops ProcessNext for one kind, or for every kind in
// AllKinds sequentially within a single sync run, until each is
// terminal (spec §4.5).
func (e *Engine) ProcessUntilDone(ctx context.Context, accountID, kind string) error {
	kinds := []string{kind}
	if kind == "all" {
		kinds = AllKinds
	}

	for _, k := range kinds {
		for {
			result, err := e.ProcessNext(ctx, accountID, k, 0)
			if err != nil {
				return err
			}
			e.logger.Info("backfill page processed",
				zap.String("account_id", accountID), zap.String("kind", k),
				zap.Int("processed", result.Processed), zap.Bool("has_more", result.HasMore))
			if !result.HasMore {
				break
			}
		}
	}
	return nil
}

// SyncBackfill is the legacy top-to-bottom pagination path for one
// kind: walks the source's auto-paginated listing start to finish,
// checkpointing the cursor every 100 items and on error (spec §4.5).
func (e *Engine) SyncBackfill(ctx context.Context, accountID, kind string) error {
	run, err := e.gw.GetOrCreateSyncRun(ctx, accountID, "legacy-backfill", e.maxConcurrent)
	if err != nil {
		return err
	}
	if err := e.gw.CreateObjectRuns(ctx, accountID, run.StartedAt, []string{kind}); err != nil {
		return err
	}
	if _, err := e.gw.TryStartObjectSync(ctx, accountID, run.StartedAt, kind, e.maxConcurrent); err != nil {
		return err
	}

	up, ok := e.registry[kind]
	if !ok {
		return fmt.Errorf("backfill: no upserter registered for kind %q", kind)
	}

	var cursor int64
	var processedSinceCheckpoint int
	startingAfter := ""

	for {
		raws, hasMore, err := e.src.List(ctx, kind, 0, startingAfter, e.opts.PageSize, accountID)
		if err != nil {
			_ = e.gw.UpdateObjectCursor(ctx, accountID, run.StartedAt, kind, cursor)
			_ = e.gw.FailObjectSync(ctx, accountID, run.StartedAt, kind, err.Error())
			return err
		}
		if len(raws) == 0 {
			break
		}

		if err := up.Upsert(ctx, e.gw, e.src, accountID, raws, e.opts, time.Now()); err != nil {
			_ = e.gw.UpdateObjectCursor(ctx, accountID, run.StartedAt, kind, cursor)
			_ = e.gw.FailObjectSync(ctx, accountID, run.StartedAt, kind, err.Error())
			return err
		}

		if c := maxCreated(raws); c > cursor {
			cursor = c
		}
		processedSinceCheckpoint += len(raws)
		startingAfter = lastIDOf(raws)

		if processedSinceCheckpoint >= 100 {
			if err := e.gw.UpdateObjectCursor(ctx, accountID, run.StartedAt, kind, cursor); err != nil {
				return err
			}
			if err := e.gw.IncrementObjectProgress(ctx, accountID, run.StartedAt, kind, processedSinceCheckpoint); err != nil {
				return err
			}
			processedSinceCheckpoint = 0
		}

		if !hasMore {
			break
		}
	}

	if processedSinceCheckpoint > 0 {
		if err := e.gw.UpdateObjectCursor(ctx, accountID, run.StartedAt, kind, cursor); err != nil {
			return err
		}
		if err := e.gw.IncrementObjectProgress(ctx, accountID, run.StartedAt, kind, processedSinceCheckpoint); err != nil {
			return err
		}
	}
	if err := e.gw.CompleteObjectSync(ctx, accountID, run.StartedAt, kind); err != nil {
		return err
	}
	if allDone, err := e.gw.AreAllObjectsComplete(ctx, accountID, run.StartedAt); err != nil {
		return err
	} else if allDone {
		return e.gw.CompleteSyncRun(ctx, accountID, run.StartedAt)
	}
	return nil
}
