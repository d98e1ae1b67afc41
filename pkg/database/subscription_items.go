package database

import (
	"context"

	"github.com/supabase/stripe-sync-engine-go/internal/syncerr"
)

// SweepMissingSubscriptionItems marks deleted=true on every
// subscription_items row belonging to subscriptionID whose id is not
// in keepIDs (spec §4.2). An empty keepIDs sweeps every row for the
// subscription, which is correct: a subscription with zero current
// items has no items left to keep.
func (g *Gateway) SweepMissingSubscriptionItems(ctx context.Context, subscriptionID, accountID string, keepIDs []string) error {
	query := `
		UPDATE ` + g.table("subscription_items") + `
		SET deleted = true, _updated_at = now()
		WHERE _account_id = $1
		  AND _raw_data->>'subscription' = $2
		  AND NOT (id = ANY($3::text[]))
		  AND deleted = false
	`
	_, err := g.store.Exec(ctx, query, accountID, subscriptionID, keepIDs)
	if err != nil {
		return &syncerr.DbError{Op: "sweep subscription items", Err: err}
	}
	return nil
}
