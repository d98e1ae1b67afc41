package database

import (
	"context"

	"github.com/supabase/stripe-sync-engine-go/internal/syncerr"
)

// SweepMissingEntitlements hard-deletes any active_entitlements row for
// customerID not present in keepIDs (spec §4.2: the event replaces the
// full set, unlike the soft-delete sweep used for subscription items).
func (g *Gateway) SweepMissingEntitlements(ctx context.Context, customerID, accountID string, keepIDs []string) error {
	query := `
		DELETE FROM ` + g.table("active_entitlements") + `
		WHERE _account_id = $1
		  AND _raw_data->>'customer' = $2
		  AND NOT (id = ANY($3::text[]))
	`
	_, err := g.store.Exec(ctx, query, accountID, customerID, keepIDs)
	if err != nil {
		return &syncerr.DbError{Op: "sweep active entitlements", Err: err}
	}
	return nil
}
