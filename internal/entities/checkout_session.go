package entities

import (
	"context"
	"encoding/json"
	"time"

	"github.com/supabase/stripe-sync-engine-go/pkg/database"
)

// checkoutSessionUpserter persists the session, then always fetches
// its line items (a separate API call, not embedded in the session
// payload) and stores them in a companion table keyed by session id
// (spec §4.2).
type checkoutSessionUpserter struct{}

func (checkoutSessionUpserter) Kind() string { return KindCheckoutSession }

type checkoutSessionPayload struct {
	ID      string `json:"id"`
	Created int64  `json:"created"`
}

func (checkoutSessionUpserter) Upsert(ctx context.Context, gw Gateway, src Fetcher, accountID string, raw []json.RawMessage, opts Options, syncedAt time.Time) error {
	records, err := toRecords(raw)
	if err != nil {
		return err
	}
	if _, err := gw.Upsert(ctx, KindCheckoutSession, accountID, records, syncedAt); err != nil {
		return err
	}

	for _, r := range raw {
		var sess checkoutSessionPayload
		if err := json.Unmarshal(r, &sess); err != nil {
			return err
		}
		items, err := fetchAllSubItems(ctx, src, "checkout_session_line_items", sess.ID, opts.PageSize, accountID)
		if err != nil {
			return err
		}
		if len(items) == 0 {
			continue
		}
		lineRecords := make([]database.Record, 0, len(items))
		for _, it := range items {
			var li invoiceLineItem
			if err := json.Unmarshal(it, &li); err != nil {
				return err
			}
			lineRecords = append(lineRecords, database.Record{ID: li.ID, Created: sess.Created, Raw: it})
		}
		if _, err := gw.Upsert(ctx, KindCheckoutSessionItem, accountID, lineRecords, syncedAt); err != nil {
			return err
		}
	}
	return nil
}
