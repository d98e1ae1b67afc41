package entities

import (
	"context"
	"encoding/json"
	"time"

	"github.com/supabase/stripe-sync-engine-go/pkg/database"
)

// invoiceUpserter expands the lines sub-list to exhaustion when
// configured, backfills the referenced customer/subscription, and
// persists the line items into a companion table (spec §4.2).
type invoiceUpserter struct{}

func (invoiceUpserter) Kind() string { return KindInvoice }

type invoicePayload struct {
	ID           string `json:"id"`
	Created      int64  `json:"created"`
	Customer     refID  `json:"customer"`
	Subscription refID  `json:"subscription"`
	Lines        struct {
		Data    []json.RawMessage `json:"data"`
		HasMore bool              `json:"has_more"`
	} `json:"lines"`
}

type invoiceLineItem struct {
	ID string `json:"id"`
}

func (invoiceUpserter) Upsert(ctx context.Context, gw Gateway, src Fetcher, accountID string, raw []json.RawMessage, opts Options, syncedAt time.Time) error {
	var custIDs, subIDs []string
	var allLineRecords []database.Record

	for _, r := range raw {
		var inv invoicePayload
		if err := json.Unmarshal(r, &inv); err != nil {
			return err
		}
		if inv.Customer.id() != "" {
			custIDs = append(custIDs, inv.Customer.id())
		}
		if inv.Subscription.id() != "" {
			subIDs = append(subIDs, inv.Subscription.id())
		}

		lines := inv.Lines.Data
		if opts.AutoExpandLists && inv.Lines.HasMore {
			expanded, err := expandSubList(ctx, src, "invoice_line_items", inv.ID, opts.PageSize, accountID, lines, true)
			if err != nil {
				return err
			}
			lines = expanded
		}
		for _, l := range lines {
			var li invoiceLineItem
			if err := json.Unmarshal(l, &li); err != nil {
				return err
			}
			allLineRecords = append(allLineRecords, database.Record{ID: li.ID, Created: inv.Created, Raw: l})
		}
	}

	if err := backfillRelated(ctx, gw, src, defaultRegistry, KindCustomer, accountID, custIDs, opts, syncedAt); err != nil {
		return err
	}
	if err := backfillRelated(ctx, gw, src, defaultRegistry, KindSubscription, accountID, subIDs, opts, syncedAt); err != nil {
		return err
	}

	records, err := toRecords(raw)
	if err != nil {
		return err
	}
	if _, err := gw.Upsert(ctx, KindInvoice, accountID, records, syncedAt); err != nil {
		return err
	}

	if len(allLineRecords) == 0 {
		return nil
	}
	_, err = gw.Upsert(ctx, KindInvoiceLineItem, accountID, allLineRecords, syncedAt)
	return err
}
