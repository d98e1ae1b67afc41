package entities

import (
	"context"
	"encoding/json"
	"time"
)

// creditNoteUpserter backfills the referenced customer/invoice.
type creditNoteUpserter struct{}

func (creditNoteUpserter) Kind() string { return KindCreditNote }

type creditNoteRef struct {
	Customer refID `json:"customer"`
	Invoice  refID `json:"invoice"`
}

func (creditNoteUpserter) Upsert(ctx context.Context, gw Gateway, src Fetcher, accountID string, raw []json.RawMessage, opts Options, syncedAt time.Time) error {
	var custIDs, invIDs []string
	for _, r := range raw {
		var c creditNoteRef
		if err := json.Unmarshal(r, &c); err != nil {
			continue
		}
		if c.Customer.id() != "" {
			custIDs = append(custIDs, c.Customer.id())
		}
		if c.Invoice.id() != "" {
			invIDs = append(invIDs, c.Invoice.id())
		}
	}
	if err := backfillRelated(ctx, gw, src, defaultRegistry, KindCustomer, accountID, custIDs, opts, syncedAt); err != nil {
		return err
	}
	if err := backfillRelated(ctx, gw, src, defaultRegistry, KindInvoice, accountID, invIDs, opts, syncedAt); err != nil {
		return err
	}

	records, err := toRecords(raw)
	if err != nil {
		return err
	}
	_, err = gw.Upsert(ctx, KindCreditNote, accountID, records, syncedAt)
	return err
}
