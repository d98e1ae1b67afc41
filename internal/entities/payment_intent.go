package entities

import (
	"context"
	"encoding/json"
	"time"
)

// paymentIntentUpserter backfills the referenced customer/invoice
// (spec §9 DAG edges payment_intent -> customer/invoice).
type paymentIntentUpserter struct{}

func (paymentIntentUpserter) Kind() string { return KindPaymentIntent }

type paymentIntentRef struct {
	Customer refID `json:"customer"`
	Invoice  refID `json:"invoice"`
}

func (paymentIntentUpserter) Upsert(ctx context.Context, gw Gateway, src Fetcher, accountID string, raw []json.RawMessage, opts Options, syncedAt time.Time) error {
	var custIDs, invIDs []string
	for _, r := range raw {
		var p paymentIntentRef
		if err := json.Unmarshal(r, &p); err != nil {
			continue
		}
		if p.Customer.id() != "" {
			custIDs = append(custIDs, p.Customer.id())
		}
		if p.Invoice.id() != "" {
			invIDs = append(invIDs, p.Invoice.id())
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
	_, err = gw.Upsert(ctx, KindPaymentIntent, accountID, records, syncedAt)
	return err
}
