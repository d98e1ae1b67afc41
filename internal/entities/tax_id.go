package entities

import (
	"context"
	"encoding/json"
	"time"
)

// taxIDUpserter is the one kind the Webhook Router dispatches to a
// Delete on `customer.tax_id.deleted` (spec §4.3), unlike the rest of
// the customer-scoped kinds which are soft-deleted via upsert.
type taxIDUpserter struct{}

func (taxIDUpserter) Kind() string { return KindTaxID }

func (taxIDUpserter) Upsert(ctx context.Context, gw Gateway, src Fetcher, accountID string, raw []json.RawMessage, opts Options, syncedAt time.Time) error {
	records, err := toRecords(raw)
	if err != nil {
		return err
	}
	_, err = gw.Upsert(ctx, KindTaxID, accountID, records, syncedAt)
	return err
}

func (taxIDUpserter) Delete(ctx context.Context, gw Gateway, id, accountID string) error {
	_, err := gw.Delete(ctx, KindTaxID, id, accountID)
	return err
}
