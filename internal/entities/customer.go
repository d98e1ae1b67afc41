package entities

import (
	"context"
	"encoding/json"
	"time"
)

// customerUpserter handles the "deleted customer" payload shape (spec
// §4.2): when a customer is deleted at the source, later list/webhook
// calls return a bare {id, object, deleted} stub instead of the full
// object. toRecord already tolerates this since it only ever reads
// id/created/deleted off the payload, so no special-casing is needed
// beyond noting it here for the next reader.
type customerUpserter struct{}

func (customerUpserter) Kind() string { return KindCustomer }

func (customerUpserter) Upsert(ctx context.Context, gw Gateway, src Fetcher, accountID string, raw []json.RawMessage, opts Options, syncedAt time.Time) error {
	records, err := toRecords(raw)
	if err != nil {
		return err
	}
	_, err = gw.Upsert(ctx, KindCustomer, accountID, records, syncedAt)
	return err
}
