package entities

import (
	"context"
	"encoding/json"
	"time"
)

type paymentMethodUpserter struct{}

func (paymentMethodUpserter) Kind() string { return KindPaymentMethod }

func (paymentMethodUpserter) Upsert(ctx context.Context, gw Gateway, src Fetcher, accountID string, raw []json.RawMessage, opts Options, syncedAt time.Time) error {
	records, err := toRecords(raw)
	if err != nil {
		return err
	}
	_, err = gw.Upsert(ctx, KindPaymentMethod, accountID, records, syncedAt)
	return err
}
