package entities

import (
	"context"
	"encoding/json"
	"time"
)

type setupIntentUpserter struct{}

func (setupIntentUpserter) Kind() string { return KindSetupIntent }

func (setupIntentUpserter) Upsert(ctx context.Context, gw Gateway, src Fetcher, accountID string, raw []json.RawMessage, opts Options, syncedAt time.Time) error {
	records, err := toRecords(raw)
	if err != nil {
		return err
	}
	_, err = gw.Upsert(ctx, KindSetupIntent, accountID, records, syncedAt)
	return err
}
