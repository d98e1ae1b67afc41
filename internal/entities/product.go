package entities

import (
	"context"
	"encoding/json"
	"time"
)

type productUpserter struct{}

func (productUpserter) Kind() string { return KindProduct }

func (productUpserter) Upsert(ctx context.Context, gw Gateway, src Fetcher, accountID string, raw []json.RawMessage, opts Options, syncedAt time.Time) error {
	records, err := toRecords(raw)
	if err != nil {
		return err
	}
	_, err = gw.Upsert(ctx, KindProduct, accountID, records, syncedAt)
	return err
}

func (productUpserter) Delete(ctx context.Context, gw Gateway, id, accountID string) error {
	_, err := gw.Delete(ctx, KindProduct, id, accountID)
	return err
}
