package entities

import (
	"context"
	"encoding/json"
	"time"
)

// planUpserter backfills the referenced product (spec §9 DAG edge
// plan -> product), mirroring priceUpserter.
type planUpserter struct{}

func (planUpserter) Kind() string { return KindPlan }

func (planUpserter) Upsert(ctx context.Context, gw Gateway, src Fetcher, accountID string, raw []json.RawMessage, opts Options, syncedAt time.Time) error {
	var productIDs []string
	for _, r := range raw {
		var p priceRef
		if err := json.Unmarshal(r, &p); err == nil && p.Product.id() != "" {
			productIDs = append(productIDs, p.Product.id())
		}
	}
	if err := backfillRelated(ctx, gw, src, defaultRegistry, KindProduct, accountID, productIDs, opts, syncedAt); err != nil {
		return err
	}

	records, err := toRecords(raw)
	if err != nil {
		return err
	}
	_, err = gw.Upsert(ctx, KindPlan, accountID, records, syncedAt)
	return err
}

func (planUpserter) Delete(ctx context.Context, gw Gateway, id, accountID string) error {
	_, err := gw.Delete(ctx, KindPlan, id, accountID)
	return err
}
