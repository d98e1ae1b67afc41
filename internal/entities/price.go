package entities

import (
	"context"
	"encoding/json"
	"time"
)

// priceUpserter backfills the referenced product before persisting
// (spec §9 DAG edge price -> product) so a price webhook arriving
// before its product's never leaves a dangling reference.
type priceUpserter struct{}

func (priceUpserter) Kind() string { return KindPrice }

type priceRef struct {
	Product refID `json:"product"`
}

func (priceUpserter) Upsert(ctx context.Context, gw Gateway, src Fetcher, accountID string, raw []json.RawMessage, opts Options, syncedAt time.Time) error {
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
	_, err = gw.Upsert(ctx, KindPrice, accountID, records, syncedAt)
	return err
}

func (priceUpserter) Delete(ctx context.Context, gw Gateway, id, accountID string) error {
	_, err := gw.Delete(ctx, KindPrice, id, accountID)
	return err
}

// refID decodes a Stripe-style field that is either an expanded object
// ({"id": "..."}) or a bare id string, so upserters can read the
// referenced id regardless of expansion depth.
type refID struct {
	raw string
	obj struct {
		ID string `json:"id"`
	}
}

func (r *refID) UnmarshalJSON(b []byte) error {
	if len(b) == 0 || string(b) == "null" {
		return nil
	}
	if b[0] == '"' {
		return json.Unmarshal(b, &r.raw)
	}
	return json.Unmarshal(b, &r.obj)
}

func (r refID) id() string {
	if r.raw != "" {
		return r.raw
	}
	return r.obj.ID
}
