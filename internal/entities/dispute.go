package entities

import (
	"context"
	"encoding/json"
	"time"
)

// disputeUpserter backfills the referenced charge (spec §9 DAG edge
// dispute -> charge).
type disputeUpserter struct{}

func (disputeUpserter) Kind() string { return KindDispute }

type disputeRef struct {
	Charge refID `json:"charge"`
}

func (disputeUpserter) Upsert(ctx context.Context, gw Gateway, src Fetcher, accountID string, raw []json.RawMessage, opts Options, syncedAt time.Time) error {
	var chargeIDs []string
	for _, r := range raw {
		var d disputeRef
		if err := json.Unmarshal(r, &d); err == nil && d.Charge.id() != "" {
			chargeIDs = append(chargeIDs, d.Charge.id())
		}
	}
	if err := backfillRelated(ctx, gw, src, defaultRegistry, KindCharge, accountID, chargeIDs, opts, syncedAt); err != nil {
		return err
	}

	records, err := toRecords(raw)
	if err != nil {
		return err
	}
	_, err = gw.Upsert(ctx, KindDispute, accountID, records, syncedAt)
	return err
}
