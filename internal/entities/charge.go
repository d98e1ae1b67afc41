package entities

import (
	"context"
	"encoding/json"
	"time"
)

// chargeUpserter expands the refunds sub-list to exhaustion when
// configured and backfills the referenced customer/invoice (spec §4.2,
// §9 DAG edges charge -> customer/invoice).
type chargeUpserter struct{}

func (chargeUpserter) Kind() string { return KindCharge }

type chargePayload struct {
	Customer refID `json:"customer"`
	Invoice  refID `json:"invoice"`
	Refunds  struct {
		HasMore bool `json:"has_more"`
	} `json:"refunds"`
}

func (chargeUpserter) Upsert(ctx context.Context, gw Gateway, src Fetcher, accountID string, raw []json.RawMessage, opts Options, syncedAt time.Time) error {
	var custIDs, invIDs []string

	bodies := make([]json.RawMessage, 0, len(raw))
	for _, r := range raw {
		var c chargePayload
		if err := json.Unmarshal(r, &c); err != nil {
			return err
		}
		if c.Customer.id() != "" {
			custIDs = append(custIDs, c.Customer.id())
		}
		if c.Invoice.id() != "" {
			invIDs = append(invIDs, c.Invoice.id())
		}

		body := r
		if opts.AutoExpandLists && c.Refunds.HasMore {
			var head idCreatedDeleted
			_ = json.Unmarshal(r, &head)
			expanded, err := expandSubList(ctx, src, "refunds", head.ID, opts.PageSize, accountID, nil, true)
			if err != nil {
				return err
			}
			merged, err := mergeRefunds(r, expanded)
			if err != nil {
				return err
			}
			body = merged
		}
		bodies = append(bodies, body)
	}

	if err := backfillRelated(ctx, gw, src, defaultRegistry, KindCustomer, accountID, custIDs, opts, syncedAt); err != nil {
		return err
	}
	if err := backfillRelated(ctx, gw, src, defaultRegistry, KindInvoice, accountID, invIDs, opts, syncedAt); err != nil {
		return err
	}

	dbRecords, err := toRecords(bodies)
	if err != nil {
		return err
	}
	_, err = gw.Upsert(ctx, KindCharge, accountID, dbRecords, syncedAt)
	return err
}

// mergeRefunds replaces a charge payload's refunds.data/has_more with
// the fully-expanded list (spec §4.1 expansion policy: has_more reset
// to false after expansion).
func mergeRefunds(original json.RawMessage, refunds []json.RawMessage) (json.RawMessage, error) {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(original, &m); err != nil {
		return nil, err
	}
	expandedRefunds := map[string]any{
		"data":     refunds,
		"has_more": false,
	}
	body, err := json.Marshal(expandedRefunds)
	if err != nil {
		return nil, err
	}
	m["refunds"] = body
	return json.Marshal(m)
}
