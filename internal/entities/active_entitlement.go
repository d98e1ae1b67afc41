package entities

import (
	"context"
	"encoding/json"
	"time"
)

// activeEntitlementUpserter implements the "replace the set" semantics
// of entitlements.active_entitlement_summary.updated (spec §4.2): the
// event carries the full current set of active entitlements for one
// customer, so anything previously stored for that customer and not
// in the new set must be removed, not soft-deleted.
type activeEntitlementUpserter struct{}

func (activeEntitlementUpserter) Kind() string { return KindActiveEntitlement }

type activeEntitlementSweeper interface {
	SweepMissingEntitlements(ctx context.Context, customerID, accountID string, keepIDs []string) error
}

type entitlementPayload struct {
	ID       string `json:"id"`
	Customer refID  `json:"customer"`
}

func (activeEntitlementUpserter) Upsert(ctx context.Context, gw Gateway, src Fetcher, accountID string, raw []json.RawMessage, opts Options, syncedAt time.Time) error {
	byCustomer := make(map[string][]entitlementPayload)
	for _, r := range raw {
		var e entitlementPayload
		if err := json.Unmarshal(r, &e); err != nil {
			return err
		}
		byCustomer[e.Customer.id()] = append(byCustomer[e.Customer.id()], e)
	}

	if sweeper, ok := gw.(activeEntitlementSweeper); ok {
		for customerID, entitlements := range byCustomer {
			if customerID == "" {
				continue
			}
			keepIDs := make([]string, len(entitlements))
			for i, e := range entitlements {
				keepIDs[i] = e.ID
			}
			if err := sweeper.SweepMissingEntitlements(ctx, customerID, accountID, keepIDs); err != nil {
				return err
			}
		}
	}

	records, err := toRecords(raw)
	if err != nil {
		return err
	}
	_, err = gw.Upsert(ctx, KindActiveEntitlement, accountID, records, syncedAt)
	return err
}
