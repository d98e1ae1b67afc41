package entities

import (
	"context"
	"encoding/json"
	"time"
)

type subscriptionScheduleUpserter struct{}

func (subscriptionScheduleUpserter) Kind() string { return KindSubscriptionSchedule }

type subscriptionScheduleRef struct {
	Customer refID `json:"customer"`
}

func (subscriptionScheduleUpserter) Upsert(ctx context.Context, gw Gateway, src Fetcher, accountID string, raw []json.RawMessage, opts Options, syncedAt time.Time) error {
	var custIDs []string
	for _, r := range raw {
		var s subscriptionScheduleRef
		if err := json.Unmarshal(r, &s); err == nil && s.Customer.id() != "" {
			custIDs = append(custIDs, s.Customer.id())
		}
	}
	if err := backfillRelated(ctx, gw, src, defaultRegistry, KindCustomer, accountID, custIDs, opts, syncedAt); err != nil {
		return err
	}

	records, err := toRecords(raw)
	if err != nil {
		return err
	}
	_, err = gw.Upsert(ctx, KindSubscriptionSchedule, accountID, records, syncedAt)
	return err
}
