package entities

import (
	"context"
	"encoding/json"
	"time"

	"github.com/supabase/stripe-sync-engine-go/pkg/database"
)

// subscriptionUpserter persists subscriptions and their enclosed items,
// then soft-deletes any item previously stored for this subscription
// that's no longer present in the current payload (spec §4.2).
type subscriptionUpserter struct{}

func (subscriptionUpserter) Kind() string { return KindSubscription }

type subscriptionPayload struct {
	ID       string `json:"id"`
	Created  int64  `json:"created"`
	Customer refID  `json:"customer"`
	Items    struct {
		Data    []subscriptionItemPayload `json:"data"`
		HasMore bool                      `json:"has_more"`
	} `json:"items"`
}

type subscriptionItemPayload struct {
	ID    string `json:"id"`
	Price struct {
		ID string `json:"id"`
	} `json:"price"`
}

// subscriptionItemSweeper is implemented by *database.Gateway; kept as
// a narrow interface here so entities stays decoupled from the full
// database package surface.
type subscriptionItemSweeper interface {
	SweepMissingSubscriptionItems(ctx context.Context, subscriptionID, accountID string, keepIDs []string) error
}

func (subscriptionUpserter) Upsert(ctx context.Context, gw Gateway, src Fetcher, accountID string, raw []json.RawMessage, opts Options, syncedAt time.Time) error {
	var custIDs []string

	for _, r := range raw {
		var sub subscriptionPayload
		if err := json.Unmarshal(r, &sub); err != nil {
			return err
		}
		if sub.Customer.id() != "" {
			custIDs = append(custIDs, sub.Customer.id())
		}

		items := sub.Items.Data
		if opts.AutoExpandLists && sub.Items.HasMore {
			expanded, err := expandSubList(ctx, src, "subscription_items", sub.ID, opts.PageSize, accountID, nil, true)
			if err != nil {
				return err
			}
			items = items[:0]
			for _, e := range expanded {
				var it subscriptionItemPayload
				if err := json.Unmarshal(e, &it); err == nil {
					items = append(items, it)
				}
			}
		}

		if err := upsertItems(ctx, gw, sub, items, accountID, syncedAt); err != nil {
			return err
		}

		if sweeper, ok := gw.(subscriptionItemSweeper); ok {
			keepIDs := make([]string, len(items))
			for i, it := range items {
				keepIDs[i] = it.ID
			}
			if err := sweeper.SweepMissingSubscriptionItems(ctx, sub.ID, accountID, keepIDs); err != nil {
				return err
			}
		}
	}

	if err := backfillRelated(ctx, gw, src, defaultRegistry, KindCustomer, accountID, custIDs, opts, syncedAt); err != nil {
		return err
	}

	records, err := toRecords(raw)
	if err != nil {
		return err
	}
	_, err = gw.Upsert(ctx, KindSubscription, accountID, records, syncedAt)
	return err
}

// upsertItems flattens one subscription's items into rows in the
// companion subscription_items table, replacing the nested price
// object with its id (spec §4.2 denormalization).
func upsertItems(ctx context.Context, gw Gateway, sub subscriptionPayload, items []subscriptionItemPayload, accountID string, syncedAt time.Time) error {
	if len(items) == 0 {
		return nil
	}
	records := make([]database.Record, 0, len(items))
	for _, it := range items {
		body, err := json.Marshal(map[string]any{
			"id":           it.ID,
			"subscription": sub.ID,
			"price":        it.Price.ID,
			"deleted":      false,
		})
		if err != nil {
			return err
		}
		records = append(records, database.Record{ID: it.ID, Created: sub.Created, Deleted: false, Raw: body})
	}
	_, err := gw.Upsert(ctx, KindSubscriptionItem, accountID, records, syncedAt)
	return err
}
