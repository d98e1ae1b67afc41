// Package entities implements the Entity Upserter: one normalizer per
// source entity kind, each translating a raw source payload into the
// Persistence Gateway's opaque Record shape and handling whatever
// secondary effects that kind requires (sub-list expansion,
// related-entity backfill, soft-delete sweeps).
package entities

import (
	"context"
	"encoding/json"
	"time"

	"github.com/supabase/stripe-sync-engine-go/pkg/database"
)

// Entity kind identifiers, used both as dispatch keys and as the
// Persistence Gateway table suffix.
const (
	KindCustomer             = "customers"
	KindProduct              = "products"
	KindPrice                = "prices"
	KindPlan                 = "plans"
	KindSubscription         = "subscriptions"
	KindSubscriptionItem     = "subscription_items"
	KindSubscriptionSchedule = "subscription_schedules"
	KindInvoice              = "invoices"
	KindInvoiceLineItem      = "invoice_line_items"
	KindCharge               = "charges"
	KindDispute              = "disputes"
	KindPaymentIntent        = "payment_intents"
	KindPaymentMethod        = "payment_methods"
	KindSetupIntent          = "setup_intents"
	KindTaxID                = "tax_ids"
	KindCreditNote           = "credit_notes"
	KindCheckoutSession      = "checkout_sessions"
	KindCheckoutSessionItem  = "checkout_session_line_items"
	KindActiveEntitlement    = "active_entitlements"
)

// Options carries the sync-wide toggles that influence how a kind
// normalizes a payload (spec §4.1/§4.2, config AUTO_EXPAND_LISTS /
// BACKFILL_RELATED_ENTITIES).
type Options struct {
	AutoExpandLists         bool
	BackfillRelatedEntities bool
	PageSize                int64
}

// Fetcher is the subset of source-API access the upserters need beyond
// what's in the event payload itself: fetching a single object by id
// (related-entity backfill) and paging a truncated sub-list to
// exhaustion (invoice lines, charge refunds, checkout session items).
type Fetcher interface {
	FetchByID(ctx context.Context, kind, id, accountID string) (json.RawMessage, error)
	ListSubItems(ctx context.Context, kind, parentID, startingAfter string, pageSize int64, accountID string) (items []json.RawMessage, hasMore bool, err error)
}

// Gateway is the Persistence Gateway surface the upserters write
// through; satisfied by *database.Gateway.
type Gateway interface {
	Upsert(ctx context.Context, kind, accountID string, records []database.Record, syncedAt time.Time) ([]database.Record, error)
	Delete(ctx context.Context, kind, id, accountID string) (bool, error)
	FindMissing(ctx context.Context, kind string, ids []string, accountID string) ([]string, error)
}

// Upserter is the shared behavior set every entity kind implements
// (spec §9 "Per-entity upsert multiplicity"): one variant per kind, a
// string-keyed dispatch table routes events to the right one.
type Upserter interface {
	// Kind is this upserter's Persistence Gateway table/Record kind.
	Kind() string
	// Upsert normalizes and persists one or more raw payloads of this
	// kind for accountID, applying expansion/backfill per opts.
	Upsert(ctx context.Context, gw Gateway, src Fetcher, accountID string, raw []json.RawMessage, opts Options, syncedAt time.Time) error
}

// Deleter is implemented by kinds that support a hard delete (as
// opposed to a soft-delete-via-upsert, e.g. subscriptions).
type Deleter interface {
	Delete(ctx context.Context, gw Gateway, id, accountID string) error
}

// Registry maps a kind identifier to its Upserter, used by the Webhook
// Router and Backfill Engine to dispatch without a type switch.
type Registry map[string]Upserter

// defaultRegistry is used internally by upserters that need to recurse
// into a related kind's Upsert during backfill (price -> product,
// invoice -> customer, etc). It never needs to be anything other than
// NewRegistry()'s output, so callers doing related-entity backfill use
// this instead of constructing their own.
var defaultRegistry = NewRegistry()

// NewRegistry builds the default kind -> Upserter table.
func NewRegistry() Registry {
	return Registry{
		KindCustomer:             customerUpserter{},
		KindProduct:              productUpserter{},
		KindPrice:                priceUpserter{},
		KindPlan:                 planUpserter{},
		KindSubscription:         subscriptionUpserter{},
		KindSubscriptionSchedule: subscriptionScheduleUpserter{},
		KindInvoice:              invoiceUpserter{},
		KindCharge:               chargeUpserter{},
		KindDispute:              disputeUpserter{},
		KindPaymentIntent:        paymentIntentUpserter{},
		KindPaymentMethod:        paymentMethodUpserter{},
		KindSetupIntent:          setupIntentUpserter{},
		KindTaxID:                taxIDUpserter{},
		KindCreditNote:           creditNoteUpserter{},
		KindCheckoutSession:      checkoutSessionUpserter{},
		KindActiveEntitlement:    activeEntitlementUpserter{},
	}
}

// toRecords decodes a batch of raw payloads into Records in one pass.
func toRecords(raw []json.RawMessage) ([]database.Record, error) {
	out := make([]database.Record, 0, len(raw))
	for _, r := range raw {
		rec, err := toRecord(r)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// idCreatedDeleted is the shape every source payload has in common;
// decoding just this much is enough to build a database.Record without
// knowing the kind's full field schema (those are opaque per spec §3).
type idCreatedDeleted struct {
	ID      string `json:"id"`
	Created int64  `json:"created"`
	Deleted bool   `json:"deleted"`
}

// toRecord builds the opaque Persistence Gateway Record for one raw
// payload. deleted is taken from the payload's own "deleted" field,
// which Stripe-style APIs set on the "object no longer exists" shape
// (spec §4.2 customer special case); callers needing a different
// deleted semantics (e.g. subscription status) override it.
func toRecord(raw json.RawMessage) (database.Record, error) {
	var head idCreatedDeleted
	if err := json.Unmarshal(raw, &head); err != nil {
		return database.Record{}, err
	}
	return database.Record{
		ID:      head.ID,
		Created: head.Created,
		Deleted: head.Deleted,
		Raw:     raw,
	}, nil
}

// backfillRelated resolves any of refIDs not already present in the
// destination table for refKind, fetching the missing ones from the
// source API and recursively upserting them through reg. This is how
// out-of-order webhook arrival (e.g. invoice before its customer)
// self-heals (spec §9 "Related-entity backfill cycles").
func backfillRelated(ctx context.Context, gw Gateway, src Fetcher, reg Registry, refKind, accountID string, refIDs []string, opts Options, syncedAt time.Time) error {
	if !opts.BackfillRelatedEntities || len(refIDs) == 0 {
		return nil
	}
	missing, err := gw.FindMissing(ctx, refKind, dedupe(refIDs), accountID)
	if err != nil || len(missing) == 0 {
		return err
	}
	up, ok := reg[refKind]
	if !ok {
		return nil
	}
	raws := make([]json.RawMessage, 0, len(missing))
	for _, id := range missing {
		raw, err := src.FetchByID(ctx, refKind, id, accountID)
		if err != nil {
			// The referenced object may genuinely be gone; leave the
			// dangling logical reference per I3 rather than fail the
			// whole upsert.
			continue
		}
		raws = append(raws, raw)
	}
	if len(raws) == 0 {
		return nil
	}
	// Related entities never need further expansion/backfill of their
	// own at this depth; the graph is a finite DAG (spec §9).
	return up.Upsert(ctx, gw, src, accountID, raws, Options{}, syncedAt)
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// expandSubList pages a truncated sub-list (has_more=true) to
// exhaustion via src.ListSubItems and returns every item (spec §4.1
// "Related-entity expansion policy").
func expandSubList(ctx context.Context, src Fetcher, kind, parentID string, pageSize int64, accountID string, first []json.RawMessage, hasMore bool) ([]json.RawMessage, error) {
	items := first
	cursor := lastID(items)
	for hasMore {
		page, more, err := src.ListSubItems(ctx, kind, parentID, cursor, pageSize, accountID)
		if err != nil {
			return items, err
		}
		items = append(items, page...)
		hasMore = more
		if len(page) > 0 {
			cursor = lastID(page)
		} else {
			break
		}
	}
	return items, nil
}

// fetchAllSubItems pages a sub-resource that isn't embedded in the
// parent payload at all (checkout session line items) to exhaustion.
func fetchAllSubItems(ctx context.Context, src Fetcher, kind, parentID string, pageSize int64, accountID string) ([]json.RawMessage, error) {
	first, hasMore, err := src.ListSubItems(ctx, kind, parentID, "", pageSize, accountID)
	if err != nil {
		return nil, err
	}
	return expandSubList(ctx, src, kind, parentID, pageSize, accountID, first, hasMore)
}

func lastID(raws []json.RawMessage) string {
	if len(raws) == 0 {
		return ""
	}
	var tail idCreatedDeleted
	if err := json.Unmarshal(raws[len(raws)-1], &tail); err != nil {
		return ""
	}
	return tail.ID
}
