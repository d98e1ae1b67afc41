package source

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/stripe/stripe-go/v76"

	"github.com/supabase/stripe-sync-engine-go/internal/syncerr"
)

// List implements the Backfill Engine's Lister: one page of a
// top-level entity kind, optionally filtered to objects created at or
// after createdGte (spec §4.5 cursor semantics; 0 means no filter).
// Checkout sessions are listed without the created filter.
func (c *Client) List(ctx context.Context, kind string, createdGte int64, startingAfter string, pageSize int64, accountID string) ([]json.RawMessage, bool, error) {
	lp := c.listParams(accountID, pageSize, startingAfter)
	lp.Context = ctx

	var raws []json.RawMessage
	var hasMore bool
	var iterErr error

	switch kind {
	case "customers":
		p := &stripe.CustomerListParams{ListParams: lp}
		setCreatedGte(&p.Created, createdGte)
		it := c.api.Customers.List(p)
		for it.Next() {
			raws = append(raws, marshalOrNil(it.Customer()))
		}
		hasMore = it.CustomerList().ListMeta.HasMore
		iterErr = it.Err()
	case "products":
		p := &stripe.ProductListParams{ListParams: lp}
		setCreatedGte(&p.Created, createdGte)
		it := c.api.Products.List(p)
		for it.Next() {
			raws = append(raws, marshalOrNil(it.Product()))
		}
		hasMore = it.ProductList().ListMeta.HasMore
		iterErr = it.Err()
	case "prices":
		p := &stripe.PriceListParams{ListParams: lp}
		setCreatedGte(&p.Created, createdGte)
		it := c.api.Prices.List(p)
		for it.Next() {
			raws = append(raws, marshalOrNil(it.Price()))
		}
		hasMore = it.PriceList().ListMeta.HasMore
		iterErr = it.Err()
	case "plans":
		p := &stripe.PlanListParams{ListParams: lp}
		setCreatedGte(&p.Created, createdGte)
		it := c.api.Plans.List(p)
		for it.Next() {
			raws = append(raws, marshalOrNil(it.Plan()))
		}
		hasMore = it.PlanList().ListMeta.HasMore
		iterErr = it.Err()
	case "subscriptions":
		p := &stripe.SubscriptionListParams{ListParams: lp, Status: stripe.String("all")}
		setCreatedGte(&p.Created, createdGte)
		it := c.api.Subscriptions.List(p)
		for it.Next() {
			raws = append(raws, marshalOrNil(it.Subscription()))
		}
		hasMore = it.SubscriptionList().ListMeta.HasMore
		iterErr = it.Err()
	case "subscription_schedules":
		p := &stripe.SubscriptionScheduleListParams{ListParams: lp}
		setCreatedGte(&p.Created, createdGte)
		it := c.api.SubscriptionSchedules.List(p)
		for it.Next() {
			raws = append(raws, marshalOrNil(it.SubscriptionSchedule()))
		}
		hasMore = it.SubscriptionScheduleList().ListMeta.HasMore
		iterErr = it.Err()
	case "invoices":
		p := &stripe.InvoiceListParams{ListParams: lp}
		setCreatedGte(&p.Created, createdGte)
		it := c.api.Invoices.List(p)
		for it.Next() {
			raws = append(raws, marshalOrNil(it.Invoice()))
		}
		hasMore = it.InvoiceList().ListMeta.HasMore
		iterErr = it.Err()
	case "charges":
		p := &stripe.ChargeListParams{ListParams: lp}
		setCreatedGte(&p.Created, createdGte)
		it := c.api.Charges.List(p)
		for it.Next() {
			raws = append(raws, marshalOrNil(it.Charge()))
		}
		hasMore = it.ChargeList().ListMeta.HasMore
		iterErr = it.Err()
	case "disputes":
		p := &stripe.DisputeListParams{ListParams: lp}
		setCreatedGte(&p.Created, createdGte)
		it := c.api.Disputes.List(p)
		for it.Next() {
			raws = append(raws, marshalOrNil(it.Dispute()))
		}
		hasMore = it.DisputeList().ListMeta.HasMore
		iterErr = it.Err()
	case "payment_intents":
		p := &stripe.PaymentIntentListParams{ListParams: lp}
		setCreatedGte(&p.Created, createdGte)
		it := c.api.PaymentIntents.List(p)
		for it.Next() {
			raws = append(raws, marshalOrNil(it.PaymentIntent()))
		}
		hasMore = it.PaymentIntentList().ListMeta.HasMore
		iterErr = it.Err()
	case "setup_intents":
		p := &stripe.SetupIntentListParams{ListParams: lp}
		setCreatedGte(&p.Created, createdGte)
		it := c.api.SetupIntents.List(p)
		for it.Next() {
			raws = append(raws, marshalOrNil(it.SetupIntent()))
		}
		hasMore = it.SetupIntentList().ListMeta.HasMore
		iterErr = it.Err()
	case "credit_notes":
		p := &stripe.CreditNoteListParams{ListParams: lp}
		setCreatedGte(&p.Created, createdGte)
		it := c.api.CreditNotes.List(p)
		for it.Next() {
			raws = append(raws, marshalOrNil(it.CreditNote()))
		}
		hasMore = it.CreditNoteList().ListMeta.HasMore
		iterErr = it.Err()
	case "checkout_sessions":
		p := &stripe.CheckoutSessionListParams{ListParams: lp}
		it := c.api.CheckoutSessions.List(p)
		for it.Next() {
			raws = append(raws, marshalOrNil(it.CheckoutSession()))
		}
		hasMore = it.CheckoutSessionList().ListMeta.HasMore
		iterErr = it.Err()
	default:
		return nil, false, fmt.Errorf("source: list not supported for kind %q", kind)
	}

	if iterErr != nil {
		return nil, false, &syncerr.SourceApiError{Op: fmt.Sprintf("list %s", kind), Err: iterErr}
	}
	return raws, hasMore, nil
}

// ListByParent pages a kind enumerated per parent id — payment methods
// and tax ids are listed per customer, never globally (spec §6 "For
// kinds requiring per-parent enumeration").
func (c *Client) ListByParent(ctx context.Context, kind, parentID, startingAfter string, pageSize int64, accountID string) ([]json.RawMessage, bool, error) {
	lp := c.listParams(accountID, pageSize, startingAfter)
	lp.Context = ctx

	var raws []json.RawMessage
	var hasMore bool
	var iterErr error

	switch kind {
	case "payment_methods":
		it := c.api.PaymentMethods.List(&stripe.PaymentMethodListParams{ListParams: lp, Customer: stripe.String(parentID)})
		for it.Next() {
			raws = append(raws, marshalOrNil(it.PaymentMethod()))
		}
		hasMore = it.PaymentMethodList().ListMeta.HasMore
		iterErr = it.Err()
	case "tax_ids":
		it := c.api.TaxIDs.List(&stripe.TaxIDListParams{ListParams: lp, Customer: stripe.String(parentID)})
		for it.Next() {
			raws = append(raws, marshalOrNil(it.TaxID()))
		}
		hasMore = it.TaxIDList().ListMeta.HasMore
		iterErr = it.Err()
	default:
		return nil, false, fmt.Errorf("source: list by parent not supported for kind %q", kind)
	}

	if iterErr != nil {
		return nil, false, &syncerr.SourceApiError{Op: fmt.Sprintf("list %s for %s", kind, parentID), Err: iterErr}
	}
	return raws, hasMore, nil
}

func setCreatedGte(created **stripe.RangeQueryParams, gte int64) {
	if gte <= 0 {
		return
	}
	*created = &stripe.RangeQueryParams{GreaterThanOrEqual: gte}
}

func marshalOrNil(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return b
}
