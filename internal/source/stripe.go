// Package source adapts the stripe-go client library to the narrow
// Fetcher/Lister surfaces the sync engine's core components need,
// keeping the vendor SDK's types out of the Persistence Gateway and
// Entity Upserter.
package source

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"

	"github.com/supabase/stripe-sync-engine-go/internal/entities"
	"github.com/supabase/stripe-sync-engine-go/internal/syncerr"
)

// Client wraps a stripe-go client.API, giving the Backfill Engine,
// Entity Upserter, and Managed Endpoint Registry a single account's
// authenticated handle to the source provider. One Client exists per
// account credential.
type Client struct {
	api        *client.API
	apiVersion string
}

// New returns a Client authenticated with apiKey. apiVersion, when
// non-empty, is stamped onto every request's Params so the destination
// tables can be built against a fixed Stripe API schema regardless of
// the vendored library's compiled-in default.
func New(apiKey, apiVersion string) *Client {
	api := &client.API{}
	api.Init(apiKey, nil)
	return &Client{api: api, apiVersion: apiVersion}
}

// API exposes the underlying stripe-go client for collaborators (the
// Managed Endpoint Registry) that need vendor SDK resource calls this
// package's Fetcher/Lister surface doesn't cover.
func (c *Client) API() *client.API {
	return c.api
}

func (c *Client) params(accountID string) *stripe.Params {
	p := &stripe.Params{Context: context.Background()}
	if c.apiVersion != "" {
		p.StripeVersion = c.apiVersion
	}
	if accountID != "" {
		p.SetStripeAccount(accountID)
	}
	return p
}

func (c *Client) listParams(accountID string, pageSize int64, startingAfter string) stripe.ListParams {
	// Single stops the iterator at one page: without it stripe-go's List
	// auto-paginates across the whole result set internally, so the
	// every-100-items checkpoint in the Backfill Engine would never fire
	// and the returned has_more/starting_after would be dead.
	lp := stripe.ListParams{Context: context.Background(), Limit: stripe.Int64(pageSize), Single: true}
	if c.apiVersion != "" {
		lp.StripeVersion = c.apiVersion
	}
	if accountID != "" {
		lp.SetStripeAccount(accountID)
	}
	if startingAfter != "" {
		lp.StartingAfter = stripe.String(startingAfter)
	}
	return lp
}

// FetchByID implements entities.Fetcher: retrieve a single object of
// kind by id, used for related-entity backfill and webhook revalidation.
func (c *Client) FetchByID(ctx context.Context, kind, id, accountID string) (json.RawMessage, error) {
	opts := c.params(accountID)
	opts.Context = ctx

	var obj any
	var err error
	switch kind {
	case entities.KindCustomer:
		obj, err = c.api.Customers.Get(id, &stripe.CustomerParams{Params: *opts})
	case entities.KindProduct:
		obj, err = c.api.Products.Get(id, &stripe.ProductParams{Params: *opts})
	case entities.KindPrice:
		obj, err = c.api.Prices.Get(id, &stripe.PriceParams{Params: *opts})
	case entities.KindPlan:
		obj, err = c.api.Plans.Get(id, &stripe.PlanParams{Params: *opts})
	case entities.KindSubscription:
		obj, err = c.api.Subscriptions.Get(id, &stripe.SubscriptionParams{Params: *opts})
	case entities.KindSubscriptionSchedule:
		obj, err = c.api.SubscriptionSchedules.Get(id, &stripe.SubscriptionScheduleParams{Params: *opts})
	case entities.KindInvoice:
		obj, err = c.api.Invoices.Get(id, &stripe.InvoiceParams{Params: *opts})
	case entities.KindCharge:
		obj, err = c.api.Charges.Get(id, &stripe.ChargeParams{Params: *opts})
	case entities.KindDispute:
		obj, err = c.api.Disputes.Get(id, &stripe.DisputeParams{Params: *opts})
	case entities.KindPaymentIntent:
		obj, err = c.api.PaymentIntents.Get(id, &stripe.PaymentIntentParams{Params: *opts})
	case entities.KindPaymentMethod:
		obj, err = c.api.PaymentMethods.Get(id, &stripe.PaymentMethodParams{Params: *opts})
	case entities.KindSetupIntent:
		obj, err = c.api.SetupIntents.Get(id, &stripe.SetupIntentParams{Params: *opts})
	case entities.KindCreditNote:
		obj, err = c.api.CreditNotes.Get(id, &stripe.CreditNoteParams{Params: *opts})
	case entities.KindCheckoutSession:
		obj, err = c.api.CheckoutSessions.Get(id, &stripe.CheckoutSessionParams{Params: *opts})
	default:
		return nil, fmt.Errorf("source: fetch by id not supported for kind %q", kind)
	}
	if err != nil {
		return nil, &syncerr.SourceApiError{Op: fmt.Sprintf("get %s %s", kind, id), Err: err}
	}
	return json.Marshal(obj)
}

// ListSubItems implements entities.Fetcher: page a sub-resource keyed
// by a parent id (subscription items, invoice lines, charge refunds,
// checkout session line items) one page at a time, reporting has_more
// so the caller can continue.
func (c *Client) ListSubItems(ctx context.Context, kind, parentID, startingAfter string, pageSize int64, accountID string) ([]json.RawMessage, bool, error) {
	lp := c.listParams(accountID, pageSize, startingAfter)
	lp.Context = ctx

	var raws []json.RawMessage
	var hasMore bool
	var iterErr error

	switch kind {
	case "subscription_items":
		it := c.api.SubscriptionItems.List(&stripe.SubscriptionItemListParams{ListParams: lp, Subscription: stripe.String(parentID)})
		for it.Next() {
			b, err := json.Marshal(it.SubscriptionItem())
			if err != nil {
				return nil, false, err
			}
			raws = append(raws, b)
		}
		hasMore = it.SubscriptionItemList().ListMeta.HasMore
		iterErr = it.Err()
	case "invoice_line_items":
		it := c.api.Invoices.ListLines(&stripe.InvoiceListLinesParams{ListParams: lp, Invoice: stripe.String(parentID)})
		for it.Next() {
			b, err := json.Marshal(it.LineItem())
			if err != nil {
				return nil, false, err
			}
			raws = append(raws, b)
		}
		hasMore = it.InvoiceLineItemList().ListMeta.HasMore
		iterErr = it.Err()
	case "refunds":
		it := c.api.Refunds.List(&stripe.RefundListParams{ListParams: lp, Charge: stripe.String(parentID)})
		for it.Next() {
			b, err := json.Marshal(it.Refund())
			if err != nil {
				return nil, false, err
			}
			raws = append(raws, b)
		}
		hasMore = it.RefundList().ListMeta.HasMore
		iterErr = it.Err()
	case "checkout_session_line_items":
		it := c.api.CheckoutSessions.ListLineItems(&stripe.CheckoutSessionListLineItemsParams{ListParams: lp, Session: stripe.String(parentID)})
		for it.Next() {
			b, err := json.Marshal(it.LineItem())
			if err != nil {
				return nil, false, err
			}
			raws = append(raws, b)
		}
		hasMore = it.LineItemList().ListMeta.HasMore
		iterErr = it.Err()
	default:
		return nil, false, fmt.Errorf("source: list sub items not supported for kind %q", kind)
	}

	if iterErr != nil {
		return nil, false, &syncerr.SourceApiError{Op: fmt.Sprintf("list %s for %s", kind, parentID), Err: iterErr}
	}
	return raws, hasMore, nil
}
