// Package endpoint implements the Managed Endpoint Registry: the
// lifecycle of webhook endpoints this system registers at the source
// provider (spec §4.4).
package endpoint

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
	"go.uber.org/zap"

	"github.com/supabase/stripe-sync-engine-go/internal/syncerr"
	"github.com/supabase/stripe-sync-engine-go/pkg/database"
)

// webhookEvents is the fixed event subscription list every managed
// endpoint registers for, mirroring the Webhook Router's dispatch
// table (spec §4.3).
var webhookEvents = []string{
	"customer.created", "customer.updated", "customer.deleted",
	"customer.subscription.created", "customer.subscription.updated", "customer.subscription.deleted",
	"customer.tax_id.created", "customer.tax_id.updated", "customer.tax_id.deleted",
	"invoice.created", "invoice.updated", "invoice.paid", "invoice.payment_failed", "invoice.finalized", "invoice.voided",
	"product.created", "product.updated", "product.deleted",
	"price.created", "price.updated", "price.deleted",
	"plan.created", "plan.updated", "plan.deleted",
	"setup_intent.created", "setup_intent.succeeded", "setup_intent.setup_failed",
	"subscription_schedule.created", "subscription_schedule.updated", "subscription_schedule.released", "subscription_schedule.canceled",
	"payment_method.attached", "payment_method.updated", "payment_method.detached",
	"charge.dispute.created", "charge.dispute.updated", "charge.dispute.closed",
	"charge.succeeded", "charge.failed", "charge.refunded",
	"payment_intent.succeeded", "payment_intent.payment_failed", "payment_intent.canceled",
	"credit_note.created", "credit_note.updated", "credit_note.voided",
	"checkout.session.completed", "checkout.session.expired",
	"entitlements.active_entitlement_summary.updated",
}

// Registry owns find-or-create/delete/list for managed endpoints.
type Registry struct {
	gw     *database.Gateway
	api    *client.API
	logger *zap.Logger
}

// New constructs a Registry.
func New(gw *database.Gateway, api *client.API, logger *zap.Logger) *Registry {
	return &Registry{gw: gw, api: api, logger: logger}
}

// FindOrCreate returns the account's managed endpoint at baseURL,
// creating it at the source provider if none exists yet (spec §4.4).
// Concurrent callers are serialized by a Postgres advisory lock; the
// unique constraint on (account_id, base_url) is the final backstop if two
// processes still race past the lock.
func (r *Registry) FindOrCreate(ctx context.Context, accountID, baseURL string) (*database.ManagedWebhook, error) {
	var result *database.ManagedWebhook

	err := r.gw.WithAdvisoryLock(ctx, "webhook:"+accountID+":"+baseURL, func(ctx context.Context) error {
		if existing, err := r.gw.FindManagedWebhookByBaseURL(ctx, accountID, baseURL); err != nil {
			return err
		} else if existing != nil {
			result = existing
			return nil
		}

		localUUID := uuid.New()
		url := baseURL + "/" + localUUID.String()

		ep, err := r.api.WebhookEndpoints.New(&stripe.WebhookEndpointParams{
			URL:           stripe.String(url),
			EnabledEvents: stripe.StringSlice(webhookEvents),
			Params:        stripe.Params{StripeAccount: stripe.String(accountID)},
		})
		if err != nil {
			return &syncerr.SourceApiError{Op: "create webhook endpoint", Err: err}
		}

		w := database.ManagedWebhook{
			ProviderWebhookID: ep.ID,
			LocalUUID:         localUUID,
			AccountID:         accountID,
			BaseURL:           baseURL,
			URL:               url,
			Secret:            ep.Secret,
		}

		if err := r.gw.InsertManagedWebhook(ctx, w); err != nil {
			var dup *syncerr.DuplicateEndpoint
			if errors.As(err, &dup) {
				// Lost the race after the advisory lock to another
				// process (or a stale row from a previous run); the
				// freshly-created remote endpoint is now orphaned but
				// harmless — re-read and return the winner.
				existing, findErr := r.gw.FindManagedWebhookByBaseURL(ctx, accountID, baseURL)
				if findErr != nil {
					return findErr
				}
				if existing == nil {
					return fmt.Errorf("endpoint: duplicate reported but no row found for %s", baseURL)
				}
				result = existing
				return nil
			}
			return err
		}

		result = &w
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Delete removes a managed endpoint at the source (best-effort) and
// locally (spec §4.4).
func (r *Registry) Delete(ctx context.Context, providerWebhookID string) error {
	if _, err := r.api.WebhookEndpoints.Del(providerWebhookID, nil); err != nil {
		r.logger.Warn("failed to delete remote webhook endpoint; removing local row anyway",
			zap.String("provider_webhook_id", providerWebhookID), zap.Error(err))
	}
	return r.gw.DeleteManagedWebhook(ctx, providerWebhookID)
}

// List returns every managed endpoint local row for accountID.
func (r *Registry) List(ctx context.Context, accountID string) ([]database.ManagedWebhook, error) {
	return r.gw.ListManagedWebhooks(ctx, accountID)
}

// SecretForEndpoint implements webhook.SecretResolver, resolving an
// inbound request's URL-embedded local uuid to the account and secret
// the Webhook Router needs to verify its signature.
func (r *Registry) SecretForEndpoint(ctx context.Context, endpointUUID string) (accountID, secret string, err error) {
	id, err := uuid.Parse(endpointUUID)
	if err != nil {
		return "", "", fmt.Errorf("endpoint: invalid uuid %q: %w", endpointUUID, err)
	}
	w, err := r.gw.FindManagedWebhookByUUID(ctx, id)
	if err != nil {
		return "", "", err
	}
	if w == nil {
		return "", "", fmt.Errorf("endpoint: no managed webhook for uuid %s", endpointUUID)
	}
	return w.AccountID, w.Secret, nil
}
