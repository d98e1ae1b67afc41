package database

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/supabase/stripe-sync-engine-go/internal/syncerr"
)

// ManagedWebhook is the local record of a webhook endpoint this system
// registered at the source provider (spec §3).
type ManagedWebhook struct {
	ProviderWebhookID string
	LocalUUID         uuid.UUID
	AccountID         string
	BaseURL           string
	URL               string
	Secret            string
	CreatedAt         time.Time
}

// InsertManagedWebhook persists a newly created managed endpoint. A
// unique-constraint violation on (account_id, base_url) is rethrown as
// DuplicateEndpoint so the caller can re-read and return the winner of
// the race instead of failing the request.
func (g *Gateway) InsertManagedWebhook(ctx context.Context, w ManagedWebhook) error {
	query := `
		INSERT INTO ` + g.schema + `._managed_webhooks
			(provider_webhook_id, local_uuid, account_id, base_url, url, secret, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := g.store.Exec(ctx, query, w.ProviderWebhookID, w.LocalUUID, w.AccountID, w.BaseURL, w.URL, w.Secret, w.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return &syncerr.DuplicateEndpoint{AccountID: w.AccountID, URL: w.BaseURL}
		}
		return &syncerr.DbError{Op: "insert managed webhook", Err: err}
	}
	return nil
}

// FindManagedWebhookByBaseURL looks up a local managed-webhook row by
// its (account_id, base_url) unique key — base_url is stable across
// calls, unlike the full url, which embeds a freshly-minted local uuid
// only on creation.
func (g *Gateway) FindManagedWebhookByBaseURL(ctx context.Context, accountID, baseURL string) (*ManagedWebhook, error) {
	query := `
		SELECT provider_webhook_id, local_uuid, account_id, base_url, url, secret, created_at
		FROM ` + g.schema + `._managed_webhooks
		WHERE account_id = $1 AND base_url = $2
	`
	var w ManagedWebhook
	err := g.store.QueryRow(ctx, query, accountID, baseURL).Scan(
		&w.ProviderWebhookID, &w.LocalUUID, &w.AccountID, &w.BaseURL, &w.URL, &w.Secret, &w.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, &syncerr.DbError{Op: "find managed webhook", Err: err}
	}
	return &w, nil
}

// FindManagedWebhookByUUID looks up a local managed-webhook row by its
// local UUID, used by the Webhook Router to resolve the verification
// secret for an inbound request.
func (g *Gateway) FindManagedWebhookByUUID(ctx context.Context, localUUID uuid.UUID) (*ManagedWebhook, error) {
	query := `
		SELECT provider_webhook_id, local_uuid, account_id, base_url, url, secret, created_at
		FROM ` + g.schema + `._managed_webhooks
		WHERE local_uuid = $1
	`
	var w ManagedWebhook
	err := g.store.QueryRow(ctx, query, localUUID).Scan(
		&w.ProviderWebhookID, &w.LocalUUID, &w.AccountID, &w.BaseURL, &w.URL, &w.Secret, &w.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, &syncerr.DbError{Op: "find managed webhook by uuid", Err: err}
	}
	return &w, nil
}

// DeleteManagedWebhook removes the local row for a managed endpoint.
func (g *Gateway) DeleteManagedWebhook(ctx context.Context, providerWebhookID string) error {
	_, err := g.store.Exec(ctx, `DELETE FROM `+g.schema+`._managed_webhooks WHERE provider_webhook_id = $1`, providerWebhookID)
	if err != nil {
		return &syncerr.DbError{Op: "delete managed webhook", Err: err}
	}
	return nil
}

// ListManagedWebhooks returns all locally-tracked endpoints for an
// account.
func (g *Gateway) ListManagedWebhooks(ctx context.Context, accountID string) ([]ManagedWebhook, error) {
	query := `
		SELECT provider_webhook_id, local_uuid, account_id, base_url, url, secret, created_at
		FROM ` + g.schema + `._managed_webhooks
		WHERE account_id = $1
		ORDER BY created_at
	`
	rows, err := g.store.Query(ctx, query, accountID)
	if err != nil {
		return nil, &syncerr.DbError{Op: "list managed webhooks", Err: err}
	}
	defer rows.Close()

	var out []ManagedWebhook
	for rows.Next() {
		var w ManagedWebhook
		if err := rows.Scan(&w.ProviderWebhookID, &w.LocalUUID, &w.AccountID, &w.BaseURL, &w.URL, &w.Secret, &w.CreatedAt); err != nil {
			return nil, &syncerr.DbError{Op: "list managed webhooks scan", Err: err}
		}
		out = append(out, w)
	}
	return out, rows.Err()
}
