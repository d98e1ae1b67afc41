// Package webhook implements the Webhook Router: signature
// verification, event envelope parsing, optional revalidation, and
// dispatch to the Entity Upserter (spec §4.3).
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/supabase/stripe-sync-engine-go/internal/entities"
	"github.com/supabase/stripe-sync-engine-go/internal/syncerr"
	"github.com/supabase/stripe-sync-engine-go/pkg/cache"
)

const (
	webhookProcessingTTL = 5 * time.Minute
	webhookProcessedTTL  = 24 * time.Hour
)

// SecretResolver looks up the signing secret for an inbound webhook
// request by the managed endpoint's local uuid (spec §4.3 step 1).
type SecretResolver interface {
	SecretForEndpoint(ctx context.Context, endpointUUID string) (accountID, secret string, err error)
}

// Router is the Webhook Router (spec §4.3).
type Router struct {
	secrets         SecretResolver
	registry        entities.Registry
	gw              entities.Gateway
	fetcher         entities.Fetcher
	logger          *zap.Logger
	tolerance       time.Duration
	opts            entities.Options
	revalidateKinds map[string]bool
	cache           *cache.Cache
}

// WithCache attaches a Redis cache the Router uses to collapse
// literally-concurrent retries of the same event id before they both
// reach the Persistence Gateway's freshness guard. Optional: a nil
// cache (the default) relies on that guard alone.
func (r *Router) WithCache(c *cache.Cache) *Router {
	r.cache = c
	return r
}

// Config configures a Router.
type Config struct {
	ToleranceSeconds int64
	AutoExpandLists  bool
	BackfillRelated  bool
	PageSize         int64
	// RevalidateKinds lists event types that must be refetched from the
	// source API rather than trusted at face value (spec §4.3 step 4).
	RevalidateKinds []string
}

// New constructs a Router.
func New(secrets SecretResolver, registry entities.Registry, gw entities.Gateway, fetcher entities.Fetcher, logger *zap.Logger, cfg Config) *Router {
	tolerance := 300 * time.Second
	if cfg.ToleranceSeconds > 0 {
		tolerance = time.Duration(cfg.ToleranceSeconds) * time.Second
	}
	revalidate := make(map[string]bool, len(cfg.RevalidateKinds))
	for _, k := range cfg.RevalidateKinds {
		revalidate[k] = true
	}
	return &Router{
		secrets:   secrets,
		registry:  registry,
		gw:        gw,
		fetcher:   fetcher,
		logger:    logger,
		tolerance: tolerance,
		opts: entities.Options{
			AutoExpandLists:         cfg.AutoExpandLists,
			BackfillRelatedEntities: cfg.BackfillRelated,
			PageSize:                cfg.PageSize,
		},
		revalidateKinds: revalidate,
	}
}

// envelope is the event shape common to every source event (spec §4.3
// step 3).
type envelope struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Created int64  `json:"created"`
	Data    struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

// Process verifies rawBody against signature using the endpoint's
// secret, parses the event envelope, optionally revalidates the
// payload against the source API, and dispatches it to the matching
// entity upserter (spec §4.3's public contract).
func (r *Router) Process(ctx context.Context, rawBody []byte, signature, endpointUUID string) error {
	accountID, secret, err := r.secrets.SecretForEndpoint(ctx, endpointUUID)
	if err != nil {
		return err
	}

	if err := verifySignature(rawBody, signature, secret, r.tolerance); err != nil {
		return err
	}

	var ev envelope
	if err := json.Unmarshal(rawBody, &ev); err != nil {
		return fmt.Errorf("webhook: parse envelope: %w", err)
	}

	reserved, err := r.reserveEvent(ctx, ev.ID)
	if err != nil {
		r.logger.Warn("event reservation check failed; proceeding on the freshness guard alone",
			zap.String("event_id", ev.ID), zap.Error(err))
	} else if !reserved {
		r.logger.Debug("concurrent delivery of event already being processed, skipping", zap.String("event_id", ev.ID))
		return nil
	}

	processErr := r.dispatch(ctx, accountID, ev)
	r.finalizeEvent(ctx, ev.ID, processErr == nil)
	return processErr
}

// ProcessEnvelope dispatches an already-authenticated event envelope
// for accountID, skipping signature verification and endpoint-uuid
// secret lookup. Used by the Live-Stream Client, whose authentication
// boundary is the session establishment call rather than a per-request
// signature header (spec §4.7's delivery contract).
func (r *Router) ProcessEnvelope(ctx context.Context, accountID string, rawBody []byte) (eventType, eventID string, err error) {
	var ev envelope
	if err := json.Unmarshal(rawBody, &ev); err != nil {
		return "", "", fmt.Errorf("webhook: parse envelope: %w", err)
	}

	reserved, rerr := r.reserveEvent(ctx, ev.ID)
	if rerr != nil {
		r.logger.Warn("event reservation check failed; proceeding on the freshness guard alone",
			zap.String("event_id", ev.ID), zap.Error(rerr))
	} else if !reserved {
		r.logger.Debug("concurrent delivery of event already being processed, skipping", zap.String("event_id", ev.ID))
		return ev.Type, ev.ID, nil
	}

	processErr := r.dispatch(ctx, accountID, ev)
	r.finalizeEvent(ctx, ev.ID, processErr == nil)
	return ev.Type, ev.ID, processErr
}

func (r *Router) dispatch(ctx context.Context, accountID string, ev envelope) error {
	kind, ok := dispatchKind(ev.Type)
	if !ok {
		r.logger.Debug("ignoring unhandled event type", zap.String("event_type", ev.Type))
		return nil
	}

	payload := ev.Data.Object
	syncedAt := time.UnixMilli(ev.Created * 1000)

	if r.revalidateKinds[ev.Type] && !isTerminal(ev.Type, payload) {
		refreshed, err := r.fetcher.FetchByID(ctx, kind, objectID(payload), accountID)
		if err != nil {
			return err
		}
		payload = refreshed
		syncedAt = time.Now()
	}

	if ev.Type == "entitlements.active_entitlement_summary.updated" {
		return r.dispatchEntitlement(ctx, accountID, payload, syncedAt)
	}

	up, ok := r.registry[kind]
	if !ok {
		return nil
	}

	if isHardDelete(ev.Type) {
		deleter, ok := up.(entities.Deleter)
		if !ok {
			return fmt.Errorf("webhook: kind %q has no delete support", kind)
		}
		return deleter.Delete(ctx, r.gw, objectID(payload), accountID)
	}

	return up.Upsert(ctx, r.gw, r.fetcher, accountID, []json.RawMessage{payload}, r.opts, syncedAt)
}

// reserveEvent claims eventID for processing when a cache is
// configured, collapsing literally-concurrent retries before they both
// reach the Persistence Gateway's freshness guard (SPEC_FULL.md §3,
// grounded in the teacher's WebhookHandler.reserveEvent). With no
// cache configured, every delivery is "reserved" and relies solely on
// the guard for idempotence.
func (r *Router) reserveEvent(ctx context.Context, eventID string) (bool, error) {
	if r.cache == nil || eventID == "" {
		return true, nil
	}
	return r.cache.SetNX(ctx, redisKeyForEvent(eventID), "processing", webhookProcessingTTL)
}

// finalizeEvent releases the reservation on failure so a retry is not
// needlessly blocked for the rest of webhookProcessingTTL, or marks it
// durably processed on success.
func (r *Router) finalizeEvent(ctx context.Context, eventID string, success bool) {
	if r.cache == nil || eventID == "" {
		return
	}
	key := redisKeyForEvent(eventID)
	if success {
		if err := r.cache.Set(ctx, key, "processed", webhookProcessedTTL); err != nil {
			r.logger.Warn("failed to persist webhook completion in cache", zap.String("event_id", eventID), zap.Error(err))
		}
		return
	}
	if err := r.cache.Delete(ctx, key); err != nil {
		r.logger.Warn("failed to release webhook reservation", zap.String("event_id", eventID), zap.Error(err))
	}
}

func redisKeyForEvent(eventID string) string {
	return "webhooks:stripe:" + eventID
}

func (r *Router) dispatchEntitlement(ctx context.Context, accountID string, payload json.RawMessage, syncedAt time.Time) error {
	up := r.registry[entities.KindActiveEntitlement]
	return up.Upsert(ctx, r.gw, r.fetcher, accountID, []json.RawMessage{payload}, r.opts, syncedAt)
}

func objectID(raw json.RawMessage) string {
	var head struct {
		ID string `json:"id"`
	}
	_ = json.Unmarshal(raw, &head)
	return head.ID
}

// isHardDelete reports whether event type must issue a hard delete
// rather than a soft-delete-via-upsert (spec §4.3 dispatch table,
// §9 "deleted customer" kind-by-kind note).
func isHardDelete(eventType string) bool {
	switch eventType {
	case "product.deleted", "price.deleted", "plan.deleted", "customer.tax_id.deleted":
		return true
	default:
		return false
	}
}

// isTerminal reports whether payload is already in a status that
// revalidation would not change, short-circuiting an unnecessary
// refetch (spec §4.3 step 4: invoice statuses void/uncollectible/paid).
func isTerminal(eventType string, payload json.RawMessage) bool {
	if !strings.HasPrefix(eventType, "invoice.") {
		return false
	}
	var inv struct {
		Status string `json:"status"`
		Paid   bool   `json:"paid"`
	}
	if err := json.Unmarshal(payload, &inv); err != nil {
		return false
	}
	switch inv.Status {
	case "void", "uncollectible":
		return true
	}
	return inv.Paid
}

// dispatchKind maps an event type prefix to the Entity Upserter kind
// it's routed to (spec §4.3 step 5).
func dispatchKind(eventType string) (string, bool) {
	switch {
	case strings.HasPrefix(eventType, "customer.subscription."):
		return entities.KindSubscription, true
	case strings.HasPrefix(eventType, "customer.tax_id."):
		return entities.KindTaxID, true
	case strings.HasPrefix(eventType, "customer."):
		return entities.KindCustomer, true
	case strings.HasPrefix(eventType, "invoice."):
		return entities.KindInvoice, true
	case strings.HasPrefix(eventType, "product."):
		return entities.KindProduct, true
	case strings.HasPrefix(eventType, "price."):
		return entities.KindPrice, true
	case strings.HasPrefix(eventType, "plan."):
		return entities.KindPlan, true
	case strings.HasPrefix(eventType, "setup_intent."):
		return entities.KindSetupIntent, true
	case strings.HasPrefix(eventType, "subscription_schedule."):
		return entities.KindSubscriptionSchedule, true
	case strings.HasPrefix(eventType, "payment_method."):
		return entities.KindPaymentMethod, true
	case strings.HasPrefix(eventType, "charge.dispute."):
		return entities.KindDispute, true
	case strings.HasPrefix(eventType, "charge."):
		return entities.KindCharge, true
	case strings.HasPrefix(eventType, "payment_intent."):
		return entities.KindPaymentIntent, true
	case strings.HasPrefix(eventType, "credit_note."):
		return entities.KindCreditNote, true
	case strings.HasPrefix(eventType, "checkout.session."):
		return entities.KindCheckoutSession, true
	case eventType == "entitlements.active_entitlement_summary.updated":
		return entities.KindActiveEntitlement, true
	default:
		return "", false
	}
}

// verifySignature implements the t=...,v1=... header scheme (spec
// §4.3 step 2).
func verifySignature(body []byte, header, secret string, tolerance time.Duration) error {
	var timestamp int64
	var v1 string
	for _, part := range strings.Split(header, ",") {
		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch kv[0] {
		case "t":
			timestamp, _ = strconv.ParseInt(kv[1], 10, 64)
		case "v1":
			v1 = kv[1]
		}
	}
	if v1 == "" {
		return &syncerr.SignatureError{Reason: "no v1 signature present"}
	}
	if timestamp == 0 {
		return &syncerr.SignatureError{Reason: "no timestamp present"}
	}
	if d := time.Since(time.Unix(timestamp, 0)); d > tolerance || d < -tolerance {
		return &syncerr.SignatureError{Reason: "timestamp outside tolerance"}
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(timestamp, 10)))
	mac.Write([]byte("."))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(expected), []byte(v1)) {
		return &syncerr.SignatureError{Reason: "signature mismatch"}
	}
	return nil
}
