package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/supabase/stripe-sync-engine-go/internal/entities"
	"github.com/supabase/stripe-sync-engine-go/internal/syncerr"
)

func sign(secret string, timestamp int64, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(fmt.Sprintf("%d", timestamp)))
	mac.Write([]byte("."))
	mac.Write(body)
	return "t=" + fmt.Sprintf("%d", timestamp) + ",v1=" + hex.EncodeToString(mac.Sum(nil))
}

func TestVerifySignatureAccepts(t *testing.T) {
	body := []byte(`{"id":"evt_1"}`)
	secret := "whsec_test"
	header := sign(secret, time.Now().Unix(), body)

	if err := verifySignature(body, header, secret, 300*time.Second); err != nil {
		t.Fatalf("expected valid signature to verify, got %v", err)
	}
}

func TestVerifySignatureRejectsWrongSecret(t *testing.T) {
	body := []byte(`{"id":"evt_1"}`)
	header := sign("whsec_test", time.Now().Unix(), body)

	err := verifySignature(body, header, "whsec_other", 300*time.Second)
	if err == nil {
		t.Fatal("expected signature mismatch to fail")
	}
	var sigErr *syncerr.SignatureError
	if _, ok := err.(*syncerr.SignatureError); !ok {
		_ = sigErr
		t.Fatalf("expected a *syncerr.SignatureError, got %T", err)
	}
}

func TestVerifySignatureRejectsStaleTimestamp(t *testing.T) {
	body := []byte(`{"id":"evt_1"}`)
	secret := "whsec_test"
	stale := time.Now().Add(-10 * time.Minute).Unix()
	header := sign(secret, stale, body)

	if err := verifySignature(body, header, secret, 300*time.Second); err == nil {
		t.Fatal("expected a signature outside the tolerance window to fail")
	}
}

func TestDispatchKind(t *testing.T) {
	cases := map[string]string{
		"customer.created":                   entities.KindCustomer,
		"customer.subscription.updated":      entities.KindSubscription,
		"customer.tax_id.created":            entities.KindTaxID,
		"invoice.paid":                       entities.KindInvoice,
		"charge.dispute.created":             entities.KindDispute,
		"charge.succeeded":                   entities.KindCharge,
		"credit_note.voided":                 entities.KindCreditNote,
		"checkout.session.completed":         entities.KindCheckoutSession,
		"entitlements.active_entitlement_summary.updated": entities.KindActiveEntitlement,
	}
	for eventType, want := range cases {
		got, ok := dispatchKind(eventType)
		if !ok {
			t.Errorf("%s: expected a dispatch kind, got none", eventType)
			continue
		}
		if got != want {
			t.Errorf("%s: expected kind %q, got %q", eventType, want, got)
		}
	}

	if _, ok := dispatchKind("balance.available"); ok {
		t.Error("expected an unhandled event type to report ok=false")
	}
}

func TestIsHardDelete(t *testing.T) {
	for _, eventType := range []string{"product.deleted", "price.deleted", "plan.deleted", "customer.tax_id.deleted"} {
		if !isHardDelete(eventType) {
			t.Errorf("%s: expected a hard delete", eventType)
		}
	}
	if isHardDelete("customer.deleted") {
		t.Error("customer.deleted soft-deletes via upsert, not a hard delete")
	}
}

func TestIsTerminalInvoiceStatuses(t *testing.T) {
	terminal := json.RawMessage(`{"status":"void","paid":false}`)
	if !isTerminal("invoice.updated", terminal) {
		t.Error("expected a void invoice to be terminal")
	}
	paid := json.RawMessage(`{"status":"paid","paid":true}`)
	if !isTerminal("invoice.updated", paid) {
		t.Error("expected a paid invoice to be terminal")
	}
	open := json.RawMessage(`{"status":"open","paid":false}`)
	if isTerminal("invoice.updated", open) {
		t.Error("expected an open invoice to not be terminal")
	}
	if isTerminal("charge.succeeded", open) {
		t.Error("expected a non-invoice event type to never be terminal")
	}
}

// fakeUpserter records every Upsert/Delete call it receives.
type fakeUpserter struct {
	upserted []json.RawMessage
	deleted  []string
}

func (f *fakeUpserter) Kind() string { return "fake" }

func (f *fakeUpserter) Upsert(ctx context.Context, gw entities.Gateway, fetcher entities.Fetcher, accountID string, raws []json.RawMessage, opts entities.Options, syncedAt time.Time) error {
	f.upserted = append(f.upserted, raws...)
	return nil
}

func (f *fakeUpserter) FindMissing(ctx context.Context, gw entities.Gateway, accountID string, ids []string) ([]string, error) {
	return nil, nil
}

func (f *fakeUpserter) Delete(ctx context.Context, gw entities.Gateway, id, accountID string) error {
	f.deleted = append(f.deleted, id)
	return nil
}

type fakeSecrets struct {
	accountID, secret string
}

func (f fakeSecrets) SecretForEndpoint(ctx context.Context, endpointUUID string) (string, string, error) {
	return f.accountID, f.secret, nil
}

func TestProcessDispatchesToTheMatchingUpserter(t *testing.T) {
	up := &fakeUpserter{}
	registry := entities.Registry{entities.KindCustomer: up}
	router := New(fakeSecrets{accountID: "acct_1", secret: "whsec_test"}, registry, nil, nil, zap.NewNop(), Config{})

	body := []byte(`{"id":"evt_1","type":"customer.created","created":1700000000,"data":{"object":{"id":"cus_1"}}}`)
	header := sign("whsec_test", time.Now().Unix(), body)

	if err := router.Process(context.Background(), body, header, "endpoint-uuid"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(up.upserted) != 1 {
		t.Fatalf("expected one upsert call, got %d", len(up.upserted))
	}
}

func TestProcessRejectsBadSignature(t *testing.T) {
	router := New(fakeSecrets{accountID: "acct_1", secret: "whsec_test"}, entities.Registry{}, nil, nil, zap.NewNop(), Config{})

	body := []byte(`{"id":"evt_1","type":"customer.created","created":1700000000,"data":{"object":{}}}`)
	err := router.Process(context.Background(), body, "t=1,v1=bogus", "endpoint-uuid")
	if err == nil {
		t.Fatal("expected an error for an invalid signature")
	}
}

func TestProcessEnvelopeDispatchesWithoutSignature(t *testing.T) {
	up := &fakeUpserter{}
	registry := entities.Registry{entities.KindProduct: up}
	router := New(fakeSecrets{}, registry, nil, nil, zap.NewNop(), Config{})

	body := []byte(`{"id":"evt_2","type":"product.created","created":1700000000,"data":{"object":{"id":"prod_1"}}}`)

	eventType, eventID, err := router.ProcessEnvelope(context.Background(), "acct_1", body)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if eventType != "product.created" || eventID != "evt_2" {
		t.Fatalf("unexpected eventType/eventID: %q/%q", eventType, eventID)
	}
	if len(up.upserted) != 1 {
		t.Fatalf("expected one upsert call, got %d", len(up.upserted))
	}
}
