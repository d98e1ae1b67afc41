package gateway

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"
)

func TestHealthEndpointReportsOk(t *testing.T) {
	srv := New(nil, nil, nil, zap.NewNop(), Config{})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestAdminRoutesRejectMissingToken(t *testing.T) {
	srv := New(nil, nil, nil, zap.NewNop(), Config{AdminAPIKey: "secret-token"})

	req := httptest.NewRequest(http.MethodPost, "/sync", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without an admin token, got %d", rec.Code)
	}
}

func TestAdminRoutesRejectWrongToken(t *testing.T) {
	srv := New(nil, nil, nil, zap.NewNop(), Config{AdminAPIKey: "secret-token"})

	req := httptest.NewRequest(http.MethodPost, "/sync", nil)
	req.Header.Set("X-Admin-Token", "wrong")
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for a mismatched admin token, got %d", rec.Code)
	}
}

func TestAdminRoutesRejectEverythingWhenNoAdminKeyConfigured(t *testing.T) {
	srv := New(nil, nil, nil, zap.NewNop(), Config{})

	req := httptest.NewRequest(http.MethodPost, "/sync", nil)
	req.Header.Set("X-Admin-Token", "anything")
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 when no admin key is configured, got %d", rec.Code)
	}
}

func TestWebhookEndpointRateLimited(t *testing.T) {
	srv := New(nil, nil, nil, zap.NewNop(), Config{})

	// Exhaust the per-endpoint burst directly against the rate limiter
	// rather than through ServeHTTP: once allowed, the handler would
	// reach srv.webhooks.Process against a nil Router.
	for i := 0; i < webhookRateBurst; i++ {
		srv.rateLimiter.Allow("some-uuid")
	}

	req := httptest.NewRequest(http.MethodPost, "/stripe-webhooks/some-uuid", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 once the endpoint's burst is exhausted, got %d", rec.Code)
	}
}
