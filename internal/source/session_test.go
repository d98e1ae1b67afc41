package source

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/supabase/stripe-sync-engine-go/internal/syncerr"
)

func TestEstablishSessionSendsBearerAuthAndParsesResponse(t *testing.T) {
	var gotAuth, gotContentType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotContentType = r.Header.Get("Content-Type")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"websocket_url":"wss://example.com/ws","websocket_id":"ws_1","secret":"whsec_live","reconnect_delay":45}`))
	}))
	defer srv.Close()

	client := NewSessionClient(srv.URL)
	session, err := client.EstablishSession(context.Background(), "sk_test_123")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if gotAuth != "Bearer sk_test_123" {
		t.Errorf("expected Authorization header 'Bearer sk_test_123', got %q", gotAuth)
	}
	if gotContentType != "application/x-www-form-urlencoded" {
		t.Errorf("expected form-encoded content type, got %q", gotContentType)
	}

	if session.WebsocketURL != "wss://example.com/ws" {
		t.Errorf("unexpected websocket url: %q", session.WebsocketURL)
	}
	if session.WebsocketID != "ws_1" {
		t.Errorf("unexpected websocket id: %q", session.WebsocketID)
	}
	if session.Secret != "whsec_live" {
		t.Errorf("unexpected secret: %q", session.Secret)
	}
	if session.ReconnectDelaySeconds != 45 {
		t.Errorf("expected reconnect delay 45, got %d", session.ReconnectDelaySeconds)
	}
}

func TestEstablishSessionReturnsSourceApiErrorOnNonSuccessStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	client := NewSessionClient(srv.URL)
	_, err := client.EstablishSession(context.Background(), "sk_bad")
	if err == nil {
		t.Fatal("expected an error for a non-2xx response")
	}
	var apiErr *syncerr.SourceApiError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected a *syncerr.SourceApiError, got %T", err)
	}
}

func TestNewSessionClientDefaultsURL(t *testing.T) {
	client := NewSessionClient("")
	if client.sessionsURL != defaultSessionsURL {
		t.Errorf("expected default sessions URL, got %q", client.sessionsURL)
	}
}
