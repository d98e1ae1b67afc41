package source

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/supabase/stripe-sync-engine-go/internal/livestream"
	"github.com/supabase/stripe-sync-engine-go/internal/syncerr"
)

const defaultSessionsURL = "https://api.stripe.com/v1/stripecli/sessions"

// sessionResponse is the source provider's live-stream session payload
// (spec §6 "Source provider — live-stream session").
type sessionResponse struct {
	WebsocketURL               string `json:"websocket_url"`
	WebsocketID                string `json:"websocket_id"`
	WebsocketAuthorizedFeature string `json:"websocket_authorized_feature"`
	Secret                     string `json:"secret"`
	ReconnectDelay             int    `json:"reconnect_delay"`
}

// SessionClient implements livestream.SessionEstablisher over a plain
// authenticated HTTP POST: there's no stripe-go helper for the CLI
// session endpoint, so this is a thin net/http client rather than a
// vendored SDK call.
type SessionClient struct {
	sessionsURL string
	httpClient  *http.Client
}

// NewSessionClient constructs a SessionClient. sessionsURL overrides
// the default endpoint, primarily for tests.
func NewSessionClient(sessionsURL string) *SessionClient {
	if sessionsURL == "" {
		sessionsURL = defaultSessionsURL
	}
	return &SessionClient{
		sessionsURL: sessionsURL,
		httpClient:  &http.Client{Timeout: 10 * time.Second},
	}
}

// EstablishSession implements livestream.SessionEstablisher.
func (c *SessionClient) EstablishSession(ctx context.Context, accountCredential string) (livestream.Session, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.sessionsURL, strings.NewReader(url.Values{}.Encode()))
	if err != nil {
		return livestream.Session{}, fmt.Errorf("livestream session: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accountCredential)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return livestream.Session{}, &syncerr.SourceApiError{Op: "establish live-stream session", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return livestream.Session{}, &syncerr.SourceApiError{Op: "establish live-stream session", Err: fmt.Errorf("status %d", resp.StatusCode)}
	}

	var sr sessionResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return livestream.Session{}, fmt.Errorf("livestream session: decode response: %w", err)
	}

	return livestream.Session{
		WebsocketURL:          sr.WebsocketURL,
		WebsocketID:           sr.WebsocketID,
		Secret:                sr.Secret,
		ReconnectDelaySeconds: sr.ReconnectDelay,
	}, nil
}
