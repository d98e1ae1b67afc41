// Package livestream implements the Live-Stream Client: a long-lived,
// authenticated WebSocket connection to the source provider delivering
// event envelopes to the Webhook Router, with heartbeating and
// reconnection (spec §4.7). Adapted from an accept-style chat client's
// read/write-pump split into a dial-style client that owns its own
// reconnect loop.
package livestream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	pingPeriod         = 9 * time.Second
	pongWait           = 10 * time.Second
	connectAttemptWait = 10 * time.Second
	defaultReconnect   = 60 * time.Second
)

// Session is the response from the provider's session-establishment
// endpoint (spec §4.7 "Session establishment").
type Session struct {
	WebsocketURL    string        `json:"websocket_url"`
	WebsocketID     string        `json:"websocket_id"`
	Secret          string        `json:"secret"`
	ReconnectDelay  time.Duration `json:"-"`
	ReconnectDelaySeconds int     `json:"reconnect_delay"`
}

// SessionEstablisher opens a new session with the source provider.
type SessionEstablisher interface {
	EstablishSession(ctx context.Context, accountCredential string) (Session, error)
}

// EventResult is what the caller's on_event handler returns (spec
// §4.7 "Delivery contract" step 2).
type EventResult struct {
	Status    int
	Error     string
	EventType string
	EventID   string
}

// Handlers are the caller-supplied callbacks the Client drives.
type Handlers struct {
	OnReady func(secret string)
	OnEvent func(ctx context.Context, envelope json.RawMessage) EventResult
	OnError func(err error)
	// OnReconnect, if set, fires at the start of every connection
	// attempt after the first one (whether the previous attempt failed
	// or a served connection ended), before the new session is
	// established, letting the caller track connection churn.
	OnReconnect func()
}

// Client maintains one account's live-stream connection.
type Client struct {
	credential string
	sessions   SessionEstablisher
	handlers   Handlers
	logger     *zap.Logger

	closed chan struct{}
}

// New constructs a Client. Call Run to start the connect/reconnect
// loop; it blocks until ctx is cancelled or Close is called.
func New(credential string, sessions SessionEstablisher, handlers Handlers, logger *zap.Logger) *Client {
	return &Client{
		credential: credential,
		sessions:   sessions,
		handlers:   handlers,
		logger:     logger,
		closed:     make(chan struct{}),
	}
}

// Close requests the run loop stop without reconnecting (spec §4.7
// "After the caller's close(), do not reconnect").
func (c *Client) Close() {
	select {
	case <-c.closed:
	default:
		close(c.closed)
	}
}

// Run drives the connect -> serve -> reconnect loop until ctx is done
// or Close is called.
func (c *Client) Run(ctx context.Context) {
	attempt := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.closed:
			return
		default:
		}

		if attempt > 0 && c.handlers.OnReconnect != nil {
			c.handlers.OnReconnect()
		}
		attempt++

		session, err := c.sessions.EstablishSession(ctx, c.credential)
		if err != nil {
			c.handlers.OnError(fmt.Errorf("livestream: establish session: %w", err))
			c.waitOrStop(ctx, connectAttemptWait)
			continue
		}

		reconnectDelay := defaultReconnect
		if session.ReconnectDelaySeconds > 0 {
			reconnectDelay = time.Duration(session.ReconnectDelaySeconds) * time.Second
		}

		conn, _, err := websocket.DefaultDialer.DialContext(ctx, session.WebsocketURL, http.Header{})
		if err != nil {
			c.handlers.OnError(fmt.Errorf("livestream: dial: %w", err))
			c.waitOrStop(ctx, connectAttemptWait)
			continue
		}

		if c.handlers.OnReady != nil {
			c.handlers.OnReady(session.Secret)
		}

		c.serve(ctx, conn, reconnectDelay)
		conn.Close()

		select {
		case <-c.closed:
			return
		case <-ctx.Done():
			return
		default:
		}
	}
}

func (c *Client) waitOrStop(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	case <-c.closed:
	}
}

// serve pumps one connection until it closes unexpectedly, goes stale
// (no pong within pongWait), the proactive reconnect interval elapses,
// or the caller requests Close. Returns true when the connection ended
// on its own (any read error, a stale pong, or a failed ping write) and
// false for Close, ctx cancellation, or the proactive reconnect timer.
// Run does not inspect the result: unless Close was called or ctx is
// done, it reconnects immediately either way.
func (c *Client) serve(ctx context.Context, conn *websocket.Conn, reconnectAfter time.Duration) bool {
	lastPong := make(chan time.Time, 1)
	lastPong <- time.Now()
	conn.SetPongHandler(func(string) error {
		select {
		case <-lastPong:
		default:
		}
		lastPong <- time.Now()
		return nil
	})

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	messages := make(chan []byte)
	readErrs := make(chan error, 1)
	go func() {
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				readErrs <- err
				return
			}
			select {
			case messages <- msg:
			case <-connCtx.Done():
				return
			}
		}
	}()

	pingTicker := time.NewTicker(pingPeriod)
	defer pingTicker.Stop()
	reconnectTimer := time.NewTimer(reconnectAfter)
	defer reconnectTimer.Stop()

	for {
		select {
		case <-c.closed:
			conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			return false

		case <-ctx.Done():
			return false

		case err := <-readErrs:
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure) {
				c.handlers.OnError(fmt.Errorf("livestream: unexpected close: %w", err))
				return true
			}
			return true

		case <-reconnectTimer.C:
			// Continuous successful operation for reconnectAfter;
			// proactively cycle the connection (spec §4.7).
			return false

		case <-pingTicker.C:
			var last time.Time
			select {
			case last = <-lastPong:
				lastPong <- last
			default:
			}
			if time.Since(last) > pongWait {
				c.handlers.OnError(fmt.Errorf("livestream: connection stale, no pong for %s", pongWait))
				return true
			}
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return true
			}

		case msg := <-messages:
			c.handleMessage(ctx, conn, msg)
		}
	}
}

type inboundMessage struct {
	Type                  string `json:"type"`
	WebhookConversationID string `json:"webhook_conversation_id"`
	EventID               string `json:"event_id"`
	EventPayload          string `json:"event_payload"`
}

// handleMessage implements spec §4.7's delivery contract: ack first,
// then invoke on_event, then send the response.
func (c *Client) handleMessage(ctx context.Context, conn *websocket.Conn, raw []byte) {
	var msg inboundMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		c.handlers.OnError(fmt.Errorf("livestream: parse message: %w", err))
		return
	}
	if msg.Type != "webhook" {
		return
	}

	ack := map[string]string{
		"type":                    "event_ack",
		"webhook_conversation_id": msg.WebhookConversationID,
		"event_id":                msg.EventID,
	}
	if err := writeJSON(conn, ack); err != nil {
		c.handlers.OnError(fmt.Errorf("livestream: write ack: %w", err))
		return
	}

	result := c.invokeOnEvent(ctx, json.RawMessage(msg.EventPayload))

	response := map[string]any{
		"type":   "webhook_response",
		"status": result.Status,
		"body": map[string]any{
			"received":   result.Status < 300,
			"error":      result.Error,
			"event_type": result.EventType,
			"event_id":   result.EventID,
		},
	}
	if err := writeJSON(conn, response); err != nil {
		c.handlers.OnError(fmt.Errorf("livestream: write response: %w", err))
	}
}

// invokeOnEvent calls the caller's handler, converting a panic into a
// 500 response the same way a thrown exception would in the reference
// runtime (spec §4.7 step 4).
func (c *Client) invokeOnEvent(ctx context.Context, envelope json.RawMessage) (result EventResult) {
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("livestream: on_event panic: %v", r)
			c.handlers.OnError(err)
			result = EventResult{Status: http.StatusInternalServerError, Error: err.Error()}
		}
	}()
	result = c.handlers.OnEvent(ctx, envelope)
	if result.Status == 0 {
		result.Status = http.StatusOK
	}
	return result
}

func writeJSON(conn *websocket.Conn, v any) error {
	conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return conn.WriteJSON(v)
}
