// Package gateway mounts the sync engine's HTTP surface (spec §6): the
// inbound webhook route, a liveness probe, and the authenticated manual
// backfill/cron triggers. The schema-migration runner, CLI, and
// tunnel provider are external collaborators this package never touches.
package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/supabase/stripe-sync-engine-go/internal/backfill"
	"github.com/supabase/stripe-sync-engine-go/internal/webhook"
	"github.com/supabase/stripe-sync-engine-go/pkg/database"
)

// Server is the HTTP surface exposed to the hosting process (spec §6).
type Server struct {
	db          *database.Database
	webhooks    *webhook.Router
	engine      *backfill.Engine
	logger      *zap.Logger
	adminAPIKey string
	accountID   string
	rateLimiter *RateLimiter
	router      *chi.Mux
}

// Config configures a Server.
type Config struct {
	AdminAPIKey  string
	AccountID    string
	AllowOrigins []string
}

// New constructs a Server and mounts its routes.
func New(db *database.Database, webhooks *webhook.Router, engine *backfill.Engine, logger *zap.Logger, cfg Config) *Server {
	s := &Server{
		db:          db,
		webhooks:    webhooks,
		engine:      engine,
		logger:      logger,
		adminAPIKey: cfg.AdminAPIKey,
		accountID:   cfg.AccountID,
		rateLimiter: NewRateLimiter(),
		router:      chi.NewRouter(),
	}
	s.setupRoutes(cfg.AllowOrigins)
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) setupRoutes(allowOrigins []string) {
	s.router.Use(SecurityMiddleware(DefaultSecurityConfig()))
	s.router.Use(APISecurityMiddleware())
	s.router.Use(RequestSizeLimitMiddleware(5 * 1024 * 1024))

	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.requestIDResponseMiddleware)
	s.router.Use(s.loggerMiddleware)
	s.router.Use(s.metricsMiddleware)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(60 * time.Second))

	if len(allowOrigins) == 0 {
		allowOrigins = []string{"*"}
	}
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins: allowOrigins,
		AllowedMethods: []string{"GET", "POST"},
		AllowedHeaders: []string{"Content-Type", "Stripe-Signature", "X-Admin-Token"},
		MaxAge:         300,
	}))

	s.registerMetrics()

	s.router.Get("/health", s.handleHealth)
	s.router.Post("/stripe-webhooks/{uuid}", s.handleWebhook)

	s.router.Group(func(r chi.Router) {
		r.Use(s.adminAuthMiddleware)
		r.Post("/sync", s.handleSync)
		r.Post("/sync/single/{entityId}", s.handleSyncSingle)
		r.Post("/cron/daily", s.handleCron(24*time.Hour))
		r.Post("/cron/weekly", s.handleCron(7*24*time.Hour))
		r.Post("/cron/monthly", s.handleCron(30*24*time.Hour))
	})
}

func (s *Server) loggerMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("request",
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

func (s *Server) requestIDResponseMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if reqID := middleware.GetReqID(r.Context()); reqID != "" {
			w.Header().Set("X-Request-ID", reqID)
		}
		next.ServeHTTP(w, r)
	})
}

// adminAuthMiddleware protects the manual sync/cron triggers with a
// constant-time comparison against the configured admin key (spec §6
// "(authenticated)").
func (s *Server) adminAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := r.Header.Get("X-Admin-Token")
		if token == "" || s.adminAPIKey == "" || subtle.ConstantTimeCompare([]byte(token), []byte(s.adminAPIKey)) != 1 {
			s.writeError(w, http.StatusUnauthorized, "invalid or missing admin token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleWebhook is the inbound delivery endpoint (spec §4.3's public
// contract). The endpoint's local uuid is resolved to an account and
// signing secret inside webhook.Router; this handler's only job is to
// rate-limit, read the raw body, and map errors to status codes.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	endpointUUID := chi.URLParam(r, "uuid")

	if !s.rateLimiter.Allow(endpointUUID) {
		s.writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	signature := r.Header.Get("Stripe-Signature")
	if err := s.webhooks.Process(r.Context(), body, signature, endpointUUID); err != nil {
		s.logger.Warn("webhook processing failed", zap.String("endpoint_uuid", endpointUUID), zap.Error(err))
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]bool{"received": true})
}

type syncRequest struct {
	Created                 int64  `json:"created"`
	Object                   string `json:"object"`
	BackfillRelatedEntities *bool  `json:"backfillRelatedEntities"`
}

// handleSync is the manual backfill trigger (spec §6 "POST /sync").
// Pagination runs detached from the request's context so a slow client
// or proxy timeout doesn't abort an in-flight backfill.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	var req syncRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}
	kind := req.Object
	if kind == "" {
		kind = "all"
	}
	s.triggerBackfill(kind, req.Created)
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "started", "object": kind})
}

// handleSyncSingle is the single-entity manual trigger (spec §6 "POST
// /sync/single/:entityId").
func (s *Server) handleSyncSingle(w http.ResponseWriter, r *http.Request) {
	kind := chi.URLParam(r, "entityId")
	if kind == "" {
		s.writeError(w, http.StatusBadRequest, "entityId is required")
		return
	}
	s.triggerBackfill(kind, 0)
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "started", "object": kind})
}

// handleCron returns a handler that backfills every kind created within
// the last window (spec §6 "POST /cron/daily|weekly|monthly").
func (s *Server) handleCron(window time.Duration) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		since := time.Now().Add(-window).Unix()
		s.triggerBackfill("all", since)
		s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "started", "object": "all"})
	}
}

func (s *Server) triggerBackfill(kind string, createdGte int64) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 6*time.Hour)
		defer cancel()

		kinds := []string{kind}
		if kind == "all" {
			kinds = backfill.AllKinds
		}
		for _, k := range kinds {
			filter := createdGte
			for {
				result, err := s.engine.ProcessNext(ctx, s.accountID, k, filter)
				if err != nil {
					s.logger.Error("backfill page failed", zap.String("kind", k), zap.Error(err))
					break
				}
				RecordBackfillPage(k)
				filter = 0
				if !result.HasMore {
					break
				}
			}
		}
	}()
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]any{
		"error": map[string]string{"message": message},
	})
}
