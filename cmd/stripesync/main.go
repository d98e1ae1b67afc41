package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/supabase/stripe-sync-engine-go/internal/backfill"
	"github.com/supabase/stripe-sync-engine-go/internal/config"
	"github.com/supabase/stripe-sync-engine-go/internal/endpoint"
	"github.com/supabase/stripe-sync-engine-go/internal/entities"
	"github.com/supabase/stripe-sync-engine-go/internal/gateway"
	"github.com/supabase/stripe-sync-engine-go/internal/livestream"
	"github.com/supabase/stripe-sync-engine-go/internal/migrator"
	"github.com/supabase/stripe-sync-engine-go/internal/source"
	"github.com/supabase/stripe-sync-engine-go/internal/syncerr"
	"github.com/supabase/stripe-sync-engine-go/internal/syncrun"
	"github.com/supabase/stripe-sync-engine-go/internal/webhook"
	"github.com/supabase/stripe-sync-engine-go/pkg/cache"
	"github.com/supabase/stripe-sync-engine-go/pkg/database"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer logger.Sync()

	logger.Info("starting stripe sync engine")

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	if err := runMigrations(cfg, logger); err != nil {
		logger.Fatal("failed to run migrations", zap.Error(err))
	}

	db, err := database.New(cfg.Database)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer db.Close()
	logger.Info("connected to database")

	gw := database.NewGateway(db, cfg.Database.Schema)

	var redisCache *cache.Cache
	if cfg.Redis.Host != "" {
		redisCache, err = cache.NewCache(cfg.Redis)
		if err != nil {
			logger.Fatal("failed to connect to Redis", zap.Error(err))
		}
		defer redisCache.Close()
		logger.Info("connected to Redis")
	} else {
		logger.Info("REDIS_HOST not set; running without the concurrent-delivery cache")
	}

	sourceClient := source.New(cfg.Stripe.APIKey, cfg.Stripe.APIVersion)
	registry := entities.NewRegistry()

	endpoints := endpoint.New(gw, sourceClient.API(), logger)

	webhookRouter := webhook.New(endpoints, registry, gw, sourceClient, logger, webhook.Config{
		ToleranceSeconds: cfg.Sync.SignatureToleranceSeconds,
		AutoExpandLists:  cfg.Sync.AutoExpandLists,
		BackfillRelated:  cfg.Sync.BackfillRelatedEntities,
		PageSize:         cfg.Sync.PageSize,
		RevalidateKinds:  revalidateKinds(cfg),
	}).WithCache(redisCache)

	engine := backfill.New(gw, sourceClient, registry, logger, backfill.Config{
		AutoExpandLists:         cfg.Sync.AutoExpandLists,
		BackfillRelatedEntities: cfg.Sync.BackfillRelatedEntities,
		PageSize:                cfg.Sync.PageSize,
		MaxConcurrentObjects:    cfg.Sync.MaxConcurrentObjects,
	})

	coordinator := syncrun.New(gw, logger, cfg.Sync.StaleRunInterval)

	sessions := source.NewSessionClient("")
	liveStream := livestream.New(cfg.Stripe.APIKey, sessions, livestream.Handlers{
		OnReady: func(secret string) {
			logger.Info("live-stream session established")
		},
		OnEvent: func(ctx context.Context, envelope json.RawMessage) livestream.EventResult {
			eventType, eventID, err := webhookRouter.ProcessEnvelope(ctx, cfg.Stripe.AccountID, envelope)
			if err != nil {
				gateway.RecordWebhookEvent(eventType, "error")
				return livestream.EventResult{Status: http.StatusInternalServerError, Error: err.Error(), EventType: eventType, EventID: eventID}
			}
			gateway.RecordWebhookEvent(eventType, "ok")
			return livestream.EventResult{Status: http.StatusOK, EventType: eventType, EventID: eventID}
		},
		OnError: func(err error) {
			logger.Warn("live-stream error", zap.Error(err))
		},
		OnReconnect: gateway.RecordLiveStreamReconnect,
	}, logger)

	server := gateway.New(db, webhookRouter, engine, logger, gateway.Config{
		AdminAPIKey: cfg.Security.APIKey,
		AccountID:   cfg.Stripe.AccountID,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go coordinator.Run(ctx)
	go liveStream.Run(ctx)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      server,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		logger.Info("starting HTTP server", zap.String("address", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	liveStream.Close()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if cfg.Sync.KeepWebhooksOnShutdown {
		logger.Info("keeping managed webhook endpoints registered per KEEP_WEBHOOKS_ON_SHUTDOWN")
	} else {
		deleteManagedWebhooks(shutdownCtx, endpoints, cfg.Stripe.AccountID, logger)
	}

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", zap.Error(err))
	}

	logger.Info("server exited")
}

// deleteManagedWebhooks removes every managed endpoint this deployment
// owns at the source provider on a clean shutdown (spec §6
// "Cancellation"). Best-effort: a failure here is logged, not fatal,
// since the process is already exiting.
func deleteManagedWebhooks(ctx context.Context, endpoints *endpoint.Registry, accountID string, logger *zap.Logger) {
	webhooks, err := endpoints.List(ctx, accountID)
	if err != nil {
		logger.Warn("failed to list managed webhooks for shutdown cleanup", zap.Error(err))
		return
	}
	for _, w := range webhooks {
		if err := endpoints.Delete(ctx, w.ProviderWebhookID); err != nil {
			logger.Warn("failed to delete managed webhook on shutdown",
				zap.String("provider_webhook_id", w.ProviderWebhookID), zap.Error(err))
		}
	}
}

// revalidateKinds is the fixed set of event types the Webhook Router
// must refetch from the source API rather than trust at face value,
// when that behavior is enabled (spec §4.3 step 4).
func revalidateKinds(cfg *config.Config) []string {
	if !cfg.Sync.RevalidateObjectsViaStripeAPI {
		return nil
	}
	return []string{
		"invoice.created", "invoice.updated", "invoice.finalized",
		"charge.succeeded", "charge.failed",
		"payment_intent.succeeded", "payment_intent.payment_failed",
	}
}

// runMigrations drives the destination schema to the latest migration
// and verifies it wasn't left behind by an unrelated legacy install
// before any other component opens a pool against it (spec §6).
func runMigrations(cfg *config.Config, logger *zap.Logger) error {
	mi, err := migrator.New(cfg.Database.DSN(), cfg.Database.Schema, "migrations")
	if err != nil {
		return err
	}
	defer mi.Close()

	db, err := database.New(cfg.Database)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := migrator.VerifyInstall(context.Background(), db.Pool, cfg.Database.Schema); err != nil {
		return err
	}

	ctx := context.Background()
	if err := mi.Up(ctx, db.Pool); err != nil {
		var migErr *syncerr.MigrationError
		if !errors.As(err, &migErr) {
			return err
		}
		// spec's `start` flow recovery: a botched migration on a schema
		// this engine owns (VerifyInstall already ruled out a legacy
		// install) is dropped and retried once before propagating.
		logger.Warn("migration failed; dropping schema and retrying once", zap.Error(err))
		if _, dropErr := db.Pool.Exec(ctx, fmt.Sprintf("DROP SCHEMA IF EXISTS %s CASCADE", cfg.Database.Schema)); dropErr != nil {
			return &syncerr.MigrationError{Err: fmt.Errorf("drop schema for retry: %w", dropErr)}
		}
		if retryErr := mi.Up(ctx, db.Pool); retryErr != nil {
			return retryErr
		}
	}
	logger.Info("migrations up to date")
	return nil
}
