package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/prestasur/synccore/internal/app"
	"github.com/prestasur/synccore/internal/config"
	"github.com/prestasur/synccore/internal/domain"
	"github.com/prestasur/synccore/internal/infra/observability"
)

func main() {
	// --- Load .env file (for local development) ---
	_ = config.LoadDotEnv(".env")

	// --- Config ---
	cfg := config.Load()

	// --- Logger ---
	logger := observability.NewLogger(cfg.LogLevel)
	defer logger.Sync()

	identityID := os.Getenv("IDENTITY_ID")
	logger.Info("configuration loaded",
		zap.Int("port", cfg.Port),
		zap.String("log_level", cfg.LogLevel),
		zap.String("store_dir", cfg.StoreDir),
		zap.String("remote_url", cfg.RemoteURL),
		zap.Duration("sync_interval", cfg.SyncInterval),
		zap.Int("batch_size", cfg.BatchSize),
		zap.Bool("dev_mode", cfg.DevMode),
	)

	// --- Tracing ---
	if cfg.TracingOn {
		shutdown, err := observability.InitTracer(cfg.OTLPEndpoint, "synccore")
		if err != nil {
			logger.Fatal("failed to init tracer", zap.Error(err))
		}
		defer shutdown(context.Background())
	}

	// --- Metrics ---
	metrics := observability.NewMetrics()

	// --- App scope: store + ledger + replication for this identity ---
	ctx := context.Background()
	a, err := app.Open(ctx, cfg, identityID, metrics, logger)
	if err != nil {
		logger.Fatal("failed to open app scope", zap.Error(err))
	}
	defer a.Close()

	// --- Aging job ---
	agingDone := make(chan struct{})
	go func() {
		ticker := time.NewTicker(1 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-agingDone:
				return
			case <-ticker.C:
				aged, err := a.Store.AgeCredits(ctx, time.Now().UTC(), cfg.ArrearsAfter)
				if err != nil {
					logger.Warn("aging pass failed", zap.Error(err))
				} else if aged > 0 {
					logger.Info("aging pass complete", zap.Int("credits_aged", aged))
				}
			}
		}
	}()
	defer close(agingDone)

	// --- Router ---
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
	r.Get("/status", func(w http.ResponseWriter, req *http.Request) {
		pending := make(map[string]int, len(domain.AllCollections))
		for _, col := range domain.AllCollections {
			docs, err := a.Store.PendingPush(req.Context(), col, cfg.BatchSize)
			if err != nil {
				logger.Warn("status: pending push lookup failed",
					zap.String("collection", string(col)), zap.Error(err))
				continue
			}
			pending[string(col)] = len(docs)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"replication":  a.Engine.Status(),
			"pending_push": pending,
		})
	})
	r.Post("/sync", func(w http.ResponseWriter, req *http.Request) {
		if err := a.Engine.ForceSync(req.Context()); err != nil {
			w.WriteHeader(http.StatusBadGateway)
			json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// --- Graceful shutdown ---
	go func() {
		logger.Info("syncd starting", zap.Int("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("syncd shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Fatal("server forced shutdown", zap.Error(err))
	}

	logger.Info("syncd stopped")
}
