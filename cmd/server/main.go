// Package main is the entrypoint for the provbot booking server.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/provbot/provbot/internal/api"
	"github.com/provbot/provbot/internal/api/handler"
	mw "github.com/provbot/provbot/internal/api/middleware"
	"github.com/provbot/provbot/internal/api/response"
	"github.com/provbot/provbot/internal/automation"
	"github.com/provbot/provbot/internal/config"
	"github.com/provbot/provbot/internal/notify"
	"github.com/provbot/provbot/internal/orchestrator"
	"github.com/provbot/provbot/internal/reaper"
	"github.com/provbot/provbot/internal/session"
	"github.com/provbot/provbot/internal/store"
	"github.com/provbot/provbot/internal/webhook"
)

const shutdownTimeout = 30 * time.Second

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load config, failing fast on invalid values
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.Info("config loaded",
		"env", cfg.Server.Env,
		"store_backend", cfg.Store.Backend,
		"automation_mode", cfg.Automation.Mode,
		"max_concurrent_jobs", cfg.Jobs.MaxConcurrent,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Create state store
	st, err := newStore(cfg)
	if err != nil {
		return fmt.Errorf("create state store: %w", err)
	}
	if err := st.Ping(ctx); err != nil {
		return fmt.Errorf("ping state store: %w", err)
	}
	if closer, ok := st.(io.Closer); ok {
		defer closer.Close()
	}
	slog.Info("state store connected", "backend", cfg.Store.Backend)

	// 3. Create automation runner
	runner, err := automation.NewRunner(cfg.Automation)
	if err != nil {
		return fmt.Errorf("create automation runner: %w", err)
	}
	slog.Info("automation runner initialized", "mode", cfg.Automation.Mode)

	// 4. Wire registry, webhook client, dispatcher, orchestrator, reaper
	recordTTL := cfg.Jobs.Timeout + cfg.Reaper.Grace
	registry := session.NewRegistry(st, recordTTL)

	client := webhook.NewClient(
		cfg.Auth.WebhookSecret,
		cfg.Webhook.Timeout,
		cfg.Webhook.MaxRetries+1,
		cfg.Webhook.RetryBaseDelay,
	)
	dispatcher := notify.NewDispatcher(st, client,
		cfg.Notify.TTL, cfg.Notify.PushTimeout, cfg.Webhook.MaxInFlight)

	orch := orchestrator.New(st, registry, dispatcher, runner, cfg)

	rp := reaper.New(st, registry, dispatcher, cfg)
	if err := rp.Start(); err != nil {
		return fmt.Errorf("start reaper: %w", err)
	}
	defer rp.Stop()

	// 5. Build router with dependencies
	deps := api.Dependencies{
		Auth:      mw.NewAuth(cfg.Auth.APIToken),
		RateLimit: mw.NewRateLimit(st, cfg.RateLimit.RequestsPerMinute),

		HealthHandler:         healthHandler(st),
		DetailedHealthHandler: detailedHealthHandler(st, orch, registry, dispatcher),

		StartHandler:    handler.NewStartHandler(orch),
		StatusHandler:   handler.NewStatusHandler(orch),
		CancelHandler:   handler.NewCancelHandler(orch),
		QRHandler:       handler.NewQRHandler(orch),
		SessionsHandler: handler.NewSessionsHandler(registry),
		WSHandler:       handler.NewWSHandler(orch, dispatcher),
	}

	router := api.NewRouter(deps)

	// 6. Start HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // WebSocket connections stay open
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		slog.Info("shutdown signal received, draining...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// Stop accepting requests, then stop jobs, then flush deliveries.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	if err := orch.Shutdown(shutdownCtx); err != nil {
		slog.Warn("orchestrator shutdown incomplete", "error", err)
	}
	dispatcher.Close()

	slog.Info("server stopped gracefully")
	return nil
}

func newStore(cfg *config.Config) (store.Store, error) {
	switch cfg.Store.Backend {
	case "memory":
		return store.NewMemoryStore(), nil
	default:
		return store.NewRedisStore(cfg.Store.RedisURL)
	}
}

// healthHandler checks state store connectivity.
func healthHandler(s store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.Ping(r.Context()); err != nil {
			response.Error(w, http.StatusServiceUnavailable, "DEGRADED",
				"State store unreachable", map[string]string{"store": "degraded"})
			return
		}
		response.JSON(w, map[string]any{"status": "ok"})
	}
}

// detailedHealthHandler adds job and connection counts for operators.
func detailedHealthHandler(s store.Store, orch *orchestrator.Orchestrator, reg *session.Registry, d *notify.Dispatcher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		storeStatus := "ok"
		if err := s.Ping(r.Context()); err != nil {
			storeStatus = "degraded"
		}

		body := map[string]any{
			"status":           storeStatus,
			"store":            storeStatus,
			"active_jobs":      orch.ActiveJobs(),
			"active_sessions":  reg.Count(),
			"live_connections": d.LiveConnections(),
		}

		if storeStatus != "ok" {
			response.Error(w, http.StatusServiceUnavailable, "DEGRADED",
				"State store unreachable", body)
			return
		}
		response.JSON(w, body)
	}
}
