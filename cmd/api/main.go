// Package main is the entry point for the metergate API server.
//
// It loads the configuration and the meter/plan catalog, opens the usage
// store through the driver registry, runs the idempotent schema bootstrap
// when auto-migration is enabled, and serves the usage and webhook endpoints.
//
// Graceful shutdown is handled via OS signal interception (SIGINT, SIGTERM).
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/sync/errgroup"

	"metergate/internal/api/handlers"
	"metergate/internal/billing"
	"metergate/internal/config"
	"metergate/internal/core"
	"metergate/internal/external"
	"metergate/internal/store"
	"metergate/internal/usage"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

// run encapsulates the startup lifecycle so that main() can cleanly exit on error.
func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := newLogger(cfg.LogLevel)
	logger.Info("metergate API starting",
		"environment", cfg.Environment,
		"store_driver", cfg.Store.Driver,
		"port", cfg.Server.Port,
	)

	catalog, err := config.LoadCatalog(cfg.Catalog.Path)
	if err != nil {
		return fmt.Errorf("loading catalog: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	registry := store.DefaultRegistry()
	st, err := registry.Open(ctx, cfg.Store.Driver, cfg.Store.DSN.Unmask())
	if err != nil {
		return fmt.Errorf("opening usage store: %w", err)
	}
	defer st.Close()

	if cfg.Store.AutoMigrate {
		if err := st.Bootstrap(ctx); err != nil {
			return fmt.Errorf("bootstrapping usage store: %w", err)
		}
		if err := st.SnapshotPlanLimits(ctx, catalog.Meters()); err != nil {
			// The snapshot is an audit convenience, not a startup gate.
			logger.Warn("failed to snapshot plan limits", "error", err)
		}
	}

	var stripeClient *external.StripeClient
	if cfg.Billing.StripeSecretKey != "" {
		stripeClient = external.NewStripeClient(
			&http.Client{Timeout: 20 * time.Second},
			external.StripeClientConfig{
				SecretKey: cfg.Billing.StripeSecretKey,
				Logger:    logger,
			},
		)
	}

	gate := usage.NewGate(catalog, st, logger,
		usage.WithUpgradeURL(cfg.Server.UpgradeURL()),
	)

	recorderOpts := []usage.RecorderOption{}
	if cfg.Billing.ForwardMeterEvents && stripeClient != nil {
		recorderOpts = append(recorderOpts, usage.WithForwarder(stripeClient))
	}
	recorder := usage.NewRecorder(catalog, st, logger, recorderOpts...)

	usageHandler := handlers.NewUsageHandler(gate, recorder, logger)
	webhookHandler := handlers.NewStripeWebhookHandler(
		&external.StripeVerifier{},
		st,
		st,
		billing.BuildPriceMap(catalog.Plans()),
		st,
		cfg.Billing.StripeWebhookSecret,
		logger,
	)

	r := chi.NewRouter()
	// RequestID wraps Recoverer so panic responses still carry a request id.
	r.Use(core.RequestID)
	r.Use(core.Recoverer(logger))
	r.Use(core.RequestLogger(logger))
	r.Route("/api", usageHandler.RegisterRoutes)
	webhookHandler.RegisterRoutes(r)

	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("server error: %w", err)
	}
	logger.Info("metergate API stopped")
	return nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
