// Package main is the entry point for the quota ledger API server.
//
// It loads configuration, connects the pgx pool, wires the ledger services
// (reconciler, admission controller, usage view) behind the core chassis
// (middleware, routing, health checks), and serves HTTP with graceful
// shutdown on SIGINT/SIGTERM.
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

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/go-chi/chi/v5"

	"quotaledger/internal/api/handlers"
	"quotaledger/internal/config"
	"quotaledger/internal/core"
	"quotaledger/internal/db"
	"quotaledger/internal/external"
	"quotaledger/internal/ledger"
	"quotaledger/internal/plan"
	"quotaledger/internal/queue"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

// run encapsulates the startup lifecycle so that main() can cleanly exit on error.
func run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := newLogger(cfg.LogLevel)
	logger.Info("quota ledger API starting",
		"environment", cfg.Environment,
		"service", cfg.Service,
		"port", cfg.Server.Port,
	)

	ctx := context.Background()

	pool, err := db.NewPool(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connecting database: %w", err)
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWS.Region))
	if err != nil {
		pool.Close()
		return fmt.Errorf("loading AWS SDK config: %w", err)
	}

	sqsClient := sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		if cfg.AWS.EndpointURL != "" {
			o.BaseEndpoint = aws.String(cfg.AWS.EndpointURL)
		}
	})
	cwClient := cloudwatch.NewFromConfig(awsCfg, func(o *cloudwatch.Options) {
		if cfg.AWS.EndpointURL != "" {
			o.BaseEndpoint = aws.String(cfg.AWS.EndpointURL)
		}
	})

	// Repositories and ledger services.
	companyRepo := db.NewCompanyRepository(pool, db.WithReservationTTL(cfg.Ledger.SnapshotStaleness))
	planCatalog := plan.NewRepoCatalog(db.NewPlanRepository(pool))
	resourceCounts := db.NewResourceCountsImpl(pool)
	txRunner := db.NewLedgerTxRunner(pool)

	metrics := ledger.NewCloudWatchMetrics(cwClient, cfg.AWS.MetricNamespace, logger)
	reconcileTrigger := queue.NewReconcileTrigger(sqsClient, cfg.AWS.ReconcileQueue, logger)

	reconciler := ledger.NewReconciler(resourceCounts, companyRepo, metrics, logger)

	admissionCfg := ledger.AdmissionConfig{
		DriftTolerance:    cfg.Ledger.DriftTolerance,
		SnapshotStaleness: cfg.Ledger.SnapshotStaleness,
		Retry: ledger.RetryPolicy{
			MaxRetries: cfg.Ledger.MaxRetries,
			MinWait:    cfg.Ledger.RetryMinWait,
			MaxWait:    cfg.Ledger.RetryMaxWait,
		},
	}

	admissionOpts := []ledger.AdmissionOption{}
	if cfg.Alert.WebhookURL != "" {
		alerter := external.NewAlertWebhook(
			&http.Client{Timeout: cfg.Alert.Timeout},
			external.AlertWebhookConfig{WebhookURL: cfg.Alert.WebhookURL, Logger: logger},
		)
		admissionOpts = append(admissionOpts, ledger.WithDriftAlerter(alerter))
	}

	admission := ledger.NewAdmissionController(
		txRunner,
		companyRepo,
		planCatalog,
		metrics,
		reconcileTrigger,
		admissionCfg,
		db.IsRetryableTxError,
		logger,
		admissionOpts...,
	)

	views := ledger.NewViewService(companyRepo, planCatalog)

	// Build the server.
	srv, err := core.NewServer(cfg, logger)
	if err != nil {
		pool.Close()
		return fmt.Errorf("creating server: %w", err)
	}
	srv.HealthProbes = append(srv.HealthProbes, db.NewHealthProbe(pool))
	srv.Closers = append(srv.Closers, func() error {
		pool.Close()
		return nil
	})

	companyHandler := handlers.NewCompanyHandler(companyRepo, planCatalog, views, srv.Validator, logger)
	admissionHandler := handlers.NewAdmissionHandler(admission, reconciler, srv.Validator, logger)

	srv.V1RouteRegistrars = append(srv.V1RouteRegistrars, func(r chi.Router) {
		r.Route("/companies", func(r chi.Router) {
			companyHandler.RegisterRoutes(r)
			admissionHandler.RegisterRoutes(r)
		})
	})

	srv.MountRoutes()

	return runHTTPServer(srv, cfg, logger)
}

// runHTTPServer starts the server in standard HTTP mode with graceful shutdown.
func runHTTPServer(srv *core.Server, cfg *config.Config, logger *slog.Logger) error {
	addr := ":" + cfg.Server.Port

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       120 * time.Second,
	}

	serverErr := make(chan error, 1)

	go func() {
		logger.Info("HTTP server listening", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-shutdown:
		logger.Info("shutdown signal received", "signal", sig.String())
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	logger.Info("initiating graceful shutdown")
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("server resource shutdown error", "error", err)
		return fmt.Errorf("server shutdown: %w", err)
	}

	logger.Info("server stopped cleanly")
	return nil
}

// newLogger creates a structured JSON slog.Logger for the given log level.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
