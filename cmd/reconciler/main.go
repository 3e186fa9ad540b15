// Package main is the entrypoint for the reconciler Lambda function.
//
// The reconciler serves two triggers with one binary:
//
//   - SQS messages on the reconcile queue: targeted recompute requests
//     published by admission control (drift detected) and the orchestrator
//     (mutation failed after a granted admission). Each message names one
//     company.
//   - Scheduled events (EventBridge): the sweep pass, which finds companies
//     whose snapshot has gone stale and recomputes each one, so drifted or
//     never-reconciled companies converge even without admission traffic.
//
// The handler inspects the raw payload to tell the two apart.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"

	"quotaledger/internal/config"
	"quotaledger/internal/db"
	"quotaledger/internal/ledger"
	"quotaledger/internal/scheduler"
	"quotaledger/internal/types"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
)

// snapshotRecomputer recomputes one company's usage snapshot from ground
// truth. Satisfied by *ledger.Reconciler.
type snapshotRecomputer interface {
	Recompute(ctx context.Context, companyID string) (*types.UsageSnapshot, error)
}

// sweepRunner runs one stale-snapshot sweep pass. Satisfied by
// *scheduler.Sweeper.
type sweepRunner interface {
	Run(ctx context.Context) (scheduler.SweepResult, error)
}

// Handler holds the dependencies for the reconciler Lambda handler.
type Handler struct {
	reconciler snapshotRecomputer
	sweeper    sweepRunner
	logger     *slog.Logger
}

// Handle dispatches on the event shape: SQS batches carry targeted reconcile
// requests; anything else is treated as the scheduled sweep trigger.
func (h *Handler) Handle(ctx context.Context, raw json.RawMessage) (events.SQSEventResponse, error) {
	var sqsEvent events.SQSEvent
	if err := json.Unmarshal(raw, &sqsEvent); err == nil && len(sqsEvent.Records) > 0 {
		return h.handleQueue(ctx, sqsEvent)
	}

	result, err := h.sweeper.Run(ctx)
	if err != nil {
		return events.SQSEventResponse{}, err
	}
	h.logger.InfoContext(ctx, "scheduled sweep finished",
		"processed", result.Processed,
		"failed", result.Failed,
	)
	return events.SQSEventResponse{}, nil
}

// handleQueue processes targeted reconcile requests, reporting failures via
// partial batch responses so SQS redelivers only the failed messages.
func (h *Handler) handleQueue(ctx context.Context, sqsEvent events.SQSEvent) (events.SQSEventResponse, error) {
	response := events.SQSEventResponse{}

	for _, record := range sqsEvent.Records {
		if err := h.processRequest(ctx, record); err != nil {
			h.logger.ErrorContext(ctx, "failed to process reconcile request",
				"message_id", record.MessageId,
				"error", err,
			)
			response.BatchItemFailures = append(response.BatchItemFailures,
				events.SQSBatchItemFailure{ItemIdentifier: record.MessageId},
			)
		}
	}

	return response, nil
}

// processRequest recomputes the snapshot for one company. A malformed body is
// acknowledged rather than retried; a company deleted since the request was
// published is likewise dropped.
func (h *Handler) processRequest(ctx context.Context, record events.SQSMessage) error {
	var req types.ReconcileRequest
	if err := json.Unmarshal([]byte(record.Body), &req); err != nil {
		h.logger.ErrorContext(ctx, "dropping malformed reconcile request",
			"message_id", record.MessageId,
			"error", err,
		)
		return nil
	}
	if req.CompanyID == "" {
		h.logger.ErrorContext(ctx, "dropping reconcile request without company id",
			"message_id", record.MessageId,
		)
		return nil
	}

	h.logger.InfoContext(ctx, "processing reconcile request",
		"company_id", req.CompanyID,
		"reason", string(req.Reason),
		"trace_id", req.TraceID,
	)

	_, err := h.reconciler.Recompute(ctx, req.CompanyID)
	if err != nil {
		var appErr *types.AppError
		if errors.As(err, &appErr) && appErr.Code == types.ErrCodeNotFoundCompany {
			h.logger.WarnContext(ctx, "dropping reconcile request for unknown company",
				"company_id", req.CompanyID,
			)
			return nil
		}
		return err
	}
	return nil
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	logger.Info("reconciler initializing (cold start)")

	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()

	pool, err := db.NewPool(ctx, cfg.Database)
	if err != nil {
		logger.Error("failed to connect database", "error", err)
		os.Exit(1)
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWS.Region))
	if err != nil {
		logger.Error("failed to load AWS SDK config", "error", err)
		os.Exit(1)
	}

	cwClient := cloudwatch.NewFromConfig(awsCfg, func(o *cloudwatch.Options) {
		if cfg.AWS.EndpointURL != "" {
			o.BaseEndpoint = aws.String(cfg.AWS.EndpointURL)
		}
	})

	companyRepo := db.NewCompanyRepository(pool, db.WithReservationTTL(cfg.Ledger.SnapshotStaleness))
	resourceCounts := db.NewResourceCountsImpl(pool)
	metrics := ledger.NewCloudWatchMetrics(cwClient, cfg.AWS.MetricNamespace, logger)

	reconciler := ledger.NewReconciler(resourceCounts, companyRepo, metrics, logger)
	sweeper := scheduler.NewSweeper(
		companyRepo,
		reconciler,
		cfg.Ledger.SnapshotStaleness,
		cfg.Ledger.SweepBatchLimit,
		logger,
	)

	handler := &Handler{
		reconciler: reconciler,
		sweeper:    sweeper,
		logger:     logger,
	}

	logger.Info("reconciler initialized",
		"environment", cfg.Environment,
		"staleness", cfg.Ledger.SnapshotStaleness.String(),
		"batch_limit", cfg.Ledger.SweepBatchLimit,
	)

	// Local mode: read one event from stdin (or run a sweep when stdin is
	// empty) instead of starting the Lambda runtime.
	if cfg.Environment == "local" {
		if err := runLocal(ctx, handler, logger); err != nil {
			logger.Error("local run failed", "error", err)
			os.Exit(1)
		}
		return
	}

	lambda.Start(handler.Handle)
}

// runLocal reads one raw event from stdin and processes it; no input runs a
// sweep directly.
func runLocal(ctx context.Context, handler *Handler, logger *slog.Logger) error {
	logger.Info("APP_ENV=local: reading event from stdin")

	payload, err := io.ReadAll(os.Stdin)
	if err != nil {
		return fmt.Errorf("reading stdin: %w", err)
	}
	if len(payload) == 0 {
		payload = []byte(`{}`)
	}

	response, err := handler.Handle(ctx, payload)
	if err != nil {
		return err
	}

	logger.Info("local run complete", "failures", len(response.BatchItemFailures))
	return nil
}
