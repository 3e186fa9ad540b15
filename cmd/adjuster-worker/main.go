// Package main is the entrypoint for the usage adjuster Lambda function.
//
// The adjuster consumes resource status-transition events from the usage
// events SQS queue and applies signed deltas to the owning companies' live
// usage counters. Each invocation receives a batch of SQS messages; messages
// that fail processing are reported as partial batch failures so SQS retries
// only those.
//
// Cold start:
//  1. Initialize the structured logger.
//  2. Load configuration and the AWS SDK config.
//  3. Connect the pgx pool and build the transaction runner.
//  4. Build the Adjuster with CloudWatch metrics.
//  5. Register the handler and call lambda.Start.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"

	"quotaledger/internal/config"
	"quotaledger/internal/db"
	"quotaledger/internal/ledger"
	"quotaledger/internal/types"
)

// eventApplier applies one resource event to the owning companies' counters.
// Satisfied by *ledger.Adjuster.
type eventApplier interface {
	Apply(ctx context.Context, event *types.ResourceEvent) error
}

// Handler holds the dependencies for the adjuster Lambda handler.
type Handler struct {
	adjuster eventApplier
	logger   *slog.Logger
}

// Handle processes an SQS event containing one or more resource events.
// Each message is processed independently; failures are reported via partial
// batch responses so SQS redelivers only the failed messages.
func (h *Handler) Handle(ctx context.Context, sqsEvent events.SQSEvent) (events.SQSEventResponse, error) {
	response := events.SQSEventResponse{}

	for _, record := range sqsEvent.Records {
		if err := h.processMessage(ctx, record); err != nil {
			h.logger.ErrorContext(ctx, "failed to process usage event",
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

// processMessage applies a single resource event. A malformed body is a
// permanent failure: it is logged and acknowledged rather than retried, since
// redelivery cannot fix it.
func (h *Handler) processMessage(ctx context.Context, record events.SQSMessage) error {
	var event types.ResourceEvent
	if err := json.Unmarshal([]byte(record.Body), &event); err != nil {
		h.logger.ErrorContext(ctx, "dropping malformed usage event",
			"message_id", record.MessageId,
			"error", err,
		)
		return nil
	}

	if event.EventID == "" || !event.Resource.Valid() {
		h.logger.ErrorContext(ctx, "dropping invalid usage event",
			"message_id", record.MessageId,
			"event_id", event.EventID,
			"resource", string(event.Resource),
		)
		return nil
	}

	h.logger.InfoContext(ctx, "processing usage event",
		"event_id", event.EventID,
		"resource", string(event.Resource),
		"old_status", event.OldStatus,
		"new_status", event.NewStatus,
	)

	return h.adjuster.Apply(ctx, &event)
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	logger.Info("adjuster worker initializing (cold start)")

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

	metrics := ledger.NewCloudWatchMetrics(cwClient, cfg.AWS.MetricNamespace, logger)

	adjuster := ledger.NewAdjuster(
		db.NewLedgerTxRunner(pool),
		metrics,
		ledger.RetryPolicy{
			MaxRetries: cfg.Ledger.MaxRetries,
			MinWait:    cfg.Ledger.RetryMinWait,
			MaxWait:    cfg.Ledger.RetryMaxWait,
		},
		db.IsRetryableTxError,
		logger,
	)

	handler := &Handler{
		adjuster: adjuster,
		logger:   logger,
	}

	logger.Info("adjuster worker initialized",
		"environment", cfg.Environment,
		"metric_namespace", cfg.AWS.MetricNamespace,
	)

	// Local mode: read a JSON SQS event from stdin instead of starting the
	// Lambda runtime. This enables local integration testing without the RIE.
	if cfg.Environment == "local" {
		if err := runLocal(ctx, handler, logger); err != nil {
			logger.Error("local run failed", "error", err)
			os.Exit(1)
		}
		return
	}

	lambda.Start(handler.Handle)
}

// runLocal reads one SQS event from stdin and processes it.
func runLocal(ctx context.Context, handler *Handler, logger *slog.Logger) error {
	logger.Info("APP_ENV=local: reading SQS event from stdin")

	payload, err := io.ReadAll(os.Stdin)
	if err != nil {
		return fmt.Errorf("reading stdin: %w", err)
	}
	if len(payload) == 0 {
		return fmt.Errorf("no input received on stdin")
	}

	var sqsEvent events.SQSEvent
	if err := json.Unmarshal(payload, &sqsEvent); err != nil {
		return fmt.Errorf("parsing SQS event: %w", err)
	}

	response, err := handler.Handle(ctx, sqsEvent)
	if err != nil {
		return err
	}

	logger.Info("local run complete",
		"records", len(sqsEvent.Records),
		"failures", len(response.BatchItemFailures),
	)
	return nil
}
