// Package queue provides SQS-based message producers for dispatching
// out-of-band reconcile requests to the reconcile worker.
package queue

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"quotaledger/internal/ledger"
	"quotaledger/internal/types"
)

// Compile-time assertion that ReconcileTrigger satisfies the ledger interface.
var _ ledger.ReconcileTrigger = (*ReconcileTrigger)(nil)

// SQSSender abstracts the SQS SendMessage operation for testability.
// Production code uses the *sqs.Client from aws-sdk-go-v2.
type SQSSender interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// ReconcileTrigger publishes ReconcileRequest messages to the reconcile
// queue. It implements the trigger interface consumed by admission control
// and the orchestrator: requests are fire-and-forget corrections, so callers
// log failures but never fail on them.
type ReconcileTrigger struct {
	client   SQSSender
	queueURL string
	logger   *slog.Logger
}

// NewReconcileTrigger creates a ReconcileTrigger publishing to the given
// queue URL.
func NewReconcileTrigger(client SQSSender, queueURL string, logger *slog.Logger) *ReconcileTrigger {
	if logger == nil {
		logger = slog.Default()
	}
	return &ReconcileTrigger{
		client:   client,
		queueURL: queueURL,
		logger:   logger,
	}
}

// RequestReconcile enqueues a recompute request for the company.
func (t *ReconcileTrigger) RequestReconcile(ctx context.Context, companyID string, reason types.ReconcileReason) error {
	msg := types.ReconcileRequest{
		CompanyID:   companyID,
		Reason:      reason,
		RequestedAt: time.Now().UTC(),
		TraceID:     types.GetRequestID(ctx),
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "failed to marshal reconcile request", err)
	}

	_, err = t.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(t.queueURL),
		MessageBody: aws.String(string(body)),
	})
	if err != nil {
		return types.NewAppError(types.ErrCodeUpstreamQueue, "failed to enqueue reconcile request", err)
	}

	t.logger.InfoContext(ctx, "reconcile request enqueued",
		"company_id", companyID,
		"reason", string(reason),
	)
	return nil
}
