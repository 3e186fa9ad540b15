package external

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"quotaledger/internal/ledger"
	"quotaledger/internal/types"
)

// Compile-time assertion that AlertWebhook satisfies ledger.DriftAlerter.
var _ ledger.DriftAlerter = (*AlertWebhook)(nil)

// AlertWebhookConfig holds the configuration for creating an AlertWebhook.
type AlertWebhookConfig struct {
	WebhookURL string
	Logger     *slog.Logger
}

// AlertWebhook delivers drift alerts to an ops webhook (Slack-compatible or
// any JSON sink) through BaseClient, inheriting circuit breaking and retry
// behavior. Alert delivery is best-effort: callers log failures and move on,
// so the retry policy here is deliberately short.
type AlertWebhook struct {
	base       *BaseClient
	webhookURL string
	logger     *slog.Logger
}

// NewAlertWebhook creates an AlertWebhook posting to the given URL.
func NewAlertWebhook(httpClient *http.Client, cfg AlertWebhookConfig) *AlertWebhook {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	base := NewBaseClient(
		httpClient,
		"drift-alerts",
		RetryPolicy{
			MaxRetries: 2,
			MinWait:    500 * time.Millisecond,
			MaxWait:    5 * time.Second,
		},
		"QuotaLedger/1.0",
	)

	return &AlertWebhook{
		base:       base,
		webhookURL: strings.TrimSuffix(cfg.WebhookURL, "/"),
		logger:     logger,
	}
}

// NewAlertWebhookWithBase creates an AlertWebhook with a pre-configured
// BaseClient. This is useful for testing when you want to control the
// BaseClient configuration (e.g., disable retries).
func NewAlertWebhookWithBase(base *BaseClient, cfg AlertWebhookConfig) *AlertWebhook {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &AlertWebhook{
		base:       base,
		webhookURL: strings.TrimSuffix(cfg.WebhookURL, "/"),
		logger:     logger,
	}
}

// driftAlertPayload is the JSON body posted to the webhook.
type driftAlertPayload struct {
	Event       string `json:"event"`
	CompanyID   string `json:"company_id"`
	Resource    string `json:"resource"`
	Incremental int    `json:"incremental_count"`
	Recomputed  int    `json:"recomputed_count"`
	Delta       int    `json:"delta"`
	DetectedAt  string `json:"detected_at"`
	TraceID     string `json:"trace_id,omitempty"`
}

// NotifyDrift posts a drift alert to the webhook. A 2xx response is success;
// anything else maps to ErrCodeUpstreamAlerts.
func (a *AlertWebhook) NotifyDrift(ctx context.Context, companyID string, resource types.ResourceType, incremental, recomputed int) error {
	payload := driftAlertPayload{
		Event:       "usage_drift_detected",
		CompanyID:   companyID,
		Resource:    string(resource),
		Incremental: incremental,
		Recomputed:  recomputed,
		Delta:       incremental - recomputed,
		DetectedAt:  time.Now().UTC().Format(time.RFC3339),
		TraceID:     types.GetRequestID(ctx),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return types.NewAppError(
			types.ErrCodeInternalUnexpected,
			"failed to marshal drift alert payload",
			err,
		)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.webhookURL, bytes.NewReader(body))
	if err != nil {
		return types.NewAppError(
			types.ErrCodeInternalUnexpected,
			"failed to create drift alert request",
			err,
		)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.base.Do(req)
	if err != nil {
		// BaseClient errors (circuit breaker, retries exhausted) already carry
		// an upstream error code.
		if _, ok := err.(*types.AppError); ok {
			return err
		}
		return types.NewAppError(
			types.ErrCodeUpstreamAlerts,
			fmt.Sprintf("drift alert request failed: %v", err),
			err,
		)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		a.logger.InfoContext(ctx, "drift alert delivered",
			"company_id", companyID,
			"resource", string(resource),
		)
		return nil
	}

	return types.NewAppError(
		types.ErrCodeUpstreamAlerts,
		fmt.Sprintf("drift alert webhook returned status %d", resp.StatusCode),
		nil,
	)
}
