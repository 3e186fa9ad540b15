// Package config defines the global configuration structure for the quota
// ledger service. Configuration is loaded once at process initialization and
// is immutable thereafter. It follows 12-Factor App principles by strictly
// separating code from configuration.
//
// Any missing required value or invalid format causes the application to fail
// immediately on startup (fail fast).
package config

import (
	"time"

	"quotaledger/internal/types"
)

// SecretString is an alias for types.SecretString, the redacted secret type
// used throughout configuration to prevent accidental logging of sensitive
// values.
type SecretString = types.SecretString

// Config is the top-level configuration struct for the quota ledger service.
// It is populated once during process initialization and never modified.
// Sub-components receive only the specific config subsets they require.
type Config struct {
	// System Metadata
	Environment string `envconfig:"APP_ENV" validate:"required,oneof=local dev staging prod"`
	Service     string `envconfig:"SERVICE_NAME" default:"quotaledger"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	// Domain Configurations
	Server   ServerConfig
	Database DatabaseConfig
	AWS      AWSConfig
	Ledger   LedgerConfig
	Alert    AlertConfig
	Auth     AuthConfig
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port            string        `envconfig:"PORT" default:"8080"`
	ReadTimeout     time.Duration `envconfig:"SERVER_READ_TIMEOUT" default:"10s"`
	WriteTimeout    time.Duration `envconfig:"SERVER_WRITE_TIMEOUT" default:"30s"`
	ShutdownTimeout time.Duration `envconfig:"SERVER_SHUTDOWN_TIMEOUT" default:"15s"`
}

// DatabaseConfig holds database connection and pool tuning parameters.
type DatabaseConfig struct {
	URL SecretString `envconfig:"DATABASE_URL" validate:"required,url"`

	// Tuning Parameters
	MaxConns          int           `envconfig:"DB_MAX_CONNS" default:"10"`
	MinConns          int           `envconfig:"DB_MIN_CONNS" default:"2"`
	MaxConnLifetime   time.Duration `envconfig:"DB_MAX_CONN_LIFETIME" default:"30m"`
	AcquireTimeout    time.Duration `envconfig:"DB_ACQUIRE_TIMEOUT" default:"2s"`     // Fail fast when pool exhausted
	HealthCheckPeriod time.Duration `envconfig:"DB_HEALTH_CHECK_PERIOD" default:"1m"` // Detect dead connections during failover
}

// AWSConfig holds AWS resource identifiers and regional configuration.
type AWSConfig struct {
	Region string `envconfig:"AWS_REGION" default:"us-east-1"`

	// ReconcileQueue receives out-of-band recompute requests (drift-triggered
	// and post-failure reconciles).
	ReconcileQueue string `envconfig:"SQS_RECONCILE_QUEUE" validate:"required,url"`

	// MetricNamespace is the CloudWatch namespace for ledger telemetry.
	MetricNamespace string `envconfig:"METRIC_NAMESPACE" default:"QuotaLedger"`

	// LocalStack Support (Empty in Prod)
	EndpointURL string `envconfig:"AWS_ENDPOINT_URL"`
}

// LedgerConfig holds the tuning knobs for admission control and
// reconciliation.
type LedgerConfig struct {
	// DriftTolerance is the maximum allowed divergence between the live
	// incremental counter and the recomputed snapshot before a drift warning
	// is raised and an out-of-band reconcile is requested.
	DriftTolerance int `envconfig:"LEDGER_DRIFT_TOLERANCE" default:"1" validate:"min=0"`

	// SnapshotStaleness is how old a usage snapshot may be before admission
	// callers must refresh it and the scheduled sweep recomputes it.
	SnapshotStaleness time.Duration `envconfig:"LEDGER_SNAPSHOT_STALENESS" default:"15m"`

	// Transaction retry policy for write-conflict contention on the company
	// document. Exhaustion surfaces as service_unavailable (fail closed).
	MaxRetries   int           `envconfig:"LEDGER_TX_MAX_RETRIES" default:"3" validate:"min=1"`
	RetryMinWait time.Duration `envconfig:"LEDGER_TX_RETRY_MIN_WAIT" default:"50ms"`
	RetryMaxWait time.Duration `envconfig:"LEDGER_TX_RETRY_MAX_WAIT" default:"1s"`

	// SweepBatchLimit bounds how many stale companies one reconcile sweep
	// invocation processes.
	SweepBatchLimit int `envconfig:"LEDGER_SWEEP_BATCH_LIMIT" default:"50" validate:"min=1"`
}

// AlertConfig holds the outbound drift-alert webhook settings. An empty URL
// disables alert delivery (metrics and logs still fire).
type AlertConfig struct {
	WebhookURL string        `envconfig:"ALERT_WEBHOOK_URL" validate:"omitempty,url"`
	Timeout    time.Duration `envconfig:"ALERT_TIMEOUT" default:"5s"`
}

// AuthConfig holds service-to-service authentication settings. Keys are
// provisioned out of band; the service only ever sees bcrypt hashes.
type AuthConfig struct {
	// APIKeyHashes is a comma-separated list of "key_id:bcrypt_hash" entries.
	APIKeyHashes string `envconfig:"API_KEY_HASHES"`

	// DisableAuth bypasses API key checks. Only honored in the local
	// environment.
	DisableAuth bool `envconfig:"DISABLE_AUTH" default:"false"`
}
