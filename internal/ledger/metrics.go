package ledger

import (
	"context"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"quotaledger/internal/types"
)

// Metric and dimension names emitted to CloudWatch.
const (
	MetricAdmissionCheck  = "AdmissionCheck"
	MetricClampActivation = "ClampActivation"
	MetricDriftDetected   = "DriftDetected"
	MetricReconcilePass   = "ReconcilePass"

	DimResource = "Resource"
	DimOutcome  = "Outcome"
)

// Metrics records ledger telemetry. Implementations must be safe for
// concurrent use and must never fail the calling operation: metric emission
// is best-effort.
type Metrics interface {
	// RecordAdmission counts an admission check outcome per resource.
	RecordAdmission(ctx context.Context, resource types.ResourceType, outcome types.AdmissionOutcome)

	// RecordClampActivation counts a clamp-at-zero firing. The clamp silently
	// absorbs an erroneous double-decrement, so every activation is flagged
	// for monitoring.
	RecordClampActivation(ctx context.Context, resource types.ResourceType)

	// RecordDrift counts a divergence between the incremental counter and the
	// recomputed snapshot beyond tolerance, with the observed magnitude.
	RecordDrift(ctx context.Context, resource types.ResourceType, magnitude int)

	// RecordReconcile counts a completed or failed reconcile pass.
	RecordReconcile(ctx context.Context, outcome types.AdmissionOutcome)
}

// NoopMetrics discards all telemetry. Used in tests and local development.
type NoopMetrics struct{}

func (NoopMetrics) RecordAdmission(context.Context, types.ResourceType, types.AdmissionOutcome) {}
func (NoopMetrics) RecordClampActivation(context.Context, types.ResourceType)                  {}
func (NoopMetrics) RecordDrift(context.Context, types.ResourceType, int)                       {}
func (NoopMetrics) RecordReconcile(context.Context, types.AdmissionOutcome)                    {}

// CloudWatchClient abstracts the CloudWatch PutMetricData operation for
// testability.
type CloudWatchClient interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

// Compile-time assertion that CloudWatchMetrics implements Metrics.
var _ Metrics = (*CloudWatchMetrics)(nil)

// CloudWatchMetrics implements Metrics by emitting metrics to AWS CloudWatch.
// Emission failures are logged and swallowed; telemetry never blocks or fails
// ledger operations.
type CloudWatchMetrics struct {
	client    CloudWatchClient
	namespace string
	logger    *slog.Logger
}

// NewCloudWatchMetrics creates a CloudWatchMetrics publishing to the given
// namespace.
func NewCloudWatchMetrics(client CloudWatchClient, namespace string, logger *slog.Logger) *CloudWatchMetrics {
	if logger == nil {
		logger = slog.Default()
	}
	return &CloudWatchMetrics{
		client:    client,
		namespace: namespace,
		logger:    logger,
	}
}

// RecordAdmission emits an AdmissionCheck metric with Resource and Outcome
// dimensions.
func (m *CloudWatchMetrics) RecordAdmission(ctx context.Context, resource types.ResourceType, outcome types.AdmissionOutcome) {
	m.put(ctx, MetricAdmissionCheck, 1, []cwtypes.Dimension{
		{Name: aws.String(DimResource), Value: aws.String(string(resource))},
		{Name: aws.String(DimOutcome), Value: aws.String(string(outcome))},
	})
}

// RecordClampActivation emits a ClampActivation metric with the Resource
// dimension.
func (m *CloudWatchMetrics) RecordClampActivation(ctx context.Context, resource types.ResourceType) {
	m.put(ctx, MetricClampActivation, 1, []cwtypes.Dimension{
		{Name: aws.String(DimResource), Value: aws.String(string(resource))},
	})
}

// RecordDrift emits a DriftDetected metric carrying the drift magnitude as
// the metric value.
func (m *CloudWatchMetrics) RecordDrift(ctx context.Context, resource types.ResourceType, magnitude int) {
	m.put(ctx, MetricDriftDetected, float64(magnitude), []cwtypes.Dimension{
		{Name: aws.String(DimResource), Value: aws.String(string(resource))},
	})
}

// RecordReconcile emits a ReconcilePass metric with the Outcome dimension.
func (m *CloudWatchMetrics) RecordReconcile(ctx context.Context, outcome types.AdmissionOutcome) {
	m.put(ctx, MetricReconcilePass, 1, []cwtypes.Dimension{
		{Name: aws.String(DimOutcome), Value: aws.String(string(outcome))},
	})
}

func (m *CloudWatchMetrics) put(ctx context.Context, name string, value float64, dims []cwtypes.Dimension) {
	input := &cloudwatch.PutMetricDataInput{
		Namespace: aws.String(m.namespace),
		MetricData: []cwtypes.MetricDatum{
			{
				MetricName: aws.String(name),
				Value:      aws.Float64(value),
				Unit:       cwtypes.StandardUnitCount,
				Timestamp:  aws.Time(time.Now().UTC()),
				Dimensions: dims,
			},
		},
	}
	if _, err := m.client.PutMetricData(ctx, input); err != nil {
		m.logger.ErrorContext(ctx, "failed to emit ledger metric",
			"metric", name,
			"error", err,
		)
	}
}
