package ledger

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"quotaledger/internal/types"
)

// PlanSource provides plan definitions by id. Plan lookups are pure reads
// and happen before the company transaction starts, so no lock is ever held
// across a catalog call.
type PlanSource interface {
	Get(ctx context.Context, planID string) (*types.Plan, error)
}

// CompanyReader provides the non-locking pre-read of the company document.
type CompanyReader interface {
	GetByID(ctx context.Context, id string) (*types.Company, error)
}

// CompanyTx is a transaction holding the lock on one company document for
// the duration of an admission check.
type CompanyTx interface {
	// Company returns the row as locked at transaction start.
	Company() *types.Company

	// Reserve increments the reservation counter for the resource on the
	// locked row (two-phase reserve/commit protocol).
	Reserve(ctx context.Context, resource types.ResourceType, n int) error

	// Release decrements the reservation counter on the locked row, clamped
	// at zero.
	Release(ctx context.Context, resource types.ResourceType, n int) error

	// Touch performs the no-op commit write, bumping updated_at so the
	// admission serializes against concurrent writers.
	Touch(ctx context.Context) error

	// Commit commits the transaction.
	Commit(ctx context.Context) error

	// Rollback rolls back the transaction. Safe to call after Commit (no-op).
	Rollback(ctx context.Context) error
}

// AdmissionDB begins locked transactions on company documents.
type AdmissionDB interface {
	BeginCompanyTx(ctx context.Context, companyID string) (CompanyTx, error)
}

// ReconcileTrigger requests an out-of-band snapshot recompute. Implemented by
// the SQS publisher; failures are logged, never surfaced to admission callers.
type ReconcileTrigger interface {
	RequestReconcile(ctx context.Context, companyID string, reason types.ReconcileReason) error
}

// DriftAlerter delivers drift alerts to an external sink (ops webhook).
type DriftAlerter interface {
	NotifyDrift(ctx context.Context, companyID string, resource types.ResourceType, incremental, recomputed int) error
}

// AdmissionConfig tunes the admission check.
type AdmissionConfig struct {
	// DriftTolerance is the maximum divergence between the live counter and
	// the recomputed snapshot before a drift warning fires.
	DriftTolerance int

	// SnapshotStaleness bounds how old the snapshot may be; admission on a
	// staler snapshot fails closed so callers recompute first.
	SnapshotStaleness time.Duration

	Retry RetryPolicy
}

// AdmissionController gates resource-adding actions against the effective
// plan limit. AssertCanAdd performs no mutation of the underlying resource;
// it only decides, inside a transaction scoped to the company document, and
// the caller performs the real mutation immediately afterward.
type AdmissionController struct {
	db          AdmissionDB
	companies   CompanyReader
	plans       PlanSource
	metrics     Metrics
	reconciles  ReconcileTrigger
	alerter     DriftAlerter
	cfg         AdmissionConfig
	isRetryable RetryableError
	logger      *slog.Logger
	sleepFn     func(time.Duration) // for testability; defaults to time.Sleep
	nowFn       func() time.Time
}

// AdmissionOption is a functional option for configuring the controller.
type AdmissionOption func(*AdmissionController)

// WithAdmissionSleepFunc overrides the sleep function used between retries.
func WithAdmissionSleepFunc(fn func(time.Duration)) AdmissionOption {
	return func(c *AdmissionController) {
		c.sleepFn = fn
	}
}

// WithAdmissionNowFunc overrides the clock used for staleness checks.
func WithAdmissionNowFunc(fn func() time.Time) AdmissionOption {
	return func(c *AdmissionController) {
		c.nowFn = fn
	}
}

// WithDriftAlerter attaches an external drift alert sink.
func WithDriftAlerter(a DriftAlerter) AdmissionOption {
	return func(c *AdmissionController) {
		c.alerter = a
	}
}

// NewAdmissionController creates an AdmissionController.
func NewAdmissionController(
	db AdmissionDB,
	companies CompanyReader,
	plans PlanSource,
	metrics Metrics,
	reconciles ReconcileTrigger,
	cfg AdmissionConfig,
	isRetryable RetryableError,
	logger *slog.Logger,
	opts ...AdmissionOption,
) *AdmissionController {
	if metrics == nil {
		metrics = NoopMetrics{}
	}
	if isRetryable == nil {
		isRetryable = func(error) bool { return false }
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Retry.MaxRetries == 0 {
		cfg.Retry = DefaultRetryPolicy()
	}
	c := &AdmissionController{
		db:          db,
		companies:   companies,
		plans:       plans,
		metrics:     metrics,
		reconciles:  reconciles,
		cfg:         cfg,
		isRetryable: isRetryable,
		logger:      logger,
		sleepFn:     time.Sleep,
		nowFn:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// AssertCanAdd decides whether the company may add increment resources of the
// given type under its effective limit. A rejected decision is a business
// outcome, returned with a nil error; infra failures return an error and no
// decision (fail closed: a timeout never means "quota available").
//
// When reserve is true the check commits a reservation increment, so two
// concurrent admissions cannot both claim the last slot before either real
// mutation lands. A reservation keeps counting until the caller returns it
// via ReleaseReservation, or, for callers that never do, until it outlives
// the staleness budget and a reconcile pass garbage-collects it.
func (c *AdmissionController) AssertCanAdd(ctx context.Context, companyID string, resource types.ResourceType, increment int, reserve bool) (*types.AdmissionDecision, error) {
	if !resource.Valid() {
		return nil, types.NewAppError(types.ErrCodeValidationInvalidResource, "unknown resource type", nil)
	}
	if increment < 1 {
		return nil, types.NewAppError(types.ErrCodeValidationInvalidIncrement, "increment must be at least 1", nil)
	}

	var lastErr error
	for attempt := 0; attempt < c.cfg.Retry.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			c.metrics.RecordAdmission(ctx, resource, types.AdmissionErrored)
			return nil, types.NewAppError(types.ErrCodeServiceUnavailable, "admission check cancelled", err)
		}

		decision, drift, err := c.tryAdmit(ctx, companyID, resource, increment, reserve)
		if err == nil {
			if drift != nil {
				// The company transaction is closed by the time tryAdmit
				// returns, so the queue publish, metric put, and webhook
				// behind reportDrift never run under the row lock.
				c.reportDrift(ctx, drift)
			}
			outcome := types.AdmissionGranted
			if !decision.Allowed {
				outcome = types.AdmissionRejected
			}
			c.metrics.RecordAdmission(ctx, resource, outcome)
			return decision, nil
		}
		if !errors.Is(err, errPlanChangedMidCheck) && !c.isRetryable(err) {
			c.metrics.RecordAdmission(ctx, resource, types.AdmissionErrored)
			return nil, err
		}

		lastErr = err
		if attempt < c.cfg.Retry.MaxRetries-1 {
			c.sleepFn(c.cfg.Retry.backoff(attempt))
		}
	}

	c.metrics.RecordAdmission(ctx, resource, types.AdmissionErrored)
	return nil, types.NewAppError(types.ErrCodeServiceUnavailable, "admission check failed after retries", lastErr)
}

// ReleaseReservation returns a reservation taken by AssertCanAdd once the
// caller's real mutation has landed or definitively failed. Releasing more
// than is reserved is not an error: the counter clamps at zero. Reservations
// abandoned by callers that never release (crashes between admit and mutate)
// are garbage-collected by reconcile passes once they outlive the staleness
// budget.
func (c *AdmissionController) ReleaseReservation(ctx context.Context, companyID string, resource types.ResourceType, n int) error {
	if !resource.Valid() {
		return types.NewAppError(types.ErrCodeValidationInvalidResource, "unknown resource type", nil)
	}
	if n < 1 {
		return types.NewAppError(types.ErrCodeValidationInvalidIncrement, "release count must be at least 1", nil)
	}

	tx, err := c.db.BeginCompanyTx(ctx, companyID)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if err := tx.Release(ctx, resource, n); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// errPlanChangedMidCheck signals that billing changed between the pre-read
// and the locked read; the attempt is retried with fresh plan lookups.
var errPlanChangedMidCheck = types.NewAppError(types.ErrCodeConflictConcurrent, "billing changed during admission check", nil)

// driftObservation captures a tolerance-exceeding divergence noticed while
// the company row was locked. Reporting it involves network calls (queue
// publish, metric put, webhook with retries), so the raw numbers are carried
// out of the transaction and reported only after it ends.
type driftObservation struct {
	companyID   string
	resource    types.ResourceType
	incremental int
	recomputed  int
	drift       int
}

// tryAdmit runs one admission attempt. Plan catalog reads happen before the
// transaction starts to keep the transaction body short and retry-cheap; if
// the locked row reveals the billing state moved underneath us, the attempt
// fails retryably and is redone with fresh reads. A non-nil driftObservation
// is returned alongside the decision for the caller to report once the
// transaction is closed.
func (c *AdmissionController) tryAdmit(ctx context.Context, companyID string, resource types.ResourceType, increment int, reserve bool) (*types.AdmissionDecision, *driftObservation, error) {
	pre, err := c.companies.GetByID(ctx, companyID)
	if err != nil {
		return nil, nil, err
	}

	if pre.CountsUpdatedAt == nil || c.nowFn().Sub(*pre.CountsUpdatedAt) > c.cfg.SnapshotStaleness {
		// Unknown state: the snapshot is missing or beyond the staleness
		// budget. Admission never proceeds on uncertainty.
		return nil, nil, types.NewAppError(types.ErrCodeServiceUnavailable, "usage snapshot is stale; recompute before admission", nil)
	}

	plan, err := c.plans.Get(ctx, pre.Billing.PlanID)
	if err != nil {
		return nil, nil, err
	}
	var pendingPlan *types.Plan
	if pc := pre.Billing.PendingChange; pc != nil {
		pendingPlan, err = c.plans.Get(ctx, pc.NextPlanID)
		if err != nil {
			return nil, nil, err
		}
	}

	tx, err := c.db.BeginCompanyTx(ctx, companyID)
	if err != nil {
		return nil, nil, err
	}
	// Rollback after Commit is a no-op.
	defer tx.Rollback(ctx) //nolint:errcheck

	company := tx.Company()
	if company.Billing.PlanID != pre.Billing.PlanID || !samePendingPlan(company.Billing.PendingChange, pre.Billing.PendingChange) {
		return nil, nil, errPlanChangedMidCheck
	}

	effectiveLimit := ResolveEffectiveLimit(plan, pendingPlan, company.Billing.Addons, resource)
	currentTotal := company.Counts.Total(resource) + company.Usage.Reserved(resource)

	drift := c.detectDrift(company, resource)

	decision := &types.AdmissionDecision{
		Resource:       resource,
		EffectiveLimit: effectiveLimit,
		CurrentTotal:   currentTotal,
		Requested:      increment,
	}

	if effectiveLimit != types.UnlimitedLimit && currentTotal+increment > effectiveLimit {
		// Rejection rolls the transaction back; nothing is written.
		return decision, drift, nil
	}

	if reserve {
		if err := tx.Reserve(ctx, resource, increment); err != nil {
			return nil, nil, err
		}
	} else {
		if err := tx.Touch(ctx); err != nil {
			return nil, nil, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, nil, err
	}

	decision.Allowed = true
	return decision, drift, nil
}

// detectDrift compares the live incremental counter against the recomputed
// snapshot's counted-state total. The snapshot is authoritative for the
// admission decision; the counter is strictly a fast drift detector. The
// comparison is pure so it can run while the row lock is held; everything
// with a network round trip lives in reportDrift.
func (c *AdmissionController) detectDrift(company *types.Company, resource types.ResourceType) *driftObservation {
	incremental := company.Usage.Counter(resource)
	recomputed := company.Counts.Committed(resource)
	drift := incremental - recomputed
	if drift < 0 {
		drift = -drift
	}
	if drift <= c.cfg.DriftTolerance {
		return nil
	}
	return &driftObservation{
		companyID:   company.ID,
		resource:    resource,
		incremental: incremental,
		recomputed:  recomputed,
		drift:       drift,
	}
}

// reportDrift logs, counts, alerts, and queues an out-of-band reconcile for
// an observed divergence. It never fails the caller. Must only be called
// after the company transaction has ended: the reconcile publish and the
// webhook delivery retry against external services and must not hold the
// row lock hostage.
func (c *AdmissionController) reportDrift(ctx context.Context, obs *driftObservation) {
	c.logger.WarnContext(ctx, "usage drift detected",
		"company_id", obs.companyID,
		"resource", string(obs.resource),
		"incremental", obs.incremental,
		"recomputed", obs.recomputed,
		"drift", obs.drift,
	)
	c.metrics.RecordDrift(ctx, obs.resource, obs.drift)

	if c.reconciles != nil {
		if err := c.reconciles.RequestReconcile(ctx, obs.companyID, types.ReconcileReasonDrift); err != nil {
			c.logger.ErrorContext(ctx, "failed to request drift reconcile",
				"company_id", obs.companyID,
				"error", err,
			)
		}
	}
	if c.alerter != nil {
		if err := c.alerter.NotifyDrift(ctx, obs.companyID, obs.resource, obs.incremental, obs.recomputed); err != nil {
			c.logger.ErrorContext(ctx, "failed to deliver drift alert",
				"company_id", obs.companyID,
				"error", err,
			)
		}
	}
}

func samePendingPlan(a, b *types.PendingPlanChange) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.NextPlanID == b.NextPlanID && a.EffectiveAt.Equal(b.EffectiveAt)
}
