package ledger

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"quotaledger/internal/types"
)

// UsageTx is a read-modify-write transaction on one company's live usage
// counters. The underlying implementation locks the company row for the
// duration of the transaction, so counter updates for a company are
// serializable relative to admission reservations.
type UsageTx interface {
	// Usage returns the counters as locked at transaction start.
	Usage() types.UsageCounters

	// MarkEventApplied records the (event, company) pair, returning false if
	// it was already applied. The insert participates in the transaction, so
	// a rolled-back delta does not burn the event id.
	MarkEventApplied(ctx context.Context, eventID string) (bool, error)

	// SetCounter writes the new value of the live counter for the resource.
	SetCounter(ctx context.Context, resource types.ResourceType, value int) error

	// Commit commits the transaction.
	Commit(ctx context.Context) error

	// Rollback rolls back the transaction. Safe to call after Commit (no-op).
	Rollback(ctx context.Context) error
}

// AdjusterDB begins usage transactions scoped to one company document.
type AdjusterDB interface {
	BeginUsageTx(ctx context.Context, companyID string) (UsageTx, error)
}

// RetryableError reports whether a store error is transient contention worth
// retrying. Wired to db.IsRetryableTxError in production.
type RetryableError func(error) bool

// Adjuster reacts to resource status-transition events by applying a signed
// delta to the owning company's live usage counter. The new value is clamped
// at zero: the clamp is a deliberate defensive measure against double
// delivery of deletion events, and is lossy (an erroneous double-decrement is
// silently absorbed). Every clamp activation is logged and counted for
// monitoring.
type Adjuster struct {
	db          AdjusterDB
	metrics     Metrics
	retryPolicy RetryPolicy
	isRetryable RetryableError
	logger      *slog.Logger
	sleepFn     func(time.Duration) // for testability; defaults to time.Sleep
}

// AdjusterOption is a functional option for configuring an Adjuster.
type AdjusterOption func(*Adjuster)

// WithAdjusterSleepFunc overrides the sleep function used between retries.
// This is intended for testing to avoid real delays.
func WithAdjusterSleepFunc(fn func(time.Duration)) AdjusterOption {
	return func(a *Adjuster) {
		a.sleepFn = fn
	}
}

// NewAdjuster creates an Adjuster.
func NewAdjuster(db AdjusterDB, metrics Metrics, retryPolicy RetryPolicy, isRetryable RetryableError, logger *slog.Logger, opts ...AdjusterOption) *Adjuster {
	if metrics == nil {
		metrics = NoopMetrics{}
	}
	if isRetryable == nil {
		isRetryable = func(error) bool { return false }
	}
	if logger == nil {
		logger = slog.Default()
	}
	a := &Adjuster{
		db:          db,
		metrics:     metrics,
		retryPolicy: retryPolicy,
		isRetryable: isRetryable,
		logger:      logger,
		sleepFn:     time.Sleep,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Apply processes one status-transition event. Connection events affect both
// parties, so the delta is applied to each company's document in its own
// transaction; a failure on the second company leaves the first applied,
// which is safe because each (event, company) pair is deduplicated
// independently and the message will be redelivered.
func (a *Adjuster) Apply(ctx context.Context, event *types.ResourceEvent) error {
	delta := event.Delta()
	if delta == 0 {
		// Transition between two non-counted states (or two counted states);
		// nothing to adjust and nothing to deduplicate.
		return nil
	}

	for _, companyID := range event.Companies() {
		if err := a.applyToCompany(ctx, event, companyID, delta); err != nil {
			return err
		}
	}
	return nil
}

// applyToCompany runs the read-modify-write transaction for a single company,
// retrying on transient store contention.
func (a *Adjuster) applyToCompany(ctx context.Context, event *types.ResourceEvent, companyID string, delta int) error {
	var lastErr error

	for attempt := 0; attempt < a.retryPolicy.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return types.NewAppError(types.ErrCodeServiceUnavailable, "adjustment cancelled", err)
		}

		err := a.tryApply(ctx, event, companyID, delta)
		if err == nil {
			return nil
		}
		if !a.isRetryable(err) {
			return err
		}

		lastErr = err
		if attempt < a.retryPolicy.MaxRetries-1 {
			a.sleepFn(a.retryPolicy.backoff(attempt))
		}
	}

	return types.NewAppError(types.ErrCodeServiceUnavailable, "usage adjustment failed after retries", lastErr)
}

func (a *Adjuster) tryApply(ctx context.Context, event *types.ResourceEvent, companyID string, delta int) error {
	tx, err := a.db.BeginUsageTx(ctx, companyID)
	if err != nil {
		var appErr *types.AppError
		if errors.As(err, &appErr) && appErr.Code == types.ErrCodeNotFoundCompany {
			// The company was deleted between the event being emitted and
			// delivered. Nothing to adjust.
			a.logger.WarnContext(ctx, "dropping event for unknown company",
				"event_id", event.EventID,
				"company_id", companyID,
			)
			return nil
		}
		return err
	}
	// Rollback after Commit is a no-op.
	defer tx.Rollback(ctx) //nolint:errcheck

	fresh, err := tx.MarkEventApplied(ctx, event.EventID)
	if err != nil {
		return err
	}
	if !fresh {
		// At-least-once redelivery; already applied to this company.
		a.logger.InfoContext(ctx, "skipping duplicate event",
			"event_id", event.EventID,
			"company_id", companyID,
		)
		return nil
	}

	current := tx.Usage().Counter(event.Resource)
	next := current + delta
	if next < 0 {
		next = 0
		a.metrics.RecordClampActivation(ctx, event.Resource)
		a.logger.WarnContext(ctx, "usage counter clamped at zero",
			"event_id", event.EventID,
			"company_id", companyID,
			"resource", string(event.Resource),
			"current", current,
			"delta", delta,
		)
	}

	if err := tx.SetCounter(ctx, event.Resource, next); err != nil {
		return err
	}
	return tx.Commit(ctx)
}
