package ledger

import (
	"context"
	"log/slog"

	"quotaledger/internal/types"
)

// Recomputer recomputes a company's usage snapshot.
type Recomputer interface {
	Recompute(ctx context.Context, companyID string) (*types.UsageSnapshot, error)
}

// Admitter gates a resource-adding action and hands back the reservation
// once the action has resolved.
type Admitter interface {
	AssertCanAdd(ctx context.Context, companyID string, resource types.ResourceType, increment int, reserve bool) (*types.AdmissionDecision, error)
	ReleaseReservation(ctx context.Context, companyID string, resource types.ResourceType, n int) error
}

// Orchestrator implements the required call-site protocol around a
// resource-adding mutation: recompute the snapshot, admit, perform the real
// mutation, then recompute again so ground truth is reflected promptly.
//
// It is exported for the collaborator services that own the actual mutations
// (user invite creation, connection requests); this service exposes the
// admission and reconcile building blocks but hosts no mutation endpoints of
// its own, so no binary here wires an Orchestrator.
type Orchestrator struct {
	reconciler Recomputer
	admission  Admitter
	reconciles ReconcileTrigger
	logger     *slog.Logger
}

// NewOrchestrator creates an Orchestrator.
func NewOrchestrator(reconciler Recomputer, admission Admitter, reconciles ReconcileTrigger, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		reconciler: reconciler,
		admission:  admission,
		reconciles: reconciles,
		logger:     logger,
	}
}

// WithAdmission runs mutate under quota protection for increment resources
// of the given type. A quota rejection is returned as the quota AppError
// carrying the effective limit and current usage.
//
// If mutate fails after admission succeeded, the reservation is released and
// an out-of-band reconcile is requested so ground truth is re-checked rather
// than left to drift.
func (o *Orchestrator) WithAdmission(ctx context.Context, companyID string, resource types.ResourceType, increment int, mutate func(context.Context) error) error {
	if _, err := o.reconciler.Recompute(ctx, companyID); err != nil {
		// Unknown state; never proceed to admission on a stale snapshot.
		return err
	}

	decision, err := o.admission.AssertCanAdd(ctx, companyID, resource, increment, true)
	if err != nil {
		return err
	}
	if !decision.Allowed {
		return decision.RejectionError()
	}

	if err := mutate(ctx); err != nil {
		o.releaseReservation(ctx, companyID, resource, increment)
		o.requestReconcile(ctx, companyID, types.ReconcileReasonMutateFailure)
		return err
	}

	// The mutation landed, so the held slot is now counted in ground truth;
	// return exactly this caller's reservation. Releasing only our own
	// increment (instead of zeroing the counters) leaves other callers'
	// in-flight reservations counting.
	o.releaseReservation(ctx, companyID, resource, increment)

	// Reflect the mutation in the snapshot. A failure here is recoverable
	// drift, not a caller failure: the change already committed.
	if _, err := o.reconciler.Recompute(ctx, companyID); err != nil {
		o.logger.WarnContext(ctx, "post-mutation recompute failed, requesting async reconcile",
			"company_id", companyID,
			"error", err,
		)
		o.requestReconcile(ctx, companyID, types.ReconcileReasonMutateFailure)
	}
	return nil
}

// releaseReservation is best effort: a failed release leaves the reservation
// to be garbage-collected by a reconcile pass after the staleness budget.
func (o *Orchestrator) releaseReservation(ctx context.Context, companyID string, resource types.ResourceType, n int) {
	if err := o.admission.ReleaseReservation(ctx, companyID, resource, n); err != nil {
		o.logger.WarnContext(ctx, "failed to release admission reservation",
			"company_id", companyID,
			"resource", string(resource),
			"error", err,
		)
	}
}

func (o *Orchestrator) requestReconcile(ctx context.Context, companyID string, reason types.ReconcileReason) {
	if o.reconciles == nil {
		return
	}
	if err := o.reconciles.RequestReconcile(ctx, companyID, reason); err != nil {
		o.logger.ErrorContext(ctx, "failed to request reconcile",
			"company_id", companyID,
			"reason", string(reason),
			"error", err,
		)
	}
}
