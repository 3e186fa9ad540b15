package ledger

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"quotaledger/internal/types"
)

// ResourceCounts provides the read-only aggregation queries over the
// ground-truth resource collections owned by the identity and
// connection-management collaborators.
type ResourceCounts interface {
	// CountActiveUsers counts users with status=active for the company.
	CountActiveUsers(ctx context.Context, companyID string) (int, error)

	// CountPendingInvites counts outstanding invites for the company.
	CountPendingInvites(ctx context.Context, companyID string) (int, error)

	// CountConnections counts connections where the company is either party,
	// partitioned by approved and pending status.
	CountConnections(ctx context.Context, companyID string) (approved, pending int, err error)
}

// SnapshotWriter persists a recomputed snapshot as one atomic overwrite.
type SnapshotWriter interface {
	WriteSnapshot(ctx context.Context, companyID string, snapshot types.UsageSnapshot, at time.Time) error
}

// Reconciler recomputes the authoritative usage snapshot for a company by
// full aggregation over the ground-truth collections. It is the system's
// drift-correction mechanism, not its primary consistency guard: the
// aggregation reads are best-effort point-in-time and are not transactional
// across the source collections. A pass that raced a concurrent incremental
// adjustment may transiently overwrite it; the next pass corrects that.
//
// Recompute is idempotent: re-running with no underlying change yields the
// same snapshot (except the timestamp).
type Reconciler struct {
	counts  ResourceCounts
	store   SnapshotWriter
	metrics Metrics
	logger  *slog.Logger
	nowFn   func() time.Time // injectable for tests
}

// NewReconciler creates a Reconciler.
func NewReconciler(counts ResourceCounts, store SnapshotWriter, metrics Metrics, logger *slog.Logger) *Reconciler {
	if metrics == nil {
		metrics = NoopMetrics{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		counts:  counts,
		store:   store,
		metrics: metrics,
		logger:  logger,
		nowFn:   func() time.Time { return time.Now().UTC() },
	}
}

// Recompute aggregates the company's resource collections and overwrites the
// snapshot. The three independent counts run concurrently; any read failure
// aborts the whole pass before anything is written (fail closed), so a
// partially-aggregated snapshot can never be persisted. Callers must treat a
// failed recompute as unknown state and retry rather than proceed to
// admission on a stale snapshot.
func (r *Reconciler) Recompute(ctx context.Context, companyID string) (*types.UsageSnapshot, error) {
	var (
		activeUsers    int
		pendingInvites int
		connsApproved  int
		connsPending   int
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		n, err := r.counts.CountActiveUsers(gctx, companyID)
		activeUsers = n
		return err
	})
	g.Go(func() error {
		n, err := r.counts.CountPendingInvites(gctx, companyID)
		pendingInvites = n
		return err
	})
	g.Go(func() error {
		approved, pending, err := r.counts.CountConnections(gctx, companyID)
		connsApproved, connsPending = approved, pending
		return err
	})

	if err := g.Wait(); err != nil {
		r.metrics.RecordReconcile(ctx, types.AdmissionErrored)
		r.logger.ErrorContext(ctx, "recompute aborted, no snapshot written",
			"company_id", companyID,
			"error", err,
		)
		return nil, err
	}

	snapshot := types.UsageSnapshot{
		UsersActiveTotal:         activeUsers,
		UsersPendingTotal:        pendingInvites,
		ConnectionsApprovedTotal: connsApproved,
		ConnectionsPendingTotal:  connsPending,
	}

	now := r.nowFn()
	if err := r.store.WriteSnapshot(ctx, companyID, snapshot, now); err != nil {
		r.metrics.RecordReconcile(ctx, types.AdmissionErrored)
		return nil, err
	}

	r.metrics.RecordReconcile(ctx, types.AdmissionGranted)
	r.logger.InfoContext(ctx, "usage snapshot recomputed",
		"company_id", companyID,
		"users_active", activeUsers,
		"users_pending", pendingInvites,
		"connections_approved", connsApproved,
		"connections_pending", connsPending,
	)
	return &snapshot, nil
}
