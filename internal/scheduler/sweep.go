// Package scheduler implements the scheduled reconcile sweep. The sweep is
// the safety net under event-driven adjustment and on-demand recompute: it
// finds companies whose usage snapshot has gone stale and recomputes each
// one, so that drifted or never-reconciled companies converge even when no
// admission traffic touches them.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"quotaledger/internal/types"
)

// StaleFinder lists companies whose snapshot is older than the given cutoff.
type StaleFinder interface {
	ListStaleSnapshots(ctx context.Context, olderThan time.Time, limit int) ([]string, error)
}

// Recomputer recomputes and persists a company's usage snapshot.
type Recomputer interface {
	Recompute(ctx context.Context, companyID string) (*types.UsageSnapshot, error)
}

// DefaultBatchLimit caps the number of companies fetched per batch so a
// single invocation cannot run unbounded during a large backlog.
const DefaultBatchLimit = 50

// SweepResult summarizes one sweep invocation for logging and metrics.
type SweepResult struct {
	Processed int
	Failed    int
}

// Sweeper drives the scheduled reconcile pass.
type Sweeper struct {
	finder     StaleFinder
	reconciler Recomputer
	staleness  time.Duration
	batchLimit int
	logger     *slog.Logger
	nowFn      func() time.Time
}

// SweeperOption is a functional option for configuring a Sweeper.
type SweeperOption func(*Sweeper)

// WithSweepNowFunc overrides the clock, for tests.
func WithSweepNowFunc(fn func() time.Time) SweeperOption {
	return func(s *Sweeper) {
		s.nowFn = fn
	}
}

// NewSweeper creates a Sweeper. A batchLimit of zero or less falls back to
// DefaultBatchLimit.
func NewSweeper(finder StaleFinder, reconciler Recomputer, staleness time.Duration, batchLimit int, logger *slog.Logger, opts ...SweeperOption) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	if batchLimit <= 0 {
		batchLimit = DefaultBatchLimit
	}
	s := &Sweeper{
		finder:     finder,
		reconciler: reconciler,
		staleness:  staleness,
		batchLimit: batchLimit,
		logger:     logger,
		nowFn:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run executes one sweep: it repeatedly fetches a batch of companies with
// stale snapshots and recomputes each one. A company whose recompute fails
// keeps its stale timestamp and is picked up again on the next scheduled
// run, so failures are logged and skipped rather than aborting the sweep.
//
// The stale cutoff is fixed at the start of the run. Successfully
// recomputed companies move past the cutoff, so each batch makes progress;
// if an entire batch fails the loop stops instead of spinning on the same
// companies.
func (s *Sweeper) Run(ctx context.Context) (SweepResult, error) {
	var result SweepResult
	cutoff := s.nowFn().UTC().Add(-s.staleness)

	for {
		if err := ctx.Err(); err != nil {
			return result, types.NewAppError(types.ErrCodeServiceUnavailable, "sweep cancelled", err)
		}

		ids, err := s.finder.ListStaleSnapshots(ctx, cutoff, s.batchLimit)
		if err != nil {
			return result, fmt.Errorf("listing stale snapshots: %w", err)
		}
		if len(ids) == 0 {
			break
		}

		s.logger.InfoContext(ctx, "processing stale snapshot batch",
			"batch_size", len(ids),
			"total_so_far", result.Processed,
		)

		batchProcessed := 0
		for _, id := range ids {
			if _, err := s.reconciler.Recompute(ctx, id); err != nil {
				s.logger.ErrorContext(ctx, "failed to recompute company snapshot",
					"company_id", id,
					"error", err,
				)
				result.Failed++
				continue
			}
			batchProcessed++
		}
		result.Processed += batchProcessed

		// A batch with zero successes would return the same companies again.
		if batchProcessed == 0 {
			s.logger.WarnContext(ctx, "sweep made no progress, stopping",
				"failed_in_batch", len(ids),
			)
			break
		}
	}

	s.logger.InfoContext(ctx, "reconcile sweep complete",
		"processed", result.Processed,
		"failed", result.Failed,
	)
	return result, nil
}
