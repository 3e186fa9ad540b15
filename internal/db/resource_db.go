package db

import (
	"context"

	"quotaledger/internal/types"
)

// ResourceCountsImpl provides the read-only aggregation queries the
// reconciler runs against the ground-truth resource collections (users,
// invites, connections). Those tables are owned and mutated by the identity
// and connection-management collaborators; the ledger only counts them.
//
// These queries are intentionally separated from the standard repository
// pattern because they span collaborator-owned tables and serve a single
// domain need (snapshot recomputation). They are best-effort point-in-time
// reads, not wrapped in a cross-table transaction.
type ResourceCountsImpl struct {
	db DBTX
}

// NewResourceCountsImpl creates a new ResourceCountsImpl backed by the given
// database connection.
func NewResourceCountsImpl(db DBTX) *ResourceCountsImpl {
	return &ResourceCountsImpl{db: db}
}

// CountActiveUsers counts users consuming a seat for the company.
//
// SQL: SELECT COUNT(*) FROM users
//
//	WHERE company_id = $1 AND status = 'active'
func (r *ResourceCountsImpl) CountActiveUsers(ctx context.Context, companyID string) (int, error) {
	var count int
	err := r.db.QueryRow(ctx,
		`SELECT COUNT(*)
		 FROM users
		 WHERE company_id = $1
		   AND status = 'active'`,
		companyID,
	).Scan(&count)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to count active users", err)
	}
	return count, nil
}

// CountPendingInvites counts outstanding invites for the company. A pending
// invite holds a seat so that admission cannot over-provision while invites
// are in flight.
//
// SQL: SELECT COUNT(*) FROM invites
//
//	WHERE company_id = $1 AND status = 'pending'
func (r *ResourceCountsImpl) CountPendingInvites(ctx context.Context, companyID string) (int, error) {
	var count int
	err := r.db.QueryRow(ctx,
		`SELECT COUNT(*)
		 FROM invites
		 WHERE company_id = $1
		   AND status = 'pending'`,
		companyID,
	).Scan(&count)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to count pending invites", err)
	}
	return count, nil
}

// CountConnections counts connections where the company is either party,
// partitioned by status, in a single aggregation pass.
//
// SQL: SELECT COUNT(*) FILTER (WHERE status = 'approved'),
//
//	       COUNT(*) FILTER (WHERE status = 'pending')
//	FROM connections
//	WHERE from_company_id = $1 OR to_company_id = $1
func (r *ResourceCountsImpl) CountConnections(ctx context.Context, companyID string) (approved, pending int, err error) {
	err = r.db.QueryRow(ctx,
		`SELECT COUNT(*) FILTER (WHERE status = 'approved'),
		        COUNT(*) FILTER (WHERE status = 'pending')
		 FROM connections
		 WHERE from_company_id = $1 OR to_company_id = $1`,
		companyID,
	).Scan(&approved, &pending)
	if err != nil {
		return 0, 0, types.NewAppError(types.ErrCodeInternalDB, "failed to count connections", err)
	}
	return approved, pending, nil
}
