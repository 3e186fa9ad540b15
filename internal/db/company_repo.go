package db

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"quotaledger/internal/types"
)

// defaultReservationTTL matches the default snapshot staleness budget: a
// reservation that outlived it belongs to a caller whose mutation never
// landed, so the next reconcile pass may release it.
const defaultReservationTTL = 15 * time.Minute

// CompanyRepository provides data access for the companies table.
// The billing, usage, and counts columns are JSONB documents scanned directly
// into their domain structs.
type CompanyRepository struct {
	db             DBTX
	reservationTTL time.Duration
}

// CompanyRepositoryOption customizes a CompanyRepository.
type CompanyRepositoryOption func(*CompanyRepository)

// WithReservationTTL sets how old a reservation must be before a snapshot
// write releases it. Binaries set this to the snapshot staleness budget.
func WithReservationTTL(ttl time.Duration) CompanyRepositoryOption {
	return func(r *CompanyRepository) {
		r.reservationTTL = ttl
	}
}

// NewCompanyRepository creates a new CompanyRepository backed by the given
// database connection (pool or transaction).
func NewCompanyRepository(db DBTX, opts ...CompanyRepositoryOption) *CompanyRepository {
	r := &CompanyRepository{db: db, reservationTTL: defaultReservationTTL}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// companyColumns defines the standard set of columns selected for company
// queries. Used consistently across all query methods to avoid column drift.
const companyColumns = `c.id, c.name, c.billing, c.usage, c.counts,
	c.counts_updated_at, c.created_at, c.updated_at, c.deleted_at`

// scanCompany scans a single company row into a types.Company struct.
// The columns must match the order defined in companyColumns.
func scanCompany(row pgx.Row) (*types.Company, error) {
	var company types.Company
	err := row.Scan(
		&company.ID,
		&company.Name,
		&company.Billing,
		&company.Usage,
		&company.Counts,
		&company.CountsUpdatedAt,
		&company.CreatedAt,
		&company.UpdatedAt,
		&company.DeletedAt,
	)
	if err != nil {
		return nil, err
	}
	return &company, nil
}

// Create inserts a new company record with zeroed usage counters and an empty
// snapshot, per the tenant lifecycle: counters exist for the company's whole
// lifetime and are never deleted independently of it.
func (r *CompanyRepository) Create(ctx context.Context, company *types.Company) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO companies (id, name, billing, usage, counts, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, NOW(), NOW())`,
		company.ID,
		company.Name,
		company.Billing,
		company.Usage,
		company.Counts,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to create company", err)
	}
	return nil
}

// GetByID retrieves a company by its ID. Excludes soft-deleted companies.
// Returns not_found_company if no active company is found.
func (r *CompanyRepository) GetByID(ctx context.Context, id string) (*types.Company, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+companyColumns+`
		 FROM companies c
		 WHERE c.id = $1 AND c.deleted_at IS NULL`,
		id,
	)

	company, err := scanCompany(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundCompany, "company not found", nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to retrieve company", err)
	}
	return company, nil
}

// WriteSnapshot overwrites the recomputed usage snapshot in one atomic update.
// The whole counts document is replaced (never merge-incremented).
// Reservation counters are released only when their stamp is older than the
// reservation TTL: a fresh reservation belongs to an admission whose mutation
// is still in flight, and a recompute racing it must leave the held slot
// counted or two callers could both take the last one. Expired reservations
// are leftovers from callers that died between admit and mutate, and this is
// where they are garbage-collected.
func (r *CompanyRepository) WriteSnapshot(ctx context.Context, id string, snapshot types.UsageSnapshot, at time.Time) error {
	releaseBefore := at.Add(-r.reservationTTL)
	tag, err := r.db.Exec(ctx,
		`UPDATE companies
		 SET counts = $1,
		     counts_updated_at = $2,
		     usage = CASE
		       WHEN usage->>'reserved_updated_at' IS NULL
		         OR (usage->>'reserved_updated_at')::timestamptz < $3
		       THEN usage || '{"reserved_users": 0, "reserved_connections": 0}'::jsonb
		              - 'reserved_updated_at'
		       ELSE usage
		     END,
		     updated_at = NOW()
		 WHERE id = $4 AND deleted_at IS NULL`,
		snapshot,
		at,
		releaseBefore,
		id,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to write usage snapshot", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundCompany, "company not found", nil)
	}
	return nil
}

// ListStaleSnapshots returns ids of companies whose snapshot is older than
// the given cutoff (or has never been computed), bounded by limit. Used by
// the scheduled reconcile sweep.
func (r *CompanyRepository) ListStaleSnapshots(ctx context.Context, olderThan time.Time, limit int) ([]string, error) {
	rows, err := r.db.Query(ctx,
		`SELECT id
		 FROM companies
		 WHERE deleted_at IS NULL
		   AND (counts_updated_at IS NULL OR counts_updated_at < $1)
		 ORDER BY counts_updated_at ASC NULLS FIRST
		 LIMIT $2`,
		olderThan, limit,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list stale snapshots", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan company id", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating stale snapshot rows", err)
	}
	return ids, nil
}
