package db

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"quotaledger/internal/types"
)

// PlanRepository provides read access to the plans table. Plans are authored
// by the plan-catalog collaborator; this repository never writes them.
type PlanRepository struct {
	db DBTX
}

// NewPlanRepository creates a new PlanRepository backed by the given database
// connection (pool or transaction).
func NewPlanRepository(db DBTX) *PlanRepository {
	return &PlanRepository{db: db}
}

// GetByID retrieves a plan definition by its ID.
// Returns not_found_plan if the plan does not exist; callers treat that as
// fatal since admission cannot proceed without a valid plan.
func (r *PlanRepository) GetByID(ctx context.Context, id string) (*types.Plan, error) {
	var plan types.Plan
	err := r.db.QueryRow(ctx,
		`SELECT id, name, user_limit, connection_limit, price_cents, currency
		 FROM plans
		 WHERE id = $1`,
		id,
	).Scan(
		&plan.ID,
		&plan.Name,
		&plan.UserLimit,
		&plan.ConnectionLimit,
		&plan.PriceCents,
		&plan.Currency,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundPlan, "plan not found", nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to retrieve plan", err)
	}
	return &plan, nil
}
