package ledger

import (
	"context"

	"quotaledger/internal/types"
)

// ViewService builds the read-only usage view for dashboards: the recomputed
// snapshot, the live counters, and the limits enforced right now.
type ViewService struct {
	companies CompanyReader
	plans     PlanSource
}

// NewViewService creates a ViewService.
func NewViewService(companies CompanyReader, plans PlanSource) *ViewService {
	return &ViewService{companies: companies, plans: plans}
}

// GetUsageView returns the company's usage view with effective limits
// resolved per resource, including any pending downgrade already enforced.
func (s *ViewService) GetUsageView(ctx context.Context, companyID string) (*types.UsageView, error) {
	company, err := s.companies.GetByID(ctx, companyID)
	if err != nil {
		return nil, err
	}

	plan, err := s.plans.Get(ctx, company.Billing.PlanID)
	if err != nil {
		return nil, err
	}
	var pendingPlan *types.Plan
	if pc := company.Billing.PendingChange; pc != nil {
		pendingPlan, err = s.plans.Get(ctx, pc.NextPlanID)
		if err != nil {
			return nil, err
		}
	}

	view := &types.UsageView{
		CompanyID:       company.ID,
		Counts:          company.Counts,
		CountsUpdatedAt: company.CountsUpdatedAt,
		Usage:           company.Usage,
		PlanID:          company.Billing.PlanID,
		UserLimit:       ResolveEffectiveLimit(plan, pendingPlan, company.Billing.Addons, types.ResourceUsers),
		ConnectionLimit: ResolveEffectiveLimit(plan, pendingPlan, company.Billing.Addons, types.ResourceConnections),
	}
	if pendingPlan != nil {
		view.PendingPlanID = pendingPlan.ID
	}
	return view, nil
}
