// Package ledger implements usage accounting and plan-quota admission control
// for companies: an authoritative recomputed snapshot, a live incremental
// counter adjusted by resource status-transition events, and a transactional
// admission check that gates resource-adding actions against the effective
// plan limit.
package ledger

import "quotaledger/internal/types"

// ResolveEffectiveLimit computes the limit that must be enforced right now
// for the given resource.
//
// Without a pending plan change the limit is plan limit + add-on capacity.
// With a pending change (a scheduled downgrade), the smaller of the current
// and future limits is enforced immediately, so a tenant cannot over-provision
// seats it will lose at cutover. Add-ons carry across the plan change and are
// added after the min is taken.
//
// A negative limit on either plan means unlimited: min(unlimited, n) is n,
// and unlimited plus add-ons stays unlimited.
func ResolveEffectiveLimit(plan *types.Plan, pendingPlan *types.Plan, addons types.Addons, resource types.ResourceType) int {
	limit := plan.Limit(resource)
	if pendingPlan != nil {
		limit = minLimit(limit, pendingPlan.Limit(resource))
	}
	if limit < 0 {
		return types.UnlimitedLimit
	}
	return limit + addons.Extra(resource)
}

// minLimit takes the smaller of two plan limits, treating negative values as
// unlimited.
func minLimit(a, b int) int {
	if a < 0 {
		return b
	}
	if b < 0 {
		return a
	}
	if b < a {
		return b
	}
	return a
}
