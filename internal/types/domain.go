package types

import "time"

// UnlimitedLimit marks a plan limit with no cap. Enforcement code must treat
// a negative limit as "never exceeded".
const UnlimitedLimit = -1

// Plan describes a subscription plan and the resource limits it grants.
// Plans are authored by the plan-catalog collaborator and are immutable once
// referenced by an active subscription: changes create a new plan id or a
// scheduled change, never a silent mutation.
type Plan struct {
	ID              string `json:"id" db:"id"`
	Name            string `json:"name" db:"name"`
	UserLimit       int    `json:"user_limit" db:"user_limit"`
	ConnectionLimit int    `json:"connection_limit" db:"connection_limit"`
	PriceCents      int64  `json:"price_cents" db:"price_cents"`
	Currency        string `json:"currency" db:"currency"`
}

// Limit returns the plan's cap for the given resource type.
func (p *Plan) Limit(resource ResourceType) int {
	switch resource {
	case ResourceUsers:
		return p.UserLimit
	case ResourceConnections:
		return p.ConnectionLimit
	default:
		return 0
	}
}

// PendingPlanChange is a scheduled plan switch (typically a downgrade).
// It is created by the billing collaborator, applied at EffectiveAt by an
// external scheduler, or cancelled before it takes effect. While present it
// must be enforced immediately for new admissions.
type PendingPlanChange struct {
	NextPlanID  string    `json:"next_plan_id"`
	EffectiveAt time.Time `json:"effective_at"`
}

// Addons are purchased capacity extensions on top of the plan limits.
// Add-ons carry across a scheduled plan change and are added after the
// min(current, pending) limit is taken.
type Addons struct {
	ExtraUsers       int `json:"extra_users"`
	ExtraConnections int `json:"extra_connections"`
}

// Extra returns the add-on capacity for the given resource type.
func (a Addons) Extra(resource ResourceType) int {
	switch resource {
	case ResourceUsers:
		return a.ExtraUsers
	case ResourceConnections:
		return a.ExtraConnections
	default:
		return 0
	}
}

// Billing is the subscription state of a company. It is owned by the billing
// collaborator; the ledger only reads these fields, never writes them.
type Billing struct {
	PlanID        string             `json:"plan_id"`
	PendingChange *PendingPlanChange `json:"pending_change,omitempty"`
	Addons        Addons             `json:"addons"`
}

// UsageCounters is the live incremental view of a company's consumption,
// adjusted by resource status-transition events. Invariant: counters are
// never negative; adjustments clamp at zero.
//
// ReservedUsers and ReservedConnections support the optional two-phase
// reserve/commit admission protocol: a reservation counts toward the total
// until the caller's real mutation lands. ReservedUpdatedAt records when the
// reservation counters last changed; reconcile passes release reservations
// only once that stamp is older than the staleness horizon, so a recompute
// racing an in-flight admission cannot wipe a reservation it just granted.
type UsageCounters struct {
	Users               int        `json:"users"`
	Connections         int        `json:"connections"`
	ReservedUsers       int        `json:"reserved_users"`
	ReservedConnections int        `json:"reserved_connections"`
	ReservedUpdatedAt   *time.Time `json:"reserved_updated_at,omitempty"`
}

// Counter returns the live counter for the given resource type.
func (u UsageCounters) Counter(resource ResourceType) int {
	switch resource {
	case ResourceUsers:
		return u.Users
	case ResourceConnections:
		return u.Connections
	default:
		return 0
	}
}

// Reserved returns the reservation counter for the given resource type.
func (u UsageCounters) Reserved(resource ResourceType) int {
	switch resource {
	case ResourceUsers:
		return u.ReservedUsers
	case ResourceConnections:
		return u.ReservedConnections
	default:
		return 0
	}
}

// UsageSnapshot is the authoritative recomputed view of a company's
// consumption, produced by a full aggregation pass over the ground-truth
// resource collections. It is always written as a whole, never partially.
type UsageSnapshot struct {
	UsersActiveTotal         int `json:"users_active_total"`
	UsersPendingTotal        int `json:"users_pending_total"`
	ConnectionsApprovedTotal int `json:"connections_approved_total"`
	ConnectionsPendingTotal  int `json:"connections_pending_total"`
}

// Total returns the snapshot's committed-plus-pending total for the given
// resource type. This is the quantity admission control compares against the
// effective limit.
func (s UsageSnapshot) Total(resource ResourceType) int {
	switch resource {
	case ResourceUsers:
		return s.UsersActiveTotal + s.UsersPendingTotal
	case ResourceConnections:
		return s.ConnectionsApprovedTotal + s.ConnectionsPendingTotal
	default:
		return 0
	}
}

// Committed returns the snapshot total for resources in their counted state
// only (active users, approved connections). This is the view the live
// incremental counter tracks, used for drift detection.
func (s UsageSnapshot) Committed(resource ResourceType) int {
	switch resource {
	case ResourceUsers:
		return s.UsersActiveTotal
	case ResourceConnections:
		return s.ConnectionsApprovedTotal
	default:
		return 0
	}
}

// Company is the tenant document. All ledger coordination happens through
// transactions scoped to this row; no cross-tenant lock is ever required.
type Company struct {
	ID              string        `json:"id" db:"id"`
	Name            string        `json:"name" db:"name"`
	Billing         Billing       `json:"billing" db:"billing"`
	Usage           UsageCounters `json:"usage" db:"usage"`
	Counts          UsageSnapshot `json:"counts" db:"counts"`
	CountsUpdatedAt *time.Time    `json:"counts_updated_at,omitempty" db:"counts_updated_at"`
	CreatedAt       time.Time     `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at" db:"updated_at"`
	DeletedAt       *time.Time    `json:"-" db:"deleted_at"`
}

// AdmissionDecision is the typed result of an admission check. Infra errors
// travel separately as AppError; a rejected decision is a business outcome,
// not an error.
type AdmissionDecision struct {
	Allowed        bool         `json:"allowed"`
	Resource       ResourceType `json:"resource"`
	EffectiveLimit int          `json:"effective_limit"`
	CurrentTotal   int          `json:"current_total"`
	Requested      int          `json:"requested"`
}

// RejectionError converts a rejected decision into the AppError surfaced at
// the interface boundary, carrying the quantities callers need to render an
// actionable message.
func (d AdmissionDecision) RejectionError() *AppError {
	code := ErrCodeQuotaUsersExceeded
	if d.Resource == ResourceConnections {
		code = ErrCodeQuotaConnectionsExceeded
	}
	return NewAppErrorWithDetails(code, "plan quota exceeded", nil, map[string]any{
		"effective_limit": d.EffectiveLimit,
		"current_total":   d.CurrentTotal,
		"requested":       d.Requested,
	})
}

// UsageView is the dashboard read model returned by the snapshot endpoint:
// the recomputed snapshot, the live counters, and the limits enforced right
// now for each resource.
type UsageView struct {
	CompanyID       string        `json:"company_id"`
	Counts          UsageSnapshot `json:"counts"`
	CountsUpdatedAt *time.Time    `json:"counts_updated_at,omitempty"`
	Usage           UsageCounters `json:"usage"`
	PlanID          string        `json:"plan_id"`
	PendingPlanID   string        `json:"pending_plan_id,omitempty"`
	UserLimit       int           `json:"user_limit"`
	ConnectionLimit int           `json:"connection_limit"`
}
