package types

import "time"

// ResourceEvent is the SQS payload emitted by the identity and connection
// collaborators on every resource status transition. It is the transport
// envelope the incremental adjuster consumes.
//
// Delivery is at-least-once: EventID is the deduplication key, and the
// adjuster records applied (event, company) pairs so a redelivered event is
// a no-op rather than a double-applied delta.
type ResourceEvent struct {
	EventID  string       `json:"event_id"`
	Resource ResourceType `json:"resource"`

	// Users belong to exactly one company. Connections count against both
	// parties, so connection events carry both company ids and the delta is
	// applied to each company's document independently.
	CompanyID     string `json:"company_id,omitempty"`
	FromCompanyID string `json:"from_company_id,omitempty"`
	ToCompanyID   string `json:"to_company_id,omitempty"`

	// Status transition. For users these are UserStatus values; for
	// connections, ConnectionStatus values. An empty OldStatus means the
	// resource was just created in NewStatus.
	OldStatus string `json:"old_status"`
	NewStatus string `json:"new_status"`

	OccurredAt time.Time `json:"occurred_at"`
}

// Companies returns the company ids whose usage counters this event affects.
func (e *ResourceEvent) Companies() []string {
	if e.Resource == ResourceConnections {
		ids := make([]string, 0, 2)
		if e.FromCompanyID != "" {
			ids = append(ids, e.FromCompanyID)
		}
		if e.ToCompanyID != "" && e.ToCompanyID != e.FromCompanyID {
			ids = append(ids, e.ToCompanyID)
		}
		return ids
	}
	if e.CompanyID == "" {
		return nil
	}
	return []string{e.CompanyID}
}

// Delta computes the signed usage adjustment this transition implies:
// +1 when the resource enters its counted state from a non-counted state,
// -1 for the reverse transition or deletion while counted, 0 otherwise.
func (e *ResourceEvent) Delta() int {
	var oldCounted, newCounted bool
	switch e.Resource {
	case ResourceUsers:
		oldCounted = UserStatus(e.OldStatus).Counted()
		newCounted = UserStatus(e.NewStatus).Counted()
	case ResourceConnections:
		oldCounted = ConnectionStatus(e.OldStatus).Counted()
		newCounted = ConnectionStatus(e.NewStatus).Counted()
	default:
		return 0
	}
	switch {
	case !oldCounted && newCounted:
		return 1
	case oldCounted && !newCounted:
		return -1
	default:
		return 0
	}
}

// ReconcileReason labels why a reconcile pass was requested, for logs and
// metrics.
type ReconcileReason string

const (
	ReconcileReasonDrift         ReconcileReason = "drift_detected"
	ReconcileReasonMutateFailure ReconcileReason = "mutation_failed_after_admission"
	ReconcileReasonScheduled     ReconcileReason = "scheduled_sweep"
	ReconcileReasonManual        ReconcileReason = "manual"
)

// ReconcileRequest is the SQS payload that asks for an out-of-band recompute
// of one company's usage snapshot. Published when drift is detected during
// admission and when a caller's mutation fails after admission succeeded.
type ReconcileRequest struct {
	CompanyID   string          `json:"company_id"`
	Reason      ReconcileReason `json:"reason"`
	RequestedAt time.Time       `json:"requested_at"`
	TraceID     string          `json:"trace_id,omitempty"`
}
