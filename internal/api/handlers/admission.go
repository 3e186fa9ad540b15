package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"quotaledger/internal/core"
	"quotaledger/internal/types"
)

// AdmissionService runs the quota admission check for a company and hands
// reservations back once the caller's mutation has resolved.
type AdmissionService interface {
	AssertCanAdd(ctx context.Context, companyID string, resource types.ResourceType, increment int, reserve bool) (*types.AdmissionDecision, error)
	ReleaseReservation(ctx context.Context, companyID string, resource types.ResourceType, n int) error
}

// RecomputeService rebuilds a company's authoritative usage snapshot.
type RecomputeService interface {
	Recompute(ctx context.Context, companyID string) (*types.UsageSnapshot, error)
}

// AdmissionRequest is the request body for POST /v1/companies/{id}/admission.
type AdmissionRequest struct {
	Resource  string `json:"resource" validate:"required,oneof=users connections"`
	Increment int    `json:"increment" validate:"required,min=1"`
	Reserve   bool   `json:"reserve"`
}

// ReleaseRequest is the request body for the reservation release endpoint.
type ReleaseRequest struct {
	Resource string `json:"resource" validate:"required,oneof=users connections"`
	Count    int    `json:"count" validate:"required,min=1"`
}

// RecomputeResponse is the response body for the recompute endpoint.
type RecomputeResponse struct {
	CompanyID string              `json:"company_id"`
	Counts    types.UsageSnapshot `json:"counts"`
}

// AdmissionHandler exposes admission control and snapshot recompute over HTTP.
type AdmissionHandler struct {
	admissions AdmissionService
	reconciler RecomputeService
	validator  *core.Validator
	logger     *slog.Logger
}

// NewAdmissionHandler creates an AdmissionHandler with the provided
// dependencies.
func NewAdmissionHandler(
	admissions AdmissionService,
	reconciler RecomputeService,
	validator *core.Validator,
	l *slog.Logger,
) *AdmissionHandler {
	if l == nil {
		l = slog.Default()
	}
	return &AdmissionHandler{
		admissions: admissions,
		reconciler: reconciler,
		validator:  validator,
		logger:     l,
	}
}

// RegisterRoutes mounts admission routes onto the provided router.
func (h *AdmissionHandler) RegisterRoutes(r chi.Router) {
	r.Post("/{id}/admission", h.Check)
	r.Post("/{id}/admission/release", h.Release)
	r.Post("/{id}/usage/recompute", h.Recompute)
}

// Check handles POST /v1/companies/{id}/admission.
//
// A granted check returns 200 with the decision. A quota rejection is a
// business outcome, not an infrastructure failure, but it still surfaces to
// the caller as a 403 quota error carrying effective_limit, current_total,
// and requested so the client can render an actionable message.
func (h *AdmissionHandler) Check(w http.ResponseWriter, r *http.Request) {
	companyID := chi.URLParam(r, "id")
	if companyID == "" {
		core.Error(w, r, types.NewAppError(
			types.ErrCodeValidationMissingField,
			"company id is required",
			nil,
		))
		return
	}

	var req AdmissionRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}

	resource := types.ResourceType(req.Resource)
	if !resource.Valid() {
		core.Error(w, r, types.NewAppError(
			types.ErrCodeValidationInvalidResource,
			"resource must be one of: users, connections",
			nil,
		))
		return
	}

	decision, err := h.admissions.AssertCanAdd(r.Context(), companyID, resource, req.Increment, req.Reserve)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	if !decision.Allowed {
		core.Error(w, r, decision.RejectionError())
		return
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: decision})
}

// Release handles POST /v1/companies/{id}/admission/release. Callers invoke
// it after their admitted mutation has landed (or definitively failed) so the
// reservation stops counting toward the total. Releasing a reservation that
// has already been garbage-collected is fine; the counter clamps at zero.
func (h *AdmissionHandler) Release(w http.ResponseWriter, r *http.Request) {
	companyID := chi.URLParam(r, "id")
	if companyID == "" {
		core.Error(w, r, types.NewAppError(
			types.ErrCodeValidationMissingField,
			"company id is required",
			nil,
		))
		return
	}

	var req ReleaseRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}

	if err := h.admissions.ReleaseReservation(r.Context(), companyID, types.ResourceType(req.Resource), req.Count); err != nil {
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: map[string]string{"status": "released"}})
}

// Recompute handles POST /v1/companies/{id}/usage/recompute. It runs a full
// aggregation pass and returns the freshly written snapshot.
func (h *AdmissionHandler) Recompute(w http.ResponseWriter, r *http.Request) {
	companyID := chi.URLParam(r, "id")
	if companyID == "" {
		core.Error(w, r, types.NewAppError(
			types.ErrCodeValidationMissingField,
			"company id is required",
			nil,
		))
		return
	}

	snapshot, err := h.reconciler.Recompute(r.Context(), companyID)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{
		Data: RecomputeResponse{
			CompanyID: companyID,
			Counts:    *snapshot,
		},
	})
}
