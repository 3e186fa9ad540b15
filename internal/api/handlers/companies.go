// Package handlers contains the HTTP handler implementations for the quota
// ledger API. Handlers declare narrow local interfaces for the services they
// consume, keeping them decoupled from concrete types and easy to mock.
package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"quotaledger/internal/core"
	"quotaledger/internal/types"
)

// CompanyStore defines the data access contract for company lifecycle
// operations.
type CompanyStore interface {
	Create(ctx context.Context, company *types.Company) error
	GetByID(ctx context.Context, id string) (*types.Company, error)
}

// PlanCatalog resolves plan definitions by id.
type PlanCatalog interface {
	Get(ctx context.Context, planID string) (*types.Plan, error)
}

// UsageViewer assembles the dashboard read model for a company.
type UsageViewer interface {
	GetUsageView(ctx context.Context, companyID string) (*types.UsageView, error)
}

// CreateCompanyRequest is the request body for POST /v1/companies.
type CreateCompanyRequest struct {
	Name   string `json:"name" validate:"required,max=200"`
	PlanID string `json:"plan_id" validate:"required"`
}

// CompanyResponse is the representation returned for company operations.
type CompanyResponse struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	PlanID string `json:"plan_id"`
}

// CompanyHandler manages tenant lifecycle and usage read endpoints.
type CompanyHandler struct {
	store     CompanyStore
	plans     PlanCatalog
	views     UsageViewer
	validator *core.Validator
	logger    *slog.Logger
}

// NewCompanyHandler creates a CompanyHandler with the provided dependencies.
func NewCompanyHandler(
	store CompanyStore,
	plans PlanCatalog,
	views UsageViewer,
	validator *core.Validator,
	l *slog.Logger,
) *CompanyHandler {
	if l == nil {
		l = slog.Default()
	}
	return &CompanyHandler{
		store:     store,
		plans:     plans,
		views:     views,
		validator: validator,
		logger:    l,
	}
}

// RegisterRoutes mounts company routes onto the provided router.
func (h *CompanyHandler) RegisterRoutes(r chi.Router) {
	r.Post("/", h.Create)
	r.Get("/{id}/usage", h.GetUsage)
}

// Create handles POST /v1/companies. It provisions the tenant document with
// zeroed counters and an empty snapshot; the first reconcile pass (or the
// scheduled sweep) establishes the initial authoritative snapshot.
func (h *CompanyHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req CreateCompanyRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}

	// Reject unknown plans up front so a company never references a plan the
	// catalog cannot resolve.
	if _, err := h.plans.Get(r.Context(), req.PlanID); err != nil {
		core.Error(w, r, err)
		return
	}

	company := &types.Company{
		ID:   uuid.NewString(),
		Name: req.Name,
		Billing: types.Billing{
			PlanID: req.PlanID,
		},
	}

	if err := h.store.Create(r.Context(), company); err != nil {
		core.Error(w, r, err)
		return
	}

	h.logger.InfoContext(r.Context(), "company created",
		"company_id", company.ID,
		"plan_id", req.PlanID,
	)

	core.JSON(w, r, http.StatusCreated, core.APIResponse{
		Data: CompanyResponse{
			ID:     company.ID,
			Name:   company.Name,
			PlanID: company.Billing.PlanID,
		},
	})
}

// GetUsage handles GET /v1/companies/{id}/usage. It returns the recomputed
// snapshot, the live counters, and the limits currently enforced for each
// resource.
func (h *CompanyHandler) GetUsage(w http.ResponseWriter, r *http.Request) {
	companyID := chi.URLParam(r, "id")
	if companyID == "" {
		core.Error(w, r, types.NewAppError(
			types.ErrCodeValidationMissingField,
			"company id is required",
			nil,
		))
		return
	}

	view, err := h.views.GetUsageView(r.Context(), companyID)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: view})
}
