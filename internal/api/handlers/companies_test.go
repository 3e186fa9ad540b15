package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quotaledger/internal/core"
	"quotaledger/internal/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

// mockCompanyStore implements CompanyStore for testing.
type mockCompanyStore struct {
	createFn  func(ctx context.Context, company *types.Company) error
	getByIDFn func(ctx context.Context, id string) (*types.Company, error)

	// capturedCreate stores the company passed to Create for inspection.
	capturedCreate *types.Company
}

func (m *mockCompanyStore) Create(ctx context.Context, company *types.Company) error {
	m.capturedCreate = company
	if m.createFn != nil {
		return m.createFn(ctx, company)
	}
	return nil
}

func (m *mockCompanyStore) GetByID(ctx context.Context, id string) (*types.Company, error) {
	if m.getByIDFn != nil {
		return m.getByIDFn(ctx, id)
	}
	return nil, types.NewAppError(types.ErrCodeNotFoundCompany, "company not found", nil)
}

// mockPlanCatalog implements PlanCatalog for testing.
type mockPlanCatalog struct {
	getFn func(ctx context.Context, planID string) (*types.Plan, error)
}

func (m *mockPlanCatalog) Get(ctx context.Context, planID string) (*types.Plan, error) {
	if m.getFn != nil {
		return m.getFn(ctx, planID)
	}
	return nil, types.NewAppError(types.ErrCodeNotFoundPlan, "plan not found", nil)
}

// mockUsageViewer implements UsageViewer for testing.
type mockUsageViewer struct {
	getUsageViewFn func(ctx context.Context, companyID string) (*types.UsageView, error)
}

func (m *mockUsageViewer) GetUsageView(ctx context.Context, companyID string) (*types.UsageView, error) {
	if m.getUsageViewFn != nil {
		return m.getUsageViewFn(ctx, companyID)
	}
	return nil, types.NewAppError(types.ErrCodeNotFoundCompany, "company not found", nil)
}

func newCompanyRouter(h *CompanyHandler) *chi.Mux {
	r := chi.NewRouter()
	r.Route("/v1/companies", h.RegisterRoutes)
	return r
}

func businessPlanCatalog() *mockPlanCatalog {
	return &mockPlanCatalog{getFn: func(_ context.Context, planID string) (*types.Plan, error) {
		if planID == "business" {
			return &types.Plan{ID: "business", UserLimit: 100, ConnectionLimit: 50}, nil
		}
		return nil, types.NewAppError(types.ErrCodeNotFoundPlan, "plan not found", nil)
	}}
}

func TestCompanyCreate(t *testing.T) {
	store := &mockCompanyStore{}
	h := NewCompanyHandler(store, businessPlanCatalog(), &mockUsageViewer{}, core.NewValidator(), testLogger())
	router := newCompanyRouter(h)

	body, _ := json.Marshal(CreateCompanyRequest{Name: "Acme Logistics", PlanID: "business"})
	req := httptest.NewRequest(http.MethodPost, "/v1/companies", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var resp struct {
		Data CompanyResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.Data.ID)
	assert.Equal(t, "Acme Logistics", resp.Data.Name)
	assert.Equal(t, "business", resp.Data.PlanID)

	require.NotNil(t, store.capturedCreate)
	assert.Equal(t, resp.Data.ID, store.capturedCreate.ID)
	assert.Equal(t, "business", store.capturedCreate.Billing.PlanID)
	assert.Nil(t, store.capturedCreate.CountsUpdatedAt, "a new company has no snapshot yet")
}

func TestCompanyCreateValidation(t *testing.T) {
	h := NewCompanyHandler(&mockCompanyStore{}, businessPlanCatalog(), &mockUsageViewer{}, core.NewValidator(), testLogger())
	router := newCompanyRouter(h)

	tests := []struct {
		name       string
		body       string
		wantStatus int
		wantCode   types.ErrorCode
	}{
		{
			name:       "missing name",
			body:       `{"plan_id":"business"}`,
			wantStatus: http.StatusBadRequest,
			wantCode:   types.ErrCodeValidationMissingField,
		},
		{
			name:       "missing plan",
			body:       `{"name":"Acme"}`,
			wantStatus: http.StatusBadRequest,
			wantCode:   types.ErrCodeValidationMissingField,
		},
		{
			name:       "malformed JSON",
			body:       `{"name":`,
			wantStatus: http.StatusBadRequest,
			wantCode:   types.ErrCodeValidationInvalidJSON,
		},
		{
			name:       "unknown plan",
			body:       `{"name":"Acme","plan_id":"platinum"}`,
			wantStatus: http.StatusNotFound,
			wantCode:   types.ErrCodeNotFoundPlan,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/v1/companies", bytes.NewReader([]byte(tt.body)))
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, req)

			assert.Equal(t, tt.wantStatus, rec.Code, rec.Body.String())

			var resp core.APIErrorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Equal(t, string(tt.wantCode), resp.Error.Code)
		})
	}
}

func TestCompanyGetUsage(t *testing.T) {
	views := &mockUsageViewer{getUsageViewFn: func(_ context.Context, companyID string) (*types.UsageView, error) {
		return &types.UsageView{
			CompanyID:       companyID,
			Counts:          types.UsageSnapshot{UsersActiveTotal: 8, UsersPendingTotal: 2},
			Usage:           types.UsageCounters{Users: 8},
			PlanID:          "business",
			UserLimit:       100,
			ConnectionLimit: 50,
		}, nil
	}}
	h := NewCompanyHandler(&mockCompanyStore{}, businessPlanCatalog(), views, core.NewValidator(), testLogger())
	router := newCompanyRouter(h)

	req := httptest.NewRequest(http.MethodGet, "/v1/companies/comp-1/usage", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp struct {
		Data types.UsageView `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "comp-1", resp.Data.CompanyID)
	assert.Equal(t, 8, resp.Data.Counts.UsersActiveTotal)
	assert.Equal(t, 100, resp.Data.UserLimit)
}

func TestCompanyGetUsageNotFound(t *testing.T) {
	h := NewCompanyHandler(&mockCompanyStore{}, businessPlanCatalog(), &mockUsageViewer{}, core.NewValidator(), testLogger())
	router := newCompanyRouter(h)

	req := httptest.NewRequest(http.MethodGet, "/v1/companies/comp-gone/usage", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code, rec.Body.String())
}
