// Package plan provides read-only lookup of plan definitions. Plans are
// authored by an external collaborator and referenced by id; the catalog
// never mutates them.
package plan

import (
	"context"

	"quotaledger/internal/types"
)

// Catalog is the lookup interface consumed by admission control and the
// usage view. A missing plan is fatal to the caller: admission cannot
// proceed without a valid plan.
type Catalog interface {
	Get(ctx context.Context, planID string) (*types.Plan, error)
}

// Source is the persistence-level plan lookup, implemented by the plans
// repository.
type Source interface {
	GetByID(ctx context.Context, id string) (*types.Plan, error)
}

// RepoCatalog is the standard production Catalog, backed by the plans table.
type RepoCatalog struct {
	source Source
}

// NewRepoCatalog creates a Catalog over the given source.
func NewRepoCatalog(source Source) *RepoCatalog {
	return &RepoCatalog{source: source}
}

// Get returns the plan definition for the given id.
func (c *RepoCatalog) Get(ctx context.Context, planID string) (*types.Plan, error) {
	return c.source.GetByID(ctx, planID)
}

// staticDefaults defines the built-in plan set used by the static catalog.
// A negative limit means unlimited; enforcement treats it as never exceeded.
var staticDefaults = map[string]types.Plan{
	"free": {
		ID:              "free",
		Name:            "Free",
		UserLimit:       5,
		ConnectionLimit: 3,
		PriceCents:      0,
		Currency:        "USD",
	},
	"starter": {
		ID:              "starter",
		Name:            "Starter",
		UserLimit:       25,
		ConnectionLimit: 10,
		PriceCents:      4900,
		Currency:        "USD",
	},
	"business": {
		ID:              "business",
		Name:            "Business",
		UserLimit:       100,
		ConnectionLimit: 50,
		PriceCents:      19900,
		Currency:        "USD",
	},
	"enterprise": {
		ID:              "enterprise",
		Name:            "Enterprise",
		UserLimit:       types.UnlimitedLimit,
		ConnectionLimit: types.UnlimitedLimit,
		PriceCents:      0,
		Currency:        "USD",
	},
}

// StaticCatalog is an in-memory Catalog backed by the built-in plan set.
// Used for local development and tests; production resolves plans from the
// plans table via RepoCatalog.
type StaticCatalog struct {
	plans map[string]types.Plan
}

// NewStaticCatalog returns a Catalog backed by the built-in plan set.
// The defaults are copied so callers cannot mutate the package-level map.
func NewStaticCatalog() *StaticCatalog {
	m := make(map[string]types.Plan, len(staticDefaults))
	for k, v := range staticDefaults {
		m[k] = v
	}
	return &StaticCatalog{plans: m}
}

// Get returns the plan definition for the given id.
func (c *StaticCatalog) Get(_ context.Context, planID string) (*types.Plan, error) {
	if p, ok := c.plans[planID]; ok {
		return &p, nil
	}
	return nil, types.NewAppError(types.ErrCodeNotFoundPlan, "plan not found", nil)
}
