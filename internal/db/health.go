package db

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

// HealthProbe checks database connectivity for the /health endpoint.
type HealthProbe struct {
	pool *pgxpool.Pool
}

// NewHealthProbe creates a probe over the given pool.
func NewHealthProbe(pool *pgxpool.Pool) *HealthProbe {
	return &HealthProbe{pool: pool}
}

// Name identifies the probe in health responses.
func (p *HealthProbe) Name() string { return "database" }

// Check pings the database, respecting the context deadline.
func (p *HealthProbe) Check(ctx context.Context) error {
	return p.pool.Ping(ctx)
}
