package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// HealthChecker is the readiness check for PostgreSQL. A reachable server with
// an unmigrated schema is reported down: every store query would fail.
type HealthChecker struct {
	pool *pgxpool.Pool
}

func NewHealthChecker(pool *pgxpool.Pool) *HealthChecker {
	return &HealthChecker{pool: pool}
}

func (h *HealthChecker) Name() string { return "postgres" }

// Check verifies the flags table is reachable.
func (h *HealthChecker) Check(ctx context.Context) error {
	if h.pool == nil {
		return errors.New("database pool is nil")
	}
	var migrated bool
	if err := h.pool.QueryRow(ctx, `SELECT to_regclass('public.flags') IS NOT NULL`).Scan(&migrated); err != nil {
		return fmt.Errorf("schema probe: %w", err)
	}
	if !migrated {
		return errors.New("flags table missing, migrations not applied")
	}
	return nil
}
