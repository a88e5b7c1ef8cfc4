package e2e_harness

import (
	"context"
	"fmt"
)

// CreateHostFixtures creates the host tables the E2E scenarios bind to: a
// uuid-keyed products table for tables-mode storage and a vehicles table
// carrying a JSONB bundle column.
func (h *TestHarness) CreateHostFixtures(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS products (
			id   UUID PRIMARY KEY,
			name TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS vehicles (
			id         UUID PRIMARY KEY,
			name       TEXT NOT NULL,
			dyn_fields JSONB
		)`,
	}
	for _, stmt := range stmts {
		if _, err := h.PGDB.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create host fixture: %w", err)
		}
	}
	return nil
}

// DropHostFixtures removes the host tables between scenarios.
func (h *TestHarness) DropHostFixtures(ctx context.Context) error {
	for _, stmt := range []string{
		`DROP TABLE IF EXISTS products`,
		`DROP TABLE IF EXISTS vehicles`,
	} {
		if _, err := h.PGDB.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("drop host fixture: %w", err)
		}
	}
	return nil
}
