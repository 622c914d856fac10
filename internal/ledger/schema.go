package ledger

import (
	"context"
	"fmt"
	"strings"

	"entgo.io/ent/dialect"
)

const (
	indexOneActiveLease   = "leases_one_active_per_property"
	indexLeaseApplication = "leases_application_id"
	indexTransactionID    = "payments_transaction_id"
)

// schemaStatements is the ledger DDL. {{TIME}} is replaced with the dialect's
// timestamp type.
//
// Three partial unique indexes carry the core invariants:
//   - leases_one_active_per_property: at most one active lease per property
//   - leases_application_id: an application yields at most one lease
//   - payments_transaction_id: a gateway transaction id is applied once
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS organizations (
		id         TEXT PRIMARY KEY,
		name       TEXT NOT NULL,
		owner_id   TEXT NOT NULL,
		created_at {{TIME}} NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS users (
		id              TEXT PRIMARY KEY,
		name            TEXT NOT NULL,
		email           TEXT NOT NULL,
		role            TEXT NOT NULL,
		organization_id TEXT REFERENCES organizations(id),
		created_at      {{TIME}} NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS properties (
		id              TEXT PRIMARY KEY,
		organization_id TEXT NOT NULL REFERENCES organizations(id),
		address         TEXT NOT NULL,
		rent_cents      BIGINT NOT NULL,
		listed          BOOLEAN NOT NULL DEFAULT FALSE,
		created_at      {{TIME}} NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS properties_org ON properties(organization_id)`,
	`CREATE TABLE IF NOT EXISTS applications (
		id              TEXT PRIMARY KEY,
		organization_id TEXT NOT NULL REFERENCES organizations(id),
		property_id     TEXT NOT NULL REFERENCES properties(id),
		tenant_id       TEXT NOT NULL REFERENCES users(id),
		landlord_id     TEXT NOT NULL REFERENCES users(id),
		status          TEXT NOT NULL,
		requested_start {{TIME}},
		requested_end   {{TIME}},
		decided_by      TEXT,
		decided_at      {{TIME}},
		created_at      {{TIME}} NOT NULL,
		updated_at      {{TIME}} NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS applications_org_status ON applications(organization_id, status)`,
	`CREATE TABLE IF NOT EXISTS leases (
		id                     TEXT PRIMARY KEY,
		organization_id        TEXT NOT NULL REFERENCES organizations(id),
		property_id            TEXT NOT NULL REFERENCES properties(id),
		tenant_id              TEXT NOT NULL REFERENCES users(id),
		application_id         TEXT REFERENCES applications(id),
		start_date             {{TIME}} NOT NULL,
		end_date               {{TIME}} NOT NULL,
		rent_cents             BIGINT NOT NULL,
		security_deposit_cents BIGINT NOT NULL DEFAULT 0,
		balance_cents          BIGINT NOT NULL DEFAULT 0,
		status                 TEXT NOT NULL,
		created_by             TEXT NOT NULL,
		created_at             {{TIME}} NOT NULL,
		updated_at             {{TIME}} NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS leases_one_active_per_property
		ON leases(property_id) WHERE status = 'active'`,
	`CREATE UNIQUE INDEX IF NOT EXISTS leases_application_id
		ON leases(application_id) WHERE application_id IS NOT NULL`,
	`CREATE INDEX IF NOT EXISTS leases_org_status ON leases(organization_id, status)`,
	`CREATE TABLE IF NOT EXISTS payments (
		id              TEXT PRIMARY KEY,
		organization_id TEXT NOT NULL REFERENCES organizations(id),
		property_id     TEXT NOT NULL REFERENCES properties(id),
		lease_id        TEXT NOT NULL REFERENCES leases(id),
		tenant_id       TEXT NOT NULL REFERENCES users(id),
		amount_cents    BIGINT NOT NULL,
		currency        TEXT NOT NULL,
		payment_date    {{TIME}} NOT NULL,
		method          TEXT NOT NULL,
		status          TEXT NOT NULL,
		transaction_id  TEXT,
		created_at      {{TIME}} NOT NULL,
		updated_at      {{TIME}} NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS payments_transaction_id
		ON payments(transaction_id) WHERE transaction_id IS NOT NULL`,
	`CREATE INDEX IF NOT EXISTS payments_org_lease ON payments(organization_id, lease_id)`,
}

// Migrate creates the ledger tables and indexes if they do not exist.
func (s *SQLStore) Migrate(ctx context.Context) error {
	timeType := "DATETIME"
	if s.Dialect() == dialect.Postgres {
		timeType = "TIMESTAMPTZ"
	}
	for _, stmt := range schemaStatements {
		stmt = strings.ReplaceAll(stmt, "{{TIME}}", timeType)
		if err := s.drv.Exec(ctx, stmt, []any{}, nil); err != nil {
			return fmt.Errorf("migrating ledger schema: %w", err)
		}
	}
	return nil
}
