// Package ledgertest provides an in-memory ledger store and fixtures for
// tests in other packages.
package ledgertest

import (
	"context"
	"testing"
	"time"

	"entgo.io/ent/dialect"
	"github.com/stretchr/testify/require"

	"github.com/matthewbaird/rentledger/internal/ledger"
)

// New opens a fresh in-memory SQLite ledger with the schema applied. The
// store holds a single connection, so each call gets its own database.
func New(t testing.TB) *ledger.SQLStore {
	t.Helper()
	ctx := context.Background()
	s, err := ledger.Open(ctx, ledger.DBConfig{Dialect: dialect.SQLite, DSN: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.Migrate(ctx))
	return s
}

// Fixture is one organization with a landlord, a tenant and a property.
type Fixture struct {
	Org      *ledger.Organization
	Landlord *ledger.User
	Tenant   *ledger.User
	Property *ledger.Property
}

// Seed creates a Fixture with the given monthly rent.
func Seed(t testing.TB, s ledger.Repo, rentCents int64) *Fixture {
	t.Helper()
	ctx := context.Background()

	landlord := &ledger.User{Name: "Lara Landlord", Email: "lara@example.com", Role: ledger.RoleLandlord}
	require.NoError(t, s.CreateUser(ctx, landlord))
	org := &ledger.Organization{Name: "Lara Lettings", OwnerID: landlord.ID}
	require.NoError(t, s.CreateOrganization(ctx, org))

	tenant := &ledger.User{Name: "Tom Tenant", Email: "tom@example.com", Role: ledger.RoleTenant}
	require.NoError(t, s.CreateUser(ctx, tenant))

	prop := &ledger.Property{OrganizationID: org.ID, Address: "1 Main St", RentCents: rentCents, Listed: true}
	require.NoError(t, s.CreateProperty(ctx, prop))

	return &Fixture{Org: org, Landlord: landlord, Tenant: tenant, Property: prop}
}

// AddTenant creates another tenant user.
func AddTenant(t testing.TB, s ledger.Repo, name string) *ledger.User {
	t.Helper()
	u := &ledger.User{Name: name, Email: name + "@example.com", Role: ledger.RoleTenant}
	require.NoError(t, s.CreateUser(context.Background(), u))
	return u
}

// AddProperty creates another property in the fixture's organization.
func (f *Fixture) AddProperty(t testing.TB, s ledger.Repo, address string, rentCents int64) *ledger.Property {
	t.Helper()
	p := &ledger.Property{OrganizationID: f.Org.ID, Address: address, RentCents: rentCents, Listed: true}
	require.NoError(t, s.CreateProperty(context.Background(), p))
	return p
}

// Lease inserts a lease directly, bypassing the assignment engine.
func (f *Fixture) Lease(t testing.TB, s ledger.Repo, prop *ledger.Property, tenant *ledger.User, status ledger.LeaseStatus, start, end time.Time) *ledger.Lease {
	t.Helper()
	l := &ledger.Lease{
		OrganizationID: f.Org.ID,
		PropertyID:     prop.ID,
		TenantID:       tenant.ID,
		StartDate:      start,
		EndDate:        end,
		RentCents:      prop.RentCents,
		BalanceCents:   prop.RentCents,
		Status:         status,
		CreatedBy:      f.Landlord.ID,
	}
	require.NoError(t, s.InsertLease(context.Background(), l))
	return l
}

// Date is a UTC midnight for the given day.
func Date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
