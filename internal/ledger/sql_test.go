package ledger_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matthewbaird/rentledger/internal/ledger"
	"github.com/matthewbaird/rentledger/internal/ledger/ledgertest"
)

func TestInsertLease_OneActivePerProperty(t *testing.T) {
	s := ledgertest.New(t)
	f := ledgertest.Seed(t, s, 100000)
	other := ledgertest.AddTenant(t, s, "other")

	start := ledgertest.Date(2024, 1, 1)
	end := ledgertest.Date(2024, 12, 31)
	f.Lease(t, s, f.Property, f.Tenant, ledger.LeaseActive, start, end)

	err := s.InsertLease(context.Background(), &ledger.Lease{
		OrganizationID: f.Org.ID,
		PropertyID:     f.Property.ID,
		TenantID:       other.ID,
		StartDate:      start,
		EndDate:        end,
		RentCents:      100000,
		Status:         ledger.LeaseActive,
		CreatedBy:      f.Landlord.ID,
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ledger.ErrConflict))
	assert.Equal(t, ledger.CodePropertyAlreadyLeased, ledger.CodeOf(err))

	// Non-active leases on the same property are unconstrained.
	f.Lease(t, s, f.Property, other, ledger.LeaseUpcoming, ledgertest.Date(2025, 1, 1), ledgertest.Date(2025, 12, 31))
	f.Lease(t, s, f.Property, other, ledger.LeaseExpired, ledgertest.Date(2023, 1, 1), ledgertest.Date(2023, 12, 31))
}

func TestInsertLease_OtherUniqueFailuresAreNotConflicts(t *testing.T) {
	ctx := context.Background()
	s := ledgertest.New(t)
	f := ledgertest.Seed(t, s, 100000)
	second := f.AddProperty(t, s, "2 Side St", 90000)

	first := f.Lease(t, s, f.Property, f.Tenant, ledger.LeaseExpired, ledgertest.Date(2023, 1, 1), ledgertest.Date(2023, 12, 31))
	err := s.InsertLease(ctx, &ledger.Lease{
		ID:             first.ID,
		OrganizationID: f.Org.ID,
		PropertyID:     second.ID,
		TenantID:       f.Tenant.ID,
		StartDate:      ledgertest.Date(2024, 1, 1),
		EndDate:        ledgertest.Date(2024, 12, 31),
		RentCents:      90000,
		Status:         ledger.LeaseActive,
		CreatedBy:      f.Landlord.ID,
	})
	require.Error(t, err)
	assert.False(t, errors.Is(err, ledger.ErrConflict), "primary key collision reported as %v", err)
	assert.Empty(t, ledger.CodeOf(err))
}

func TestInsertLease_OneLeasePerApplication(t *testing.T) {
	ctx := context.Background()
	s := ledgertest.New(t)
	f := ledgertest.Seed(t, s, 100000)
	app := &ledger.Application{
		OrganizationID: f.Org.ID,
		PropertyID:     f.Property.ID,
		TenantID:       f.Tenant.ID,
		LandlordID:     f.Landlord.ID,
		Status:         ledger.ApplicationApproved,
	}
	require.NoError(t, s.CreateApplication(ctx, app))

	lease := func(status ledger.LeaseStatus, year int) *ledger.Lease {
		id := app.ID
		return &ledger.Lease{
			OrganizationID: f.Org.ID,
			PropertyID:     f.Property.ID,
			TenantID:       f.Tenant.ID,
			ApplicationID:  &id,
			StartDate:      ledgertest.Date(year, 1, 1),
			EndDate:        ledgertest.Date(year, 12, 31),
			RentCents:      100000,
			Status:         status,
			CreatedBy:      f.Landlord.ID,
		}
	}
	require.NoError(t, s.InsertLease(ctx, lease(ledger.LeaseExpired, 2023)))

	err := s.InsertLease(ctx, lease(ledger.LeaseUpcoming, 2025))
	require.ErrorIs(t, err, ledger.ErrConflict)
	assert.Equal(t, ledger.CodeApplicationLeased, ledger.CodeOf(err))
}

func TestTransitionLease(t *testing.T) {
	ctx := context.Background()
	s := ledgertest.New(t)
	f := ledgertest.Seed(t, s, 100000)
	other := ledgertest.AddTenant(t, s, "other")

	active := f.Lease(t, s, f.Property, f.Tenant, ledger.LeaseActive, ledgertest.Date(2024, 1, 1), ledgertest.Date(2024, 12, 31))
	upcoming := f.Lease(t, s, f.Property, other, ledger.LeaseUpcoming, ledgertest.Date(2025, 1, 1), ledgertest.Date(2025, 12, 31))

	err := s.TransitionLease(ctx, f.Org.ID, upcoming.ID, ledger.LeaseUpcoming, ledger.LeaseActive, time.Now())
	assert.True(t, errors.Is(err, ledger.ErrConflict), "got %v", err)

	require.NoError(t, s.TransitionLease(ctx, f.Org.ID, active.ID, ledger.LeaseActive, ledger.LeaseExpired, time.Now()))
	require.NoError(t, s.TransitionLease(ctx, f.Org.ID, upcoming.ID, ledger.LeaseUpcoming, ledger.LeaseActive, time.Now()))

	err = s.TransitionLease(ctx, f.Org.ID, active.ID, ledger.LeaseActive, ledger.LeaseExpired, time.Now())
	assert.True(t, errors.Is(err, ledger.ErrNotFound), "second transition should not match, got %v", err)

	got, err := s.ActiveLeaseForProperty(ctx, f.Org.ID, f.Property.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, upcoming.ID, got.ID)
}

func TestOrganizationScoping(t *testing.T) {
	ctx := context.Background()
	s := ledgertest.New(t)
	a := ledgertest.Seed(t, s, 100000)
	b := ledgertest.Seed(t, s, 90000)

	lease := a.Lease(t, s, a.Property, a.Tenant, ledger.LeaseActive, ledgertest.Date(2024, 1, 1), ledgertest.Date(2024, 12, 31))

	_, err := s.GetLease(ctx, b.Org.ID, lease.ID)
	assert.True(t, errors.Is(err, ledger.ErrNotFound))
	_, err = s.GetProperty(ctx, b.Org.ID, a.Property.ID)
	assert.True(t, errors.Is(err, ledger.ErrNotFound))

	err = s.AdjustLeaseBalance(ctx, b.Org.ID, lease.ID, -100, time.Now())
	assert.True(t, errors.Is(err, ledger.ErrNotFound))

	leases, err := s.ListLeases(ctx, b.Org.ID)
	require.NoError(t, err)
	assert.Empty(t, leases)

	got, err := s.GetLease(ctx, a.Org.ID, lease.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(100000), got.BalanceCents)
	assert.Equal(t, ledgertest.Date(2024, 1, 1), got.StartDate)
}

func TestAdjustLeaseBalance(t *testing.T) {
	ctx := context.Background()
	s := ledgertest.New(t)
	f := ledgertest.Seed(t, s, 100000)
	lease := f.Lease(t, s, f.Property, f.Tenant, ledger.LeaseActive, ledgertest.Date(2024, 1, 1), ledgertest.Date(2024, 12, 31))

	require.NoError(t, s.AdjustLeaseBalance(ctx, f.Org.ID, lease.ID, -25000, time.Now()))
	require.NoError(t, s.AdjustLeaseBalance(ctx, f.Org.ID, lease.ID, -25000, time.Now()))

	got, err := s.GetLease(ctx, f.Org.ID, lease.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(50000), got.BalanceCents)
}

func TestTransitionApplication(t *testing.T) {
	ctx := context.Background()
	s := ledgertest.New(t)
	f := ledgertest.Seed(t, s, 100000)

	app := &ledger.Application{
		OrganizationID: f.Org.ID,
		PropertyID:     f.Property.ID,
		TenantID:       f.Tenant.ID,
		LandlordID:     f.Landlord.ID,
	}
	require.NoError(t, s.CreateApplication(ctx, app))
	assert.Equal(t, ledger.ApplicationPending, app.Status)

	before, err := s.TransitionApplication(ctx, f.Org.ID, app.ID, ledger.ApplicationPending, ledger.ApplicationApproved, f.Landlord.ID, time.Now())
	require.NoError(t, err)
	assert.Equal(t, ledger.ApplicationPending, before.Status)

	_, err = s.TransitionApplication(ctx, f.Org.ID, app.ID, ledger.ApplicationPending, ledger.ApplicationRejected, f.Landlord.ID, time.Now())
	assert.True(t, errors.Is(err, ledger.ErrNotFound))
	assert.Equal(t, ledger.CodeNotFoundOrNotPending, ledger.CodeOf(err))

	got, err := s.GetApplication(ctx, f.Org.ID, app.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.ApplicationApproved, got.Status)
	require.NotNil(t, got.DecidedBy)
	assert.Equal(t, f.Landlord.ID, *got.DecidedBy)
	assert.NotNil(t, got.DecidedAt)

	// Reverting to pending clears the decision.
	_, err = s.TransitionApplication(ctx, f.Org.ID, app.ID, ledger.ApplicationApproved, ledger.ApplicationPending, f.Landlord.ID, time.Now())
	require.NoError(t, err)
	got, err = s.GetApplication(ctx, f.Org.ID, app.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.ApplicationPending, got.Status)
	assert.Nil(t, got.DecidedBy)
	assert.Nil(t, got.DecidedAt)
}

func TestCompletePayment(t *testing.T) {
	ctx := context.Background()
	s := ledgertest.New(t)
	f := ledgertest.Seed(t, s, 100000)
	lease := f.Lease(t, s, f.Property, f.Tenant, ledger.LeaseActive, ledgertest.Date(2024, 1, 1), ledgertest.Date(2024, 12, 31))

	newPending := func() *ledger.Payment {
		p := &ledger.Payment{
			OrganizationID: f.Org.ID,
			PropertyID:     f.Property.ID,
			LeaseID:        lease.ID,
			TenantID:       f.Tenant.ID,
			AmountCents:    50000,
			Currency:       "USD",
			PaymentDate:    ledgertest.Date(2024, 2, 1),
			Method:         ledger.MethodOnline,
			Status:         ledger.PaymentPending,
		}
		require.NoError(t, s.InsertPayment(ctx, p))
		return p
	}
	p1 := newPending()
	p2 := newPending()

	ok, err := s.CompletePayment(ctx, f.Org.ID, p1.ID, "txn_1", time.Now())
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.CompletePayment(ctx, f.Org.ID, p1.ID, "txn_1", time.Now())
	require.NoError(t, err)
	assert.False(t, ok, "already completed")

	_, err = s.CompletePayment(ctx, f.Org.ID, p2.ID, "txn_1", time.Now())
	assert.True(t, errors.Is(err, ledger.ErrConflict))
	assert.Equal(t, ledger.CodeDuplicateTransaction, ledger.CodeOf(err))

	byTxn, err := s.FindPaymentByTransaction(ctx, "txn_1")
	require.NoError(t, err)
	assert.Equal(t, p1.ID, byTxn.ID)

	paid, err := s.ListCompletedPayments(ctx, f.Org.ID, []string{lease.ID})
	require.NoError(t, err)
	require.Len(t, paid, 1)
	assert.Equal(t, p1.ID, paid[0].ID)

	_, err = s.FindPaymentForEvent(ctx, "missing")
	assert.True(t, errors.Is(err, ledger.ErrNotFound))
}

func TestBindTenantOrganization(t *testing.T) {
	ctx := context.Background()
	s := ledgertest.New(t)
	a := ledgertest.Seed(t, s, 100000)
	b := ledgertest.Seed(t, s, 100000)

	changed, err := s.BindTenantOrganization(ctx, a.Org.ID, a.Tenant.ID)
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = s.BindTenantOrganization(ctx, b.Org.ID, a.Tenant.ID)
	require.NoError(t, err)
	assert.False(t, changed)

	u, err := s.GetUser(ctx, a.Tenant.ID)
	require.NoError(t, err)
	require.NotNil(t, u.OrganizationID)
	assert.Equal(t, a.Org.ID, *u.OrganizationID)
}

func TestInTx_RollsBackOnError(t *testing.T) {
	ctx := context.Background()
	s := ledgertest.New(t)
	f := ledgertest.Seed(t, s, 100000)

	boom := errors.New("boom")
	var leaseID string
	err := s.InTx(ctx, func(tx ledger.Repo) error {
		l := &ledger.Lease{
			OrganizationID: f.Org.ID,
			PropertyID:     f.Property.ID,
			TenantID:       f.Tenant.ID,
			StartDate:      ledgertest.Date(2024, 1, 1),
			EndDate:        ledgertest.Date(2024, 12, 31),
			RentCents:      100000,
			Status:         ledger.LeaseActive,
			CreatedBy:      f.Landlord.ID,
		}
		if err := tx.InsertLease(ctx, l); err != nil {
			return err
		}
		leaseID = l.ID
		return boom
	})
	require.ErrorIs(t, err, boom)

	_, err = s.GetLease(ctx, f.Org.ID, leaseID)
	assert.True(t, errors.Is(err, ledger.ErrNotFound))
}

func TestListOccupancy(t *testing.T) {
	s := ledgertest.New(t)
	f := ledgertest.Seed(t, s, 100000)
	vacant := f.AddProperty(t, s, "2 Side St", 80000)
	lease := f.Lease(t, s, f.Property, f.Tenant, ledger.LeaseActive, ledgertest.Date(2024, 1, 1), ledgertest.Date(2024, 12, 31))

	occ, err := s.ListOccupancy(context.Background(), f.Org.ID)
	require.NoError(t, err)
	require.Len(t, occ, 2)

	byID := map[string]ledger.Occupancy{}
	for _, o := range occ {
		byID[o.ID] = o
	}
	assert.True(t, byID[f.Property.ID].Occupied)
	require.NotNil(t, byID[f.Property.ID].ActiveLeaseID)
	assert.Equal(t, lease.ID, *byID[f.Property.ID].ActiveLeaseID)
	assert.False(t, byID[vacant.ID].Occupied)
	assert.Nil(t, byID[vacant.ID].TenantID)
}
