package approval

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matthewbaird/rentledger/internal/activity"
	"github.com/matthewbaird/rentledger/internal/event"
	"github.com/matthewbaird/rentledger/internal/ledger"
	"github.com/matthewbaird/rentledger/internal/ledger/ledgertest"
	"github.com/matthewbaird/rentledger/internal/metrics"
)

var now = ledgertest.Date(2024, time.March, 15)

type harness struct {
	store    *ledger.SQLStore
	fx       *ledgertest.Fixture
	activity *activity.MemoryStore
	metrics  *metrics.Metrics
	svc      *Service
}

func newHarness(t *testing.T, mode Mode) *harness {
	t.Helper()
	store := ledgertest.New(t)
	fx := ledgertest.Seed(t, store, 120000)
	acts := activity.NewMemoryStore()
	m := metrics.New(nil)
	logger, _ := test.NewNullLogger()
	svc := NewService(store, event.NewActivityRecorder(acts), logger, m, mode)
	svc.now = func() time.Time { return now }
	return &harness{store: store, fx: fx, activity: acts, metrics: m, svc: svc}
}

func (h *harness) submit(t *testing.T, tenant *ledger.User) *ledger.Application {
	t.Helper()
	app, err := h.svc.Submit(context.Background(), SubmitRequest{
		OrgID:      h.fx.Org.ID,
		PropertyID: h.fx.Property.ID,
		TenantID:   tenant.ID,
		Actor:      tenant.ID,
	})
	require.NoError(t, err)
	return app
}

func (h *harness) decide(app *ledger.Application, decision ledger.ApplicationStatus) (*Outcome, error) {
	return h.svc.Decide(context.Background(), DecideRequest{
		ApplicationID: app.ID,
		OrgID:         h.fx.Org.ID,
		Decision:      decision,
		Actor:         h.fx.Landlord.ID,
	})
}

func (h *harness) status(t *testing.T, app *ledger.Application) ledger.ApplicationStatus {
	t.Helper()
	got, err := h.store.GetApplication(context.Background(), h.fx.Org.ID, app.ID)
	require.NoError(t, err)
	return got.Status
}

func (h *harness) leases(t *testing.T) []ledger.Lease {
	t.Helper()
	leases, err := h.store.ListLeases(context.Background(), h.fx.Org.ID)
	require.NoError(t, err)
	return leases
}

var modes = []Mode{ModeTransactional, ModeCompensating}

func TestParseMode(t *testing.T) {
	m, err := ParseMode("")
	require.NoError(t, err)
	assert.Equal(t, ModeTransactional, m)

	m, err = ParseMode("compensating")
	require.NoError(t, err)
	assert.Equal(t, ModeCompensating, m)

	_, err = ParseMode("optimistic")
	assert.Error(t, err)
}

func TestSubmit(t *testing.T) {
	h := newHarness(t, ModeTransactional)
	app := h.submit(t, h.fx.Tenant)

	assert.Equal(t, ledger.ApplicationPending, app.Status)
	assert.Equal(t, h.fx.Landlord.ID, app.LandlordID)

	entries, _, _, err := h.activity.QueryByEntity(context.Background(), h.fx.Org.ID, "application", app.ID, activity.DefaultQueryOptions())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, event.ApplicationSubmitted, entries[0].EventType)

	t.Run("landlord cannot apply", func(t *testing.T) {
		_, err := h.svc.Submit(context.Background(), SubmitRequest{
			OrgID: h.fx.Org.ID, PropertyID: h.fx.Property.ID, TenantID: h.fx.Landlord.ID, Actor: "x",
		})
		assert.ErrorIs(t, err, ledger.ErrValidation)
	})
	t.Run("requested end before start", func(t *testing.T) {
		start, end := now.AddDate(0, 1, 0), now
		_, err := h.svc.Submit(context.Background(), SubmitRequest{
			OrgID: h.fx.Org.ID, PropertyID: h.fx.Property.ID, TenantID: h.fx.Tenant.ID, Actor: "x",
			RequestedStart: &start, RequestedEnd: &end,
		})
		assert.ErrorIs(t, err, ledger.ErrValidation)
	})
}

func TestDecide_Approve(t *testing.T) {
	for _, mode := range modes {
		t.Run(string(mode), func(t *testing.T) {
			h := newHarness(t, mode)
			app := h.submit(t, h.fx.Tenant)

			out, err := h.decide(app, ledger.ApplicationApproved)
			require.NoError(t, err)
			assert.Equal(t, ledger.ApplicationApproved, out.Application.Status)
			require.NotNil(t, out.Application.DecidedBy)
			assert.Equal(t, h.fx.Landlord.ID, *out.Application.DecidedBy)
			assert.Equal(t, ledger.ApplicationApproved, h.status(t, app))

			require.NotNil(t, out.Lease)
			assert.Equal(t, ledger.LeaseActive, out.Lease.Status)
			assert.Equal(t, int64(120000), out.Lease.RentCents)
			assert.True(t, out.Lease.StartDate.Equal(now))
			assert.True(t, out.Lease.EndDate.Equal(now.AddDate(1, 0, 0)))
			require.NotNil(t, out.Lease.ApplicationID)
			assert.Equal(t, app.ID, *out.Lease.ApplicationID)
			assert.Len(t, h.leases(t), 1)

			tenant, err := h.store.GetUser(context.Background(), h.fx.Tenant.ID)
			require.NoError(t, err)
			require.NotNil(t, tenant.OrganizationID)
			assert.Equal(t, h.fx.Org.ID, *tenant.OrganizationID)

			entries, _, _, err := h.activity.QueryByEntity(context.Background(), h.fx.Org.ID, "tenant", h.fx.Tenant.ID, activity.DefaultQueryOptions())
			require.NoError(t, err)
			var seen []string
			for _, e := range entries {
				seen = append(seen, e.EventType)
			}
			assert.ElementsMatch(t, []string{event.ApplicationSubmitted, event.ApplicationApproved, event.LeaseAssigned}, seen)
		})
	}
}

func TestDecide_ApproveUsesRequestedDates(t *testing.T) {
	h := newHarness(t, ModeTransactional)
	start := ledgertest.Date(2024, time.June, 1)
	end := ledgertest.Date(2025, time.May, 31)
	app, err := h.svc.Submit(context.Background(), SubmitRequest{
		OrgID: h.fx.Org.ID, PropertyID: h.fx.Property.ID, TenantID: h.fx.Tenant.ID, Actor: h.fx.Tenant.ID,
		RequestedStart: &start, RequestedEnd: &end,
	})
	require.NoError(t, err)

	out, err := h.decide(app, ledger.ApplicationApproved)
	require.NoError(t, err)
	assert.True(t, out.Lease.StartDate.Equal(start))
	assert.True(t, out.Lease.EndDate.Equal(end))
	assert.Equal(t, ledger.LeaseActive, out.Lease.Status)
}

func TestDecide_FutureStartApprovalsForOneProperty(t *testing.T) {
	for _, mode := range modes {
		t.Run(string(mode), func(t *testing.T) {
			h := newHarness(t, mode)
			start := now.AddDate(0, 1, 0)
			var apps []*ledger.Application
			for _, tenant := range []*ledger.User{h.fx.Tenant, ledgertest.AddTenant(t, h.store, "second")} {
				app, err := h.svc.Submit(context.Background(), SubmitRequest{
					OrgID: h.fx.Org.ID, PropertyID: h.fx.Property.ID, TenantID: tenant.ID, Actor: tenant.ID,
					RequestedStart: &start,
				})
				require.NoError(t, err)
				apps = append(apps, app)
			}

			_, err := h.decide(apps[0], ledger.ApplicationApproved)
			require.NoError(t, err)
			_, err = h.decide(apps[1], ledger.ApplicationApproved)
			require.ErrorIs(t, err, ledger.ErrConflict)
			assert.Equal(t, ledger.CodePropertyAlreadyLeased, ledger.CodeOf(err))

			assert.Len(t, h.leases(t), 1)
			assert.Equal(t, ledger.ApplicationPending, h.status(t, apps[1]))
		})
	}
}

func TestDecide_Reject(t *testing.T) {
	for _, mode := range modes {
		t.Run(string(mode), func(t *testing.T) {
			h := newHarness(t, mode)
			app := h.submit(t, h.fx.Tenant)

			out, err := h.decide(app, ledger.ApplicationRejected)
			require.NoError(t, err)
			assert.Equal(t, ledger.ApplicationRejected, out.Application.Status)
			assert.Nil(t, out.Lease)
			assert.Equal(t, ledger.ApplicationRejected, h.status(t, app))
			assert.Empty(t, h.leases(t))
			assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.ApprovalDecisions.WithLabelValues("rejected", "ok")))
		})
	}
}

func TestDecide_ConflictLeavesApplicationPending(t *testing.T) {
	for _, mode := range modes {
		t.Run(string(mode), func(t *testing.T) {
			h := newHarness(t, mode)
			occupant := ledgertest.AddTenant(t, h.store, "occupant")
			h.fx.Lease(t, h.store, h.fx.Property, occupant, ledger.LeaseActive, now.AddDate(0, -2, 0), now.AddDate(1, 0, 0))
			app := h.submit(t, h.fx.Tenant)

			_, err := h.decide(app, ledger.ApplicationApproved)
			require.ErrorIs(t, err, ledger.ErrConflict)
			assert.Equal(t, ledger.CodePropertyAlreadyLeased, ledger.CodeOf(err))

			assert.Equal(t, ledger.ApplicationPending, h.status(t, app))
			assert.Len(t, h.leases(t), 1)
			assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.LeaseConflicts.WithLabelValues("approval")))

			got, err := h.store.GetApplication(context.Background(), h.fx.Org.ID, app.ID)
			require.NoError(t, err)
			assert.Nil(t, got.DecidedBy)

			tenant, err := h.store.GetUser(context.Background(), h.fx.Tenant.ID)
			require.NoError(t, err)
			assert.Nil(t, tenant.OrganizationID)
		})
	}
}

func TestDecide_NotPending(t *testing.T) {
	h := newHarness(t, ModeTransactional)
	app := h.submit(t, h.fx.Tenant)
	_, err := h.decide(app, ledger.ApplicationRejected)
	require.NoError(t, err)

	_, err = h.decide(app, ledger.ApplicationApproved)
	require.ErrorIs(t, err, ledger.ErrNotFound)
	assert.Equal(t, ledger.CodeNotFoundOrNotPending, ledger.CodeOf(err))
}

func TestDecide_OtherOrganizationIsNotFound(t *testing.T) {
	h := newHarness(t, ModeTransactional)
	app := h.submit(t, h.fx.Tenant)
	other := ledgertest.Seed(t, h.store, 1000)

	_, err := h.svc.Decide(context.Background(), DecideRequest{
		ApplicationID: app.ID,
		OrgID:         other.Org.ID,
		Decision:      ledger.ApplicationApproved,
		Actor:         other.Landlord.ID,
	})
	require.ErrorIs(t, err, ledger.ErrNotFound)
	assert.Equal(t, ledger.ApplicationPending, h.status(t, app))
}

func TestDecide_InvalidDecision(t *testing.T) {
	h := newHarness(t, ModeTransactional)
	app := h.submit(t, h.fx.Tenant)
	_, err := h.decide(app, ledger.ApplicationCompleted)
	assert.ErrorIs(t, err, ledger.ErrValidation)
}

func TestDecide_ConcurrentApprovalsOfOneApplication(t *testing.T) {
	for _, mode := range modes {
		t.Run(string(mode), func(t *testing.T) {
			h := newHarness(t, mode)
			app := h.submit(t, h.fx.Tenant)

			results := make([]error, 2)
			var wg sync.WaitGroup
			for i := range results {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					_, results[i] = h.decide(app, ledger.ApplicationApproved)
				}(i)
			}
			wg.Wait()

			var ok, notPending int
			for _, err := range results {
				switch {
				case err == nil:
					ok++
				case errors.Is(err, ledger.ErrNotFound) && ledger.CodeOf(err) == ledger.CodeNotFoundOrNotPending:
					notPending++
				default:
					t.Errorf("unexpected error: %v", err)
				}
			}
			assert.Equal(t, 1, ok)
			assert.Equal(t, 1, notPending)
			assert.Len(t, h.leases(t), 1)
		})
	}
}

func TestDecide_ConcurrentApprovalsForOneProperty(t *testing.T) {
	for _, mode := range modes {
		t.Run(string(mode), func(t *testing.T) {
			h := newHarness(t, mode)
			apps := []*ledger.Application{
				h.submit(t, h.fx.Tenant),
				h.submit(t, ledgertest.AddTenant(t, h.store, "rival")),
			}

			results := make([]error, len(apps))
			var wg sync.WaitGroup
			for i, app := range apps {
				wg.Add(1)
				go func() {
					defer wg.Done()
					_, results[i] = h.decide(app, ledger.ApplicationApproved)
				}()
			}
			wg.Wait()

			var ok, conflicts int
			for _, err := range results {
				switch {
				case err == nil:
					ok++
				case errors.Is(err, ledger.ErrConflict):
					conflicts++
				default:
					t.Errorf("unexpected error: %v", err)
				}
			}
			assert.Equal(t, 1, ok)
			assert.Equal(t, 1, conflicts)

			active, err := h.store.ListLeases(context.Background(), h.fx.Org.ID, ledger.LeaseActive)
			require.NoError(t, err)
			assert.Len(t, active, 1)

			var pending int
			for _, app := range apps {
				if h.status(t, app) == ledger.ApplicationPending {
					pending++
				}
			}
			assert.Equal(t, 1, pending)
		})
	}
}
