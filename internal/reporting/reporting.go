// Package reporting answers rent roll questions for one organization:
// who is behind, what is due next, and which properties are occupied.
package reporting

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/matthewbaird/rentledger/internal/accrual"
	"github.com/matthewbaird/rentledger/internal/ledger"
	"github.com/matthewbaird/rentledger/internal/types"
)

// TenantRef identifies a tenant in a report row.
type TenantRef struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

// PropertyRef identifies a property in a report row.
type PropertyRef struct {
	ID      string `json:"id"`
	Address string `json:"address"`
}

// OverdueTenant is one lease with rent outstanding.
type OverdueTenant struct {
	Tenant         TenantRef   `json:"tenant"`
	Property       PropertyRef `json:"property"`
	LeaseID        string      `json:"lease_id"`
	AmountOwed     types.Money `json:"amount_owed"`
	PeriodsElapsed int         `json:"periods_elapsed"`
	DaysOverdue    int         `json:"days_overdue"`
}

// UpcomingPayment is the next rent instalment of one lease.
type UpcomingPayment struct {
	Tenant       TenantRef   `json:"tenant"`
	Property     PropertyRef `json:"property"`
	LeaseID      string      `json:"lease_id"`
	Amount       types.Money `json:"amount"`
	NextDueDate  time.Time   `json:"next_due_date"`
	DaysUntilDue int         `json:"days_until_due"`
}

// PropertyOccupancy is a property with its derived occupancy and tenant.
type PropertyOccupancy struct {
	ledger.Occupancy
	Tenant *TenantRef `json:"tenant,omitempty"`
}

// Reader is the slice of the ledger the reports need.
type Reader interface {
	GetUser(ctx context.Context, id string) (*ledger.User, error)
	ListProperties(ctx context.Context, orgID string) ([]ledger.Property, error)
	ListOccupancy(ctx context.Context, orgID string) ([]ledger.Occupancy, error)
	ListLeases(ctx context.Context, orgID string, statuses ...ledger.LeaseStatus) ([]ledger.Lease, error)
	ListCompletedPayments(ctx context.Context, orgID string, leaseIDs []string) ([]ledger.Payment, error)
}

// Service builds reports.
type Service struct {
	store Reader
}

func NewService(store Reader) *Service {
	return &Service{store: store}
}

// rentRoll is the joined state of every active lease.
type rentRoll struct {
	leases     []ledger.Lease
	payments   map[string][]ledger.Payment
	properties map[string]PropertyRef
	tenants    map[string]TenantRef
}

func (s *Service) load(ctx context.Context, orgID string) (*rentRoll, error) {
	leases, err := s.store.ListLeases(ctx, orgID, ledger.LeaseActive)
	if err != nil {
		return nil, fmt.Errorf("loading active leases: %w", err)
	}
	roll := &rentRoll{
		leases:     leases,
		payments:   make(map[string][]ledger.Payment, len(leases)),
		properties: make(map[string]PropertyRef),
		tenants:    make(map[string]TenantRef),
	}
	if len(leases) == 0 {
		return roll, nil
	}

	ids := make([]string, len(leases))
	for i, l := range leases {
		ids[i] = l.ID
	}
	payments, err := s.store.ListCompletedPayments(ctx, orgID, ids)
	if err != nil {
		return nil, fmt.Errorf("loading payments: %w", err)
	}
	for _, p := range payments {
		roll.payments[p.LeaseID] = append(roll.payments[p.LeaseID], p)
	}

	props, err := s.store.ListProperties(ctx, orgID)
	if err != nil {
		return nil, fmt.Errorf("loading properties: %w", err)
	}
	for _, p := range props {
		roll.properties[p.ID] = PropertyRef{ID: p.ID, Address: p.Address}
	}

	for _, l := range leases {
		if _, ok := roll.tenants[l.TenantID]; ok {
			continue
		}
		ref, err := s.tenant(ctx, l.TenantID)
		if err != nil {
			return nil, err
		}
		roll.tenants[l.TenantID] = ref
	}
	return roll, nil
}

func (s *Service) tenant(ctx context.Context, id string) (TenantRef, error) {
	u, err := s.store.GetUser(ctx, id)
	if err != nil {
		return TenantRef{}, fmt.Errorf("loading tenant %s: %w", id, err)
	}
	return TenantRef{ID: u.ID, Name: u.Name, Email: u.Email}, nil
}

// OverdueTenants lists active leases with a positive amount owed, largest
// first. Ties are broken by tenant name.
func (s *Service) OverdueTenants(ctx context.Context, orgID string, now time.Time) ([]OverdueTenant, error) {
	roll, err := s.load(ctx, orgID)
	if err != nil {
		return nil, err
	}
	out := []OverdueTenant{}
	for _, l := range roll.leases {
		paid := roll.payments[l.ID]
		owed := accrual.ComputeOwed(l, paid, now)
		if owed.AmountOwedCents <= 0 {
			continue
		}
		out = append(out, OverdueTenant{
			Tenant:         roll.tenants[l.TenantID],
			Property:       roll.properties[l.PropertyID],
			LeaseID:        l.ID,
			AmountOwed:     types.Money{AmountCents: owed.AmountOwedCents, Currency: types.DefaultCurrency},
			PeriodsElapsed: owed.PeriodsElapsed,
			DaysOverdue:    accrual.ComputeDaysOverdue(l, paid, now),
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.AmountOwed.AmountCents != b.AmountOwed.AmountCents {
			return a.AmountOwed.AmountCents > b.AmountOwed.AmountCents
		}
		if a.Tenant.Name != b.Tenant.Name {
			return a.Tenant.Name < b.Tenant.Name
		}
		return a.LeaseID < b.LeaseID
	})
	return out, nil
}

// UpcomingPayments lists the next due date of every active lease, soonest
// first. A positive windowDays keeps only payments due within that many days.
func (s *Service) UpcomingPayments(ctx context.Context, orgID string, now time.Time, windowDays int) ([]UpcomingPayment, error) {
	roll, err := s.load(ctx, orgID)
	if err != nil {
		return nil, err
	}
	out := []UpcomingPayment{}
	for _, l := range roll.leases {
		due := accrual.ComputeNextDueDate(l, now)
		days := accrual.DaysUntil(due, now)
		if windowDays > 0 && days > windowDays {
			continue
		}
		out = append(out, UpcomingPayment{
			Tenant:       roll.tenants[l.TenantID],
			Property:     roll.properties[l.PropertyID],
			LeaseID:      l.ID,
			Amount:       types.Money{AmountCents: l.RentCents, Currency: types.DefaultCurrency},
			NextDueDate:  due,
			DaysUntilDue: days,
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if !a.NextDueDate.Equal(b.NextDueDate) {
			return a.NextDueDate.Before(b.NextDueDate)
		}
		if a.Tenant.Name != b.Tenant.Name {
			return a.Tenant.Name < b.Tenant.Name
		}
		return a.LeaseID < b.LeaseID
	})
	return out, nil
}

// Occupancy lists every property with whether it has an active lease.
func (s *Service) Occupancy(ctx context.Context, orgID string) ([]PropertyOccupancy, error) {
	occ, err := s.store.ListOccupancy(ctx, orgID)
	if err != nil {
		return nil, fmt.Errorf("loading occupancy: %w", err)
	}
	out := make([]PropertyOccupancy, 0, len(occ))
	for _, o := range occ {
		row := PropertyOccupancy{Occupancy: o}
		if o.TenantID != nil {
			ref, err := s.tenant(ctx, *o.TenantID)
			if err != nil {
				return nil, err
			}
			row.Tenant = &ref
		}
		out = append(out, row)
	}
	return out, nil
}
