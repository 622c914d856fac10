// Package leasing assigns tenants to properties. A property has at most one
// active lease at any time; the check and the insert run in one transaction
// and the database's partial unique index catches whatever races past it.
package leasing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/matthewbaird/rentledger/internal/event"
	"github.com/matthewbaird/rentledger/internal/ledger"
	"github.com/matthewbaird/rentledger/internal/metrics"
	"github.com/matthewbaird/rentledger/internal/types"
)

// Terms are the commercial terms of a new lease.
type Terms struct {
	StartDate            time.Time
	EndDate              time.Time
	RentCents            int64
	SecurityDepositCents int64
}

// Validate checks the terms in isolation.
func (t Terms) Validate() error {
	switch {
	case t.StartDate.IsZero():
		return ledger.Invalidf("start_date is required")
	case t.EndDate.IsZero():
		return ledger.Invalidf("end_date is required")
	case !t.EndDate.After(t.StartDate):
		return ledger.Invalidf("end_date must be after start_date")
	case t.RentCents <= 0:
		return ledger.Invalidf("rent must be positive")
	case t.SecurityDepositCents < 0:
		return ledger.Invalidf("security_deposit must not be negative")
	}
	return nil
}

// AssignRequest asks for a tenant to be placed in a property.
type AssignRequest struct {
	OrgID         string
	PropertyID    string
	TenantID      string
	Terms         Terms
	ApplicationID string // optional; completed once the lease exists
	Actor         string
}

func (r AssignRequest) validate() error {
	var missing []string
	if r.OrgID == "" {
		missing = append(missing, "organization_id")
	}
	if r.PropertyID == "" {
		missing = append(missing, "property_id")
	}
	if r.TenantID == "" {
		missing = append(missing, "tenant_id")
	}
	if r.Actor == "" {
		missing = append(missing, "actor")
	}
	if len(missing) > 0 {
		return ledger.Invalidf("missing required fields: %s", strings.Join(missing, ", "))
	}
	return r.Terms.Validate()
}

// Service is the lease assignment engine.
type Service struct {
	store   ledger.Store
	rec     event.Recorder
	log     logrus.FieldLogger
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewService creates a Service. rec may be nil to disable the audit trail.
func NewService(store ledger.Store, rec event.Recorder, log logrus.FieldLogger, m *metrics.Metrics) *Service {
	return &Service{
		store:   store,
		rec:     rec,
		log:     log.WithField("component", "leasing"),
		metrics: m,
		now:     time.Now,
	}
}

// Assign creates a lease. The lease is active when it starts today or
// earlier and upcoming otherwise.
func (s *Service) Assign(ctx context.Context, req AssignRequest) (*ledger.Lease, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	now := s.now().UTC()

	lease := &ledger.Lease{
		OrganizationID:       req.OrgID,
		PropertyID:           req.PropertyID,
		TenantID:             req.TenantID,
		StartDate:            req.Terms.StartDate.UTC(),
		EndDate:              req.Terms.EndDate.UTC(),
		RentCents:            req.Terms.RentCents,
		SecurityDepositCents: req.Terms.SecurityDepositCents,
		BalanceCents:         req.Terms.RentCents + req.Terms.SecurityDepositCents,
		Status:               ledger.LeaseActive,
		CreatedBy:            req.Actor,
	}
	if lease.StartDate.After(now) {
		lease.Status = ledger.LeaseUpcoming
	}
	if req.ApplicationID != "" {
		id := req.ApplicationID
		lease.ApplicationID = &id
	}

	err := s.store.InTx(ctx, func(tx ledger.Repo) error {
		if _, err := tx.GetProperty(ctx, req.OrgID, req.PropertyID); err != nil {
			return err
		}
		if err := checkTenant(ctx, tx, req.OrgID, req.TenantID); err != nil {
			return err
		}
		if req.ApplicationID != "" {
			if err := checkApplication(ctx, tx, req); err != nil {
				return err
			}
		}
		if err := Place(ctx, tx, lease); err != nil {
			return err
		}
		_, err := tx.BindTenantOrganization(ctx, req.OrgID, req.TenantID)
		return err
	})
	if err != nil {
		if errors.Is(err, ledger.ErrConflict) {
			s.metrics.LeaseConflicts.WithLabelValues("assign").Inc()
		}
		return nil, fmt.Errorf("assign lease: %w", err)
	}

	log := s.log.WithFields(logrus.Fields{
		"organization_id": lease.OrganizationID,
		"lease_id":        lease.ID,
		"property_id":     lease.PropertyID,
		"tenant_id":       lease.TenantID,
	})
	log.WithField("status", lease.Status).Info("lease assigned")

	event.Emit(ctx, s.rec, log, event.NewLeaseAssigned(AssignedPayload(lease, req.Actor)))
	if req.ApplicationID != "" {
		s.completeApplication(ctx, log, req.OrgID, req.ApplicationID, req.Actor, now)
	}
	return lease, nil
}

// Place inserts l after checking that its property has no active lease. It
// must run inside tx so the check and the insert see the same state.
func Place(ctx context.Context, tx ledger.Repo, l *ledger.Lease) error {
	active, err := tx.ActiveLeaseForProperty(ctx, l.OrganizationID, l.PropertyID)
	if err != nil {
		return err
	}
	if active != nil {
		return ledger.ErrPropertyAlreadyLeased(l.PropertyID)
	}
	return tx.InsertLease(ctx, l)
}

// AssignedPayload describes l for the lease_assigned event.
func AssignedPayload(l *ledger.Lease, actor string) event.LeaseAssignedPayload {
	p := event.LeaseAssignedPayload{
		OrganizationID:  l.OrganizationID,
		LeaseID:         l.ID,
		PropertyID:      l.PropertyID,
		TenantID:        l.TenantID,
		Status:          string(l.Status),
		StartDate:       l.StartDate,
		EndDate:         l.EndDate,
		Rent:            types.Money{AmountCents: l.RentCents, Currency: types.DefaultCurrency},
		SecurityDeposit: types.Money{AmountCents: l.SecurityDepositCents, Currency: types.DefaultCurrency},
		Actor:           actor,
	}
	if l.ApplicationID != nil {
		p.ApplicationID = *l.ApplicationID
	}
	return p
}

func checkTenant(ctx context.Context, tx ledger.Repo, orgID, tenantID string) error {
	u, err := tx.GetUser(ctx, tenantID)
	if err != nil {
		return err
	}
	if u.Role != ledger.RoleTenant {
		return ledger.Invalidf("user %s is not a tenant", tenantID)
	}
	if u.OrganizationID != nil && *u.OrganizationID != orgID {
		return ledger.NotFoundf(ledger.CodeNotFound, "tenant %s not found", tenantID)
	}
	return nil
}

// checkApplication requires the application to be for the same property and
// tenant and not yet turned into a lease.
func checkApplication(ctx context.Context, tx ledger.Repo, req AssignRequest) error {
	app, err := tx.GetApplication(ctx, req.OrgID, req.ApplicationID)
	if err != nil {
		return err
	}
	if app.PropertyID != req.PropertyID || app.TenantID != req.TenantID {
		return &ledger.Error{
			Kind:    ledger.ErrValidation,
			Code:    ledger.CodeApplicationMismatch,
			Message: fmt.Sprintf("application %s is for a different property or tenant", app.ID),
		}
	}
	switch app.Status {
	case ledger.ApplicationPending, ledger.ApplicationApproved:
		return nil
	case ledger.ApplicationCompleted:
		return ledger.ErrApplicationAlreadyLeased(app.ID)
	default:
		return ledger.Invalidf("application %s is %s", app.ID, app.Status)
	}
}

// completeApplication marks the originating application completed. The lease
// already exists, so a failure here is only logged.
func (s *Service) completeApplication(ctx context.Context, log logrus.FieldLogger, orgID, appID, actor string, now time.Time) {
	log = log.WithField("application_id", appID)
	for _, from := range []ledger.ApplicationStatus{ledger.ApplicationApproved, ledger.ApplicationPending} {
		_, err := s.store.TransitionApplication(ctx, orgID, appID, from, ledger.ApplicationCompleted, actor, now)
		if err == nil {
			log.WithField("from", from).Debug("application completed")
			return
		}
		if !errors.Is(err, ledger.ErrNotFound) {
			log.WithError(err).Error("completing application")
			return
		}
	}
	log.Warn("application not completed: not found or already decided")
}
