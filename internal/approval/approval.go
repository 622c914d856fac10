// Package approval runs the tenant application state machine:
//
//	pending ──► approved
//	   │
//	   └──────► rejected
//
// Approving an application also creates its lease. Completed is applied by
// lease assignment and never re-enters this machine.
package approval

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/matthewbaird/rentledger/internal/event"
	"github.com/matthewbaird/rentledger/internal/leasing"
	"github.com/matthewbaird/rentledger/internal/ledger"
	"github.com/matthewbaird/rentledger/internal/metrics"
)

// Mode selects how approval and lease creation are made atomic.
type Mode string

const (
	// ModeTransactional flips the application and creates the lease in one
	// transaction.
	ModeTransactional Mode = "transactional"
	// ModeCompensating commits the flip first and reverts it if the lease
	// cannot be created.
	ModeCompensating Mode = "compensating"
)

// ParseMode parses a configured mode. The empty string is transactional.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case "", ModeTransactional:
		return ModeTransactional, nil
	case ModeCompensating:
		return ModeCompensating, nil
	}
	return "", fmt.Errorf("unknown approval mode %q", s)
}

// DefaultTermYears is the lease length used when an application has no
// requested end date.
const DefaultTermYears = 1

// DecideRequest is a landlord's decision on a pending application.
type DecideRequest struct {
	ApplicationID string
	OrgID         string
	Decision      ledger.ApplicationStatus // approved or rejected
	Actor         string
	Now           time.Time // zero means the service clock
}

// Outcome is the decided application and, on approval, the new lease.
type Outcome struct {
	Application *ledger.Application `json:"application"`
	Lease       *ledger.Lease       `json:"lease,omitempty"`
}

// SubmitRequest is a tenant's application for a property.
type SubmitRequest struct {
	OrgID          string
	PropertyID     string
	TenantID       string
	RequestedStart *time.Time
	RequestedEnd   *time.Time
	Actor          string
}

// Service decides applications.
type Service struct {
	store   ledger.Store
	rec     event.Recorder
	log     logrus.FieldLogger
	metrics *metrics.Metrics
	mode    Mode
	now     func() time.Time
}

// NewService creates a Service using the given approval mode.
func NewService(store ledger.Store, rec event.Recorder, log logrus.FieldLogger, m *metrics.Metrics, mode Mode) *Service {
	if mode == "" {
		mode = ModeTransactional
	}
	return &Service{
		store:   store,
		rec:     rec,
		log:     log.WithFields(logrus.Fields{"component": "approval", "mode": mode}),
		metrics: m,
		mode:    mode,
		now:     time.Now,
	}
}

// Mode returns the configured approval mode.
func (s *Service) Mode() Mode { return s.mode }

// Submit creates a pending application.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*ledger.Application, error) {
	if req.OrgID == "" || req.PropertyID == "" || req.TenantID == "" || req.Actor == "" {
		return nil, ledger.Invalidf("organization_id, property_id, tenant_id and actor are required")
	}
	if req.RequestedStart != nil && req.RequestedEnd != nil && !req.RequestedEnd.After(*req.RequestedStart) {
		return nil, ledger.Invalidf("requested_end must be after requested_start")
	}

	org, err := s.store.GetOrganization(ctx, req.OrgID)
	if err != nil {
		return nil, err
	}
	if _, err := s.store.GetProperty(ctx, req.OrgID, req.PropertyID); err != nil {
		return nil, err
	}
	tenant, err := s.store.GetUser(ctx, req.TenantID)
	if err != nil {
		return nil, err
	}
	if tenant.Role != ledger.RoleTenant {
		return nil, ledger.Invalidf("user %s is not a tenant", req.TenantID)
	}

	app := &ledger.Application{
		OrganizationID: req.OrgID,
		PropertyID:     req.PropertyID,
		TenantID:       req.TenantID,
		LandlordID:     org.OwnerID,
		Status:         ledger.ApplicationPending,
		RequestedStart: utc(req.RequestedStart),
		RequestedEnd:   utc(req.RequestedEnd),
	}
	if err := s.store.CreateApplication(ctx, app); err != nil {
		return nil, fmt.Errorf("submit application: %w", err)
	}

	log := s.log.WithFields(logrus.Fields{"organization_id": app.OrganizationID, "application_id": app.ID})
	log.Info("application submitted")
	event.Emit(ctx, s.rec, log, event.NewApplicationSubmitted(event.ApplicationSubmittedPayload{
		OrganizationID: app.OrganizationID,
		ApplicationID:  app.ID,
		PropertyID:     app.PropertyID,
		TenantID:       app.TenantID,
		LandlordID:     app.LandlordID,
		Actor:          req.Actor,
	}))
	return app, nil
}

// Decide applies an approval or rejection to a pending application. When an
// approval conflicts with an existing active lease the application ends up
// pending, no lease exists, and ErrConflict is returned.
func (s *Service) Decide(ctx context.Context, req DecideRequest) (*Outcome, error) {
	if req.Decision != ledger.ApplicationApproved && req.Decision != ledger.ApplicationRejected {
		return nil, ledger.Invalidf("decision must be %q or %q", ledger.ApplicationApproved, ledger.ApplicationRejected)
	}
	if req.ApplicationID == "" || req.OrgID == "" || req.Actor == "" {
		return nil, ledger.Invalidf("application_id, organization_id and actor are required")
	}
	now := req.Now
	if now.IsZero() {
		now = s.now()
	}
	now = now.UTC()

	var (
		out *Outcome
		err error
	)
	if s.mode == ModeCompensating {
		out, err = s.decideCompensating(ctx, req, now)
	} else {
		out, err = s.decideTransactional(ctx, req, now)
	}
	s.metrics.ApprovalDecisions.WithLabelValues(string(req.Decision), outcomeLabel(err)).Inc()
	if err != nil {
		if errors.Is(err, ledger.ErrConflict) {
			s.metrics.LeaseConflicts.WithLabelValues("approval").Inc()
		}
		return nil, fmt.Errorf("decide application %s: %w", req.ApplicationID, err)
	}

	log := s.log.WithFields(logrus.Fields{
		"organization_id": req.OrgID,
		"application_id":  req.ApplicationID,
		"decision":        req.Decision,
	})
	log.Info("application decided")
	s.emit(ctx, log, out, req.Actor)
	return out, nil
}

func (s *Service) decideTransactional(ctx context.Context, req DecideRequest, now time.Time) (*Outcome, error) {
	var out *Outcome
	err := s.store.InTx(ctx, func(tx ledger.Repo) error {
		before, err := tx.TransitionApplication(ctx, req.OrgID, req.ApplicationID, ledger.ApplicationPending, req.Decision, req.Actor, now)
		if err != nil {
			return err
		}
		out = &Outcome{Application: decided(before, req, now)}
		if req.Decision != ledger.ApplicationApproved {
			return nil
		}
		out.Lease, err = createLease(ctx, tx, before, req.Actor, now)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Service) decideCompensating(ctx context.Context, req DecideRequest, now time.Time) (*Outcome, error) {
	before, err := s.store.TransitionApplication(ctx, req.OrgID, req.ApplicationID, ledger.ApplicationPending, req.Decision, req.Actor, now)
	if err != nil {
		return nil, err
	}
	out := &Outcome{Application: decided(before, req, now)}
	if req.Decision != ledger.ApplicationApproved {
		return out, nil
	}

	err = s.store.InTx(ctx, func(tx ledger.Repo) error {
		var err error
		out.Lease, err = createLease(ctx, tx, before, req.Actor, now)
		return err
	})
	if err == nil {
		return out, nil
	}

	log := s.log.WithFields(logrus.Fields{
		"organization_id": req.OrgID,
		"application_id":  req.ApplicationID,
	})
	if _, rerr := s.store.TransitionApplication(ctx, req.OrgID, req.ApplicationID, ledger.ApplicationApproved, ledger.ApplicationPending, req.Actor, now); rerr != nil {
		log.WithError(rerr).WithField("cause", err.Error()).Error("reverting approval failed; application left approved without a lease")
		return nil, ledger.Inconsistentf(ledger.CodeRevertFailed,
			"application %s approved but lease creation failed (%v) and revert failed (%v)", req.ApplicationID, err, rerr)
	}
	log.WithError(err).Warn("approval reverted to pending")
	return nil, err
}

// createLease builds the active lease implied by an approved application:
// requested dates when given, otherwise starting now for DefaultTermYears, at
// the property's current rent.
func createLease(ctx context.Context, tx ledger.Repo, app *ledger.Application, actor string, now time.Time) (*ledger.Lease, error) {
	prop, err := tx.GetProperty(ctx, app.OrganizationID, app.PropertyID)
	if err != nil {
		return nil, err
	}
	start := now
	if app.RequestedStart != nil {
		start = app.RequestedStart.UTC()
	}
	end := start.AddDate(DefaultTermYears, 0, 0)
	if app.RequestedEnd != nil {
		end = app.RequestedEnd.UTC()
	}
	appID := app.ID
	lease := &ledger.Lease{
		OrganizationID: app.OrganizationID,
		PropertyID:     app.PropertyID,
		TenantID:       app.TenantID,
		ApplicationID:  &appID,
		StartDate:      start,
		EndDate:        end,
		RentCents:      prop.RentCents,
		BalanceCents:   prop.RentCents,
		Status:         ledger.LeaseActive,
		CreatedBy:      actor,
	}
	// Active even for a future start: the one-active-lease index is what
	// stops a second approval from booking the same property.
	if err := leasing.Place(ctx, tx, lease); err != nil {
		return nil, err
	}
	if _, err := tx.BindTenantOrganization(ctx, app.OrganizationID, app.TenantID); err != nil {
		return nil, err
	}
	return lease, nil
}

// decided overlays the decision on the pre-update row.
func decided(before *ledger.Application, req DecideRequest, now time.Time) *ledger.Application {
	app := *before
	actor := req.Actor
	app.Status = req.Decision
	app.DecidedBy = &actor
	app.DecidedAt = &now
	app.UpdatedAt = now
	return &app
}

func (s *Service) emit(ctx context.Context, log logrus.FieldLogger, out *Outcome, actor string) {
	app := out.Application
	p := event.ApplicationDecidedPayload{
		OrganizationID: app.OrganizationID,
		ApplicationID:  app.ID,
		PropertyID:     app.PropertyID,
		TenantID:       app.TenantID,
		Decision:       string(app.Status),
		Actor:          actor,
	}
	if app.Status == ledger.ApplicationRejected {
		event.Emit(ctx, s.rec, log, event.NewApplicationRejected(p))
		return
	}
	p.LeaseID = out.Lease.ID
	event.Emit(ctx, s.rec, log, event.NewApplicationApproved(p))
	event.Emit(ctx, s.rec, log, event.NewLeaseAssigned(leasing.AssignedPayload(out.Lease, actor)))
}

func outcomeLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ledger.ErrConflict):
		return "conflict"
	case errors.Is(err, ledger.ErrNotFound):
		return "not_found"
	case errors.Is(err, ledger.ErrValidation):
		return "invalid"
	}
	return "error"
}

func utc(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
