// Package sweeper moves leases through time: upcoming leases become active on
// their start date and active leases expire after their end date.
package sweeper

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/matthewbaird/rentledger/internal/event"
	"github.com/matthewbaird/rentledger/internal/ledger"
	"github.com/matthewbaird/rentledger/internal/metrics"
)

// DefaultSchedule runs every 15 minutes (with seconds field).
const DefaultSchedule = "0 */15 * * * *"

// Stats summarises one sweep.
type Stats struct {
	Activated int `json:"activated"`
	Expired   int `json:"expired"`
	Conflicts int `json:"conflicts"`
	Failed    int `json:"failed"`
}

// Sweeper applies time-driven lease transitions across all organizations.
type Sweeper struct {
	store   ledger.Repo
	rec     event.Recorder
	log     logrus.FieldLogger
	metrics *metrics.Metrics
	now     func() time.Time

	mu      sync.Mutex
	cron    *cron.Cron
	running bool
}

// New creates a Sweeper.
func New(store ledger.Repo, rec event.Recorder, log logrus.FieldLogger, m *metrics.Metrics) *Sweeper {
	return &Sweeper{
		store:   store,
		rec:     rec,
		log:     log.WithField("component", "sweeper"),
		metrics: m,
		now:     time.Now,
	}
}

// Start schedules Sweep. A five-field schedule gets a zero seconds field.
func (s *Sweeper) Start(schedule string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}
	if schedule == "" {
		schedule = DefaultSchedule
	}
	if len(strings.Fields(schedule)) == 5 {
		schedule = "0 " + schedule
	}

	s.cron = cron.New(cron.WithSeconds())
	if _, err := s.cron.AddFunc(schedule, func() { s.Sweep(context.Background()) }); err != nil {
		s.log.WithError(err).Error("Failed to schedule lease sweep")
		return err
	}
	s.cron.Start()
	s.running = true
	s.log.WithField("schedule", schedule).Info("Lease sweeper started")
	return nil
}

// Stop waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running || s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
	s.running = false
	s.log.Info("Lease sweeper stopped")
}

// Sweep runs one pass. Expiry runs first so a property whose lease just
// ended can take its next tenant in the same pass.
func (s *Sweeper) Sweep(ctx context.Context) Stats {
	start := s.now()
	now := start.UTC()
	var st Stats

	active, err := s.store.ListLeasesByStatus(ctx, ledger.LeaseActive)
	if err != nil {
		s.log.WithError(err).Error("Failed to list active leases")
		st.Failed++
	}
	for _, l := range active {
		if l.EndDate.Before(now) {
			s.transition(ctx, l, ledger.LeaseExpired, now, &st)
		}
	}

	upcoming, err := s.store.ListLeasesByStatus(ctx, ledger.LeaseUpcoming)
	if err != nil {
		s.log.WithError(err).Error("Failed to list upcoming leases")
		st.Failed++
	}
	for _, l := range upcoming {
		switch {
		case l.EndDate.Before(now):
			s.transition(ctx, l, ledger.LeaseExpired, now, &st)
		case !l.StartDate.After(now):
			s.transition(ctx, l, ledger.LeaseActive, now, &st)
		}
	}

	s.log.WithFields(logrus.Fields{
		"activated": st.Activated,
		"expired":   st.Expired,
		"conflicts": st.Conflicts,
		"failed":    st.Failed,
		"duration":  time.Since(start).String(),
	}).Info("Completed lease sweep")
	return st
}

func (s *Sweeper) transition(ctx context.Context, l ledger.Lease, to ledger.LeaseStatus, now time.Time, st *Stats) {
	log := s.log.WithFields(logrus.Fields{
		"organization_id": l.OrganizationID,
		"lease_id":        l.ID,
		"property_id":     l.PropertyID,
		"from":            l.Status,
		"to":              to,
	})
	err := s.store.TransitionLease(ctx, l.OrganizationID, l.ID, l.Status, to, now)
	switch {
	case err == nil:
	case errors.Is(err, ledger.ErrConflict):
		st.Conflicts++
		s.metrics.LeaseConflicts.WithLabelValues("sweeper").Inc()
		log.Warn("property already has an active lease; leaving lease upcoming")
		return
	case errors.Is(err, ledger.ErrNotFound):
		// Changed by someone else since it was listed.
		return
	default:
		st.Failed++
		log.WithError(err).Error("lease transition failed")
		return
	}

	s.metrics.SweepTransitions.WithLabelValues(string(to)).Inc()
	p := event.LeaseStatusChangedPayload{
		OrganizationID: l.OrganizationID,
		LeaseID:        l.ID,
		PropertyID:     l.PropertyID,
		TenantID:       l.TenantID,
		From:           string(l.Status),
		To:             string(to),
	}
	if to == ledger.LeaseActive {
		st.Activated++
		event.Emit(ctx, s.rec, log, event.NewLeaseActivated(p))
	} else {
		st.Expired++
		event.Emit(ctx, s.rec, log, event.NewLeaseExpired(p))
	}
	log.Info("lease transitioned")
}
