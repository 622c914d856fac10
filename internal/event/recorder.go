// Package event provides domain event recording for the ledger services.
// Events are fanned out as ActivityEntry records via the activity.Store interface,
// then published to the in-process event bus for downstream consumers.
package event

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/matthewbaird/rentledger/internal/activity"
	"github.com/matthewbaird/rentledger/internal/types"
)

// Recorder writes domain events to the activity store.
type Recorder interface {
	Record(ctx context.Context, evt DomainEvent) error
}

// Publisher sends domain events to downstream consumers.
type Publisher interface {
	Publish(ctx context.Context, evt DomainEvent)
}

// ActivityRecorder implements Recorder by fanning out a DomainEvent into
// one ActivityEntry per affected entity, then writing via activity.Store.
// If a Publisher is set, the event is also published to the event bus
// after the store write succeeds.
type ActivityRecorder struct {
	store activity.Store
	bus   Publisher
}

// NewActivityRecorder creates a new ActivityRecorder backed by the given store.
func NewActivityRecorder(store activity.Store) *ActivityRecorder {
	return &ActivityRecorder{store: store}
}

// SetPublisher attaches an event bus. Events are published after store writes.
func (r *ActivityRecorder) SetPublisher(p Publisher) {
	r.bus = p
}

// Record fans out a DomainEvent into ActivityEntry records, writes them,
// and publishes to the event bus.
func (r *ActivityRecorder) Record(ctx context.Context, evt DomainEvent) error {
	if err := r.store.WriteEntries(ctx, Entries(evt)); err != nil {
		return err
	}
	if r.bus != nil {
		r.bus.Publish(ctx, evt)
	}
	return nil
}

// Entries returns one activity entry per entity the event affects.
func Entries(evt DomainEvent) []types.ActivityEntry {
	entries := make([]types.ActivityEntry, 0, len(evt.AffectedEntities))
	for _, ref := range evt.AffectedEntities {
		entries = append(entries, types.ActivityEntry{
			EventID:           evt.ID,
			EventType:         evt.EventType,
			OccurredAt:        evt.OccurredAt,
			OrganizationID:    evt.OrganizationID,
			Actor:             evt.Actor,
			IndexedEntityType: ref.EntityType,
			IndexedEntityID:   ref.EntityID,
			EntityRole:        ref.Role,
			SourceRefs:        evt.AffectedEntities,
			Summary:           evt.Summary,
			Category:          evt.Category,
			Weight:            evt.Weight,
			Polarity:          evt.Polarity,
			Payload:           evt.Payload,
		})
	}
	return entries
}

// Emit records evt if rec is non-nil. Failures are logged and never returned:
// an audit write must not undo a committed state change.
func Emit(ctx context.Context, rec Recorder, log logrus.FieldLogger, evt DomainEvent) {
	if rec == nil {
		return
	}
	if err := rec.Record(ctx, evt); err != nil {
		log.WithError(err).WithFields(logrus.Fields{
			"event_type": evt.EventType,
			"event_id":   evt.ID,
		}).Error("event recording failed")
	}
}

// Counted wraps rec so that every failed write increments failures.
func Counted(rec Recorder, failures prometheus.Counter) Recorder {
	if rec == nil {
		return nil
	}
	return countingRecorder{rec: rec, failures: failures}
}

type countingRecorder struct {
	rec      Recorder
	failures prometheus.Counter
}

func (c countingRecorder) Record(ctx context.Context, evt DomainEvent) error {
	err := c.rec.Record(ctx, evt)
	if err != nil {
		c.failures.Inc()
	}
	return err
}
