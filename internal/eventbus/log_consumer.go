package eventbus

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/matthewbaird/rentledger/internal/event"
)

// LogConsumer logs all domain events for observability.
type LogConsumer struct {
	log logrus.FieldLogger
}

func NewLogConsumer(log logrus.FieldLogger) *LogConsumer {
	return &LogConsumer{log: log.WithField("component", "events")}
}

func (c *LogConsumer) HandleEvent(_ context.Context, evt event.DomainEvent) error {
	entities := make([]string, len(evt.AffectedEntities))
	for i, ref := range evt.AffectedEntities {
		entities[i] = ref.EntityType + ":" + ref.EntityID
	}
	c.log.WithFields(logrus.Fields{
		"event_type":      evt.EventType,
		"event_id":        evt.ID,
		"organization_id": evt.OrganizationID,
		"actor":           evt.Actor,
		"category":        evt.Category,
		"weight":          evt.Weight,
		"entities":        entities,
	}).Info(evt.Summary)
	return nil
}
