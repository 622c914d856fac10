package eventbus

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/matthewbaird/rentledger/internal/event"
	"github.com/matthewbaird/rentledger/internal/metrics"
	"github.com/matthewbaird/rentledger/internal/signals"
)

// SignalConsumer classifies domain events against the signal registry
// and escalates the ones at or above a weight threshold.
type SignalConsumer struct {
	log       logrus.FieldLogger
	metrics   *metrics.Metrics
	threshold string
}

// NewSignalConsumer escalates signals of weight "major" and above.
func NewSignalConsumer(log logrus.FieldLogger, m *metrics.Metrics) *SignalConsumer {
	return &SignalConsumer{log: log.WithField("component", "signals"), metrics: m, threshold: "major"}
}

// HandleEvent classifies the domain event against the signal registry.
func (c *SignalConsumer) HandleEvent(_ context.Context, evt event.DomainEvent) error {
	result, ok := signals.Classify(evt.EventType, evt.Payload)
	if !ok || result.Polarity != "negative" || !signals.IsAtLeastWeight(result.Weight, c.threshold) {
		return nil
	}
	c.metrics.SignalsRaised.WithLabelValues(result.Registration.ID).Inc()
	entry := c.log.WithFields(logrus.Fields{
		"signal":          result.Registration.ID,
		"weight":          result.Weight,
		"event_type":      evt.EventType,
		"event_id":        evt.ID,
		"organization_id": evt.OrganizationID,
	})
	if result.Weight == "critical" {
		entry.Error(result.Description)
	} else {
		entry.Warn(result.Description)
	}
	return nil
}
