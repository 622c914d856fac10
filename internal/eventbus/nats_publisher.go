package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"

	"github.com/matthewbaird/rentledger/internal/event"
	"github.com/matthewbaird/rentledger/internal/metrics"
)

// SubjectPrefix is the root of every subject the publisher writes to.
const SubjectPrefix = "rentledger"

// Subject returns the NATS subject for an event:
// rentledger.<organization_id>.<event_type>.
func Subject(evt event.DomainEvent) string {
	return fmt.Sprintf("%s.%s.%s", SubjectPrefix, evt.OrganizationID, evt.EventType)
}

// Conn is the part of *nats.Conn the publisher needs.
type Conn interface {
	Publish(subject string, data []byte) error
}

// NATSPublisher forwards every event to NATS. Publishing goes through a
// circuit breaker so a dead broker costs one fast failure per event instead
// of a timeout.
type NATSPublisher struct {
	conn    Conn
	breaker *gobreaker.CircuitBreaker
	log     logrus.FieldLogger
	metrics *metrics.Metrics
}

// NewNATSPublisher wraps an established connection.
func NewNATSPublisher(conn Conn, log logrus.FieldLogger, m *metrics.Metrics) *NATSPublisher {
	log = log.WithField("component", "nats")
	settings := gobreaker.Settings{
		Name:        "nats-publish",
		MaxRequests: 3,
		Interval:    30 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.WithFields(logrus.Fields{
				"circuit_breaker": name,
				"from":            from.String(),
				"to":              to.String(),
			}).Info("circuit breaker state changed")
		},
	}
	return &NATSPublisher{
		conn:    conn,
		breaker: gobreaker.NewCircuitBreaker(settings),
		log:     log,
		metrics: m,
	}
}

// HandleEvent implements Handler.
func (p *NATSPublisher) HandleEvent(_ context.Context, evt event.DomainEvent) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	_, err = p.breaker.Execute(func() (any, error) {
		return nil, p.conn.Publish(Subject(evt), data)
	})
	if err != nil {
		p.metrics.NATSPublishFailures.Inc()
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			// Already reported on the state change.
			return nil
		}
		return fmt.Errorf("publish %s: %w", Subject(evt), err)
	}
	return nil
}

// State reports the breaker state for health checks.
func (p *NATSPublisher) State() gobreaker.State { return p.breaker.State() }

// ConnectNATS dials NATS with reconnect handling that logs through log.
func ConnectNATS(url, name string, log logrus.FieldLogger) (*nats.Conn, error) {
	log = log.WithField("component", "nats")
	opts := []nats.Option{
		nats.Name(name),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.WithError(err).Warn("disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.WithField("url", nc.ConnectedUrl()).Info("reconnected")
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			log.Info("connection closed")
		}),
	}
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	log.WithField("url", url).Info("connected")
	return nc, nil
}
