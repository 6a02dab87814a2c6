package publisher

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/unifiedcart/aggregator/internal/metrics"
	"github.com/unifiedcart/aggregator/pkg/logger"
	"github.com/unifiedcart/aggregator/pkg/model"
)

// Publisher wraps a NATS connection and provides helpers for publishing canonical events.
type Publisher struct {
	nc                  *nats.Conn
	js                  nats.JetStreamContext
	priceSubject        string
	availabilitySubject string
	service             string
}

// New creates a new Publisher with JetStream enabled if available.
func New(nc *nats.Conn, priceSubject, availabilitySubject, service string) (*Publisher, error) {
	js, err := nc.JetStream()
	if err != nil {
		return nil, err
	}
	return &Publisher{
		nc:                  nc,
		js:                  js,
		priceSubject:        priceSubject,
		availabilitySubject: availabilitySubject,
		service:             service,
	}, nil
}

// PublishEnvelope serializes and publishes a canonical event envelope to NATS.
func (p *Publisher) PublishEnvelope(ctx context.Context, subject string, env *model.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		logger.S().Errorw("publisher.marshal_failed",
			"subject", subject,
			"event_type", env.EventType,
			"error", err,
		)
		return err
	}

	msg := &nats.Msg{
		Subject: subject,
		Data:    data,
		Header: nats.Header{
			"event_type":     []string{env.EventType},
			"correlation_id": []string{env.CorrelationID.String()},
			"service":        []string{p.service},
			"content_type":   []string{"application/json"},
		},
	}

	start := time.Now()
	_, err = p.js.PublishMsg(msg)
	metrics.ObserveDuration(metrics.NATSMessageLatency, start, subject)

	if err != nil {
		logger.S().Errorw("publisher.publish_failed",
			"subject", subject,
			"event_type", env.EventType,
			"error", err,
		)
		metrics.IncNATSMessage(subject, "error")
		return err
	}

	logger.S().Debugw("publisher.publish_success",
		"subject", subject,
		"event_type", env.EventType,
	)

	metrics.IncNATSMessage(subject, "ok")
	return nil
}

// PublishChangeEvent emits a catalog change event on the subject that
// matches its kind: price movements on the price subject, availability
// transitions on the availability subject.
func (p *Publisher) PublishChangeEvent(ctx context.Context, ev model.ChangeEvent) error {
	subject := p.availabilitySubject
	eventType := "catalog.availability_changed"
	if ev.IsPriceKind() {
		subject = p.priceSubject
		eventType = "catalog.price_changed"
	}

	env, err := model.NewEnvelope(subject, eventType, ev)
	if err != nil {
		return err
	}

	if err := p.PublishEnvelope(ctx, subject, env); err != nil {
		return err
	}
	metrics.IncEvent(string(ev.Kind))
	return nil
}

// Publish publishes raw JSON payloads (for non-canonical internal events).
func (p *Publisher) Publish(ctx context.Context, subject string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	msg := &nats.Msg{
		Subject: subject,
		Data:    data,
		Header:  nats.Header{"source": []string{p.service}},
	}

	start := time.Now()
	_, err = p.js.PublishMsg(msg)
	metrics.ObserveDuration(metrics.NATSMessageLatency, start, subject)

	if err != nil {
		metrics.IncNATSMessage(subject, "error")
		return err
	}

	metrics.IncNATSMessage(subject, "ok")
	return nil
}

func (p *Publisher) Close() {
	if p.nc != nil && p.nc.IsConnected() {
		p.nc.Close()
	}
}
