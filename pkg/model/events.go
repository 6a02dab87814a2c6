package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// ChangeKind is a notification-worthy transition in price or availability.
type ChangeKind string

const (
	KindPriceIncrease ChangeKind = "price_increase"
	KindPriceDecrease ChangeKind = "price_decrease"
	KindRestock       ChangeKind = "restock"
	KindOutOfStock    ChangeKind = "out_of_stock"
)

// ChangeEvent is emitted for price movements and cross-family
// availability transitions. Stable observations emit nothing.
type ChangeEvent struct {
	ProductID uuid.UUID  `json:"product_id"`
	Platform  string     `json:"platform"`
	Kind      ChangeKind `json:"kind"`
	OldValue  string     `json:"old_value,omitempty"`
	NewValue  string     `json:"new_value"`
	Timestamp time.Time  `json:"timestamp"`
}

// IsPriceKind reports whether the event describes a price movement.
func (e ChangeEvent) IsPriceKind() bool {
	return e.Kind == KindPriceIncrease || e.Kind == KindPriceDecrease
}

// Envelope is the canonical event envelope. All messages published to
// NATS follow this format.
type Envelope struct {
	ID            uuid.UUID       `json:"id"`
	CorrelationID uuid.UUID       `json:"correlation_id"`
	Topic         string          `json:"topic"`
	EventType     string          `json:"event_type"`
	Version       string          `json:"version"`
	Timestamp     time.Time       `json:"timestamp"`
	Payload       json.RawMessage `json:"payload"`
}

// NewEnvelope wraps a payload in a stamped envelope.
func NewEnvelope(topic, eventType string, payload any) (*Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Envelope{
		ID:            uuid.New(),
		CorrelationID: uuid.New(),
		Topic:         topic,
		EventType:     eventType,
		Version:       "1.0.0",
		Timestamp:     time.Now().UTC(),
		Payload:       data,
	}, nil
}
