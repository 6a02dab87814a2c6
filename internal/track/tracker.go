package track

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/unifiedcart/aggregator/pkg/model"
)

// Observation is one fresh price/availability reading for a product on
// one platform.
type Observation struct {
	ProductID    uuid.UUID
	Platform     string
	Price        decimal.Decimal
	Currency     string
	Availability model.Availability
	At           time.Time
}

// Tracker classifies price movements and availability transitions.
// Every observation is appended to the history (full audit trail);
// events are emitted only for notification-worthy changes.
type Tracker struct {
	epsilon decimal.Decimal
}

// New constructs a Tracker. epsilon absorbs floating-point noise when
// deciding whether a price is stable.
func New(epsilon decimal.Decimal) *Tracker {
	if epsilon.IsNegative() {
		epsilon = decimal.Zero
	}
	return &Tracker{epsilon: epsilon}
}

// Record compares the observation against the last known price for the
// platform (nil when none exists) and the product's previous
// availability. It returns the history entry to append, always, and the
// change events to emit, possibly none.
func (t *Tracker) Record(obs Observation, lastPrice *decimal.Decimal, prevAvailability model.Availability) (model.PriceHistoryEntry, []model.ChangeEvent) {
	at := obs.At
	if at.IsZero() {
		at = time.Now().UTC()
	}

	entry := model.PriceHistoryEntry{
		ProductID:  obs.ProductID,
		Platform:   obs.Platform,
		Price:      obs.Price,
		Currency:   obs.Currency,
		Change:     t.classify(obs.Price, lastPrice),
		RecordedAt: at,
	}

	var events []model.ChangeEvent

	switch entry.Change {
	case model.PriceIncrease:
		events = append(events, model.ChangeEvent{
			ProductID: obs.ProductID,
			Platform:  obs.Platform,
			Kind:      model.KindPriceIncrease,
			OldValue:  lastPrice.String(),
			NewValue:  obs.Price.String(),
			Timestamp: at,
		})
	case model.PriceDecrease:
		events = append(events, model.ChangeEvent{
			ProductID: obs.ProductID,
			Platform:  obs.Platform,
			Kind:      model.KindPriceDecrease,
			OldValue:  lastPrice.String(),
			NewValue:  obs.Price.String(),
			Timestamp: at,
		})
	}

	if ev, ok := availabilityEvent(obs, prevAvailability, at); ok {
		events = append(events, ev)
	}

	return entry, events
}

// classify compares against the previous platform price. Differences
// within epsilon count as stable: audit trail grows, no event fires.
func (t *Tracker) classify(price decimal.Decimal, last *decimal.Decimal) model.PriceChange {
	if last == nil {
		return model.PriceNew
	}
	diff := price.Sub(*last)
	if diff.Abs().LessThanOrEqual(t.epsilon) {
		return model.PriceStable
	}
	if diff.IsPositive() {
		return model.PriceIncrease
	}
	return model.PriceDecrease
}

// availabilityEvent emits only on cross-family transitions. Entering the
// in-stock family from the out-of-stock family is a restock; leaving it
// is an out_of_stock event. Movement within a family is silent.
func availabilityEvent(obs Observation, prev model.Availability, at time.Time) (model.ChangeEvent, bool) {
	if prev == "" || prev == obs.Availability {
		return model.ChangeEvent{}, false
	}

	wasInStock := prev.InStockFamily()
	nowInStock := obs.Availability.InStockFamily()
	if wasInStock == nowInStock {
		return model.ChangeEvent{}, false
	}

	kind := model.KindOutOfStock
	if nowInStock {
		kind = model.KindRestock
	}
	return model.ChangeEvent{
		ProductID: obs.ProductID,
		Platform:  obs.Platform,
		Kind:      kind,
		OldValue:  string(prev),
		NewValue:  string(obs.Availability),
		Timestamp: at,
	}, true
}
