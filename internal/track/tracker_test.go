package track

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unifiedcart/aggregator/pkg/model"
)

func obs(price float64, availability model.Availability) Observation {
	return Observation{
		ProductID:    uuid.New(),
		Platform:     "amazon",
		Price:        decimal.NewFromFloat(price),
		Currency:     "USD",
		Availability: availability,
		At:           time.Now().UTC(),
	}
}

func dec(v float64) *decimal.Decimal {
	d := decimal.NewFromFloat(v)
	return &d
}

// ─── Price classification ─────────────────────────────────────────────────────

func TestRecord_Classification(t *testing.T) {
	tr := New(decimal.NewFromFloat(0.01))

	tests := []struct {
		name     string
		price    float64
		last     *decimal.Decimal
		expected model.PriceChange
	}{
		{"first observation", 99.99, nil, model.PriceNew},
		{"unchanged", 99.99, dec(99.99), model.PriceStable},
		{"within epsilon", 100.00, dec(100.01), model.PriceStable},
		{"exactly epsilon", 100.01, dec(100.00), model.PriceStable},
		{"increase", 105.00, dec(100.00), model.PriceIncrease},
		{"decrease", 95.00, dec(100.00), model.PriceDecrease},
		{"just above epsilon", 100.02, dec(100.00), model.PriceIncrease},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entry, _ := tr.Record(obs(tt.price, model.InStock), tt.last, model.InStock)
			assert.Equal(t, tt.expected, entry.Change)
		})
	}
}

func TestRecord_AlwaysAppendsHistory(t *testing.T) {
	tr := New(decimal.NewFromFloat(0.01))

	o := obs(50, model.InStock)
	entry, events := tr.Record(o, dec(50), model.InStock)

	assert.Equal(t, model.PriceStable, entry.Change)
	assert.Equal(t, o.ProductID, entry.ProductID)
	assert.Equal(t, "amazon", entry.Platform)
	assert.Empty(t, events, "stable observation must stay silent")
}

// ─── Price events ─────────────────────────────────────────────────────────────

func TestRecord_PriceEvents(t *testing.T) {
	tr := New(decimal.NewFromFloat(0.01))

	t.Run("increase", func(t *testing.T) {
		_, events := tr.Record(obs(120, model.InStock), dec(100), model.InStock)
		require.Len(t, events, 1)
		assert.Equal(t, model.KindPriceIncrease, events[0].Kind)
		assert.Equal(t, "100", events[0].OldValue)
		assert.Equal(t, "120", events[0].NewValue)
	})

	t.Run("decrease", func(t *testing.T) {
		_, events := tr.Record(obs(80, model.InStock), dec(100), model.InStock)
		require.Len(t, events, 1)
		assert.Equal(t, model.KindPriceDecrease, events[0].Kind)
	})

	t.Run("first observation emits nothing", func(t *testing.T) {
		_, events := tr.Record(obs(80, model.InStock), nil, "")
		assert.Empty(t, events)
	})
}

// ─── Availability events ──────────────────────────────────────────────────────

func TestRecord_AvailabilityTransitions(t *testing.T) {
	tr := New(decimal.NewFromFloat(0.01))

	tests := []struct {
		name     string
		prev     model.Availability
		now      model.Availability
		expected model.ChangeKind // "" = no event
	}{
		{"restock", model.OutOfStock, model.InStock, model.KindRestock},
		{"restock to limited", model.OutOfStock, model.LimitedStock, model.KindRestock},
		{"pre-order opens", model.PreOrder, model.InStock, model.KindRestock},
		{"goes out of stock", model.InStock, model.OutOfStock, model.KindOutOfStock},
		{"limited goes out", model.LimitedStock, model.OutOfStock, model.KindOutOfStock},
		{"within in-stock family", model.InStock, model.LimitedStock, ""},
		{"within out family", model.OutOfStock, model.PreOrder, ""},
		{"unchanged", model.InStock, model.InStock, ""},
		{"no previous state", "", model.InStock, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// stable price keeps price events out of the way
			_, events := tr.Record(obs(50, tt.now), dec(50), tt.prev)

			if tt.expected == "" {
				assert.Empty(t, events)
				return
			}
			require.Len(t, events, 1)
			assert.Equal(t, tt.expected, events[0].Kind)
			assert.Equal(t, string(tt.prev), events[0].OldValue)
			assert.Equal(t, string(tt.now), events[0].NewValue)
		})
	}
}

func TestRecord_PriceAndAvailabilityTogether(t *testing.T) {
	tr := New(decimal.NewFromFloat(0.01))

	_, events := tr.Record(obs(80, model.InStock), dec(100), model.OutOfStock)
	require.Len(t, events, 2)

	kinds := map[model.ChangeKind]bool{}
	for _, ev := range events {
		kinds[ev.Kind] = true
	}
	assert.True(t, kinds[model.KindPriceDecrease])
	assert.True(t, kinds[model.KindRestock])
}

func TestNew_NegativeEpsilonClamped(t *testing.T) {
	tr := New(decimal.NewFromFloat(-1))

	// with epsilon clamped to zero, a one-cent move is a real change
	_, events := tr.Record(obs(100.01, model.InStock), dec(100.00), model.InStock)
	require.Len(t, events, 1)
	assert.Equal(t, model.KindPriceIncrease, events[0].Kind)
}
