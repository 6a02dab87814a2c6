package normalize

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unifiedcart/aggregator/pkg/config"
	"github.com/unifiedcart/aggregator/pkg/model"
)

func testRules() Rules {
	return Rules{
		DefaultCurrency: "USD",
		Availability: config.AvailabilityTable{
			"amazon": {
				"in stock":      model.InStock,
				"out of stock":  model.OutOfStock,
				"pre-order":     model.PreOrder,
				"left in stock": model.LimitedStock,
			},
		},
		KnownBrands:    []string{"Sony", "Samsung", "Apple", "Anker"},
		MinRating:      4.0,
		MinReviewCount: 10,
	}
}

func rawFixture() model.RawProduct {
	return model.RawProduct{
		Platform:     "amazon",
		ExternalID:   "B0TEST123",
		Title:        "  Sony WH-1000XM5 Wireless Headphones  ",
		Price:        "$349.99",
		Availability: "In Stock",
		ProductURL:   "https://example.com/p/B0TEST123",
	}
}

// ─── ParsePrice ───────────────────────────────────────────────────────────────

func TestParsePrice(t *testing.T) {
	n := New(testRules(), nil)

	tests := []struct {
		name     string
		input    any
		expected string
		currency string
	}{
		{"plain float", 349.99, "349.99", ""},
		{"int", 1299, "1299", ""},
		{"dollar string", "$349.99", "349.99", "USD"},
		{"us dollar prefix", "US$ 1,299.00", "1299", "USD"},
		{"brl with thousands", "R$ 1.299,90", "1299.90", "BRL"},
		{"comma decimal", "89,90", "89.90", ""},
		{"euro", "€89.50", "89.5", "EUR"},
		{"bare string", "24.00", "24", ""},
		{"thousands comma", "1,299.00", "1299", ""},
		{"thousands comma no cents", "$1,299", "1299", "USD"},
		{"multiple grouping commas", "1,299,000", "1299000", ""},
		{"single digit cents after comma", "1,5", "1.5", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, currency, err := n.ParsePrice(tt.input)
			require.NoError(t, err)
			expected, _ := decimal.NewFromString(tt.expected)
			assert.True(t, got.Equal(expected), "got %s, want %s", got, expected)
			assert.Equal(t, tt.currency, currency)
		})
	}
}

func TestParsePrice_Invalid(t *testing.T) {
	n := New(testRules(), nil)

	for _, input := range []any{"", "free", "N/A", -12.50, "-$5.00", []string{"nope"}} {
		_, _, err := n.ParsePrice(input)
		assert.ErrorIs(t, err, ErrInvalidPrice, "input %v", input)
	}
}

// ─── Availability mapping ─────────────────────────────────────────────────────

func TestMapAvailability(t *testing.T) {
	n := New(testRules(), nil)

	tests := []struct {
		name     string
		raw      string
		expected model.Availability
	}{
		{"exact", "In Stock", model.InStock},
		{"case insensitive", "OUT OF STOCK", model.OutOfStock},
		{"pre-order", "Pre-Order", model.PreOrder},
		{"substring fallback", "Only 3 left in stock - order soon", model.LimitedStock},
		{"unmapped fails closed", "ships in 2-3 weeks maybe", model.OutOfStock},
		{"empty", "", model.OutOfStock},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, n.mapAvailability("amazon", tt.raw))
		})
	}
}

// ─── Brand and model extraction ───────────────────────────────────────────────

func TestExtractBrandModel(t *testing.T) {
	n := New(testRules(), nil)

	tests := []struct {
		name          string
		raw           model.RawProduct
		title         string
		expectedBrand string
		expectedModel string
	}{
		{
			"payload wins",
			model.RawProduct{Brand: "Sony", Model: "WH-1000XM5"},
			"irrelevant title",
			"Sony", "WH-1000XM5",
		},
		{
			"brand from title",
			model.RawProduct{},
			"Sony WH-1000XM5 Wireless Headphones",
			"Sony", "WH-1000XM5",
		},
		{
			"model after brand only",
			model.RawProduct{},
			"4K Samsung QN90C TV",
			"Samsung", "QN90C",
		},
		{
			"unknown brand stays empty",
			model.RawProduct{},
			"Mystery Widget X3000",
			"", "X3000",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			brand, mdl := n.extractBrandModel(tt.raw, tt.title)
			assert.Equal(t, tt.expectedBrand, brand)
			assert.Equal(t, tt.expectedModel, mdl)
		})
	}
}

// ─── Rating ───────────────────────────────────────────────────────────────────

func TestParseRating(t *testing.T) {
	tests := []struct {
		name     string
		input    any
		expected float64
	}{
		{"five point", 4.7, 4.7},
		{"ten point halved", 9.2, 4.6},
		{"string", "4.5", 4.5},
		{"string with suffix", "4.5 out of 5 stars", 4.5},
		{"ten point max", 10.0, 5.0},
		{"over ten clamps", 11.0, 5.0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseRating(tt.input)
			require.NoError(t, err)
			assert.InDelta(t, tt.expected, got, 0.001)
		})
	}
}

func TestParseRating_Invalid(t *testing.T) {
	for _, input := range []any{-1.0, "garbage", []int{5}} {
		_, err := parseRating(input)
		assert.ErrorIs(t, err, ErrInvalidRating, "input %v", input)
	}
}

// ─── Normalize ────────────────────────────────────────────────────────────────

func TestNormalize_HappyPath(t *testing.T) {
	n := New(testRules(), nil)

	raw := rawFixture()
	raw.Rating = 9.4
	raw.ReviewCount = "1,234"
	raw.OriginalPrice = "$399.99"
	raw.Specs = []model.RawSpec{
		{Name: " Driver Size ", Value: "30mm"},
		{Name: "Driver Size", Value: "30 mm"}, // duplicate name, kept
	}

	p, err := n.Normalize(raw)
	require.NoError(t, err)

	assert.Equal(t, "Sony WH-1000XM5 Wireless Headphones", p.Title)
	assert.Equal(t, "Sony", p.Brand)
	assert.Equal(t, "WH-1000XM5", p.Model)
	assert.True(t, p.CurrentPrice.Equal(decimal.NewFromFloat(349.99)))
	assert.Equal(t, "USD", p.Currency)
	assert.Equal(t, model.InStock, p.Availability)
	assert.InDelta(t, 4.7, p.Rating, 0.001)
	assert.Equal(t, 1234, p.ReviewCount)
	assert.InDelta(t, 12.5, p.DiscountPct, 0.01)
	assert.Len(t, p.Specifications, 2)
	assert.Equal(t, "amazon", p.LastPlatform)
	assert.True(t, p.Active)
	assert.False(t, p.ScrapedAt.IsZero())
}

func TestNormalize_MissingFields(t *testing.T) {
	n := New(testRules(), nil)

	tests := []struct {
		name   string
		mutate func(*model.RawProduct)
	}{
		{"no platform", func(r *model.RawProduct) { r.Platform = "" }},
		{"no external id", func(r *model.RawProduct) { r.ExternalID = "" }},
		{"no title", func(r *model.RawProduct) { r.Title = "   " }},
		{"no url", func(r *model.RawProduct) { r.ProductURL = "" }},
		{"no price", func(r *model.RawProduct) { r.Price = nil }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw := rawFixture()
			tt.mutate(&raw)
			_, err := n.Normalize(raw)
			assert.ErrorIs(t, err, ErrMalformedPayload)
		})
	}
}

func TestNormalize_InvalidPriceIsNotMalformed(t *testing.T) {
	n := New(testRules(), nil)

	raw := rawFixture()
	raw.Price = "contact seller"
	_, err := n.Normalize(raw)
	assert.ErrorIs(t, err, ErrInvalidPrice)
	assert.NotErrorIs(t, err, ErrMalformedPayload)
}

func TestNormalize_ExplicitCurrencyWins(t *testing.T) {
	n := New(testRules(), nil)

	raw := rawFixture()
	raw.Price = "$100.00"
	raw.Currency = "cad"
	p, err := n.Normalize(raw)
	require.NoError(t, err)
	assert.Equal(t, "CAD", p.Currency)
}

func TestNormalize_CurationFlag(t *testing.T) {
	n := New(testRules(), nil)

	raw := rawFixture()
	raw.Rating = 4.8
	raw.ReviewCount = 500
	p, err := n.Normalize(raw)
	require.NoError(t, err)
	assert.True(t, p.Curated)

	raw = rawFixture()
	raw.Rating = 3.1
	raw.ReviewCount = 500
	p, err = n.Normalize(raw)
	require.NoError(t, err)
	assert.False(t, p.Curated, "below MinRating must not be curated")
}
