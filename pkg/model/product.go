package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Availability is the canonical stock status vocabulary. Platform
// specific strings are mapped into it during normalization.
type Availability string

const (
	InStock      Availability = "in_stock"
	OutOfStock   Availability = "out_of_stock"
	PreOrder     Availability = "pre_order"
	LimitedStock Availability = "limited_stock"
)

// InStockFamily reports whether the status means a customer can buy
// now. in_stock and limited_stock are purchasable; out_of_stock and
// pre_order are not.
func (a Availability) InStockFamily() bool {
	return a == InStock || a == LimitedStock
}

// Specification is one normalized attribute of a product. Duplicate
// names from different platforms stay as distinct entries.
type Specification struct {
	Name     string `json:"name"`
	Value    string `json:"value"`
	Category string `json:"category,omitempty"`
	Platform string `json:"platform,omitempty"`
}

// Variation is a purchasable option of a product (size, color, ...).
type Variation struct {
	Type         string          `json:"type"`
	Value        string          `json:"value"`
	ExternalID   string          `json:"external_id,omitempty"`
	Price        decimal.Decimal `json:"price,omitempty"`
	Availability Availability    `json:"availability,omitempty"`
}

// CanonicalProduct is the deduplicated catalog entry. One canonical
// product may be linked to listings on several platforms via
// SourceLink rows.
type CanonicalProduct struct {
	ID          uuid.UUID `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Brand       string    `json:"brand,omitempty"`
	Model       string    `json:"model,omitempty"`
	Category    string    `json:"category,omitempty"`
	Subcategory string    `json:"subcategory,omitempty"`
	GTIN        string    `json:"gtin,omitempty"`

	CurrentPrice  decimal.Decimal `json:"current_price"`
	OriginalPrice decimal.Decimal `json:"original_price,omitempty"`
	Currency      string          `json:"currency"`
	DiscountPct   float64         `json:"discount_pct,omitempty"`

	Availability Availability `json:"availability"`
	Rating       float64      `json:"rating,omitempty"`
	ReviewCount  int          `json:"review_count,omitempty"`

	ProductURL     string          `json:"product_url"`
	Images         []string        `json:"images,omitempty"`
	Specifications []Specification `json:"specifications,omitempty"`
	Variations     []Variation     `json:"variations,omitempty"`

	Curated      bool      `json:"is_curated"`
	Active       bool      `json:"is_active"`
	LastPlatform string    `json:"last_platform"`
	ScrapedAt    time.Time `json:"scraped_at"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// SourceLink ties a platform listing to its canonical product. The
// (platform, external_id) pair is unique across the catalog.
type SourceLink struct {
	ProductID  uuid.UUID `json:"product_id"`
	Platform   string    `json:"platform"`
	ExternalID string    `json:"external_id"`
	SourceURL  string    `json:"source_url,omitempty"`
	FirstSeen  time.Time `json:"first_seen"`
	LastSeen   time.Time `json:"last_seen"`
}

// PriceChange classifies a price observation against the previous one
// from the same platform.
type PriceChange string

const (
	PriceNew      PriceChange = "new"
	PriceIncrease PriceChange = "increase"
	PriceDecrease PriceChange = "decrease"
	PriceStable   PriceChange = "stable"
)

// PriceHistoryEntry is one appended price observation. History is
// append-only; stable observations are recorded too.
type PriceHistoryEntry struct {
	ProductID  uuid.UUID       `json:"product_id"`
	Platform   string          `json:"platform"`
	Price      decimal.Decimal `json:"price"`
	Currency   string          `json:"currency"`
	Change     PriceChange     `json:"change"`
	RecordedAt time.Time       `json:"recorded_at"`
}

// MatchType records how two products were linked.
type MatchType string

const (
	MatchExact  MatchType = "exact"
	MatchFuzzy  MatchType = "fuzzy"
	MatchManual MatchType = "manual"
	MatchImage  MatchType = "image"
)

// DuplicateStatus is the review lifecycle of an ambiguous match.
type DuplicateStatus string

const (
	DuplicatePending  DuplicateStatus = "pending"
	DuplicateApproved DuplicateStatus = "approved"
	DuplicateRejected DuplicateStatus = "rejected"
	DuplicateMerged   DuplicateStatus = "merged"
)

// DuplicateCandidate is a potential duplicate pair queued for human
// review when the match score lands between the two thresholds.
type DuplicateCandidate struct {
	ID          int64           `json:"id"`
	PrimaryID   uuid.UUID       `json:"primary_product_id"`
	CandidateID uuid.UUID       `json:"candidate_product_id"`
	Score       float64         `json:"similarity_score"`
	MatchType   MatchType       `json:"match_type"`
	Status      DuplicateStatus `json:"status"`
	CreatedAt   time.Time       `json:"created_at"`
	ResolvedAt  *time.Time      `json:"resolved_at,omitempty"`
}

// RawSpec is an attribute exactly as scraped.
type RawSpec struct {
	Name     string `json:"name"`
	Value    string `json:"value"`
	Category string `json:"category,omitempty"`
}

// RawVariation is a product option exactly as scraped. Price is loose
// because scrapers deliver strings, floats or nothing.
type RawVariation struct {
	Type         string `json:"type"`
	Value        string `json:"value"`
	ExternalID   string `json:"external_id,omitempty"`
	Price        any    `json:"price,omitempty"`
	Availability string `json:"availability,omitempty"`
}

// RawProduct is a scraped listing before normalization. Numeric fields
// are typed loosely on purpose: upstream scrapers send "R$ 1.299,90"
// as readily as 1299.90.
type RawProduct struct {
	Platform      string         `json:"platform"`
	ExternalID    string         `json:"external_id"`
	Title         string         `json:"title"`
	Description   string         `json:"description,omitempty"`
	Brand         string         `json:"brand,omitempty"`
	Model         string         `json:"model,omitempty"`
	Category      string         `json:"category,omitempty"`
	Subcategory   string         `json:"subcategory,omitempty"`
	GTIN          string         `json:"gtin,omitempty"`
	Price         any            `json:"price"`
	OriginalPrice any            `json:"original_price,omitempty"`
	Currency      string         `json:"currency,omitempty"`
	Availability  string         `json:"availability,omitempty"`
	Rating        any            `json:"rating,omitempty"`
	ReviewCount   any            `json:"review_count,omitempty"`
	ProductURL    string         `json:"product_url"`
	Images        []string       `json:"images,omitempty"`
	Specs         []RawSpec      `json:"specifications,omitempty"`
	Variations    []RawVariation `json:"variations,omitempty"`
	ScrapedAt     time.Time      `json:"scraped_at,omitempty"`
}

// Key is the stable routing identity of a listing. Records with the
// same key are always processed by the same worker, in order.
func (r RawProduct) Key() string {
	return fmt.Sprintf("%s:%s", r.Platform, r.ExternalID)
}
