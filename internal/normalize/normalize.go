package normalize

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/unifiedcart/aggregator/pkg/config"
	"github.com/unifiedcart/aggregator/pkg/model"
)

// Record-level failures. The orchestrator reports these per record and
// keeps the batch going.
var (
	ErrMalformedPayload = errors.New("malformed payload")
	ErrInvalidPrice     = errors.New("invalid price")
	ErrInvalidRating    = errors.New("invalid rating")
)

// Rules carries the externally supplied normalization and curation knobs.
type Rules struct {
	DefaultCurrency    string
	Availability       config.AvailabilityTable
	KnownBrands        []string
	BrandWhitelist     []string
	BrandBlacklist     []string
	ExcludedCategories []string
	MinRating          float64
	MinReviewCount     int
}

// RulesFromConfig projects the service config onto normalizer rules.
func RulesFromConfig(cfg *config.Config) Rules {
	return Rules{
		DefaultCurrency:    cfg.DefaultCurrency,
		Availability:       cfg.Availability,
		KnownBrands:        cfg.KnownBrands,
		BrandWhitelist:     cfg.BrandWhitelist,
		BrandBlacklist:     cfg.BrandBlacklist,
		ExcludedCategories: cfg.ExcludedCategories,
		MinRating:          cfg.MinRating,
		MinReviewCount:     cfg.MinReviewCount,
	}
}

// Normalizer maps arbitrary per-platform payloads into the canonical
// product shape. It performs no I/O.
type Normalizer struct {
	rules  Rules
	logger *zap.Logger
}

// New constructs a Normalizer. A nil logger disables warnings.
func New(rules Rules, logger *zap.Logger) *Normalizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Normalizer{rules: rules, logger: logger}
}

// Normalize converts one raw payload into a canonical product candidate.
// Title, price and product URL are required; everything else degrades
// gracefully.
func (n *Normalizer) Normalize(raw model.RawProduct) (*model.CanonicalProduct, error) {
	if raw.Platform == "" || raw.ExternalID == "" {
		return nil, fmt.Errorf("%w: missing platform or external_id", ErrMalformedPayload)
	}
	title := cleanText(raw.Title)
	if title == "" {
		return nil, fmt.Errorf("%w: missing title", ErrMalformedPayload)
	}
	if raw.ProductURL == "" {
		return nil, fmt.Errorf("%w: missing product_url", ErrMalformedPayload)
	}
	if raw.Price == nil {
		return nil, fmt.Errorf("%w: missing price", ErrMalformedPayload)
	}

	price, currency, err := n.ParsePrice(raw.Price)
	if err != nil {
		return nil, err
	}
	if raw.Currency != "" {
		currency = strings.ToUpper(cleanText(raw.Currency))
	}
	if currency == "" {
		currency = n.rules.DefaultCurrency
	}

	p := &model.CanonicalProduct{
		Title:        title,
		Description:  cleanText(raw.Description),
		GTIN:         cleanText(raw.GTIN),
		CurrentPrice: price,
		Currency:     currency,
		Category:     normalizeCategory(raw.Category),
		Subcategory:  normalizeCategory(raw.Subcategory),
		ProductURL:   raw.ProductURL,
		Images:       normalizeImages(raw.Images),
		Active:       true,
		LastPlatform: strings.ToLower(raw.Platform),
		ScrapedAt:    raw.ScrapedAt,
	}
	if p.ScrapedAt.IsZero() {
		p.ScrapedAt = time.Now().UTC()
	}

	if raw.OriginalPrice != nil {
		if orig, _, err := n.ParsePrice(raw.OriginalPrice); err == nil {
			p.OriginalPrice = orig
			if orig.GreaterThan(price) && orig.IsPositive() {
				pct, _ := orig.Sub(price).Div(orig).Mul(decimal.NewFromInt(100)).Round(2).Float64()
				p.DiscountPct = pct
			}
		}
	}

	p.Availability = n.mapAvailability(raw.Platform, raw.Availability)

	p.Brand, p.Model = n.extractBrandModel(raw, title)

	if raw.Rating != nil {
		rating, err := parseRating(raw.Rating)
		if err != nil {
			return nil, err
		}
		p.Rating = rating
	}
	p.ReviewCount = parseReviewCount(raw.ReviewCount)

	p.Specifications = normalizeSpecs(raw.Specs, raw.Platform)
	p.Variations = n.normalizeVariations(raw.Variations, raw.Platform)

	p.Curated = n.isCurated(p)

	return p, nil
}

//
// ────────────────────────────────────────────────
//   Price parsing
// ────────────────────────────────────────────────
//

var currencySymbols = []struct {
	symbol string
	code   string
}{
	{"R$", "BRL"},
	{"US$", "USD"},
	{"$", "USD"},
	{"€", "EUR"},
	{"£", "GBP"},
	{"¥", "JPY"},
	{"₹", "INR"},
}

var priceCleanRegex = regexp.MustCompile(`[^\d.,\-]`)

// ParsePrice interprets a loosely typed price value. Strings may carry
// currency symbols and thousands separators; the inferred currency code
// is returned alongside (empty when nothing could be inferred).
func (n *Normalizer) ParsePrice(v any) (decimal.Decimal, string, error) {
	switch val := v.(type) {
	case float64:
		return checkPrice(decimal.NewFromFloat(val))
	case float32:
		return checkPrice(decimal.NewFromFloat32(val))
	case int:
		return checkPrice(decimal.NewFromInt(int64(val)))
	case int64:
		return checkPrice(decimal.NewFromInt(val))
	case decimal.Decimal:
		return checkPrice(val)
	case string:
		return parsePriceString(val)
	default:
		return decimal.Zero, "", fmt.Errorf("%w: unsupported price type %T", ErrInvalidPrice, v)
	}
}

func parsePriceString(s string) (decimal.Decimal, string, error) {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return decimal.Zero, "", fmt.Errorf("%w: empty price string", ErrInvalidPrice)
	}

	currency := ""
	for _, cs := range currencySymbols {
		if strings.Contains(trimmed, cs.symbol) {
			currency = cs.code
			break
		}
	}

	cleaned := priceCleanRegex.ReplaceAllString(trimmed, "")
	// The rightmost separator is the decimal point, but only when it is
	// followed by a one- or two-digit fraction ("1.299,90" vs "$1,299"
	// where the comma groups thousands).
	lastComma := strings.LastIndex(cleaned, ",")
	lastDot := strings.LastIndex(cleaned, ".")
	if lastComma > lastDot && isDecimalFraction(cleaned[lastComma+1:]) {
		cleaned = strings.ReplaceAll(cleaned, ".", "")
		cleaned = strings.Replace(cleaned, ",", ".", 1)
	}
	cleaned = strings.ReplaceAll(cleaned, ",", "")
	if cleaned == "" {
		return decimal.Zero, "", fmt.Errorf("%w: %q", ErrInvalidPrice, s)
	}

	d, err := decimal.NewFromString(cleaned)
	if err != nil {
		return decimal.Zero, "", fmt.Errorf("%w: %q", ErrInvalidPrice, s)
	}
	d, _, err = checkPrice(d)
	return d, currency, err
}

// isDecimalFraction reports whether tail looks like cents (1 or 2 digits
// and nothing else). Three digits after a comma mean grouping.
func isDecimalFraction(tail string) bool {
	if len(tail) == 0 || len(tail) > 2 {
		return false
	}
	for _, r := range tail {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func checkPrice(d decimal.Decimal) (decimal.Decimal, string, error) {
	if d.IsNegative() {
		return decimal.Zero, "", fmt.Errorf("%w: negative value %s", ErrInvalidPrice, d)
	}
	return d, "", nil
}

//
// ────────────────────────────────────────────────
//   Availability mapping
// ────────────────────────────────────────────────
//

// mapAvailability resolves a raw vendor status through the per-platform
// vocabulary table. Unmapped values degrade to out_of_stock with a
// warning: a stale "in stock" is worse than a false negative here.
func (n *Normalizer) mapAvailability(platform, raw string) model.Availability {
	key := strings.ToLower(cleanText(raw))
	if key == "" {
		n.logger.Warn("normalize.availability_missing",
			zap.String("platform", platform))
		return model.OutOfStock
	}

	vocab := n.rules.Availability[strings.ToLower(platform)]
	if vocab != nil {
		if status, ok := vocab[key]; ok {
			return status
		}
		// substring fallback handles decorated statuses like
		// "Only 3 left in stock - order soon"
		for phrase, status := range vocab {
			if strings.Contains(key, phrase) {
				return status
			}
		}
	}

	n.logger.Warn("normalize.availability_unmapped",
		zap.String("platform", platform),
		zap.String("raw", raw))
	return model.OutOfStock
}

//
// ────────────────────────────────────────────────
//   Brand / model extraction
// ────────────────────────────────────────────────
//

var modelTokenRegex = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9\-]*$`)

// extractBrandModel prefers payload-provided values and falls back to a
// title heuristic: brand is the first token matching the known-brand
// list, model the first following token mixing letters and digits.
// Absence of a brand match leaves the field empty rather than failing.
func (n *Normalizer) extractBrandModel(raw model.RawProduct, title string) (string, string) {
	brand := cleanText(raw.Brand)
	mdl := cleanText(raw.Model)
	if brand != "" && mdl != "" {
		return brand, mdl
	}

	tokens := strings.Fields(title)
	brandIdx := -1
	if brand == "" {
		for i, tok := range tokens {
			if n.isKnownBrand(tok) {
				brand = tok
				brandIdx = i
				break
			}
		}
	}

	if mdl == "" {
		for i, tok := range tokens {
			if i <= brandIdx {
				continue
			}
			if hasLetterAndDigit(tok) && modelTokenRegex.MatchString(tok) {
				mdl = tok
				break
			}
		}
	}
	return brand, mdl
}

func (n *Normalizer) isKnownBrand(token string) bool {
	for _, b := range n.rules.KnownBrands {
		if strings.EqualFold(b, token) {
			return true
		}
	}
	return false
}

func hasLetterAndDigit(s string) bool {
	var letter, digit bool
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
			digit = true
		case (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z'):
			letter = true
		}
	}
	return letter && digit
}

//
// ────────────────────────────────────────────────
//   Rating / review count
// ────────────────────────────────────────────────
//

var numberRegex = regexp.MustCompile(`(\d+\.?\d*)`)

// parseRating accepts numeric or string ratings. Values above 5 are
// treated as a 10-point scale and halved; results clamp to [0, 5].
func parseRating(v any) (float64, error) {
	var rating float64
	switch val := v.(type) {
	case float64:
		rating = val
	case float32:
		rating = float64(val)
	case int:
		rating = float64(val)
	case string:
		m := numberRegex.FindString(val)
		if m == "" {
			return 0, fmt.Errorf("%w: %q", ErrInvalidRating, val)
		}
		d, err := decimal.NewFromString(m)
		if err != nil {
			return 0, fmt.Errorf("%w: %q", ErrInvalidRating, val)
		}
		rating, _ = d.Float64()
	default:
		return 0, fmt.Errorf("%w: unsupported rating type %T", ErrInvalidRating, v)
	}

	if rating < 0 {
		return 0, fmt.Errorf("%w: negative value %.2f", ErrInvalidRating, rating)
	}
	if rating > 5 {
		rating = rating / 2
	}
	if rating > 5 {
		rating = 5
	}
	return rating, nil
}

var countRegex = regexp.MustCompile(`([\d,]+)`)

func parseReviewCount(v any) int {
	switch val := v.(type) {
	case float64:
		if val < 0 {
			return 0
		}
		return int(val)
	case int:
		if val < 0 {
			return 0
		}
		return val
	case string:
		m := countRegex.FindString(val)
		if m == "" {
			return 0
		}
		var count int
		if _, err := fmt.Sscanf(strings.ReplaceAll(m, ",", ""), "%d", &count); err != nil {
			return 0
		}
		return count
	default:
		return 0
	}
}

//
// ────────────────────────────────────────────────
//   Categories, specs, variations
// ────────────────────────────────────────────────
//

var categoryAliases = map[string][]string{
	"electronics": {"electronic", "electronics & photo", "computers & electronics"},
	"clothing":    {"clothes", "apparel", "fashion", "clothing, shoes & jewelry"},
	"home":        {"home & kitchen", "home improvement", "home & garden"},
	"books":       {"book", "books & media", "books & magazines"},
	"sports":      {"sport", "sports & outdoors", "sports & recreation"},
	"beauty":      {"beauty & personal care", "health & beauty", "cosmetics"},
	"toys":        {"toy", "toys & games", "children's toys"},
	"automotive":  {"auto", "automotive & motorcycle", "car & motorbike"},
}

func normalizeCategory(category string) string {
	category = cleanText(category)
	if category == "" {
		return ""
	}
	lower := strings.ToLower(category)
	for standard, variants := range categoryAliases {
		if lower == standard {
			return standard
		}
		for _, v := range variants {
			if strings.Contains(lower, v) {
				return standard
			}
		}
	}
	return category
}

func normalizeImages(urls []string) []string {
	var out []string
	seen := map[string]bool{}
	for _, u := range urls {
		u = strings.TrimSpace(u)
		if u == "" || seen[u] {
			continue
		}
		seen[u] = true
		out = append(out, u)
	}
	return out
}

// normalizeSpecs keeps duplicate spec names distinct; collapsing is the
// matcher's job during merges, not the normalizer's.
func normalizeSpecs(specs []model.RawSpec, platform string) []model.Specification {
	var out []model.Specification
	for _, s := range specs {
		name := cleanText(s.Name)
		value := cleanText(s.Value)
		if name == "" || value == "" {
			continue
		}
		out = append(out, model.Specification{
			Name:     name,
			Value:    value,
			Category: cleanText(s.Category),
			Platform: strings.ToLower(platform),
		})
	}
	return out
}

func (n *Normalizer) normalizeVariations(vars []model.RawVariation, platform string) []model.Variation {
	var out []model.Variation
	for _, v := range vars {
		if v.Type == "" || v.Value == "" {
			continue
		}
		nv := model.Variation{
			Type:       strings.ToLower(cleanText(v.Type)),
			Value:      cleanText(v.Value),
			ExternalID: v.ExternalID,
		}
		if v.Price != nil {
			if price, _, err := n.ParsePrice(v.Price); err == nil {
				nv.Price = price
			}
		}
		if v.Availability != "" {
			nv.Availability = n.mapAvailability(platform, v.Availability)
		}
		out = append(out, nv)
	}
	return out
}

//
// ────────────────────────────────────────────────
//   Curation
// ────────────────────────────────────────────────
//

// isCurated computes the visibility flag. Curation never blocks
// ingestion: a failing product is stored with Curated=false and filtered
// at presentation time.
func (n *Normalizer) isCurated(p *model.CanonicalProduct) bool {
	if p.Rating < n.rules.MinRating {
		return false
	}
	if p.ReviewCount < n.rules.MinReviewCount {
		return false
	}
	if p.Availability == model.OutOfStock {
		return false
	}
	brand := strings.ToLower(p.Brand)
	for _, blocked := range n.rules.BrandBlacklist {
		if brand != "" && strings.Contains(brand, strings.ToLower(blocked)) {
			return false
		}
	}
	if len(n.rules.BrandWhitelist) > 0 {
		allowed := false
		for _, w := range n.rules.BrandWhitelist {
			if strings.EqualFold(w, p.Brand) {
				allowed = true
				break
			}
		}
		if !allowed {
			return false
		}
	}
	category := strings.ToLower(p.Category)
	for _, excluded := range n.rules.ExcludedCategories {
		if category != "" && strings.Contains(category, strings.ToLower(excluded)) {
			return false
		}
	}
	return true
}

func cleanText(text string) string {
	return strings.Join(strings.Fields(text), " ")
}
