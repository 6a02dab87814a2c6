package fingerprint

import (
	"crypto/md5"
	"encoding/hex"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/unifiedcart/aggregator/pkg/model"
)

// Fingerprint is the derived comparison key for a canonical product.
// It is recomputed on every normalization and never persisted as
// identity.
type Fingerprint struct {
	Tokens      []string // sorted, deduplicated
	Brand       string
	Model       string
	PriceBucket string
}

// stop-words stripped from the token set before comparison.
var stopWords = map[string]bool{
	"the": true, "a": true, "an": true, "and": true, "or": true,
	"but": true, "in": true, "on": true, "at": true, "to": true,
	"for": true, "of": true, "with": true, "by": true,
}

// New derives the fingerprint of a canonical product. Deterministic:
// identical inputs always produce identical fingerprints, across calls
// and process restarts.
func New(p *model.CanonicalProduct) Fingerprint {
	tokenSet := map[string]bool{}
	for _, source := range []string{p.Title, p.Brand, p.Model} {
		for _, tok := range Tokenize(source) {
			tokenSet[tok] = true
		}
	}
	tokens := make([]string, 0, len(tokenSet))
	for tok := range tokenSet {
		tokens = append(tokens, tok)
	}
	sort.Strings(tokens)

	return Fingerprint{
		Tokens:      tokens,
		Brand:       normalizeToken(p.Brand),
		Model:       normalizeToken(p.Model),
		PriceBucket: PriceBucket(p.CurrentPrice),
	}
}

// Tokenize lower-cases, strips punctuation and removes stop-words.
func Tokenize(text string) []string {
	var out []string
	for _, field := range strings.Fields(text) {
		tok := normalizeToken(field)
		if tok == "" || stopWords[tok] {
			continue
		}
		out = append(out, tok)
	}
	return out
}

func normalizeToken(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}

var bucketBounds = []struct {
	limit decimal.Decimal
	name  string
}{
	{decimal.NewFromInt(10), "under_10"},
	{decimal.NewFromInt(50), "10_50"},
	{decimal.NewFromInt(200), "50_200"},
	{decimal.NewFromInt(1000), "200_1000"},
}

// PriceBucket maps a price onto a small set of logarithmic bands so
// minor cross-platform price differences cannot defeat matching.
func PriceBucket(price decimal.Decimal) string {
	for _, b := range bucketBounds {
		if price.LessThan(b.limit) {
			return b.name
		}
	}
	return "over_1000"
}

// Digest renders the fingerprint into a stable hex digest, usable as a
// cache key for candidate pre-screening.
func (f Fingerprint) Digest() string {
	var b strings.Builder
	b.WriteString(strings.Join(f.Tokens, " "))
	b.WriteByte('|')
	b.WriteString(f.Brand)
	b.WriteByte('|')
	b.WriteString(f.Model)
	b.WriteByte('|')
	b.WriteString(f.PriceBucket)

	sum := md5.Sum([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// TokenSet returns the tokens as a set for similarity computations.
func (f Fingerprint) TokenSet() map[string]bool {
	set := make(map[string]bool, len(f.Tokens))
	for _, t := range f.Tokens {
		set[t] = true
	}
	return set
}
