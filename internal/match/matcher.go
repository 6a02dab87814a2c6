package match

import (
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/unifiedcart/aggregator/internal/fingerprint"
	"github.com/unifiedcart/aggregator/pkg/model"
)

// DecisionKind is the outcome of matching a candidate against the
// existing catalog subset.
type DecisionKind string

const (
	NewProduct     DecisionKind = "new_product"
	UpdateExisting DecisionKind = "update_existing"
	Ambiguous      DecisionKind = "ambiguous"
)

// Scored pairs an existing product with its similarity to the incoming
// candidate.
type Scored struct {
	ProductID uuid.UUID
	Score     float64
	MatchType model.MatchType
}

// Decision carries the matcher verdict. TargetID is set for
// UpdateExisting; Candidates holds the ambiguous band for review.
type Decision struct {
	Kind       DecisionKind
	TargetID   uuid.UUID
	BestScore  float64
	MatchType  model.MatchType
	Candidates []Scored
}

// Config holds the tunable decision thresholds and score weights.
// Thresholds are inclusive toward deduplication: a score exactly at High
// updates, exactly at Low inserts.
type Config struct {
	HighThreshold float64
	LowThreshold  float64

	TitleWeight  float64
	BrandWeight  float64
	ModelWeight  float64
	BucketWeight float64
}

// DefaultWeights fills zero-valued weights with the standard split.
func (c Config) withDefaults() Config {
	if c.TitleWeight == 0 && c.BrandWeight == 0 && c.ModelWeight == 0 && c.BucketWeight == 0 {
		c.TitleWeight = 0.45
		c.BrandWeight = 0.25
		c.ModelWeight = 0.15
		c.BucketWeight = 0.15
	}
	return c
}

// Matcher scores an incoming canonical candidate against existing
// products and decides merge vs. insert vs. manual review.
type Matcher struct {
	cfg Config
}

// New constructs a Matcher.
func New(cfg Config) *Matcher {
	return &Matcher{cfg: cfg.withDefaults()}
}

// Match scores the candidate against the pre-narrowed existing subset
// (callers narrow by brand+category first; the matcher never walks the
// full catalog).
func (m *Matcher) Match(candidate *model.CanonicalProduct, fp fingerprint.Fingerprint, existing []model.CanonicalProduct) Decision {
	if len(existing) == 0 {
		return Decision{Kind: NewProduct}
	}

	var scored []Scored
	for i := range existing {
		ex := &existing[i]

		// A shared platform identifier is a near-certain match and
		// short-circuits fuzzy scoring entirely.
		if candidate.GTIN != "" && ex.GTIN != "" && candidate.GTIN == ex.GTIN {
			return Decision{
				Kind:      UpdateExisting,
				TargetID:  ex.ID,
				BestScore: 1.0,
				MatchType: model.MatchExact,
			}
		}

		scored = append(scored, Scored{
			ProductID: ex.ID,
			Score:     m.Score(fp, ex),
			MatchType: model.MatchFuzzy,
		})
	}

	sort.Slice(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })
	best := scored[0]

	switch {
	case best.Score >= m.cfg.HighThreshold:
		return Decision{
			Kind:      UpdateExisting,
			TargetID:  best.ProductID,
			BestScore: best.Score,
			MatchType: best.MatchType,
		}
	case best.Score <= m.cfg.LowThreshold:
		return Decision{Kind: NewProduct, BestScore: best.Score}
	default:
		var band []Scored
		for _, s := range scored {
			if s.Score > m.cfg.LowThreshold {
				band = append(band, s)
			}
		}
		return Decision{
			Kind:       Ambiguous,
			BestScore:  best.Score,
			MatchType:  model.MatchFuzzy,
			Candidates: band,
		}
	}
}

// Score computes the weighted similarity between the candidate
// fingerprint and one existing product.
func (m *Matcher) Score(fp fingerprint.Fingerprint, existing *model.CanonicalProduct) float64 {
	exFP := fingerprint.New(existing)

	score := m.cfg.TitleWeight * Jaccard(fp.TokenSet(), exFP.TokenSet())

	if fp.Brand != "" && fp.Brand == exFP.Brand {
		score += m.cfg.BrandWeight
	} else if fp.Brand != "" && exFP.Brand != "" &&
		(strings.Contains(fp.Brand, exFP.Brand) || strings.Contains(exFP.Brand, fp.Brand)) {
		score += m.cfg.BrandWeight / 2
	}

	if fp.Model != "" && fp.Model == exFP.Model {
		score += m.cfg.ModelWeight
	}

	if fp.PriceBucket == exFP.PriceBucket {
		score += m.cfg.BucketWeight
	}

	return score
}

// Jaccard computes token-set similarity: |A∩B| / |A∪B|.
func Jaccard(a, b map[string]bool) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	intersection := 0
	for tok := range a {
		if b[tok] {
			intersection++
		}
	}
	union := len(a) + len(b) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}
