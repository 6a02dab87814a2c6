package match

import (
	"github.com/unifiedcart/aggregator/pkg/model"
)

// Merge folds an incoming normalized candidate into an existing
// canonical product. Most-recently-scraped wins for price, availability,
// rating and review count; specifications, images and variations are
// unioned so data contributed by another platform is never dropped.
func Merge(existing *model.CanonicalProduct, incoming *model.CanonicalProduct) *model.CanonicalProduct {
	merged := *existing

	newer := incoming.ScrapedAt.After(existing.ScrapedAt) || existing.ScrapedAt.IsZero()
	if newer {
		merged.CurrentPrice = incoming.CurrentPrice
		merged.Currency = incoming.Currency
		merged.Availability = incoming.Availability
		merged.LastPlatform = incoming.LastPlatform
		merged.ScrapedAt = incoming.ScrapedAt
		if incoming.Rating > 0 {
			merged.Rating = incoming.Rating
		}
		if incoming.ReviewCount > 0 {
			merged.ReviewCount = incoming.ReviewCount
		}
		if !incoming.OriginalPrice.IsZero() {
			merged.OriginalPrice = incoming.OriginalPrice
			merged.DiscountPct = incoming.DiscountPct
		}
	}

	// Backfill, never overwrite, identity-ish attributes.
	if merged.Brand == "" {
		merged.Brand = incoming.Brand
	}
	if merged.Model == "" {
		merged.Model = incoming.Model
	}
	if merged.Description == "" {
		merged.Description = incoming.Description
	}
	if merged.GTIN == "" {
		merged.GTIN = incoming.GTIN
	}
	if merged.Category == "" {
		merged.Category = incoming.Category
	}
	if merged.Subcategory == "" {
		merged.Subcategory = incoming.Subcategory
	}
	if len(incoming.Title) > len(merged.Title) {
		// richer titles help future matching
		merged.Title = incoming.Title
	}

	merged.Specifications = unionSpecs(existing.Specifications, incoming.Specifications)
	merged.Images = unionStrings(existing.Images, incoming.Images)
	merged.Variations = unionVariations(existing.Variations, incoming.Variations)

	merged.Curated = existing.Curated || incoming.Curated
	merged.Active = true

	return &merged
}

// MergeDuplicates collapses an approved duplicate pairing: the candidate
// product's data is folded into the primary, which survives. The caller
// re-points the candidate's source links at the primary.
func MergeDuplicates(primary, duplicate *model.CanonicalProduct) *model.CanonicalProduct {
	merged := Merge(primary, duplicate)
	// Keep the primary's identity fields regardless of scrape recency.
	merged.ID = primary.ID
	if primary.Title != "" {
		merged.Title = primary.Title
	}
	return merged
}

func unionSpecs(a, b []model.Specification) []model.Specification {
	type key struct{ name, value string }
	seen := map[key]bool{}
	out := make([]model.Specification, 0, len(a)+len(b))
	for _, list := range [][]model.Specification{a, b} {
		for _, s := range list {
			k := key{s.Name, s.Value}
			if seen[k] {
				continue
			}
			seen[k] = true
			out = append(out, s)
		}
	}
	return out
}

func unionStrings(a, b []string) []string {
	seen := map[string]bool{}
	out := make([]string, 0, len(a)+len(b))
	for _, list := range [][]string{a, b} {
		for _, s := range list {
			if s == "" || seen[s] {
				continue
			}
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

func unionVariations(a, b []model.Variation) []model.Variation {
	type key struct{ typ, value string }
	seen := map[key]bool{}
	out := make([]model.Variation, 0, len(a)+len(b))
	for _, list := range [][]model.Variation{a, b} {
		for _, v := range list {
			k := key{v.Type, v.Value}
			if seen[k] {
				continue
			}
			seen[k] = true
			out = append(out, v)
		}
	}
	return out
}
