package resolve

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log"
	"slices"
	"strings"

	"ordersync/backend/internal/domain"
	"ordersync/backend/internal/store"
	"ordersync/backend/internal/textmatch"
)

type ProductMatch string

const (
	ProductByID          ProductMatch = "id"
	ProductByLegacyID    ProductMatch = "legacy_id"
	ProductByExactName   ProductMatch = "exact_name"
	ProductByFoldedName  ProductMatch = "folded_name"
	ProductByPartialName ProductMatch = "partial_name"
	ProductByFuzzyName   ProductMatch = "fuzzy_name"
)

// ProductChecks toggles the post-resolution predicates.
type ProductChecks struct {
	Active         bool
	Sellable       bool
	AvailableInPOS bool
	SameCompany    bool
}

func AllProductChecks() ProductChecks {
	return ProductChecks{Active: true, Sellable: true, AvailableInPOS: true, SameCompany: true}
}

type ProductResolution struct {
	Product domain.Product
	Match   ProductMatch
	Score   float64
	Warning string
}

const (
	defaultCandidateLimit = 200
	minTokenLength        = 3
)

type ProductResolver struct {
	catalog        store.Catalog
	checks         ProductChecks
	threshold      float64
	candidateLimit int
}

func NewProductResolver(catalog store.Catalog, checks ProductChecks, fuzzyThreshold float64) *ProductResolver {
	if fuzzyThreshold <= 0 || fuzzyThreshold > 1 {
		fuzzyThreshold = 0.85
	}
	return &ProductResolver{
		catalog:        catalog,
		checks:         checks,
		threshold:      fuzzyThreshold,
		candidateLimit: defaultCandidateLimit,
	}
}

// Resolve finds the product a line refers to. Name-based matches succeed with a
// warning because they signal that the device is not sending product ids.
func (r *ProductResolver) Resolve(ctx context.Context, line domain.OrderLine) (ProductResolution, error) {
	if line.ProductID > 0 {
		product, err := r.catalog.FindProduct(ctx, store.ProductCriteria{ID: line.ProductID})
		switch {
		case err == nil:
			return ProductResolution{Product: *product, Match: ProductByID, Score: 1}, nil
		case !errors.Is(err, store.ErrNotFound):
			return ProductResolution{}, err
		}
		log.Printf("[resolve] WARN: OdooItemID %d not found, trying next strategy", line.ProductID)
	}

	if line.LegacyID > 0 {
		product, err := r.catalog.FindProduct(ctx, store.ProductCriteria{ID: line.LegacyID})
		switch {
		case err == nil:
			return ProductResolution{Product: *product, Match: ProductByLegacyID, Score: 1}, nil
		case !errors.Is(err, store.ErrNotFound):
			return ProductResolution{}, err
		}
		log.Printf("[resolve] WARN: ItemID %d not found, trying next strategy", line.LegacyID)
	}

	name := strings.TrimSpace(line.Name)
	if name != "" {
		resolution, ok, err := r.resolveByName(ctx, name)
		if err != nil {
			return ProductResolution{}, err
		}
		if ok {
			log.Printf("[resolve] WARN: %s", resolution.Warning)
			return resolution, nil
		}
	}

	return ProductResolution{}, domain.Errorf(domain.KindProductNotFound,
		"product not found (OdooItemID=%d, ItemID=%d, ItemName=%q)", line.ProductID, line.LegacyID, name)
}

func (r *ProductResolver) resolveByName(ctx context.Context, name string) (ProductResolution, bool, error) {
	product, err := r.catalog.FindProduct(ctx, store.ProductCriteria{Name: name, Match: store.NameExact})
	if err == nil {
		return ProductResolution{
			Product: *product,
			Match:   ProductByExactName,
			Score:   1,
			Warning: fmt.Sprintf("product %q matched by exact name to id %d", name, product.ID),
		}, true, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return ProductResolution{}, false, err
	}

	folded, err := r.catalog.SearchProducts(ctx, store.ProductCriteria{Name: name, Match: store.NameFold, Limit: 1})
	if err != nil {
		return ProductResolution{}, false, err
	}
	if len(folded) > 0 {
		return ProductResolution{
			Product: folded[0],
			Match:   ProductByFoldedName,
			Score:   1,
			Warning: fmt.Sprintf("product %q matched only case-insensitively to %q (id %d); send OdooItemID to avoid guessing", name, folded[0].Name, folded[0].ID),
		}, true, nil
	}

	partial, err := r.catalog.SearchProducts(ctx, store.ProductCriteria{Name: name, Match: store.NameContains, Limit: 1})
	if err != nil {
		return ProductResolution{}, false, err
	}
	if len(partial) > 0 {
		return ProductResolution{
			Product: partial[0],
			Match:   ProductByPartialName,
			Score:   textmatch.Similarity(name, partial[0].Name),
			Warning: fmt.Sprintf("product %q partially matched to %q (id %d); send OdooItemID to avoid guessing", name, partial[0].Name, partial[0].ID),
		}, true, nil
	}

	candidates, err := r.candidates(ctx, name)
	if err != nil {
		return ProductResolution{}, false, err
	}

	var best *domain.Product
	bestScore := 0.0
	for i := range candidates {
		score := textmatch.Similarity(name, candidates[i].Name)
		// Candidates arrive ordered by id, so a strict comparison keeps the
		// lowest id among equal scores.
		if score > bestScore {
			best = &candidates[i]
			bestScore = score
		}
	}
	if best == nil || bestScore < r.threshold {
		return ProductResolution{}, false, nil
	}
	return ProductResolution{
		Product: *best,
		Match:   ProductByFuzzyName,
		Score:   bestScore,
		Warning: fmt.Sprintf("product %q fuzzy matched to %q (id %d, score %.2f); send OdooItemID to avoid guessing", name, best.Name, best.ID, bestScore),
	}, true, nil
}

// Check applies the enabled predicates against the session's company.
func (r *ProductResolver) Check(product domain.Product, companyID int64) error {
	label := fmt.Sprintf("product %d (%s)", product.ID, product.Name)
	if r.checks.Active && !product.Active {
		return domain.Errorf(domain.KindProductRejected, "%s is archived [active]", label)
	}
	if r.checks.Sellable && !product.SaleOK {
		return domain.Errorf(domain.KindProductRejected, "%s cannot be sold [sellable]", label)
	}
	if r.checks.AvailableInPOS && !product.AvailableInPOS {
		return domain.Errorf(domain.KindProductRejected, "%s is not available in point of sale [available_in_pos]", label)
	}
	if r.checks.SameCompany && product.CompanyID != 0 && companyID != 0 && product.CompanyID != companyID {
		return domain.Errorf(domain.KindProductRejected, "%s belongs to company %d, session company is %d [same_company]", label, product.CompanyID, companyID)
	}
	return nil
}

// candidates collects products sharing at least one word with name, ordered
// by id, so a typo in any single word still leaves the others to find it.
func (r *ProductResolver) candidates(ctx context.Context, name string) ([]domain.Product, error) {
	seen := make(map[int64]bool)
	out := make([]domain.Product, 0, 8)
	tokens := strings.Fields(textmatch.Fold(name))
	long := slices.DeleteFunc(slices.Clone(tokens), func(token string) bool { return len([]rune(token)) < minTokenLength })
	if len(long) > 0 {
		tokens = long
	}
	for _, token := range tokens {
		found, err := r.catalog.SearchProducts(ctx, store.ProductCriteria{Name: token, Match: store.NameContains, Limit: r.candidateLimit})
		if err != nil {
			return nil, err
		}
		for _, product := range found {
			if !seen[product.ID] {
				seen[product.ID] = true
				out = append(out, product)
			}
		}
	}
	slices.SortFunc(out, func(a, b domain.Product) int { return cmp.Compare(a.ID, b.ID) })
	return out, nil
}
