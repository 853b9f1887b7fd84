package resolve

import (
	"context"
	"sort"
	"strings"

	"ordersync/backend/internal/domain"
	"ordersync/backend/internal/store"
	"ordersync/backend/internal/textmatch"
)

type stubCatalog struct {
	products []domain.Product
	calls    []store.ProductCriteria
}

func (c *stubCatalog) FindProduct(_ context.Context, criteria store.ProductCriteria) (*domain.Product, error) {
	c.calls = append(c.calls, criteria)
	for _, p := range c.sorted() {
		if criteria.ID > 0 && p.ID == criteria.ID {
			return &p, nil
		}
		if criteria.ID == 0 && criteria.Name != "" && p.Name == criteria.Name {
			return &p, nil
		}
	}
	return nil, store.ErrNotFound
}

func (c *stubCatalog) SearchProducts(_ context.Context, criteria store.ProductCriteria) ([]domain.Product, error) {
	c.calls = append(c.calls, criteria)
	needle := textmatch.Fold(criteria.Name)
	out := make([]domain.Product, 0)
	for _, p := range c.sorted() {
		name := textmatch.Fold(p.Name)
		if (criteria.Match == store.NameFold && name == needle) ||
			(criteria.Match == store.NameContains && strings.Contains(name, needle)) {
			out = append(out, p)
		}
		if criteria.Limit > 0 && len(out) == criteria.Limit {
			break
		}
	}
	return out, nil
}

func (c *stubCatalog) sorted() []domain.Product {
	out := append([]domain.Product(nil), c.products...)
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

type stubDirectory struct {
	partners []domain.Partner
	err      error
}

func (d *stubDirectory) FindPartner(_ context.Context, criteria store.PartnerCriteria) (*domain.Partner, error) {
	if d.err != nil {
		return nil, d.err
	}
	for _, p := range d.partners {
		if (criteria.ID > 0 && p.ID == criteria.ID) || (criteria.Ref != "" && p.Ref == criteria.Ref) {
			return &p, nil
		}
	}
	return nil, store.ErrNotFound
}

func sellable(id int64, name string) domain.Product {
	return domain.Product{ID: id, Name: name, Active: true, SaleOK: true, AvailableInPOS: true, CompanyID: 1}
}
