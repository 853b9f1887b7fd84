package resolve

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"ordersync/backend/internal/domain"
	"ordersync/backend/internal/store"
)

// PartnerRefs are the partner hints available for one order. Order-level
// values win over batch-level ones; the two are not cross-checked.
type PartnerRefs struct {
	OrderID  int64
	OrderRef string
	BatchID  int64
	BatchRef string
}

type PartnerSource string

const (
	PartnerFromOrderID  PartnerSource = "order_id"
	PartnerFromBatchID  PartnerSource = "batch_id"
	PartnerFromOrderRef PartnerSource = "order_ref"
	PartnerFromBatchRef PartnerSource = "batch_ref"
	PartnerFromDefault  PartnerSource = "default"
	PartnerNone         PartnerSource = "none"
)

type PartnerResolution struct {
	Partner *domain.Partner
	Source  PartnerSource
}

type PartnerResolver struct {
	directory store.Directory
	defaultID int64
}

func NewPartnerResolver(directory store.Directory, defaultPartnerID int64) *PartnerResolver {
	return &PartnerResolver{directory: directory, defaultID: defaultPartnerID}
}

// Resolve walks the strategy chain. A hint that does not resolve to an active
// partner is logged and skipped; finding nothing is not an error.
func (r *PartnerResolver) Resolve(ctx context.Context, refs PartnerRefs) (PartnerResolution, error) {
	steps := []struct {
		source   PartnerSource
		criteria store.PartnerCriteria
	}{
		{PartnerFromOrderID, store.PartnerCriteria{ID: refs.OrderID}},
		{PartnerFromBatchID, store.PartnerCriteria{ID: refs.BatchID}},
		{PartnerFromOrderRef, store.PartnerCriteria{Ref: strings.TrimSpace(refs.OrderRef)}},
		{PartnerFromBatchRef, store.PartnerCriteria{Ref: strings.TrimSpace(refs.BatchRef)}},
		{PartnerFromDefault, store.PartnerCriteria{ID: r.defaultID}},
	}

	for _, step := range steps {
		if step.criteria.ID <= 0 && step.criteria.Ref == "" {
			continue
		}
		partner, err := r.directory.FindPartner(ctx, step.criteria)
		if errors.Is(err, store.ErrNotFound) {
			log.Printf("[resolve] WARN: partner %s %s not found, trying next strategy", step.source, describePartner(step.criteria))
			continue
		}
		if err != nil {
			return PartnerResolution{}, err
		}
		if !partner.Active {
			log.Printf("[resolve] WARN: partner %d from %s is archived, trying next strategy", partner.ID, step.source)
			continue
		}
		return PartnerResolution{Partner: partner, Source: step.source}, nil
	}

	return PartnerResolution{Source: PartnerNone}, nil
}

func describePartner(criteria store.PartnerCriteria) string {
	if criteria.ID > 0 {
		return fmt.Sprintf("id=%d", criteria.ID)
	}
	return fmt.Sprintf("ref=%q", criteria.Ref)
}
