package resolve

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ordersync/backend/internal/domain"
)

func newDirectory() *stubDirectory {
	return &stubDirectory{partners: []domain.Partner{
		{ID: 10, Name: "Order Customer", Ref: "C-10", Active: true},
		{ID: 20, Name: "Batch Customer", Ref: "C-20", Active: true},
		{ID: 30, Name: "Walk-in Customer", Active: true},
		{ID: 40, Name: "Archived", Ref: "C-40", Active: false},
	}}
}

func TestPartnerResolverChain(t *testing.T) {
	cases := []struct {
		name       string
		refs       PartnerRefs
		defaultID  int64
		wantID     int64
		wantSource PartnerSource
	}{
		{"order id wins", PartnerRefs{OrderID: 10, BatchID: 20, OrderRef: "C-20"}, 30, 10, PartnerFromOrderID},
		{"batch id when order id missing", PartnerRefs{BatchID: 20, OrderRef: "C-10"}, 30, 20, PartnerFromBatchID},
		{"unknown order id falls through", PartnerRefs{OrderID: 99, OrderRef: "C-10"}, 0, 10, PartnerFromOrderRef},
		{"batch ref", PartnerRefs{BatchRef: "C-20"}, 30, 20, PartnerFromBatchRef},
		{"archived partner falls through to default", PartnerRefs{OrderRef: "C-40"}, 30, 30, PartnerFromDefault},
		{"default partner", PartnerRefs{}, 30, 30, PartnerFromDefault},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := NewPartnerResolver(newDirectory(), tc.defaultID)
			res, err := r.Resolve(context.Background(), tc.refs)
			require.NoError(t, err)
			require.NotNil(t, res.Partner)
			assert.Equal(t, tc.wantID, res.Partner.ID)
			assert.Equal(t, tc.wantSource, res.Source)
		})
	}
}

func TestPartnerResolverNoneIsNotAnError(t *testing.T) {
	r := NewPartnerResolver(newDirectory(), 404)

	res, err := r.Resolve(context.Background(), PartnerRefs{OrderID: 1, OrderRef: "missing"})
	require.NoError(t, err)
	assert.Nil(t, res.Partner)
	assert.Equal(t, PartnerNone, res.Source)
}

func TestPartnerResolverPropagatesLookupFailures(t *testing.T) {
	dir := newDirectory()
	dir.err = errors.New("directory offline")
	r := NewPartnerResolver(dir, 0)

	_, err := r.Resolve(context.Background(), PartnerRefs{OrderID: 10})
	require.Error(t, err)
}
