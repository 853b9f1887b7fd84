package resolve

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ordersync/backend/internal/domain"
)

var sessionMethods = []domain.PaymentMethod{
	{ID: 1, Name: "Cash", JournalName: "Cash", IsCashCount: true},
	{ID: 2, Name: "Visa", JournalName: "Visa Card"},
	{ID: 3, Name: "Mada", JournalName: "Mada Card"},
	{ID: 4, Name: "Tabby", JournalName: "Tabby BNPL"},
}

func defaultKeywords() map[int]string {
	return map[int]string{1: "cash", 2: "card", 3: "credit", 5: "tabby", 6: "tamara", 7: "stcpay", 8: "bank transfer"}
}

func TestPaymentResolverLabelMatchBeatsKeyword(t *testing.T) {
	r := NewPaymentResolver(defaultKeywords(), 0)
	methods := []domain.PaymentMethod{
		{ID: 1, Name: "Cash", JournalName: "Cash", IsCashCount: true},
		{ID: 2, Name: "Visa", JournalName: "Visa Card"},
	}

	method, match, err := r.Resolve(methods, domain.CheckoutLine{PaymentMode: 2, CardType: "Visa"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), method.ID)
	assert.Equal(t, PaymentByLabel, match)
}

func TestPaymentResolverSteps(t *testing.T) {
	cases := []struct {
		name      string
		fallback  int64
		methods   []domain.PaymentMethod
		line      domain.CheckoutLine
		wantID    int64
		wantMatch PaymentMatch
	}{
		{"keyword picks first card journal in session order", 0, sessionMethods, domain.CheckoutLine{PaymentMode: 2, CardType: "Amex"}, 2, PaymentByKeyword},
		{"keyword for tabby", 0, sessionMethods, domain.CheckoutLine{PaymentMode: 5}, 4, PaymentByKeyword},
		{"fallback attached to session", 3, sessionMethods, domain.CheckoutLine{PaymentMode: 7, CardType: "STC"}, 3, PaymentByFallback},
		{"cash flag for mode 1", 0, []domain.PaymentMethod{{ID: 8, Name: "Drawer", JournalName: "Till", IsCashCount: true}}, domain.CheckoutLine{PaymentMode: 1}, 8, PaymentByCashFlag},
		{"label is case-insensitive", 0, sessionMethods, domain.CheckoutLine{PaymentMode: 99, CardType: "mada"}, 3, PaymentByLabel},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := NewPaymentResolver(defaultKeywords(), tc.fallback)
			method, match, err := r.Resolve(tc.methods, tc.line)
			require.NoError(t, err)
			assert.Equal(t, tc.wantID, method.ID)
			assert.Equal(t, tc.wantMatch, match)
		})
	}
}

func TestPaymentResolverFallbackMustBeAttached(t *testing.T) {
	r := NewPaymentResolver(defaultKeywords(), 77)

	_, _, err := r.Resolve(sessionMethods, domain.CheckoutLine{PaymentMode: 7, CardType: "STC"})
	require.Error(t, err)
	assert.Equal(t, domain.KindPaymentMethodNotFound, domain.KindOf(err))
}

func TestPaymentResolverCashFlagOnlyForCashMode(t *testing.T) {
	r := NewPaymentResolver(map[int]string{}, 0)
	methods := []domain.PaymentMethod{{ID: 8, Name: "Drawer", JournalName: "Till", IsCashCount: true}}

	_, _, err := r.Resolve(methods, domain.CheckoutLine{PaymentMode: 2})
	require.Error(t, err)
	assert.Equal(t, domain.KindPaymentMethodNotFound, domain.KindOf(err))
}
