package pipeline

import (
	"encoding/json"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ordersync/backend/internal/domain"
)

var (
	totalTol   = decimal.RequireFromString("0.10")
	paymentTol = decimal.RequireFromString("0.01")
)

func decodeOrder(t *testing.T, raw string) domain.ExternalOrder {
	t.Helper()
	var order domain.ExternalOrder
	require.NoError(t, json.Unmarshal([]byte(raw), &order))
	return order
}

func TestComputeTotalsScenario(t *testing.T) {
	order := decodeOrder(t, `{
		"OrderID": 2001,
		"OrderItems": [{"OdooItemID": 5, "Price": 70.00, "Quantity": 1}],
		"CheckoutDetails": [{"PaymentMode": 1, "CardType": "Cash", "AmountPaid": 80.50}],
		"AmountTotal": 70.00, "Tax": 10.50, "GrandTotal": 80.50
	}`)

	totals, err := ComputeTotals(order, totalTol, paymentTol)
	require.NoError(t, err)
	assert.Equal(t, "70.00", totals.Subtotal.StringFixed(2))
	assert.Equal(t, "10.50", totals.Tax.StringFixed(2))
	assert.Equal(t, "80.50", totals.GrandTotal.StringFixed(2))
	assert.Equal(t, "80.50", totals.PaymentsSum.StringFixed(2))
	assert.True(t, totals.Return.IsZero())
	assert.Equal(t, "10.50", totals.Lines[0].Tax.StringFixed(2))
}

func TestComputeTotalsLineRules(t *testing.T) {
	cases := []struct {
		name     string
		raw      string
		subtotal string
		tax      string
		change   string
	}{
		{
			name: "discount amount",
			raw: `{"OrderID":"a","OrderItems":[{"OdooItemID":1,"Price":50,"Quantity":2,"DiscountAmount":10}],
				"CheckoutDetails":[{"PaymentMode":1,"AmountPaid":90}],"GrandTotal":90}`,
			subtotal: "90.00", tax: "0.00", change: "0.00",
		},
		{
			name: "discount percentage",
			raw: `{"OrderID":"b","OrderItems":[{"OdooItemID":1,"Price":50,"Quantity":2,"DiscountPercentage":25}],
				"CheckoutDetails":[{"PaymentMode":1,"AmountPaid":75}],"GrandTotal":75}`,
			subtotal: "75.00", tax: "0.00", change: "0.00",
		},
		{
			name: "tax percent overrides declared tax",
			raw: `{"OrderID":"c","OrderItems":[{"OdooItemID":1,"Price":100,"Quantity":1}],
				"CheckoutDetails":[{"PaymentMode":1,"AmountPaid":115}],"TaxPercent":15,"Tax":3,"AmountTotal":100}`,
			subtotal: "100.00", tax: "15.00", change: "0.00",
		},
		{
			name: "string amounts with separators",
			raw: `{"OrderID":"d","OrderItems":[{"ItemName":"Platter","Price":"1,250.00","Quantity":"1"}],
				"CheckoutDetails":[{"PaymentMode":1,"AmountPaid":"1,300.00"}],"GrandTotal":"1,250.00"}`,
			subtotal: "1250.00", tax: "0.00", change: "50.00",
		},
		{
			name: "refund keeps discount sign",
			raw: `{"OrderID":"e","OrderStatus":106,"OrderItems":[{"OdooItemID":1,"Price":50,"Quantity":-2,"DiscountAmount":10}],
				"CheckoutDetails":[{"PaymentMode":1,"AmountPaid":-90}],"GrandTotal":-90}`,
			subtotal: "-90.00", tax: "0.00", change: "0.00",
		},
		{
			name: "zero checkout lines are ignored",
			raw: `{"OrderID":"f","OrderItems":[{"OdooItemID":1,"Price":20,"Quantity":1}],
				"CheckoutDetails":[{"PaymentMode":2,"AmountPaid":0},{"PaymentMode":1,"AmountPaid":20}],"AmountPaid":20}`,
			subtotal: "20.00", tax: "0.00", change: "0.00",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			order := decodeOrder(t, tc.raw)
			require.NoError(t, Validate(order))
			totals, err := ComputeTotals(order, totalTol, paymentTol)
			require.NoError(t, err)
			assert.Equal(t, tc.subtotal, totals.Subtotal.StringFixed(2))
			assert.Equal(t, tc.tax, totals.Tax.StringFixed(2))
			assert.Equal(t, tc.change, totals.Return.StringFixed(2))
		})
	}
}

func TestComputeTotalsSpreadsTaxAcrossLines(t *testing.T) {
	order := decodeOrder(t, `{"OrderID":"g","OrderItems":[
		{"OdooItemID":1,"Price":60,"Quantity":1},
		{"OdooItemID":2,"Price":40,"Quantity":1}],
		"CheckoutDetails":[{"PaymentMode":1,"AmountPaid":110}],"Tax":10,"GrandTotal":110}`)

	totals, err := ComputeTotals(order, totalTol, paymentTol)
	require.NoError(t, err)
	assert.Equal(t, "6.00", totals.Lines[0].Tax.StringFixed(2))
	assert.Equal(t, "4.00", totals.Lines[1].Tax.StringFixed(2))
}

func TestComputeTotalsInconsistencies(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want string
	}{
		{
			name: "grand total outside tolerance",
			raw: `{"OrderID":"h","OrderItems":[{"OdooItemID":1,"Price":70,"Quantity":1}],
				"CheckoutDetails":[{"PaymentMode":1,"AmountPaid":80.50}],"Tax":10.50,"GrandTotal":90}`,
			want: "calculated total 80.50 does not match declared total 90.00",
		},
		{
			name: "payments do not add up",
			raw: `{"OrderID":"i","OrderItems":[{"OdooItemID":1,"Price":70,"Quantity":1}],
				"CheckoutDetails":[{"PaymentMode":1,"AmountPaid":70}],"AmountPaid":75,"GrandTotal":70}`,
			want: "sum of payments 70.00 does not match declared amount paid 75.00",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ComputeTotals(decodeOrder(t, tc.raw), totalTol, paymentTol)
			require.Error(t, err)
			assert.Equal(t, domain.KindDataInconsistency, domain.KindOf(err))
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestComputeTotalsAcceptsRoundingWithinTolerance(t *testing.T) {
	order := decodeOrder(t, `{"OrderID":"j","OrderItems":[{"OdooItemID":1,"Price":33.333,"Quantity":3}],
		"CheckoutDetails":[{"PaymentMode":1,"AmountPaid":100}],"GrandTotal":100}`)

	_, err := ComputeTotals(order, totalTol, paymentTol)
	require.NoError(t, err)
}

func TestValidateRejectsMalformedOrders(t *testing.T) {
	cases := map[string]string{
		"missing id":         `{"OrderItems":[{"OdooItemID":1,"Price":1,"Quantity":1}],"CheckoutDetails":[{"PaymentMode":1,"AmountPaid":1}]}`,
		"no items":           `{"OrderID":1,"OrderItems":[],"CheckoutDetails":[{"PaymentMode":1,"AmountPaid":1}]}`,
		"no product ref":     `{"OrderID":1,"OrderItems":[{"Price":1,"Quantity":1}],"CheckoutDetails":[{"PaymentMode":1,"AmountPaid":1}]}`,
		"no price":           `{"OrderID":1,"OrderItems":[{"OdooItemID":1,"Quantity":1}],"CheckoutDetails":[{"PaymentMode":1,"AmountPaid":1}]}`,
		"zero quantity":      `{"OrderID":1,"OrderItems":[{"OdooItemID":1,"Price":1,"Quantity":0}],"CheckoutDetails":[{"PaymentMode":1,"AmountPaid":1}]}`,
		"discount over 100":  `{"OrderID":1,"OrderItems":[{"OdooItemID":1,"Price":1,"Quantity":1,"DiscountPercentage":120}],"CheckoutDetails":[{"PaymentMode":1,"AmountPaid":1}]}`,
		"only zero payments": `{"OrderID":1,"OrderItems":[{"OdooItemID":1,"Price":1,"Quantity":1}],"CheckoutDetails":[{"PaymentMode":1,"AmountPaid":0}]}`,
		"bad date":           `{"OrderID":1,"OrderDate":"yesterday","OrderItems":[{"OdooItemID":1,"Price":1,"Quantity":1}],"CheckoutDetails":[{"PaymentMode":1,"AmountPaid":1}]}`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			err := Validate(decodeOrder(t, raw))
			require.Error(t, err)
			assert.Equal(t, domain.KindValidation, domain.KindOf(err))
		})
	}
}
