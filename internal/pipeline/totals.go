package pipeline

import (
	"strings"

	"github.com/shopspring/decimal"

	"ordersync/backend/internal/domain"
)

var hundred = decimal.NewFromInt(100)

// LineTotals is the computed money side of one order line.
type LineTotals struct {
	Qty         decimal.Decimal
	PriceUnit   decimal.Decimal
	DiscountPct decimal.Decimal
	Subtotal    decimal.Decimal
	Tax         decimal.Decimal
}

// Totals is the computed money side of one order plus the declared values it
// was checked against.
type Totals struct {
	Lines         []LineTotals
	Subtotal      decimal.Decimal
	Tax           decimal.Decimal
	GrandTotal    decimal.Decimal
	DeclaredGrand decimal.Decimal
	PaymentsSum   decimal.Decimal
	DeclaredPaid  decimal.Decimal
	Return        decimal.Decimal
}

// Validate checks the shape of an order before anything is looked up.
func Validate(order domain.ExternalOrder) error {
	if strings.TrimSpace(string(order.OrderID)) == "" {
		return domain.Errorf(domain.KindValidation, "OrderID is required")
	}
	if len(order.OrderItems) == 0 {
		return domain.Errorf(domain.KindValidation, "order %s has no OrderItems", order.OrderID)
	}
	for i, line := range order.OrderItems {
		if line.ProductID <= 0 && line.LegacyID <= 0 && strings.TrimSpace(line.Name) == "" {
			return domain.Errorf(domain.KindValidation, "OrderItems[%d] needs OdooItemID, ItemID or ItemName", i)
		}
		if _, ok := line.UnitPrice(); !ok {
			return domain.Errorf(domain.KindValidation, "OrderItems[%d] has no Price", i)
		}
		if line.Quantity.IsZero() {
			return domain.Errorf(domain.KindValidation, "OrderItems[%d] has zero Quantity", i)
		}
		pct := line.DiscountPercentage.Decimal
		if pct.IsNegative() || pct.GreaterThan(hundred) {
			return domain.Errorf(domain.KindValidation, "OrderItems[%d] DiscountPercentage %s is outside 0..100", i, pct.String())
		}
	}
	if len(paymentLines(order)) == 0 {
		return domain.Errorf(domain.KindValidation, "order %s has no CheckoutDetails with a non-zero amount", order.OrderID)
	}
	if strings.TrimSpace(order.OrderDate) != "" {
		if _, err := domain.ParseOrderDate(order.OrderDate); err != nil {
			return domain.Errorf(domain.KindValidation, "OrderDate: %v", err)
		}
	}
	return nil
}

// ComputeTotals derives line subtotals, tax and payment sums and enforces the
// two consistency rules: computed grand total against the declared one, and
// the payment sum against the declared amount paid.
func ComputeTotals(order domain.ExternalOrder, totalTolerance decimal.Decimal, paymentTolerance decimal.Decimal) (Totals, error) {
	totals := Totals{Lines: make([]LineTotals, 0, len(order.OrderItems))}

	for _, line := range order.OrderItems {
		price, _ := line.UnitPrice()
		qty := line.Quantity.Decimal
		gross := price.Mul(qty)

		var subtotal, pct decimal.Decimal
		if !line.DiscountAmount.IsZero() {
			// A discount always reduces the magnitude, including on refund lines.
			discount := line.DiscountAmount.Abs()
			if gross.IsNegative() {
				discount = discount.Neg()
			}
			subtotal = gross.Sub(discount)
			if !gross.IsZero() {
				pct = discount.Div(gross).Mul(hundred).Round(4)
			}
		} else {
			pct = line.DiscountPercentage.Decimal
			subtotal = gross.Mul(hundred.Sub(pct)).Div(hundred)
		}
		subtotal = domain.Round2(subtotal)

		totals.Lines = append(totals.Lines, LineTotals{
			Qty:         qty,
			PriceUnit:   price.Decimal,
			DiscountPct: pct,
			Subtotal:    subtotal,
		})
		totals.Subtotal = totals.Subtotal.Add(subtotal)
	}

	if order.TaxPercent.IsPositive() {
		totals.Tax = domain.Round2(totals.Subtotal.Mul(order.TaxPercent.Decimal).Div(hundred))
	} else {
		totals.Tax = domain.Round2(order.Tax.Decimal)
	}
	totals.GrandTotal = totals.Subtotal.Add(totals.Tax)
	spreadTax(&totals)

	switch {
	case order.GrandTotal != nil:
		totals.DeclaredGrand = order.GrandTotal.Decimal
	case order.AmountTotal != nil:
		totals.DeclaredGrand = order.AmountTotal.Add(totals.Tax)
	default:
		totals.DeclaredGrand = totals.GrandTotal
	}
	if !domain.WithinTolerance(totals.GrandTotal, totals.DeclaredGrand, totalTolerance) {
		return totals, domain.Errorf(domain.KindDataInconsistency,
			"calculated total %s does not match declared total %s", totals.GrandTotal.StringFixed(2), totals.DeclaredGrand.StringFixed(2))
	}

	for _, line := range paymentLines(order) {
		totals.PaymentsSum = totals.PaymentsSum.Add(line.AmountPaid.Decimal)
	}
	totals.DeclaredPaid = totals.PaymentsSum
	if order.AmountPaid != nil {
		totals.DeclaredPaid = order.AmountPaid.Decimal
	}
	if !domain.WithinTolerance(totals.PaymentsSum, totals.DeclaredPaid, paymentTolerance) {
		return totals, domain.Errorf(domain.KindDataInconsistency,
			"sum of payments %s does not match declared amount paid %s", totals.PaymentsSum.StringFixed(2), totals.DeclaredPaid.StringFixed(2))
	}

	if change := totals.PaymentsSum.Sub(totals.GrandTotal); change.IsPositive() {
		totals.Return = domain.Round2(change)
	}
	return totals, nil
}

// spreadTax assigns the order tax to lines in proportion to their subtotal.
// Rounding leftovers land on the last line so the line taxes add up.
func spreadTax(totals *Totals) {
	if totals.Subtotal.IsZero() || len(totals.Lines) == 0 {
		return
	}
	assigned := decimal.Zero
	last := len(totals.Lines) - 1
	for i := range totals.Lines {
		if i == last {
			totals.Lines[i].Tax = totals.Tax.Sub(assigned)
			break
		}
		share := domain.Round2(totals.Tax.Mul(totals.Lines[i].Subtotal).Div(totals.Subtotal))
		totals.Lines[i].Tax = share
		assigned = assigned.Add(share)
	}
}

func paymentLines(order domain.ExternalOrder) []domain.CheckoutLine {
	lines := make([]domain.CheckoutLine, 0, len(order.CheckoutDetails))
	for _, line := range order.CheckoutDetails {
		if line.AmountPaid.IsZero() {
			continue
		}
		lines = append(lines, line)
	}
	return lines
}
