package domain

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Amount is a money value as it appears on the wire. POS devices send amounts
// either as JSON numbers or as strings that may carry thousands separators
// ("1,250.00"), so decoding accepts both. Encoding always uses two decimals.
type Amount struct {
	decimal.Decimal
}

func NewAmount(d decimal.Decimal) Amount {
	return Amount{Decimal: d}
}

func AmountOf(value string) Amount {
	return Amount{Decimal: decimal.RequireFromString(value)}
}

func (a *Amount) UnmarshalJSON(data []byte) error {
	raw := bytes.TrimSpace(data)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		a.Decimal = decimal.Zero
		return nil
	}

	text := string(raw)
	if raw[0] == '"' {
		text = strings.Trim(text, `"`)
	}
	text = strings.ReplaceAll(strings.TrimSpace(text), ",", "")
	if text == "" {
		a.Decimal = decimal.Zero
		return nil
	}

	parsed, err := decimal.NewFromString(text)
	if err != nil {
		return fmt.Errorf("invalid amount %s", string(raw))
	}
	a.Decimal = parsed
	return nil
}

func (a Amount) MarshalJSON() ([]byte, error) {
	return []byte(a.StringFixed(2)), nil
}

// Round2 rounds to the currency precision used for every stored amount.
func Round2(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}

// WithinTolerance reports whether |a-b| <= tolerance.
func WithinTolerance(a, b, tolerance decimal.Decimal) bool {
	return a.Sub(b).Abs().LessThanOrEqual(tolerance)
}
