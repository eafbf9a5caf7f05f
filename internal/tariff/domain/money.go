package tariff

import "github.com/cockroachdb/apd/v3"

var moneyCtx = apd.BaseContext.WithPrecision(34)

// Amount is a decimal money value. Costing accumulates in decimals so block
// and TOU sums do not drift with float rounding.
type Amount struct {
	value apd.Decimal
}

// AmountFromFloat converts a float quantity or rate.
func AmountFromFloat(f float64) Amount {
	var d apd.Decimal
	_, _ = d.SetFloat64(f)
	return Amount{value: d}
}

// Add returns a + other.
func (a Amount) Add(other Amount) Amount {
	var result apd.Decimal
	_, _ = moneyCtx.Add(&result, &a.value, &other.value)
	return Amount{value: result}
}

// Mul returns a × other.
func (a Amount) Mul(other Amount) Amount {
	var result apd.Decimal
	_, _ = moneyCtx.Mul(&result, &a.value, &other.value)
	return Amount{value: result}
}

// Div returns a ÷ other; zero divisor yields zero.
func (a Amount) Div(other Amount) Amount {
	if other.value.IsZero() {
		return Amount{}
	}
	var result apd.Decimal
	_, _ = moneyCtx.Quo(&result, &a.value, &other.value)
	return Amount{value: result}
}

// IsZero reports whether the amount is zero.
func (a Amount) IsZero() bool { return a.value.IsZero() }

// Float64 converts back for presentation and persistence.
func (a Amount) Float64() float64 {
	f, _ := a.value.Float64()
	return f
}

// String renders the decimal value.
func (a Amount) String() string { return a.value.String() }
