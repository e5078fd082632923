package billing

import "github.com/shopspring/decimal"

// Round rounds an amount to centavos, half away from zero.
func Round(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}

// DefaultVATRate is the VAT rate applied when none is configured.
var DefaultVATRate = decimal.RequireFromString("0.12")

// VAT returns the value-added tax on subtotal. Zero and credit subtotals bear no VAT.
func VAT(subtotal, rate decimal.Decimal) decimal.Decimal {
	if !subtotal.IsPositive() {
		return decimal.Zero
	}
	return Round(subtotal.Mul(rate))
}

func sum(amounts ...decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for _, a := range amounts {
		total = total.Add(a)
	}
	return total
}
