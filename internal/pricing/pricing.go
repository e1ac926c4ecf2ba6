// Package pricing computes the checkout price breakdown from
// authoritative line items. It is pure: the same lines and region always
// produce the same breakdown, so the pre-payment quote and the order
// persistence path can share one code path.
package pricing

import (
	"strings"

	"github.com/shopspring/decimal"

	"github.com/knovo/storefront/internal/config"
)

// Line is one priced cart line. UnitPrice must come from the product
// record, never from client input.
type Line struct {
	ProductID int64
	Quantity  int
	UnitPrice decimal.Decimal
}

type Breakdown struct {
	Subtotal    decimal.Decimal `json:"subtotal"`
	ShippingFee decimal.Decimal `json:"shipping_fee"`
	TaxAmount   decimal.Decimal `json:"tax_amount"`
	Total       decimal.Decimal `json:"total"`
}

// provinceRates holds the combined GST/PST/HST rate per Canadian
// province or territory.
var provinceRates = map[string]decimal.Decimal{
	"AB": decimal.RequireFromString("0.05"),
	"BC": decimal.RequireFromString("0.12"),
	"MB": decimal.RequireFromString("0.12"),
	"NB": decimal.RequireFromString("0.15"),
	"NL": decimal.RequireFromString("0.15"),
	"NS": decimal.RequireFromString("0.15"),
	"NT": decimal.RequireFromString("0.05"),
	"NU": decimal.RequireFromString("0.05"),
	"ON": decimal.RequireFromString("0.13"),
	"PE": decimal.RequireFromString("0.15"),
	"QC": decimal.RequireFromString("0.14975"),
	"SK": decimal.RequireFromString("0.11"),
	"YT": decimal.RequireFromString("0.05"),
}

type Engine struct {
	freeThreshold decimal.Decimal
	flatRate      decimal.Decimal
	defaultRate   decimal.Decimal
}

func NewEngine(shipping config.ShippingConfig, tax config.TaxConfig) *Engine {
	return &Engine{
		freeThreshold: shipping.FreeThreshold,
		flatRate:      shipping.FlatRate,
		defaultRate:   tax.DefaultRate,
	}
}

// RateFor returns the tax rate for a region code, case-insensitive.
// Unknown regions fall back to the default rate instead of failing:
// rejecting a checkout over an unrecognized region code would block the
// sale, so the baseline rate applies.
func (e *Engine) RateFor(region string) decimal.Decimal {
	if rate, ok := provinceRates[strings.ToUpper(strings.TrimSpace(region))]; ok {
		return rate
	}
	return e.defaultRate
}

// Quote computes the full breakdown. Subtotal accumulates unrounded;
// tax is rounded once on the aggregate, not per line. Subtotal, shipping
// and tax are each rounded to 2 decimals before summing into the total,
// matching the amounts shown and charged line by line.
func (e *Engine) Quote(lines []Line, region string) Breakdown {
	subtotal := decimal.Zero
	for _, line := range lines {
		subtotal = subtotal.Add(line.UnitPrice.Mul(decimal.NewFromInt(int64(line.Quantity))))
	}

	shipping := e.flatRate
	if subtotal.GreaterThanOrEqual(e.freeThreshold) {
		shipping = decimal.Zero
	}

	tax := subtotal.Mul(e.RateFor(region)).Round(2)

	subtotal = subtotal.Round(2)
	shipping = shipping.Round(2)

	return Breakdown{
		Subtotal:    subtotal,
		ShippingFee: shipping,
		TaxAmount:   tax,
		Total:       subtotal.Add(shipping).Add(tax),
	}
}
