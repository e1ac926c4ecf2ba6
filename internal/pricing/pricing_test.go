package pricing

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/knovo/storefront/internal/config"
)

func testEngine() *Engine {
	return NewEngine(
		config.ShippingConfig{
			FreeThreshold: decimal.RequireFromString("150.00"),
			FlatRate:      decimal.RequireFromString("12.99"),
		},
		config.TaxConfig{DefaultRate: decimal.RequireFromString("0.05")},
	)
}

func line(id int64, qty int, price string) Line {
	return Line{ProductID: id, Quantity: qty, UnitPrice: decimal.RequireFromString(price)}
}

func TestQuoteOntario(t *testing.T) {
	b := testEngine().Quote([]Line{line(1, 2, "50.00")}, "ON")

	assert.Equal(t, "100.00", b.Subtotal.StringFixed(2))
	assert.Equal(t, "12.99", b.ShippingFee.StringFixed(2))
	assert.Equal(t, "13.00", b.TaxAmount.StringFixed(2))
	assert.Equal(t, "125.99", b.Total.StringFixed(2))
}

func TestQuoteUnknownRegionFallsBack(t *testing.T) {
	b := testEngine().Quote([]Line{line(1, 2, "50.00")}, "ZZ")

	assert.Equal(t, "5.00", b.TaxAmount.StringFixed(2))
	assert.Equal(t, "117.99", b.Total.StringFixed(2))
}

func TestQuoteFreeShippingAtThreshold(t *testing.T) {
	b := testEngine().Quote([]Line{line(1, 3, "50.00")}, "ON")

	assert.Equal(t, "150.00", b.Subtotal.StringFixed(2))
	assert.Equal(t, "0.00", b.ShippingFee.StringFixed(2))
}

func TestQuoteFlatRateBelowThreshold(t *testing.T) {
	b := testEngine().Quote([]Line{line(1, 1, "149.99")}, "ON")

	assert.Equal(t, "12.99", b.ShippingFee.StringFixed(2))
}

func TestQuoteMultipleLines(t *testing.T) {
	b := testEngine().Quote([]Line{
		line(1, 5, "100.00"),
		line(2, 3, "200.00"),
	}, "AB")

	assert.Equal(t, "1100.00", b.Subtotal.StringFixed(2))
	assert.Equal(t, "0.00", b.ShippingFee.StringFixed(2))
	assert.Equal(t, "55.00", b.TaxAmount.StringFixed(2))
	assert.Equal(t, "1155.00", b.Total.StringFixed(2))
}

func TestQuoteTaxRoundsOnAggregate(t *testing.T) {
	// 3 * 33.35 = 100.05; 100.05 * 0.13 = 13.0065, rounds to 13.01.
	// Per-line rounding would give 3 * round(33.35*0.13) = 13.02.
	b := testEngine().Quote([]Line{line(1, 3, "33.35")}, "ON")

	assert.Equal(t, "13.01", b.TaxAmount.StringFixed(2))
}

func TestRateForCaseInsensitive(t *testing.T) {
	e := testEngine()

	assert.True(t, e.RateFor("on").Equal(decimal.RequireFromString("0.13")))
	assert.True(t, e.RateFor(" bc ").Equal(decimal.RequireFromString("0.12")))
	assert.True(t, e.RateFor("").Equal(decimal.RequireFromString("0.05")))
}

func TestQuoteDeterministic(t *testing.T) {
	e := testEngine()
	lines := []Line{line(1, 2, "89.99"), line(2, 1, "45.00")}

	first := e.Quote(lines, "NS")
	second := e.Quote(lines, "NS")

	assert.True(t, first.Total.Equal(second.Total))
	assert.True(t, first.TaxAmount.Equal(second.TaxAmount))
}
