package pricing

import (
	"errors"
	"math"

	"github.com/shopspring/decimal"

	"github.com/Ikanga93/ritt-ai-assistant-sub002/pkg/config"
)

// Default rates applied when the configuration does not override them.
const (
	DefaultTaxRate    = 0.09
	DefaultFeePercent = 0.029
	DefaultFeeFixed   = 0.30
)

// Rates are the fixed constants a Calculator prices with.
type Rates struct {
	TaxRate            float64
	FeePercent         float64
	FeeFixed           float64
	PassFeesToCustomer bool
}

// DefaultRates returns the production rates with fees passed to the customer.
func DefaultRates() Rates {
	return Rates{
		TaxRate:            DefaultTaxRate,
		FeePercent:         DefaultFeePercent,
		FeeFixed:           DefaultFeeFixed,
		PassFeesToCustomer: true,
	}
}

// RatesFromSettings reads the pricing section of the configuration.
func RatesFromSettings(cfg config.PricingSettings) Rates {
	return Rates{
		TaxRate:            cfg.TaxRate,
		FeePercent:         cfg.FeePercent,
		FeeFixed:           cfg.FeeFixed,
		PassFeesToCustomer: cfg.PassFeesToCustomer,
	}
}

// Breakdown is the priced view of a subtotal. Every field is rounded to cents.
type Breakdown struct {
	Subtotal      float64 `json:"subtotal"`
	Tax           float64 `json:"tax"`
	ProcessingFee float64 `json:"processingFee"`
	Total         float64 `json:"total"`
	TotalWithFees float64 `json:"totalWithFees"`
}

// Line is the part of an order line the calculator needs.
type Line struct {
	UnitPrice float64
	Quantity  int
}

// Calculator computes order money amounts. It holds no mutable state, so the
// same input always yields the same output.
type Calculator struct {
	taxRate    decimal.Decimal
	feePercent decimal.Decimal
	feeFixed   decimal.Decimal
	passFees   bool
}

// NewCalculator builds a Calculator for the given rates.
func NewCalculator(r Rates) Calculator {
	return Calculator{
		taxRate:    decimal.NewFromFloat(r.TaxRate),
		feePercent: decimal.NewFromFloat(r.FeePercent),
		feeFixed:   decimal.NewFromFloat(r.FeeFixed),
		passFees:   r.PassFeesToCustomer,
	}
}

// Subtotal sums unitPrice×quantity over lines and rounds the result to cents
// once. Unit prices are not rounded on their own.
func (c Calculator) Subtotal(lines []Line) float64 {
	sum := decimal.Zero
	for _, l := range lines {
		sum = sum.Add(decimal.NewFromFloat(l.UnitPrice).Mul(decimal.NewFromInt(int64(l.Quantity))))
	}
	return sum.Round(2).InexactFloat64()
}

// Breakdown prices a subtotal. Each intermediate value is rounded to cents
// before it feeds the next step.
func (c Calculator) Breakdown(subtotal float64) Breakdown {
	sub := cents(subtotal)
	tax := sub.Mul(c.taxRate).Round(2)
	total := sub.Add(tax).Round(2)
	fee := total.Mul(c.feePercent).Add(c.feeFixed).Round(2)
	withFees := total.Add(fee).Round(2)

	return Breakdown{
		Subtotal:      sub.InexactFloat64(),
		Tax:           tax.InexactFloat64(),
		ProcessingFee: fee.InexactFloat64(),
		Total:         total.InexactFloat64(),
		TotalWithFees: withFees.InexactFloat64(),
	}
}

// Price is Breakdown over the subtotal of lines.
func (c Calculator) Price(lines []Line) Breakdown {
	return c.Breakdown(c.Subtotal(lines))
}

// OrderTotal is the amount charged for an order: the total with fees when fees
// are passed to the customer, the plain total otherwise.
func (c Calculator) OrderTotal(b Breakdown) float64 {
	if c.passFees {
		return b.TotalWithFees
	}
	return b.Total
}

// PassesFees reports whether the processing fee is part of the order total.
func (c Calculator) PassesFees() bool {
	return c.passFees
}

// ErrInvalidAmount is returned by ToMinorUnits for NaN and infinite amounts.
var ErrInvalidAmount = errors.New("amount is not a finite number")

// ToMinorUnits converts an amount to cents.
func ToMinorUnits(amount float64) (int64, error) {
	if math.IsNaN(amount) || math.IsInf(amount, 0) {
		return 0, ErrInvalidAmount
	}
	return decimal.NewFromFloat(amount).Mul(decimal.NewFromInt(100)).Round(0).IntPart(), nil
}

func cents(v float64) decimal.Decimal {
	return decimal.NewFromFloat(v).Round(2)
}
