// Package tax turns a resolved tariff rule plus measure overlay into the
// final duty, anti-dumping, countervailing and VAT amounts for one line item.
//
// The order of operations and the per-step rounding are fixed: every
// intermediate amount is rounded half-up to the cent so the breakdown can be
// recomputed line by line against a tax authority's own figures.
package tax

import (
	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"

	"github.com/FrankZheng1985/sysafari-logistics-sub015/internal/model"
)

// ErrMissingVatRate means no destination VAT rate was supplied. The rate
// depends on the shipment's destination member state and is resolved by the
// caller; it is never defaulted here.
var ErrMissingVatRate = eris.New("missing destination VAT rate")

// ErrInvalidValue means the customs value or quantity is negative.
var ErrInvalidValue = eris.New("invalid customs value or quantity")

var hundred = decimal.NewFromInt(100)

// round2 rounds half-up to two decimal places. All amounts here are
// non-negative, so decimal's round-half-away-from-zero is round-half-up.
func round2(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}

// Compute produces the full tax breakdown for one line item.
//
// vatRate is a pointer on purpose: a nil rate is a hard ErrMissingVatRate,
// never treated as zero or substituted with a common rate.
func Compute(rule *model.TariffRule, measures *model.MeasureSet, vatRate *decimal.Decimal, customsValue, quantity decimal.Decimal) (*model.TaxBreakdown, error) {
	if rule == nil {
		return nil, eris.New("tax: nil tariff rule")
	}
	if measures == nil {
		return nil, eris.New("tax: nil measure set")
	}
	if vatRate == nil {
		return nil, eris.Wrapf(ErrMissingVatRate, "hs=%s origin=%s", rule.HSCode, rule.Origin)
	}
	if customsValue.IsNegative() || quantity.IsNegative() {
		return nil, eris.Wrapf(ErrInvalidValue, "customs_value=%s quantity=%s", customsValue, quantity)
	}

	effectiveRate := rule.DutyRate
	preferential := false
	if measures.PreferentialDuty != nil {
		effectiveRate = *measures.PreferentialDuty
		preferential = true
	}

	var duty decimal.Decimal
	switch rule.DutyKind {
	case model.DutyKindAdValorem:
		duty = round2(customsValue.Mul(effectiveRate).Div(hundred))
	case model.DutyKindFixedPerUnit:
		// Fixed duties are per declared unit; preferential rates are ad
		// valorem and do not replace them.
		duty = round2(quantity.Mul(rule.DutyRate))
	default:
		return nil, eris.Errorf("tax: unknown duty kind %q", rule.DutyKind)
	}

	antiDumping := round2(customsValue.Mul(measures.AntiDumping).Div(hundred))
	countervailing := round2(customsValue.Mul(measures.Countervailing).Div(hundred))

	vatBase := customsValue.Add(duty).Add(antiDumping).Add(countervailing)
	vat := round2(vatBase.Mul(*vatRate).Div(hundred))

	return &model.TaxBreakdown{
		EffectiveDutyRate: effectiveRate,
		Preferential:      preferential,
		DutyAmount:        duty,
		AntiDumping:       antiDumping,
		Countervailing:    countervailing,
		VatBase:           vatBase,
		VatAmount:         vat,
		TotalTax:          duty.Add(antiDumping).Add(countervailing).Add(vat),
	}, nil
}
