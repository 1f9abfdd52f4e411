package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// DutyKind describes how a tariff rule's duty rate is applied.
type DutyKind string

const (
	DutyKindAdValorem    DutyKind = "ad_valorem"     // percentage of customs value
	DutyKindFixedPerUnit DutyKind = "fixed_per_unit" // amount per declared unit
)

// TariffRule is one effective-dated base duty entry for an (HS code, origin)
// pair. Rules are written by the reference-data sync and only ever read by
// the engine. For a given (HSCode, Origin) the validity windows of active
// rules never overlap.
type TariffRule struct {
	ID          string          `json:"id"`
	HSCode      string          `json:"hs_code"`
	Origin      string          `json:"origin_country_code"`
	Description string          `json:"description"`
	DutyRate    decimal.Decimal `json:"duty_rate"`
	DutyKind    DutyKind        `json:"duty_kind"`
	Unit        string          `json:"unit,omitempty"`
	ValidFrom   time.Time       `json:"valid_from"`
	ValidTo     *time.Time      `json:"valid_to,omitempty"`
	LegalBase   string          `json:"legal_base,omitempty"`
	DataSource  string          `json:"data_source,omitempty"`
	Active      bool            `json:"is_active"`
}

// InForce reports whether the rule's validity window covers asOf.
func (r *TariffRule) InForce(asOf time.Time) bool {
	if asOf.Before(r.ValidFrom) {
		return false
	}
	return r.ValidTo == nil || !asOf.After(*r.ValidTo)
}

// MeasureType distinguishes the trade measure categories.
type MeasureType string

const (
	MeasureAntiDumping     MeasureType = "anti_dumping"
	MeasureCountervailing  MeasureType = "countervailing"
	MeasureQuota           MeasureType = "quota"
	MeasureLicenseRequired MeasureType = "license_required"
	MeasureSpsRequired     MeasureType = "sps_required"
)

// GeoAreaAll is the wildcard geographical scope covering every origin.
const GeoAreaAll = "ALL"

// MeasureConditions is the closed set of scoping conditions a measure can
// carry. Kept as a struct rather than an open key-value map so the overlay
// can match exhaustively.
type MeasureConditions struct {
	CertificateCode string           `json:"certificate_code,omitempty"`
	MinPrice        *decimal.Decimal `json:"min_price,omitempty"`
	Note            string           `json:"note,omitempty"`
}

// TradeMeasure is an anti-dumping, countervailing or restriction measure
// scoped by HS code prefix and geographical area, with its own validity
// window independent of the base duty schedule.
type TradeMeasure struct {
	ID            string            `json:"measure_id"`
	Type          MeasureType       `json:"measure_type"`
	HSCodePrefix  string            `json:"hs_code_prefix"`
	GeoAreas      []string          `json:"geographical_area"`
	ExcludedAreas []string          `json:"excluded_areas,omitempty"`
	DutyRate      decimal.Decimal   `json:"duty_rate"`
	ValidFrom     time.Time         `json:"valid_from"`
	ValidTo       *time.Time        `json:"valid_to,omitempty"`
	Conditions    MeasureConditions `json:"conditions,omitempty"`
	DataSource    string            `json:"data_source,omitempty"`
}

// InForce reports whether the measure's validity window covers asOf.
func (m *TradeMeasure) InForce(asOf time.Time) bool {
	if asOf.Before(m.ValidFrom) {
		return false
	}
	return m.ValidTo == nil || !asOf.After(*m.ValidTo)
}

// AppliesTo reports whether the measure's geographical scope includes the
// origin and does not exclude it.
func (m *TradeMeasure) AppliesTo(origin string) bool {
	for _, ex := range m.ExcludedAreas {
		if ex == origin {
			return false
		}
	}
	for _, area := range m.GeoAreas {
		if area == GeoAreaAll || area == origin {
			return true
		}
	}
	return false
}

// TradeAgreement grants a preferential duty rate to a set of origin
// countries. When applicable and lower than the base duty it replaces the
// base duty entirely.
type TradeAgreement struct {
	Code             string          `json:"agreement_code"`
	CountryScope     []string        `json:"country_scope"`
	PreferentialRate decimal.Decimal `json:"preferential_rate"`
	ValidFrom        time.Time       `json:"valid_from"`
	ValidTo          *time.Time      `json:"valid_to,omitempty"`
	Active           bool            `json:"is_active"`
}

// InForce reports whether the agreement is active and covers asOf.
func (a *TradeAgreement) InForce(asOf time.Time) bool {
	if !a.Active || asOf.Before(a.ValidFrom) {
		return false
	}
	return a.ValidTo == nil || !asOf.After(*a.ValidTo)
}

// Covers reports whether the agreement's country scope includes the origin.
func (a *TradeAgreement) Covers(origin string) bool {
	for _, c := range a.CountryScope {
		if c == origin {
			return true
		}
	}
	return false
}

// RestrictionKind identifies a non-monetary measure surfaced to the review
// workflow.
type RestrictionKind string

const (
	RestrictionQuota   RestrictionKind = "quota"
	RestrictionLicense RestrictionKind = "license_required"
	RestrictionSps     RestrictionKind = "sps_required"
)

// Restriction is a non-monetary measure flag attached to a resolution. It is
// surfaced, never computed.
type Restriction struct {
	Kind       RestrictionKind   `json:"kind"`
	MeasureID  string            `json:"measure_id"`
	Conditions MeasureConditions `json:"conditions,omitempty"`
}

// MeasureSet is the resolved overlay for one (HS code, origin, date) query:
// the additive duties, the optional preferential replacement rate, and any
// restriction flags.
type MeasureSet struct {
	AntiDumping      decimal.Decimal  `json:"anti_dumping"`
	Countervailing   decimal.Decimal  `json:"countervailing"`
	PreferentialDuty *decimal.Decimal `json:"preferential_duty,omitempty"`
	AgreementCode    string           `json:"agreement_code,omitempty"`
	Restrictions     []Restriction    `json:"restrictions,omitempty"`
}

// VatRate is one effective-dated import VAT rate for a destination member
// state.
type VatRate struct {
	Country   string          `json:"country_code"`
	Rate      decimal.Decimal `json:"rate"`
	ValidFrom time.Time       `json:"valid_from"`
	ValidTo   *time.Time      `json:"valid_to,omitempty"`
}

// InForce reports whether the VAT rate covers asOf.
func (v *VatRate) InForce(asOf time.Time) bool {
	if asOf.Before(v.ValidFrom) {
		return false
	}
	return v.ValidTo == nil || !asOf.After(*v.ValidTo)
}
