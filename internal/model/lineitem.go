package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// LineItemStatus represents the review state of a declared line item.
type LineItemStatus string

const (
	StatusPending   LineItemStatus = "pending"   // awaiting classification
	StatusMatched   LineItemStatus = "matched"   // classified above threshold
	StatusReviewing LineItemStatus = "reviewing" // classified below threshold or flagged
	StatusApproved  LineItemStatus = "approved"  // accepted; terminal within a batch
	StatusDisputed  LineItemStatus = "disputed"  // rejected; returns to pending
)

// CanTransition reports whether a status change is allowed by the line item
// state machine. Approved is terminal; disputed items go back to pending.
func (s LineItemStatus) CanTransition(to LineItemStatus) bool {
	switch s {
	case StatusPending:
		return to == StatusMatched || to == StatusReviewing
	case StatusMatched:
		return to == StatusReviewing || to == StatusApproved || to == StatusDisputed
	case StatusReviewing:
		return to == StatusApproved || to == StatusDisputed
	case StatusDisputed:
		return to == StatusPending
	default:
		return false
	}
}

// MatchSource identifies which matcher tier produced a classification.
type MatchSource string

const (
	SourceHistory MatchSource = "history"
	SourceExact   MatchSource = "exact"
	SourcePrefix  MatchSource = "prefix"
	SourceFuzzy   MatchSource = "fuzzy"
)

// MatchResult is the outcome of classifying one product description.
type MatchResult struct {
	HSCode     string      `json:"hs_code"`
	Confidence float64     `json:"confidence"` // 0-100
	Source     MatchSource `json:"source"`
}

// MatchRecord is one learned (productKey → HS code) association. Records are
// append-only: MatchCount increments on every accepted identical match and
// never decreases.
type MatchRecord struct {
	ProductKey    string    `json:"product_key"`
	HSCode        string    `json:"hs_code"`
	MatchCount    int64     `json:"match_count"`
	LastMatchedAt time.Time `json:"last_matched_at"`
}

// LineItem is one declared cargo record inside a batch.
type LineItem struct {
	ID                 string           `json:"id"`
	BatchID            string           `json:"batch_id"`
	ProductDescription string           `json:"product_description"`
	Material           string           `json:"material,omitempty"`
	Origin             string           `json:"origin_country_code"`
	DeclaredHSCode     string           `json:"declared_hs_code,omitempty"`
	CustomsValue       decimal.Decimal  `json:"customs_value"`
	Quantity           decimal.Decimal  `json:"quantity"`
	Weight             decimal.Decimal  `json:"weight"`
	MatchedHSCode      string           `json:"matched_hs_code,omitempty"`
	MatchConfidence    float64          `json:"match_confidence"`
	MatchSource        MatchSource      `json:"match_source,omitempty"`
	Tax                *TaxBreakdown    `json:"tax,omitempty"`
	Status             LineItemStatus   `json:"status"`
	StatusReason       string           `json:"status_reason,omitempty"`
	ExcludedHSCodes    []string         `json:"excluded_hs_codes,omitempty"` // prior disputed candidates
	CreatedAt          time.Time        `json:"created_at"`
	UpdatedAt          time.Time        `json:"updated_at"`
}

// TaxBreakdown holds every computed tax component for one line item, rounded
// to the cent at each step.
type TaxBreakdown struct {
	EffectiveDutyRate decimal.Decimal `json:"effective_duty_rate"`
	Preferential      bool            `json:"preferential"`
	DutyAmount        decimal.Decimal `json:"duty_amount"`
	AntiDumping       decimal.Decimal `json:"anti_dumping_amount"`
	Countervailing    decimal.Decimal `json:"countervailing_amount"`
	VatBase           decimal.Decimal `json:"vat_base"`
	VatAmount         decimal.Decimal `json:"vat_amount"`
	TotalTax          decimal.Decimal `json:"total_tax"`
}

// Batch aggregates line items for one shipment and carries the reconciled
// totals. Once Confirmed is set the batch and all contained items are frozen.
type Batch struct {
	ID             string          `json:"id"`
	Reference      string          `json:"reference"`
	Destination    string          `json:"destination_country_code"`
	ImportDate     time.Time       `json:"import_date"`
	TotalValue     decimal.Decimal `json:"total_value"`
	TotalDuty      decimal.Decimal `json:"total_duty"`
	TotalVat       decimal.Decimal `json:"total_vat"`
	TotalOtherTax  decimal.Decimal `json:"total_other_tax"` // anti-dumping + countervailing
	Confirmed      bool            `json:"confirmed"`
	ConfirmedAt    *time.Time      `json:"confirmed_at,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}
