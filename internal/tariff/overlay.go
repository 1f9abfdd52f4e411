package tariff

import (
	"time"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"

	"github.com/FrankZheng1985/sysafari-logistics-sub015/internal/model"
)

// Overlay composes trade measures and agreement preferences on top of the
// base duty schedule.
type Overlay struct {
	provider *Provider
}

// NewOverlay creates an Overlay reading from the given snapshot provider.
func NewOverlay(p *Provider) *Overlay {
	return &Overlay{provider: p}
}

// ResolveMeasures resolves every measure applying to the query on top of the
// given base duty rate.
//
// A trade agreement covering the origin replaces the base duty when its
// preferential rate is lower; it never adds to it. Anti-dumping and
// countervailing duties are resolved independently by the same
// longest-prefix + validity-window rule as the base schedule, further scoped
// by geographical area. Quota, license and SPS measures are surfaced as
// restriction flags only.
func (o *Overlay) ResolveMeasures(hsCode, origin string, asOf time.Time, baseDuty decimal.Decimal) (*model.MeasureSet, error) {
	snap := o.provider.Current()
	return resolveMeasures(snap, hsCode, origin, asOf, baseDuty)
}

func resolveMeasures(snap *Snapshot, hsCode, origin string, asOf time.Time, baseDuty decimal.Decimal) (*model.MeasureSet, error) {
	set := &model.MeasureSet{
		AntiDumping:    decimal.Zero,
		Countervailing: decimal.Zero,
	}

	if agr := bestAgreement(snap, origin, asOf); agr != nil && agr.PreferentialRate.LessThan(baseDuty) {
		rate := agr.PreferentialRate
		set.PreferentialDuty = &rate
		set.AgreementCode = agr.Code
	}

	ad, err := resolveMeasureOfType(snap, model.MeasureAntiDumping, hsCode, origin, asOf)
	if err != nil {
		return nil, err
	}
	if ad != nil {
		set.AntiDumping = ad.DutyRate
	}

	cv, err := resolveMeasureOfType(snap, model.MeasureCountervailing, hsCode, origin, asOf)
	if err != nil {
		return nil, err
	}
	if cv != nil {
		set.Countervailing = cv.DutyRate
	}

	for mt, kind := range map[model.MeasureType]model.RestrictionKind{
		model.MeasureQuota:           model.RestrictionQuota,
		model.MeasureLicenseRequired: model.RestrictionLicense,
		model.MeasureSpsRequired:     model.RestrictionSps,
	} {
		for _, m := range snap.measuresOf(mt) {
			if m.InForce(asOf) && m.AppliesTo(origin) && hasPrefix(hsCode, m.HSCodePrefix) {
				set.Restrictions = append(set.Restrictions, model.Restriction{
					Kind:       kind,
					MeasureID:  m.ID,
					Conditions: m.Conditions,
				})
			}
		}
	}

	return set, nil
}

// bestAgreement returns the most favorable agreement in force for the
// origin, or nil.
func bestAgreement(snap *Snapshot, origin string, asOf time.Time) *model.TradeAgreement {
	var best *model.TradeAgreement
	for _, a := range snap.agreements {
		if !a.InForce(asOf) || !a.Covers(origin) {
			continue
		}
		if best == nil || a.PreferentialRate.LessThan(best.PreferentialRate) {
			best = a
		}
	}
	return best
}

// resolveMeasureOfType finds the single in-force measure of one type by
// longest HS prefix. Two equally-specific hits are a reference-data defect
// and return ErrAmbiguousMeasure.
func resolveMeasureOfType(snap *Snapshot, t model.MeasureType, hsCode, origin string, asOf time.Time) (*model.TradeMeasure, error) {
	var (
		best      *model.TradeMeasure
		duplicate *model.TradeMeasure
	)
	for _, m := range snap.measuresOf(t) {
		if !m.InForce(asOf) || !m.AppliesTo(origin) || !hasPrefix(hsCode, m.HSCodePrefix) {
			continue
		}
		switch {
		case best == nil || len(m.HSCodePrefix) > len(best.HSCodePrefix):
			best, duplicate = m, nil
		case len(m.HSCodePrefix) == len(best.HSCodePrefix):
			duplicate = m
		}
	}
	if duplicate != nil {
		return nil, eris.Wrapf(ErrAmbiguousMeasure,
			"type=%s hs=%s origin=%s as_of=%s measures=[%s %s]",
			t, hsCode, origin, asOf.Format("2006-01-02"), best.ID, duplicate.ID)
	}
	return best, nil
}

func hasPrefix(hsCode, prefix string) bool {
	return prefix != "" && len(hsCode) >= len(prefix) && hsCode[:len(prefix)] == prefix
}
