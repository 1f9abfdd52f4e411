package tariff

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FrankZheng1985/sysafari-logistics-sub015/internal/model"
)

func date(s string) time.Time {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return t
}

func datePtr(s string) *time.Time {
	t := date(s)
	return &t
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func rule(hsCode, origin, rate, from string, to *time.Time) model.TariffRule {
	return model.TariffRule{
		HSCode:    hsCode,
		Origin:    origin,
		DutyRate:  dec(rate),
		DutyKind:  model.DutyKindAdValorem,
		ValidFrom: date(from),
		ValidTo:   to,
		Active:    true,
	}
}

func providerWith(rules []model.TariffRule, measures []model.TradeMeasure, agreements []model.TradeAgreement) *Provider {
	p := NewProvider()
	p.Swap(NewSnapshot("test", rules, measures, agreements))
	return p
}

func TestResolveBaseDuty_LongestPrefixWins(t *testing.T) {
	reg := NewRegistry(providerWith([]model.TariffRule{
		rule("61", "CN", "10", "2020-01-01", nil),
		rule("6109", "CN", "11", "2020-01-01", nil),
		rule("610910", "CN", "12", "2020-01-01", nil),
	}, nil, nil))

	got, err := reg.ResolveBaseDuty("61091000", "CN", date("2024-03-15"))
	require.NoError(t, err)
	assert.Equal(t, "610910", got.HSCode)
	assert.True(t, got.DutyRate.Equal(dec("12")))
}

func TestResolveBaseDuty_FallsBackToShorterPrefix(t *testing.T) {
	reg := NewRegistry(providerWith([]model.TariffRule{
		rule("61", "CN", "10", "2020-01-01", nil),
		// The 6-digit rule exists but its window ended before the query
		// date; it must not shadow the chapter rule.
		rule("610910", "CN", "12", "2020-01-01", datePtr("2022-12-31")),
	}, nil, nil))

	got, err := reg.ResolveBaseDuty("61091000", "CN", date("2024-03-15"))
	require.NoError(t, err)
	assert.Equal(t, "61", got.HSCode)
}

func TestResolveBaseDuty_ValidityWindow(t *testing.T) {
	r := rule("610910", "CN", "12", "2024-01-01", datePtr("2024-12-31"))
	reg := NewRegistry(providerWith([]model.TariffRule{r}, nil, nil))

	tests := []struct {
		name  string
		asOf  string
		found bool
	}{
		{"before window", "2023-12-31", false},
		{"window start is inclusive", "2024-01-01", true},
		{"inside window", "2024-06-15", true},
		{"window end is inclusive", "2024-12-31", true},
		{"after window", "2025-01-01", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := reg.ResolveBaseDuty("61091000", "CN", date(tt.asOf))
			if tt.found {
				require.NoError(t, err)
				assert.Equal(t, "610910", got.HSCode)
			} else {
				assert.ErrorIs(t, err, ErrNotFound)
			}
		})
	}
}

func TestResolveBaseDuty_TieBreakLatestValidFrom(t *testing.T) {
	reg := NewRegistry(providerWith([]model.TariffRule{
		rule("610910", "CN", "14", "2020-01-01", nil),
		rule("610910", "CN", "12", "2023-01-01", nil),
	}, nil, nil))

	got, err := reg.ResolveBaseDuty("61091000", "CN", date("2024-03-15"))
	require.NoError(t, err)
	assert.True(t, got.DutyRate.Equal(dec("12")))
	assert.Equal(t, date("2023-01-01"), got.ValidFrom)
}

func TestResolveBaseDuty_OriginScoped(t *testing.T) {
	reg := NewRegistry(providerWith([]model.TariffRule{
		rule("610910", "CN", "12", "2020-01-01", nil),
		rule("610910", "VN", "8", "2020-01-01", nil),
	}, nil, nil))

	got, err := reg.ResolveBaseDuty("61091000", "VN", date("2024-03-15"))
	require.NoError(t, err)
	assert.True(t, got.DutyRate.Equal(dec("8")))

	_, err = reg.ResolveBaseDuty("61091000", "BD", date("2024-03-15"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestResolveBaseDuty_InactiveRulesIgnored(t *testing.T) {
	inactive := rule("610910", "CN", "12", "2020-01-01", nil)
	inactive.Active = false
	reg := NewRegistry(providerWith([]model.TariffRule{inactive}, nil, nil))

	_, err := reg.ResolveBaseDuty("61091000", "CN", date("2024-03-15"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestResolveBaseDuty_UnknownCode(t *testing.T) {
	reg := NewRegistry(providerWith([]model.TariffRule{
		rule("640299", "VN", "16.9", "2020-01-01", nil),
	}, nil, nil))

	_, err := reg.ResolveBaseDuty("99999999", "VN", date("2024-03-15"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestProvider_SwapIsolatesReaders(t *testing.T) {
	p := providerWith([]model.TariffRule{rule("610910", "CN", "12", "2020-01-01", nil)}, nil, nil)

	before := p.Current()
	assert.Equal(t, 1, before.RuleCount())

	p.Swap(NewSnapshot("v2", []model.TariffRule{
		rule("610910", "CN", "11", "2020-01-01", nil),
		rule("640299", "VN", "16.9", "2020-01-01", nil),
	}, nil, nil))

	// The old snapshot still answers with its own view.
	assert.Equal(t, 1, before.RuleCount())
	assert.Equal(t, 2, p.Current().RuleCount())
	assert.Equal(t, "v2", p.Current().Version)
}
