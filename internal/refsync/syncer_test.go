package refsync

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FrankZheng1985/sysafari-logistics-sub015/internal/config"
	"github.com/FrankZheng1985/sysafari-logistics-sub015/internal/store"
	"github.com/FrankZheng1985/sysafari-logistics-sub015/internal/tariff"
)

func newTestSyncer(t *testing.T) (*Syncer, *store.SQLiteStore, *tariff.Provider) {
	t.Helper()

	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))

	provider := tariff.NewProvider()
	return NewSyncer(st, provider, config.RefsyncConfig{}), st, provider
}

func TestSyncRules_ImportsAndRebuilds(t *testing.T) {
	s, st, provider := newTestSyncer(t)
	ctx := context.Background()

	path := writeFeed(t, "rules.json", `[
		{"hs_code": "610910", "origin": "CN", "description": "T-shirts of cotton", "duty_rate": "12", "valid_from": "2024-01-01"},
		{"hs_code": "731815", "origin": "CN", "description": "Threaded screws and bolts", "duty_rate": "3.7", "valid_from": "2024-01-01"}
	]`)

	n, err := s.SyncRules(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	rules, err := st.ListTariffRules(ctx)
	require.NoError(t, err)
	assert.Len(t, rules, 2)

	// The serving snapshot was rebuilt from the imported set.
	assert.Equal(t, 2, provider.Current().RuleCount())

	last, err := st.LastSyncSuccess(ctx, SyncTariffRules)
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.WithinDuration(t, time.Now().UTC(), *last, time.Minute)
}

func TestSyncRules_ReplacesPreviousImport(t *testing.T) {
	s, st, provider := newTestSyncer(t)
	ctx := context.Background()

	first := writeFeed(t, "first.json", `[
		{"hs_code": "610910", "origin": "CN", "duty_rate": "12", "valid_from": "2024-01-01"},
		{"hs_code": "731815", "origin": "CN", "duty_rate": "3.7", "valid_from": "2024-01-01"}
	]`)
	_, err := s.SyncRules(ctx, first)
	require.NoError(t, err)

	second := writeFeed(t, "second.json", `[
		{"hs_code": "640299", "origin": "VN", "duty_rate": "16.9", "valid_from": "2024-06-01"}
	]`)
	n, err := s.SyncRules(ctx, second)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	rules, err := st.ListTariffRules(ctx)
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, "640299", rules[0].HSCode)
	assert.Equal(t, 1, provider.Current().RuleCount())
}

func TestSyncRules_FeedErrorLeavesStoreUntouched(t *testing.T) {
	s, st, provider := newTestSyncer(t)
	ctx := context.Background()

	path := writeFeed(t, "bad.json", `[
		{"hs_code": "610910", "origin": "CN", "duty_rate": "twelve", "valid_from": "2024-01-01"}
	]`)

	_, err := s.SyncRules(ctx, path)
	require.Error(t, err)

	rules, err := st.ListTariffRules(ctx)
	require.NoError(t, err)
	assert.Empty(t, rules)
	assert.Equal(t, 0, provider.Current().RuleCount())

	// The run is recorded as failed, never as a success.
	last, err := st.LastSyncSuccess(ctx, SyncTariffRules)
	require.NoError(t, err)
	assert.Nil(t, last)
}

func TestSyncMeasures_ImportsAndRebuilds(t *testing.T) {
	s, st, _ := newTestSyncer(t)
	ctx := context.Background()

	path := writeFeed(t, "measures.json", `[
		{"id": "AD-662", "measure_type": "anti_dumping", "hs_code_prefix": "731815", "geo_areas": ["CN"], "duty_rate": "48.5", "valid_from": "2024-01-01"}
	]`)

	n, err := s.SyncMeasures(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	measures, err := st.ListTradeMeasures(ctx)
	require.NoError(t, err)
	require.Len(t, measures, 1)
	assert.Equal(t, "AD-662", measures[0].ID)

	last, err := st.LastSyncSuccess(ctx, SyncTradeMeasures)
	require.NoError(t, err)
	assert.NotNil(t, last)
}

func TestSyncAgreements_Imports(t *testing.T) {
	s, st, _ := newTestSyncer(t)
	ctx := context.Background()

	path := writeFeed(t, "agreements.json", `[
		{"code": "EU-VN-FTA", "country_scope": ["VN"], "preferential_rate": "0", "valid_from": "2020-08-01"}
	]`)

	n, err := s.SyncAgreements(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	agreements, err := st.ListTradeAgreements(ctx)
	require.NoError(t, err)
	require.Len(t, agreements, 1)
	assert.Equal(t, "EU-VN-FTA", agreements[0].Code)
}

func TestSyncVat_ImportsWithoutRebuild(t *testing.T) {
	s, st, provider := newTestSyncer(t)
	ctx := context.Background()

	path := writeFeed(t, "vat.json", `[
		{"country": "DE", "rate": "19", "valid_from": "2021-01-01"}
	]`)

	n, err := s.SyncVat(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	rate, err := st.GetVatRate(ctx, "DE", time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.NotNil(t, rate)
	assert.True(t, rate.Equal(decimal.NewFromInt(19)))

	// VAT is read per query; the snapshot stays as it was.
	assert.Equal(t, 0, provider.Current().RuleCount())

	last, err := st.LastSyncSuccess(ctx, SyncVatRates)
	require.NoError(t, err)
	assert.NotNil(t, last)
}

func TestSync_UnsupportedFormatRecordsFailure(t *testing.T) {
	s, st, _ := newTestSyncer(t)
	ctx := context.Background()

	path := writeFeed(t, "rules.csv", "hs_code,origin\n")
	_, err := s.SyncRules(ctx, path)
	assert.ErrorIs(t, err, ErrUnsupportedFormat)

	last, err := st.LastSyncSuccess(ctx, SyncTariffRules)
	require.NoError(t, err)
	assert.Nil(t, last)
}

func TestRebuild_LoadsStoredReferenceSet(t *testing.T) {
	s, st, provider := newTestSyncer(t)
	ctx := context.Background()

	rules, err := DecodeTariffRules(writeFeed(t, "rules.json", `[
		{"hs_code": "610910", "origin": "CN", "duty_rate": "12", "valid_from": "2024-01-01"}
	]`))
	require.NoError(t, err)
	_, err = st.ReplaceTariffRules(ctx, "taric", rules)
	require.NoError(t, err)

	snap, err := s.Rebuild(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, snap.RuleCount())
	assert.Same(t, snap, provider.Current())
}
