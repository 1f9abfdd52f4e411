package store

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FrankZheng1985/sysafari-logistics-sub015/internal/model"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := NewSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

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

// --- match history ---

func TestSQLite_MatchRecord_Missing(t *testing.T) {
	st := newTestSQLiteStore(t)

	r, err := st.GetMatchRecord(context.Background(), "no-such-key")
	require.NoError(t, err)
	assert.Nil(t, r)
}

func TestSQLite_MatchRecord_UpsertIncrements(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	r, err := st.UpsertMatchRecord(ctx, "cotton t-shirt|cotton", "61091000")
	require.NoError(t, err)
	assert.Equal(t, int64(1), r.MatchCount)

	r, err = st.UpsertMatchRecord(ctx, "cotton t-shirt|cotton", "61091000")
	require.NoError(t, err)
	assert.Equal(t, int64(2), r.MatchCount)
	assert.Equal(t, "61091000", r.HSCode)

	// A different accepted code overwrites the learned code but the count
	// keeps growing.
	r, err = st.UpsertMatchRecord(ctx, "cotton t-shirt|cotton", "61099020")
	require.NoError(t, err)
	assert.Equal(t, int64(3), r.MatchCount)
	assert.Equal(t, "61099020", r.HSCode)
}

func TestSQLite_MatchRecord_ConcurrentUpserts(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	const n = 20
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := st.UpsertMatchRecord(ctx, "steel bolt|steel", "73181500")
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	r, err := st.GetMatchRecord(ctx, "steel bolt|steel")
	require.NoError(t, err)
	require.NotNil(t, r)
	assert.Equal(t, int64(n), r.MatchCount)
}

// --- reference data ---

func TestSQLite_ReplaceTariffRules_PerSource(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	n, err := st.ReplaceTariffRules(ctx, "taric", []model.TariffRule{
		{HSCode: "610910", Origin: "CN", Description: "t-shirts of cotton", DutyRate: dec("12"), DutyKind: model.DutyKindAdValorem, ValidFrom: date("2024-01-01"), Active: true},
		{HSCode: "620342", Origin: "CN", Description: "trousers of cotton", DutyRate: dec("9.6"), DutyKind: model.DutyKindAdValorem, ValidFrom: date("2024-01-01"), Active: true},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = st.ReplaceTariffRules(ctx, "national", []model.TariffRule{
		{HSCode: "640299", Origin: "VN", Description: "footwear", DutyRate: dec("16.9"), DutyKind: model.DutyKindAdValorem, ValidFrom: date("2024-01-01"), Active: true},
	})
	require.NoError(t, err)

	rules, err := st.ListTariffRules(ctx)
	require.NoError(t, err)
	assert.Len(t, rules, 3)

	// Replacing one source leaves the other source untouched.
	n, err = st.ReplaceTariffRules(ctx, "taric", []model.TariffRule{
		{HSCode: "610910", Origin: "CN", Description: "t-shirts of cotton", DutyRate: dec("11"), DutyKind: model.DutyKindAdValorem, ValidFrom: date("2025-01-01"), Active: true},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	rules, err = st.ListTariffRules(ctx)
	require.NoError(t, err)
	require.Len(t, rules, 2)
	bySource := map[string]int{}
	for _, r := range rules {
		bySource[r.DataSource]++
	}
	assert.Equal(t, 1, bySource["taric"])
	assert.Equal(t, 1, bySource["national"])
}

func TestSQLite_TradeMeasures_Roundtrip(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	minPrice := dec("4.50")
	n, err := st.ReplaceTradeMeasures(ctx, "taric", []model.TradeMeasure{
		{
			ID:            "AD-662",
			Type:          model.MeasureAntiDumping,
			HSCodePrefix:  "731815",
			GeoAreas:      []string{"CN"},
			ExcludedAreas: []string{"TW"},
			DutyRate:      dec("48.5"),
			ValidFrom:     date("2023-06-01"),
			ValidTo:       datePtr("2028-06-01"),
			Conditions:    model.MeasureConditions{CertificateCode: "D-008", MinPrice: &minPrice},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	measures, err := st.ListTradeMeasures(ctx)
	require.NoError(t, err)
	require.Len(t, measures, 1)
	m := measures[0]
	assert.Equal(t, model.MeasureAntiDumping, m.Type)
	assert.Equal(t, []string{"CN"}, m.GeoAreas)
	assert.Equal(t, []string{"TW"}, m.ExcludedAreas)
	assert.True(t, m.DutyRate.Equal(dec("48.5")))
	require.NotNil(t, m.Conditions.MinPrice)
	assert.True(t, m.Conditions.MinPrice.Equal(minPrice))
	require.NotNil(t, m.ValidTo)
}

func TestSQLite_TradeAgreements_Roundtrip(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	n, err := st.ReplaceTradeAgreements(ctx, []model.TradeAgreement{
		{Code: "EU-VN-FTA", CountryScope: []string{"VN"}, PreferentialRate: dec("0"), ValidFrom: date("2020-08-01"), Active: true},
		{Code: "GSP", CountryScope: []string{"BD", "KH"}, PreferentialRate: dec("6.4"), ValidFrom: date("2014-01-01"), Active: true},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	agreements, err := st.ListTradeAgreements(ctx)
	require.NoError(t, err)
	assert.Len(t, agreements, 2)
}

// --- VAT ---

func TestSQLite_GetVatRate(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	_, err := st.ReplaceVatRates(ctx, []model.VatRate{
		{Country: "DE", Rate: dec("19"), ValidFrom: date("2021-01-01")},
		{Country: "DE", Rate: dec("16"), ValidFrom: date("2020-07-01"), ValidTo: datePtr("2020-12-31")},
		{Country: "FR", Rate: dec("20"), ValidFrom: date("2014-01-01")},
	})
	require.NoError(t, err)

	rate, err := st.GetVatRate(ctx, "DE", date("2024-03-15"))
	require.NoError(t, err)
	require.NotNil(t, rate)
	assert.True(t, rate.Equal(dec("19")))

	// Effective-dated: the temporary rate applies inside its window.
	rate, err = st.GetVatRate(ctx, "DE", date("2020-09-01"))
	require.NoError(t, err)
	require.NotNil(t, rate)
	assert.True(t, rate.Equal(dec("16")))

	// Unknown destination returns nil, not an error.
	rate, err = st.GetVatRate(ctx, "XX", date("2024-03-15"))
	require.NoError(t, err)
	assert.Nil(t, rate)
}

// --- batches and line items ---

func seedBatch(t *testing.T, st *SQLiteStore) (*model.Batch, []*model.LineItem) {
	t.Helper()
	ctx := context.Background()

	batch, err := st.CreateBatch(ctx, &model.Batch{
		Reference:   "SHIP-001",
		Destination: "DE",
		ImportDate:  date("2024-03-15"),
	})
	require.NoError(t, err)

	items := []*model.LineItem{
		{ProductDescription: "cotton t-shirt", Material: "cotton", Origin: "CN", CustomsValue: dec("2750.00"), Quantity: dec("500")},
		{ProductDescription: "steel bolts m8", Material: "steel", Origin: "CN", CustomsValue: dec("1200.00"), Quantity: dec("10000")},
	}
	for i, it := range items {
		it.BatchID = batch.ID
		saved, err := st.AddLineItem(ctx, it)
		require.NoError(t, err)
		items[i] = saved
	}
	return batch, items
}

func TestSQLite_Batch_CreateAndList(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	batch, items := seedBatch(t, st)
	assert.NotEmpty(t, batch.ID)

	got, err := st.GetBatch(ctx, batch.ID)
	require.NoError(t, err)
	assert.False(t, got.Confirmed)
	assert.True(t, got.TotalValue.IsZero())

	listed, err := st.ListLineItems(ctx, batch.ID)
	require.NoError(t, err)
	require.Len(t, listed, 2)
	assert.Equal(t, model.StatusPending, listed[0].Status)
	assert.True(t, listed[0].CustomsValue.Equal(items[0].CustomsValue))
}

func TestSQLite_GetBatch_NotFound(t *testing.T) {
	st := newTestSQLiteStore(t)

	_, err := st.GetBatch(context.Background(), "missing")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLite_LineItem_UpdateMatchAndTax(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	_, items := seedBatch(t, st)

	result := &model.MatchResult{HSCode: "61091000", Confidence: 95, Source: model.SourceExact}
	require.NoError(t, st.UpdateLineItemMatch(ctx, items[0].ID, result, model.StatusMatched, ""))

	breakdown := &model.TaxBreakdown{
		EffectiveDutyRate: dec("12"),
		DutyAmount:        dec("330.00"),
		VatBase:           dec("3080.00"),
		VatAmount:         dec("585.20"),
		TotalTax:          dec("915.20"),
	}
	require.NoError(t, st.UpdateLineItemTax(ctx, items[0].ID, breakdown))

	got, err := st.GetLineItem(ctx, items[0].ID)
	require.NoError(t, err)
	assert.Equal(t, "61091000", got.MatchedHSCode)
	assert.Equal(t, model.SourceExact, got.MatchSource)
	require.NotNil(t, got.Tax)
	assert.True(t, got.Tax.TotalTax.Equal(dec("915.20")))
}

func TestSQLite_LineItem_UpdateMissing(t *testing.T) {
	st := newTestSQLiteStore(t)

	err := st.UpdateLineItemStatus(context.Background(), "missing", model.StatusApproved, "")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLite_Dispute_ExcludesCodeAndResets(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	_, items := seedBatch(t, st)

	result := &model.MatchResult{HSCode: "61091000", Confidence: 80, Source: model.SourcePrefix}
	require.NoError(t, st.UpdateLineItemMatch(ctx, items[0].ID, result, model.StatusReviewing, "below threshold"))

	item, err := st.DisputeLineItem(ctx, items[0].ID, "wrong chapter")
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, item.Status)
	assert.Empty(t, item.MatchedHSCode)
	assert.Nil(t, item.Tax)
	assert.Equal(t, []string{"61091000"}, item.ExcludedHSCodes)

	// Disputing again with another code appends, never duplicates.
	require.NoError(t, st.UpdateLineItemMatch(ctx, items[0].ID, &model.MatchResult{HSCode: "61099020", Confidence: 75, Source: model.SourcePrefix}, model.StatusReviewing, ""))
	item, err = st.DisputeLineItem(ctx, items[0].ID, "still wrong")
	require.NoError(t, err)
	assert.Equal(t, []string{"61091000", "61099020"}, item.ExcludedHSCodes)
}

func TestSQLite_ConfirmBatch_RejectsUnapproved(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	batch, items := seedBatch(t, st)

	require.NoError(t, st.UpdateLineItemTax(ctx, items[0].ID, &model.TaxBreakdown{DutyAmount: dec("12.00"), VatAmount: dec("19.00"), TotalTax: dec("31.00")}))
	require.NoError(t, st.UpdateLineItemStatus(ctx, items[0].ID, model.StatusApproved, ""))

	_, err := st.ConfirmBatch(ctx, batch.ID)
	require.Error(t, err)
	var confErr *ConfirmationError
	require.ErrorAs(t, err, &confErr)
	assert.Equal(t, batch.ID, confErr.BatchID)
	assert.Equal(t, []string{items[1].ID}, confErr.ItemIDs)

	// The failed confirm left the batch open.
	got, err := st.GetBatch(ctx, batch.ID)
	require.NoError(t, err)
	assert.False(t, got.Confirmed)
}

func TestSQLite_ConfirmBatch_RejectsApprovedWithoutTax(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	batch, items := seedBatch(t, st)

	require.NoError(t, st.UpdateLineItemTax(ctx, items[0].ID, &model.TaxBreakdown{DutyAmount: dec("12.00"), VatAmount: dec("19.00"), TotalTax: dec("31.00")}))
	for _, it := range items {
		require.NoError(t, st.UpdateLineItemStatus(ctx, it.ID, model.StatusApproved, ""))
	}

	// items[1] is approved but carries no breakdown; folding it in would
	// record zero tax for the item.
	_, err := st.ConfirmBatch(ctx, batch.ID)
	var confErr *ConfirmationError
	require.ErrorAs(t, err, &confErr)
	assert.Equal(t, []string{items[1].ID}, confErr.ItemIDs)
}

func TestSQLite_ConfirmBatch_TotalsToTheCent(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	batch, items := seedBatch(t, st)

	taxes := []*model.TaxBreakdown{
		{DutyAmount: dec("330.00"), VatAmount: dec("585.20"), AntiDumping: dec("0"), Countervailing: dec("0"), TotalTax: dec("915.20")},
		{DutyAmount: dec("40.80"), VatAmount: dec("346.42"), AntiDumping: dec("582.00"), Countervailing: dec("0"), TotalTax: dec("969.22")},
	}
	for i, it := range items {
		require.NoError(t, st.UpdateLineItemTax(ctx, it.ID, taxes[i]))
		require.NoError(t, st.UpdateLineItemStatus(ctx, it.ID, model.StatusApproved, ""))
	}

	confirmed, err := st.ConfirmBatch(ctx, batch.ID)
	require.NoError(t, err)
	assert.True(t, confirmed.Confirmed)
	require.NotNil(t, confirmed.ConfirmedAt)
	assert.True(t, confirmed.TotalValue.Equal(dec("3950.00")), "value %s", confirmed.TotalValue)
	assert.True(t, confirmed.TotalDuty.Equal(dec("370.80")), "duty %s", confirmed.TotalDuty)
	assert.True(t, confirmed.TotalVat.Equal(dec("931.62")), "vat %s", confirmed.TotalVat)
	assert.True(t, confirmed.TotalOtherTax.Equal(dec("582.00")), "other %s", confirmed.TotalOtherTax)
}

func TestSQLite_ConfirmBatch_Freezes(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	batch, items := seedBatch(t, st)

	for _, it := range items {
		require.NoError(t, st.UpdateLineItemTax(ctx, it.ID, &model.TaxBreakdown{DutyAmount: dec("12.00"), VatAmount: dec("19.00"), TotalTax: dec("31.00")}))
		require.NoError(t, st.UpdateLineItemStatus(ctx, it.ID, model.StatusApproved, ""))
	}
	_, err := st.ConfirmBatch(ctx, batch.ID)
	require.NoError(t, err)

	// Second confirm fails.
	_, err = st.ConfirmBatch(ctx, batch.ID)
	assert.ErrorIs(t, err, ErrBatchConfirmed)

	// Item writes fail.
	err = st.UpdateLineItemStatus(ctx, items[0].ID, model.StatusReviewing, "late edit")
	assert.ErrorIs(t, err, ErrBatchConfirmed)

	err = st.UpdateLineItemTax(ctx, items[0].ID, &model.TaxBreakdown{})
	assert.ErrorIs(t, err, ErrBatchConfirmed)

	_, err = st.DisputeLineItem(ctx, items[0].ID, "late dispute")
	assert.ErrorIs(t, err, ErrBatchConfirmed)

	// The rejected dispute touched nothing.
	frozen, err := st.GetLineItem(ctx, items[0].ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusApproved, frozen.Status)
	assert.NotNil(t, frozen.Tax)
	assert.Empty(t, frozen.ExcludedHSCodes)

	// New items are rejected.
	_, err = st.AddLineItem(ctx, &model.LineItem{
		BatchID: batch.ID, ProductDescription: "late item", Origin: "CN",
		CustomsValue: dec("10"), Quantity: dec("1"), Weight: dec("0"),
	})
	assert.ErrorIs(t, err, ErrBatchConfirmed)
}

// --- sync log ---

func TestSQLite_SyncLog_Lifecycle(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	last, err := st.LastSyncSuccess(ctx, "tariff_rules")
	require.NoError(t, err)
	assert.Nil(t, last)

	run, err := st.StartSync(ctx, "tariff_rules")
	require.NoError(t, err)
	require.NoError(t, st.CompleteSync(ctx, run.ID, 1200))

	failed, err := st.StartSync(ctx, "tariff_rules")
	require.NoError(t, err)
	require.NoError(t, st.FailSync(ctx, failed.ID, "feed truncated"))

	last, err = st.LastSyncSuccess(ctx, "tariff_rules")
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.WithinDuration(t, run.StartedAt, *last, time.Second)
}

func TestSQLite_SyncLog_UnknownRun(t *testing.T) {
	st := newTestSQLiteStore(t)

	err := st.CompleteSync(context.Background(), "missing", 1)
	assert.ErrorIs(t, err, ErrNotFound)
	err = st.FailSync(context.Background(), "missing", "boom")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLite_AcquireSyncLock_MutualExclusion(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	release, err := st.AcquireSyncLock(ctx, "tariff_rules")
	require.NoError(t, err)

	// Same type blocks until the context is cancelled.
	shortCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err = st.AcquireSyncLock(shortCtx, "tariff_rules")
	require.Error(t, err)

	// A different type is independent.
	release2, err := st.AcquireSyncLock(ctx, "vat_rates")
	require.NoError(t, err)
	release2()

	release()

	// Released lock can be re-acquired.
	release3, err := st.AcquireSyncLock(ctx, "tariff_rules")
	require.NoError(t, err)
	release3()
}
