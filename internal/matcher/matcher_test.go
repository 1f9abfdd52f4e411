package matcher

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FrankZheng1985/sysafari-logistics-sub015/internal/config"
	"github.com/FrankZheng1985/sysafari-logistics-sub015/internal/model"
	"github.com/FrankZheng1985/sysafari-logistics-sub015/internal/tariff"
)

// fakeHistory is an in-memory HistoryStore with the same atomic-increment
// semantics as the real table.
type fakeHistory struct {
	mu      sync.Mutex
	records map[string]*model.MatchRecord
}

func newFakeHistory() *fakeHistory {
	return &fakeHistory{records: make(map[string]*model.MatchRecord)}
}

func (f *fakeHistory) GetMatchRecord(_ context.Context, productKey string) (*model.MatchRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.records[productKey]
	if !ok {
		return nil, nil
	}
	cp := *r
	return &cp, nil
}

func (f *fakeHistory) UpsertMatchRecord(_ context.Context, productKey, hsCode string) (*model.MatchRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.records[productKey]
	if !ok {
		r = &model.MatchRecord{ProductKey: productKey, HSCode: hsCode}
		f.records[productKey] = r
	}
	r.MatchCount++
	r.HSCode = hsCode
	r.LastMatchedAt = time.Now().UTC()
	cp := *r
	return &cp, nil
}

func testRule(hsCode, origin, description string) model.TariffRule {
	return model.TariffRule{
		HSCode:      hsCode,
		Origin:      origin,
		Description: description,
		DutyRate:    decimal.NewFromInt(10),
		DutyKind:    model.DutyKindAdValorem,
		ValidFrom:   time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC),
		Active:      true,
	}
}

func testMatcherConfig() config.MatcherConfig {
	return config.MatcherConfig{
		ReviewThreshold:     70,
		AutoAcceptThreshold: 90,
		FuzzyMinSimilarity:  0.2,
	}
}

func newTestMatcher(rules ...model.TariffRule) (*Matcher, *fakeHistory, *tariff.Provider) {
	provider := tariff.NewProvider()
	provider.Swap(tariff.NewSnapshot("test", rules, nil, nil))
	history := newFakeHistory()
	return New(provider, history, testMatcherConfig()), history, provider
}

func TestClassify_ExactMatch(t *testing.T) {
	m, _, _ := newTestMatcher(
		testRule("610910", "CN", "T-shirts, singlets and other vests, of cotton, knitted"),
		testRule("640299", "VN", "Footwear with outer soles of rubber or plastics"),
	)

	result, err := m.Classify(context.Background(), Query{
		Description: "t-shirts singlets and other vests of cotton knitted",
		Material:    "cotton",
	})
	require.NoError(t, err)
	assert.Equal(t, "610910", result.HSCode)
	assert.Equal(t, model.SourceExact, result.Source)
	assert.InDelta(t, 95, result.Confidence, 1e-9)
	assert.True(t, m.AutoAcceptable(result))
	assert.False(t, m.NeedsReview(result))
}

func TestClassify_PrefixMatch(t *testing.T) {
	m, _, _ := newTestMatcher(
		testRule("610910", "CN", "T-shirts, singlets and other vests, of cotton, knitted"),
		testRule("640299", "VN", "Footwear with outer soles of rubber or plastics"),
	)

	// Not an exact description, but every token hits the 6109 heading
	// keywords: full coverage scores the prefix ceiling.
	result, err := m.Classify(context.Background(), Query{Description: "knitted cotton vests"})
	require.NoError(t, err)
	assert.Equal(t, "610910", result.HSCode)
	assert.Equal(t, model.SourcePrefix, result.Source)
	assert.InDelta(t, 90, result.Confidence, 1e-9)
}

func TestClassify_PrefixPartialCoverage(t *testing.T) {
	m, _, _ := newTestMatcher(
		testRule("610910", "CN", "T-shirts, singlets and other vests, of cotton, knitted"),
	)

	// 2 of 4 query tokens covered: coverage 0.5 is the floor and scores 70.
	result, err := m.Classify(context.Background(), Query{Description: "cotton vests woven giftbox"})
	require.NoError(t, err)
	assert.Equal(t, model.SourcePrefix, result.Source)
	assert.InDelta(t, 70, result.Confidence, 1e-9)
	assert.False(t, m.NeedsReview(result))
}

func TestClassify_FuzzyMatch(t *testing.T) {
	m, _, _ := newTestMatcher(
		testRule("640299", "VN", "Footwear with outer soles of rubber or plastics"),
	)

	// Misspelled tokens defeat the keyword index; only edit distance is
	// left, which always routes to review.
	result, err := m.Classify(context.Background(), Query{Description: "footware rubers soled"})
	require.NoError(t, err)
	assert.Equal(t, "640299", result.HSCode)
	assert.Equal(t, model.SourceFuzzy, result.Source)
	assert.LessOrEqual(t, result.Confidence, 69.0)
	assert.True(t, m.NeedsReview(result))
	assert.False(t, m.AutoAcceptable(result))
}

func TestClassify_Unclassified(t *testing.T) {
	m, _, _ := newTestMatcher(
		testRule("610910", "CN", "T-shirts, singlets and other vests, of cotton, knitted"),
	)

	_, err := m.Classify(context.Background(), Query{Description: "zzgrk qqwpt"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnclassified)
}

func TestClassify_EmptyCorpus(t *testing.T) {
	m, _, _ := newTestMatcher()

	_, err := m.Classify(context.Background(), Query{Description: "cotton t-shirt"})
	assert.ErrorIs(t, err, ErrUnclassified)
}

func TestClassify_ExcludedCodesNeverProposed(t *testing.T) {
	m, _, _ := newTestMatcher(
		testRule("610910", "CN", "T-shirts, singlets and other vests, of cotton, knitted"),
	)

	query := Query{
		Description: "t-shirts singlets and other vests of cotton knitted",
		Excluded:    []string{"610910"},
	}
	// Every tier proposes the same single code; with it excluded the item
	// is unclassifiable.
	_, err := m.Classify(context.Background(), query)
	assert.ErrorIs(t, err, ErrUnclassified)
}

func TestClassify_HistoryTierAfterAccepts(t *testing.T) {
	m, _, _ := newTestMatcher(
		testRule("610910", "CN", "T-shirts, singlets and other vests, of cotton, knitted"),
	)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_, err := m.Accept(ctx, "blue cotton tee", "cotton", "610910")
		require.NoError(t, err)
	}

	result, err := m.Classify(ctx, Query{Description: "blue cotton tee", Material: "cotton"})
	require.NoError(t, err)
	assert.Equal(t, model.SourceHistory, result.Source)
	assert.Equal(t, "610910", result.HSCode)
	// 60 + 5*log2(5): four accepted matches clear the review threshold.
	assert.InDelta(t, 60+5*math.Log2(5), result.Confidence, 1e-9)
	assert.False(t, m.NeedsReview(result))
}

func TestClassify_HistoryIgnoresStaleCode(t *testing.T) {
	m, history, _ := newTestMatcher(
		testRule("610910", "CN", "T-shirts, singlets and other vests, of cotton, knitted"),
	)
	ctx := context.Background()

	// A learned code that vanished from the schedule falls through to the
	// live tiers instead of resolving blindly.
	_, err := history.UpsertMatchRecord(ctx, ProductKey("cotton vests knitted", ""), "99999999")
	require.NoError(t, err)

	result, err := m.Classify(ctx, Query{Description: "cotton vests knitted"})
	require.NoError(t, err)
	assert.Equal(t, "610910", result.HSCode)
	assert.NotEqual(t, model.SourceHistory, result.Source)
}

func TestHistoryConfidence(t *testing.T) {
	assert.InDelta(t, 65, historyConfidence(1), 1e-9)
	assert.Less(t, historyConfidence(1), 70.0)
	assert.GreaterOrEqual(t, historyConfidence(4), 70.0)
	assert.InDelta(t, 100, historyConfidence(1<<40), 1e-9, "confidence is capped")

	// Monotonically non-decreasing in the accept count.
	prev := 0.0
	for count := int64(1); count <= 1024; count *= 2 {
		c := historyConfidence(count)
		assert.GreaterOrEqual(t, c, prev)
		prev = c
	}
}

func TestClassify_IdempotentForSameQuery(t *testing.T) {
	m, _, _ := newTestMatcher(
		testRule("610910", "CN", "T-shirts, singlets and other vests, of cotton, knitted"),
		testRule("640299", "VN", "Footwear with outer soles of rubber or plastics"),
	)
	ctx := context.Background()
	query := Query{Description: "knitted cotton vests"}

	first, err := m.Classify(ctx, query)
	require.NoError(t, err)
	second, err := m.Classify(ctx, query)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestClassify_CorpusFollowsSnapshotSwap(t *testing.T) {
	m, _, provider := newTestMatcher(
		testRule("610910", "CN", "T-shirts, singlets and other vests, of cotton, knitted"),
	)
	ctx := context.Background()

	result, err := m.Classify(ctx, Query{Description: "t-shirts singlets and other vests of cotton knitted"})
	require.NoError(t, err)
	assert.Equal(t, "610910", result.HSCode)

	provider.Swap(tariff.NewSnapshot("v2", []model.TariffRule{
		testRule("640299", "VN", "Footwear with outer soles of rubber or plastics"),
	}, nil, nil))

	// The old description is gone from the rebuilt corpus.
	_, err = m.Classify(ctx, Query{Description: "t-shirts singlets and other vests of cotton knitted"})
	assert.ErrorIs(t, err, ErrUnclassified)

	result, err = m.Classify(ctx, Query{Description: "footwear with outer soles of rubber or plastics"})
	require.NoError(t, err)
	assert.Equal(t, "640299", result.HSCode)
}

func TestThresholds(t *testing.T) {
	m, _, _ := newTestMatcher()

	assert.True(t, m.NeedsReview(&model.MatchResult{Confidence: 69.99}))
	assert.False(t, m.NeedsReview(&model.MatchResult{Confidence: 70}))
	assert.False(t, m.AutoAcceptable(&model.MatchResult{Confidence: 89.99}))
	assert.True(t, m.AutoAcceptable(&model.MatchResult{Confidence: 90}))
}
