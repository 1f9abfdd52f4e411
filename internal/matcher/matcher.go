// Package matcher resolves free-text product descriptions to HS commodity
// codes through an ordered chain of match strategies: learned history, exact
// description, structural keyword overlap, then fuzzy similarity. The first
// strategy producing a candidate wins; each tier is less certain than the
// one before it and scores accordingly.
package matcher

import (
	"context"
	"sync"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/FrankZheng1985/sysafari-logistics-sub015/internal/config"
	"github.com/FrankZheng1985/sysafari-logistics-sub015/internal/model"
	"github.com/FrankZheng1985/sysafari-logistics-sub015/internal/tariff"
)

// ErrUnclassified means no tier produced a candidate. The line item stays
// pending and requires manual HS-code entry; this is never fatal to the
// batch.
var ErrUnclassified = eris.New("no HS code candidate found")

// HistoryStore is the narrow interface to the learned-match table. The
// upsert must increment atomically so concurrent identical accepts never
// lose counts.
type HistoryStore interface {
	GetMatchRecord(ctx context.Context, productKey string) (*model.MatchRecord, error)
	UpsertMatchRecord(ctx context.Context, productKey, hsCode string) (*model.MatchRecord, error)
}

// Query is one classification request.
type Query struct {
	Description string
	Material    string
	Origin      string
	// Excluded lists HS codes rejected in prior reviews of the same item;
	// no tier may propose them again.
	Excluded []string
}

// resolved carries the precomputed forms of a query shared by all tiers.
type resolved struct {
	Query
	key        string
	normalized string
	tokens     map[string]bool
	excluded   map[string]bool
}

// Strategy is one tier of the match chain.
type Strategy interface {
	Source() model.MatchSource
	Match(ctx context.Context, q *resolved, c *corpus) (*model.MatchResult, error)
}

// Matcher runs the tiered strategy chain against the current reference
// snapshot.
type Matcher struct {
	provider   *tariff.Provider
	history    HistoryStore
	cfg        config.MatcherConfig
	strategies []Strategy

	mu         sync.Mutex
	corpusSnap *tariff.Snapshot
	corpusIdx  *corpus
}

// New creates a Matcher with the default history → exact → prefix → fuzzy
// chain.
func New(provider *tariff.Provider, history HistoryStore, cfg config.MatcherConfig) *Matcher {
	return &Matcher{
		provider: provider,
		history:  history,
		cfg:      cfg,
		strategies: []Strategy{
			&historyStrategy{history: history},
			&exactStrategy{},
			&prefixStrategy{},
			&fuzzyStrategy{minSimilarity: cfg.FuzzyMinSimilarity},
		},
	}
}

// Classify resolves a query to an HS code with a confidence score. Tiers are
// evaluated in order; the first hit not on the exclusion list wins. Returns
// ErrUnclassified when every tier comes up empty.
func (m *Matcher) Classify(ctx context.Context, q Query) (*model.MatchResult, error) {
	r := &resolved{
		Query:      q,
		key:        ProductKey(q.Description, q.Material),
		normalized: Normalize(q.Description + " " + q.Material),
		excluded:   make(map[string]bool, len(q.Excluded)),
	}
	r.tokens = tokenSet(tokenize(r.normalized))
	for _, code := range q.Excluded {
		r.excluded[code] = true
	}

	c := m.corpus()

	for _, s := range m.strategies {
		result, err := s.Match(ctx, r, c)
		if err != nil {
			return nil, eris.Wrapf(err, "matcher: %s tier", s.Source())
		}
		if result == nil {
			continue
		}
		if r.excluded[result.HSCode] {
			zap.L().Debug("matcher: candidate excluded by prior dispute",
				zap.String("hs_code", result.HSCode),
				zap.String("source", string(result.Source)),
			)
			continue
		}
		zap.L().Debug("matcher: classified",
			zap.String("hs_code", result.HSCode),
			zap.Float64("confidence", result.Confidence),
			zap.String("source", string(result.Source)),
		)
		return result, nil
	}

	return nil, eris.Wrapf(ErrUnclassified, "description=%q material=%q", q.Description, q.Material)
}

// NeedsReview reports whether a result falls below the review threshold.
func (m *Matcher) NeedsReview(result *model.MatchResult) bool {
	return result.Confidence < m.cfg.ReviewThreshold
}

// AutoAcceptable reports whether a result is confident enough to accept
// without an operator.
func (m *Matcher) AutoAcceptable(result *model.MatchResult) bool {
	return result.Confidence >= m.cfg.AutoAcceptThreshold
}

// Accept records an accepted (description, material) → HS code match,
// incrementing the learned counter. Subsequent identical queries resolve via
// the history tier.
func (m *Matcher) Accept(ctx context.Context, description, material, hsCode string) (*model.MatchRecord, error) {
	record, err := m.history.UpsertMatchRecord(ctx, ProductKey(description, material), hsCode)
	if err != nil {
		return nil, eris.Wrap(err, "matcher: record accepted match")
	}
	return record, nil
}

// corpus returns the description index for the current snapshot, rebuilding
// it only when the snapshot pointer has changed.
func (m *Matcher) corpus() *corpus {
	snap := m.provider.Current()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.corpusSnap != snap {
		m.corpusIdx = buildCorpus(snap)
		m.corpusSnap = snap
	}
	return m.corpusIdx
}
