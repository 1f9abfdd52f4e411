package matcher

import (
	"context"
	"math"

	"github.com/agext/levenshtein"
	"github.com/rotisserie/eris"

	"github.com/FrankZheng1985/sysafari-logistics-sub015/internal/model"
)

// historyStrategy answers from the learned-match table. Confidence grows
// with the number of accepted identical matches: floor 60, +5·log2(n+1),
// capped at 100.
type historyStrategy struct {
	history HistoryStore
}

func (s *historyStrategy) Source() model.MatchSource { return model.SourceHistory }

func (s *historyStrategy) Match(ctx context.Context, q *resolved, c *corpus) (*model.MatchResult, error) {
	record, err := s.history.GetMatchRecord(ctx, q.key)
	if err != nil {
		return nil, eris.Wrap(err, "history lookup")
	}
	if record == nil {
		return nil, nil
	}
	// A learned code that no longer exists in the schedule falls through to
	// the live tiers.
	if !c.knownCode(record.HSCode) {
		return nil, nil
	}
	return &model.MatchResult{
		HSCode:     record.HSCode,
		Confidence: historyConfidence(record.MatchCount),
		Source:     model.SourceHistory,
	}, nil
}

func historyConfidence(matchCount int64) float64 {
	confidence := 60 + 5*math.Log2(float64(matchCount)+1)
	return math.Min(100, confidence)
}

// exactStrategy matches the normalized description against the canonical
// description index built from the tariff schedule.
type exactStrategy struct{}

func (s *exactStrategy) Source() model.MatchSource { return model.SourceExact }

func (s *exactStrategy) Match(_ context.Context, q *resolved, c *corpus) (*model.MatchResult, error) {
	normalized := Normalize(q.Description)
	hsCode, ok := c.exact[normalized]
	if !ok {
		return nil, nil
	}
	return &model.MatchResult{
		HSCode:     hsCode,
		Confidence: 95,
		Source:     model.SourceExact,
	}, nil
}

// prefixStrategy matches the query tokens against the keyword sets indexed
// per 4-digit HS heading, then picks the best-overlapping description within
// the winning heading. Confidence scales 70-90 with the covered token ratio.
type prefixStrategy struct{}

// prefixMinCoverage is the share of query tokens a heading's keyword set
// must cover for a structural match.
const prefixMinCoverage = 0.5

func (s *prefixStrategy) Source() model.MatchSource { return model.SourcePrefix }

func (s *prefixStrategy) Match(_ context.Context, q *resolved, c *corpus) (*model.MatchResult, error) {
	if len(q.tokens) == 0 {
		return nil, nil
	}

	var (
		bestHeading  *headingIndex
		bestCoverage float64
	)
	for _, h := range c.headings {
		covered := 0
		for t := range q.tokens {
			if h.keywords[t] {
				covered++
			}
		}
		coverage := float64(covered) / float64(len(q.tokens))
		if coverage > bestCoverage {
			bestCoverage = coverage
			bestHeading = h
		}
	}
	if bestHeading == nil || bestCoverage < prefixMinCoverage {
		return nil, nil
	}

	var (
		bestEntry   *corpusEntry
		bestOverlap float64
	)
	for _, e := range bestHeading.entries {
		if overlap := jaccard(q.tokens, e.tokens); overlap > bestOverlap {
			bestOverlap = overlap
			bestEntry = e
		}
	}
	if bestEntry == nil {
		return nil, nil
	}

	// Coverage 0.5 → 70, coverage 1.0 → 90.
	confidence := 70 + 40*(bestCoverage-prefixMinCoverage)
	return &model.MatchResult{
		HSCode:     bestEntry.hsCode,
		Confidence: math.Min(90, confidence),
		Source:     model.SourcePrefix,
	}, nil
}

// fuzzyStrategy scans the whole description corpus with a blend of token-set
// Jaccard and normalized edit-distance similarity. Scores scale to 0-69 so a
// fuzzy hit always routes to review below the default threshold.
type fuzzyStrategy struct {
	minSimilarity float64
}

func (s *fuzzyStrategy) Source() model.MatchSource { return model.SourceFuzzy }

var levenshteinParams = levenshtein.NewParams()

func (s *fuzzyStrategy) Match(_ context.Context, q *resolved, c *corpus) (*model.MatchResult, error) {
	if q.normalized == "" {
		return nil, nil
	}

	var (
		bestEntry *corpusEntry
		bestSim   float64
	)
	for _, e := range c.entries {
		sim := jaccard(q.tokens, e.tokens)
		if edit := levenshtein.Similarity(q.normalized, e.normalized, levenshteinParams); edit > sim {
			sim = edit
		}
		if sim > bestSim {
			bestSim = sim
			bestEntry = e
		}
	}
	if bestEntry == nil || bestSim < s.minSimilarity {
		return nil, nil
	}

	return &model.MatchResult{
		HSCode:     bestEntry.hsCode,
		Confidence: math.Min(69, bestSim*69),
		Source:     model.SourceFuzzy,
	}, nil
}
