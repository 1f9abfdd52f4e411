package tariff

import (
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/FrankZheng1985/sysafari-logistics-sub015/internal/model"
)

// Snapshot is one immutable, fully-indexed view of the reference data. A
// snapshot is built in full by the sync and never mutated afterwards, so
// readers can use it without locking.
type Snapshot struct {
	Version  string
	LoadedAt time.Time

	rules      map[string]map[string][]*model.TariffRule // origin → hs code → rules
	measures   map[model.MeasureType][]*model.TradeMeasure
	agreements []*model.TradeAgreement

	allRules []*model.TariffRule
}

// NewSnapshot indexes the given reference records into an immutable snapshot.
func NewSnapshot(version string, rules []model.TariffRule, measures []model.TradeMeasure, agreements []model.TradeAgreement) *Snapshot {
	s := &Snapshot{
		Version:  version,
		LoadedAt: time.Now().UTC(),
		rules:    make(map[string]map[string][]*model.TariffRule),
		measures: make(map[model.MeasureType][]*model.TradeMeasure),
	}

	for i := range rules {
		r := &rules[i]
		if !r.Active {
			continue
		}
		byCode, ok := s.rules[r.Origin]
		if !ok {
			byCode = make(map[string][]*model.TariffRule)
			s.rules[r.Origin] = byCode
		}
		byCode[r.HSCode] = append(byCode[r.HSCode], r)
		s.allRules = append(s.allRules, r)
	}

	for i := range measures {
		m := &measures[i]
		s.measures[m.Type] = append(s.measures[m.Type], m)
	}

	for i := range agreements {
		s.agreements = append(s.agreements, &agreements[i])
	}

	return s
}

// rulesFor returns the rules stored under an exact (origin, hsCode) key.
func (s *Snapshot) rulesFor(origin, hsCode string) []*model.TariffRule {
	byCode, ok := s.rules[origin]
	if !ok {
		return nil
	}
	return byCode[hsCode]
}

// measuresOf returns all measures of one type.
func (s *Snapshot) measuresOf(t model.MeasureType) []*model.TradeMeasure {
	return s.measures[t]
}

// Rules returns every active rule in the snapshot. The matcher uses this to
// build its description and keyword indexes.
func (s *Snapshot) Rules() []*model.TariffRule {
	return s.allRules
}

// RuleCount returns the number of active rules in the snapshot.
func (s *Snapshot) RuleCount() int {
	return len(s.allRules)
}

// Provider hands out the current reference snapshot. Reloads replace the
// whole snapshot atomically; a reader that has taken a snapshot keeps a
// consistent view for the duration of its resolution even while a sync runs.
type Provider struct {
	current atomic.Pointer[Snapshot]
}

// NewProvider creates a Provider starting from an empty snapshot.
func NewProvider() *Provider {
	p := &Provider{}
	p.current.Store(NewSnapshot("", nil, nil, nil))
	return p
}

// Current returns the snapshot in effect right now.
func (p *Provider) Current() *Snapshot {
	return p.current.Load()
}

// Swap installs a new snapshot. Readers holding the previous one are
// unaffected.
func (p *Provider) Swap(s *Snapshot) {
	old := p.current.Swap(s)
	zap.L().Info("tariff: snapshot swapped",
		zap.String("version", s.Version),
		zap.Int("rules", s.RuleCount()),
		zap.Int("previous_rules", old.RuleCount()),
	)
}
