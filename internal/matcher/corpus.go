package matcher

import (
	"github.com/FrankZheng1985/sysafari-logistics-sub015/internal/tariff"
)

// corpusEntry is one indexed rule description.
type corpusEntry struct {
	hsCode     string
	normalized string
	tokens     map[string]bool
}

// headingIndex groups the keyword sets of all entries under one 4-digit HS
// heading.
type headingIndex struct {
	keywords map[string]bool
	entries  []*corpusEntry
}

// corpus is the description index built from one reference snapshot. It
// backs the exact, prefix and fuzzy tiers and is rebuilt whenever the
// snapshot is swapped.
type corpus struct {
	exact    map[string]string // normalized description → hs code
	entries  []*corpusEntry
	headings map[string]*headingIndex // 4-digit heading → keywords
	codes    map[string]bool
}

func buildCorpus(snap *tariff.Snapshot) *corpus {
	c := &corpus{
		exact:    make(map[string]string),
		headings: make(map[string]*headingIndex),
		codes:    make(map[string]bool),
	}

	for _, rule := range snap.Rules() {
		c.codes[rule.HSCode] = true
		if rule.Description == "" {
			continue
		}
		normalized := Normalize(rule.Description)
		if normalized == "" {
			continue
		}

		entry := &corpusEntry{
			hsCode:     rule.HSCode,
			normalized: normalized,
			tokens:     tokenSet(tokenize(normalized)),
		}
		c.entries = append(c.entries, entry)

		// First description wins for the exact index; later duplicates of
		// the same normalized text describe the same goods line.
		if _, ok := c.exact[normalized]; !ok {
			c.exact[normalized] = rule.HSCode
		}

		if len(rule.HSCode) >= 4 {
			heading := rule.HSCode[:4]
			h, ok := c.headings[heading]
			if !ok {
				h = &headingIndex{keywords: make(map[string]bool)}
				c.headings[heading] = h
			}
			for t := range entry.tokens {
				h.keywords[t] = true
			}
			h.entries = append(h.entries, entry)
		}
	}

	return c
}

// knownCode reports whether any rule in the snapshot carries this HS code.
func (c *corpus) knownCode(hsCode string) bool {
	return c.codes[hsCode]
}
