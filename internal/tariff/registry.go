package tariff

import (
	"time"

	"github.com/rotisserie/eris"

	"github.com/FrankZheng1985/sysafari-logistics-sub015/internal/model"
)

// Registry resolves the base duty schedule against the current snapshot.
type Registry struct {
	provider *Provider
}

// NewRegistry creates a Registry reading from the given snapshot provider.
func NewRegistry(p *Provider) *Registry {
	return &Registry{provider: p}
}

// ResolveBaseDuty returns the single tariff rule in force for the query.
//
// Rules are stored at 6, 8 or 10 digit granularity; the longest stored
// prefix of the query code wins. Within one prefix the rule whose validity
// window covers asOf is selected, tie-broken by the latest ValidFrom not
// after asOf. Returns ErrNotFound when nothing qualifies.
func (r *Registry) ResolveBaseDuty(hsCode, origin string, asOf time.Time) (*model.TariffRule, error) {
	snap := r.provider.Current()
	rule := resolveBaseDuty(snap, hsCode, origin, asOf)
	if rule == nil {
		return nil, eris.Wrapf(ErrNotFound, "hs=%s origin=%s as_of=%s", hsCode, origin, asOf.Format("2006-01-02"))
	}
	return rule, nil
}

// resolveBaseDuty runs the longest-prefix lookup against a fixed snapshot so
// the registry and overlay of one resolution share the same view.
func resolveBaseDuty(snap *Snapshot, hsCode, origin string, asOf time.Time) *model.TariffRule {
	// Walk prefixes from the full code down. Stored codes are at least
	// chapter level (2 digits).
	for l := len(hsCode); l >= 2; l-- {
		candidates := snap.rulesFor(origin, hsCode[:l])
		if len(candidates) == 0 {
			continue
		}
		var best *model.TariffRule
		for _, c := range candidates {
			if !c.InForce(asOf) {
				continue
			}
			if best == nil || c.ValidFrom.After(best.ValidFrom) {
				best = c
			}
		}
		if best != nil {
			return best
		}
		// A stored prefix with no window covering asOf does not shadow
		// shorter prefixes.
	}
	return nil
}
