// Package refsync loads reference-data feeds (tariff schedules, trade
// measures, agreements, VAT tables) into the store and rebuilds the in-memory
// snapshot the engine resolves against. Syncs of the same category are
// mutually exclusive; classification traffic is never blocked by a running
// sync.
package refsync

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/FrankZheng1985/sysafari-logistics-sub015/internal/config"
	"github.com/FrankZheng1985/sysafari-logistics-sub015/internal/store"
	"github.com/FrankZheng1985/sysafari-logistics-sub015/internal/tariff"
)

// Sync type keys recorded in the sync log and used for mutual exclusion.
const (
	SyncTariffRules     = "tariff_rules"
	SyncTradeMeasures   = "trade_measures"
	SyncTradeAgreements = "trade_agreements"
	SyncVatRates        = "vat_rates"
)

// Syncer runs feed imports and snapshot rebuilds.
type Syncer struct {
	store    store.Store
	provider *tariff.Provider
	limiter  *rate.Limiter
	source   string
}

// NewSyncer wires a Syncer. The rate limit throttles record ingestion so a
// large feed import does not starve the store.
func NewSyncer(st store.Store, provider *tariff.Provider, cfg config.RefsyncConfig) *Syncer {
	rps := cfg.RecordsPerSec
	if rps <= 0 {
		rps = 2000
	}
	burst := int(rps)
	if burst < 1 {
		burst = 1
	}
	source := cfg.DefaultSource
	if source == "" {
		source = "taric"
	}
	return &Syncer{
		store:    st,
		provider: provider,
		limiter:  rate.NewLimiter(rate.Limit(rps), burst),
		source:   source,
	}
}

// SyncRules imports one tariff rule feed and rebuilds the snapshot.
func (s *Syncer) SyncRules(ctx context.Context, path string) (int, error) {
	return s.run(ctx, SyncTariffRules, func(ctx context.Context) (int, error) {
		rules, err := DecodeTariffRules(path)
		if err != nil {
			return 0, err
		}
		if err := s.throttle(ctx, len(rules)); err != nil {
			return 0, err
		}
		return s.store.ReplaceTariffRules(ctx, s.source, rules)
	})
}

// SyncMeasures imports one trade measure feed and rebuilds the snapshot.
func (s *Syncer) SyncMeasures(ctx context.Context, path string) (int, error) {
	return s.run(ctx, SyncTradeMeasures, func(ctx context.Context) (int, error) {
		measures, err := DecodeTradeMeasures(path)
		if err != nil {
			return 0, err
		}
		if err := s.throttle(ctx, len(measures)); err != nil {
			return 0, err
		}
		return s.store.ReplaceTradeMeasures(ctx, s.source, measures)
	})
}

// SyncAgreements imports one trade agreement feed and rebuilds the snapshot.
func (s *Syncer) SyncAgreements(ctx context.Context, path string) (int, error) {
	return s.run(ctx, SyncTradeAgreements, func(ctx context.Context) (int, error) {
		agreements, err := DecodeTradeAgreements(path)
		if err != nil {
			return 0, err
		}
		if err := s.throttle(ctx, len(agreements)); err != nil {
			return 0, err
		}
		return s.store.ReplaceTradeAgreements(ctx, agreements)
	})
}

// SyncVat imports one VAT rate feed. VAT rates are read per query, not from
// the snapshot, so no rebuild follows.
func (s *Syncer) SyncVat(ctx context.Context, path string) (int, error) {
	release, err := s.store.AcquireSyncLock(ctx, SyncVatRates)
	if err != nil {
		return 0, err
	}
	defer release()

	return s.logged(ctx, SyncVatRates, func(ctx context.Context) (int, error) {
		rates, err := DecodeVatRates(path)
		if err != nil {
			return 0, err
		}
		if err := s.throttle(ctx, len(rates)); err != nil {
			return 0, err
		}
		return s.store.ReplaceVatRates(ctx, rates)
	})
}

// Rebuild loads the full reference set from the store, indexes it and swaps
// it in as the current snapshot.
func (s *Syncer) Rebuild(ctx context.Context) (*tariff.Snapshot, error) {
	rules, err := s.store.ListTariffRules(ctx)
	if err != nil {
		return nil, err
	}
	measures, err := s.store.ListTradeMeasures(ctx)
	if err != nil {
		return nil, err
	}
	agreements, err := s.store.ListTradeAgreements(ctx)
	if err != nil {
		return nil, err
	}
	snap := tariff.NewSnapshot(time.Now().UTC().Format(time.RFC3339), rules, measures, agreements)
	s.provider.Swap(snap)
	return snap, nil
}

// run is the common sync path: per-type mutual exclusion, sync-log
// bookkeeping, then a snapshot rebuild on success.
func (s *Syncer) run(ctx context.Context, syncType string, fn func(context.Context) (int, error)) (int, error) {
	release, err := s.store.AcquireSyncLock(ctx, syncType)
	if err != nil {
		return 0, eris.Wrapf(err, "refsync: lock %s", syncType)
	}
	defer release()

	n, err := s.logged(ctx, syncType, fn)
	if err != nil {
		return 0, err
	}
	if _, err := s.Rebuild(ctx); err != nil {
		return n, eris.Wrapf(err, "refsync: rebuild after %s", syncType)
	}
	return n, nil
}

// logged wraps one import in StartSync/CompleteSync/FailSync records.
func (s *Syncer) logged(ctx context.Context, syncType string, fn func(context.Context) (int, error)) (int, error) {
	syncRun, err := s.store.StartSync(ctx, syncType)
	if err != nil {
		return 0, eris.Wrapf(err, "refsync: start %s", syncType)
	}

	n, err := fn(ctx)
	if err != nil {
		if ferr := s.store.FailSync(ctx, syncRun.ID, err.Error()); ferr != nil {
			zap.L().Error("refsync: record failure", zap.String("sync_id", syncRun.ID), zap.Error(ferr))
		}
		return 0, eris.Wrapf(err, "refsync: %s", syncType)
	}

	if err := s.store.CompleteSync(ctx, syncRun.ID, n); err != nil {
		return n, eris.Wrapf(err, "refsync: complete %s", syncType)
	}
	zap.L().Info("refsync: sync complete",
		zap.String("sync_type", syncType),
		zap.Int("records", n),
	)
	return n, nil
}

// throttle spends limiter budget for n records in burst-sized chunks.
func (s *Syncer) throttle(ctx context.Context, n int) error {
	burst := s.limiter.Burst()
	for n > 0 {
		chunk := n
		if chunk > burst {
			chunk = burst
		}
		if err := s.limiter.WaitN(ctx, chunk); err != nil {
			return eris.Wrap(err, "refsync: throttle")
		}
		n -= chunk
	}
	return nil
}
