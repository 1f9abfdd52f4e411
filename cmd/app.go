package main

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/FrankZheng1985/sysafari-logistics-sub015/internal/matcher"
	"github.com/FrankZheng1985/sysafari-logistics-sub015/internal/reconcile"
	"github.com/FrankZheng1985/sysafari-logistics-sub015/internal/refsync"
	"github.com/FrankZheng1985/sysafari-logistics-sub015/internal/store"
	"github.com/FrankZheng1985/sysafari-logistics-sub015/internal/tariff"
)

// app bundles the wired engine components behind one constructor so every
// command builds the same graph.
type app struct {
	store     store.Store
	provider  *tariff.Provider
	matcher   *matcher.Matcher
	registry  *tariff.Registry
	overlay   *tariff.Overlay
	syncer    *refsync.Syncer
	processor *reconcile.Processor
}

func openStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite", "":
		return store.NewSQLite(cfg.Store.DatabaseURL)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL)
	default:
		return nil, eris.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}

// newApp opens the store and builds the engine with a snapshot loaded from
// the current reference tables.
func newApp(ctx context.Context) (*app, error) {
	st, err := openStore(ctx)
	if err != nil {
		return nil, err
	}

	provider := tariff.NewProvider()
	syncer := refsync.NewSyncer(st, provider, cfg.Refsync)
	if _, err := syncer.Rebuild(ctx); err != nil {
		st.Close()
		return nil, eris.Wrap(err, "load reference snapshot")
	}

	m := matcher.New(provider, st, cfg.Matcher)
	registry := tariff.NewRegistry(provider)
	overlay := tariff.NewOverlay(provider)

	return &app{
		store:     st,
		provider:  provider,
		matcher:   m,
		registry:  registry,
		overlay:   overlay,
		syncer:    syncer,
		processor: reconcile.NewProcessor(st, m, registry, overlay, cfg.Batch),
	}, nil
}

func (a *app) Close() {
	_ = a.store.Close()
}
