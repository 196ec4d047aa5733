// Package app owns the per-identity resource scope: the encrypted store,
// the ledger over it, and the replication engine. There are no package-level
// singletons; consumers receive an *App and its lifetime is explicit.
package app

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	"github.com/prestasur/synccore/internal/config"
	"github.com/prestasur/synccore/internal/infra/observability"
	"github.com/prestasur/synccore/internal/infra/resilience"
	"github.com/prestasur/synccore/internal/ledger"
	"github.com/prestasur/synccore/internal/remote"
	"github.com/prestasur/synccore/internal/replication"
	"github.com/prestasur/synccore/internal/store"
)

// App bundles the open store and running replication for one identity.
type App struct {
	Store  *store.Store
	Ledger *ledger.Ledger
	Engine *replication.Engine

	logger *zap.Logger
}

// Open opens the identity's store, wires the remote client and the engine,
// and starts replication. The initial pull gates inside Engine.Start; a
// failed pull leaves the app usable offline.
func Open(ctx context.Context, cfg *config.Config, identityID string, metrics *observability.Metrics, logger *zap.Logger) (*App, error) {
	s, err := store.Open(ctx, identityID, store.Options{
		Dir:     cfg.StoreDir,
		AppSalt: []byte(cfg.AppSalt),
		DevMode: cfg.DevMode,
	}, logger)
	if err != nil {
		return nil, err
	}

	resilienceCfg := resilience.Config{
		MaxRetries:     cfg.MaxRetries,
		InitialBackoff: cfg.InitialBackoff,
		MaxConcurrency: cfg.MaxConcurrent,
	}
	rc := remote.NewClient(
		&http.Client{Timeout: cfg.HTTPTimeout},
		cfg.RemoteURL,
		[]byte(cfg.RemoteSecret),
		identityID,
		resilience.NewCircuitBreaker("remote-store"),
		resilienceCfg,
		logger,
	)

	engine := replication.New(s, rc, replication.Config{
		BatchSize:     cfg.BatchSize,
		SyncInterval:  cfg.SyncInterval,
		BatchTimeout:  cfg.BatchTimeout,
		MaxConcurrent: cfg.MaxConcurrent,
	}, metrics, logger)

	if err := engine.Start(ctx); err != nil {
		s.Close()
		return nil, err
	}

	return &App{
		Store:  s,
		Ledger: ledger.New(s, logger),
		Engine: engine,
		logger: logger,
	}, nil
}

// Close stops replication, then closes the store. The ordering matters:
// in-flight sync tasks must finish before the old identity's store goes
// away, or a late write could leak across identities.
func (a *App) Close() error {
	a.Engine.Stop()
	a.Ledger.Close()
	return a.Store.Close()
}

// Logout closes the scope and wipes the identity's local data.
func (a *App) Logout() error {
	a.Engine.Stop()
	a.Ledger.Close()
	return a.Store.Wipe()
}
