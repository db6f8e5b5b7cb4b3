// Command spaced is the server bootstrap: it loads configuration, opens the
// Space Store, wires one lazily-constructed bundle of per-space engines per
// tenant, and serves the transport.Server over HTTP until an interrupt
// triggers a graceful shutdown.
//
// Structure is a single main() doing flag/env parsing, logger setup, and a
// blocking ListenAndServe, with no framework beyond what cmd/spaced's own
// dependencies already bring in.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/log"

	"github.com/commontoolsinc/spacestore/auth"
	"github.com/commontoolsinc/spacestore/config"
	"github.com/commontoolsinc/spacestore/fanout"
	"github.com/commontoolsinc/spacestore/metrics"
	"github.com/commontoolsinc/spacestore/registry"
	"github.com/commontoolsinc/spacestore/resume"
	"github.com/commontoolsinc/spacestore/store"
	"github.com/commontoolsinc/spacestore/transport"
	"github.com/commontoolsinc/spacestore/txn"
)

func main() {
	lg := log.NewLogger(log.NewTerminalHandler(os.Stderr, false))
	log.SetDefault(lg)

	cfg, err := config.Parse(os.Args[1:])
	if err != nil {
		lg.Crit("failed to parse configuration", "err", err)
	}

	if err := run(cfg, lg); err != nil {
		lg.Crit("spaced exited with error", "err", err)
	}
}

func run(cfg config.Config, lg log.Logger) error {
	mgr, err := store.NewManager(cfg.DBDSN, lg)
	if err != nil {
		return fmt.Errorf("spaced: open store: %w", err)
	}

	m := metrics.New()
	authz := newAuthorizer(cfg)
	tenants := newTenantRegistry(mgr, cfg, m, lg)
	srv := transport.NewServer(tenants.lookup, authz, lg, m)

	httpSrv := &http.Server{Addr: ":" + cfg.Port, Handler: srv}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		lg.Info("spaced listening", "addr", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		lg.Info("spaced shutting down")
	case err := <-errCh:
		return fmt.Errorf("spaced: listen: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpSrv.Shutdown(shutdownCtx)
}

// newAuthorizer returns a real JWTAuthorizer when a secret is configured,
// and an always-unauthorized stub otherwise -- the Non-goals exclude
// authorization *policy* design, not having a safe default when the
// operator hasn't supplied one yet.
func newAuthorizer(cfg config.Config) auth.Authorizer {
	if cfg.JWTSecret == "" {
		return auth.DenyAllAuthorizer{}
	}
	return auth.NewJWTAuthorizer([]byte(cfg.JWTSecret))
}

// tenantRegistry lazily constructs and caches the bundle of per-space
// engines (transport.Space) a SpaceLookup needs, the same lazy-open
// pattern store.Manager itself uses for SpaceStore values.
type tenantRegistry struct {
	mgr *store.Manager
	cfg config.Config
	m   *metrics.Metrics
	log log.Logger

	mu     sync.Mutex
	spaces map[string]*transport.Space
}

func newTenantRegistry(mgr *store.Manager, cfg config.Config, m *metrics.Metrics, lg log.Logger) *tenantRegistry {
	return &tenantRegistry{mgr: mgr, cfg: cfg, m: m, log: lg, spaces: map[string]*transport.Space{}}
}

func (t *tenantRegistry) lookup(spaceID string) (*transport.Space, error) {
	t.mu.Lock()
	if sp, ok := t.spaces[spaceID]; ok {
		t.mu.Unlock()
		return sp, nil
	}
	t.mu.Unlock()

	st, err := t.mgr.Load(context.Background(), spaceID)
	if err != nil {
		return nil, fmt.Errorf("spaced: load space %s: %w", spaceID, err)
	}

	reg := registry.New()
	fanoutCfg := fanout.Config{
		MaxDeltaBytes: t.cfg.FanoutMaxDeltaBytes,
		Window:        t.cfg.FanoutWindow,
		QMax:          t.cfg.FanoutQMax,
	}
	// fanout.Engine needs a Snapshotter that doesn't exist until the
	// Transaction Engine is constructed, and the Transaction Engine needs
	// the Fan-out Engine as its Publisher -- see fanout.Engine.SetSnapshotter's
	// doc comment for why construction order runs this way.
	fo := fanout.New(spaceID, fanoutCfg, reg, nil, t.log)
	engine := txn.New(spaceID, st, fo, t.log)
	fo.SetSnapshotter(engine)
	rc := resume.New(spaceID, st, engine, t.cfg.ResumeDeltaRetentionEpochs, t.log)
	fo.SetMetrics(t.m)
	engine.SetMetrics(t.m)
	rc.SetMetrics(t.m)

	sp := &transport.Space{ID: spaceID, Txn: engine, Registry: reg, Fanout: fo, Resume: rc, Store: st}

	t.mu.Lock()
	defer t.mu.Unlock()
	if existing, ok := t.spaces[spaceID]; ok {
		return existing, nil
	}
	t.spaces[spaceID] = sp
	return sp, nil
}
