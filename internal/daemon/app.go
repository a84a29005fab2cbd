// SPDX-License-Identifier: MIT

// Package daemon wires the gateway's components together and runs the HTTP
// server until the process is told to stop.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/holdernet/holdgate/internal/agent"
	"github.com/holdernet/holdgate/internal/api"
	"github.com/holdernet/holdgate/internal/config"
	"github.com/holdernet/holdgate/internal/correlate"
	"github.com/holdernet/holdgate/internal/datastore"
	"github.com/holdernet/holdgate/internal/distribute"
	"github.com/holdernet/holdgate/internal/exchange"
	"github.com/holdernet/holdgate/internal/ledger"
	"github.com/holdernet/holdgate/internal/log"
	"github.com/holdernet/holdgate/internal/policy"
	"github.com/holdernet/holdgate/internal/provider"
)

// App holds everything that needs a coordinated shutdown.
type App struct {
	cfg        config.Config
	logger     zerolog.Logger
	providers  *provider.SqliteStore
	policies   *policy.SqliteStore
	data       *datastore.Store
	ledger     *ledger.Ledger
	registries exchange.Registries
	acks       *correlate.Registry[int]
	router     http.Handler
}

// Option adjusts optional collaborators before the app is assembled.
type Option func(*options)

type options struct {
	transform distribute.Transform
	fetchers  distribute.FetcherFactory
}

// WithTransform installs a payload transform for the push path.
func WithTransform(t distribute.Transform) Option {
	return func(o *options) { o.transform = t }
}

// WithFetcherFactory installs the upstream fetcher factory for the
// pull-share path.
func WithFetcherFactory(f distribute.FetcherFactory) Option {
	return func(o *options) { o.fetchers = f }
}

// New assembles the application from configuration.
func New(cfg config.Config, opts ...Option) (*App, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	if err := os.MkdirAll(cfg.DataDir, 0o750); err != nil {
		return nil, fmt.Errorf("daemon: create data dir: %w", err)
	}

	providers, err := provider.NewSqliteStore(filepath.Join(cfg.DataDir, "providers.db"))
	if err != nil {
		return nil, err
	}
	policies, err := policy.NewSqliteStore(filepath.Join(cfg.DataDir, "policies.db"))
	if err != nil {
		_ = providers.Close()
		return nil, err
	}
	data, err := datastore.NewStore(filepath.Join(cfg.DataDir, "data.db"))
	if err != nil {
		_ = providers.Close()
		_ = policies.Close()
		return nil, err
	}

	led, err := ledger.New(ledger.Config{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
		ShareTTL: cfg.ShareTTL,
		CacheTTL: cfg.CacheTTL,
	})
	if err != nil {
		_ = providers.Close()
		_ = policies.Close()
		_ = data.Close()
		return nil, err
	}

	caller := agent.New(cfg.AgentBaseURL,
		agent.WithAPIKey(cfg.AgentAPIKey),
		agent.WithTimeout(cfg.AgentTimeout),
		agent.WithRateLimit(cfg.AgentRateLimit),
	)

	registries := exchange.NewRegistries(cfg.PendingTTL, cfg.JanitorInterval)
	acks := correlate.NewRegistry[int]("share_ack", cfg.PendingTTL, cfg.JanitorInterval)

	coordinator := exchange.NewCoordinator(caller, providers, policies, registries)

	engineOpts := []distribute.Option{
		distribute.WithInfoFunc(coordinator.FetchProviderInfo),
	}
	if o.transform != nil {
		engineOpts = append(engineOpts, distribute.WithTransform(o.transform))
	}
	if o.fetchers != nil {
		engineOpts = append(engineOpts, distribute.WithFetcherFactory(o.fetchers))
	}
	engine := distribute.NewEngine(caller, providers, policies, data, led, acks, engineOpts...)

	server := api.NewServer(coordinator, engine, policies, data)
	router := server.Router(api.Config{
		RateLimitEnabled: cfg.RateLimitEnabled,
		RateLimitRPM:     cfg.RateLimitRPM,
	})

	return &App{
		cfg:        cfg,
		logger:     log.WithComponent("daemon"),
		providers:  providers,
		policies:   policies,
		data:       data,
		ledger:     led,
		registries: registries,
		acks:       acks,
		router:     router,
	}, nil
}

// Handler exposes the HTTP surface, mainly for tests.
func (a *App) Handler() http.Handler {
	return a.router
}

// Run serves HTTP until ctx is cancelled, then shuts everything down in
// reverse dependency order.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.cfg.ListenAddr,
		Handler:           a.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.logger.Info().
			Str("event", "daemon.listening").
			Str("addr", a.cfg.ListenAddr).
			Msg("http server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("daemon: serve: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Warn().Err(err).Str("event", "daemon.shutdown_forced").Msg("forcing server close")
			_ = srv.Close()
		}
		return nil
	})

	err := g.Wait()
	a.close()
	return err
}

func (a *App) close() {
	a.registries.Close()
	a.acks.Close()
	if err := a.ledger.Close(); err != nil {
		a.logger.Warn().Err(err).Str("event", "daemon.close_failed").Msg("ledger close failed")
	}
	for name, closer := range map[string]interface{ Close() error }{
		"providers": a.providers,
		"policies":  a.policies,
		"data":      a.data,
	} {
		if err := closer.Close(); err != nil {
			a.logger.Warn().Err(err).
				Str("event", "daemon.close_failed").
				Str("store", name).
				Msg("store close failed")
		}
	}
	a.logger.Info().Str("event", "daemon.stopped").Msg("shutdown complete")
}
