// Package app wires up all subsystems and owns the application lifecycle.
//
// Startup order:
//  1. initStorage  — SQL store (sqlite/postgres), optional ClickHouse mirror
//  2. initInfra    — optional Redis-fronted model cache
//  3. initServices — provider adapters, metrics registry, request logger
//  4. initGateway  — vault, redirects, balancer, breaker, chat/models
//     pipelines, health checker, HTTP routes
package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/nulpointcorp/aigateway/internal/config"
	"github.com/nulpointcorp/aigateway/internal/logger"
	"github.com/nulpointcorp/aigateway/internal/metrics"
	"github.com/nulpointcorp/aigateway/internal/providers"
	anthropicprov "github.com/nulpointcorp/aigateway/internal/providers/anthropic"
	openaiprov "github.com/nulpointcorp/aigateway/internal/providers/openai"
	zhipuprov "github.com/nulpointcorp/aigateway/internal/providers/zhipu"
	"github.com/nulpointcorp/aigateway/internal/proxy"
	"github.com/nulpointcorp/aigateway/internal/storage"
)

// App owns all long-lived resources and exposes Run / Close.
type App struct {
	version string
	cfg     *config.Config
	baseCtx context.Context
	log     *slog.Logger

	store  storage.Store           // *storage.SQLStore, closed on shutdown
	rdb    *redis.Client           // optional, nil unless Logging.RedisURL is set
	chSink *storage.ClickHouseSink // optional, nil unless Logging.ClickHouseDSN is set

	reqLogger *logger.Logger
	prom      *metrics.Registry

	adapters map[string]providers.ProviderAdapter

	mgmt   *proxy.ManagementRoutes
	gw     *proxy.Gateway
	health *proxy.HealthChecker
}

// New initialises all subsystems and returns a ready-to-run App.
// All resources allocated here are released by Close.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger, version string) (*App, error) {
	if ctx == nil {
		return nil, fmt.Errorf("app: context must not be nil")
	}

	a := &App{cfg: cfg, version: version, baseCtx: ctx, log: log}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"storage", a.initStorage},
		{"infra", a.initInfra},
		{"services", a.initServices},
		{"gateway", a.initGateway},
	}

	for _, s := range steps {
		if err := s.fn(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("app: init %s: %w", s.name, err)
		}
	}

	return a, nil
}

// Run starts the HTTP server and blocks until ctx is cancelled or an error
// occurs. It closes the app gracefully when returning.
func (a *App) Run(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", a.cfg.Server.Host, a.cfg.Server.Port)

	a.log.Info("starting gateway",
		slog.String("version", a.version),
		slog.String("addr", addr),
		slog.String("load_balancing", a.cfg.LoadBalancing.Strategy),
		slog.Int("adapters", len(a.adapters)),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.gw.StartWithRoutes(addr, a.mgmt)
	})

	g.Go(func() error {
		<-gctx.Done()
		a.Close()
		return nil
	})

	return g.Wait()
}

// Close releases all resources in reverse-init order. Safe to call multiple
// times in sequence; calls are not synchronized, so concurrent calls are
// not safe.
func (a *App) Close() {
	if a.health != nil {
		a.health.Close()
		a.health = nil
	}
	if a.reqLogger != nil {
		if err := a.reqLogger.Close(); err != nil {
			a.log.Error("logger close error", slog.String("error", err.Error()))
		}
		a.reqLogger = nil
	}
	if a.chSink != nil {
		if err := a.chSink.Close(); err != nil {
			a.log.Error("clickhouse close error", slog.String("error", err.Error()))
		}
		a.chSink = nil
	}
	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil {
			a.log.Error("redis close error", slog.String("error", err.Error()))
		}
		a.rdb = nil
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Error("store close error", slog.String("error", err.Error()))
		}
		a.store = nil
	}
}

// ── Private helpers ──────────────────────────────────────────────────────────

// buildAdapters returns the three ProviderAdapter implementations keyed by
// api_type, matching the enum storage.Provider.APIType carries (§3).
func buildAdapters() map[string]providers.ProviderAdapter {
	return map[string]providers.ProviderAdapter{
		"openai":    openaiprov.New(),
		"anthropic": anthropicprov.New(),
		"zhipu":     zhipuprov.New(),
	}
}

// redactURL replaces the userinfo portion of a URL with "***" for safe logging.
// e.g. "redis://:secret@localhost:6379" → "redis://***@localhost:6379"
func redactURL(raw string) string {
	for i, c := range raw {
		if c == '@' {
			for j := i - 1; j >= 0; j-- {
				if j+2 < len(raw) && raw[j:j+3] == "://" {
					return raw[:j+3] + "***" + raw[i:]
				}
			}
			return "***" + raw[i:]
		}
	}
	return raw
}

// Gateway exposes the constructed proxy.Gateway, for callers (e.g. tests)
// that need lower-level access than Run provides.
func (a *App) Gateway() *proxy.Gateway { return a.gw }

// Store exposes the constructed storage.Store.
func (a *App) Store() storage.Store { return a.store }
