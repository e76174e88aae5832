package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nulpointcorp/aigateway/internal/balancer"
	"github.com/nulpointcorp/aigateway/internal/breaker"
	"github.com/nulpointcorp/aigateway/internal/cache"
	"github.com/nulpointcorp/aigateway/internal/chatpipeline"
	"github.com/nulpointcorp/aigateway/internal/identity"
	"github.com/nulpointcorp/aigateway/internal/logger"
	"github.com/nulpointcorp/aigateway/internal/metrics"
	"github.com/nulpointcorp/aigateway/internal/modelspipeline"
	"github.com/nulpointcorp/aigateway/internal/proxy"
	"github.com/nulpointcorp/aigateway/internal/storage"
	"github.com/nulpointcorp/aigateway/internal/vault"
)

// initStorage opens the SQL store (sqlite or postgres, per config) and, if
// configured, the best-effort ClickHouse analytics mirror.
func (a *App) initStorage(ctx context.Context) error {
	var (
		store *storage.SQLStore
		err   error
	)
	if a.cfg.UsesNetworkedSQL() {
		a.log.Info("opening postgres store", slog.String("schema", a.cfg.Logging.PgSchema))
		store, err = storage.OpenPostgres(a.cfg.Logging.PgURL, a.cfg.Logging.PgSchema, a.cfg.Logging.PgPoolSize)
	} else {
		a.log.Info("opening sqlite store", slog.String("path", a.cfg.Logging.DatabasePath))
		store, err = storage.OpenSQLite(a.cfg.Logging.DatabasePath)
	}
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	a.store = store

	if a.cfg.Logging.ClickHouseDSN != "" {
		a.log.Info("connecting to clickhouse analytics sink")
		sink, err := storage.NewClickHouseSink(ctx, a.cfg.Logging.ClickHouseDSN, a.log)
		if err != nil {
			return fmt.Errorf("clickhouse: %w", err)
		}
		a.chSink = sink
	}

	return nil
}

// initInfra establishes the optional Redis-fronted model cache.
// Redis is only required when Logging.RedisURL is set.
func (a *App) initInfra(ctx context.Context) error {
	if a.cfg.Logging.RedisURL == "" {
		return nil
	}

	a.log.Info("connecting to redis", slog.String("url", redactURL(a.cfg.Logging.RedisURL)))
	rdb, err := connectRedis(ctx, a.cfg.Logging.RedisURL)
	if err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	a.rdb = rdb
	a.log.Info("redis connected")
	return nil
}

// connectRedis parses the URL and verifies connectivity with a PING.
func connectRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	rdb := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return rdb, nil
}

// initServices builds the three provider adapters, the metrics registry,
// and the async request logger. The credential vault, redirect table,
// balancer and circuit breaker are built in initGateway.
func (a *App) initServices(ctx context.Context) error {
	a.adapters = buildAdapters()

	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)

	reqLogger, err := logger.New(ctx, a.store, a.chSink, a.log)
	if err != nil {
		return fmt.Errorf("request logger: %w", err)
	}
	a.reqLogger = reqLogger

	return nil
}

// initGateway wires the chat and models pipelines together and builds the
// HTTP Gateway plus management routes.
func (a *App) initGateway(ctx context.Context) error {
	v := vault.New(vault.Strategy(a.cfg.Logging.KeyLogStrategy), a.cfg.Logging.VaultSalt)

	rules := make([]identity.Rule, 0, len(a.cfg.Redirects))
	for _, r := range a.cfg.Redirects {
		rules = append(rules, identity.Rule{From: r.From, To: r.To})
	}
	redirects := identity.NewRedirects(rules)

	bal := balancer.New(balancer.Policy(a.cfg.LoadBalancing.Strategy))

	cb := breaker.New(breaker.Config{
		ErrorThreshold:  a.cfg.CircuitBreaker.ErrorThreshold,
		TimeWindow:      a.cfg.CircuitBreaker.TimeWindow,
		HalfOpenTimeout: a.cfg.CircuitBreaker.HalfOpenTimeout,
	})

	chat := &chatpipeline.Pipeline{
		Store:     a.store,
		Balancer:  bal,
		Breaker:   cb,
		Vault:     v,
		Redirects: redirects,
		Adapters:  a.adapters,
		Logs:      a.reqLogger,
	}

	// The model cache gets a Redis read-through front when configured;
	// otherwise the SQL store itself satisfies storage.ModelCache directly.
	var modelCache storage.ModelCache = a.store
	var redisPing func(context.Context) error
	if a.rdb != nil {
		modelCache = storage.NewRedisModelCache(a.store, a.rdb, 0, a.log)
		redisPing = func(ctx context.Context) error { return a.rdb.Ping(ctx).Err() }
	}

	excl, err := cache.NewExclusionList(nil, nil)
	if err != nil {
		return fmt.Errorf("model exclusions: %w", err)
	}

	models := modelspipeline.New(newModelCacheOverride(a.store, modelCache), v, a.adapters, excl)

	a.health = proxy.NewHealthChecker(a.baseCtx, a.dbPing, redisPing, a.prom)

	a.gw = proxy.NewGateway(a.baseCtx, chat, models, a.health, proxy.GatewayOptions{
		Logger:      a.log,
		Metrics:     a.prom,
		CORSOrigins: a.cfg.CORSOrigins,
		AdminToken:  a.cfg.AdminToken,
	})

	a.mgmt = &proxy.ManagementRoutes{
		Metrics: a.prom.Handler(),
	}

	return nil
}

func (a *App) dbPing(ctx context.Context) error {
	type pinger interface{ Ping(context.Context) error }
	if p, ok := a.store.(pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}

// modelCacheOverride satisfies storage.Store by delegating everything to
// the underlying SQL store except the four ModelCache methods, which go to
// an alternate implementation (the Redis read-through front, when
// configured). storage.Store embeds storage.ModelCache, so a plain struct
// embedding of both would make those four methods ambiguous and drop them
// from the method set entirely — forwarding them explicitly avoids that.
type modelCacheOverride struct {
	storage.Store
	cache storage.ModelCache
}

func newModelCacheOverride(store storage.Store, cache storage.ModelCache) storage.Store {
	return &modelCacheOverride{Store: store, cache: cache}
}

func (m *modelCacheOverride) ListAllModels(ctx context.Context) ([]storage.ModelCacheEntry, error) {
	return m.cache.ListAllModels(ctx)
}

func (m *modelCacheOverride) ListProviderModels(ctx context.Context, provider string) ([]storage.ModelCacheEntry, error) {
	return m.cache.ListProviderModels(ctx, provider)
}

func (m *modelCacheOverride) ReplaceModels(ctx context.Context, provider string, entries []storage.ModelCacheEntry) (added, updated, removed int, err error) {
	return m.cache.ReplaceModels(ctx, provider, entries)
}

func (m *modelCacheOverride) UpsertModels(ctx context.Context, provider string, entries []storage.ModelCacheEntry) (added, updated int, err error) {
	return m.cache.UpsertModels(ctx, provider, entries)
}

func (m *modelCacheOverride) RemoveModels(ctx context.Context, provider string, ids []string) (removed, missing []string, err error) {
	return m.cache.RemoveModels(ctx, provider, ids)
}
