package storage

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisModelCache wraps a ModelCache with a read-through Redis front,
// grounded on the teacher's internal/cache/exact.go "graceful degradation
// on Redis error" idiom — but applied to model-list reads (§4.6) rather
// than completion caching, which spec.md names as a Non-goal.
//
// Mutations invalidate the per-provider and "all" keys synchronously;
// reads fall straight through to the wrapped ModelCache on any Redis error.
type RedisModelCache struct {
	next   ModelCache
	client *redis.Client
	ttl    time.Duration
	log    *slog.Logger
}

// NewRedisModelCache wraps next with a Redis front cache.
func NewRedisModelCache(next ModelCache, client *redis.Client, ttl time.Duration, log *slog.Logger) *RedisModelCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &RedisModelCache{next: next, client: client, ttl: ttl, log: log}
}

func (r *RedisModelCache) keyAll() string             { return "modelcache:all" }
func (r *RedisModelCache) keyProvider(p string) string { return "modelcache:provider:" + p }

func (r *RedisModelCache) ListAllModels(ctx context.Context) ([]ModelCacheEntry, error) {
	if entries, ok := r.readThrough(ctx, r.keyAll()); ok {
		return entries, nil
	}
	entries, err := r.next.ListAllModels(ctx)
	if err == nil {
		r.writeThrough(ctx, r.keyAll(), entries)
	}
	return entries, err
}

func (r *RedisModelCache) ListProviderModels(ctx context.Context, provider string) ([]ModelCacheEntry, error) {
	if entries, ok := r.readThrough(ctx, r.keyProvider(provider)); ok {
		return entries, nil
	}
	entries, err := r.next.ListProviderModels(ctx, provider)
	if err == nil {
		r.writeThrough(ctx, r.keyProvider(provider), entries)
	}
	return entries, err
}

func (r *RedisModelCache) ReplaceModels(ctx context.Context, provider string, entries []ModelCacheEntry) (int, int, int, error) {
	added, updated, removed, err := r.next.ReplaceModels(ctx, provider, entries)
	if err == nil {
		r.invalidate(ctx, provider)
	}
	return added, updated, removed, err
}

func (r *RedisModelCache) UpsertModels(ctx context.Context, provider string, entries []ModelCacheEntry) (int, int, error) {
	added, updated, err := r.next.UpsertModels(ctx, provider, entries)
	if err == nil {
		r.invalidate(ctx, provider)
	}
	return added, updated, err
}

func (r *RedisModelCache) RemoveModels(ctx context.Context, provider string, ids []string) ([]string, []string, error) {
	removed, missing, err := r.next.RemoveModels(ctx, provider, ids)
	if err == nil {
		r.invalidate(ctx, provider)
	}
	return removed, missing, err
}

func (r *RedisModelCache) readThrough(ctx context.Context, key string) ([]ModelCacheEntry, bool) {
	raw, err := r.client.Get(ctx, key).Bytes()
	if err != nil {
		return nil, false // miss or Redis error — degrade to the wrapped store
	}
	var entries []ModelCacheEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, false
	}
	return entries, true
}

func (r *RedisModelCache) writeThrough(ctx context.Context, key string, entries []ModelCacheEntry) {
	raw, err := json.Marshal(entries)
	if err != nil {
		return
	}
	if err := r.client.Set(ctx, key, raw, r.ttl).Err(); err != nil {
		r.log.Warn("model cache redis write-through failed", "error", err)
	}
}

func (r *RedisModelCache) invalidate(ctx context.Context, provider string) {
	if err := r.client.Del(ctx, r.keyAll(), r.keyProvider(provider)).Err(); err != nil {
		r.log.Warn("model cache redis invalidation failed", "error", err)
	}
}
