// Package modelspipeline implements C9: the union model listing, on-demand
// upstream fetch, and cache mutation operations behind `/v1/models` and
// `/models/{provider}` (§4.6).
package modelspipeline

import (
	"context"
	"fmt"
	"sync"

	"github.com/nulpointcorp/aigateway/internal/cache"
	"github.com/nulpointcorp/aigateway/internal/providers"
	"github.com/nulpointcorp/aigateway/internal/storage"
	"github.com/nulpointcorp/aigateway/internal/timeutil"
	"github.com/nulpointcorp/aigateway/internal/vault"
	"github.com/nulpointcorp/aigateway/pkg/apierr"
)

// Pipeline holds C9's collaborators.
type Pipeline struct {
	Store     storage.Store
	Vault     *vault.Vault
	Adapters  map[string]providers.ProviderAdapter
	Exclusion *cache.ExclusionList

	mu       sync.Mutex
	provLock map[string]*sync.Mutex // per-provider advisory lock for cache mutations (§5)
}

// New builds a Pipeline.
func New(store storage.Store, v *vault.Vault, adapters map[string]providers.ProviderAdapter, excl *cache.ExclusionList) *Pipeline {
	return &Pipeline{Store: store, Vault: v, Adapters: adapters, Exclusion: excl, provLock: make(map[string]*sync.Mutex)}
}

func (p *Pipeline) lockFor(provider string) *sync.Mutex {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.provLock[provider]
	if !ok {
		l = &sync.Mutex{}
		p.provLock[provider] = l
	}
	return l
}

// ModelEntry is one row of the /v1/models union view, id rendered as
// "provider/id" per §4.6.
type ModelEntry struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

// ListCached implements GET /v1/models: a cache-only union over every
// provider, no upstream traffic.
func (p *Pipeline) ListCached(ctx context.Context) ([]ModelEntry, error) {
	entries, err := p.Store.ListAllModels(ctx)
	if err != nil {
		return nil, apierr.Wrap(apierr.CodeDB, "list cached models", err)
	}
	out := make([]ModelEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, ModelEntry{
			ID:      e.Provider + "/" + e.ID,
			Object:  e.Object,
			Created: e.Created,
			OwnedBy: e.OwnedBy,
		})
	}
	return out, nil
}

// FetchUpstream implements GET /models/{provider}?refresh=true: fetches the
// provider's model-listing endpoint without mutating the cache.
func (p *Pipeline) FetchUpstream(ctx context.Context, providerName string) ([]providers.UpstreamModel, error) {
	prov, adapter, apiKey, err := p.resolveProvider(ctx, providerName)
	if err != nil {
		return nil, err
	}
	models, err := adapter.ListModels(ctx, modelsURL(prov), apiKey)
	if err != nil {
		return nil, apierr.Wrap(apierr.CodeHTTP, "fetch provider models", err)
	}
	return models, nil
}

// CacheMutationRequest is the POST /models/{provider}/cache body.
type CacheMutationRequest struct {
	Mode    string   `json:"mode"` // "all" | "selected"
	Include []string `json:"include,omitempty"`
	Exclude []string `json:"exclude,omitempty"`
	Replace bool     `json:"replace"`
}

// CacheMutationSummary carries the X-Cache-* response headers (§4.6).
type CacheMutationSummary struct {
	Added    int
	Updated  int
	Removed  int
	Filtered int
}

// MutateCache implements POST /models/{provider}/cache, serialized per
// provider by an advisory in-process lock per §5.
func (p *Pipeline) MutateCache(ctx context.Context, providerName string, req CacheMutationRequest) (CacheMutationSummary, error) {
	lock := p.lockFor(providerName)
	lock.Lock()
	defer lock.Unlock()

	prov, adapter, apiKey, err := p.resolveProvider(ctx, providerName)
	if err != nil {
		return CacheMutationSummary{}, err
	}

	switch req.Mode {
	case "all":
		if !req.Replace {
			return CacheMutationSummary{}, apierr.New(apierr.CodeConflict, "mode=all requires replace=true")
		}
		upstream, err := adapter.ListModels(ctx, modelsURL(prov), apiKey)
		if err != nil {
			return CacheMutationSummary{}, apierr.Wrap(apierr.CodeHTTP, "fetch provider models", err)
		}

		now := timeutil.FormatBeijing(timeutil.Now())
		var entries []storage.ModelCacheEntry
		filtered := 0
		for _, m := range upstream {
			if p.Exclusion.Matches(m.ID) {
				filtered++
				continue
			}
			entries = append(entries, storage.ModelCacheEntry{
				Provider: providerName, ID: m.ID, Object: m.Object, Created: m.Created, OwnedBy: m.OwnedBy, CachedAt: now,
			})
		}

		added, updated, removed, err := p.Store.ReplaceModels(ctx, providerName, entries)
		if err != nil {
			return CacheMutationSummary{}, apierr.Wrap(apierr.CodeDB, "replace cached models", err)
		}
		p.writeOp(ctx, "provider_models_fetch", providerName, fmt.Sprintf("mode=all replace=true added=%d updated=%d removed=%d filtered=%d", added, updated, removed, filtered))
		return CacheMutationSummary{Added: added, Updated: updated, Removed: removed, Filtered: filtered}, nil

	case "selected":
		if req.Replace {
			return CacheMutationSummary{}, apierr.New(apierr.CodeConflict, "mode=selected requires replace=false")
		}
		upstream, err := adapter.ListModels(ctx, modelsURL(prov), apiKey)
		if err != nil {
			return CacheMutationSummary{}, apierr.Wrap(apierr.CodeHTTP, "fetch provider models", err)
		}
		byID := make(map[string]providers.UpstreamModel, len(upstream))
		for _, m := range upstream {
			byID[m.ID] = m
		}

		now := timeutil.FormatBeijing(timeutil.Now())
		var entries []storage.ModelCacheEntry
		for _, id := range req.Include {
			m, ok := byID[id]
			if !ok {
				return CacheMutationSummary{}, apierr.New(apierr.CodeNotFound, "unknown upstream model: "+id)
			}
			entries = append(entries, storage.ModelCacheEntry{
				Provider: providerName, ID: m.ID, Object: m.Object, Created: m.Created, OwnedBy: m.OwnedBy, CachedAt: now,
			})
		}

		added, updated, err := p.Store.UpsertModels(ctx, providerName, entries)
		if err != nil {
			return CacheMutationSummary{}, apierr.Wrap(apierr.CodeDB, "upsert cached models", err)
		}
		p.writeOp(ctx, "provider_models_fetch", providerName, fmt.Sprintf("mode=selected replace=false added=%d updated=%d", added, updated))
		return CacheMutationSummary{Added: added, Updated: updated}, nil

	default:
		return CacheMutationSummary{}, apierr.New(apierr.CodeConflict, "mode must be \"all\" or \"selected\"")
	}
}

// RemoveCached implements DELETE /models/{provider}/cache.
func (p *Pipeline) RemoveCached(ctx context.Context, providerName string, ids []string) (removed, missing []string, err error) {
	lock := p.lockFor(providerName)
	lock.Lock()
	defer lock.Unlock()

	removed, missing, err = p.Store.RemoveModels(ctx, providerName, ids)
	if err != nil {
		return nil, nil, apierr.Wrap(apierr.CodeDB, "remove cached models", err)
	}
	p.writeOp(ctx, "provider_models_fetch", providerName, fmt.Sprintf("removed=%d missing=%d", len(removed), len(missing)))
	return removed, missing, nil
}

func (p *Pipeline) resolveProvider(ctx context.Context, providerName string) (*storage.Provider, providers.ProviderAdapter, string, error) {
	prov, err := p.Store.GetProvider(ctx, providerName)
	if err != nil {
		return nil, nil, "", apierr.Wrap(apierr.CodeDB, "lookup provider", err)
	}
	if prov == nil {
		return nil, nil, "", apierr.New(apierr.CodeNotFound, "provider not found: "+providerName)
	}

	adapter, ok := p.Adapters[prov.APIType]
	if !ok {
		return nil, nil, "", apierr.New(apierr.CodeConfig, "no adapter registered for api_type "+prov.APIType)
	}

	keys, err := p.Store.ListActiveKeys(ctx, providerName)
	if err != nil {
		return nil, nil, "", apierr.Wrap(apierr.CodeDB, "list provider keys", err)
	}
	if len(keys) == 0 {
		return nil, nil, "", apierr.New(apierr.CodeNoAPIKeysAvailable, "no active API keys for provider "+providerName)
	}

	plainKey, err := p.Vault.Reveal(providerName, keys[0].Value, keys[0].Enc)
	if err != nil {
		return nil, nil, "", apierr.Wrap(apierr.CodeConfig, "reveal provider key", err)
	}

	return prov, adapter, plainKey, nil
}

func (p *Pipeline) writeOp(ctx context.Context, operation, providerName, details string) {
	_ = p.Store.WriteOperationLog(ctx, storage.OperationLog{
		Timestamp: timeutil.FormatBeijing(timeutil.Now()),
		Operation: operation,
		Provider:  providerName,
		Details:   details,
	})
}

func modelsURL(prov *storage.Provider) string {
	endpoint := prov.ModelsEndpoint
	if endpoint == "" {
		endpoint = "/v1/models"
	}
	return prov.BaseURL + endpoint
}
