// Package storage defines C3: the capability-interface storage ports the
// pipeline depends on, plus two interchangeable backends (embedded sqlite,
// networked postgres) implementing them through gorm, an optional
// ClickHouse secondary analytics sink for RequestLogStore, and an optional
// Redis read-through layer in front of ModelCache.
//
// Polymorphism here is a capability interface per entity family, not
// inheritance (§9): the pipeline never type-switches on which backend is
// live, it only calls through these interfaces.
package storage

import "context"

// ProviderStore manages Provider rows. Delete cascades to owned
// ProviderKeys and ModelCacheEntries, recorded in the operation log by the
// caller (the admin collaborator), atomically within the store (property 7).
type ProviderStore interface {
	GetProvider(ctx context.Context, name string) (*Provider, error)
	ListEnabledProviders(ctx context.Context) ([]Provider, error)
	ListAllProviders(ctx context.Context) ([]Provider, error)
	UpsertProvider(ctx context.Context, p Provider) error
	DeleteProvider(ctx context.Context, name string) error
}

// ProviderKeyStore manages ProviderKey rows.
type ProviderKeyStore interface {
	ListActiveKeys(ctx context.Context, provider string) ([]ProviderKey, error)
	AddKey(ctx context.Context, key ProviderKey) error
	// DeleteKey removes the (provider, value) pair; returns NotFound if it
	// does not exist, never a silent no-op (§3 invariant).
	DeleteKey(ctx context.Context, provider, value string) error
}

// ClientTokenStore manages ClientToken rows and their rolling counters.
type ClientTokenStore interface {
	GetTokenBySecret(ctx context.Context, secret string) (*ClientToken, error)
	GetToken(ctx context.Context, id string) (*ClientToken, error)
	// RecordTokenUsage atomically increments the spend/token counters and
	// returns the post-increment row, so the caller can decide whether a
	// cap was just crossed (§4.5 step 6).
	RecordTokenUsage(ctx context.Context, id string, amount float64, prompt, completion, total int64) (*ClientToken, error)
	SetTokenEnabled(ctx context.Context, id string, enabled bool) error
}

// ModelCache manages ModelCacheEntry rows, the backing store for C9.
type ModelCache interface {
	ListAllModels(ctx context.Context) ([]ModelCacheEntry, error)
	ListProviderModels(ctx context.Context, provider string) ([]ModelCacheEntry, error)
	// ReplaceModels wholesale-replaces one provider's cache (mode=all,replace=true).
	ReplaceModels(ctx context.Context, provider string, entries []ModelCacheEntry) (added, updated, removed int, err error)
	// UpsertModels appends/updates a subset (mode=selected,replace=false).
	UpsertModels(ctx context.Context, provider string, entries []ModelCacheEntry) (added, updated int, err error)
	// RemoveModels deletes exactly the given ids; ids not present are
	// reported, not treated as an error (§4.6).
	RemoveModels(ctx context.Context, provider string, ids []string) (removed []string, missing []string, err error)
}

// ModelPriceStore looks up per-(provider,model) pricing. Absence is never
// an error — callers treat a nil result as zero cost contribution.
type ModelPriceStore interface {
	GetPrice(ctx context.Context, provider, model string) (*ModelPrice, error)
}

// RequestLogStore persists one RequestLog row per completed request
// attempt (property 3). Write failures are logged to the process log but
// never fail the already-successful user response (§7).
type RequestLogStore interface {
	WriteRequestLog(ctx context.Context, log RequestLog) error
}

// OperationLogStore persists OperationLog rows for the two core-owned
// cache-mutation endpoints (§4.6) plus, when the admin collaborator has
// one wired to the same store, provider/key CRUD.
type OperationLogStore interface {
	WriteOperationLog(ctx context.Context, log OperationLog) error
}

// Store bundles every capability the pipeline needs behind one handle,
// built by whichever backend (sqlite or postgres) the config selects.
type Store interface {
	ProviderStore
	ProviderKeyStore
	ClientTokenStore
	ModelCache
	ModelPriceStore
	RequestLogStore
	OperationLogStore

	Close() error
}
