package storage

import "github.com/nulpointcorp/aigateway/internal/vault"

// Provider is the §3 Provider entity.
type Provider struct {
	Name           string `gorm:"primaryKey"`
	APIType        string // openai | anthropic | zhipu
	BaseURL        string
	ModelsEndpoint string
	Enabled        bool
}

func (Provider) TableName() string { return "providers" }

// ProviderKey is the §3 ProviderKey entity. Unique on (Provider, Value)
// regardless of encoding, per the invariant in §3.
type ProviderKey struct {
	Provider  string `gorm:"primaryKey"`
	Value     string `gorm:"primaryKey"`
	Enc       vault.Enc
	Active    bool
	CreatedAt string // Beijing-formatted, per timeutil.Layout
}

func (ProviderKey) TableName() string { return "provider_keys" }

// ClientToken is the §3 ClientToken entity.
type ClientToken struct {
	ID                    string `gorm:"primaryKey"`
	Name                  string
	Token                 string // secret string; shown only on create by the caller
	AllowedModels         string // comma-joined; empty = all
	MaxAmount             *float64
	MaxTokens             *int64
	ExpiresAt             *string // Beijing-formatted, nil = never
	Enabled               bool
	AmountSpent           float64
	PromptTokensSpent     int64
	CompletionTokensSpent int64
	TotalTokensSpent      int64
	UsageCount            int64
	CreatedAt             string
}

func (ClientToken) TableName() string { return "client_tokens" }

// ModelCacheEntry is the §3 ModelCacheEntry entity, composite key (provider, id).
type ModelCacheEntry struct {
	Provider string `gorm:"primaryKey"`
	ID       string `gorm:"primaryKey"`
	Object   string
	Created  int64
	OwnedBy  string
	CachedAt string // Beijing-formatted
}

func (ModelCacheEntry) TableName() string { return "cached_models" }

// ModelPrice is the §3 ModelPrice entity; absence is never an error.
type ModelPrice struct {
	Provider         string `gorm:"primaryKey"`
	Model            string `gorm:"primaryKey"`
	PromptPerMillion float64
	CompPerMillion   float64
	Currency         string
}

func (ModelPrice) TableName() string { return "model_prices" }

// RequestLog is the §3 RequestLog entity; exactly one row per completed
// request attempt.
type RequestLog struct {
	ID               uint64 `gorm:"primaryKey;autoIncrement"`
	Timestamp        string `gorm:"index"`
	Method           string
	Path             string
	RequestType      string
	Model            string
	Provider         string
	APIKey           string // presented per vault policy, never raw plaintext by default
	ClientToken      string `gorm:"index"`
	StatusCode       int
	ResponseTimeMs   int64
	PromptTokens     *int64
	CompletionTokens *int64
	TotalTokens      *int64
	CachedTokens     *int64
	ReasoningTokens  *int64
	AmountSpent      *float64
	ErrorMessage     string
	Success          bool
	DedupKey         string `gorm:"uniqueIndex"` // at-least-once log write with dedup key, per §1 Non-goals
}

func (RequestLog) TableName() string { return "request_logs" }

// OperationLog is the §3 OperationLog entity.
type OperationLog struct {
	ID        uint64 `gorm:"primaryKey;autoIncrement"`
	Timestamp string
	Operation string
	Provider  string
	Details   string
}

func (OperationLog) TableName() string { return "operation_logs" }

// AllModels returns every table this package persists, for AutoMigrate.
func AllModels() []interface{} {
	return []interface{}{
		&Provider{}, &ProviderKey{}, &ClientToken{}, &ModelCacheEntry{},
		&ModelPrice{}, &RequestLog{}, &OperationLog{},
	}
}
