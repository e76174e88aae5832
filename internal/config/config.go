// Package config loads and validates all runtime configuration for the gateway.
//
// Configuration is read from a single TOML file (config.toml in the working
// directory by default) with environment variable overrides — env vars take
// precedence over the file, following this repository's existing viper +
// gotenv pattern.
//
// Providers and their keys are deliberately NOT part of this file: they live
// in the storage port (internal/storage) and are managed by the admin CRUD
// collaborator. This file only carries the settings that gate the gateway's
// own process: listen address, load-balancing policy, storage backend
// selection, key-log strategy, and the static redirect table.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
)

// Config is the top-level configuration container.
type Config struct {
	Server        ServerConfig
	LoadBalancing LoadBalancingConfig
	Logging       LoggingConfig
	Redirects     []RedirectRule

	CircuitBreaker CircuitBreakerConfig
	Failover       FailoverConfig

	CORSOrigins []string
	AppBaseURL  string

	// AdminToken gates the admin-authenticated routes (§6: GET
	// /models/{provider}, POST|DELETE /models/{provider}/cache). Full
	// admin-identity verification is delegated to an external auth
	// collaborator (§1); this is the minimal bearer-equality stand-in the
	// core needs until that collaborator is wired in front of it.
	AdminToken string
}

// ServerConfig holds the listener settings.
type ServerConfig struct {
	Host string
	Port int
}

// LoadBalancingConfig selects C5's provider/key selection policy.
type LoadBalancingConfig struct {
	// Strategy is one of: first_available, round_robin, random. Default: round_robin.
	Strategy string
}

// LoggingConfig controls storage backend selection, key-log policy, and
// Beijing-time tracing formatting.
type LoggingConfig struct {
	// DatabasePath is the embedded-DB (sqlite) file; auto-created with its
	// parent directory if missing. Used when PgURL is empty.
	DatabasePath string

	// PgURL, PgSchema, PgPoolSize select the networked-SQL backend instead
	// of the embedded file DB when PgURL is non-empty.
	PgURL      string
	PgSchema   string
	PgPoolSize int

	// ClickHouseDSN, when set, enables the best-effort secondary analytics
	// write for RequestLogStore. Optional; failures never affect the
	// primary SQL write or the client response.
	ClickHouseDSN string

	// RedisURL, when set, enables the read-through cache in front of the
	// ModelCache storage port. Optional.
	RedisURL string

	// KeyLogStrategy is one of: none, masked, plain (§4.7).
	KeyLogStrategy string

	// VaultSalt seeds the reversible obfuscation cipher the credential vault
	// uses for every strategy except "plain" (§4.7). Required unless
	// KeyLogStrategy is "plain"; rotating it invalidates every already-stored
	// obfuscated key.
	VaultSalt string

	// TracingTimeBeijing is loaded (default true) but not read anywhere:
	// persisted rows are always Beijing-formatted via timeutil, and the
	// process logger's timestamps do not depend on it.
	TracingTimeBeijing bool

	// Level controls the minimum process log level: debug, info, warn, error.
	Level string
}

// RedirectRule is one entry of the static startup redirect table (§3/§6).
type RedirectRule struct {
	From string
	To   string
}

// CircuitBreakerConfig controls the post-selection dispatch guard over
// provider availability (see SPEC_FULL.md "Supplemented Features").
type CircuitBreakerConfig struct {
	ErrorThreshold  int
	TimeWindow      time.Duration
	HalfOpenTimeout time.Duration
}

// FailoverConfig holds per-attempt provider HTTP settings. ProviderTimeout
// is validated at load time but not applied: adapters and the chat pipeline
// bound each dispatch with the fixed providers.ProviderTimeout.
type FailoverConfig struct {
	ProviderTimeout time.Duration
}

// Load reads configuration from config.toml (if present) and environment
// variables, environment taking precedence.
func Load() (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("toml")
	v.AddConfigPath(".")
	_ = v.ReadInConfig()

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("SERVER_HOST", "0.0.0.0")
	v.SetDefault("SERVER_PORT", 8080)
	v.SetDefault("LOAD_BALANCING_STRATEGY", "round_robin")
	v.SetDefault("LOGGING_DATABASE_PATH", "./data/gateway.db")
	v.SetDefault("LOGGING_KEY_LOG_STRATEGY", "masked")
	v.SetDefault("LOGGING_TRACING_TIME_BEIJING", true)
	v.SetDefault("LOGGING_LEVEL", "info")
	v.SetDefault("LOGGING_PG_POOL_SIZE", 10)
	v.SetDefault("CORS_ORIGINS", []string{"*"})

	v.SetDefault("CB_ERROR_THRESHOLD", 5)
	v.SetDefault("CB_TIME_WINDOW", "60s")
	v.SetDefault("CB_HALF_OPEN_TIMEOUT", "30s")
	v.SetDefault("PROVIDER_TIMEOUT", "30s")

	cfg := &Config{
		Server: ServerConfig{
			Host: v.GetString("SERVER_HOST"),
			Port: v.GetInt("SERVER_PORT"),
		},
		LoadBalancing: LoadBalancingConfig{
			Strategy: strings.ToLower(v.GetString("LOAD_BALANCING_STRATEGY")),
		},
		Logging: LoggingConfig{
			DatabasePath:       v.GetString("LOGGING_DATABASE_PATH"),
			PgURL:              v.GetString("LOGGING_PG_URL"),
			PgSchema:           v.GetString("LOGGING_PG_SCHEMA"),
			PgPoolSize:         v.GetInt("LOGGING_PG_POOL_SIZE"),
			ClickHouseDSN:      v.GetString("LOGGING_CLICKHOUSE_DSN"),
			RedisURL:           v.GetString("LOGGING_REDIS_URL"),
			KeyLogStrategy:     strings.ToLower(v.GetString("LOGGING_KEY_LOG_STRATEGY")),
			VaultSalt:          v.GetString("VAULT_SALT"),
			TracingTimeBeijing: v.GetBool("LOGGING_TRACING_TIME_BEIJING"),
			Level:              strings.ToLower(v.GetString("LOGGING_LEVEL")),
		},
		CircuitBreaker: CircuitBreakerConfig{
			ErrorThreshold:  v.GetInt("CB_ERROR_THRESHOLD"),
			TimeWindow:      v.GetDuration("CB_TIME_WINDOW"),
			HalfOpenTimeout: v.GetDuration("CB_HALF_OPEN_TIMEOUT"),
		},
		Failover: FailoverConfig{
			ProviderTimeout: v.GetDuration("PROVIDER_TIMEOUT"),
		},
		CORSOrigins: v.GetStringSlice("CORS_ORIGINS"),
		AppBaseURL:  v.GetString("APP_BASE_URL"),
		AdminToken:  v.GetString("ADMIN_TOKEN"),
	}

	cfg.Redirects = parseRedirects(v.Get("redirect"))

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// parseRedirects reads the `redirect` table from the config file: an
// ordered list of {from, to} maps, loaded once at startup (§3: "immutable
// during process lifetime").
func parseRedirects(raw interface{}) []RedirectRule {
	entries, ok := raw.([]interface{})
	if !ok {
		return nil
	}
	rules := make([]RedirectRule, 0, len(entries))
	for _, e := range entries {
		m, ok := e.(map[string]interface{})
		if !ok {
			continue
		}
		from, _ := m["from"].(string)
		to, _ := m["to"].(string)
		if from == "" || to == "" {
			continue
		}
		rules = append(rules, RedirectRule{From: from, To: to})
	}
	return rules
}

// validate checks all semantic constraints that cannot be expressed as defaults.
func (c *Config) validate() error {
	switch c.LoadBalancing.Strategy {
	case "first_available", "round_robin", "random":
	default:
		return fmt.Errorf("config: invalid LOAD_BALANCING_STRATEGY %q; must be one of: first_available, round_robin, random", c.LoadBalancing.Strategy)
	}

	switch c.Logging.KeyLogStrategy {
	case "none", "masked", "plain":
	default:
		return fmt.Errorf("config: invalid LOGGING_KEY_LOG_STRATEGY %q; must be one of: none, masked, plain", c.Logging.KeyLogStrategy)
	}
	if c.Logging.KeyLogStrategy != "plain" && c.Logging.VaultSalt == "" {
		return fmt.Errorf("config: VAULT_SALT is required unless LOGGING_KEY_LOG_STRATEGY is plain (none/masked still obfuscate keys at rest)")
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: invalid LOGGING_LEVEL %q; must be one of: debug, info, warn, error", c.Logging.Level)
	}

	if c.Logging.DatabasePath == "" && c.Logging.PgURL == "" {
		return fmt.Errorf("config: one of LOGGING_DATABASE_PATH or LOGGING_PG_URL is required")
	}
	if c.Logging.PgURL != "" && c.Logging.PgPoolSize < 1 {
		return fmt.Errorf("config: LOGGING_PG_POOL_SIZE must be ≥ 1, got %d", c.Logging.PgPoolSize)
	}

	if c.CircuitBreaker.ErrorThreshold < 1 {
		return fmt.Errorf("config: CB_ERROR_THRESHOLD must be ≥ 1, got %d", c.CircuitBreaker.ErrorThreshold)
	}
	if c.CircuitBreaker.TimeWindow <= 0 {
		return fmt.Errorf("config: CB_TIME_WINDOW must be a positive duration")
	}
	if c.Failover.ProviderTimeout <= 0 {
		return fmt.Errorf("config: PROVIDER_TIMEOUT must be a positive duration")
	}

	return nil
}

// UsesNetworkedSQL reports whether the networked-SQL (postgres) storage
// backend is selected instead of the embedded file DB.
func (c *Config) UsesNetworkedSQL() bool {
	return c.Logging.PgURL != ""
}

// loadDotEnv populates process env vars from a .env file when present.
func loadDotEnv(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: %s is a directory, expected a file", path)
	}
	if err := gotenv.Load(path); err != nil {
		return fmt.Errorf("config: failed to load %s: %w", path, err)
	}
	return nil
}
