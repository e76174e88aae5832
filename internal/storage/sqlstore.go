package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/nulpointcorp/aigateway/internal/timeutil"
	"github.com/nulpointcorp/aigateway/pkg/apierr"
)

// SQLStore is the gorm-backed implementation of Store, shared by the
// embedded-file (sqlite) and networked (postgres) backends — the only
// difference between them is which gorm.Dialector OpenSQLite/OpenPostgres
// hands to gorm.Open.
type SQLStore struct {
	db *gorm.DB
}

// OpenSQLite opens the embedded-file-DB backend, auto-creating the file
// and its parent directory if missing (§6).
func OpenSQLite(path string) (*SQLStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, apierr.Wrap(apierr.CodeIO, "failed to create database directory", err)
		}
	}
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)})
	if err != nil {
		return nil, apierr.Wrap(apierr.CodeDB, "failed to open embedded database", err)
	}
	return newSQLStore(db)
}

// OpenPostgres opens the networked-SQL-DB backend.
func OpenPostgres(url, schema string, poolSize int) (*SQLStore, error) {
	if schema != "" {
		sep := "?"
		if strings.Contains(url, "?") {
			sep = "&"
		}
		url = fmt.Sprintf("%s%ssearch_path=%s", url, sep, schema)
	}
	db, err := gorm.Open(postgres.Open(url), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)})
	if err != nil {
		return nil, apierr.Wrap(apierr.CodeDB, "failed to open networked database", err)
	}
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.SetMaxOpenConns(poolSize)
	}
	return newSQLStore(db)
}

func newSQLStore(db *gorm.DB) (*SQLStore, error) {
	if err := db.AutoMigrate(AllModels()...); err != nil {
		return nil, apierr.Wrap(apierr.CodeDB, "failed to migrate schema", err)
	}
	return &SQLStore{db: db}, nil
}

func (s *SQLStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Ping is used by the health checker.
func (s *SQLStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// ── ProviderStore ───────────────────────────────────────────────────────

func (s *SQLStore) GetProvider(ctx context.Context, name string) (*Provider, error) {
	var p Provider
	if err := s.db.WithContext(ctx).First(&p, "name = ?", name).Error; err != nil {
		if isNotFound(err) {
			return nil, apierr.New(apierr.CodeNotFound, "provider not found")
		}
		return nil, apierr.Wrap(apierr.CodeDB, "failed to load provider", err)
	}
	return &p, nil
}

func (s *SQLStore) ListEnabledProviders(ctx context.Context) ([]Provider, error) {
	var ps []Provider
	if err := s.db.WithContext(ctx).Where("enabled = ?", true).Find(&ps).Error; err != nil {
		return nil, apierr.Wrap(apierr.CodeDB, "failed to list providers", err)
	}
	return ps, nil
}

func (s *SQLStore) ListAllProviders(ctx context.Context) ([]Provider, error) {
	var ps []Provider
	if err := s.db.WithContext(ctx).Find(&ps).Error; err != nil {
		return nil, apierr.Wrap(apierr.CodeDB, "failed to list providers", err)
	}
	return ps, nil
}

func (s *SQLStore) UpsertProvider(ctx context.Context, p Provider) error {
	if err := s.db.WithContext(ctx).Save(&p).Error; err != nil {
		return apierr.Wrap(apierr.CodeDB, "failed to upsert provider", err)
	}
	return nil
}

// DeleteProvider cascades to keys and cached models atomically (property 7).
func (s *SQLStore) DeleteProvider(ctx context.Context, name string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Delete(&Provider{}, "name = ?", name)
		if res.Error != nil {
			return apierr.Wrap(apierr.CodeDB, "failed to delete provider", res.Error)
		}
		if res.RowsAffected == 0 {
			return apierr.New(apierr.CodeNotFound, "provider not found")
		}
		if err := tx.Delete(&ProviderKey{}, "provider = ?", name).Error; err != nil {
			return apierr.Wrap(apierr.CodeDB, "failed to cascade-delete provider keys", err)
		}
		if err := tx.Delete(&ModelCacheEntry{}, "provider = ?", name).Error; err != nil {
			return apierr.Wrap(apierr.CodeDB, "failed to cascade-delete cached models", err)
		}
		return nil
	})
}

// ── ProviderKeyStore ─────────────────────────────────────────────────────

func (s *SQLStore) ListActiveKeys(ctx context.Context, provider string) ([]ProviderKey, error) {
	var keys []ProviderKey
	if err := s.db.WithContext(ctx).Where("provider = ? AND active = ?", provider, true).Find(&keys).Error; err != nil {
		return nil, apierr.Wrap(apierr.CodeDB, "failed to list provider keys", err)
	}
	return keys, nil
}

func (s *SQLStore) AddKey(ctx context.Context, key ProviderKey) error {
	if key.CreatedAt == "" {
		key.CreatedAt = timeutil.FormatBeijing(timeutil.Now())
	}
	if err := s.db.WithContext(ctx).Create(&key).Error; err != nil {
		return apierr.Wrap(apierr.CodeDB, "failed to add provider key", err)
	}
	return nil
}

func (s *SQLStore) DeleteKey(ctx context.Context, provider, value string) error {
	res := s.db.WithContext(ctx).Delete(&ProviderKey{}, "provider = ? AND value = ?", provider, value)
	if res.Error != nil {
		return apierr.Wrap(apierr.CodeDB, "failed to delete provider key", res.Error)
	}
	if res.RowsAffected == 0 {
		return apierr.New(apierr.CodeNotFound, "provider key not found")
	}
	return nil
}

// ── ClientTokenStore ─────────────────────────────────────────────────────

func (s *SQLStore) GetTokenBySecret(ctx context.Context, secret string) (*ClientToken, error) {
	var t ClientToken
	if err := s.db.WithContext(ctx).First(&t, "token = ?", secret).Error; err != nil {
		if isNotFound(err) {
			return nil, apierr.New(apierr.CodeUnauthorized, "unknown client token")
		}
		return nil, apierr.Wrap(apierr.CodeDB, "failed to load client token", err)
	}
	return &t, nil
}

func (s *SQLStore) GetToken(ctx context.Context, id string) (*ClientToken, error) {
	var t ClientToken
	if err := s.db.WithContext(ctx).First(&t, "id = ?", id).Error; err != nil {
		if isNotFound(err) {
			return nil, apierr.New(apierr.CodeNotFound, "client token not found")
		}
		return nil, apierr.Wrap(apierr.CodeDB, "failed to load client token", err)
	}
	return &t, nil
}

// RecordTokenUsage is a single-statement SQL increment, atomic at the DB
// level per §5, then re-read to return the post-increment row.
func (s *SQLStore) RecordTokenUsage(ctx context.Context, id string, amount float64, prompt, completion, total int64) (*ClientToken, error) {
	err := s.db.WithContext(ctx).Model(&ClientToken{}).Where("id = ?", id).
		Updates(map[string]interface{}{
			"amount_spent":            gorm.Expr("amount_spent + ?", amount),
			"prompt_tokens_spent":     gorm.Expr("prompt_tokens_spent + ?", prompt),
			"completion_tokens_spent": gorm.Expr("completion_tokens_spent + ?", completion),
			"total_tokens_spent":      gorm.Expr("total_tokens_spent + ?", total),
			"usage_count":             gorm.Expr("usage_count + 1"),
		}).Error
	if err != nil {
		return nil, apierr.Wrap(apierr.CodeDB, "failed to record token usage", err)
	}
	return s.GetToken(ctx, id)
}

func (s *SQLStore) SetTokenEnabled(ctx context.Context, id string, enabled bool) error {
	if err := s.db.WithContext(ctx).Model(&ClientToken{}).Where("id = ?", id).Update("enabled", enabled).Error; err != nil {
		return apierr.Wrap(apierr.CodeDB, "failed to update client token", err)
	}
	return nil
}

// ── ModelCache ───────────────────────────────────────────────────────────

func (s *SQLStore) ListAllModels(ctx context.Context) ([]ModelCacheEntry, error) {
	var entries []ModelCacheEntry
	if err := s.db.WithContext(ctx).Find(&entries).Error; err != nil {
		return nil, apierr.Wrap(apierr.CodeDB, "failed to list cached models", err)
	}
	return entries, nil
}

func (s *SQLStore) ListProviderModels(ctx context.Context, provider string) ([]ModelCacheEntry, error) {
	var entries []ModelCacheEntry
	if err := s.db.WithContext(ctx).Where("provider = ?", provider).Find(&entries).Error; err != nil {
		return nil, apierr.Wrap(apierr.CodeDB, "failed to list cached models", err)
	}
	return entries, nil
}

// ReplaceModels wholesale-replaces a single provider's cache, touching no
// row belonging to any other provider (property 6).
func (s *SQLStore) ReplaceModels(ctx context.Context, provider string, entries []ModelCacheEntry) (added, updated, removed int, err error) {
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing []ModelCacheEntry
		if err := tx.Where("provider = ?", provider).Find(&existing).Error; err != nil {
			return err
		}
		existingIDs := make(map[string]bool, len(existing))
		for _, e := range existing {
			existingIDs[e.ID] = true
		}
		newIDs := make(map[string]bool, len(entries))
		for _, e := range entries {
			newIDs[e.ID] = true
			if existingIDs[e.ID] {
				updated++
			} else {
				added++
			}
		}
		for id := range existingIDs {
			if !newIDs[id] {
				removed++
			}
		}
		if err := tx.Where("provider = ?", provider).Delete(&ModelCacheEntry{}).Error; err != nil {
			return err
		}
		if len(entries) > 0 {
			if err := tx.Create(&entries).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if txErr != nil {
		return 0, 0, 0, apierr.Wrap(apierr.CodeDB, "failed to replace cached models", txErr)
	}
	return added, updated, removed, nil
}

func (s *SQLStore) UpsertModels(ctx context.Context, provider string, entries []ModelCacheEntry) (added, updated int, err error) {
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, e := range entries {
			var existing ModelCacheEntry
			lookupErr := tx.Where("provider = ? AND id = ?", provider, e.ID).First(&existing).Error
			if isNotFound(lookupErr) {
				added++
			} else if lookupErr == nil {
				updated++
			} else {
				return lookupErr
			}
			if err := tx.Save(&e).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if txErr != nil {
		return 0, 0, apierr.Wrap(apierr.CodeDB, "failed to upsert cached models", txErr)
	}
	return added, updated, nil
}

func (s *SQLStore) RemoveModels(ctx context.Context, provider string, ids []string) (removed, missing []string, err error) {
	for _, id := range ids {
		res := s.db.WithContext(ctx).Where("provider = ? AND id = ?", provider, id).Delete(&ModelCacheEntry{})
		if res.Error != nil {
			return nil, nil, apierr.Wrap(apierr.CodeDB, "failed to remove cached model", res.Error)
		}
		if res.RowsAffected == 0 {
			missing = append(missing, id)
		} else {
			removed = append(removed, id)
		}
	}
	return removed, missing, nil
}

// ── ModelPriceStore ──────────────────────────────────────────────────────

func (s *SQLStore) GetPrice(ctx context.Context, provider, model string) (*ModelPrice, error) {
	var p ModelPrice
	err := s.db.WithContext(ctx).First(&p, "provider = ? AND model = ?", provider, model).Error
	if isNotFound(err) {
		return nil, nil // absence is never an error, per §3
	}
	if err != nil {
		return nil, apierr.Wrap(apierr.CodeDB, "failed to load model price", err)
	}
	return &p, nil
}

// ── RequestLogStore / OperationLogStore ─────────────────────────────────

func (s *SQLStore) WriteRequestLog(ctx context.Context, log RequestLog) error {
	// ON CONFLICT on DedupKey makes this write safe to retry, matching the
	// at-least-once-with-dedup Non-goal carve-out in §1.
	if err := s.db.WithContext(ctx).Clauses(onConflictDoNothing()).Create(&log).Error; err != nil {
		return apierr.Wrap(apierr.CodeDB, "failed to write request log", err)
	}
	return nil
}

func (s *SQLStore) WriteOperationLog(ctx context.Context, log OperationLog) error {
	if err := s.db.WithContext(ctx).Create(&log).Error; err != nil {
		return apierr.Wrap(apierr.CodeDB, "failed to write operation log", err)
	}
	return nil
}

func isNotFound(err error) bool {
	return err != nil && err == gorm.ErrRecordNotFound
}
