package storage

import "gorm.io/gorm/clause"

// onConflictDoNothing makes RequestLog writes idempotent on DedupKey,
// so a retried best-effort write (§1 Non-goals: "at-least-once log...
// with deduplication keys") never produces a duplicate row.
func onConflictDoNothing() clause.OnConflict {
	return clause.OnConflict{Columns: []clause.Column{{Name: "dedup_key"}}, DoNothing: true}
}
