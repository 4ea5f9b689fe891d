package database

import (
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationExternalEventDedupIndex     = "2026-07-14_external_event_dedup_index"
	migrationExternalEventDedupPerSender = "2026-08-30_external_event_dedup_per_sender"
)

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationExternalEventDedupIndex, apply: externalEventDedupIndex},
		{name: migrationExternalEventDedupPerSender, apply: externalEventDedupPerSender},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// externalEventDedupIndex was the first cut of the duplicate-delivery
// serialization point, unique per (source, canonical URL). Superseded by
// externalEventDedupPerSender; kept so existing databases replay the same
// history.
func externalEventDedupIndex(db *gorm.DB) error {
	return db.Exec(`CREATE UNIQUE INDEX IF NOT EXISTS idx_events_external_dedup
		ON events (external_source, external_url)
		WHERE event_type = 'external_event'`).Error
}

// externalEventDedupPerSender is the serialization point for concurrent
// duplicate webhook deliveries: at most one external event row may exist
// per (source, sender, canonical URL), where anonymous senders form their
// own bucket. Two indexes are needed because NULL user ids never compare
// equal under a plain unique index. Both are partial so that local
// resource-added events, which carry no external URL, are unaffected.
func externalEventDedupPerSender(db *gorm.DB) error {
	if err := db.Exec(`DROP INDEX IF EXISTS idx_events_external_dedup`).Error; err != nil {
		return err
	}
	err := db.Exec(`CREATE UNIQUE INDEX IF NOT EXISTS idx_events_external_dedup_sender
		ON events (external_source, user_id, external_url)
		WHERE event_type = 'external_event' AND user_id IS NOT NULL`).Error
	if err != nil {
		return err
	}
	return db.Exec(`CREATE UNIQUE INDEX IF NOT EXISTS idx_events_external_dedup_anon
		ON events (external_source, external_url)
		WHERE event_type = 'external_event' AND user_id IS NULL`).Error
}
