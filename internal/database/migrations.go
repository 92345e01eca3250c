package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/coedit/internal/documents"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationNormalizeNullDocumentContent = "2026-09-14_normalize_null_document_content"
	migrationBackfillDocumentCreatedAt    = "2026-09-28_backfill_document_created_at"
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

func migrateSchema(db *gorm.DB, logger *zap.Logger) error {
	if err := db.AutoMigrate(&documents.Document{}, &migrationRecord{}); err != nil {
		return err
	}
	return applyMigrations(db, logger)
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationNormalizeNullDocumentContent, apply: normalizeNullDocumentContent},
		{name: migrationBackfillDocumentCreatedAt, apply: backfillDocumentCreatedAt},
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

// Early clients saved an unopened editor as the literal JSON null.
func normalizeNullDocumentContent(db *gorm.DB) error {
	return db.Model(&documents.Document{}).
		Where("content = ?", "null").
		Update("content", "").Error
}

func backfillDocumentCreatedAt(db *gorm.DB) error {
	return db.Model(&documents.Document{}).
		Where("created_at_s = 0").
		Update("created_at_s", gorm.Expr("updated_at_s")).Error
}
