package documents

import (
	"path/filepath"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

const fixedUnixSeconds = 1700000000

func mustDocumentID(t *testing.T, value string) DocumentID {
	t.Helper()
	id, err := NewDocumentID(value)
	if err != nil {
		t.Fatalf("unexpected document id error: %v", err)
	}
	return id
}

func mustContent(t *testing.T, value string) Content {
	t.Helper()
	content, err := NewContent([]byte(value))
	if err != nil {
		t.Fatalf("unexpected content error: %v", err)
	}
	return content
}

func mustGormStore(t *testing.T) (*GormStore, *gorm.DB) {
	t.Helper()
	database, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "documents.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	sqlDB, err := database.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := database.AutoMigrate(&Document{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	store, err := NewGormStore(GormStoreConfig{
		Database: database,
		Clock: func() time.Time {
			return time.Unix(fixedUnixSeconds, 0).UTC()
		},
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	return store, database
}
