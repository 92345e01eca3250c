package documents

import (
	"context"
	"errors"
	"testing"
)

func TestGormStoreGetMissingDocument(t *testing.T) {
	store, _ := mustGormStore(t)
	_, err := store.Get(context.Background(), mustDocumentID(t, "missing"))
	if !errors.Is(err, ErrDocumentNotFound) {
		t.Fatalf("expected ErrDocumentNotFound, got %v", err)
	}
}

func TestGormStorePutIsLastWriteWins(t *testing.T) {
	store, _ := mustGormStore(t)
	documentID := mustDocumentID(t, "doc-lww")

	first := mustContent(t, `{"ops":[{"insert":"first\n"}]}`)
	second := mustContent(t, `{"ops":[{"insert":"second\n"}]}`)
	if err := store.Put(context.Background(), documentID, first); err != nil {
		t.Fatalf("first put failed: %v", err)
	}
	if err := store.Put(context.Background(), documentID, second); err != nil {
		t.Fatalf("second put failed: %v", err)
	}

	snapshot, err := store.Get(context.Background(), documentID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if snapshot.Content.String() != second.String() {
		t.Fatalf("expected %s, got %s", second, snapshot.Content)
	}
	if snapshot.UpdatedAtSeconds != fixedUnixSeconds {
		t.Fatalf("expected updated_at %d, got %d", fixedUnixSeconds, snapshot.UpdatedAtSeconds)
	}
}

func TestGormStoreEnsureKeepsExistingContent(t *testing.T) {
	store, database := mustGormStore(t)
	documentID := mustDocumentID(t, "doc-ensure")
	content := mustContent(t, `{"ops":[{"insert":"kept\n"}]}`)

	if err := store.Put(context.Background(), documentID, content); err != nil {
		t.Fatalf("put failed: %v", err)
	}
	if err := store.Ensure(context.Background(), documentID); err != nil {
		t.Fatalf("ensure failed: %v", err)
	}

	var count int64
	if err := database.Model(&Document{}).Where(queryDocumentID, documentID.String()).Count(&count).Error; err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected a single record, got %d", count)
	}
	snapshot, err := store.Get(context.Background(), documentID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if snapshot.Content.String() != content.String() {
		t.Fatalf("ensure overwrote content: %s", snapshot.Content)
	}
}

func TestGormStoreReportsUnavailableWhenClosed(t *testing.T) {
	store, database := mustGormStore(t)
	sqlDB, err := database.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	_ = sqlDB.Close()

	err = store.Put(context.Background(), mustDocumentID(t, "doc-closed"), mustContent(t, `{}`))
	if !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable, got %v", err)
	}
	var serviceErr *ServiceError
	if !errors.As(err, &serviceErr) || serviceErr.Code() != "documents.put.upsert_failed" {
		t.Fatalf("expected coded service error, got %v", err)
	}
}
