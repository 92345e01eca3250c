package server

import (
	"context"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/coedit/internal/collab"
	"github.com/MarcoPoloResearchLab/coedit/internal/database"
	"github.com/MarcoPoloResearchLab/coedit/internal/documents"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type testServer struct {
	server     *httptest.Server
	hub        *collab.Hub
	store      documents.Store
	dispatcher *DocumentEventDispatcher
}

func newTestServer(t *testing.T) testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "server.db"), zap.NewNop())
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	t.Cleanup(func() { _ = sqlDB.Close() })

	store, err := documents.NewGormStore(documents.GormStoreConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	return newTestServerWithStore(t, store)
}

func newTestServerWithStore(t *testing.T, store documents.Store) testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	loader, err := documents.NewLoader(documents.LoaderConfig{Store: store})
	if err != nil {
		t.Fatalf("failed to create loader: %v", err)
	}
	dispatcher := NewDocumentEventDispatcher()
	hub, err := collab.NewHub(collab.HubConfig{
		Loader:           loader,
		Store:            store,
		SnapshotInterval: time.Hour,
		Events:           dispatcher,
	})
	if err != nil {
		t.Fatalf("failed to create hub: %v", err)
	}
	t.Cleanup(hub.Close)

	handler, err := NewHTTPHandler(Dependencies{
		Hub:               hub,
		Store:             store,
		Events:            dispatcher,
		Logger:            zap.NewNop(),
		AllowedOrigins:    []string{"*"},
		HeartbeatInterval: 50 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("failed to construct http handler: %v", err)
	}
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	return testServer{server: server, hub: hub, store: store, dispatcher: dispatcher}
}

type unavailableStore struct{}

func (unavailableStore) Get(context.Context, documents.DocumentID) (documents.Snapshot, error) {
	return documents.Snapshot{}, documents.ErrStoreUnavailable
}

func (unavailableStore) Put(context.Context, documents.DocumentID, documents.Content) error {
	return documents.ErrStoreUnavailable
}

func (unavailableStore) Ensure(context.Context, documents.DocumentID) error {
	return documents.ErrStoreUnavailable
}

func joinDocument(t *testing.T, hub *collab.Hub, handle, documentID string) *collab.Session {
	t.Helper()
	session, err := hub.Connect(collab.Identity{DisplayHandle: handle})
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	envelope, err := collab.NewEnvelope(collab.KindGetDocument, collab.GetDocumentPayload{DocumentID: documentID})
	if err != nil {
		t.Fatalf("failed to encode get-document: %v", err)
	}
	if err := hub.Dispatch(context.Background(), session, envelope); err != nil {
		t.Fatalf("failed to join: %v", err)
	}
	return session
}
