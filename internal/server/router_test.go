package server

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/MarcoPoloResearchLab/coedit/internal/documents"
)

func getJSON(t *testing.T, url string, target any) int {
	t.Helper()
	response, err := http.Get(url)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer response.Body.Close()
	if target != nil {
		if err := json.NewDecoder(response.Body).Decode(target); err != nil {
			t.Fatalf("failed to decode response: %v", err)
		}
	}
	return response.StatusCode
}

func TestNewHTTPHandlerRequiresDependencies(t *testing.T) {
	if _, err := NewHTTPHandler(Dependencies{}); err == nil {
		t.Fatalf("expected missing hub to be rejected")
	}
}

func TestHealthEndpoint(t *testing.T) {
	fixture := newTestServer(t)
	var payload struct {
		Status string `json:"status"`
		Rooms  int    `json:"rooms"`
	}
	if status := getJSON(t, fixture.server.URL+"/healthz", &payload); status != http.StatusOK {
		t.Fatalf("unexpected status %d", status)
	}
	if payload.Status != "ok" {
		t.Fatalf("unexpected health payload %+v", payload)
	}
}

func TestGetDocumentEndpoint(t *testing.T) {
	fixture := newTestServer(t)

	if status := getJSON(t, fixture.server.URL+"/documents/doc-1", nil); status != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown document, got %d", status)
	}

	documentID, err := documents.NewDocumentID("doc-1")
	if err != nil {
		t.Fatalf("unexpected document id error: %v", err)
	}
	if err := fixture.store.Put(context.Background(), documentID, documents.Content(`{"ops":[{"insert":"hi\n"}]}`)); err != nil {
		t.Fatalf("failed to seed document: %v", err)
	}

	var payload struct {
		DocumentID       string          `json:"document_id"`
		Content          json.RawMessage `json:"content"`
		UpdatedAtSeconds int64           `json:"updated_at_s"`
	}
	if status := getJSON(t, fixture.server.URL+"/documents/doc-1", &payload); status != http.StatusOK {
		t.Fatalf("expected 200, got %d", status)
	}
	if payload.DocumentID != "doc-1" || string(payload.Content) != `{"ops":[{"insert":"hi\n"}]}` {
		t.Fatalf("unexpected document payload %+v", payload)
	}
	if payload.UpdatedAtSeconds == 0 {
		t.Fatalf("expected updated_at_s to be set")
	}
}

func TestGetDocumentEndpointStoreUnavailable(t *testing.T) {
	fixture := newTestServerWithStore(t, unavailableStore{})
	if status := getJSON(t, fixture.server.URL+"/documents/doc-1", nil); status != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", status)
	}
}

func TestPresenceEndpoint(t *testing.T) {
	fixture := newTestServer(t)
	joinDocument(t, fixture.hub, "Ada", "doc-1")
	joinDocument(t, fixture.hub, "Grace", "doc-1")
	joinDocument(t, fixture.hub, "Linus", "doc-2")

	var payload struct {
		DocumentID string `json:"document_id"`
		Members    []struct {
			SessionID     string `json:"session_id"`
			DisplayHandle string `json:"display_handle"`
		} `json:"members"`
	}
	if status := getJSON(t, fixture.server.URL+"/documents/doc-1/presence", &payload); status != http.StatusOK {
		t.Fatalf("unexpected status %d", status)
	}
	if len(payload.Members) != 2 || payload.Members[0].DisplayHandle != "Ada" || payload.Members[1].DisplayHandle != "Grace" {
		t.Fatalf("unexpected presence payload %+v", payload)
	}
}

func TestRequestSnapshotEndpoint(t *testing.T) {
	fixture := newTestServer(t)

	response, err := http.Post(fixture.server.URL+"/documents/doc-1/snapshot", "application/json", http.NoBody)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	_ = response.Body.Close()
	if response.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 without editors, got %d", response.StatusCode)
	}

	joinDocument(t, fixture.hub, "Ada", "doc-1")
	response, err = http.Post(fixture.server.URL+"/documents/doc-1/snapshot", "application/json", http.NoBody)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	_ = response.Body.Close()
	if response.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202 with an editor present, got %d", response.StatusCode)
	}
}
