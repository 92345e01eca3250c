package collab

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/coedit/internal/documents"
)

const receiveDeadline = time.Second

type memoryStore struct {
	mu        sync.Mutex
	snapshots map[documents.DocumentID]documents.Content
	failPut   bool
	puts      int
}

func newMemoryStore() *memoryStore {
	return &memoryStore{snapshots: make(map[documents.DocumentID]documents.Content)}
}

func (store *memoryStore) Get(_ context.Context, documentID documents.DocumentID) (documents.Snapshot, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	content, ok := store.snapshots[documentID]
	if !ok {
		return documents.Snapshot{}, documents.ErrDocumentNotFound
	}
	return documents.Snapshot{DocumentID: documentID, Content: content}, nil
}

func (store *memoryStore) Put(_ context.Context, documentID documents.DocumentID, content documents.Content) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.puts++
	if store.failPut {
		return documents.ErrStoreUnavailable
	}
	store.snapshots[documentID] = content
	return nil
}

func (store *memoryStore) Ensure(_ context.Context, documentID documents.DocumentID) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	if _, ok := store.snapshots[documentID]; !ok {
		store.snapshots[documentID] = documents.Content{}
	}
	return nil
}

func (store *memoryStore) content(documentID documents.DocumentID) string {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.snapshots[documentID].String()
}

func (store *memoryStore) setFailPut(fail bool) {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.failPut = fail
}

func (store *memoryStore) putCount() int {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.puts
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []DocumentEvent
}

func (publisher *recordingPublisher) Publish(event DocumentEvent) {
	publisher.mu.Lock()
	defer publisher.mu.Unlock()
	publisher.events = append(publisher.events, event)
}

func (publisher *recordingPublisher) ofType(eventType string) []DocumentEvent {
	publisher.mu.Lock()
	defer publisher.mu.Unlock()
	var matching []DocumentEvent
	for _, event := range publisher.events {
		if event.EventType == eventType {
			matching = append(matching, event)
		}
	}
	return matching
}

func mustDocumentID(t *testing.T, value string) documents.DocumentID {
	t.Helper()
	id, err := documents.NewDocumentID(value)
	if err != nil {
		t.Fatalf("unexpected document id error: %v", err)
	}
	return id
}

func mustSession(t *testing.T, id string) *Session {
	t.Helper()
	session, err := NewSession(SessionConfig{ID: SessionID(id), QueueSize: 32})
	if err != nil {
		t.Fatalf("failed to create session: %v", err)
	}
	return session
}

// joinAndLoad joins the session and marks its initial content delivered so
// broadcasts reach its queue directly.
func joinAndLoad(t *testing.T, registry *Registry, documentID documents.DocumentID, session *Session) {
	t.Helper()
	registry.Join(documentID, session)
	if !session.markLoaded(documentID) {
		t.Fatalf("expected %s to be marked loaded", session.ID())
	}
}

func mustReceive(t *testing.T, session *Session, kind MessageKind) Envelope {
	t.Helper()
	deadline := time.After(receiveDeadline)
	for {
		select {
		case envelope := <-session.Outbound():
			if envelope.Kind == kind {
				return envelope
			}
		case <-deadline:
			t.Fatalf("session %s did not receive %s within %s", session.ID(), kind, receiveDeadline)
		}
	}
}

func expectNothing(t *testing.T, session *Session, kind MessageKind, wait time.Duration) {
	t.Helper()
	deadline := time.After(wait)
	for {
		select {
		case envelope := <-session.Outbound():
			if envelope.Kind == kind {
				t.Fatalf("session %s unexpectedly received %s: %s", session.ID(), kind, envelope.Payload)
			}
		case <-deadline:
			return
		}
	}
}

func drain(session *Session) {
	for {
		select {
		case <-session.Outbound():
		default:
			return
		}
	}
}

func decodePayload[T any](t *testing.T, envelope Envelope) T {
	t.Helper()
	var payload T
	if err := json.Unmarshal(envelope.Payload, &payload); err != nil {
		t.Fatalf("failed to decode %s payload: %v", envelope.Kind, err)
	}
	return payload
}
