package collab

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/coedit/internal/documents"
	"go.uber.org/zap"
)

var (
	errMissingLoader  = errors.New("collab: document loader is required")
	errUnknownMessage = fmt.Errorf("%w: unknown message type", ErrMalformedPayload)
)

const (
	reasonStoreUnavailable = "store_unavailable"
	drainPollInterval      = 10 * time.Millisecond
)

// DocumentLoader resolves the initial content for a joining client.
type DocumentLoader interface {
	Load(ctx context.Context, documentID documents.DocumentID) (documents.LoadResult, error)
}

// HubConfig describes a Hub.
type HubConfig struct {
	Loader           DocumentLoader
	Store            documents.Store
	SnapshotInterval time.Duration
	Debounce         time.Duration
	ForwardDelay     time.Duration
	QueueSize        int
	Events           EventPublisher
	Clock            func() time.Time
	Logger           *zap.Logger
}

type handlerFunc func(ctx context.Context, session *Session, envelope Envelope) error

// Hub wires the registry, relays and scheduler together and routes each
// inbound message to the handler registered for its kind.
type Hub struct {
	registry   *Registry
	changes    *ChangeRelay
	selections *SelectionRelay
	scheduler  *Scheduler
	loader     DocumentLoader
	events     EventPublisher
	clock      func() time.Time
	queueSize  int
	logger     *zap.Logger
	handlers   map[MessageKind]handlerFunc

	mu       sync.Mutex
	sessions map[SessionID]*Session
}

// NewHub constructs a Hub and its components.
func NewHub(cfg HubConfig) (*Hub, error) {
	if cfg.Loader == nil {
		return nil, errMissingLoader
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	events := cfg.Events
	if events == nil {
		events = noopPublisher{}
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	registry := NewRegistry(logger)
	scheduler, err := NewScheduler(SchedulerConfig{
		Store:    cfg.Store,
		Registry: registry,
		Interval: cfg.SnapshotInterval,
		Events:   events,
		Clock:    clock,
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}
	selections := NewSelectionRelay(SelectionRelayConfig{
		Registry:     registry,
		Debounce:     cfg.Debounce,
		ForwardDelay: cfg.ForwardDelay,
		Logger:       logger,
	})

	hub := &Hub{
		registry:   registry,
		changes:    NewChangeRelay(registry, logger),
		selections: selections,
		scheduler:  scheduler,
		loader:     cfg.Loader,
		events:     events,
		clock:      clock,
		queueSize:  cfg.QueueSize,
		logger:     logger,
		sessions:   make(map[SessionID]*Session),
	}
	hub.handlers = map[MessageKind]handlerFunc{
		KindGetDocument:   hub.handleGetDocument,
		KindSendChanges:   hub.handleSendChanges,
		KindSendSelection: hub.handleSendSelection,
		KindSaveDocument:  hub.handleSaveDocument,
	}

	registry.AddObserver(scheduler)
	registry.AddObserver(selections)
	registry.AddObserver(hub)
	return hub, nil
}

// Registry exposes room membership.
func (hub *Hub) Registry() *Registry {
	return hub.registry
}

// Scheduler exposes the persistence scheduler.
func (hub *Hub) Scheduler() *Scheduler {
	return hub.scheduler
}

// Selections exposes the selection relay.
func (hub *Hub) Selections() *SelectionRelay {
	return hub.selections
}

// Connect creates a session for a newly opened transport.
func (hub *Hub) Connect(identity Identity) (*Session, error) {
	session, err := NewSession(SessionConfig{
		Identity:  identity,
		QueueSize: hub.queueSize,
		Clock:     hub.clock,
	})
	if err != nil {
		return nil, err
	}
	hub.mu.Lock()
	hub.sessions[session.ID()] = session
	hub.mu.Unlock()
	hub.logger.Info("session connected",
		zap.String("session_id", session.ID().String()),
		zap.String("display_handle", session.Identity().DisplayHandle))
	return session, nil
}

// Disconnect removes the session from its room and closes it. Safe to call more than once.
func (hub *Hub) Disconnect(session *Session) {
	if session == nil {
		return
	}
	hub.selections.Cancel(session)
	hub.registry.Evict(session)
	hub.mu.Lock()
	delete(hub.sessions, session.ID())
	hub.mu.Unlock()
}

// SessionCount returns the number of connected sessions.
func (hub *Hub) SessionCount() int {
	hub.mu.Lock()
	defer hub.mu.Unlock()
	return len(hub.sessions)
}

// Drain asks every open room for a final snapshot and waits until each
// answered or ctx ends, then disconnects every session. It returns ctx's
// error when some room never answered.
func (hub *Hub) Drain(ctx context.Context) error {
	waiting := make(map[documents.DocumentID]uint64)
	for _, room := range hub.registry.Rooms() {
		documentID := room.DocumentID()
		baseline := hub.scheduler.SavedCount(documentID)
		if hub.scheduler.RequestNow(documentID) {
			waiting[documentID] = baseline
		}
	}
	err := hub.awaitSnapshots(ctx, waiting)
	if err != nil {
		hub.logger.Warn("shutting down before every room saved",
			zap.Int("rooms_waiting", len(waiting)),
			zap.Error(err))
	}

	hub.mu.Lock()
	sessions := make([]*Session, 0, len(hub.sessions))
	for _, session := range hub.sessions {
		sessions = append(sessions, session)
	}
	hub.mu.Unlock()
	for _, session := range sessions {
		hub.Disconnect(session)
	}
	return err
}

func (hub *Hub) awaitSnapshots(ctx context.Context, waiting map[documents.DocumentID]uint64) error {
	ticker := time.NewTicker(drainPollInterval)
	defer ticker.Stop()
	for {
		for documentID, baseline := range waiting {
			if hub.scheduler.SavedCount(documentID) > baseline {
				delete(waiting, documentID)
			}
		}
		if len(waiting) == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Close stops background work.
func (hub *Hub) Close() {
	hub.scheduler.Close()
	hub.selections.Close()
}

// Dispatch runs the handler for the envelope's kind to completion.
func (hub *Hub) Dispatch(ctx context.Context, session *Session, envelope Envelope) error {
	handler, ok := hub.handlers[envelope.Kind]
	if !ok {
		return fmt.Errorf("%w: %q", errUnknownMessage, envelope.Kind)
	}
	return handler(ctx, session, envelope)
}

func (hub *Hub) handleGetDocument(ctx context.Context, session *Session, envelope Envelope) error {
	var payload GetDocumentPayload
	if err := envelope.Decode(&payload); err != nil {
		return err
	}
	documentID, err := documents.NewDocumentID(payload.DocumentID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	session.UpdateIdentity(payload.DisplayHandle, payload.Color)

	if session.isLoaded(documentID) {
		hub.logger.Debug("ignoring repeated get-document",
			zap.String("document_id", documentID.String()),
			zap.String("session_id", session.ID().String()))
		return nil
	}

	room := hub.registry.Join(documentID, session)
	result, err := hub.loader.Load(ctx, documentID)
	if err != nil {
		hub.registry.Leave(session)
		hub.logger.Warn("document load failed",
			zap.String("document_id", documentID.String()),
			zap.String("session_id", session.ID().String()),
			zap.Error(err))
		unavailable, encodeErr := NewEnvelope(KindDocumentUnavailable, DocumentUnavailablePayload{
			DocumentID: documentID.String(),
			Retryable:  errors.Is(err, documents.ErrStoreUnavailable) || errors.Is(err, context.DeadlineExceeded),
			Reason:     reasonStoreUnavailable,
		})
		if encodeErr != nil {
			return encodeErr
		}
		return session.send(unavailable)
	}

	admitted, err := room.admit(session, func(cursors []ReceiveSelectionPayload) (Envelope, error) {
		identity := session.Identity()
		return NewEnvelope(KindLoadDocument, LoadDocumentPayload{
			DocumentID:    documentID.String(),
			SessionID:     session.ID().String(),
			Content:       []byte(result.Content),
			Bootstrap:     result.Bootstrap,
			DisplayHandle: identity.DisplayHandle,
			Color:         identity.Color,
			Cursors:       cursors,
		})
	})
	if err != nil {
		if admitted {
			hub.Disconnect(session)
		}
		return err
	}
	if !admitted {
		return nil
	}
	hub.logger.Info("document loaded",
		zap.String("document_id", documentID.String()),
		zap.String("session_id", session.ID().String()),
		zap.Bool("bootstrap", result.Bootstrap))
	return nil
}

func (hub *Hub) handleSendChanges(_ context.Context, session *Session, envelope Envelope) error {
	documentID, err := hub.loadedDocument(session)
	if err != nil {
		return err
	}
	var payload SendChangesPayload
	if err := envelope.Decode(&payload); err != nil {
		return err
	}
	_, err = hub.changes.ApplyAndBroadcast(documentID, ChangeEvent{Delta: payload.Delta, Origin: session})
	return err
}

func (hub *Hub) handleSendSelection(_ context.Context, session *Session, envelope Envelope) error {
	documentID, err := hub.loadedDocument(session)
	if err != nil {
		return err
	}
	var payload SendSelectionPayload
	if err := envelope.Decode(&payload); err != nil {
		return err
	}
	return hub.selections.RelaySelection(documentID, SelectionEvent{
		Range:         payload.Range,
		Origin:        session,
		DisplayHandle: payload.DisplayHandle,
		Color:         payload.Color,
		Source:        SelectionSource(payload.Source),
	})
}

func (hub *Hub) handleSaveDocument(ctx context.Context, session *Session, envelope Envelope) error {
	documentID, err := hub.loadedDocument(session)
	if err != nil {
		return err
	}
	var payload SaveDocumentPayload
	if err := envelope.Decode(&payload); err != nil {
		return err
	}
	content, err := documents.NewContent(payload.Content)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return hub.scheduler.Persist(ctx, documentID, content)
}

func (hub *Hub) loadedDocument(session *Session) (documents.DocumentID, error) {
	documentID := session.DocumentID()
	if documentID == "" || !session.isLoaded(documentID) {
		return "", fmt.Errorf("%w: session %s", ErrNotJoined, session.ID())
	}
	return documentID, nil
}

// RoomOpened is part of Observer.
func (hub *Hub) RoomOpened(*Room) {}

// SessionJoined publishes the new member count.
func (hub *Hub) SessionJoined(session *Session, room *Room) {
	hub.publishPresence(room, session.ID())
}

// RoomClosed publishes that the room emptied.
func (hub *Hub) RoomClosed(room *Room) {
	hub.publishPresence(room, "")
}

// SessionLeft tells the remaining members to drop the departed cursor.
func (hub *Hub) SessionLeft(session *Session, room *Room) {
	envelope, err := NewEnvelope(KindPeerLeft, PeerLeftPayload{SessionID: session.ID().String()})
	if err == nil {
		_, failed := room.broadcast(envelope, session.ID())
		// Observers run under the registry lock.
		for _, member := range failed {
			go hub.Disconnect(member)
		}
	}
	hub.publishPresence(room, session.ID())
}

func (hub *Hub) publishPresence(room *Room, sessionID SessionID) {
	hub.events.Publish(DocumentEvent{
		DocumentID: room.DocumentID().String(),
		EventType:  EventPresenceChanged,
		SessionID:  sessionID.String(),
		Members:    room.Size(),
		Timestamp:  hub.clock().UTC(),
	})
}
