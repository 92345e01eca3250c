package collab

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/coedit/internal/documents"
	"go.uber.org/zap"
)

const (
	defaultSnapshotInterval = 2 * time.Second
	persistTimeout          = 10 * time.Second
)

var errMissingStore = errors.New("collab: document store is required")

// DocumentEvent describes a presence or persistence change for observers
// outside the relay (dashboards, the SSE feed).
type DocumentEvent struct {
	DocumentID string
	EventType  string
	SessionID  string
	Members    int
	Error      string
	Timestamp  time.Time
}

const (
	EventPresenceChanged = "presence-changed"
	EventSnapshotSaved   = "snapshot-saved"
	EventSnapshotFailed  = "snapshot-failed"
)

// EventPublisher receives DocumentEvents. Publish must not block.
type EventPublisher interface {
	Publish(event DocumentEvent)
}

type noopPublisher struct{}

func (noopPublisher) Publish(DocumentEvent) {}

// SchedulerConfig describes a Scheduler.
type SchedulerConfig struct {
	Store    documents.Store
	Registry *Registry
	Interval time.Duration
	Events   EventPublisher
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Scheduler runs one snapshot ticker per open room. Each tick asks one
// member, chosen round-robin, to report its full content.
type Scheduler struct {
	store    documents.Store
	registry *Registry
	interval time.Duration
	events   EventPublisher
	clock    func() time.Time
	logger   *zap.Logger

	mu      sync.Mutex
	tickers map[documents.DocumentID]context.CancelFunc
	saved   map[documents.DocumentID]uint64
	wg      sync.WaitGroup
	closed  bool
}

// NewScheduler constructs a Scheduler.
func NewScheduler(cfg SchedulerConfig) (*Scheduler, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultSnapshotInterval
	}
	events := cfg.Events
	if events == nil {
		events = noopPublisher{}
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		store:    cfg.Store,
		registry: cfg.Registry,
		interval: interval,
		events:   events,
		clock:    clock,
		logger:   logger,
		tickers:  make(map[documents.DocumentID]context.CancelFunc),
		saved:    make(map[documents.DocumentID]uint64),
	}, nil
}

// RoomOpened starts the room's ticker.
func (scheduler *Scheduler) RoomOpened(room *Room) {
	scheduler.mu.Lock()
	defer scheduler.mu.Unlock()
	if scheduler.closed {
		return
	}
	if cancel, ok := scheduler.tickers[room.DocumentID()]; ok {
		cancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	scheduler.tickers[room.DocumentID()] = cancel
	scheduler.wg.Add(1)
	go scheduler.run(ctx, room)
}

// RoomClosed stops the room's ticker.
func (scheduler *Scheduler) RoomClosed(room *Room) {
	scheduler.mu.Lock()
	defer scheduler.mu.Unlock()
	if cancel, ok := scheduler.tickers[room.DocumentID()]; ok {
		cancel()
		delete(scheduler.tickers, room.DocumentID())
	}
}

// SessionJoined is part of Observer.
func (scheduler *Scheduler) SessionJoined(*Session, *Room) {}

// SessionLeft is part of Observer.
func (scheduler *Scheduler) SessionLeft(*Session, *Room) {}

// Active reports whether a ticker is running for documentID.
func (scheduler *Scheduler) Active(documentID documents.DocumentID) bool {
	scheduler.mu.Lock()
	defer scheduler.mu.Unlock()
	_, ok := scheduler.tickers[documentID]
	return ok
}

// SavedCount returns how many snapshots of documentID have been written.
func (scheduler *Scheduler) SavedCount(documentID documents.DocumentID) uint64 {
	scheduler.mu.Lock()
	defer scheduler.mu.Unlock()
	return scheduler.saved[documentID]
}

// Close stops every ticker and waits for them to exit.
func (scheduler *Scheduler) Close() {
	scheduler.mu.Lock()
	scheduler.closed = true
	for documentID, cancel := range scheduler.tickers {
		cancel()
		delete(scheduler.tickers, documentID)
	}
	scheduler.mu.Unlock()
	scheduler.wg.Wait()
}

func (scheduler *Scheduler) run(ctx context.Context, room *Room) {
	defer scheduler.wg.Done()
	ticker := time.NewTicker(scheduler.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			scheduler.requestSnapshot(room)
		}
	}
}

// RequestNow asks a member of documentID's room for a snapshot outside the
// regular interval. It reports false when nobody could be asked.
func (scheduler *Scheduler) RequestNow(documentID documents.DocumentID) bool {
	if scheduler.registry == nil {
		return false
	}
	room, ok := scheduler.registry.Room(documentID)
	if !ok {
		return false
	}
	return scheduler.requestSnapshot(room)
}

func (scheduler *Scheduler) requestSnapshot(room *Room) bool {
	envelope, err := NewEnvelope(KindRequestSnapshot, RequestSnapshotPayload{DocumentID: room.DocumentID().String()})
	if err != nil {
		scheduler.logger.Error("failed to encode snapshot request", zap.Error(err))
		return false
	}
	for attempts := room.Size(); attempts > 0; attempts-- {
		reporter := room.nextReporter()
		if reporter == nil {
			return false
		}
		if !reporter.isLoaded(room.DocumentID()) {
			continue
		}
		if err := reporter.send(envelope); err != nil {
			scheduler.logger.Warn("snapshot request not delivered",
				zap.String("document_id", room.DocumentID().String()),
				zap.String("session_id", reporter.ID().String()),
				zap.Error(err))
			if scheduler.registry != nil {
				scheduler.registry.Evict(reporter)
			}
			continue
		}
		return true
	}
	return false
}

// Persist writes a full snapshot, replacing whatever was stored before.
// Failures are logged and published; the next tick tries again.
func (scheduler *Scheduler) Persist(ctx context.Context, documentID documents.DocumentID, content documents.Content) error {
	writeCtx, cancel := context.WithTimeout(ctx, persistTimeout)
	defer cancel()

	if err := scheduler.store.Put(writeCtx, documentID, content); err != nil {
		scheduler.logger.Error("snapshot write failed",
			zap.String("document_id", documentID.String()),
			zap.Error(err))
		scheduler.events.Publish(DocumentEvent{
			DocumentID: documentID.String(),
			EventType:  EventSnapshotFailed,
			Error:      err.Error(),
			Timestamp:  scheduler.clock().UTC(),
		})
		return err
	}
	scheduler.mu.Lock()
	scheduler.saved[documentID]++
	scheduler.mu.Unlock()
	scheduler.logger.Debug("snapshot written",
		zap.String("document_id", documentID.String()),
		zap.Int("bytes", len(content)))
	scheduler.events.Publish(DocumentEvent{
		DocumentID: documentID.String(),
		EventType:  EventSnapshotSaved,
		Timestamp:  scheduler.clock().UTC(),
	})
	return nil
}
