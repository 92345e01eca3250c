package collab

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/coedit/internal/documents"
	"go.uber.org/zap"
)

// MaxForwardDelay caps the artificial cursor forwarding delay.
const MaxForwardDelay = 250 * time.Millisecond

// SelectionSource mirrors the editor's change source for a selection update.
type SelectionSource string

const (
	SourceUser   SelectionSource = "user"
	SourceAPI    SelectionSource = "api"
	SourceSilent SelectionSource = "silent"
	SourceRemote SelectionSource = "remote"
)

// Direct reports whether the selection came from the user's own input.
// Anything else is an echo of a remote change and gets debounced.
func (source SelectionSource) Direct() bool {
	normalized := SelectionSource(strings.ToLower(strings.TrimSpace(string(source))))
	return normalized == "" || normalized == SourceUser
}

// SelectionEvent is a cursor update from Origin. A nil Range means no selection.
type SelectionEvent struct {
	Range         *SelectionRange
	Origin        *Session
	DisplayHandle string
	Color         string
	Source        SelectionSource
}

// SelectionRelayConfig describes a SelectionRelay.
type SelectionRelayConfig struct {
	Registry     *Registry
	Debounce     time.Duration
	ForwardDelay time.Duration
	Logger       *zap.Logger
}

type pendingSelection struct {
	debouncer  *Debouncer
	documentID documents.DocumentID
	event      SelectionEvent
	armed      bool
}

// SelectionRelay labels cursor updates with the origin's identity and
// forwards them to room peers. Echo updates are coalesced per session.
type SelectionRelay struct {
	registry     *Registry
	debounce     time.Duration
	forwardDelay time.Duration
	logger       *zap.Logger

	mu      sync.Mutex
	pending map[SessionID]*pendingSelection
	queues  map[documents.DocumentID]*forwardQueue
}

// NewSelectionRelay constructs a SelectionRelay. ForwardDelay is clamped to MaxForwardDelay.
func NewSelectionRelay(cfg SelectionRelayConfig) *SelectionRelay {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	delay := cfg.ForwardDelay
	if delay < 0 {
		delay = 0
	}
	if delay > MaxForwardDelay {
		delay = MaxForwardDelay
	}
	debounce := cfg.Debounce
	if debounce < 0 {
		debounce = 0
	}
	return &SelectionRelay{
		registry:     cfg.Registry,
		debounce:     debounce,
		forwardDelay: delay,
		logger:       logger,
		pending:      make(map[SessionID]*pendingSelection),
		queues:       make(map[documents.DocumentID]*forwardQueue),
	}
}

// ForwardDelay returns the effective forwarding delay.
func (relay *SelectionRelay) ForwardDelay() time.Duration {
	return relay.forwardDelay
}

// RelaySelection forwards a direct selection immediately and debounces echoes.
func (relay *SelectionRelay) RelaySelection(documentID documents.DocumentID, event SelectionEvent) error {
	if event.Origin == nil {
		return fmt.Errorf("%w: selection without origin", ErrMalformedPayload)
	}
	if err := validateRange(event.Range); err != nil {
		return err
	}
	if event.Origin.DocumentID() != documentID {
		return fmt.Errorf("%w: session %s is not in %s", ErrNotJoined, event.Origin.ID(), documentID)
	}
	event.Origin.UpdateIdentity(event.DisplayHandle, event.Color)

	if event.Source.Direct() || relay.debounce == 0 {
		relay.Cancel(event.Origin)
		relay.deliver(documentID, event)
		return nil
	}

	relay.mu.Lock()
	entry, ok := relay.pending[event.Origin.ID()]
	if !ok {
		originID := event.Origin.ID()
		entry = &pendingSelection{}
		entry.debouncer = NewDebouncer(relay.debounce, func() {
			relay.flush(originID)
		})
		relay.pending[originID] = entry
	}
	entry.documentID = documentID
	entry.event = event
	entry.armed = true
	relay.mu.Unlock()

	entry.debouncer.Call()
	return nil
}

// Cancel drops any debounced selection still waiting for the session.
func (relay *SelectionRelay) Cancel(session *Session) {
	relay.mu.Lock()
	entry, ok := relay.pending[session.ID()]
	delete(relay.pending, session.ID())
	relay.mu.Unlock()
	if ok {
		entry.debouncer.Cancel()
	}
}

// Pending reports whether a debounced selection is waiting for the session.
func (relay *SelectionRelay) Pending(session *Session) bool {
	relay.mu.Lock()
	defer relay.mu.Unlock()
	entry, ok := relay.pending[session.ID()]
	return ok && entry.armed
}

func (relay *SelectionRelay) flush(id SessionID) {
	relay.mu.Lock()
	entry, ok := relay.pending[id]
	if !ok || !entry.armed {
		relay.mu.Unlock()
		return
	}
	entry.armed = false
	documentID := entry.documentID
	event := entry.event
	relay.mu.Unlock()

	if event.Origin.DocumentID() != documentID {
		return
	}
	relay.deliver(documentID, event)
}

func (relay *SelectionRelay) deliver(documentID documents.DocumentID, event SelectionEvent) {
	room, ok := relay.registry.Room(documentID)
	if !ok {
		return
	}
	identity := event.Origin.Identity()
	cursor := ReceiveSelectionPayload{
		Range:         event.Range,
		SessionID:     event.Origin.ID().String(),
		DisplayHandle: identity.DisplayHandle,
		Color:         identity.Color,
	}
	room.rememberCursor(event.Origin.ID(), cursor)

	envelope, err := NewEnvelope(KindReceiveSelection, cursor)
	if err != nil {
		relay.logger.Error("failed to encode selection", zap.Error(err))
		return
	}
	if relay.forwardDelay > 0 {
		relay.enqueue(room, envelope, event.Origin.ID())
		return
	}
	relay.broadcast(room, envelope, event.Origin.ID())
}

func (relay *SelectionRelay) broadcast(room *Room, envelope Envelope, exclude SessionID) {
	_, failed := room.broadcast(envelope, exclude)
	for _, member := range failed {
		relay.logger.Warn("disconnecting session that cannot keep up",
			zap.String("document_id", room.DocumentID().String()),
			zap.String("session_id", member.ID().String()))
		relay.registry.Evict(member)
	}
}

func (relay *SelectionRelay) enqueue(room *Room, envelope Envelope, exclude SessionID) {
	relay.mu.Lock()
	queue, ok := relay.queues[room.DocumentID()]
	if !ok {
		if room.Closed() {
			relay.mu.Unlock()
			return
		}
		queue = newForwardQueue(relay, room)
		relay.queues[room.DocumentID()] = queue
	}
	relay.mu.Unlock()

	queue.push(queuedSelection{envelope: envelope, exclude: exclude, due: time.Now().Add(relay.forwardDelay)})
}

// Close cancels every pending timer and stops the forwarding queues.
func (relay *SelectionRelay) Close() {
	relay.mu.Lock()
	pending := relay.pending
	queues := relay.queues
	relay.pending = make(map[SessionID]*pendingSelection)
	relay.queues = make(map[documents.DocumentID]*forwardQueue)
	relay.mu.Unlock()
	for _, entry := range pending {
		entry.debouncer.Cancel()
	}
	for _, queue := range queues {
		queue.stop()
	}
}

// RoomOpened is part of Observer.
func (relay *SelectionRelay) RoomOpened(*Room) {}

// RoomClosed stops the room's forwarding queue.
func (relay *SelectionRelay) RoomClosed(room *Room) {
	relay.mu.Lock()
	queue, ok := relay.queues[room.DocumentID()]
	if ok && queue.room == room {
		delete(relay.queues, room.DocumentID())
	}
	relay.mu.Unlock()
	if ok && queue.room == room {
		queue.stop()
	}
}

// SessionJoined is part of Observer.
func (relay *SelectionRelay) SessionJoined(*Session, *Room) {}

// SessionLeft cancels the departed session's debounce timer.
func (relay *SelectionRelay) SessionLeft(session *Session, _ *Room) {
	relay.Cancel(session)
}

type queuedSelection struct {
	envelope Envelope
	exclude  SessionID
	due      time.Time
}

// forwardQueue delays cursor delivery for one room. Every item carries the
// same delay, so draining in arrival order keeps events in order. The
// backlog is unbounded; slow members are evicted by broadcast instead.
type forwardQueue struct {
	relay *SelectionRelay
	room  *Room
	wake  chan struct{}
	done  chan struct{}
	once  sync.Once

	mu    sync.Mutex
	items []queuedSelection
}

func newForwardQueue(relay *SelectionRelay, room *Room) *forwardQueue {
	queue := &forwardQueue{
		relay: relay,
		room:  room,
		wake:  make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
	go queue.run()
	return queue
}

func (queue *forwardQueue) push(item queuedSelection) {
	queue.mu.Lock()
	queue.items = append(queue.items, item)
	queue.mu.Unlock()
	select {
	case queue.wake <- struct{}{}:
	default:
	}
}

func (queue *forwardQueue) pop() (queuedSelection, bool) {
	queue.mu.Lock()
	defer queue.mu.Unlock()
	if len(queue.items) == 0 {
		return queuedSelection{}, false
	}
	item := queue.items[0]
	queue.items[0] = queuedSelection{}
	queue.items = queue.items[1:]
	return item, true
}

func (queue *forwardQueue) stop() {
	queue.once.Do(func() {
		close(queue.done)
	})
}

func (queue *forwardQueue) run() {
	for {
		item, ok := queue.pop()
		if !ok {
			select {
			case <-queue.done:
				return
			case <-queue.wake:
				continue
			}
		}
		if wait := time.Until(item.due); wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-queue.done:
				timer.Stop()
				return
			case <-timer.C:
			}
		}
		select {
		case <-queue.done:
			return
		default:
		}
		queue.relay.broadcast(queue.room, item.envelope, item.exclude)
	}
}
