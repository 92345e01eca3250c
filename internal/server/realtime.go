package server

import (
	"context"
	"sync"

	"github.com/MarcoPoloResearchLab/coedit/internal/collab"
)

const (
	documentEventHeartbeat  = "heartbeat"
	documentEventBufferSize = 16
)

// DocumentEventDispatcher fans document events out to SSE subscribers of
// that document. Slow subscribers miss events rather than stall the publisher.
// The latest presence event of each open document is kept so a new subscriber
// starts from the current member count instead of waiting for the next change.
type DocumentEventDispatcher struct {
	mu         sync.RWMutex
	topics     map[string]*documentTopic
	nextID     int64
	bufferSize int
}

type documentTopic struct {
	subscribers map[int64]chan collab.DocumentEvent
	presence    *collab.DocumentEvent
}

func NewDocumentEventDispatcher() *DocumentEventDispatcher {
	return &DocumentEventDispatcher{
		topics:     make(map[string]*documentTopic),
		bufferSize: documentEventBufferSize,
	}
}

// Subscribe registers a stream for documentID until ctx ends or cleanup runs.
// The stream opens with the document's last known presence, if any.
func (d *DocumentEventDispatcher) Subscribe(ctx context.Context, documentID string) (<-chan collab.DocumentEvent, func()) {
	if documentID == "" {
		ch := make(chan collab.DocumentEvent)
		close(ch)
		return ch, func() {}
	}
	stream := make(chan collab.DocumentEvent, d.bufferSize)

	d.mu.Lock()
	d.nextID++
	subscriberID := d.nextID
	topic := d.topicLocked(documentID)
	topic.subscribers[subscriberID] = stream
	if topic.presence != nil {
		stream <- *topic.presence
	}
	d.mu.Unlock()

	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			d.unsubscribe(documentID, subscriberID)
		})
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return stream, cleanup
}

// Publish implements collab.EventPublisher.
func (d *DocumentEventDispatcher) Publish(event collab.DocumentEvent) {
	if event.DocumentID == "" || event.EventType == "" {
		return
	}
	d.mu.Lock()
	if event.EventType == collab.EventPresenceChanged {
		d.recordPresenceLocked(event)
	}
	topic := d.topics[event.DocumentID]
	var streams []chan collab.DocumentEvent
	if topic != nil {
		streams = make([]chan collab.DocumentEvent, 0, len(topic.subscribers))
		for _, stream := range topic.subscribers {
			streams = append(streams, stream)
		}
	}
	d.mu.Unlock()

	for _, stream := range streams {
		select {
		case stream <- event:
		default:
		}
	}
}

// Presence returns the last presence event published for documentID while
// the document had members.
func (d *DocumentEventDispatcher) Presence(documentID string) (collab.DocumentEvent, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	topic := d.topics[documentID]
	if topic == nil || topic.presence == nil {
		return collab.DocumentEvent{}, false
	}
	return *topic.presence, true
}

// SubscriberCount returns how many streams are open for documentID.
func (d *DocumentEventDispatcher) SubscriberCount(documentID string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	topic := d.topics[documentID]
	if topic == nil {
		return 0
	}
	return len(topic.subscribers)
}

func (d *DocumentEventDispatcher) topicLocked(documentID string) *documentTopic {
	topic, ok := d.topics[documentID]
	if !ok {
		topic = &documentTopic{subscribers: make(map[int64]chan collab.DocumentEvent)}
		d.topics[documentID] = topic
	}
	return topic
}

// recordPresenceLocked keeps the event while the room is occupied and forgets
// it once the room empties.
func (d *DocumentEventDispatcher) recordPresenceLocked(event collab.DocumentEvent) {
	if event.Members > 0 {
		latest := event
		d.topicLocked(event.DocumentID).presence = &latest
		return
	}
	topic := d.topics[event.DocumentID]
	if topic == nil {
		return
	}
	topic.presence = nil
	d.pruneLocked(event.DocumentID, topic)
}

func (d *DocumentEventDispatcher) unsubscribe(documentID string, subscriberID int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	topic := d.topics[documentID]
	if topic == nil {
		return
	}
	delete(topic.subscribers, subscriberID)
	d.pruneLocked(documentID, topic)
}

func (d *DocumentEventDispatcher) pruneLocked(documentID string, topic *documentTopic) {
	if len(topic.subscribers) == 0 && topic.presence == nil {
		delete(d.topics, documentID)
	}
}
