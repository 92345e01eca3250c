package collab

import (
	"sort"
	"sync"

	"github.com/MarcoPoloResearchLab/coedit/internal/documents"
	"go.uber.org/zap"
)

// Observer receives room lifecycle notifications. Callbacks run while the
// registry lock is held, so they must not call back into the Registry.
type Observer interface {
	RoomOpened(room *Room)
	RoomClosed(room *Room)
	SessionJoined(session *Session, room *Room)
	SessionLeft(session *Session, room *Room)
}

// Registry maps document ids to rooms and owns session membership.
type Registry struct {
	logger *zap.Logger

	mu        sync.Mutex
	rooms     map[documents.DocumentID]*Room
	observers []Observer
}

// NewRegistry constructs an empty Registry.
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		logger: logger,
		rooms:  make(map[documents.DocumentID]*Room),
	}
}

// AddObserver registers an observer for subsequent lifecycle events.
func (registry *Registry) AddObserver(observer Observer) {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	registry.observers = append(registry.observers, observer)
}

// Join admits session into the room for documentID, creating the room on
// first use. A session bound to another document is moved in the same step.
func (registry *Registry) Join(documentID documents.DocumentID, session *Session) *Room {
	registry.mu.Lock()
	defer registry.mu.Unlock()

	if current := session.DocumentID(); current != "" {
		if current == documentID {
			if room, ok := registry.rooms[documentID]; ok {
				return room
			}
		}
		registry.removeLocked(session)
	}

	room, ok := registry.rooms[documentID]
	if !ok {
		room = newRoom(documentID)
		registry.rooms[documentID] = room
		for _, observer := range registry.observers {
			observer.RoomOpened(room)
		}
	}
	added := room.add(session)
	session.bind(documentID)
	if added {
		for _, observer := range registry.observers {
			observer.SessionJoined(session, room)
		}
	}
	registry.logger.Debug("session joined",
		zap.String("document_id", documentID.String()),
		zap.String("session_id", session.ID().String()),
		zap.Int("members", room.Size()))
	return room
}

// Leave removes session from its room. It reports false when the session was not a member.
func (registry *Registry) Leave(session *Session) bool {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	return registry.removeLocked(session)
}

// Evict removes the session and closes its transport.
func (registry *Registry) Evict(session *Session) {
	registry.Leave(session)
	session.close()
}

func (registry *Registry) removeLocked(session *Session) bool {
	documentID := session.DocumentID()
	if documentID == "" {
		return false
	}
	room, ok := registry.rooms[documentID]
	session.unbind()
	if !ok {
		return false
	}
	removed, empty := room.remove(session)
	if removed {
		for _, observer := range registry.observers {
			observer.SessionLeft(session, room)
		}
		registry.logger.Debug("session left",
			zap.String("document_id", documentID.String()),
			zap.String("session_id", session.ID().String()))
	}
	if empty {
		delete(registry.rooms, documentID)
		for _, observer := range registry.observers {
			observer.RoomClosed(room)
		}
	}
	return removed
}

// Room returns the open room for documentID.
func (registry *Registry) Room(documentID documents.DocumentID) (*Room, bool) {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	room, ok := registry.rooms[documentID]
	return room, ok
}

// MembersOf lists the members of documentID's room, leaving out exclude.
func (registry *Registry) MembersOf(documentID documents.DocumentID, exclude SessionID) []*Session {
	room, ok := registry.Room(documentID)
	if !ok {
		return nil
	}
	members := room.Members()
	filtered := members[:0]
	for _, member := range members {
		if member.ID() != exclude {
			filtered = append(filtered, member)
		}
	}
	return filtered
}

// Rooms returns the open rooms ordered by document id.
func (registry *Registry) Rooms() []*Room {
	registry.mu.Lock()
	rooms := make([]*Room, 0, len(registry.rooms))
	for _, room := range registry.rooms {
		rooms = append(rooms, room)
	}
	registry.mu.Unlock()
	sort.Slice(rooms, func(i, j int) bool {
		return rooms[i].DocumentID() < rooms[j].DocumentID()
	})
	return rooms
}

// RoomCount returns the number of open rooms.
func (registry *Registry) RoomCount() int {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	return len(registry.rooms)
}
