package collab

import (
	"fmt"
	"sync"

	"github.com/MarcoPoloResearchLab/coedit/internal/documents"
)

// Room is the set of sessions viewing one document. Its mutex also
// serializes broadcasts, which gives each room a single delivery order.
type Room struct {
	documentID documents.DocumentID

	mu       sync.Mutex
	members  []*Session
	cursors  map[SessionID]ReceiveSelectionPayload
	backlog  map[SessionID][]Envelope
	reporter int
	closed   bool
}

func newRoom(documentID documents.DocumentID) *Room {
	return &Room{
		documentID: documentID,
		cursors:    make(map[SessionID]ReceiveSelectionPayload),
		backlog:    make(map[SessionID][]Envelope),
	}
}

// DocumentID returns the room key.
func (room *Room) DocumentID() documents.DocumentID {
	return room.documentID
}

// Size returns the number of members.
func (room *Room) Size() int {
	room.mu.Lock()
	defer room.mu.Unlock()
	return len(room.members)
}

// Members returns the members in join order.
func (room *Room) Members() []*Session {
	room.mu.Lock()
	defer room.mu.Unlock()
	members := make([]*Session, len(room.members))
	copy(members, room.members)
	return members
}

// Closed reports whether the last member has left.
func (room *Room) Closed() bool {
	room.mu.Lock()
	defer room.mu.Unlock()
	return room.closed
}

func (room *Room) add(session *Session) bool {
	room.mu.Lock()
	defer room.mu.Unlock()
	if room.contains(session.ID()) {
		return false
	}
	room.members = append(room.members, session)
	return true
}

// remove drops the session and its cursor, closing the room when it empties.
func (room *Room) remove(session *Session) (removed bool, empty bool) {
	room.mu.Lock()
	defer room.mu.Unlock()
	for index, member := range room.members {
		if member.ID() != session.ID() {
			continue
		}
		room.members = append(room.members[:index], room.members[index+1:]...)
		if room.reporter > index {
			room.reporter--
		}
		removed = true
		break
	}
	delete(room.cursors, session.ID())
	delete(room.backlog, session.ID())
	if len(room.members) == 0 {
		room.closed = true
	}
	return removed, room.closed
}

func (room *Room) contains(id SessionID) bool {
	for _, member := range room.members {
		if member.ID() == id {
			return true
		}
	}
	return false
}

// broadcast enqueues envelope for every member except exclude. A member still
// waiting for its initial content gets the envelope held in its backlog.
// Members whose queue or backlog rejects the message are returned so the
// caller can disconnect them.
func (room *Room) broadcast(envelope Envelope, exclude SessionID) (int, []*Session) {
	room.mu.Lock()
	defer room.mu.Unlock()
	delivered := 0
	var failed []*Session
	for _, member := range room.members {
		if member.ID() == exclude {
			continue
		}
		if err := room.deliver(member, envelope); err != nil {
			failed = append(failed, member)
			continue
		}
		delivered++
	}
	return delivered, failed
}

func (room *Room) deliver(member *Session, envelope Envelope) error {
	if member.isLoaded(room.documentID) {
		return member.send(envelope)
	}
	held := room.backlog[member.ID()]
	if len(held) >= cap(member.outbound) {
		return fmt.Errorf("%w: session %s backlog full", ErrTransport, member.ID())
	}
	room.backlog[member.ID()] = append(held, envelope)
	return nil
}

// admit marks the session loaded and enqueues its load-document ahead of
// everything held for it while the load ran. build receives the cursors of
// the other members as of the same instant. admitted is false when the
// session is no longer a member or was already loaded.
func (room *Room) admit(session *Session, build func([]ReceiveSelectionPayload) (Envelope, error)) (admitted bool, err error) {
	room.mu.Lock()
	defer room.mu.Unlock()
	if !room.contains(session.ID()) {
		return false, nil
	}
	load, err := build(room.cursorsExceptLocked(session.ID()))
	if err != nil {
		return false, err
	}
	if !session.markLoaded(room.documentID) {
		return false, nil
	}
	held := room.backlog[session.ID()]
	delete(room.backlog, session.ID())
	if err := session.send(load); err != nil {
		return true, err
	}
	for _, envelope := range held {
		if err := session.send(envelope); err != nil {
			return true, err
		}
	}
	return true, nil
}

// nextReporter rotates through members so snapshot requests are spread out.
func (room *Room) nextReporter() *Session {
	room.mu.Lock()
	defer room.mu.Unlock()
	if len(room.members) == 0 {
		return nil
	}
	if room.reporter >= len(room.members) {
		room.reporter = 0
	}
	reporter := room.members[room.reporter]
	room.reporter = (room.reporter + 1) % len(room.members)
	return reporter
}

func (room *Room) rememberCursor(id SessionID, cursor ReceiveSelectionPayload) {
	room.mu.Lock()
	defer room.mu.Unlock()
	if !room.contains(id) {
		return
	}
	room.cursors[id] = cursor
}

// cursorsExcept lists known cursors of the other members in join order.
func (room *Room) cursorsExcept(id SessionID) []ReceiveSelectionPayload {
	room.mu.Lock()
	defer room.mu.Unlock()
	return room.cursorsExceptLocked(id)
}

func (room *Room) cursorsExceptLocked(id SessionID) []ReceiveSelectionPayload {
	cursors := make([]ReceiveSelectionPayload, 0, len(room.cursors))
	for _, member := range room.members {
		if member.ID() == id {
			continue
		}
		if cursor, ok := room.cursors[member.ID()]; ok {
			cursors = append(cursors, cursor)
		}
	}
	return cursors
}
