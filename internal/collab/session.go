package collab

import (
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/MarcoPoloResearchLab/coedit/internal/documents"
	"github.com/google/uuid"
	"github.com/lucasb-eyer/go-colorful"
)

const (
	defaultQueueSize       = 64
	maxDisplayHandleLength = 64
	guestHandlePrefix      = "guest-"
)

// SessionID identifies one connected client.
type SessionID string

// String returns the underlying identifier.
func (id SessionID) String() string {
	return string(id)
}

// Identity is how peers label a session's cursor.
type Identity struct {
	DisplayHandle string
	Color         string
}

// SessionConfig describes a new session.
type SessionConfig struct {
	ID        SessionID
	Identity  Identity
	QueueSize int
	Clock     func() time.Time
}

// Session is one client's presence. The transport drains Outbound and closes
// the connection once Done is closed; the Registry owns the room binding.
type Session struct {
	id       SessionID
	joinedAt time.Time
	outbound chan Envelope
	done     chan struct{}
	once     sync.Once

	mu         sync.Mutex
	identity   Identity
	documentID documents.DocumentID
	loaded     bool
}

// NewSession constructs an unbound session, filling in a generated handle and color when absent.
func NewSession(cfg SessionConfig) (*Session, error) {
	id := cfg.ID
	if id == "" {
		value, err := uuid.NewV7()
		if err != nil {
			return nil, fmt.Errorf("collab: session id: %w", err)
		}
		id = SessionID(value.String())
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	identity := Identity{
		DisplayHandle: normalizeDisplayHandle(cfg.Identity.DisplayHandle),
		Color:         normalizeColor(cfg.Identity.Color),
	}
	if identity.DisplayHandle == "" {
		identity.DisplayHandle = guestHandle(id)
	}
	if identity.Color == "" {
		identity.Color = colorful.HappyColor().Hex()
	}

	return &Session{
		id:       id,
		joinedAt: clock(),
		outbound: make(chan Envelope, queueSize),
		done:     make(chan struct{}),
		identity: identity,
	}, nil
}

// ID returns the session identifier.
func (session *Session) ID() SessionID {
	return session.id
}

// JoinedAt returns when the session connected.
func (session *Session) JoinedAt() time.Time {
	return session.joinedAt
}

// Identity returns the current display handle and color.
func (session *Session) Identity() Identity {
	session.mu.Lock()
	defer session.mu.Unlock()
	return session.identity
}

// DocumentID returns the bound document, or "" when unbound.
func (session *Session) DocumentID() documents.DocumentID {
	session.mu.Lock()
	defer session.mu.Unlock()
	return session.documentID
}

// Outbound is the queue the transport writer drains.
func (session *Session) Outbound() <-chan Envelope {
	return session.outbound
}

// Done is closed once the session has been disconnected.
func (session *Session) Done() <-chan struct{} {
	return session.done
}

// Closed reports whether the session has been disconnected.
func (session *Session) Closed() bool {
	select {
	case <-session.done:
		return true
	default:
		return false
	}
}

// UpdateIdentity applies any valid fields and ignores the rest.
func (session *Session) UpdateIdentity(displayHandle, color string) Identity {
	handle := normalizeDisplayHandle(displayHandle)
	normalizedColor := normalizeColor(color)

	session.mu.Lock()
	defer session.mu.Unlock()
	if handle != "" {
		session.identity.DisplayHandle = handle
	}
	if normalizedColor != "" {
		session.identity.Color = normalizedColor
	}
	return session.identity
}

// send enqueues without blocking. A full queue means the client is not
// keeping up and is reported as a transport failure.
func (session *Session) send(envelope Envelope) error {
	if session.Closed() {
		return fmt.Errorf("%w: session %s closed", ErrTransport, session.id)
	}
	select {
	case session.outbound <- envelope:
		return nil
	default:
		return fmt.Errorf("%w: session %s outbound queue full", ErrTransport, session.id)
	}
}

func (session *Session) close() {
	session.once.Do(func() {
		close(session.done)
	})
}

func (session *Session) bind(documentID documents.DocumentID) {
	session.mu.Lock()
	defer session.mu.Unlock()
	if session.documentID != documentID {
		session.loaded = false
	}
	session.documentID = documentID
}

func (session *Session) unbind() {
	session.mu.Lock()
	defer session.mu.Unlock()
	session.documentID = ""
	session.loaded = false
}

// markLoaded records that initial content was delivered for documentID and
// reports false when it already had been.
func (session *Session) markLoaded(documentID documents.DocumentID) bool {
	session.mu.Lock()
	defer session.mu.Unlock()
	if session.documentID != documentID || session.loaded {
		return false
	}
	session.loaded = true
	return true
}

func (session *Session) isLoaded(documentID documents.DocumentID) bool {
	session.mu.Lock()
	defer session.mu.Unlock()
	return session.loaded && session.documentID == documentID
}

func normalizeDisplayHandle(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" || utf8.RuneCountInString(trimmed) > maxDisplayHandleLength {
		return ""
	}
	return trimmed
}

func normalizeColor(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ""
	}
	if !strings.HasPrefix(trimmed, "#") {
		trimmed = "#" + trimmed
	}
	parsed, err := colorful.Hex(trimmed)
	if err != nil {
		return ""
	}
	return parsed.Hex()
}

func guestHandle(id SessionID) string {
	compact := strings.ReplaceAll(id.String(), "-", "")
	if len(compact) > 6 {
		compact = compact[len(compact)-6:]
	}
	return guestHandlePrefix + compact
}
