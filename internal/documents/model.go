package documents

import (
	"errors"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
)

const (
	maxIdentifierLength = 190
	// MaxContentBytes bounds a single snapshot payload.
	MaxContentBytes = 8 << 20
)

var (
	// ErrInvalidDocumentID indicates that a document identifier is empty or exceeds storage bounds.
	ErrInvalidDocumentID = errors.New("documents: invalid document id")
	// ErrInvalidContent indicates that a snapshot payload is not well-formed JSON or is too large.
	ErrInvalidContent = errors.New("documents: invalid content")
	// ErrDocumentNotFound indicates that the store holds no record for the identifier.
	ErrDocumentNotFound = errors.New("documents: document not found")
	// ErrStoreUnavailable marks failures that a caller may retry later.
	ErrStoreUnavailable = errors.New("documents: store unavailable")
)

// DocumentID represents a validated document identifier.
type DocumentID string

// NewDocumentID validates raw input and returns a DocumentID.
func NewDocumentID(rawInput string) (DocumentID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidDocumentID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidDocumentID, maxIdentifierLength)
	}
	return DocumentID(trimmed), nil
}

// String returns the underlying string identifier.
func (id DocumentID) String() string {
	return string(id)
}

// Content is an opaque serialized rich-text snapshot. The server stores it
// verbatim and never looks inside beyond checking that it is JSON.
type Content []byte

// NewContent validates raw snapshot bytes. Empty input is allowed and means
// "no content yet".
func NewContent(raw []byte) (Content, error) {
	if len(raw) > MaxContentBytes {
		return nil, fmt.Errorf("%w: exceeds %d bytes", ErrInvalidContent, MaxContentBytes)
	}
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" {
		return Content{}, nil
	}
	if !gjson.Valid(trimmed) {
		return nil, fmt.Errorf("%w: not valid json", ErrInvalidContent)
	}
	return Content(trimmed), nil
}

// IsEmpty reports whether the snapshot carries no content, including a JSON null.
func (content Content) IsEmpty() bool {
	trimmed := strings.TrimSpace(string(content))
	return trimmed == "" || trimmed == "null" || trimmed == `""`
}

// String returns the snapshot as a string.
func (content Content) String() string {
	return string(content)
}

// Document models the persisted snapshot for a single document id.
type Document struct {
	DocumentID       string `gorm:"column:document_id;primaryKey;size:190;not null"`
	Content          string `gorm:"column:content;type:text;not null;default:''"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null;index:idx_documents_updated"`
}

// TableName provides the explicit table binding for GORM.
func (Document) TableName() string {
	return "documents"
}

// Snapshot is the store-agnostic view of a persisted document.
type Snapshot struct {
	DocumentID       DocumentID
	Content          Content
	UpdatedAtSeconds int64
}
