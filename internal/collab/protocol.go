package collab

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tidwall/gjson"
)

// MessageKind names one exchange of the client protocol.
type MessageKind string

const (
	KindGetDocument         MessageKind = "get-document"
	KindLoadDocument        MessageKind = "load-document"
	KindDocumentUnavailable MessageKind = "document-unavailable"
	KindSendChanges         MessageKind = "send-changes"
	KindReceiveChanges      MessageKind = "receive-changes"
	KindSendSelection       MessageKind = "send-selection"
	KindReceiveSelection    MessageKind = "receive-selection"
	KindRequestSnapshot     MessageKind = "request-snapshot"
	KindSaveDocument        MessageKind = "save-document"
	KindPeerLeft            MessageKind = "peer-left"
)

var (
	// ErrTransport marks a session whose channel can no longer accept messages.
	ErrTransport = errors.New("collab: transport failure")
	// ErrMalformedPayload marks a message that failed shape validation.
	ErrMalformedPayload = errors.New("collab: malformed payload")
	// ErrNotJoined marks a message that requires a loaded document.
	ErrNotJoined = errors.New("collab: session has not joined a document")
)

// Envelope is the wire frame for every message in both directions.
type Envelope struct {
	Kind    MessageKind     `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope encodes payload under kind.
func NewEnvelope(kind MessageKind, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("collab: encode %s: %w", kind, err)
	}
	return Envelope{Kind: kind, Payload: raw}, nil
}

// Decode unmarshals the payload into target, reporting shape errors as ErrMalformedPayload.
func (envelope Envelope) Decode(target any) error {
	if len(envelope.Payload) == 0 {
		return fmt.Errorf("%w: %s: missing payload", ErrMalformedPayload, envelope.Kind)
	}
	if err := json.Unmarshal(envelope.Payload, target); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformedPayload, envelope.Kind, err)
	}
	return nil
}

// SelectionRange is a cursor position (Length == 0) or a highlighted span.
type SelectionRange struct {
	Index  int `json:"index"`
	Length int `json:"length"`
}

// GetDocumentPayload opens a document. Identity fields are optional.
type GetDocumentPayload struct {
	DocumentID    string `json:"documentId"`
	DisplayHandle string `json:"displayHandle,omitempty"`
	Color         string `json:"color,omitempty"`
}

// LoadDocumentPayload answers get-document once per session and document.
type LoadDocumentPayload struct {
	DocumentID    string                    `json:"documentId"`
	SessionID     string                    `json:"sessionId"`
	Content       json.RawMessage           `json:"content"`
	Bootstrap     bool                      `json:"bootstrap"`
	DisplayHandle string                    `json:"displayHandle"`
	Color         string                    `json:"color"`
	Cursors       []ReceiveSelectionPayload `json:"cursors"`
}

// DocumentUnavailablePayload tells a client that no content could be loaded.
type DocumentUnavailablePayload struct {
	DocumentID string `json:"documentId"`
	Retryable  bool   `json:"retryable"`
	Reason     string `json:"reason"`
}

// SendChangesPayload carries a delta produced by the client editor.
type SendChangesPayload struct {
	Delta json.RawMessage `json:"delta"`
}

// ReceiveChangesPayload relays a delta to peers.
type ReceiveChangesPayload struct {
	Delta     json.RawMessage `json:"delta"`
	SessionID string          `json:"sessionId"`
}

// SendSelectionPayload reports a local selection change. Source follows the
// editor's change source: "user" for direct input, anything else for echoes.
type SendSelectionPayload struct {
	Range         *SelectionRange `json:"range"`
	DisplayHandle string          `json:"displayHandle,omitempty"`
	Color         string          `json:"color,omitempty"`
	Source        string          `json:"source,omitempty"`
}

// ReceiveSelectionPayload relays a labeled cursor to peers.
type ReceiveSelectionPayload struct {
	Range         *SelectionRange `json:"range"`
	SessionID     string          `json:"sessionId"`
	DisplayHandle string          `json:"displayHandle"`
	Color         string          `json:"color"`
}

// RequestSnapshotPayload asks a client for its full current content.
type RequestSnapshotPayload struct {
	DocumentID string `json:"documentId"`
}

// SaveDocumentPayload carries a full content snapshot.
type SaveDocumentPayload struct {
	Content json.RawMessage `json:"content"`
}

// PeerLeftPayload tells peers to drop a departed cursor.
type PeerLeftPayload struct {
	SessionID string `json:"sessionId"`
}

// ValidateDelta checks the outer shape of a rich-text delta without
// interpreting it: an object with an "ops" array (or a bare array) whose
// entries each carry exactly one of insert, retain or delete.
func ValidateDelta(raw json.RawMessage) error {
	if len(raw) == 0 {
		return fmt.Errorf("%w: empty delta", ErrMalformedPayload)
	}
	if !gjson.ValidBytes(raw) {
		return fmt.Errorf("%w: delta is not valid json", ErrMalformedPayload)
	}
	ops := gjson.ParseBytes(raw)
	if ops.IsObject() {
		ops = ops.Get("ops")
	}
	if !ops.IsArray() {
		return fmt.Errorf("%w: delta has no ops array", ErrMalformedPayload)
	}

	var opErr error
	position := 0
	ops.ForEach(func(_, op gjson.Result) bool {
		if err := validateOp(op); err != nil {
			opErr = fmt.Errorf("%w: op %d: %v", ErrMalformedPayload, position, err)
			return false
		}
		position++
		return true
	})
	return opErr
}

func validateOp(op gjson.Result) error {
	if !op.IsObject() {
		return errors.New("not an object")
	}
	present := 0
	if insert := op.Get("insert"); insert.Exists() {
		present++
		if insert.Type != gjson.String && !insert.IsObject() {
			return errors.New("insert must be text or an embed")
		}
	}
	if retain := op.Get("retain"); retain.Exists() {
		present++
		if !positiveInteger(retain) && !retain.IsObject() {
			return errors.New("retain must be a positive integer")
		}
	}
	if remove := op.Get("delete"); remove.Exists() {
		present++
		if !positiveInteger(remove) {
			return errors.New("delete must be a positive integer")
		}
	}
	if present != 1 {
		return errors.New("expected exactly one of insert, retain, delete")
	}
	if attributes := op.Get("attributes"); attributes.Exists() && !attributes.IsObject() {
		return errors.New("attributes must be an object")
	}
	return nil
}

func positiveInteger(value gjson.Result) bool {
	return value.Type == gjson.Number && value.Num == float64(value.Int()) && value.Int() > 0
}

func validateRange(selection *SelectionRange) error {
	if selection == nil {
		return nil
	}
	if selection.Index < 0 || selection.Length < 0 {
		return fmt.Errorf("%w: negative selection range", ErrMalformedPayload)
	}
	return nil
}
