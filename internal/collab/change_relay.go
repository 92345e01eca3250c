package collab

import (
	"encoding/json"
	"fmt"

	"github.com/MarcoPoloResearchLab/coedit/internal/documents"
	"go.uber.org/zap"
)

// ChangeEvent is a delta produced by the origin's editor. The relay never
// inspects or merges it beyond a shape check.
type ChangeEvent struct {
	Delta  json.RawMessage
	Origin *Session
}

// ChangeRelay forwards deltas to the other members of the origin's room.
type ChangeRelay struct {
	registry *Registry
	logger   *zap.Logger
}

// NewChangeRelay constructs a ChangeRelay over registry.
func NewChangeRelay(registry *Registry, logger *zap.Logger) *ChangeRelay {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ChangeRelay{registry: registry, logger: logger}
}

// ApplyAndBroadcast fans the delta out to every other member of documentID's
// room in receipt order and returns how many peers it reached. Peers that
// cannot accept the message are disconnected.
func (relay *ChangeRelay) ApplyAndBroadcast(documentID documents.DocumentID, change ChangeEvent) (int, error) {
	if change.Origin == nil {
		return 0, fmt.Errorf("%w: change without origin", ErrMalformedPayload)
	}
	if err := ValidateDelta(change.Delta); err != nil {
		return 0, err
	}
	if change.Origin.DocumentID() != documentID {
		return 0, fmt.Errorf("%w: session %s is not in %s", ErrNotJoined, change.Origin.ID(), documentID)
	}

	room, ok := relay.registry.Room(documentID)
	if !ok {
		return 0, nil
	}
	envelope, err := NewEnvelope(KindReceiveChanges, ReceiveChangesPayload{
		Delta:     change.Delta,
		SessionID: change.Origin.ID().String(),
	})
	if err != nil {
		return 0, err
	}

	delivered, failed := room.broadcast(envelope, change.Origin.ID())
	for _, member := range failed {
		relay.logger.Warn("disconnecting session that cannot keep up",
			zap.String("document_id", documentID.String()),
			zap.String("session_id", member.ID().String()))
		relay.registry.Evict(member)
	}
	return delivered, nil
}
