package collab

import (
	"testing"
	"time"
)

func newSelectionFixture(t *testing.T, debounce, forwardDelay time.Duration) (*Registry, *SelectionRelay, *Session, *Session) {
	t.Helper()
	registry := NewRegistry(nil)
	relay := NewSelectionRelay(SelectionRelayConfig{
		Registry:     registry,
		Debounce:     debounce,
		ForwardDelay: forwardDelay,
	})
	registry.AddObserver(relay)
	t.Cleanup(relay.Close)

	documentID := mustDocumentID(t, "doc-1")
	origin := mustSession(t, "origin")
	peer := mustSession(t, "peer")
	joinAndLoad(t, registry, documentID, origin)
	joinAndLoad(t, registry, documentID, peer)
	return registry, relay, origin, peer
}

func TestSelectionRelayForwardsDirectSelectionImmediately(t *testing.T) {
	_, relay, origin, peer := newSelectionFixture(t, 10*time.Second, 0)

	err := relay.RelaySelection(origin.DocumentID(), SelectionEvent{
		Range:         &SelectionRange{Index: 4, Length: 2},
		Origin:        origin,
		DisplayHandle: "Ada",
		Color:         "#FF0000",
		Source:        SourceUser,
	})
	if err != nil {
		t.Fatalf("unexpected relay error: %v", err)
	}

	payload := decodePayload[ReceiveSelectionPayload](t, mustReceive(t, peer, KindReceiveSelection))
	if payload.Range == nil || payload.Range.Index != 4 || payload.Range.Length != 2 {
		t.Fatalf("unexpected range %+v", payload.Range)
	}
	if payload.SessionID != origin.ID().String() {
		t.Fatalf("expected origin %s, got %s", origin.ID(), payload.SessionID)
	}
	if payload.DisplayHandle != "Ada" || payload.Color != "#ff0000" {
		t.Fatalf("expected identity Ada/#ff0000, got %s/%s", payload.DisplayHandle, payload.Color)
	}
	expectNothing(t, origin, KindReceiveSelection, 20*time.Millisecond)
}

func TestSelectionRelayCoalescesCascadedSelections(t *testing.T) {
	_, relay, origin, peer := newSelectionFixture(t, 40*time.Millisecond, 0)

	for index := 1; index <= 3; index++ {
		err := relay.RelaySelection(origin.DocumentID(), SelectionEvent{
			Range:  &SelectionRange{Index: index},
			Origin: origin,
			Source: SourceAPI,
		})
		if err != nil {
			t.Fatalf("unexpected relay error: %v", err)
		}
	}
	if !relay.Pending(origin) {
		t.Fatalf("expected a pending selection")
	}

	payload := decodePayload[ReceiveSelectionPayload](t, mustReceive(t, peer, KindReceiveSelection))
	if payload.Range == nil || payload.Range.Index != 3 {
		t.Fatalf("expected last range to win, got %+v", payload.Range)
	}
	expectNothing(t, peer, KindReceiveSelection, 120*time.Millisecond)
	if relay.Pending(origin) {
		t.Fatalf("expected nothing pending after flush")
	}
}

func TestSelectionRelayDirectSelectionSupersedesPendingCascade(t *testing.T) {
	_, relay, origin, peer := newSelectionFixture(t, 60*time.Millisecond, 0)

	if err := relay.RelaySelection(origin.DocumentID(), SelectionEvent{Range: &SelectionRange{Index: 1}, Origin: origin, Source: SourceAPI}); err != nil {
		t.Fatalf("unexpected relay error: %v", err)
	}
	if err := relay.RelaySelection(origin.DocumentID(), SelectionEvent{Range: &SelectionRange{Index: 9}, Origin: origin, Source: SourceUser}); err != nil {
		t.Fatalf("unexpected relay error: %v", err)
	}

	payload := decodePayload[ReceiveSelectionPayload](t, mustReceive(t, peer, KindReceiveSelection))
	if payload.Range == nil || payload.Range.Index != 9 {
		t.Fatalf("expected direct selection, got %+v", payload.Range)
	}
	expectNothing(t, peer, KindReceiveSelection, 150*time.Millisecond)
}

func TestSelectionRelayCancelsPendingOnLeave(t *testing.T) {
	registry, relay, origin, peer := newSelectionFixture(t, 40*time.Millisecond, 0)

	if err := relay.RelaySelection(origin.DocumentID(), SelectionEvent{Range: &SelectionRange{Index: 1}, Origin: origin, Source: SourceSilent}); err != nil {
		t.Fatalf("unexpected relay error: %v", err)
	}
	registry.Evict(origin)

	if relay.Pending(origin) {
		t.Fatalf("expected pending selection to be cancelled")
	}
	expectNothing(t, peer, KindReceiveSelection, 120*time.Millisecond)
}

func TestSelectionRelayClearedSelection(t *testing.T) {
	_, relay, origin, peer := newSelectionFixture(t, 0, 0)

	if err := relay.RelaySelection(origin.DocumentID(), SelectionEvent{Origin: origin}); err != nil {
		t.Fatalf("unexpected relay error: %v", err)
	}
	payload := decodePayload[ReceiveSelectionPayload](t, mustReceive(t, peer, KindReceiveSelection))
	if payload.Range != nil {
		t.Fatalf("expected cleared range, got %+v", payload.Range)
	}
}

func TestSelectionRelayRejectsNegativeRange(t *testing.T) {
	_, relay, origin, _ := newSelectionFixture(t, 0, 0)

	err := relay.RelaySelection(origin.DocumentID(), SelectionEvent{Range: &SelectionRange{Index: -1}, Origin: origin})
	if err == nil {
		t.Fatalf("expected negative range to be rejected")
	}
}

func TestSelectionRelayRemembersCursorForLateJoiners(t *testing.T) {
	registry, relay, origin, peer := newSelectionFixture(t, 0, 0)

	if err := relay.RelaySelection(origin.DocumentID(), SelectionEvent{Range: &SelectionRange{Index: 7}, Origin: origin}); err != nil {
		t.Fatalf("unexpected relay error: %v", err)
	}
	room, ok := registry.Room(origin.DocumentID())
	if !ok {
		t.Fatalf("expected room")
	}
	cursors := room.cursorsExcept(peer.ID())
	if len(cursors) != 1 || cursors[0].SessionID != origin.ID().String() || cursors[0].Range.Index != 7 {
		t.Fatalf("unexpected cursors %+v", cursors)
	}
}

func TestSelectionRelayForwardDelayKeepsOrder(t *testing.T) {
	_, relay, origin, peer := newSelectionFixture(t, 0, 30*time.Millisecond)

	start := time.Now()
	for index := 1; index <= 3; index++ {
		if err := relay.RelaySelection(origin.DocumentID(), SelectionEvent{Range: &SelectionRange{Index: index}, Origin: origin}); err != nil {
			t.Fatalf("unexpected relay error: %v", err)
		}
	}
	for index := 1; index <= 3; index++ {
		payload := decodePayload[ReceiveSelectionPayload](t, mustReceive(t, peer, KindReceiveSelection))
		if payload.Range == nil || payload.Range.Index != index {
			t.Fatalf("expected index %d, got %+v", index, payload.Range)
		}
	}
	if elapsed := time.Since(start); elapsed < 30*time.Millisecond {
		t.Fatalf("expected delivery after the forward delay, took %s", elapsed)
	}
}

func TestSelectionRelayClampsForwardDelay(t *testing.T) {
	relay := NewSelectionRelay(SelectionRelayConfig{Registry: NewRegistry(nil), ForwardDelay: 5 * time.Second})
	if relay.ForwardDelay() != MaxForwardDelay {
		t.Fatalf("expected forward delay clamped to %s, got %s", MaxForwardDelay, relay.ForwardDelay())
	}
}

func TestSelectionSourceDirect(t *testing.T) {
	if !SelectionSource("").Direct() || !SelectionSource(" USER ").Direct() {
		t.Fatalf("expected empty and user sources to be direct")
	}
	if SourceAPI.Direct() || SourceSilent.Direct() || SourceRemote.Direct() {
		t.Fatalf("expected api, silent and remote sources to be debounced")
	}
}

func TestSelectionRelayForwardDelayDeliversEveryDirectSelection(t *testing.T) {
	registry := NewRegistry(nil)
	relay := NewSelectionRelay(SelectionRelayConfig{Registry: registry, ForwardDelay: 5 * time.Millisecond})
	registry.AddObserver(relay)
	t.Cleanup(relay.Close)

	documentID := mustDocumentID(t, "doc-1")
	origin := mustSession(t, "origin")
	peer, err := NewSession(SessionConfig{ID: "peer", QueueSize: 1024})
	if err != nil {
		t.Fatalf("failed to create session: %v", err)
	}
	joinAndLoad(t, registry, documentID, origin)
	joinAndLoad(t, registry, documentID, peer)

	const submitted = 300
	for index := 0; index < submitted; index++ {
		if err := relay.RelaySelection(documentID, SelectionEvent{Range: &SelectionRange{Index: index}, Origin: origin, Source: SourceUser}); err != nil {
			t.Fatalf("unexpected relay error: %v", err)
		}
	}
	for index := 0; index < submitted; index++ {
		payload := decodePayload[ReceiveSelectionPayload](t, mustReceive(t, peer, KindReceiveSelection))
		if payload.Range == nil || payload.Range.Index != index {
			t.Fatalf("expected index %d, got %+v", index, payload.Range)
		}
	}
	if peer.Closed() {
		t.Fatalf("expected peer to stay connected")
	}
}
