package docclient

import (
	"testing"

	"github.com/quillsync/core/internal/wire"
)

func testKey() []byte {
	return make([]byte, 32) // all-zero key is fine for deterministic tests
}

func TestInsertWithNoActiveSnapshotProducesSnapshotMessage(t *testing.T) {
	c := New(1, testKey())
	msg, err := c.Insert(0, "hi")
	if err != nil {
		t.Fatal(err)
	}
	if msg.Kind != wire.EncryptedUpdateKindSnapshot {
		t.Fatalf("expected a snapshot message for the first edit, got kind %v", msg.Kind)
	}
	if c.Text() != "hi" {
		t.Fatalf("got %q", c.Text())
	}
}

func TestInsertAfterSnapshotProducesUpdateMessage(t *testing.T) {
	c := New(1, testKey())
	if _, err := c.Insert(0, "hi"); err != nil {
		t.Fatal(err)
	}
	msg, err := c.Insert(2, "!")
	if err != nil {
		t.Fatal(err)
	}
	if msg.Kind != wire.EncryptedUpdateKindUpdates {
		t.Fatalf("expected an updates message for the second edit, got kind %v", msg.Kind)
	}
	if len(msg.Updates) != 1 {
		t.Fatalf("expected exactly one update, got %d", len(msg.Updates))
	}
	if c.Text() != "hi!" {
		t.Fatalf("got %q", c.Text())
	}
}

func TestHandleUpdateAppliesRemoteSnapshotThenUpdates(t *testing.T) {
	sender := New(1, testKey())
	receiver := New(2, testKey())

	snapMsg, err := sender.Insert(0, "hi")
	if err != nil {
		t.Fatal(err)
	}
	if err := receiver.HandleUpdate(snapMsg); err != nil {
		t.Fatal(err)
	}
	if receiver.Text() != "hi" {
		t.Fatalf("receiver got %q after snapshot", receiver.Text())
	}

	// Receiver must adopt the same active snapshot id before an update
	// referencing it will apply instead of queue.
	receiver.mu.Lock()
	receiver.activeSnapshotID = sender.activeSnapshotID
	receiver.mu.Unlock()

	updMsg, err := sender.Insert(2, "!")
	if err != nil {
		t.Fatal(err)
	}
	if err := receiver.HandleUpdate(updMsg); err != nil {
		t.Fatal(err)
	}
	if receiver.Text() != "hi!" {
		t.Fatalf("receiver got %q after update", receiver.Text())
	}
}

func TestHandleUpdateQueuesUpdatesForUnknownSnapshot(t *testing.T) {
	c := New(1, testKey())
	err := c.HandleUpdate(wire.EncryptedUpdateMessage{
		Kind: wire.EncryptedUpdateKindUpdates,
		Updates: []wire.EncryptedUpdate{
			{ID: "u1", SnapshotID: "unknown-snap", ClientID: 9, Counter: 1, Payload: []byte("xxxxxxxxxxxxxxxxxxxxxxxxxxxxx")},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	c.mu.Lock()
	queued := c.queuedUpdates["unknown-snap"]
	c.mu.Unlock()
	if len(queued) != 1 {
		t.Fatalf("expected update to be queued, got %+v", queued)
	}
}

func TestHandleSyncStep1IncludesActiveSnapshotWhenPeerHasNone(t *testing.T) {
	c := New(1, testKey())
	if _, err := c.Insert(0, "hello"); err != nil {
		t.Fatal(err)
	}

	ss2, err := c.HandleSyncStep1(wire.EncryptedStateVector{})
	if err != nil {
		t.Fatal(err)
	}
	if !ss2.HasSnapshot {
		t.Fatal("expected a snapshot for a peer with no active snapshot id")
	}

	other := New(2, testKey())
	if err := other.applySnapshot(ss2.Snapshot); err != nil {
		t.Fatal(err)
	}
	if other.Text() != "hello" {
		t.Fatalf("got %q", other.Text())
	}
}

func TestHandleSyncStep1IncludesPendingUpdatesForSameSnapshot(t *testing.T) {
	c := New(1, testKey())
	c.Insert(0, "hi")
	c.Insert(2, "!")

	ss2, err := c.HandleSyncStep1(wire.EncryptedStateVector{ActiveSnapshotID: c.activeSnapshotID})
	if err != nil {
		t.Fatal(err)
	}
	if ss2.HasSnapshot {
		t.Fatal("peer already has the active snapshot; should not be resent")
	}
	if len(ss2.Updates) != 1 {
		t.Fatalf("expected the one pending update, got %+v", ss2.Updates)
	}
}

func TestHandleSyncStep2WithBothSnapshotAndUpdatesReturnsCompactionSnapshot(t *testing.T) {
	c := New(1, testKey())
	snap := wire.EncryptedSnapshot{SnapshotID: "snap-a"}
	plain := []byte{0} // zero ops
	ct, err := c.encrypt(plain)
	if err != nil {
		t.Fatal(err)
	}
	snap.Payload = ct

	ss2 := wire.EncryptedSyncStep2{HasSnapshot: true, Snapshot: snap}
	compaction, err := c.HandleSyncStep2(ss2)
	if err != nil {
		t.Fatal(err)
	}
	if compaction != nil {
		t.Fatal("expected no compaction message when only a snapshot arrived, no updates")
	}

	// Now exercise the both-present path by handing over an update too.
	c2 := New(1, testKey())
	update, err := c2.Insert(0, "x")
	if err != nil {
		t.Fatal(err)
	}
	_ = update

	snap2 := wire.EncryptedSnapshot{SnapshotID: "snap-b"}
	ct2, err := c.encrypt([]byte{0})
	if err != nil {
		t.Fatal(err)
	}
	snap2.Payload = ct2
	upd := wire.EncryptedUpdate{ID: "u1", SnapshotID: "snap-b", ClientID: 9, Counter: 1, Payload: ct2}
	ss2b := wire.EncryptedSyncStep2{HasSnapshot: true, Snapshot: snap2, Updates: []wire.EncryptedUpdate{upd}}
	compaction2, err := c.HandleSyncStep2(ss2b)
	if err != nil {
		t.Fatal(err)
	}
	if compaction2 == nil || compaction2.Kind != wire.EncryptedUpdateKindSnapshot {
		t.Fatalf("expected a fresh compaction snapshot message, got %+v", compaction2)
	}
}

func TestAwarenessRoundTrips(t *testing.T) {
	c := New(1, testKey())
	ct, err := c.EncodeAwarenessUpdate([]byte("cursor:42"))
	if err != nil {
		t.Fatal(err)
	}
	plain, err := c.HandleAwarenessUpdate(ct)
	if err != nil {
		t.Fatal(err)
	}
	if string(plain) != "cursor:42" {
		t.Fatalf("got %q", plain)
	}
}

func TestNeedsCompactionReflectsDriftSinceLastSnapshot(t *testing.T) {
	c := New(1, testKey())
	c.Insert(0, "hi") // first edit installs a snapshot, so drift resets to false
	if c.NeedsCompaction() {
		t.Fatal("expected no drift immediately after a snapshot-producing edit")
	}
	c.Insert(2, "!")
	if !c.NeedsCompaction() {
		t.Fatal("expected drift after an edit applied on top of the snapshot")
	}
}
