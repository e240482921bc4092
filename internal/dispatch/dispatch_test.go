package dispatch

import (
	"testing"
	"time"

	"github.com/quillsync/core/internal/crdt"
	"github.com/quillsync/core/internal/dedupe"
	"github.com/quillsync/core/internal/lock"
	"github.com/quillsync/core/internal/storage/docstore"
	"github.com/quillsync/core/internal/storage/memstore"
	"github.com/quillsync/core/internal/telemetry"
	"github.com/quillsync/core/internal/wire"
)

type fakeConn struct {
	id       string
	identity Identity
	sent     []*wire.Envelope
}

func newFakeConn(id string) *fakeConn {
	return &fakeConn{id: id, identity: Identity{ConnectionID: id, ClientID: 1}}
}

func (c *fakeConn) ID() string            { return c.id }
func (c *fakeConn) Identity() Identity     { return c.identity }
func (c *fakeConn) Send(env *wire.Envelope) error {
	c.sent = append(c.sent, env)
	return nil
}

func (c *fakeConn) lastOfCategory(cat wire.Category) *wire.Envelope {
	for i := len(c.sent) - 1; i >= 0; i-- {
		if c.sent[i].Category == cat {
			return c.sent[i]
		}
	}
	return nil
}

func (c *fakeConn) countOfCategory(cat wire.Category) int {
	n := 0
	for _, e := range c.sent {
		if e.Category == cat {
			n++
		}
	}
	return n
}

func testDispatcher() (*Dispatcher, *docstore.Store) {
	kv := memstore.New()
	plain := docstore.New(kv)
	d := New(kv, plain, nil, dedupe.New(), telemetry.New(8), WithLockOptions(lock.Options{TTL: time.Second}))
	return d, plain
}

func syncStep1Envelope(docID string) []byte {
	return wire.Encode(&wire.Envelope{
		DocID: docID, Category: wire.CategoryDoc, MessageID: wire.NewMessageID(),
		Payload: wire.EncodeDocSyncStep1(crdt.EncodeStateVector(crdt.StateVector{})),
	})
}

func updateEnvelope(docID string, ops []crdt.Op) []byte {
	return wire.Encode(&wire.Envelope{
		DocID: docID, Category: wire.CategoryDoc, MessageID: wire.NewMessageID(),
		Payload: wire.EncodeDocUpdate(crdt.EncodeOps(ops)),
	})
}

func TestSyncStep1RepliesWithStep2AndFreshStep1(t *testing.T) {
	d, _ := testDispatcher()
	conn := newFakeConn("c1")

	if err := d.Dispatch(conn, syncStep1Envelope("doc1")); err != nil {
		t.Fatal(err)
	}

	if got := conn.countOfCategory(wire.CategoryDoc); got != 2 {
		t.Fatalf("expected sync-step-2 and a fresh sync-step-1, got %d doc frames", got)
	}
	if got := conn.countOfCategory(wire.CategoryAck); got != 1 {
		t.Fatalf("expected exactly one ack, got %d", got)
	}
}

func TestUpdateIsPersistedAndBroadcastExceptSender(t *testing.T) {
	d, plain := testDispatcher()
	sender := newFakeConn("sender")
	peer := newFakeConn("peer")

	// Attach peer to the document by letting it sync first.
	if err := d.Dispatch(peer, syncStep1Envelope("doc1")); err != nil {
		t.Fatal(err)
	}

	replica := crdt.New(1)
	ops := replica.InsertAt(0, "hi")
	if err := d.Dispatch(sender, updateEnvelope("doc1", ops)); err != nil {
		t.Fatal(err)
	}

	if sender.countOfCategory(wire.CategoryDoc) != 0 {
		t.Fatalf("sender should not receive its own update back")
	}
	if peer.countOfCategory(wire.CategoryDoc) != 3 {
		// 2 from its own sync-step-1 reply, 1 from the broadcast update
		t.Fatalf("expected peer to receive the broadcast update, got %d doc frames", peer.countOfCategory(wire.CategoryDoc))
	}

	fetched, err := plain.Fetch("doc1")
	if err != nil {
		t.Fatal(err)
	}
	decodedOps, err := crdt.DecodeOps(fetched.Update)
	if err != nil {
		t.Fatal(err)
	}
	if len(decodedOps) != len(ops) {
		t.Fatalf("expected %d persisted ops, got %d", len(ops), len(decodedOps))
	}
}

func TestDuplicateMessageIsDroppedSilently(t *testing.T) {
	d, plain := testDispatcher()
	conn := newFakeConn("c1")

	replica := crdt.New(1)
	ops := replica.InsertAt(0, "x")
	raw := updateEnvelope("doc1", ops)

	if err := d.Dispatch(conn, raw); err != nil {
		t.Fatal(err)
	}
	if err := d.Dispatch(conn, raw); err != nil {
		t.Fatal(err)
	}

	fetched, err := plain.Fetch("doc1")
	if err != nil {
		t.Fatal(err)
	}
	decodedOps, err := crdt.DecodeOps(fetched.Update)
	if err != nil {
		t.Fatal(err)
	}
	if len(decodedOps) != 1 {
		t.Fatalf("expected the duplicate delivery to be dropped, got %d ops", len(decodedOps))
	}
}

type denyACL struct{ reason string }

func (a denyACL) Check(Identity, string, wire.Category) (bool, string) { return false, a.reason }

func TestACLDenialSendsAuthMessageAndStopsProcessing(t *testing.T) {
	kv := memstore.New()
	plain := docstore.New(kv)
	d := New(kv, plain, nil, dedupe.New(), telemetry.New(8), WithACL(denyACL{reason: "no access"}))
	conn := newFakeConn("c1")

	replica := crdt.New(1)
	ops := replica.InsertAt(0, "x")
	if err := d.Dispatch(conn, updateEnvelope("doc1", ops)); err != nil {
		t.Fatal(err)
	}

	if conn.countOfCategory(wire.CategoryAck) != 0 {
		t.Fatalf("a denied frame must not be acked")
	}
	authMsg := conn.lastOfCategory(wire.CategoryDoc)
	if authMsg == nil {
		t.Fatal("expected an auth-message reply")
	}
	decoded, err := wire.DecodeDoc(authMsg.Payload)
	if err != nil {
		t.Fatal(err)
	}
	if decoded.SubVariant != wire.DocAuthMessage || decoded.AuthMessage.Permission != "denied" {
		t.Fatalf("unexpected auth reply: %+v", decoded)
	}

	fetched, err := plain.Fetch("doc1")
	if err != nil {
		t.Fatal(err)
	}
	decodedOps, err := crdt.DecodeOps(fetched.Update)
	if err != nil {
		t.Fatal(err)
	}
	if len(decodedOps) != 0 {
		t.Fatalf("denied update must not be persisted, got %d ops", len(decodedOps))
	}
}

func TestDetachUnloadsAfterLastConnection(t *testing.T) {
	d, _ := testDispatcher()
	conn := newFakeConn("c1")

	if err := d.Dispatch(conn, syncStep1Envelope("doc1")); err != nil {
		t.Fatal(err)
	}

	d.mu.Lock()
	_, ok := d.docs["doc1"]
	d.mu.Unlock()
	if !ok {
		t.Fatal("expected a document handle to exist after dispatch")
	}

	if err := d.Detach("doc1", "c1"); err != nil {
		t.Fatal(err)
	}

	d.mu.Lock()
	_, ok = d.docs["doc1"]
	d.mu.Unlock()
	if ok {
		t.Fatal("expected the document handle to be evicted once its last connection detaches")
	}
}

func TestMalformedFrameIsDroppedNotReturnedAsError(t *testing.T) {
	d, _ := testDispatcher()
	conn := newFakeConn("c1")

	if err := d.Dispatch(conn, []byte("not a frame")); err != nil {
		t.Fatalf("expected decode failures to be swallowed, got %v", err)
	}
	if len(conn.sent) != 0 {
		t.Fatalf("expected no replies for a malformed frame, got %d", len(conn.sent))
	}
}

func TestUnknownRPCMethodRepliesWithError(t *testing.T) {
	d, _ := testDispatcher()
	conn := newFakeConn("c1")

	req := wire.RPCMessage{Method: "does.not.exist", RequestType: wire.RPCRequest, CorrelationID: "abc"}
	raw := wire.Encode(&wire.Envelope{
		DocID: "doc1", Category: wire.CategoryRPC, MessageID: wire.NewMessageID(),
		Payload: wire.EncodeRPC(req),
	})
	if err := d.Dispatch(conn, raw); err != nil {
		t.Fatal(err)
	}

	resp := conn.lastOfCategory(wire.CategoryRPC)
	if resp == nil {
		t.Fatal("expected an rpc response")
	}
	decoded, err := wire.DecodeRPC(resp.Payload)
	if err != nil {
		t.Fatal(err)
	}
	if decoded.RequestType != wire.RPCResponse || decoded.CorrelationID != "abc" {
		t.Fatalf("unexpected rpc reply: %+v", decoded)
	}
	if len(decoded.Payload) == 0 {
		t.Fatalf("expected an error payload describing the unknown method")
	}
}
