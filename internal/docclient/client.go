// Package docclient implements the encryption client engine of spec.md
// §4.H: a per-document state machine holding the one local CRDT replica
// (internal/crdt), a Lamport clock, and the snapshot/pending-delta-log
// bookkeeping needed to replay across snapshot generations while the
// server only ever sees ciphertext. Grounded on the teacher's
// internal/crypto AEAD primitives, generalized from "plaintext is a file
// chunk" to "plaintext is a CRDT update byte slice."
package docclient

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/quillsync/core/internal/crdt"
	cryptoaead "github.com/quillsync/core/internal/crypto"
	"github.com/quillsync/core/internal/docerr"
	"github.com/quillsync/core/internal/lamport"
	"github.com/quillsync/core/internal/wire"
)

const (
	defaultDecryptBatchSize = 100
	defaultSnapshotInterval = 5 * time.Minute
	nonceSize               = 12
)

// ObservationKind names the telemetry-relevant events a Client emits as it
// processes frames, mirroring spec.md §4.H's "emit update-stored" /
// "emit snapshot-stored" / acknowledgement-routing language.
type ObservationKind string

const (
	ObservationUpdateStored   ObservationKind = "update-stored"
	ObservationSnapshotStored ObservationKind = "snapshot-stored"
	ObservationAcknowledged   ObservationKind = "acknowledged"
	ObservationAwarenessSeen  ObservationKind = "awareness-update"
)

// Observation is one event surfaced via the Client's observer callback.
type Observation struct {
	Kind       ObservationKind
	UpdateID   string
	SnapshotID string
}

type pendingUpdate struct {
	id         string
	snapshotID string
	timestamp  lamport.Timestamp
	ciphertext []byte
}

// Client is one client-side replica of one document's encrypted state
// machine. A Client is not safe for concurrent operations beyond what its
// internal mutex serializes: callers should still route all frame handling
// for a given document through a single goroutine, matching how the
// dispatcher holds the per-document lock server-side.
type Client struct {
	mu       sync.Mutex
	key      []byte
	clientID uint32
	clock    *lamport.Clock
	replica  *crdt.Doc

	activeSnapshotID string
	serverVersion    uint64

	pendingUpdates map[string]pendingUpdate   // updateKey -> record, for the active snapshot only
	seenUpdates    map[string]map[string]bool // snapshotId -> set of updateKey
	queuedUpdates  map[string][]wire.EncryptedUpdate

	snapshotInterval  time.Duration
	lastSnapshotText  string
	observe           func(Observation)
	randRead          func([]byte) (int, error)
}

// Option configures a Client at construction.
type Option func(*Client)

// WithSnapshotInterval overrides the default 5-minute periodic-compaction
// interval. A zero duration disables periodic compaction per spec.md §4.H.
func WithSnapshotInterval(d time.Duration) Option {
	return func(c *Client) { c.snapshotInterval = d }
}

// WithObserver registers a callback invoked synchronously for every
// Observation the client emits.
func WithObserver(fn func(Observation)) Option {
	return func(c *Client) { c.observe = fn }
}

// New creates a client-side replica for clientID, encrypting with key (a
// 32-byte AES-256 session key derived and distributed out of band).
func New(clientID uint32, key []byte, opts ...Option) *Client {
	c := &Client{
		key:              key,
		clientID:         clientID,
		clock:            lamport.New(clientID),
		replica:          crdt.New(clientID),
		pendingUpdates:   map[string]pendingUpdate{},
		seenUpdates:      map[string]map[string]bool{},
		queuedUpdates:    map[string][]wire.EncryptedUpdate{},
		snapshotInterval: defaultSnapshotInterval,
		observe:          func(Observation) {},
		randRead:         rand.Read,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func updateKey(snapshotID string, ts lamport.Timestamp) string {
	return fmt.Sprintf("%s:%d-%d", snapshotID, ts.ClientID, ts.Counter)
}

// Text returns the replica's current visible content, for callers that need
// to render it (tests, periodic-compaction comparisons).
func (c *Client) Text() string {
	return c.replica.Text()
}

// Start returns the state vector to send as the payload of the client's
// initial doc.sync-step-1 frame.
func (c *Client) Start() wire.EncryptedStateVector {
	c.mu.Lock()
	defer c.mu.Unlock()
	return wire.EncryptedStateVector{ActiveSnapshotID: c.activeSnapshotID, ServerVersion: c.serverVersion}
}

func (c *Client) encrypt(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, nonceSize)
	if _, err := c.randRead(nonce); err != nil {
		return nil, err
	}
	ct, err := cryptoaead.Seal(c.key, nonce, nil, plaintext)
	if err != nil {
		return nil, err
	}
	return append(nonce, ct...), nil
}

func (c *Client) decrypt(payload []byte) ([]byte, error) {
	if len(payload) < nonceSize {
		return nil, docerr.Integrity("ciphertext shorter than nonce prefix")
	}
	return cryptoaead.Open(c.key, payload[:nonceSize], nil, payload[nonceSize:])
}

// HandleSyncStep1 answers a peer's state vector with a sync-step-2 payload
// built from this client's own local state, per spec.md §4.H: include the
// active snapshot when the peer has none, and include any updates still
// pending against the snapshot the peer already has.
func (c *Client) HandleSyncStep1(sv wire.EncryptedStateVector) (wire.EncryptedSyncStep2, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out wire.EncryptedSyncStep2
	if sv.ActiveSnapshotID == "" && c.activeSnapshotID != "" {
		payload, err := c.encryptSnapshot()
		if err != nil {
			return wire.EncryptedSyncStep2{}, err
		}
		out.HasSnapshot = true
		out.Snapshot = wire.EncryptedSnapshot{SnapshotID: c.activeSnapshotID, Payload: payload}
	}

	if sv.ActiveSnapshotID == c.activeSnapshotID {
		for _, pu := range c.pendingUpdates {
			out.Updates = append(out.Updates, wire.EncryptedUpdate{
				ID: pu.id, SnapshotID: pu.snapshotID,
				ClientID: uint64(pu.timestamp.ClientID), Counter: pu.timestamp.Counter,
				Payload: pu.ciphertext,
			})
		}
		sortUpdates(out.Updates)
	}
	return out, nil
}

func sortUpdates(updates []wire.EncryptedUpdate) {
	sort.Slice(updates, func(i, j int) bool {
		if updates[i].ClientID != updates[j].ClientID {
			return updates[i].ClientID < updates[j].ClientID
		}
		return updates[i].Counter < updates[j].Counter
	})
}

func (c *Client) encryptSnapshot() ([]byte, error) {
	ops := c.replica.MissingSince(nil)
	return c.encrypt(crdt.EncodeOps(ops))
}

// HandleSyncStep2 processes a peer's reply to our sync-step-1: applies any
// included snapshot (flushing queued updates for it), then applies the
// updates. If both a snapshot and updates arrived together (the initial
// sync), it returns a fresh compaction snapshot message for the server to
// persist as a flattened active snapshot.
func (c *Client) HandleSyncStep2(ss2 wire.EncryptedSyncStep2) (*wire.EncryptedUpdateMessage, error) {
	hadSnapshot := ss2.HasSnapshot
	if ss2.HasSnapshot {
		if err := c.applySnapshot(ss2.Snapshot); err != nil {
			return nil, err
		}
	}
	if len(ss2.Updates) > 0 {
		if err := c.applyUpdates(ss2.Updates); err != nil {
			return nil, err
		}
	}
	if hadSnapshot && len(ss2.Updates) > 0 {
		msg, err := c.createSnapshotMessage()
		if err != nil {
			return nil, err
		}
		return &msg, nil
	}
	return nil, nil
}

// HandleUpdate processes an inbound doc.update frame: a snapshot message
// replaces local state and flushes queued updates; an updates message is
// applied directly.
func (c *Client) HandleUpdate(msg wire.EncryptedUpdateMessage) error {
	switch msg.Kind {
	case wire.EncryptedUpdateKindSnapshot:
		return c.applySnapshot(msg.Snapshot)
	case wire.EncryptedUpdateKindUpdates:
		return c.applyUpdates(msg.Updates)
	default:
		return docerr.Codec(fmt.Sprintf("unknown encrypted update kind %d", msg.Kind), 0)
	}
}

func (c *Client) applySnapshot(s wire.EncryptedSnapshot) error {
	plaintext, err := c.decrypt(s.Payload)
	if err != nil {
		return err
	}
	ops, err := crdt.DecodeOps(plaintext)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.replica = crdt.New(c.clientID)
	c.replica.Apply(ops)
	c.activeSnapshotID = s.SnapshotID
	c.serverVersion = 0
	c.clock.Reset()
	c.pendingUpdates = map[string]pendingUpdate{}
	delete(c.seenUpdates, s.SnapshotID)
	queued := c.queuedUpdates[s.SnapshotID]
	delete(c.queuedUpdates, s.SnapshotID)
	c.lastSnapshotText = c.replica.Text()
	c.mu.Unlock()

	c.observe(Observation{Kind: ObservationSnapshotStored, SnapshotID: s.SnapshotID})

	if len(queued) > 0 {
		return c.applyUpdates(queued)
	}
	return nil
}

// applyUpdates decrypts and applies a batch of updates in chunks of
// defaultDecryptBatchSize, yielding between chunks per spec.md §4.H, then
// integrates every decrypted plaintext into the replica inside a single
// pass so partial batches never leave the visible text in an
// inconsistent intermediate state a reader could observe.
func (c *Client) applyUpdates(updates []wire.EncryptedUpdate) error {
	c.mu.Lock()
	var toDecrypt []wire.EncryptedUpdate
	for _, u := range updates {
		if u.SnapshotID != c.activeSnapshotID {
			c.queuedUpdates[u.SnapshotID] = append(c.queuedUpdates[u.SnapshotID], u)
			continue
		}
		toDecrypt = append(toDecrypt, u)
	}
	c.mu.Unlock()

	var allOps []crdt.Op
	var newlySeen []wire.EncryptedUpdate
	for start := 0; start < len(toDecrypt); start += defaultDecryptBatchSize {
		end := start + defaultDecryptBatchSize
		if end > len(toDecrypt) {
			end = len(toDecrypt)
		}
		for _, u := range toDecrypt[start:end] {
			ts := lamport.Timestamp{ClientID: uint32(u.ClientID), Counter: u.Counter}
			key := updateKey(u.SnapshotID, ts)

			c.mu.Lock()
			seen := c.seenUpdates[u.SnapshotID]
			if seen == nil {
				seen = map[string]bool{}
				c.seenUpdates[u.SnapshotID] = seen
			}
			alreadySeen := seen[key]
			if !alreadySeen {
				seen[key] = true
			}
			if pu, ok := c.pendingUpdates[key]; ok && u.ServerVersion != 0 {
				delete(c.pendingUpdates, key)
				c.observe(Observation{Kind: ObservationAcknowledged, UpdateID: pu.id, SnapshotID: u.SnapshotID})
			}
			if u.ServerVersion > c.serverVersion {
				c.serverVersion = u.ServerVersion
			}
			c.mu.Unlock()

			if alreadySeen {
				continue
			}

			plaintext, err := c.decrypt(u.Payload)
			if err != nil {
				return err
			}
			ops, err := crdt.DecodeOps(plaintext)
			if err != nil {
				return err
			}
			allOps = append(allOps, ops...)
			newlySeen = append(newlySeen, u)
		}
		if end < len(toDecrypt) {
			runtime.Gosched()
		}
	}

	if len(allOps) > 0 {
		c.mu.Lock()
		c.replica.Apply(allOps)
		c.mu.Unlock()
	}
	for _, u := range newlySeen {
		c.observe(Observation{Kind: ObservationUpdateStored, UpdateID: u.ID, SnapshotID: u.SnapshotID})
	}
	return nil
}

// createSnapshotMessage encrypts the full current replica state as a fresh
// snapshot and installs it as active, without notifying observers (used
// internally by HandleSyncStep2's initial-sync compaction path).
func (c *Client) createSnapshotMessage() (wire.EncryptedUpdateMessage, error) {
	payload, err := c.encryptSnapshot()
	if err != nil {
		return wire.EncryptedUpdateMessage{}, err
	}
	id := newSnapshotID()

	c.mu.Lock()
	c.activeSnapshotID = id
	c.serverVersion = 0
	c.clock.Reset()
	c.pendingUpdates = map[string]pendingUpdate{}
	c.lastSnapshotText = c.replica.Text()
	c.mu.Unlock()

	return wire.EncryptedUpdateMessage{
		Kind:     wire.EncryptedUpdateKindSnapshot,
		Snapshot: wire.EncryptedSnapshot{SnapshotID: id, Payload: payload},
	}, nil
}

// CreateSnapshot is the public entry point for an explicit client-initiated
// snapshot (e.g. a milestone save), emitting the snapshot-stored
// observation that createSnapshotMessage's internal compaction path skips.
func (c *Client) CreateSnapshot() (wire.EncryptedUpdateMessage, error) {
	msg, err := c.createSnapshotMessage()
	if err != nil {
		return wire.EncryptedUpdateMessage{}, err
	}
	c.observe(Observation{Kind: ObservationSnapshotStored, SnapshotID: msg.Snapshot.SnapshotID})
	return msg, nil
}

func newSnapshotID() string {
	return uuid.NewString()
}

// OnUpdate encodes a local edit (the ops produced by Doc.InsertAt/DeleteAt
// applied to c.Text's replica) as an encrypted doc.update frame. If no
// snapshot is active yet, it instead produces a fresh snapshot message
// (there is nothing to delta against).
func (c *Client) OnUpdate(ops []crdt.Op) (wire.EncryptedUpdateMessage, error) {
	c.mu.Lock()
	activeSnapshotID := c.activeSnapshotID
	c.mu.Unlock()

	if activeSnapshotID == "" {
		return c.createSnapshotMessage()
	}

	plaintext := crdt.EncodeOps(ops)
	ciphertext, err := c.encrypt(plaintext)
	if err != nil {
		return wire.EncryptedUpdateMessage{}, err
	}

	c.mu.Lock()
	ts := c.clock.Tick()
	idSum := sha256.Sum256(ciphertext)
	id := base64.StdEncoding.EncodeToString(idSum[:])
	key := updateKey(activeSnapshotID, ts)
	pu := pendingUpdate{id: id, snapshotID: activeSnapshotID, timestamp: ts, ciphertext: ciphertext}
	c.pendingUpdates[key] = pu
	seen := c.seenUpdates[activeSnapshotID]
	if seen == nil {
		seen = map[string]bool{}
		c.seenUpdates[activeSnapshotID] = seen
	}
	seen[key] = true
	c.mu.Unlock()

	return wire.EncryptedUpdateMessage{
		Kind: wire.EncryptedUpdateKindUpdates,
		Updates: []wire.EncryptedUpdate{{
			ID: id, SnapshotID: activeSnapshotID,
			ClientID: uint64(ts.ClientID), Counter: ts.Counter,
			Payload: ciphertext,
		}},
	}, nil
}

// Insert applies a local insert to the replica and returns the frame to
// send for it.
func (c *Client) Insert(pos int, text string) (wire.EncryptedUpdateMessage, error) {
	ops := c.replica.InsertAt(pos, text)
	return c.OnUpdate(ops)
}

// Delete applies a local delete to the replica and returns the frame to
// send for it.
func (c *Client) Delete(pos, count int) (wire.EncryptedUpdateMessage, error) {
	ops := c.replica.DeleteAt(pos, count)
	return c.OnUpdate(ops)
}

// NeedsCompaction reports whether the replica's visible text has drifted
// from the last snapshot's plaintext, per spec.md §4.H's periodic
// compaction timer ("compares current state bytes against the decrypted
// active-snapshot plaintext; no-op if nothing has changed").
func (c *Client) NeedsCompaction() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.replica.Text() != c.lastSnapshotText
}

// SnapshotInterval returns the configured periodic-compaction interval (0
// means disabled).
func (c *Client) SnapshotInterval() time.Duration {
	return c.snapshotInterval
}

// HandleAwarenessUpdate decrypts an opaque awareness payload and reports it
// via the observer, per spec.md §4.H ("awareness payloads are encrypted
// opaquely; apply or emit as awareness-update").
func (c *Client) HandleAwarenessUpdate(payload []byte) ([]byte, error) {
	plaintext, err := c.decrypt(payload)
	if err != nil {
		return nil, err
	}
	c.observe(Observation{Kind: ObservationAwarenessSeen})
	return plaintext, nil
}

// EncodeAwarenessUpdate encrypts a local awareness payload (cursor/presence
// state) for broadcast.
func (c *Client) EncodeAwarenessUpdate(plaintext []byte) ([]byte, error) {
	return c.encrypt(plaintext)
}
