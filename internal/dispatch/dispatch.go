package dispatch

import (
	"fmt"
	"sync"

	"github.com/quillsync/core/internal/crdt"
	"github.com/quillsync/core/internal/dedupe"
	"github.com/quillsync/core/internal/docerr"
	"github.com/quillsync/core/internal/lock"
	"github.com/quillsync/core/internal/milestone"
	"github.com/quillsync/core/internal/ratelimit"
	"github.com/quillsync/core/internal/storage"
	"github.com/quillsync/core/internal/storage/docstore"
	"github.com/quillsync/core/internal/storage/encstore"
	"github.com/quillsync/core/internal/storage/filestore"
	"github.com/quillsync/core/internal/telemetry"
	"github.com/quillsync/core/internal/wire"
)

// Dispatcher runs spec.md §4.I's seven-step per-frame pipeline: decode,
// dedupe, resolve the target document, authorize, lock, persist/broadcast,
// then ack and publish telemetry. One Dispatcher serves every document a
// process hosts; documentHandle tracks the connections attached to each.
type Dispatcher struct {
	mu       sync.Mutex
	docs     map[string]*documentHandle
	connDocs map[string]map[string]bool // connID -> set of docIDs it has touched

	kv        storage.KeyValueStore
	plain     *docstore.Store
	encrypted *encstore.Store

	dedupe  *dedupe.Table
	limiter *ratelimit.Limiter
	acl     ACL
	bus     *telemetry.Bus

	lockOpts lock.Options

	rpcMu sync.RWMutex
	rpc   map[string]RPCHandler
}

// Option configures a Dispatcher at construction time.
type Option func(*Dispatcher)

// WithACL overrides the default AllowAll permission check.
func WithACL(acl ACL) Option { return func(d *Dispatcher) { d.acl = acl } }

// WithRateLimiter attaches per-(identity,document) token-bucket enforcement.
func WithRateLimiter(l *ratelimit.Limiter) Option { return func(d *Dispatcher) { d.limiter = l } }

// WithLockOptions overrides the default per-document TTL lock parameters.
func WithLockOptions(o lock.Options) Option { return func(d *Dispatcher) { d.lockOpts = o } }

// WithFileStore wires the content-addressed file store and registers its
// rpc handlers (file.beginUpload, file.storeChunk, file.completeUpload,
// file.get, file.delete, file.deleteByDocument).
func WithFileStore(files *filestore.Store) Option {
	return func(d *Dispatcher) { d.registerFileHandlers(files) }
}

// WithMilestoneStore wires the named-snapshot store and registers its rpc
// handlers (milestone.list, milestone.create, milestone.snapshot,
// milestone.rename, milestone.get).
func WithMilestoneStore(milestones *milestone.Store) Option {
	return func(d *Dispatcher) { d.registerMilestoneHandlers(milestones) }
}

// New builds a Dispatcher over the plaintext and encrypted document stores,
// the shared dedupe table and telemetry bus, and the key/value store that
// backs per-document locks.
func New(kv storage.KeyValueStore, plain *docstore.Store, encrypted *encstore.Store, dedupeTable *dedupe.Table, bus *telemetry.Bus, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		docs:      make(map[string]*documentHandle),
		connDocs:  make(map[string]map[string]bool),
		kv:        kv,
		plain:     plain,
		encrypted: encrypted,
		dedupe:    dedupeTable,
		bus:       bus,
		acl:       AllowAll{},
		rpc:       make(map[string]RPCHandler),
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// RegisterRPC adds or replaces the handler for a named rpc method.
func (d *Dispatcher) RegisterRPC(method string, h RPCHandler) {
	d.rpcMu.Lock()
	defer d.rpcMu.Unlock()
	d.rpc[method] = h
}

// NotifyConnected publishes a telemetry connected event. Transport adapters
// call this once per accepted connection, before any frame is dispatched.
func (d *Dispatcher) NotifyConnected(connID string) {
	d.bus.Publish(telemetry.Event{Kind: telemetry.EventConnected, ConnectionID: connID})
}

// NotifyDisconnected publishes a telemetry disconnected event. Transport
// adapters call this once per closed connection; it does not itself detach
// the connection from any document — call Detach first for each document
// it was attached to.
func (d *Dispatcher) NotifyDisconnected(connID string) {
	d.bus.Publish(telemetry.Event{Kind: telemetry.EventDisconnected, ConnectionID: connID})
}

// Attach registers conn against docID's broadcast set directly, bypassing
// the dispatch pipeline. Transports whose connection is receive-only (an
// SSE stream never submits an inbound frame of its own) use this to join a
// document's broadcast audience.
func (d *Dispatcher) Attach(docID string, conn Connection, encrypted bool) {
	h := d.handleFor(docID, encrypted)
	h.attach(conn)
	d.trackAttachment(conn.ID(), docID)
}

func (d *Dispatcher) handleFor(docID string, encrypted bool) *documentHandle {
	d.mu.Lock()
	defer d.mu.Unlock()
	h, ok := d.docs[docID]
	if !ok {
		h = newDocumentHandle(encrypted)
		d.docs[docID] = h
		d.bus.Publish(telemetry.Event{Kind: telemetry.EventLoadSubdoc, DocumentID: docID})
	}
	return h
}

// Detach removes a connection from a document's broadcast set. If it was
// the last connection attached, the in-memory handle is evicted and the
// document is force-compacted via storage.Unload, per spec.md §4.I's
// unload policy.
func (d *Dispatcher) Detach(docID, connID string) error {
	d.mu.Lock()
	h, ok := d.docs[docID]
	d.mu.Unlock()
	if !ok {
		return nil
	}

	if remaining := h.detach(connID); remaining > 0 {
		return nil
	}

	d.mu.Lock()
	delete(d.docs, docID)
	d.mu.Unlock()

	d.bus.Publish(telemetry.Event{Kind: telemetry.EventUnloadSubdoc, DocumentID: docID})
	if h.encrypted || d.plain == nil {
		return nil
	}
	return d.plain.Unload(docID)
}

func (d *Dispatcher) trackAttachment(connID, docID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	docs, ok := d.connDocs[connID]
	if !ok {
		docs = make(map[string]bool)
		d.connDocs[connID] = docs
	}
	docs[docID] = true
}

// DetachAll detaches a connection from every document it has touched and
// evicts now-empty document handles, running the unload policy for each.
// Transport adapters call this once after a connection closes, instead of
// tracking per-document attachment themselves.
func (d *Dispatcher) DetachAll(connID string) {
	d.mu.Lock()
	docs := d.connDocs[connID]
	delete(d.connDocs, connID)
	d.mu.Unlock()

	for docID := range docs {
		_ = d.Detach(docID, connID)
	}
}

// Dispatch runs the seven-step pipeline for one inbound frame from conn. A
// decode failure or dedupe hit is reported via telemetry and the frame is
// silently dropped (returns nil); any other step's error is returned to the
// caller, which is expected to log it at the transport level.
func (d *Dispatcher) Dispatch(conn Connection, raw []byte) error {
	env, err := wire.Decode(raw)
	if err != nil {
		d.bus.Publish(telemetry.Event{Kind: telemetry.EventReceivedMessage, ConnectionID: conn.ID(), Direction: "received", Err: err})
		return nil
	}

	msgIDStr := env.MessageID.String()
	if !d.dedupe.ShouldAccept(env.DocID, msgIDStr) {
		d.bus.Publish(telemetry.Event{
			Kind: telemetry.EventReceivedMessage, DocumentID: env.DocID, ConnectionID: conn.ID(),
			MessageID: msgIDStr, Direction: "received", Err: docerr.DuplicateMessage(msgIDStr),
		})
		return nil
	}

	identity := conn.Identity()
	if d.limiter != nil {
		key := ratelimit.Key{Identity: fmt.Sprintf("%d", identity.ClientID), DocID: env.DocID}
		if allowed, retryAfterMs := d.limiter.Consume(key, 1); !allowed {
			d.bus.Publish(telemetry.Event{
				Kind: telemetry.EventReceivedMessage, DocumentID: env.DocID, ConnectionID: conn.ID(),
				MessageID: msgIDStr, Direction: "received", Err: docerr.RateLimited(retryAfterMs),
			})
			return nil
		}
	}

	h := d.handleFor(env.DocID, env.Encrypted)
	h.attach(conn)
	d.trackAttachment(conn.ID(), env.DocID)

	if allowed, reason := d.acl.Check(identity, env.DocID, env.Category); !allowed {
		d.sendAuthDenied(conn, env, reason)
		d.bus.Publish(telemetry.Event{
			Kind: telemetry.EventReceivedMessage, DocumentID: env.DocID, ConnectionID: conn.ID(),
			MessageID: msgIDStr, Direction: "received", Err: docerr.PermissionDenied(reason),
		})
		return nil
	}

	lockKey := "doc:" + env.DocID
	if err := lock.WithTransaction(d.kv, lockKey, d.lockOpts, func() error {
		return d.route(h, conn, env)
	}); err != nil {
		return err
	}

	if err := conn.Send(&wire.Envelope{
		DocID: env.DocID, Category: wire.CategoryAck, MessageID: wire.NewMessageID(),
		Payload: wire.EncodeAck(env.MessageID),
	}); err != nil {
		return err
	}

	d.bus.Publish(telemetry.Event{
		Kind: telemetry.EventReceivedMessage, DocumentID: env.DocID, ConnectionID: conn.ID(),
		MessageID: msgIDStr, Direction: "received",
	})
	return nil
}

func (d *Dispatcher) sendAuthDenied(conn Connection, env *wire.Envelope, reason string) {
	payload := wire.EncodeDocAuthMessage(wire.AuthMessage{Permission: "denied", Reason: reason, HasReason: reason != ""})
	_ = conn.Send(&wire.Envelope{
		DocID: env.DocID, Category: wire.CategoryDoc, Encrypted: env.Encrypted,
		MessageID: wire.NewMessageID(), Payload: payload,
	})
}

func (d *Dispatcher) route(h *documentHandle, conn Connection, env *wire.Envelope) error {
	switch env.Category {
	case wire.CategoryDoc:
		return d.routeDoc(h, conn, env)
	case wire.CategoryAwareness:
		h.broadcastExcept(conn.ID(), env)
		return nil
	case wire.CategoryRPC:
		return d.routeRPC(conn, env)
	case wire.CategoryAck, wire.CategoryFile:
		return nil
	default:
		return nil
	}
}

func (d *Dispatcher) routeDoc(h *documentHandle, conn Connection, env *wire.Envelope) error {
	decoded, err := wire.DecodeDoc(env.Payload)
	if err != nil {
		return err
	}

	switch decoded.SubVariant {
	case wire.DocSyncStep1:
		return d.handleSyncStep1(conn, env, decoded)
	case wire.DocSyncStep2, wire.DocUpdate:
		return d.persistAndBroadcast(h, conn, env, decoded)
	default:
		return nil // sync-done and auth-message carry no server action
	}
}

func (d *Dispatcher) handleSyncStep1(conn Connection, env *wire.Envelope, decoded *wire.DecodedDoc) error {
	if env.Encrypted {
		return d.handleEncryptedSyncStep1(conn, env, decoded)
	}
	return d.handlePlainSyncStep1(conn, env, decoded)
}

func (d *Dispatcher) handleEncryptedSyncStep1(conn Connection, env *wire.Envelope, decoded *wire.DecodedDoc) error {
	sv, err := wire.DecodeEncryptedStateVector(decoded.Bytes)
	if err != nil {
		return err
	}
	ss2, err := d.encrypted.HandleSyncStep1(env.DocID, sv)
	if err != nil {
		return err
	}
	reply := &wire.Envelope{
		DocID: env.DocID, Category: wire.CategoryDoc, Encrypted: true, MessageID: wire.NewMessageID(),
		Payload: wire.EncodeDocSyncStep2(wire.EncodeToSyncStep2(ss2)),
	}
	if err := conn.Send(reply); err != nil {
		return err
	}

	serverSV, err := d.encrypted.CurrentStateVector(env.DocID)
	if err != nil {
		return err
	}
	fresh := &wire.Envelope{
		DocID: env.DocID, Category: wire.CategoryDoc, Encrypted: true, MessageID: wire.NewMessageID(),
		Payload: wire.EncodeDocSyncStep1(wire.EncodeEncryptedStateVector(serverSV)),
	}
	return conn.Send(fresh)
}

func (d *Dispatcher) handlePlainSyncStep1(conn Connection, env *wire.Envelope, decoded *wire.DecodedDoc) error {
	clientSV, err := crdt.DecodeStateVector(decoded.Bytes)
	if err != nil {
		return err
	}
	fetched, err := d.plain.Fetch(env.DocID)
	if err != nil {
		return err
	}
	ops, err := crdt.DecodeOps(fetched.Update)
	if err != nil {
		return err
	}

	replica := crdt.New(0)
	replica.Apply(ops)
	missing := replica.MissingSince(clientSV)

	reply := &wire.Envelope{
		DocID: env.DocID, Category: wire.CategoryDoc, MessageID: wire.NewMessageID(),
		Payload: wire.EncodeDocSyncStep2(crdt.EncodeOps(missing)),
	}
	if err := conn.Send(reply); err != nil {
		return err
	}

	fresh := &wire.Envelope{
		DocID: env.DocID, Category: wire.CategoryDoc, MessageID: wire.NewMessageID(),
		Payload: wire.EncodeDocSyncStep1(crdt.EncodeStateVector(fetched.StateVector)),
	}
	return conn.Send(fresh)
}

func (d *Dispatcher) persistAndBroadcast(h *documentHandle, conn Connection, env *wire.Envelope, decoded *wire.DecodedDoc) error {
	if env.Encrypted {
		return d.persistAndBroadcastEncrypted(h, conn, env, decoded)
	}

	if err := d.plain.Write(env.DocID, decoded.Bytes); err != nil {
		return err
	}
	out := &wire.Envelope{
		DocID: env.DocID, Category: wire.CategoryDoc, MessageID: wire.NewMessageID(),
		Payload: wire.EncodeDocUpdate(decoded.Bytes),
	}
	h.broadcastExcept(conn.ID(), out)
	d.bus.Publish(telemetry.Event{Kind: telemetry.EventUpdate, DocumentID: env.DocID})
	return nil
}

func (d *Dispatcher) persistAndBroadcastEncrypted(h *documentHandle, conn Connection, env *wire.Envelope, decoded *wire.DecodedDoc) error {
	var msg wire.EncryptedUpdateMessage

	if decoded.SubVariant == wire.DocSyncStep2 {
		ss2, err := wire.DecodeFromSyncStep2(decoded.Bytes)
		if err != nil {
			return err
		}
		if ss2.HasSnapshot {
			if _, err := d.encrypted.HandleEncryptedUpdate(env.DocID, wire.EncryptedUpdateMessage{
				Kind: wire.EncryptedUpdateKindSnapshot, Snapshot: ss2.Snapshot,
			}); err != nil {
				return err
			}
		}
		msg = wire.EncryptedUpdateMessage{Kind: wire.EncryptedUpdateKindUpdates, Updates: ss2.Updates}
	} else {
		decodedMsg, err := wire.DecodeEncryptedUpdate(decoded.Bytes)
		if err != nil {
			return err
		}
		msg = *decodedMsg
	}

	if len(msg.Updates) == 0 && msg.Kind == wire.EncryptedUpdateKindUpdates {
		return nil // a sync-step-2 carrying only a compaction snapshot has nothing left to broadcast
	}

	stamped, err := d.encrypted.HandleEncryptedUpdate(env.DocID, msg)
	if err != nil {
		return err
	}
	out := &wire.Envelope{
		DocID: env.DocID, Category: wire.CategoryDoc, Encrypted: true, MessageID: wire.NewMessageID(),
		Payload: wire.EncodeDocUpdate(wire.EncodeEncryptedUpdate(stamped)),
	}
	h.broadcastExcept(conn.ID(), out)
	d.bus.Publish(telemetry.Event{Kind: telemetry.EventUpdate, DocumentID: env.DocID})
	return nil
}

func (d *Dispatcher) routeRPC(conn Connection, env *wire.Envelope) error {
	req, err := wire.DecodeRPC(env.Payload)
	if err != nil {
		return err
	}
	if req.RequestType != wire.RPCRequest {
		return nil // responses/streams arriving from a client have no further routing
	}

	d.rpcMu.RLock()
	handler, ok := d.rpc[req.Method]
	d.rpcMu.RUnlock()

	var respPayload []byte
	var handlerErr error
	if !ok {
		handlerErr = docerr.NotFound(fmt.Sprintf("rpc method %q", req.Method))
	} else {
		respPayload, handlerErr = handler(conn.Identity(), env.DocID, req.Payload)
	}

	resp := wire.RPCMessage{Method: req.Method, RequestType: wire.RPCResponse, CorrelationID: req.CorrelationID}
	if handlerErr != nil {
		resp.Payload = []byte(handlerErr.Error())
	} else {
		resp.Payload = respPayload
	}
	return conn.Send(&wire.Envelope{
		DocID: env.DocID, Category: wire.CategoryRPC, MessageID: wire.NewMessageID(),
		Payload: wire.EncodeRPC(resp),
	})
}
