package server

import (
	"encoding/base64"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/quillsync/core/internal/dispatch"
	"github.com/quillsync/core/internal/wire"
)

// DocSyncServer exposes an internal/dispatch.Dispatcher over plain HTTP,
// using net/http.ServeMux rather than an external router dependency. It
// offers two routes: a synchronous
// request/reply endpoint for clients that cannot hold a long-lived
// connection, and a Server-Sent Events stream for clients that want to
// receive broadcasts as they happen.
type DocSyncServer struct {
	dispatcher *dispatch.Dispatcher
}

// NewDocSyncServer wraps an already-constructed dispatcher.
func NewDocSyncServer(d *dispatch.Dispatcher) *DocSyncServer {
	return &DocSyncServer{dispatcher: d}
}

// RegisterHTTP mounts the doc-sync routes on mux.
func (s *DocSyncServer) RegisterHTTP(mux *http.ServeMux) {
	mux.HandleFunc("/api/v1/doc/send", s.handleSend)
	mux.HandleFunc("/api/v1/doc/events", s.handleEvents)
}

// httpReplyConnection adapts one HTTP request/response pair to
// dispatch.Connection. It never blocks on Send: the dispatcher may reply
// with zero, one, or several envelopes (an ack plus a sync-step-2, say),
// all of which are collected and returned together in the HTTP response
// body once Dispatch returns.
type httpReplyConnection struct {
	id       string
	identity dispatch.Identity

	mu     sync.Mutex
	frames [][]byte
}

func (c *httpReplyConnection) ID() string                  { return c.id }
func (c *httpReplyConnection) Identity() dispatch.Identity { return c.identity }

func (c *httpReplyConnection) Send(env *wire.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, wire.Encode(env))
	return nil
}

func (c *httpReplyConnection) collected() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.frames
}

// sendFrameReply is the JSON shape of a POST /api/v1/doc/send response: the
// envelopes the dispatcher produced while handling the submitted frame,
// each base64-encoded since an envelope is itself binary.
type sendFrameReply struct {
	Frames []string `json:"frames"`
}

func (s *DocSyncServer) handleSend(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	raw, err := io.ReadAll(io.LimitReader(r.Body, 16<<20))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	conn := &httpReplyConnection{
		id:       r.Header.Get("X-Connection-Id"),
		identity: identityFromRequest(r),
	}
	if conn.id == "" {
		conn.id = conn.identity.ConnectionID
	}

	if err := s.dispatcher.Dispatch(conn, raw); err != nil {
		http.Error(w, "dispatch failed: "+err.Error(), http.StatusBadRequest)
		return
	}

	reply := sendFrameReply{Frames: make([]string, 0, len(conn.collected()))}
	for _, f := range conn.collected() {
		reply.Frames = append(reply.Frames, base64.StdEncoding.EncodeToString(f))
	}
	writeJSON(w, http.StatusOK, reply)
}

// httpSSEConnection adapts a flushable http.ResponseWriter to
// dispatch.Connection. It is receive-only from the dispatcher's point of
// view: it joins a document's broadcast audience via Dispatcher.Attach
// rather than ever calling Dispatch itself.
type httpSSEConnection struct {
	id       string
	identity dispatch.Identity
	w        http.ResponseWriter
	flusher  http.Flusher

	mu sync.Mutex
}

func (c *httpSSEConnection) ID() string                  { return c.id }
func (c *httpSSEConnection) Identity() dispatch.Identity { return c.identity }

func (c *httpSSEConnection) Send(env *wire.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	encoded := base64.StdEncoding.EncodeToString(wire.Encode(env))
	if _, err := io.WriteString(c.w, "data: "+encoded+"\n\n"); err != nil {
		return err
	}
	c.flusher.Flush()
	return nil
}

func (s *DocSyncServer) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	docID := r.URL.Query().Get("doc_id")
	if docID == "" {
		http.Error(w, "missing doc_id", http.StatusBadRequest)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	encrypted, _ := strconv.ParseBool(r.URL.Query().Get("encrypted"))

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	identity := identityFromRequest(r)
	conn := &httpSSEConnection{id: identity.ConnectionID, identity: identity, w: w, flusher: flusher}

	s.dispatcher.Attach(docID, conn, encrypted)
	s.dispatcher.NotifyConnected(conn.id)
	defer func() {
		s.dispatcher.NotifyDisconnected(conn.id)
		s.dispatcher.DetachAll(conn.id)
	}()

	<-r.Context().Done()
}

func identityFromRequest(r *http.Request) dispatch.Identity {
	connID := r.Header.Get("X-Connection-Id")
	if connID == "" {
		connID = r.RemoteAddr
	}
	claims := map[string]string{}
	if auth := r.Header.Get("Authorization"); auth != "" {
		claims["authorization"] = strings.TrimPrefix(auth, "Bearer ")
	}
	return dispatch.Identity{ConnectionID: connID, Claims: claims}
}
