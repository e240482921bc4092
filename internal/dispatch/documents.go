package dispatch

import (
	"sync"

	"github.com/quillsync/core/internal/wire"
)

// documentHandle is the in-memory bookkeeping kept for a document while at
// least one connection is attached: which connections should receive its
// broadcasts, and whether it is operating in encrypted mode (fixed by the
// Encrypted flag on the first frame seen for it).
type documentHandle struct {
	mu          sync.Mutex
	connections map[string]Connection
	encrypted   bool
}

func newDocumentHandle(encrypted bool) *documentHandle {
	return &documentHandle{connections: make(map[string]Connection), encrypted: encrypted}
}

func (h *documentHandle) attach(c Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.connections[c.ID()] = c
}

// detach removes a connection and returns the number remaining.
func (h *documentHandle) detach(connID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.connections, connID)
	return len(h.connections)
}

func (h *documentHandle) broadcastExcept(exceptID string, env *wire.Envelope) {
	h.mu.Lock()
	recipients := make([]Connection, 0, len(h.connections))
	for id, c := range h.connections {
		if id == exceptID {
			continue
		}
		recipients = append(recipients, c)
	}
	h.mu.Unlock()

	for _, c := range recipients {
		_ = c.Send(env)
	}
}
