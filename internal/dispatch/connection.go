// Package dispatch implements the server-side per-frame pipeline of
// spec.md §4.I: decode, dedupe, resolve the target document, check
// permissions, acquire its lock, apply category-specific persistence and
// broadcast, then ack and publish telemetry. It is transport-agnostic —
// concrete adapters (QUIC, HTTP+SSE) satisfy Connection and call Dispatch
// for every inbound frame, mirroring the way the teacher's
// daemon/transport package feeds frames to daemon/service without either
// side knowing the other's wire details.
package dispatch

import "github.com/quillsync/core/internal/wire"

// Identity is the validated claims a transport adapter attaches to a
// connection before any frame reaches the dispatcher. Transports are
// responsible for authentication; the dispatcher only ever consumes the
// result.
type Identity struct {
	ConnectionID string
	ClientID     uint64
	Claims       map[string]string
}

// Connection is the narrow surface the dispatcher needs from one logical
// peer, independent of the transport carrying it.
type Connection interface {
	ID() string
	Identity() Identity
	Send(env *wire.Envelope) error
}
