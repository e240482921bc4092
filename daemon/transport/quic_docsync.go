package transport

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"sync"

	"github.com/quillsync/core/internal/crypto/handshake"
	"github.com/quillsync/core/internal/dispatch"
	"github.com/quillsync/core/internal/wire"
)

// QUICDocConnection adapts one QUIC connection's single bidirectional
// stream to dispatch.Connection. A document-sync session exchanges small
// framed messages continuously over one stream, so there is no bulk-data
// stream to prioritize; the QUIC dial/listen/accept lifecycle comes from
// QUICConnection in quic_connection.go.
type QUICDocConnection struct {
	id       string
	identity dispatch.Identity
	stream   *FrameStream

	mu sync.Mutex
}

// identityFromPublicKey derives a stable connection identity from the
// ed25519 public key bound during the handshake, the same "identity is
// whatever key signed the handshake transcript" idiom
// crypto/handshake.ServerHandshake already verifies.
func identityFromPublicKey(pub ed25519.PublicKey) dispatch.Identity {
	sum := sha256.Sum256(pub)
	clientID := uint64(sum[0])<<56 | uint64(sum[1])<<48 | uint64(sum[2])<<40 | uint64(sum[3])<<32 |
		uint64(sum[4])<<24 | uint64(sum[5])<<16 | uint64(sum[6])<<8 | uint64(sum[7])
	return dispatch.Identity{
		ClientID: clientID,
		Claims:   map[string]string{"pubkey": hex.EncodeToString(pub)},
	}
}

// AcceptQUICDocSession runs the server side of the identity handshake over
// stream and wraps it as a dispatch.Connection. stream is the QUIC
// connection's single document-sync stream (an *quic.Stream, which
// satisfies io.ReadWriter). serverIDPriv/serverIDPub are the daemon's
// long-term ed25519 identity keys (see internal/crypto/identity.LoadOrCreate);
// tokenSecret may be nil.
func AcceptQUICDocSession(connID, sessionID string, stream io.ReadWriter, serverIDPriv ed25519.PrivateKey, serverIDPub ed25519.PublicKey, tokenSecret []byte) (*QUICDocConnection, error) {
	keys, clientPub, err := handshake.ServerHandshakeWithIdentity(stream, sessionID, serverIDPriv, serverIDPub, tokenSecret)
	if err != nil {
		return nil, err
	}
	_ = keys // the handshake's derived session key secures only the identity transcript here; document content uses its own end-to-end key (internal/docclient), not this transport-level secret.

	identity := identityFromPublicKey(clientPub)
	identity.ConnectionID = connID
	return &QUICDocConnection{id: connID, identity: identity, stream: NewFrameStream(stream)}, nil
}

func (c *QUICDocConnection) ID() string                 { return c.id }
func (c *QUICDocConnection) Identity() dispatch.Identity { return c.identity }

// Send writes one envelope to the peer. Safe for concurrent use alongside
// Serve's reads, since a QUIC stream allows a concurrent reader and writer.
func (c *QUICDocConnection) Send(env *wire.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stream.WriteFrame(env)
}

// Serve reads and dispatches frames until the stream errors, ctx is
// canceled, or the dispatcher returns an error. Callers should call
// d.DetachAll(c.ID()) and d.NotifyDisconnected(c.ID()) once Serve returns.
func (c *QUICDocConnection) Serve(ctx context.Context, d *dispatch.Dispatcher) error {
	d.NotifyConnected(c.id)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		raw, err := c.stream.ReadRaw()
		if err != nil {
			return err
		}
		if err := d.Dispatch(c, raw); err != nil {
			return err
		}
	}
}
