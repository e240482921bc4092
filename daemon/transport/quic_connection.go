package transport

import (
	"context"
	"crypto/tls"

	"github.com/quic-go/quic-go"
)

// QUICConnection wraps a QUIC connection. A document-sync session uses a
// single bidirectional stream for its whole lifetime (see QUICDocConnection
// in quic_docsync.go), so this wrapper only carries the dial/listen/accept
// lifecycle; it does not track a control stream or a priority scheduler the
// way a multi-stream bulk transfer would.
type QUICConnection struct {
	conn *quic.Conn
}

// NewQUICConnection wraps an established QUIC connection.
func NewQUICConnection(conn *quic.Conn) *QUICConnection {
	return &QUICConnection{conn: conn}
}

// GetConnection returns the underlying QUIC connection.
func (q *QUICConnection) GetConnection() *quic.Conn {
	return q.conn
}

// Close closes the QUIC connection.
func (q *QUICConnection) Close() error {
	return q.conn.CloseWithError(0, "connection closed")
}

// DialQUIC establishes a QUIC connection to a remote address
func DialQUIC(ctx context.Context, addr string, tlsConfig *tls.Config) (*QUICConnection, error) {
	conn, err := quic.DialAddr(ctx, addr, tlsConfig, &quic.Config{
		KeepAlivePeriod:                10 * 1e9, // 10s
		MaxIdleTimeout:                 60 * 1e9,
		InitialStreamReceiveWindow:     8 << 20,   // 8 MiB
		InitialConnectionReceiveWindow: 128 << 20, // 128 MiB
	})
	if err != nil {
		return nil, err
	}

	return NewQUICConnection(conn), nil
}

// ListenQUIC starts a QUIC listener
func ListenQUIC(addr string, tlsConfig *tls.Config) (*QUICListener, error) {
	listener, err := quic.ListenAddr(addr, tlsConfig, &quic.Config{
		KeepAlivePeriod:                10 * 1e9,
		MaxIdleTimeout:                 60 * 1e9,
		InitialStreamReceiveWindow:     8 << 20,
		InitialConnectionReceiveWindow: 128 << 20,
	})
	if err != nil {
		return nil, err
	}

	return &QUICListener{listener: listener}, nil
}

// QUICListener wraps a QUIC listener
type QUICListener struct {
	listener *quic.Listener
}

// Accept accepts a new QUIC connection
func (l *QUICListener) Accept(ctx context.Context) (*QUICConnection, error) {
	conn, err := l.listener.Accept(ctx)
	if err != nil {
		return nil, err
	}

	return NewQUICConnection(conn), nil
}

// Close closes the listener
func (l *QUICListener) Close() error {
	return l.listener.Close()
}

// Addr returns the listener's network address
func (l *QUICListener) Addr() string {
	return l.listener.Addr().String()
}
