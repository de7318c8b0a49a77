package link

import (
	"context"
	"crypto/tls"
	"net"

	"github.com/quic-go/quic-go"
)

// Dial connects to addr over TCP, optionally wrapping the connection
// in TLS when tlsConfig is non-nil.
func Dial(addr string, tlsConfig *tls.Config) (net.Conn, error) {
	if tlsConfig != nil {
		return tls.Dial("tcp", addr, tlsConfig)
	}
	return net.Dial("tcp", addr)
}

// Listen opens a TCP listener on addr, optionally wrapping accepted
// connections in TLS when tlsConfig is non-nil.
func Listen(addr string, tlsConfig *tls.Config) (net.Listener, error) {
	if tlsConfig != nil {
		return tls.Listen("tcp", addr, tlsConfig)
	}
	return net.Listen("tcp", addr)
}

// quicConnAdapter presents a quic.Stream plus its parent quic.Connection
// as a net.Conn, so Link's RunTX/RunRX work unmodified over QUIC.
type quicConnAdapter struct {
	quic.Stream
	conn quic.Connection
}

func (a *quicConnAdapter) LocalAddr() net.Addr  { return a.conn.LocalAddr() }
func (a *quicConnAdapter) RemoteAddr() net.Addr { return a.conn.RemoteAddr() }

// DialQUIC opens a QUIC connection to addr and returns its single
// bidirectional stream wrapped as a net.Conn, as an alternative to raw
// TCP (§4.1). It performs a full handshake on every dial; no 0-RTT
// session resumption is configured.
func DialQUIC(ctx context.Context, addr string, tlsConfig *tls.Config) (net.Conn, error) {
	conn, err := quic.DialAddr(ctx, addr, tlsConfig, nil)
	if err != nil {
		return nil, err
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		_ = conn.CloseWithError(0, "stream open failed")
		return nil, err
	}
	return &quicConnAdapter{Stream: stream, conn: conn}, nil
}

// QUICListener accepts incoming QUIC connections and exposes their
// first stream as a net.Conn through Accept, mirroring net.Listener.
type QUICListener struct {
	ln *quic.Listener
}

// ListenQUIC opens a QUIC listener on addr.
func ListenQUIC(addr string, tlsConfig *tls.Config) (*QUICListener, error) {
	ln, err := quic.ListenAddr(addr, tlsConfig, nil)
	if err != nil {
		return nil, err
	}
	return &QUICListener{ln: ln}, nil
}

// Accept blocks for the next QUIC connection and its first stream.
func (q *QUICListener) Accept(ctx context.Context) (net.Conn, error) {
	conn, err := q.ln.Accept(ctx)
	if err != nil {
		return nil, err
	}
	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		_ = conn.CloseWithError(0, "stream accept failed")
		return nil, err
	}
	return &quicConnAdapter{Stream: stream, conn: conn}, nil
}

// Close shuts down the listener.
func (q *QUICListener) Close() error { return q.ln.Close() }

// Addr returns the listener's local address.
func (q *QUICListener) Addr() net.Addr { return q.ln.Addr() }
