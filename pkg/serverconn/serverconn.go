// Package serverconn implements the server (remote) connection state
// machine of spec.md §4.8: an optional TLS handshake on entry, demux by the
// same method enum the client side uses, an origin dial, and the
// full-duplex pipe once both ends are established.
//
// Grounded on original_source/src/server/server_connection.cpp and
// socks5_connection.cpp (the accept-then-demux connection lifecycle) and
// the teacher's pkg/client (upstream dialing shape, reused in reverse).
package serverconn

import (
	"context"
	"net"

	"github.com/relaycore/tunnel/pkg/config"
	relerrors "github.com/relaycore/tunnel/pkg/errors"
	"github.com/relaycore/tunnel/pkg/socket"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Handler drives one accepted remote connection through the optional TLS
// handshake, method demux, origin dial, and piping. A Handler is safe to
// reuse across many connections; it holds no per-connection state itself.
type Handler struct {
	Config *config.Config
	Logger *zap.Logger

	// Dial opens a connection to an origin host:port. Defaults to
	// (&net.Dialer{}).DialContext when nil.
	Dial func(ctx context.Context, hostport string) (net.Conn, error)
}

// Handle runs the full server-side lifecycle for one accepted connection.
func (h *Handler) Handle(ctx context.Context, conn net.Conn) error {
	defer conn.Close()
	connID := uuid.New().String()
	logger := h.logger().With(zap.String("conn_id", connID), zap.String("remote_addr", conn.RemoteAddr().String()))

	sock, err := h.accept(ctx, conn)
	if err != nil {
		logger.Debug("server tls handshake failed", zap.Error(err))
		return err
	}

	switch h.Config.Method {
	case config.MethodShadowsocksAEAD:
		return h.handleShadowsocks(ctx, sock)
	case config.MethodHTTP1Connect:
		return h.handleHTTP1(ctx, sock)
	case config.MethodHTTP2Connect:
		return h.handleHTTP2(ctx, sock)
	case config.MethodSOCKS4, config.MethodSOCKS4A:
		return h.handleSOCKS4(ctx, sock)
	case config.MethodSOCKS5, config.MethodSOCKS5H:
		return h.handleSOCKS5(ctx, sock)
	default:
		return relerrors.NewInvalidArgumentError("serverconn.Handle", "unknown method: "+string(h.Config.Method))
	}
}

func (h *Handler) logger() *zap.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return zap.NewNop()
}

// accept wraps conn as a Socket, terminating TLS first when the configured
// transport requires it (HTTP/1.1-CONNECT and HTTP/2-CONNECT are dialed
// over TLS by the client per §4.7/§6).
func (h *Handler) accept(ctx context.Context, conn net.Conn) (*socket.Socket, error) {
	switch h.Config.Method {
	case config.MethodHTTP1Connect, config.MethodHTTP2Connect:
		return socket.ServerHandshake(ctx, conn, h.Config.ServerTLSConfig)
	default:
		return socket.New(conn), nil
	}
}

// dialOrigin opens a connection to hostport using h.Dial if set, otherwise
// a plain net.Dialer — the origin dial is always a direct plaintext TCP
// connection (§4.8: "Origin dial uses the same underlying stream
// abstraction, with optional TLS" — TLS-to-origin is not exercised by any
// of the transports this handler demuxes, since the tunnel itself already
// terminates TLS where the transport requires it).
func (h *Handler) dialOrigin(ctx context.Context, hostport string) (net.Conn, error) {
	dial := h.Dial
	if dial == nil {
		var d net.Dialer
		dial = d.DialContext
	}
	conn, err := dial(ctx, hostport)
	if err != nil {
		return nil, relerrors.NewConnectionRefusedError("serverconn.dialOrigin", hostport, err)
	}
	return conn, nil
}
