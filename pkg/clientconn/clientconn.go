// Package clientconn implements the client (local-side) connection state
// machine of spec.md §4.7: protocol auto-detection on the first bytes from
// the local peer, upstream dialing per the configured method, and the
// full-duplex pipe once both ends are established.
//
// Grounded on original_source/src/cli/socks5_connection.cpp and
// cli_connection.cpp (the detect-then-dispatch connection lifecycle) and
// the teacher's pkg/client (upstream dialing, proxy config shape).
package clientconn

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net"
	"strings"

	"github.com/relaycore/tunnel/pkg/aead"
	"github.com/relaycore/tunnel/pkg/config"
	"github.com/relaycore/tunnel/pkg/destination"
	relerrors "github.com/relaycore/tunnel/pkg/errors"
	"github.com/relaycore/tunnel/pkg/h2tunnel"
	"github.com/relaycore/tunnel/pkg/httpwire"
	"github.com/relaycore/tunnel/pkg/padding"
	"github.com/relaycore/tunnel/pkg/pipe"
	"github.com/relaycore/tunnel/pkg/socket"
	"github.com/relaycore/tunnel/pkg/socks"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Handler drives one accepted local connection through detection, upstream
// dialing, and piping. A Handler is safe to reuse across many connections;
// it holds no per-connection state itself.
type Handler struct {
	Config *config.Config
	Logger *zap.Logger

	// RedirectTarget, when non-nil, is consulted first (the "redirect probe"
	// of §4.7): it should return the platform-resolved original destination
	// of conn, or ("", false) if conn was not transparently redirected.
	RedirectTarget func(conn net.Conn) (hostport string, ok bool)
}

// connIDKey is the context key under which Handle stores the per-connection
// correlation id, picked up by dialHTTP2Connect to tag the upstream's
// CONNECT request so the two sides' logs can be joined operationally
// (shadowsocks and SOCKS carry no such side channel, so it stays logging-
// only there).
type connIDKey struct{}

// Handle runs the full client-side lifecycle for one accepted connection.
func (h *Handler) Handle(ctx context.Context, conn net.Conn) error {
	defer conn.Close()
	connID := uuid.New().String()
	ctx = context.WithValue(ctx, connIDKey{}, connID)
	logger := h.logger().With(zap.String("conn_id", connID), zap.String("remote_addr", conn.RemoteAddr().String()))

	sock := socket.New(conn)

	if h.RedirectTarget != nil {
		if target, ok := h.RedirectTarget(conn); ok {
			dest, err := addrFromHostPort(target)
			if err != nil {
				return err
			}
			return h.stream(ctx, sock, dest, nil, nil)
		}
	}

	dest, replyFn, replay, keepAlive, method, err := h.detectAndHandshake(sock)
	if err != nil {
		logger.Debug("client handshake failed", zap.Error(err))
		return err
	}
	if replay != nil {
		return h.servePlainHTTP(ctx, sock, dest, replay, method, keepAlive)
	}
	return h.stream(ctx, sock, dest, replyFn, nil)
}

func (h *Handler) logger() *zap.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return zap.NewNop()
}

// detectAndHandshake peeks the first byte to choose a parser (§4.7's
// peek-and-dispatch re-architecture), completes that protocol's handshake,
// and returns the requested destination, a callback that writes the
// success/failure reply once the upstream outcome is known, and (for plain
// HTTP only) the rewritten request line+headers to replay to the upstream
// once it is connected, along with that request's method and whether it
// asked to keep the connection alive (§4.7's keep-alive re-parse loop).
// keepAlive and method are meaningful only when replay is non-nil.
func (h *Handler) detectAndHandshake(sock *socket.Socket) (*destination.Request, func(ok bool) error, []byte, bool, string, error) {
	first, err := sock.Peek(1)
	if err != nil {
		return nil, nil, nil, false, "", err
	}

	switch first[0] {
	case 0x05:
		dest, replyFn, err := h.handshakeSOCKS5(sock)
		return dest, replyFn, nil, false, "", err
	case 0x04:
		dest, replyFn, err := h.handshakeSOCKS4(sock)
		return dest, replyFn, nil, false, "", err
	default:
		return h.handshakeHTTP(sock)
	}
}

func (h *Handler) handshakeSOCKS5(sock *socket.Socket) (*destination.Request, func(bool) error, error) {
	methods, err := socks.ParseMethodSelectRequest(sock.Reader())
	if err != nil {
		return nil, nil, err
	}

	selected := socks.AuthNoAcceptable
	for _, m := range methods {
		if m == socks.AuthNone {
			selected = socks.AuthNone
			break
		}
	}
	if _, err := sock.Write(socks.MarshalMethodSelectReply(selected)); err != nil {
		return nil, nil, err
	}
	if selected == socks.AuthNoAcceptable {
		return nil, nil, relerrors.NewAccessDeniedError("clientconn.handshakeSOCKS5", "no acceptable auth method")
	}

	req, err := socks.ParseRequest(sock.Reader())
	if err != nil {
		sock.Write(mustReply(&socks.Reply{Status: socks.StatusGeneralFailure}))
		return nil, nil, err
	}

	replyFn := func(ok bool) error {
		status := socks.StatusGranted
		if !ok {
			status = socks.StatusHostUnreachable
		}
		_, err := sock.Write(mustReply(&socks.Reply{Status: status, Dest: req.Dest}))
		return err
	}
	return req.Dest, replyFn, nil
}

func mustReply(r *socks.Reply) []byte {
	b, err := r.Marshal()
	if err != nil {
		// Dest is always well-formed here (ipv4 zero value or the parsed
		// request echoed back), so Marshal cannot fail.
		panic(err)
	}
	return b
}

func (h *Handler) handshakeSOCKS4(sock *socket.Socket) (*destination.Request, func(bool) error, error) {
	req, err := socks.ParseV4Request(sock.Reader())
	if err != nil {
		return nil, nil, err
	}
	host, port := socks.ParseEndpointV4(req)
	dest, err := destination.NewFromAddr(host, port)
	if err != nil {
		return nil, nil, err
	}

	replyFn := func(ok bool) error {
		status := socks.V4Granted
		if !ok {
			status = socks.V4Failed
		}
		_, err := sock.Write((&socks.V4Reply{Status: status, Port: req.Port, IP: req.IP}).Marshal())
		return err
	}
	return dest, replyFn, nil
}

func (h *Handler) handshakeHTTP(sock *socket.Socket) (*destination.Request, func(bool) error, []byte, bool, string, error) {
	line, err := httpwire.ReadRequestLine(sock.Reader())
	if err != nil {
		return nil, nil, nil, false, "", err
	}
	headers, err := httpwire.ReadHeaders(sock.Reader())
	if err != nil {
		return nil, nil, nil, false, "", err
	}

	if line.IsConnect() {
		host, portStr, err := net.SplitHostPort(line.Target)
		if err != nil {
			return nil, nil, nil, false, "", relerrors.NewProtocolError("malformed CONNECT target: "+line.Target, err)
		}
		dest, err := addrFromHostPort(net.JoinHostPort(host, portStr))
		if err != nil {
			return nil, nil, nil, false, "", err
		}
		replyFn := func(ok bool) error {
			_, err := sock.Write(httpwire.WriteConnectResponse(ok))
			return err
		}
		return dest, replyFn, nil, false, "", nil
	}

	// Plain HTTP forward-proxy request: rewrite to origin form and replay it
	// verbatim to the upstream once connected (§4.7 "Plain HTTP"). The
	// keep-alive signal has to be read off the original headers before
	// StripHopByHop removes Connection, since servePlainHTTP needs it to
	// decide whether to re-parse the same socket for a pipelined request.
	keepAlive := httpwire.KeepAlive(line.Version, headers)
	bodyFraming, bodyLen := httpwire.RequestBodyFraming(headers)

	host, portStr := targetHostPort(line.Target, headers.Get("Host"))
	dest, err := addrFromHostPort(net.JoinHostPort(host, portStr))
	if err != nil {
		return nil, nil, nil, false, "", err
	}

	httpwire.StripHopByHop(headers)
	path := httpwire.RewriteTargetToPath(line.Target)
	rewritten := append(httpwire.WriteRequestLine(line.Method, path, line.Version), httpwire.WriteHeaders(headers)...)

	var body bytes.Buffer
	if err := httpwire.CopyBody(&body, sock.Reader(), bodyFraming, bodyLen); err != nil {
		return nil, nil, nil, false, "", err
	}
	rewritten = append(rewritten, body.Bytes()...)

	replyFn := func(ok bool) error {
		return nil // errors surface by tearing down the tunnel; no separate reply frame
	}
	return dest, replyFn, rewritten, keepAlive, line.Method, nil
}

func targetHostPort(target, hostHeader string) (host, port string) {
	authority := target
	if idx := strings.Index(authority, "://"); idx >= 0 {
		authority = authority[idx+3:]
		if slash := strings.IndexByte(authority, '/'); slash >= 0 {
			authority = authority[:slash]
		}
	}
	if h, p, err := net.SplitHostPort(authority); err == nil {
		return h, p
	}
	if h, p, err := net.SplitHostPort(hostHeader); err == nil {
		return h, p
	}
	return hostHeader, "80"
}

func addrFromHostPort(hostport string) (*destination.Request, error) {
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		return nil, relerrors.NewProtocolError("malformed host:port: "+hostport, err)
	}
	var port uint16
	if _, err := fmt.Sscanf(portStr, "%d", &port); err != nil {
		return nil, relerrors.NewProtocolError("malformed port: "+portStr, err)
	}
	return destination.NewFromAddr(host, port)
}

// stream dials the upstream per h.Config.Method, sends the handshake reply
// (if any) based on the dial outcome, replays any buffered plain-HTTP
// request bytes, then pipes bytes bidirectionally.
func (h *Handler) stream(ctx context.Context, sock *socket.Socket, dest *destination.Request, replyFn func(bool) error, replay []byte) error {
	upstream, err := h.dialUpstream(ctx, dest)
	if replyFn != nil {
		if replyErr := replyFn(err == nil); replyErr != nil {
			return replyErr
		}
	}
	if err != nil {
		return err
	}
	defer upstream.Close()

	if replay != nil {
		if _, err := upstream.Write(replay); err != nil {
			return err
		}
	}

	limiter := pipe.NewRateLimiter(int64(h.Config.LimitRateDown))
	reverseLimiter := pipe.NewRateLimiter(int64(h.Config.LimitRateUp))
	_, _, err = pipe.RunBidirectional(sock, upstream, reverseLimiter, limiter)
	return err
}

// servePlainHTTP drives the plain-HTTP forward-proxy keep-alive loop of
// §4.7: dial a fresh upstream for the already-parsed first request, replay
// it, relay exactly one response back to the client, and — so long as both
// the request and the response agreed to keep the connection alive — parse
// the next pipelined request off the same client socket and repeat. This
// replaces the single-shot replay-then-raw-pipe path for plain HTTP, since
// a raw byte pump cannot apply header rewriting to a second pipelined
// request (spec.md §8 scenario 6).
func (h *Handler) servePlainHTTP(ctx context.Context, sock *socket.Socket, dest *destination.Request, request []byte, method string, keepAlive bool) error {
	for {
		up, err := h.dialUpstream(ctx, dest)
		if err != nil {
			return err
		}
		if _, err := up.Write(request); err != nil {
			up.Close()
			return err
		}

		respKeepAlive, err := relayPlainHTTPResponse(sock, up, method)
		up.Close()
		if err != nil {
			return err
		}
		if !keepAlive || !respKeepAlive {
			return nil
		}

		line, err := httpwire.ReadRequestLine(sock.Reader())
		if err != nil {
			if relerrors.IsEOF(err) {
				return nil
			}
			return err
		}
		headers, err := httpwire.ReadHeaders(sock.Reader())
		if err != nil {
			return err
		}

		if line.IsConnect() {
			host, portStr, err := net.SplitHostPort(line.Target)
			if err != nil {
				return relerrors.NewProtocolError("malformed CONNECT target: "+line.Target, err)
			}
			connectDest, err := addrFromHostPort(net.JoinHostPort(host, portStr))
			if err != nil {
				return err
			}
			replyFn := func(ok bool) error {
				_, err := sock.Write(httpwire.WriteConnectResponse(ok))
				return err
			}
			return h.stream(ctx, sock, connectDest, replyFn, nil)
		}

		keepAlive = httpwire.KeepAlive(line.Version, headers)
		bodyFraming, bodyLen := httpwire.RequestBodyFraming(headers)

		nextHost, nextPort := targetHostPort(line.Target, headers.Get("Host"))
		dest, err = addrFromHostPort(net.JoinHostPort(nextHost, nextPort))
		if err != nil {
			return err
		}

		httpwire.StripHopByHop(headers)
		path := httpwire.RewriteTargetToPath(line.Target)
		rewritten := append(httpwire.WriteRequestLine(line.Method, path, line.Version), httpwire.WriteHeaders(headers)...)

		var body bytes.Buffer
		if err := httpwire.CopyBody(&body, sock.Reader(), bodyFraming, bodyLen); err != nil {
			return err
		}
		request = append(rewritten, body.Bytes()...)
		method = line.Method
	}
}

// relayPlainHTTPResponse reads one HTTP response off up, relays its status
// line, headers, and body verbatim to sock, and reports whether the
// response permits keeping the connection alive for another pipelined
// request. A response framed by running to connection close (no
// Content-Length, no chunked coding) never permits reuse, since up is
// closed as soon as this call returns.
func relayPlainHTTPResponse(sock *socket.Socket, up upstream, method string) (bool, error) {
	r := bufio.NewReader(up)
	status, err := httpwire.ReadStatusLine(r)
	if err != nil {
		return false, err
	}
	headers, err := httpwire.ReadHeaders(r)
	if err != nil {
		return false, err
	}
	if _, err := sock.Write(append(httpwire.WriteStatusLine(status), httpwire.WriteHeaders(headers)...)); err != nil {
		return false, err
	}

	framing, length := httpwire.ResponseBodyFraming(status, method, headers)
	if err := httpwire.CopyBody(sock, r, framing, length); err != nil {
		return false, err
	}
	return framing != httpwire.BodyUntilClose && httpwire.KeepAlive(status.Version, headers), nil
}

// upstream is the minimal duplex surface a dialed transport must satisfy to
// be piped by pkg/pipe.
type upstream interface {
	pipe.Duplex
	Close() error
}

func (h *Handler) dialUpstream(ctx context.Context, dest *destination.Request) (upstream, error) {
	switch h.Config.Method {
	case config.MethodShadowsocksAEAD:
		return h.dialShadowsocks(ctx, dest)
	case config.MethodHTTP1Connect:
		return h.dialHTTP1Connect(ctx, dest)
	case config.MethodHTTP2Connect:
		return h.dialHTTP2Connect(ctx, dest)
	case config.MethodSOCKS4, config.MethodSOCKS4A:
		return h.dialSOCKS4(ctx, dest)
	case config.MethodSOCKS5, config.MethodSOCKS5H:
		return h.dialSOCKS5(ctx, dest)
	default:
		return nil, relerrors.NewInvalidArgumentError("clientconn.dialUpstream", "unknown method: "+string(h.Config.Method))
	}
}

func (h *Handler) dialShadowsocks(ctx context.Context, dest *destination.Request) (upstream, error) {
	sock, err := socket.Dial(ctx, h.Config.UpstreamAddr, h.Config.ConnectTimeout)
	if err != nil {
		return nil, err
	}
	masterKey, err := aead.DeriveMasterKey(aead.Method(h.Config.CipherMethod), h.Config.Passphrase())
	if err != nil {
		sock.Close()
		return nil, err
	}
	saltSize, err := aead.SaltSize(aead.Method(h.Config.CipherMethod))
	if err != nil {
		sock.Close()
		return nil, err
	}
	salt, err := aead.GenerateSalt(saltSize)
	if err != nil {
		sock.Close()
		return nil, err
	}
	if _, err := sock.Write(salt); err != nil {
		sock.Close()
		return nil, err
	}
	writerAEAD, err := aead.NewAEAD(aead.Method(h.Config.CipherMethod), masterKey, salt)
	if err != nil {
		sock.Close()
		return nil, err
	}

	w := aead.NewWriter(sock, writerAEAD)
	destBuf, err := dest.Marshal(nil)
	if err != nil {
		sock.Close()
		return nil, err
	}
	if _, err := w.Write(destBuf); err != nil {
		sock.Close()
		return nil, err
	}

	peerSalt := make([]byte, saltSize)
	if _, err := io.ReadFull(sock, peerSalt); err != nil {
		sock.Close()
		return nil, err
	}
	readerAEAD, err := aead.NewAEAD(aead.Method(h.Config.CipherMethod), masterKey, peerSalt)
	if err != nil {
		sock.Close()
		return nil, err
	}

	return &shadowsocksUpstream{sock: sock, w: w, r: aead.NewReader(sock, readerAEAD)}, nil
}

type shadowsocksUpstream struct {
	sock *socket.Socket
	w    *aead.Writer
	r    *aead.Reader
}

func (u *shadowsocksUpstream) Read(p []byte) (int, error)  { return u.r.Read(p) }
func (u *shadowsocksUpstream) Write(p []byte) (int, error) { return u.w.Write(p) }
func (u *shadowsocksUpstream) Close() error                { return u.sock.Close() }

// CloseWrite half-closes the underlying socket; the AEAD chunk framing has
// no close record of its own, so this is an ordinary TCP half-close exactly
// like an unencrypted upstream's (§4.6).
func (u *shadowsocksUpstream) CloseWrite() error { return u.sock.CloseWrite() }

func (h *Handler) dialHTTP1Connect(ctx context.Context, dest *destination.Request) (upstream, error) {
	sock, err := socket.DialTLS(ctx, h.Config.UpstreamAddr, h.Config.TLSConfig, h.Config.ConnectTimeout)
	if err != nil {
		return nil, err
	}
	extra := map[string]string{"Proxy-Connection": "Close"}
	if h.Config.Username != "" {
		token := base64.StdEncoding.EncodeToString([]byte(h.Config.Username + ":" + h.Config.Password))
		extra["Proxy-Authorization"] = "basic " + token
	}
	if _, err := sock.Write(httpwire.WriteConnectRequest(dest.HostPort(), extra)); err != nil {
		sock.Close()
		return nil, err
	}
	status, err := httpwire.ReadStatusLine(sock.Reader())
	if err != nil {
		sock.Close()
		return nil, err
	}
	if _, err := httpwire.ReadHeaders(sock.Reader()); err != nil {
		sock.Close()
		return nil, err
	}
	if status.Code != 200 {
		sock.Close()
		return nil, relerrors.NewConnectionRefusedError("clientconn.dialHTTP1Connect", h.Config.UpstreamAddr, nil)
	}
	return sockUpstream{sock}, nil
}

type sockUpstream struct{ *socket.Socket }

func (s sockUpstream) Close() error { return s.Socket.Close() }

func (h *Handler) dialHTTP2Connect(ctx context.Context, dest *destination.Request) (upstream, error) {
	sock, err := socket.DialTLS(ctx, h.Config.UpstreamAddr, h.Config.TLSConfig, h.Config.ConnectTimeout)
	if err != nil {
		return nil, err
	}
	extra := map[string]string{}
	if h.Config.Username != "" {
		token := base64.StdEncoding.EncodeToString([]byte(h.Config.Username + ":" + h.Config.Password))
		extra["proxy-authorization"] = "basic " + token
	}
	if h.Config.PaddingSupport {
		extra["padding"] = "1"
	}
	if connID, ok := ctx.Value(connIDKey{}).(string); ok {
		extra["x-conn-id"] = connID
	}
	conn, err := h2tunnel.DialClient(sock, dest.HostPort(), extra)
	if err != nil {
		sock.Close()
		return nil, err
	}
	u := &h2Upstream{sock: sock, conn: conn, rw: conn}
	if h.Config.PaddingSupport && conn.ResponseHeaders()["padding"] != "" {
		u.rw = padding.NewConn(conn)
	}
	return u, nil
}

// h2Upstream adapts an h2tunnel.Conn to the upstream interface; rw is
// conn itself, or conn wrapped in a padding.Conn when both peers
// negotiated padding support (§4.2).
type h2Upstream struct {
	sock *socket.Socket
	conn *h2tunnel.Conn
	rw   io.ReadWriter
}

func (u *h2Upstream) Read(p []byte) (int, error)  { return u.rw.Read(p) }
func (u *h2Upstream) Write(p []byte) (int, error) { return u.rw.Write(p) }
func (u *h2Upstream) Close() error                { u.conn.Close(); return u.sock.Close() }

// CloseWrite forwards the half-close to rw (the h2tunnel.Conn, or a
// padding.Conn wrapping it), so pkg/pipe's half-close handshake (§4.6)
// reaches the stream regardless of whether padding is negotiated.
func (u *h2Upstream) CloseWrite() error {
	if hc, ok := u.rw.(interface{ CloseWrite() error }); ok {
		return hc.CloseWrite()
	}
	return nil
}

func (h *Handler) dialSOCKS4(ctx context.Context, dest *destination.Request) (upstream, error) {
	sock, err := socket.Dial(ctx, h.Config.UpstreamAddr, h.Config.ConnectTimeout)
	if err != nil {
		return nil, err
	}
	req := &socks.V4Request{Command: socks.V4CmdConnect, Port: dest.Port}
	if h.Config.Method == config.MethodSOCKS4A && dest.Type == destination.TypeDomain {
		req.Domain = dest.Domain
	} else {
		host := dest.Host()
		if dest.Type == destination.TypeDomain {
			resolved, err := net.ResolveIPAddr("ip4", dest.Domain)
			if err != nil {
				sock.Close()
				return nil, relerrors.NewHostNotFoundError(dest.Domain, err)
			}
			host = resolved.String()
		}
		ip := net.ParseIP(host)
		if ip == nil || ip.To4() == nil {
			sock.Close()
			return nil, relerrors.NewInvalidArgumentError("clientconn.dialSOCKS4", "SOCKS4 requires an IPv4 destination")
		}
		copy(req.IP[:], ip.To4())
	}
	if _, err := sock.Write(req.Marshal()); err != nil {
		sock.Close()
		return nil, err
	}
	reply, err := socks.ParseV4Reply(sock.Reader())
	if err != nil {
		sock.Close()
		return nil, err
	}
	if reply.Status != socks.V4Granted {
		sock.Close()
		return nil, relerrors.NewConnectionRefusedError("clientconn.dialSOCKS4", h.Config.UpstreamAddr, nil)
	}
	return sockUpstream{sock}, nil
}

func (h *Handler) dialSOCKS5(ctx context.Context, dest *destination.Request) (upstream, error) {
	sock, err := socket.Dial(ctx, h.Config.UpstreamAddr, h.Config.ConnectTimeout)
	if err != nil {
		return nil, err
	}
	methods := []socks.AuthMethod{socks.AuthNone}
	if h.Config.Username != "" {
		methods = append(methods, socks.AuthUsernamePassword)
	}
	if _, err := sock.Write(socks.MarshalMethodSelectRequest(methods)); err != nil {
		sock.Close()
		return nil, err
	}
	selected, err := socks.ParseMethodSelectReply(sock.Reader())
	if err != nil {
		sock.Close()
		return nil, err
	}
	if selected == socks.AuthNoAcceptable {
		sock.Close()
		return nil, relerrors.NewAccessDeniedError("clientconn.dialSOCKS5", "upstream rejected all auth methods")
	}
	if selected == socks.AuthUsernamePassword {
		up := &socks.UserPassRequest{Username: h.Config.Username, Password: h.Config.Password}
		if _, err := sock.Write(up.Marshal()); err != nil {
			sock.Close()
			return nil, err
		}
		ok, err := socks.ParseUserPassReply(sock.Reader())
		if err != nil {
			sock.Close()
			return nil, err
		}
		if !ok {
			sock.Close()
			return nil, relerrors.NewAccessDeniedError("clientconn.dialSOCKS5", "upstream rejected credentials")
		}
	}

	connectDest := dest
	if h.Config.Method == config.MethodSOCKS5 && dest.Type == destination.TypeDomain {
		resolved, err := net.ResolveIPAddr("ip", dest.Domain)
		if err != nil {
			sock.Close()
			return nil, relerrors.NewHostNotFoundError(dest.Domain, err)
		}
		connectDest, err = destination.NewFromAddr(resolved.String(), dest.Port)
		if err != nil {
			sock.Close()
			return nil, err
		}
	}
	req := &socks.Request{Command: socks.CmdConnect, Dest: connectDest}
	body, err := req.Marshal()
	if err != nil {
		sock.Close()
		return nil, err
	}
	if _, err := sock.Write(body); err != nil {
		sock.Close()
		return nil, err
	}
	reply, err := socks.ParseReply(sock.Reader())
	if err != nil {
		sock.Close()
		return nil, err
	}
	if reply.Status != socks.StatusGranted {
		sock.Close()
		return nil, relerrors.NewConnectionRefusedError("clientconn.dialSOCKS5", h.Config.UpstreamAddr, nil)
	}
	return sockUpstream{sock}, nil
}
