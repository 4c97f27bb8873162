package serverconn

import (
	"bufio"
	"context"
	"encoding/base64"
	"net"
	"strings"

	relerrors "github.com/relaycore/tunnel/pkg/errors"
	"github.com/relaycore/tunnel/pkg/h2tunnel"
	"github.com/relaycore/tunnel/pkg/httpwire"
	"github.com/relaycore/tunnel/pkg/padding"
	"github.com/relaycore/tunnel/pkg/pipe"
	"github.com/relaycore/tunnel/pkg/socket"

	"go.uber.org/zap"
)

// handleHTTP1 implements both HTTP/1.1 demux branches of §4.8: a CONNECT
// request opens a raw tunnel, any other method is treated as a plain
// forward-proxy request and replayed to the origin with hop-by-hop headers
// stripped and Forwarded/Via injected per the HideIP/HideVia flags.
func (h *Handler) handleHTTP1(ctx context.Context, sock *socket.Socket) error {
	line, err := httpwire.ReadRequestLine(sock.Reader())
	if err != nil {
		return err
	}
	headers, err := httpwire.ReadHeaders(sock.Reader())
	if err != nil {
		return err
	}
	if !h.checkProxyAuth(headers.Get("Proxy-Authorization")) {
		sock.Write([]byte("HTTP/1.1 407 Proxy Authentication Required\r\n\r\n"))
		return relerrors.NewAccessDeniedError("serverconn.handleHTTP1", "bad proxy-authorization")
	}

	if line.IsConnect() {
		return h.handleHTTP1Connect(ctx, sock, line.Target)
	}
	return h.handleHTTP1Plain(ctx, sock, line, headers)
}

func (h *Handler) handleHTTP1Connect(ctx context.Context, sock *socket.Socket, target string) error {
	host, portStr, err := net.SplitHostPort(target)
	if err != nil {
		sock.Write(httpwire.WriteConnectResponse(false))
		return relerrors.NewProtocolError("malformed CONNECT target: "+target, err)
	}

	origin, err := h.dialOrigin(ctx, net.JoinHostPort(host, portStr))
	if err != nil {
		sock.Write(httpwire.WriteConnectResponse(false))
		return err
	}
	defer origin.Close()

	if _, err := sock.Write(httpwire.WriteConnectResponse(true)); err != nil {
		return relerrors.NewIOError("write connect response", err)
	}

	_, _, err = pipe.RunBidirectional(sock, origin, nil, nil)
	return err
}

// handleHTTP1Plain drives the server-side plain-HTTP keep-alive loop of
// §4.7: rewrite and replay the already-parsed first request to a freshly
// dialed origin, relay exactly one response back to the client, and — so
// long as both sides agreed to keep the connection alive — parse the next
// pipelined request off the same client socket and repeat. A pipelined
// CONNECT falls through to the raw-tunnel path; anything else keeps using
// the header rewrite (spec.md §8 scenario 6: a second pipelined request
// must reach the origin rewritten exactly like the first).
func (h *Handler) handleHTTP1Plain(ctx context.Context, sock *socket.Socket, line httpwire.RequestLine, headers map[string][]string) error {
	for {
		keepAlive := httpwire.KeepAlive(line.Version, headers)
		bodyFraming, bodyLen := httpwire.RequestBodyFraming(headers)

		host, portStr := targetHostPort(line.Target, getHeader(headers, "Host"))
		origin, err := h.dialOrigin(ctx, net.JoinHostPort(host, portStr))
		if err != nil {
			return err
		}

		httpwire.StripHopByHop(headers)
		if !h.Config.HideIP {
			httpwire.AppendForwarded(headers, sock.RemoteAddr().String())
		}
		if !h.Config.HideVia {
			httpwire.AppendVia(headers, "1.1", "asio")
		}

		path := httpwire.RewriteTargetToPath(line.Target)
		request := append(httpwire.WriteRequestLine(line.Method, path, line.Version), httpwire.WriteHeaders(headers)...)
		if _, err := origin.Write(request); err != nil {
			origin.Close()
			return relerrors.NewIOError("replay plain http request to origin", err)
		}
		if err := httpwire.CopyBody(origin, sock.Reader(), bodyFraming, bodyLen); err != nil {
			origin.Close()
			return relerrors.NewIOError("relay plain http request body to origin", err)
		}

		respKeepAlive, err := relayPlainHTTPResponse(sock, origin, line.Method)
		origin.Close()
		if err != nil {
			return err
		}
		if !keepAlive || !respKeepAlive {
			return nil
		}

		line, err = httpwire.ReadRequestLine(sock.Reader())
		if err != nil {
			if relerrors.IsEOF(err) {
				return nil
			}
			return err
		}
		headers, err = httpwire.ReadHeaders(sock.Reader())
		if err != nil {
			return err
		}
		if !h.checkProxyAuth(getHeader(headers, "Proxy-Authorization")) {
			sock.Write([]byte("HTTP/1.1 407 Proxy Authentication Required\r\n\r\n"))
			return relerrors.NewAccessDeniedError("serverconn.handleHTTP1Plain", "bad proxy-authorization")
		}
		if line.IsConnect() {
			return h.handleHTTP1Connect(ctx, sock, line.Target)
		}
	}
}

// relayPlainHTTPResponse reads one HTTP response off origin, relays its
// status line, headers, and body verbatim to sock, and reports whether the
// response permits keeping the connection alive for another pipelined
// request. A response framed by running to connection close never permits
// reuse, since origin is closed as soon as this call returns.
func relayPlainHTTPResponse(sock *socket.Socket, origin net.Conn, method string) (bool, error) {
	r := bufio.NewReader(origin)
	status, err := httpwire.ReadStatusLine(r)
	if err != nil {
		return false, err
	}
	headers, err := httpwire.ReadHeaders(r)
	if err != nil {
		return false, err
	}
	if _, err := sock.Write(append(httpwire.WriteStatusLine(status), httpwire.WriteHeaders(headers)...)); err != nil {
		return false, relerrors.NewIOError("write plain http response to client", err)
	}

	framing, length := httpwire.ResponseBodyFraming(status, method, headers)
	if err := httpwire.CopyBody(sock, r, framing, length); err != nil {
		return false, err
	}
	return framing != httpwire.BodyUntilClose && httpwire.KeepAlive(status.Version, headers), nil
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

func getHeader(h map[string][]string, key string) string {
	if v, ok := h[key]; ok && len(v) > 0 {
		return v[0]
	}
	return ""
}

// checkProxyAuth reports whether value matches "basic b64(user:pass)" for
// the configured credentials, or is vacuously accepted when no username is
// configured (§4.8: "validate Proxy-Authorization equals basic
// b64(user:pass)").
func (h *Handler) checkProxyAuth(value string) bool {
	if h.Config.Username == "" {
		return true
	}
	want := "basic " + base64.StdEncoding.EncodeToString([]byte(h.Config.Username+":"+h.Config.Password))
	return value == want
}

// handleHTTP2 implements the HTTP/2-CONNECT demux branch of §4.8: the same
// header shape as the client side, enforcing authority/host agreement and
// at most one stream per connection (guaranteed by h2tunnel.AcceptServer
// itself, which only ever reads one HEADERS frame before returning).
func (h *Handler) handleHTTP2(ctx context.Context, sock *socket.Socket) error {
	conn, authority, err := h2tunnel.AcceptServer(sock)
	if err != nil {
		return err
	}

	reqHeaders := conn.RequestHeaders()
	if peerConnID := reqHeaders["x-conn-id"]; peerConnID != "" {
		h.logger().Debug("http2 connect", zap.String("peer_conn_id", peerConnID), zap.String("authority", authority))
	}
	if host := reqHeaders["host"]; host != "" && !strings.EqualFold(host, authority) {
		conn.AcceptDeny(400)
		return relerrors.NewProtocolError("http2 authority/host mismatch", nil)
	}
	if !h.checkProxyAuth(reqHeaders["proxy-authorization"]) {
		conn.AcceptDeny(407)
		return relerrors.NewAccessDeniedError("serverconn.handleHTTP2", "bad proxy-authorization")
	}

	dHost, dPort, err := net.SplitHostPort(authority)
	if err != nil {
		conn.AcceptDeny(400)
		return relerrors.NewProtocolError("malformed http2 authority: "+authority, err)
	}
	origin, err := h.dialOrigin(ctx, net.JoinHostPort(dHost, dPort))
	if err != nil {
		conn.AcceptDeny(502)
		return err
	}
	defer origin.Close()

	wantPadding := h.Config.PaddingSupport && reqHeaders["padding"] != ""
	if wantPadding {
		err = conn.AcceptOKWithHeaders(map[string]string{"padding": "1"})
	} else {
		err = conn.AcceptOK()
	}
	if err != nil {
		return relerrors.NewIOError("write http2 connect response", err)
	}

	var tunnel pipe.Duplex = conn
	if wantPadding {
		tunnel = padding.NewConn(conn)
	}
	_, _, err = pipe.RunBidirectional(tunnel, origin, nil, nil)
	return err
}
