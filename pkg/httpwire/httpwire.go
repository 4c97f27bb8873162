// Package httpwire implements the HTTP/1.1 line and header helpers shared by
// the CONNECT tunnel transport and the plain-HTTP forward-proxy transport of
// spec.md §4.7/§4.8: request-line parsing, absolute-URI-to-abs-path
// rewriting, hop-by-hop header stripping, and Via/Forwarded injection.
//
// Grounded on original_source/src/core/http_parser.hpp
// (ReforgeHttpRequestImpl) and the teacher's pkg/client/client.go header/
// status-line reader style (bufio + net/textproto).
package httpwire

import (
	"bufio"
	"fmt"
	"io"
	"net/textproto"
	"strconv"
	"strings"

	relerrors "github.com/relaycore/tunnel/pkg/errors"
)

// MaxHeaderBytes is a size limit for a request or response header block.
// ReadHeaders does not enforce it.
const MaxHeaderBytes = 1 << 20

// RequestLine is a parsed HTTP/1.x request line.
type RequestLine struct {
	Method  string
	Target  string
	Version string
}

// IsConnect reports whether the request line is a CONNECT method.
func (l RequestLine) IsConnect() bool { return strings.EqualFold(l.Method, "CONNECT") }

// ReadRequestLine reads and parses a single "METHOD target VERSION\r\n" line.
func ReadRequestLine(r *bufio.Reader) (RequestLine, error) {
	line, err := readLine(r)
	if err != nil {
		return RequestLine{}, err
	}
	parts := strings.SplitN(line, " ", 3)
	if len(parts) != 3 {
		return RequestLine{}, relerrors.NewProtocolError("malformed HTTP request line: "+line, nil)
	}
	return RequestLine{Method: parts[0], Target: parts[1], Version: parts[2]}, nil
}

// StatusLine is a parsed HTTP/1.x status line.
type StatusLine struct {
	Version string
	Code    int
	Reason  string
}

// ReadStatusLine reads and parses a single "VERSION code reason\r\n" line.
func ReadStatusLine(r *bufio.Reader) (StatusLine, error) {
	line, err := readLine(r)
	if err != nil {
		return StatusLine{}, err
	}
	parts := strings.SplitN(line, " ", 3)
	if len(parts) < 2 {
		return StatusLine{}, relerrors.NewProtocolError("malformed HTTP status line: "+line, nil)
	}
	code, err := strconv.Atoi(parts[1])
	if err != nil {
		return StatusLine{}, relerrors.NewProtocolError("invalid HTTP status code: "+parts[1], err)
	}
	reason := ""
	if len(parts) == 3 {
		reason = parts[2]
	}
	return StatusLine{Version: parts[0], Code: code, Reason: reason}, nil
}

func readLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return "", relerrors.NewIOError("read http line", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// ReadHeaders reads a CRLF-terminated header block and returns it as
// canonicalized MIME headers. The size of the block is not bounded.
func ReadHeaders(r *bufio.Reader) (textproto.MIMEHeader, error) {
	tp := textproto.NewReader(r)
	headers, err := tp.ReadMIMEHeader()
	if err != nil && len(headers) == 0 {
		return nil, relerrors.NewProtocolError("reading http headers", err)
	}
	return headers, nil
}

// WriteConnectRequest builds a "CONNECT host:port HTTP/1.1" request with the
// Host header and any caller-supplied extra headers.
func WriteConnectRequest(hostport string, extra map[string]string) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "CONNECT %s HTTP/1.1\r\n", hostport)
	fmt.Fprintf(&b, "Host: %s\r\n", hostport)
	for k, v := range extra {
		fmt.Fprintf(&b, "%s: %s\r\n", k, v)
	}
	b.WriteString("\r\n")
	return []byte(b.String())
}

// WriteConnectResponse builds the "HTTP/1.1 200 Connection Established"
// reply, or a failure status if ok is false.
func WriteConnectResponse(ok bool) []byte {
	if ok {
		return []byte("HTTP/1.1 200 Connection Established\r\n\r\n")
	}
	return []byte("HTTP/1.1 502 Bad Gateway\r\n\r\n")
}

// hopByHopHeaders are stripped before forwarding a plain-HTTP request or
// response, per RFC 7230 §6.1 and the legacy Proxy-Connection header.
var hopByHopHeaders = []string{
	"Proxy-Connection",
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"TE",
	"Trailers",
	"Transfer-Encoding",
	"Upgrade",
}

// StripHopByHop removes hop-by-hop headers from h in place, plus any header
// named by a Connection header's value (RFC 7230 §6.1).
func StripHopByHop(h textproto.MIMEHeader) {
	for _, name := range h.Values("Connection") {
		for _, field := range strings.Split(name, ",") {
			h.Del(textproto.CanonicalMIMEHeaderKey(strings.TrimSpace(field)))
		}
	}
	for _, name := range hopByHopHeaders {
		h.Del(name)
	}
}

// RewriteTargetToPath converts an absolute-URI request target
// ("http://host/path") to its origin-form path ("/path"), leaving
// asterisk-form ("*") and already-origin-form ("/path") targets untouched
// (RFC 7230 §5.3 / RFC 2616 §5.1.2).
func RewriteTargetToPath(target string) string {
	if target == "*" || strings.HasPrefix(target, "/") {
		return target
	}
	idx := strings.Index(target, "://")
	if idx < 0 {
		return target
	}
	rest := target[idx+3:]
	slash := strings.IndexByte(rest, '/')
	if slash < 0 {
		return "/"
	}
	return rest[slash:]
}

// WriteRequestLine serializes a request line in origin form.
func WriteRequestLine(method, path, version string) []byte {
	return []byte(fmt.Sprintf("%s %s %s\r\n", method, path, version))
}

// WriteStatusLine serializes a response status line.
func WriteStatusLine(status StatusLine) []byte {
	reason := status.Reason
	if reason == "" {
		reason = "-"
	}
	return []byte(fmt.Sprintf("%s %d %s\r\n", status.Version, status.Code, reason))
}

// WriteHeaders serializes h as CRLF-terminated "Key: value" lines, one per
// value, followed by the blank line terminating the header block.
func WriteHeaders(h textproto.MIMEHeader) []byte {
	var b strings.Builder
	for key, values := range h {
		for _, v := range values {
			fmt.Fprintf(&b, "%s: %s\r\n", key, v)
		}
	}
	b.WriteString("\r\n")
	return []byte(b.String())
}

// AppendForwarded appends a "for=clientAddr" entry to the Forwarded header
// (RFC 7239), and an entry to the legacy X-Forwarded-For header, preserving
// any existing chain (§4.8 "Forwarded/Via header injection").
func AppendForwarded(h textproto.MIMEHeader, clientAddr string) {
	entry := fmt.Sprintf("for=%s", clientAddr)
	if existing := h.Get("Forwarded"); existing != "" {
		h.Set("Forwarded", existing+", "+entry)
	} else {
		h.Set("Forwarded", entry)
	}
	if existing := h.Get("X-Forwarded-For"); existing != "" {
		h.Set("X-Forwarded-For", existing+", "+clientAddr)
	} else {
		h.Set("X-Forwarded-For", clientAddr)
	}
}

// AppendVia appends a "version pseudonym" entry to the Via header (RFC 7230
// §5.7.1), preserving any existing chain.
func AppendVia(h textproto.MIMEHeader, version, pseudonym string) {
	entry := fmt.Sprintf("%s %s", version, pseudonym)
	if existing := h.Get("Via"); existing != "" {
		h.Set("Via", existing+", "+entry)
	} else {
		h.Set("Via", entry)
	}
}

// BodyFraming identifies how the end of an HTTP/1.1 message body is found,
// per RFC 7230 §3.3.3, so a forward-proxy keep-alive loop (§4.7/§4.8) knows
// exactly where one pipelined message ends and the next request line begins.
type BodyFraming int

const (
	// BodyNone means the message has no body regardless of headers (a
	// request with neither Content-Length nor Transfer-Encoding, or a
	// HEAD/1xx/204/304 response).
	BodyNone BodyFraming = iota
	// BodyContentLength means the body is exactly Length bytes.
	BodyContentLength
	// BodyChunked means the body is "Transfer-Encoding: chunked"-framed.
	BodyChunked
	// BodyUntilClose means the body runs until the connection closes — only
	// possible for a response, and it precludes a further pipelined request
	// on the same connection.
	BodyUntilClose
)

// RequestBodyFraming determines a request's body framing from its headers.
func RequestBodyFraming(h textproto.MIMEHeader) (BodyFraming, int64) {
	if isChunked(h) {
		return BodyChunked, 0
	}
	if n, ok := contentLength(h); ok {
		return BodyContentLength, n
	}
	return BodyNone, 0
}

// ResponseBodyFraming determines a response's body framing from its status
// line and headers; method is the request method that elicited it (a HEAD
// response never has a body regardless of its headers).
func ResponseBodyFraming(status StatusLine, method string, h textproto.MIMEHeader) (BodyFraming, int64) {
	if strings.EqualFold(method, "HEAD") || status.Code == 204 || status.Code == 304 || (status.Code >= 100 && status.Code < 200) {
		return BodyNone, 0
	}
	if isChunked(h) {
		return BodyChunked, 0
	}
	if n, ok := contentLength(h); ok {
		return BodyContentLength, n
	}
	return BodyUntilClose, 0
}

func isChunked(h textproto.MIMEHeader) bool {
	for _, v := range h.Values("Transfer-Encoding") {
		if strings.EqualFold(strings.TrimSpace(v), "chunked") {
			return true
		}
	}
	return false
}

func contentLength(h textproto.MIMEHeader) (int64, bool) {
	cl := h.Get("Content-Length")
	if cl == "" {
		return 0, false
	}
	n, err := strconv.ParseInt(cl, 10, 64)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// CopyBody relays a message body of the given framing from src to dst
// unmodified, returning once the complete body (and, for chunked bodies,
// its trailer) has been copied. BodyUntilClose copies until src returns EOF.
func CopyBody(dst io.Writer, src *bufio.Reader, framing BodyFraming, length int64) error {
	switch framing {
	case BodyNone:
		return nil
	case BodyContentLength:
		if length == 0 {
			return nil
		}
		if _, err := io.CopyN(dst, src, length); err != nil {
			return relerrors.NewIOError("copy http body", err)
		}
		return nil
	case BodyChunked:
		return copyChunkedBody(dst, src)
	case BodyUntilClose:
		if _, err := io.Copy(dst, src); err != nil && err != io.EOF {
			return relerrors.NewIOError("copy http body", err)
		}
		return nil
	default:
		return nil
	}
}

// copyChunkedBody relays a "Transfer-Encoding: chunked" body (RFC 7230
// §4.1) byte-for-byte: each chunk-size line, its data, the trailing CRLF,
// the terminating zero-size chunk, and any trailer headers up to the final
// blank line.
func copyChunkedBody(dst io.Writer, src *bufio.Reader) error {
	for {
		sizeLine, err := readLine(src)
		if err != nil {
			return err
		}
		sizeHex := sizeLine
		if idx := strings.IndexByte(sizeLine, ';'); idx >= 0 {
			sizeHex = sizeLine[:idx]
		}
		size, err := strconv.ParseInt(strings.TrimSpace(sizeHex), 16, 64)
		if err != nil {
			return relerrors.NewProtocolError("malformed chunk size: "+sizeLine, err)
		}
		if _, err := fmt.Fprintf(dst, "%s\r\n", sizeLine); err != nil {
			return relerrors.NewIOError("write chunk size", err)
		}
		if size == 0 {
			for {
				trailer, err := readLine(src)
				if err != nil {
					return err
				}
				if _, err := fmt.Fprintf(dst, "%s\r\n", trailer); err != nil {
					return relerrors.NewIOError("write chunk trailer", err)
				}
				if trailer == "" {
					return nil
				}
			}
		}
		if _, err := io.CopyN(dst, src, size); err != nil {
			return relerrors.NewIOError("copy chunk data", err)
		}
		crlf, err := readLine(src)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(dst, "%s\r\n", crlf); err != nil {
			return relerrors.NewIOError("write chunk terminator", err)
		}
	}
}

// KeepAlive reports whether the connection should stay open for another
// pipelined message per RFC 7230 §6.3: HTTP/1.1 defaults to keep-alive
// unless "Connection: close" is present; HTTP/1.0 defaults to close unless
// "Connection: keep-alive" is present.
func KeepAlive(version string, h textproto.MIMEHeader) bool {
	closed, keepAlive := false, false
	for _, v := range h.Values("Connection") {
		for _, field := range strings.Split(v, ",") {
			switch strings.ToLower(strings.TrimSpace(field)) {
			case "close":
				closed = true
			case "keep-alive":
				keepAlive = true
			}
		}
	}
	if closed {
		return false
	}
	if strings.HasPrefix(version, "HTTP/1.0") {
		return keepAlive
	}
	return true
}
