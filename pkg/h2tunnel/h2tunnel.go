// Package h2tunnel implements the HTTP/2 single-stream CONNECT transport of
// spec.md §4.5: exactly one CONNECT stream is opened per HTTP/2 connection,
// data flows as DATA frames on that stream, and header hygiene drops the
// Connection-family headers. Comparing :authority against Host is left to
// the caller (pkg/serverconn), which does it case-insensitively.
//
// Grounded on the teacher's pkg/http2 (frames.go's Framer usage and
// converter.go's hpack encode/decode idiom), generalized from a full HTTP/2
// client transport down to the one-stream-per-connection CONNECT tunnel
// this protocol needs.
package h2tunnel

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"sync"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"

	relerrors "github.com/relaycore/tunnel/pkg/errors"
)

// connectionSpecificHeaders must never appear on an HTTP/2 request or
// response (RFC 7540 §8.1.2.2).
var connectionSpecificHeaders = map[string]bool{
	"connection":        true,
	"keep-alive":        true,
	"proxy-connection":  true,
	"transfer-encoding": true,
	"upgrade":           true,
	"te":                true,
}

// Conn wraps a single HTTP/2 CONNECT tunnel stream over an established
// net.Conn/tls.Conn (via rw). Only one stream is ever opened, per §4.5.
type Conn struct {
	framer *http2.Framer

	mu         sync.Mutex
	encBuf     bytes.Buffer
	encoder    *hpack.Encoder
	streamID   uint32
	sendWindow int32 // peer-advertised flow-control window for our stream

	recvWindow int32 // our advertised window, decremented as DATA arrives
	pending    []byte
	closed     bool
	blocked    chan struct{} // closed and replaced when sendWindow becomes positive again

	reqHeaders  map[string]string // non-pseudo request headers, server side only
	respHeaders map[string]string // non-pseudo response headers, client side only
}

// RequestHeaders returns the non-pseudo-header fields of the CONNECT request
// that established this tunnel (populated by AcceptServer only), keyed
// lower-case: host, proxy-authorization, padding, etc.
func (c *Conn) RequestHeaders() map[string]string {
	return c.reqHeaders
}

// ResponseHeaders returns the non-pseudo-header fields of the CONNECT
// response that established this tunnel (populated by DialClient only).
func (c *Conn) ResponseHeaders() map[string]string {
	return c.respHeaders
}

// initialWindowSize is the HTTP/2 default stream flow-control window.
const initialWindowSize = 65535

func newConn(rw io.ReadWriter) *Conn {
	c := &Conn{
		framer:     http2.NewFramer(rw, rw),
		sendWindow: initialWindowSize,
		recvWindow: initialWindowSize,
		blocked:    make(chan struct{}),
	}
	c.encoder = hpack.NewEncoder(&c.encBuf)
	return c
}

// DialClient performs the client-side handshake: send the connection
// preface, a SETTINGS frame, then a HEADERS frame opening stream 1 as a
// CONNECT request to authority. It returns once the server's matching
// SETTINGS and response HEADERS have been read.
func DialClient(rw io.ReadWriter, authority string, extraHeaders map[string]string) (*Conn, error) {
	c := newConn(rw)
	c.streamID = 1

	if _, err := io.WriteString(rw, http2.ClientPreface); err != nil {
		return nil, relerrors.NewIOError("write http2 client preface", err)
	}
	if err := c.framer.WriteSettings(); err != nil {
		return nil, relerrors.NewIOError("write http2 settings", err)
	}

	headerBlock, err := c.encodeConnectRequest(authority, extraHeaders)
	if err != nil {
		return nil, err
	}
	if err := c.framer.WriteHeaders(http2.HeadersFrameParam{
		StreamID:      c.streamID,
		BlockFragment: headerBlock,
		EndHeaders:    true,
	}); err != nil {
		return nil, relerrors.NewIOError("write http2 headers", err)
	}

	if err := c.readUntilResponseHeaders(); err != nil {
		return nil, err
	}
	return c, nil
}

// AcceptServer performs the server-side handshake: read the client preface,
// send our own SETTINGS, read frames (acknowledging the client's SETTINGS)
// up to the CONNECT HEADERS frame, validate it, and return the tunnel plus
// the requested authority. No response is
// sent here; the caller answers with AcceptOK, AcceptOKWithHeaders or
// AcceptDeny.
func AcceptServer(rw io.ReadWriter) (conn *Conn, authority string, err error) {
	c := newConn(rw)

	preface := make([]byte, len(http2.ClientPreface))
	if _, err := io.ReadFull(rw, preface); err != nil {
		return nil, "", relerrors.NewIOError("read http2 client preface", err)
	}
	if string(preface) != http2.ClientPreface {
		return nil, "", relerrors.NewProtocolError("bad http2 client preface", nil)
	}

	if err := c.framer.WriteSettings(); err != nil {
		return nil, "", relerrors.NewIOError("write http2 settings", err)
	}

	var method string
	decoder := hpack.NewDecoder(4096, nil)
	for {
		frame, err := c.framer.ReadFrame()
		if err != nil {
			return nil, "", relerrors.NewProtocolError("reading http2 frame", err)
		}
		switch f := frame.(type) {
		case *http2.SettingsFrame:
			if !f.IsAck() {
				if err := c.framer.WriteSettingsAck(); err != nil {
					return nil, "", relerrors.NewIOError("ack http2 settings", err)
				}
			}
		case *http2.HeadersFrame:
			fields, err := decoder.DecodeFull(f.HeaderBlockFragment())
			if err != nil {
				return nil, "", relerrors.NewProtocolError("decoding http2 headers", err)
			}
			c.streamID = f.StreamID
			c.reqHeaders = make(map[string]string, len(fields))
			for _, field := range fields {
				switch field.Name {
				case ":method":
					method = field.Value
				case ":authority":
					authority = field.Value
				default:
					if !strings.HasPrefix(field.Name, ":") {
						c.reqHeaders[field.Name] = field.Value
					}
				}
			}
			if !strings.EqualFold(method, "CONNECT") {
				return nil, "", relerrors.NewProtocolError("http2 stream is not a CONNECT request", nil)
			}
			if authority == "" {
				if host := firstHeader(fields, "host"); host != "" {
					authority = host
				}
			}
			return c, authority, nil
		case *http2.WindowUpdateFrame, *http2.PingFrame:
			// benign before the request headers arrive
		default:
			// ignore other frame types before the request is established
		}
	}
}

// AcceptOK sends the 200 response HEADERS completing the server-side
// handshake started by AcceptServer.
func (c *Conn) AcceptOK() error {
	return c.writeStatus(200, nil)
}

// AcceptOKWithHeaders is AcceptOK plus caller-supplied response headers
// (e.g. echoing "padding" to confirm padding negotiation, §6).
func (c *Conn) AcceptOKWithHeaders(extra map[string]string) error {
	return c.writeStatus(200, extra)
}

// AcceptDeny sends a non-200 response HEADERS and marks the stream closed,
// for a CONNECT request the server declines (method/authority mismatch,
// access denied, origin unreachable).
func (c *Conn) AcceptDeny(status int) error {
	if err := c.writeStatus(status, nil); err != nil {
		return err
	}
	c.closed = true
	return nil
}

func (c *Conn) writeStatus(status int, extra map[string]string) error {
	c.mu.Lock()
	c.encBuf.Reset()
	c.encoder.WriteField(hpack.HeaderField{Name: ":status", Value: fmt.Sprintf("%d", status)})
	for k, v := range extra {
		lower := strings.ToLower(k)
		if connectionSpecificHeaders[lower] {
			continue
		}
		c.encoder.WriteField(hpack.HeaderField{Name: lower, Value: v})
	}
	block := append([]byte(nil), c.encBuf.Bytes()...)
	c.mu.Unlock()

	return c.framer.WriteHeaders(http2.HeadersFrameParam{
		StreamID:      c.streamID,
		BlockFragment: block,
		EndHeaders:    true,
	})
}

func (c *Conn) encodeConnectRequest(authority string, extra map[string]string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.encBuf.Reset()
	fields := []hpack.HeaderField{
		{Name: ":method", Value: "CONNECT"},
		{Name: ":authority", Value: authority},
	}
	for k, v := range extra {
		lower := strings.ToLower(k)
		if connectionSpecificHeaders[lower] {
			continue
		}
		fields = append(fields, hpack.HeaderField{Name: lower, Value: v})
	}
	for _, f := range fields {
		if err := c.encoder.WriteField(f); err != nil {
			return nil, relerrors.NewUnexpectedError("h2tunnel.encodeConnectRequest", "hpack encode failed", err)
		}
	}
	return append([]byte(nil), c.encBuf.Bytes()...), nil
}

func (c *Conn) readUntilResponseHeaders() error {
	decoder := hpack.NewDecoder(4096, nil)
	for {
		frame, err := c.framer.ReadFrame()
		if err != nil {
			return relerrors.NewProtocolError("reading http2 frame", err)
		}
		switch f := frame.(type) {
		case *http2.SettingsFrame:
			if !f.IsAck() {
				if err := c.framer.WriteSettingsAck(); err != nil {
					return relerrors.NewIOError("ack http2 settings", err)
				}
			}
		case *http2.HeadersFrame:
			fields, err := decoder.DecodeFull(f.HeaderBlockFragment())
			if err != nil {
				return relerrors.NewProtocolError("decoding http2 headers", err)
			}
			status := firstHeader(fields, ":status")
			c.respHeaders = make(map[string]string, len(fields))
			for _, field := range fields {
				if !strings.HasPrefix(field.Name, ":") {
					c.respHeaders[field.Name] = field.Value
				}
			}
			if status != "200" {
				return relerrors.NewProtocolError("http2 CONNECT rejected with status "+status, nil)
			}
			return nil
		case *http2.GoAwayFrame:
			return relerrors.NewConnectionAbortedError("h2tunnel", "peer sent GOAWAY before CONNECT response", nil)
		case *http2.RSTStreamFrame:
			return relerrors.NewConnectionResetError("h2tunnel", "stream", nil)
		default:
			// WINDOW_UPDATE, PING etc. before the response headers
		}
	}
}

func firstHeader(fields []hpack.HeaderField, name string) string {
	for _, f := range fields {
		if f.Name == name {
			return f.Value
		}
	}
	return ""
}

// Write sends p as one or more DATA frames, respecting the peer's
// flow-control window and blocking (via the backpressure token in
// WaitWindow) when the window is exhausted.
func (c *Conn) Write(p []byte) (int, error) {
	total := 0
	for len(p) > 0 {
		if err := c.WaitWindow(); err != nil {
			return total, err
		}
		c.mu.Lock()
		n := len(p)
		if int32(n) > c.sendWindow {
			n = int(c.sendWindow)
		}
		c.mu.Unlock()
		if n == 0 {
			continue
		}
		if err := c.framer.WriteData(c.streamID, false, p[:n]); err != nil {
			return total, relerrors.NewIOError("write http2 data", err)
		}
		c.mu.Lock()
		c.sendWindow -= int32(n)
		c.mu.Unlock()
		total += n
		p = p[n:]
	}
	return total, nil
}

// WaitWindow blocks until the send window is positive, consuming the
// backpressure token set by a prior WINDOW_UPDATE (§4.5 "blocked-stream
// backpressure token").
func (c *Conn) WaitWindow() error {
	for {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return relerrors.NewConnectionAbortedError("h2tunnel", "stream closed", nil)
		}
		if c.sendWindow > 0 {
			c.mu.Unlock()
			return nil
		}
		ch := c.blocked
		c.mu.Unlock()
		<-ch
	}
}

// Read returns decoded DATA frame payload for the tunnel stream, handling
// WINDOW_UPDATE (ours and the peer's), RST_STREAM and half-close via
// END_STREAM.
func (c *Conn) Read(p []byte) (int, error) {
	for {
		c.mu.Lock()
		if len(c.pending) > 0 {
			n := copy(p, c.pending)
			c.pending = c.pending[n:]
			c.mu.Unlock()
			return n, nil
		}
		if c.closed {
			c.mu.Unlock()
			return 0, io.EOF
		}
		c.mu.Unlock()

		frame, err := c.framer.ReadFrame()
		if err != nil {
			return 0, relerrors.NewIOError("read http2 frame", err)
		}
		switch f := frame.(type) {
		case *http2.DataFrame:
			if f.StreamID != c.streamID {
				continue
			}
			c.mu.Lock()
			c.pending = append(c.pending, f.Data()...)
			c.recvWindow -= int32(len(f.Data()))
			needUpdate := c.recvWindow < initialWindowSize/2
			if needUpdate {
				c.recvWindow = initialWindowSize
			}
			c.mu.Unlock()
			if needUpdate {
				if err := c.framer.WriteWindowUpdate(f.StreamID, initialWindowSize/2); err != nil {
					return 0, relerrors.NewIOError("write http2 window update", err)
				}
			}
			if f.StreamEnded() {
				c.mu.Lock()
				c.closed = true
				c.mu.Unlock()
			}
		case *http2.WindowUpdateFrame:
			if f.StreamID == c.streamID || f.StreamID == 0 {
				c.mu.Lock()
				c.sendWindow += int32(f.Increment)
				ch := c.blocked
				c.blocked = make(chan struct{})
				c.mu.Unlock()
				close(ch)
			}
		case *http2.RSTStreamFrame:
			if f.StreamID == c.streamID {
				c.mu.Lock()
				c.closed = true
				c.mu.Unlock()
				return 0, relerrors.NewConnectionResetError("h2tunnel", "stream", nil)
			}
		case *http2.GoAwayFrame:
			c.mu.Lock()
			c.closed = true
			c.mu.Unlock()
			return 0, relerrors.NewConnectionAbortedError("h2tunnel", "peer sent GOAWAY", nil)
		case *http2.SettingsFrame:
			if !f.IsAck() {
				if err := c.framer.WriteSettingsAck(); err != nil {
					return 0, relerrors.NewIOError("ack http2 settings", err)
				}
			}
		case *http2.PingFrame:
			if !f.IsAck() {
				if err := c.framer.WritePing(true, f.Data); err != nil {
					return 0, relerrors.NewIOError("ack http2 ping", err)
				}
			}
		}
	}
}

// CloseWrite half-closes the tunnel stream by sending an empty DATA frame
// with END_STREAM set.
func (c *Conn) CloseWrite() error {
	if err := c.framer.WriteData(c.streamID, true, nil); err != nil {
		return relerrors.NewIOError("write http2 end stream", err)
	}
	return nil
}

// Close submits GOAWAY(NO_ERROR) for the tunnel's stream and marks the
// connection closed — the graceful teardown path of §4.5/§4.8, as opposed
// to an abrupt RST_STREAM abort.
func (c *Conn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	if err := c.framer.WriteGoAway(c.streamID, http2.ErrCodeNo, nil); err != nil {
		return relerrors.NewIOError("write http2 goaway", err)
	}
	return nil
}
