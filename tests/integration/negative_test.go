package integration

import (
	"bufio"
	"context"
	"crypto/tls"
	"net"
	"testing"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"

	"github.com/relaycore/tunnel/pkg/clientconn"
	"github.com/relaycore/tunnel/pkg/config"
	"github.com/relaycore/tunnel/pkg/serverconn"
	"github.com/relaycore/tunnel/pkg/socks"

	"go.uber.org/zap"
)

// TestSOCKS5NoAcceptableAuthClosesConnection covers the negative scenario:
// a client offering only an unsupported SOCKS5 auth method must be refused
// with 0xFF and the connection closed, never reaching the upstream dial.
func TestSOCKS5NoAcceptableAuthClosesConnection(t *testing.T) {
	cliLn := listenTCP(t)
	defer cliLn.Close()

	cfg := &config.Config{Method: config.MethodShadowsocksAEAD, UpstreamAddr: "127.0.0.1:1"}
	h := &clientconn.Handler{Config: cfg, Logger: zap.NewNop()}
	go acceptLoop(cliLn, func(ctx context.Context, c net.Conn) error { return h.Handle(ctx, c) })

	conn := dialWithTimeout(t, cliLn.Addr().String())
	defer conn.Close()

	r := bufio.NewReader(conn)
	if _, err := conn.Write(socks.MarshalMethodSelectRequest([]socks.AuthMethod{socks.AuthGSSAPI})); err != nil {
		t.Fatalf("write method select: %v", err)
	}
	method, err := socks.ParseMethodSelectReply(r)
	if err != nil {
		t.Fatalf("read method select reply: %v", err)
	}
	if method != socks.AuthNoAcceptable {
		t.Fatalf("expected 0xFF no-acceptable-methods reply, got %v", method)
	}

	conn.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, 1)
	if _, err := conn.Read(buf); err == nil {
		t.Fatalf("expected connection to be closed after no-acceptable-auth")
	}
}

// TestHTTP2ConnectAuthorityHostMismatchDenied covers the negative scenario:
// an HTTP/2 CONNECT whose Host header disagrees with :authority must be
// rejected with 400 and no origin dial performed.
func TestHTTP2ConnectAuthorityHostMismatchDenied(t *testing.T) {
	cert, err := generateSelfSigned()
	if err != nil {
		t.Fatalf("generate cert: %v", err)
	}
	srvLn := listenTCP(t)
	defer srvLn.Close()

	cfg := &config.Config{
		Method:          config.MethodHTTP2Connect,
		ServerTLSConfig: &tls.Config{Certificates: []tls.Certificate{cert}},
	}
	srv := &serverconn.Handler{Config: cfg, Logger: zap.NewNop()}
	go acceptLoop(srvLn, func(ctx context.Context, c net.Conn) error { return srv.Handle(ctx, c) })

	rawConn := dialWithTimeout(t, srvLn.Addr().String())
	defer rawConn.Close()
	tlsConn := tls.Client(rawConn, &tls.Config{InsecureSkipVerify: true})
	if err := tlsConn.Handshake(); err != nil {
		t.Fatalf("tls handshake: %v", err)
	}

	if _, err := tlsConn.Write([]byte(http2.ClientPreface)); err != nil {
		t.Fatalf("write preface: %v", err)
	}
	framer := http2.NewFramer(tlsConn, tlsConn)
	if err := framer.WriteSettings(); err != nil {
		t.Fatalf("write settings: %v", err)
	}

	var encBuf bufferWriter
	encoder := hpack.NewEncoder(&encBuf)
	encoder.WriteField(hpack.HeaderField{Name: ":method", Value: "CONNECT"})
	encoder.WriteField(hpack.HeaderField{Name: ":authority", Value: "origin.example:443"})
	encoder.WriteField(hpack.HeaderField{Name: "host", Value: "other.example:443"})
	if err := framer.WriteHeaders(http2.HeadersFrameParam{
		StreamID:      1,
		BlockFragment: encBuf.Bytes(),
		EndHeaders:    true,
	}); err != nil {
		t.Fatalf("write headers: %v", err)
	}

	tlsConn.SetReadDeadline(time.Now().Add(5 * time.Second))
	decoder := hpack.NewDecoder(4096, nil)
	for {
		frame, err := framer.ReadFrame()
		if err != nil {
			t.Fatalf("read frame: %v", err)
		}
		if hf, ok := frame.(*http2.HeadersFrame); ok {
			fields, err := decoder.DecodeFull(hf.HeaderBlockFragment())
			if err != nil {
				t.Fatalf("decode headers: %v", err)
			}
			var status string
			for _, f := range fields {
				if f.Name == ":status" {
					status = f.Value
				}
			}
			if status != "400" {
				t.Fatalf("expected :status 400, got %q", status)
			}
			return
		}
	}
}

type bufferWriter struct{ b []byte }

func (w *bufferWriter) Write(p []byte) (int, error) {
	w.b = append(w.b, p...)
	return len(p), nil
}

func (w *bufferWriter) Bytes() []byte { return w.b }
