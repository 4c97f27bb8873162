package integration

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/relaycore/tunnel/pkg/aead"
	"github.com/relaycore/tunnel/pkg/config"
	"github.com/relaycore/tunnel/pkg/httpwire"
	"github.com/relaycore/tunnel/pkg/serverconn"

	"go.uber.org/zap"
)

// keepAliveHTTPOrigin starts an HTTP/1.1 origin that serves every pipelined
// request on a connection, replying Connection: keep-alive and embedding the
// request line it received in the response body, so a test can confirm each
// pipelined request reached the origin separately, in order, and already
// rewritten. It stops serving a connection once the request says Connection:
// close, or the peer disconnects.
func keepAliveHTTPOrigin(t *testing.T, seen *[]string, mu *sync.Mutex) net.Listener {
	t.Helper()
	ln := listenTCP(t)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				r := bufio.NewReader(c)
				for {
					line, err := httpwire.ReadRequestLine(r)
					if err != nil {
						return
					}
					headers, err := httpwire.ReadHeaders(r)
					if err != nil {
						return
					}
					framing, length := httpwire.RequestBodyFraming(headers)
					if err := httpwire.CopyBody(discard{}, r, framing, length); err != nil {
						return
					}

					mu.Lock()
					*seen = append(*seen, line.Method+" "+line.Target)
					mu.Unlock()

					body := line.Method + " " + line.Target
					resp := "HTTP/1.1 200 OK\r\nContent-Length: " + strconv.Itoa(len(body)) + "\r\nConnection: keep-alive\r\n\r\n" + body
					if _, err := c.Write([]byte(resp)); err != nil {
						return
					}
					if !httpwire.KeepAlive(line.Version, headers) {
						return
					}
				}
			}(conn)
		}
	}()
	return ln
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

// TestPlainHTTPKeepAlivePipelinedRequests covers spec scenario 6: two
// back-to-back plain-HTTP requests pipelined on one client socket must both
// reach the origin, in order, each independently rewritten to origin form
// with hop-by-hop headers stripped — not just the first one, with the rest
// falling through as an unrewritten raw byte pump.
func TestPlainHTTPKeepAlivePipelinedRequests(t *testing.T) {
	var seen []string
	var mu sync.Mutex
	origin := keepAliveHTTPOrigin(t, &seen, &mu)
	defer origin.Close()
	originAddr := origin.Addr().String()

	serverCfg := &config.Config{
		Method:       config.MethodShadowsocksAEAD,
		CipherMethod: string(aead.MethodAES256GCM),
		Password:     "keep-alive-pipeline-secret",
	}
	clientCfg := &config.Config{
		Method:       config.MethodShadowsocksAEAD,
		CipherMethod: string(aead.MethodAES256GCM),
		Password:     "keep-alive-pipeline-secret",
	}
	addr, cleanup := startRelay(t, serverCfg, clientCfg)
	defer cleanup()

	conn := dialWithTimeout(t, addr)
	defer conn.Close()

	req1 := "GET http://" + originAddr + "/first HTTP/1.1\r\nHost: " + originAddr + "\r\n\r\n"
	req2 := "GET http://" + originAddr + "/second HTTP/1.1\r\nHost: " + originAddr + "\r\nConnection: close\r\n\r\n"
	if _, err := conn.Write([]byte(req1 + req2)); err != nil {
		t.Fatalf("write pipelined requests: %v", err)
	}

	r := bufio.NewReader(conn)
	for i, want := range []string{"/first", "/second"} {
		status, err := httpwire.ReadStatusLine(r)
		if err != nil {
			t.Fatalf("read response %d status: %v", i, err)
		}
		if status.Code != 200 {
			t.Fatalf("response %d: unexpected status %d", i, status.Code)
		}
		headers, err := httpwire.ReadHeaders(r)
		if err != nil {
			t.Fatalf("read response %d headers: %v", i, err)
		}
		framing, length := httpwire.ResponseBodyFraming(status, "GET", headers)
		var body bytes.Buffer
		if err := httpwire.CopyBody(&body, r, framing, length); err != nil {
			t.Fatalf("read response %d body: %v", i, err)
		}
		if !strings.Contains(body.String(), want) {
			t.Fatalf("response %d body %q does not reference %q", i, body.String(), want)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 2 {
		t.Fatalf("expected origin to see 2 requests, got %d: %v", len(seen), seen)
	}
	if !strings.Contains(seen[0], "/first") || !strings.Contains(seen[1], "/second") {
		t.Fatalf("requests reached origin out of order or unrewritten: %v", seen)
	}
	for _, req := range seen {
		if strings.Contains(req, "http://") {
			t.Fatalf("request reached origin in absolute-URI form instead of rewritten path: %q", req)
		}
	}
}

// TestServerPlainHTTPKeepAliveLoop covers serverconn.handleHTTP1Plain's half
// of scenario 6 directly: a peer speaking the http1_connect_tls wire
// protocol straight to relaysrv (no relayd in front) pipelines two plain
// requests, and both must be rewritten and relayed to the origin in order.
func TestServerPlainHTTPKeepAliveLoop(t *testing.T) {
	cert, err := generateSelfSigned()
	if err != nil {
		t.Fatalf("generate cert: %v", err)
	}

	var seen []string
	var mu sync.Mutex
	origin := keepAliveHTTPOrigin(t, &seen, &mu)
	defer origin.Close()
	originAddr := origin.Addr().String()

	srv := &serverconn.Handler{
		Config: &config.Config{
			Method:          config.MethodHTTP1Connect,
			ServerTLSConfig: &tls.Config{Certificates: []tls.Certificate{cert}},
		},
		Logger: zap.NewNop(),
	}
	srvLn := listenTCP(t)
	defer srvLn.Close()
	go acceptLoop(srvLn, func(ctx context.Context, c net.Conn) error { return srv.Handle(ctx, c) })

	rawConn := dialWithTimeout(t, srvLn.Addr().String())
	defer rawConn.Close()
	conn := tls.Client(rawConn, &tls.Config{InsecureSkipVerify: true})

	req1 := "GET http://" + originAddr + "/alpha HTTP/1.1\r\nHost: " + originAddr + "\r\n\r\n"
	req2 := "GET http://" + originAddr + "/beta HTTP/1.1\r\nHost: " + originAddr + "\r\nConnection: close\r\n\r\n"
	if _, err := conn.Write([]byte(req1 + req2)); err != nil {
		t.Fatalf("write pipelined requests: %v", err)
	}

	r := bufio.NewReader(conn)
	for i, want := range []string{"/alpha", "/beta"} {
		status, err := httpwire.ReadStatusLine(r)
		if err != nil {
			t.Fatalf("read response %d status: %v", i, err)
		}
		headers, err := httpwire.ReadHeaders(r)
		if err != nil {
			t.Fatalf("read response %d headers: %v", i, err)
		}
		framing, length := httpwire.ResponseBodyFraming(status, "GET", headers)
		var body bytes.Buffer
		if err := httpwire.CopyBody(&body, r, framing, length); err != nil {
			t.Fatalf("read response %d body: %v", i, err)
		}
		if !strings.Contains(body.String(), want) {
			t.Fatalf("response %d body %q does not reference %q", i, body.String(), want)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 2 {
		t.Fatalf("expected origin to see 2 requests, got %d: %v", len(seen), seen)
	}
	if !strings.Contains(seen[0], "/alpha") || !strings.Contains(seen[1], "/beta") {
		t.Fatalf("requests reached origin out of order or unrewritten: %v", seen)
	}
}
