package integration

import (
	"bufio"
	"bytes"
	"crypto/tls"
	"net"
	"testing"

	"github.com/relaycore/tunnel/pkg/aead"
	"github.com/relaycore/tunnel/pkg/config"
	"github.com/relaycore/tunnel/pkg/destination"
	"github.com/relaycore/tunnel/pkg/socks"

	"github.com/stretchr/testify/require"
)

// socks5Connect drives a SOCKS5 client handshake (no auth) against conn and
// asks it to CONNECT to host:port, returning once the CONNECT reply has been
// read.
func socks5Connect(t *testing.T, conn net.Conn, host string, port uint16) {
	t.Helper()
	r := bufio.NewReader(conn)

	if _, err := conn.Write(socks.MarshalMethodSelectRequest([]socks.AuthMethod{socks.AuthNone})); err != nil {
		t.Fatalf("write method select: %v", err)
	}
	method, err := socks.ParseMethodSelectReply(r)
	if err != nil {
		t.Fatalf("read method select reply: %v", err)
	}
	if method != socks.AuthNone {
		t.Fatalf("unexpected selected method: %v", method)
	}

	dest, err := destination.NewDomain(host, port)
	if err != nil {
		t.Fatalf("build destination: %v", err)
	}
	req := &socks.Request{Command: socks.CmdConnect, Dest: dest}
	raw, err := req.Marshal()
	if err != nil {
		t.Fatalf("marshal socks5 request: %v", err)
	}
	if _, err := conn.Write(raw); err != nil {
		t.Fatalf("write socks5 request: %v", err)
	}

	reply, err := socks.ParseReply(r)
	if err != nil {
		t.Fatalf("read socks5 reply: %v", err)
	}
	if reply.Status != socks.StatusGranted {
		t.Fatalf("socks5 connect refused: status %v", reply.Status)
	}
}

// TestShadowsocksAESGCMEchoRoundTrip covers spec scenario 1: a SOCKS5 client
// talks to relayd, which tunnels over shadowsocks-AEAD/AES-256-GCM to
// relaysrv, which dials a plain TCP echo origin.
func TestShadowsocksAESGCMEchoRoundTrip(t *testing.T) {
	origin := echoOrigin(t)
	defer origin.Close()
	originPort := uint16(origin.Addr().(*net.TCPAddr).Port)

	serverCfg := &config.Config{
		Method:       config.MethodShadowsocksAEAD,
		CipherMethod: string(aead.MethodAES256GCM),
		Password:     "correct horse battery staple",
	}
	clientCfg := &config.Config{
		Method:       config.MethodShadowsocksAEAD,
		CipherMethod: string(aead.MethodAES256GCM),
		Password:     "correct horse battery staple",
	}
	addr, cleanup := startRelay(t, serverCfg, clientCfg)
	defer cleanup()

	conn := dialWithTimeout(t, addr)
	defer conn.Close()

	socks5Connect(t, conn, "127.0.0.1", originPort)

	payload := bytes.Repeat([]byte("shadowsocks-round-trip-"), 200) // ~4.6KiB
	_, err := conn.Write(payload)
	require.NoError(t, err, "write payload")
	got := make([]byte, len(payload))
	_, err = readFullOrFatal(t, conn, got)
	require.NoError(t, err, "read echo")
	require.Equal(t, payload, got, "echo mismatch")
}

// TestShadowsocksChaCha20LargePayload covers spec scenario 2: a larger
// payload over the ChaCha20-Poly1305 cipher, exercising multiple AEAD
// chunk boundaries (MaxChunkSize is 0x3FFF bytes per chunk).
func TestShadowsocksChaCha20LargePayload(t *testing.T) {
	origin := echoOrigin(t)
	defer origin.Close()
	originPort := uint16(origin.Addr().(*net.TCPAddr).Port)

	serverCfg := &config.Config{
		Method:       config.MethodShadowsocksAEAD,
		CipherMethod: string(aead.MethodChacha20Poly1305),
		Password:     "another-strong-passphrase",
	}
	clientCfg := &config.Config{
		Method:       config.MethodShadowsocksAEAD,
		CipherMethod: string(aead.MethodChacha20Poly1305),
		Password:     "another-strong-passphrase",
	}
	addr, cleanup := startRelay(t, serverCfg, clientCfg)
	defer cleanup()

	conn := dialWithTimeout(t, addr)
	defer conn.Close()

	socks5Connect(t, conn, "127.0.0.1", originPort)

	payload := bytes.Repeat([]byte{0x5A}, 3*aead.MaxChunkSize+512)
	go func() {
		conn.Write(payload)
	}()
	got := make([]byte, len(payload))
	_, err := readFullOrFatal(t, conn, got)
	require.NoError(t, err, "read echo")
	require.Equal(t, payload, got, "echo mismatch across chunk boundaries")
}

// TestHTTP1ConnectOverTLSWithAuth covers spec scenario 3: relayd speaks
// HTTP/1.1 CONNECT over TLS to relaysrv with username/password
// Proxy-Authorization, tunneling to a plain HTTP origin.
func TestHTTP1ConnectOverTLSWithAuth(t *testing.T) {
	cert, err := generateSelfSigned()
	if err != nil {
		t.Fatalf("generate cert: %v", err)
	}
	origin := httpOrigin(t)
	defer origin.Close()
	originPort := uint16(origin.Addr().(*net.TCPAddr).Port)

	serverCfg := &config.Config{
		Method:          config.MethodHTTP1Connect,
		Username:        "alice",
		Password:        "s3cret",
		ServerTLSConfig: &tls.Config{Certificates: []tls.Certificate{cert}},
	}
	clientCfg := &config.Config{
		Method:    config.MethodHTTP1Connect,
		Username:  "alice",
		Password:  "s3cret",
		TLSConfig: &tls.Config{InsecureSkipVerify: true},
	}
	addr, cleanup := startRelay(t, serverCfg, clientCfg)
	defer cleanup()

	conn := dialWithTimeout(t, addr)
	defer conn.Close()

	socks5Connect(t, conn, "127.0.0.1", originPort)

	req := "GET / HTTP/1.1\r\nHost: example.com\r\nConnection: close\r\n\r\n"
	if _, err := conn.Write([]byte(req)); err != nil {
		t.Fatalf("write http request: %v", err)
	}
	resp := make([]byte, 4096)
	n, err := conn.Read(resp)
	if err != nil {
		t.Fatalf("read http response: %v", err)
	}
	if !bytes.Contains(resp[:n], []byte("200")) {
		t.Fatalf("unexpected response: %s", resp[:n])
	}
}

// TestHTTP2ConnectWithPaddingRoundTrip covers spec scenario 4: HTTP/2 CONNECT
// over TLS with padding negotiated on both sides.
func TestHTTP2ConnectWithPaddingRoundTrip(t *testing.T) {
	cert, err := generateSelfSigned()
	if err != nil {
		t.Fatalf("generate cert: %v", err)
	}
	origin := echoOrigin(t)
	defer origin.Close()
	originPort := uint16(origin.Addr().(*net.TCPAddr).Port)

	serverCfg := &config.Config{
		Method:          config.MethodHTTP2Connect,
		PaddingSupport:  true,
		ServerTLSConfig: &tls.Config{Certificates: []tls.Certificate{cert}},
	}
	clientCfg := &config.Config{
		Method:         config.MethodHTTP2Connect,
		PaddingSupport: true,
		TLSConfig:      &tls.Config{InsecureSkipVerify: true},
	}
	addr, cleanup := startRelay(t, serverCfg, clientCfg)
	defer cleanup()

	conn := dialWithTimeout(t, addr)
	defer conn.Close()

	socks5Connect(t, conn, "127.0.0.1", originPort)

	payload := bytes.Repeat([]byte("padded-unit-"), 64)
	if _, err := conn.Write(payload); err != nil {
		t.Fatalf("write payload: %v", err)
	}
	got := make([]byte, len(payload))
	if _, err := readFullOrFatal(t, conn, got); err != nil {
		t.Fatalf("read echo: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("echo mismatch with padding enabled")
	}
}

// TestSOCKS5ClientToHTTP1ConnectServer covers spec scenario 5: the local
// peer speaks SOCKS5 with a domain-typed destination, relayd's upstream
// transport is HTTP/1.1 CONNECT (MethodHTTP1Connect is domain-preserving),
// and the origin's 200 OK response comes back through the tunnel.
func TestSOCKS5ClientToHTTP1ConnectServer(t *testing.T) {
	cert, err := generateSelfSigned()
	if err != nil {
		t.Fatalf("generate cert: %v", err)
	}
	origin := httpOrigin(t)
	defer origin.Close()
	originPort := uint16(origin.Addr().(*net.TCPAddr).Port)

	serverCfg := &config.Config{
		Method:          config.MethodHTTP1Connect,
		ServerTLSConfig: &tls.Config{Certificates: []tls.Certificate{cert}},
	}
	clientCfg := &config.Config{
		Method:    config.MethodHTTP1Connect,
		TLSConfig: &tls.Config{InsecureSkipVerify: true},
	}
	addr, cleanup := startRelay(t, serverCfg, clientCfg)
	defer cleanup()

	conn := dialWithTimeout(t, addr)
	defer conn.Close()

	socks5Connect(t, conn, "127.0.0.1", originPort)

	if _, err := conn.Write([]byte("GET / HTTP/1.1\r\nHost: example.com\r\nConnection: close\r\n\r\n")); err != nil {
		t.Fatalf("write http request: %v", err)
	}
	resp := make([]byte, 4096)
	n, err := conn.Read(resp)
	if err != nil {
		t.Fatalf("read http response: %v", err)
	}
	if !bytes.Contains(resp[:n], []byte("200 OK")) {
		t.Fatalf("unexpected response: %s", resp[:n])
	}
}

func readFullOrFatal(t *testing.T, conn net.Conn, buf []byte) (int, error) {
	t.Helper()
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
