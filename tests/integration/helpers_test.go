// Package integration drives relayd (pkg/clientconn) and relaysrv
// (pkg/serverconn) back to back over real TCP sockets, the way
// tests/integration/client_test.go exercises the teacher's rawhttp.Sender
// against a raw net.Listener.
package integration

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"io"
	"math/big"
	"net"
	"os"
	"strconv"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/relaycore/tunnel/pkg/clientconn"
	"github.com/relaycore/tunnel/pkg/config"
	"github.com/relaycore/tunnel/pkg/serverconn"

	"go.uber.org/zap"
)

func listenTCP(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		if isPerm(err) {
			t.Skip("network sockets not permitted in sandbox")
		}
		t.Fatalf("listen: %v", err)
	}
	return ln
}

func isPerm(err error) bool {
	if err == nil {
		return false
	}
	if op, ok := err.(*net.OpError); ok {
		if se, ok := op.Err.(*os.SyscallError); ok && se.Err == syscall.EPERM {
			return true
		}
		if strings.Contains(op.Err.Error(), "operation not permitted") {
			return true
		}
	}
	return strings.Contains(err.Error(), "operation not permitted")
}

// generateSelfSigned mirrors the teacher's tests/integration cert helper.
func generateSelfSigned() (tls.Certificate, error) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return tls.Certificate{}, err
	}
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		DNSNames:              []string{"localhost"},
		IPAddresses:           []net.IP{net.ParseIP("127.0.0.1")},
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &priv.PublicKey, priv)
	if err != nil {
		return tls.Certificate{}, err
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(priv)})
	return tls.X509KeyPair(certPEM, keyPEM)
}

// echoOrigin starts a plaintext TCP listener that echoes back everything it
// reads, standing in for "the requested destination" in every scenario.
func echoOrigin(t *testing.T) net.Listener {
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
				io.Copy(c, c)
			}(conn)
		}
	}()
	return ln
}

// httpOrigin starts a minimal HTTP/1.1 origin that always answers 200 with
// the request's Host header echoed in the body, for the plain-HTTP and
// CONNECT scenarios.
func httpOrigin(t *testing.T) net.Listener {
	t.Helper()
	ln := listenTCP(t)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go serveOneHTTPRequest(conn)
		}
	}()
	return ln
}

func serveOneHTTPRequest(conn net.Conn) {
	defer conn.Close()
	buf := make([]byte, 4096)
	n, _ := conn.Read(buf)
	_ = n
	body := "ok"
	resp := "HTTP/1.1 200 OK\r\nContent-Length: " + strconv.Itoa(len(body)) + "\r\nConnection: close\r\n\r\n" + body
	conn.Write([]byte(resp))
}

// startRelay wires one serverconn.Handler listener and one clientconn.Handler
// listener pointed at it, and returns the address local test clients should
// dial to speak SOCKS4/SOCKS5/HTTP, per §4.7/§4.8's split.
func startRelay(t *testing.T, serverCfg, clientCfg *config.Config) (clientAddr string, cleanup func()) {
	t.Helper()
	srvLn := listenTCP(t)
	srv := &serverconn.Handler{Config: serverCfg, Logger: zap.NewNop()}
	go acceptLoop(srvLn, func(ctx context.Context, c net.Conn) error { return srv.Handle(ctx, c) })

	clientCfg.UpstreamAddr = srvLn.Addr().String()
	sampled := clientCfg.WithTLSDefaults()
	*clientCfg = sampled

	cliLn := listenTCP(t)
	cli := &clientconn.Handler{Config: clientCfg, Logger: zap.NewNop()}
	go acceptLoop(cliLn, func(ctx context.Context, c net.Conn) error { return cli.Handle(ctx, c) })

	return cliLn.Addr().String(), func() {
		srvLn.Close()
		cliLn.Close()
	}
}

func acceptLoop(ln net.Listener, handle func(context.Context, net.Conn) error) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		go handle(context.Background(), conn)
	}
}

func dialWithTimeout(t *testing.T, addr string) net.Conn {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		t.Fatalf("dial %s: %v", addr, err)
	}
	conn.SetDeadline(time.Now().Add(10 * time.Second))
	return conn
}
