// Command relaysrv runs the server-side (remote) half of the tunnel: it
// listens on a public port, optionally terminates TLS, demultiplexes the
// configured transport, and relays each connection to its requested origin
// (spec.md §4.8).
package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	_ "go.uber.org/automaxprocs"

	"github.com/relaycore/tunnel/pkg/config"
	"github.com/relaycore/tunnel/pkg/serverconn"
)

var flags struct {
	listen    string
	method    string
	username  string
	password  string
	cipher    string
	masterKey string
	hideVia   bool
	hideIP    bool
	tlsCert   string
	tlsKey    string
}

var rootCmd = &cobra.Command{
	Use:   "relaysrv",
	Short: "Run the server-side tunnel listener",
	RunE:  run,
}

func init() {
	f := rootCmd.Flags()
	f.StringVar(&flags.listen, "listen", "0.0.0.0:8443", "address to accept tunnel connections on")
	f.StringVar(&flags.method, "method", string(config.MethodShadowsocksAEAD), "transport this listener accepts: socks4, socks4a, socks5, socks5h, http1_connect_tls, http2_connect_tls, shadowsocks_aead")
	f.StringVar(&flags.username, "username", "", "required proxy auth username, empty disables auth")
	f.StringVar(&flags.password, "password", "", "required proxy auth password")
	f.StringVar(&flags.cipher, "cipher", "aes-256-gcm", "shadowsocks AEAD cipher method")
	f.StringVar(&flags.masterKey, "master-key", "", "shadowsocks master key passphrase (overrides --password as the key source)")
	f.BoolVar(&flags.hideVia, "hide-via", false, "suppress the Via header on plain-HTTP requests forwarded to the origin")
	f.BoolVar(&flags.hideIP, "hide-ip", false, "suppress the Forwarded header on plain-HTTP requests forwarded to the origin")
	f.StringVar(&flags.tlsCert, "tls-cert", "", "TLS certificate file (required for http1_connect_tls/http2_connect_tls)")
	f.StringVar(&flags.tlsKey, "tls-key", "", "TLS private key file")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer logger.Sync()

	cfg := &config.Config{
		Method:          config.Method(flags.method),
		Username:        flags.username,
		Password:        flags.password,
		CipherMethod:    flags.cipher,
		MasterKeyBase64: flags.masterKey,
		HideVia:         flags.hideVia,
		HideIP:          flags.hideIP,
	}

	method := config.Method(flags.method)
	if method == config.MethodHTTP1Connect || method == config.MethodHTTP2Connect {
		if flags.tlsCert == "" || flags.tlsKey == "" {
			return fmt.Errorf("--tls-cert and --tls-key are required for method %s", flags.method)
		}
		cert, err := tls.LoadX509KeyPair(flags.tlsCert, flags.tlsKey)
		if err != nil {
			return fmt.Errorf("load tls keypair: %w", err)
		}
		cfg.ServerTLSConfig = &tls.Config{Certificates: []tls.Certificate{cert}}
	}

	listener, err := net.Listen("tcp", flags.listen)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", flags.listen, err)
	}
	logger.Info("relaysrv listening", zap.String("addr", flags.listen), zap.String("method", flags.method))

	handler := &serverconn.Handler{Config: cfg, Logger: logger}
	for {
		conn, err := listener.Accept()
		if err != nil {
			logger.Error("accept failed", zap.Error(err))
			continue
		}
		go func() {
			if err := handler.Handle(context.Background(), conn); err != nil {
				logger.Debug("connection ended", zap.Error(err))
			}
		}()
	}
}
