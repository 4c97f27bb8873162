// Command relayd runs the client-side (local) half of the tunnel: it
// listens on a local port, auto-detects the SOCKS4/SOCKS5/HTTP protocol
// spoken by whatever connects to it, and relays each connection to a single
// configured upstream over the chosen transport (spec.md §4.7).
package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	_ "go.uber.org/automaxprocs"

	"github.com/relaycore/tunnel/pkg/clientconn"
	"github.com/relaycore/tunnel/pkg/config"
)

var flags struct {
	listen         string
	upstream       string
	method         string
	username       string
	password       string
	cipher         string
	masterKey      string
	connectTimeout time.Duration
	limitRateUp    int64
	limitRateDown  int64
	insecureTLS    bool
	hideVia        bool
	hideIP         bool
}

var rootCmd = &cobra.Command{
	Use:   "relayd",
	Short: "Run the client-side tunnel listener",
	RunE:  run,
}

func init() {
	f := rootCmd.Flags()
	f.StringVar(&flags.listen, "listen", "127.0.0.1:1080", "local address to accept SOCKS4/SOCKS5/HTTP connections on")
	f.StringVar(&flags.upstream, "upstream", "", "upstream relay address (host:port)")
	f.StringVar(&flags.method, "method", string(config.MethodShadowsocksAEAD), "upstream transport: socks4, socks4a, socks5, socks5h, http1_connect_tls, http2_connect_tls, shadowsocks_aead")
	f.StringVar(&flags.username, "username", "", "upstream auth username")
	f.StringVar(&flags.password, "password", "", "upstream auth password")
	f.StringVar(&flags.cipher, "cipher", "aes-256-gcm", "shadowsocks AEAD cipher method")
	f.StringVar(&flags.masterKey, "master-key", "", "shadowsocks master key passphrase (overrides --password as the key source)")
	f.DurationVar(&flags.connectTimeout, "connect-timeout", 10*time.Second, "upstream dial timeout")
	f.Int64Var(&flags.limitRateUp, "limit-rate-up", 0, "bytes/sec cap on client->upstream traffic, 0 = unlimited")
	f.Int64Var(&flags.limitRateDown, "limit-rate-down", 0, "bytes/sec cap on upstream->client traffic, 0 = unlimited")
	f.BoolVar(&flags.insecureTLS, "insecure-tls", false, "skip upstream TLS certificate verification")
	_ = rootCmd.MarkFlagRequired("upstream")
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
		ConnectTimeout:  flags.connectTimeout,
		LimitRateUp:     config.RateLimit(flags.limitRateUp),
		LimitRateDown:   config.RateLimit(flags.limitRateDown),
		UpstreamAddr:    flags.upstream,
		TLSConfig:       &tls.Config{InsecureSkipVerify: flags.insecureTLS},
	}
	sampled := cfg.WithTLSDefaults()

	listener, err := net.Listen("tcp", flags.listen)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", flags.listen, err)
	}
	logger.Info("relayd listening", zap.String("addr", flags.listen), zap.String("upstream", flags.upstream), zap.String("method", flags.method))

	handler := &clientconn.Handler{Config: &sampled, Logger: logger}
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
