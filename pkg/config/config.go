// Package config models the process-wide flags of spec.md §6 as a single
// immutable struct, sampled once per listener the way the teacher's
// client.Options/ProxyConfig are sampled once per Sender. Neither state
// machine mutates a Config after construction (§5: "Global mutable state
// (configuration flags) should be captured into an immutable per-connection
// config struct at construction").
package config

import (
	"crypto/tls"
	"time"

	"github.com/relaycore/tunnel/pkg/tlsconfig"
)

// Method selects the upstream/tunnel transport (§4.7, §4.8).
type Method string

const (
	MethodSOCKS4          Method = "socks4"
	MethodSOCKS4A         Method = "socks4a"
	MethodSOCKS5          Method = "socks5"
	MethodSOCKS5H         Method = "socks5h"
	MethodHTTP1Connect    Method = "http1_connect_tls"
	MethodHTTP2Connect    Method = "http2_connect_tls"
	MethodShadowsocksAEAD Method = "shadowsocks_aead"
)

// IsDomainPreserving reports whether method can carry a destination domain
// name verbatim, or whether the client must resolve it locally first (§4.7).
func (m Method) IsDomainPreserving() bool {
	switch m {
	case MethodSOCKS4, MethodSOCKS5:
		return false
	default:
		return true
	}
}

// RedirMode selects how the client-side listener learns its original
// destination for transparent-redirect sockets (§4.7). The platform lookup
// itself is an external collaborator (§1); this is only the selector.
type RedirMode string

const (
	RedirModeOff   RedirMode = ""
	RedirModeRedir RedirMode = "redirect"
	RedirModeTProxy RedirMode = "tproxy"
)

// IPVersionMode controls which address families DNS resolution returns for
// domain-preserving lookups.
type IPVersionMode string

const (
	IPModeDual IPVersionMode = "dual"
	IPMode4    IPVersionMode = "ipv4_only"
	IPMode6    IPVersionMode = "ipv6_only"
)

// RateLimit is a bytes-per-second cap; zero disables throttling (§4.6).
type RateLimit int64

// Config is the immutable, process-wide configuration sampled at connect
// time by both the client and server state machines.
type Config struct {
	Method Method

	// UpstreamAddr is the next hop's host:port: the remote relay for
	// domain-preserving methods, or the destination's own host:port is
	// never used here — the client state machine always dials this
	// address and lets the chosen Method carry the real destination (§4.7).
	UpstreamAddr string

	// Authentication credentials, used as SOCKS5 username/password
	// sub-negotiation, HTTP Proxy-Authorization, or shadowsocks cipher auth.
	Username string
	Password string

	// CipherMethod names the AEAD cipher for MethodShadowsocksAEAD: one of
	// aes-128-gcm, aes-192-gcm, aes-256-gcm, chacha20-poly1305,
	// xchacha20-poly1305 (§6).
	CipherMethod string
	// MasterKeyBase64 and Password (above) are alternate ways to provision
	// the shadowsocks master key (§4.1); MasterKeyBase64 wins if non-empty,
	// see Passphrase.
	MasterKeyBase64 string

	PaddingSupport bool

	ConnectTimeout time.Duration

	// LimitRateUp/LimitRateDown are bytes/sec caps applied by the pipe
	// scheduler per connection (§4.6); zero means unlimited.
	LimitRateUp   RateLimit
	LimitRateDown RateLimit

	// HideVia suppresses the server-side "Via: 1.1 asio" header on plain
	// HTTP requests (§4.8, §9 open question — default false: Via is added).
	HideVia bool
	// HideIP suppresses the server-side "Forwarded: for=..." header on plain
	// HTTP requests (§4.8, §9 open question — default false: Forwarded is added).
	HideIP bool

	IPVersion IPVersionMode
	RedirMode RedirMode

	EnablePostQuantumKyber bool
	TLS13EarlyData         bool

	// TLSConfig is the base TLS client config used to dial an upstream or
	// origin over TLS (HTTP/1.1-CONNECT-over-TLS, HTTP/2-CONNECT). TLS
	// context construction proper is an external collaborator (§1); Config
	// only carries the already-built *tls.Config plus the two flags above,
	// which WithTLSDefaults applies to a clone of it.
	TLSConfig *tls.Config

	// ServerTLSConfig is used by the remote listener to terminate TLS when
	// the transport requires it; certificate material itself is provisioned
	// externally (§1).
	ServerTLSConfig *tls.Config
}

// Passphrase returns the shadowsocks master-key source to feed
// aead.DeriveMasterKey: MasterKeyBase64 if set, otherwise Password.
func (c *Config) Passphrase() string {
	if c.MasterKeyBase64 != "" {
		return c.MasterKeyBase64
	}
	return c.Password
}

// WithTLSDefaults returns a shallow copy of c with c.TLSConfig shaped by the
// Kyber/early-data flags if it is non-nil, leaving the original untouched —
// Config instances are never mutated after construction (§5).
func (c Config) WithTLSDefaults() Config {
	if c.TLSConfig == nil {
		return c
	}
	clone := c.TLSConfig.Clone()
	tlsconfig.ApplyVersionProfile(clone, tlsconfig.ProfileSecure)
	tlsconfig.ApplyCipherSuites(clone)
	tlsconfig.ApplyPostQuantumKyber(clone, c.EnablePostQuantumKyber)
	tlsconfig.ApplyEarlyData(clone, c.TLS13EarlyData)
	c.TLSConfig = clone
	return c
}
