// Package tlsconfig provides helpers and constants for the TLS carrier used
// by the HTTP/1.1-CONNECT, HTTP/2-CONNECT and server-side listener paths
// (§4.8, §6). Certificate verification policy itself is out of scope (§1);
// this package only shapes version/cipher/curve negotiation.
package tlsconfig

import "crypto/tls"

// TLS protocol version constants, kept for readability at call sites.
const (
	VersionTLS12 uint16 = tls.VersionTLS12
	VersionTLS13 uint16 = tls.VersionTLS13
)

// VersionProfile is a named Min/Max TLS version pair.
type VersionProfile struct {
	Min         uint16
	Max         uint16
	Description string
}

var (
	// ProfileModern restricts the handshake to TLS 1.3 only.
	ProfileModern = VersionProfile{
		Min:         VersionTLS13,
		Max:         VersionTLS13,
		Description: "TLS 1.3 only - maximum security, modern peers only",
	}

	// ProfileSecure is the default: TLS 1.2 and 1.3.
	ProfileSecure = VersionProfile{
		Min:         VersionTLS12,
		Max:         VersionTLS13,
		Description: "TLS 1.2+ - secure and widely compatible",
	}
)

// GetVersionName returns a human-readable name for a TLS version constant.
func GetVersionName(version uint16) string {
	switch version {
	case VersionTLS12:
		return "TLS 1.2"
	case VersionTLS13:
		return "TLS 1.3"
	default:
		return "unknown"
	}
}

// CipherSuitesSecure are ECDHE+AEAD suites offered on TLS 1.2 connections;
// TLS 1.3 negotiates its own suites and ignores this list.
var CipherSuitesSecure = []uint16{
	tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
	tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
	tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305_SHA256,
	tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305_SHA256,
}

// ApplyVersionProfile applies a pre-configured version profile to tls.Config.
func ApplyVersionProfile(config *tls.Config, profile VersionProfile) {
	config.MinVersion = profile.Min
	config.MaxVersion = profile.Max
}

// ApplyCipherSuites sets CipherSuitesSecure on a TLS 1.2-capable config; a
// config pinned to TLS 1.3 only is left untouched since CipherSuites has no
// effect there.
func ApplyCipherSuites(config *tls.Config) {
	if config.MaxVersion != 0 && config.MaxVersion < VersionTLS13 || config.MinVersion < VersionTLS13 {
		config.CipherSuites = CipherSuitesSecure
	}
}

// ApplyPostQuantumKyber prepends the hybrid X25519Kyber768Draft00 curve to
// CurvePreferences when enabled is true, so a capable peer negotiates a
// post-quantum-safe key exchange while older peers still fall back to
// X25519 (config.flag enable_post_quantum_kyber, §6).
func ApplyPostQuantumKyber(config *tls.Config, enabled bool) {
	if !enabled {
		return
	}
	hybrid := tls.CurveID(0x6399) // X25519Kyber768Draft00
	prefs := append([]tls.CurveID{hybrid}, config.CurvePreferences...)
	if len(config.CurvePreferences) == 0 {
		prefs = append(prefs, tls.X25519, tls.CurveP256)
	}
	config.CurvePreferences = prefs
}

// ApplyEarlyData enables TLS 1.3 session resumption (needed for 0-RTT)
// when the tls13_early_data config flag is set. Go's crypto/tls does not
// expose a client-side 0-RTT send API; enabling session tickets is the
// supported building block and is what this helper wires up.
func ApplyEarlyData(config *tls.Config, enabled bool) {
	config.SessionTicketsDisabled = !enabled
}
