// Package aead implements the shadowsocks-style AEAD chunk codec of
// spec.md §4.1/§6: a master key derived from a passphrase or base64 key,
// a per-connection HKDF-SHA1 subkey keyed by a random salt, and a chunked
// record format where each chunk is two AEAD sealings (a 2-byte length cell
// and the payload) under a little-endian counter nonce.
//
// Grounded on original_source/src/core/cipher.cpp (derive_key, the
// EVP_BytesToKey-style MD5 stretch) and src/core/hkdf_sha1.cpp, and on
// other_examples/f3b651f0_DGHeroin-shadowsocks-go-1__aead.go for the Go
// HKDF-SHA1 + chunk-framing idiom this package follows directly.
package aead

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/md5"
	"crypto/sha1"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	relerrors "github.com/relaycore/tunnel/pkg/errors"
)

// Method identifies a supported AEAD cipher suite (§6).
type Method string

const (
	MethodAES128GCM            Method = "aes-128-gcm"
	MethodAES192GCM            Method = "aes-192-gcm"
	MethodAES256GCM            Method = "aes-256-gcm"
	MethodChacha20Poly1305     Method = "chacha20-poly1305"
	MethodXChacha20Poly1305    Method = "xchacha20-poly1305"
)

// subkeyInfo is the fixed HKDF info string binding the derived subkey to
// this protocol, per spec.md §4.1.
var subkeyInfo = []byte("ss-subkey")

// suite describes the key/salt sizes and AEAD constructor for one Method.
type suite struct {
	keySize  int
	saltSize int
	newAEAD  func(key []byte) (cipher.AEAD, error)
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

var suites = map[Method]suite{
	MethodAES128GCM:         {keySize: 16, saltSize: 16, newAEAD: newGCM},
	MethodAES192GCM:         {keySize: 24, saltSize: 24, newAEAD: newGCM},
	MethodAES256GCM:         {keySize: 32, saltSize: 32, newAEAD: newGCM},
	MethodChacha20Poly1305:  {keySize: chacha20poly1305.KeySize, saltSize: 32, newAEAD: chacha20poly1305.New},
	MethodXChacha20Poly1305: {keySize: chacha20poly1305.KeySize, saltSize: 32, newAEAD: chacha20poly1305.NewX},
}

// SaltSize returns the per-connection salt length for method.
func SaltSize(method Method) (int, error) {
	s, ok := suites[method]
	if !ok {
		return 0, relerrors.NewInvalidArgumentError("aead.SaltSize", "unsupported cipher method: "+string(method))
	}
	return s.saltSize, nil
}

// DeriveMasterKey stretches an arbitrary-length passphrase into a key of
// exactly the method's key size, following OpenSSL's EVP_BytesToKey(3) MD5
// scheme (original_source/src/core/cipher.cpp derive_key): repeatedly MD5
// the previous digest concatenated with the passphrase until enough bytes
// are produced.
func DeriveMasterKey(method Method, passphrase string) ([]byte, error) {
	s, ok := suites[method]
	if !ok {
		return nil, relerrors.NewInvalidArgumentError("aead.DeriveMasterKey", "unsupported cipher method: "+string(method))
	}
	key := make([]byte, 0, s.keySize)
	var prev []byte
	for len(key) < s.keySize {
		h := md5.New()
		h.Write(prev)
		h.Write([]byte(passphrase))
		sum := h.Sum(nil)
		key = append(key, sum...)
		prev = sum
	}
	return key[:s.keySize], nil
}

// deriveSubkey derives the per-connection subkey from the master key and
// salt via HKDF-SHA1 with the fixed "ss-subkey" info string.
func deriveSubkey(method Method, masterKey, salt []byte) ([]byte, error) {
	s, ok := suites[method]
	if !ok {
		return nil, relerrors.NewInvalidArgumentError("aead.deriveSubkey", "unsupported cipher method: "+string(method))
	}
	subkey := make([]byte, s.keySize)
	r := hkdf.New(sha1.New, masterKey, salt, subkeyInfo)
	if _, err := io.ReadFull(r, subkey); err != nil {
		return nil, relerrors.NewUnexpectedError("aead.deriveSubkey", "hkdf expand failed", err)
	}
	return subkey, nil
}

// NewAEAD derives the per-connection subkey from masterKey and salt and
// constructs the cipher.AEAD for method.
func NewAEAD(method Method, masterKey, salt []byte) (cipher.AEAD, error) {
	subkey, err := deriveSubkey(method, masterKey, salt)
	if err != nil {
		return nil, err
	}
	s := suites[method]
	a, err := s.newAEAD(subkey)
	if err != nil {
		return nil, relerrors.NewUnexpectedError("aead.NewAEAD", "constructing AEAD cipher", err)
	}
	return a, nil
}

// incrementNonce increments the little-endian counter nonce in place,
// wrapping around on overflow (the per-record nonce of §4.1).
func incrementNonce(n []byte) {
	for i := range n {
		n[i]++
		if n[i] != 0 {
			return
		}
	}
}
