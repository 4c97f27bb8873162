// Package destination implements the tagged-union destination request of
// spec.md §3/§6: {ipv4, ipv6, domain} × port, serialized as a single prefix
// byte followed by the address and a big-endian port. It is used both as
// the shadowsocks inner header and, by pkg/socks, as the SOCKS5 atyp/addr
// encoding.
//
// Grounded on original_source/src/core/ss_request.hpp.
package destination

import (
	"encoding/binary"
	"fmt"
	"net"
	"strconv"

	relerrors "github.com/relaycore/tunnel/pkg/errors"

	"golang.org/x/text/cases"
)

// domainFold canonicalizes a domain host to its case-folded form, since DNS
// names are compared case-insensitively (§6) but the wire format and every
// downstream comparison (h2tunnel's :authority/Host check, SOCKS5 relays)
// treat Domain as an exact byte string.
var domainFold = cases.Fold()

// AddrType is the wire prefix byte identifying which address form follows.
type AddrType byte

const (
	TypeIPv4   AddrType = 0x01
	TypeDomain AddrType = 0x03
	TypeIPv6   AddrType = 0x04
)

// MaxDomainLength is the largest domain name the wire format can carry
// (a single length-prefixed byte).
const MaxDomainLength = 255

// Request is the tagged union described in spec.md §3.
type Request struct {
	Type   AddrType
	IPv4   [4]byte
	IPv6   [16]byte
	Domain string
	Port   uint16
}

// NewDomain builds a domain-typed request; host must be at most
// MaxDomainLength bytes.
func NewDomain(host string, port uint16) (*Request, error) {
	folded := domainFold.String(host)
	if len(folded) > MaxDomainLength {
		return nil, relerrors.NewValidationError(fmt.Sprintf("domain name too long: %d bytes", len(folded)))
	}
	return &Request{Type: TypeDomain, Domain: folded, Port: port}, nil
}

// NewFromAddr builds a request from an unbracketed IP literal or domain host
// string and a numeric port, resolving the address family from the literal
// form of host (it does not perform DNS resolution). A bracketed IPv6 literal
// is not recognized as an IP and is treated as a domain name.
func NewFromAddr(host string, port uint16) (*Request, error) {
	if ip := net.ParseIP(host); ip != nil {
		if v4 := ip.To4(); v4 != nil {
			r := &Request{Type: TypeIPv4, Port: port}
			copy(r.IPv4[:], v4)
			return r, nil
		}
		r := &Request{Type: TypeIPv6, Port: port}
		copy(r.IPv6[:], ip.To16())
		return r, nil
	}
	return NewDomain(host, port)
}

// Host returns the string form of the address (dotted IPv4, bracket-free
// IPv6, or the domain name).
func (r *Request) Host() string {
	switch r.Type {
	case TypeIPv4:
		return net.IP(r.IPv4[:]).String()
	case TypeIPv6:
		return net.IP(r.IPv6[:]).String()
	default:
		return r.Domain
	}
}

// HostPort returns "host:port", bracketing IPv6 literals.
func (r *Request) HostPort() string {
	return net.JoinHostPort(r.Host(), strconv.Itoa(int(r.Port)))
}

// Len returns the exact number of bytes Marshal will produce.
func (r *Request) Len() int {
	switch r.Type {
	case TypeIPv4:
		return 1 + 4 + 2
	case TypeIPv6:
		return 1 + 16 + 2
	case TypeDomain:
		return 1 + 1 + len(r.Domain) + 2
	default:
		return 0
	}
}

// Marshal appends the wire encoding of r to dst and returns the result.
func (r *Request) Marshal(dst []byte) ([]byte, error) {
	switch r.Type {
	case TypeIPv4:
		dst = append(dst, byte(TypeIPv4))
		dst = append(dst, r.IPv4[:]...)
	case TypeIPv6:
		dst = append(dst, byte(TypeIPv6))
		dst = append(dst, r.IPv6[:]...)
	case TypeDomain:
		if len(r.Domain) > MaxDomainLength {
			return nil, relerrors.NewValidationError("domain name too long")
		}
		dst = append(dst, byte(TypeDomain), byte(len(r.Domain)))
		dst = append(dst, r.Domain...)
	default:
		return nil, relerrors.NewValidationError(fmt.Sprintf("unknown address type %#x", r.Type))
	}
	var portBuf [2]byte
	binary.BigEndian.PutUint16(portBuf[:], r.Port)
	return append(dst, portBuf[:]...), nil
}

// Parse reads a Request from the front of p, returning the request and the
// number of bytes consumed. It returns relerrors.ErrorTypeInvalidArgument
// when p does not yet hold a complete header (the caller should wait for
// more bytes), and ErrorTypeProtocol for a malformed atyp byte.
func Parse(p []byte) (*Request, int, error) {
	if len(p) < 1 {
		return nil, 0, relerrors.NewInvalidArgumentError("destination.Parse", "need atyp byte")
	}
	switch AddrType(p[0]) {
	case TypeIPv4:
		const n = 1 + 4 + 2
		if len(p) < n {
			return nil, 0, relerrors.NewInvalidArgumentError("destination.Parse", "truncated ipv4 request")
		}
		r := &Request{Type: TypeIPv4}
		copy(r.IPv4[:], p[1:5])
		r.Port = binary.BigEndian.Uint16(p[5:7])
		return r, n, nil
	case TypeIPv6:
		const n = 1 + 16 + 2
		if len(p) < n {
			return nil, 0, relerrors.NewInvalidArgumentError("destination.Parse", "truncated ipv6 request")
		}
		r := &Request{Type: TypeIPv6}
		copy(r.IPv6[:], p[1:17])
		r.Port = binary.BigEndian.Uint16(p[17:19])
		return r, n, nil
	case TypeDomain:
		if len(p) < 2 {
			return nil, 0, relerrors.NewInvalidArgumentError("destination.Parse", "truncated domain length")
		}
		dlen := int(p[1])
		n := 1 + 1 + dlen + 2
		if len(p) < n {
			return nil, 0, relerrors.NewInvalidArgumentError("destination.Parse", "truncated domain request")
		}
		r := &Request{Type: TypeDomain, Domain: string(p[2 : 2+dlen])}
		r.Port = binary.BigEndian.Uint16(p[2+dlen : n])
		return r, n, nil
	default:
		return nil, 0, relerrors.NewProtocolError(fmt.Sprintf("invalid address type %#x", p[0]), nil)
	}
}
