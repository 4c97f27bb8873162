// Package socks implements the on-the-wire SOCKS4/4a and SOCKS5 codecs used
// by both the client state machine (dialing out through, or terminating as,
// a nested SOCKS proxy) and the server state machine (§4.7, §4.8, §6).
//
// Grounded on original_source/src/core/socks4.hpp and socks5.hpp, and on the
// teacher's pkg/client/proxy_parser.go for the URL-based config shape.
package socks

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"net"

	relerrors "github.com/relaycore/tunnel/pkg/errors"
)

// V4CommandType is the CD field of a SOCKS4 request.
type V4CommandType byte

const (
	V4CmdConnect V4CommandType = 0x01
	V4CmdBind    V4CommandType = 0x02
)

// V4Status is the reply status byte of a SOCKS4 response.
type V4Status byte

const (
	V4Granted          V4Status = 0x5a
	V4Failed           V4Status = 0x5b
	V4FailedNoIdentd   V4Status = 0x5c
	V4FailedBadUserID  V4Status = 0x5d
)

// V4Request is a parsed SOCKS4/4a CONNECT request (§6):
// `04 01 port_hi port_lo ip(4) userid \0 [domain \0]`.
type V4Request struct {
	Command V4CommandType
	Port    uint16
	IP      [4]byte // 0.0.0.1 with a following domain marks SOCKS4a
	UserID  string
	Domain  string // non-empty only for the SOCKS4a variant
}

// IsSOCKS4a reports whether IP is the 0.0.0.x "invalid" marker that means
// "resolve Domain instead" (the SOCKS4a extension).
func (r *V4Request) IsSOCKS4a() bool {
	return r.IP[0] == 0 && r.IP[1] == 0 && r.IP[2] == 0 && r.IP[3] != 0
}

// ParseV4Request reads a SOCKS4/4a request from r. It returns
// ErrorTypeInvalidArgument (not ErrorTypeProtocol) when the first byte is
// not 0x04, so the client auto-detector (§4.7) can fall through to the next
// parser instead of failing the connection outright.
func ParseV4Request(r *bufio.Reader) (*V4Request, error) {
	head, err := r.Peek(1)
	if err != nil {
		return nil, relerrors.NewIOError("peek socks4 version", err)
	}
	if head[0] != 0x04 {
		return nil, relerrors.NewInvalidArgumentError("socks4.ParseV4Request", "not a SOCKS4 request")
	}
	var hdr [8]byte
	if _, err := readFull(r, hdr[:]); err != nil {
		return nil, err
	}
	req := &V4Request{
		Command: V4CommandType(hdr[1]),
		Port:    binary.BigEndian.Uint16(hdr[2:4]),
	}
	copy(req.IP[:], hdr[4:8])

	userID, err := readCString(r)
	if err != nil {
		return nil, err
	}
	req.UserID = userID

	if req.IsSOCKS4a() {
		domain, err := readCString(r)
		if err != nil {
			return nil, err
		}
		req.Domain = domain
	}
	return req, nil
}

// Marshal encodes a V4Request for the client-as-nested-SOCKS-proxy role
// (§4.8 "a symmetric nested SOCKS dialogue").
func (r *V4Request) Marshal() []byte {
	var buf bytes.Buffer
	buf.WriteByte(0x04)
	buf.WriteByte(byte(r.Command))
	var portBuf [2]byte
	binary.BigEndian.PutUint16(portBuf[:], r.Port)
	buf.Write(portBuf[:])
	if r.Domain != "" {
		buf.Write([]byte{0, 0, 0, 1})
	} else {
		buf.Write(r.IP[:])
	}
	buf.WriteString(r.UserID)
	buf.WriteByte(0)
	if r.Domain != "" {
		buf.WriteString(r.Domain)
		buf.WriteByte(0)
	}
	return buf.Bytes()
}

// V4Reply is the 8-byte SOCKS4 response: `00 5A port_hi port_lo ip(4)`.
type V4Reply struct {
	Status V4Status
	Port   uint16
	IP     [4]byte
}

// Marshal encodes the reply.
func (r *V4Reply) Marshal() []byte {
	buf := make([]byte, 8)
	buf[0] = 0
	buf[1] = byte(r.Status)
	binary.BigEndian.PutUint16(buf[2:4], r.Port)
	copy(buf[4:8], r.IP[:])
	return buf
}

// ParseV4Reply reads an 8-byte SOCKS4 reply.
func ParseV4Reply(r *bufio.Reader) (*V4Reply, error) {
	var buf [8]byte
	if _, err := readFull(r, buf[:]); err != nil {
		return nil, err
	}
	reply := &V4Reply{Status: V4Status(buf[1]), Port: binary.BigEndian.Uint16(buf[2:4])}
	copy(reply.IP[:], buf[4:8])
	return reply, nil
}

func readCString(r *bufio.Reader) (string, error) {
	s, err := r.ReadString(0)
	if err != nil {
		return "", relerrors.NewIOError("read socks4 cstring", err)
	}
	return s[:len(s)-1], nil
}

func readFull(r *bufio.Reader, buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		m, err := r.Read(buf[n:])
		n += m
		if err != nil {
			return n, relerrors.NewIOError("read socks header", err)
		}
	}
	return n, nil
}

// ParseEndpointV4 resolves a dial target from a parsed V4Request, honoring
// the SOCKS4a domain extension (§4.7 "Domain resolution").
func ParseEndpointV4(req *V4Request) (host string, port uint16) {
	if req.IsSOCKS4a() && req.Domain != "" {
		return req.Domain, req.Port
	}
	return net.IP(req.IP[:]).String(), req.Port
}
