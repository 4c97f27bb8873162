package socks

import (
	"bufio"
	"encoding/binary"

	"github.com/relaycore/tunnel/pkg/destination"
	relerrors "github.com/relaycore/tunnel/pkg/errors"
)

// Version is the SOCKS5 version byte.
const Version = 0x05

// AuthMethod identifies a SOCKS5 authentication method (§6).
type AuthMethod byte

const (
	AuthNone             AuthMethod = 0x00
	AuthGSSAPI           AuthMethod = 0x01
	AuthUsernamePassword AuthMethod = 0x02
	AuthNoAcceptable     AuthMethod = 0xFF
)

// Command is the CMD field of a SOCKS5 request.
type Command byte

const (
	CmdConnect      Command = 0x01
	CmdBind         Command = 0x02
	CmdUDPAssociate Command = 0x03
)

// Status is the REP field of a SOCKS5 reply.
type Status byte

const (
	StatusGranted               Status = 0x00
	StatusGeneralFailure        Status = 0x01
	StatusNotAllowed            Status = 0x02
	StatusNetworkUnreachable    Status = 0x03
	StatusHostUnreachable       Status = 0x04
	StatusConnectionRefused     Status = 0x05
	StatusTTLExpired            Status = 0x06
	StatusCommandNotSupported   Status = 0x07
	StatusAddressNotSupported   Status = 0x08
)

// ParseMethodSelectRequest reads `05 nmethods methods...` (§6). It returns
// ErrorTypeInvalidArgument when the version byte is not 0x05 so the client
// auto-detector can try the next parser (§4.7).
func ParseMethodSelectRequest(r *bufio.Reader) ([]AuthMethod, error) {
	head, err := r.Peek(1)
	if err != nil {
		return nil, relerrors.NewIOError("peek socks5 version", err)
	}
	if head[0] != Version {
		return nil, relerrors.NewInvalidArgumentError("socks5.ParseMethodSelectRequest", "not a SOCKS5 request")
	}
	var hdr [2]byte
	if _, err := readFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := int(hdr[1])
	methods := make([]byte, n)
	if _, err := readFull(r, methods); err != nil {
		return nil, err
	}
	out := make([]AuthMethod, n)
	for i, m := range methods {
		out[i] = AuthMethod(m)
	}
	return out, nil
}

// MarshalMethodSelectRequest encodes the client-role method-select request.
func MarshalMethodSelectRequest(methods []AuthMethod) []byte {
	buf := make([]byte, 2, 2+len(methods))
	buf[0] = Version
	buf[1] = byte(len(methods))
	for _, m := range methods {
		buf = append(buf, byte(m))
	}
	return buf
}

// MarshalMethodSelectReply encodes `05 method`.
func MarshalMethodSelectReply(method AuthMethod) []byte {
	return []byte{Version, byte(method)}
}

// ParseMethodSelectReply reads a 2-byte `05 method` reply.
func ParseMethodSelectReply(r *bufio.Reader) (AuthMethod, error) {
	var buf [2]byte
	if _, err := readFull(r, buf[:]); err != nil {
		return 0, err
	}
	if buf[0] != Version {
		return 0, relerrors.NewProtocolError("unexpected SOCKS5 version in method-select reply", nil)
	}
	return AuthMethod(buf[1]), nil
}

// UserPassRequest is the username/password sub-negotiation request
// `01 ulen u... plen p...` (§6).
type UserPassRequest struct {
	Username string
	Password string
}

// Marshal encodes the sub-negotiation request.
func (r *UserPassRequest) Marshal() []byte {
	buf := make([]byte, 0, 3+len(r.Username)+len(r.Password))
	buf = append(buf, 0x01, byte(len(r.Username)))
	buf = append(buf, r.Username...)
	buf = append(buf, byte(len(r.Password)))
	buf = append(buf, r.Password...)
	return buf
}

// ParseUserPassRequest reads the sub-negotiation request.
func ParseUserPassRequest(r *bufio.Reader) (*UserPassRequest, error) {
	var ver [1]byte
	if _, err := readFull(r, ver[:]); err != nil {
		return nil, err
	}
	ulen, err := r.ReadByte()
	if err != nil {
		return nil, relerrors.NewIOError("read socks5 userlen", err)
	}
	uname := make([]byte, ulen)
	if _, err := readFull(r, uname); err != nil {
		return nil, err
	}
	plen, err := r.ReadByte()
	if err != nil {
		return nil, relerrors.NewIOError("read socks5 passlen", err)
	}
	pass := make([]byte, plen)
	if _, err := readFull(r, pass); err != nil {
		return nil, err
	}
	return &UserPassRequest{Username: string(uname), Password: string(pass)}, nil
}

// UserPassReplyOK/UserPassReplyFail are the two sub-negotiation reply forms
// (`01 00` / `01 01`).
var (
	UserPassReplyOK   = []byte{0x01, 0x00}
	UserPassReplyFail = []byte{0x01, 0x01}
)

// ParseUserPassReply reads a 2-byte sub-negotiation reply and reports success.
func ParseUserPassReply(r *bufio.Reader) (bool, error) {
	var buf [2]byte
	if _, err := readFull(r, buf[:]); err != nil {
		return false, err
	}
	return buf[1] == 0x00, nil
}

// Request is a SOCKS5 connect request `05 01 00 atyp addr port`.
type Request struct {
	Command Command
	Dest    *destination.Request
}

// Marshal encodes the request.
func (r *Request) Marshal() ([]byte, error) {
	buf := []byte{Version, byte(r.Command), 0x00}
	return r.Dest.Marshal(buf)
}

// ParseRequest reads a SOCKS5 connect request, already past the method
// negotiation, starting at the version byte.
func ParseRequest(r *bufio.Reader) (*Request, error) {
	var hdr [3]byte
	if _, err := readFull(r, hdr[:]); err != nil {
		return nil, err
	}
	if hdr[0] != Version {
		return nil, relerrors.NewProtocolError("unexpected SOCKS5 version in request", nil)
	}
	dest, err := parseDestination(r)
	if err != nil {
		return nil, err
	}
	return &Request{Command: Command(hdr[1]), Dest: dest}, nil
}

func parseDestination(r *bufio.Reader) (*destination.Request, error) {
	atypB, err := r.ReadByte()
	if err != nil {
		return nil, relerrors.NewIOError("read socks5 atyp", err)
	}
	switch destination.AddrType(atypB) {
	case destination.TypeIPv4:
		var body [6]byte
		if _, err := readFull(r, body[:]); err != nil {
			return nil, err
		}
		d := &destination.Request{Type: destination.TypeIPv4, Port: binary.BigEndian.Uint16(body[4:6])}
		copy(d.IPv4[:], body[:4])
		return d, nil
	case destination.TypeIPv6:
		var body [18]byte
		if _, err := readFull(r, body[:]); err != nil {
			return nil, err
		}
		d := &destination.Request{Type: destination.TypeIPv6, Port: binary.BigEndian.Uint16(body[16:18])}
		copy(d.IPv6[:], body[:16])
		return d, nil
	case destination.TypeDomain:
		dlen, err := r.ReadByte()
		if err != nil {
			return nil, relerrors.NewIOError("read socks5 domain length", err)
		}
		body := make([]byte, int(dlen)+2)
		if _, err := readFull(r, body); err != nil {
			return nil, err
		}
		return &destination.Request{
			Type:   destination.TypeDomain,
			Domain: string(body[:dlen]),
			Port:   binary.BigEndian.Uint16(body[dlen:]),
		}, nil
	default:
		return nil, relerrors.NewProtocolError("invalid SOCKS5 address type", nil)
	}
}

// Reply is a SOCKS5 connect reply `05 status 00 atyp addr port`.
type Reply struct {
	Status Status
	Dest   *destination.Request
}

// Marshal encodes the reply. A nil Dest encodes a zero IPv4 bound address,
// matching how most SOCKS5 servers reply to a CONNECT they don't bother to
// report a real bind address for.
func (r *Reply) Marshal() ([]byte, error) {
	buf := []byte{Version, byte(r.Status), 0x00}
	dest := r.Dest
	if dest == nil {
		dest = &destination.Request{Type: destination.TypeIPv4}
	}
	return dest.Marshal(buf)
}

// ParseReply reads a SOCKS5 connect reply.
func ParseReply(r *bufio.Reader) (*Reply, error) {
	var hdr [3]byte
	if _, err := readFull(r, hdr[:]); err != nil {
		return nil, err
	}
	if hdr[0] != Version {
		return nil, relerrors.NewProtocolError("unexpected SOCKS5 version in reply", nil)
	}
	dest, err := parseDestination(r)
	if err != nil {
		return nil, err
	}
	return &Reply{Status: Status(hdr[1]), Dest: dest}, nil
}
