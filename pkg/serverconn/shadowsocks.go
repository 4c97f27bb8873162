package serverconn

import (
	"context"
	"encoding/binary"
	"io"

	"github.com/relaycore/tunnel/pkg/aead"
	"github.com/relaycore/tunnel/pkg/destination"
	relerrors "github.com/relaycore/tunnel/pkg/errors"
	"github.com/relaycore/tunnel/pkg/pipe"
	"github.com/relaycore/tunnel/pkg/socket"
)

// handleShadowsocks implements the shadowsocks-AEAD demux branch of §4.8:
// read the client's salt, derive the read key, read one ss::request header
// off the decrypted stream, dial the origin, then reply with our own salt
// and tunnel everything else bidirectionally.
func (h *Handler) handleShadowsocks(ctx context.Context, sock *socket.Socket) error {
	method := aead.Method(h.Config.CipherMethod)
	masterKey, err := aead.DeriveMasterKey(method, h.Config.Passphrase())
	if err != nil {
		return err
	}
	saltSize, err := aead.SaltSize(method)
	if err != nil {
		return err
	}

	clientSalt := make([]byte, saltSize)
	if _, err := io.ReadFull(sock, clientSalt); err != nil {
		return relerrors.NewIOError("read aead client salt", err)
	}
	readerAEAD, err := aead.NewAEAD(method, masterKey, clientSalt)
	if err != nil {
		return err
	}
	r := aead.NewReader(sock, readerAEAD)

	dest, err := readDestinationHeader(r)
	if err != nil {
		return err
	}

	origin, err := h.dialOrigin(ctx, dest.HostPort())
	if err != nil {
		return err
	}
	defer origin.Close()

	serverSalt, err := aead.GenerateSalt(saltSize)
	if err != nil {
		return err
	}
	if _, err := sock.Write(serverSalt); err != nil {
		return relerrors.NewIOError("write aead server salt", err)
	}
	writerAEAD, err := aead.NewAEAD(method, masterKey, serverSalt)
	if err != nil {
		return err
	}
	w := aead.NewWriter(sock, writerAEAD)

	tunnel := &aeadTunnel{r: r, w: w, sock: sock}
	_, _, err = pipe.RunBidirectional(tunnel, origin, nil, nil)
	return err
}

// aeadTunnel adapts an aead.Reader/Writer pair sharing one underlying
// socket into the pipe.Duplex shape. It has no Close method; the
// underlying socket is closed by the caller's defer.
type aeadTunnel struct {
	r    *aead.Reader
	w    *aead.Writer
	sock *socket.Socket
}

func (t *aeadTunnel) Read(p []byte) (int, error)  { return t.r.Read(p) }
func (t *aeadTunnel) Write(p []byte) (int, error) { return t.w.Write(p) }

// CloseWrite half-closes the underlying socket (§4.6); the AEAD chunk
// framing carries no close record of its own.
func (t *aeadTunnel) CloseWrite() error { return t.sock.CloseWrite() }

// readDestinationHeader parses the atyp/addr/port header (spec.md §6) off
// r one field at a time, since the decrypted AEAD stream has no length
// prefix the way a buffered SOCKS5 parse does.
func readDestinationHeader(r io.Reader) (*destination.Request, error) {
	var atyp [1]byte
	if _, err := io.ReadFull(r, atyp[:]); err != nil {
		return nil, relerrors.NewIOError("read destination atyp", err)
	}

	req := &destination.Request{Type: destination.AddrType(atyp[0])}
	switch req.Type {
	case destination.TypeIPv4:
		if _, err := io.ReadFull(r, req.IPv4[:]); err != nil {
			return nil, relerrors.NewIOError("read ipv4 destination", err)
		}
	case destination.TypeIPv6:
		if _, err := io.ReadFull(r, req.IPv6[:]); err != nil {
			return nil, relerrors.NewIOError("read ipv6 destination", err)
		}
	case destination.TypeDomain:
		var dlen [1]byte
		if _, err := io.ReadFull(r, dlen[:]); err != nil {
			return nil, relerrors.NewIOError("read domain length", err)
		}
		domain := make([]byte, dlen[0])
		if _, err := io.ReadFull(r, domain); err != nil {
			return nil, relerrors.NewIOError("read domain destination", err)
		}
		req.Domain = string(domain)
	default:
		return nil, relerrors.NewProtocolError("invalid destination address type", nil)
	}

	var portBuf [2]byte
	if _, err := io.ReadFull(r, portBuf[:]); err != nil {
		return nil, relerrors.NewIOError("read destination port", err)
	}
	req.Port = binary.BigEndian.Uint16(portBuf[:])
	return req, nil
}
