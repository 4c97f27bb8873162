package padding

import (
	"io"

	relerrors "github.com/relaycore/tunnel/pkg/errors"
	"github.com/relaycore/tunnel/pkg/iobuf"
)

// Conn wraps an io.ReadWriter and transparently applies the padding
// envelope (spec.md §4.2) to the first FirstPaddings units written and
// read in each direction, then passes everything after that straight
// through. Negotiating whether both peers actually want padding is the
// caller's job; Conn itself always pads/unpads once constructed.
type Conn struct {
	rw io.ReadWriter

	writes  int
	reads   int
	pending []byte
}

// NewConn returns a Conn that pads writes to and unpads reads from rw.
func NewConn(rw io.ReadWriter) *Conn {
	return &Conn{rw: rw}
}

// Write envelopes p if fewer than FirstPaddings writes have happened so
// far, otherwise writes it unmodified. On success it reports len(p),
// never the padded wire length, so callers see ordinary io.Writer
// semantics regardless of padding state.
func (c *Conn) Write(p []byte) (int, error) {
	if c.writes >= FirstPaddings {
		return c.rw.Write(p)
	}
	buf := iobuf.CopyBuffer(p, HeaderSize, MaxPaddingSize)
	if err := Add(buf); err != nil {
		return 0, err
	}
	if _, err := c.rw.Write(buf.Data()); err != nil {
		return 0, err
	}
	c.writes++
	return len(p), nil
}

// Read unwraps one envelope per call until FirstPaddings reads have
// happened, after which it reads straight from rw.
func (c *Conn) Read(p []byte) (int, error) {
	if len(c.pending) > 0 {
		n := copy(p, c.pending)
		c.pending = c.pending[n:]
		return n, nil
	}
	if c.reads >= FirstPaddings {
		return c.rw.Read(p)
	}
	payload, err := c.readEnvelope()
	if err != nil {
		return 0, err
	}
	c.reads++
	n := copy(p, payload)
	c.pending = payload[n:]
	return n, nil
}

// CloseWrite forwards the half-close to rw when it supports one, so a
// padded tunnel still participates in the pump's half-close handshake
// (§4.6) the same as an unpadded one.
func (c *Conn) CloseWrite() error {
	if hc, ok := c.rw.(interface{ CloseWrite() error }); ok {
		return hc.CloseWrite()
	}
	return nil
}

func (c *Conn) readEnvelope() ([]byte, error) {
	var header [HeaderSize]byte
	if _, err := io.ReadFull(c.rw, header[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, relerrors.NewIOError("read padding envelope header", err)
	}
	payloadSize := int(header[0])<<8 | int(header[1])
	paddingSize := int(header[2])

	rest := make([]byte, payloadSize+paddingSize)
	if _, err := io.ReadFull(c.rw, rest); err != nil {
		return nil, relerrors.NewIOError("read padding envelope body", err)
	}
	return rest[:payloadSize], nil
}
