package padding

import (
	"bytes"
	"io"
	"testing"
)

// loopback is an in-memory io.ReadWriter: writes append to a buffer, reads
// drain it, standing in for the underlying h2tunnel.Conn/net.Conn.
type loopback struct {
	buf bytes.Buffer
}

func (l *loopback) Write(p []byte) (int, error) { return l.buf.Write(p) }
func (l *loopback) Read(p []byte) (int, error) {
	if l.buf.Len() == 0 {
		return 0, io.EOF
	}
	return l.buf.Read(p)
}

func TestConnWriteEnvelopesFirstEightUnits(t *testing.T) {
	lb := &loopback{}
	c := NewConn(lb)

	for i := 0; i < FirstPaddings; i++ {
		if _, err := c.Write([]byte("unit")); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}
	// Each of the first FirstPaddings writes must be wrapped: at least
	// HeaderSize+len("unit") bytes landed on the wire per write.
	if lb.buf.Len() < FirstPaddings*(HeaderSize+4) {
		t.Fatalf("expected padded envelopes on the wire, got %d bytes", lb.buf.Len())
	}

	lb.buf.Reset()
	if _, err := c.Write([]byte("unit")); err != nil {
		t.Fatalf("write past FirstPaddings: %v", err)
	}
	if lb.buf.Len() != 4 {
		t.Fatalf("expected unwrapped passthrough after FirstPaddings writes, got %d bytes", lb.buf.Len())
	}
}

func TestConnReadUnwrapsEnvelopesThenPassesThrough(t *testing.T) {
	lb := &loopback{}
	writer := NewConn(lb)
	reader := NewConn(lb)

	for i := 0; i < FirstPaddings+2; i++ {
		payload := []byte("payload-data")
		if _, err := writer.Write(payload); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
		got := make([]byte, len(payload))
		if _, err := io.ReadFull(reader, got); err != nil {
			t.Fatalf("read %d: %v", i, err)
		}
		if !bytes.Equal(got, payload) {
			t.Fatalf("round trip %d mismatch: got %q", i, got)
		}
	}
}
