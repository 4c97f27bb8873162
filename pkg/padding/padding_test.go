package padding

import (
	"testing"

	"github.com/relaycore/tunnel/pkg/iobuf"
)

func TestAddRemoveRoundTrip(t *testing.T) {
	buf := iobuf.CopyBuffer([]byte("hello world"), HeaderSize, MaxPaddingSize)
	if err := Add(buf); err != nil {
		t.Fatalf("Add: %v", err)
	}

	payload, err := Remove(buf)
	if err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if string(payload.Data()) != "hello world" {
		t.Fatalf("unexpected payload: %q", payload.Data())
	}
}

func TestRemoveIncompleteHeader(t *testing.T) {
	buf := iobuf.CopyBuffer([]byte{0x00}, 0, 0)
	if _, err := Remove(buf); err != ErrIncomplete {
		t.Fatalf("expected ErrIncomplete, got %v", err)
	}
}

func TestRemoveIncompletePayload(t *testing.T) {
	buf := iobuf.CopyBuffer([]byte{0x00, 0x05, 0x00, 'h', 'i'}, 0, 0)
	if _, err := Remove(buf); err != ErrIncomplete {
		t.Fatalf("expected ErrIncomplete, got %v", err)
	}
}
