// Package padding implements the length-obfuscation envelope of spec.md
// §4.2: the first FirstPaddings data units sent in each direction are
// wrapped as `payload_len(u16BE) || padding_len(u8) || payload ||
// zero-padding`, so a passive observer cannot fingerprint the connection by
// its first few record sizes.
//
// Grounded on original_source/src/net/padding.{hpp,cpp}.
package padding

import (
	"crypto/rand"
	"math/big"

	"github.com/relaycore/tunnel/pkg/iobuf"
)

// FirstPaddings is the number of leading data units padded per direction.
const FirstPaddings = 8

// HeaderSize is the length of the payload_len+padding_len prefix.
const HeaderSize = 3

// MaxPaddingSize is the largest padding_len the u8 field can carry.
const MaxPaddingSize = 255

// Add wraps buf's current contents in the padding envelope, choosing a
// random padding length in [0, MaxPaddingSize]. buf's payload must not
// exceed 0xFFFF bytes.
func Add(buf *iobuf.Buffer) error {
	payloadSize := buf.Length()
	n, err := rand.Int(rand.Reader, big.NewInt(MaxPaddingSize+1))
	if err != nil {
		return err
	}
	paddingSize := int(n.Int64())

	buf.Reserve(HeaderSize, paddingSize)
	head := buf.MutableHead()
	head[0] = byte(payloadSize >> 8)
	head[1] = byte(payloadSize & 0xff)
	head[2] = byte(paddingSize)

	tail := buf.MutableTail()
	for i := 0; i < paddingSize; i++ {
		tail[i] = 0
	}

	buf.Prepend(HeaderSize)
	buf.Append(paddingSize)
	return nil
}

// ErrIncomplete is returned by Remove when buf does not yet hold a full
// envelope; the caller should read more data and retry.
var ErrIncomplete = errIncomplete{}

type errIncomplete struct{}

func (errIncomplete) Error() string { return "padding: incomplete envelope" }

// Remove strips one padding envelope from the front of buf and returns the
// unwrapped payload as a new Buffer. It returns ErrIncomplete if buf does
// not yet hold enough bytes for a full envelope.
func Remove(buf *iobuf.Buffer) (*iobuf.Buffer, error) {
	if buf.Length() < HeaderSize {
		return nil, ErrIncomplete
	}
	data := buf.Data()
	payloadSize := int(data[0])<<8 + int(data[1])
	paddingSize := int(data[2])
	if buf.Length() < HeaderSize+payloadSize+paddingSize {
		return nil, ErrIncomplete
	}

	buf.TrimStart(HeaderSize)
	payload := iobuf.CopyBuffer(buf.Data()[:payloadSize], 0, 0)
	buf.TrimStart(payloadSize + paddingSize)
	return payload, nil
}
