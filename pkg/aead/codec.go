package aead

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"io"

	relerrors "github.com/relaycore/tunnel/pkg/errors"
)

// MaxChunkSize is the largest plaintext payload one record may carry; the
// 14-bit length cell cannot address more (§4.1/§6).
const MaxChunkSize = 0x3FFF

// chunkSizeMask truncates an oversized length cell down to the 14 bits the
// wire format actually carries.
const chunkSizeMask = 0x3FFF

// Writer encodes a stream of plaintext writes into AEAD chunk records and
// writes them to the wrapped io.Writer. Each record is two seals: a 2-byte
// big-endian length cell, then the payload, each under its own nonce
// (incremented after every seal, matching the original implementation's
// "two AEAD invocations per record" framing).
type Writer struct {
	w     io.Writer
	aead  cipher.AEAD
	nonce []byte
	buf   []byte
}

// NewWriter wraps w, sealing with aead. salt must already have been written
// to w by the caller (the salt precedes the first record, unencrypted).
func NewWriter(w io.Writer, aead cipher.AEAD) *Writer {
	return &Writer{
		w:     w,
		aead:  aead,
		nonce: make([]byte, aead.NonceSize()),
	}
}

// Write splits p into MaxChunkSize chunks and writes one sealed record per
// chunk, returning the number of plaintext bytes written.
func (wr *Writer) Write(p []byte) (int, error) {
	total := 0
	for len(p) > 0 {
		n := len(p)
		if n > MaxChunkSize {
			n = MaxChunkSize
		}
		if err := wr.writeChunk(p[:n]); err != nil {
			return total, err
		}
		total += n
		p = p[n:]
	}
	return total, nil
}

func (wr *Writer) writeChunk(chunk []byte) error {
	overhead := wr.aead.Overhead()
	need := 2 + overhead + len(chunk) + overhead
	if cap(wr.buf) < need {
		wr.buf = make([]byte, need)
	}
	buf := wr.buf[:need]

	var lenCell [2]byte
	binary.BigEndian.PutUint16(lenCell[:], uint16(len(chunk)))
	sealed := wr.aead.Seal(buf[:0], wr.nonce, lenCell[:], nil)
	incrementNonce(wr.nonce)

	sealed = wr.aead.Seal(sealed, wr.nonce, chunk, nil)
	incrementNonce(wr.nonce)

	if _, err := wr.w.Write(sealed); err != nil {
		return relerrors.NewIOError("write aead chunk", err)
	}
	return nil
}

// Reader decodes a stream of AEAD chunk records, presenting the
// concatenated plaintext payloads as a flat io.Reader.
type Reader struct {
	r      io.Reader
	aead   cipher.AEAD
	nonce  []byte
	lenBuf []byte
	pending []byte
}

// NewReader wraps r, opening records with aead. The caller must have
// already consumed the salt that precedes the first record.
func NewReader(r io.Reader, aead cipher.AEAD) *Reader {
	overhead := aead.Overhead()
	return &Reader{
		r:      r,
		aead:   aead,
		nonce:  make([]byte, aead.NonceSize()),
		lenBuf: make([]byte, 2+overhead),
	}
}

// Read fills p with decoded plaintext, reading and decrypting further
// records from the underlying stream as needed.
func (rd *Reader) Read(p []byte) (int, error) {
	if len(rd.pending) == 0 {
		if err := rd.readChunk(); err != nil {
			return 0, err
		}
	}
	n := copy(p, rd.pending)
	rd.pending = rd.pending[n:]
	return n, nil
}

func (rd *Reader) readChunk() error {
	if _, err := io.ReadFull(rd.r, rd.lenBuf); err != nil {
		if err == io.EOF {
			return io.EOF
		}
		return relerrors.NewIOError("read aead length cell", err)
	}
	lenCell, err := rd.aead.Open(rd.lenBuf[:0], rd.nonce, rd.lenBuf, nil)
	if err != nil {
		return relerrors.NewProtocolError("aead length cell authentication failed", err)
	}
	incrementNonce(rd.nonce)

	size := int(binary.BigEndian.Uint16(lenCell)) & chunkSizeMask
	overhead := rd.aead.Overhead()
	sealed := make([]byte, size+overhead)
	if _, err := io.ReadFull(rd.r, sealed); err != nil {
		return relerrors.NewIOError("read aead payload", err)
	}
	payload, err := rd.aead.Open(sealed[:0], rd.nonce, sealed, nil)
	if err != nil {
		return relerrors.NewProtocolError("aead payload authentication failed", err)
	}
	incrementNonce(rd.nonce)

	rd.pending = payload
	return nil
}

// GenerateSalt returns a cryptographically random salt of the given size,
// to be written unencrypted ahead of the first record of a connection.
func GenerateSalt(size int) ([]byte, error) {
	salt := make([]byte, size)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, relerrors.NewUnexpectedError("aead.GenerateSalt", "reading random salt", err)
	}
	return salt, nil
}
