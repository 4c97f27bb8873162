// Package iobuf implements the growable byte buffer and buffer queue of
// spec.md §3 and §4.3: a contiguous region with head/data/tail/end cursors
// that supports prepend, append, trim and reserve without needless
// reallocation, and a FIFO of such buffers. The padding obfuscator builds
// its envelopes in a Buffer; the pipe scheduler stages reads in a Queue.
//
// Grounded on original_source/src/core/iobuf.{hpp,cpp} (the headroom/
// tailroom cursor model) and the teacher's pkg/buffer (mutex-free, single
// owner, doc-comment density).
package iobuf

import "fmt"

// Buffer is a contiguous byte region owned exclusively by its current
// holder. head is always offset 0 of buf; end is always len(buf); only data
// and tail move within that fixed backing array, except across Reserve
// which may reallocate.
type Buffer struct {
	buf  []byte
	data int
	tail int
}

// New allocates a Buffer with the given total capacity and zero headroom.
func New(capacity int) *Buffer {
	return &Buffer{buf: make([]byte, capacity)}
}

// CopyBuffer allocates exactly headroom+len(src)+tailroom bytes and copies
// src into the data region (§4.3).
func CopyBuffer(src []byte, headroom, tailroom int) *Buffer {
	buf := make([]byte, headroom+len(src)+tailroom)
	copy(buf[headroom:], src)
	return &Buffer{buf: buf, data: headroom, tail: headroom + len(src)}
}

// Headroom returns the number of unused bytes before the data region.
func (b *Buffer) Headroom() int { return b.data }

// Length returns the number of bytes in the data region.
func (b *Buffer) Length() int { return b.tail - b.data }

// Tailroom returns the number of unused bytes after the data region.
func (b *Buffer) Tailroom() int { return len(b.buf) - b.tail }

// Capacity returns headroom+length+tailroom.
func (b *Buffer) Capacity() int { return len(b.buf) }

// Empty reports whether Length is zero.
func (b *Buffer) Empty() bool { return b.tail == b.data }

// Data returns the current data region. The slice aliases the buffer's
// backing array and is invalidated by any mutating call below.
func (b *Buffer) Data() []byte { return b.buf[b.data:b.tail] }

// MutableTail returns the tailroom region to fill before calling Append.
func (b *Buffer) MutableTail() []byte { return b.buf[b.tail:] }

// MutableHead returns the headroom region to fill before calling Prepend;
// the last len(b.MutableHead()) bytes of it become the new data start.
func (b *Buffer) MutableHead() []byte { return b.buf[:b.data] }

// Append consumes n bytes of tailroom, extending the data region. The
// caller must have already written those n bytes into MutableTail().
func (b *Buffer) Append(n int) {
	if n > b.Tailroom() {
		panic(fmt.Sprintf("iobuf: Append(%d) exceeds tailroom %d", n, b.Tailroom()))
	}
	b.tail += n
}

// Prepend consumes n bytes of headroom, extending the data region
// backwards. The caller must have already written those n bytes into the
// tail of MutableHead().
func (b *Buffer) Prepend(n int) {
	if n > b.Headroom() {
		panic(fmt.Sprintf("iobuf: Prepend(%d) exceeds headroom %d", n, b.Headroom()))
	}
	b.data -= n
}

// TrimStart shrinks the data region by n bytes from the front, growing
// headroom. It does not move bytes.
func (b *Buffer) TrimStart(n int) {
	if n > b.Length() {
		panic(fmt.Sprintf("iobuf: TrimStart(%d) exceeds length %d", n, b.Length()))
	}
	b.data += n
}

// TrimEnd shrinks the data region by n bytes from the back, growing
// tailroom. It does not move bytes.
func (b *Buffer) TrimEnd(n int) {
	if n > b.Length() {
		panic(fmt.Sprintf("iobuf: TrimEnd(%d) exceeds length %d", n, b.Length()))
	}
	b.tail -= n
}

// Advance shifts the data region forward by n bytes via memmove, consuming
// tailroom to grow headroom. Legal only while n <= Tailroom().
func (b *Buffer) Advance(n int) {
	if n > b.Tailroom() {
		panic(fmt.Sprintf("iobuf: Advance(%d) exceeds tailroom %d", n, b.Tailroom()))
	}
	if n > 0 {
		copy(b.buf[b.data+n:b.tail+n], b.buf[b.data:b.tail])
		b.data += n
		b.tail += n
	}
}

// Retreat shifts the data region backward by n bytes via memmove, consuming
// headroom to grow tailroom. Legal only while n <= Headroom().
func (b *Buffer) Retreat(n int) {
	if n > b.Headroom() {
		panic(fmt.Sprintf("iobuf: Retreat(%d) exceeds headroom %d", n, b.Headroom()))
	}
	if n > 0 {
		copy(b.buf[b.data-n:b.tail-n], b.buf[b.data:b.tail])
		b.data -= n
		b.tail -= n
	}
}

// Reserve grows the region so at least minHeadroom and minTailroom are
// available, reallocating and copying the data region if (and only if) the
// current headroom or tailroom falls short (§4.3).
func (b *Buffer) Reserve(minHeadroom, minTailroom int) {
	if b.Headroom() >= minHeadroom && b.Tailroom() >= minTailroom {
		return
	}
	if h := b.Headroom(); h > minHeadroom {
		minHeadroom = h
	}
	if t := b.Tailroom(); t > minTailroom {
		minTailroom = t
	}
	length := b.Length()
	newBuf := make([]byte, minHeadroom+length+minTailroom)
	copy(newBuf[minHeadroom:minHeadroom+length], b.Data())
	b.buf = newBuf
	b.data = minHeadroom
	b.tail = minHeadroom + length
}

// Write appends p to the data region, growing tailroom first if needed. It
// always succeeds, satisfying io.Writer.
func (b *Buffer) Write(p []byte) (int, error) {
	if len(p) > b.Tailroom() {
		b.Reserve(b.Headroom(), len(p))
	}
	n := copy(b.MutableTail(), p)
	b.Append(n)
	return n, nil
}

// Clone returns a deep copy that shares no backing array with b.
func (b *Buffer) Clone() *Buffer {
	return CopyBuffer(b.Data(), b.Headroom(), b.Tailroom())
}
