package iobuf

// Queue is a FIFO of Buffers with running item-count and byte-sum counters
// (§3). The front buffer is never empty: a buffer whose length reaches zero
// after TrimStart is popped immediately.
type Queue struct {
	items []*Buffer
	bytes int64
}

// NewQueue returns an empty Queue.
func NewQueue() *Queue { return &Queue{} }

// Len returns the number of buffers queued.
func (q *Queue) Len() int { return len(q.items) }

// ByteLen returns the total bytes queued across all buffers.
func (q *Queue) ByteLen() int64 { return q.bytes }

// Empty reports whether the queue holds no buffers.
func (q *Queue) Empty() bool { return len(q.items) == 0 }

// PushBack appends buf to the queue. An empty buffer is rejected (§4.3).
func (q *Queue) PushBack(buf *Buffer) {
	if buf == nil || buf.Empty() {
		return
	}
	q.items = append(q.items, buf)
	q.bytes += int64(buf.Length())
}

// PushBytes appends p to the queue, fusing into the current tail buffer's
// tailroom when there is room — the back-fusion optimization of §4.3 that
// keeps streams of small writes from fragmenting into many tiny buffers.
func (q *Queue) PushBytes(p []byte) {
	if len(p) == 0 {
		return
	}
	if n := len(q.items); n > 0 {
		tail := q.items[n-1]
		if tail.Tailroom() >= len(p) {
			tail.Write(p)
			q.bytes += int64(len(p))
			return
		}
	}
	q.PushBack(CopyBuffer(p, 0, 0))
}

// Front returns the first buffer without removing it, or nil if empty.
func (q *Queue) Front() *Buffer {
	if len(q.items) == 0 {
		return nil
	}
	return q.items[0]
}

// TrimFront removes n bytes from the front buffer's data region, popping it
// immediately if that drains it to empty (§3 invariant).
func (q *Queue) TrimFront(n int) {
	if len(q.items) == 0 || n == 0 {
		return
	}
	front := q.items[0]
	front.TrimStart(n)
	q.bytes -= int64(n)
	if front.Empty() {
		q.PopFront()
	}
}

// PopFront removes and discards the front buffer.
func (q *Queue) PopFront() {
	if len(q.items) == 0 {
		return
	}
	q.bytes -= int64(q.items[0].Length())
	q.items[0] = nil
	q.items = q.items[1:]
}

// Reset discards every queued buffer.
func (q *Queue) Reset() {
	q.items = nil
	q.bytes = 0
}
