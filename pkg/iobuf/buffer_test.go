package iobuf

import "testing"

func TestBufferPrependAppendTrim(t *testing.T) {
	buf := CopyBuffer([]byte("hello"), 4, 4)
	if buf.Headroom() != 4 || buf.Tailroom() != 4 {
		t.Fatalf("unexpected headroom/tailroom: %d/%d", buf.Headroom(), buf.Tailroom())
	}
	if string(buf.Data()) != "hello" {
		t.Fatalf("unexpected data: %q", buf.Data())
	}

	copy(buf.MutableHead(), []byte("PRE!"))
	buf.Prepend(4)
	if string(buf.Data()) != "PRE!hello" {
		t.Fatalf("prepend failed: %q", buf.Data())
	}

	copy(buf.MutableTail(), []byte("!X"))
	buf.Append(2)
	if string(buf.Data()) != "PRE!hello!X" {
		t.Fatalf("append failed: %q", buf.Data())
	}

	buf.TrimStart(4)
	buf.TrimEnd(2)
	if string(buf.Data()) != "hello" {
		t.Fatalf("trim failed: %q", buf.Data())
	}
}

func TestBufferAdvanceRetreat(t *testing.T) {
	buf := CopyBuffer([]byte("abc"), 0, 5)
	buf.Advance(3)
	if buf.Headroom() != 3 {
		t.Fatalf("advance did not grow headroom: got %d", buf.Headroom())
	}
	if string(buf.Data()) != "abc" {
		t.Fatalf("advance corrupted data: %q", buf.Data())
	}
	buf.Retreat(3)
	if buf.Headroom() != 0 || buf.Tailroom() != 5 {
		t.Fatalf("retreat did not restore room: h=%d t=%d", buf.Headroom(), buf.Tailroom())
	}
	if string(buf.Data()) != "abc" {
		t.Fatalf("retreat corrupted data: %q", buf.Data())
	}
}

func TestBufferReserveNoMoveWhenSufficient(t *testing.T) {
	buf := CopyBuffer([]byte("xyz"), 4, 4)
	before := buf.Data()
	beforePtr := &before[0]
	buf.Reserve(2, 2)
	after := buf.Data()
	if &after[0] != beforePtr {
		t.Fatalf("Reserve moved data when existing room already sufficed")
	}
}

func TestBufferReserveGrows(t *testing.T) {
	buf := CopyBuffer([]byte("xyz"), 0, 0)
	buf.Reserve(10, 10)
	if buf.Headroom() < 10 || buf.Tailroom() < 10 {
		t.Fatalf("Reserve did not grow room: h=%d t=%d", buf.Headroom(), buf.Tailroom())
	}
	if string(buf.Data()) != "xyz" {
		t.Fatalf("Reserve corrupted data: %q", buf.Data())
	}
}

func TestQueueFrontNeverEmpty(t *testing.T) {
	q := NewQueue()
	q.PushBack(CopyBuffer([]byte("ab"), 0, 0))
	q.PushBack(CopyBuffer([]byte("cd"), 0, 0))
	if q.Len() != 2 || q.ByteLen() != 4 {
		t.Fatalf("unexpected queue state: len=%d bytes=%d", q.Len(), q.ByteLen())
	}

	q.TrimFront(2) // drains the first buffer exactly; it must be popped
	if q.Len() != 1 {
		t.Fatalf("expected front buffer to be popped once drained, len=%d", q.Len())
	}
	if string(q.Front().Data()) != "cd" {
		t.Fatalf("unexpected front after pop: %q", q.Front().Data())
	}
}

func TestQueueRejectsEmptyPush(t *testing.T) {
	q := NewQueue()
	q.PushBack(CopyBuffer(nil, 0, 0))
	if q.Len() != 0 {
		t.Fatalf("expected empty push to be rejected, len=%d", q.Len())
	}
}

func TestQueuePushBytesFusesIntoTail(t *testing.T) {
	q := NewQueue()
	first := New(8)
	first.Write([]byte("ab"))
	q.PushBack(first)
	q.PushBytes([]byte("cd"))
	if q.Len() != 1 {
		t.Fatalf("expected back-fusion to avoid a new buffer, len=%d", q.Len())
	}
	if string(q.Front().Data()) != "abcd" {
		t.Fatalf("unexpected fused data: %q", q.Front().Data())
	}
}

func TestQueuePushBytesAllocatesWhenNoTailroom(t *testing.T) {
	q := NewQueue()
	q.PushBack(CopyBuffer([]byte("ab"), 0, 0))
	q.PushBytes([]byte("cd"))
	if q.Len() != 2 {
		t.Fatalf("expected new buffer when tail has no tailroom, len=%d", q.Len())
	}
}

func concatQueue(q *Queue) []byte {
	var out []byte
	for _, b := range q.items {
		out = append(out, b.Data()...)
	}
	return out
}

func TestQueueConcatenationInvariant(t *testing.T) {
	q := NewQueue()
	q.PushBytes([]byte("foo"))
	q.PushBack(CopyBuffer([]byte("bar"), 0, 0))
	q.PushBytes([]byte("baz"))
	q.TrimFront(1)
	if got := string(concatQueue(q)); got != "oobarbaz" {
		t.Fatalf("unexpected concatenation: %q", got)
	}
}
