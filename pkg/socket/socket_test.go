package socket

import (
	"net"
	"testing"
	"time"
)

func TestSocketReadWriteRoundTrip(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	serverSock := New(server)
	clientSock := New(client)

	done := make(chan struct{})
	go func() {
		defer close(done)
		buf, err := serverSock.Peek(5)
		if err != nil {
			t.Errorf("Peek: %v", err)
			return
		}
		if string(buf) != "hello" {
			t.Errorf("unexpected peek: %q", buf)
		}
		full := make([]byte, 11)
		if _, err := readFullFrom(serverSock, full); err != nil {
			t.Errorf("read: %v", err)
		}
		if string(full) != "hello world" {
			t.Errorf("unexpected read: %q", full)
		}
	}()

	if _, err := clientSock.Write([]byte("hello world")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for server goroutine")
	}
}

func readFullFrom(s *Socket, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := s.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
