package pipe

import (
	"bytes"
	"testing"
	"time"
)

func TestCopyMovesAllBytes(t *testing.T) {
	src := bytes.NewReader(bytes.Repeat([]byte("x"), 100*1024))
	var dst bytes.Buffer

	stats, err := Copy(&dst, src, nil)
	if err != nil {
		t.Fatalf("Copy: %v", err)
	}
	if stats.BytesTransferred != 100*1024 {
		t.Fatalf("unexpected byte count: %d", stats.BytesTransferred)
	}
	if dst.Len() != 100*1024 {
		t.Fatalf("unexpected dst length: %d", dst.Len())
	}
}

func TestRateLimiterDelaysOverBudget(t *testing.T) {
	rl := NewRateLimiter(1000) // 1000 bytes/sec
	start := time.Now()
	rl.Record(5000) // instantaneously "transferred" 5x the per-second budget
	wait := rl.Wait(start)
	if wait <= 0 {
		t.Fatalf("expected a positive wait after exceeding budget, got %v", wait)
	}
}

func TestRateLimiterUnlimitedNeverWaits(t *testing.T) {
	rl := NewRateLimiter(0)
	rl.Record(1 << 30)
	if wait := rl.Wait(time.Now()); wait != 0 {
		t.Fatalf("expected zero wait for unlimited rate, got %v", wait)
	}
}
