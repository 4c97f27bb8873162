package pipe

import (
	"time"

	"github.com/relaycore/tunnel/pkg/constants"
)

// RateLimiter throttles one direction of a pipe to a target bytes/sec,
// rotating its measurement window every RateWindowRotate so a transient
// burst several windows ago stops depressing the current rate (§4.6).
//
// Grounded on original_source/src/net/stream.hpp's pgrsLimitWaitTime and
// ratelimit() functions.
type RateLimiter struct {
	limit int64 // bytes/sec; zero means unlimited

	windowStart      time.Time
	windowStartBytes int64
	transferred      int64
}

// NewRateLimiter returns a limiter capping throughput at limitBytesPerSec.
// A zero limit disables throttling.
func NewRateLimiter(limitBytesPerSec int64) *RateLimiter {
	return &RateLimiter{limit: limitBytesPerSec}
}

// Record accounts for n additional bytes transferred.
func (r *RateLimiter) Record(n int64) {
	r.transferred += n
}

// Wait returns how long the caller should sleep before transferring more
// data to stay at or under the configured rate, given the current time.
// It also rotates the measurement window once RateWindowRotate has
// elapsed since the window began (original_source's MIN_RATE_LIMIT_PERIOD).
func (r *RateLimiter) Wait(now time.Time) time.Duration {
	if r.limit <= 0 {
		return 0
	}
	if r.windowStart.IsZero() {
		r.windowStart = now
	}

	size := r.transferred - r.windowStartBytes
	if size <= 0 {
		r.maybeRotate(now)
		return 0
	}

	minimumMillis := int64(1000) * size / r.limit
	actualMillis := now.Sub(r.windowStart).Milliseconds()

	r.maybeRotate(now)

	if actualMillis < minimumMillis {
		return time.Duration(minimumMillis-actualMillis) * time.Millisecond
	}
	return 0
}

// maybeRotate resets the window origin once it has been open for at least
// RateWindowRotate, so the rate measurement tracks recent throughput
// instead of the whole connection's lifetime average.
func (r *RateLimiter) maybeRotate(now time.Time) {
	if now.Sub(r.windowStart) >= constants.RateWindowRotate {
		r.windowStart = now
		r.windowStartBytes = r.transferred
	}
}
