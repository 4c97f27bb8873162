package pipe

import "io"

// Duplex is a full-duplex stream whose two halves can be piped
// independently and half-closed independently — the shape both
// pkg/socket.Socket and pkg/h2tunnel.Conn satisfy.
type Duplex interface {
	io.Reader
	io.Writer
}

// RunBidirectional pipes a<->b concurrently, one goroutine per direction,
// each with its own optional rate limiter, and returns once both
// directions have finished. Each direction ends when its source reaches
// EOF (the EOF is passed on as a half-close of the destination) or when a
// read or write fails; the first direction's error, if any, is returned,
// matching the client/server connection state machines' full-duplex
// teardown in §4.7/§4.8.
func RunBidirectional(a, b Duplex, aToBLimiter, bToALimiter *RateLimiter) (upstream, downstream Stats, err error) {
	type result struct {
		stats Stats
		err   error
	}
	doneAB := make(chan result, 1)
	doneBA := make(chan result, 1)

	go func() {
		stats, err := Copy(b, a, aToBLimiter)
		doneAB <- result{stats, err}
	}()
	go func() {
		stats, err := Copy(a, b, bToALimiter)
		doneBA <- result{stats, err}
	}()

	rab := <-doneAB
	rba := <-doneBA

	if rab.err != nil {
		return rab.stats, rba.stats, rab.err
	}
	return rab.stats, rba.stats, rba.err
}
