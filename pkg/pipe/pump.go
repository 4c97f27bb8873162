// Package pipe implements the yielding pump scheduler of spec.md §4.6: a
// read→process→write loop per direction bounded by byte and time budgets,
// preserving in-order delivery within a direction, propagating half-close
// on EOF, and optionally rate-limited.
//
// Grounded on original_source/src/cli/cli_connection.cpp (ReadStream/
// ReadUpstreamAsync's bytes_read_without_yielding / yield_after_time
// bookkeeping) and src/cli/socks5_connection.cpp's kYieldAfterBytesRead /
// kYieldAfterDurationMilliseconds constants.
package pipe

import (
	"io"
	"time"

	"github.com/relaycore/tunnel/pkg/constants"
	relerrors "github.com/relaycore/tunnel/pkg/errors"
	"github.com/relaycore/tunnel/pkg/iobuf"
)

// HalfCloser is implemented by destinations that support a write-side
// half-close (e.g. pkg/socket.Socket.CloseWrite) to signal EOF to the peer
// without tearing down the whole connection.
type HalfCloser interface {
	CloseWrite() error
}

// Stats reports the bytes moved by one Copy call, for callers that track
// per-direction transfer counters (mirroring rbytes_transferred/
// wbytes_transferred in the original implementation).
type Stats struct {
	BytesTransferred int64
}

// Copy pumps bytes from src to dst until src returns io.EOF or an error
// occurs, yielding control (via a short sleep) after YieldAfterBytes bytes
// or YieldAfterDuration of continuous transfer, whichever comes first, so
// one direction of one connection cannot starve the scheduler of a
// multiplexed server. If limiter is non-nil, it is consulted before every
// read to cap throughput. If dst implements HalfCloser, its write side is
// half-closed once src reaches EOF, leaving dst readable (§4.6 half-close
// semantics).
func Copy(dst io.Writer, src io.Reader, limiter *RateLimiter) (Stats, error) {
	const readUnit = constants.DefaultBufferSize * 8 // 32KiB read unit
	queue := iobuf.NewQueue()
	var stats Stats
	bytesSinceYield := 0
	yieldDeadline := time.Now().Add(constants.YieldAfterDuration)

	for {
		if limiter != nil {
			if wait := limiter.Wait(time.Now()); wait > 0 {
				time.Sleep(wait)
			}
		}

		readBuf := iobuf.New(readUnit)
		n, readErr := src.Read(readBuf.MutableTail())
		if n > 0 {
			readBuf.Append(n)
			queue.PushBack(readBuf)
		}

		// Drain the queue (§4.6: "ask the source for the next ready buffer...
		// pop fully-drained buffers from the queue") before checking readErr,
		// so a final read that returns n>0 with io.EOF still gets flushed.
		for !queue.Empty() {
			front := queue.Front()
			written, writeErr := writeFull(dst, front.Data())
			if written > 0 {
				queue.TrimFront(written)
				stats.BytesTransferred += int64(written)
				if limiter != nil {
					limiter.Record(int64(written))
				}
				bytesSinceYield += written
			}
			if writeErr != nil {
				return stats, relerrors.NewIOError("pipe write", writeErr)
			}
		}

		if readErr != nil {
			if readErr == io.EOF {
				if hc, ok := dst.(HalfCloser); ok {
					if err := hc.CloseWrite(); err != nil {
						return stats, relerrors.NewIOError("pipe half-close", err)
					}
				}
				return stats, nil
			}
			return stats, relerrors.NewIOError("pipe read", readErr)
		}

		now := time.Now()
		if bytesSinceYield >= constants.YieldAfterBytes || now.After(yieldDeadline) {
			time.Sleep(constants.CooperativeDelay)
			bytesSinceYield = 0
			yieldDeadline = now.Add(constants.YieldAfterDuration)
		}
	}
}

func writeFull(w io.Writer, p []byte) (int, error) {
	written := 0
	for written < len(p) {
		n, err := w.Write(p[written:])
		written += n
		if err != nil {
			return written, err
		}
	}
	return written, nil
}
