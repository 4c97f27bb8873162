// Package constants defines magic numbers and default values shared across
// the relay core (buffer sizing, pump yield budgets, AEAD/padding limits).
package constants

import "time"

// Connection timeouts.
const (
	DefaultConnectTimeout = 10 * time.Second
	DefaultIdleTimeout    = 90 * time.Second
)

// Pipe scheduler yield budgets (§4.6).
const (
	// YieldAfterBytes caps how many bytes a single pump pass moves before
	// cooperatively re-posting, so one connection cannot starve the rest.
	YieldAfterBytes = 32 * 1024
	// YieldAfterDuration caps how long a single pump pass may run.
	YieldAfterDuration = 20 * time.Millisecond
	// CooperativeDelay is the small pause used to avoid a read/write livelock
	// when a pump yields with an empty source queue.
	CooperativeDelay = 10 * time.Microsecond
	// RateWindowRotate is the minimum lifetime of a rate-limit window (§4.6).
	RateWindowRotate = 3000 * time.Millisecond
)

// AEAD chunk codec limits (§4.1, §6).
const (
	// MaxChunkSize is the largest plaintext payload carried by one AEAD record.
	MaxChunkSize = 0x3FFF
	// ChunkSizeMask masks the reserved top two bits of the length cell.
	ChunkSizeMask = 0x3FFF
	// ChunkLenSize is the width of the length cell before AEAD sealing.
	ChunkLenSize = 2
)

// Padding obfuscator limits (§4.2).
const (
	// FirstPaddings is the number of leading data units wrapped per direction.
	FirstPaddings = 8
	// PaddingHeaderSize is len(payload_length)+len(padding_length).
	PaddingHeaderSize = 3
	// MaxPaddingSize is the largest padding length a sender may choose.
	MaxPaddingSize = 255
)

// Buffer defaults (§3, §4.3).
const (
	// DefaultBufferSize is the base buffer unit; pkg/pipe.Copy reads in
	// units of eight of these (32KiB).
	DefaultBufferSize = 4 * 1024
	// MaxPumpQueueBytes is a size limit for a pump sink's outbound queue
	// (§5 backpressure). pkg/pipe does not consult it.
	MaxPumpQueueBytes = 256 * 1024
)

// HTTP/2 tunnel glue settings (§4.5). pkg/h2tunnel does not use these: it
// sends an empty SETTINGS frame and works with the protocol defaults (a
// 65535-byte stream window and a 4096-byte HPACK table).
const (
	H2StreamWindowSize  = 16 * 1024
	H2HeaderTableSize   = 4096
	H2MaxConcurrent     = 1
	H2MaxHeaderListSize = 64 * 1024
)
