package pt

import (
	"errors"
)

// Decode-level errors
var (
	// ErrNoPSB means no PSB packet was found in the buffer during the
	// initial synchronization scan
	ErrNoPSB = errors.New("no PSB packet found")
	// ErrTruncatedPacket means a multi-byte packet ran past the end of the buffer
	ErrTruncatedPacket = errors.New("truncated packet")
	// ErrUnknownOpcode means a byte did not match the PT packet grammar
	ErrUnknownOpcode = errors.New("unknown opcode")
)

// DecodeOptions configures Decode. The zero value decodes a 64-bit trace,
// synchronizes forward to the first PSB, and resynchronizes at the next PSB
// when an unknown opcode is met.
type DecodeOptions struct {
	// TraceeMode is the execution mode assumed before any MODE.Exec packet.
	// Zero means Mode64.
	TraceeMode Mode

	// DisableSync starts decoding at offset 0 instead of scanning forward
	// for the first PSB packet.
	DisableSync bool

	// Strict makes unknown opcodes fatal instead of skipping to the next PSB.
	Strict bool

	// MoreDiagnostics fills Diagnostics.PacketCounts.
	MoreDiagnostics bool
}

// Diagnostics reports decode statistics.
type Diagnostics struct {
	// PacketCounts is the number of packets seen per kind, indexed by Kind.
	// Only filled when DecodeOptions.MoreDiagnostics is set.
	PacketCounts [KindCount]uint64

	// ResyncSkippedBytes is the total number of bytes skipped while
	// scanning forward for a PSB after an unknown opcode, an overflow or a
	// TraceStop, or the whole buffer when it holds no PSB at all.
	ResyncSkippedBytes int

	// ResyncCount is the number of forward PSB scans performed after the
	// initial synchronization.
	ResyncCount int
}
