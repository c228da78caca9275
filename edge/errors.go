package edge

import (
	"errors"
	"fmt"
)

// Analyzer-level errors
var (
	// ErrDesyncedTNT means a Taken/Not-taken bit was consumed while the
	// TNT queue was empty
	ErrDesyncedTNT = errors.New("TNT bit consumed while queue empty")
	// ErrDesyncedTIP means a TIP target arrived while no indirect branch
	// was awaiting one
	ErrDesyncedTIP = errors.New("TIP target arrived while not awaiting one")
	// ErrExceededTNTBuffer means more TNT bits accumulated than the
	// buffer can hold
	ErrExceededTNTBuffer = errors.New("TNT buffer exceeded")
	// ErrUnsupportedReturnCompression means the trace was recorded with
	// "Indirect Transfer Compression for Returns", which the analyzer
	// rejects: reconstituting compressed return targets needs a call
	// stack that the trace cache cannot key on
	ErrUnsupportedReturnCompression = errors.New("return compression is not supported")
	// ErrSemanticMismatch means the packet sequence contradicts the
	// reconstructed control flow
	ErrSemanticMismatch = errors.New("packet sequence contradicts reconstructed control flow")
	// ErrInstructionDecode means instruction bytes could not be decoded
	ErrInstructionDecode = errors.New("invalid instruction")
	// ErrRunawayWalk means no waypoint instruction was found within the
	// walk limit, which indicates corrupted code or a desynced trace
	ErrRunawayWalk = errors.New("no waypoint found within walk limit")
)

// MemoryUnavailableError reports that the memory reader could not serve an
// address needed to classify an instruction.
type MemoryUnavailableError struct {
	Addr uint64
	Err  error
}

func (e *MemoryUnavailableError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("memory unavailable at 0x%x: %v", e.Addr, e.Err)
	}
	return fmt.Sprintf("memory unavailable at 0x%x", e.Addr)
}

func (e *MemoryUnavailableError) Unwrap() error {
	return e.Err
}
