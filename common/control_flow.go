package common

// TransitionKind represents how control reached a basic block
type TransitionKind int

const (
	TransitionUnknown      TransitionKind = iota
	TransitionFallthrough                 // Linear continuation (no branch)
	TransitionCondTaken                   // Conditional branch, taken
	TransitionCondNotTaken                // Conditional branch, not taken
	TransitionUncondDirect                // Unconditional direct jump
	TransitionDirectCall                  // Direct call
	TransitionIndirectJump                // Indirect jump, target from TIP
	TransitionIndirectCall                // Indirect call, target from TIP
	TransitionReturn                      // Near return, target from TIP
	TransitionAsyncEvent                  // Interrupt/exception/far transfer, target from FUP+TIP
	TransitionTraceBegin                  // First block after TIP.PGE or a PSB+ anchor
)

func (k TransitionKind) String() string {
	switch k {
	case TransitionFallthrough:
		return "FALLTHROUGH"
	case TransitionCondTaken:
		return "COND_TAKEN"
	case TransitionCondNotTaken:
		return "COND_NOT_TAKEN"
	case TransitionUncondDirect:
		return "UNCOND_DIRECT"
	case TransitionDirectCall:
		return "DIRECT_CALL"
	case TransitionIndirectJump:
		return "INDIRECT_JUMP"
	case TransitionIndirectCall:
		return "INDIRECT_CALL"
	case TransitionReturn:
		return "RETURN"
	case TransitionAsyncEvent:
		return "ASYNC_EVENT"
	case TransitionTraceBegin:
		return "TRACE_BEGIN"
	default:
		return "UNKNOWN"
	}
}

// ControlFlowHandler receives basic-block callbacks from the edge analyzer.
//
// Block callbacks for one trace are delivered in strict execution order,
// AtDecodeBegin first. A non-nil error from any callback aborts the decode
// and is surfaced to the caller unchanged.
type ControlFlowHandler interface {
	// AtDecodeBegin is called once at the start of each decode. This is
	// useful when the same handler processes multiple traces.
	AtDecodeBegin() error

	// OnNewBlock is called when execution enters a basic block. cached is
	// true when the callback is produced by a trace-cache replay rather
	// than a fresh walk; the pair (blockAddr, kind) is identical either way.
	OnNewBlock(blockAddr uint64, kind TransitionKind, cached bool) error
}

// CachingControlFlowHandler extends ControlFlowHandler with segment
// memoization. A handler implementing it can record its own effect of a
// span of blocks once and replay the record on trace-cache hits without
// receiving the individual callbacks again.
type CachingControlFlowHandler interface {
	ControlFlowHandler

	// ResetSegment discards any effect accumulated since the last reset.
	ResetSegment()

	// TakeSegment returns an opaque record of the handler effect
	// accumulated since the last ResetSegment, or nil if there is none.
	// The accumulator is cleared.
	TakeSegment() interface{}

	// ReplaySegment applies a record returned by TakeSegment and moves the
	// handler state to just after newLastBlock, the final block of the
	// replayed span.
	ReplaySegment(segment interface{}, newLastBlock uint64) error
}

// CombinedControlFlowHandler fans block callbacks out to two inner handlers
// in fixed order. If the first handler returns an error the second is not
// invoked.
type CombinedControlFlowHandler struct {
	First  ControlFlowHandler
	Second ControlFlowHandler
}

// NewCombinedControlFlowHandler creates a handler forwarding to first, then second.
func NewCombinedControlFlowHandler(first, second ControlFlowHandler) *CombinedControlFlowHandler {
	return &CombinedControlFlowHandler{First: first, Second: second}
}

// AtDecodeBegin implements ControlFlowHandler.
func (c *CombinedControlFlowHandler) AtDecodeBegin() error {
	if err := c.First.AtDecodeBegin(); err != nil {
		return err
	}
	return c.Second.AtDecodeBegin()
}

// OnNewBlock implements ControlFlowHandler.
func (c *CombinedControlFlowHandler) OnNewBlock(blockAddr uint64, kind TransitionKind, cached bool) error {
	if err := c.First.OnNewBlock(blockAddr, kind, cached); err != nil {
		return err
	}
	return c.Second.OnNewBlock(blockAddr, kind, cached)
}

// LogControlFlowHandler logs every block callback through a Logger.
type LogControlFlowHandler struct {
	Log Logger
}

// NewLogControlFlowHandler creates a block logger. A nil logger logs nowhere.
func NewLogControlFlowHandler(logger Logger) *LogControlFlowHandler {
	if logger == nil {
		logger = NewNoOpLogger()
	}
	return &LogControlFlowHandler{Log: logger}
}

// AtDecodeBegin implements ControlFlowHandler.
func (h *LogControlFlowHandler) AtDecodeBegin() error {
	h.Log.Debug("decode begin")
	return nil
}

// OnNewBlock implements ControlFlowHandler.
func (h *LogControlFlowHandler) OnNewBlock(blockAddr uint64, kind TransitionKind, cached bool) error {
	h.Log.Logf(SeverityDebug, "block 0x%x via %s (cached=%v)", blockAddr, kind, cached)
	return nil
}
