package edge

import (
	"fmt"

	"iptrace/common"
	"iptrace/pt"
)

// walkState is the reconstructor state between packets
type walkState int

const (
	// stateSynchronizing means no current block; a PSB+ anchor or TIP.PGE
	// establishes one
	stateSynchronizing walkState = iota
	// stateDisabled means packet generation was disabled by TIP.PGD or
	// TraceStop; nothing is emitted until the next TIP.PGE or anchor
	stateDisabled
	// stateWalking means there is a current block whose terminator drives
	// the next transition
	stateWalking
	// stateAwaitingTIP means the current block ends in an indirect
	// transfer whose target the next TIP supplies
	stateAwaitingTIP
	// stateAwaitingFUPTIP means an asynchronous event interrupted the
	// walk; the next TIP supplies the handler entry
	stateAwaitingFUPTIP
)

// maxDirectRun bounds chains of direct transfers resolved without consuming
// any packet. Real code never runs this long without a waypoint; hitting the
// limit means the walk left the traced program.
const maxDirectRun = 4096

// Config tunes an Analyzer. The zero value disables the trace cache and
// logs nowhere.
type Config struct {
	// Logger receives analyzer diagnostics. Nil logs nowhere.
	Logger common.Logger

	// EnableCache turns on the trace cache, memoizing packet-window to
	// edge-sequence segments across loop iterations and decodes.
	EnableCache bool

	// CacheWindow is the maximum byte span of one cached segment.
	// Zero means 64.
	CacheWindow int

	// CacheCapacity is the maximum number of cache fingerprints, each
	// holding up to four segments, before LRU eviction. Zero means 4096.
	CacheCapacity int
}

// Analyzer reconstructs basic-block transitions from the packet stream.
//
// It implements pt.Handler: feed it to pt.Decode. Instruction bytes are read
// through the memory accessor, classified, and matched against TNT bits and
// TIP targets; every block entered is reported to the control-flow handler
// in execution order.
//
// An Analyzer is not safe for concurrent use; decode independent traces with
// independent analyzers.
type Analyzer struct {
	handler        common.ControlFlowHandler
	cachingHandler common.CachingControlFlowHandler
	mem            common.MemoryAccessor
	log            common.Logger

	cfg map[uint64]cfgNode
	tnt tntBuffer

	// IP-compression state. This is not simply the address of the last
	// block: TIP.PGD and suppressed packets update it with special
	// semantics per the Intel manual.
	lastIP uint64

	state       walkState
	curBlock    uint64
	pendingKind common.TransitionKind
	fupIP       uint64
	fupValid    bool
	psbAnchor   bool
	directRun   int

	cache *traceCache
	rec   *recording

	tntConsumed  uint64
	condBranches uint64
	cacheHits    uint64
	cacheMisses  uint64
}

// NewAnalyzer creates an edge analyzer emitting to handler and reading
// instruction bytes from mem. Both are borrowed for the analyzer lifetime.
func NewAnalyzer(handler common.ControlFlowHandler, mem common.MemoryAccessor, cfg Config) *Analyzer {
	logger := cfg.Logger
	if logger == nil {
		logger = common.NewNoOpLogger()
	}
	a := &Analyzer{
		handler: handler,
		mem:     mem,
		log:     logger,
		cfg:     make(map[uint64]cfgNode, 0x1000),
		state:   stateSynchronizing,
	}
	if ch, ok := handler.(common.CachingControlFlowHandler); ok {
		a.cachingHandler = ch
	}
	if cfg.EnableCache {
		window := cfg.CacheWindow
		if window <= 0 {
			window = 64
		}
		capacity := cfg.CacheCapacity
		if capacity <= 0 {
			capacity = 4096
		}
		a.cache = newTraceCache(window, capacity)
	}
	return a
}

// AtDecodeBegin implements pt.Handler. The CFG memo and the trace cache
// survive across decodes of the same analyzer; everything else is reset.
func (a *Analyzer) AtDecodeBegin() error {
	a.tnt.clear()
	a.lastIP = 0
	a.state = stateSynchronizing
	a.curBlock = 0
	a.pendingKind = common.TransitionUnknown
	a.fupValid = false
	a.psbAnchor = false
	a.directRun = 0
	a.rec = nil
	return a.handler.AtDecodeBegin()
}

// HandlePacket implements pt.Handler.
func (a *Analyzer) HandlePacket(ctx *pt.Context, pkt pt.Packet) error {
	a.directRun = 0

	switch pkt.Kind {
	case pt.KindShortTNT, pt.KindLongTNT:
		return a.onTNT(ctx, pkt)
	case pt.KindTIP:
		return a.onTIP(ctx, pkt)
	case pt.KindTIPPGE:
		return a.onTIPPGE(ctx, pkt)
	case pt.KindTIPPGD:
		return a.onTIPPGD(pkt)
	case pt.KindFUP:
		return a.onFUP(ctx, pkt)
	case pt.KindPSB:
		return a.onPSB()
	case pt.KindPSBEND:
		return a.onPSBEND(ctx)
	case pt.KindOVF:
		return a.onOVF()
	case pt.KindTraceStop:
		return a.onTraceStop()
	case pt.KindMODE, pt.KindBBP, pt.KindBEP, pt.KindBIP:
		// These mutate decoder context that replay would skip over; a
		// cached segment must not span them.
		a.abortRecording()
		return nil
	default:
		// PIP, VMCS, timing and power packets carry no control flow.
		return nil
	}
}

func (a *Analyzer) onPSB() error {
	// A PSB mid-walk aborts the current block walk; the partial block
	// emits nothing further and the PSB+ FUP provides a fresh anchor.
	a.abortRecording()
	a.tnt.clear()
	a.fupValid = false
	a.psbAnchor = false
	if a.state != stateDisabled {
		a.state = stateSynchronizing
	}
	return nil
}

func (a *Analyzer) onPSBEND(ctx *pt.Context) error {
	if !a.psbAnchor {
		return nil
	}
	a.psbAnchor = false
	if a.state == stateDisabled {
		return nil
	}
	if err := a.enterBlock(ctx, a.lastIP, common.TransitionTraceBegin); err != nil {
		return err
	}
	return a.drain(ctx)
}

func (a *Analyzer) onOVF() error {
	// Packets were lost; pending queues describe a trace we no longer
	// have. The decoder scans to the next PSB.
	a.abortRecording()
	a.tnt.clear()
	a.fupValid = false
	a.psbAnchor = false
	a.state = stateSynchronizing
	return nil
}

func (a *Analyzer) onTraceStop() error {
	a.abortRecording()
	a.tnt.clear()
	a.fupValid = false
	a.state = stateDisabled
	return nil
}

func (a *Analyzer) onTNT(ctx *pt.Context, pkt pt.Packet) error {
	switch a.state {
	case stateDisabled, stateSynchronizing:
		// Stray bits without an anchor; nothing can consume them.
		return nil
	case stateAwaitingTIP:
		if a.pendingKind == common.TransitionReturn {
			// With return compression the hardware answers a RET
			// with a TNT bit instead of a TIP. Reconstituting the
			// target would need a call stack; refuse the trace.
			return fmt.Errorf("RET at block 0x%x answered by TNT: %w",
				a.curBlock, ErrUnsupportedReturnCompression)
		}
	}

	if err := a.tnt.push(pkt.TNTBits, pkt.TNTCount); err != nil {
		return err
	}
	if a.state == stateWalking {
		return a.drain(ctx)
	}
	return nil
}

func (a *Analyzer) onTIP(ctx *pt.Context, pkt pt.Packet) error {
	target, updated := pkt.IP.Apply(a.lastIP)
	if updated {
		a.lastIP = target
	}

	switch a.state {
	case stateAwaitingTIP:
		if !updated {
			// Out-of-context target: the transfer left the traced
			// address space. No block to emit until tracing
			// resumes.
			a.abortRecording()
			a.tnt.clear()
			a.state = stateDisabled
			return nil
		}
		kind := a.pendingKind
		a.pendingKind = common.TransitionUnknown
		if err := a.enterBlock(ctx, target, kind); err != nil {
			return err
		}
		return a.drain(ctx)

	case stateAwaitingFUPTIP:
		if !updated {
			a.abortRecording()
			a.tnt.clear()
			a.state = stateDisabled
			return nil
		}
		if a.fupValid {
			a.log.Logf(common.SeverityDebug, "async event at 0x%x vectors to 0x%x", a.fupIP, target)
		}
		a.fupValid = false
		if err := a.enterBlock(ctx, target, common.TransitionAsyncEvent); err != nil {
			return err
		}
		return a.drain(ctx)

	case stateWalking:
		return fmt.Errorf("TIP to 0x%x while walking block 0x%x: %w",
			target, a.curBlock, ErrDesyncedTIP)

	default:
		// Disabled or synchronizing: context update only.
		return nil
	}
}

func (a *Analyzer) onTIPPGE(ctx *pt.Context, pkt pt.Packet) error {
	target, updated := pkt.IP.Apply(a.lastIP)
	if updated {
		a.lastIP = target
	} else {
		target = a.lastIP
	}

	if a.state == stateAwaitingTIP || a.state == stateAwaitingFUPTIP {
		return fmt.Errorf("TIP.PGE while a transfer target is pending: %w", ErrSemanticMismatch)
	}

	// Packet generation enable begins a new trace segment; the handler
	// observes the boundary through the TraceBegin kind.
	a.abortRecording()
	if err := a.enterBlock(ctx, target, common.TransitionTraceBegin); err != nil {
		return err
	}
	return a.drain(ctx)
}

func (a *Analyzer) onTIPPGD(pkt pt.Packet) error {
	if target, updated := pkt.IP.Apply(a.lastIP); updated {
		a.lastIP = target
	}
	a.abortRecording()
	a.tnt.clear()
	a.fupValid = false
	a.pendingKind = common.TransitionUnknown
	a.state = stateDisabled
	return nil
}

func (a *Analyzer) onFUP(ctx *pt.Context, pkt pt.Packet) error {
	target, updated := pkt.IP.Apply(a.lastIP)
	if updated {
		a.lastIP = target
	}

	if ctx.InPSBPlus() {
		// The PSB+ FUP carries the current IP and anchors the walk
		// resumed after PSBEND.
		a.psbAnchor = updated
		return nil
	}

	switch a.state {
	case stateWalking, stateAwaitingTIP:
		// Asynchronous event: the FUP target is the interrupted IP,
		// kept for diagnostics; the paired TIP carries the handler
		// entry.
		a.abortRecording()
		a.fupIP = target
		a.fupValid = updated
		a.state = stateAwaitingFUPTIP
		return nil

	case stateAwaitingFUPTIP:
		a.fupIP = target
		a.fupValid = updated
		return nil

	case stateSynchronizing:
		if !updated {
			return nil
		}
		if err := a.enterBlock(ctx, target, common.TransitionTraceBegin); err != nil {
			return err
		}
		return a.drain(ctx)

	default: // disabled
		return nil
	}
}

// enterBlock reports entry into a block and makes it current.
func (a *Analyzer) enterBlock(ctx *pt.Context, addr uint64, kind common.TransitionKind) error {
	a.state = stateWalking
	if a.rec != nil {
		a.rec.edges = append(a.rec.edges, blockEdge{addr: addr, kind: kind})
		if kind == common.TransitionCondTaken || kind == common.TransitionCondNotTaken {
			a.rec.condBits++
		}
	}
	if err := a.handler.OnNewBlock(addr, kind, false); err != nil {
		return err
	}
	a.curBlock = addr

	if a.cache != nil && a.tnt.empty() && !ctx.InPSBPlus() {
		return a.atSafePoint(ctx)
	}
	return nil
}

// drain advances the walk from the current block as far as the pending
// queues allow: conditional terminators consume TNT bits, direct transfers
// resolve immediately, indirect transfers park the walk until the next TIP.
func (a *Analyzer) drain(ctx *pt.Context) error {
	for {
		node, err := a.resolve(ctx.Mode(), a.curBlock)
		if err != nil {
			return err
		}

		switch node.kind {
		case termCondBranch:
			taken, ok := a.tnt.pop()
			if !ok {
				// Wait for more TNT packets.
				return nil
			}
			a.tntConsumed++
			a.condBranches++
			a.directRun = 0
			if taken {
				if err := a.enterBlock(ctx, node.target, common.TransitionCondTaken); err != nil {
					return err
				}
			} else {
				if err := a.enterBlock(ctx, node.next, common.TransitionCondNotTaken); err != nil {
					return err
				}
			}

		case termDirectJump, termDirectCall:
			a.directRun++
			if a.directRun > maxDirectRun {
				return fmt.Errorf("%d direct transfers without a waypoint from block 0x%x: %w",
					a.directRun, a.curBlock, ErrRunawayWalk)
			}
			kind := common.TransitionUncondDirect
			if node.kind == termDirectCall {
				kind = common.TransitionDirectCall
			}
			if err := a.enterBlock(ctx, node.target, kind); err != nil {
				return err
			}

		case termIndirectJump:
			a.pendingKind = common.TransitionIndirectJump
			a.state = stateAwaitingTIP
			return nil
		case termIndirectCall:
			a.pendingKind = common.TransitionIndirectCall
			a.state = stateAwaitingTIP
			return nil
		case termReturn:
			a.pendingKind = common.TransitionReturn
			a.state = stateAwaitingTIP
			return nil
		case termFarTransfer:
			a.pendingKind = common.TransitionAsyncEvent
			a.state = stateAwaitingTIP
			return nil
		}
	}
}
