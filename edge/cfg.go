package edge

import (
	"fmt"

	"golang.org/x/arch/x86/x86asm"

	"iptrace/common"
	"iptrace/pt"
)

// terminatorKind classifies the control-flow instruction ending a basic block
type terminatorKind int

const (
	termCondBranch terminatorKind = iota
	termDirectJump
	termDirectCall
	termIndirectJump
	termIndirectCall
	termReturn
	termFarTransfer // syscall, interrupt, far call/jump/return
)

// cfgNode is the memoized shape of one basic block: its terminator class,
// the direct target (conditional and direct transfers) and the address of
// the instruction following the terminator.
type cfgNode struct {
	kind   terminatorKind
	target uint64 // taken target, valid for termCondBranch/termDirectJump/termDirectCall
	next   uint64 // address immediately after the terminator
}

// maxBlockInstructions bounds the linear walk through one basic block.
// Straight-line runs longer than this indicate the walk left real code.
const maxBlockInstructions = 4096

// maxInstructionLen is the architectural x86 instruction length limit.
const maxInstructionLen = 15

// resolve returns the memoized terminator for the block starting at addr,
// decoding instructions through the memory accessor on first sight.
//
// The memo is keyed by address only: a block is always decoded in the mode
// that was current when it first executed, and code that is re-executed in a
// different mode is not distinguished. Mode changes mid-trace flush nothing.
func (a *Analyzer) resolve(mode pt.Mode, addr uint64) (cfgNode, error) {
	if node, ok := a.cfg[addr]; ok {
		return node, nil
	}
	node, err := computeTerminator(a.mem, mode, addr)
	if err != nil {
		return cfgNode{}, err
	}
	a.cfg[addr] = node
	return node, nil
}

// computeTerminator walks instructions from addr until a control-flow
// terminator is found.
func computeTerminator(mem common.MemoryAccessor, mode pt.Mode, addr uint64) (cfgNode, error) {
	var buf [maxInstructionLen + 1]byte

	insnAddr := addr
	for step := 0; step < maxBlockInstructions; step++ {
		n, err := mem.ReadMemory(insnAddr, buf[:])
		if err != nil || n == 0 {
			return cfgNode{}, &MemoryUnavailableError{Addr: insnAddr, Err: err}
		}
		inst, err := x86asm.Decode(buf[:n], mode.Bitness())
		if err != nil {
			return cfgNode{}, fmt.Errorf("at 0x%x: %v: %w", insnAddr, err, ErrInstructionDecode)
		}
		nextAddr := insnAddr + uint64(inst.Len)

		if node, ok := classify(inst, insnAddr, nextAddr); ok {
			return node, nil
		}
		insnAddr = nextAddr
	}

	return cfgNode{}, fmt.Errorf("no terminator within %d instructions from 0x%x: %w",
		maxBlockInstructions, addr, ErrRunawayWalk)
}

// classify maps one decoded instruction to a block terminator. Instructions
// that do not change control flow report ok=false.
func classify(inst x86asm.Inst, addr, nextAddr uint64) (cfgNode, bool) {
	switch inst.Op {
	case x86asm.JMP:
		if target, ok := relTarget(inst, nextAddr); ok {
			return cfgNode{kind: termDirectJump, target: target, next: nextAddr}, true
		}
		return cfgNode{kind: termIndirectJump, next: nextAddr}, true

	case x86asm.CALL:
		if target, ok := relTarget(inst, nextAddr); ok {
			return cfgNode{kind: termDirectCall, target: target, next: nextAddr}, true
		}
		return cfgNode{kind: termIndirectCall, next: nextAddr}, true

	case x86asm.RET:
		return cfgNode{kind: termReturn, next: nextAddr}, true

	case x86asm.JA, x86asm.JAE, x86asm.JB, x86asm.JBE, x86asm.JE, x86asm.JG,
		x86asm.JGE, x86asm.JL, x86asm.JLE, x86asm.JNE, x86asm.JNO, x86asm.JNP,
		x86asm.JNS, x86asm.JO, x86asm.JP, x86asm.JS,
		x86asm.JCXZ, x86asm.JECXZ, x86asm.JRCXZ,
		x86asm.LOOP, x86asm.LOOPE, x86asm.LOOPNE:
		target, ok := relTarget(inst, nextAddr)
		if !ok {
			// Conditional branches always carry a relative displacement
			return cfgNode{}, false
		}
		return cfgNode{kind: termCondBranch, target: target, next: nextAddr}, true

	case x86asm.LJMP, x86asm.LCALL, x86asm.LRET,
		x86asm.SYSCALL, x86asm.SYSENTER, x86asm.SYSEXIT, x86asm.SYSRET,
		x86asm.INT, x86asm.INTO, x86asm.IRET, x86asm.IRETD, x86asm.IRETQ:
		return cfgNode{kind: termFarTransfer, next: nextAddr}, true
	}

	return cfgNode{}, false
}

// relTarget extracts the direct branch target of a relative transfer.
func relTarget(inst x86asm.Inst, nextAddr uint64) (uint64, bool) {
	rel, ok := inst.Args[0].(x86asm.Rel)
	if !ok {
		return 0, false
	}
	return nextAddr + uint64(int64(rel)), true
}
