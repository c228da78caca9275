package pt

import (
	"fmt"
)

// Kind represents the type of an Intel PT packet
type Kind int

const (
	KindUnknown Kind = iota
	KindPAD
	KindShortTNT
	KindLongTNT
	KindTIP
	KindTIPPGE
	KindTIPPGD
	KindFUP
	KindPIP
	KindMODE
	KindTraceStop
	KindCBR
	KindTSC
	KindMTC
	KindTMA
	KindCYC
	KindVMCS
	KindOVF
	KindPSB
	KindPSBEND
	KindMNT
	KindPTW
	KindEXSTOP
	KindMWAIT
	KindPWRE
	KindPWRX
	KindBBP
	KindBIP
	KindBEP
	KindCFE
	KindEVD

	// KindCount is the number of packet kinds, for diagnostics arrays
	KindCount
)

func (k Kind) String() string {
	switch k {
	case KindPAD:
		return "PAD"
	case KindShortTNT:
		return "TNT.SHORT"
	case KindLongTNT:
		return "TNT.LONG"
	case KindTIP:
		return "TIP"
	case KindTIPPGE:
		return "TIP.PGE"
	case KindTIPPGD:
		return "TIP.PGD"
	case KindFUP:
		return "FUP"
	case KindPIP:
		return "PIP"
	case KindMODE:
		return "MODE"
	case KindTraceStop:
		return "TRACESTOP"
	case KindCBR:
		return "CBR"
	case KindTSC:
		return "TSC"
	case KindMTC:
		return "MTC"
	case KindTMA:
		return "TMA"
	case KindCYC:
		return "CYC"
	case KindVMCS:
		return "VMCS"
	case KindOVF:
		return "OVF"
	case KindPSB:
		return "PSB"
	case KindPSBEND:
		return "PSBEND"
	case KindMNT:
		return "MNT"
	case KindPTW:
		return "PTW"
	case KindEXSTOP:
		return "EXSTOP"
	case KindMWAIT:
		return "MWAIT"
	case KindPWRE:
		return "PWRE"
	case KindPWRX:
		return "PWRX"
	case KindBBP:
		return "BBP"
	case KindBIP:
		return "BIP"
	case KindBEP:
		return "BEP"
	case KindCFE:
		return "CFE"
	case KindEVD:
		return "EVD"
	default:
		return "UNKNOWN"
	}
}

// Mode is the execution mode of the tracee, set by MODE.Exec packets
type Mode int

const (
	Mode16 Mode = 16
	Mode32 Mode = 32
	Mode64 Mode = 64
)

// Bitness returns the mode width in bits.
func (m Mode) Bitness() int {
	return int(m)
}

func (m Mode) String() string {
	return fmt.Sprintf("%d-bit", int(m))
}

// IPPattern is the 3-bit IPBytes field of TIP/TIP.PGE/TIP.PGD/FUP packets,
// selecting how the payload combines with the last IP.
type IPPattern uint8

const (
	// IPOutOfContext conveys no IP payload; the last IP is not updated
	IPOutOfContext IPPattern = 0b000
	// IPUpdate16 replaces the low 16 bits of the last IP
	IPUpdate16 IPPattern = 0b001
	// IPUpdate32 replaces the low 32 bits of the last IP
	IPUpdate32 IPPattern = 0b010
	// IPSext48 sign-extends a 48-bit payload to a full address
	IPSext48 IPPattern = 0b011
	// IPUpdate48 replaces the low 48 bits of the last IP
	IPUpdate48 IPPattern = 0b100
	// IPFull carries a full 64-bit address
	IPFull IPPattern = 0b110
)

func (p IPPattern) String() string {
	switch p {
	case IPOutOfContext:
		return "OutOfContext"
	case IPUpdate16:
		return "Update16"
	case IPUpdate32:
		return "Update32"
	case IPSext48:
		return "Sext48"
	case IPUpdate48:
		return "Update48"
	case IPFull:
		return "Full"
	default:
		return "Invalid"
	}
}

// IPPayload is the decoded IP-compression field of an IP-bearing packet.
type IPPayload struct {
	Pattern IPPattern
	Payload uint64
}

// Apply reconstructs the full target address from the compressed payload and
// the last IP. It returns the new address and true, or lastIP and false when
// the pattern is out-of-context (the last IP must not be updated).
func (ip IPPayload) Apply(lastIP uint64) (uint64, bool) {
	switch ip.Pattern {
	case IPOutOfContext:
		return lastIP, false
	case IPUpdate16:
		return (lastIP & 0xFFFFFFFFFFFF0000) | (ip.Payload & 0xFFFF), true
	case IPUpdate32:
		return (lastIP & 0xFFFFFFFF00000000) | (ip.Payload & 0xFFFFFFFF), true
	case IPSext48:
		return uint64(int64(ip.Payload<<16) >> 16), true
	case IPUpdate48:
		return (lastIP & 0xFFFF000000000000) | (ip.Payload & 0xFFFFFFFFFFFF), true
	case IPFull:
		return ip.Payload, true
	default:
		return lastIP, false
	}
}

// Packet is one decoded Intel PT packet. Kind selects which payload fields
// are meaningful; Data aliases the raw packet bytes in the input buffer.
type Packet struct {
	Kind   Kind
	Offset int
	Data   []byte

	// TNT packets. TNTBits holds TNTCount bits with the oldest
	// (first-consumed) bit at index TNTCount-1 and the newest at index 0.
	TNTBits  uint64
	TNTCount int

	// TIP/TIP.PGE/TIP.PGD/FUP
	IP IPPayload

	// MODE
	LeafID uint8
	Mode   uint8

	// PIP: CR3[51:5] positioned, low bits cleared
	CR3    uint64
	RsvdNR bool

	// TSC: lower 7 bytes of the timestamp counter
	TSC uint64

	// MTC: the 8-bit CTC payload
	CTC uint8

	// TMA
	TMACtc         uint16
	TMAFastCounter uint8
	TMAFC8         bool

	// CBR
	CoreBusRatio uint8

	// VMCS: pointer bits [51:12] positioned
	VMCSPointer uint64

	// MNT, EVD, PTW (8-byte form), BIP: the raw 64-bit payload
	Payload uint64

	// PTW/EXSTOP/BEP/CFE
	IPBit bool

	// PTW: payload is 8 bytes rather than 4
	PTW8 bool

	// MWAIT
	MwaitHints uint8
	MwaitExt   uint8

	// PWRE
	PwreHW       bool
	PwreCState   uint8
	PwreSubState uint8

	// PWRX
	PwrxLastCState    uint8
	PwrxDeepestCState uint8
	PwrxWakeReason    uint8

	// CFE / EVD / BBP / BIP type fields
	Type uint8

	// CFE vector
	Vector uint8

	// BBP: 8-byte block items when set, 4-byte otherwise
	BlockSize8 bool
}

// Description returns a human-readable description of the packet.
func (p *Packet) Description() string {
	switch p.Kind {
	case KindShortTNT, KindLongTNT:
		return fmt.Sprintf("%s; %d bits %0*b", p.Kind, p.TNTCount, p.TNTCount, p.TNTBits)
	case KindTIP, KindTIPPGE, KindTIPPGD, KindFUP:
		return fmt.Sprintf("%s; %s payload=0x%x", p.Kind, p.IP.Pattern, p.IP.Payload)
	case KindMODE:
		return fmt.Sprintf("MODE; leaf=%d bits=0x%02x", p.LeafID, p.Mode)
	case KindPIP:
		return fmt.Sprintf("PIP; CR3=0x%x NR=%v", p.CR3, p.RsvdNR)
	case KindTSC:
		return fmt.Sprintf("TSC; value=0x%x", p.TSC)
	case KindMTC:
		return fmt.Sprintf("MTC; CTC=0x%02x", p.CTC)
	case KindCBR:
		return fmt.Sprintf("CBR; ratio=%d", p.CoreBusRatio)
	case KindVMCS:
		return fmt.Sprintf("VMCS; pointer=0x%x", p.VMCSPointer)
	default:
		return p.Kind.String()
	}
}
