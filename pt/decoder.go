package pt

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math/bits"
)

// psbSignature is the full 16-byte PSB packet
var psbSignature = [16]byte{
	0x02, 0x82, 0x02, 0x82, 0x02, 0x82, 0x02, 0x82,
	0x02, 0x82, 0x02, 0x82, 0x02, 0x82, 0x02, 0x82,
}

// Context is the decoder state visible to packet handlers: the byte cursor
// into the trace buffer, the current tracee mode and the PSB+ window flag.
//
// Handlers may read the remaining buffer and advance the cursor across whole
// packets; the trace-cache replay path uses this to skip bytes it has already
// accounted for.
type Context struct {
	buf  []byte
	pos  int
	mode Mode

	synced        bool
	inPSBPlus     bool
	inPacketBlock bool
	blockSize8    bool
}

// Pos returns the byte offset of the next packet.
func (c *Context) Pos() int {
	return c.pos
}

// Mode returns the current tracee execution mode.
func (c *Context) Mode() Mode {
	return c.mode
}

// InPSBPlus reports whether the cursor is inside a PSB+ window
// (between PSB and PSBEND).
func (c *Context) InPSBPlus() bool {
	return c.inPSBPlus
}

// Remaining returns the undecoded tail of the trace buffer.
func (c *Context) Remaining() []byte {
	return c.buf[c.pos:]
}

// Advance moves the cursor forward by n bytes. Callers must only advance
// across whole packets.
func (c *Context) Advance(n int) {
	c.pos += n
	if c.pos > len(c.buf) {
		c.pos = len(c.buf)
	}
}

// Decode parses the Intel PT buffer and streams every packet to the handler
// in arrival order.
//
// Unless options disable it, decoding starts at the first PSB packet in the
// buffer. When there is none, strict mode returns ErrNoPSB; otherwise the
// whole buffer is counted as skipped and Decode returns nil. An overflow or (in
// non-strict mode) an unknown opcode makes the decoder scan forward to the
// next PSB, counting the skipped bytes in the returned diagnostics. Handler
// errors abort the decode and are returned unchanged.
//
// Note that Linux perf records sideband data around the raw PT stream; the
// AUX payload must be extracted from perf.data before decoding.
func Decode(buf []byte, options DecodeOptions, handler Handler) (Diagnostics, error) {
	var diag Diagnostics

	mode := options.TraceeMode
	if mode == 0 {
		mode = Mode64
	}
	ctx := &Context{buf: buf, mode: mode}

	if err := handler.AtDecodeBegin(); err != nil {
		return diag, err
	}

	if options.DisableSync {
		ctx.synced = true
	} else {
		idx := bytes.Index(buf, psbSignature[:])
		if idx < 0 {
			// Without a PSB nothing is decodable. Strict mode treats
			// that as an error; otherwise the whole buffer is
			// diagnostics-only.
			if options.Strict {
				return diag, ErrNoPSB
			}
			diag.ResyncSkippedBytes = len(buf)
			return diag, nil
		}
		ctx.pos = idx
		ctx.synced = true
	}

	for {
		if !ctx.synced {
			// A new PSB is required; skip forward silently.
			idx := bytes.Index(buf[ctx.pos:], psbSignature[:])
			if idx < 0 {
				diag.ResyncSkippedBytes += len(buf) - ctx.pos
				ctx.pos = len(buf)
				return diag, nil
			}
			diag.ResyncSkippedBytes += idx
			diag.ResyncCount++
			ctx.pos += idx
			ctx.synced = true
		}
		if ctx.pos >= len(buf) {
			return diag, nil
		}

		start := ctx.pos
		pkt, err := ctx.next()
		if err != nil {
			if err == errUnknownHere && !options.Strict {
				// The offending byte counts as skipped too.
				diag.ResyncSkippedBytes++
				ctx.pos = start + 1
				ctx.synced = false
				continue
			}
			if err == errUnknownHere {
				return diag, fmt.Errorf("offset %d: byte 0x%02x: %w", start, buf[start], ErrUnknownOpcode)
			}
			return diag, fmt.Errorf("offset %d: %w", start, err)
		}
		pkt.Offset = start
		pkt.Data = buf[start:ctx.pos]

		if ctx.inPSBPlus && !psbPlusKind(pkt.Kind) {
			// Any packet outside the PSB+ status subset implicitly
			// ends the PSB+ window.
			ctx.inPSBPlus = false
		}

		if options.MoreDiagnostics {
			diag.PacketCounts[pkt.Kind]++
		}
		if err := handler.HandlePacket(ctx, pkt); err != nil {
			return diag, err
		}
	}
}

// errUnknownHere is an internal marker allowing the decode loop to
// distinguish a resyncable unknown opcode from fatal parse errors.
var errUnknownHere = fmt.Errorf("unknown opcode here")

// psbPlusKind reports whether a packet kind belongs to the status subset
// allowed between PSB and PSBEND.
func psbPlusKind(k Kind) bool {
	switch k {
	case KindPSB, KindPSBEND, KindMODE, KindTSC, KindTMA, KindMTC, KindCBR,
		KindPIP, KindVMCS, KindMNT, KindPAD, KindFUP, KindOVF:
		return true
	}
	return false
}

// next parses one packet at the cursor and advances past it.
func (c *Context) next() (Packet, error) {
	b := c.buf[c.pos]

	switch {
	case b == 0x00:
		c.pos++
		return Packet{Kind: KindPAD}, nil
	case b == 0x02:
		return c.nextExtended()
	case c.inPacketBlock && b&0b111 == 0b100:
		return c.nextBIP(b)
	case b&0b0001_1111 == 0b0000_0001: // xxx00001
		return c.nextIPPacket(KindTIPPGD, b)
	case b&0b0000_0011 == 0b0000_0011: // xxxxxx11
		return c.nextCYC(b)
	case b&0b0000_0001 == 0: // xxxxxxx0, not PAD
		return c.nextShortTNT(b)
	case b&0b0001_1111 == 0b0000_1101: // xxx01101
		return c.nextIPPacket(KindTIP, b)
	case b&0b0001_1111 == 0b0001_0001: // xxx10001
		return c.nextIPPacket(KindTIPPGE, b)
	case b == 0b0001_1001:
		return c.nextTSC()
	case b&0b0001_1111 == 0b0001_1101: // xxx11101
		return c.nextIPPacket(KindFUP, b)
	case b == 0b0101_1001:
		return c.nextMTC()
	case b == 0b1001_1001:
		return c.nextMODE()
	default:
		return Packet{}, errUnknownHere
	}
}

func (c *Context) payload(off, n int) ([]byte, error) {
	start := c.pos + off
	if start+n > len(c.buf) {
		return nil, ErrTruncatedPacket
	}
	return c.buf[start : start+n], nil
}

func (c *Context) nextShortTNT(b byte) (Packet, error) {
	// The stop bit is the highest set bit; bit 0 is the header zero.
	// Bits between hold up to 6 Taken/Not-taken bits, oldest on top.
	stop := bits.Len8(b) - 1
	count := stop - 1
	tnt := uint64(b>>1) & (1<<count - 1)

	c.pos++
	return Packet{Kind: KindShortTNT, TNTBits: tnt, TNTCount: count}, nil
}

func (c *Context) nextCYC(b byte) (Packet, error) {
	exp := b&0b0000_0100 != 0
	end := c.pos + 1
	for exp {
		if end >= len(c.buf) {
			return Packet{}, ErrTruncatedPacket
		}
		exp = c.buf[end]&1 != 0
		end++
	}
	c.pos = end
	return Packet{Kind: KindCYC}, nil
}

func (c *Context) nextTSC() (Packet, error) {
	p, err := c.payload(1, 7)
	if err != nil {
		return Packet{}, err
	}
	var v [8]byte
	copy(v[:], p)
	c.pos += 8
	return Packet{Kind: KindTSC, TSC: binary.LittleEndian.Uint64(v[:])}, nil
}

func (c *Context) nextMTC() (Packet, error) {
	p, err := c.payload(1, 1)
	if err != nil {
		return Packet{}, err
	}
	c.pos += 2
	return Packet{Kind: KindMTC, CTC: p[0]}, nil
}

func (c *Context) nextMODE() (Packet, error) {
	p, err := c.payload(1, 1)
	if err != nil {
		return Packet{}, err
	}
	leaf := (p[0] & 0b1110_0000) >> 5
	mode := p[0] & 0b0001_1111

	if leaf == 0b000 {
		// MODE.Exec changes the tracee execution mode for subsequent
		// instruction decoding.
		switch mode & 0b0000_0011 {
		case 0b00:
			c.mode = Mode16
		case 0b01:
			c.mode = Mode64
		case 0b10:
			c.mode = Mode32
		}
	}

	c.pos += 2
	return Packet{Kind: KindMODE, LeafID: leaf, Mode: mode}, nil
}

// nextIPPacket parses TIP, TIP.PGE, TIP.PGD and FUP packets, which share the
// layout: header byte with IPBytes in bits 7:5, then 0-8 payload bytes.
func (c *Context) nextIPPacket(kind Kind, b byte) (Packet, error) {
	ipBytes := b >> 5
	c.pos++ // header

	var ip IPPayload
	switch IPPattern(ipBytes) {
	case IPOutOfContext:
		ip = IPPayload{Pattern: IPOutOfContext}
	case IPUpdate16:
		p, err := c.payload(0, 2)
		if err != nil {
			return Packet{}, err
		}
		ip = IPPayload{Pattern: IPUpdate16, Payload: uint64(binary.LittleEndian.Uint16(p))}
		c.pos += 2
	case IPUpdate32:
		p, err := c.payload(0, 4)
		if err != nil {
			return Packet{}, err
		}
		ip = IPPayload{Pattern: IPUpdate32, Payload: uint64(binary.LittleEndian.Uint32(p))}
		c.pos += 4
	case IPSext48, IPUpdate48:
		if c.mode != Mode64 {
			return Packet{}, errUnknownHere
		}
		p, err := c.payload(0, 6)
		if err != nil {
			return Packet{}, err
		}
		var v [8]byte
		copy(v[:], p)
		ip = IPPayload{Pattern: IPPattern(ipBytes), Payload: binary.LittleEndian.Uint64(v[:])}
		c.pos += 6
	case IPFull:
		if c.mode != Mode64 {
			return Packet{}, errUnknownHere
		}
		p, err := c.payload(0, 8)
		if err != nil {
			return Packet{}, err
		}
		ip = IPPayload{Pattern: IPFull, Payload: binary.LittleEndian.Uint64(p)}
		c.pos += 8
	default: // 0b101, 0b111
		return Packet{}, errUnknownHere
	}

	return Packet{Kind: kind, IP: ip}, nil
}

func (c *Context) nextBIP(b byte) (Packet, error) {
	size := 4
	if c.blockSize8 {
		size = 8
	}
	p, err := c.payload(1, size)
	if err != nil {
		return Packet{}, err
	}
	var v [8]byte
	copy(v[:], p)
	c.pos += 1 + size
	return Packet{Kind: KindBIP, Type: b >> 3, Payload: binary.LittleEndian.Uint64(v[:])}, nil
}

// nextExtended parses 0x02-prefixed packets.
func (c *Context) nextExtended() (Packet, error) {
	p, err := c.payload(1, 1)
	if err != nil {
		return Packet{}, err
	}
	b := p[0]

	switch {
	case b == 0b0000_0011: // CBR
		p, err := c.payload(2, 2)
		if err != nil {
			return Packet{}, err
		}
		c.pos += 4
		return Packet{Kind: KindCBR, CoreBusRatio: p[0]}, nil

	case b&0b0001_1111 == 0b0001_0010: // xxx10010 PTW
		return c.nextPTW(b)

	case b == 0b0001_0011: // CFE
		p, err := c.payload(2, 2)
		if err != nil {
			return Packet{}, err
		}
		c.pos += 4
		return Packet{
			Kind:   KindCFE,
			IPBit:  p[0]&0b1000_0000 != 0,
			Type:   p[0] & 0b0001_1111,
			Vector: p[1],
		}, nil

	case b == 0b0010_0010: // PWRE
		p, err := c.payload(2, 2)
		if err != nil {
			return Packet{}, err
		}
		c.pos += 4
		return Packet{
			Kind:         KindPWRE,
			PwreHW:       p[0]&0b1000_0000 != 0,
			PwreCState:   (p[1] & 0b1111_0000) >> 4,
			PwreSubState: p[1] & 0b0000_1111,
		}, nil

	case b == 0b0010_0011: // PSBEND
		c.pos += 2
		c.inPSBPlus = false
		return Packet{Kind: KindPSBEND}, nil

	case b&0b0111_1111 == 0b0011_0011: // x0110011 BEP
		c.pos += 2
		c.inPacketBlock = false
		return Packet{Kind: KindBEP, IPBit: b&0b1000_0000 != 0}, nil

	case b == 0b0100_0011: // PIP
		p, err := c.payload(2, 6)
		if err != nil {
			return Packet{}, err
		}
		rsvdNR := p[0]&1 != 0
		cr3 := binary.LittleEndian.Uint64([]byte{p[0] & 0b1111_1110, p[1], p[2], p[3], p[4], p[5], 0, 0}) << 4
		c.pos += 8
		return Packet{Kind: KindPIP, CR3: cr3, RsvdNR: rsvdNR}, nil

	case b == 0b0101_0011: // EVD
		p, err := c.payload(2, 9)
		if err != nil {
			return Packet{}, err
		}
		c.pos += 11
		return Packet{
			Kind:    KindEVD,
			Type:    p[0] & 0b0011_1111,
			Payload: binary.LittleEndian.Uint64(p[1:9]),
		}, nil

	case b&0b0111_1111 == 0b0110_0010: // x1100010 EXSTOP
		c.pos += 2
		return Packet{Kind: KindEXSTOP, IPBit: b&0b1000_0000 != 0}, nil

	case b == 0b0110_0011: // BBP
		p, err := c.payload(2, 1)
		if err != nil {
			return Packet{}, err
		}
		szBit := p[0]&0b1000_0000 != 0
		c.inPacketBlock = true
		c.blockSize8 = !szBit
		c.pos += 3
		return Packet{Kind: KindBBP, BlockSize8: !szBit, Type: p[0] & 0b0001_1111}, nil

	case b == 0b0111_0011: // TMA
		p, err := c.payload(2, 5)
		if err != nil {
			return Packet{}, err
		}
		c.pos += 7
		return Packet{
			Kind:           KindTMA,
			TMACtc:         binary.LittleEndian.Uint16(p[0:2]),
			TMAFastCounter: p[3],
			TMAFC8:         p[4]&1 != 0,
		}, nil

	case b == 0b1000_0010: // PSB
		p, err := c.payload(0, 16)
		if err != nil {
			return Packet{}, err
		}
		if !bytes.Equal(p, psbSignature[:]) {
			return Packet{}, errUnknownHere
		}
		c.pos += 16
		c.inPSBPlus = true
		c.inPacketBlock = false
		return Packet{Kind: KindPSB}, nil

	case b == 0b1000_0011: // TraceStop
		c.pos += 2
		// Nothing is decodable after a TraceStop until a new PSB.
		c.synced = false
		return Packet{Kind: KindTraceStop}, nil

	case b == 0b1010_0010: // PWRX
		p, err := c.payload(2, 5)
		if err != nil {
			return Packet{}, err
		}
		c.pos += 7
		return Packet{
			Kind:              KindPWRX,
			PwrxLastCState:    (p[0] & 0b1111_0000) >> 4,
			PwrxDeepestCState: p[0] & 0b0000_1111,
			PwrxWakeReason:    p[1] & 0b0000_1111,
		}, nil

	case b == 0b1010_0011: // long TNT
		return c.nextLongTNT()

	case b == 0b1100_0010: // MWAIT
		p, err := c.payload(2, 8)
		if err != nil {
			return Packet{}, err
		}
		c.pos += 10
		return Packet{Kind: KindMWAIT, MwaitHints: p[0], MwaitExt: p[1] & 0b0000_0011}, nil

	case b == 0b1100_0011: // MNT
		p, err := c.payload(2, 9)
		if err != nil {
			return Packet{}, err
		}
		if p[0] != 0b1000_1000 {
			return Packet{}, errUnknownHere
		}
		c.pos += 11
		return Packet{Kind: KindMNT, Payload: binary.LittleEndian.Uint64(p[1:9])}, nil

	case b == 0b1100_1000: // VMCS
		p, err := c.payload(2, 5)
		if err != nil {
			return Packet{}, err
		}
		ptr := binary.LittleEndian.Uint64([]byte{p[0], p[1], p[2], p[3], p[4], 0, 0, 0}) << 12
		c.pos += 7
		return Packet{Kind: KindVMCS, VMCSPointer: ptr}, nil

	case b == 0b1111_0011: // OVF
		c.pos += 2
		// The hardware lost packets; queues are stale and the next
		// decodable point is a fresh PSB.
		c.synced = false
		c.inPSBPlus = false
		c.inPacketBlock = false
		return Packet{Kind: KindOVF}, nil

	default:
		return Packet{}, errUnknownHere
	}
}

func (c *Context) nextPTW(b byte) (Packet, error) {
	ipBit := b&0b1000_0000 != 0
	switch (b & 0b0110_0000) >> 5 {
	case 0b00:
		p, err := c.payload(2, 4)
		if err != nil {
			return Packet{}, err
		}
		c.pos += 6
		return Packet{Kind: KindPTW, IPBit: ipBit, Payload: uint64(binary.LittleEndian.Uint32(p))}, nil
	case 0b01:
		p, err := c.payload(2, 8)
		if err != nil {
			return Packet{}, err
		}
		c.pos += 10
		return Packet{Kind: KindPTW, IPBit: ipBit, PTW8: true, Payload: binary.LittleEndian.Uint64(p)}, nil
	default:
		return Packet{}, errUnknownHere
	}
}

func (c *Context) nextLongTNT() (Packet, error) {
	p, err := c.payload(0, 8)
	if err != nil {
		return Packet{}, err
	}
	packet := binary.LittleEndian.Uint64(p)
	payload := packet >> 16
	if payload == 0 {
		// No stop bit
		return Packet{}, errUnknownHere
	}
	stop := bits.Len64(payload) - 1
	count := stop
	tnt := payload & (1<<count - 1)

	c.pos += 8
	return Packet{Kind: KindLongTNT, TNTBits: tnt, TNTCount: count}, nil
}
