package pt

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

var psbBytes = []byte{
	0x02, 0x82, 0x02, 0x82, 0x02, 0x82, 0x02, 0x82,
	0x02, 0x82, 0x02, 0x82, 0x02, 0x82, 0x02, 0x82,
}

var psbendBytes = []byte{0x02, 0x23}

// pktCollector records every packet together with the decoder context state
// observed at delivery time.
type pktCollector struct {
	begun   int
	packets []Packet
	modes   []Mode
	psbPlus []bool
}

func (c *pktCollector) AtDecodeBegin() error {
	c.begun++
	c.packets = nil
	c.modes = nil
	c.psbPlus = nil
	return nil
}

func (c *pktCollector) HandlePacket(ctx *Context, pkt Packet) error {
	c.packets = append(c.packets, pkt)
	c.modes = append(c.modes, ctx.Mode())
	c.psbPlus = append(c.psbPlus, ctx.InPSBPlus())
	return nil
}

func (c *pktCollector) kinds() []Kind {
	kinds := make([]Kind, len(c.packets))
	for i, p := range c.packets {
		kinds[i] = p.Kind
	}
	return kinds
}

func decodeNoSync(t *testing.T, raw []byte) *pktCollector {
	t.Helper()
	c := &pktCollector{}
	if _, err := Decode(raw, DecodeOptions{DisableSync: true, Strict: true}, c); err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	return c
}

func TestDecode_SinglePackets(t *testing.T) {
	tests := []struct {
		name  string
		raw   []byte
		check func(t *testing.T, pkt Packet)
	}{
		{
			name: "PAD",
			raw:  []byte{0x00},
			check: func(t *testing.T, pkt Packet) {
				if pkt.Kind != KindPAD {
					t.Errorf("kind = %s", pkt.Kind)
				}
			},
		},
		{
			name: "short TNT three bits",
			// stop bit at 4; TNT bits (oldest first) taken, taken, not-taken
			raw: []byte{0b0001_1100},
			check: func(t *testing.T, pkt Packet) {
				if pkt.Kind != KindShortTNT || pkt.TNTCount != 3 || pkt.TNTBits != 0b110 {
					t.Errorf("got %s count=%d bits=%b", pkt.Kind, pkt.TNTCount, pkt.TNTBits)
				}
			},
		},
		{
			name: "short TNT single not-taken bit",
			raw:  []byte{0b0000_0100},
			check: func(t *testing.T, pkt Packet) {
				if pkt.Kind != KindShortTNT || pkt.TNTCount != 1 || pkt.TNTBits != 0 {
					t.Errorf("got %s count=%d bits=%b", pkt.Kind, pkt.TNTCount, pkt.TNTBits)
				}
			},
		},
		{
			name: "long TNT",
			// payload 0b1100: stop bit at 3, bits taken, not-taken, not-taken
			raw: []byte{0x02, 0xA3, 0x0C, 0x00, 0x00, 0x00, 0x00, 0x00},
			check: func(t *testing.T, pkt Packet) {
				if pkt.Kind != KindLongTNT || pkt.TNTCount != 3 || pkt.TNTBits != 0b100 {
					t.Errorf("got %s count=%d bits=%b", pkt.Kind, pkt.TNTCount, pkt.TNTBits)
				}
			},
		},
		{
			name: "TIP full address",
			raw:  []byte{0xCD, 0x88, 0x77, 0x66, 0x55, 0x44, 0x33, 0x22, 0x11},
			check: func(t *testing.T, pkt Packet) {
				if pkt.Kind != KindTIP || pkt.IP.Pattern != IPFull || pkt.IP.Payload != 0x1122334455667788 {
					t.Errorf("got %s %s 0x%x", pkt.Kind, pkt.IP.Pattern, pkt.IP.Payload)
				}
			},
		},
		{
			name: "TIP.PGE sign-extended 48-bit",
			raw:  []byte{0x71, 0x00, 0x10, 0x40, 0x00, 0x00, 0x00},
			check: func(t *testing.T, pkt Packet) {
				if pkt.Kind != KindTIPPGE || pkt.IP.Pattern != IPSext48 || pkt.IP.Payload != 0x401000 {
					t.Errorf("got %s %s 0x%x", pkt.Kind, pkt.IP.Pattern, pkt.IP.Payload)
				}
			},
		},
		{
			name: "TIP.PGD suppressed",
			raw:  []byte{0x01},
			check: func(t *testing.T, pkt Packet) {
				if pkt.Kind != KindTIPPGD || pkt.IP.Pattern != IPOutOfContext {
					t.Errorf("got %s %s", pkt.Kind, pkt.IP.Pattern)
				}
			},
		},
		{
			name: "FUP 16-bit update",
			raw:  []byte{0x3D, 0x34, 0x12},
			check: func(t *testing.T, pkt Packet) {
				if pkt.Kind != KindFUP || pkt.IP.Pattern != IPUpdate16 || pkt.IP.Payload != 0x1234 {
					t.Errorf("got %s %s 0x%x", pkt.Kind, pkt.IP.Pattern, pkt.IP.Payload)
				}
			},
		},
		{
			name: "TSC",
			raw:  []byte{0x19, 0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07},
			check: func(t *testing.T, pkt Packet) {
				if pkt.Kind != KindTSC || pkt.TSC != 0x07060504030201 {
					t.Errorf("got %s 0x%x", pkt.Kind, pkt.TSC)
				}
			},
		},
		{
			name: "MTC",
			raw:  []byte{0x59, 0xAB},
			check: func(t *testing.T, pkt Packet) {
				if pkt.Kind != KindMTC || pkt.CTC != 0xAB {
					t.Errorf("got %s 0x%x", pkt.Kind, pkt.CTC)
				}
			},
		},
		{
			name: "MODE.Exec",
			raw:  []byte{0x99, 0b0000_0001},
			check: func(t *testing.T, pkt Packet) {
				if pkt.Kind != KindMODE || pkt.LeafID != 0 || pkt.Mode != 1 {
					t.Errorf("got %s leaf=%d mode=%d", pkt.Kind, pkt.LeafID, pkt.Mode)
				}
			},
		},
		{
			name: "CYC without extension",
			raw:  []byte{0b0000_0011},
			check: func(t *testing.T, pkt Packet) {
				if pkt.Kind != KindCYC || len(pkt.Data) != 1 {
					t.Errorf("got %s len=%d", pkt.Kind, len(pkt.Data))
				}
			},
		},
		{
			name: "CYC with extension chain",
			raw:  []byte{0b0000_0111, 0x03, 0x02},
			check: func(t *testing.T, pkt Packet) {
				if pkt.Kind != KindCYC || len(pkt.Data) != 3 {
					t.Errorf("got %s len=%d", pkt.Kind, len(pkt.Data))
				}
			},
		},
		{
			name: "CBR",
			raw:  []byte{0x02, 0x03, 0x2A, 0x00},
			check: func(t *testing.T, pkt Packet) {
				if pkt.Kind != KindCBR || pkt.CoreBusRatio != 0x2A {
					t.Errorf("got %s ratio=%d", pkt.Kind, pkt.CoreBusRatio)
				}
			},
		},
		{
			name: "PIP",
			raw:  []byte{0x02, 0x43, 0x01, 0x10, 0x00, 0x00, 0x00, 0x00},
			check: func(t *testing.T, pkt Packet) {
				if pkt.Kind != KindPIP || !pkt.RsvdNR || pkt.CR3 != 0x1000<<4 {
					t.Errorf("got %s cr3=0x%x nr=%v", pkt.Kind, pkt.CR3, pkt.RsvdNR)
				}
			},
		},
		{
			name: "VMCS",
			raw:  []byte{0x02, 0xC8, 0x01, 0x00, 0x00, 0x00, 0x00},
			check: func(t *testing.T, pkt Packet) {
				if pkt.Kind != KindVMCS || pkt.VMCSPointer != 1<<12 {
					t.Errorf("got %s ptr=0x%x", pkt.Kind, pkt.VMCSPointer)
				}
			},
		},
		{
			name: "MNT",
			raw:  []byte{0x02, 0xC3, 0x88, 0x11, 0x22, 0x33, 0x44, 0x55, 0x66, 0x77, 0x88},
			check: func(t *testing.T, pkt Packet) {
				if pkt.Kind != KindMNT || pkt.Payload != 0x8877665544332211 {
					t.Errorf("got %s payload=0x%x", pkt.Kind, pkt.Payload)
				}
			},
		},
		{
			name: "TMA",
			raw:  []byte{0x02, 0x73, 0x34, 0x12, 0x00, 0x56, 0x01},
			check: func(t *testing.T, pkt Packet) {
				if pkt.Kind != KindTMA || pkt.TMACtc != 0x1234 || pkt.TMAFastCounter != 0x56 || !pkt.TMAFC8 {
					t.Errorf("got %s ctc=0x%x fc=0x%x fc8=%v", pkt.Kind, pkt.TMACtc, pkt.TMAFastCounter, pkt.TMAFC8)
				}
			},
		},
		{
			name: "PTW 4-byte",
			raw:  []byte{0x02, 0b1001_0010, 0x78, 0x56, 0x34, 0x12},
			check: func(t *testing.T, pkt Packet) {
				if pkt.Kind != KindPTW || !pkt.IPBit || pkt.PTW8 || pkt.Payload != 0x12345678 {
					t.Errorf("got %s ip=%v payload=0x%x", pkt.Kind, pkt.IPBit, pkt.Payload)
				}
			},
		},
		{
			name: "PTW 8-byte",
			raw:  []byte{0x02, 0b0011_0010, 0x01, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x80},
			check: func(t *testing.T, pkt Packet) {
				if pkt.Kind != KindPTW || pkt.IPBit || !pkt.PTW8 || pkt.Payload != 0x8000000000000001 {
					t.Errorf("got %s ip=%v payload=0x%x", pkt.Kind, pkt.IPBit, pkt.Payload)
				}
			},
		},
		{
			name: "EXSTOP with IP bit",
			raw:  []byte{0x02, 0b1110_0010},
			check: func(t *testing.T, pkt Packet) {
				if pkt.Kind != KindEXSTOP || !pkt.IPBit {
					t.Errorf("got %s ip=%v", pkt.Kind, pkt.IPBit)
				}
			},
		},
		{
			name: "MWAIT",
			raw:  []byte{0x02, 0xC2, 0x0F, 0x02, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00},
			check: func(t *testing.T, pkt Packet) {
				if pkt.Kind != KindMWAIT || pkt.MwaitHints != 0x0F || pkt.MwaitExt != 2 {
					t.Errorf("got %s hints=0x%x ext=%d", pkt.Kind, pkt.MwaitHints, pkt.MwaitExt)
				}
			},
		},
		{
			name: "PWRE",
			raw:  []byte{0x02, 0x22, 0x80, 0x21},
			check: func(t *testing.T, pkt Packet) {
				if pkt.Kind != KindPWRE || !pkt.PwreHW || pkt.PwreCState != 2 || pkt.PwreSubState != 1 {
					t.Errorf("got %s hw=%v c=%d sub=%d", pkt.Kind, pkt.PwreHW, pkt.PwreCState, pkt.PwreSubState)
				}
			},
		},
		{
			name: "PWRX",
			raw:  []byte{0x02, 0xA2, 0x31, 0x04, 0x00, 0x00, 0x00},
			check: func(t *testing.T, pkt Packet) {
				if pkt.Kind != KindPWRX || pkt.PwrxLastCState != 3 || pkt.PwrxDeepestCState != 1 || pkt.PwrxWakeReason != 4 {
					t.Errorf("got %s last=%d deepest=%d wake=%d", pkt.Kind, pkt.PwrxLastCState, pkt.PwrxDeepestCState, pkt.PwrxWakeReason)
				}
			},
		},
		{
			name: "CFE",
			raw:  []byte{0x02, 0x13, 0x83, 0x0E},
			check: func(t *testing.T, pkt Packet) {
				if pkt.Kind != KindCFE || !pkt.IPBit || pkt.Type != 3 || pkt.Vector != 0x0E {
					t.Errorf("got %s ip=%v type=%d vector=%d", pkt.Kind, pkt.IPBit, pkt.Type, pkt.Vector)
				}
			},
		},
		{
			name: "EVD",
			raw:  []byte{0x02, 0x53, 0x02, 0x01, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00},
			check: func(t *testing.T, pkt Packet) {
				if pkt.Kind != KindEVD || pkt.Type != 2 || pkt.Payload != 1 {
					t.Errorf("got %s type=%d payload=0x%x", pkt.Kind, pkt.Type, pkt.Payload)
				}
			},
		},
		{
			name: "TraceStop",
			raw:  []byte{0x02, 0x83},
			check: func(t *testing.T, pkt Packet) {
				if pkt.Kind != KindTraceStop {
					t.Errorf("got %s", pkt.Kind)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := decodeNoSync(t, tt.raw)
			if len(c.packets) != 1 {
				t.Fatalf("got %d packets, want 1: %v", len(c.packets), c.kinds())
			}
			pkt := c.packets[0]
			if pkt.Offset != 0 {
				t.Errorf("offset = %d, want 0", pkt.Offset)
			}
			if len(pkt.Data) != len(tt.raw) {
				t.Errorf("data length = %d, want %d (whole packet)", len(pkt.Data), len(tt.raw))
			}
			tt.check(t, pkt)
		})
	}
}

func TestDecode_SyncScansToPSB(t *testing.T) {
	raw := append([]byte{0xDE, 0xAD, 0xBE, 0xEF}, psbBytes...)
	raw = append(raw, psbendBytes...)

	c := &pktCollector{}
	diag, err := Decode(raw, DecodeOptions{}, c)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	want := []Kind{KindPSB, KindPSBEND}
	if diff := cmp.Diff(want, c.kinds()); diff != "" {
		t.Errorf("packet kinds mismatch (-want +got):\n%s", diff)
	}
	if c.packets[0].Offset != 4 {
		t.Errorf("PSB offset = %d, want 4", c.packets[0].Offset)
	}
	if diag.ResyncSkippedBytes != 0 {
		t.Errorf("initial sync counted as resync: %d", diag.ResyncSkippedBytes)
	}
}

func TestDecode_NoPSB(t *testing.T) {
	raw := []byte{0xDE, 0xAD, 0xBE, 0xEF}

	c := &pktCollector{}
	diag, err := Decode(raw, DecodeOptions{}, c)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if c.begun != 1 {
		t.Errorf("AtDecodeBegin called %d times, want 1", c.begun)
	}
	if len(c.packets) != 0 {
		t.Errorf("got %d packets, want 0", len(c.packets))
	}
	if diag.ResyncSkippedBytes != len(raw) {
		t.Errorf("skipped = %d, want %d", diag.ResyncSkippedBytes, len(raw))
	}

	if _, err := Decode(raw, DecodeOptions{Strict: true}, c); !errors.Is(err, ErrNoPSB) {
		t.Errorf("strict Decode() error = %v, want ErrNoPSB", err)
	}
}

func TestDecode_EmptyInput(t *testing.T) {
	c := &pktCollector{}
	if _, err := Decode(nil, DecodeOptions{}, c); err != nil {
		t.Fatalf("Decode(nil) error = %v", err)
	}
	if c.begun != 1 || len(c.packets) != 0 {
		t.Errorf("begun=%d packets=%d, want 1 and 0", c.begun, len(c.packets))
	}
}

func TestDecode_PadOnlyInput(t *testing.T) {
	raw := []byte{0x00, 0x00, 0x00, 0x00}
	c := decodeNoSync(t, raw)
	for _, k := range c.kinds() {
		if k != KindPAD {
			t.Fatalf("unexpected kind %s", k)
		}
	}
	if len(c.packets) != 4 {
		t.Errorf("got %d PAD packets, want 4", len(c.packets))
	}
}

func TestDecode_TruncatedPackets(t *testing.T) {
	tests := [][]byte{
		{0x19, 0x01, 0x02}, // TSC cut short
		{0xCD, 0x88, 0x77}, // TIP full address cut short
		{0x02},             // bare extension prefix
		{0x02, 0xA3, 0x0C}, // long TNT cut short
		{0x02, 0x43, 0x01}, // PIP cut short
		{0b0000_0111},      // CYC expecting an extension byte
		psbBytes[:8],       // PSB cut short
	}
	for _, raw := range tests {
		c := &pktCollector{}
		if _, err := Decode(raw, DecodeOptions{DisableSync: true, Strict: true}, c); !errors.Is(err, ErrTruncatedPacket) {
			t.Errorf("Decode(% x) error = %v, want ErrTruncatedPacket", raw, err)
		}
	}
}

func TestDecode_UnknownOpcodeStrict(t *testing.T) {
	c := &pktCollector{}
	_, err := Decode([]byte{0x05}, DecodeOptions{DisableSync: true, Strict: true}, c)
	if !errors.Is(err, ErrUnknownOpcode) {
		t.Fatalf("Decode() error = %v, want ErrUnknownOpcode", err)
	}
}

func TestDecode_UnknownOpcodeResync(t *testing.T) {
	raw := []byte{0x05, 0xFF, 0xFF}
	raw = append(raw, psbBytes...)
	raw = append(raw, psbendBytes...)

	c := &pktCollector{}
	diag, err := Decode(raw, DecodeOptions{DisableSync: true}, c)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	want := []Kind{KindPSB, KindPSBEND}
	if diff := cmp.Diff(want, c.kinds()); diff != "" {
		t.Errorf("packet kinds mismatch (-want +got):\n%s", diff)
	}
	if diag.ResyncSkippedBytes != 3 {
		t.Errorf("skipped = %d, want 3", diag.ResyncSkippedBytes)
	}
	if diag.ResyncCount != 1 {
		t.Errorf("resyncs = %d, want 1", diag.ResyncCount)
	}
}

func TestDecode_OVFRequiresPSB(t *testing.T) {
	raw := append([]byte{}, psbBytes...)
	raw = append(raw, psbendBytes...)
	raw = append(raw, 0x02, 0xF3) // OVF
	raw = append(raw, 0x1C)       // TNT that must be skipped
	raw = append(raw, psbBytes...)
	raw = append(raw, psbendBytes...)

	c := &pktCollector{}
	diag, err := Decode(raw, DecodeOptions{}, c)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	want := []Kind{KindPSB, KindPSBEND, KindOVF, KindPSB, KindPSBEND}
	if diff := cmp.Diff(want, c.kinds()); diff != "" {
		t.Errorf("packet kinds mismatch (-want +got):\n%s", diff)
	}
	if diag.ResyncSkippedBytes != 1 {
		t.Errorf("skipped = %d, want 1", diag.ResyncSkippedBytes)
	}
}

func TestDecode_PSBPlusWindow(t *testing.T) {
	raw := append([]byte{}, psbBytes...)
	raw = append(raw, 0x99, 0x01) // MODE inside PSB+
	raw = append(raw, 0x1C)       // TNT implicitly ends PSB+
	raw = append(raw, psbendBytes...)

	c := decodeNoSync(t, raw)
	want := []Kind{KindPSB, KindMODE, KindShortTNT, KindPSBEND}
	if diff := cmp.Diff(want, c.kinds()); diff != "" {
		t.Fatalf("packet kinds mismatch (-want +got):\n%s", diff)
	}
	wantPlus := []bool{true, true, false, false}
	if diff := cmp.Diff(wantPlus, c.psbPlus); diff != "" {
		t.Errorf("PSB+ windows mismatch (-want +got):\n%s", diff)
	}
}

func TestDecode_ModeExecSwitchesBitness(t *testing.T) {
	raw := []byte{
		0x99, 0b0000_0010, // MODE.Exec 32-bit
		0x00, // PAD observed in 32-bit mode
	}
	c := decodeNoSync(t, raw)
	if c.modes[1] != Mode32 {
		t.Errorf("mode after MODE.Exec = %s, want 32-bit", c.modes[1])
	}

	// 48-bit IP patterns are invalid outside 64-bit mode
	raw = []byte{
		0x99, 0b0000_0010,
		0x7D, 0x00, 0x10, 0x40, 0x00, 0x00, 0x00, // FUP sext48
	}
	c2 := &pktCollector{}
	if _, err := Decode(raw, DecodeOptions{DisableSync: true, Strict: true}, c2); !errors.Is(err, ErrUnknownOpcode) {
		t.Errorf("sext48 FUP in 32-bit mode: error = %v, want ErrUnknownOpcode", err)
	}
}

func TestDecode_InvalidIPPattern(t *testing.T) {
	// IPBytes 0b101 is reserved
	raw := []byte{0b1011_1101, 0x00, 0x00}
	c := &pktCollector{}
	if _, err := Decode(raw, DecodeOptions{DisableSync: true, Strict: true}, c); !errors.Is(err, ErrUnknownOpcode) {
		t.Errorf("Decode() error = %v, want ErrUnknownOpcode", err)
	}
}

func TestDecode_BBPAndBIP(t *testing.T) {
	raw := []byte{
		0x02, 0x63, 0x81, // BBP, SZ=1 (4-byte items), type 1
		0b0000_1100, 0x44, 0x33, 0x22, 0x11, // BIP type 1
		0x02, 0x33, // BEP
	}
	c := decodeNoSync(t, raw)
	want := []Kind{KindBBP, KindBIP, KindBEP}
	if diff := cmp.Diff(want, c.kinds()); diff != "" {
		t.Fatalf("packet kinds mismatch (-want +got):\n%s", diff)
	}
	bip := c.packets[1]
	if bip.Payload != 0x11223344 || bip.Type != 1 {
		t.Errorf("BIP payload=0x%x type=%d", bip.Payload, bip.Type)
	}
}

func TestDecode_MoreDiagnosticsCounts(t *testing.T) {
	raw := append([]byte{}, psbBytes...)
	raw = append(raw, psbendBytes...)
	raw = append(raw, 0x00, 0x00, 0x1C)

	c := &pktCollector{}
	diag, err := Decode(raw, DecodeOptions{MoreDiagnostics: true}, c)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if diag.PacketCounts[KindPAD] != 2 {
		t.Errorf("PAD count = %d, want 2", diag.PacketCounts[KindPAD])
	}
	if diag.PacketCounts[KindPSB] != 1 || diag.PacketCounts[KindPSBEND] != 1 || diag.PacketCounts[KindShortTNT] != 1 {
		t.Errorf("counts = %v", diag.PacketCounts)
	}
}

func TestIPPayload_Apply(t *testing.T) {
	const lastIP = 0x7FFF12345678ABCD

	tests := []struct {
		name    string
		ip      IPPayload
		want    uint64
		updated bool
	}{
		{"out of context", IPPayload{Pattern: IPOutOfContext}, lastIP, false},
		{"update16", IPPayload{Pattern: IPUpdate16, Payload: 0x9999}, 0x7FFF123456789999, true},
		{"update32", IPPayload{Pattern: IPUpdate32, Payload: 0xAAAABBBB}, 0x7FFF1234AAAABBBB, true},
		{"sext48 positive", IPPayload{Pattern: IPSext48, Payload: 0x00007F0011223344}, 0x7F0011223344, true},
		{"sext48 negative", IPPayload{Pattern: IPSext48, Payload: 0x0000FFFF88880000}, 0xFFFFFFFF88880000, true},
		{"update48", IPPayload{Pattern: IPUpdate48, Payload: 0x0000CCCCDDDDEEEE}, 0x7FFFCCCCDDDDEEEE, true},
		{"full", IPPayload{Pattern: IPFull, Payload: 0x123}, 0x123, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, updated := tt.ip.Apply(lastIP)
			if got != tt.want || updated != tt.updated {
				t.Errorf("Apply() = (0x%x, %v), want (0x%x, %v)", got, updated, tt.want, tt.updated)
			}
		})
	}
}
