// Package printer formats packets and block callbacks for the analyzer CLI
// and debug tooling.
package printer

import (
	"fmt"
	"io"
	"strings"

	"iptrace/common"
	"iptrace/pt"
)

// FormatPacketLine formats one packet the way the packet lister prints it.
func FormatPacketLine(pkt pt.Packet) string {
	return fmt.Sprintf("Idx:%d; [%s];\t%s : %s",
		pkt.Offset, formatHexBytes(pkt.Data), pkt.Kind, pkt.Description())
}

// FormatBlockLine formats one block callback.
func FormatBlockLine(blockAddr uint64, kind common.TransitionKind, cached bool) string {
	if cached {
		return fmt.Sprintf("Block:0x%016x; %s (cached)", blockAddr, kind)
	}
	return fmt.Sprintf("Block:0x%016x; %s", blockAddr, kind)
}

func formatHexBytes(data []byte) string {
	if len(data) == 0 {
		return ""
	}
	parts := make([]string, len(data))
	for i, b := range data {
		parts[i] = fmt.Sprintf("0x%02x", b)
	}
	return strings.Join(parts, " ") + " "
}

// PacketPrinter is a pt.Handler writing one line per packet.
type PacketPrinter struct {
	W io.Writer
}

// NewPacketPrinter creates a packet printer writing to w.
func NewPacketPrinter(w io.Writer) *PacketPrinter {
	return &PacketPrinter{W: w}
}

// AtDecodeBegin implements pt.Handler.
func (p *PacketPrinter) AtDecodeBegin() error {
	_, err := fmt.Fprintln(p.W, "--- decode begin ---")
	return err
}

// HandlePacket implements pt.Handler.
func (p *PacketPrinter) HandlePacket(ctx *pt.Context, pkt pt.Packet) error {
	_, err := fmt.Fprintln(p.W, FormatPacketLine(pkt))
	return err
}

// BlockPrinter is a common.ControlFlowHandler writing one line per block.
type BlockPrinter struct {
	W io.Writer
}

// NewBlockPrinter creates a block printer writing to w.
func NewBlockPrinter(w io.Writer) *BlockPrinter {
	return &BlockPrinter{W: w}
}

// AtDecodeBegin implements common.ControlFlowHandler.
func (p *BlockPrinter) AtDecodeBegin() error {
	return nil
}

// OnNewBlock implements common.ControlFlowHandler.
func (p *BlockPrinter) OnNewBlock(blockAddr uint64, kind common.TransitionKind, cached bool) error {
	_, err := fmt.Fprintln(p.W, FormatBlockLine(blockAddr, kind, cached))
	return err
}
