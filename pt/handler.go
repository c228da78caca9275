package pt

import (
	"iptrace/common"
)

// Handler consumes the packet stream produced by Decode.
//
// Packets are delivered in arrival order; AtDecodeBegin precedes all packets
// of a decode. A non-nil error from either method aborts the decode and is
// surfaced to the Decode caller unchanged.
type Handler interface {
	// AtDecodeBegin is called once at the start of each decode.
	AtDecodeBegin() error

	// HandlePacket is called for every decoded packet. The context exposes
	// the byte cursor and current tracee mode; handlers must not retain it
	// past the call.
	HandlePacket(ctx *Context, pkt Packet) error
}

// CombinedHandler fans packets out to two inner handlers in fixed order.
// If the first handler returns an error the second is not invoked.
type CombinedHandler struct {
	First  Handler
	Second Handler
}

// NewCombinedHandler creates a handler forwarding to first, then second.
func NewCombinedHandler(first, second Handler) *CombinedHandler {
	return &CombinedHandler{First: first, Second: second}
}

// AtDecodeBegin implements Handler.
func (c *CombinedHandler) AtDecodeBegin() error {
	if err := c.First.AtDecodeBegin(); err != nil {
		return err
	}
	return c.Second.AtDecodeBegin()
}

// HandlePacket implements Handler.
func (c *CombinedHandler) HandlePacket(ctx *Context, pkt Packet) error {
	if err := c.First.HandlePacket(ctx, pkt); err != nil {
		return err
	}
	return c.Second.HandlePacket(ctx, pkt)
}

// PacketCounter counts packets per kind. It never fails.
type PacketCounter struct {
	counts [KindCount]uint64
	total  uint64
}

// NewPacketCounter creates a new packet counter.
func NewPacketCounter() *PacketCounter {
	return &PacketCounter{}
}

// AtDecodeBegin implements Handler; it resets the counters.
func (pc *PacketCounter) AtDecodeBegin() error {
	pc.counts = [KindCount]uint64{}
	pc.total = 0
	return nil
}

// HandlePacket implements Handler.
func (pc *PacketCounter) HandlePacket(ctx *Context, pkt Packet) error {
	pc.counts[pkt.Kind]++
	pc.total++
	return nil
}

// Total returns the total packet count.
func (pc *PacketCounter) Total() uint64 {
	return pc.total
}

// Count returns the packet count for one kind.
func (pc *PacketCounter) Count(kind Kind) uint64 {
	return pc.counts[kind]
}

// LogHandler logs every packet through a Logger.
type LogHandler struct {
	Log common.Logger
}

// NewLogHandler creates a packet logger. A nil logger logs nowhere.
func NewLogHandler(logger common.Logger) *LogHandler {
	if logger == nil {
		logger = common.NewNoOpLogger()
	}
	return &LogHandler{Log: logger}
}

// AtDecodeBegin implements Handler.
func (h *LogHandler) AtDecodeBegin() error {
	h.Log.Debug("decode begin")
	return nil
}

// HandlePacket implements Handler.
func (h *LogHandler) HandlePacket(ctx *Context, pkt Packet) error {
	h.Log.Logf(common.SeverityDebug, "offset %d: %s", pkt.Offset, pkt.Description())
	return nil
}
