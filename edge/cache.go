package edge

import (
	"bytes"
	"hash/fnv"

	lru "github.com/hashicorp/golang-lru/v2"

	"iptrace/common"
	"iptrace/pt"
)

// blockEdge is one emitted callback, replayed verbatim on a cache hit.
type blockEdge struct {
	addr uint64
	kind common.TransitionKind
}

// cacheEntry is one memoized trace segment: from one safe point to the next.
//
// The entry key is the full analyzer state at the opening safe point (block
// address, last IP, tracee mode) plus a copy of the PT bytes the segment
// consumed. Replaying is observationally identical to decoding those bytes
// from that state.
type cacheEntry struct {
	block  uint64
	lastIP uint64
	mode   pt.Mode
	window []byte

	consumed   int
	postBlock  uint64
	postLastIP uint64
	condBits   uint64
	edges      []blockEdge
	segment    interface{}
}

// recording accumulates a segment between two safe points before insertion.
type recording struct {
	startPos    int
	startBlock  uint64
	startLastIP uint64
	startMode   pt.Mode
	tail        []byte // remaining buffer at the opening safe point

	edges    []blockEdge
	condBits uint64
}

// bucketLimit bounds how many segments share one fingerprint. Distinct
// segments from the same state differ only in consumed bytes, and more than
// a handful means the state is not loop-like.
const bucketLimit = 4

// traceCache memoizes packet-window to edge-sequence segments. Fingerprint
// collisions only cost a miss: hits are guarded by a comparison against the
// insertion-time key, bytes included.
type traceCache struct {
	entries *lru.Cache[uint64, []*cacheEntry]
	window  int
}

func newTraceCache(window, capacity int) *traceCache {
	entries, err := lru.New[uint64, []*cacheEntry](capacity)
	if err != nil {
		panic(err)
	}
	return &traceCache{entries: entries, window: window}
}

// fingerprint hashes the safe-point state. The consumed-byte window is not
// part of the hash (its length is unknown until insertion); it is checked on
// lookup instead.
func fingerprint(block, lastIP uint64, mode pt.Mode) uint64 {
	h := fnv.New64a()
	var b [17]byte
	putU64(b[0:8], block)
	putU64(b[8:16], lastIP)
	b[16] = byte(mode)
	h.Write(b[:])
	return h.Sum64()
}

func putU64(dst []byte, v uint64) {
	for i := 0; i < 8; i++ {
		dst[i] = byte(v >> (8 * i))
	}
}

// lookup returns the memoized segment whose insertion-time bytes prefix the
// remaining buffer, or nil.
func (tc *traceCache) lookup(block, lastIP uint64, mode pt.Mode, remaining []byte) *cacheEntry {
	bucket, ok := tc.entries.Get(fingerprint(block, lastIP, mode))
	if !ok {
		return nil
	}
	for _, e := range bucket {
		if e.block == block && e.lastIP == lastIP && e.mode == mode &&
			bytes.HasPrefix(remaining, e.window) {
			return e
		}
	}
	return nil
}

func (tc *traceCache) insert(e *cacheEntry) {
	key := fingerprint(e.block, e.lastIP, e.mode)
	bucket, _ := tc.entries.Get(key)
	for _, old := range bucket {
		if old.block == e.block && old.lastIP == e.lastIP && old.mode == e.mode &&
			bytes.Equal(old.window, e.window) {
			return
		}
	}
	if len(bucket) >= bucketLimit {
		bucket = bucket[1:]
	}
	bucket = append(bucket, e)
	tc.entries.Add(key, bucket)
}

func (tc *traceCache) len() int {
	return tc.entries.Len()
}

// atSafePoint closes the open recording, replays every memoized segment that
// matches the upcoming bytes, and opens a fresh recording. Safe points are
// block entries with the TNT queue empty and no transfer pending.
func (a *Analyzer) atSafePoint(ctx *pt.Context) error {
	a.finishRecording(ctx)

	for {
		entry := a.cache.lookup(a.curBlock, a.lastIP, ctx.Mode(), ctx.Remaining())
		if entry == nil {
			break
		}
		a.cacheHits++
		if err := a.replay(ctx, entry); err != nil {
			return err
		}
	}
	a.cacheMisses++

	a.startRecording(ctx)
	return nil
}

func (a *Analyzer) startRecording(ctx *pt.Context) {
	a.rec = &recording{
		startPos:    ctx.Pos(),
		startBlock:  a.curBlock,
		startLastIP: a.lastIP,
		startMode:   ctx.Mode(),
		tail:        ctx.Remaining(),
	}
	if a.cachingHandler != nil {
		a.cachingHandler.ResetSegment()
	}
}

// finishRecording inserts the segment accumulated since the last safe point.
// Segments that consumed no bytes or span more than the window are dropped:
// replaying the former would make no progress, and the latter cost more to
// compare than to re-walk.
func (a *Analyzer) finishRecording(ctx *pt.Context) {
	rec := a.rec
	a.rec = nil
	if rec == nil {
		return
	}
	consumed := ctx.Pos() - rec.startPos
	if consumed <= 0 || consumed > a.cache.window || len(rec.edges) == 0 {
		return
	}

	entry := &cacheEntry{
		block:      rec.startBlock,
		lastIP:     rec.startLastIP,
		mode:       rec.startMode,
		window:     append([]byte(nil), rec.tail[:consumed]...),
		consumed:   consumed,
		postBlock:  a.curBlock,
		postLastIP: a.lastIP,
		condBits:   rec.condBits,
		edges:      rec.edges,
	}
	if a.cachingHandler != nil {
		entry.segment = a.cachingHandler.TakeSegment()
	}
	a.cache.insert(entry)
}

// abortRecording discards the open recording across events a segment must
// not span (PSB, OVF, enable/disable boundaries, asynchronous events).
func (a *Analyzer) abortRecording() {
	a.rec = nil
}

// replay applies one memoized segment: the handler observes the stored
// callbacks (or its own segment record), and the cursor and walk state jump
// to the closing safe point.
func (a *Analyzer) replay(ctx *pt.Context, e *cacheEntry) error {
	if e.segment != nil && a.cachingHandler != nil {
		if err := a.cachingHandler.ReplaySegment(e.segment, e.postBlock); err != nil {
			return err
		}
	} else {
		for _, edge := range e.edges {
			if err := a.handler.OnNewBlock(edge.addr, edge.kind, true); err != nil {
				return err
			}
		}
	}
	a.curBlock = e.postBlock
	a.lastIP = e.postLastIP
	a.tntConsumed += e.condBits
	a.condBranches += e.condBits
	ctx.Advance(e.consumed)
	return nil
}
