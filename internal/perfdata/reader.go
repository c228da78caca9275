package perfdata

import (
	"fmt"
	"path/filepath"
	"sort"

	"golang.org/x/exp/mmap"

	"iptrace/common"
)

// mappedEntry is one executable mapping served from the recorded binary.
type mappedEntry struct {
	ra      *mmap.ReaderAt
	vaddr   uint64
	length  uint64
	fileOff uint64
	path    string
}

// MmapMemoryReader implements common.MemoryAccessor by re-opening the
// binaries named in perf.data MMAP2 records and serving instruction bytes
// from them at their recorded virtual addresses.
//
// The binaries must be unchanged on disk since the trace was recorded.
// Mappings without an absolute filename (VDSO, anonymous mappings) are
// skipped: their content is not recoverable from disk. Do not use this
// reader for traces that include kernel execution.
type MmapMemoryReader struct {
	entries []mappedEntry
	log     common.Logger
}

// NewMmapMemoryReader builds a memory reader from the MMAP2 records of a
// perf.data file. A nil logger logs nowhere.
func NewMmapMemoryReader(mmaps []Mmap2, logger common.Logger) (*MmapMemoryReader, error) {
	if logger == nil {
		logger = common.NewNoOpLogger()
	}
	r := &MmapMemoryReader{log: logger}

	for _, m := range mmaps {
		if !filepath.IsAbs(m.Filename) {
			// For example [vdso] or //anon
			logger.Logf(common.SeverityWarning, "mapped filename %q is not an absolute path, skip", m.Filename)
			continue
		}
		ra, err := mmap.Open(m.Filename)
		if err != nil {
			r.Close()
			return nil, fmt.Errorf("open mapped file %s: %w", m.Filename, err)
		}
		if uint64(ra.Len()) < m.PgOff+m.Len {
			// Shorter than at record time: page-aligned tail
			// mappings past EOF are common, clamp instead of
			// failing.
			logger.Logf(common.SeverityDebug, "mapped file %s shorter than mapping (%d < %d)",
				m.Filename, ra.Len(), m.PgOff+m.Len)
		}
		logger.Logf(common.SeverityDebug, "mapped %016x--%016x\t%s", m.Addr, m.Addr+m.Len, m.Filename)
		r.entries = append(r.entries, mappedEntry{
			ra:      ra,
			vaddr:   m.Addr,
			length:  m.Len,
			fileOff: m.PgOff,
			path:    m.Filename,
		})
	}

	// Sorted so lookup can binary search
	sort.Slice(r.entries, func(i, j int) bool {
		return r.entries[i].vaddr < r.entries[j].vaddr
	})

	return r, nil
}

// ReadMemory implements common.MemoryAccessor.
func (r *MmapMemoryReader) ReadMemory(addr uint64, data []byte) (int, error) {
	i := sort.Search(len(r.entries), func(i int) bool {
		return r.entries[i].vaddr > addr
	})
	if i == 0 {
		return 0, fmt.Errorf("address 0x%x is not mapped", addr)
	}
	e := &r.entries[i-1]

	off := addr - e.vaddr
	if off >= e.length {
		return 0, fmt.Errorf("address 0x%x is not mapped", addr)
	}

	n := uint64(len(data))
	if n > e.length-off {
		n = e.length - off
	}
	read, err := e.ra.ReadAt(data[:n], int64(e.fileOff+off))
	if read == 0 && err != nil {
		return 0, fmt.Errorf("read %s at 0x%x: %w", e.path, addr, err)
	}
	return read, nil
}

// Entries returns the (vaddr, length, path) of each mapping, sorted by
// address. The memory extractor walks these to emit page dumps.
func (r *MmapMemoryReader) Entries() []MappedRegion {
	regions := make([]MappedRegion, 0, len(r.entries))
	for _, e := range r.entries {
		regions = append(regions, MappedRegion{Addr: e.vaddr, Len: e.length, Path: e.path})
	}
	return regions
}

// MappedRegion describes one mapping served by an MmapMemoryReader.
type MappedRegion struct {
	Addr uint64
	Len  uint64
	Path string
}

// Close unmaps every entry. The reader must not be used afterwards.
func (r *MmapMemoryReader) Close() error {
	var firstErr error
	for _, e := range r.entries {
		if err := e.ra.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	r.entries = nil
	return firstErr
}
