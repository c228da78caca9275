// Package libxdc reads memory dumps in the libxdc experimental format: a
// page-address list and a blob of page contents, one 4 KiB page per listed
// address.
package libxdc

import (
	"encoding/binary"
	"fmt"
	"os"

	"iptrace/common"
)

// PageSize is the dump page granularity.
const PageSize = 0x1000

// PageDumpReader implements common.MemoryAccessor over a page dump pair.
type PageDumpReader struct {
	pages map[uint64]int // page address -> page index into dump
	dump  []byte
}

// NewPageDumpReader loads a page dump and its page-address list. The address
// file holds one little-endian uint64 page address per dumped page, in dump
// order; addresses must be page aligned.
func NewPageDumpReader(pageDumpPath, pageAddrPath string) (*PageDumpReader, error) {
	dump, err := os.ReadFile(pageDumpPath)
	if err != nil {
		return nil, fmt.Errorf("read page dump: %w", err)
	}
	addrs, err := os.ReadFile(pageAddrPath)
	if err != nil {
		return nil, fmt.Errorf("read page addresses: %w", err)
	}
	if len(addrs)%8 != 0 {
		return nil, fmt.Errorf("page address file length %d is not a multiple of 8", len(addrs))
	}
	pageCount := len(addrs) / 8
	if len(dump) < pageCount*PageSize {
		return nil, fmt.Errorf("page dump holds %d bytes, need %d for %d pages",
			len(dump), pageCount*PageSize, pageCount)
	}

	pages := make(map[uint64]int, pageCount)
	for i := 0; i < pageCount; i++ {
		addr := binary.LittleEndian.Uint64(addrs[i*8:])
		if addr%PageSize != 0 {
			return nil, fmt.Errorf("page address 0x%x is not page aligned", addr)
		}
		pages[addr] = i
	}

	return &PageDumpReader{pages: pages, dump: dump}, nil
}

// PageCount returns the number of dumped pages.
func (r *PageDumpReader) PageCount() int {
	return len(r.pages)
}

// ReadMemory implements common.MemoryAccessor. Reads cross page boundaries
// as long as every touched page is present; a missing page truncates the
// read at its start.
func (r *PageDumpReader) ReadMemory(addr uint64, data []byte) (int, error) {
	total := 0
	for total < len(data) {
		page := (addr + uint64(total)) &^ (PageSize - 1)
		idx, ok := r.pages[page]
		if !ok {
			if total == 0 {
				return 0, fmt.Errorf("page 0x%x is not in the dump", page)
			}
			return total, nil
		}
		off := int((addr + uint64(total)) - page)
		n := copy(data[total:], r.dump[idx*PageSize+off:(idx+1)*PageSize])
		total += n
	}
	return total, nil
}

var _ common.MemoryAccessor = (*PageDumpReader)(nil)
