package libxdc

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
)

func writeDump(t *testing.T, addrs []uint64, pages [][]byte) (string, string) {
	t.Helper()
	dir := t.TempDir()

	var dump []byte
	for _, page := range pages {
		if len(page) != PageSize {
			t.Fatalf("fixture page has %d bytes", len(page))
		}
		dump = append(dump, page...)
	}
	dumpPath := filepath.Join(dir, "page_dump")
	if err := os.WriteFile(dumpPath, dump, 0o644); err != nil {
		t.Fatal(err)
	}

	addrBytes := make([]byte, 8*len(addrs))
	for i, a := range addrs {
		binary.LittleEndian.PutUint64(addrBytes[i*8:], a)
	}
	addrPath := filepath.Join(dir, "page_addr")
	if err := os.WriteFile(addrPath, addrBytes, 0o644); err != nil {
		t.Fatal(err)
	}

	return dumpPath, addrPath
}

func fillPage(b byte) []byte {
	page := make([]byte, PageSize)
	for i := range page {
		page[i] = b
	}
	return page
}

func TestPageDumpReader_Read(t *testing.T) {
	dumpPath, addrPath := writeDump(t,
		[]uint64{0x400000, 0x402000},
		[][]byte{fillPage(0x11), fillPage(0x22)})

	r, err := NewPageDumpReader(dumpPath, addrPath)
	if err != nil {
		t.Fatalf("NewPageDumpReader() error = %v", err)
	}
	if r.PageCount() != 2 {
		t.Fatalf("PageCount() = %d, want 2", r.PageCount())
	}

	buf := make([]byte, 4)
	n, err := r.ReadMemory(0x400123, buf)
	if err != nil || n != 4 {
		t.Fatalf("ReadMemory() = (%d, %v)", n, err)
	}
	if buf[0] != 0x11 {
		t.Errorf("byte = 0x%02x, want 0x11", buf[0])
	}

	n, err = r.ReadMemory(0x402FF0, buf)
	if err != nil || n != 4 {
		t.Fatalf("ReadMemory(page 2) = (%d, %v)", n, err)
	}
	if buf[0] != 0x22 {
		t.Errorf("byte = 0x%02x, want 0x22", buf[0])
	}
}

func TestPageDumpReader_CrossPage(t *testing.T) {
	dumpPath, addrPath := writeDump(t,
		[]uint64{0x400000, 0x401000},
		[][]byte{fillPage(0x11), fillPage(0x22)})

	r, err := NewPageDumpReader(dumpPath, addrPath)
	if err != nil {
		t.Fatalf("NewPageDumpReader() error = %v", err)
	}

	buf := make([]byte, 8)
	n, err := r.ReadMemory(0x400FFC, buf)
	if err != nil || n != 8 {
		t.Fatalf("ReadMemory() = (%d, %v)", n, err)
	}
	want := []byte{0x11, 0x11, 0x11, 0x11, 0x22, 0x22, 0x22, 0x22}
	for i := range want {
		if buf[i] != want[i] {
			t.Fatalf("bytes = % x, want % x", buf, want)
		}
	}
}

func TestPageDumpReader_TruncatesAtMissingPage(t *testing.T) {
	dumpPath, addrPath := writeDump(t,
		[]uint64{0x400000},
		[][]byte{fillPage(0x11)})

	r, err := NewPageDumpReader(dumpPath, addrPath)
	if err != nil {
		t.Fatalf("NewPageDumpReader() error = %v", err)
	}

	buf := make([]byte, 8)
	n, err := r.ReadMemory(0x400FFC, buf)
	if err != nil {
		t.Fatalf("ReadMemory() error = %v", err)
	}
	if n != 4 {
		t.Errorf("read = %d bytes, want 4 (truncated at missing page)", n)
	}

	if _, err := r.ReadMemory(0x500000, buf); err == nil {
		t.Error("ReadMemory of an absent page succeeded")
	}
}

func TestPageDumpReader_RejectsBadInputs(t *testing.T) {
	dir := t.TempDir()
	dumpPath := filepath.Join(dir, "dump")
	addrPath := filepath.Join(dir, "addr")

	// Address list not a multiple of 8
	os.WriteFile(dumpPath, make([]byte, PageSize), 0o644)
	os.WriteFile(addrPath, make([]byte, 7), 0o644)
	if _, err := NewPageDumpReader(dumpPath, addrPath); err == nil {
		t.Error("accepted odd-sized address list")
	}

	// Dump shorter than the address list requires
	twoAddrs := make([]byte, 16)
	binary.LittleEndian.PutUint64(twoAddrs[8:], 0x1000)
	os.WriteFile(addrPath, twoAddrs, 0o644)
	if _, err := NewPageDumpReader(dumpPath, addrPath); err == nil {
		t.Error("accepted dump shorter than the page list")
	}

	// Unaligned page address
	unaligned := make([]byte, 8)
	binary.LittleEndian.PutUint64(unaligned, 0x1234)
	os.WriteFile(addrPath, unaligned, 0o644)
	if _, err := NewPageDumpReader(dumpPath, addrPath); err == nil {
		t.Error("accepted unaligned page address")
	}
}
