// Package perfdata extracts raw Intel PT streams and memory-map records from
// Linux perf.data files, and reconstructs traced-process memory from the
// recorded binaries.
package perfdata

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

// Parse-level errors
var (
	// ErrInvalidPerfData means the buffer is not a PERFILE2 file or a
	// record inside it is malformed
	ErrInvalidPerfData = errors.New("invalid perf.data")
	// ErrUnexpectedEOF means a header or record ran past the end of the
	// buffer
	ErrUnexpectedEOF = errors.New("unexpected EOF in perf.data")
)

// perf_event record types used here; see linux/perf_event.h
const (
	recordMmap2    = 10 // PERF_RECORD_MMAP2
	recordAuxtrace = 71 // PERF_RECORD_AUXTRACE
)

var perfMagic = []byte("PERFILE2")

// Auxtrace is one PERF_RECORD_AUXTRACE payload: a raw Intel PT stream as the
// hardware wrote it, plus its identification.
type Auxtrace struct {
	Size      uint64
	Offset    uint64
	Reference uint64
	Idx       uint32
	TID       uint32
	CPU       uint32

	// Data is the raw Intel PT stream, aliasing the input buffer
	Data []byte
}

// Mmap2 is one PERF_RECORD_MMAP2 record: an executable mapping of the traced
// process.
type Mmap2 struct {
	PID      uint32
	TID      uint32
	Addr     uint64
	Len      uint64
	PgOff    uint64
	Prot     uint32
	Flags    uint32
	Filename string
}

// ExtractAuxtraces returns every AUXTRACE payload in the perf.data buffer.
func ExtractAuxtraces(data []byte) ([]Auxtrace, error) {
	auxtraces, _, err := scan(data, false)
	return auxtraces, err
}

// ExtractAuxtracesAndMmaps returns every AUXTRACE payload together with the
// MMAP2 records needed to reconstruct the traced address space.
func ExtractAuxtracesAndMmaps(data []byte) ([]Auxtrace, []Mmap2, error) {
	return scan(data, true)
}

func scan(data []byte, wantMmaps bool) ([]Auxtrace, []Mmap2, error) {
	dataOff, dataSize, err := readFileHeader(data)
	if err != nil {
		return nil, nil, err
	}

	pos := int(dataOff)
	end := pos + int(dataSize)
	if end > len(data) || pos < 0 {
		return nil, nil, ErrUnexpectedEOF
	}

	var auxtraces []Auxtrace
	var mmaps []Mmap2

	for pos < end {
		recStart := pos
		typ, _, size, err := readEventHeader(data, &pos)
		if err != nil {
			return nil, nil, err
		}
		if size == 0 {
			// A zero-size record would loop forever
			return nil, nil, fmt.Errorf("zero-size event record at offset %d: %w", recStart, ErrInvalidPerfData)
		}

		switch typ {
		case recordAuxtrace:
			aux, err := readAuxtrace(data, &pos)
			if err != nil {
				return nil, nil, err
			}
			auxtraces = append(auxtraces, aux)
		case recordMmap2:
			if wantMmaps {
				m, err := readMmap2(data, pos, recStart+int(size))
				if err != nil {
					return nil, nil, err
				}
				mmaps = append(mmaps, m)
			}
			pos = recStart + int(size)
		default:
			pos = recStart + int(size)
		}
	}

	return auxtraces, mmaps, nil
}

// readFileHeader parses the PERFILE2 header and returns the data section
// offset and size.
func readFileHeader(data []byte) (uint64, uint64, error) {
	// magic, size, attr_size, then three (offset, size) sections:
	// attrs, data, event_types
	if len(data) < 8*3+16*2 {
		return 0, 0, ErrUnexpectedEOF
	}
	if string(data[0:8]) != string(perfMagic) {
		return 0, 0, fmt.Errorf("bad magic: %w", ErrInvalidPerfData)
	}
	dataOff := binary.LittleEndian.Uint64(data[40:48])
	dataSize := binary.LittleEndian.Uint64(data[48:56])
	return dataOff, dataSize, nil
}

func readEventHeader(data []byte, pos *int) (typ uint32, misc uint16, size uint16, err error) {
	if *pos+8 > len(data) {
		return 0, 0, 0, ErrUnexpectedEOF
	}
	typ = binary.LittleEndian.Uint32(data[*pos:])
	misc = binary.LittleEndian.Uint16(data[*pos+4:])
	size = binary.LittleEndian.Uint16(data[*pos+6:])
	*pos += 8
	return typ, misc, size, nil
}

func readAuxtrace(data []byte, pos *int) (Auxtrace, error) {
	if *pos+32 > len(data) {
		return Auxtrace{}, ErrUnexpectedEOF
	}
	aux := Auxtrace{
		Size:      binary.LittleEndian.Uint64(data[*pos:]),
		Offset:    binary.LittleEndian.Uint64(data[*pos+8:]),
		Reference: binary.LittleEndian.Uint64(data[*pos+16:]),
		Idx:       binary.LittleEndian.Uint32(data[*pos+24:]),
		TID:       binary.LittleEndian.Uint32(data[*pos+28:]),
	}
	if *pos+40 > len(data) {
		return Auxtrace{}, ErrUnexpectedEOF
	}
	aux.CPU = binary.LittleEndian.Uint32(data[*pos+32:])
	// reserved uint32 at +36
	*pos += 40

	payloadEnd := *pos + int(aux.Size)
	if payloadEnd > len(data) || payloadEnd < *pos {
		return Auxtrace{}, ErrUnexpectedEOF
	}
	aux.Data = data[*pos:payloadEnd]
	*pos = payloadEnd
	return aux, nil
}

func readMmap2(data []byte, start, end int) (Mmap2, error) {
	if end > len(data) || start+72 > end {
		return Mmap2{}, ErrUnexpectedEOF
	}
	m := Mmap2{
		PID:   binary.LittleEndian.Uint32(data[start:]),
		TID:   binary.LittleEndian.Uint32(data[start+4:]),
		Addr:  binary.LittleEndian.Uint64(data[start+8:]),
		Len:   binary.LittleEndian.Uint64(data[start+16:]),
		PgOff: binary.LittleEndian.Uint64(data[start+24:]),
		// 24 bytes of inode/device information at +32
		Prot:  binary.LittleEndian.Uint32(data[start+56:]),
		Flags: binary.LittleEndian.Uint32(data[start+60:]),
	}

	name := data[start+64 : end]
	if i := bytes.IndexByte(name, 0); i >= 0 {
		name = name[:i]
	} else {
		return Mmap2{}, fmt.Errorf("unterminated mmap filename: %w", ErrInvalidPerfData)
	}
	m.Filename = string(name)
	return m, nil
}
