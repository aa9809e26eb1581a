// Package loclist reads the two location-list encodings a Cortex-M build's
// DWARF info can use for a variable whose storage changes across its
// lifetime (spec §4, "a variable may live in a register for part of a
// function and on the stack for the rest"): the range-pair form of DWARF
// versions 2 through 4 (.debug_loc) and the opcode-stream form introduced
// in DWARF 5 (.debug_loclists). A single firmware image commonly links
// object files compiled at different DWARF versions, so both readers may
// be in use at once against the same binary.
package loclist

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/tweedegolf/stackdump/pkg/dwarf/godwarf"
	"github.com/tweedegolf/stackdump/pkg/dwarf/util"
)

// Entry is one PC range and its associated location expression.
type Entry struct {
	LowPC, HighPC uint64
	Instr         []byte
}

func (e *Entry) baseAddressSelection() bool {
	return e.LowPC == ^uint64(0)
}

// Reader finds the location expression in effect for a given PC.
type Reader interface {
	Find(off int, staticBase, base, pc uint64, debugAddr *godwarf.DebugAddr) (*Entry, error)
	Empty() bool
}

// LegacyReader reads the .debug_loc range-pair encoding used by DWARF 2
// through 4.
type LegacyReader struct {
	data  []byte
	ptrSz int
}

// NewDwarf2Reader returns a Reader for the DWARF 2-4 .debug_loc encoding.
func NewDwarf2Reader(data []byte, ptrSz int) *LegacyReader {
	return &LegacyReader{data: data, ptrSz: ptrSz}
}

// Empty reports whether this reader has no backing data.
func (rdr *LegacyReader) Empty() bool {
	return rdr.data == nil
}

// Find returns the entry covering pc in the list starting at byte offset
// off, tracking base address selection entries as it scans.
func (rdr *LegacyReader) Find(off int, staticBase, base, pc uint64, _ *godwarf.DebugAddr) (*Entry, error) {
	cur := off
	for cur < len(rdr.data) {
		var e Entry
		e.LowPC = rdr.readAddr(&cur)
		e.HighPC = rdr.readAddr(&cur)
		if e.LowPC == 0 && e.HighPC == 0 {
			return nil, nil
		}
		if e.baseAddressSelection() {
			base = e.HighPC + staticBase
			continue
		}

		instrLen := int(binary.LittleEndian.Uint16(rdr.data[cur : cur+2]))
		cur += 2
		e.Instr = rdr.data[cur : cur+instrLen]
		cur += instrLen

		if pc >= e.LowPC+base && pc < e.HighPC+base {
			return &e, nil
		}
	}
	return nil, nil
}

func (rdr *LegacyReader) readAddr(cur *int) uint64 {
	switch rdr.ptrSz {
	case 4:
		addr := binary.LittleEndian.Uint32(rdr.data[*cur : *cur+4])
		*cur += 4
		if addr == ^uint32(0) {
			return ^uint64(0)
		}
		return uint64(addr)
	case 8:
		addr := binary.LittleEndian.Uint64(rdr.data[*cur : *cur+8])
		*cur += 8
		return addr
	default:
		panic("loclist: unsupported address size")
	}
}

// opcode is one DW_LLE_* location-list entry kind (DWARFv5 §7.29).
type opcode uint8

const (
	opEndOfList    opcode = 0x0
	opBaseAddressX opcode = 0x1
	opStartXEndX   opcode = 0x2
	opStartXLength opcode = 0x3
	opOffsetPair   opcode = 0x4
	opDefaultLoc   opcode = 0x5
	opBaseAddress  opcode = 0x6
	opStartEnd     opcode = 0x7
	opStartLength  opcode = 0x8
)

// ListsReader reads the DWARF 5 .debug_loclists opcode-stream encoding.
type ListsReader struct {
	byteOrder binary.ByteOrder
	ptrSz     int
	data      []byte
}

// NewDwarf5Reader returns a Reader for the DWARF 5 .debug_loclists
// encoding, or nil if data is empty (the compile unit carries no
// DWARF5 location lists).
func NewDwarf5Reader(data []byte) *ListsReader {
	if len(data) == 0 {
		return nil
	}
	_, dwarf64, _, byteOrder := util.ReadDwarfLengthVersion(data)

	header := data[6:]
	if dwarf64 {
		header = header[8:]
	}
	addrSz, segSelSz := header[0], header[1]

	// Unread: offset_entry_count (4 bytes) and its offset table, which
	// this tracer looks up loclists by raw byte offset rather than index.
	return &ListsReader{data: data, byteOrder: byteOrder, ptrSz: int(addrSz + segSelSz)}
}

// Empty reports whether this reader has no backing data.
func (rdr *ListsReader) Empty() bool {
	return rdr == nil
}

// Find returns the entry covering pc in the opcode stream starting at
// byte offset off.
func (rdr *ListsReader) Find(off int, staticBase, base, pc uint64, debugAddr *godwarf.DebugAddr) (*Entry, error) {
	it := &loclistsIterator{rdr: rdr, debugAddr: debugAddr, buf: bytes.NewBuffer(rdr.data), base: base, staticBase: staticBase}
	it.buf.Next(off)

	for it.next() {
		if it.onRange && it.start <= pc && pc < it.end {
			return &Entry{it.start, it.end, it.instr}, nil
		}
	}
	if it.err != nil {
		return nil, it.err
	}
	if it.defaultInstr != nil {
		return &Entry{pc, pc + 1, it.defaultInstr}, nil
	}
	return nil, nil
}

type loclistsIterator struct {
	rdr        *ListsReader
	debugAddr  *godwarf.DebugAddr
	buf        *bytes.Buffer
	staticBase uint64
	base       uint64

	onRange      bool
	atEnd        bool
	start, end   uint64
	instr        []byte
	defaultInstr []byte
	err          error
}

func (it *loclistsIterator) next() bool {
	if it.err != nil || it.atEnd {
		return false
	}
	op, err := it.buf.ReadByte()
	if err != nil {
		it.err = err
		return false
	}

	switch opcode(op) {
	case opEndOfList:
		it.atEnd = true
		it.onRange = false
		return false

	case opBaseAddressX:
		idx, _ := util.DecodeULEB128(it.buf)
		it.base, it.err = it.debugAddr.Get(idx)
		it.base += it.staticBase
		it.onRange = false

	case opStartXEndX:
		startIdx, _ := util.DecodeULEB128(it.buf)
		endIdx, _ := util.DecodeULEB128(it.buf)
		it.readInstr()
		it.start, it.err = it.debugAddr.Get(startIdx)
		if it.err == nil {
			it.end, it.err = it.debugAddr.Get(endIdx)
		}
		it.onRange = true

	case opStartXLength:
		startIdx, _ := util.DecodeULEB128(it.buf)
		length, _ := util.DecodeULEB128(it.buf)
		it.readInstr()
		it.start, it.err = it.debugAddr.Get(startIdx)
		it.end = it.start + length
		it.onRange = true

	case opOffsetPair:
		off1, _ := util.DecodeULEB128(it.buf)
		off2, _ := util.DecodeULEB128(it.buf)
		it.readInstr()
		it.start = it.base + off1
		it.end = it.base + off2
		it.onRange = true

	case opDefaultLoc:
		it.readInstr()
		it.defaultInstr = it.instr
		it.onRange = false

	case opBaseAddress:
		it.base, it.err = util.ReadUintRaw(it.buf, it.rdr.byteOrder, it.rdr.ptrSz)
		it.base += it.staticBase
		it.onRange = false

	case opStartEnd:
		it.start, it.err = util.ReadUintRaw(it.buf, it.rdr.byteOrder, it.rdr.ptrSz)
		it.end, it.err = util.ReadUintRaw(it.buf, it.rdr.byteOrder, it.rdr.ptrSz)
		it.readInstr()
		it.onRange = true

	case opStartLength:
		it.start, it.err = util.ReadUintRaw(it.buf, it.rdr.byteOrder, it.rdr.ptrSz)
		length, _ := util.DecodeULEB128(it.buf)
		it.readInstr()
		it.end = it.start + length
		it.onRange = true

	default:
		it.err = fmt.Errorf("loclist: unknown DW_LLE opcode %#x at offset %#x", op, len(it.rdr.data)-it.buf.Len())
		it.onRange = false
		it.atEnd = true
		return false
	}
	return true
}

func (it *loclistsIterator) readInstr() {
	length, _ := util.DecodeULEB128(it.buf)
	it.instr = it.buf.Next(int(length))
}
