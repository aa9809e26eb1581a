// Package loader opens an ELF binary produced for a bare-metal Cortex-M
// target and exposes the subset of its DWARF debug information the rest of
// the tracer needs: compile units, subprogram ranges, call frame
// information, and random access to any DIE by offset.
package loader

import (
	"debug/dwarf"
	"debug/elf"
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/tweedegolf/stackdump/pkg/dwarf/frame"
	"github.com/tweedegolf/stackdump/pkg/dwarf/godwarf"
)

// CompileUnit is one DW_TAG_compile_unit, with its own DWARF version (a
// single binary may mix DWARF4 and DWARF5 compile units, spec §2) and the
// line-number program offset used to resolve call-site file/line info.
type CompileUnit struct {
	Entry         *dwarf.Entry
	Offset        dwarf.Offset
	Name          string
	CompDir       string
	LowPC, HighPC uint64
	LineProgOff   int64
	StmtListSet   bool
	Version       int // DWARF unit version (2-4 or 5+), for pkg/location's loclist format choice
}

// Function is one DW_TAG_subprogram with concrete PC ranges, i.e. a
// function that was actually emitted (as opposed to an abstract inline
// instance, which has no PC range of its own — spec §4.2).
type Function struct {
	Name       string
	Entry, End uint64
	Offset     dwarf.Offset
	CU         *CompileUnit
}

// Loader is the parsed, queryable form of one ELF binary.
type Loader struct {
	elfFile *elf.File
	dwdata  *dwarf.Data

	FrameEntries frame.FrameDescriptionEntries

	compileUnits []*CompileUnit
	functions    []Function // sorted by Entry

	DebugLocBytes  []byte
	DebugAddrBytes []byte
	DebugStrOffBytes []byte
	DebugRngListsBytes []byte
	DebugLocListsBytes []byte
	debugInfoBytes []byte

	PtrSize int
}

// Load opens path, an ELF file, and parses its DWARF and call-frame debug
// sections. Bare-metal firmware images are statically linked and not
// position-independent, so unlike a hosted debugger this loader does not
// need to track a runtime load bias; addresses in the DWARF data are used
// as-is (spec §2).
func Load(path string) (*Loader, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("loader: opening %s: %w", path, err)
	}

	dwdata, err := f.DWARF()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("loader: %s has no usable DWARF debug info: %w", path, err)
	}

	l := &Loader{elfFile: f, dwdata: dwdata, PtrSize: 4}

	debugFrame := sectionData(f, ".debug_frame")
	if debugFrame == nil {
		f.Close()
		return nil, fmt.Errorf("loader: %s has no .debug_frame section; unwinding is impossible without call frame information", path)
	}
	l.FrameEntries = frame.Parse(debugFrame)

	l.debugInfoBytes = sectionData(f, ".debug_info")
	l.DebugLocBytes = sectionData(f, ".debug_loc")
	l.DebugAddrBytes = sectionData(f, ".debug_addr")
	l.DebugStrOffBytes = sectionData(f, ".debug_str_offsets")
	l.DebugRngListsBytes = sectionData(f, ".debug_rnglists")
	l.DebugLocListsBytes = sectionData(f, ".debug_loclists")

	if err := l.loadCompileUnits(); err != nil {
		f.Close()
		return nil, err
	}

	return l, nil
}

func sectionData(f *elf.File, name string) []byte {
	sec := f.Section(name)
	if sec == nil {
		return nil
	}
	data, err := sec.Data()
	if err != nil {
		return nil
	}
	return data
}

// Close releases the underlying ELF file handle.
func (l *Loader) Close() error {
	return l.elfFile.Close()
}

// DwarfData returns the raw debug/dwarf handle, for callers (pkg/types,
// pkg/location) that need to read attributes this loader doesn't surface
// directly.
func (l *Loader) DwarfData() *dwarf.Data { return l.dwdata }

// Machine reports the ELF machine type, used to sanity check a requested
// platform against the binary (spec §2).
func (l *Loader) Machine() elf.Machine { return l.elfFile.Machine }

// FDEForPC returns the frame description entry covering pc, satisfying
// pkg/unwind.FrameSource.
func (l *Loader) FDEForPC(pc uint64) (*frame.FrameDescriptionEntry, error) {
	return l.FrameEntries.FDEForPC(pc)
}

// EntryPoint is the ELF entry point, the reset vector on a Cortex-M image.
func (l *Loader) EntryPoint() uint64 { return l.elfFile.Entry }

func (l *Loader) loadCompileUnits() error {
	rdr := l.dwdata.Reader()
	for {
		entry, err := rdr.Next()
		if err != nil {
			return fmt.Errorf("loader: reading debug_info: %w", err)
		}
		if entry == nil {
			break
		}
		if entry.Tag != dwarf.TagCompileUnit {
			rdr.SkipChildren()
			continue
		}

		cu := &CompileUnit{Entry: entry, Offset: entry.Offset}
		if name, ok := entry.Val(dwarf.AttrName).(string); ok {
			cu.Name = name
		}
		if dir, ok := entry.Val(dwarf.AttrCompDir).(string); ok {
			cu.CompDir = dir
		}
		if lowpc, ok := entry.Val(dwarf.AttrLowpc).(uint64); ok {
			cu.LowPC = lowpc
		}
		cu.HighPC = highpcOf(entry, cu.LowPC)
		if off, ok := entry.Val(dwarf.AttrStmtList).(int64); ok {
			cu.LineProgOff = off
			cu.StmtListSet = true
		}
		cu.Version = cuHeaderVersion(l.debugInfoBytes, cu.Offset)

		l.compileUnits = append(l.compileUnits, cu)

		if err := l.loadSubprograms(rdr, cu); err != nil {
			return err
		}
	}

	sort.Slice(l.functions, func(i, j int) bool { return l.functions[i].Entry < l.functions[j].Entry })
	return nil
}

// highpcOf resolves DW_AT_high_pc, which DWARF4+ permits to be encoded
// either as an absolute address or as an offset from low_pc depending on
// its form (DWARF v5 §2.17.2). debug/dwarf hands back the address form as
// a uint64 and the constant form as an int64 offset, which highpcOf adds
// to lowpc; a missing attribute yields lowpc.
func highpcOf(entry *dwarf.Entry, lowpc uint64) uint64 {
	switch v := entry.Val(dwarf.AttrHighpc).(type) {
	case uint64:
		return v
	case int64:
		return lowpc + uint64(v)
	default:
		return lowpc
	}
}

// loadSubprograms walks the direct and nested children of a compile unit
// looking for DW_TAG_subprogram entries that carry a concrete PC range.
// Entries without one are abstract instances only reachable via
// DW_AT_abstract_origin from an inlined call (spec §4.2) and are resolved
// lazily by pkg/frameassembler instead of indexed here.
func (l *Loader) loadSubprograms(rdr *dwarf.Reader, cu *CompileUnit) error {
	depth := 0
	for {
		entry, err := rdr.Next()
		if err != nil {
			return err
		}
		if entry == nil {
			return nil
		}
		if entry.Tag == 0 {
			if depth == 0 {
				return nil
			}
			depth--
			continue
		}
		if entry.Children {
			depth++
		}

		if entry.Tag != dwarf.TagSubprogram {
			continue
		}
		lowpc, ok := entry.Val(dwarf.AttrLowpc).(uint64)
		if !ok {
			continue
		}
		name, _ := entry.Val(dwarf.AttrName).(string)
		l.functions = append(l.functions, Function{
			Name:   name,
			Entry:  lowpc,
			End:    highpcOf(entry, lowpc),
			Offset: entry.Offset,
			CU:     cu,
		})
	}
}

// cuHeaderVersion recovers a compile unit's DWARF version from the raw
// .debug_info bytes, since debug/dwarf parses the per-unit header
// internally and does not expose it. dieOffset is the offset of the
// CU's root DIE, which always immediately follows its unit header; the
// header is 11 bytes for DWARF2-4 (unit_length, version, abbrev_offset,
// address_size) and 12 for DWARF5 (unit_length, version, unit_type,
// address_size, abbrev_offset), with the version field at byte offset 4
// in both layouts. Trying each candidate header length and checking the
// version value it implies disambiguates the two without circularity.
func cuHeaderVersion(debugInfo []byte, dieOffset dwarf.Offset) int {
	off := int64(dieOffset)
	for _, headerLen := range []int64{12, 11} {
		start := off - headerLen
		if start < 0 || start+6 > int64(len(debugInfo)) {
			continue
		}
		version := binary.LittleEndian.Uint16(debugInfo[start+4 : start+6])
		switch {
		case headerLen == 12 && version == 5:
			return 5
		case headerLen == 11 && version >= 2 && version <= 4:
			return int(version)
		}
	}
	return 4
}

// FindCompileUnit returns the compile unit whose range contains pc, or nil.
func (l *Loader) FindCompileUnit(pc uint64) *CompileUnit {
	for _, cu := range l.compileUnits {
		if pc >= cu.LowPC && pc < cu.HighPC {
			return cu
		}
	}
	return nil
}

// CompileUnits returns every parsed compile unit.
func (l *Loader) CompileUnits() []*CompileUnit { return l.compileUnits }

// FuncForPC returns the innermost concrete (non-inlined) subprogram whose
// range contains pc, by binary search over the entry-sorted function list.
func (l *Loader) FuncForPC(pc uint64) *Function {
	i := sort.Search(len(l.functions), func(i int) bool { return l.functions[i].Entry > pc })
	if i == 0 {
		return nil
	}
	fn := &l.functions[i-1]
	if pc >= fn.Entry && pc < fn.End {
		return fn
	}
	return nil
}

// SubprogramTree loads the full DIE tree (lexical blocks, inlined calls,
// local variables) rooted at fn, for pkg/frameassembler to walk.
func (l *Loader) SubprogramTree(fn *Function) (*godwarf.Tree, error) {
	return godwarf.LoadTree(fn.Offset, l.dwdata, 0)
}

// EntryAt seeks a fresh *dwarf.Reader to off and returns the DIE there, for
// random-access DIE resolution (type references, abstract origins).
func (l *Loader) EntryAt(off dwarf.Offset) (*dwarf.Entry, error) {
	rdr := l.dwdata.Reader()
	rdr.Seek(off)
	return rdr.Next()
}

// Reader returns a fresh *dwarf.Reader positioned at the start of
// debug_info, for callers that need to walk more than a single subtree
// (the static-variable enumeration in pkg/types, for instance).
func (l *Loader) Reader() *dwarf.Reader { return l.dwdata.Reader() }

// VectorTableEntry reads the index-th 4-byte little-endian word of the
// .vector_table section: index 0 is the initial stack pointer, index 1 is
// the reset handler address (the ARMv7-M vector table layout), for
// pkg/platform/cortexm's reset-vector termination check (spec §4.3 step 6).
func (l *Loader) VectorTableEntry(index int) (uint32, bool) {
	data := sectionData(l.elfFile, ".vector_table")
	if data == nil {
		return 0, false
	}
	off := index * 4
	if off+4 > len(data) {
		return 0, false
	}
	return binary.LittleEndian.Uint32(data[off : off+4]), true
}

// SymbolRange returns the [address, address+size) extent of the ELF
// symbol whose value equals addr, used to bound the reset handler
// function found via VectorTableEntry.
func (l *Loader) SymbolRange(addr uint64) (lo, hi uint64, ok bool) {
	syms, err := l.elfFile.Symbols()
	if err != nil {
		return 0, 0, false
	}
	for _, s := range syms {
		if s.Value == addr {
			return s.Value, s.Value + s.Size, true
		}
	}
	return 0, 0, false
}
