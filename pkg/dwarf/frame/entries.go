// Package frame decodes the .debug_frame Call Frame Information that a
// bare-metal Cortex-M build emits in place of .eh_frame: unlike delve,
// this tracer never attaches to a running process and never unwinds
// relocatable, position-independent, or non-little-endian images, so the
// CIE/FDE layout here is fixed at a 4-byte pointer size, little-endian
// byte order, and a zero static base (spec §2, pkg/loader's "statically
// linked, not position-independent" invariant).
package frame

import (
	"fmt"
	"sort"
)

// CommonInformationEntry holds the fields shared by every
// FrameDescriptionEntry that references it: the DWARF CFI program that
// establishes the initial rule table for each of its FDEs.
type CommonInformationEntry struct {
	Length                uint32
	Version               uint8
	CodeAlignmentFactor   uint64
	DataAlignmentFactor   int64
	ReturnAddressRegister uint64
	InitialInstructions   []byte
}

// FrameDescriptionEntry covers one contiguous PC range with the DWARF CFI
// program that unwinds it, relative to the rules its CommonInformationEntry
// establishes.
type FrameDescriptionEntry struct {
	Length       uint32
	CIE          *CommonInformationEntry
	Instructions []byte
	begin, size  uint64
}

// Cover reports whether addr falls within this FDE's PC range.
func (fde *FrameDescriptionEntry) Cover(addr uint64) bool {
	return (addr - fde.begin) < fde.size
}

// Begin returns the first address covered by this FDE.
func (fde *FrameDescriptionEntry) Begin() uint64 {
	return fde.begin
}

// End returns the address one past the last one covered by this FDE.
func (fde *FrameDescriptionEntry) End() uint64 {
	return fde.begin + fde.size
}

// EstablishFrame runs this FDE's CIE initial program followed by its own
// program up to pc, returning the resulting register rule table.
func (fde *FrameDescriptionEntry) EstablishFrame(pc uint64) *FrameContext {
	return executeDwarfProgramUntilPC(fde, pc)
}

// FrameDescriptionEntries is a PC-sorted index of FDEs, searchable by
// FDEForPC.
type FrameDescriptionEntries []*FrameDescriptionEntry

func newFrameIndex() FrameDescriptionEntries {
	return make(FrameDescriptionEntries, 0, 256)
}

// ErrNoFDEForPC is returned when no FDE covers a requested PC, which on a
// Cortex-M target usually means the PC fell into a hand-written assembly
// routine (e.g. a reset handler) that carries no call frame information.
type ErrNoFDEForPC struct {
	PC uint64
}

func (err *ErrNoFDEForPC) Error() string {
	return fmt.Sprintf("no FDE covers pc %#x", err.PC)
}

// FDEForPC returns the FrameDescriptionEntry covering pc.
func (fdes FrameDescriptionEntries) FDEForPC(pc uint64) (*FrameDescriptionEntry, error) {
	idx := sort.Search(len(fdes), func(i int) bool {
		return fdes[i].Cover(pc) || fdes[i].Begin() >= pc
	})
	if idx == len(fdes) || !fdes[idx].Cover(pc) {
		return nil, &ErrNoFDEForPC{pc}
	}
	return fdes[idx], nil
}
