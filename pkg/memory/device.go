package memory

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
)

// ErrOutOfRange is returned when an address range does not fall within any
// known region at all — as opposed to *UncapturedError, which means the
// device's address space may plausibly contain that range, but no capture
// routine happened to snapshot it. pkg/render reports either one as
// "Error(Not within available memory)", and pkg/location maps both to
// ReasonNeedsMemory.
var ErrOutOfRange = errors.New("address is out of range for any captured region")

// UncapturedError reports that [Addr, Addr+Length) was not fully covered
// by a single captured region.
type UncapturedError struct {
	Addr, Length uint64
}

func (e *UncapturedError) Error() string {
	return fmt.Sprintf("memory at [%#x,%#x) was not captured", e.Addr, e.Addr+e.Length)
}

// DeviceMemory aggregates an ordered, non-overlapping list of memory
// regions and an ordered list of register sets captured from a device at
// one point in time. It is the sole read surface the rest of the tracer
// uses to reach bytes or registers; it does not own the underlying byte
// slices or know how they were captured.
type DeviceMemory struct {
	regions   []MemoryRegion
	registers []RegisterData
	overlay   *RegisterData
}

// New builds a DeviceMemory from the given regions and register sets.
// Regions are sorted by base address; the caller is responsible for
// ensuring they do not overlap (capture-side invariant, spec §3).
func New(regions []MemoryRegion, registers []RegisterData) *DeviceMemory {
	sorted := append([]MemoryRegion(nil), regions...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Base < sorted[j].Base })
	return &DeviceMemory{regions: sorted, registers: registers}
}

// Regions returns the regions backing this DeviceMemory, for diagnostic
// enumeration (the `stackdump regions` subcommand).
func (d *DeviceMemory) Regions() []MemoryRegion { return d.regions }

// RegisterSets returns the register sets backing this DeviceMemory.
func (d *DeviceMemory) RegisterSets() []RegisterData { return d.registers }

// regionFor returns the region fully covering [addr, addr+n), or nil.
func (d *DeviceMemory) regionFor(addr, n uint64) *MemoryRegion {
	// Regions are sorted and non-overlapping: find the last region whose
	// base is <= addr, then check coverage.
	idx := sort.Search(len(d.regions), func(i int) bool { return d.regions[i].Base > addr })
	if idx == 0 {
		return nil
	}
	r := &d.regions[idx-1]
	if r.Contains(addr, n) {
		return r
	}
	return nil
}

// ReadBytes reads n bytes at addr. It returns ErrOutOfRange if addr does
// not fall within the span of any captured region at all, or an
// *UncapturedError if the range straddles a gap or the edge of the
// nearest region.
func (d *DeviceMemory) ReadBytes(addr, n uint64) ([]byte, error) {
	if r := d.regionFor(addr, n); r != nil {
		return r.Read(addr, n)
	}
	for _, r := range d.regions {
		if addr >= r.Base && addr < r.End() {
			return nil, &UncapturedError{Addr: addr, Length: n}
		}
	}
	return nil, ErrOutOfRange
}

// ReadU32 reads a little-endian 32-bit word at addr.
func (d *DeviceMemory) ReadU32(addr uint64) (uint32, error) {
	b, err := d.ReadBytes(addr, 4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

// Register returns the value of register regnum, preferring the active
// unwind overlay (see CloneWithOverrides) over the base register sets.
func (d *DeviceMemory) Register(regnum uint64) (uint64, error) {
	if d.overlay != nil {
		if v, ok := d.overlay.Get(regnum); ok {
			return v, nil
		}
	}
	for _, set := range d.registers {
		if v, ok := set.Get(regnum); ok {
			return v, nil
		}
	}
	return 0, &UnknownRegisterError{RegNum: regnum}
}

// RegisterWrite speculatively sets regnum to v in the active overlay (or
// a fresh one, if none is active), without disturbing the base register
// sets. It is used by the unwinder to materialize a caller's register
// file one register at a time while computing it.
func (d *DeviceMemory) RegisterWrite(regnum, v uint64) {
	if d.overlay == nil {
		d.overlay = &RegisterData{Values: map[uint64]uint64{}}
	}
	if d.overlay.Values == nil {
		d.overlay.Values = map[uint64]uint64{}
	}
	d.overlay.Values[regnum] = v
}

// CloneWithOverrides returns a new DeviceMemory that shares this one's
// regions and register sets but holds its own copy of this one's overlay,
// so later writes to either do not affect the other.
// The unwinder uses this to build each caller's register file without
// mutating the callee's view.
func (d *DeviceMemory) CloneWithOverrides() *DeviceMemory {
	clone := &DeviceMemory{regions: d.regions, registers: d.registers}
	if d.overlay != nil {
		values := make(map[uint64]uint64, len(d.overlay.Values))
		for k, v := range d.overlay.Values {
			values[k] = v
		}
		clone.overlay = &RegisterData{ArchID: d.overlay.ArchID, Width: d.overlay.Width, Values: values}
	}
	return clone
}
