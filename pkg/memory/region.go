// Package memory implements the DeviceMemory facade (spec §3, §4.1): an
// address-indexed read surface over the union of captured memory regions
// and register snapshots that make up a post-mortem device snapshot.
package memory

import "fmt"

// MemoryRegion is a half-open byte range [Base, Base+Length) captured from
// the device. Regions are immutable after capture and must not overlap
// with any other region in the same DeviceMemory.
type MemoryRegion struct {
	Base   uint64
	Length uint64
	Bytes  []byte
}

// End returns the address one past the last byte in the region.
func (r MemoryRegion) End() uint64 {
	return r.Base + r.Length
}

// Contains reports whether [addr, addr+n) lies entirely within r.
func (r MemoryRegion) Contains(addr, n uint64) bool {
	if n == 0 {
		return addr >= r.Base && addr <= r.End()
	}
	return addr >= r.Base && addr+n <= r.End()
}

// Read copies n bytes starting at addr into a new slice. The caller must
// have already established (via Contains) that the range lies within r.
func (r MemoryRegion) Read(addr, n uint64) ([]byte, error) {
	if !r.Contains(addr, n) {
		return nil, fmt.Errorf("address range [%#x,%#x) is not within region [%#x,%#x)", addr, addr+n, r.Base, r.End())
	}
	off := addr - r.Base
	if off+n > uint64(len(r.Bytes)) {
		return nil, fmt.Errorf("region [%#x,%#x) declares length %d but only has %d bytes captured", r.Base, r.End(), r.Length, len(r.Bytes))
	}
	out := make([]byte, n)
	copy(out, r.Bytes[off:off+n])
	return out, nil
}
