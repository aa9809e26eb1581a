// Package cortexm implements platform.Platform for ARM Cortex-M: ARM's
// DWARF register numbering plus the EXC_RETURN hardware-exception-frame
// recovery spec §4.3 step 5 describes. Grounded on
// original_source/trace/src/platform/cortex_m/mod.rs, which implements
// exactly this algorithm against gimli/addr2line instead of debug/dwarf.
package cortexm

import (
	"encoding/binary"
	"fmt"

	"github.com/tweedegolf/stackdump/pkg/loader"
	"github.com/tweedegolf/stackdump/pkg/memory"
)

// DWARF register numbers for ARM (AADWARF32): r0-r15 map directly,
// s0-s31 (VFP single precision) start at 64. Matches
// go-delve/delve's pkg/proc/arm_arch.go core-register numbering
// (armDwarfPCRegNum == 15, armDwarfSPRegNum == 13, armDwarfLRRegNum == 14).
const (
	R0RegNum  uint64 = 0
	R1RegNum  uint64 = 1
	R2RegNum  uint64 = 2
	R3RegNum  uint64 = 3
	R12RegNum uint64 = 12
	SPRegNum  uint64 = 13
	LRRegNum  uint64 = 14
	PCRegNum  uint64 = 15
	S0RegNum  uint64 = 64 // first of S0..S15, the hardware-stacked FPU words
)

const (
	excReturnMarkerMask = 0xFF000000
	excReturnFTypeMask  = 1 << 4
)

// CortexM implements platform.Platform for the ARMv6-M/ARMv7-M
// architecture family.
type CortexM struct {
	resetLow, resetHigh uint64
	haveReset           bool
}

// New builds a CortexM platform context from l's ELF image, locating the
// reset handler via the vector table (index 1 is the reset handler
// address per the ARMv7-M vector table layout) and its ELF symbol's
// extent, for AtResetVector's termination check.
func New(l *loader.Loader) *CortexM {
	c := &CortexM{}
	resetAddr, ok := l.VectorTableEntry(1)
	if !ok {
		return c
	}
	lo, hi, ok := l.SymbolRange(uint64(resetAddr))
	if !ok {
		lo, hi = uint64(resetAddr), uint64(resetAddr)
	}
	c.resetLow, c.resetHigh, c.haveReset = lo, hi, true
	return c
}

func (c *CortexM) Name() string                { return "cortex-m" }
func (c *CortexM) PCRegNum() uint64            { return PCRegNum }
func (c *CortexM) SPRegNum() uint64            { return SPRegNum }
func (c *CortexM) PtrSize() int                { return 4 }
func (c *CortexM) ByteOrder() binary.ByteOrder { return binary.LittleEndian }

// IsExceptionReturn reports whether retAddr carries the EXC_RETURN magic
// top-byte pattern (0xFFxxxxxx) rather than a real code address (spec
// §4.3 step 5).
func (c *CortexM) IsExceptionReturn(retAddr uint64) bool {
	return uint32(retAddr)&excReturnMarkerMask == excReturnMarkerMask
}

// RecoverExceptionFrame reads the 8-word hardware exception frame (R0-R3,
// R12, LR, PC, xPSR) from mem's current stack pointer, then — if the
// FType bit of retAddr is clear, meaning the FPU's extended frame was
// stacked — the 17-word FPU frame (S0-S15, FPSCR) immediately above it
// (spec §4.3, pinned down from original_source's exception-frame layout).
// original_source's own FType check (`LR & FTYPE_MASK > 0`) inverts the
// real ARMv7-M convention; this implementation follows the polarity spec
// §4.3 states explicitly (FType clear means the extended frame was
// stacked) while keeping the original's 17-word count.
func (c *CortexM) RecoverExceptionFrame(mem *memory.DeviceMemory, retAddr uint64) error {
	sp, err := mem.Register(SPRegNum)
	if err != nil {
		return err
	}

	coreWords := [...]uint64{R0RegNum, R1RegNum, R2RegNum, R3RegNum, R12RegNum, LRRegNum, PCRegNum}
	for i, reg := range coreWords {
		v, err := mem.ReadU32(sp + uint64(i)*4)
		if err != nil {
			return fmt.Errorf("cortexm: reading exception stack word %d at %#x: %w", i, sp+uint64(i)*4, err)
		}
		mem.RegisterWrite(reg, uint64(v))
	}
	// index 7 (xPSR) is stacked but not modeled as a register we track.
	sp += 8 * 4

	if retAddr&excReturnFTypeMask == 0 {
		for i := 0; i < 16; i++ {
			v, err := mem.ReadU32(sp + uint64(i)*4)
			if err != nil {
				return fmt.Errorf("cortexm: reading FPU stack word %d at %#x: %w", i, sp+uint64(i)*4, err)
			}
			mem.RegisterWrite(S0RegNum+uint64(i), uint64(v))
		}
		// FPSCR, the 17th stacked word.
		sp += 17 * 4
	}

	mem.RegisterWrite(SPRegNum, sp)
	return nil
}

// AtResetVector reports whether pc falls within the reset handler's
// extent, one of the unwinder's termination conditions (spec §4.3 step
// 6): "we'll also make an assumption that there's no frames before
// reset".
func (c *CortexM) AtResetVector(pc uint64) bool {
	if !c.haveReset {
		return false
	}
	if c.resetLow == c.resetHigh {
		return pc == c.resetLow
	}
	return pc >= c.resetLow && pc < c.resetHigh
}
