// Package platform declares the narrow per-architecture trait spec §4.2
// requires: register numbering plus the one operation that is genuinely
// architecture-specific — recovering from a hardware exception return.
// Cortex-M (pkg/platform/cortexm) is the sole implementation in scope.
package platform

import (
	"encoding/binary"

	"github.com/tweedegolf/stackdump/pkg/memory"
)

// Platform supplies the register numbering and byte order pkg/unwind
// needs to drive the generic CFI engine, plus the ARM-specific exception
// frame handling spec §4.3 step 5 calls out by name.
type Platform interface {
	Name() string

	// PCRegNum and SPRegNum are this platform's DWARF register numbers for
	// the program counter and stack pointer (spec §4.2).
	PCRegNum() uint64
	SPRegNum() uint64

	PtrSize() int
	ByteOrder() binary.ByteOrder

	// IsExceptionReturn reports whether retAddr — the return address CFI
	// just recovered as the caller's PC — is actually the CPU's EXC_RETURN
	// marker rather than a real code address (spec §4.3 step 5).
	IsExceptionReturn(retAddr uint64) bool

	// RecoverExceptionFrame overwrites mem's registers with the values the
	// CPU pushed onto the stack when it entered the exception whose
	// EXC_RETURN value is retAddr. mem's SP must already be the exception
	// frame's base address (the CFA CFI computed for the excepting frame).
	RecoverExceptionFrame(mem *memory.DeviceMemory, retAddr uint64) error

	// AtResetVector reports whether pc is the platform's reset/entry
	// handler, one of the unwinder's termination conditions (spec §4.3
	// step 6: "we'll also make an assumption that there's no frames before
	// reset").
	AtResetVector(pc uint64) bool
}
