package unwind

import (
	"encoding/binary"
	"testing"

	"github.com/tweedegolf/stackdump/pkg/dwarf/frame"
	"github.com/tweedegolf/stackdump/pkg/memory"
	"github.com/tweedegolf/stackdump/pkg/platform/cortexm"
)

func u32(v uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	return b
}

// entry builds one .debug_frame CIE or FDE record: a 4-byte length prefix,
// a 4-byte id/pointer field, then body.
func entry(idOrPtr uint32, body []byte) []byte {
	out := append([]byte{}, u32(uint32(len(body)+4))...)
	out = append(out, u32(idOrPtr)...)
	out = append(out, body...)
	return out
}

// buildDebugFrame constructs a minimal .debug_frame section with one CIE
// (CFA = r13+8, return address register 14, no default register rules)
// and two FDEs: fdeA (pc1, recovers r14 via CFA-4, the EXC_RETURN-shaped
// value the prologue stored there — so fdeA's own frame is the one tagged
// Exception) and fdeB (pc2, CFA = r13+0, no saved register rules —
// deliberately leaves the unwind undefined past it).
func buildDebugFrame(pc1, pc2 uint32) []byte {
	cieBody := []byte{
		0x01,             // version
		0x00,             // augmentation: empty string
		0x01,             // code_alignment_factor: 1
		0x7C,             // data_alignment_factor: -4 (SLEB128)
		0x0E,             // return_address_register: 14 (LR)
		0x0C, 0x0D, 0x08, // DW_CFA_def_cfa(r13, 8)
	}
	cie := entry(0xFFFFFFFF, cieBody)

	fdeABody := append([]byte{}, u32(pc1)...)
	fdeABody = append(fdeABody, u32(0x10)...)
	fdeABody = append(fdeABody, 0x8E, 0x01) // DW_CFA_offset(r14, 1) -> CFA + 1*(-4)
	fdeA := entry(0x00000000, fdeABody)

	fdeBBody := append([]byte{}, u32(pc2)...)
	fdeBBody = append(fdeBBody, u32(0x10)...)
	fdeBBody = append(fdeBBody, 0x0C, 0x0D, 0x00) // DW_CFA_def_cfa(r13, 0)
	fdeB := entry(0x00000000, fdeBBody)

	var out []byte
	out = append(out, cie...)
	out = append(out, fdeA...)
	out = append(out, fdeB...)
	return out
}

func TestUnwindExceptionThenNormalBoundary(t *testing.T) {
	const pc1 = 0x08000100
	const pc2 = 0x08000200
	const spInitial = 0x20001000
	const cfaA = spInitial + 8

	debugFrame := buildDebugFrame(pc1, pc2)
	fdes := frame.Parse(debugFrame)

	var stack []byte
	stack = append(stack, u32(0)...)          // +0x00 unused
	stack = append(stack, u32(0xFFFFFFFD)...) // +0x04: retaddr word at CFA-4 (EXC_RETURN, FType set -> no FPU)
	stack = append(stack, u32(0x11)...)       // +0x08: R0
	stack = append(stack, u32(0x22)...)       // +0x0C: R1
	stack = append(stack, u32(0x33)...)       // +0x10: R2
	stack = append(stack, u32(0x44)...)       // +0x14: R3
	stack = append(stack, u32(0x55)...)       // +0x18: R12
	stack = append(stack, u32(0x08000099)...) // +0x1C: LR
	stack = append(stack, u32(pc2)...)        // +0x20: PC
	stack = append(stack, u32(0x01000000)...) // +0x24: xPSR

	region := memory.MemoryRegion{Base: spInitial, Length: uint64(len(stack)), Bytes: stack}
	regs := memory.RegisterData{Values: map[uint64]uint64{
		cortexm.PCRegNum: pc1,
		cortexm.SPRegNum: spInitial,
	}}
	mem := memory.New([]memory.MemoryRegion{region}, []memory.RegisterData{regs})

	u := New(fdes, &cortexm.CortexM{}, 16)
	frames, err := u.Unwind(mem)
	if err != nil {
		t.Fatalf("Unwind: %v", err)
	}
	if len(frames) != 2 {
		t.Fatalf("got %d frames, want 2: %+v", len(frames), frames)
	}

	if frames[0].PC != pc1 || frames[0].Kind != FrameKindException || frames[0].CFA != cfaA {
		t.Errorf("frame 0 = %+v, want pc=%#x kind=exception cfa=%#x", frames[0], pc1, cfaA)
	}
	if frames[1].PC != pc2 || frames[1].Kind != FrameKindNormal {
		t.Errorf("frame 1 = %+v, want pc=%#x kind=normal", frames[1], pc2)
	}

	recoveredLR, err := frames[1].Memory.Register(cortexm.LRRegNum)
	if err != nil || recoveredLR != 0x08000099 {
		t.Errorf("recovered LR = %#x, %v; want 0x08000099", recoveredLR, err)
	}
	recoveredR0, err := frames[1].Memory.Register(cortexm.R0RegNum)
	if err != nil || recoveredR0 != 0x11 {
		t.Errorf("recovered R0 = %#x, %v; want 0x11", recoveredR0, err)
	}
}
