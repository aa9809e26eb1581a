package location

import (
	"encoding/binary"
	"testing"

	"github.com/tweedegolf/stackdump/pkg/dwarf/op"
	"github.com/tweedegolf/stackdump/pkg/memory"
)

func testRegs(cfa, frameBase int64, deref op.DerefFunc) *op.DwarfRegisters {
	regs := op.NewDwarfRegisters(0, nil, binary.LittleEndian, 15, 13, 14)
	regs.CFA = cfa
	regs.FrameBase = frameBase
	regs.Deref = deref
	regs.AddReg(0, op.DwarfRegisterFromUint64(0x2000_0000))
	return regs
}

func noDeref(addr uint64, sz int) ([]byte, error) { return nil, memory.ErrOutOfRange }

func TestEvaluateSimpleAddressExpression(t *testing.T) {
	e := NewEvaluator(Sections{PtrSize: 4}, nil, noDeref)

	// DW_OP_addr 0x1000
	instr := []byte{0x03, 0x00, 0x10, 0x00, 0x00}
	loc := e.Evaluate(instr, 0, 0, 0, testRegs(0, 0, noDeref))

	if loc.Kind != KindMemory || loc.Address != 0x1000 {
		t.Fatalf("Evaluate(DW_OP_addr) = %+v, want Kind=Memory Address=0x1000", loc)
	}
}

func TestEvaluateRegisterExpression(t *testing.T) {
	e := NewEvaluator(Sections{PtrSize: 4}, nil, noDeref)

	// DW_OP_reg0
	loc := e.Evaluate([]byte{0x50}, 0, 0, 0, testRegs(0, 0, noDeref))

	if loc.Kind != KindRegister || loc.RegNum != 0 {
		t.Fatalf("Evaluate(DW_OP_reg0) = %+v, want Kind=Register RegNum=0", loc)
	}
}

func TestEvaluateFrameBaseExpression(t *testing.T) {
	e := NewEvaluator(Sections{PtrSize: 4}, nil, noDeref)

	// DW_OP_fbreg -4 (sleb128 0x7c)
	loc := e.Evaluate([]byte{0x91, 0x7c}, 0, 0, 0, testRegs(0, 0x2000_0100, noDeref))

	if loc.Kind != KindMemory || loc.Address != 0x2000_00fc {
		t.Fatalf("Evaluate(DW_OP_fbreg -4) = %+v, want Address=0x2000_00fc", loc)
	}
}

func TestEvaluateCallFrameCFA(t *testing.T) {
	e := NewEvaluator(Sections{PtrSize: 4}, nil, noDeref)

	loc := e.Evaluate([]byte{0x9c}, 0, 0, 0, testRegs(0x2000_0200, 0, noDeref))

	if loc.Kind != KindMemory || loc.Address != 0x2000_0200 {
		t.Fatalf("Evaluate(DW_OP_call_frame_cfa) = %+v, want Address=0x2000_0200", loc)
	}
}

func TestEvaluateDerefMemoryErrorBecomesUnavailable(t *testing.T) {
	e := NewEvaluator(Sections{PtrSize: 4}, nil, noDeref)

	// DW_OP_addr 0x1000, DW_OP_deref
	instr := []byte{0x03, 0x00, 0x10, 0x00, 0x00, 0x06}
	loc := e.Evaluate(instr, 0, 0, 0, testRegs(0, 0, noDeref))

	if loc.Kind != KindUnavailable || loc.Unavailable != ReasonNeedsMemory {
		t.Fatalf("Evaluate(deref of uncaptured memory) = %+v, want Unavailable/ReasonNeedsMemory", loc)
	}
}

func TestEvaluateEntryValueIsUnsupported(t *testing.T) {
	e := NewEvaluator(Sections{PtrSize: 4}, nil, noDeref)

	loc := e.Evaluate([]byte{0xa3, 0x01, 0x50}, 0, 0, 0, testRegs(0, 0, noDeref))

	if loc.Kind != KindUnavailable || loc.Unavailable != ReasonNeedsEntryValue {
		t.Fatalf("Evaluate(DW_OP_entry_value) = %+v, want Unavailable/ReasonNeedsEntryValue", loc)
	}
}

func TestEvaluateUnsupportedAttrType(t *testing.T) {
	e := NewEvaluator(Sections{PtrSize: 4}, nil, noDeref)

	loc := e.Evaluate(uint32(5), 0, 0, 0, testRegs(0, 0, noDeref))

	if loc.Kind != KindUnavailable || loc.Unavailable != ReasonNoLocationForPC {
		t.Fatalf("Evaluate(unsupported attr type) = %+v, want Unavailable/ReasonNoLocationForPC", loc)
	}
}

func TestEvaluatePiecewiseRegisterAndMemory(t *testing.T) {
	e := NewEvaluator(Sections{PtrSize: 4}, nil, noDeref)

	// DW_OP_reg0, DW_OP_piece 2, DW_OP_addr 0x1000, DW_OP_piece 2
	instr := []byte{0x50, 0x93, 0x02, 0x03, 0x00, 0x10, 0x00, 0x00, 0x93, 0x02}
	loc := e.Evaluate(instr, 0, 0, 0, testRegs(0, 0, noDeref))

	if loc.Kind != KindPiecewise || len(loc.Pieces) != 2 {
		t.Fatalf("Evaluate(piecewise) = %+v, want Kind=Piecewise with 2 pieces", loc)
	}
	if loc.Pieces[0].Loc.Kind != KindRegister || loc.Pieces[0].BitSize != 16 {
		t.Errorf("Pieces[0] = %+v, want Register/16 bits", loc.Pieces[0])
	}
	if loc.Pieces[1].Loc.Kind != KindMemory || loc.Pieces[1].Loc.Address != 0x1000 {
		t.Errorf("Pieces[1] = %+v, want Memory@0x1000", loc.Pieces[1])
	}
}

func TestUnavailableReasonStrings(t *testing.T) {
	cases := map[UnavailableReason]string{
		ReasonOptimizedAway:   "variable was optimized away",
		ReasonNoLocationForPC: "location list not found for the current PC value",
		ReasonNeedsMemory:     "not within available memory",
		ReasonNeedsEntryValue: "entry value reconstruction is not supported",
		ReasonEvalError:       "location expression evaluation failed",
	}
	for reason, want := range cases {
		if got := reason.String(); got != want {
			t.Errorf("%v.String() = %q, want %q", int(reason), got, want)
		}
	}
}
