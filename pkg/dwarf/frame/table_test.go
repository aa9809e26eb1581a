package frame

import "testing"

// A minimal synthetic CIE/FDE pair exercising the opcodes a Cortex-M
// prologue actually emits: def_cfa, advance_loc, offset_extended, and the
// packed DW_CFA_offset form.
func TestEstablishFrameAppliesPrologueRules(t *testing.T) {
	cie := &CommonInformationEntry{
		CodeAlignmentFactor: 2,
		DataAlignmentFactor: -4,
		InitialInstructions: []byte{
			DW_CFA_def_cfa, 13, 0, // r13 (sp) + 0
		},
	}
	fde := &FrameDescriptionEntry{
		CIE:   cie,
		begin: 0x1000,
		size:  0x20,
		Instructions: []byte{
			byte(DW_CFA_advance_loc | 0x02), // advance_loc(2) -> loc += 2*2 = 4
			DW_CFA_offset_extended, 14, 1,   // r14 (lr) at CFA-4
			byte(DW_CFA_offset | 0x0b), 2, // packed offset: r11 at CFA-8
		},
	}

	ctx := fde.EstablishFrame(0x1000 + 4)

	if ctx.CFA.Rule != RuleCFA || ctx.CFA.Reg != 13 || ctx.CFA.Offset != 0 {
		t.Fatalf("CFA rule = %+v, want reg 13 offset 0", ctx.CFA)
	}
	lr, ok := ctx.Regs[14]
	if !ok || lr.Rule != RuleOffset || lr.Offset != -4 {
		t.Fatalf("r14 rule = %+v, want offset -4", lr)
	}
	r11, ok := ctx.Regs[11]
	if !ok || r11.Rule != RuleOffset || r11.Offset != -8 {
		t.Fatalf("r11 rule = %+v, want offset -8", r11)
	}
}

func TestRememberAndRestoreState(t *testing.T) {
	cie := &CommonInformationEntry{
		CodeAlignmentFactor: 1,
		DataAlignmentFactor: -4,
		InitialInstructions: []byte{
			DW_CFA_def_cfa, 13, 0,
			DW_CFA_remember_state,
			DW_CFA_offset_extended, 14, 1,
			DW_CFA_restore_state,
		},
	}
	ctx := executeCIEInstructions(cie)

	if _, ok := ctx.Regs[14]; ok {
		t.Fatalf("expected r14 rule to be discarded by restore_state, got %+v", ctx.Regs[14])
	}
}

func TestUnsupportedOpcodePanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected a panic for an unsupported CFI opcode")
		}
	}()
	cie := &CommonInformationEntry{InitialInstructions: []byte{0x1c}} // DW_CFA_lo_user, unsupported here
	executeCIEInstructions(cie)
}
