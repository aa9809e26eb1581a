package frame

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/tweedegolf/stackdump/pkg/dwarf/util"
)

// DWRule is the unwind rule in effect for one register (or the CFA) at a
// given PC.
type DWRule struct {
	Rule       Rule
	Offset     int64
	Reg        uint64
	Expression []byte
}

// FrameContext is the CFI rule table being built as a CIE's and then an
// FDE's instruction stream is executed up to a target PC.
type FrameContext struct {
	loc             uint64
	address         uint64
	CFA             DWRule
	Regs            map[uint64]DWRule
	initialRegs     map[uint64]DWRule
	buf             *bytes.Buffer
	cie             *CommonInformationEntry
	RetAddrReg      uint64
	codeAlignment   uint64
	dataAlignment   int64
	rememberedState *stateStack
}

type rowState struct {
	cfa  DWRule
	regs map[uint64]DWRule
}

// stateStack backs DW_CFA_remember_state/DW_CFA_restore_state.
type stateStack struct {
	items []rowState
}

func (s *stateStack) push(state rowState) {
	s.items = append(s.items, state)
}

func (s *stateStack) pop() rowState {
	top := s.items[len(s.items)-1]
	s.items = s.items[:len(s.items)-1]
	return top
}

// CFI opcodes this tracer's target toolchain (arm-none-eabi-gcc) actually
// emits. Producer-specific extensions in the DW_CFA_lo_user..DW_CFA_hi_user
// range are not interpreted: nothing in the example dumps this tracer was
// built against uses them.
const (
	DW_CFA_nop                = 0x0
	DW_CFA_set_loc            = 0x01
	DW_CFA_advance_loc1       = iota
	DW_CFA_advance_loc2
	DW_CFA_advance_loc4
	DW_CFA_offset_extended
	DW_CFA_restore_extended
	DW_CFA_undefined
	DW_CFA_same_value
	DW_CFA_register
	DW_CFA_remember_state
	DW_CFA_restore_state
	DW_CFA_def_cfa
	DW_CFA_def_cfa_register
	DW_CFA_def_cfa_offset
	DW_CFA_def_cfa_expression
	DW_CFA_expression
	DW_CFA_offset_extended_sf
	DW_CFA_def_cfa_sf
	DW_CFA_def_cfa_offset_sf
	DW_CFA_val_offset
	DW_CFA_val_offset_sf
	DW_CFA_val_expression
	DW_CFA_advance_loc = (0x1 << 6) // high 2 bits 0x1, low 6 bits: delta
	DW_CFA_offset      = (0x2 << 6) // high 2 bits 0x2, low 6 bits: register
	DW_CFA_restore     = (0x3 << 6) // high 2 bits 0x3, low 6 bits: register
)

// Rule is the kind of unwind rule that applies to a register or the CFA.
type Rule byte

const (
	RuleUndefined Rule = iota
	RuleSameVal
	RuleOffset
	RuleValOffset
	RuleRegister
	RuleExpression
	RuleValExpression
	RuleArchitectural
	RuleCFA          // value is rule.Reg + rule.Offset
	RuleFramePointer // stored at rule.Reg + rule.Offset, but only below the current CFA
)

const low6Bits = 0x3f

func executeCIEInstructions(cie *CommonInformationEntry) *FrameContext {
	initial := make([]byte, len(cie.InitialInstructions))
	copy(initial, cie.InitialInstructions)

	ctx := &FrameContext{
		cie:             cie,
		Regs:            make(map[uint64]DWRule),
		RetAddrReg:      cie.ReturnAddressRegister,
		initialRegs:     make(map[uint64]DWRule),
		codeAlignment:   cie.CodeAlignmentFactor,
		dataAlignment:   cie.DataAlignmentFactor,
		buf:             bytes.NewBuffer(initial),
		rememberedState: &stateStack{},
	}
	for ctx.buf.Len() > 0 {
		ctx.step()
	}
	return ctx
}

func executeDwarfProgramUntilPC(fde *FrameDescriptionEntry, pc uint64) *FrameContext {
	ctx := executeCIEInstructions(fde.CIE)
	ctx.loc = fde.Begin()
	ctx.address = pc
	ctx.buf.Truncate(0)
	ctx.buf.Write(fde.Instructions)

	// Only instructions up to the target PC affect the rules in effect
	// at that PC.
	for ctx.address >= ctx.loc && ctx.buf.Len() > 0 {
		ctx.step()
	}
	return ctx
}

// step decodes and applies one CFI instruction from ctx.buf.
func (ctx *FrameContext) step() {
	opcode, err := ctx.buf.ReadByte()
	if err != nil {
		panic("frame: could not read CFI opcode")
	}
	if opcode == DW_CFA_nop {
		return
	}

	// The 3 highest-frequency opcodes pack their only argument into the
	// low 6 bits of the opcode byte itself.
	switch opcode & 0xc0 {
	case DW_CFA_advance_loc:
		ctx.advanceLoc(opcode & low6Bits)
		return
	case DW_CFA_offset:
		ctx.offset(opcode & low6Bits)
		return
	case DW_CFA_restore:
		ctx.restore(uint64(opcode & low6Bits))
		return
	}

	switch opcode {
	case DW_CFA_set_loc:
		var loc uint32
		binary.Read(ctx.buf, binary.LittleEndian, &loc)
		ctx.loc = uint64(loc)
	case DW_CFA_advance_loc1:
		delta, _ := ctx.buf.ReadByte()
		ctx.loc += uint64(delta) * ctx.codeAlignment
	case DW_CFA_advance_loc2:
		var delta uint16
		binary.Read(ctx.buf, binary.LittleEndian, &delta)
		ctx.loc += uint64(delta) * ctx.codeAlignment
	case DW_CFA_advance_loc4:
		var delta uint32
		binary.Read(ctx.buf, binary.LittleEndian, &delta)
		ctx.loc += uint64(delta) * ctx.codeAlignment
	case DW_CFA_offset_extended:
		reg, _ := util.DecodeULEB128(ctx.buf)
		off, _ := util.DecodeULEB128(ctx.buf)
		ctx.Regs[reg] = DWRule{Offset: int64(off) * ctx.dataAlignment, Rule: RuleOffset}
	case DW_CFA_restore_extended:
		reg, _ := util.DecodeULEB128(ctx.buf)
		ctx.restore(reg)
	case DW_CFA_undefined:
		reg, _ := util.DecodeULEB128(ctx.buf)
		ctx.Regs[reg] = DWRule{Rule: RuleUndefined}
	case DW_CFA_same_value:
		reg, _ := util.DecodeULEB128(ctx.buf)
		ctx.Regs[reg] = DWRule{Rule: RuleSameVal}
	case DW_CFA_register:
		reg1, _ := util.DecodeULEB128(ctx.buf)
		reg2, _ := util.DecodeULEB128(ctx.buf)
		ctx.Regs[reg1] = DWRule{Reg: reg2, Rule: RuleRegister}
	case DW_CFA_remember_state:
		cloned := make(map[uint64]DWRule, len(ctx.Regs))
		for k, v := range ctx.Regs {
			cloned[k] = v
		}
		ctx.rememberedState.push(rowState{cfa: ctx.CFA, regs: cloned})
	case DW_CFA_restore_state:
		restored := ctx.rememberedState.pop()
		ctx.CFA = restored.cfa
		ctx.Regs = restored.regs
	case DW_CFA_def_cfa:
		reg, _ := util.DecodeULEB128(ctx.buf)
		off, _ := util.DecodeULEB128(ctx.buf)
		ctx.CFA = DWRule{Rule: RuleCFA, Reg: reg, Offset: int64(off)}
	case DW_CFA_def_cfa_register:
		reg, _ := util.DecodeULEB128(ctx.buf)
		ctx.CFA.Reg = reg
	case DW_CFA_def_cfa_offset:
		off, _ := util.DecodeULEB128(ctx.buf)
		ctx.CFA.Offset = int64(off)
	case DW_CFA_def_cfa_expression:
		ctx.CFA = DWRule{Rule: RuleExpression, Expression: ctx.readBlock()}
	case DW_CFA_expression:
		reg, _ := util.DecodeULEB128(ctx.buf)
		ctx.Regs[reg] = DWRule{Rule: RuleExpression, Expression: ctx.readBlock()}
	case DW_CFA_offset_extended_sf:
		reg, _ := util.DecodeULEB128(ctx.buf)
		off, _ := util.DecodeSLEB128(ctx.buf)
		ctx.Regs[reg] = DWRule{Offset: off * ctx.dataAlignment, Rule: RuleOffset}
	case DW_CFA_def_cfa_sf:
		reg, _ := util.DecodeULEB128(ctx.buf)
		off, _ := util.DecodeSLEB128(ctx.buf)
		ctx.CFA = DWRule{Rule: RuleCFA, Reg: reg, Offset: off * ctx.dataAlignment}
	case DW_CFA_def_cfa_offset_sf:
		off, _ := util.DecodeSLEB128(ctx.buf)
		ctx.CFA.Offset = off * ctx.dataAlignment
	case DW_CFA_val_offset:
		reg, _ := util.DecodeULEB128(ctx.buf)
		off, _ := util.DecodeULEB128(ctx.buf)
		ctx.Regs[reg] = DWRule{Offset: int64(off), Rule: RuleValOffset}
	case DW_CFA_val_offset_sf:
		reg, _ := util.DecodeULEB128(ctx.buf)
		off, _ := util.DecodeSLEB128(ctx.buf)
		ctx.Regs[reg] = DWRule{Offset: off * ctx.dataAlignment, Rule: RuleValOffset}
	case DW_CFA_val_expression:
		reg, _ := util.DecodeULEB128(ctx.buf)
		ctx.Regs[reg] = DWRule{Rule: RuleValExpression, Expression: ctx.readBlock()}
	default:
		panic(fmt.Sprintf("frame: unsupported CFI opcode %#x", opcode))
	}
}

func (ctx *FrameContext) advanceLoc(delta byte) {
	ctx.loc += uint64(delta) * ctx.codeAlignment
}

func (ctx *FrameContext) offset(reg byte) {
	off, _ := util.DecodeULEB128(ctx.buf)
	ctx.Regs[uint64(reg)] = DWRule{Offset: int64(off) * ctx.dataAlignment, Rule: RuleOffset}
}

func (ctx *FrameContext) restore(reg uint64) {
	if old, ok := ctx.initialRegs[reg]; ok {
		ctx.Regs[reg] = DWRule{Offset: old.Offset, Rule: RuleOffset}
	} else {
		ctx.Regs[reg] = DWRule{Rule: RuleUndefined}
	}
}

func (ctx *FrameContext) readBlock() []byte {
	l, _ := util.DecodeULEB128(ctx.buf)
	return ctx.buf.Next(int(l))
}
