package op

import (
	"bytes"
	"encoding/binary"
)

// DerefFunc reads sz bytes at addr from whatever memory backs the trace
// (captured regions, typically). It returns an error if the bytes were
// not captured — DW_OP_deref then fails the way any other unreadable
// location does, rather than panicking.
type DerefFunc func(addr uint64, sz int) ([]byte, error)

// DwarfRegisters holds the register values a DWARF expression is evaluated
// against, plus the handful of derived values (CFA, frame base) DWARF
// expressions commonly reference.
type DwarfRegisters struct {
	StaticBase uint64

	CFA       int64
	FrameBase int64

	regs []*DwarfRegister

	ByteOrder binary.ByteOrder
	PCRegNum  uint64
	SPRegNum  uint64
	LRRegNum  uint64

	// Deref resolves DW_OP_deref/DW_OP_deref_size against captured
	// memory. Nil if no memory is available to the evaluator (some
	// contexts, such as evaluating DW_AT_frame_base before a frame is
	// fully established, only need register values).
	Deref DerefFunc
}

// DwarfRegister is the value of a single register, cached both as a
// plain integer and (lazily) as its little/big-endian byte encoding.
type DwarfRegister struct {
	Uint64Val uint64
	Bytes     []byte
}

// NewDwarfRegisters returns a new DwarfRegisters object.
func NewDwarfRegisters(staticBase uint64, regs []*DwarfRegister, byteOrder binary.ByteOrder, pcRegNum, spRegNum, lrRegNum uint64) *DwarfRegisters {
	return &DwarfRegisters{
		StaticBase: staticBase,
		regs:       regs,
		ByteOrder:  byteOrder,
		PCRegNum:   pcRegNum,
		SPRegNum:   spRegNum,
		LRRegNum:   lrRegNum,
	}
}

// CurrentSize returns the number of known registers.
func (regs *DwarfRegisters) CurrentSize() int {
	return len(regs.regs)
}

// Uint64Val returns the uint64 value of register idx, or 0 if undefined.
func (regs *DwarfRegisters) Uint64Val(idx uint64) uint64 {
	reg := regs.Reg(idx)
	if reg == nil {
		return 0
	}
	return reg.Uint64Val
}

// Bytes returns the byte encoding of register idx, nil if undefined.
func (regs *DwarfRegisters) Bytes(idx uint64) []byte {
	reg := regs.Reg(idx)
	if reg == nil {
		return nil
	}
	if reg.Bytes == nil {
		var buf bytes.Buffer
		binary.Write(&buf, regs.ByteOrder, reg.Uint64Val)
		reg.Bytes = buf.Bytes()
	}
	return reg.Bytes
}

// Reg returns register idx, or nil if it is not defined in this register
// file (the unwinder marks registers RuleUndefined this way).
func (regs *DwarfRegisters) Reg(idx uint64) *DwarfRegister {
	if idx >= uint64(len(regs.regs)) {
		return nil
	}
	return regs.regs[idx]
}

func (regs *DwarfRegisters) PC() uint64 {
	return regs.Uint64Val(regs.PCRegNum)
}

func (regs *DwarfRegisters) SP() uint64 {
	return regs.Uint64Val(regs.SPRegNum)
}

// AddReg sets register idx to reg, growing the backing slice if needed.
func (regs *DwarfRegisters) AddReg(idx uint64, reg *DwarfRegister) {
	if idx >= uint64(len(regs.regs)) {
		newRegs := make([]*DwarfRegister, idx+1)
		copy(newRegs, regs.regs)
		regs.regs = newRegs
	}
	regs.regs[idx] = reg
}

// Clone returns a deep copy whose register slice can be mutated (by the
// unwinder's overlay protocol, for instance) without affecting regs.
func (regs *DwarfRegisters) Clone() *DwarfRegisters {
	clone := *regs
	clone.regs = make([]*DwarfRegister, len(regs.regs))
	for i, r := range regs.regs {
		if r != nil {
			rc := *r
			clone.regs[i] = &rc
		}
	}
	return &clone
}

func DwarfRegisterFromUint64(v uint64) *DwarfRegister {
	return &DwarfRegister{Uint64Val: v}
}

func DwarfRegisterFromBytes(b []byte) *DwarfRegister {
	var v uint64
	switch len(b) {
	case 1:
		v = uint64(b[0])
	case 2:
		v = uint64(binary.LittleEndian.Uint16(b))
	case 4:
		v = uint64(binary.LittleEndian.Uint32(b))
	default:
		if len(b) >= 8 {
			v = binary.LittleEndian.Uint64(b[:8])
		}
	}
	return &DwarfRegister{Uint64Val: v, Bytes: b}
}
