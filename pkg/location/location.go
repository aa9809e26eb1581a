// Package location evaluates DWARF location attributes — simple
// expressions or location lists — into a VariableLocation, the frame's
// registers and captured memory supplying whatever the expression needs
// (spec §4.5).
package location

import (
	"debug/dwarf"
	"errors"
	"fmt"

	"github.com/tweedegolf/stackdump/pkg/dwarf/godwarf"
	"github.com/tweedegolf/stackdump/pkg/dwarf/loclist"
	"github.com/tweedegolf/stackdump/pkg/dwarf/op"
	"github.com/tweedegolf/stackdump/pkg/memory"
)

// UnavailableReason is why a VariableLocation could not be produced.
type UnavailableReason int

const (
	ReasonOptimizedAway UnavailableReason = iota
	ReasonNoLocationForPC
	ReasonNeedsMemory
	ReasonNeedsEntryValue
	ReasonEvalError
)

func (r UnavailableReason) String() string {
	switch r {
	case ReasonOptimizedAway:
		return "variable was optimized away"
	case ReasonNoLocationForPC:
		return "location list not found for the current PC value"
	case ReasonNeedsMemory:
		return "not within available memory"
	case ReasonNeedsEntryValue:
		return "entry value reconstruction is not supported"
	case ReasonEvalError:
		return "location expression evaluation failed"
	default:
		return "unavailable"
	}
}

// VariableLocation is the sum type describing where a variable's bytes
// live once its DWARF location has been evaluated (spec §3).
type VariableLocation struct {
	Kind        Kind
	Address     uint64 // Kind == Memory
	RegNum      uint64 // Kind == Register
	RegByteOff  int64  // Kind == Register, optional sub-register offset
	Bytes       []byte // Kind == Value
	Pieces      []Piece
	Unavailable UnavailableReason // Kind == Unavailable
	Detail      string            // extra context for Unavailable/EvalError
}

// Piece is one composed fragment of a Piecewise location.
type Piece struct {
	Loc     VariableLocation
	BitSize int64
}

// Kind tags which field of VariableLocation is meaningful.
type Kind int

const (
	KindMemory Kind = iota
	KindRegister
	KindValue
	KindPiecewise
	KindUnavailable
)

func unavailable(reason UnavailableReason, detail string) VariableLocation {
	return VariableLocation{Kind: KindUnavailable, Unavailable: reason, Detail: detail}
}

// Sections bundles the raw DWARF sections a location evaluation may need
// beyond the expression bytes themselves.
type Sections struct {
	DebugLoc      []byte // DWARF2-4 .debug_loc
	DebugLocLists []byte // DWARF5 .debug_loclists
	DebugAddr     *godwarf.DebugAddr
	PtrSize       int
	Version       int // DWARF version of the owning compile unit: 2-4 or 5+
}

// Evaluator evaluates DW_AT_location (and DW_AT_frame_base) attributes
// against a specific frame's registers and memory.
type Evaluator struct {
	sections Sections

	// FrameBaseOf resolves the DW_AT_frame_base expression of the
	// subprogram enclosing pc, recursively, since DW_OP_fbreg depends on
	// it (spec §4.5). It returns ok=false if pc has no enclosing
	// subprogram with a frame base (e.g. while evaluating a CU-scope
	// static variable's location).
	FrameBaseOf func(pc uint64) (int64, bool)

	// Deref reads sz bytes at addr via DeviceMemory, used for
	// DW_OP_deref/DW_OP_deref_size and reported as ReasonNeedsMemory on
	// failure.
	Deref op.DerefFunc
}

// NewEvaluator builds an Evaluator for one compile unit's location
// sections.
func NewEvaluator(sections Sections, frameBaseOf func(uint64) (int64, bool), deref op.DerefFunc) *Evaluator {
	return &Evaluator{sections: sections, FrameBaseOf: frameBaseOf, Deref: deref}
}

// Evaluate resolves attrVal — either a single DWARF expression ([]byte) or
// a location-list offset (int64), the two forms DW_AT_location may take —
// at pc, against regs.
func (e *Evaluator) Evaluate(attrVal interface{}, pc uint64, cuLowPC, staticBase uint64, regs *op.DwarfRegisters) VariableLocation {
	instr, err := e.instructionsFor(attrVal, pc, cuLowPC, staticBase)
	if err != nil {
		return unavailable(ReasonNoLocationForPC, err.Error())
	}
	if instr == nil {
		return unavailable(ReasonNoLocationForPC, fmt.Sprintf("no location list entry covers pc %#x", pc))
	}
	return e.evaluateExpression(instr, regs)
}

// instructionsFor returns the raw DWARF expression bytes to execute for
// attrVal at pc, resolving a location-list offset if that's what attrVal
// is.
func (e *Evaluator) instructionsFor(attrVal interface{}, pc, cuLowPC, staticBase uint64) ([]byte, error) {
	switch v := attrVal.(type) {
	case []byte:
		return v, nil
	case int64:
		return e.loclistEntry(v, pc, cuLowPC, staticBase)
	default:
		return nil, fmt.Errorf("unsupported location attribute type %T", attrVal)
	}
}

func (e *Evaluator) loclistEntry(off int64, pc, cuLowPC, staticBase uint64) ([]byte, error) {
	var rdr loclist.Reader
	if e.sections.Version >= 5 {
		rdr = loclist.NewDwarf5Reader(e.sections.DebugLocLists)
	} else {
		rdr = loclist.NewDwarf2Reader(e.sections.DebugLoc, e.sections.PtrSize)
	}
	if rdr.Empty() {
		return nil, fmt.Errorf("no location list section available")
	}
	entry, err := rdr.Find(int(off), staticBase, cuLowPC, pc, e.sections.DebugAddr)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return nil, nil
	}
	return entry.Instr, nil
}

// evaluateExpression runs instr through the op stack machine and converts
// its result into a VariableLocation. A bare DW_OP_regN/DW_OP_regx (the
// whole value lives in a register, no DW_OP_piece needed) comes back from
// ExecuteStackProgram as a single-entry, zero-size Piece rather than a
// plain address — pkg/dwarf/op always routes register results through its
// pieces slice, so there is no ambiguity to resolve here.
func (e *Evaluator) evaluateExpression(instr []byte, regs *op.DwarfRegisters) VariableLocation {
	if containsEntryValue(instr) {
		return unavailable(ReasonNeedsEntryValue, "")
	}

	execRegs := *regs
	if execRegs.Deref == nil {
		execRegs.Deref = e.Deref
	}

	result, pieces, err := op.ExecuteStackProgram(execRegs, instr, e.sections.PtrSize)
	if err != nil {
		if isMemoryError(err) {
			return unavailable(ReasonNeedsMemory, err.Error())
		}
		return unavailable(ReasonEvalError, err.Error())
	}

	if len(pieces) > 0 {
		return e.assemblePieces(pieces)
	}
	return VariableLocation{Kind: KindMemory, Address: uint64(result)}
}

func (e *Evaluator) assemblePieces(pieces []op.Piece) VariableLocation {
	if len(pieces) == 1 && pieces[0].Size == 0 {
		if pieces[0].IsRegister {
			return VariableLocation{Kind: KindRegister, RegNum: pieces[0].RegNum}
		}
	}
	result := VariableLocation{Kind: KindPiecewise}
	for _, p := range pieces {
		var loc VariableLocation
		if p.IsRegister {
			loc = VariableLocation{Kind: KindRegister, RegNum: p.RegNum}
		} else {
			loc = VariableLocation{Kind: KindMemory, Address: uint64(p.Addr)}
		}
		result.Pieces = append(result.Pieces, Piece{Loc: loc, BitSize: int64(p.Size) * 8})
	}
	return result
}

func isMemoryError(err error) bool {
	var uncaptured *memory.UncapturedError
	if errors.As(err, &uncaptured) {
		return true
	}
	return errors.Is(err, memory.ErrOutOfRange)
}

// containsEntryValue reports whether instr uses DW_OP_entry_value or its
// GNU predecessor, which this tracer cannot evaluate (spec §4.5: doing so
// would require the register file at subprogram entry, which a post-mortem
// snapshot — captured at one arbitrary point in time — does not have).
func containsEntryValue(instr []byte) bool {
	for _, b := range instr {
		if b == 0xa3 /* DW_OP_entry_value */ || b == 0xf3 /* DW_OP_GNU_entry_value */ {
			return true
		}
	}
	return false
}

// FrameBaseAttr reads the DW_AT_frame_base attribute off a subprogram DIE.
// pkg/frameassembler calls it on each raw frame's concrete subprogram and
// evaluates the result into DwarfRegisters.FrameBase itself.
func FrameBaseAttr(entry godwarf.Entry) (interface{}, bool) {
	v := entry.Val(dwarf.AttrFrameBase)
	return v, v != nil
}
