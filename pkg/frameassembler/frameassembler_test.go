package frameassembler

import (
	"debug/dwarf"
	"encoding/binary"
	"testing"

	"github.com/tweedegolf/stackdump/pkg/dwarf/godwarf"
	"github.com/tweedegolf/stackdump/pkg/loader"
	"github.com/tweedegolf/stackdump/pkg/location"
	"github.com/tweedegolf/stackdump/pkg/memory"
	"github.com/tweedegolf/stackdump/pkg/types"
	"github.com/tweedegolf/stackdump/pkg/unwind"
)

// fakePlatform is a minimal platform.Platform for tests that never unwind
// across an exception boundary or touch the reset vector.
type fakePlatform struct{}

func (fakePlatform) Name() string                { return "fake" }
func (fakePlatform) PCRegNum() uint64             { return 15 }
func (fakePlatform) SPRegNum() uint64             { return 13 }
func (fakePlatform) PtrSize() int                 { return 4 }
func (fakePlatform) ByteOrder() binary.ByteOrder  { return binary.LittleEndian }
func (fakePlatform) IsExceptionReturn(uint64) bool { return false }
func (fakePlatform) RecoverExceptionFrame(*memory.DeviceMemory, uint64) error { return nil }
func (fakePlatform) AtResetVector(uint64) bool    { return false }

// fakeEntry is a minimal godwarf.Entry for building synthetic trees
// without a real ELF/DWARF fixture.
type fakeEntry map[dwarf.Attr]interface{}

func (e fakeEntry) Val(attr dwarf.Attr) interface{} { return e[attr] }

func leaf(tag dwarf.Tag, ranges [2]uint64, attrs fakeEntry, children ...*godwarf.Tree) *godwarf.Tree {
	return &godwarf.Tree{Entry: attrs, Tag: tag, Ranges: [][2]uint64{ranges}, Children: children}
}

// TestInlineStackOrdering builds a three-level subprogram/inline/inline
// tree (outer calls middle inlines inner, spec §8 scenario 2) and checks
// that inlineStack returns the deepest inline first.
func TestInlineStackOrdering(t *testing.T) {
	const pc = 0x1000

	inner := leaf(dwarf.TagInlinedSubroutine, [2]uint64{0x1000, 0x1010}, fakeEntry{
		dwarf.AttrName: "inner",
	})
	middle := leaf(dwarf.TagInlinedSubroutine, [2]uint64{0x1000, 0x1020}, fakeEntry{
		dwarf.AttrName: "middle",
	}, inner)
	outer := leaf(dwarf.TagSubprogram, [2]uint64{0x1000, 0x1030}, fakeEntry{
		dwarf.AttrName: "outer",
	}, middle)

	stack := inlineStack(outer, pc)
	if len(stack) != 2 {
		t.Fatalf("got %d inline frames, want 2: %+v", len(stack), stack)
	}
	if name := entryName(stack[0]); name != "inner" {
		t.Errorf("innermost frame = %q, want %q", name, "inner")
	}
	if name := entryName(stack[1]); name != "middle" {
		t.Errorf("next frame = %q, want %q", name, "middle")
	}
}

// TestInlineStackExcludesOutOfRange checks that an inlined-subroutine
// whose range doesn't contain pc is skipped, and its own children are not
// visited either.
func TestInlineStackExcludesOutOfRange(t *testing.T) {
	const pc = 0x2000

	notCalled := leaf(dwarf.TagInlinedSubroutine, [2]uint64{0x1000, 0x1010}, fakeEntry{
		dwarf.AttrName: "not_called",
	})
	other := leaf(dwarf.TagInlinedSubroutine, [2]uint64{0x2000, 0x2010}, fakeEntry{
		dwarf.AttrName: "other",
	})
	outer := leaf(dwarf.TagSubprogram, [2]uint64{0x1000, 0x3000}, fakeEntry{
		dwarf.AttrName: "outer",
	}, notCalled, other)

	stack := inlineStack(outer, pc)
	if len(stack) != 1 || entryName(stack[0]) != "other" {
		t.Fatalf("got %+v, want exactly [other]", stack)
	}
}

// varEntry builds a formal-parameter/local-variable DIE with a bare
// DW_OP_fbreg location expression, a type reference, and a name.
func varEntry(name string, typeOff dwarf.Offset, fbregOffset int64, isParam bool) *godwarf.Tree {
	tag := dwarf.TagVariable
	if isParam {
		tag = dwarf.TagFormalParameter
	}
	// DW_OP_fbreg <sleb128 offset>
	var instr []byte
	instr = append(instr, 0x91)
	instr = append(instr, encodeSLEB128(fbregOffset)...)
	return &godwarf.Tree{
		Entry: fakeEntry{
			dwarf.AttrName:     name,
			dwarf.AttrType:     typeOff,
			dwarf.AttrLocation: instr,
		},
		Tag: tag,
	}
}

func encodeSLEB128(v int64) []byte {
	var out []byte
	more := true
	for more {
		b := byte(v & 0x7f)
		v >>= 7
		if (v == 0 && b&0x40 == 0) || (v == -1 && b&0x40 != 0) {
			more = false
		} else {
			b |= 0x80
		}
		out = append(out, b)
	}
	return out
}

// TestAssembleRawEquivalentEndToEnd builds a two-level inline call chain
// (outer subprogram calling an inlined middle calling an inlined inner,
// spec §8 scenario 2) each carrying its own variable, unwinds it through
// the same expansion assembleRaw performs, and checks both the call-site
// chaining invariant (spec §8 invariant 4: an outer inline frame's source
// location is the call site recorded on its immediate inner inline) and
// that each frame's variables come back with real evaluated locations
// (spec §8 scenario 1). It stops short of Assemble/assembleRaw themselves,
// which additionally require a real ELF+DWARF fixture to resolve
// FuncForPC/SubprogramTree/the line program — construction this package
// cannot do without running the Go toolchain to verify a hand-built binary
// DWARF section; pkg/loader's own tests cover FuncForPC and
// FindCompileUnit over hand-built tables, not ELF or line-program parsing.
func TestAssembleRawEquivalentEndToEnd(t *testing.T) {
	const pc = 0x1008
	const intOff dwarf.Offset = 0x10

	intType := types.NewBaseType(intOff, 4, "int32_t", types.EncodingSigned)
	resolver := types.NewStaticResolver(map[dwarf.Offset]types.Type{intOff: intType})

	innerVar := varEntry("x", intOff, -4, true)
	inner := leaf(dwarf.TagInlinedSubroutine, [2]uint64{0x1000, 0x1010}, fakeEntry{
		dwarf.AttrName:       "inner",
		dwarf.AttrCallFile:   int64(1),
		dwarf.AttrCallLine:   int64(20),
		dwarf.AttrCallColumn: int64(5),
	}, innerVar)

	middleVar := varEntry("y", intOff, -8, true)
	middle := leaf(dwarf.TagInlinedSubroutine, [2]uint64{0x1000, 0x1020}, fakeEntry{
		dwarf.AttrName:       "middle",
		dwarf.AttrCallFile:   int64(1),
		dwarf.AttrCallLine:   int64(10),
		dwarf.AttrCallColumn: int64(3),
	}, inner, middleVar)

	outerVar := varEntry("z", intOff, -12, false)
	outer := leaf(dwarf.TagSubprogram, [2]uint64{0x1000, 0x1030}, fakeEntry{
		dwarf.AttrName:       "outer",
		dwarf.AttrFrameBase:  []byte{0x9c}, // DW_OP_call_frame_cfa
	}, middle, outerVar)

	files := []*dwarf.LineFile{nil, {Name: "main.rs"}}

	l := &loader.Loader{PtrSize: 4}
	a := New(l, resolver, fakePlatform{}, Options{ShowInlinedFunctions: true}, nil)

	cu := &loader.CompileUnit{Entry: &dwarf.Entry{}, LowPC: 0x1000, Version: 4}

	mem := memory.New([]memory.MemoryRegion{{Base: 0x2000_0000, Length: 16, Bytes: make([]byte, 16)}}, nil)
	rf := unwind.RawFrame{PC: pc, CFA: 0x2000_0010, Kind: unwind.FrameKindNormal, Memory: mem}

	dregs := a.registersFor(rf, outer)

	loc := SourceLocation{} // concrete subprogram's own line-program location; no line table in this fixture
	var frames []Frame
	for _, node := range inlineStack(outer, pc) {
		frames = append(frames, Frame{
			Function:  entryName(node),
			Location:  loc,
			Kind:      KindInlineFunction,
			Variables: a.collectVariables(node, pc, cu, dregs),
		})
		loc = callSiteOf(node, files)
	}
	frames = append(frames, Frame{
		Function:  "outer",
		Location:  loc,
		Kind:      KindFunction,
		Variables: a.collectVariables(outer, pc, cu, dregs),
	})

	if len(frames) != 3 {
		t.Fatalf("got %d frames, want 3 (inner, middle, outer): %+v", len(frames), frames)
	}
	if frames[0].Function != "inner" || frames[1].Function != "middle" || frames[2].Function != "outer" {
		t.Fatalf("frame order = %v, want [inner middle outer]", []string{frames[0].Function, frames[1].Function, frames[2].Function})
	}

	// invariant 4: middle's reported location is inner's call site, and
	// outer's is middle's call site.
	if frames[1].Location.File != "main.rs" || frames[1].Location.Line != 20 || frames[1].Location.Column != 5 {
		t.Errorf("middle frame location = %+v, want main.rs:20:5 (inner's call site)", frames[1].Location)
	}
	if frames[2].Location.File != "main.rs" || frames[2].Location.Line != 10 || frames[2].Location.Column != 3 {
		t.Errorf("outer frame location = %+v, want main.rs:10:3 (middle's call site)", frames[2].Location)
	}

	// scenario 1: each frame's own variable resolved to a concrete memory
	// location relative to CFA (DW_OP_fbreg with frame base == CFA, since
	// the subprogram's own DW_AT_frame_base is DW_OP_call_frame_cfa).
	wantAddr := map[string]uint64{"x": uint64(int64(rf.CFA) - 4), "y": uint64(int64(rf.CFA) - 8), "z": uint64(int64(rf.CFA) - 12)}
	for i, name := range []string{"x", "y", "z"} {
		vs := frames[i].Variables
		if len(vs) != 1 || vs[0].Name != name {
			t.Fatalf("frames[%d].Variables = %+v, want exactly [%s]", i, vs, name)
		}
		if vs[0].Type != types.Type(intType) {
			t.Errorf("variable %s type = %+v, want the resolved int32_t BaseType", name, vs[0].Type)
		}
		if vs[0].Location.Kind != location.KindMemory {
			t.Fatalf("variable %s location kind = %v, want Memory", name, vs[0].Location.Kind)
		}
		if vs[0].Location.Address != wantAddr[name] {
			t.Errorf("variable %s address = %#x, want %#x", name, vs[0].Location.Address, wantAddr[name])
		}
	}
}

func TestCallSiteOf(t *testing.T) {
	files := []*dwarf.LineFile{nil, {Name: "main.rs"}, {Name: "lib.rs"}}

	n := leaf(dwarf.TagInlinedSubroutine, [2]uint64{0, 1}, fakeEntry{
		dwarf.AttrCallFile:   int64(2),
		dwarf.AttrCallLine:   int64(42),
		dwarf.AttrCallColumn: int64(9),
	})

	loc := callSiteOf(n, files)
	if loc.File != "lib.rs" || loc.Line != 42 || loc.Column != 9 {
		t.Errorf("callSiteOf = %+v, want {lib.rs 42 9}", loc)
	}
}

func TestFileNameAtOutOfRange(t *testing.T) {
	files := []*dwarf.LineFile{nil, {Name: "a.rs"}}
	if got := fileNameAt(files, 5); got != "" {
		t.Errorf("fileNameAt(5) = %q, want empty", got)
	}
	if got := fileNameAt(files, 0); got != "" {
		t.Errorf("fileNameAt(0) = %q, want empty (entry 0 is always nil)", got)
	}
	if got := fileNameAt(files, 1); got != "a.rs" {
		t.Errorf("fileNameAt(1) = %q, want a.rs", got)
	}
}

func TestSourceLocationString(t *testing.T) {
	cases := []struct {
		loc  SourceLocation
		want string
	}{
		{SourceLocation{}, ""},
		{SourceLocation{File: "main.rs"}, "main.rs"},
		{SourceLocation{File: "main.rs", Line: 10}, "main.rs:10"},
		{SourceLocation{File: "main.rs", Line: 10, Column: 4}, "main.rs:10:4"},
	}
	for _, c := range cases {
		if got := c.loc.String(); got != c.want {
			t.Errorf("%+v.String() = %q, want %q", c.loc, got, c.want)
		}
	}
}

func TestKindString(t *testing.T) {
	if KindFunction.String() != "Function" {
		t.Errorf("KindFunction.String() = %q", KindFunction.String())
	}
	if KindInlineFunction.String() != "InlineFunction" {
		t.Errorf("KindInlineFunction.String() = %q", KindInlineFunction.String())
	}
	if KindException.String() != "Exception" {
		t.Errorf("KindException.String() = %q", KindException.String())
	}
}

func TestErrorFormatting(t *testing.T) {
	err := newError(ErrDwarfUnitNotFound, "pc %#x is not covered by any subprogram", uint64(0x1234))
	want := "no compile unit covers this pc: pc 0x1234 is not covered by any subprogram"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}
