package loader

import (
	"debug/dwarf"
	"encoding/binary"
	"testing"
)

func entryWithHighpc(val interface{}) *dwarf.Entry {
	e := &dwarf.Entry{Tag: dwarf.TagSubprogram}
	e.Field = append(e.Field, dwarf.Field{Attr: dwarf.AttrHighpc, Val: val})
	return e
}

func TestHighpcOfAbsoluteForm(t *testing.T) {
	e := entryWithHighpc(uint64(0x2000))
	if got := highpcOf(e, 0x1000); got != 0x2000 {
		t.Errorf("highpcOf(absolute) = %#x, want 0x2000", got)
	}
}

func TestHighpcOfOffsetForm(t *testing.T) {
	e := entryWithHighpc(int64(0x100))
	if got := highpcOf(e, 0x1000); got != 0x1100 {
		t.Errorf("highpcOf(offset) = %#x, want 0x1100", got)
	}
}

func TestHighpcOfMissingDefaultsToLowpc(t *testing.T) {
	e := &dwarf.Entry{Tag: dwarf.TagSubprogram}
	if got := highpcOf(e, 0x1000); got != 0x1000 {
		t.Errorf("highpcOf(missing) = %#x, want 0x1000 (lowpc)", got)
	}
}

func dwarf4Header(dieOffset int64) ([]byte, dwarf.Offset) {
	buf := make([]byte, dieOffset+11)
	binary.LittleEndian.PutUint16(buf[dieOffset-11+4:], 4)
	return buf, dwarf.Offset(dieOffset)
}

func dwarf5Header(dieOffset int64) ([]byte, dwarf.Offset) {
	buf := make([]byte, dieOffset+12)
	binary.LittleEndian.PutUint16(buf[dieOffset-12+4:], 5)
	return buf, dwarf.Offset(dieOffset)
}

func TestCuHeaderVersionDwarf4Layout(t *testing.T) {
	data, off := dwarf4Header(11)
	if got := cuHeaderVersion(data, off); got != 4 {
		t.Errorf("cuHeaderVersion(dwarf4 layout) = %d, want 4", got)
	}
}

func TestCuHeaderVersionDwarf5Layout(t *testing.T) {
	data, off := dwarf5Header(12)
	if got := cuHeaderVersion(data, off); got != 5 {
		t.Errorf("cuHeaderVersion(dwarf5 layout) = %d, want 5", got)
	}
}

func TestCuHeaderVersionOutOfBoundsDefaultsTo4(t *testing.T) {
	if got := cuHeaderVersion(nil, 0); got != 4 {
		t.Errorf("cuHeaderVersion(empty data) = %d, want default 4", got)
	}
}

func testLoader(funcs []Function, cus []*CompileUnit) *Loader {
	return &Loader{functions: funcs, compileUnits: cus}
}

func TestFuncForPCFindsCoveringFunction(t *testing.T) {
	l := testLoader([]Function{
		{Name: "a", Entry: 0x100, End: 0x150},
		{Name: "b", Entry: 0x150, End: 0x200},
	}, nil)

	fn := l.FuncForPC(0x160)
	if fn == nil || fn.Name != "b" {
		t.Fatalf("FuncForPC(0x160) = %+v, want function b", fn)
	}

	if l.FuncForPC(0x50) != nil {
		t.Error("FuncForPC before any function should return nil")
	}
	if l.FuncForPC(0x200) != nil {
		t.Error("FuncForPC at the end boundary (exclusive) should return nil")
	}
}

func TestFindCompileUnitMatchesRange(t *testing.T) {
	l := testLoader(nil, []*CompileUnit{
		{Name: "main.c", LowPC: 0x1000, HighPC: 0x2000},
		{Name: "util.c", LowPC: 0x2000, HighPC: 0x3000},
	})

	cu := l.FindCompileUnit(0x2500)
	if cu == nil || cu.Name != "util.c" {
		t.Fatalf("FindCompileUnit(0x2500) = %+v, want util.c", cu)
	}
	if l.FindCompileUnit(0x5000) != nil {
		t.Error("FindCompileUnit outside every unit should return nil")
	}
}

