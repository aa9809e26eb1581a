package types

import (
	"debug/dwarf"
	"testing"

	lru "github.com/hashicorp/golang-lru"
)

// entry builds a *dwarf.Entry directly from (attr, value) pairs, bypassing
// any real .debug_info bytes. resolveEntry's leaf cases (base, pointer,
// typedef, modifier, subroutine, unsupported) never call rdr.Next(), so they
// can be exercised this way without a live *dwarf.Data; the child-walking
// cases (array, struct, union, enumeration) need a real DWARF reader and are
// not covered by these tests.
func entry(tag dwarf.Tag, off dwarf.Offset, pairs ...interface{}) *dwarf.Entry {
	e := &dwarf.Entry{Tag: tag, Offset: off}
	for i := 0; i+1 < len(pairs); i += 2 {
		e.Field = append(e.Field, dwarf.Field{Attr: pairs[i].(dwarf.Attr), Val: pairs[i+1]})
	}
	return e
}

func newTestResolver() *Resolver {
	cache, err := lru.New(defaultCacheSize)
	if err != nil {
		panic(err)
	}
	return &Resolver{cache: cache, resolving: map[dwarf.Offset]bool{}}
}

func TestResolveEntryBaseType(t *testing.T) {
	r := newTestResolver()
	e := entry(dwarf.TagBaseType, 0x10,
		dwarf.AttrName, "int32_t",
		dwarf.AttrByteSize, int64(4),
		dwarf.AttrEncoding, int64(0x05), // DW_ATE_signed
	)

	typ, err := r.resolveEntry(e, nil)
	if err != nil {
		t.Fatalf("resolveEntry: %v", err)
	}
	bt, ok := typ.(*BaseType)
	if !ok {
		t.Fatalf("resolveEntry(base_type) = %T, want *BaseType", typ)
	}
	if bt.Name != "int32_t" || bt.ByteSize() != 4 || bt.Encoding != EncodingSigned {
		t.Errorf("BaseType = %+v, want {int32_t 4 signed}", bt)
	}
	if bt.Offset() != 0x10 {
		t.Errorf("Offset() = %#x, want 0x10", bt.Offset())
	}
}

func TestEncodingOfAllKnownValues(t *testing.T) {
	cases := []struct {
		ate  int64
		want Encoding
	}{
		{0x05, EncodingSigned},
		{0x07, EncodingUnsigned},
		{0x04, EncodingFloat},
		{0x02, EncodingBool},
		{0x06, EncodingChar},
		{0x08, EncodingChar},
		{0x01, EncodingAddress},
		{0x10, EncodingUTF8},
		{0x99, EncodingUnknown},
	}
	for _, c := range cases {
		e := entry(dwarf.TagBaseType, 0, dwarf.AttrEncoding, c.ate)
		if got := encodingOf(e); got != c.want {
			t.Errorf("encodingOf(DW_ATE %#x) = %v, want %v", c.ate, got, c.want)
		}
	}
}

func TestResolveEntryPointerType(t *testing.T) {
	r := newTestResolver()

	withTarget := entry(dwarf.TagPointerType, 0x20, dwarf.AttrType, dwarf.Offset(0x10), dwarf.AttrByteSize, int64(4))
	typ, err := r.resolveEntry(withTarget, nil)
	if err != nil {
		t.Fatalf("resolveEntry: %v", err)
	}
	pt, ok := typ.(*PointerType)
	if !ok {
		t.Fatalf("resolveEntry(pointer_type) = %T, want *PointerType", typ)
	}
	if !pt.HasTarget() || pt.TargetOffset != 0x10 {
		t.Errorf("PointerType = %+v, want target 0x10", pt)
	}

	voidPtr := entry(dwarf.TagPointerType, 0x21)
	typ, err = r.resolveEntry(voidPtr, nil)
	if err != nil {
		t.Fatalf("resolveEntry: %v", err)
	}
	pt = typ.(*PointerType)
	if pt.HasTarget() {
		t.Error("pointer with no DW_AT_type attribute should report HasTarget() == false")
	}
	if pt.ByteSize() != 4 {
		t.Errorf("pointer with no DW_AT_byte_size defaulted to %d, want 4 (Cortex-M address width)", pt.ByteSize())
	}
}

func TestResolveEntryTypedefAndModifier(t *testing.T) {
	r := newTestResolver()

	td := entry(dwarf.TagTypedef, 0x30, dwarf.AttrName, "my_int", dwarf.AttrType, dwarf.Offset(0x10))
	typ, _ := r.resolveEntry(td, nil)
	tt := typ.(*TypedefType)
	if tt.Name != "my_int" || tt.TargetOffset != 0x10 {
		t.Errorf("TypedefType = %+v", tt)
	}

	for tag, want := range map[dwarf.Tag]ModifierKind{
		dwarf.TagConstType:    ModifierConst,
		dwarf.TagVolatileType: ModifierVolatile,
		dwarf.TagRestrictType: ModifierRestrict,
		dwarf.TagAtomicType:   ModifierAtomic,
	} {
		m := entry(tag, 0x40, dwarf.AttrType, dwarf.Offset(0x10))
		typ, _ := r.resolveEntry(m, nil)
		mt := typ.(*ModifierType)
		if mt.Kind != want || mt.TargetOffset != 0x10 {
			t.Errorf("resolveEntry(%v) = %+v, want Kind %v target 0x10", tag, mt, want)
		}
	}
}

func TestResolveEntryUnsupportedTagIsUnresolved(t *testing.T) {
	r := newTestResolver()
	e := entry(dwarf.Tag(0x9999), 0x50)
	typ, err := r.resolveEntry(e, nil)
	if err != nil {
		t.Fatalf("resolveEntry: %v", err)
	}
	u, ok := typ.(*UnresolvedType)
	if !ok || u.Reason == "" {
		t.Errorf("resolveEntry(unsupported tag) = %+v, want *UnresolvedType with a reason", typ)
	}
}

func TestResolveCacheHit(t *testing.T) {
	want := NewBaseType(0x10, 4, "int32_t", EncodingSigned)
	r := NewStaticResolver(map[dwarf.Offset]Type{0x10: want})

	got, err := r.Resolve(0x10)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got != Type(want) {
		t.Errorf("Resolve returned a different Type than the cached one")
	}
}

func TestResolveTargetVoid(t *testing.T) {
	r := NewStaticResolver(nil)
	u, ok := r.ResolveTarget(0, false).(*UnresolvedType)
	if !ok || u.Reason != "void" {
		t.Errorf("ResolveTarget(has=false) = %+v, want UnresolvedType{Reason: \"void\"}", u)
	}
}

func TestResolveTargetResolvesCachedOffset(t *testing.T) {
	want := NewBaseType(0x10, 4, "int32_t", EncodingSigned)
	r := NewStaticResolver(map[dwarf.Offset]Type{0x10: want})

	got := r.ResolveTarget(0x10, true)
	if got != Type(want) {
		t.Errorf("ResolveTarget(0x10, true) = %+v, want the cached BaseType", got)
	}
}

func TestResolveCyclePlaceholder(t *testing.T) {
	r := newTestResolver()
	r.resolving[0x10] = true

	typ, err := r.Resolve(0x10)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	u, ok := typ.(*UnresolvedType)
	if !ok || u.Offset() != 0x10 {
		t.Errorf("Resolve on a type mid-resolution = %+v, want an *UnresolvedType at 0x10", typ)
	}
}
