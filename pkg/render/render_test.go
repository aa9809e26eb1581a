package render

import (
	"debug/dwarf"
	"encoding/binary"
	"math"
	"strings"
	"testing"

	"github.com/tweedegolf/stackdump/pkg/location"
	"github.com/tweedegolf/stackdump/pkg/memory"
	"github.com/tweedegolf/stackdump/pkg/types"
)

func regionMem(base uint64, data []byte) *memory.DeviceMemory {
	return memory.New([]memory.MemoryRegion{{Base: base, Length: uint64(len(data)), Bytes: data}}, nil)
}

func memLoc(addr uint64) location.VariableLocation {
	return location.VariableLocation{Kind: location.KindMemory, Address: addr}
}

func valLoc(b []byte) location.VariableLocation {
	return location.VariableLocation{Kind: location.KindValue, Bytes: b}
}

func flatText(v RenderedValue) string {
	return Flatten(v, ThemeNone())
}

func TestRenderBaseTypesSigned(t *testing.T) {
	r := NewRenderer(types.NewStaticResolver(nil), nil, DefaultOptions())
	typ := types.NewBaseType(1, 4, "int32_t", types.EncodingSigned)

	b := make([]byte, 4)
	signedVal := int32(-5)
	binary.LittleEndian.PutUint32(b, uint32(signedVal))
	got := flatText(r.Render(typ, valLoc(b), 0))
	if got != "-5" {
		t.Fatalf("signed: got %q want -5", got)
	}
}

func TestRenderBaseTypesUnsigned(t *testing.T) {
	r := NewRenderer(types.NewStaticResolver(nil), nil, DefaultOptions())
	typ := types.NewBaseType(1, 2, "uint16_t", types.EncodingUnsigned)

	b := make([]byte, 2)
	binary.LittleEndian.PutUint16(b, 1234)
	got := flatText(r.Render(typ, valLoc(b), 0))
	if got != "1234" {
		t.Fatalf("unsigned: got %q want 1234", got)
	}
}

func TestRenderBaseTypesFloat(t *testing.T) {
	r := NewRenderer(types.NewStaticResolver(nil), nil, DefaultOptions())
	typ := types.NewBaseType(1, 4, "f32", types.EncodingFloat)

	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, math.Float32bits(3.5))
	got := flatText(r.Render(typ, valLoc(b), 0))
	if got != "3.5" {
		t.Fatalf("float: got %q want 3.5", got)
	}
}

func TestRenderBaseTypesBool(t *testing.T) {
	r := NewRenderer(types.NewStaticResolver(nil), nil, DefaultOptions())
	typ := types.NewBaseType(1, 1, "bool", types.EncodingBool)

	got := flatText(r.Render(typ, valLoc([]byte{1}), 0))
	if got != "true" {
		t.Fatalf("bool: got %q want true", got)
	}
	got = flatText(r.Render(typ, valLoc([]byte{0}), 0))
	if got != "false" {
		t.Fatalf("bool: got %q want false", got)
	}
}

func TestRenderPointerWithTarget(t *testing.T) {
	const targetOff dwarf.Offset = 2
	intType := types.NewBaseType(targetOff, 4, "int32_t", types.EncodingSigned)
	resolver := types.NewStaticResolver(map[dwarf.Offset]types.Type{targetOff: intType})
	ptrType := types.NewPointerType(1, 4, targetOff, true)

	mem := regionMem(0x2000_0000, []byte{0x2a, 0x00, 0x00, 0x00})
	ptrBytes := make([]byte, 4)
	binary.LittleEndian.PutUint32(ptrBytes, 0x2000_0000)

	r := NewRenderer(resolver, mem, DefaultOptions())
	rv := r.Render(ptrType, valLoc(ptrBytes), 0)
	if len(rv.Children) != 1 {
		t.Fatalf("expected pointee child, got %d children", len(rv.Children))
	}
	if got := flatText(rv.Children[0].Value); got != "42" {
		t.Fatalf("pointee: got %q want 42", got)
	}
}

func TestRenderPointerToUncapturedMemory(t *testing.T) {
	const targetOff dwarf.Offset = 2
	intType := types.NewBaseType(targetOff, 4, "int32_t", types.EncodingSigned)
	resolver := types.NewStaticResolver(map[dwarf.Offset]types.Type{targetOff: intType})
	ptrType := types.NewPointerType(1, 4, targetOff, true)

	// A region exists, but the pointer targets an address well outside it:
	// the dereference must fail with memory.ErrOutOfRange, not succeed.
	mem := regionMem(0x2000_0000, []byte{0x2a, 0x00, 0x00, 0x00})
	ptrBytes := make([]byte, 4)
	binary.LittleEndian.PutUint32(ptrBytes, 0x5000_0000)

	r := NewRenderer(resolver, mem, DefaultOptions())
	rv := r.Render(ptrType, valLoc(ptrBytes), 0)
	if len(rv.Children) != 1 {
		t.Fatalf("expected a pointee child even on read failure, got %d", len(rv.Children))
	}
	if got := flatText(rv.Children[0].Value); got != "Error(Not within available memory)" {
		t.Fatalf("pointee error text = %q, want literal %q", got, "Error(Not within available memory)")
	}
}

func TestRenderBaseUncapturedMemory(t *testing.T) {
	typ := types.NewBaseType(1, 4, "int32_t", types.EncodingSigned)
	r := NewRenderer(types.NewStaticResolver(nil), memory.New(nil, nil), DefaultOptions())

	got := flatText(r.Render(typ, memLoc(0x1234), 0))
	if got != "int32_t Error(Not within available memory)" {
		t.Fatalf("got %q, want %q", got, "int32_t Error(Not within available memory)")
	}
}

func TestRenderPointerNull(t *testing.T) {
	const targetOff dwarf.Offset = 2
	resolver := types.NewStaticResolver(map[dwarf.Offset]types.Type{
		targetOff: types.NewBaseType(targetOff, 4, "int32_t", types.EncodingSigned),
	})
	ptrType := types.NewPointerType(1, 4, targetOff, true)

	r := NewRenderer(resolver, nil, DefaultOptions())
	rv := r.Render(ptrType, valLoc([]byte{0, 0, 0, 0}), 0)
	if len(rv.Children) != 0 {
		t.Fatalf("null pointer should not recurse into a pointee")
	}
	if got := flatText(rv); got != "0x0" {
		t.Fatalf("null pointer: got %q want 0x0", got)
	}
}

func TestRenderArrayAsString(t *testing.T) {
	const elemOff dwarf.Offset = 2
	resolver := types.NewStaticResolver(map[dwarf.Offset]types.Type{
		elemOff: types.NewBaseType(elemOff, 1, "u8", types.EncodingUnsigned),
	})
	length := uint64(5)
	arr := types.NewArrayType(1, elemOff, 0, &length)

	mem := regionMem(0x1000, []byte("hi\x00\x00\x00"))
	r := NewRenderer(resolver, mem, DefaultOptions())
	rv := r.Render(arr, memLoc(0x1000), 0)
	got := flatText(rv)
	if !strings.Contains(got, `"hi"`) {
		t.Fatalf("array-as-string: got %q want it to contain \"hi\"", got)
	}
}

func TestRenderStructureZST(t *testing.T) {
	st := types.NewStructureType(1, 0, "Unit", nil)
	r := NewRenderer(types.NewStaticResolver(nil), nil, DefaultOptions())
	got := flatText(r.Render(st, memLoc(0), 0))
	if got != "{ (ZST) }" {
		t.Fatalf("ZST: got %q", got)
	}
}

func TestRenderStructureMembers(t *testing.T) {
	const fieldOff dwarf.Offset = 2
	resolver := types.NewStaticResolver(map[dwarf.Offset]types.Type{
		fieldOff: types.NewBaseType(fieldOff, 4, "int32_t", types.EncodingSigned),
	})
	st := types.NewStructureType(1, 4, "Point", []types.Member{
		{Name: "x", TypeOffset: fieldOff, ByteOffset: 0},
	})

	mem := regionMem(0x1000, []byte{7, 0, 0, 0})
	r := NewRenderer(resolver, mem, DefaultOptions())
	rv := r.Render(st, memLoc(0x1000), 0)
	if len(rv.Children) != 1 || rv.Children[0].Name != "x" {
		t.Fatalf("expected one member 'x', got %+v", rv.Children)
	}
	if got := flatText(rv.Children[0].Value); got != "7" {
		t.Fatalf("member x: got %q want 7", got)
	}
}

func TestRenderEnumeration(t *testing.T) {
	e := types.NewEnumerationType(1, 4, "Color", 0, []types.EnumVariant{
		{Name: "Red", Value: 0},
		{Name: "Green", Value: 1},
	})
	r := NewRenderer(types.NewStaticResolver(nil), nil, DefaultOptions())

	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, 1)
	got := flatText(r.Render(e, valLoc(b), 0))
	if got != "Color::Green" {
		t.Fatalf("enum: got %q want Color::Green", got)
	}

	binary.LittleEndian.PutUint32(b, 99)
	got = flatText(r.Render(e, valLoc(b), 0))
	if !strings.Contains(got, "<unknown>") {
		t.Fatalf("unmatched enum: got %q want <unknown>", got)
	}
}

func TestRenderTaggedUnionDefaultVariant(t *testing.T) {
	const (
		discrOff dwarf.Offset = 2
		someOff  dwarf.Offset = 3
	)
	resolver := types.NewStaticResolver(map[dwarf.Offset]types.Type{
		discrOff: types.NewBaseType(discrOff, 1, "discriminant", types.EncodingUnsigned),
		someOff:  types.NewBaseType(someOff, 4, "int32_t", types.EncodingSigned),
	})

	oneVal := int64(1)
	tu := types.NewTaggedUnionType(1, 5, "Option", types.Member{TypeOffset: discrOff, ByteOffset: 0}, []types.TaggedUnionVariant{
		{DiscrValue: &oneVal, Payload: types.Member{Name: "Some", TypeOffset: someOff, ByteOffset: 1}},
		{DiscrValue: nil, Payload: types.Member{}},
	})

	mem := regionMem(0x1000, []byte{0, 0, 0, 0, 0}) // discriminant 0: no variant claims it explicitly
	r := NewRenderer(resolver, mem, DefaultOptions())
	got := flatText(r.Render(tu, memLoc(0x1000), 0))
	if got != "Option" {
		t.Fatalf("default variant: got %q want Option", got)
	}
}

func TestRenderTaggedUnionMatchedVariant(t *testing.T) {
	const (
		discrOff dwarf.Offset = 2
		someOff  dwarf.Offset = 3
	)
	resolver := types.NewStaticResolver(map[dwarf.Offset]types.Type{
		discrOff: types.NewBaseType(discrOff, 1, "discriminant", types.EncodingUnsigned),
		someOff:  types.NewBaseType(someOff, 4, "int32_t", types.EncodingSigned),
	})
	oneVal := int64(1)
	tu := types.NewTaggedUnionType(1, 5, "Option", types.Member{TypeOffset: discrOff, ByteOffset: 0}, []types.TaggedUnionVariant{
		{DiscrValue: &oneVal, Payload: types.Member{Name: "Some", TypeOffset: someOff, ByteOffset: 1}},
	})

	mem := regionMem(0x1000, []byte{1, 9, 0, 0, 0})
	r := NewRenderer(resolver, mem, DefaultOptions())
	got := flatText(r.Render(tu, memLoc(0x1000), 0))
	if !strings.Contains(got, "Option::Some") || !strings.Contains(got, "9") {
		t.Fatalf("matched variant: got %q", got)
	}
}

func TestRenderBitfieldMember(t *testing.T) {
	const fieldOff dwarf.Offset = 2
	resolver := types.NewStaticResolver(map[dwarf.Offset]types.Type{
		fieldOff: types.NewBaseType(fieldOff, 4, "uint32_t", types.EncodingUnsigned),
	})
	bitSize := int64(3)
	bitOffset := int64(5)
	st := types.NewStructureType(1, 1, "Flags", []types.Member{
		{Name: "kind", TypeOffset: fieldOff, ByteOffset: 0, BitOffset: &bitOffset, BitSize: &bitSize},
	})

	// byte 0 = 0b1110_0000: bits [5:7] = 0b111 = 7
	mem := regionMem(0x1000, []byte{0xE0})
	r := NewRenderer(resolver, mem, DefaultOptions())
	rv := r.Render(st, memLoc(0x1000), 0)
	if got := flatText(rv.Children[0].Value); got != "7" {
		t.Fatalf("bitfield: got %q want 7", got)
	}
}

func TestRenderUnavailable(t *testing.T) {
	typ := types.NewBaseType(1, 4, "int32_t", types.EncodingSigned)
	r := NewRenderer(types.NewStaticResolver(nil), nil, DefaultOptions())
	loc := location.VariableLocation{Kind: location.KindUnavailable, Unavailable: location.ReasonOptimizedAway}
	got := flatText(r.Render(typ, loc, 0))
	if !strings.Contains(got, "Error(") {
		t.Fatalf("unavailable: got %q want it to contain Error(", got)
	}
}

func TestRenderMaxDepthTruncates(t *testing.T) {
	opts := DefaultOptions()
	opts.MaxRenderDepth = 0
	r := NewRenderer(types.NewStaticResolver(nil), nil, opts)
	typ := types.NewBaseType(1, 4, "int32_t", types.EncodingSigned)
	rv := r.Render(typ, valLoc([]byte{1, 0, 0, 0}), 1)
	if !rv.Truncated {
		t.Fatalf("expected truncation past MaxRenderDepth")
	}
}
