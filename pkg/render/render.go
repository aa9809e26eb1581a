package render

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"
	"unicode/utf8"

	"github.com/tweedegolf/stackdump/pkg/location"
	"github.com/tweedegolf/stackdump/pkg/memory"
	"github.com/tweedegolf/stackdump/pkg/types"
)

// Span is one piece of rendered text tagged with the Style it should be
// painted in.
type Span struct {
	Style Style
	Text  string
}

// RenderedValue is the tree ValueRenderer produces for one variable (spec
// §4.6): a sequence of spans forming this node's own text, plus zero or
// more named children (struct members, the pointee behind a pointer, enum
// payload fields, ...).
type RenderedValue struct {
	Spans     []Span
	Children  []NamedValue
	Truncated bool
}

// NamedValue pairs a child RenderedValue with the label it should be
// displayed under (a member name, an array index, "(= ...)" for a
// dereferenced pointer).
type NamedValue struct {
	Name  string
	Value RenderedValue
}

// Options configures rendering limits and cosmetic choices (spec §6
// "Options consumed by the core").
type Options struct {
	MaxRenderDepth        int
	MaxStringBytes        int64
	TransparentTypeNames  []string
	ShowArtificialMembers bool
}

// DefaultOptions returns the spec's documented defaults.
func DefaultOptions() Options {
	return Options{MaxRenderDepth: 64, MaxStringBytes: 65536}
}

func (o Options) maxStringBytes() int64 {
	if o.MaxStringBytes <= 0 {
		return 65536
	}
	return o.MaxStringBytes
}

func (o Options) isTransparent(name string) bool {
	for _, n := range o.TransparentTypeNames {
		if n == name {
			return true
		}
	}
	return false
}

// Renderer materializes Type+VariableLocation pairs into RenderedValue
// trees, reading whatever bytes it needs from mem (spec §4.6).
type Renderer struct {
	resolver *types.Resolver
	mem      *memory.DeviceMemory
	opts     Options
}

// NewRenderer builds a Renderer over resolver's type graph and mem's
// captured bytes/registers.
func NewRenderer(resolver *types.Resolver, mem *memory.DeviceMemory, opts Options) *Renderer {
	return &Renderer{resolver: resolver, mem: mem, opts: opts}
}

// notCapturedMessage is the exact diagnostic text spec.md §4.1/§8 requires
// for a value whose backing memory exists but wasn't captured in the
// snapshot (distinct from a location that couldn't be evaluated at all,
// pkg/location/location.go's "not within available memory" — grounded on
// original_source/trace/src/cortex_m/variables.rs's
// Err(String::from("Not within available memory"))).
const notCapturedMessage = "Not within available memory"

// memoryErrorReason renders a DeviceMemory read failure the way spec.md
// scenario 5 requires: memory.ErrOutOfRange and *memory.UncapturedError
// both collapse to the single notCapturedMessage, never surfacing the
// underlying DeviceMemory error text.
func memoryErrorReason(err error) string {
	if err == memory.ErrOutOfRange {
		return notCapturedMessage
	}
	if _, ok := err.(*memory.UncapturedError); ok {
		return notCapturedMessage
	}
	return err.Error()
}

func errorValue(typeName, reason string) RenderedValue {
	text := reason
	if typeName != "" {
		text = fmt.Sprintf("%s Error(%s)", typeName, reason)
	} else {
		text = fmt.Sprintf("Error(%s)", reason)
	}
	return RenderedValue{Spans: []Span{{Style: StyleInvalid, Text: text}}}
}

func truncatedValue() RenderedValue {
	return RenderedValue{Spans: []Span{{Style: StyleInfo, Text: "..."}}, Truncated: true}
}

// Render produces the RenderedValue for t at loc (spec §4.6's per-type
// behavior table).
func (r *Renderer) Render(t types.Type, loc location.VariableLocation, depth int) RenderedValue {
	if depth > r.opts.MaxRenderDepth {
		return truncatedValue()
	}
	if loc.Kind == location.KindUnavailable {
		return errorValue(typeDisplayName(t), loc.Unavailable.String())
	}

	switch v := t.(type) {
	case *types.BaseType:
		return r.renderBase(v, loc)
	case *types.PointerType:
		return r.renderPointer(v, loc, depth)
	case *types.ArrayType:
		return r.renderArray(v, loc, depth)
	case *types.StructureType:
		return r.renderStructure(v, loc, depth)
	case *types.UnionType:
		return r.renderUnion(v, loc, depth)
	case *types.EnumerationType:
		return r.renderEnumeration(v, loc)
	case *types.TaggedUnionType:
		return r.renderTaggedUnion(v, loc, depth)
	case *types.SubroutineType:
		return RenderedValue{Spans: []Span{{Style: StyleFunction, Text: "_"}}}
	case *types.ModifierType:
		return r.renderModifier(v, loc, depth)
	case *types.TypedefType:
		return r.renderTypedef(v, loc, depth)
	default:
		return errorValue(typeDisplayName(t), "unsupported type")
	}
}

func typeDisplayName(t types.Type) string {
	switch v := t.(type) {
	case *types.BaseType:
		return v.Name
	case *types.StructureType:
		return v.Name
	case *types.UnionType:
		return v.Name
	case *types.EnumerationType:
		return v.Name
	case *types.TaggedUnionType:
		return v.Name
	case *types.TypedefType:
		return v.Name
	default:
		return ""
	}
}

// bytesAt materializes size bytes for loc, dispatching on VariableLocation's
// Kind (spec §3's sum type): Memory reads through DeviceMemory, Register
// reads the live register file, Value uses the DW_OP_stack_value bytes
// already carried on loc, and Piecewise concatenates each piece in listed
// order (least-significant piece first, the DWARF convention on a
// little-endian target).
func (r *Renderer) bytesAt(loc location.VariableLocation, size int64) ([]byte, error) {
	switch loc.Kind {
	case location.KindMemory:
		b, err := r.mem.ReadBytes(loc.Address, uint64(size))
		if err != nil {
			return nil, err
		}
		return b, nil
	case location.KindRegister:
		return r.registerBytes(loc.RegNum, loc.RegByteOff, size)
	case location.KindValue:
		return padOrTruncate(loc.Bytes, size), nil
	case location.KindPiecewise:
		return r.piecewiseBytes(loc.Pieces, size)
	default:
		return nil, fmt.Errorf("render: no bytes for location kind %d", loc.Kind)
	}
}

func (r *Renderer) registerBytes(regnum uint64, byteOff, size int64) ([]byte, error) {
	v, err := r.mem.Register(regnum)
	if err != nil {
		return nil, err
	}
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	start := byteOff
	if start < 0 || start+size > int64(len(buf)) {
		start = 0
	}
	return padOrTruncate(buf[start:], size), nil
}

func (r *Renderer) piecewiseBytes(pieces []location.Piece, size int64) ([]byte, error) {
	out := make([]byte, 0, size)
	for _, p := range pieces {
		n := (p.BitSize + 7) / 8
		b, err := r.bytesAt(p.Loc, n)
		if err != nil {
			return nil, err
		}
		out = append(out, b...)
	}
	return padOrTruncate(out, size), nil
}

func padOrTruncate(b []byte, size int64) []byte {
	if int64(len(b)) == size {
		return b
	}
	out := make([]byte, size)
	copy(out, b)
	return out
}

func (r *Renderer) renderBase(t *types.BaseType, loc location.VariableLocation) RenderedValue {
	size := t.ByteSize()
	if size == 0 {
		size = 4
	}
	b, err := r.bytesAt(loc, size)
	if err != nil {
		return errorValue(t.Name, memoryErrorReason(err))
	}
	return RenderedValue{Spans: []Span{{Style: StyleNumeric, Text: formatBase(t, b)}}}
}

func formatBase(t *types.BaseType, b []byte) string {
	switch t.Encoding {
	case types.EncodingBool:
		for _, v := range b {
			if v != 0 {
				return "true"
			}
		}
		return "false"
	case types.EncodingFloat:
		switch len(b) {
		case 4:
			return strconvFloat(float64(math.Float32frombits(binary.LittleEndian.Uint32(b))), 32)
		case 8:
			return strconvFloat(math.Float64frombits(binary.LittleEndian.Uint64(b)), 64)
		default:
			return fmt.Sprintf("<unsupported float size %d>", len(b))
		}
	case types.EncodingSigned:
		return fmt.Sprintf("%d", signedOf(b))
	case types.EncodingUnsigned, types.EncodingAddress:
		return fmt.Sprintf("%d", unsignedOf(b))
	case types.EncodingChar, types.EncodingUTF8:
		return formatChar(unsignedOf(b))
	default:
		return fmt.Sprintf("%#x", unsignedOf(b))
	}
}

func strconvFloat(f float64, bitSize int) string {
	return fmt.Sprintf("%g", f)
}

func unsignedOf(b []byte) uint64 {
	var padded [8]byte
	copy(padded[:], b)
	return binary.LittleEndian.Uint64(padded[:])
}

func signedOf(b []byte) int64 {
	u := unsignedOf(b)
	switch len(b) {
	case 1:
		return int64(int8(u))
	case 2:
		return int64(int16(u))
	case 4:
		return int64(int32(u))
	default:
		return int64(u)
	}
}

func formatChar(v uint64) string {
	r := rune(v)
	if r < 0x20 || r == 0x7f || !utf8.ValidRune(r) {
		return fmt.Sprintf("'\\x%02x'", v)
	}
	return fmt.Sprintf("'%c'", r)
}

func (r *Renderer) renderModifier(t *types.ModifierType, loc location.VariableLocation, depth int) RenderedValue {
	target := r.resolver.ResolveTarget(t.TargetOffset, true)
	return r.Render(target, loc, depth)
}

func (r *Renderer) renderTypedef(t *types.TypedefType, loc location.VariableLocation, depth int) RenderedValue {
	target := r.resolver.ResolveTarget(t.TargetOffset, true)
	if r.opts.isTransparent(t.Name) {
		return r.Render(target, loc, depth)
	}
	inner := r.Render(target, loc, depth)
	inner.Spans = append([]Span{{Style: StyleTypeName, Text: t.Name + " "}}, inner.Spans...)
	return inner
}

func (r *Renderer) renderPointer(t *types.PointerType, loc location.VariableLocation, depth int) RenderedValue {
	addrBytes, err := r.bytesAt(loc, 4)
	if err != nil {
		return errorValue("", memoryErrorReason(err))
	}
	addr := uint64(binary.LittleEndian.Uint32(addrBytes))
	head := RenderedValue{Spans: []Span{{Style: StyleNumeric, Text: fmt.Sprintf("%#x", addr)}}}
	if addr == 0 || !t.HasTarget() {
		return head
	}
	target, err := r.resolver.Resolve(t.TargetOffset)
	if err != nil {
		return head
	}
	if _, isSub := target.(*types.SubroutineType); isSub {
		return head
	}
	if size := target.ByteSize(); size > 0 {
		if _, err := r.mem.ReadBytes(addr, uint64(size)); err != nil {
			head.Children = append(head.Children, NamedValue{Name: "= ", Value: errorValue("", memoryErrorReason(err))})
			return head
		}
	}
	pointee := r.Render(target, location.VariableLocation{Kind: location.KindMemory, Address: addr}, depth+1)
	head.Children = append(head.Children, NamedValue{Name: "= ", Value: pointee})
	return head
}

func (r *Renderer) renderArray(t *types.ArrayType, loc location.VariableLocation, depth int) RenderedValue {
	elem, err := r.resolver.Resolve(t.ElementOffset)
	if err != nil {
		return errorValue("", err.Error())
	}
	n := int64(0)
	if t.Length != nil {
		n = int64(*t.Length)
	}
	elemSize := elem.ByteSize()
	if elemSize == 0 {
		elemSize = 1
	}

	if isCharLike(elem) && n > 0 {
		if s, ok := r.renderArrayAsString(loc, n); ok {
			return s
		}
	}

	result := RenderedValue{}
	for i := int64(0); i < n; i++ {
		if int64(len(result.Children)) > r.opts.maxStringBytes() {
			result.Truncated = true
			break
		}
		elemLoc := offsetLocation(loc, i*elemSize)
		v := r.Render(elem, elemLoc, depth+1)
		result.Children = append(result.Children, NamedValue{Name: fmt.Sprintf("[%d]", i), Value: v})
	}
	return result
}

func isCharLike(t types.Type) bool {
	b, ok := t.(*types.BaseType)
	if !ok {
		return false
	}
	return (b.Encoding == types.EncodingChar || b.Encoding == types.EncodingUTF8 || b.Encoding == types.EncodingUnsigned) && b.ByteSize() == 1
}

func (r *Renderer) renderArrayAsString(loc location.VariableLocation, n int64) (RenderedValue, bool) {
	max := r.opts.maxStringBytes()
	if n > max {
		return RenderedValue{}, false
	}
	b, err := r.bytesAt(loc, n)
	if err != nil {
		return RenderedValue{}, false
	}
	if z := indexByte(b, 0); z >= 0 {
		b = b[:z]
	}
	if !utf8.Valid(b) {
		return RenderedValue{}, false
	}
	return RenderedValue{Spans: []Span{{Style: StyleString, Text: fmt.Sprintf("%q", string(b))}}}, true
}

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}

// offsetLocation advances loc by off bytes for composite members. Only
// Memory locations are byte-addressable this way; a Register/Value/
// Piecewise location for a whole struct has no well-defined "address +
// off" (DWARF never places a composite type's DW_AT_location in a bare
// register), so those pass through unchanged and the member read below
// will read leftover/incorrect bytes rather than offsetting blindly.
func offsetLocation(loc location.VariableLocation, off int64) location.VariableLocation {
	switch loc.Kind {
	case location.KindMemory:
		return location.VariableLocation{Kind: location.KindMemory, Address: loc.Address + uint64(off)}
	default:
		return loc
	}
}

// fatPointerShape recognizes the two-member (data pointer, length) layout
// the Rust compiler emits for &str/&[T] (no dedicated DWARF "slice" tag
// exists; it's a plain two-member structure — grounded on
// original_source/trace/src/variables/mod.rs's read_variable_data, which
// special-cases exactly this member pair by name/type shape).
func (r *Renderer) fatPointerShape(t *types.StructureType) (ptrMember, lenMember types.Member, elem types.Type, ok bool) {
	if len(t.Members) != 2 {
		return
	}
	a, b := t.Members[0], t.Members[1]
	pt, pOK := r.resolver.ResolveTarget(a.TypeOffset, true).(*types.PointerType)
	lt, lOK := r.resolver.ResolveTarget(b.TypeOffset, true).(*types.BaseType)
	if !pOK || !lOK {
		return
	}
	if lt.Encoding != types.EncodingUnsigned && lt.Encoding != types.EncodingSigned {
		return
	}
	if !pt.HasTarget() {
		return
	}
	elemT, err := r.resolver.Resolve(pt.TargetOffset)
	if err != nil {
		return
	}
	return a, b, elemT, true
}

func (r *Renderer) renderStructure(t *types.StructureType, loc location.VariableLocation, depth int) RenderedValue {
	if ptrM, lenM, elem, ok := r.fatPointerShape(t); ok {
		if rv, handled := r.renderFatPointer(ptrM, lenM, elem, loc); handled {
			return rv
		}
	}
	if t.ByteSize() == 0 {
		return RenderedValue{Spans: []Span{{Style: StyleInfo, Text: "{ (ZST) }"}}}
	}
	result := RenderedValue{}
	for _, m := range t.Members {
		if m.Artificial && !r.opts.ShowArtificialMembers {
			continue
		}
		mt, err := r.resolver.Resolve(m.TypeOffset)
		if err != nil {
			result.Children = append(result.Children, NamedValue{Name: m.Name, Value: errorValue("", err.Error())})
			continue
		}
		if m.BitSize != nil {
			result.Children = append(result.Children, NamedValue{Name: m.Name, Value: r.renderBitfieldMember(m, mt, loc)})
			continue
		}
		mLoc := memberLocation(loc, m, mt)
		result.Children = append(result.Children, NamedValue{Name: m.Name, Value: r.Render(mt, mLoc, depth+1)})
	}
	return result
}

func (r *Renderer) renderFatPointer(ptrM, lenM types.Member, elem types.Type, loc location.VariableLocation) (RenderedValue, bool) {
	ptrLoc := memberLocation(loc, ptrM, nil)
	lenLoc := memberLocation(loc, lenM, nil)
	ptrBytes, err1 := r.bytesAt(ptrLoc, 4)
	lenBytes, err2 := r.bytesAt(lenLoc, 4)
	if err1 != nil || err2 != nil {
		return RenderedValue{}, false
	}
	addr := uint64(binary.LittleEndian.Uint32(ptrBytes))
	length := uint64(binary.LittleEndian.Uint32(lenBytes))

	if int64(length) > r.opts.maxStringBytes() {
		return RenderedValue{Spans: []Span{{Style: StyleInvalid, Text: fmt.Sprintf("<elided: %d bytes>", length)}}}, true
	}
	if !isCharLike(elem) {
		return RenderedValue{}, false
	}
	b, err := r.mem.ReadBytes(addr, length)
	if err != nil {
		return errorValue("", memoryErrorReason(err)), true
	}
	if utf8.Valid(b) {
		return RenderedValue{Spans: []Span{{Style: StyleString, Text: fmt.Sprintf("%q", string(b))}}}, true
	}
	return RenderedValue{Spans: []Span{{Style: StyleString, Text: fmt.Sprintf("%x", b)}}}, true
}

func memberLocation(loc location.VariableLocation, m types.Member, _ types.Type) location.VariableLocation {
	return offsetLocation(loc, m.ByteOffset)
}

func (r *Renderer) renderUnion(t *types.UnionType, loc location.VariableLocation, depth int) RenderedValue {
	result := RenderedValue{}
	for _, m := range t.Members {
		mt, err := r.resolver.Resolve(m.TypeOffset)
		if err != nil {
			result.Children = append(result.Children, NamedValue{Name: m.Name, Value: errorValue("", err.Error())})
			continue
		}
		if m.BitSize != nil {
			result.Children = append(result.Children, NamedValue{Name: m.Name, Value: r.renderBitfieldMember(m, mt, loc)})
			continue
		}
		mLoc := memberLocation(loc, m, mt)
		result.Children = append(result.Children, NamedValue{Name: m.Name, Value: r.Render(mt, mLoc, depth+1)})
	}
	return result
}

func (r *Renderer) renderEnumeration(t *types.EnumerationType, loc location.VariableLocation) RenderedValue {
	size := t.ByteSize()
	if size == 0 {
		size = 4
	}
	b, err := r.bytesAt(loc, size)
	if err != nil {
		return errorValue(t.Name, memoryErrorReason(err))
	}
	v := signedOf(b)
	for _, variant := range t.Variants {
		if variant.Value == v {
			return RenderedValue{Spans: []Span{
				{Style: StyleTypeName, Text: t.Name + "::"},
				{Style: StyleEnumMember, Text: variant.Name},
			}}
		}
	}
	return RenderedValue{Spans: []Span{
		{Style: StyleInvalid, Text: fmt.Sprintf("%d <unknown>", v)},
	}}
}

func (r *Renderer) renderTaggedUnion(t *types.TaggedUnionType, loc location.VariableLocation, depth int) RenderedValue {
	discrType, err := r.resolver.Resolve(t.DiscriminantMember.TypeOffset)
	if err != nil {
		return errorValue(t.Name, err.Error())
	}
	discrLoc := memberLocation(loc, t.DiscriminantMember, discrType)
	discrSize := discrType.ByteSize()
	if discrSize == 0 {
		discrSize = 4
	}
	db, err := r.bytesAt(discrLoc, discrSize)
	if err != nil {
		return errorValue(t.Name, memoryErrorReason(err))
	}
	discr := signedOf(db)

	var def *types.TaggedUnionVariant
	for i := range t.Variants {
		v := &t.Variants[i]
		if v.DiscrValue == nil {
			def = v
			continue
		}
		if *v.DiscrValue == discr {
			return r.renderVariantPayload(t.Name, v, loc, depth)
		}
	}
	if def != nil {
		return r.renderVariantPayload(t.Name, def, loc, depth)
	}
	return RenderedValue{Spans: []Span{
		{Style: StyleTypeName, Text: t.Name + " "},
		{Style: StyleInvalid, Text: "<invalid discriminant>"},
	}}
}

func (r *Renderer) renderVariantPayload(typeName string, v *types.TaggedUnionVariant, loc location.VariableLocation, depth int) RenderedValue {
	if v.Payload.Name == "" && v.Payload.TypeOffset == 0 {
		return RenderedValue{Spans: []Span{{Style: StyleTypeName, Text: typeName}}}
	}
	pt, err := r.resolver.Resolve(v.Payload.TypeOffset)
	if err != nil {
		return errorValue(typeName, err.Error())
	}
	pLoc := memberLocation(loc, v.Payload, pt)
	inner := r.Render(pt, pLoc, depth+1)
	inner.Spans = append([]Span{{Style: StyleTypeName, Text: typeName + "::" + v.Payload.Name + " "}}, inner.Spans...)
	return inner
}

// Flatten joins a RenderedValue's own spans and its children's flattened
// text into one string, painting each span with theme, for callers (the
// CLI) that want a simple printable form rather than walking the tree
// themselves.
func Flatten(v RenderedValue, theme Theme) string {
	var sb strings.Builder
	for _, s := range v.Spans {
		sb.WriteString(theme.paint(s.Style, s.Text))
	}
	if len(v.Children) > 0 {
		sb.WriteString(" { ")
		for i, c := range v.Children {
			if i > 0 {
				sb.WriteString(", ")
			}
			if c.Name != "" {
				sb.WriteString(theme.paint(StyleVariableName, c.Name))
				sb.WriteString(": ")
			}
			sb.WriteString(Flatten(c.Value, theme))
		}
		sb.WriteString(" }")
	}
	if v.Truncated {
		sb.WriteString(theme.paint(StyleInfo, " ...(truncated)"))
	}
	return sb.String()
}
