package types

import (
	"debug/dwarf"
	"fmt"

	lru "github.com/hashicorp/golang-lru"
)

// Resolver walks DWARF type DIEs into the Type sum type, memoizing by DIE
// offset (spec §4.4). A single Resolver is shared across an entire tracing
// session; DWARF-derived data never changes mid-session (spec §3).
type Resolver struct {
	dw    *dwarf.Data
	cache *lru.Cache

	// resolving guards against cyclic type graphs: a pointer whose target
	// is itself (directly or through a chain) must resolve to a
	// PointerType with a lazy target rather than recurse forever.
	resolving map[dwarf.Offset]bool
}

const defaultCacheSize = 4096

// NewResolver builds a Resolver over dw, caching up to cacheSize resolved
// types (0 selects a sensible default).
func NewResolver(dw *dwarf.Data, cacheSize int) (*Resolver, error) {
	if cacheSize <= 0 {
		cacheSize = defaultCacheSize
	}
	cache, err := lru.New(cacheSize)
	if err != nil {
		return nil, fmt.Errorf("types: creating resolver cache: %w", err)
	}
	return &Resolver{dw: dw, cache: cache, resolving: map[dwarf.Offset]bool{}}, nil
}

// Resolve returns the Type at off, from cache if already resolved.
func (r *Resolver) Resolve(off dwarf.Offset) (Type, error) {
	if cached, ok := r.cache.Get(off); ok {
		return cached.(Type), nil
	}
	if r.resolving[off] {
		// A cycle closed back on a type still being built (e.g. a struct
		// whose own member references it through a pointer, before the
		// struct's Type value exists yet). The pointer wrapping this
		// reference already carries off as its TargetOffset and resolves
		// the target lazily via ResolveTarget, so this placeholder is
		// never read directly.
		return &UnresolvedType{common: common{Off: off}, Reason: "cyclic reference, pending"}, nil
	}
	r.resolving[off] = true
	defer delete(r.resolving, off)

	rdr := r.dw.Reader()
	rdr.Seek(off)
	entry, err := rdr.Next()
	if err != nil {
		return nil, fmt.Errorf("types: reading DIE at %#x: %w", off, err)
	}
	if entry == nil {
		return nil, fmt.Errorf("types: no DIE at %#x", off)
	}

	t, err := r.resolveEntry(entry, rdr)
	if err != nil {
		return nil, err
	}
	r.cache.Add(off, t)
	return t, nil
}

// ResolveTarget resolves off the same as Resolve, but never returns an
// error: it returns an *UnresolvedType with Reason "void" when has is false
// (no type, e.g. a `void` pointer target), and one carrying the error text
// when Resolve fails.
func (r *Resolver) ResolveTarget(off dwarf.Offset, has bool) Type {
	if !has {
		return &UnresolvedType{Reason: "void"}
	}
	t, err := r.Resolve(off)
	if err != nil {
		return &UnresolvedType{common: common{Off: off}, Reason: err.Error()}
	}
	return t
}

func (r *Resolver) resolveEntry(entry *dwarf.Entry, rdr *dwarf.Reader) (Type, error) {
	size, _ := entry.Val(dwarf.AttrByteSize).(int64)
	base := common{Off: entry.Offset, Size: size}
	name, _ := entry.Val(dwarf.AttrName).(string)

	switch entry.Tag {
	case dwarf.TagBaseType:
		return &BaseType{common: base, Name: name, Encoding: encodingOf(entry)}, nil

	case dwarf.TagPointerType:
		p := &PointerType{common: base}
		if off, ok := entry.Val(dwarf.AttrType).(dwarf.Offset); ok {
			p.TargetOffset = off
			p.hasTarget = true
		}
		if p.Size == 0 {
			p.Size = 4 // Cortex-M: 32-bit address space (spec §2)
		}
		return p, nil

	case dwarf.TagArrayType:
		return r.resolveArray(entry, rdr, base)

	case dwarf.TagStructType, dwarf.TagClassType:
		return r.resolveStructureOrTaggedUnion(entry, rdr, base, name)

	case dwarf.TagUnionType:
		members, err := r.readMembers(entry, rdr)
		if err != nil {
			return nil, err
		}
		return &UnionType{common: base, Name: name, Members: members}, nil

	case dwarf.TagEnumerationType:
		return r.resolveEnumeration(entry, rdr, base, name)

	case dwarf.TagSubroutineType:
		return &SubroutineType{common: base}, nil

	case dwarf.TagTypedef:
		t := &TypedefType{common: base, Name: name}
		if off, ok := entry.Val(dwarf.AttrType).(dwarf.Offset); ok {
			t.TargetOffset = off
		}
		return t, nil

	case dwarf.TagConstType, dwarf.TagVolatileType, dwarf.TagRestrictType, dwarf.TagAtomicType:
		m := &ModifierType{common: base, Kind: modifierKindOf(entry.Tag)}
		if off, ok := entry.Val(dwarf.AttrType).(dwarf.Offset); ok {
			m.TargetOffset = off
		}
		return m, nil

	default:
		return &UnresolvedType{common: base, Reason: fmt.Sprintf("unsupported DIE tag %s", entry.Tag)}, nil
	}
}

func encodingOf(entry *dwarf.Entry) Encoding {
	enc, _ := entry.Val(dwarf.AttrEncoding).(int64)
	switch enc {
	case 0x05: // DW_ATE_signed
		return EncodingSigned
	case 0x07: // DW_ATE_unsigned
		return EncodingUnsigned
	case 0x04: // DW_ATE_float
		return EncodingFloat
	case 0x02: // DW_ATE_boolean
		return EncodingBool
	case 0x06, 0x08: // DW_ATE_signed_char, DW_ATE_unsigned_char
		return EncodingChar
	case 0x01: // DW_ATE_address
		return EncodingAddress
	case 0x10: // DW_ATE_UTF
		return EncodingUTF8
	default:
		return EncodingUnknown
	}
}

func modifierKindOf(tag dwarf.Tag) ModifierKind {
	switch tag {
	case dwarf.TagVolatileType:
		return ModifierVolatile
	case dwarf.TagRestrictType:
		return ModifierRestrict
	case dwarf.TagAtomicType:
		return ModifierAtomic
	default:
		return ModifierConst
	}
}

func (r *Resolver) resolveArray(entry *dwarf.Entry, rdr *dwarf.Reader, base common) (Type, error) {
	a := &ArrayType{common: base}
	if off, ok := entry.Val(dwarf.AttrType).(dwarf.Offset); ok {
		a.ElementOffset = off
	}

	depth := 0
	for {
		child, err := rdr.Next()
		if err != nil {
			return nil, err
		}
		if child == nil || (child.Tag == 0 && depth == 0) {
			break
		}
		if child.Tag == 0 {
			depth--
			continue
		}
		if child.Children {
			depth++
		}
		if depth > 0 {
			continue
		}
		if child.Tag != dwarf.TagSubrangeType {
			continue
		}
		if lb, ok := child.Val(dwarf.AttrLowerBound).(int64); ok {
			a.LowerBound = lb
		}
		if count, ok := child.Val(dwarf.AttrCount).(int64); ok {
			n := uint64(count)
			a.Length = &n
		} else if upper, ok := child.Val(dwarf.AttrUpperBound).(int64); ok {
			n := uint64(upper-a.LowerBound) + 1
			a.Length = &n
		}
	}
	return a, nil
}

func (r *Resolver) readMembers(entry *dwarf.Entry, rdr *dwarf.Reader) ([]Member, error) {
	var members []Member
	depth := 0
	for {
		child, err := rdr.Next()
		if err != nil {
			return nil, err
		}
		if child == nil || (child.Tag == 0 && depth == 0) {
			break
		}
		if child.Tag == 0 {
			depth--
			continue
		}
		if child.Children {
			depth++
		}
		if depth > 0 {
			continue
		}
		if child.Tag != dwarf.TagMember {
			continue
		}
		m := Member{}
		if name, ok := child.Val(dwarf.AttrName).(string); ok {
			m.Name = name
		}
		if off, ok := child.Val(dwarf.AttrType).(dwarf.Offset); ok {
			m.TypeOffset = off
		}
		if loc, ok := child.Val(dwarf.AttrDataMemberLoc).(int64); ok {
			m.ByteOffset = loc
		}
		if bo, ok := child.Val(dwarf.AttrDataBitOffset).(int64); ok {
			m.BitOffset = &bo
		} else if bo, ok := child.Val(dwarf.AttrBitOffset).(int64); ok {
			// DWARF <= 4 encodes bit_offset from the MSB of the containing
			// storage unit, not from byte_offset*8; callers applying the
			// (byte_offset,bit_offset,bit_size) triple per spec §9 must
			// know which convention produced it. We record it as given;
			// pkg/render normalizes it against byte_size for DWARF<=4 DIEs.
			m.BitOffset = &bo
		}
		if bs, ok := child.Val(dwarf.AttrBitSize).(int64); ok {
			m.BitSize = &bs
		}
		if art, ok := child.Val(dwarf.AttrArtificial).(bool); ok {
			m.Artificial = art
		}
		if _, ok := child.Val(dwarf.AttrContainingType).(dwarf.Offset); ok {
			m.Artificial = true
		}
		members = append(members, m)
	}
	return members, nil
}

func (r *Resolver) resolveEnumeration(entry *dwarf.Entry, rdr *dwarf.Reader, base common, name string) (Type, error) {
	e := &EnumerationType{common: base, Name: name}
	if off, ok := entry.Val(dwarf.AttrType).(dwarf.Offset); ok {
		e.UnderlyingOffset = off
	}
	depth := 0
	for {
		child, err := rdr.Next()
		if err != nil {
			return nil, err
		}
		if child == nil || (child.Tag == 0 && depth == 0) {
			break
		}
		if child.Tag == 0 {
			depth--
			continue
		}
		if child.Children {
			depth++
		}
		if depth > 0 {
			continue
		}
		if child.Tag != dwarf.TagEnumerator {
			continue
		}
		name, _ := child.Val(dwarf.AttrName).(string)
		val, _ := child.Val(dwarf.AttrConstValue).(int64)
		e.Variants = append(e.Variants, EnumVariant{Name: name, Value: val})
	}
	return e, nil
}
