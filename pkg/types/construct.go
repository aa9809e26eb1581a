package types

import (
	"debug/dwarf"

	lru "github.com/hashicorp/golang-lru"
)

// The constructors below build Type values directly, bypassing Resolver.
// They exist for tests that exercise ValueRenderer and LocationEvaluator
// against known type shapes without parsing a real DWARF section.

func NewBaseType(off dwarf.Offset, size int64, name string, enc Encoding) *BaseType {
	return &BaseType{common: common{Off: off, Size: size}, Name: name, Encoding: enc}
}

func NewPointerType(off dwarf.Offset, size int64, target dwarf.Offset, hasTarget bool) *PointerType {
	return &PointerType{common: common{Off: off, Size: size}, TargetOffset: target, hasTarget: hasTarget}
}

func NewArrayType(off dwarf.Offset, elem dwarf.Offset, lowerBound int64, length *uint64) *ArrayType {
	return &ArrayType{common: common{Off: off}, ElementOffset: elem, LowerBound: lowerBound, Length: length}
}

func NewStructureType(off dwarf.Offset, size int64, name string, members []Member) *StructureType {
	return &StructureType{common: common{Off: off, Size: size}, Name: name, Members: members}
}

func NewUnionType(off dwarf.Offset, size int64, name string, members []Member) *UnionType {
	return &UnionType{common: common{Off: off, Size: size}, Name: name, Members: members}
}

func NewEnumerationType(off dwarf.Offset, size int64, name string, underlying dwarf.Offset, variants []EnumVariant) *EnumerationType {
	return &EnumerationType{common: common{Off: off, Size: size}, Name: name, UnderlyingOffset: underlying, Variants: variants}
}

func NewTaggedUnionType(off dwarf.Offset, size int64, name string, discr Member, variants []TaggedUnionVariant) *TaggedUnionType {
	return &TaggedUnionType{common: common{Off: off, Size: size}, Name: name, DiscriminantMember: discr, Variants: variants}
}

func NewSubroutineType(off dwarf.Offset) *SubroutineType {
	return &SubroutineType{common: common{Off: off}}
}

func NewTypedefType(off dwarf.Offset, name string, target dwarf.Offset) *TypedefType {
	return &TypedefType{common: common{Off: off}, Name: name, TargetOffset: target}
}

func NewModifierType(off dwarf.Offset, kind ModifierKind, target dwarf.Offset) *ModifierType {
	return &ModifierType{common: common{Off: off}, Kind: kind, TargetOffset: target}
}

// NewStaticResolver builds a Resolver backed by a fixed offset->Type table
// instead of a live *dwarf.Data, for tests that need Resolve/ResolveTarget
// to answer from hand-built types rather than parsing DWARF. Every offset
// referenced by a Resolve/ResolveTarget call in the test must be present
// in table; resolveEntry is never reached since dw stays nil.
func NewStaticResolver(table map[dwarf.Offset]Type) *Resolver {
	r := &Resolver{resolving: map[dwarf.Offset]bool{}}
	cache, _ := lru.New(len(table) + 1)
	for off, t := range table {
		cache.Add(off, t)
	}
	r.cache = cache
	return r
}
