// Package types implements the DWARF type model (spec §3) and the
// resolver that walks debug_info type DIEs into it (spec §4.4).
package types

import "debug/dwarf"

// Encoding is a Base type's DW_AT_encoding, narrowed to the handful of
// interpretations ValueRenderer needs to format bytes.
type Encoding int

const (
	EncodingUnknown Encoding = iota
	EncodingSigned
	EncodingUnsigned
	EncodingFloat
	EncodingBool
	EncodingChar
	EncodingAddress
	EncodingUTF8
)

// Type is the sum type every DWARF type DIE resolves to.
type Type interface {
	// Offset is the DIE offset this type was resolved from, used as the
	// cache key and for cycle detection.
	Offset() dwarf.Offset
	// ByteSize is the type's size, 0 for types with no fixed size
	// (Subroutine, flexible arrays, Unresolved).
	ByteSize() int64
	typeMarker()
}

type common struct {
	Off  dwarf.Offset
	Size int64
}

func (c common) Offset() dwarf.Offset { return c.Off }
func (c common) ByteSize() int64      { return c.Size }
func (common) typeMarker()            {}

// BaseType is a scalar leaf: integers, floats, booleans, characters.
type BaseType struct {
	common
	Name     string
	Encoding Encoding
}

// PointerType references another type by address. Target is resolved
// lazily (via TargetOffset) to let cyclic graphs (a struct containing a
// pointer to itself) resolve without infinite recursion (spec §9).
type PointerType struct {
	common
	TargetOffset dwarf.Offset
	hasTarget    bool
}

func (p *PointerType) HasTarget() bool { return p.hasTarget }

// ArrayType is a sequence of Length elements of ElementOffset's type.
// Length is nil for a flexible/unknown-length array (spec §3).
type ArrayType struct {
	common
	ElementOffset dwarf.Offset
	LowerBound    int64
	Length        *uint64
}

// Member is one field of a Structure or Union.
type Member struct {
	Name       string
	TypeOffset dwarf.Offset
	ByteOffset int64
	BitOffset  *int64
	BitSize    *int64
	Artificial bool
}

// StructureType is a DW_TAG_structure_type or DW_TAG_class_type.
type StructureType struct {
	common
	Name    string
	Members []Member
}

// UnionType is a DW_TAG_union_type.
type UnionType struct {
	common
	Name    string
	Members []Member
}

// EnumVariant is one named value of an Enumeration.
type EnumVariant struct {
	Name  string
	Value int64
}

// EnumerationType is a C-style enum: a fixed underlying integer type with
// named values.
type EnumerationType struct {
	common
	Name             string
	UnderlyingOffset dwarf.Offset
	Variants         []EnumVariant
}

// TaggedUnionVariant is one payload arm of a TaggedUnion. DiscrValue is nil
// for the default (niche-optimized) variant that matches whatever
// discriminant value no other variant claims (spec §4.4).
type TaggedUnionVariant struct {
	DiscrValue *int64
	Payload    Member
}

// TaggedUnionType models a Rust-style enum: a discriminant member selecting
// one of several mutually-exclusive payload layouts sharing storage.
type TaggedUnionType struct {
	common
	Name               string
	DiscriminantMember Member
	Variants           []TaggedUnionVariant
}

// SubroutineType is a function type; it carries no renderable value (spec
// §4.6 renders it as "_").
type SubroutineType struct {
	common
}

// TypedefType transparently wraps another type, retained for display unless
// the name matches the configured transparent-type list (spec §4.6).
type TypedefType struct {
	common
	Name         string
	TargetOffset dwarf.Offset
}

// ModifierKind distinguishes the qualifier a ModifierType applies.
type ModifierKind int

const (
	ModifierConst ModifierKind = iota
	ModifierVolatile
	ModifierRestrict
	ModifierAtomic
)

// ModifierType is a const/volatile/restrict/atomic qualifier wrapping
// another type.
type ModifierType struct {
	common
	Kind         ModifierKind
	TargetOffset dwarf.Offset
}

// UnresolvedType stands in for a DIE the resolver could not turn into a
// concrete Type, carrying the reason for diagnostic rendering.
type UnresolvedType struct {
	common
	Reason string
}
