package types

import "debug/dwarf"

// resolveStructureOrTaggedUnion reads entry's children once and decides,
// from what it finds, whether this structure is a plain aggregate or a
// DW_TAG_variant_part-based tagged union (a Rust-style enum, spec §4.4).
// Grounded directly on DWARF5 variant-part semantics rather than the
// structural (struct-containing-a-union) heuristic some debuggers use,
// since the original implementation's DWARF emission uses variant_part
// directly.
func (r *Resolver) resolveStructureOrTaggedUnion(entry *dwarf.Entry, rdr *dwarf.Reader, base common, name string) (Type, error) {
	children, err := collectDirectChildren(rdr)
	if err != nil {
		return nil, err
	}

	for _, child := range children {
		if child.entry.Tag == dwarf.TagVariantPart {
			return r.buildTaggedUnion(child, children, base, name)
		}
	}

	members, err := membersFromChildren(children)
	if err != nil {
		return nil, err
	}
	return &StructureType{common: base, Name: name, Members: members}, nil
}

// childDIE pairs a direct child entry with its own already-collected
// direct children, since variant_part's discriminant member and each
// variant's single payload member both need one more level of lookahead.
type childDIE struct {
	entry    *dwarf.Entry
	children []childDIE
}

func collectDirectChildren(rdr *dwarf.Reader) ([]childDIE, error) {
	var out []childDIE
	for {
		e, err := rdr.Next()
		if err != nil {
			return nil, err
		}
		if e == nil || e.Tag == 0 {
			break
		}
		var sub []childDIE
		if e.Children {
			sub, err = collectDirectChildren(rdr)
			if err != nil {
				return nil, err
			}
		}
		out = append(out, childDIE{entry: e, children: sub})
	}
	return out, nil
}

func membersFromChildren(children []childDIE) ([]Member, error) {
	var members []Member
	for _, c := range children {
		if c.entry.Tag != dwarf.TagMember {
			continue
		}
		members = append(members, memberFromEntry(c.entry))
	}
	return members, nil
}

func memberFromEntry(entry *dwarf.Entry) Member {
	m := Member{}
	if name, ok := entry.Val(dwarf.AttrName).(string); ok {
		m.Name = name
	}
	if off, ok := entry.Val(dwarf.AttrType).(dwarf.Offset); ok {
		m.TypeOffset = off
	}
	if loc, ok := entry.Val(dwarf.AttrDataMemberLoc).(int64); ok {
		m.ByteOffset = loc
	}
	if bo, ok := entry.Val(dwarf.AttrDataBitOffset).(int64); ok {
		m.BitOffset = &bo
	} else if bo, ok := entry.Val(dwarf.AttrBitOffset).(int64); ok {
		m.BitOffset = &bo
	}
	if bs, ok := entry.Val(dwarf.AttrBitSize).(int64); ok {
		m.BitSize = &bs
	}
	if art, ok := entry.Val(dwarf.AttrArtificial).(bool); ok {
		m.Artificial = art
	}
	if _, ok := entry.Val(dwarf.AttrContainingType).(dwarf.Offset); ok {
		m.Artificial = true
	}
	return m
}

// buildTaggedUnion reads a DW_TAG_variant_part's DW_AT_discr member and its
// DW_TAG_variant children. A variant with no DW_AT_discr_value is the
// niche-optimized default arm, carried with a nil DiscrValue (spec §4.4).
func (r *Resolver) buildTaggedUnion(variantPart childDIE, siblings []childDIE, base common, name string) (Type, error) {
	discrOff, ok := variantPart.entry.Val(dwarf.AttrDiscr).(dwarf.Offset)
	if !ok {
		return &UnresolvedType{common: base, Reason: "variant_part missing DW_AT_discr"}, nil
	}

	// DW_AT_discr may point at a member that is either a child of the
	// variant_part itself or its sibling within the enclosing structure,
	// depending on the producer (DWARF5 §5.7.10 permits both shapes).
	var discrMember Member
	found := false
	for _, pool := range [][]childDIE{variantPart.children, siblings} {
		if found {
			break
		}
		for _, c := range pool {
			if c.entry.Offset == discrOff && c.entry.Tag == dwarf.TagMember {
				discrMember = memberFromEntry(c.entry)
				found = true
				break
			}
		}
	}

	tu := &TaggedUnionType{common: base, Name: name, DiscriminantMember: discrMember}

	for _, c := range variantPart.children {
		if c.entry.Tag != dwarf.TagVariant {
			continue
		}
		var dv *int64
		if v, ok := c.entry.Val(dwarf.AttrDiscrValue).(int64); ok {
			dv = &v
		}
		var payload Member
		for _, pc := range c.children {
			if pc.entry.Tag == dwarf.TagMember {
				payload = memberFromEntry(pc.entry)
				break
			}
		}
		tu.Variants = append(tu.Variants, TaggedUnionVariant{DiscrValue: dv, Payload: payload})
	}

	return tu, nil
}
