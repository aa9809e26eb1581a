package types

import (
	"debug/dwarf"
	"strings"
)

// DenyPrefixMatcher reports whether a compilation-unit or symbol name is
// covered by a configured deny prefix (spec §4.4's static-variable
// filtering). pkg/config's trie-backed DenyList implements this; keeping
// the dependency as a narrow interface avoids pkg/types importing
// pkg/config for what is ultimately policy, not structure (spec §9).
type DenyPrefixMatcher interface {
	MatchesPrefix(s string) bool
}

// compilerInternalSigils are name prefixes emitted by the Rust compiler
// itself that are never useful to show as a "static variable" regardless
// of any user-configured deny list.
var compilerInternalSigils = []string{"_ZN", "anon.", "str."}

// StaticVariable is a module-level variable found outside any subprogram.
type StaticVariable struct {
	Name       string
	TypeOffset dwarf.Offset
	HasType    bool
	Location   []byte
	HasLoc     bool
}

// StaticVariables enumerates every DW_TAG_variable DIE at compile-unit
// scope (i.e. not nested in a subprogram) across the whole debug_info
// section, applying the filtering spec §4.4 requires: compiler-internal
// sigils, the caller's deny list (matched against both the variable name
// and its owning compile unit name), and (unless showZeroSized) types
// whose resolved byte size is zero. Variables with no location attribute
// at all are dropped outright — there is nothing LocationEvaluator could
// ever do with them.
func StaticVariables(dw *dwarf.Data, resolver *Resolver, deny DenyPrefixMatcher, showZeroSized bool) ([]StaticVariable, error) {
	var out []StaticVariable

	rdr := dw.Reader()
	var cuName string
	depth := 0
	inSubprogram := 0

	for {
		entry, err := rdr.Next()
		if err != nil {
			return nil, err
		}
		if entry == nil {
			break
		}
		if entry.Tag == 0 {
			depth--
			if inSubprogram > depth {
				inSubprogram = 0
			}
			continue
		}
		if entry.Children {
			depth++
		}

		switch entry.Tag {
		case dwarf.TagCompileUnit:
			cuName, _ = entry.Val(dwarf.AttrName).(string)
			continue
		case dwarf.TagSubprogram:
			if inSubprogram == 0 && entry.Children {
				inSubprogram = depth
			}
			continue
		}

		if inSubprogram > 0 {
			continue
		}
		if entry.Tag != dwarf.TagVariable {
			continue
		}

		name, _ := entry.Val(dwarf.AttrName).(string)
		if name == "" {
			continue
		}
		if hasAnyPrefix(name, compilerInternalSigils) {
			continue
		}
		if deny != nil && (deny.MatchesPrefix(name) || deny.MatchesPrefix(cuName)) {
			continue
		}

		loc, hasLoc := entry.Val(dwarf.AttrLocation).([]byte)
		if !hasLoc {
			continue
		}

		sv := StaticVariable{Name: name, Location: loc, HasLoc: true}
		if typOff, ok := entry.Val(dwarf.AttrType).(dwarf.Offset); ok {
			sv.TypeOffset = typOff
			sv.HasType = true

			if !showZeroSized {
				t, err := resolver.Resolve(typOff)
				if err == nil && t.ByteSize() == 0 {
					continue
				}
			}
		}

		out = append(out, sv)
	}

	return out, nil
}

func hasAnyPrefix(s string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}
