package config

import "github.com/derekparker/trie"

// DenyList is a trie-backed implementation of types.DenyPrefixMatcher: a
// symbol or compile-unit name matches if any configured prefix is, itself,
// a prefix of that name. Grounded on delve's use of
// github.com/derekparker/trie for fast prefix lookups (e.g. its breakpoint
// location-spec matching); repurposed here for the static-variable
// deny-list membership test spec.md §4.4/§6 calls for.
type DenyList struct {
	t        *trie.Trie
	prefixes []string
}

// NewDenyList builds a DenyList over prefixes.
func NewDenyList(prefixes []string) *DenyList {
	t := trie.New()
	for _, p := range prefixes {
		if p == "" {
			continue
		}
		t.Add(p, nil)
	}
	return &DenyList{t: t, prefixes: prefixes}
}

// MatchesPrefix reports whether s begins with any configured deny prefix.
// Implements types.DenyPrefixMatcher.
func (d *DenyList) MatchesPrefix(s string) bool {
	if d == nil || d.t == nil {
		return false
	}
	for i := 1; i <= len(s); i++ {
		if _, ok := d.t.Find(s[:i]); ok {
			return true
		}
	}
	return false
}
