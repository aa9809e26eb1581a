// Package demangle turns a linker symbol name into the human-readable
// function name a frame displays (spec.md §6: "Name demangling supports
// Itanium (C++) and the Rust legacy/v0 schemes"). All three schemes are
// dispatched by a single call into github.com/ianlancetaylor/demangle,
// which recognizes Rust v0 (`_R...`), legacy Rust (`_ZN...17h<hash>E`), and
// Itanium C++ (`_Z...`) names on its own.
package demangle

import (
	"github.com/ianlancetaylor/demangle"
	lru "github.com/hashicorp/golang-lru"
)

const defaultCacheSize = 1024

// Demangler converts mangled symbol names to display names, memoizing by
// input string since the same function name is looked up once per frame
// it appears in across a trace.
type Demangler struct {
	cache *lru.Cache
}

// New builds a Demangler caching up to cacheSize names (0 selects a
// sensible default).
func New(cacheSize int) (*Demangler, error) {
	if cacheSize <= 0 {
		cacheSize = defaultCacheSize
	}
	cache, err := lru.New(cacheSize)
	if err != nil {
		return nil, err
	}
	return &Demangler{cache: cache}, nil
}

// Name returns sym demangled into a display name. If sym isn't a mangled
// name in any supported scheme (demangle.ToString returns
// ErrNotMangledName), or demangling otherwise fails, sym is returned
// unchanged — a symbol name the tracer can't make prettier is still a
// perfectly good frame name (spec §4.7 never treats this as fatal).
func (d *Demangler) Name(sym string) string {
	if sym == "" {
		return sym
	}
	if cached, ok := d.cache.Get(sym); ok {
		return cached.(string)
	}

	out, err := demangle.ToString(sym, demangle.NoClones)
	if err != nil {
		out = sym
	}

	d.cache.Add(sym, out)
	return out
}
