// Package config loads the YAML options file a project can check in to
// avoid repeating CLI flags on every invocation (spec.md §6, SPEC_FULL.md
// §6.4), grounded on delve's pkg/config (same YAML-backed
// LoadConfig/SaveConfig pair, relocated to a ".stackdump.yml" project file
// instead of a per-user "~/.dlv/config.yml").
package config

import (
	"fmt"
	"io/ioutil"
	"os"

	"gopkg.in/yaml.v2"
)

const defaultFileName = ".stackdump.yml"

// defaultDenyPrefixes are the symbol/compile-unit name prefixes filtered
// from the static-variable listing unless a project's config overrides
// them (SPEC_FULL.md §6.4: "common logging framework roots").
var defaultDenyPrefixes = []string{
	"defmt",
	"probe_rs",
	"log::",
	"_ZN4core",
	"rust_begin_unwind",
}

// File is the on-disk shape of a project's .stackdump.yml (spec §6.4).
type File struct {
	// Theme selects the default color palette ("dark", "light", "none").
	Theme string `yaml:"theme,omitempty"`
	// Wrap is the default terminal wrap column; 0 means no wrapping.
	Wrap int `yaml:"wrap,omitempty"`

	ShowZeroSizedVariables  bool  `yaml:"show-zero-sized,omitempty"`
	ShowStaticVariables     bool  `yaml:"show-statics,omitempty"`
	ShowArtificialVariables bool  `yaml:"show-artificial,omitempty"`
	ShowInlinedFunctions    *bool `yaml:"show-inlined,omitempty"`

	MaxFrames      int   `yaml:"max-frames,omitempty"`
	MaxRenderDepth int   `yaml:"max-render-depth,omitempty"`
	MaxStringBytes int64 `yaml:"max-string-bytes,omitempty"`

	// DenyPrefixes overrides defaultDenyPrefixes when non-nil (an empty
	// but non-nil list disables deny filtering entirely).
	DenyPrefixes []string `yaml:"deny-prefixes,omitempty"`
}

// ShowInline reports the effective show-inlined-functions default: true
// unless the file explicitly sets it false (SPEC_FULL.md §6.3: "--show-inlined
// (default true)").
func (f *File) ShowInline() bool {
	if f == nil || f.ShowInlinedFunctions == nil {
		return true
	}
	return *f.ShowInlinedFunctions
}

// EffectiveDenyPrefixes returns f.DenyPrefixes if set, else the built-in
// default list.
func (f *File) EffectiveDenyPrefixes() []string {
	if f == nil || f.DenyPrefixes == nil {
		out := make([]string, len(defaultDenyPrefixes))
		copy(out, defaultDenyPrefixes)
		return out
	}
	return f.DenyPrefixes
}

// Load reads and parses the config file at path. A missing file is not an
// error: it returns a zero-value *File, matching delve's LoadConfig
// behavior of falling back to defaults rather than refusing to start.
func Load(path string) (*File, error) {
	if path == "" {
		path = defaultFileName
	}

	data, err := ioutil.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &File{}, nil
		}
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}

	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}
	return &f, nil
}

// Save marshals f to path as YAML, creating or truncating it.
func Save(f *File, path string) error {
	if path == "" {
		path = defaultFileName
	}

	out, err := yaml.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	return ioutil.WriteFile(path, out, 0644)
}
