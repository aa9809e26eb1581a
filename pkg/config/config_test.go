package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	f, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !f.ShowInline() {
		t.Errorf("ShowInline() on empty file = false, want true (default)")
	}
	if len(f.EffectiveDenyPrefixes()) != len(defaultDenyPrefixes) {
		t.Errorf("EffectiveDenyPrefixes() = %v, want defaults", f.EffectiveDenyPrefixes())
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cfg.yml")
	no := false
	want := &File{
		Theme:                  "light",
		Wrap:                   100,
		ShowZeroSizedVariables: true,
		ShowInlinedFunctions:   &no,
		MaxFrames:              32,
		DenyPrefixes:           []string{"foo", "bar"},
	}
	if err := Save(want, path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.Theme != want.Theme || got.Wrap != want.Wrap || got.MaxFrames != want.MaxFrames {
		t.Errorf("round trip mismatch: got %+v, want %+v", got, want)
	}
	if got.ShowInline() {
		t.Errorf("ShowInline() = true, want false (explicitly disabled)")
	}
	if len(got.DenyPrefixes) != 2 {
		t.Errorf("DenyPrefixes = %v, want [foo bar]", got.DenyPrefixes)
	}
}

func TestLoadMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yml")
	if err := os.WriteFile(path, []byte("theme: [this is not a string"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("Load of malformed YAML = nil error, want non-nil")
	}
}

func TestDenyListMatchesPrefix(t *testing.T) {
	d := NewDenyList([]string{"defmt", "log::", "_ZN4core"})

	cases := []struct {
		name string
		want bool
	}{
		{"defmt_rtt::write", true},
		{"log::Record::new", true},
		{"_ZN4core5slice5index", true},
		{"my_app::handler", false},
		{"", false},
	}
	for _, c := range cases {
		if got := d.MatchesPrefix(c.name); got != c.want {
			t.Errorf("MatchesPrefix(%q) = %v, want %v", c.name, got, c.want)
		}
	}
}

func TestDenyListEmpty(t *testing.T) {
	d := NewDenyList(nil)
	if d.MatchesPrefix("anything") {
		t.Error("empty DenyList matched a prefix")
	}
}

func TestNilDenyList(t *testing.T) {
	var d *DenyList
	if d.MatchesPrefix("anything") {
		t.Error("nil DenyList matched a prefix")
	}
}
