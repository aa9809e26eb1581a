// Package logflags gates a per-subsystem logrus.Entry behind a
// comma-separated subsystem list, the same design delve's pkg/logflags
// uses: a logger pinned to PanicLevel (effectively silent) when its
// subsystem isn't enabled, DebugLevel when it is, so call sites can log
// unconditionally and let the level filter do the work.
package logflags

import (
	"strings"

	"github.com/sirupsen/logrus"
)

var (
	unwind   = false
	types    = false
	location = false
	render   = false
	loader   = false
	snapshot = false
)

func makeLogger(flag bool, fields logrus.Fields) *logrus.Entry {
	logger := logrus.New().WithFields(fields)
	logger.Logger.Level = logrus.DebugLevel
	if !flag {
		logger.Logger.Level = logrus.PanicLevel
	}
	return logger
}

// Unwind returns true if pkg/unwind should log frame-by-frame unwind detail.
func Unwind() bool { return unwind }

// UnwindLogger returns a logger for pkg/unwind.
func UnwindLogger() *logrus.Entry { return makeLogger(unwind, logrus.Fields{"layer": "unwind"}) }

// Types returns true if pkg/types should log DIE-to-Type resolution detail.
func Types() bool { return types }

// TypesLogger returns a logger for pkg/types.
func TypesLogger() *logrus.Entry { return makeLogger(types, logrus.Fields{"layer": "types"}) }

// Location returns true if pkg/location should log DWARF expression
// evaluation detail.
func Location() bool { return location }

// LocationLogger returns a logger for pkg/location.
func LocationLogger() *logrus.Entry { return makeLogger(location, logrus.Fields{"layer": "location"}) }

// Render returns true if pkg/render should log value-rendering detail.
func Render() bool { return render }

// RenderLogger returns a logger for pkg/render.
func RenderLogger() *logrus.Entry { return makeLogger(render, logrus.Fields{"layer": "render"}) }

// Loader returns true if pkg/loader should log ELF/DWARF loading detail.
func Loader() bool { return loader }

// LoaderLogger returns a logger for pkg/loader.
func LoaderLogger() *logrus.Entry { return makeLogger(loader, logrus.Fields{"layer": "loader"}) }

// Snapshot returns true if pkg/snapshot should log record-decoding detail.
func Snapshot() bool { return snapshot }

// SnapshotLogger returns a logger for pkg/snapshot.
func SnapshotLogger() *logrus.Entry { return makeLogger(snapshot, logrus.Fields{"layer": "snapshot"}) }

// Setup enables the subsystems named in logstr (comma-separated, e.g.
// "unwind,types"), matching SPEC_FULL.md §6.3's STACKDUMP_LOG env var.
// An empty logstr leaves every subsystem at its default (silent).
func Setup(logstr string) {
	if logstr == "" {
		return
	}
	for _, name := range strings.Split(logstr, ",") {
		switch strings.TrimSpace(name) {
		case "unwind":
			unwind = true
		case "types":
			types = true
		case "location":
			location = true
		case "render":
			render = true
		case "loader":
			loader = true
		case "snapshot":
			snapshot = true
		}
	}
}
