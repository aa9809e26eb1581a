// Command stackdump is a post-mortem backtrace tool for bare-metal ARM
// Cortex-M firmware: given the ELF a device was flashed with and one or
// more memory snapshots captured from it after a fault, it reconstructs
// and renders the call stack that led to the fault (spec.md §1).
//
// Grounded on cmd/dlv's cobra-rooted command tree.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// buildVersion is overridden at link time (-ldflags "-X main.buildVersion=...");
// "dev" is what a `go build` with no flags produces.
var buildVersion = "dev"

func main() {
	root := &cobra.Command{
		Use:           "stackdump",
		Short:         "Post-mortem backtrace tracer for bare-metal ARM Cortex-M firmware",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(newTraceCommand())
	root.AddCommand(newRegionsCommand())
	root.AddCommand(newVersionCommand())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "stackdump:", err)
		os.Exit(exitCodeFor(err))
	}
}

// exitCodeFor maps an error surfaced from a subcommand to spec.md §6's exit
// code contract: 1 for invalid inputs, 2 for a tracing failure that left no
// frames, 1 as the fallback for anything else cobra itself might raise
// (bad flags, unknown subcommand).
func exitCodeFor(err error) int {
	if ec, ok := err.(exitCoder); ok {
		return ec.ExitCode()
	}
	return 1
}

// exitCoder lets a subcommand's error carry a specific exit code without
// cobra's Execute needing to know about stackdump's own error types.
type exitCoder interface {
	ExitCode() int
}

type tracingFailure struct{ error }

func (tracingFailure) ExitCode() int { return 2 }
