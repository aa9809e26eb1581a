package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// newRegionsCommand is a diagnostic dump of what a snapshot actually
// contains, without needing an ELF at all — useful for inspecting a
// capture before a matching ELF is on hand (SPEC_FULL.md §6.3, supplemental
// to spec.md's distilled CLI, in the spirit of the original capture
// crate's own debug-print support).
func newRegionsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "regions <dump-files...>",
		Short: "List the memory regions and register sets captured in one or more snapshots",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mem, err := loadDumps(args)
			if err != nil {
				return err
			}

			regions := mem.Regions()
			fmt.Printf("%d memory region(s):\n", len(regions))
			for _, r := range regions {
				fmt.Printf("  %#010x..%#010x (%d bytes)\n", r.Base, r.End(), len(r.Bytes))
			}

			regsets := mem.RegisterSets()
			fmt.Printf("%d register set(s):\n", len(regsets))
			for i, rs := range regsets {
				fmt.Printf("  set %d: %d register(s)\n", i, len(rs.Values))
			}
			return nil
		},
	}
}
