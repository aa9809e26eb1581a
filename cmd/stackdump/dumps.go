package main

import (
	"fmt"
	"os"

	"github.com/tweedegolf/stackdump/pkg/memory"
	"github.com/tweedegolf/stackdump/pkg/snapshot"
)

// loadDumps decodes every file in paths and merges their regions and
// register sets into one memory.DeviceMemory. A capture session may split
// RAM and register snapshots across multiple files (spec.md §6's
// "dump-files..." accepting more than one), so the regions/register sets
// of every file are pooled before building the combined device view.
func loadDumps(paths []string) (*memory.DeviceMemory, error) {
	if len(paths) == 0 {
		return nil, fmt.Errorf("no dump files given")
	}

	var regions []memory.MemoryRegion
	var registers []memory.RegisterData

	for _, path := range paths {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("opening dump file %s: %w", path, err)
		}
		mem, _, err := snapshot.Load(f)
		closeErr := f.Close()
		if err != nil {
			return nil, fmt.Errorf("decoding dump file %s: %w", path, err)
		}
		if closeErr != nil {
			return nil, fmt.Errorf("closing dump file %s: %w", path, closeErr)
		}
		regions = append(regions, mem.Regions()...)
		registers = append(registers, mem.RegisterSets()...)
	}

	return memory.New(regions, registers), nil
}
