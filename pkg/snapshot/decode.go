// Package snapshot decodes the capture-side library's length-prefixed
// record framing (spec §6) into the memory.MemoryRegion and
// memory.RegisterData values DeviceMemory is built from. The framing
// itself, and the on-device routines that produce it, are outside this
// tracer's scope (spec §1) — this package only has to read what they
// wrote.
package snapshot

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/Masterminds/semver/v3"
	"github.com/tweedegolf/stackdump/pkg/memory"
)

// RecordKind identifies the payload format of a snapshot record.
type RecordKind uint8

const (
	KindMemoryRegion RecordKind = 0x01
	KindRegisterData RecordKind = 0x02
)

// minSupportedVersion is the snapshot format version (spec §9) below which
// MemoryRegion records carried only a length and an implicit base address.
// Guessing that base for an older producer is exactly the kind of silent
// misattribution the forensic contract in spec §4.1 exists to avoid, so a
// strict reader refuses such snapshots outright instead of reading them.
var minSupportedVersion = semver.MustParse("0.10.0")

// FormatVersion is the version line a snapshot stream may carry ahead of
// its first record, "stackdump-snapshot/<semver>". Readers that don't care
// about the version (e.g. a fuzzer feeding raw records) may call Decode
// directly without ever calling ReadVersion.
type FormatVersion struct {
	Version *semver.Version
}

// ReadVersion reads and validates the optional version header. If the
// stream's first bytes are not a recognized version line, ReadVersion
// returns (nil, nil) and leaves r positioned at the start of the first
// record — old snapshot streams did not carry a version line.
func ReadVersion(r *CountingReader) (*FormatVersion, error) {
	const magic = "stackdump-snapshot/"
	peek := make([]byte, len(magic))
	n, _ := io.ReadFull(r, peek)
	if n < len(magic) || string(peek) != magic {
		r.Unread(peek[:n])
		return nil, nil
	}
	line := make([]byte, 0, 16)
	b := make([]byte, 1)
	for {
		if _, err := r.Read(b); err != nil {
			return nil, fmt.Errorf("snapshot: truncated version header: %w", err)
		}
		if b[0] == '\n' {
			break
		}
		line = append(line, b[0])
	}
	v, err := semver.NewVersion(string(line))
	if err != nil {
		return nil, fmt.Errorf("snapshot: invalid version header %q: %w", line, err)
	}
	if v.LessThan(minSupportedVersion) {
		return nil, fmt.Errorf("snapshot: format version %s predates %s, which added explicit memory region ranges; refusing to guess region base addresses", v, minSupportedVersion)
	}
	return &FormatVersion{Version: v}, nil
}

// Record is one decoded kind(1) || length(4 LE) || payload entry.
type Record struct {
	Kind    RecordKind
	Region  *memory.MemoryRegion
	Regsets *memory.RegisterData
}

// Load reads one complete snapshot stream: an optional version header
// followed by records until EOF. It is the entry point cmd/stackdump's
// dump-file loading (used by `trace` and `regions`) uses to turn a raw dump
// file into a *memory.DeviceMemory.
func Load(r io.Reader) (*memory.DeviceMemory, *FormatVersion, error) {
	cr := NewCountingReader(r)
	version, err := ReadVersion(cr)
	if err != nil {
		return nil, nil, err
	}
	regions, regsets, err := Decode(cr)
	if err != nil {
		return nil, nil, err
	}
	return memory.New(regions, regsets), version, nil
}

// Decode reads every record from r until EOF, in whatever order they were
// written — callers may interleave MemoryRegion and RegisterData records
// freely (spec §6).
func Decode(r io.Reader) ([]memory.MemoryRegion, []memory.RegisterData, error) {
	var regions []memory.MemoryRegion
	var regsets []memory.RegisterData

	for {
		var kindByte [1]byte
		if _, err := io.ReadFull(r, kindByte[:]); err != nil {
			if err == io.EOF {
				break
			}
			return nil, nil, fmt.Errorf("snapshot: reading record kind: %w", err)
		}

		var length uint32
		if err := binary.Read(r, binary.LittleEndian, &length); err != nil {
			return nil, nil, fmt.Errorf("snapshot: reading record length: %w", err)
		}

		payload := make([]byte, length)
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, nil, fmt.Errorf("snapshot: reading record payload: %w", err)
		}

		switch RecordKind(kindByte[0]) {
		case KindMemoryRegion:
			region, err := decodeMemoryRegion(payload)
			if err != nil {
				return nil, nil, err
			}
			regions = append(regions, region)
		case KindRegisterData:
			regset, err := decodeRegisterData(payload)
			if err != nil {
				return nil, nil, err
			}
			regsets = append(regsets, regset)
		default:
			return nil, nil, fmt.Errorf("snapshot: unknown record kind %#x", kindByte[0])
		}
	}

	return regions, regsets, nil
}

func decodeMemoryRegion(payload []byte) (memory.MemoryRegion, error) {
	if len(payload) < 16 {
		return memory.MemoryRegion{}, fmt.Errorf("snapshot: MemoryRegion record too short (%d bytes)", len(payload))
	}
	base := binary.LittleEndian.Uint64(payload[0:8])
	length := binary.LittleEndian.Uint64(payload[8:16])
	data := payload[16:]
	if uint64(len(data)) != length {
		return memory.MemoryRegion{}, fmt.Errorf("snapshot: MemoryRegion declares length %d but carries %d bytes", length, len(data))
	}
	return memory.MemoryRegion{Base: base, Length: length, Bytes: data}, nil
}

func decodeRegisterData(payload []byte) (memory.RegisterData, error) {
	if len(payload) < 4 {
		return memory.RegisterData{}, fmt.Errorf("snapshot: RegisterData record too short (%d bytes)", len(payload))
	}
	archID := payload[0]
	width := payload[1]
	count := binary.LittleEndian.Uint16(payload[2:4])
	values := payload[4:]

	wantLen := int(count) * int(width)
	if len(values) != wantLen {
		return memory.RegisterData{}, fmt.Errorf("snapshot: RegisterData declares %d registers of width %d (%d bytes) but carries %d bytes", count, width, wantLen, len(values))
	}

	result := memory.RegisterData{ArchID: archID, Width: width, Values: make(map[uint64]uint64, count)}
	for i := 0; i < int(count); i++ {
		off := i * int(width)
		var v uint64
		switch width {
		case 1:
			v = uint64(values[off])
		case 2:
			v = uint64(binary.LittleEndian.Uint16(values[off : off+2]))
		case 4:
			v = uint64(binary.LittleEndian.Uint32(values[off : off+4]))
		case 8:
			v = binary.LittleEndian.Uint64(values[off : off+8])
		default:
			return memory.RegisterData{}, fmt.Errorf("snapshot: unsupported register width %d", width)
		}
		result.Values[uint64(i)] = v
	}
	return result, nil
}
