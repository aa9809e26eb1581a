package render

import (
	"fmt"

	"github.com/tweedegolf/stackdump/pkg/location"
	"github.com/tweedegolf/stackdump/pkg/types"
)

// renderBitfieldMember implements the resolved (byte_offset, bit_offset,
// bit_size) triple (spec §9 open question 1, §4.6 "Bitfields"): the triple
// is always read explicitly, never assuming bit_offset == 0, since both
// array elements and nested composite members can carry a non-zero
// bit_offset of their own.
func (r *Renderer) renderBitfieldMember(m types.Member, mt types.Type, structLoc location.VariableLocation) RenderedValue {
	bitSize := *m.BitSize
	bitOffset := int64(0)
	if m.BitOffset != nil {
		bitOffset = *m.BitOffset
	}

	globalBit := m.ByteOffset*8 + bitOffset
	byteStart := globalBit / 8
	bitStart := int(globalBit % 8)
	numBytes := (int64(bitStart) + bitSize + 7) / 8

	buf, err := r.bytesAt(offsetLocation(structLoc, byteStart), numBytes)
	if err != nil {
		return errorValue(typeDisplayName(mt), memoryErrorReason(err))
	}

	raw := extractBits(buf, bitStart, bitSize)
	return RenderedValue{Spans: []Span{{Style: StyleNumeric, Text: formatBitfield(mt, raw, bitSize)}}}
}

// extractBits reads bitSize bits starting at bit bitStart of buf,
// interpreted little-endian (bit 0 of buf[0] is the least significant).
func extractBits(buf []byte, bitStart int, bitSize int64) uint64 {
	var v uint64
	for i := len(buf) - 1; i >= 0; i-- {
		v = (v << 8) | uint64(buf[i])
	}
	v >>= uint(bitStart)
	if bitSize < 64 {
		v &= (uint64(1) << uint(bitSize)) - 1
	}
	return v
}

func formatBitfield(mt types.Type, raw uint64, bitSize int64) string {
	bt, ok := mt.(*types.BaseType)
	if !ok {
		return fmt.Sprintf("%#x", raw)
	}
	switch bt.Encoding {
	case types.EncodingBool:
		if raw != 0 {
			return "true"
		}
		return "false"
	case types.EncodingSigned:
		if bitSize < 64 && raw&(1<<(bitSize-1)) != 0 {
			raw |= ^uint64(0) << uint(bitSize)
		}
		return fmt.Sprintf("%d", int64(raw))
	case types.EncodingChar, types.EncodingUTF8:
		return formatChar(raw)
	default:
		return fmt.Sprintf("%d", raw)
	}
}
