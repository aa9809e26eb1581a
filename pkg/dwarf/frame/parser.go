package frame

import (
	"bytes"
	"encoding/binary"
	"sort"

	"github.com/tweedegolf/stackdump/pkg/dwarf/util"
)

type parseContext struct {
	buf     *bytes.Buffer
	entries FrameDescriptionEntries
	common  *CommonInformationEntry
	frame   *FrameDescriptionEntry
	length  uint32
}

type parsefunc func(*parseContext) parsefunc

// Parse decodes the .debug_frame contents of a statically-linked Cortex-M
// image into its FrameDescriptionEntries. Addresses are always 4 bytes and
// little-endian on this target, so unlike a hosted unwinder Parse takes no
// pointer-size, byte-order, or load-bias arguments.
func Parse(data []byte) FrameDescriptionEntries {
	pctx := &parseContext{buf: bytes.NewBuffer(data), entries: newFrameIndex()}
	for fn := parselength; pctx.buf.Len() != 0; {
		fn = fn(pctx)
	}
	sort.Slice(pctx.entries, func(i, j int) bool { return pctx.entries[i].begin < pctx.entries[j].begin })
	return pctx.entries
}

func cieEntry(data []byte) bool {
	return bytes.Equal(data, []byte{0xff, 0xff, 0xff, 0xff})
}

func parselength(ctx *parseContext) parsefunc {
	binary.Read(ctx.buf, binary.LittleEndian, &ctx.length)
	if ctx.length == 0 {
		// zero-length terminator entry
		return parselength
	}

	id := ctx.buf.Next(4)
	ctx.length -= 4 // the CIE id / CIE pointer is already off the wire

	if cieEntry(id) {
		ctx.common = &CommonInformationEntry{Length: ctx.length}
		return parseCIE
	}
	ctx.frame = &FrameDescriptionEntry{Length: ctx.length, CIE: ctx.common}
	return parseFDE
}

func parseFDE(ctx *parseContext) parsefunc {
	body := ctx.buf.Next(int(ctx.length))

	ctx.frame.begin = uint64(binary.LittleEndian.Uint32(body[0:4]))
	ctx.frame.size = uint64(binary.LittleEndian.Uint32(body[4:8]))
	ctx.frame.Instructions = body[8:]

	// Insert after the address range is set: FDEForPC's binary search
	// over ctx.entries depends on it.
	ctx.entries = append(ctx.entries, ctx.frame)
	ctx.length = 0
	return parselength
}

func parseCIE(ctx *parseContext) parsefunc {
	buf := bytes.NewBuffer(ctx.buf.Next(int(ctx.length)))

	ctx.common.Version, _ = buf.ReadByte()
	// The augmentation string only matters for .eh_frame's personality
	// and LSDA pointer encodings; GCC's bare-metal .debug_frame always
	// emits it empty, but it must still be consumed to keep the field
	// layout that follows (alignment factors, return column) aligned.
	util.ParseString(buf)
	ctx.common.CodeAlignmentFactor, _ = util.DecodeULEB128(buf)
	ctx.common.DataAlignmentFactor, _ = util.DecodeSLEB128(buf)
	ctx.common.ReturnAddressRegister, _ = util.DecodeULEB128(buf)
	ctx.common.InitialInstructions = buf.Bytes()

	ctx.length = 0
	return parselength
}
