package linker

import (
	"debug/elf"

	"github.com/ksco/x64ld/pkg/utils"
)

// GotPltSection is `.got.plt`: the PLT resolver area, non-RELRO (spec.md
// §4.3). It begins with three reserved 8-byte words (dynamic structure
// pointer, link-map slot, resolver slot); per-symbol PLT entries then
// correspond 1-to-1 with slots at offsets 24+8*i. TLSDESC descriptor pairs
// are not allocated here: GotSection.AddGotTlsDescSymbol places them in
// `.got`.
type GotPltSection struct {
	Chunk
	numSlots int64
}

const gotPltReservedWords = 3

func NewGotPltSection() *GotPltSection {
	g := &GotPltSection{Chunk: NewChunk()}
	g.Name = ".got.plt"
	g.Shdr.Type = uint32(elf.SHT_PROGBITS)
	g.Shdr.Flags = uint64(elf.SHF_ALLOC | elf.SHF_WRITE)
	g.Shdr.AddrAlign = 8
	g.numSlots = gotPltReservedWords
	return g
}

// addGotPltSlot extends the table by one 8-byte slot and returns its slot
// index (0 is the first reserved word; PLT entry i's slot is index
// gotPltReservedWords+i).
func (g *GotPltSection) addGotPltSlot(ctx *Context) int32 {
	idx := int32(g.numSlots)
	g.numSlots++
	return idx
}

func (g *GotPltSection) gotPltAddr(idx int32) uint64 {
	return g.Shdr.Addr + uint64(idx)*8
}

func (g *GotPltSection) UpdateShdr(ctx *Context) {
	g.Shdr.Size = uint64(g.numSlots) * 8
}

// CopyBuf initializes the three reserved words and, per PLT entry i, the
// slot invariant from spec.md §8: `.got.plt+24+8*(i-1)` holds
// `plt_base+16*i+6` — the address of the pushq immediate following the
// indirect jump inside entry i (so the first indirect jump through an
// unresolved slot falls into entry 0's lazy resolver).
func (g *GotPltSection) CopyBuf(ctx *Context) {
	buf := ctx.Buf[g.Shdr.Offset:]
	for i := range buf {
		buf[i] = 0
	}

	if ctx.Dynamic != nil {
		utils.Write[uint64](buf[0:], ctx.Dynamic.Shdr.Addr)
	}

	if ctx.Plt == nil {
		return
	}

	pltBase := ctx.Plt.Shdr.Addr
	for i, sym := range ctx.Plt.Syms {
		gotIdx := sym.GetPltGotIdx(ctx)
		off := uint64(gotIdx) * 8
		utils.Write[uint64](buf[off:], pltBase+uint64(i+1)*PltEntrySize+6)
	}
}
