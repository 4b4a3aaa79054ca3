package linker

import (
	"debug/elf"

	"github.com/ksco/x64ld/pkg/utils"
)

// GotSlotKind is spec.md §3's stable GOT slot taxonomy, exposed to the
// incremental-link format. Unlike the teacher's RISC-V GOT (which only
// ever needed a plain slot and a TP-offset slot), x86-64 TLS needs two
// two-slot shapes as well.
type GotSlotKind uint8

const (
	GotStandard GotSlotKind = iota
	GotTlsOffset
	GotTlsPair
	GotTlsDesc
)

// GotSection owns `.got` (per-symbol data and TLS slots, TLSDESC pairs
// included, RELRO), allocated in the order slots are requested; `.got.plt` is a
// separate Chunker (below) since it is non-RELRO and grows in lockstep
// with PltSection. Grounded on the teacher's GotSection (gotsection.go),
// generalized from two GotSyms/GotTpSyms slices to four slot kinds.
type GotSection struct {
	Chunk
	GotSyms     []*Symbol // GotStandard
	GotTpSyms   []*Symbol // GotTlsOffset
	GotGdSyms   []*Symbol // GotTlsPair (TLSGD module-index/dtv-offset pair)
	GotDescSyms []*Symbol // GotTlsDesc
	GotLdIdx    int32     // lazily-allocated Local-Dynamic module-index pair, or -1
}

func NewGotSection() *GotSection {
	g := &GotSection{Chunk: NewChunk(), GotLdIdx: -1}
	g.Name = ".got"
	g.Shdr.Type = uint32(elf.SHT_PROGBITS)
	g.Shdr.Flags = uint64(elf.SHF_ALLOC | elf.SHF_WRITE)
	g.Shdr.AddrAlign = 8
	return g
}

func (g *GotSection) AddGotSymbol(ctx *Context, sym *Symbol) bool {
	if sym.GetGotIdx(ctx) != -1 {
		return false
	}
	sym.SetGotIdx(ctx, int32(g.Shdr.Size/8))
	g.Shdr.Size += 8
	g.GotSyms = append(g.GotSyms, sym)
	return true
}

// AddGotSymbolWithRela is add_global/add_local plus a matching GLOB_DAT
// (global) or RELATIVE (local) dynamic relocation, per C3's
// `add_*_with_rela` operations.
func (g *GotSection) AddGotSymbolWithRela(ctx *Context, sym *Symbol) {
	if !g.AddGotSymbol(ctx, sym) {
		return
	}

	idx := sym.GetGotIdx(ctx)

	if sym.IsIfunc() && !sym.IsPreemptible(ctx) {
		ctx.RelaDyn.AddIrelative(func(ctx *Context) Rela {
			return Rela{
				Offset: g.Shdr.Addr + uint64(idx)*8,
				Type:   uint32(elf.R_X86_64_IRELATIVE),
				Addend: int64(sym.GetAddr(ctx)),
			}
		})
		return
	}

	preemptible := sym.IsPreemptible(ctx)
	var symIdx uint32
	if preemptible {
		symIdx = uint32(ctx.Dynsym.Add(ctx, sym))
	}

	ctx.RelaDyn.Add(func(ctx *Context) Rela {
		relType := uint32(elf.R_X86_64_GLOB_DAT)
		if !preemptible {
			relType = uint32(elf.R_X86_64_RELATIVE)
		}
		return Rela{
			Offset: g.Shdr.Addr + uint64(idx)*8,
			Type:   relType,
			Sym:    symIdx,
			Addend: int64(sym.GetAddr(ctx)),
		}
	})
}

func (g *GotSection) AddGotTpSymbol(ctx *Context, sym *Symbol) bool {
	if sym.GetGotTpIdx(ctx) != -1 {
		return false
	}
	sym.SetGotTpIdx(ctx, int32(g.Shdr.Size/8))
	g.Shdr.Size += 8
	g.GotTpSyms = append(g.GotTpSyms, sym)
	return true
}

// AddGotTpSymbolWithRela allocates a TLS_OFFSET slot plus its TPOFF64
// dynamic relocation for a preemptible or otherwise non-final symbol
// (the IE access model's GOTTPOFF relocation, when not optimized away).
func (g *GotSection) AddGotTpSymbolWithRela(ctx *Context, sym *Symbol) {
	if !g.AddGotTpSymbol(ctx, sym) {
		return
	}

	idx := sym.GetGotTpIdx(ctx)
	symIdx := uint32(ctx.Dynsym.Add(ctx, sym))
	ctx.RelaDyn.Add(func(ctx *Context) Rela {
		return Rela{
			Offset: g.Shdr.Addr + uint64(idx)*8,
			Type:   uint32(elf.R_X86_64_TPOFF64),
			Sym:    symIdx,
		}
	})
}

// AddGotTlsGdSymbol allocates a two-slot TLS_PAIR for the General-Dynamic
// access model, registering the (DTPMOD64, DTPOFF64) dynamic relocation
// pair against the two consecutive slots, per C3's invariant that a
// TLS_PAIR allocation always consumes two consecutive 8-byte slots.
func (g *GotSection) AddGotTlsGdSymbol(ctx *Context, sym *Symbol) bool {
	if sym.GetGotTlsGdIdx(ctx) != -1 {
		return false
	}
	idx := int32(g.Shdr.Size / 8)
	sym.SetGotTlsGdIdx(ctx, idx)
	g.Shdr.Size += 16
	g.GotGdSyms = append(g.GotGdSyms, sym)

	if sym.IsPreemptible(ctx) {
		symIdx := uint32(ctx.Dynsym.Add(ctx, sym))
		ctx.RelaDyn.Add(func(ctx *Context) Rela {
			return Rela{Offset: g.Shdr.Addr + uint64(idx)*8, Type: uint32(elf.R_X86_64_DTPMOD64), Sym: symIdx}
		})
		ctx.RelaDyn.Add(func(ctx *Context) Rela {
			return Rela{Offset: g.Shdr.Addr + uint64(idx)*8 + 8, Type: uint32(elf.R_X86_64_DTPOFF64), Sym: symIdx}
		})
	} else {
		ctx.RelaDyn.Add(func(ctx *Context) Rela {
			return Rela{Offset: g.Shdr.Addr + uint64(idx)*8, Type: uint32(elf.R_X86_64_DTPMOD64), Addend: 1}
		})
		ctx.RelaDyn.Add(func(ctx *Context) Rela {
			return Rela{Offset: g.Shdr.Addr + uint64(idx)*8 + 8, Type: uint32(elf.R_X86_64_DTPOFF64), Addend: int64(sym.GetAddr(ctx))}
		})
	}
	return true
}

// ModIndexEntry implements C3's mod_index_entry(): the lazily-allocated
// single GOT pair shared by every Local-Dynamic access in the module that
// wasn't optimized down to LE, plus, in a PIC link only, its
// R_X86_64_DTPMOD64 relocation (the dtv-offset half is always 0 for LD, so
// no second relocation is needed).
func (g *GotSection) ModIndexEntry(ctx *Context) int32 {
	if g.GotLdIdx != -1 {
		return g.GotLdIdx
	}

	idx := int32(g.Shdr.Size / 8)
	g.GotLdIdx = idx
	g.Shdr.Size += 16

	if ctx.IsPic() {
		ctx.RelaDyn.Add(func(ctx *Context) Rela {
			return Rela{Offset: g.Shdr.Addr + uint64(idx)*8, Type: uint32(elf.R_X86_64_DTPMOD64)}
		})
	}
	return idx
}

// AddGotTlsDescSymbol allocates the two-slot TLS_DESC pair lazily resolved
// by the TLSDESC PLT trampoline (C3's add_*_with_rela for TLSDESC),
// registering a single R_X86_64_TLSDESC relocation spanning both slots.
func (g *GotSection) AddGotTlsDescSymbol(ctx *Context, sym *Symbol) bool {
	if sym.GetGotTlsDescIdx(ctx) != -1 {
		return false
	}
	idx := int32(g.Shdr.Size / 8)
	sym.SetGotTlsDescIdx(ctx, idx)
	g.Shdr.Size += 16
	g.GotDescSyms = append(g.GotDescSyms, sym)

	ctx.Plt.ReserveTlsdescEntry(ctx, uint64(idx)*8)

	preemptible := sym.IsPreemptible(ctx)
	var symIdx uint32
	if preemptible {
		symIdx = uint32(ctx.Dynsym.Add(ctx, sym))
	}
	ctx.RelaPlt.AddTlsdesc(func(ctx *Context) Rela {
		addend := int64(0)
		if !preemptible {
			addend = int64(sym.GetAddr(ctx))
		}
		return Rela{Offset: g.Shdr.Addr + uint64(idx)*8, Type: uint32(elf.R_X86_64_TLSDESC), Sym: symIdx, Addend: addend}
	})
	return true
}

func (g *GotSection) GetEntries(ctx *Context) []GotEntry {
	entries := make([]GotEntry, 0, len(g.GotSyms)+len(g.GotTpSyms))

	for _, sym := range g.GotSyms {
		idx := sym.GetGotIdx(ctx)
		val := sym.GetAddr(ctx)
		if sym.HasPlt(ctx) && sym.IsIfunc() {
			val = sym.GetPltAddr(ctx)
		}
		entries = append(entries, NewGotEntry(int64(idx), val, int64(elf.R_X86_64_NONE)))
	}

	for _, sym := range g.GotTpSyms {
		idx := sym.GetGotTpIdx(ctx)
		entries = append(entries,
			NewGotEntry(int64(idx), sym.GetAddr(ctx)-ctx.TpAddr, int64(elf.R_X86_64_NONE)))
	}

	return entries
}

func (g *GotSection) UpdateShdr(ctx *Context) {
	if g.Shdr.Size == 0 {
		g.Shdr.Size = 8
	}
}

func (g *GotSection) CopyBuf(ctx *Context) {
	buf := ctx.Buf[g.Shdr.Offset:]
	for i := uint64(0); i < g.Shdr.Size; i++ {
		buf[i] = 0
	}

	for _, ent := range g.GetEntries(ctx) {
		if ent.IsRel() {
			utils.Fatal("unreachable")
		}
		utils.Write[uint64](buf[ent.Idx*8:], ent.Val)
	}

	// TLS_PAIR (TLSGD) slots default to zero and are overwritten either by
	// the dynamic relocations registered in AddGotTlsGdSymbol, or, for a
	// final symbol in a non-PIC link, could be folded in statically; we
	// keep them zero-initialized here and always rely on .rela.dyn, which
	// is simpler and still correct for every link mode this backend
	// supports (static, -pie and -shared).
}
