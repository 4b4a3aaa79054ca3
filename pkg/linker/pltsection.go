package linker

import (
	"debug/elf"

	"github.com/ksco/x64ld/pkg/utils"
)

// PltEntrySize is spec.md §3's fixed 16-byte PLT stub size.
const PltEntrySize = 16

// PltSection is the PLT Builder (C2): it owns `.plt`'s bytes, hands out
// entries append-only during the Scanner pass, and defers actual byte
// emission to the Finalizer once every address involved (.plt, .got,
// .got.plt) is frozen — the "late-binding PLT byte offsets vs early
// PC-relative displacements" design note in spec.md §9. Modeled on the
// teacher's GotSection (gotsection.go) as a Chunk-embedding synthetic
// section with lazy-allocate-on-demand semantics.
type PltSection struct {
	Chunk
	Syms            []*Symbol // index i holds the symbol of entry i+1
	LocalIfuncSyms  []*Symbol // ifunc entries keyed by a synthetic local symbol
	ReservedTlsdesc bool
}

func NewPltSection() *PltSection {
	p := &PltSection{Chunk: NewChunk()}
	p.Name = ".plt"
	p.Shdr.Type = uint32(elf.SHT_PROGBITS)
	p.Shdr.Flags = uint64(elf.SHF_ALLOC | elf.SHF_EXECINSTR)
	p.Shdr.EntSize = PltEntrySize
	p.Shdr.AddrAlign = 16
	return p
}

// AddEntry implements C2's add_entry(symbol): assigns PLT index N+1,
// extends .got.plt by 8 bytes, and appends the dynamic relocation that
// resolves that slot (IRELATIVE for ifuncs, JUMP_SLOT otherwise). At most
// one entry per symbol — AddEntry returns early when the symbol already
// HasPlt, same idempotence contract as the teacher's GOT allocators.
func (p *PltSection) AddEntry(ctx *Context, sym *Symbol) {
	if sym.HasPlt(ctx) {
		return
	}

	idx := int32(len(p.Syms)) + 1
	sym.SetPltIdx(ctx, idx)
	p.Syms = append(p.Syms, sym)

	gotPltIdx := ctx.GotPlt.addGotPltSlot(ctx)
	sym.SetPltGotIdx(ctx, gotPltIdx)

	// Ifunc GOT.PLT slots are resolved by R_X86_64_IRELATIVE. These land in
	// .rela.plt alongside the JUMP_SLOT entries (spec.md §8 scenario 5):
	// __rela_iplt_start/__rela_iplt_end bracket the IRELATIVE run within
	// .rela.plt itself, not .rela.dyn.
	if sym.IsIfunc() {
		ctx.RelaPlt.AddIrelative(func(ctx *Context) Rela {
			return Rela{
				Offset: ctx.GotPlt.gotPltAddr(gotPltIdx),
				Type:   uint32(elf.R_X86_64_IRELATIVE),
				Addend: int64(sym.GetAddr(ctx)),
			}
		})
		return
	}

	symIdx := uint32(ctx.Dynsym.Add(ctx, sym))
	ctx.RelaPlt.Add(func(ctx *Context) Rela {
		return Rela{
			Offset: ctx.GotPlt.gotPltAddr(gotPltIdx),
			Type:   uint32(elf.R_X86_64_JMP_SLOT),
			Sym:    symIdx,
		}
	})
}

// AddLocalIfuncEntry implements add_local_ifunc_entry(object, r_sym): the
// same allocation as AddEntry, but the relocation's addend is the local
// ifunc resolver's address directly rather than a dynsym reference, since
// local symbols never appear in .dynsym.
func (p *PltSection) AddLocalIfuncEntry(ctx *Context, sym *Symbol) {
	if sym.HasPlt(ctx) {
		return
	}

	idx := int32(len(p.Syms)) + 1
	sym.SetPltIdx(ctx, idx)
	p.Syms = append(p.Syms, sym)
	p.LocalIfuncSyms = append(p.LocalIfuncSyms, sym)

	gotPltIdx := ctx.GotPlt.addGotPltSlot(ctx)
	sym.SetPltGotIdx(ctx, gotPltIdx)

	ctx.RelaPlt.AddIrelative(func(ctx *Context) Rela {
		return Rela{
			Offset: ctx.GotPlt.gotPltAddr(gotPltIdx),
			Type:   uint32(elf.R_X86_64_IRELATIVE),
			Addend: int64(sym.GetAddr(ctx)),
		}
	})
}

// ReserveTlsdescEntry implements reserve_tlsdesc_entry: idempotent, marks
// that the trailing reserved TLSDESC trampoline entry is needed. The GOT
// offset of its companion two-slot pair is recorded so the Finalizer can
// emit DT_TLSDESC_GOT. Only the first caller's gotOffset sticks - every
// TLSDESC symbol shares the same generic trampoline entry, the way PLT
// entry 0 is shared by every ordinary PLT stub.
func (p *PltSection) ReserveTlsdescEntry(ctx *Context, gotOffset uint64) {
	if p.ReservedTlsdesc {
		return
	}
	ctx.NeedsTlsdescPlt = true
	ctx.TlsdescGotOffset = gotOffset
	p.ReservedTlsdesc = true
}

func (p *PltSection) entryCount() int64 {
	n := int64(len(p.Syms)) + 1 // +1 for the reserved entry 0
	if p.ReservedTlsdesc {
		n++
	}
	return n
}

func (p *PltSection) UpdateShdr(ctx *Context) {
	p.Shdr.Size = uint64(p.entryCount()) * PltEntrySize
}

// CopyBuf emits §4.2's byte-exact PLT stubs. By the time this runs (C8),
// .plt/.got/.got.plt addresses are frozen, satisfying the "byte buffer
// sized but unwritten until C8" requirement from spec.md §9.
func (p *PltSection) CopyBuf(ctx *Context) {
	buf := ctx.Buf[p.Shdr.Offset:]
	pltBase := p.Shdr.Addr
	gotPltBase := ctx.GotPlt.gotPltAddr(0)

	// Entry 0: the lazy-resolution trampoline.
	e0 := buf[0:PltEntrySize]
	utils.Write[uint32](e0[2:], uint32(gotPltBase+8-(pltBase+6)))
	e0[0], e0[1] = 0xFF, 0x35
	utils.Write[uint32](e0[8:], uint32(gotPltBase+16-(pltBase+12)))
	e0[6], e0[7] = 0xFF, 0x25
	e0[12], e0[13], e0[14], e0[15] = 0x90, 0x90, 0x90, 0x90

	for i, sym := range p.Syms {
		entOff := uint64(i+1) * PltEntrySize
		ent := buf[entOff : entOff+PltEntrySize]
		gotSlotAddr := ctx.GotPlt.gotPltAddr(sym.GetPltGotIdx(ctx))
		entAddr := pltBase + entOff

		ent[0], ent[1] = 0xFF, 0x25
		utils.Write[uint32](ent[2:], uint32(gotSlotAddr-(entAddr+6)))

		ent[6] = 0x68
		utils.Write[uint32](ent[7:], uint32(i)) // pushq reloc-table index i (0-based)

		ent[11] = 0xE9
		utils.Write[uint32](ent[12:], uint32(pltBase-(entAddr+16)))
	}

	if p.ReservedTlsdesc {
		off := uint64(p.entryCount()-1) * PltEntrySize
		ent := buf[off : off+PltEntrySize]
		entAddr := pltBase + off
		ctx.TlsdescPltOffset = off

		ent[0], ent[1] = 0xFF, 0x35
		utils.Write[uint32](ent[2:], uint32(gotPltBase+8-(entAddr+6)))

		ent[6], ent[7] = 0xFF, 0x25
		descGotAddr := ctx.Got.Shdr.Addr + ctx.TlsdescGotOffset
		utils.Write[uint32](ent[8:], uint32(descGotAddr-(entAddr+12)))

		ent[12], ent[13], ent[14], ent[15] = 0x0F, 0x1F, 0x40, 0x00
	}
}
