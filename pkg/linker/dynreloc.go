package linker

import (
	"debug/elf"
	"unsafe"

	"github.com/ksco/x64ld/pkg/utils"
)

// RelaSection backs both `.rela.dyn` and `.rela.plt` (C4, Dynamic Reloc
// Table). Modeled on the teacher's GotEntry/GetEntries "append entries,
// resolve at CopyBuf time" pattern, generalized to its own output section
// instead of one implicit inside the GOT.
// RelaResolver produces a relocation's final bytes once section layout and
// symbol addresses are frozen. The Scanner only knows a GOT/PLT slot index
// and a symbol at scan time, not either one's final address, so every Add
// call defers the actual Offset/Addend arithmetic into one of these instead
// of computing it up front the way the teacher's single-chunk GOT entries
// could afford to.
type RelaResolver func(ctx *Context) Rela

type RelaSection struct {
	Chunk
	Entries     []Rela // only valid after Resolve has run
	resolvers   []RelaResolver
	IsPlt       bool // true for .rela.plt: sh_info points at .plt, not .dynsym
	tlsdescAt   int  // index where TLSDESC relocations begin
	irelativeAt int  // index where the IRELATIVE run begins, or -1
}

func NewRelaSection(name string, isPlt bool) *RelaSection {
	r := &RelaSection{Chunk: NewChunk(), IsPlt: isPlt, tlsdescAt: -1, irelativeAt: -1}
	r.Name = name
	r.Shdr.Type = uint32(elf.SHT_RELA)
	r.Shdr.Flags = uint64(elf.SHF_ALLOC)
	r.Shdr.EntSize = uint64(unsafe.Sizeof(Rela{}))
	r.Shdr.AddrAlign = 8
	return r
}

// Add registers a deferred relocation and returns its final index. The
// index is stable as soon as this returns (it only depends on call order,
// not on anything Resolve later fills in), so callers needing the ordering
// invariants below can rely on it immediately.
func (r *RelaSection) Add(resolve RelaResolver) int {
	idx := len(r.resolvers)
	r.resolvers = append(r.resolvers, resolve)
	return idx
}

// AddTlsdesc appends a TLSDESC relocation to `.rela.plt` and records the
// index of the first one in tlsdescAt, for the testable-property check of
// the spec.md §4.4/§8 ordering invariant (every TLSDESC entry's index must
// exceed every JUMP_SLOT/IRELATIVE entry's index). The method does not
// enforce that order itself; it holds because its only caller,
// GotSection.AddGotTlsDescSymbol, runs in ScanRels' per-symbol pass, after
// the relocation scan has made every PltSection JUMP_SLOT/IRELATIVE call.
func (r *RelaSection) AddTlsdesc(resolve RelaResolver) int {
	if r.tlsdescAt == -1 {
		r.tlsdescAt = len(r.resolvers)
	}
	return r.Add(resolve)
}

// AddIrelative appends an R_X86_64_IRELATIVE entry and records the index of
// the first one, where the __rela_iplt_start/__rela_iplt_end range begins
// (spec.md §6). Ifunc resolution has no dynamic loader involved in a static
// link, so these two symbols let the startup code process this run itself.
func (r *RelaSection) AddIrelative(resolve RelaResolver) int {
	if r.irelativeAt == -1 {
		r.irelativeAt = len(r.resolvers)
	}
	return r.Add(resolve)
}

// IrelativeRange returns the byte range from the section's first IRELATIVE
// entry to the end of the section, or (0, 0) if none was added. Entries of
// other types appended after the first IRELATIVE one fall inside the range
// too. Valid any time after layout, since it only
// needs the section's own address and the (already-stable) entry count.
func (r *RelaSection) IrelativeRange() (start, end uint64) {
	if r.irelativeAt == -1 {
		return 0, 0
	}
	entSize := r.Shdr.EntSize
	start = r.Shdr.Addr + uint64(r.irelativeAt)*entSize
	end = r.Shdr.Addr + uint64(len(r.resolvers))*entSize
	return start, end
}

// Count returns the section's final entry count. Stable as soon as the
// Scanner pass finishes, well before Resolve fills in Entries - this is
// what DynamicSection.Build checks to decide which DT_* tags apply, since
// it needs an answer before layout too.
func (r *RelaSection) Count() int {
	return len(r.resolvers)
}

func (r *RelaSection) UpdateShdr(ctx *Context) {
	r.Shdr.Size = uint64(len(r.resolvers)) * r.Shdr.EntSize
	if ctx.Dynsym != nil {
		r.Shdr.Link = uint32(ctx.Dynsym.Shndx)
	}
	if r.IsPlt && ctx.Plt != nil {
		r.Shdr.Info = uint32(ctx.Plt.Shndx)
	}
}

// Resolve evaluates every deferred relocation now that output section
// addresses and symbol values are final. Must run after SetOsecOffsets and
// before CopyBuf.
func (r *RelaSection) Resolve(ctx *Context) {
	r.Entries = make([]Rela, len(r.resolvers))
	for i, f := range r.resolvers {
		r.Entries[i] = f(ctx)
	}
}

func (r *RelaSection) CopyBuf(ctx *Context) {
	buf := ctx.Buf[r.Shdr.Offset:]
	for i, rel := range r.Entries {
		utils.Write[Rela](buf[i*int(r.Shdr.EntSize):], rel)
	}
}

// AddCopyRelCandidate implements C4's copy-relocation deferral buffer: the
// Scanner calls this (already knowing the symbol is preemptible) instead of
// emitting a relocation directly, since the symbol's copy-rel address isn't
// assigned until CopyRelSection.Finalize runs. The `.rela.dyn` slot is
// reserved right here, at scan time, so the section's final entry count -
// and therefore its size - is already correct before layout; only the
// resolver's address lookup is deferred to Resolve time.
func AddCopyRelCandidate(ctx *Context, sym *Symbol) {
	if sym.HasCopyRel(ctx) {
		return
	}
	sym.SetHasCopyRel(ctx, true)
	ctx.CopyRelPending = append(ctx.CopyRelPending, CopyRelCandidate{Symbol: sym})

	ctx.RelaDyn.Add(func(ctx *Context) Rela {
		if !sym.IsPreemptible(ctx) {
			return Rela{}
		}
		return Rela{
			Offset: sym.GetAddr(ctx),
			Type:   uint32(elf.R_X86_64_COPY),
			Sym:    uint32(ctx.Dynsym.Add(ctx, sym)),
		}
	})
}

// AddLocalAbsReloc implements spec.md §4.5's "if PIC: DynReloc" rule for an
// absolute relocation against a non-preemptible (local-resolved) symbol:
// the Scanner can't yet compute the symbol's final address or this input
// section's final output offset, but it reserves the `.rela.dyn` slot
// immediately so sizing is stable, deferring only the address arithmetic.
func AddLocalAbsReloc(ctx *Context, r LocalAbsReloc) {
	ctx.LocalAbsRelocs = append(ctx.LocalAbsRelocs, r)
	ctx.RelaDyn.Add(func(ctx *Context) Rela {
		return Rela{
			Offset: r.Section.GetAddr() + r.Offset,
			Type:   r.Type,
			Addend: int64(r.Sym.GetAddr(ctx)) + r.Addend,
		}
	})
}
