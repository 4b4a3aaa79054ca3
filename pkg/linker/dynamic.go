package linker

import (
	"debug/elf"
	"unsafe"

	"github.com/ksco/x64ld/pkg/utils"
)

// Dyn is one ELF64 dynamic-section entry (Elf64_Dyn: d_tag, d_val/d_ptr).
type Dyn struct {
	Tag int64
	Val uint64
}

// DynamicSection emits the tags the Finalizer (C8) computes: DT_PLTGOT,
// DT_JMPREL, DT_PLTRELSZ, DT_PLTREL, DT_RELA*, and, when a TLSDESC PLT
// entry was reserved, DT_TLSDESC_PLT/DT_TLSDESC_GOT. Grounded on the
// teacher's pattern of a Chunk-embedding section whose CopyBuf streams a
// slice built up during a finalize pass.
type DynamicSection struct {
	Chunk
	Entries []Dyn
}

func NewDynamicSection() *DynamicSection {
	d := &DynamicSection{Chunk: NewChunk()}
	d.Name = ".dynamic"
	d.Shdr.Type = uint32(elf.SHT_DYNAMIC)
	d.Shdr.Flags = uint64(elf.SHF_ALLOC | elf.SHF_WRITE)
	d.Shdr.EntSize = uint64(unsafe.Sizeof(Dyn{}))
	d.Shdr.AddrAlign = 8
	return d
}

func (d *DynamicSection) add(tag int64, val uint64) {
	d.Entries = append(d.Entries, Dyn{Tag: tag, Val: val})
}

// Build implements C8 step 1-2: "Add dynamic tags." Called twice: once
// right after the Scanner pass, purely so UpdateShdr sees the right entry
// count before layout runs, and again after layout to refresh every Val
// field with a real address. Every condition below depends only on counts
// that are already stable by the Scanner's end (RelaSection.Count, not
// len(Entries), for exactly that reason), so both calls produce the same
// tags in the same order - only the Val fields differ between them.
func (d *DynamicSection) Build(ctx *Context) {
	d.Entries = d.Entries[:0]

	if ctx.Dynsym != nil && len(ctx.Dynsym.Syms) > 1 {
		d.add(int64(elf.DT_SYMTAB), ctx.Dynsym.Shdr.Addr)
		d.add(int64(elf.DT_STRTAB), ctx.Dynstr.Shdr.Addr)
		d.add(int64(elf.DT_STRSZ), ctx.Dynstr.Shdr.Size)
		d.add(int64(elf.DT_SYMENT), ctx.Dynsym.Shdr.EntSize)
	}

	if ctx.RelaPlt.Count() > 0 {
		d.add(int64(elf.DT_PLTGOT), ctx.GotPlt.Shdr.Addr)
		d.add(int64(elf.DT_JMPREL), ctx.RelaPlt.Shdr.Addr)
		d.add(int64(elf.DT_PLTRELSZ), ctx.RelaPlt.Shdr.Size)
		d.add(int64(elf.DT_PLTREL), uint64(elf.DT_RELA))
	}

	if ctx.RelaDyn.Count() > 0 {
		d.add(int64(elf.DT_RELA), ctx.RelaDyn.Shdr.Addr)
		d.add(int64(elf.DT_RELASZ), ctx.RelaDyn.Shdr.Size)
		d.add(int64(elf.DT_RELAENT), ctx.RelaDyn.Shdr.EntSize)
	}

	if ctx.NeedsTlsdescPlt {
		// The reserved TLSDESC entry is always the PLT's last one.
		ctx.TlsdescPltOffset = uint64(ctx.Plt.entryCount()-1) * PltEntrySize
		d.add(DT_TLSDESC_PLT, ctx.Plt.Shdr.Addr+ctx.TlsdescPltOffset)
		d.add(DT_TLSDESC_GOT, ctx.Got.Shdr.Addr+ctx.TlsdescGotOffset)
	}

	d.add(int64(elf.DT_NULL), 0)
}

func (d *DynamicSection) UpdateShdr(ctx *Context) {
	d.Shdr.Size = uint64(len(d.Entries)) * d.Shdr.EntSize
	if ctx.Dynsym != nil {
		d.Shdr.Link = uint32(ctx.Dynsym.Shndx)
	}
}

func (d *DynamicSection) CopyBuf(ctx *Context) {
	buf := ctx.Buf[d.Shdr.Offset:]
	for i, e := range d.Entries {
		utils.Write[Dyn](buf[i*int(d.Shdr.EntSize):], e)
	}
}

// DT_TLSDESC_PLT and DT_TLSDESC_GOT are GNU extension tags (not in Go's
// debug/elf constant set) used by glibc's TLSDESC resolver protocol.
const (
	DT_TLSDESC_PLT int64 = 0x6ffffef5
	DT_TLSDESC_GOT int64 = 0x6ffffef6
)
