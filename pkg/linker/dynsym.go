package linker

import (
	"bytes"
	"debug/elf"
	"unsafe"

	"github.com/ksco/x64ld/pkg/utils"
)

// DynsymSection is the `.dynsym` table the dynamic loader indexes PLT/GOT
// relocations against, paired with `.dynstr` for names. Modeled on the
// teacher's GotSection: a Chunk-embedding synthetic section that hands out
// indices lazily, on first request, idempotent per symbol.
type DynsymSection struct {
	Chunk
	Syms []*Symbol
}

func NewDynsymSection() *DynsymSection {
	d := &DynsymSection{Chunk: NewChunk()}
	d.Name = ".dynsym"
	d.Shdr.Type = uint32(elf.SHT_DYNSYM)
	d.Shdr.Flags = uint64(elf.SHF_ALLOC)
	d.Shdr.EntSize = uint64(unsafe.Sizeof(Sym{}))
	d.Shdr.AddrAlign = 8
	d.Shdr.Info = 1 // one local null entry
	// Index 0 is the reserved all-zero entry.
	d.Syms = append(d.Syms, nil)
	return d
}

func (d *DynsymSection) Add(ctx *Context, sym *Symbol) int32 {
	if idx := sym.GetDynsymIdx(ctx); idx != -1 {
		return idx
	}
	idx := int32(len(d.Syms))
	sym.SetDynsymIdx(ctx, idx)
	d.Syms = append(d.Syms, sym)
	return idx
}

func (d *DynsymSection) UpdateShdr(ctx *Context) {
	d.Shdr.Size = uint64(len(d.Syms)) * d.Shdr.EntSize
	if ctx.Dynstr != nil {
		d.Shdr.Link = uint32(ctx.Dynstr.Shndx)
	}
}

func (d *DynsymSection) CopyBuf(ctx *Context) {
	buf := ctx.Buf[d.Shdr.Offset:]
	for i, sym := range d.Syms {
		if sym == nil {
			continue
		}

		esym := Sym{
			Name:  ctx.Dynstr.Add(sym.Name),
			Info:  sym.ElfSymInfo(),
			Other: sym.Visibility,
			Shndx: uint16(elf.SHN_UNDEF),
			Val:   0,
			Size:  0,
		}
		utils.Write[Sym](buf[i*int(d.Shdr.EntSize):], esym)
	}
}

// DynstrSection is a trivial append-only string table, grounded on the
// ELF .strtab convention already used for section/symbol names elsewhere
// in this backend (elf.go's getName/writeString).
type DynstrSection struct {
	Chunk
	buf    bytes.Buffer
	offset map[string]uint32
}

func NewDynstrSection() *DynstrSection {
	d := &DynstrSection{Chunk: NewChunk(), offset: make(map[string]uint32)}
	d.Name = ".dynstr"
	d.Shdr.Type = uint32(elf.SHT_STRTAB)
	d.Shdr.Flags = uint64(elf.SHF_ALLOC)
	d.Shdr.AddrAlign = 1
	d.buf.WriteByte(0)
	return d
}

func (d *DynstrSection) Add(name string) uint32 {
	if off, ok := d.offset[name]; ok {
		return off
	}
	off := uint32(d.buf.Len())
	d.offset[name] = off
	d.buf.WriteString(name)
	d.buf.WriteByte(0)
	return off
}

func (d *DynstrSection) UpdateShdr(ctx *Context) {
	d.Shdr.Size = uint64(d.buf.Len())
}

func (d *DynstrSection) CopyBuf(ctx *Context) {
	copy(ctx.Buf[d.Shdr.Offset:], d.buf.Bytes())
}
