package linker

import "debug/elf"

// CopyRelSection is the ".bss"-like reservation backing C4's copy-reloc
// deferral buffer: one slot per pending candidate, sized to the symbol's
// st_size, at the alignment implied by that size (matching copy-relocated
// data's natural alignment in the absence of a type descriptor).
type CopyRelSection struct {
	Chunk
	offsets map[*Symbol]uint64
}

func NewCopyRelSection() *CopyRelSection {
	c := &CopyRelSection{Chunk: NewChunk(), offsets: make(map[*Symbol]uint64)}
	c.Name = ".copyrel"
	c.Shdr.Type = uint32(elf.SHT_NOBITS)
	c.Shdr.Flags = uint64(elf.SHF_ALLOC | elf.SHF_WRITE)
	c.Shdr.AddrAlign = 8
	return c
}

func (c *CopyRelSection) UpdateShdr(ctx *Context) {
	offset := uint64(0)
	for _, cand := range ctx.CopyRelPending {
		sym := cand.Symbol
		if _, ok := c.offsets[sym]; ok {
			continue
		}

		size := sym.ElfSym().Size
		if size == 0 {
			size = 8
		}
		align := size
		if align > 32 {
			align = 32
		}
		offset = alignUp(offset, align)
		c.offsets[sym] = offset
		offset += size
	}
	c.Shdr.Size = offset
}

func alignUp(v, align uint64) uint64 {
	if align == 0 {
		return v
	}
	return (v + align - 1) &^ (align - 1)
}

// Finalize assigns each candidate symbol its final absolute address inside
// this section, once this chunk's own address is frozen. Symbol.GetAddr
// only ever consults InputSection/SectionFragment, never OutputSection, so
// Value must already be absolute here rather than section-relative.
func (c *CopyRelSection) Finalize() {
	for sym, off := range c.offsets {
		sym.SetOutputSection(c)
		sym.Value = c.Shdr.Addr + off
	}
}
