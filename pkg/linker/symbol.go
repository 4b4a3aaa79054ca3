package linker

import (
	"debug/elf"
)

const (
	NEEDS_GOT      uint32 = 1 << 0
	NEEDS_PLT      uint32 = 1 << 1
	NEEDS_TLSGD    uint32 = 1 << 2
	NEEDS_GOTTP    uint32 = 1 << 3
	NEEDS_TLSLD    uint32 = 1 << 4
	NEEDS_COPYREL  uint32 = 1 << 5
	NEEDS_DYNSYM   uint32 = 1 << 6
	NEEDS_TLSDESC  uint32 = 1 << 7
)

// SymbolAux holds the allocation state a symbol accumulates across the
// Scanner pass but that doesn't belong on Symbol itself, since most
// symbols never need any of it. Indexed by Symbol.AuxIdx, one slot per
// symbol that the scanner actually touched.
type SymbolAux struct {
	GotIdx        int32
	GotTpIdx      int32
	GotTlsGdIdx   int32
	GotTlsDescIdx int32
	PltIdx        int32
	PltGotIdx     int32
	DynsymIdx     int32
	HasCopyRel    bool
}

func NewSymbolAux() SymbolAux {
	return SymbolAux{
		GotIdx:        -1,
		GotTpIdx:      -1,
		GotTlsGdIdx:   -1,
		GotTlsDescIdx: -1,
		PltIdx:        -1,
		PltGotIdx:     -1,
		DynsymIdx:     -1,
	}
}

type Symbol struct {
	File *ObjectFile

	InputSection    *InputSection
	OutputSection   Chunker
	SectionFragment *SectionFragment

	Value uint64
	Name  string

	SymIdx int32
	AuxIdx int32
	VerIdx uint16

	Flags      uint32
	Visibility uint8

	IsWeak     bool
	IsExported bool
}

func NewSymbol(name string) *Symbol {
	s := &Symbol{
		Name:       name,
		SymIdx:     -1,
		AuxIdx:     -1,
		Visibility: uint8(elf.STV_DEFAULT),
	}
	return s
}

func GetSymbolByName(ctx *Context, name string) *Symbol {
	if sym, ok := ctx.SymbolMap[name]; ok {
		return sym
	}
	ctx.SymbolMap[name] = NewSymbol(name)
	return ctx.SymbolMap[name]
}

func (s *Symbol) SetInputSection(isec *InputSection) {
	s.InputSection = isec
	s.OutputSection = nil
	s.SectionFragment = nil
}
func (s *Symbol) SetOutputSection(osec Chunker) {
	s.InputSection = nil
	s.OutputSection = osec
	s.SectionFragment = nil
}
func (s *Symbol) SetSectionFragment(frag *SectionFragment) {
	s.InputSection = nil
	s.OutputSection = nil
	s.SectionFragment = frag
}

func (s *Symbol) GetGotIdx(ctx *Context) int32 {
	if s.AuxIdx == -1 {
		return -1
	}
	return ctx.SymbolsAux[s.AuxIdx].GotIdx
}

func (s *Symbol) GetGotTpIdx(ctx *Context) int32 {
	if s.AuxIdx == -1 {
		return -1
	}
	return ctx.SymbolsAux[s.AuxIdx].GotTpIdx
}

func (s *Symbol) SetGotIdx(ctx *Context, idx int32) {
	ctx.SymbolsAux[s.AuxIdx].GotIdx = idx
}

func (s *Symbol) SetGotTpIdx(ctx *Context, idx int32) {
	ctx.SymbolsAux[s.AuxIdx].GotTpIdx = idx
}

func (s *Symbol) GetGotTlsGdIdx(ctx *Context) int32 {
	if s.AuxIdx == -1 {
		return -1
	}
	return ctx.SymbolsAux[s.AuxIdx].GotTlsGdIdx
}

func (s *Symbol) SetGotTlsGdIdx(ctx *Context, idx int32) {
	ctx.SymbolsAux[s.AuxIdx].GotTlsGdIdx = idx
}

func (s *Symbol) GetGotTlsDescIdx(ctx *Context) int32 {
	if s.AuxIdx == -1 {
		return -1
	}
	return ctx.SymbolsAux[s.AuxIdx].GotTlsDescIdx
}

func (s *Symbol) SetGotTlsDescIdx(ctx *Context, idx int32) {
	ctx.SymbolsAux[s.AuxIdx].GotTlsDescIdx = idx
}

func (s *Symbol) GetPltIdx(ctx *Context) int32 {
	if s.AuxIdx == -1 {
		return -1
	}
	return ctx.SymbolsAux[s.AuxIdx].PltIdx
}

func (s *Symbol) SetPltIdx(ctx *Context, idx int32) {
	ctx.SymbolsAux[s.AuxIdx].PltIdx = idx
}

func (s *Symbol) HasPlt(ctx *Context) bool {
	return s.GetPltIdx(ctx) != -1
}

func (s *Symbol) GetPltGotIdx(ctx *Context) int32 {
	if s.AuxIdx == -1 {
		return -1
	}
	return ctx.SymbolsAux[s.AuxIdx].PltGotIdx
}

func (s *Symbol) SetPltGotIdx(ctx *Context, idx int32) {
	ctx.SymbolsAux[s.AuxIdx].PltGotIdx = idx
}

func (s *Symbol) GetDynsymIdx(ctx *Context) int32 {
	if s.AuxIdx == -1 {
		return -1
	}
	return ctx.SymbolsAux[s.AuxIdx].DynsymIdx
}

func (s *Symbol) SetDynsymIdx(ctx *Context, idx int32) {
	ctx.SymbolsAux[s.AuxIdx].DynsymIdx = idx
}

func (s *Symbol) HasCopyRel(ctx *Context) bool {
	if s.AuxIdx == -1 {
		return false
	}
	return ctx.SymbolsAux[s.AuxIdx].HasCopyRel
}

func (s *Symbol) SetHasCopyRel(ctx *Context, v bool) {
	ctx.SymbolsAux[s.AuxIdx].HasCopyRel = v
}

func (s *Symbol) ElfSym() *Sym {
	return &s.File.ElfSyms[s.SymIdx]
}

func (s *Symbol) GetAddr(ctx *Context) uint64 {
	if s.SectionFragment != nil {
		if !s.SectionFragment.IsAlive {
			return 0
		}
		return s.SectionFragment.GetAddr() + s.Value
	}

	if s.InputSection == nil {
		return s.Value
	}

	if !s.InputSection.IsAlive {
		return 0
	}

	return s.InputSection.GetAddr() + s.Value
}

func (s *Symbol) GetGotTpAddr(ctx *Context) uint64 {
	return ctx.Got.Shdr.Addr + uint64(s.GetGotTpIdx(ctx))*8
}

func (s *Symbol) Clear() {
	s.File = nil
	s.SectionFragment = nil
	s.OutputSection = nil
	s.InputSection = nil
	s.SymIdx = -1
	s.VerIdx = 0
	s.IsWeak = false
	s.IsExported = false
}

func (s *Symbol) GetRank() uint64 {
	if s.File == nil {
		return 7 << 24
	}
	return GetRank(s.File, s.ElfSym(), !s.File.IsAlive)
}

// IsPreemptible matches spec's "Preemptible" glossary entry: a symbol whose
// definition may be overridden at load time forces a dynamic relocation
// rather than a statically resolved address.
func (s *Symbol) IsPreemptible(ctx *Context) bool {
	if s.File == nil {
		return false
	}
	if !s.File.IsAlive {
		return false
	}
	if s.IsUndef(ctx) {
		return true
	}
	return s.IsIfunc()
}

func (s *Symbol) IsUndef(ctx *Context) bool {
	return s.InputSection == nil && s.SectionFragment == nil && s.OutputSection == nil && s.File != nil && s.File != ctx.InternalObj && s.ElfSym().IsUndef()
}

func (s *Symbol) IsIfunc() bool {
	return s.File != nil && s.SymIdx >= 0 && s.ElfSym().IsIfunc()
}

// IsFinal reports whether the symbol's address is known at link time
// (spec §4.6's "is_final"): true for anything not preemptible and not
// relying on runtime dynamic-loader resolution.
func (s *Symbol) IsFinal(ctx *Context) bool {
	return !s.IsPreemptible(ctx)
}

// GetPltAddr returns the address of this symbol's PLT stub, valid only
// after Finalizer has assigned ctx.Plt's final address.
func (s *Symbol) GetPltAddr(ctx *Context) uint64 {
	idx := s.GetPltIdx(ctx)
	if idx == -1 {
		return 0
	}
	return ctx.Plt.Shdr.Addr + uint64(idx)*PltEntrySize
}

// ElfSymInfo renders the STB_*/STT_* byte pair written into a synthesized
// .dynsym entry for this symbol.
func (s *Symbol) ElfSymInfo() uint8 {
	if s.File == nil || s.SymIdx < 0 {
		return uint8(elf.STB_GLOBAL)<<4 | uint8(elf.STT_NOTYPE)&0xf
	}
	return s.ElfSym().Info
}
