package linker

import (
	"debug/elf"
	"math"
	"unsafe"

	"github.com/ksco/x64ld/pkg/utils"
)

type InputSection struct {
	File          *ObjectFile
	OutputSection *OutputSection
	Contents      []byte
	Deltas        []int32
	Offset        uint32
	Shndx         uint32
	RelsecIdx     uint32
	ShSize        uint32
	IsAlive       bool
	P2Align       uint8
	Rels          []Rela
}

func NewInputSection(
	ctx *Context, file *ObjectFile, name string, shndx int64,
) *InputSection {
	s := &InputSection{
		Offset:    math.MaxUint32,
		Shndx:     math.MaxUint32,
		RelsecIdx: math.MaxUint32,
		ShSize:    math.MaxUint32,
		IsAlive:   true,
	}
	s.File = file
	s.Shndx = uint32(shndx)

	shdr := s.Shdr()
	if shndx < int64(len(file.ElfSections)) {
		s.Contents = file.File.Contents[shdr.Offset : shdr.Offset+shdr.Size]
	}

	toP2Align := func(alignment uint64) int64 {
		if alignment == 0 {
			return 0
		}
		return int64(utils.CountrZero[uint64](alignment))
	}

	if shdr.Flags&uint64(elf.SHF_COMPRESSED) != 0 {
		chdr := s.Chdr()
		s.ShSize = uint32(chdr.Size)
		s.P2Align = uint8(toP2Align(chdr.AddrAlign))
	} else {
		s.ShSize = uint32(shdr.Size)
		s.P2Align = uint8(toP2Align(shdr.AddrAlign))
	}

	s.OutputSection =
		GetOutputSectionInstance(ctx, name, uint64(shdr.Type), shdr.Flags)

	return s
}

func (s *InputSection) Shdr() *Shdr {
	if s.Shndx < uint32(len(s.File.ElfSections)) {
		return &s.File.ElfSections[s.Shndx]
	}

	utils.Fatal("unreachable")
	return nil
}

func (s *InputSection) Chdr() Chdr {
	return utils.Read[Chdr](s.Contents)
}

func (s *InputSection) GetAddr() uint64 {
	return s.OutputSection.Shdr.Addr + uint64(s.Offset)
}

func (s *InputSection) Name() string {
	if uint32(len(s.File.ElfSections)) <= s.Shndx {
		return ".common"
	}
	return getName(s.File.ShStrtab, s.File.ElfSections[s.Shndx].Name)
}

func (s *InputSection) IsExec() bool {
	return s.Shdr().Flags&uint64(elf.SHF_EXECINSTR) != 0
}

func (s *InputSection) GetRels() []Rela {
	if s.RelsecIdx == math.MaxUint32 || s.Rels != nil {
		return s.Rels
	}

	bs := s.File.GetBytesFromShdr(&s.File.InputFile.ElfSections[s.RelsecIdx])
	nums := len(bs) / int(unsafe.Sizeof(Rela{}))
	s.Rels = make([]Rela, 0)
	for nums > 0 {
		s.Rels = append(s.Rels, utils.Read[Rela](bs))
		bs = bs[unsafe.Sizeof(Rela{}):]
		nums--
	}

	return s.Rels
}

// isPicUnsupported reports spec.md §4.1/§4.5's "recompile with -fPIC" case:
// a relocation type the dynamic loader can't apply landing in a writable
// section during a position-independent link.
func isPicUnsupported(ctx *Context, t elf.R_X86_64) bool {
	return ctx.IsPic() && !IsSupportedByDynamicLoader(t)
}

// ScanRelocations is the Scanner (C5): pass 1 over every relocation of a
// live, allocated section, classifying each into the PLT/GOT/dyn-reloc/
// copy-reloc decisions of spec.md §4.5, deferring byte emission to the
// Relocator (C7).
func (s *InputSection) ScanRelocations(ctx *Context) {
	utils.Assert(s.Shdr().Flags&uint64(elf.SHF_ALLOC) != 0)

	rels := s.GetRels()
	for i := 0; i < len(rels); i++ {
		rel := &rels[i]
		t := elf.R_X86_64(rel.Type)
		if t == elf.R_X86_64_NONE {
			continue
		}

		sym := s.File.Symbols[rel.Sym]
		if sym.File == nil {
			ctx.Report(s.File.File.Name, s.Name(), rel.Offset, "undefined symbol: "+sym.Name)
			continue
		}

		flags := ReferenceFlags(t)
		if sym.IsIfunc() && flags != RefNone {
			if sym.ElfSym().Bind() == uint8(elf.STB_LOCAL) {
				ctx.Plt.AddLocalIfuncEntry(ctx, sym)
			} else {
				ctx.Plt.AddEntry(ctx, sym)
			}
		}

		preemptible := sym.IsPreemptible(ctx)

		switch t {
		case elf.R_X86_64_64:
			if preemptible {
				if sym.IsIfunc() {
					ctx.Plt.AddEntry(ctx, sym)
				} else {
					AddCopyRelCandidate(ctx, sym)
				}
			} else if ctx.IsPic() {
				if isPicUnsupported(ctx, t) {
					ctx.ReportPicOnce(s.File)
				} else {
					AddLocalAbsReloc(ctx, LocalAbsReloc{
						Section: s, Offset: rel.Offset, Sym: sym,
						Addend: rel.Addend, Type: uint32(elf.R_X86_64_RELATIVE),
					})
				}
			}

		case elf.R_X86_64_32:
			if ctx.IsPic() {
				if preemptible {
					ctx.ReportPicOnce(s.File)
				} else {
					AddLocalAbsReloc(ctx, LocalAbsReloc{
						Section: s, Offset: rel.Offset, Sym: sym,
						Addend: rel.Addend, Type: uint32(elf.R_X86_64_32),
					})
				}
			}

		case elf.R_X86_64_32S, elf.R_X86_64_16, elf.R_X86_64_8:
			if ctx.IsPic() {
				ctx.ReportPicOnce(s.File)
			}

		case elf.R_X86_64_PC64, elf.R_X86_64_PC32, elf.R_X86_64_PC16, elf.R_X86_64_PC8:
			if preemptible {
				if flags&RefFunctionCall != 0 {
					ctx.Plt.AddEntry(ctx, sym)
				} else {
					AddCopyRelCandidate(ctx, sym)
					if isPicUnsupported(ctx, t) {
						ctx.ReportPicOnce(s.File)
					}
				}
			}

		case elf.R_X86_64_PLT32:
			if preemptible && !sym.HasPlt(ctx) {
				ctx.Plt.AddEntry(ctx, sym)
			}

		case elf.R_X86_64_GOT32, elf.R_X86_64_GOT64, elf.R_X86_64_GOTPCREL,
			elf.R_X86_64_GOTPCREL64, elf.R_X86_64_GOTPLT64:
			if preemptible {
				ctx.Got.AddGotSymbolWithRela(ctx, sym)
			} else if sym.IsIfunc() {
				// The ifunc PLT entry is already ensured by the top-of-loop
				// check (every reloc type with nonzero reference flags gets
				// one); the GOT slot's value resolves to that PLT address
				// via GotSection.GetEntries.
				ctx.Got.AddGotSymbol(ctx, sym)
			} else if t == elf.R_X86_64_GOT64 && ctx.IsPic() {
				ctx.Got.AddGotSymbolWithRela(ctx, sym)
			} else {
				ctx.Got.AddGotSymbol(ctx, sym)
			}

		case elf.R_X86_64_GOTPC32, elf.R_X86_64_GOTPC64, elf.R_X86_64_GOTOFF64:
			// Just needs the GOT to exist (always true: GotSection.UpdateShdr
			// defaults an empty GOT to 8 bytes); value is computed relative
			// to its base, no per-symbol allocation.

		case elf.R_X86_64_PLTOFF64:
			if preemptible && !sym.HasPlt(ctx) {
				ctx.Plt.AddEntry(ctx, sym)
			}

		case elf.R_X86_64_TLSGD:
			switch DecideGdOrTlsDesc(ctx, sym, s.IsExec()) {
			case TlsToIE:
				sym.Flags |= NEEDS_GOTTP
			case TlsNone:
				sym.Flags |= NEEDS_TLSGD
			case TlsToLE:
				// No allocation: the Relocator rewrites the access
				// sequence to an immediate Local-Exec load in place.
			}

		case elf.R_X86_64_GOTPC32_TLSDESC, elf.R_X86_64_TLSDESC_CALL:
			ctx.SawGotpc32Tlsdesc = true
			action := DecideGdOrTlsDesc(ctx, sym, s.IsExec())
			if action == TlsNone {
				sym.Flags |= NEEDS_TLSDESC
			} else if action == TlsToIE {
				sym.Flags |= NEEDS_GOTTP
			}

		case elf.R_X86_64_TLSLD:
			if DecideTlsld(ctx, s.IsExec()) == TlsNone {
				sym.Flags |= NEEDS_TLSLD
			}

		case elf.R_X86_64_GOTTPOFF:
			if DecideGottpoff(ctx, sym, s.IsExec()) == TlsNone {
				sym.Flags |= NEEDS_GOTTP
			}

		case elf.R_X86_64_TPOFF32:
			if ctx.Arg.Shared {
				ctx.Report(s.File.File.Name, s.Name(), rel.Offset, "TPOFF32 relocation in shared output")
			}

		case elf.R_X86_64_DTPOFF32, elf.R_X86_64_DTPOFF64:
			// No allocation: handled entirely by the Relocator's LD/LE math.

		case R_X86_64_GNU_VTINHERIT, R_X86_64_GNU_VTENTRY:
			// Identical-code-folding hints; no linker action of our own.

		case elf.R_X86_64_SIZE32, elf.R_X86_64_SIZE64:
			ctx.Report(s.File.File.Name, s.Name(), rel.Offset, "unsupported relocation: SIZE32/SIZE64")

		case elf.R_X86_64_COPY, elf.R_X86_64_GLOB_DAT, elf.R_X86_64_JMP_SLOT,
			elf.R_X86_64_RELATIVE, elf.R_X86_64_IRELATIVE, elf.R_X86_64_TPOFF64,
			elf.R_X86_64_DTPMOD64, elf.R_X86_64_TLSDESC:
			ctx.Report(s.File.File.Name, s.Name(), rel.Offset, "unexpected relocation in object file")

		default:
			ctx.Report(s.File.File.Name, s.Name(), rel.Offset, "unknown relocation")
		}
	}
}

func (s *InputSection) GetPriority() int64 {
	return (int64(s.File.Priority) << 32) | int64(s.Shndx)
}

func (s *InputSection) WriteTo(ctx *Context, buf []byte) {
	if s.Shdr().Type == uint32(elf.SHT_NOBITS) || s.ShSize == 0 {
		return
	}

	s.CopyContents(ctx, buf)

	if s.Shdr().Flags&uint64(elf.SHF_ALLOC) != 0 {
		s.ApplyRelocAlloc(ctx, buf)
	}
}

func (s *InputSection) CopyContents(ctx *Context, buf []byte) {
	if len(s.Deltas) == 0 {
		copy(buf, s.Contents)
		return
	}

	rels := s.GetRels()
	pos := uint64(0)
	for i := 0; i < len(rels); i++ {
		delta := s.Deltas[i+1] - s.Deltas[i]
		if delta == 0 {
			continue
		}
		utils.Assert(delta > 0)

		r := rels[i]
		copy(buf, s.Contents[pos:r.Offset])
		buf = buf[r.Offset-pos:]
		pos = r.Offset + uint64(delta)
	}

	copy(buf, s.Contents[pos:])
}

// overflowsRela32 reports spec.md §4.7's mandatory overflow check for the
// unsigned 32-bit and signed 32-bit ("32S") absolute kernels.
func overflowsRela32(val uint64, signed bool) bool {
	if signed {
		return val != uint64(int64(int32(val)))
	}
	return val != uint64(uint32(val))
}

// callsNonSplitStackCallee scans this section's own relocations for a call
// to a defined, non-split-stack function other than the __morestack pair
// itself - the condition spec.md §4.9 gates the prologue fixup on.
func (s *InputSection) callsNonSplitStackCallee(ctx *Context, rels []Rela) bool {
	for _, rel := range rels {
		t := elf.R_X86_64(rel.Type)
		if t != elf.R_X86_64_PLT32 && t != elf.R_X86_64_PC32 {
			continue
		}
		if ReferenceFlags(t)&RefFunctionCall == 0 {
			continue
		}
		sym := s.File.Symbols[rel.Sym]
		if sym.Name == "__morestack" || sym.Name == "__morestack_non_split" {
			continue
		}
		if sym.File != nil && !sym.File.IsSplitStack {
			return true
		}
	}
	return false
}

// ApplyRelocAlloc is the Relocator (C7): pass 2, dispatching each
// relocation to the arithmetic kernels of spec.md §4.7, rewriting TLS
// access sequences per §4.6 where the Scanner recorded an optimization.
func (s *InputSection) ApplyRelocAlloc(ctx *Context, base []byte) {
	rels := s.GetRels()

	getDelta := func(idx int) int32 {
		if len(s.Deltas) == 0 {
			return 0
		}
		return s.Deltas[idx]
	}

	skipNextTlsGetAddr := false
	callsNonSplitStackCallee := s.callsNonSplitStackCallee(ctx, rels)

	for i := 0; i < len(rels); i++ {
		rel := rels[i]
		t := elf.R_X86_64(rel.Type)
		if t == elf.R_X86_64_NONE {
			continue
		}

		sym := s.File.Symbols[rel.Sym]
		offset := rel.Offset - uint64(getDelta(i))
		loc := base[offset:]

		if skipNextTlsGetAddr {
			skipNextTlsGetAddr = false
			if (t == elf.R_X86_64_PLT32 || t == elf.R_X86_64_PC32) && sym.Name == "__tls_get_addr" {
				continue
			}
			ctx.Report(s.File.File.Name, s.Name(), rel.Offset, "missing expected TLS relocation")
		}

		if sym.File == nil {
			ctx.Report(s.File.File.Name, s.Name(), rel.Offset, "undefined symbol: "+sym.Name)
			continue
		}

		S := sym.GetAddr(ctx)
		if sym.HasPlt(ctx) && (sym.IsIfunc() || ReferenceFlags(t)&RefFunctionCall != 0) {
			S = sym.GetPltAddr(ctx)
		}

		// spec.md §4.9: a split-stack caller calling into a non-split-stack
		// callee elsewhere in this same function can't rely on __morestack's
		// segmented-stack growth, so its call is redirected to
		// __morestack_non_split and its own prologue is patched to stop
		// probing the guard page.
		if (t == elf.R_X86_64_PLT32 || t == elf.R_X86_64_PC32) &&
			sym.Name == "__morestack" && s.File.IsSplitStack && callsNonSplitStackCallee {
			prologueLen := len(base)
			if prologueLen > 16 {
				prologueLen = 16
			}
			if !FixStackSplitPrologue(base[:prologueLen],
				ctx.Arg.SplitStackAdjustSize, s.File.IsNoSplitStack) {
				ctx.Report(s.File.File.Name, s.Name(), rel.Offset, "unrecognized split-stack prologue")
			}
			if nonSplit := GetSymbolByName(ctx, "__morestack_non_split"); nonSplit != nil && nonSplit.File != nil {
				S = nonSplit.GetAddr(ctx)
				if nonSplit.HasPlt(ctx) {
					S = nonSplit.GetPltAddr(ctx)
				}
			}
		}

		A := uint64(rel.Addend)
		P := s.GetAddr() + offset
		gotBase := ctx.Got.Shdr.Addr
		G := uint64(sym.GetGotIdx(ctx)) * 8

		report := func(msg string) {
			ctx.Report(s.File.File.Name, s.Name(), rel.Offset, msg)
		}

		switch t {
		case elf.R_X86_64_64:
			utils.Write[uint64](loc, S+A)
		case elf.R_X86_64_32:
			if overflowsRela32(S+A, false) {
				report("relocation truncated to fit: R_X86_64_32")
			}
			utils.Write[uint32](loc, uint32(S+A))
		case elf.R_X86_64_32S:
			if overflowsRela32(S+A, true) {
				report("relocation truncated to fit: R_X86_64_32S")
			}
			utils.Write[uint32](loc, uint32(S+A))
		case elf.R_X86_64_16:
			utils.Write[uint16](loc, uint16(S+A))
		case elf.R_X86_64_8:
			loc[0] = byte(S + A)

		case elf.R_X86_64_PC64:
			utils.Write[uint64](loc, S+A-P)
		case elf.R_X86_64_PC32, elf.R_X86_64_PLT32:
			utils.Write[uint32](loc, uint32(S+A-P))
		case elf.R_X86_64_PC16:
			utils.Write[uint16](loc, uint16(S+A-P))
		case elf.R_X86_64_PC8:
			loc[0] = byte(S + A - P)

		case elf.R_X86_64_GOT32:
			utils.Write[uint32](loc, uint32(G+A))
		case elf.R_X86_64_GOT64:
			utils.Write[uint64](loc, G+A)
		case elf.R_X86_64_GOTPLT64:
			utils.Write[uint64](loc, G+A)
		case elf.R_X86_64_GOTPCREL:
			utils.Write[uint32](loc, uint32(gotBase+G+A-P))
		case elf.R_X86_64_GOTPCREL64:
			utils.Write[uint64](loc, gotBase+G+A-P)
		case elf.R_X86_64_GOTPC32:
			utils.Write[uint32](loc, uint32(gotBase+A-P))
		case elf.R_X86_64_GOTPC64:
			utils.Write[uint64](loc, gotBase+A-P)
		case elf.R_X86_64_GOTOFF64:
			utils.Write[uint64](loc, S+A-gotBase)
		case elf.R_X86_64_PLTOFF64:
			utils.Write[uint64](loc, S+A-gotBase)

		case elf.R_X86_64_TLSGD:
			switch DecideGdOrTlsDesc(ctx, sym, s.IsExec()) {
			case TlsToIE:
				if !RewriteGdToIe(base[offset-4:offset+12], sym.GetGotTpAddr(ctx), P) {
					report("unsupported TLS instruction sequence")
				}
				skipNextTlsGetAddr = true
			case TlsToLE:
				if !RewriteGdToLe(base[offset-4:offset+12], int64(S+A-ctx.TpAddr)) {
					report("unsupported TLS instruction sequence")
				}
				skipNextTlsGetAddr = true
			case TlsNone:
				idx := sym.GetGotTlsGdIdx(ctx)
				utils.Write[uint32](loc, uint32(gotBase+uint64(idx)*8+A-P))
			}

		case elf.R_X86_64_GOTPC32_TLSDESC:
			switch DecideGdOrTlsDesc(ctx, sym, s.IsExec()) {
			case TlsToIE:
				if !RewriteTlsDescGdToIe(base[offset-3:offset+4], sym.GetGotTpAddr(ctx), P) {
					report("unsupported TLS instruction sequence")
				}
			case TlsToLE:
				if !RewriteTlsDescGdToLe(base[offset-3:offset+4], int64(S+A-ctx.TpAddr)) {
					report("unsupported TLS instruction sequence")
				}
			case TlsNone:
				idx := sym.GetGotTlsDescIdx(ctx)
				utils.Write[uint32](loc, uint32(gotBase+uint64(idx)*8+A-P))
			}

		case elf.R_X86_64_TLSDESC_CALL:
			action := DecideGdOrTlsDesc(ctx, sym, s.IsExec())
			if action == TlsToIE || action == TlsToLE {
				if !RewriteTlsDescCall(base[offset : offset+2]) {
					report("unsupported TLS instruction sequence")
				}
			}
			// TlsNone: the call byte sequence is left untouched; the
			// relocation itself carries no addend to apply.

		case elf.R_X86_64_TLSLD:
			if DecideTlsld(ctx, s.IsExec()) == TlsToLE {
				if !RewriteLdToLe(base[offset-3 : offset+9]) {
					report("unsupported TLS instruction sequence")
				}
				skipNextTlsGetAddr = true
			} else {
				idx := ctx.Got.ModIndexEntry(ctx)
				utils.Write[uint32](loc, uint32(gotBase+uint64(idx)*8+A-P))
			}

		case elf.R_X86_64_DTPOFF32:
			if DecideTlsld(ctx, s.IsExec()) == TlsToLE {
				utils.Write[uint32](loc, uint32(S+A-ctx.TpAddr))
			} else {
				utils.Write[uint32](loc, uint32(S+A))
			}
		case elf.R_X86_64_DTPOFF64:
			if DecideTlsld(ctx, s.IsExec()) == TlsToLE {
				utils.Write[uint64](loc, S+A-ctx.TpAddr)
			} else {
				utils.Write[uint64](loc, S+A)
			}

		case elf.R_X86_64_GOTTPOFF:
			if DecideGottpoff(ctx, sym, s.IsExec()) == TlsToLE {
				if !RewriteIeToLe(base[offset-3:offset+4], int64(S+A-ctx.TpAddr)) {
					report("unsupported TLS instruction sequence")
				}
			} else {
				idx := sym.GetGotTpIdx(ctx)
				utils.Write[uint32](loc, uint32(gotBase+uint64(idx)*8+A-P))
			}

		case elf.R_X86_64_TPOFF32:
			utils.Write[uint32](loc, uint32(S+A-ctx.TpAddr))

		case R_X86_64_GNU_VTINHERIT, R_X86_64_GNU_VTENTRY:
			// No bytes to write.

		case elf.R_X86_64_SIZE32, elf.R_X86_64_SIZE64,
			elf.R_X86_64_COPY, elf.R_X86_64_GLOB_DAT, elf.R_X86_64_JMP_SLOT,
			elf.R_X86_64_RELATIVE, elf.R_X86_64_IRELATIVE, elf.R_X86_64_TPOFF64,
			elf.R_X86_64_DTPMOD64, elf.R_X86_64_TLSDESC:
			report("unexpected relocation in object file")

		default:
			report("unknown relocation")
		}
	}

	if skipNextTlsGetAddr {
		ctx.Report(s.File.File.Name, s.Name(), 0, "missing expected TLS relocation at end of section")
	}
}

func (s *InputSection) GetFragment(rel *Rela) (*SectionFragment, uint32) {
	esym := &s.File.ElfSyms[rel.Sym]
	if esym.Type() == uint8(elf.STT_SECTION) {
		m := s.File.MergeableSections[s.File.GetShndx(esym, int64(rel.Sym))]
		return m.GetFragment(uint32(esym.Val) + uint32(rel.Addend))
	}
	return nil, 0
}
