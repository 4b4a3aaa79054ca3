package linker

import (
	"debug/elf"
	"testing"
)

// registerAux gives sym a real SymbolAux slot, mirroring what ScanRels's
// addAux closure does for every symbol with nonzero Flags/IsExported before
// the Scanner pass runs - required before any Set*Idx call, since those
// index ctx.SymbolsAux[sym.AuxIdx] directly.
func registerAux(ctx *Context, sym *Symbol) {
	if sym.AuxIdx != -1 {
		return
	}
	sym.AuxIdx = int32(len(ctx.SymbolsAux))
	ctx.SymbolsAux = append(ctx.SymbolsAux, NewSymbolAux())
}

// ifuncSymbol builds a symbol whose ELF type is STT_GNU_IFUNC and whose
// address resolves directly from Symbol.Value (no input section needed),
// enough for PltSection.AddEntry's ifunc branch to exercise.
func ifuncSymbol(ctx *Context, value uint64) *Symbol {
	obj := &ObjectFile{InputFile: InputFile{IsAlive: true}}
	var esym Sym
	esym.SetType(uint8(STT_GNU_IFUNC))
	obj.ElfSyms = []Sym{esym}

	sym := NewSymbol("an_ifunc")
	sym.File = obj
	sym.SymIdx = 0
	sym.Value = value
	registerAux(ctx, sym)
	return sym
}

func newTestPltContext() *Context {
	ctx := NewContext()
	ctx.GotPlt = NewGotPltSection()
	ctx.Dynsym = NewDynsymSection()
	ctx.RelaDyn = NewRelaSection(".rela.dyn", false)
	ctx.RelaPlt = NewRelaSection(".rela.plt", true)
	ctx.Plt = NewPltSection()
	return ctx
}

// TestPltSectionIfuncRoutesToRelaPlt concretely verifies spec.md §8 scenario
// 5: an ifunc's PLT/GOT.PLT relocation is an IRELATIVE entry in .rela.plt,
// never .rela.dyn.
func TestPltSectionIfuncRoutesToRelaPlt(t *testing.T) {
	ctx := newTestPltContext()
	sym := ifuncSymbol(ctx, 0x401000)

	ctx.Plt.AddEntry(ctx, sym)

	if got := ctx.RelaDyn.Count(); got != 0 {
		t.Errorf(".rela.dyn gained %d entries, want 0 - ifunc relocations belong in .rela.plt", got)
	}
	if got := ctx.RelaPlt.Count(); got != 1 {
		t.Fatalf(".rela.plt has %d entries, want 1", got)
	}

	ctx.RelaPlt.Resolve(ctx)
	rel := ctx.RelaPlt.Entries[0]
	if rel.Type != uint32(elf.R_X86_64_IRELATIVE) {
		t.Errorf("relocation type = %d, want R_X86_64_IRELATIVE", rel.Type)
	}
	if rel.Addend != 0x401000 {
		t.Errorf("addend = %#x, want the resolver's address %#x", rel.Addend, 0x401000)
	}

	start, end := ctx.RelaPlt.IrelativeRange()
	if start == 0 && end == 0 {
		t.Error("IrelativeRange reports no IRELATIVE run after adding an ifunc PLT entry")
	}
}

func TestPltSectionLocalIfuncEntryRoutesToRelaPlt(t *testing.T) {
	ctx := newTestPltContext()
	sym := ifuncSymbol(ctx, 0x402000)

	ctx.Plt.AddLocalIfuncEntry(ctx, sym)

	if got := ctx.RelaDyn.Count(); got != 0 {
		t.Errorf(".rela.dyn gained %d entries, want 0", got)
	}
	if got := ctx.RelaPlt.Count(); got != 1 {
		t.Fatalf(".rela.plt has %d entries, want 1", got)
	}
}
