package linker

import "testing"

// TestGdToLeMatchesWorkedExample walks spec.md §8 scenario 3 literally: a
// TLSGD sequence rewritten straight to Local-Exec, TP-offset 8 against a
// 32-byte TLS segment (tpOffset = 8 - 32 = -24 = 0xFFFFFFE8).
func TestGdToLeMatchesWorkedExample(t *testing.T) {
	view := []byte{
		0x66, 0x48, 0x8D, 0x3D, 0, 0, 0, 0,
		0x66, 0x66, 0x48, 0xE8, 0, 0, 0, 0,
	}
	if !RewriteGdToLe(view, 8-32) {
		t.Fatal("RewriteGdToLe rejected a well-formed TLSGD sequence")
	}
	want := []byte{
		0x64, 0x48, 0x8B, 0x04, 0x25, 0x00, 0x00, 0x00, 0x00,
		0x48, 0x8D, 0x80, 0xE8, 0xFF, 0xFF, 0xFF,
	}
	if !bytesEqual(view, want) {
		t.Errorf("rewritten window = % X, want % X", view, want)
	}
}

// TestPltGotPltCorrespondence verifies the PLT/GOT correspondence property:
// for PLT entry index i, .got.plt+24+8*(i-1) holds plt_base+16*i+6.
func TestPltGotPltCorrespondence(t *testing.T) {
	ctx := newTestPltContext()
	syms := []*Symbol{NewSymbol("a"), NewSymbol("b"), NewSymbol("c")}
	for _, s := range syms {
		registerAux(ctx, s)
		ctx.Plt.AddEntry(ctx, s)
	}

	ctx.Plt.Shdr.Addr = 0x401000
	ctx.GotPlt.Shdr.Addr = 0x403000
	ctx.GotPlt.Shdr.Offset = 0
	ctx.GotPlt.UpdateShdr(ctx)
	ctx.Buf = make([]byte, ctx.GotPlt.Shdr.Size)

	ctx.GotPlt.CopyBuf(ctx)

	for i, s := range syms {
		idx := i + 1
		gotIdx := s.GetPltGotIdx(ctx)
		off := uint64(gotIdx) * 8
		got := uint64(0)
		for b := 0; b < 8; b++ {
			got |= uint64(ctx.Buf[off+uint64(b)]) << (8 * b)
		}
		want := ctx.Plt.Shdr.Addr + uint64(idx)*PltEntrySize + 6
		if got != want {
			t.Errorf("entry %d: .got.plt slot = %#x, want plt_base+16*%d+6 = %#x", idx, got, idx, want)
		}
	}
}

// TestCopyRelSizeIsSumOfSymbolSizes verifies the copy-reloc preservation
// property: the emitted .bss-like reservation equals the sum of symbol
// sizes over every pending copy-relocation candidate.
func TestCopyRelSizeIsSumOfSymbolSizes(t *testing.T) {
	ctx := NewContext()

	mk := func(name string, size uint64) *Symbol {
		obj := &ObjectFile{InputFile: InputFile{IsAlive: true}}
		obj.ElfSyms = []Sym{{Size: size}}
		sym := NewSymbol(name)
		sym.File = obj
		sym.SymIdx = 0
		return sym
	}

	// Descending power-of-two sizes keep each candidate naturally aligned
	// against the one before it, so UpdateShdr's per-candidate alignUp
	// never has to insert padding - the reservation size is exactly the
	// sum of sizes rather than sum-plus-padding.
	ctx.CopyRelPending = []CopyRelCandidate{
		{Symbol: mk("a", 16)},
		{Symbol: mk("b", 8)},
		{Symbol: mk("c", 4)},
	}

	c := NewCopyRelSection()
	c.UpdateShdr(ctx)

	var want uint64
	for _, cand := range ctx.CopyRelPending {
		want += cand.Symbol.ElfSym().Size
	}
	if c.Shdr.Size != want {
		t.Errorf("copy-rel reservation size = %d, want the sum of symbol sizes %d", c.Shdr.Size, want)
	}
}
