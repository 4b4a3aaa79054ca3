package linker

import "testing"

// finalSymbol returns a symbol for which IsFinal(ctx) is true: with no
// owning file, IsPreemptible short-circuits to false.
func finalSymbol() *Symbol {
	return NewSymbol("final_sym")
}

// nonFinalSymbol returns a symbol for which IsFinal(ctx) is false: it
// belongs to a live object file and is undefined, so IsPreemptible (and
// hence !IsFinal) is true.
func nonFinalSymbol(ctx *Context) *Symbol {
	obj := &ObjectFile{}
	obj.IsAlive = true
	obj.ElfSyms = []Sym{{Shndx: 0}} // SHN_UNDEF
	sym := NewSymbol("nonfinal_sym")
	sym.File = obj
	sym.SymIdx = 0
	return sym
}

func TestDecideGdOrTlsDesc(t *testing.T) {
	ctx := NewContext()

	if got := DecideGdOrTlsDesc(ctx, finalSymbol(), false); got != TlsNone {
		t.Errorf("outside an exec section: got %v, want TlsNone", got)
	}

	if got := DecideGdOrTlsDesc(ctx, finalSymbol(), true); got != TlsToLE {
		t.Errorf("final symbol in exec section: got %v, want TlsToLE", got)
	}

	if got := DecideGdOrTlsDesc(ctx, nonFinalSymbol(ctx), true); got != TlsToIE {
		t.Errorf("non-final symbol in exec section: got %v, want TlsToIE", got)
	}

	ctx.Arg.Shared = true
	if got := DecideGdOrTlsDesc(ctx, finalSymbol(), true); got != TlsNone {
		t.Errorf("shared output never downgrades GD: got %v, want TlsNone", got)
	}
}

func TestDecideTlsld(t *testing.T) {
	ctx := NewContext()

	if got := DecideTlsld(ctx, false); got != TlsNone {
		t.Errorf("outside an exec section: got %v, want TlsNone", got)
	}
	if got := DecideTlsld(ctx, true); got != TlsToLE {
		t.Errorf("executable output: got %v, want TlsToLE", got)
	}

	ctx.Arg.Shared = true
	if got := DecideTlsld(ctx, true); got != TlsNone {
		t.Errorf("shared output never downgrades LD: got %v, want TlsNone", got)
	}
}

func TestDecideGottpoff(t *testing.T) {
	ctx := NewContext()

	if got := DecideGottpoff(ctx, finalSymbol(), false); got != TlsNone {
		t.Errorf("outside an exec section: got %v, want TlsNone", got)
	}
	if got := DecideGottpoff(ctx, finalSymbol(), true); got != TlsToLE {
		t.Errorf("final symbol in exec section: got %v, want TlsToLE", got)
	}
	if got := DecideGottpoff(ctx, nonFinalSymbol(ctx), true); got != TlsNone {
		t.Errorf("non-final symbol keeps the GOT-indirected form: got %v, want TlsNone", got)
	}

	ctx.Arg.Shared = true
	if got := DecideGottpoff(ctx, finalSymbol(), true); got != TlsNone {
		t.Errorf("shared output never downgrades GOTTPOFF: got %v, want TlsNone", got)
	}
}
