package linker

import "testing"

func TestRelaSectionAddIrelativeOrdering(t *testing.T) {
	r := NewRelaSection(".rela.plt", true)

	r.Add(func(ctx *Context) Rela { return Rela{Type: 1} })
	r.Add(func(ctx *Context) Rela { return Rela{Type: 2} })

	if start, end := r.IrelativeRange(); start != 0 || end != 0 {
		t.Fatalf("IrelativeRange before any AddIrelative = (%d, %d), want (0, 0)", start, end)
	}

	firstIrelative := r.AddIrelative(func(ctx *Context) Rela { return Rela{Type: 3} })
	r.AddIrelative(func(ctx *Context) Rela { return Rela{Type: 4} })
	r.Add(func(ctx *Context) Rela { return Rela{Type: 5} }) // a trailing non-IRELATIVE entry

	if firstIrelative != 2 {
		t.Errorf("first AddIrelative index = %d, want 2", firstIrelative)
	}

	r.Shdr.Addr = 0x1000
	r.Shdr.EntSize = 24
	start, end := r.IrelativeRange()
	if want := r.Shdr.Addr + 2*r.Shdr.EntSize; start != want {
		t.Errorf("IrelativeRange start = %#x, want %#x", start, want)
	}
	if want := r.Shdr.Addr + uint64(r.Count())*r.Shdr.EntSize; end != want {
		t.Errorf("IrelativeRange end = %#x, want %#x", end, want)
	}
}

func TestRelaSectionTlsdescOrdersAfterJumpSlotsAndIrelative(t *testing.T) {
	r := NewRelaSection(".rela.plt", true)

	r.Add(func(ctx *Context) Rela { return Rela{Type: 1} })          // JUMP_SLOT
	r.AddIrelative(func(ctx *Context) Rela { return Rela{Type: 2} }) // IRELATIVE
	tlsdescIdx := r.AddTlsdesc(func(ctx *Context) Rela { return Rela{Type: 3} })

	if tlsdescIdx != 2 {
		t.Fatalf("TLSDESC index = %d, want 2 (after the JUMP_SLOT and IRELATIVE entries)", tlsdescIdx)
	}
	if r.tlsdescAt != 2 {
		t.Errorf("tlsdescAt = %d, want 2", r.tlsdescAt)
	}

	second := r.AddTlsdesc(func(ctx *Context) Rela { return Rela{Type: 4} })
	if second <= tlsdescIdx {
		t.Errorf("second TLSDESC index %d did not advance past the first %d", second, tlsdescIdx)
	}
	if r.tlsdescAt != 2 {
		t.Errorf("tlsdescAt moved after the first AddTlsdesc call: got %d, want 2", r.tlsdescAt)
	}
}

func TestRelaSectionCountAndResolve(t *testing.T) {
	r := NewRelaSection(".rela.dyn", false)
	r.Add(func(ctx *Context) Rela { return Rela{Offset: 0x10, Type: 7} })
	r.Add(func(ctx *Context) Rela { return Rela{Offset: 0x20, Type: 8} })

	if got := r.Count(); got != 2 {
		t.Fatalf("Count() = %d, want 2", got)
	}

	r.Resolve(nil)
	if len(r.Entries) != 2 || r.Entries[0].Offset != 0x10 || r.Entries[1].Offset != 0x20 {
		t.Errorf("Resolve produced unexpected entries: %+v", r.Entries)
	}
}
