package linker

import "testing"

// TestRewriteGdToIe walks spec.md §8's worked GD->IE example: a TLSGD
// sequence at some P, rewritten in place to load the thread pointer and add
// a GOT-indirected offset.
func TestRewriteGdToIe(t *testing.T) {
	view := []byte{
		0x66, 0x48, 0x8D, 0x3D, 0, 0, 0, 0,
		0x66, 0x66, 0x48, 0xE8, 0, 0, 0, 0,
	}
	const gottpAddr = 0x404020
	const relOffAbs = 0x401004 // address of the TLSGD relocation, at window offset 4

	if !RewriteGdToIe(view, gottpAddr, relOffAbs) {
		t.Fatal("RewriteGdToIe rejected a well-formed TLSGD sequence")
	}

	want := []byte{
		0x64, 0x48, 0x8B, 0x04, 0x25, 0x00, 0x00, 0x00, 0x00,
		0x48, 0x03, 0x05,
	}
	if !bytesEqual(view[0:12], want) {
		t.Errorf("rewritten prefix = % X, want % X", view[0:12], want)
	}

	gotDisp32 := uint32(view[12]) | uint32(view[13])<<8 | uint32(view[14])<<16 | uint32(view[15])<<24
	if want := uint32(gottpAddr - (relOffAbs + 12)); gotDisp32 != want {
		t.Errorf("disp32 = %#x, want %#x", gotDisp32, want)
	}
}

func TestRewriteGdToIeRejectsUnrecognizedPrologue(t *testing.T) {
	view := make([]byte, 16)
	if RewriteGdToIe(view, 0, 0) {
		t.Error("RewriteGdToIe accepted an all-zero (unrecognized) sequence")
	}
}

func TestRewriteIeToLe(t *testing.T) {
	cases := []struct {
		name       string
		view       []byte
		tpOffset   int64
		wantOpcode byte
		wantModrm  byte
	}{
		{"movq rax", []byte{0x48, 0x8B, 0x05, 0, 0, 0, 0}, -8, 0xC7, 0xC0},
		{"movq r10 (REX prefix rewritten)", []byte{0x4C, 0x8B, 0x15, 0, 0, 0, 0}, 16, 0xC7, 0xC2},
		{"addq rax", []byte{0x48, 0x03, 0x05, 0, 0, 0, 0}, 24, 0x8D, 0x80},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			view := append([]byte(nil), c.view...)
			if !RewriteIeToLe(view, c.tpOffset) {
				t.Fatal("RewriteIeToLe rejected a well-formed sequence")
			}
			if view[1] != c.wantOpcode {
				t.Errorf("opcode byte = %#x, want %#x", view[1], c.wantOpcode)
			}
			if view[2] != c.wantModrm {
				t.Errorf("modrm byte = %#x, want %#x", view[2], c.wantModrm)
			}
			disp := int32(uint32(view[3]) | uint32(view[4])<<8 | uint32(view[5])<<16 | uint32(view[6])<<24)
			if int64(disp) != c.tpOffset {
				t.Errorf("tp offset = %d, want %d", disp, c.tpOffset)
			}
		})
	}
}

func TestRewriteTlsDescCall(t *testing.T) {
	view := []byte{0xFF, 0x10}
	if !RewriteTlsDescCall(view) {
		t.Fatal("RewriteTlsDescCall rejected `call *(%rax)`")
	}
	if view[0] != 0x66 || view[1] != 0x90 {
		t.Errorf("rewritten call = % X, want 66 90", view)
	}

	if RewriteTlsDescCall([]byte{0x90, 0x90}) {
		t.Error("RewriteTlsDescCall accepted a non-call sequence")
	}
}

func TestRewriteLdToLe(t *testing.T) {
	view := []byte{0x48, 0x8D, 0x3D, 0, 0, 0, 0, 0xE8, 0, 0, 0, 0}
	if !RewriteLdToLe(view) {
		t.Fatal("RewriteLdToLe rejected a well-formed LD sequence")
	}
	want := []byte{0x66, 0x66, 0x66, 0x64, 0x48, 0x8B, 0x04, 0x25, 0x00, 0x00, 0x00, 0x00}
	if !bytesEqual(view, want) {
		t.Errorf("rewritten LD sequence = % X, want % X", view, want)
	}
}
