package linker

import "github.com/ksco/x64ld/pkg/utils"

// tlsGdPrefix/tlsGdCallPrefix are the fixed byte patterns §4.6 requires
// GD→IE/LE to validate before rewriting a TLSGD access sequence:
//
//	66 48 8D 3D <disp32>   lea sym@tlsgd(%rip),%rdi
//	66 66 48 E8 <disp32>   call __tls_get_addr@plt
var tlsGdPrefix = [4]byte{0x66, 0x48, 0x8D, 0x3D}
var tlsGdCallPrefix = [4]byte{0x66, 0x66, 0x48, 0xE8}

// RewriteGdToIe rewrites a TLSGD sequence to Initial-Exec, per §4.6. `view`
// must be the 16-byte window `base[relOff-4 : relOff+12]`. Returns false if
// the fixed prefix/suffix don't match (the caller reports "unsupported TLS
// instruction sequence").
func RewriteGdToIe(view []byte, gottpAddr uint64, relOffAbs uint64) bool {
	if len(view) < 16 || !bytesEqual(view[0:4], tlsGdPrefix[:]) || !bytesEqual(view[8:12], tlsGdCallPrefix[:]) {
		return false
	}
	copy(view[0:16], []byte{
		0x64, 0x48, 0x8B, 0x04, 0x25, 0x00, 0x00, 0x00, 0x00,
		0x48, 0x03, 0x05, 0x00, 0x00, 0x00, 0x00,
	})
	// The disp32 at window offset 12 is relocOffset+8, PC-relative to
	// relocOffset+12 = the end of the rewritten `add` instruction.
	utils.Write[uint32](view[12:16], uint32(gottpAddr-(relOffAbs+12)))
	return true
}

// RewriteGdToLe rewrites a TLSGD sequence straight to Local-Exec.
func RewriteGdToLe(view []byte, tpOffset int64) bool {
	if len(view) < 16 || !bytesEqual(view[0:4], tlsGdPrefix[:]) || !bytesEqual(view[8:12], tlsGdCallPrefix[:]) {
		return false
	}
	copy(view[0:16], []byte{
		0x64, 0x48, 0x8B, 0x04, 0x25, 0x00, 0x00, 0x00, 0x00,
		0x48, 0x8D, 0x80, 0x00, 0x00, 0x00, 0x00,
	})
	utils.Write[uint32](view[12:16], uint32(tpOffset))
	return true
}

// tlsDescPrefix is the fixed 3-byte lea prefix GOTPC32_TLSDESC validates:
//
//	48 8D 05 <disp32>   lea sym@tlsdesc(%rip),%rax
var tlsDescPrefix = [3]byte{0x48, 0x8D, 0x05}

// RewriteTlsDescGdToIe rewrites the `lea ...@tlsdesc` half of a TLSDESC
// sequence to a GOT-indirected `mov`. `view` is `base[relOff-3 : relOff+4]`.
func RewriteTlsDescGdToIe(view []byte, gottpAddr uint64, relOffAbs uint64) bool {
	if len(view) < 7 || !bytesEqual(view[0:3], tlsDescPrefix[:]) {
		return false
	}
	view[1] = 0x8B
	utils.Write[uint32](view[3:7], uint32(gottpAddr-(relOffAbs+4)))
	return true
}

// RewriteTlsDescGdToLe rewrites the `lea ...@tlsdesc` half straight to an
// immediate-load.
func RewriteTlsDescGdToLe(view []byte, tpOffset int64) bool {
	if len(view) < 7 || !bytesEqual(view[0:3], tlsDescPrefix[:]) {
		return false
	}
	view[1], view[2] = 0xC7, 0xC0
	utils.Write[uint32](view[3:7], uint32(tpOffset))
	return true
}

// RewriteTlsDescCall rewrites the `call *(%rax)` half of a TLSDESC
// sequence (the TLSDESC_CALL relocation site) to a 2-byte nop, for both
// the GD→IE and GD→LE transitions. `view` is `base[relOff : relOff+2]`.
func RewriteTlsDescCall(view []byte) bool {
	if len(view) < 2 || view[0] != 0xFF || view[1] != 0x10 {
		return false
	}
	view[0], view[1] = 0x66, 0x90
	return true
}

// RewriteLdToLe rewrites a Local-Dynamic sequence (`lea ...@tlsld(%rip),%rdi`
// plus a call to __tls_get_addr) to a plain thread-pointer load, per §4.6.
// `view` is `base[relOff-3 : relOff+9]`.
func RewriteLdToLe(view []byte) bool {
	if len(view) < 12 || !bytesEqual(view[0:3], []byte{0x48, 0x8D, 0x3D}) || view[7] != 0xE8 {
		return false
	}
	copy(view[0:12], []byte{
		0x66, 0x66, 0x66, 0x64, 0x48, 0x8B, 0x04, 0x25, 0x00, 0x00, 0x00, 0x00,
	})
	return true
}

// RewriteIeToLe rewrites a GOTTPOFF-indirected access to an immediate
// Local-Exec one, per §4.6's movq/addq byte patterns. `view` is
// `base[relOff-3 : relOff+4]`.
func RewriteIeToLe(view []byte, tpOffset int64) bool {
	if len(view) < 7 {
		return false
	}
	prefix, opcode, modrm := view[0], view[1], view[2]
	reg := (modrm >> 3) & 7

	switch opcode {
	case 0x8B: // movq sym@gottpoff(%rip),%reg
		if prefix == 0x4C {
			prefix = 0x49
		}
		view[0] = prefix
		if reg == 4 { // %rsp destination needs the longer 81 /0 form
			view[1] = 0x81
			view[2] = 0xC0 | reg
		} else {
			view[1] = 0xC7
			view[2] = 0xC0 | reg
		}
	case 0x03: // addq sym@gottpoff(%rip),%reg
		view[0] = 0x4D
		view[1] = 0x8D
		view[2] = 0x80 | reg | (reg << 3)
	default:
		return false
	}

	utils.Write[uint32](view[3:7], uint32(tpOffset))
	return true
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
