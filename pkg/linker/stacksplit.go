package linker

import (
	"bytes"

	"github.com/ksco/x64ld/pkg/utils"
)

// cmpFsPrologue is `cmp %fs:NN,%rsp`: the 5-byte opcode (segment-override
// prefix, REX.W, CMP, ModRM, SIB) followed by a 4-byte displacement - the
// split-stack guard-page probe gcc/gccgo emit at the top of every
// split-stack function.
var cmpFsPrologue = []byte{0x64, 0x48, 0x3B, 0x24, 0x25}

// leaR10Prologue and leaR11Prologue are the two `lea NN(%rsp),%rNN`
// alternate split-stack prologues, each 4 opcode bytes followed by a
// 4-byte displacement.
var leaR10Prologue = []byte{0x4C, 0x8D, 0x94, 0x24}
var leaR11Prologue = []byte{0x4C, 0x8D, 0x9C, 0x24}

// FixStackSplitPrologue implements spec.md §4.9: when a split-stack caller's
// call to __morestack is being redirected to __morestack_non_split (because
// the callee isn't itself split-stack), the caller's own prologue can no
// longer rely on __morestack to have grown the stack for it, so the guard
// check or the adjusted frame displacement has to be neutralized/corrected
// here instead. prologue is the first bytes of the calling function; this
// backend's fixup only applies at the start of an input section, the
// function-per-section shape split-stack codegen already produces.
//
// Returns false if no recognized prologue was found and the caller isn't
// itself annotated no-split-stack, in which case the Relocator
// (ApplyRelocAlloc) reports an error rather than silently leave the
// prologue untouched.
func FixStackSplitPrologue(prologue []byte, adjustSize uint64, noSplitStack bool) bool {
	switch {
	case len(prologue) >= 9 && bytes.Equal(prologue[:5], cmpFsPrologue):
		prologue[0] = 0xF9 // stc: always-carry, skips the guard-page branch
		CodeFill(prologue[1:9])
		return true

	case len(prologue) >= 8 && bytes.Equal(prologue[:4], leaR10Prologue):
		fixLeaDisplacement(prologue, adjustSize)
		return true

	case len(prologue) >= 8 && bytes.Equal(prologue[:4], leaR11Prologue):
		fixLeaDisplacement(prologue, adjustSize)
		return true

	default:
		return noSplitStack
	}
}

func fixLeaDisplacement(prologue []byte, adjustSize uint64) {
	disp := utils.Read[uint32](prologue[4:8])
	utils.Write[uint32](prologue[4:8], disp-uint32(adjustSize))
}
