package linker

import (
	"testing"

	"github.com/ksco/x64ld/pkg/utils"
)

func TestFixStackSplitPrologueCmpFs(t *testing.T) {
	prologue := append([]byte{0x64, 0x48, 0x3B, 0x24, 0x25}, make([]byte, 4)...)

	if !FixStackSplitPrologue(prologue, 0, false) {
		t.Fatal("FixStackSplitPrologue rejected a well-formed cmp fs-segment prologue")
	}
	if prologue[0] != 0xF9 {
		t.Errorf("prologue[0] = %#x, want 0xF9 (stc)", prologue[0])
	}
	if !legalNopLengths(prologue[1:9]) {
		t.Errorf("prologue[1:9] = % X is not a legal NOP fill", prologue[1:9])
	}
}

func TestFixStackSplitPrologueLeaDisplacement(t *testing.T) {
	cases := []struct {
		name   string
		prefix []byte
	}{
		{"lea r10", leaR10Prologue},
		{"lea r11", leaR11Prologue},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			prologue := make([]byte, 8)
			copy(prologue, c.prefix)
			utils.Write[uint32](prologue[4:8], 0x1000)

			if !FixStackSplitPrologue(prologue, 0x200, false) {
				t.Fatal("FixStackSplitPrologue rejected a well-formed lea prologue")
			}
			if got := utils.Read[uint32](prologue[4:8]); got != 0x1000-0x200 {
				t.Errorf("adjusted displacement = %#x, want %#x", got, 0x1000-0x200)
			}
		})
	}
}

func TestFixStackSplitPrologueUnrecognized(t *testing.T) {
	prologue := make([]byte, 16)

	if FixStackSplitPrologue(prologue, 0, false) {
		t.Error("FixStackSplitPrologue accepted an unrecognized prologue for a split-stack caller")
	}
	if !FixStackSplitPrologue(prologue, 0, true) {
		t.Error("FixStackSplitPrologue should defer to noSplitStack when nothing is recognized")
	}
}
