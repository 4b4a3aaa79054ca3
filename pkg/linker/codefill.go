package linker

import "github.com/ksco/x64ld/pkg/utils"

// nopTable holds the canonical x86-64 multi-byte NOP encodings for lengths
// 1 through 9 (Intel SDM vol. 2B, the same table binutils' gas emits for
// .align in a text section). Every output section gap under 16 bytes is
// built from these, greedily chaining a 9-byte NOP until the remainder fits
// a single table entry.
var nopTable = [][]byte{
	{},
	{0x90},
	{0x66, 0x90},
	{0x0F, 0x1F, 0x00},
	{0x0F, 0x1F, 0x40, 0x00},
	{0x0F, 0x1F, 0x44, 0x00, 0x00},
	{0x66, 0x0F, 0x1F, 0x44, 0x00, 0x00},
	{0x0F, 0x1F, 0x80, 0x00, 0x00, 0x00, 0x00},
	{0x0F, 0x1F, 0x84, 0x00, 0x00, 0x00, 0x00, 0x00},
	{0x66, 0x0F, 0x1F, 0x84, 0x00, 0x00, 0x00, 0x00, 0x00},
}

// CodeFill implements spec.md §4.8's padding rule: a gap of n bytes inside
// an executable output section is never left zeroed, since a stray 0x00
// decodes as `add %al,(%rax)` rather than a no-op and would corrupt
// disassembly or, worse, be reachable after a misprediction. Gaps of 16
// bytes or more get a `jmp rel32` over the whole gap (dest is unreachable
// past the jump, so the rest is left zero); smaller gaps are filled
// entirely with legal multi-byte NOPs.
func CodeFill(buf []byte) {
	n := len(buf)
	if n == 0 {
		return
	}

	if n >= 16 {
		buf[0] = 0xE9
		utils.Write[uint32](buf[1:], uint32(n-5))
		for i := 5; i < n; i++ {
			buf[i] = 0
		}
		return
	}

	off := 0
	for n-off >= 9 {
		copy(buf[off:], nopTable[9])
		off += 9
	}
	copy(buf[off:], nopTable[n-off])
}
