package linker

import "debug/elf"

// GotEntry is a pending write into a GOT-shaped buffer: either a plain value
// known at link time, or a value that must additionally carry a dynamic
// relocation of the given type (resolved by the loader at load time).
type GotEntry struct {
	Idx  int64
	Val  uint64
	Type int64
}

func NewGotEntry(idx int64, val uint64, typ int64) GotEntry {
	return GotEntry{Idx: idx, Val: val, Type: typ}
}

func (e *GotEntry) IsRel() bool {
	return e.Type != int64(elf.R_X86_64_NONE)
}
