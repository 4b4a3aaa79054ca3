package linker

import "debug/elf"

// ReferenceKind classifies how a relocation type refers to its symbol, for
// the Scanner's "does this reference need a dynamic relocation" questions.
// Grounded on gold/x86_64.cc's Scan::local/Scan::global dispatch, which asks
// exactly this question per relocation type before deciding on a PLT/GOT/
// dynamic-reloc/copy-reloc allocation.
type ReferenceKind uint8

const (
	RefNone ReferenceKind = iota
	RefAbsolute
	RefRelative
	RefFunctionCall // implies RefRelative
	RefTLS
)

// referenceFlags is the static table backing reference_flags(t) from spec
// §4.1. Every x86-64 relocation type recognized by this backend (spec §6)
// is listed, including the ones that only ever reach the "unexpected reloc
// in object file" / "unsupported" error paths.
var referenceFlags = map[elf.R_X86_64]ReferenceKind{
	elf.R_X86_64_NONE:  RefNone,
	elf.R_X86_64_64:    RefAbsolute,
	elf.R_X86_64_32:    RefAbsolute,
	elf.R_X86_64_32S:   RefAbsolute,
	elf.R_X86_64_16:    RefAbsolute,
	elf.R_X86_64_8:     RefAbsolute,
	elf.R_X86_64_PC64:  RefRelative,
	elf.R_X86_64_PC32:  RefRelative,
	elf.R_X86_64_PC16:  RefRelative,
	elf.R_X86_64_PC8:   RefRelative,
	elf.R_X86_64_PLT32: RefFunctionCall,

	elf.R_X86_64_GOT32:      RefAbsolute,
	elf.R_X86_64_GOT64:      RefAbsolute,
	elf.R_X86_64_GOTPCREL:   RefRelative,
	elf.R_X86_64_GOTPCREL64: RefRelative,
	elf.R_X86_64_GOTPLT64:   RefAbsolute,
	elf.R_X86_64_GOTPC32:    RefRelative,
	elf.R_X86_64_GOTPC64:    RefRelative,
	elf.R_X86_64_GOTOFF64:   RefAbsolute,
	elf.R_X86_64_PLTOFF64:   RefAbsolute,

	elf.R_X86_64_TLSGD:            RefTLS,
	elf.R_X86_64_TLSLD:            RefTLS,
	elf.R_X86_64_DTPOFF32:         RefTLS,
	elf.R_X86_64_DTPOFF64:         RefTLS,
	elf.R_X86_64_GOTTPOFF:         RefTLS,
	elf.R_X86_64_TPOFF32:          RefTLS,
	elf.R_X86_64_TPOFF64:          RefTLS,
	elf.R_X86_64_DTPMOD64:         RefTLS,
	elf.R_X86_64_GOTPC32_TLSDESC:  RefTLS,
	elf.R_X86_64_TLSDESC_CALL:     RefTLS,
	elf.R_X86_64_TLSDESC:          RefTLS,

	elf.R_X86_64_COPY:      RefAbsolute,
	elf.R_X86_64_GLOB_DAT:  RefAbsolute,
	elf.R_X86_64_JMP_SLOT: RefAbsolute,
	elf.R_X86_64_RELATIVE:  RefAbsolute,
	elf.R_X86_64_IRELATIVE: RefAbsolute,

	elf.R_X86_64_SIZE32: RefAbsolute,
	elf.R_X86_64_SIZE64: RefAbsolute,

	R_X86_64_GNU_VTINHERIT: RefNone,
	R_X86_64_GNU_VTENTRY:   RefNone,
}

func ReferenceFlags(t elf.R_X86_64) ReferenceKind {
	return referenceFlags[t]
}

// SizeForRelocatable backs size_for_relocatable(t), used only when emitting
// a relocatable (`-r`) object; unused reloc types map to 0.
func SizeForRelocatable(t elf.R_X86_64) int {
	switch t {
	case elf.R_X86_64_8, elf.R_X86_64_PC8:
		return 1
	case elf.R_X86_64_16, elf.R_X86_64_PC16:
		return 2
	case elf.R_X86_64_32, elf.R_X86_64_32S, elf.R_X86_64_PC32,
		elf.R_X86_64_GOT32, elf.R_X86_64_GOTPC32, elf.R_X86_64_PLT32,
		elf.R_X86_64_TPOFF32, elf.R_X86_64_DTPOFF32, elf.R_X86_64_SIZE32:
		return 4
	case elf.R_X86_64_64, elf.R_X86_64_PC64, elf.R_X86_64_GOT64,
		elf.R_X86_64_GOTPCREL64, elf.R_X86_64_GOTPC64, elf.R_X86_64_GOTPLT64,
		elf.R_X86_64_GOTOFF64, elf.R_X86_64_PLTOFF64, elf.R_X86_64_SIZE64,
		elf.R_X86_64_DTPOFF64, elf.R_X86_64_TPOFF64, elf.R_X86_64_DTPMOD64:
		return 8
	}
	return 0
}

// dynamicLoaderSupported is the set the runtime loader is able to resolve;
// anything else appearing in a writable section during a PIC link triggers
// the "recompile with -fPIC" diagnostic (spec §4.1, §7).
var dynamicLoaderSupported = map[elf.R_X86_64]bool{
	elf.R_X86_64_RELATIVE:  true,
	elf.R_X86_64_IRELATIVE: true,
	elf.R_X86_64_GLOB_DAT:  true,
	elf.R_X86_64_JMP_SLOT: true,
	elf.R_X86_64_DTPMOD64:  true,
	elf.R_X86_64_DTPOFF64:  true,
	elf.R_X86_64_TPOFF64:   true,
	elf.R_X86_64_64:        true,
	elf.R_X86_64_32:        true,
	elf.R_X86_64_PC32:      true,
	elf.R_X86_64_COPY:      true,
}

func IsSupportedByDynamicLoader(t elf.R_X86_64) bool {
	return dynamicLoaderSupported[t]
}

// MayBeFunctionPointerReloc mirrors gold's possible_function_pointer_reloc,
// the external interface ICF safety queries rely on (spec §1, §4.1, §10).
func MayBeFunctionPointerReloc(t elf.R_X86_64) bool {
	switch t {
	case elf.R_X86_64_64, elf.R_X86_64_32, elf.R_X86_64_32S,
		elf.R_X86_64_16, elf.R_X86_64_8,
		elf.R_X86_64_GOT64, elf.R_X86_64_GOT32,
		elf.R_X86_64_GOTPCREL64, elf.R_X86_64_GOTPCREL, elf.R_X86_64_GOTPLT64:
		return true
	}
	return false
}
