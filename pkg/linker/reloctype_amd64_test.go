package linker

import (
	"debug/elf"
	"testing"
)

func TestReferenceFlags(t *testing.T) {
	cases := []struct {
		name string
		t    elf.R_X86_64
		want ReferenceKind
	}{
		{"NONE", elf.R_X86_64_NONE, RefNone},
		{"64 absolute", elf.R_X86_64_64, RefAbsolute},
		{"PC32 relative", elf.R_X86_64_PC32, RefRelative},
		{"PLT32 is a function call", elf.R_X86_64_PLT32, RefFunctionCall},
		{"TLSGD is TLS", elf.R_X86_64_TLSGD, RefTLS},
		{"GOTPC32_TLSDESC is TLS", elf.R_X86_64_GOTPC32_TLSDESC, RefTLS},
		{"IRELATIVE is absolute", elf.R_X86_64_IRELATIVE, RefAbsolute},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := ReferenceFlags(c.t); got != c.want {
				t.Errorf("ReferenceFlags(%v) = %v, want %v", c.t, got, c.want)
			}
		})
	}
}

func TestIsSupportedByDynamicLoader(t *testing.T) {
	supported := []elf.R_X86_64{
		elf.R_X86_64_RELATIVE, elf.R_X86_64_IRELATIVE, elf.R_X86_64_GLOB_DAT,
		elf.R_X86_64_JMP_SLOT, elf.R_X86_64_64, elf.R_X86_64_32, elf.R_X86_64_PC32,
		elf.R_X86_64_COPY,
	}
	for _, rt := range supported {
		if !IsSupportedByDynamicLoader(rt) {
			t.Errorf("IsSupportedByDynamicLoader(%v) = false, want true", rt)
		}
	}

	unsupported := []elf.R_X86_64{
		elf.R_X86_64_32S, elf.R_X86_64_16, elf.R_X86_64_8, elf.R_X86_64_TLSDESC,
	}
	for _, rt := range unsupported {
		if IsSupportedByDynamicLoader(rt) {
			t.Errorf("IsSupportedByDynamicLoader(%v) = true, want false", rt)
		}
	}
}

func TestMayBeFunctionPointerReloc(t *testing.T) {
	if !MayBeFunctionPointerReloc(elf.R_X86_64_64) {
		t.Error("R_X86_64_64 should be a possible function-pointer reloc")
	}
	if MayBeFunctionPointerReloc(elf.R_X86_64_PC32) {
		t.Error("R_X86_64_PC32 should not be a possible function-pointer reloc")
	}
}

func TestSizeForRelocatable(t *testing.T) {
	cases := []struct {
		t    elf.R_X86_64
		want int
	}{
		{elf.R_X86_64_8, 1},
		{elf.R_X86_64_16, 2},
		{elf.R_X86_64_32, 4},
		{elf.R_X86_64_64, 8},
		{elf.R_X86_64_NONE, 0},
	}
	for _, c := range cases {
		if got := SizeForRelocatable(c.t); got != c.want {
			t.Errorf("SizeForRelocatable(%v) = %d, want %d", c.t, got, c.want)
		}
	}
}
