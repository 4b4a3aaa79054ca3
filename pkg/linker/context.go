package linker

import "github.com/ksco/x64ld/pkg/utils"

type ContextArg struct {
	Output    string
	Emulation MachineType

	LibraryPaths []string

	Pie    bool
	Shared bool
	Static bool

	// SplitStackAdjustSize is subtracted from `lea NN(%rsp),%r10/%r11`
	// stack-split prologue displacements (spec.md §4.9); 0 disables the
	// fixup's displacement adjustment but not its validation.
	SplitStackAdjustSize uint64
}

// Diagnostic is one entry in the per-link diagnostic sink (spec.md §7):
// the backend never throws across phase boundaries, it records here and
// leaves a final "errors occurred" flag for the driver to inspect.
type Diagnostic struct {
	Object  string
	Section string
	Offset  uint64
	Message string
}

// CopyRelCandidate is spec.md §4.4's copy-relocation deferral entry: a
// writable reference to a preemptible dynamic symbol that couldn't be
// PIC-rewritten. Discarded if the symbol turns out to be defined locally;
// otherwise promoted to an R_X86_64_COPY relocation plus a .bss slot at
// finalize time.
type CopyRelCandidate struct {
	Symbol *Symbol
}

// LocalAbsReloc is a deferred entry for spec.md §4.5's "if PIC: DynReloc"
// rule on absolute relocations against a non-preemptible (local-resolved)
// symbol: the Scanner can't yet compute the symbol's final address or this
// input section's final output offset, so it records the pieces and the
// Finalizer (C8) resolves them once layout is frozen.
type LocalAbsReloc struct {
	Section *InputSection
	Offset  uint64 // offset within the input section, pre-layout
	Sym     *Symbol
	Addend  int64
	Type    uint32 // R_X86_64_RELATIVE for a 64-bit reference, R_X86_64_32 for a 32-bit one
}

// TLSDescEntry is spec.md §3's TLSDESC info table record: the index of an
// entry in this (ordered, append-only) slice is the opaque addend used by
// locally-scoped R_X86_64_TLSDESC relocations.
type TLSDescEntry struct {
	Object        *ObjectFile
	LocalSymIndex int64
}

type Context struct {
	Arg ContextArg

	SymbolMap map[string]*Symbol

	SymbolsAux []SymbolAux

	Ehdr *OutputEhdr
	Shdr *OutputShdr
	Phdr *OutputPhdr

	Got     *GotSection
	GotPlt  *GotPltSection
	Plt     *PltSection
	Dynsym  *DynsymSection
	Dynstr  *DynstrSection
	RelaDyn *RelaSection
	RelaPlt *RelaSection
	Dynamic *DynamicSection
	CopyRel *CopyRelSection

	Buf []byte

	FilePriority int64
	Visited      utils.MapSet[string]

	Objs []*ObjectFile

	InternalObj   *ObjectFile
	InternalEsyms []Sym

	Chunks []Chunker

	MergedSections []*MergedSection
	OutputSections []*OutputSection

	DefaultVersion uint16

	// TpAddr is the thread pointer's address for this link: the end of the
	// static TLS block, rounded up to its alignment (x86-64 Variant II).
	// TP-relative offsets are always `value - TpAddr`.
	TpAddr uint64

	__InitArrayStart    *Symbol
	__InitArrayEnd      *Symbol
	__FiniArrayStart    *Symbol
	__FiniArrayEnd      *Symbol
	__PreinitArrayStart *Symbol
	__PreinitArrayEnd   *Symbol

	GlobalOffsetTableSym *Symbol // _GLOBAL_OFFSET_TABLE_
	TlsModuleBaseSym     *Symbol // _TLS_MODULE_BASE_
	RelaIpltStartSym     *Symbol
	RelaIpltEndSym       *Symbol

	// SawGotpc32Tlsdesc is set by the Scanner when it sees a
	// GOTPC32_TLSDESC or TLSDESC_CALL relocation. Nothing reads it:
	// _TLS_MODULE_BASE_ is defined unconditionally (see DESIGN.md's Open
	// Question decision).
	SawGotpc32Tlsdesc bool

	NeedsTlsdescPlt  bool
	TlsdescPltOffset uint64
	TlsdescGotOffset uint64

	CopyRelPending  []CopyRelCandidate
	LocalAbsRelocs  []LocalAbsReloc
	TlsDescEntries  []TLSDescEntry

	Diagnostics      []Diagnostic
	PicErrorReported utils.MapSet[string]
	HasErrors        bool
}

func NewContext() *Context {
	return &Context{
		Arg: ContextArg{
			Emulation: MachineTypeNone,
			Output:    "a.out",
		},
		SymbolMap:        make(map[string]*Symbol),
		Visited:          utils.NewMapSet[string](),
		FilePriority:     10000,
		DefaultVersion:   VER_NDX_LOCAL,
		PicErrorReported: utils.NewMapSet[string](),
	}
}

// Report appends to the diagnostic sink and sets the sticky failure flag,
// but does not stop the Scanner from continuing (spec.md §7).
func (ctx *Context) Report(object, section string, offset uint64, message string) {
	ctx.Diagnostics = append(ctx.Diagnostics, Diagnostic{
		Object:  object,
		Section: section,
		Offset:  offset,
		Message: message,
	})
	ctx.HasErrors = true
}

// ReportPicOnce emits the "recompile with -fPIC" diagnostic at most once
// per object, per spec.md §7's log-flooding guard.
func (ctx *Context) ReportPicOnce(object *ObjectFile) {
	name := object.File.Name
	if ctx.PicErrorReported.Contains(name) {
		return
	}
	ctx.PicErrorReported.Add(name)
	ctx.Report(name, "", 0, "recompile with -fPIC")
}

func (ctx *Context) IsPic() bool {
	return ctx.Arg.Pie || ctx.Arg.Shared
}
