package linker

// TlsAction is the TLS Optimizer's (C6) output: whether a TLS access
// sequence the Scanner saw should be left alone, rewritten to Local-Exec,
// or (GD/TLSDESC only) downgraded to Initial-Exec.
type TlsAction uint8

const (
	TlsNone TlsAction = iota
	TlsToLE
	TlsToIE
)

// DecideGdOrTlsDesc implements §4.6's decision table for TLSGD,
// GOTPC32_TLSDESC, and TLSDESC_CALL: General-Dynamic can only downgrade
// when the output is an executable (not -shared), and only drops all the
// way to LE when the symbol's address is known at link time.
func DecideGdOrTlsDesc(ctx *Context, sym *Symbol, inExecSection bool) TlsAction {
	if !inExecSection {
		return TlsNone
	}
	if ctx.Arg.Shared {
		return TlsNone
	}
	if sym.IsFinal(ctx) {
		return TlsToLE
	}
	return TlsToIE
}

// DecideTlsld implements §4.6's decision table for TLSLD/DTPOFF32/DTPOFF64:
// Local-Dynamic collapses to LE whenever the output is executable, since an
// executable's own TLS layout is always known at link time; it is never
// downgraded when producing a shared object.
func DecideTlsld(ctx *Context, inExecSection bool) TlsAction {
	if !inExecSection {
		return TlsNone
	}
	if ctx.Arg.Shared {
		return TlsNone
	}
	return TlsToLE
}

// DecideGottpoff implements §4.6's decision table for GOTTPOFF: Initial-
// Exec downgrades to LE only for a final symbol in a non-shared output;
// otherwise the GOT-indirected sequence is kept.
func DecideGottpoff(ctx *Context, sym *Symbol, inExecSection bool) TlsAction {
	if !inExecSection {
		return TlsNone
	}
	if ctx.Arg.Shared {
		return TlsNone
	}
	if sym.IsFinal(ctx) {
		return TlsToLE
	}
	return TlsNone
}
