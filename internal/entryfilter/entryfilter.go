// Package entryfilter screens the platform exception record the
// top-level vectored/unhandled filter receives, before it ever
// reaches the analyzer (spec.md §6's entry contract). It stays a thin
// pass-through: installing the actual vectored handler is out of
// scope (SPEC_FULL.md's module layout note), this package only
// answers "should this code invoke the analyzer at all".
package entryfilter

import "github.com/prevter/crashlog/internal/vmexception"

// threadRenamePseudoEvent is the well-known MSVC "SetThreadName"
// pseudo-exception (0x406D1388) debuggers use to name threads; it
// carries no real fault and must never invoke the analyzer.
const threadRenamePseudoEvent vmexception.Code = 0x406D1388

// Debug/control-flow codes a debugger handles itself; letting these
// reach the analyzer would break single-stepping or a debugger's own
// breakpoint handling.
var debugControlFlowCodes = map[vmexception.Code]bool{
	vmexception.Breakpoint:  true,
	vmexception.SingleStep:  true,
	0x40010005:              true, // DBG_CONTROL_C
	0x40010008:              true, // DBG_CONTROL_BREAK
}

// rpcServerUnavailableWhitelist are RPC facility status codes that
// surface as exceptions in some hosting environments but are routine
// (a named-pipe RPC endpoint simply isn't up yet) rather than a
// crash.
var rpcServerUnavailableWhitelist = map[vmexception.Code]bool{
	0x6BA: true, // RPC_S_SERVER_UNAVAILABLE
	0x6D9: true, // EPT_S_NOT_REGISTERED
}

// ShouldAnalyze reports whether code should invoke the analyzer.
// Debug/control-flow codes, the thread-rename pseudo-event, and the
// RPC-server-unavailable whitelist pass through untouched (false);
// everything else -- including the C++-throw pseudo-code, which gets
// its own "continue" filter downstream so the user still sees the
// throw -- invokes the analyzer (true).
func ShouldAnalyze(code vmexception.Code) bool {
	if code == threadRenamePseudoEvent {
		return false
	}
	if debugControlFlowCodes[code] {
		return false
	}
	if rpcServerUnavailableWhitelist[code] {
		return false
	}
	return true
}

// IsContinuableThrow reports whether code is the C++-throw
// pseudo-code that must route through the analyzer via the separate
// "continue" filter (spec.md §6) rather than being screened out, even
// though structurally it is also a "the program intends to keep
// running" signal like the codes ShouldAnalyze filters.
func IsContinuableThrow(code vmexception.Code) bool {
	return code == vmexception.CxxThrow
}
