// Package vmexception classifies a platform structured-exception
// record: maps its code to a human name, renders its raw parameter
// words, and produces per-code enrichment (access-violation target
// page info, the faulting opcode, a demangled C++ throw type, or a
// framework-specific reason string).
//
// Grounded on exception-codes.cpp's getName/getExtraInfo dispatch
// (ported almost mechanically -- a const map plus a switch is exactly
// emul/constants.go's shape for the fictional ISA's trap vector) and
// on emul/cpu.go's raiseException for the idea that a "code" is just a
// small closed set handled by a single switch rather than a type
// hierarchy.
package vmexception

import (
	"fmt"
	"strings"

	"github.com/prevter/crashlog/internal/memprobe"
)

// Code is a platform or host-defined exception code.
type Code uint32

// The well-known Windows SEH codes exception-codes.cpp enumerates,
// plus the C++ EH pseudo-code and two host-defined cooperative traps
// spec.md §4.E calls for (no official platform code exists for
// either; the host reserves two private-use values).
const (
	AccessViolation        Code = 0xC0000005
	ArrayBoundsExceeded    Code = 0xC000008C
	Breakpoint             Code = 0x80000003
	DatatypeMisalignment   Code = 0x80000002
	FltDenormalOperand     Code = 0xC000008D
	FltDivideByZero        Code = 0xC000008E
	FltInexactResult       Code = 0xC000008F
	FltInvalidOperation    Code = 0xC0000090
	FltOverflow            Code = 0xC0000091
	FltStackCheck          Code = 0xC0000092
	FltUnderflow           Code = 0xC0000093
	IllegalInstruction     Code = 0xC000001D
	InPageError            Code = 0xC0000006
	IntDivideByZero        Code = 0xC0000094
	IntOverflow            Code = 0xC0000095
	InvalidDisposition     Code = 0xC0000026
	NoncontinuableExc      Code = 0xC0000025
	PrivInstruction        Code = 0xC0000096
	SingleStep             Code = 0x80000004
	StackOverflow          Code = 0xC00000FD
	GuardPageViolation     Code = 0x80000001
	InvalidHandle          Code = 0xC0000008

	// CxxThrow is the Microsoft C++ EH pseudo-exception code ("msc"
	// in ASCII: 0x6D 0x73 0x63 prefixed by 0xE0), the
	// vehicle every `throw` expression raises through on this ABI.
	CxxThrow Code = 0xE06D7363

	// HostTerminate and HostUnreachable are private-use codes the host
	// raises itself (not delivered by the OS) for a cooperative
	// std::terminate-style abort and an "impossible state reached"
	// trap, respectively -- the framework's own compatibility-layer
	// stub shares the 0xE0000000 private-use range.
	HostTerminate        Code = 0xE0000001
	HostUnreachable       Code = 0xE0000002
	CompatibilityLayerStub Code = 0xE0000003
)

var names = map[Code]string{
	AccessViolation:        "EXCEPTION_ACCESS_VIOLATION",
	ArrayBoundsExceeded:    "EXCEPTION_ARRAY_BOUNDS_EXCEEDED",
	Breakpoint:             "EXCEPTION_BREAKPOINT",
	DatatypeMisalignment:   "EXCEPTION_DATATYPE_MISALIGNMENT",
	FltDenormalOperand:     "EXCEPTION_FLT_DENORMAL_OPERAND",
	FltDivideByZero:        "EXCEPTION_FLT_DIVIDE_BY_ZERO",
	FltInexactResult:       "EXCEPTION_FLT_INEXACT_RESULT",
	FltInvalidOperation:    "EXCEPTION_FLT_INVALID_OPERATION",
	FltOverflow:            "EXCEPTION_FLT_OVERFLOW",
	FltStackCheck:          "EXCEPTION_FLT_STACK_CHECK",
	FltUnderflow:           "EXCEPTION_FLT_UNDERFLOW",
	IllegalInstruction:     "EXCEPTION_ILLEGAL_INSTRUCTION",
	InPageError:            "EXCEPTION_IN_PAGE_ERROR",
	IntDivideByZero:        "EXCEPTION_INT_DIVIDE_BY_ZERO",
	IntOverflow:            "EXCEPTION_INT_OVERFLOW",
	InvalidDisposition:     "EXCEPTION_INVALID_DISPOSITION",
	NoncontinuableExc:      "EXCEPTION_NONCONTINUABLE_EXCEPTION",
	PrivInstruction:        "EXCEPTION_PRIV_INSTRUCTION",
	SingleStep:             "EXCEPTION_SINGLE_STEP",
	StackOverflow:          "EXCEPTION_STACK_OVERFLOW",
	GuardPageViolation:     "EXCEPTION_GUARD_PAGE",
	InvalidHandle:          "EXCEPTION_INVALID_HANDLE",
	CxxThrow:               "CXX_THROW (C++ exception)",
	HostTerminate:          "HOST_TERMINATE",
	HostUnreachable:        "HOST_UNREACHABLE",
	CompatibilityLayerStub: "HOST_COMPATIBILITY_STUB",
}

// Name maps a code to its platform name; an unrecognized code yields
// "Unknown exception", matching exception-codes.cpp's default case.
func Name(code Code) string {
	if n, ok := names[code]; ok {
		return n
	}
	return "Unknown exception"
}

// Record is a normalized view over the platform's exception-record
// parameters -- enough of EXCEPTION_RECORD for Parameters/Extra to
// work from without depending on the Windows ABI struct layout
// directly.
type Record struct {
	Code       Code
	Flags      uint32
	Address    uintptr
	Parameters []uintptr

	// ImageBase is exception parameter 3 on 64-bit C++ throws: the
	// module base the ABI's throw-info offsets are relative to.
	ImageBase uintptr
}

// Parameters renders the record's raw parameter words, comma-joined
// in hex, exactly as exception-codes.cpp's getParameters does.
func Parameters(r Record) string {
	parts := make([]string, len(r.Parameters))
	for i, p := range r.Parameters {
		parts[i] = fmt.Sprintf("0x%X", p)
	}
	return strings.Join(parts, ", ")
}

// accessViolationKind classifies exception parameter 0.
func accessViolationKind(kind uintptr) string {
	switch kind {
	case 0:
		return "Read"
	case 1:
		return "Write"
	case 8:
		return "DEP"
	default:
		return "Unknown"
	}
}

// flagBit is one named bit in a PAGE_*/MEM_* bitmask.
type flagBit struct {
	bit  uint32
	name string
}

var protectionFlagBits = []flagBit{
	{0x01, "PAGE_NOACCESS"},
	{0x02, "PAGE_READONLY"},
	{0x04, "PAGE_READWRITE"},
	{0x08, "PAGE_WRITECOPY"},
	{0x10, "PAGE_EXECUTE"},
	{0x20, "PAGE_EXECUTE_READ"},
	{0x40, "PAGE_EXECUTE_READWRITE"},
	{0x80, "PAGE_EXECUTE_WRITECOPY"},
	{0x100, "PAGE_GUARD"},
	{0x200, "PAGE_NOCACHE"},
	{0x400, "PAGE_WRITECOMBINE"},
}

var memStateFlagBits = []flagBit{
	{0x1000, "MEM_COMMIT"},
	{0x2000, "MEM_RESERVE"},
	{0x10000, "MEM_FREE"},
}

var memTypeFlagBits = []flagBit{
	{0x1000000, "MEM_IMAGE"},
	{0x40000, "MEM_MAPPED"},
	{0x20000, "MEM_PRIVATE"},
}

func protectionFlags(raw uint32) string { return joinSetFlags(raw, protectionFlagBits) }
func memStateFlags(raw uint32) string   { return joinSetFlags(raw, memStateFlagBits) }

func memTypeFlags(raw uint32) string {
	if s := joinSetFlags(raw, memTypeFlagBits); s != "" {
		return s
	}
	return "Unknown"
}

func joinSetFlags(raw uint32, flags []flagBit) string {
	var parts []string
	for _, f := range flags {
		if raw&f.bit != 0 {
			parts = append(parts, f.name)
		}
	}
	return strings.Join(parts, " | ")
}

// AccessViolationExtra renders the access-violation enrichment block:
// operation kind plus, for non-DEP faults, the target page's
// Protect/State/Type flags (spec.md §4.E).
func AccessViolationExtra(r Record, probe *memprobe.Probe) string {
	if len(r.Parameters) < 2 {
		return ""
	}
	kind := r.Parameters[0]
	addr := r.Parameters[1]
	kindStr := accessViolationKind(kind)

	var addrStr string
	if kind == 8 {
		addrStr = fmt.Sprintf("0x%X", addr)
	} else {
		prot, _ := probe.ProtectionOf(addr)
		addrStr = fmt.Sprintf(
			"0x%08X\n- Protect: %s (0x%X)\n- State: %s (0x%X)\n- Type: %s (0x%X)",
			addr,
			protectionFlags(prot.RawProtect), prot.RawProtect,
			memStateFlags(prot.RawState), prot.RawState,
			memTypeFlags(prot.RawType), prot.RawType,
		)
	}
	return fmt.Sprintf("- Access Violation Type: %s\n- Access Violation Address: %s", kindStr, addrStr)
}

// IllegalInstructionExtra renders the 16-bit value at the fault
// address (spec.md §4.E).
func IllegalInstructionExtra(r Record, probe *memprobe.Probe) string {
	var buf [2]byte
	n, ok := probe.ReadBytes(r.Address, buf[:])
	if !ok || n < 2 {
		return fmt.Sprintf("- Illegal Instruction Address: 0x%X\n- Illegal Instruction Code: <unreadable>", r.Address)
	}
	code := uint16(buf[0]) | uint16(buf[1])<<8
	return fmt.Sprintf("- Illegal Instruction Address: 0x%X\n- Illegal Instruction Code: 0x%X", r.Address, code)
}

// ThrowInfo is the minimal result of walking the MSVC C++ EH ABI's
// throw-info -> catchable-type-array -> type-descriptor chain: the
// most-derived thrown type's demangled name, and -- only for a
// standard-library exception -- the string its what() virtual call
// returns.
type ThrowInfo struct {
	TypeName string
	What     string
	HasWhat  bool
}

// ThrowInfoReader abstracts the ABI walk so it can be exercised
// without a live exception: production code walks real throw-info
// structures rebased by the image base carried in exception parameter
// 3 (64-bit only); tests substitute canned results.
type ThrowInfoReader interface {
	ReadThrowInfo(throwInfoAddr, imageBase uintptr) (ThrowInfo, bool)
}

// CxxThrowExtra renders the C++-throw pseudo-exception per spec.md
// §4.E's three output forms.
func CxxThrowExtra(r Record, reader ThrowInfoReader) string {
	if len(r.Parameters) < 3 {
		return "<no SEH data available for this exception>"
	}
	throwInfoAddr := r.Parameters[2]
	info, ok := reader.ReadThrowInfo(throwInfoAddr, r.ImageBase)
	if !ok {
		return "<no SEH data available for this exception>"
	}
	if info.HasWhat {
		return fmt.Sprintf("C++ Exception: %s(%q)", info.TypeName, info.What)
	}
	return fmt.Sprintf("C++ Exception: type '%s'", info.TypeName)
}

// CompatibilityStubExtra renders a missing-import stub trap: the
// parameters carry the module and symbol name verbatim.
func CompatibilityStubExtra(moduleName, symbolName string) string {
	return fmt.Sprintf("- Missing Import: %s!%s", moduleName, symbolName)
}

// HostReasonExtra renders the two host-defined cooperative traps
// (terminate / unreachable): parameters carry a reason string and a
// mod identifier.
func HostReasonExtra(reason, modID string) string {
	return fmt.Sprintf("- Reason: %s\n- Reported By: %s", reason, modID)
}

// Extra dispatches per code, matching exception-codes.cpp's
// getExtraInfo switch. The compatibility-stub and host-reason cases
// need their string payloads passed in separately since they don't
// come from the fixed ExceptionInformation word array the way access
// violation and illegal instruction do; callers that don't have them
// parsed yet should call the dedicated renderer directly instead.
func Extra(r Record, probe *memprobe.Probe) string {
	switch r.Code {
	case AccessViolation:
		return AccessViolationExtra(r, probe)
	case IllegalInstruction:
		return IllegalInstructionExtra(r, probe)
	default:
		return ""
	}
}
