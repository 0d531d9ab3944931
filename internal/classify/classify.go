// Package classify guesses what an arbitrary memory word actually is
// -- a string, a function, a pointer chain, or plain data -- using the
// same kind-by-kind dispatch the teacher's disassembler uses to decode
// an opcode byte (emul/disasm.go).
package classify

import (
	"fmt"

	"github.com/prevter/crashlog/internal/memprobe"
	"github.com/prevter/crashlog/internal/symbols"
)

// ValueType is the outcome of Classify.
type ValueType int

const (
	Unknown ValueType = iota
	String
	Function
	FrameworkObject
	Pointer
)

func (v ValueType) String() string {
	switch v {
	case String:
		return "String"
	case Function:
		return "Function"
	case FrameworkObject:
		return "FrameworkObject"
	case Pointer:
		return "Pointer"
	default:
		return "Unknown"
	}
}

// maxChainDepth bounds the recursive pointer-chain walk in Describe
// (spec.md §4.D): ten hops is enough to show real chains while
// guaranteeing termination against a cycle.
const maxChainDepth = 10

// FrameworkDetector is the optional, compile-time-gated RTTI probe for
// "is this a reflective base-class instance" (spec.md §4.D). Hosts
// that don't ship a reflective base class simply never wire one; a
// nil detector makes Classify skip straight to Pointer.
type FrameworkDetector interface {
	// Detect reports whether addr looks like an instance of the
	// framework's base class, and if so its demangled dynamic type
	// name. Any failure, including a caught fault, must yield false --
	// this is probed speculatively against attacker-controlled memory.
	Detect(addr uintptr) (typeName string, ok bool)
}

// Classifier answers what a given address holds, backed by a memory
// probe for readability/code/string checks and a symbol resolver for
// rendering function hits.
type Classifier struct {
	probe    *memprobe.Probe
	resolver *symbols.Resolver
	detector FrameworkDetector
}

// New builds a Classifier. detector may be nil.
func New(probe *memprobe.Probe, resolver *symbols.Resolver, detector FrameworkDetector) *Classifier {
	return &Classifier{probe: probe, resolver: resolver, detector: detector}
}

// Classify implements spec.md §4.D's ordered dispatch. Invariant 1:
// the result is Unknown iff addr is not readable.
func (c *Classifier) Classify(addr uintptr) ValueType {
	if !c.probe.IsReadable(addr) {
		return Unknown
	}
	if c.probe.IsCString(addr) {
		return String
	}
	if c.probe.IsCode(addr) {
		return Function
	}
	if c.detector != nil {
		if _, ok := c.detector.Detect(addr); ok {
			return FrameworkObject
		}
	}
	return Pointer
}

// Describe renders addr per its classified kind (spec.md §4.D).
func (c *Classifier) Describe(addr uintptr) (ValueType, string) {
	switch t := c.Classify(addr); t {
	case String:
		s, _ := c.probe.ReadCString(addr)
		return t, fmt.Sprintf("&%q", s)
	case Function:
		return t, symbols.Render(c.resolver.Resolve(addr))
	case FrameworkObject:
		name := "<unknown type>"
		if c.detector != nil {
			if n, ok := c.detector.Detect(addr); ok {
				name = n
			}
		}
		return t, name + "*"
	case Pointer:
		return t, c.describeChain(addr, 0)
	default:
		return t, describeUnknown(addr)
	}
}

// describeChain follows a pointer chain, rendering a "-> 0xHH ..."
// trail bounded by maxChainDepth. It never follows an unreadable
// target and is safe to call reentrantly since it carries no shared
// state.
func (c *Classifier) describeChain(addr uintptr, depth int) string {
	value, ok := c.probe.ReadWord(addr)
	if !ok {
		return fmt.Sprintf("-> 0x%X", uintptr(0))
	}
	if depth >= maxChainDepth-1 {
		return fmt.Sprintf("-> 0x%X [...]", value)
	}

	switch c.Classify(value) {
	case Function:
		return fmt.Sprintf("-> 0x%X -> %s", value, symbols.Render(c.resolver.Resolve(value)))
	case String:
		s, _ := c.probe.ReadCString(value)
		return fmt.Sprintf("-> 0x%X -> &%q", value, s)
	case Pointer:
		return fmt.Sprintf("-> 0x%X %s", value, c.describeChain(value, depth+1))
	default:
		return fmt.Sprintf("-> 0x%X", value)
	}
}

// describeUnknown renders the raw word as both signed and unsigned
// decimal, per spec.md §4.D's Unknown case. The Classifier has
// already established addr is unreadable by this point, so the
// "unknown" word is whatever the caller already has in hand; callers
// pass the raw address itself as the word being rendered (there is
// nothing to dereference once classification has bottomed out).
func describeUnknown(word uintptr) string {
	return fmt.Sprintf("%di | %du", int64(word), uint64(word))
}
