// Package cpucontext normalizes the platform thread-context snapshot
// captured at fault time into an architecture-independent view:
// general registers, CPU flag bits, and (64-bit only) vector
// registers. Each general register is additionally classified and
// described via internal/classify so the report can show "10020000
// (&"hello")" instead of a bare hex word.
//
// Flag bit positions are grounded on
// other_examples/ba2dc950_IntuitionAmiga-IntuitionEngine__cpu_x86.go's
// x86Flag* constants; the packed-word decode idiom itself mirrors
// emul/cpu.go's getFlags/setFlags pair.
package cpucontext

import (
	"fmt"
	"math"

	"github.com/prevter/crashlog/internal/classify"
)

// Arch selects which general-register set Capture produces.
type Arch int

const (
	ArchX86 Arch = iota
	ArchX86_64
)

// Flag bit positions within the flags word (spec.md §3).
const (
	bitCF = 1 << 0
	bitPF = 1 << 2
	bitAF = 1 << 4
	bitZF = 1 << 6
	bitSF = 1 << 7
	bitTF = 1 << 8
	bitIF = 1 << 9
	bitDF = 1 << 10
	bitOF = 1 << 11
)

// flagOrder is the fixed iteration order spec.md's FlagBit set uses.
var flagOrder = []struct {
	name string
	bit  uint32
}{
	{"CF", bitCF}, {"PF", bitPF}, {"AF", bitAF}, {"ZF", bitZF}, {"SF", bitSF},
	{"TF", bitTF}, {"IF", bitIF}, {"DF", bitDF}, {"OF", bitOF},
}

// FlagBit is one named bit of the flags word.
type FlagBit struct {
	Name string
	Set  bool
}

// DecodeFlags expands a raw flags word into the fixed, ordered bit set.
func DecodeFlags(word uint32) []FlagBit {
	out := make([]FlagBit, len(flagOrder))
	for i, f := range flagOrder {
		out[i] = FlagBit{Name: f.name, Set: word&f.bit != 0}
	}
	return out
}

// RegisterSlot is one general-purpose register, classified and
// described against the raw word it held at fault time.
type RegisterSlot struct {
	Name        string
	RawWord     uintptr
	Type        classify.ValueType
	Description string
}

// VectorRegister is one 64-bit-only XMM register, exposed as four
// IEEE-754 single-precision lanes plus the hi/lo 64-bit halves.
type VectorRegister struct {
	Name    string
	Lanes   [4]float32
	HiLo    string // "{hi:016X} {lo:016X}"
}

// RawContext is the platform thread-context snapshot, reduced to the
// words Capture needs. Production code fills this from a Windows
// CONTEXT structure (x86: Eax..Edi/Esp/Ebp/Eip; x86_64: Rax..R15/
// Rsp/Rbp/Rip, plus the Xmm0..Xmm7 save area); tests build one by hand.
type RawContext struct {
	Arch  Arch
	Flags uint32

	GP map[string]uintptr // register name -> raw word, architecture's full set

	// XMM holds each vector register's 128 bits as two uint64 halves
	// (low 64 bits first), present only when Arch == ArchX86_64.
	XMM [8][2]uint64
}

func x86Registers() []string {
	return []string{"EAX", "EBX", "ECX", "EDX", "ESI", "EDI", "EBP", "ESP", "EIP"}
}

func x86_64Registers() []string {
	regs := []string{"RAX", "RBX", "RCX", "RDX", "RBP", "RSP", "RDI", "RSI"}
	for i := 8; i <= 15; i++ {
		regs = append(regs, fmt.Sprintf("R%d", i))
	}
	return append(regs, "RIP")
}

// Capture normalizes a RawContext into registers, flags, and (on
// x86_64) vector registers. classifier may be nil, in which case
// every RegisterSlot's Type/Description are left at their zero value
// -- useful for callers (e.g. the disassembly window) that only need
// the raw words.
func Capture(raw RawContext, classifier *classify.Classifier) ([]RegisterSlot, []FlagBit, []VectorRegister) {
	names := x86Registers()
	if raw.Arch == ArchX86_64 {
		names = x86_64Registers()
	}

	regs := make([]RegisterSlot, 0, len(names))
	for _, name := range names {
		word := raw.GP[name]
		slot := RegisterSlot{Name: name, RawWord: word}
		if classifier != nil {
			t, desc := classifier.Describe(word)
			slot.Type = t
			slot.Description = desc
		}
		regs = append(regs, slot)
	}

	flags := DecodeFlags(raw.Flags)

	var vectors []VectorRegister
	if raw.Arch == ArchX86_64 {
		vectors = make([]VectorRegister, 8)
		for i := 0; i < 8; i++ {
			lo, hi := raw.XMM[i][0], raw.XMM[i][1]
			vectors[i] = VectorRegister{
				Name:  "XMM" + string(rune('0'+i)),
				Lanes: [4]float32{
					float32FromBits(uint32(lo)),
					float32FromBits(uint32(lo >> 32)),
					float32FromBits(uint32(hi)),
					float32FromBits(uint32(hi >> 32)),
				},
				HiLo: hexLoHi(hi, lo),
			}
		}
	}

	return regs, flags, vectors
}

func float32FromBits(bits uint32) float32 {
	return math.Float32frombits(bits)
}

func hexLoHi(hi, lo uint64) string {
	return fmt.Sprintf("%016X %016X", hi, lo)
}
