// Package stackscan produces a fixed-size forensic dump of raw stack
// words near the stack pointer, each annotated with its classified
// type and description via internal/classify. It is strictly
// read-only display data, never consulted for control flow -- the
// same "just dump what's there" spirit as emul/trace.go's
// printSpecialRegisters.
package stackscan

import (
	"unsafe"

	"github.com/prevter/crashlog/internal/classify"
)

// DefaultWindowSize is the stack-word window width. spec.md §4.H
// calls out N=32 as the default, adjustable window.
const DefaultWindowSize = 32

// StackWord is one annotated word of stack memory (spec.md §3).
type StackWord struct {
	Address     uintptr
	Value       uintptr
	Type        classify.ValueType
	Description string
}

// WordReader abstracts reading one pointer-sized word of stack
// memory; internal/memprobe.Probe.ReadWord satisfies this directly.
type WordReader interface {
	ReadWord(addr uintptr) (uintptr, bool)
}

// Scan reads windowSize consecutive pointer-sized words starting at sp,
// stepping by the build's pointer width (4 on x86, 8 on x86_64);
// ScanStrided takes an explicit stride instead.
// windowSize <= 0 uses DefaultWindowSize. Unreadable words are
// included with a zero Value and Unknown type rather than truncating
// the window -- the gap itself is forensically useful (it shows where
// the mapped stack ends).
func Scan(sp uintptr, windowSize int, reader WordReader, classifier *classify.Classifier) []StackWord {
	return ScanStrided(sp, windowSize, int(unsafe.Sizeof(uintptr(0))), reader, classifier)
}

// ScanStrided is Scan with an explicit word stride (4 on x86, 8 on
// x86_64).
func ScanStrided(sp uintptr, windowSize, stride int, reader WordReader, classifier *classify.Classifier) []StackWord {
	if windowSize <= 0 {
		windowSize = DefaultWindowSize
	}
	if stride <= 0 {
		stride = 4
	}
	words := make([]StackWord, windowSize)
	for i := 0; i < windowSize; i++ {
		addr := sp + uintptr(i*stride)
		words[i] = annotate(addr, reader, classifier)
	}
	return words
}

func annotate(addr uintptr, reader WordReader, classifier *classify.Classifier) StackWord {
	value, ok := reader.ReadWord(addr)
	if !ok {
		return StackWord{Address: addr, Type: classify.Unknown}
	}
	word := StackWord{Address: addr, Value: value}
	if classifier != nil {
		word.Type, word.Description = classifier.Describe(addr)
	}
	return word
}
