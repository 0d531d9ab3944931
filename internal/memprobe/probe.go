// Package memprobe answers questions about arbitrary memory addresses —
// readable? a C string? executable? which module owns it? — without
// ever letting a bad address take down the analyzer itself.
//
// Every exported method is total: given garbage input it returns a
// negative answer instead of propagating an error or panicking. This
// mirrors the teacher's translate/loadWord pair (emul/memory.go), which
// turns an invalid virtual address into a raised CPU exception rather
// than a Go error — here the "exception" is simply "false".
package memprobe

import (
	"unsafe"

	"github.com/sirupsen/logrus"
)

// Protection describes the permissions of the page containing an
// address. The bool fields are what the probe itself needs; RawProtect/
// RawState/RawType carry the underlying OS values through so a
// consumer that wants the symbolic PAGE_*/MEM_* names for an access
// violation's target page (spec.md §4.E) doesn't need a second query.
type Protection struct {
	Committed  bool
	Readable   bool
	Writable   bool
	Executable bool

	RawProtect uint32
	RawState   uint32
	RawType    uint32
}

// Source abstracts the OS-level memory introspection a Probe needs.
// Production code wires a real implementation that queries the host
// process (see source_windows.go); tests wire a fake address space so
// the spec's literal scenarios (S1-S6) can be reproduced deterministically.
type Source interface {
	// Read copies up to len(buf) bytes starting at addr into buf,
	// without faulting the caller on an invalid address. ok is false
	// if addr is entirely unreadable; n may be less than len(buf) if
	// only part of the range is mapped.
	Read(addr uintptr, buf []byte) (n int, ok bool)

	// Protect reports the permissions of the page covering addr.
	Protect(addr uintptr) (Protection, bool)

	// ModuleAt resolves the module (if any) that owns addr.
	ModuleAt(addr uintptr) (handle uintptr, ok bool)

	// ModulePath returns the on-disk path of a module handle.
	ModulePath(handle uintptr) (string, bool)
}

const (
	maxCStringLen = 1024
	prologueMax   = 0x1000
)

// Probe is the stateless façade over a Source. It holds no per-analysis
// state of its own; the Analyzer facade (internal/analyzer) owns one
// per analysis pass purely so production code and tests can swap the
// underlying Source.
type Probe struct {
	src Source
	log *logrus.Entry
}

// New builds a Probe over the given Source.
func New(src Source, log *logrus.Entry) *Probe {
	if log == nil {
		log = logrus.NewEntry(logrus.New())
	}
	return &Probe{src: src, log: log}
}

// IsReadable reports whether the page covering addr is committed.
func (p *Probe) IsReadable(addr uintptr) bool {
	if addr == 0 {
		return false
	}
	prot, ok := p.src.Protect(addr)
	return ok && prot.Committed
}

// IsCode reports whether addr lies on a page with any execute permission.
func (p *Probe) IsCode(addr uintptr) bool {
	if addr == 0 {
		return false
	}
	prot, ok := p.src.Protect(addr)
	return ok && prot.Committed && prot.Executable
}

// IsCString reports whether addr begins a NUL-terminated, printable,
// reasonably short C string: readable, length to the first NUL in
// [1, 1024), every byte before the NUL printable ASCII or \n/\r.
func (p *Probe) IsCString(addr uintptr) bool {
	s, ok := p.ReadCString(addr)
	return ok && len(s) > 0
}

// ReadCString reads the string content at addr, applying the same
// bounds as IsCString. Used by the value classifier to avoid a second
// pass over the same bytes.
func (p *Probe) ReadCString(addr uintptr) (string, bool) {
	if !p.IsReadable(addr) {
		return "", false
	}
	var buf [maxCStringLen]byte
	n, ok := p.src.Read(addr, buf[:])
	if !ok || n == 0 {
		return "", false
	}
	nul := -1
	for i := 0; i < n; i++ {
		if buf[i] == 0 {
			nul = i
			break
		}
	}
	if nul <= 0 || nul >= maxCStringLen {
		return "", false
	}
	for i := 0; i < nul; i++ {
		c := buf[i]
		if c == '\n' || c == '\r' {
			continue
		}
		if c < 0x20 || c > 0x7e {
			return "", false
		}
	}
	return string(buf[:nul]), true
}

// pointerSize is the compile-time target width (4 on x86, 8 on x86_64).
const pointerSize = unsafe.Sizeof(uintptr(0))

// ReadWord dereferences one pointer-sized word at addr, the building
// block the value classifier uses to follow a pointer chain. It never
// reads past what IsReadable has already confirmed mapped.
func (p *Probe) ReadWord(addr uintptr) (uintptr, bool) {
	if !p.IsReadable(addr) {
		return 0, false
	}
	var buf [8]byte
	n, ok := p.src.Read(addr, buf[:pointerSize])
	if !ok || uintptr(n) < pointerSize {
		return 0, false
	}
	var v uintptr
	for i := int(pointerSize) - 1; i >= 0; i-- {
		v = v<<8 | uintptr(buf[i])
	}
	return v, true
}

// ProtectionOf exposes the raw page protection for addr, for callers
// (the exception classifier's access-violation enrichment) that need
// the symbolic PAGE_*/MEM_* names rather than the probe's own
// readable/writable/executable summary.
func (p *Probe) ProtectionOf(addr uintptr) (Protection, bool) {
	return p.src.Protect(addr)
}

// ReadBytes is a direct, ungated pass-through to the Source: like
// Source.Read itself it never faults, it just returns fewer bytes (or
// none) when the range isn't fully mapped.
func (p *Probe) ReadBytes(addr uintptr, buf []byte) (int, bool) {
	return p.src.Read(addr, buf)
}

// ModuleOf queries the OS for the module covering addr.
func (p *Probe) ModuleOf(addr uintptr) (uintptr, bool) {
	if addr == 0 {
		return 0, false
	}
	return p.src.ModuleAt(addr)
}

// ModuleName renders the short (base, no directory) name of a module
// handle, falling back to a synthetic label on failure.
func (p *Probe) ModuleName(handle uintptr) string {
	path, ok := p.src.ModulePath(handle)
	if !ok || path == "" {
		return unknownModuleLabel(handle)
	}
	return baseName(path)
}

func unknownModuleLabel(handle uintptr) string {
	return "<Unknown: 0x" + hex(uint64(handle)) + ">"
}

func baseName(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '\\' || path[i] == '/' {
			return path[i+1:]
		}
	}
	return path
}

func hex(v uint64) string {
	const digits = "0123456789ABCDEF"
	if v == 0 {
		return "0"
	}
	var buf [16]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = digits[v&0xF]
		v >>= 4
	}
	return string(buf[i:])
}

// FindMethodStart walks backwards from addr, up to maxOffset bytes,
// looking for the architecture's function-prologue pattern immediately
// following an int3 (0xCC) padding byte. It is the last-resort recovery
// of a function entry point when no debug symbols or sideband table
// entry cover addr — see internal/symbols for its callers.
//
// The accepted pairs are "CC 55" (push ebp), "CC E9" (hook jmp), and
// "CC 40" / "CC 48" (64-bit REX forms). The set is not narrowed by
// target width: all four match on both 32-bit and 64-bit builds. On a
// match the function entry is addr-offset+1. Bytes are read through
// Source.Read, which never faults and reports unmapped bytes as not
// read, so a prologue hunt skips positions on an unmapped page instead
// of panicking.
func (p *Probe) FindMethodStart(addr uintptr, maxOffset uintptr) (uintptr, bool) {
	if maxOffset == 0 || maxOffset > prologueMax {
		maxOffset = prologueMax
	}
	if addr < 2 {
		return 0, false
	}
	limit := maxOffset
	if addr < limit {
		limit = addr
	}
	for offset := uintptr(1); offset <= limit; offset++ {
		ccAddr := addr - offset
		var pair [2]byte
		n, ok := p.src.Read(ccAddr, pair[:])
		if !ok || n < 2 {
			continue
		}
		if pair[0] != 0xCC {
			continue
		}
		if isPrologueSecondByte(pair[1]) {
			return ccAddr + 1, true
		}
	}
	return 0, false
}

func isPrologueSecondByte(b byte) bool {
	switch b {
	case 0x55, 0xE9: // push ebp / hook jmp (32-bit), jmp (shared with 64-bit)
		return true
	case 0x40, 0x48: // REX prefix variants (64-bit push rbp forms)
		return true
	}
	return false
}
