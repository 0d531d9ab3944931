// Package symbols turns a raw address into a human-readable location:
// owning module, offset, function name, and (when available)
// source-file/line. It layers three sources in the order spec.md
// §4.C demands: the OS debug-symbol API, a sideband address->name
// table for the main module, and a last-resort prologue scan.
//
// Grounded on emul/spr.go's switch-by-kind special-register dispatch
// for the layered-fallback shape, and on delve's pkg/proc/stack.go for
// the idea of a small per-address hit cache sitting in front of an
// expensive resolution path.
package symbols

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"

	"github.com/prevter/crashlog/internal/memprobe"
	"github.com/prevter/crashlog/internal/modules"
)

// Hit is the result of resolving one address. Fields are populated
// left-to-right as far as the fallback chain got; everything past the
// point of failure is left at its zero value. Render never returns an
// empty string regardless of which fields are set (spec.md §8,
// invariant 3).
type Hit struct {
	Addr      uintptr
	HasModule bool   // false iff module_of(addr) found no owning module at all
	Module    string // short module name; may be "" even when HasModule is true
	Offset    uintptr // addr - module base; meaningful only if HasModule

	FuncName   string // "" if no symbol, OS or sideband or synthetic, was found
	FuncOffset uintptr

	SourceFile string
	Line       int
}

// DebugSymbols abstracts the OS debug-symbol session (SymFromAddr /
// SymGetLineFromAddr on Windows) so tests can supply a fake session
// without a live process.
type DebugSymbols interface {
	SymbolAt(addr uintptr) (name string, offset uintptr, ok bool)
	LineAt(addr uintptr) (file string, line int, ok bool)
}

// NoDebugSymbols is a DebugSymbols that never has anything loaded,
// matching spec.md §7 error #6: symbol-session init failure degrades
// to "proceeds without line info", not an error.
type NoDebugSymbols struct{}

func (NoDebugSymbols) SymbolAt(uintptr) (string, uintptr, bool) { return "", 0, false }
func (NoDebugSymbols) LineAt(uintptr) (string, int, bool)       { return "", 0, false }

// Resolver combines the module registry, a memory probe (for the
// prologue scan), an OS debug-symbol session, and the two sideband
// tables behind a small LRU cache. The cache is sized generously: a
// crash report walks at most a few hundred distinct addresses, so
// correctness, not eviction pressure, is the concern.
type Resolver struct {
	registry *modules.Registry
	probe    *memprobe.Probe
	dbg      DebugSymbols

	mainSideband   *SidebandTable
	frameworkTable *SidebandTable

	log   *logrus.Entry
	cache *lru.Cache[uintptr, Hit]
}

const defaultCacheSize = 1024

// NewResolver wires a Resolver. Either sideband table may be nil,
// meaning "file absent" (spec.md §7, error #5); the resolver simply
// falls through past that step.
func NewResolver(reg *modules.Registry, probe *memprobe.Probe, dbg DebugSymbols, mainSideband, frameworkSideband *SidebandTable, log *logrus.Entry) *Resolver {
	if dbg == nil {
		dbg = NoDebugSymbols{}
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	cache, _ := lru.New[uintptr, Hit](defaultCacheSize)
	return &Resolver{
		registry:       reg,
		probe:          probe,
		dbg:            dbg,
		mainSideband:   mainSideband,
		frameworkTable: frameworkSideband,
		log:            log,
		cache:          cache,
	}
}

// Resolve returns the cached Hit for addr if one exists, else computes
// and caches it. Every branch is total: there is no error return.
func (r *Resolver) Resolve(addr uintptr) Hit {
	if hit, ok := r.cache.Get(addr); ok {
		return hit
	}
	hit := r.resolveUncached(addr)
	r.cache.Add(addr, hit)
	return hit
}

// Reset drops every cached hit, called by the facade's cleanup.
func (r *Resolver) Reset() {
	r.cache.Purge()
}

func (r *Resolver) resolveUncached(addr uintptr) Hit {
	mod, ok := r.registry.ByAddress(addr)
	if !ok {
		// Step 1: no owning module at all.
		return Hit{Addr: addr}
	}

	hit := Hit{Addr: addr, HasModule: true, Module: mod.Name, Offset: addr - mod.Base}

	// Step 3: OS debug-symbol API.
	if name, off, ok := r.dbg.SymbolAt(addr); ok {
		hit.FuncName = name
		hit.FuncOffset = off
		if file, line, ok := r.dbg.LineAt(addr); ok {
			hit.SourceFile = file
			hit.Line = line
		}
		return hit
	}

	main, hasMain := r.registry.MainModule()
	if hasMain && mod.Base == main.Base {
		// Step 4: sideband table, keyed relative to the main module base.
		if name, ok := r.mainSideband.Lookup(hit.Offset); ok {
			hit.FuncName = name
			return hit
		}
		if r.probe != nil {
			if entry, ok := r.probe.FindMethodStart(addr, 0); ok {
				lo, hi := entry-mod.Base, addr-mod.Base
				if off, name, ok := r.mainSideband.NearestAtOrBelow(lo, hi); ok {
					hit.FuncName = name
					hit.FuncOffset = hit.Offset - off
					return hit
				}
				hit.FuncName = fmt.Sprintf("<0x%X>", entry-mod.Base)
				hit.FuncOffset = addr - entry
				return hit
			}
		}
		return hit
	}

	// Framework DLL gets the same sideband treatment as the main module,
	// keyed relative to its own base, per spec.md §6's second table.
	if r.frameworkTable != nil && !r.frameworkTable.Empty() {
		if name, ok := r.frameworkTable.Lookup(hit.Offset); ok {
			hit.FuncName = name
			return hit
		}
	}

	// Step 5: last resort, prologue scan anchored synthetic name.
	if r.probe != nil {
		if entry, ok := r.probe.FindMethodStart(addr, 0); ok {
			hit.FuncName = fmt.Sprintf("<0x%X>", entry-mod.Base)
			hit.FuncOffset = addr - entry
			return hit
		}
	}
	return hit
}

// Render formats a Hit per spec.md §4.C. The four cases are
// distinguished by which fields actually carry information:
//
//   - no owning module at all        -> bare hex of the raw address
//   - module found but unnamed       -> addr + module offset, no name
//   - module named, no symbol        -> module + offset
//   - module named, symbol resolved  -> module + offset (name+func-offset)
func Render(h Hit) string {
	if !h.HasModule {
		return fmt.Sprintf("0x%08X", h.Addr)
	}
	if h.Module == "" {
		return fmt.Sprintf("0x%08X+0x%X", h.Addr, h.Offset)
	}
	if h.FuncName == "" {
		return fmt.Sprintf("%s+0x%X", h.Module, h.Offset)
	}
	return fmt.Sprintf("%s+0x%X (%s+0x%x)", h.Module, h.Offset, h.FuncName, h.FuncOffset)
}
