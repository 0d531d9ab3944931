package symbols

import (
	"strings"
	"testing"

	"github.com/prevter/crashlog/internal/memprobe"
	"github.com/prevter/crashlog/internal/modules"
)

// fakeMemSource backs a memprobe.Probe with a flat in-memory address
// space, mirroring internal/memprobe's own test double.
type fakeMemSource struct {
	bytes map[uintptr]byte
}

func newFakeMemSource() *fakeMemSource { return &fakeMemSource{bytes: map[uintptr]byte{}} }

func (f *fakeMemSource) write(addr uintptr, data []byte) {
	for i, b := range data {
		f.bytes[addr+uintptr(i)] = b
	}
}

func (f *fakeMemSource) Read(addr uintptr, buf []byte) (int, bool) {
	n := 0
	for n < len(buf) {
		b, ok := f.bytes[addr+uintptr(n)]
		if !ok {
			break
		}
		buf[n] = b
		n++
	}
	return n, n > 0
}

func (f *fakeMemSource) Protect(uintptr) (memprobe.Protection, bool) { return memprobe.Protection{}, false }
func (f *fakeMemSource) ModuleAt(uintptr) (uintptr, bool)            { return 0, false }
func (f *fakeMemSource) ModulePath(uintptr) (string, bool)          { return "", false }

type fixedEnumerator struct{ mods []modules.Module }

func (f fixedEnumerator) Enumerate() ([]modules.Module, error) { return f.mods, nil }

type fakeDebugSymbols struct {
	symbols map[uintptr]struct {
		name string
		off  uintptr
	}
	lines map[uintptr]struct {
		file string
		line int
	}
}

func newFakeDebugSymbols() *fakeDebugSymbols {
	return &fakeDebugSymbols{
		symbols: map[uintptr]struct {
			name string
			off  uintptr
		}{},
		lines: map[uintptr]struct {
			file string
			line int
		}{},
	}
}

func (f *fakeDebugSymbols) SymbolAt(addr uintptr) (string, uintptr, bool) {
	s, ok := f.symbols[addr]
	return s.name, s.off, ok
}

func (f *fakeDebugSymbols) LineAt(addr uintptr) (string, int, bool) {
	l, ok := f.lines[addr]
	return l.file, l.line, ok
}

func newTestRegistry(t *testing.T, mods []modules.Module) *modules.Registry {
	t.Helper()
	r := modules.NewRegistry()
	if err := r.Populate(fixedEnumerator{mods: mods}); err != nil {
		t.Fatalf("Populate: %v", err)
	}
	return r
}

func sampleModule() []modules.Module {
	return []modules.Module{
		{Handle: 1, Name: "GeometryDash.exe", Base: 0x00400000, Size: 0x00100000},
		{Handle: 2, Name: "libcocos2d.dll", Base: 0x10000000, Size: 0x00500000},
	}
}

// Step 1: address with no owning module at all.
func TestResolveNoModule(t *testing.T) {
	reg := newTestRegistry(t, sampleModule())
	r := NewResolver(reg, nil, nil, nil, nil, nil)

	hit := r.Resolve(0xDEADBEEF)
	if hit.HasModule {
		t.Fatalf("expected no module for an address outside every mapping")
	}
	if got, want := Render(hit), "0xDEADBEEF"; got != want {
		t.Errorf("Render = %q, want %q", got, want)
	}
}

// Step 3: OS debug-symbol API hit wins over everything else.
func TestResolveOSDebugSymbolHit(t *testing.T) {
	reg := newTestRegistry(t, sampleModule())
	dbg := newFakeDebugSymbols()
	dbg.symbols[0x00401234] = struct {
		name string
		off  uintptr
	}{name: "PlayLayer::update", off: 0x10}
	dbg.lines[0x00401234] = struct {
		file string
		line int
	}{file: "PlayLayer.cpp", line: 42}

	r := NewResolver(reg, nil, dbg, nil, nil, nil)
	hit := r.Resolve(0x00401234)
	if hit.FuncName != "PlayLayer::update" || hit.FuncOffset != 0x10 {
		t.Fatalf("hit = %+v", hit)
	}
	if hit.SourceFile != "PlayLayer.cpp" || hit.Line != 42 {
		t.Errorf("missing line info: %+v", hit)
	}
	want := "GeometryDash.exe+0x1234 (PlayLayer::update+0x10)"
	if got := Render(hit); got != want {
		t.Errorf("Render = %q, want %q", got, want)
	}
}

// Step 4: main-module sideband table exact hit, no OS symbol available.
func TestResolveSidebandExactHit(t *testing.T) {
	reg := newTestRegistry(t, sampleModule())
	main, err := ParseSidebandTable(strings.NewReader("PlayLayer::init() - 2000\n"))
	if err != nil {
		t.Fatal(err)
	}
	r := NewResolver(reg, nil, nil, main, nil, nil)

	hit := r.Resolve(0x00402000)
	if hit.FuncName != "PlayLayer::init()" || hit.FuncOffset != 0 {
		t.Fatalf("hit = %+v", hit)
	}
}

// Step 4 miss -> prologue-gated fallback, table has an entry in range.
func TestResolveSidebandPrologueGatedFallback(t *testing.T) {
	reg := newTestRegistry(t, sampleModule())
	main, err := ParseSidebandTable(strings.NewReader("PlayLayer::init() - 2000\n"))
	if err != nil {
		t.Fatal(err)
	}

	mem := newFakeMemSource()
	// Function entry at module offset 0x2000 (absolute 0x402000);
	// prologue byte pair CC 55 sits just before it.
	mem.write(0x00401FFF, []byte{0xCC, 0x55})
	probe := memprobe.New(mem, nil)

	r := NewResolver(reg, probe, nil, main, nil, nil)
	hit := r.Resolve(0x00402010) // 16 bytes into the function, no OS symbol
	if hit.FuncName != "PlayLayer::init()" {
		t.Fatalf("hit = %+v, want sideband name via prologue-gated fallback", hit)
	}
	if hit.FuncOffset != 0x10 {
		t.Errorf("FuncOffset = 0x%X, want 0x10", hit.FuncOffset)
	}
}

// Step 4 miss, prologue scan succeeds but no table entry at all covers
// the recovered range -> synthetic <0xHH> name.
func TestResolveSyntheticFromPrologueScan(t *testing.T) {
	reg := newTestRegistry(t, sampleModule())
	main, _ := ParseSidebandTable(strings.NewReader(""))

	mem := newFakeMemSource()
	mem.write(0x00401FFF, []byte{0xCC, 0x55})
	probe := memprobe.New(mem, nil)

	r := NewResolver(reg, probe, nil, main, nil, nil)
	hit := r.Resolve(0x00402010)
	if hit.FuncName != "<0x2000>" {
		t.Fatalf("FuncName = %q, want synthetic <0x2000>", hit.FuncName)
	}
	if hit.FuncOffset != 0x10 {
		t.Errorf("FuncOffset = 0x%X, want 0x10", hit.FuncOffset)
	}
}

// Step 5: module known but it isn't the main module and no debug
// symbol applies, so resolution falls to a bare prologue scan.
func TestResolveNonMainModulePrologueScan(t *testing.T) {
	reg := newTestRegistry(t, sampleModule())
	mem := newFakeMemSource()
	mem.write(0x0FFFFFFF, []byte{0xCC, 0x40})
	probe := memprobe.New(mem, nil)

	r := NewResolver(reg, probe, nil, nil, nil, nil)
	hit := r.Resolve(0x10000020)
	if hit.Module != "libcocos2d.dll" {
		t.Fatalf("hit = %+v", hit)
	}
	// Entry recovered at the module base itself (offset 0), 0x20 bytes
	// before the faulting address.
	if hit.FuncName != "<0x0>" || hit.FuncOffset != 0x20 {
		t.Fatalf("hit = %+v, want FuncName <0x0> FuncOffset 0x20", hit)
	}
}

// Module known, nothing at all resolves (no probe wired) -> module+offset.
func TestResolveModuleOnlyNoSymbol(t *testing.T) {
	reg := newTestRegistry(t, sampleModule())
	r := NewResolver(reg, nil, nil, nil, nil, nil)

	hit := r.Resolve(0x10000100)
	if hit.FuncName != "" {
		t.Fatalf("expected no symbol, got %q", hit.FuncName)
	}
	want := "libcocos2d.dll+0x100"
	if got := Render(hit); got != want {
		t.Errorf("Render = %q, want %q", got, want)
	}
}

// Invariant 3 (spec.md §8): render(hit) is never empty, across every
// fallback shape including the all-zero-value Hit.
func TestRenderNeverEmpty(t *testing.T) {
	hits := []Hit{
		{},
		{Addr: 0x1234},
		{Addr: 0x1234, HasModule: true},
		{Addr: 0x1234, HasModule: true, Module: "x.dll", Offset: 4},
		{Addr: 0x1234, HasModule: true, Module: "x.dll", Offset: 4, FuncName: "f", FuncOffset: 1},
	}
	for _, h := range hits {
		if Render(h) == "" {
			t.Errorf("Render(%+v) returned empty string", h)
		}
	}
}

func TestResolveCachesResult(t *testing.T) {
	reg := newTestRegistry(t, sampleModule())
	dbg := newFakeDebugSymbols()
	dbg.symbols[0x00401000] = struct {
		name string
		off  uintptr
	}{name: "f", off: 0}

	r := NewResolver(reg, nil, dbg, nil, nil, nil)
	first := r.Resolve(0x00401000)

	delete(dbg.symbols, 0x00401000)
	second := r.Resolve(0x00401000)
	if second != first {
		t.Errorf("second Resolve should return the cached hit, got %+v want %+v", second, first)
	}

	r.Reset()
	third := r.Resolve(0x00401000)
	if third.FuncName != "" {
		t.Errorf("Reset should drop the cache, got %+v", third)
	}
}
