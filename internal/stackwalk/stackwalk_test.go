package stackwalk

import (
	"testing"

	"github.com/prevter/crashlog/internal/memprobe"
	"github.com/prevter/crashlog/internal/modules"
	"github.com/prevter/crashlog/internal/symbols"
)

type emptySource struct{}

func (emptySource) Read(uintptr, []byte) (int, bool)            { return 0, false }
func (emptySource) Protect(uintptr) (memprobe.Protection, bool) { return memprobe.Protection{}, false }
func (emptySource) ModuleAt(uintptr) (uintptr, bool)            { return 0, false }
func (emptySource) ModulePath(uintptr) (string, bool)           { return "", false }

type emptyEnumerator struct{}

func (emptyEnumerator) Enumerate() ([]modules.Module, error) { return nil, nil }

func newTestResolver(t *testing.T) *symbols.Resolver {
	t.Helper()
	probe := memprobe.New(emptySource{}, nil)
	reg := modules.NewRegistry()
	if err := reg.Populate(emptyEnumerator{}); err != nil {
		t.Fatal(err)
	}
	return symbols.NewResolver(reg, probe, nil, nil, nil, nil)
}

// chainUnwinder walks a fixed, hand-built chain of (pc, sp, fp) ->
// (pc, sp, fp) transitions, terminating when the current pc has no
// entry.
type chainUnwinder struct {
	next map[uintptr]struct {
		pc, sp, fp uintptr
	}
}

func (c chainUnwinder) Next(pc, sp, fp uintptr) (uintptr, uintptr, uintptr, bool) {
	n, ok := c.next[pc]
	return n.pc, n.sp, n.fp, ok
}

func TestWalkStopsAtZeroPC(t *testing.T) {
	w := New(newTestResolver(t), nil, chainUnwinder{next: map[uintptr]struct{ pc, sp, fp uintptr }{
		0x1000: {0x2000, 0x1000, 0x2000},
		0x2000: {0, 0, 0},
	}})

	frames := w.Walk(0x1000, 0, 0x1000)
	if len(frames) != 2 {
		t.Fatalf("got %d frames, want 2", len(frames))
	}
	if frames[0].Address != 0x1000 || frames[1].Address != 0x2000 {
		t.Errorf("frames = %+v", frames)
	}
}

func TestWalkStopsWhenUnwinderFails(t *testing.T) {
	w := New(newTestResolver(t), nil, chainUnwinder{next: map[uintptr]struct{ pc, sp, fp uintptr }{}})
	frames := w.Walk(0x1000, 0, 0x1000)
	if len(frames) != 1 {
		t.Fatalf("got %d frames, want 1 (the starting frame only)", len(frames))
	}
}

// Invariant 7: a stalled frame pointer (unchanged across a step) must
// terminate the walk rather than loop forever.
func TestWalkTerminatesOnStalledFramePointer(t *testing.T) {
	w := New(newTestResolver(t), nil, chainUnwinder{next: map[uintptr]struct{ pc, sp, fp uintptr }{
		0x1000: {0x2000, 0x1000, 0x1000}, // FP unchanged: 0x1000 -> 0x1000
	}})
	frames := w.Walk(0x1000, 0, 0x1000)
	if len(frames) != 1 {
		t.Fatalf("got %d frames, want the walk to stop after the first frame", len(frames))
	}
}

type panickyUnwinder struct{}

func (panickyUnwinder) Next(uintptr, uintptr, uintptr) (uintptr, uintptr, uintptr, bool) {
	panic("simulated corrupted frame")
}

// A panic inside the unwinder must never escape the walker.
func TestWalkRecoversFromUnwinderPanic(t *testing.T) {
	w := New(newTestResolver(t), nil, panickyUnwinder{})
	frames := w.Walk(0x1000, 0, 0x1000)
	if len(frames) != 1 {
		t.Fatalf("got %d frames, want 1", len(frames))
	}
}

type fakeHook struct {
	covers map[uintptr]bool
	base   uintptr
	target struct{ pc, sp, fp uintptr }
}

func (h fakeHook) Covers(pc uintptr) bool                { return h.covers[pc] }
func (h fakeHook) ModuleBase(uintptr) (uintptr, bool)     { return h.base, true }
func (h fakeHook) Next(uintptr, uintptr, uintptr) (uintptr, uintptr, uintptr, bool) {
	return h.target.pc, h.target.sp, h.target.fp, true
}

// The walker must consult a covering hook instead of the default
// unwinder for PCs the hook claims.
func TestWalkConsultsHookBeforeDefault(t *testing.T) {
	hook := fakeHook{covers: map[uintptr]bool{0x9000: true}, base: 0x9000}
	hook.target = struct{ pc, sp, fp uintptr }{0xA000, 0x10, 0x20}

	defaultUnwind := chainUnwinder{next: map[uintptr]struct{ pc, sp, fp uintptr }{
		0x9000: {0xDEAD, 0, 0}, // should never be consulted
	}}

	w := New(newTestResolver(t), nil, defaultUnwind, hook)
	frames := w.Walk(0x9000, 0, 0x1)
	if len(frames) != 2 || frames[1].Address != 0xA000 {
		t.Fatalf("frames = %+v, want second frame at 0xA000 (via hook)", frames)
	}
}

func TestModuleBaseForPrefersHook(t *testing.T) {
	hook := fakeHook{covers: map[uintptr]bool{0x9000: true}, base: 0x7000}
	base, ok := ModuleBaseFor(0x9000, []FunctionTableHook{hook}, func(uintptr) (uintptr, bool) {
		t.Fatalf("fallback should not be consulted when a hook covers the PC")
		return 0, false
	})
	if !ok || base != 0x7000 {
		t.Errorf("ModuleBaseFor = 0x%X, %v; want 0x7000, true", base, ok)
	}
}

func TestModuleBaseForFallsBackWithoutHook(t *testing.T) {
	base, ok := ModuleBaseFor(0x5000, nil, func(uintptr) (uintptr, bool) { return 0x4000, true })
	if !ok || base != 0x4000 {
		t.Errorf("ModuleBaseFor = 0x%X, %v; want 0x4000, true", base, ok)
	}
}
