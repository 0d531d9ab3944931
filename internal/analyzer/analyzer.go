// Package analyzer is the single stateful read-model object: the
// facade a GUI polls synchronously from its render loop. It owns
// every cached derived product the same way legacy/cpu.go's CPU
// struct owns all architectural state behind NewCPU/Reset/Run --
// here the lifecycle methods are Analyze/Cleanup/Reload instead, and
// "registers" are replaced by lazily-computed crash-report products.
package analyzer

import (
	"fmt"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/prevter/crashlog/internal/classify"
	"github.com/prevter/crashlog/internal/cpucontext"
	"github.com/prevter/crashlog/internal/disasm"
	"github.com/prevter/crashlog/internal/memprobe"
	"github.com/prevter/crashlog/internal/modules"
	"github.com/prevter/crashlog/internal/report"
	"github.com/prevter/crashlog/internal/stackscan"
	"github.com/prevter/crashlog/internal/stackwalk"
	"github.com/prevter/crashlog/internal/symbols"
	"github.com/prevter/crashlog/internal/vmexception"
)

// State is the facade's lifecycle state (spec.md §4.K).
type State int

const (
	Uninitialized State = iota
	Ready
	Rendered
)

func (s State) String() string {
	switch s {
	case Ready:
		return "Ready"
	case Rendered:
		return "Rendered"
	default:
		return "Uninitialized"
	}
}

// ThreadIdentity is the captured faulting thread's identity.
type ThreadIdentity struct {
	ID        uint32
	Name      string
	IsMain    bool
	StartAddr uintptr // spec.md SPEC_FULL §(b): 0 when unavailable, never an error
}

// vendorGraphicsModules is the fixed vendor-OpenGL-DLL list spec.md
// §6 names for is_graphics_driver_crash.
var vendorGraphicsModules = map[string]bool{
	"nvoglv32.dll": true, "nvoglv64.dll": true,
	"atioglxx.dll": true, "atig6pxx.dll": true, "atio6axx.dll": true,
	"ig9icd32.dll": true, "ig9icd64.dll": true,
}

// Analyzer is the facade: Analyze -> Ready, read accessors -> Rendered
// (per product), Cleanup -> Uninitialized.
type Analyzer struct {
	log *logrus.Entry

	probe      *memprobe.Probe
	registry   *modules.Registry
	enumerator modules.Enumerator
	dbg        symbols.DebugSymbols

	mainSideband   *symbols.SidebandTable
	frameworkTable *symbols.SidebandTable

	unwinder      stackwalk.Unwinder
	hooks         []stackwalk.FunctionTableHook
	lines         stackwalk.LineSource
	detector      classify.FrameworkDetector
	throwReader   vmexception.ThrowInfoReader
	disasmMode    disasm.Mode
	windowSize    int

	state State
	rec   vmexception.Record
	ctx   cpucontext.RawContext
	sp    uintptr
	fp    uintptr
	ip    uintptr
	ident ThreadIdentity

	symbolSessionOK bool

	// cached derived products; nil/zero until first computed.
	resolver      *symbols.Resolver
	classifier    *classify.Classifier
	disasmCache   *disasm.Cache
	walker        *stackwalk.Walker

	exceptionMessage *string
	regs             []cpucontext.RegisterSlot
	regsComputed     bool
	flags            []cpucontext.FlagBit
	vectors          []cpucontext.VectorRegister
	registerMessage  *string
	stackWindow      []stackscan.StackWord
	stackMessage     *string
	frames           []stackwalk.Frame
	framesComputed   bool
	frameMessage     *string

	mu sync.Mutex
}

// Config bundles the host-supplied collaborators an Analyzer needs;
// every field may be nil/zero for a degraded but non-crashing facade.
type Config struct {
	Probe          *memprobe.Probe
	Enumerator     modules.Enumerator
	DebugSymbols   symbols.DebugSymbols
	MainSideband   *symbols.SidebandTable
	FrameworkTable *symbols.SidebandTable
	Unwinder       stackwalk.Unwinder
	Hooks          []stackwalk.FunctionTableHook
	Lines          stackwalk.LineSource
	Detector       classify.FrameworkDetector
	ThrowReader    vmexception.ThrowInfoReader
	DisasmMode     disasm.Mode
	WindowSize     int
	Log            *logrus.Entry
}

// New builds an Uninitialized Analyzer from its collaborators.
func New(cfg Config) *Analyzer {
	log := cfg.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	windowSize := cfg.WindowSize
	if windowSize <= 0 {
		windowSize = stackscan.DefaultWindowSize
	}
	return &Analyzer{
		log:            log,
		probe:          cfg.Probe,
		registry:       modules.NewRegistry(),
		enumerator:     cfg.Enumerator,
		dbg:            cfg.DebugSymbols,
		mainSideband:   cfg.MainSideband,
		frameworkTable: cfg.FrameworkTable,
		unwinder:       cfg.Unwinder,
		hooks:          cfg.Hooks,
		lines:          cfg.Lines,
		detector:       cfg.Detector,
		throwReader:    cfg.ThrowReader,
		disasmMode:     cfg.DisasmMode,
		windowSize:     windowSize,
		state:          Uninitialized,
	}
}

// Analyze captures the exception pointer and thread context
// (Uninitialized -> Ready). Idempotent: a second call while Ready (or
// Rendered) replaces the captured record and clears derived products
// without re-enumerating modules or re-initializing the symbol
// session (spec.md §4.K).
func (a *Analyzer) Analyze(rec vmexception.Record, ctx cpucontext.RawContext, sp, fp, ip uintptr, ident ThreadIdentity) {
	a.mu.Lock()
	defer a.mu.Unlock()

	firstInit := a.state == Uninitialized
	a.rec, a.ctx, a.sp, a.fp, a.ip, a.ident = rec, ctx, sp, fp, ip, ident
	a.clearDerivedLocked()
	a.state = Ready

	if firstInit {
		a.initModulesLocked()
		a.initSymbolSessionLocked()
		a.log.WithFields(logrus.Fields{"code": fmt.Sprintf("0x%X", rec.Code), "addr": fmt.Sprintf("0x%X", rec.Address)}).Info("analyzer: analyze")
	} else {
		a.log.WithField("code", fmt.Sprintf("0x%X", rec.Code)).Info("analyzer: re-analyze (idempotent)")
	}
}

func (a *Analyzer) initModulesLocked() {
	if a.enumerator == nil {
		return
	}
	if err := a.registry.Populate(a.enumerator); err != nil {
		a.log.WithError(err).Warn("analyzer: module enumeration failed, proceeding with an empty registry")
	}
}

// initSymbolSessionLocked lazily initializes the OS debug-symbol
// session. Failure degrades gracefully (spec.md §7 error #6): frames
// simply carry no source/line info.
func (a *Analyzer) initSymbolSessionLocked() {
	a.symbolSessionOK = a.dbg != nil
	if !a.symbolSessionOK {
		a.log.Warn("analyzer: no debug-symbol session available, proceeding without line info")
	}
	a.resolver = symbols.NewResolver(a.registry, a.probe, a.dbg, a.mainSideband, a.frameworkTable, a.log)
	a.classifier = classify.New(a.probe, a.resolver, a.detector)
	if a.probe != nil {
		a.disasmCache = disasm.New(a.probe, a.disasmMode)
	}
	a.walker = stackwalk.New(a.resolver, a.lines, a.unwinder, a.hooks...)
}

// clearDerivedLocked clears every memoized product; called on Analyze
// (re-entry) and Cleanup.
func (a *Analyzer) clearDerivedLocked() {
	a.exceptionMessage = nil
	a.regs, a.flags, a.vectors, a.regsComputed = nil, nil, nil, false
	a.registerMessage = nil
	a.stackWindow, a.stackMessage = nil, nil
	a.frames, a.framesComputed, a.frameMessage = nil, false, nil
	if a.resolver != nil {
		a.resolver.Reset()
	}
	if a.disasmCache != nil {
		a.disasmCache.Reset()
	}
	a.state = Ready
}

// Cleanup closes the symbol session and clears every cached product
// (-> Uninitialized). Safe to call when already Uninitialized.
func (a *Analyzer) Cleanup() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state == Uninitialized {
		return
	}
	a.clearDerivedLocked()
	a.registry.Reset()
	a.resolver, a.classifier, a.disasmCache, a.walker = nil, nil, nil, nil
	a.symbolSessionOK = false
	a.state = Uninitialized
	a.log.Info("analyzer: cleanup")
}

// Reload is Cleanup followed by Analyze with the same captured
// record -- used when symbols arrive late and the host wants to
// re-render with them.
func (a *Analyzer) Reload() {
	a.mu.Lock()
	rec, ctx, sp, fp, ip, ident := a.rec, a.ctx, a.sp, a.fp, a.ip, a.ident
	a.mu.Unlock()

	a.Cleanup()
	a.Analyze(rec, ctx, sp, fp, ip, ident)
}

// State returns the facade's current lifecycle state.
func (a *Analyzer) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// ExceptionMessage is the lazily-computed, cached exception header +
// extra-info text.
func (a *Analyzer) ExceptionMessage() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.exceptionMessage != nil {
		return *a.exceptionMessage
	}
	msg := a.buildExceptionMessageLocked()
	a.exceptionMessage = &msg
	a.state = Rendered
	return msg
}

// buildExceptionMessageLocked renders the fixed-template exception
// header spec.md §4.E describes: thread info, thread start function,
// exception name+code, faulting address resolved as a function, flags
// word, parameters, and (if non-empty) the per-code extra block.
func (a *Analyzer) buildExceptionMessageLocked() string {
	var b strings.Builder
	fmt.Fprintf(&b, "- Thread: %s (ID %d)", a.ident.Name, a.ident.ID)
	if a.resolver != nil {
		fmt.Fprintf(&b, "\n- Thread Start: %s", symbols.Render(a.resolver.Resolve(a.ident.StartAddr)))
	}
	fmt.Fprintf(&b, "\n%s (0x%08X)", vmexception.Name(a.rec.Code), uint32(a.rec.Code))
	if a.resolver != nil {
		fmt.Fprintf(&b, "\n- Faulting Address: %s", symbols.Render(a.resolver.Resolve(a.rec.Address)))
	}
	fmt.Fprintf(&b, "\n- Flags: 0x%X", a.rec.Flags)
	if params := vmexception.Parameters(a.rec); params != "" {
		fmt.Fprintf(&b, "\nParameters: %s", params)
	}
	var extra string
	switch a.rec.Code {
	case vmexception.AccessViolation:
		if a.probe != nil {
			extra = vmexception.AccessViolationExtra(a.rec, a.probe)
		}
	case vmexception.IllegalInstruction:
		if a.probe != nil {
			extra = vmexception.IllegalInstructionExtra(a.rec, a.probe)
		}
	case vmexception.CxxThrow:
		if a.throwReader != nil {
			extra = vmexception.CxxThrowExtra(a.rec, a.throwReader)
		}
	}
	if extra != "" {
		fmt.Fprintf(&b, "\n%s", extra)
	}
	return b.String()
}

// Registers returns the captured register list, flags, and (64-bit
// only) vector registers, computing and caching them on first call.
func (a *Analyzer) Registers() ([]cpucontext.RegisterSlot, []cpucontext.FlagBit, []cpucontext.VectorRegister) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.regsComputed {
		a.regs, a.flags, a.vectors = cpucontext.Capture(a.ctx, a.classifier)
		a.regsComputed = true
		a.state = Rendered
	}
	return a.regs, a.flags, a.vectors
}

// RegisterMessage is the rendered register-and-flags text.
func (a *Analyzer) RegisterMessage() string {
	a.mu.Lock()
	if a.registerMessage != nil {
		defer a.mu.Unlock()
		return *a.registerMessage
	}
	a.mu.Unlock()

	regs, flags, _ := a.Registers()

	a.mu.Lock()
	defer a.mu.Unlock()
	var b strings.Builder
	for _, r := range regs {
		b.WriteString(report.RenderRegisterLine(r))
		b.WriteString("\n")
	}
	for _, line := range report.RenderFlagsLines(flags) {
		b.WriteString(line)
		b.WriteString("\n")
	}
	msg := strings.TrimRight(b.String(), "\n")
	a.registerMessage = &msg
	a.state = Rendered
	return msg
}

// StackWindow returns the annotated stack-word dump around the
// captured stack pointer.
func (a *Analyzer) StackWindow() []stackscan.StackWord {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stackWindow == nil && a.probe != nil {
		a.stackWindow = stackscan.Scan(a.sp, a.windowSize, a.probe, a.classifier)
		a.state = Rendered
	}
	return a.stackWindow
}

// StackMessage is the rendered stack-window text.
func (a *Analyzer) StackMessage() string {
	a.mu.Lock()
	if a.stackMessage != nil {
		defer a.mu.Unlock()
		return *a.stackMessage
	}
	a.mu.Unlock()

	words := a.StackWindow()

	a.mu.Lock()
	defer a.mu.Unlock()
	var b strings.Builder
	for _, w := range words {
		b.WriteString(report.RenderStackWord(w))
		b.WriteString("\n")
	}
	msg := strings.TrimRight(b.String(), "\n")
	a.stackMessage = &msg
	return msg
}

// Frames returns the unwound call-stack frame list.
func (a *Analyzer) Frames() []stackwalk.Frame {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.framesComputed {
		if a.walker != nil {
			a.frames = a.walker.Walk(a.ip, a.sp, a.fp)
		}
		a.framesComputed = true
		a.state = Rendered
	}
	return a.frames
}

// FrameMessage is the rendered stack-trace text.
func (a *Analyzer) FrameMessage() string {
	a.mu.Lock()
	if a.frameMessage != nil {
		defer a.mu.Unlock()
		return *a.frameMessage
	}
	a.mu.Unlock()

	frames := a.Frames()

	a.mu.Lock()
	defer a.mu.Unlock()
	lines := make([]string, len(frames))
	for i, f := range frames {
		lines[i] = report.RenderFrame(f)
	}
	msg := strings.Join(lines, "\n")
	a.frameMessage = &msg
	return msg
}

// IsMainThread reports whether the captured thread is the OS-named
// "Main" thread (spec.md §6).
func (a *Analyzer) IsMainThread() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.ident.Name == "Main"
}

// IsGraphicsDriverCrash reports whether any of the top three frames
// resides in a known vendor OpenGL DLL (S6).
func (a *Analyzer) IsGraphicsDriverCrash() bool {
	frames := a.Frames()
	n := len(frames)
	if n > 3 {
		n = 3
	}
	for _, f := range frames[:n] {
		if vendorGraphicsModules[strings.ToLower(f.Module)] {
			return true
		}
	}
	return false
}

// StepOut is marked experimental per the recorded Open Question
// decision: the original's trampoline unwind semantics are unreliable
// enough that this is never offered as a recommended recovery action.
// This build does not implement it: StepOut always returns an error
// and leaves the captured context untouched.
func (a *Analyzer) StepOut() error {
	return fmt.Errorf("StepOut is experimental and not supported by this build")
}
