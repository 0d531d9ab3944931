// Command crashdemo drives the crash analyzer end to end against a
// simulated exception, the way legacy/main.go drives the WUT-4
// emulator against a loaded binary: parse flags, build the runtime
// object, run it, report what happened. There is no real faulting
// process here -- crashdemo builds a small in-memory "guest" address
// space and exception record by hand, analyzes it, writes the crash
// report to disk, and (when stdin is a terminal) offers the same
// recovery-action menu the original's crash window exposes.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/term"

	"github.com/prevter/crashlog/internal/analyzer"
	"github.com/prevter/crashlog/internal/cpucontext"
	"github.com/prevter/crashlog/internal/disasm"
	"github.com/prevter/crashlog/internal/entryfilter"
	"github.com/prevter/crashlog/internal/memprobe"
	"github.com/prevter/crashlog/internal/modules"
	"github.com/prevter/crashlog/internal/report"
	"github.com/prevter/crashlog/internal/vmexception"
)

var (
	outDir      = flag.String("out", ".", "Directory to write the crash report into")
	showVersion = flag.Bool("version", false, "Show version and exit")
	scenario    = flag.String("scenario", "null-deref", "Which built-in scenario to simulate: null-deref, illegal-instruction")
)

const version = "1.0.0"

func usage() {
	fmt.Fprintf(os.Stderr, "crashdemo v%s -- simulates a crash and runs it through the analyzer pipeline\n\n", version)
	fmt.Fprintf(os.Stderr, "Usage: crashdemo [flags]\n\n")
	flag.PrintDefaults()
}

func main() {
	flag.Usage = usage
	flag.Parse()

	if *showVersion {
		fmt.Printf("crashdemo v%s\n", version)
		os.Exit(0)
	}

	rec, ctx, sp, fp, ip, src, mods := buildScenario(*scenario)

	if !entryfilter.ShouldAnalyze(rec.Code) {
		fmt.Fprintf(os.Stderr, "exception code 0x%X is screened by the entry filter; nothing to analyze\n", uint32(rec.Code))
		os.Exit(0)
	}

	probe := memprobe.New(src, nil)
	a := analyzer.New(analyzer.Config{
		Probe:      probe,
		Enumerator: fixedEnumerator{mods: mods},
		DisasmMode: disasm.Mode32,
		WindowSize: 32,
	})

	ident := analyzer.ThreadIdentity{ID: 1, Name: "Main", IsMain: true}
	a.Analyze(rec, ctx, sp, fp, ip, ident)
	defer a.Cleanup()

	regs, flags, _ := a.Registers()
	asm := report.New()
	text := asm.Build(
		time.Now().UTC().Format(time.RFC3339),
		pickQuip(),
		a.ExceptionMessage(),
		a.Frames(),
		regs,
		flags,
		a.StackWindow(),
	)

	if a.IsGraphicsDriverCrash() {
		fmt.Fprintln(os.Stderr, "warning: this looks like a graphics-driver crash; on-screen rendering may be unreliable")
	}

	path, err := writeReport(*outDir, text)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error writing crash report: %v\n", err)
		os.Exit(1)
	}
	fmt.Fprintf(os.Stderr, "crash report written to %s\n", path)

	if term.IsTerminal(int(os.Stdin.Fd())) {
		runRecoveryMenu(a)
	}
}

func writeReport(dir, text string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	name := time.Now().UTC().Format("2006-01-02_15-04-05") + ".txt"
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(text), 0o644); err != nil {
		return "", err
	}
	lastCrashed := filepath.Join(dir, "last-crashed")
	_ = os.WriteFile(lastCrashed, nil, 0o644)
	return path, nil
}

var quips = []string{
	"Well, that happened.",
	"Geometry Dash has encountered a problem and needs to close.",
	"This is fine.",
}

func pickQuip() string {
	// A literal, non-random choice keeps demo output reproducible;
	// production wiring can pick randomly from the same list.
	return quips[0]
}

// runRecoveryMenu offers part of the interactive actions legacy/main.cpp's
// crash window offers: Terminate Thread and Step Over (both only
// simulated here) and Reload. Restart is not offered, and Step Out is
// intentionally not listed (see analyzer.Analyzer.StepOut).
func runRecoveryMenu(a *analyzer.Analyzer) {
	reader := bufio.NewReader(os.Stdin)
	for {
		fmt.Println("\nRecovery actions:")
		fmt.Println("  [t] Terminate Thread")
		fmt.Println("  [s] Step Over")
		fmt.Println("  [r] Reload Analyzer")
		fmt.Println("  [q] Quit")
		fmt.Print("> ")

		line, err := reader.ReadString('\n')
		if err != nil {
			return
		}
		switch strings.TrimSpace(strings.ToLower(line)) {
		case "t":
			fmt.Println("(simulated) terminating the faulting thread")
			return
		case "s":
			fmt.Println("(simulated) stepping over the faulting instruction")
			return
		case "r":
			a.Reload()
			fmt.Println("analyzer reloaded")
		case "q":
			return
		default:
			fmt.Println("unrecognized choice")
		}
	}
}

type fixedEnumerator struct{ mods []modules.Module }

func (f fixedEnumerator) Enumerate() ([]modules.Module, error) { return f.mods, nil }

const demoPageSize = 0x1000

// guestMemory is a small, fully in-process "address space" crashdemo
// builds by hand so the whole pipeline (classification, symbol
// resolution, stack walking) has deterministic, readable bytes to
// work from -- there is no real faulting process to query.
type guestMemory struct {
	pages map[uintptr][]byte
}

func newGuestMemory() *guestMemory { return &guestMemory{pages: map[uintptr][]byte{}} }

func demoPageBase(addr uintptr) uintptr { return addr &^ (demoPageSize - 1) }

func (g *guestMemory) write(addr uintptr, data []byte) {
	for i, b := range data {
		a := addr + uintptr(i)
		page, ok := g.pages[demoPageBase(a)]
		if !ok {
			page = make([]byte, demoPageSize)
			g.pages[demoPageBase(a)] = page
		}
		page[a-demoPageBase(a)] = b
	}
}

func (g *guestMemory) Read(addr uintptr, buf []byte) (int, bool) {
	n := 0
	for n < len(buf) {
		a := addr + uintptr(n)
		page, ok := g.pages[demoPageBase(a)]
		if !ok {
			break
		}
		buf[n] = page[a-demoPageBase(a)]
		n++
	}
	return n, n > 0
}

func (g *guestMemory) Protect(addr uintptr) (memprobe.Protection, bool) {
	if _, ok := g.pages[demoPageBase(addr)]; !ok {
		return memprobe.Protection{}, true
	}
	return memprobe.Protection{Committed: true, Readable: true, Executable: true}, true
}

func (g *guestMemory) ModuleAt(uintptr) (uintptr, bool)   { return 0, false }
func (g *guestMemory) ModulePath(uintptr) (string, bool) { return "", false }

// buildScenario constructs a literal, reproducible exception scenario.
func buildScenario(name string) (vmexception.Record, cpucontext.RawContext, uintptr, uintptr, uintptr, *guestMemory, []modules.Module) {
	mem := newGuestMemory()
	mods := []modules.Module{
		{Name: "game.exe", Base: 0x400000, Size: 0x200000},
		{Name: "user32.dll", Base: 0x700000, Size: 0x100000},
	}

	switch name {
	case "illegal-instruction":
		rec := vmexception.Record{Code: vmexception.IllegalInstruction, Address: 0x401000}
		mem.write(0x401000, []byte{0x0F, 0x0B}) // UD2
		ctx := cpucontext.RawContext{Arch: cpucontext.ArchX86, GP: map[string]uintptr{
			"EAX": 0, "EBX": 0, "ECX": 0, "EDX": 0, "ESI": 0, "EDI": 0,
			"EBP": 0x18FF00, "ESP": 0x18FEF0, "EIP": 0x401000,
		}}
		return rec, ctx, 0x18FEF0, 0x18FF00, 0x401000, mem, mods

	default: // "null-deref"
		rec := vmexception.Record{Code: vmexception.AccessViolation, Parameters: []uintptr{0, 0}, Address: 0x401234}
		mem.write(0x10020000, append([]byte("hello"), 0))
		ctx := cpucontext.RawContext{Arch: cpucontext.ArchX86, GP: map[string]uintptr{
			"EAX": 0x10020000, "EBX": 0, "ECX": 0, "EDX": 0, "ESI": 0, "EDI": 0,
			"EBP": 0x18FF00, "ESP": 0x18FEF0, "EIP": 0x401234,
		}}
		return rec, ctx, 0x18FEF0, 0x18FF00, 0x401234, mem, mods
	}
}
