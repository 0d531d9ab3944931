// Package report assembles the final crash-report text from the
// snapshots produced by the other components. It renders seven named
// sections in a fixed order, separated by blank lines and
// "== Section ==" banners -- generalizing emul/trace.go's single
// "=== Special Registers Dump ===" banner style to the full
// multi-section report spec.md §4.J calls for.
package report

import (
	"fmt"
	"strings"

	"github.com/prevter/crashlog/internal/cpucontext"
	"github.com/prevter/crashlog/internal/stackscan"
	"github.com/prevter/crashlog/internal/stackwalk"
)

const notAvailablePlaceholder = "(not available)"

// Assembler builds the report text. GeodeInformation, InstalledMods,
// and HardwareInformation are optional externally-supplied section
// bodies (spec.md's analysis always emits every section header even when a
// collaborator hasn't run yet, per the original's analyzer.cpp); an
// empty string renders the section with a fixed placeholder rather
// than omitting it.
type Assembler struct {
	GeodeInformation    string
	InstalledMods       string
	HardwareInformation string
}

// New builds an Assembler with the three external sections unset; set
// the fields directly once a collaborator's output is available.
func New() *Assembler {
	return &Assembler{}
}

// Build renders the complete report: a timestamp/quip preamble
// followed by the seven sections in fixed order.
func (a *Assembler) Build(timestampISO8601, quip, exceptionInfo string, frames []stackwalk.Frame, regs []cpucontext.RegisterSlot, flags []cpucontext.FlagBit, stackWords []stackscan.StackWord) string {
	var b strings.Builder

	fmt.Fprintf(&b, "%s\n%s\n\n", timestampISO8601, quip)

	writeSection(&b, "Geode Information", placeholderIfEmpty(a.GeodeInformation))
	writeSection(&b, "Exception Information", placeholderIfEmpty(exceptionInfo))
	writeSection(&b, "Stack Trace", renderFrames(frames))
	writeSection(&b, "Register States", renderRegisters(regs, flags))
	writeSection(&b, "Installed Mods", placeholderIfEmpty(a.InstalledMods))
	writeSection(&b, "Stack Allocations", renderStackWords(stackWords))
	writeSection(&b, "Hardware Information", placeholderIfEmpty(a.HardwareInformation))

	return strings.TrimRight(b.String(), "\n") + "\n"
}

func placeholderIfEmpty(s string) string {
	if s == "" {
		return notAvailablePlaceholder
	}
	return s
}

func writeSection(b *strings.Builder, name, body string) {
	fmt.Fprintf(b, "== %s ==\n%s\n\n", name, body)
}

// RenderFrame formats one stack frame per spec.md §4.J's four shapes,
// keyed off which fields are populated the same way
// internal/symbols.Render disambiguates SymbolHit.
func RenderFrame(f stackwalk.Frame) string {
	line := renderFrameLine(f)
	if f.SourceFile != "" {
		line += fmt.Sprintf("\n  └ %s:%d", f.SourceFile, f.Line)
	}
	return line
}

func renderFrameLine(f stackwalk.Frame) string {
	if !f.HasModule {
		return fmt.Sprintf("- 0x%08X", f.Address)
	}
	if f.Module == "" {
		return fmt.Sprintf("- 0x%08X+0x%x", f.Address, f.Offset)
	}
	if f.Hit.FuncName == "" {
		return fmt.Sprintf("- %s+0x%X", f.Module, f.Offset)
	}
	return fmt.Sprintf("- %s+0x%X (%s+0x%x)", f.Module, f.Offset, f.Hit.FuncName, f.Hit.FuncOffset)
}

func renderFrames(frames []stackwalk.Frame) string {
	if len(frames) == 0 {
		return notAvailablePlaceholder
	}
	lines := make([]string, len(frames))
	for i, f := range frames {
		lines[i] = RenderFrame(f)
	}
	return strings.Join(lines, "\n")
}

// RenderRegisterLine formats one register per spec.md §4.J:
// "- NAME: {value:08X} ({description})".
func RenderRegisterLine(r cpucontext.RegisterSlot) string {
	return fmt.Sprintf("- %s: %08X (%s)", r.Name, r.RawWord, r.Description)
}

// RenderFlagsLines packs flag bits three per line as "NAME: 0|1 | ...".
func RenderFlagsLines(flags []cpucontext.FlagBit) []string {
	var lines []string
	var current []string
	for _, f := range flags {
		current = append(current, fmt.Sprintf("%s: %d", f.Name, boolToInt(f.Set)))
		if len(current) == 3 {
			lines = append(lines, strings.Join(current, " | "))
			current = nil
		}
	}
	if len(current) > 0 {
		lines = append(lines, strings.Join(current, " | "))
	}
	return lines
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func renderRegisters(regs []cpucontext.RegisterSlot, flags []cpucontext.FlagBit) string {
	if len(regs) == 0 && len(flags) == 0 {
		return notAvailablePlaceholder
	}
	var lines []string
	for _, r := range regs {
		lines = append(lines, RenderRegisterLine(r))
	}
	lines = append(lines, RenderFlagsLines(flags)...)
	return strings.Join(lines, "\n")
}

// RenderStackWord formats one scanned stack word.
func RenderStackWord(w stackscan.StackWord) string {
	return fmt.Sprintf("- 0x%08X: %08X (%s)", w.Address, w.Value, w.Description)
}

func renderStackWords(words []stackscan.StackWord) string {
	if len(words) == 0 {
		return notAvailablePlaceholder
	}
	lines := make([]string, len(words))
	for i, w := range words {
		lines[i] = RenderStackWord(w)
	}
	return strings.Join(lines, "\n")
}
