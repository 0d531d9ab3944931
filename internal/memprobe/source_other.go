//go:build !windows

package memprobe

// unsupportedSource is wired on non-Windows GOOS so the package still
// builds there (CI, local development); spec.md scopes this analyzer to
// a native Windows host, so there is no real page-table/module query to
// back it with. Every method reports "unknown" rather than guessing.
type unsupportedSource struct{}

// NewWindowsSource is kept name-compatible with the windows build so
// callers don't need a build tag of their own; off Windows it degrades
// to a Source that knows nothing about the address space.
func NewWindowsSource() Source { return unsupportedSource{} }

func (unsupportedSource) Read(addr uintptr, buf []byte) (int, bool) { return 0, false }

func (unsupportedSource) Protect(addr uintptr) (Protection, bool) { return Protection{}, false }

func (unsupportedSource) ModuleAt(addr uintptr) (uintptr, bool) { return 0, false }

func (unsupportedSource) ModulePath(handle uintptr) (string, bool) { return "", false }
