//go:build windows

package memprobe

import (
	"unsafe"

	"golang.org/x/sys/windows"
)

// WindowsSource implements Source by reading the current process's own
// address space through the kernel (ReadProcessMemory on a pseudo
// handle, VirtualQuery for permissions) rather than dereferencing raw
// pointers. That indirection is the whole point: a bad address makes
// the syscall fail and return an error, it does not fault the thread
// that is trying to produce the crash report. This is the Go analogue
// of the structured-exception-handling guard the original analyzer
// relies on (see spec.md §9, "Faulting reads").
type WindowsSource struct {
	self windows.Handle
}

// NewWindowsSource builds a Source over the current process.
func NewWindowsSource() *WindowsSource {
	return &WindowsSource{self: windows.CurrentProcess()}
}

func (w *WindowsSource) Read(addr uintptr, buf []byte) (int, bool) {
	if addr == 0 || len(buf) == 0 {
		return 0, false
	}
	var done uintptr
	err := windows.ReadProcessMemory(w.self, addr, &buf[0], uintptr(len(buf)), &done)
	if err != nil || done == 0 {
		return 0, false
	}
	return int(done), true
}

func (w *WindowsSource) Protect(addr uintptr) (Protection, bool) {
	var mbi windows.MemoryBasicInformation
	err := windows.VirtualQuery(addr, &mbi, unsafe.Sizeof(mbi))
	if err != nil {
		return Protection{}, false
	}
	if mbi.State != windows.MEM_COMMIT {
		return Protection{Committed: false, RawProtect: mbi.Protect, RawState: mbi.State, RawType: mbi.Type}, true
	}
	prot := mbi.Protect &^ uint32(windows.PAGE_GUARD|windows.PAGE_NOCACHE|windows.PAGE_WRITECOMBINE)
	p := Protection{Committed: true, RawProtect: mbi.Protect, RawState: mbi.State, RawType: mbi.Type}
	switch prot {
	case windows.PAGE_READONLY, windows.PAGE_READWRITE, windows.PAGE_WRITECOPY:
		p.Readable = true
		p.Writable = prot != windows.PAGE_READONLY
	case windows.PAGE_EXECUTE:
		p.Executable = true
	case windows.PAGE_EXECUTE_READ:
		p.Readable = true
		p.Executable = true
	case windows.PAGE_EXECUTE_READWRITE, windows.PAGE_EXECUTE_WRITECOPY:
		p.Readable = true
		p.Writable = true
		p.Executable = true
	case windows.PAGE_NOACCESS:
		// leave all false
	default:
		// Unknown combination: be conservative and call it unreadable
		// rather than risk reporting a false positive for a crash dump.
	}
	return p, true
}

func (w *WindowsSource) ModuleAt(addr uintptr) (uintptr, bool) {
	var handle windows.Handle
	const flags = windows.GET_MODULE_HANDLE_EX_FLAG_FROM_ADDRESS | windows.GET_MODULE_HANDLE_EX_FLAG_UNCHANGED_REFCOUNT
	err := windows.GetModuleHandleEx(flags, (*uint16)(unsafe.Pointer(addr)), &handle)
	if err != nil || handle == 0 {
		return 0, false
	}
	return uintptr(handle), true
}

func (w *WindowsSource) ModulePath(handle uintptr) (string, bool) {
	buf := make([]uint16, windows.MAX_PATH)
	n, err := windows.GetModuleFileName(windows.Handle(handle), &buf[0], uint32(len(buf)))
	if err != nil || n == 0 {
		return "", false
	}
	return windows.UTF16ToString(buf[:n]), true
}
