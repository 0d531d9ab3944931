//go:build windows

package modules

import (
	"unsafe"

	"golang.org/x/sys/windows"
)

// WindowsEnumerator lists the modules loaded into the current process
// via the Process Status API (EnumProcessModules / GetModuleInformation
// / GetModuleFileNameEx), the direct equivalent of the original
// analyzer's Module32First/Next walk over a CreateToolhelp32Snapshot.
type WindowsEnumerator struct{}

func (WindowsEnumerator) Enumerate() ([]Module, error) {
	self := windows.CurrentProcess()

	var need uint32
	var handles [1024]windows.Handle
	handleSize := uint32(unsafe.Sizeof(handles[0]))
	if err := windows.EnumProcessModules(self, &handles[0], uint32(len(handles))*handleSize, &need); err != nil {
		return nil, err
	}
	count := int(need / handleSize)
	if count > len(handles) {
		count = len(handles)
	}

	mods := make([]Module, 0, count)
	for _, h := range handles[:count] {
		var info windows.ModuleInfo
		if err := windows.GetModuleInformation(self, h, &info, uint32(unsafe.Sizeof(info))); err != nil {
			continue
		}

		pathBuf := make([]uint16, windows.MAX_PATH)
		n, err := windows.GetModuleFileNameEx(self, h, &pathBuf[0], uint32(len(pathBuf)))
		path := ""
		if err == nil && n > 0 {
			path = windows.UTF16ToString(pathBuf[:n])
		}

		mods = append(mods, Module{
			Handle: uintptr(h),
			Name:   baseName(path),
			Path:   path,
			Base:   info.BaseOfDll,
			Size:   uintptr(info.SizeOfImage),
		})
	}
	return mods, nil
}

func baseName(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '\\' || path[i] == '/' {
			return path[i+1:]
		}
	}
	return path
}
