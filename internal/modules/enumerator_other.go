//go:build !windows

package modules

// WindowsEnumerator degrades to an empty module list off Windows; see
// the note in internal/memprobe/source_other.go.
type WindowsEnumerator struct{}

func (WindowsEnumerator) Enumerate() ([]Module, error) {
	return nil, nil
}
