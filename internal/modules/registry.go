// Package modules enumerates the host process's loaded modules once per
// analysis pass and answers "which module owns this address" lookups
// against that frozen snapshot.
//
// Grounded on emul/cpu.go's NewCPU: populate once at construction, never
// mutate afterward for the lifetime of the run.
package modules

// Module is a mapped image (executable or shared library).
type Module struct {
	Handle uintptr
	Name   string // short name, no directory
	Path   string // full on-disk path
	Base   uintptr
	Size   uintptr
}

// Contains reports whether addr lies in [Base, Base+Size).
func (m Module) Contains(addr uintptr) bool {
	return addr >= m.Base && addr < m.Base+m.Size
}

// Enumerator performs the one-shot OS query for loaded modules.
// Production code wires a Windows implementation (EnumProcessModules +
// GetModuleInformation); tests wire a fixed slice.
type Enumerator interface {
	Enumerate() ([]Module, error)
}

// Registry is an insertion-ordered, write-once module list.
type Registry struct {
	mods []Module
}

// NewRegistry returns an empty, unpopulated registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Populate enumerates modules unless the registry already holds some;
// once it does, further calls are no-ops, matching the facade's
// "idempotent analyze" contract in spec.md §4.K — analyze may be called
// repeatedly but must not re-enumerate modules. An enumeration that
// fails or returns no modules leaves the registry empty, so the next
// call enumerates again.
func (r *Registry) Populate(enum Enumerator) error {
	if len(r.mods) > 0 {
		return nil
	}
	mods, err := enum.Enumerate()
	if err != nil {
		return err
	}
	r.mods = mods
	return nil
}

// Populated reports whether the registry holds any modules.
func (r *Registry) Populated() bool {
	return len(r.mods) > 0
}

// Reset clears the registry so the next Populate call re-enumerates.
// Called by the analyzer facade's Cleanup.
func (r *Registry) Reset() {
	r.mods = nil
}

// Modules returns the snapshot in enumeration order. The caller must
// not mutate the returned slice.
func (r *Registry) Modules() []Module {
	return r.mods
}

// ByAddress performs a linear scan for the module containing addr. N is
// small enough in practice (a few hundred modules at most) that a
// BTreeMap keyed by base, mentioned as an acceptable optimization in
// spec.md §4.B, isn't needed here.
func (r *Registry) ByAddress(addr uintptr) (Module, bool) {
	for _, m := range r.mods {
		if m.Contains(addr) {
			return m, true
		}
	}
	return Module{}, false
}

// MainModule returns the first-enumerated module: the host executable.
func (r *Registry) MainModule() (Module, bool) {
	if len(r.mods) == 0 {
		return Module{}, false
	}
	return r.mods[0], true
}
