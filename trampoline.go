package hotpatch

import (
	"errors"
	"fmt"
	"sync"
	"unsafe"
)

// Scope selects which trampoline a stub is cut from.
type Scope int

const (
	// Global holds stubs for long-lived hooks. It exists from plugin load
	// until unload.
	Global Scope = iota
	// Local is scoped to a single installation session and is destroyed
	// when that session's hooks are committed or rolled back.
	Local
)

func (s Scope) String() string {
	switch s {
	case Global:
		return "global"
	case Local:
		return "local"
	default:
		return fmt.Sprintf("scope(%d)", int(s))
	}
}

var (
	// ErrScopeLive means a trampoline was created for a scope that
	// already has a live one.
	ErrScopeLive = errors.New("trampoline already exists for scope")
	// ErrNoTrampoline means a stub was requested before the scope's
	// trampoline was created.
	ErrNoTrampoline = errors.New("no trampoline for scope")
	// ErrTrampolineFull means the fixed capacity cannot hold the stub.
	ErrTrampolineFull = errors.New("trampoline capacity exhausted")
	// ErrNoNearMemory means no executable region could be reserved within
	// rel32 range of the host module.
	ErrNoNearMemory = errors.New("no executable memory reservable near module")
)

// trampoline owns one reserved executable region and hands out stub slots
// from it. Stubs are written once during installation; seal flips the
// region to read/execute for the lifetime of the hooks.
type trampoline struct {
	mem      []byte // whole reserved mapping, page rounded
	capacity int    // stub bytes available; cursor never passes this
	cursor   int
	sealed   bool
}

var (
	trampolines  [2]*trampoline
	trampolineMu sync.Mutex
)

// CreateTrampoline reserves capacity bytes of executable stub memory for
// scope, positioned within rel32 range of module when one is given. A
// second create for a live scope, or failure to reserve, halts the plugin:
// loading on with an unknown amount of patch capacity is unacceptable.
func CreateTrampoline(scope Scope, capacity int, module uintptr) {
	Guard("CreateTrampoline", func() {
		must(createTrampoline(scope, capacity, module))
	})
}

// DestroyTrampoline releases the scope's reserved region. Safe to call when
// the scope has no trampoline. The caller must guarantee no installed patch
// still targets a stub inside the region.
func DestroyTrampoline(scope Scope) {
	Guard("DestroyTrampoline", func() {
		must(destroyTrampoline(scope))
	})
}

func createTrampoline(scope Scope, capacity int, module uintptr) error {
	if capacity <= 0 {
		return fmt.Errorf("%v trampoline with capacity %d", scope, capacity)
	}

	trampolineMu.Lock()
	defer trampolineMu.Unlock()

	if trampolines[scope] != nil {
		return fmt.Errorf("%v: %w", scope, ErrScopeLive)
	}

	mem, err := reserveNear(module, capacity)
	if err != nil {
		return fmt.Errorf("reserve %d stub bytes: %w", capacity, err)
	}

	// INT3 fill, so a stray jump into unused trampoline space traps
	// instead of sliding into a stale stub.
	for i := range mem {
		mem[i] = opcodeINT3
	}

	trampolines[scope] = &trampoline{mem: mem, capacity: capacity}
	return nil
}

func destroyTrampoline(scope Scope) error {
	trampolineMu.Lock()
	defer trampolineMu.Unlock()

	t := trampolines[scope]
	if t == nil {
		return nil
	}
	trampolines[scope] = nil
	return release(t.mem)
}

func activeTrampoline(scope Scope) (*trampoline, error) {
	trampolineMu.Lock()
	defer trampolineMu.Unlock()

	t := trampolines[scope]
	if t == nil {
		return nil, fmt.Errorf("%v: %w", scope, ErrNoTrampoline)
	}
	return t, nil
}

// sealTrampoline flips the scope's region to read/execute once installation
// is done. A no-op when the scope has no trampoline.
func sealTrampoline(scope Scope) error {
	trampolineMu.Lock()
	defer trampolineMu.Unlock()

	t := trampolines[scope]
	if t == nil || t.sealed {
		return nil
	}
	if err := mprotect(t.base(), len(t.mem), protRX); err != nil {
		return err
	}
	t.sealed = true
	return nil
}

func (t *trampoline) base() uintptr {
	return uintptr(unsafe.Pointer(unsafe.SliceData(t.mem)))
}

// allocStub copies code into the next free slot and returns the slot's
// address. The capacity is fixed at creation; a stub that does not fit is a
// hard failure, not a grow.
func (t *trampoline) allocStub(code []byte) (uintptr, error) {
	if t.sealed {
		return 0, fmt.Errorf("trampoline at %#x is sealed", t.base())
	}
	if t.cursor+len(code) > t.capacity {
		return 0, fmt.Errorf("%d byte stub with %d of %d bytes used: %w",
			len(code), t.cursor, t.capacity, ErrTrampolineFull)
	}

	addr := t.base() + uintptr(t.cursor)
	copy(t.mem[t.cursor:], code)
	t.cursor += len(code)
	return addr, nil
}
