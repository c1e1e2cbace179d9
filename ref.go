package hotpatch

import "sync/atomic"

// Address is a write-once cell that Apply fills in with a resolved host
// address. Hook bodies read it on the hot path with a single atomic load.
//
// Reading before resolution, or resolving twice, is a programming error in
// the patch set and panics; at an exported seam the boundary guard turns
// that into a controlled halt.
type Address struct {
	v atomic.Uintptr
}

func (a *Address) set(v uintptr) {
	if v == 0 {
		panic("resolved address is zero")
	}
	if !a.v.CompareAndSwap(0, v) {
		panic("address resolved twice")
	}
}

// Get returns the resolved address.
func (a *Address) Get() uintptr {
	v := a.v.Load()
	if v == 0 {
		panic("address read before resolution")
	}
	return v
}

// Resolved reports whether the cell has been filled in.
func (a *Address) Resolved() bool {
	return a.v.Load() != 0
}
