//go:build linux || freebsd

package hotpatch

import (
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	protRX  = unix.PROT_READ | unix.PROT_EXEC
	protRWX = unix.PROT_READ | unix.PROT_WRITE | unix.PROT_EXEC
)

// mprotect changes the protection of every page overlapping [addr, addr+size).
func mprotect(addr uintptr, size int, prot int) error {
	pageSize := uintptr(os.Getpagesize())

	// Round address down to page boundary and length up to cover complete
	// pages.
	pageStart := addr &^ (pageSize - 1)
	regionSize := (int(addr-pageStart) + size + int(pageSize) - 1) &^ (int(pageSize) - 1)

	region := unsafe.Slice((*byte)(unsafe.Pointer(pageStart)), regionSize)
	return unix.Mprotect(region, prot)
}

// useRegion makes [addr, addr+size) writable, runs fn, and restores the
// region to read/execute. mprotect does not report the previous protection,
// so the restore assumes the region held code; that is the only kind of
// memory this package writes to.
func useRegion(addr uintptr, size int, fn func()) error {
	if err := mprotect(addr, size, protRWX); err != nil {
		return err
	}
	fn()
	return mprotect(addr, size, protRX)
}

// reserveNear maps size bytes of executable memory. With near set, hint
// addresses are probed outward from it so every byte of the mapping stays
// within rel32 range of the module; the raw syscall is used because the
// x/sys Mmap wrapper has no address-hint parameter.
func reserveNear(near uintptr, size int) ([]byte, error) {
	pageSize := os.Getpagesize()
	mapSize := (size + pageSize - 1) &^ (pageSize - 1)

	if near == 0 {
		return unix.Mmap(-1, 0, mapSize, protRWX, unix.MAP_PRIVATE|unix.MAP_ANON)
	}

	// Probe outward from the module base in 64 MB steps, staying well
	// inside the +/-2 GB displacement limit so that every stub is
	// reachable from every patched address in the module.
	const step = 64 << 20
	const limit = 1 << 30
	for off := uintptr(step); off < limit; off += step {
		for _, hint := range []uintptr{near + off, near - off} {
			addr, _, errno := unix.Syscall6(unix.SYS_MMAP,
				hint, uintptr(mapSize), protRWX,
				uintptr(unix.MAP_PRIVATE|unix.MAP_ANON|mapFixedNoReplace),
				^uintptr(0), 0)
			if errno != 0 {
				continue
			}
			return unsafe.Slice((*byte)(unsafe.Pointer(addr)), mapSize), nil
		}
	}

	return nil, fmt.Errorf("%w: %#x", ErrNoNearMemory, near)
}

func release(mem []byte) error {
	return unix.Munmap(mem)
}
