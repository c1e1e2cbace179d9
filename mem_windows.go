//go:build windows

package hotpatch

import (
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/windows"
)

const (
	protRX  = windows.PAGE_EXECUTE_READ
	protRWX = windows.PAGE_EXECUTE_READWRITE
)

func mprotect(addr uintptr, size int, prot int) error {
	pageSize := uintptr(os.Getpagesize())

	// Round address down to page boundary and length up to cover complete
	// pages.
	pageStart := addr &^ (pageSize - 1)
	regionSize := (int(addr-pageStart) + size + int(pageSize) - 1) &^ (int(pageSize) - 1)

	var oldProt uint32
	return windows.VirtualProtect(pageStart, uintptr(regionSize), uint32(prot), &oldProt)
}

// useRegion makes [addr, addr+size) writable, runs fn, and restores the
// previous protection.
func useRegion(addr uintptr, size int, fn func()) error {
	var oldProt uint32
	if err := windows.VirtualProtect(addr, uintptr(size), windows.PAGE_EXECUTE_READWRITE, &oldProt); err != nil {
		return err
	}
	fn()
	return windows.VirtualProtect(addr, uintptr(size), oldProt, &oldProt)
}

// reserveNear commits size bytes of executable memory. With near set,
// explicit base addresses are probed outward from it so every byte of the
// region stays within rel32 range of the module; VirtualAlloc fails on an
// occupied base, which makes probing safe.
func reserveNear(near uintptr, size int) ([]byte, error) {
	// VirtualAlloc reserves at allocation granularity, not page size.
	const granularity = 64 << 10
	mapSize := (size + granularity - 1) &^ (granularity - 1)

	if near == 0 {
		addr, err := windows.VirtualAlloc(0, uintptr(mapSize),
			windows.MEM_COMMIT|windows.MEM_RESERVE, windows.PAGE_EXECUTE_READWRITE)
		if err != nil {
			return nil, err
		}
		return unsafe.Slice((*byte)(unsafe.Pointer(addr)), mapSize), nil
	}

	const step = 64 << 20
	const limit = 1 << 30
	for off := uintptr(step); off < limit; off += step {
		for _, hint := range []uintptr{near + off, near - off} {
			addr, err := windows.VirtualAlloc(hint, uintptr(mapSize),
				windows.MEM_COMMIT|windows.MEM_RESERVE, windows.PAGE_EXECUTE_READWRITE)
			if err != nil {
				continue
			}
			return unsafe.Slice((*byte)(unsafe.Pointer(addr)), mapSize), nil
		}
	}

	return nil, fmt.Errorf("%w: %#x", ErrNoNearMemory, near)
}

func release(mem []byte) error {
	return windows.VirtualFree(uintptr(unsafe.Pointer(unsafe.SliceData(mem))), 0, windows.MEM_RELEASE)
}
