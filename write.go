package hotpatch

import (
	"fmt"
	"unsafe"
)

// writeBytes copies data over the code at addr: make the region writable,
// copy, restore protection. Any failure comes back as an error for the
// boundary to act on; a half-applied redirect must never be ignored.
//
// addr must point into mapped memory of the host process. Writing anywhere
// else is undefined, same as it would be for the host itself.
func writeBytes(addr uintptr, data []byte) error {
	if addr == 0 {
		return fmt.Errorf("write of %d bytes at nil address", len(data))
	}
	if len(data) == 0 {
		return nil
	}

	err := useRegion(addr, len(data), func() {
		copy(unsafe.Slice((*byte)(unsafe.Pointer(addr)), len(data)), data)
	})
	if err != nil {
		return fmt.Errorf("write %d bytes at %#x: %w", len(data), addr, err)
	}
	return nil
}

// writeRel5 writes a 5-byte relative jump or call at src landing on dst.
func writeRel5(opcode byte, src, dst uintptr) error {
	code, err := encodeRel5(opcode, src, dst)
	if err != nil {
		return err
	}
	return writeBytes(src, code)
}

// readBytes copies n bytes of live code at addr. Code pages are readable on
// every supported target, so no protection bracket is needed.
func readBytes(addr uintptr, n int) []byte {
	buf := make([]byte, n)
	copy(buf, unsafe.Slice((*byte)(unsafe.Pointer(addr)), n))
	return buf
}
