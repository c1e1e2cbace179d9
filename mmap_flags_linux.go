//go:build linux

package hotpatch

import "golang.org/x/sys/unix"

// MAP_FIXED_NOREPLACE makes a probe at an occupied hint fail with EEXIST
// instead of silently remapping whatever lives there.
//
// https://man7.org/linux/man-pages/man2/mmap.2.html
const mapFixedNoReplace = unix.MAP_FIXED_NOREPLACE
