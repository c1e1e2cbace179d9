// Patch the code of a running process without touching the binary on disk.
//
// This package rewrites live instruction bytes to redirect calls and jumps
// in a host process into replacement logic supplied by a plugin. It provides
// the mechanism only: a trampoline allocator for redirect stubs, a safe
// writer that brackets every code write with a page-protection change, and a
// boundary guard that keeps a failure on either side of a redirect from
// unwinding across the seam.
//
// Limitations:
//   - Only supports amd64 on Linux, FreeBSD or Windows
//   - Installation must happen before the host resumes multi-threaded
//     operation; nothing here synchronizes against threads executing the
//     bytes being rewritten
//   - Callers are responsible for supplying correct target addresses and
//     patch lengths; nothing here disassembles the host to check them
package hotpatch
