package hotpatch

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Kind selects the encoding a patch writes at its source address.
type Kind int

const (
	// None writes nothing; used by descriptors that only resolve an
	// address.
	None Kind = iota
	// Jump5 writes a 5-byte relative jump straight to the destination,
	// which must be within rel32 range of the source.
	Jump5
	// Call5 is Jump5 with a call instruction.
	Call5
	// Jump6 routes a 5-byte relative jump through an absolute stub in the
	// trampoline, so the destination can be anywhere in the address space.
	Jump6
	// Call6 is Jump6 with a call instruction at the source.
	Call6
	// RawBytes writes literal bytes with no redirect semantics.
	RawBytes
)

func (k Kind) String() string {
	switch k {
	case None:
		return "none"
	case Jump5:
		return "jump5"
	case Call5:
		return "call5"
	case Jump6:
		return "jump6"
	case Call6:
		return "call6"
	case RawBytes:
		return "raw"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// patchSize is the number of bytes the kind rewrites at the source address.
// RawBytes is sized by its payload.
func (k Kind) patchSize() int {
	switch k {
	case Jump5, Call5, Jump6, Call6:
		return relJumpLen
	default:
		return 0
	}
}

// stubSize is the trampoline allocation the kind needs.
func (k Kind) stubSize() int {
	switch k {
	case Jump6, Call6:
		return absJumpLen
	default:
		return 0
	}
}

func (k Kind) relOpcode() byte {
	if k == Call5 || k == Call6 {
		return opcodeCALLrel
	}
	return opcodeJMPrel
}

// PatchRequest describes one rewrite of host code.
type PatchRequest struct {
	Name   string  // diagnostics only
	Source uintptr // absolute address being rewritten
	Dest   uintptr // redirect target; ignored for RawBytes
	Kind   Kind
	Data   []byte // literal bytes for RawBytes
	Scope  Scope  // trampoline the stub is cut from; Global unless set
}

// InstalledPatch records what a single install wrote. The installer owns
// these records for as long as the plugin is loaded; there is no unload-time
// restoration, but tests and diagnostics read them.
type InstalledPatch struct {
	Request PatchRequest
	Prior   []byte  // bytes at Source before the write
	Stub    uintptr // 0 when no stub was allocated
}

var (
	installedMu sync.Mutex
	installed   []InstalledPatch
)

// InstalledPatches returns a copy of the install records, oldest first.
func InstalledPatches() []InstalledPatch {
	installedMu.Lock()
	defer installedMu.Unlock()
	out := make([]InstalledPatch, len(installed))
	copy(out, installed)
	return out
}

func record(req PatchRequest, prior []byte, stub uintptr) {
	installedMu.Lock()
	defer installedMu.Unlock()
	installed = append(installed, InstalledPatch{Request: req, Prior: prior, Stub: stub})
}

// InstallPatch rewrites the request's source address, routing through a
// trampoline stub for the 6-byte forms, and returns the stub address if one
// was allocated. Any failure halts the plugin; a half-written redirect must
// not survive.
//
// Installing the same source twice writes twice. There is no dedup; avoiding
// double installation is the caller's contract.
func InstallPatch(req PatchRequest) (stub uintptr) {
	Guard("InstallPatch", func() {
		var err error
		stub, err = install(req)
		must(err)
	})
	return stub
}

// WriteRaw overwrites len(data) bytes at addr with no redirect semantics.
// Halts the plugin on failure.
func WriteRaw(addr uintptr, data []byte) {
	Guard("WriteRaw", func() {
		must(writeBytes(addr, data))
	})
}

func install(req PatchRequest) (uintptr, error) {
	if req.Source == 0 {
		return 0, fmt.Errorf("patch %q has no source address", req.Name)
	}

	switch req.Kind {
	case RawBytes:
		if len(req.Data) == 0 {
			return 0, fmt.Errorf("raw patch %q has no bytes", req.Name)
		}
		prior := readBytes(req.Source, len(req.Data))
		if err := writeBytes(req.Source, req.Data); err != nil {
			return 0, err
		}
		record(req, prior, 0)
		return 0, nil

	case Jump5, Call5:
		// An out-of-range destination is a caller error here; the
		// 6-byte forms exist for that.
		prior := readBytes(req.Source, relJumpLen)
		if err := writeRel5(req.Kind.relOpcode(), req.Source, req.Dest); err != nil {
			return 0, fmt.Errorf("patch %q: %w", req.Name, err)
		}
		record(req, prior, 0)
		return 0, nil

	case Jump6, Call6:
		t, err := activeTrampoline(req.Scope)
		if err != nil {
			return 0, fmt.Errorf("patch %q: %w", req.Name, err)
		}
		stub, err := t.allocStub(encodeAbs14(req.Dest))
		if err != nil {
			return 0, fmt.Errorf("patch %q: %w", req.Name, err)
		}
		prior := readBytes(req.Source, relJumpLen)
		if err := writeRel5(req.Kind.relOpcode(), req.Source, stub); err != nil {
			return 0, fmt.Errorf("patch %q: stub unreachable: %w", req.Name, err)
		}
		record(req, prior, stub)

		if ce := logger.Check(zap.DebugLevel, "stub installed"); ce != nil {
			// Only the instruction part; the trailing 8 bytes are
			// the destination address, not code.
			asm, _ := disassemble(readBytes(stub, absJumpLen-8))
			ce.Write(zap.String("patch", req.Name),
				zap.Uintptr("stub", stub),
				zap.String("asm", asm))
		}
		return stub, nil

	default:
		return 0, fmt.Errorf("cannot install a %v patch", req.Kind)
	}
}
