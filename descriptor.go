package hotpatch

import (
	"bytes"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// Resolver is the version-specific offset database used to locate patch
// targets across host versions. Offsets are relative to the host module
// base; the database itself is an external concern.
type Resolver interface {
	// OffsetByID returns the module-relative offset of a known id for the
	// running host version.
	OffsetByID(id uint64) (uintptr, error)

	// IDByOffset reports the id registered at a raw module-relative
	// offset, or an error if the offset is unknown to the running host
	// version.
	IDByOffset(off uintptr) (uint64, error)
}

// Location names a spot in the host module either by database id or by raw
// offset from the module base. Raw offsets are still validated against the
// database, so a host update cannot silently shift them.
type Location struct {
	id    uint64
	off   uintptr
	extra uintptr
	byID  bool
}

// LocationID locates by database id.
func LocationID(id uint64) Location {
	return Location{id: id, byID: true}
}

// LocationOffset locates by raw module-relative offset.
func LocationOffset(off uintptr) Location {
	return Location{off: off}
}

// Plus returns the location displaced by extra bytes past the resolved
// point, for patches that land in the middle of a known function.
func (l Location) Plus(extra uintptr) Location {
	l.extra += extra
	return l
}

// resolve returns the module-relative offset of the location.
func (l Location) resolve(rsv Resolver) (uintptr, error) {
	if l.byID {
		off, err := rsv.OffsetByID(l.id)
		if err != nil {
			return 0, err
		}
		return off + l.extra, nil
	}

	if _, err := rsv.IDByOffset(l.off); err != nil {
		return 0, err
	}
	return l.off + l.extra, nil
}

func (l Location) String() string {
	if l.byID {
		if l.extra == 0 {
			return fmt.Sprintf("[ID: %d]", l.id)
		}
		return fmt.Sprintf("([ID: %d] + %#x)", l.id, l.extra)
	}
	if l.extra == 0 {
		return fmt.Sprintf("[BASE: %#x]", l.off)
	}
	return fmt.Sprintf("([BASE: %#x] + %#x)", l.off, l.extra)
}

// Descriptor declares one thing the patcher must locate in the host and,
// for patch descriptors, what to write there. Kind None only resolves the
// location into Result; any other kind installs a patch.
type Descriptor struct {
	Name string
	Loc  Location

	// Result receives the resolved absolute address, when wanted.
	// Required for Kind None, optional otherwise.
	Result *Address

	Kind Kind
	Hook uintptr // redirect target for the jump/call kinds
	Data []byte  // payload for RawBytes

	// Sig pins the code expected at the target. It must cover at least
	// the bytes the patch rewrites; whatever it covers beyond them is
	// NOP-filled after install.
	Sig Signature

	// Enabled gates the patch from configuration. nil means enabled.
	Enabled func() bool

	// Return receives the address just past the rewritten bytes. Hook
	// bodies jump back through it to resume the original code.
	Return *Address

	Scope Scope
}

func (d *Descriptor) enabled() bool {
	return d.Enabled == nil || d.Enabled()
}

// patchLen is the number of target bytes this descriptor rewrites.
func (d *Descriptor) patchLen() int {
	if d.Kind == RawBytes {
		return len(d.Data)
	}
	return d.Kind.patchSize()
}

// ErrUnresolved means at least one enabled descriptor could not be located
// or failed its signature check. Nothing has been written when Apply
// returns it.
var ErrUnresolved = errors.New("patch targets could not all be resolved")

// Apply locates every descriptor through the resolver, verifies signatures,
// sizes and creates the Global trampoline, installs all enabled patches and
// seals the trampoline.
//
// Resolution is all-or-nothing: a single unresolved target or signature
// mismatch fails the batch before any byte is written, because a host
// running a partial patch set is in an unknown state. An unexpected failure
// during installation is contained at this seam and reported as an error
// wrapping ErrBoundary, so the surrounding load sequence can halt cleanly.
func Apply(rsv Resolver, base uintptr, ds []*Descriptor) error {
	return GuardErr("Apply", func() error {
		return apply(rsv, base, ds)
	})
}

func apply(rsv Resolver, base uintptr, ds []*Descriptor) error {
	addrs := make([]uintptr, len(ds))
	allocSize := 0
	fails := 0

	for i, d := range ds {
		if d.Kind == None && d.Result == nil {
			return fmt.Errorf("descriptor %q resolves to nothing", d.Name)
		}
		if !d.enabled() {
			logger.Info("patch disabled, skipping", zap.String("patch", d.Name))
			continue
		}

		off, err := d.Loc.resolve(rsv)
		if err != nil {
			logger.Error("target not in version database",
				zap.String("patch", d.Name),
				zap.String("loc", d.Loc.String()),
				zap.Error(err))
			fails++
			continue
		}
		addr := base + off

		if d.Kind != None {
			if d.Sig.Len() < d.patchLen() {
				return fmt.Errorf("patch %q: signature covers %d bytes, patch writes %d",
					d.Name, d.Sig.Len(), d.patchLen())
			}
			if err := d.Sig.Check(addr); err != nil {
				logger.Error("code signature mismatch",
					zap.String("patch", d.Name),
					zap.String("expected", d.Sig.String()),
					zap.Error(err))
				fails++
				continue
			}
			// Local-scoped stubs come out of a session trampoline
			// the caller manages; only Global is sized here.
			if d.Scope == Global {
				allocSize += d.Kind.stubSize()
			}
		}

		addrs[i] = addr
		logger.Info("target located",
			zap.String("patch", d.Name),
			zap.String("loc", d.Loc.String()),
			zap.Uintptr("offset", off))
	}

	if fails > 0 {
		return fmt.Errorf("%d of %d targets failed: %w", fails, len(ds), ErrUnresolved)
	}

	if allocSize > 0 {
		if err := createTrampoline(Global, allocSize, base); err != nil {
			return err
		}
	}

	count := 0
	for i, d := range ds {
		if !d.enabled() {
			continue
		}
		addr := addrs[i]

		if d.Result != nil {
			d.Result.set(addr)
		}
		if d.Kind == None {
			continue
		}

		ret := addr + uintptr(d.patchLen())
		if d.Return != nil {
			d.Return.set(ret)
		}

		req := PatchRequest{
			Name:   d.Name,
			Source: addr,
			Dest:   d.Hook,
			Kind:   d.Kind,
			Data:   d.Data,
			Scope:  d.Scope,
		}
		if _, err := install(req); err != nil {
			return fmt.Errorf("install %q: %w", d.Name, err)
		}

		// NOP out the rest of the signed region, so execution resumes
		// cleanly at the return address.
		if rest := d.Sig.Len() - d.patchLen(); rest > 0 {
			if err := writeBytes(ret, bytes.Repeat([]byte{opcodeNOP}, rest)); err != nil {
				return fmt.Errorf("pad %q: %w", d.Name, err)
			}
		}
		count++
	}

	if err := sealTrampoline(Global); err != nil {
		return fmt.Errorf("seal trampoline: %w", err)
	}

	logger.Info("patches applied", zap.Int("installed", count), zap.Int("stubBytes", allocSize))
	return nil
}
