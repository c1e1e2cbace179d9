//go:build amd64

package hotpatch

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/arch/x86/x86asm"
)

type fakeResolver struct {
	byID  map[uint64]uintptr
	byOff map[uintptr]uint64
}

func (r fakeResolver) OffsetByID(id uint64) (uintptr, error) {
	off, ok := r.byID[id]
	if !ok {
		return 0, fmt.Errorf("id %d not in database", id)
	}
	return off, nil
}

func (r fakeResolver) IDByOffset(off uintptr) (uint64, error) {
	id, ok := r.byOff[off]
	if !ok {
		return 0, fmt.Errorf("offset %#x not in database", off)
	}
	return id, nil
}

func TestLocation(t *testing.T) {
	assert := assert.New(t)
	rsv := fakeResolver{
		byID:  map[uint64]uintptr{7: 0x100},
		byOff: map[uintptr]uint64{0x200: 9},
	}

	t.Run("by id", func(t *testing.T) {
		off, err := LocationID(7).resolve(rsv)
		require.NoError(t, err)
		assert.Equal(uintptr(0x100), off)
	})

	t.Run("by id with displacement", func(t *testing.T) {
		off, err := LocationID(7).Plus(0x14).resolve(rsv)
		require.NoError(t, err)
		assert.Equal(uintptr(0x114), off)
	})

	t.Run("raw offset is validated", func(t *testing.T) {
		off, err := LocationOffset(0x200).resolve(rsv)
		require.NoError(t, err)
		assert.Equal(uintptr(0x200), off)

		_, err = LocationOffset(0x300).resolve(rsv)
		assert.Error(err)
	})

	t.Run("display", func(t *testing.T) {
		assert.Equal("[ID: 7]", LocationID(7).String())
		assert.Equal("([ID: 7] + 0x4)", LocationID(7).Plus(4).String())
		assert.Equal("[BASE: 0x200]", LocationOffset(0x200).String())
	})
}

func TestApply(t *testing.T) {
	assert := assert.New(t)
	scratch := makeScratch(t, 8192)
	base := addrOf(scratch)
	t.Cleanup(func() { _ = destroyTrampoline(Global) })

	// Seed host code: a function prologue at +0x100 and an object pointer
	// slot at +0x900.
	prologue := []byte{0x48, 0x89, 0x5c, 0x24, 0x08, 0x57, 0x48, 0x83}
	copy(scratch[0x100:], prologue)

	rsv := fakeResolver{byID: map[uint64]uintptr{
		1: 0x100,
		2: 0x900,
	}}

	var hooked, object, ret Address
	const handler = uintptr(0x1ffe00005678)

	ds := []*Descriptor{
		{
			Name:   "player check",
			Loc:    LocationID(1),
			Kind:   Jump6,
			Hook:   handler,
			Sig:    MustSignature("48 89 5c 24 08 57 48 83"),
			Result: &hooked,
			Return: &ret,
		},
		{
			Name:   "settings object",
			Loc:    LocationID(2),
			Kind:   None,
			Result: &object,
		},
	}

	require.NoError(t, Apply(rsv, base, ds))

	// Resolution results land in the write-once cells.
	assert.Equal(base+0x100, hooked.Get())
	assert.Equal(base+0x105, ret.Get())
	assert.Equal(base+0x900, object.Get())

	// The patched prologue is a jump into the trampoline, and the stub
	// lands on the handler.
	tr, err := activeTrampoline(Global)
	require.NoError(t, err)
	stub := relTarget(t, scratch[0x100:0x105], base+0x100)
	assert.GreaterOrEqual(stub, tr.base())
	assert.Less(stub, tr.base()+uintptr(tr.capacity))

	// The signed bytes past the redirect are NOPed out.
	assert.Equal([]byte{opcodeNOP, opcodeNOP, opcodeNOP}, scratch[0x105:0x108])

	inst, err := x86asm.Decode(scratch[0x100:], 64)
	require.NoError(t, err)
	assert.Equal(x86asm.JMP, inst.Op)
}

func TestApplyAllOrNothing(t *testing.T) {
	assert := assert.New(t)
	scratch := makeScratch(t, 4096)
	base := addrOf(scratch)

	prologue := []byte{0x55, 0x48, 0x89, 0xe5}
	copy(scratch[0x100:], prologue)
	rsv := fakeResolver{byID: map[uint64]uintptr{1: 0x100}}

	t.Run("missing id fails the batch", func(t *testing.T) {
		ds := []*Descriptor{
			{
				Name: "present",
				Loc:  LocationID(1),
				Kind: RawBytes,
				Data: []byte{opcodeNOP},
				Sig:  MustSignature("55"),
			},
			{
				Name:   "absent",
				Loc:    LocationID(99),
				Kind:   None,
				Result: &Address{},
			},
		}

		err := Apply(rsv, base, ds)
		assert.ErrorIs(err, ErrUnresolved)

		// Nothing was written, even for the resolvable descriptor.
		assert.Equal(prologue, scratch[0x100:0x104])
		_, err = activeTrampoline(Global)
		assert.ErrorIs(err, ErrNoTrampoline)
	})

	t.Run("signature mismatch fails the batch", func(t *testing.T) {
		ds := []*Descriptor{{
			Name: "wrong code",
			Loc:  LocationID(1),
			Kind: RawBytes,
			Data: []byte{opcodeNOP},
			Sig:  MustSignature("c3"),
		}}

		err := Apply(rsv, base, ds)
		assert.ErrorIs(err, ErrUnresolved)
		assert.Equal(prologue, scratch[0x100:0x104])
	})

	t.Run("undersized signature is a programming error", func(t *testing.T) {
		ds := []*Descriptor{{
			Name: "short sig",
			Loc:  LocationID(1),
			Kind: Jump5,
			Hook: base,
			Sig:  MustSignature("55"),
		}}

		err := Apply(rsv, base, ds)
		assert.ErrorContains(err, "signature covers")
	})
}

func TestApplyDisabledPatch(t *testing.T) {
	assert := assert.New(t)
	scratch := makeScratch(t, 4096)
	base := addrOf(scratch)

	before := readBytes(base+0x100, 8)
	rsv := fakeResolver{byID: map[uint64]uintptr{1: 0x100}}

	ds := []*Descriptor{{
		Name:    "disabled",
		Loc:     LocationID(1),
		Kind:    Jump6,
		Hook:    0x1ffe00005678,
		Sig:     MustSignature("? ? ? ? ?"),
		Enabled: func() bool { return false },
	}}

	require.NoError(t, Apply(rsv, base, ds))

	// Nothing written and no trampoline created for an all-disabled set.
	assert.Equal(before, readBytes(base+0x100, 8))
	_, err := activeTrampoline(Global)
	assert.ErrorIs(err, ErrNoTrampoline)
}

func TestApplyResolveOnlyNeedsResult(t *testing.T) {
	rsv := fakeResolver{}
	ds := []*Descriptor{{Name: "aimless", Loc: LocationID(1), Kind: None}}
	err := Apply(rsv, 0x1000, ds)
	assert.ErrorContains(t, err, "resolves to nothing")
}
