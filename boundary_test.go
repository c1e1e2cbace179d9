package hotpatch

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordHalts reroutes the halt path into a slice for the duration of the
// test, the only way to observe the halt contract without dying.
func recordHalts(t *testing.T) *[]Diagnostic {
	t.Helper()

	var got []Diagnostic
	prev := SetHalt(func(d Diagnostic) { got = append(got, d) })
	t.Cleanup(func() { SetHalt(prev) })
	return &got
}

func TestGuardContainsPanic(t *testing.T) {
	assert := assert.New(t)
	halts := recordHalts(t)

	// The panic must stop at the guard frame; reaching the assertions at
	// all proves nothing unwound past it.
	Guard("bad entry", func() { panic("kaboom") })

	require.Len(t, *halts, 1)
	d := (*halts)[0]
	assert.Equal("bad entry", d.EntryPoint)
	assert.Equal("kaboom", d.Message)
	assert.Contains(d.File, "boundary_test.go")
	assert.Greater(d.Line, 0)
}

func TestGuardNormalReturn(t *testing.T) {
	halts := recordHalts(t)

	ran := false
	Guard("fine", func() { ran = true })

	assert.True(t, ran)
	assert.Empty(t, *halts)
}

func TestGuardErr(t *testing.T) {
	t.Run("panic becomes error", func(t *testing.T) {
		halts := recordHalts(t)

		err := GuardErr("seam", func() error { panic("inner failure") })
		assert.ErrorIs(t, err, ErrBoundary)
		assert.Contains(t, err.Error(), "seam")
		assert.Contains(t, err.Error(), "inner failure")
		assert.Empty(t, *halts, "recoverable seam must not halt")
	})

	t.Run("error passes through unchanged", func(t *testing.T) {
		sentinel := errors.New("plain failure")
		err := GuardErr("seam", func() error { return sentinel })
		assert.ErrorIs(t, err, sentinel)
		assert.NotErrorIs(t, err, ErrBoundary)
	})

	t.Run("nil passes through", func(t *testing.T) {
		assert.NoError(t, GuardErr("seam", func() error { return nil }))
	})
}

func TestGuardCall(t *testing.T) {
	t.Run("result passes through", func(t *testing.T) {
		got := GuardCall("hook", -1, func() int { return 42 })
		assert.Equal(t, 42, got)
	})

	t.Run("panic yields sentinel", func(t *testing.T) {
		got := GuardCall("hook", -1, func() int { panic("hook failure") })
		assert.Equal(t, -1, got)
	})
}

func TestGuardedSeamsHaltOnFailure(t *testing.T) {
	t.Run("double create", func(t *testing.T) {
		halts := recordHalts(t)
		t.Cleanup(func() { _ = destroyTrampoline(Local) })

		CreateTrampoline(Local, 4096, 0)
		CreateTrampoline(Local, 4096, 0)

		require.Len(t, *halts, 1)
		assert.Equal(t, "CreateTrampoline", (*halts)[0].EntryPoint)
	})

	t.Run("install without source", func(t *testing.T) {
		halts := recordHalts(t)

		InstallPatch(PatchRequest{Name: "empty", Kind: Jump5})

		require.Len(t, *halts, 1)
		assert.Equal(t, "InstallPatch", (*halts)[0].EntryPoint)
	})

	t.Run("raw write at nil", func(t *testing.T) {
		halts := recordHalts(t)

		WriteRaw(0, []byte{opcodeNOP})

		require.Len(t, *halts, 1)
		assert.Equal(t, "WriteRaw", (*halts)[0].EntryPoint)
	})
}

func TestDefaultHaltExits(t *testing.T) {
	code := -1
	prev := exit
	exit = func(c int) { code = c }
	defer func() { exit = prev }()

	defaultHalt(Diagnostic{EntryPoint: "x", File: "f.go", Line: 1, Message: "m"})
	assert.Equal(t, 134, code)
}

func TestPanicOriginThroughWrapper(t *testing.T) {
	halts := recordHalts(t)

	// The origin must point at the frame that raised the failure, not at
	// the guard machinery, even with calls in between.
	inner := func() { panic(fmt.Errorf("deep failure")) }
	outer := func() { inner() }
	Guard("nested", outer)

	require.Len(t, *halts, 1)
	assert.Contains(t, (*halts)[0].File, "boundary_test.go")
	assert.Equal(t, "deep failure", (*halts)[0].Message)
}
