package hotpatch

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"strings"

	"go.uber.org/zap"
)

// ErrBoundary is returned by GuardErr when the wrapped logic failed
// unexpectedly and the failure was contained at the boundary.
var ErrBoundary = errors.New("failure contained at plugin boundary")

// Diagnostic describes a failure caught at a boundary seam.
type Diagnostic struct {
	EntryPoint string
	File       string
	Line       int
	Message    string
}

// halt terminates the plugin after a failure that has no recoverable
// signal. Swappable so tests can record the halt instead of exiting.
var halt = defaultHalt

// exit is split out of defaultHalt so tests can observe the exit code.
var exit = os.Exit

// SetHalt replaces the halt hook and returns the previous one. Only
// intended for tests; a production plugin wants the default behavior of
// terminating before a half-patched host can keep running.
func SetHalt(f func(Diagnostic)) func(Diagnostic) {
	prev := halt
	halt = f
	return prev
}

func defaultHalt(d Diagnostic) {
	// The log attempt must not be able to suppress the halt.
	func() {
		defer func() { _ = recover() }()
		logger.Error("fatal failure at plugin boundary",
			zap.String("entry", d.EntryPoint),
			zap.String("file", d.File),
			zap.Int("line", d.Line),
			zap.String("message", d.Message))
		fmt.Fprintf(os.Stderr, "hotpatch: fatal in %s (%s:%d): %s\n",
			d.EntryPoint, d.File, d.Line, d.Message)
	}()
	exit(134)
}

// Guard runs fn on behalf of the other side of the boundary. A panic inside
// fn is intercepted in this frame and converted to a controlled halt; it is
// never allowed to unwind into the caller, whose unwinding rules are not
// ours.
//
// Every exported seam of this package runs under Guard, and plugin hook
// bodies invoked by the host should too.
func Guard(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			halt(diagnose(name, r))
		}
	}()
	fn()
}

// GuardErr is Guard for seams whose contract defines a recoverable error
// signal. A panic inside fn comes back as an error wrapping ErrBoundary
// instead of halting the plugin.
func GuardErr(name string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			d := diagnose(name, r)
			logger.Error("failure contained at plugin boundary",
				zap.String("entry", d.EntryPoint),
				zap.String("file", d.File),
				zap.Int("line", d.Line),
				zap.String("message", d.Message))
			err = fmt.Errorf("%s (%s:%d): %s: %w",
				d.EntryPoint, d.File, d.Line, d.Message, ErrBoundary)
		}
	}()
	return fn()
}

// GuardCall wraps a hook body that must hand a plain value back to the host.
// On a contained failure the caller receives sentinel.
func GuardCall[T any](name string, sentinel T, fn func() T) (result T) {
	defer func() {
		if r := recover(); r != nil {
			d := diagnose(name, r)
			logger.Error("failure contained at plugin boundary",
				zap.String("entry", d.EntryPoint),
				zap.String("file", d.File),
				zap.Int("line", d.Line),
				zap.String("message", d.Message))
			result = sentinel
		}
	}()
	return fn()
}

// must converts an internal error into a panic for the enclosing Guard to
// contain. Layers below the boundary fail upward freely; the guard is the
// single recovery point.
func must(err error) {
	if err != nil {
		panic(err)
	}
}

func diagnose(name string, r any) Diagnostic {
	file, line := panicOrigin()
	return Diagnostic{
		EntryPoint: name,
		File:       file,
		Line:       line,
		Message:    fmt.Sprint(r),
	}
}

// panicOrigin reports the source location that raised the panic currently
// being recovered: the first non-runtime frame above runtime.gopanic.
func panicOrigin() (string, int) {
	var pcs [64]uintptr
	n := runtime.Callers(0, pcs[:])
	frames := runtime.CallersFrames(pcs[:n])

	sawPanic := false
	for {
		frame, more := frames.Next()
		if strings.HasPrefix(frame.Function, "runtime.") {
			if frame.Function == "runtime.gopanic" {
				sawPanic = true
			}
		} else if sawPanic {
			return frame.File, frame.Line
		}
		if !more {
			return "", 0
		}
	}
}
