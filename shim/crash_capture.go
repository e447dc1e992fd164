package shim

import (
	"fmt"
	"runtime/debug"
)

// installCrashCapture returns nothing: Go has no user-installable panic
// hook equivalent to the original's signal-hook-based crash_capture
// module (that file wasn't part of the retrieval pack), so crash capture
// here is a deferred recover() in Recover wrapping the fallible part of
// Run, not a package-level signal handler. See DESIGN.md for the Open
// Question this resolves.
func installCrashCapture(exitFilePath string) {
	// Recorded for Recover to use; kept as a package-level var rather than
	// threading exitFilePath through every call site.
	crashExitFile = exitFilePath
}

var crashExitFile string

// Recover wraps fn, turning any panic into an Error-kind exit record
// instead of a silent nonzero exit with no diagnostic, mirroring the
// original's CrashCapture writing exit_file.json from its panic hook.
func Recover(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			msg := fmt.Sprintf("panic: %v\n%s", r, debug.Stack())
			if crashExitFile != "" {
				writeErrorExit(crashExitFile, fmt.Errorf("%s", msg))
			}
			err = fmt.Errorf("recovered panic: %v", r)
		}
	}()
	return fn()
}
