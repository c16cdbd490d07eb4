package main

import (
	"fmt"
	"os"
)

// osExit is the process-exit hook. The CLI tests swap it for a function
// that panics with exitSentinel, so a recover in the test harness can
// observe the code without killing the test binary.
var osExit = os.Exit

// exitSentinel carries an exit code through panic/recover in tests.
type exitSentinel int

// fatal reports a command-level failure on stderr and exits nonzero.
func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	osExit(1)
}
