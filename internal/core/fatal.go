package core

import (
	"os"

	"golang.org/x/sys/unix"
)

// fatalHook, when set, intercepts fatal violations instead of aborting the
// process. Only the test suite sets it; the hook is expected to panic so the
// violating call never returns.
var fatalHook func(msg string)

// fatal reports a detected memory-safety violation and aborts. Violations
// are never recoverable errors: continuing would undermine the integrity
// guarantees the allocator exists to provide. The diagnostic is written with
// a single raw write since this path must not allocate.
func fatal(msg string) {
	if fatalHook != nil {
		fatalHook(msg)
		panic("core: fatal hook returned")
	}
	_, _ = os.Stderr.WriteString("hardalloc: fatal error: " + msg + "\n")
	_ = unix.Kill(unix.Getpid(), unix.SIGABRT)
	os.Exit(2)
}
