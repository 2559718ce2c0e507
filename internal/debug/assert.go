package debug

import (
	"fmt"
	"runtime"
)

// NOTE: assertions guard programmer errors only. Anything that can be
// triggered by a peer must come back as an error value instead.

// NOTE: originally stolen from
// https://github.com/golang/go/blob/eaa7d9ff86b35c72cc35bd7c14b349fa414c392f/src/go/types/errors.go#L18
func Assert(truth bool, msg ...string) {
	if len(msg) > 1 {
		panic("invalid assert args")
	}
	if !truth {
		fail(fmt.Sprintf("assertion failed(%s)", msg))
	}
}

func Assertf(truth bool, format string, args ...any) {
	if !truth {
		fail("assertion failed: " + fmt.Sprintf(format, args...))
	}
}

func fail(msg string) {
	// include the location of the failed assertion, it would otherwise be
	// buried in the middle of the panicking stack.
	if _, file, line, ok := runtime.Caller(2); ok {
		msg = fmt.Sprintf("%s:%d: %s", file, line, msg)
	}
	panic(msg)
}
