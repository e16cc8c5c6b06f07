//go:build meerkatdebug

// Package debug holds checks that only fire in builds tagged meerkatdebug.
package debug

import "fmt"

// Enabled reports whether this is a debug build.
const Enabled = true

// Assert panics when ok is false.
func Assert(ok bool, format string, args ...any) {
	if !ok {
		panic(fmt.Sprintf(format, args...))
	}
}
