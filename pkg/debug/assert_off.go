//go:build !meerkatdebug

// Package debug holds checks that only fire in builds tagged meerkatdebug.
package debug

// Enabled reports whether this is a debug build.
const Enabled = false

// Assert does nothing outside debug builds.
func Assert(bool, string, ...any) {}
