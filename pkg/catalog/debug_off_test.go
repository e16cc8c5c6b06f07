//go:build !meerkatdebug

package catalog

func debugBuild() bool { return false }
