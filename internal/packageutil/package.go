package packageutil

import "strings"

// SplitGoFunction splits a fully qualified Go function name, as it appears
// in a goroutine dump or a runtime.Frame, into its package import path and
// the function name relative to that package.
//
//	github.com/getsentry/stackprof/internal/task.(*Task).Await
//	-> "github.com/getsentry/stackprof/internal/task", "(*Task).Await"
func SplitGoFunction(fn string) (string, string) {
	// type parameters may contain paths, only look at what's before them
	prefix := fn
	if i := strings.IndexByte(prefix, '['); i >= 0 {
		prefix = prefix[:i]
	}
	start := strings.LastIndexByte(prefix, '/') + 1
	dot := strings.IndexByte(prefix[start:], '.')
	if dot < 0 {
		return "", fn
	}
	return fn[:start+dot], fn[start+dot+1:]
}

// IsGoStdlibPackage determines whether the import path belongs to the Go
// standard library or the runtime. Standard library paths never have a dot
// in their first element, with the exception of the main package which is
// always part of the application.
func IsGoStdlibPackage(pkg string) bool {
	if pkg == "" || pkg == "main" {
		return false
	}
	first := pkg
	if i := strings.IndexByte(first, '/'); i >= 0 {
		first = first[:i]
	}
	return !strings.Contains(first, ".")
}

// IsGoApplicationPackage is the opposite of IsGoStdlibPackage, except that
// an unknown package is not considered part of the application.
func IsGoApplicationPackage(pkg string) bool {
	return pkg != "" && !IsGoStdlibPackage(pkg)
}
