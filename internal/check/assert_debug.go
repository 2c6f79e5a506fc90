//go:build debug

// Package check provides invariant assertions compiled in only for debug
// builds, so the hot dispatch path pays nothing for them in release.
package check

import "fmt"

// Assert panics if cond is false. Only active in debug builds.
func Assert(cond bool, msg string) {
	if !cond {
		panic("gbridge: invariant violated: " + msg)
	}
}

// Assertf panics if cond is false with a formatted message. Only active in debug builds.
func Assertf(cond bool, format string, args ...any) {
	if !cond {
		panic("gbridge: invariant violated: " + fmt.Sprintf(format, args...))
	}
}

// SortedByType panics unless types is strictly increasing. Driver
// registration relies on this to binary-search dispatch.
func SortedByType(types []uint8) {
	for i := 1; i < len(types); i++ {
		Assertf(types[i] > types[i-1], "operation types not sorted: %d before %d", types[i-1], types[i])
	}
}
