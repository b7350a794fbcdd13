//go:build mono

package mono

import (
	_ "unsafe" // for go:linkname
)

// https://pkg.go.dev/runtime#pkg-variables
//
//go:linkname NanoTime runtime.nanotime
func NanoTime() int64
