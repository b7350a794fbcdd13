//go:build !mono

// Package mono provides low-level monotonic time, used for latency
// sampling where a full time.Time is unnecessary overhead.
package mono

import "time"

var start = time.Now()

// NanoTime returns nanoseconds since an arbitrary, process-local epoch.
// Only useful for computing deltas (see corert's transport stats adapter).
func NanoTime() int64 { return time.Since(start).Nanoseconds() }
