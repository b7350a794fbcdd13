package transport

import (
	"bytes"
	"runtime"
	"strconv"
	"sync"
)

// recursiveMutex is a reentrant mutual-exclusion lock: the goroutine that
// currently holds it may lock it again without deadlocking itself. The
// message-lock at the heart of the transport relies on this so that a
// Handler invoked from the consumer loop can itself call AwaitMessage and
// so "steal" dispatch duty for the remainder of the synchronous call,
// exactly as the original recursive message-lock allowed a handler to
// re-enter the bus.
//
// sync.Mutex is intentionally not reentrant (by design, to catch logic
// bugs); Go's standard library has no recursive variant, so this one
// identifies the owner by goroutine id, parsed out of runtime.Stack. That
// is not a supported API, but it is the accepted way to get a goroutine
// identity when one is unavoidable, and the reentrant message-lock is
// exactly that case.
type recursiveMutex struct {
	gate  sync.Mutex // held across the whole outermost critical section
	mu    sync.Mutex // protects owner/depth bookkeeping only
	owner int64
	depth int
}

// noOwner is never a valid goroutine id (ids start at 1).
const noOwner = 0

func (m *recursiveMutex) Lock() {
	id := goroutineID()
	m.mu.Lock()
	if m.owner == id {
		m.depth++
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	m.gate.Lock()

	m.mu.Lock()
	m.owner = id
	m.depth = 1
	m.mu.Unlock()
}

func (m *recursiveMutex) Unlock() {
	id := goroutineID()
	m.mu.Lock()
	if m.owner != id {
		m.mu.Unlock()
		panic("transport: recursiveMutex unlocked by non-owner goroutine")
	}
	m.depth--
	if m.depth > 0 {
		m.mu.Unlock()
		return
	}
	m.owner = noOwner
	m.mu.Unlock()
	m.gate.Unlock()
}

// HeldByCaller reports whether the calling goroutine currently holds the
// lock (at any depth). Used by the dispatcher's debug assertion that only a
// lock holder dispatches.
func (m *recursiveMutex) HeldByCaller() bool {
	id := goroutineID()
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.owner == id
}

// goroutineID parses the numeric id out of the "goroutine N [state]:" line
// that runtime.Stack always puts first. It is slow relative to a native
// lock and is called on every Lock, Unlock and HeldByCaller of the
// message-lock, never in the hot per-byte frame codec.
func goroutineID() int64 {
	buf := make([]byte, 64)
	n := runtime.Stack(buf, false)
	buf = buf[:n]
	const prefix = "goroutine "
	if !bytes.HasPrefix(buf, []byte(prefix)) {
		panic("transport: unexpected runtime.Stack format")
	}
	buf = buf[len(prefix):]
	end := bytes.IndexByte(buf, ' ')
	if end < 0 {
		panic("transport: unexpected runtime.Stack format")
	}
	id, err := strconv.ParseInt(string(buf[:end]), 10, 64)
	if err != nil {
		panic("transport: unexpected runtime.Stack format: " + err.Error())
	}
	return id
}
