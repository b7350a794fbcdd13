//go:build windows

package hx

import (
	"encoding/binary"
	"sync"

	"golang.org/x/sys/windows"

	"github.com/xrbridge/xrbridge/transport"
)

// txChannel is the Windows implementation of Channel. Unlike the Unix
// AF_UNIX/SCM_RIGHTS side channel, Windows has no portable ancillary-data
// mechanism for SOCK_STREAM; the sender instead duplicates its handle
// directly into the receiver's process with DuplicateHandle and ships the
// resulting value as an ordinary payload on the accompanying Transport,
// under a header chosen by the caller and passed to NewTXChannel. One TX
// message therefore substitutes for
// one exchange; HX may not assume TX is usable before it is initialized,
// so callers must not construct a txChannel until after Transport.Start
// has completed the handshake.
type txChannel struct {
	tx     *transport.Transport
	header uint16

	peerProcess  windows.Handle // target process for outbound DuplicateHandle
	localProcess windows.Handle // == windows.CurrentProcess(), cached

	mu      sync.Mutex
	pending chan windows.Handle // handles received via the registered TX handler
	closed  bool
}

// NewTXChannel wires a handle-exchange channel on top of an already-started
// Transport. peerProcess must be a handle to the remote process with
// PROCESS_DUP_HANDLE rights, obtained during connection setup (out of scope
// here: the loader resolves the peer PID and opens it).
func NewTXChannel(tx *transport.Transport, header uint16, peerProcess windows.Handle) *txChannel {
	c := &txChannel{
		tx:           tx,
		header:       header,
		peerProcess:  peerProcess,
		localProcess: windows.CurrentProcess(),
		pending:      make(chan windows.Handle, 8),
	}
	tx.RegisterHandler(header, c.onMessage)
	return c
}

func (c *txChannel) onMessage(in *transport.MessageLockIn) {
	var buf [8]byte
	if _, err := in.Read(buf[:]); err != nil {
		return
	}
	h := windows.Handle(binary.LittleEndian.Uint64(buf[:]))
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		_ = windows.CloseHandle(h)
		return
	}
	c.pending <- h
}

// Send duplicates h into the peer's process and ships the duplicate's
// value as a TX payload. The local copy of h is closed once the duplicate
// exists, matching the Unix side's "sender closes its copy only after the
// send completes" ownership rule.
func (c *txChannel) Send(h Handle) error {
	var dup windows.Handle
	err := windows.DuplicateHandle(
		c.localProcess, windows.Handle(h),
		c.peerProcess, &dup,
		0, false, windows.DUPLICATE_SAME_ACCESS)
	if err != nil {
		return err
	}
	out, err := c.tx.StartMessage(c.header)
	if err != nil {
		_ = windows.CloseHandle(dup)
		return err
	}
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(dup))
	if _, werr := out.Write(buf[:]); werr != nil {
		out.Close()
		return werr
	}
	if err := out.Close(); err != nil {
		return err
	}
	return windows.CloseHandle(windows.Handle(h))
}

// Recv waits for the next handle value delivered by onMessage. The value is
// already valid in this process (DuplicateHandle on the sender's side did
// the cross-process work); Recv just hands it back typed as Handle.
func (c *txChannel) Recv() (Handle, error) {
	h, ok := <-c.pending
	if !ok {
		return 0, ErrClosed
	}
	return Handle(h), nil
}

func (c *txChannel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	c.tx.UnregisterHandler(c.header)
	close(c.pending)
	return nil
}

// CloseHandle releases an OS handle this process no longer needs.
func CloseHandle(h Handle) error {
	return windows.CloseHandle(windows.Handle(h))
}
