package transport

import "github.com/xrbridge/xrbridge/frame"

// guard is the shared machinery behind MessageLock, MessageLockIn and
// MessageLockOut: all three are move-only handles on the Transport's
// recursive message-lock. owns is false when the guard is handed to a
// Handler invoked by the consumer (or by an ancestor await/handle frame)
// that already holds the lock; Close is then a no-op, since releasing it
// early would let a second goroutine dispatch concurrently with the
// handler still running.
type guard struct {
	t     *Transport
	owns  bool
	freed bool
}

func newBorrowedGuard(t *Transport) guard {
	return guard{t: t, owns: false}
}

func (g *guard) release() {
	if g.freed {
		return
	}
	g.freed = true
	if g.owns {
		g.t.msgMu.Unlock()
	}
}

// MessageLock is the plain guard returned by Transport.AcquireMessageLock:
// it holds the message-lock but stages no buffer. Used to serialize a
// critical section against concurrent dispatch without sending or
// awaiting a particular message.
type MessageLock struct {
	guard
}

// Close releases the message-lock if this guard owns it. Safe to call more
// than once.
func (m *MessageLock) Close() {
	m.release()
}

// MessageLockOut is returned by Transport.StartMessage. It owns the
// message-lock and stages an in-memory SendBuffer; appending bytes to it
// via Write grows the frame's payload. Flush (or Close, which flushes
// implicitly) performs the single contiguous write to the stream.
type MessageLockOut struct {
	guard
	buf    *frame.SendBuffer
	header uint16
}

// Write appends bytes to the staged frame's payload.
func (m *MessageLockOut) Write(p []byte) (int, error) {
	return m.buf.Write(p)
}

// Len reports the payload length staged so far.
func (m *MessageLockOut) Len() int {
	return m.buf.Len()
}

// Flush writes the completed frame to the stream. It is safe to call at
// most once; Close calls it if the caller hasn't already.
func (m *MessageLockOut) Flush() error {
	if m.buf == nil {
		return nil
	}
	err := m.buf.Flush(m.t.s)
	m.buf = nil
	if err == nil && m.t.stats != nil {
		m.t.stats.MessageSent(m.header)
	}
	return err
}

// Close flushes any unsent payload and releases the message-lock.
func (m *MessageLockOut) Close() error {
	err := m.Flush()
	m.release()
	return err
}

// MessageLockIn is returned by Transport.AwaitMessage (and handed to a
// registered Handler by the dispatcher) once a message has been matched.
// It wraps the received payload in a ReceiveBuffer. Whether Close actually
// releases the message-lock depends on ownership: a guard returned
// directly to an AwaitMessage/HandleMessage caller owns the lock; a guard
// handed into a Handler does not, because the dispatcher's own frame
// (or an ancestor await/handle loop) already holds it.
type MessageLockIn struct {
	guard
	Header  uint16
	Payload *frame.ReceiveBuffer
}

// Read reads from the message's payload.
func (m *MessageLockIn) Read(p []byte) (int, error) {
	return m.Payload.Read(p)
}

// Remaining reports how many unread payload bytes remain.
func (m *MessageLockIn) Remaining() int {
	return m.Payload.Remaining()
}

// Bytes returns the unread remainder of the payload.
func (m *MessageLockIn) Bytes() []byte {
	return m.Payload.Bytes()
}

// Close releases the message-lock if this guard owns it.
func (m *MessageLockIn) Close() {
	m.release()
}
