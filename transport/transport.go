// Package transport implements the bidirectional framed message bus: one
// duplex stream, a recursive message-lock, an inbound FIFO queue, and a
// producer/consumer worker pair that dispatches to registered handlers or
// hands a matched message directly back to a synchronous caller.
/*
 * Copyright (c) 2024, the xrbridge authors.
 */
package transport

import (
	"sync"
	"sync/atomic"

	"github.com/xrbridge/xrbridge/cmn/debug"
	"github.com/xrbridge/xrbridge/cmn/nlog"
	"github.com/xrbridge/xrbridge/frame"
	"github.com/xrbridge/xrbridge/stream"
)

// StatsHook lets a caller observe Transport activity without coupling this
// package to any particular metrics library; metrics.Registry implements it
// via a thin adapter in corert. A nil hook (the default) costs nothing: all
// call sites guard on it being set.
type StatsHook interface {
	MessageSent(header uint16)
	MessageReceived(header uint16)
	QueueDepth(n int)
	UnknownHeader()
}

// Handler processes one dispatched message. It runs with the message-lock
// already held by its caller (the consumer loop, or an ancestor
// await/handle loop that stole dispatch duty); it may itself call
// StartMessage, AwaitMessage or AcquireMessageLock without deadlocking.
type Handler func(in *MessageLockIn)

// Transport owns one duplex stream.Stream plus the worker pair and state
// that turn it into a framed, handler-dispatching bus. The zero value is
// not usable; construct with New.
type Transport struct {
	s     stream.Stream
	msgMu recursiveMutex

	status atomic.Int32

	queueMu sync.Mutex
	queueCV *sync.Cond
	queue   []frame.Message

	handlers map[uint16]Handler

	stats StatsHook

	started   atomic.Bool
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// New returns an unstarted Transport. Call Start once a stream has
// completed its handshake.
func New() *Transport {
	t := &Transport{handlers: make(map[uint16]Handler)}
	t.queueCV = sync.NewCond(&t.queueMu)
	t.status.Store(int32(StatusCreated))
	return t
}

// SetStats installs hook to observe send/receive/queue-depth events. Call
// it before Start; it is not safe to change concurrently with traffic.
func (t *Transport) SetStats(hook StatsHook) {
	t.stats = hook
}

// GetStatus returns the current lifecycle state.
func (t *Transport) GetStatus() Status {
	return Status(t.status.Load())
}

// Start adopts s and launches the producer and consumer workers. It does
// not block and does not perform the magic/version handshake; callers
// drive ClientHandshake/ServerHandshake on s first.
func (t *Transport) Start(s stream.Stream) error {
	if !t.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	t.s = s
	t.status.Store(int32(StatusOpen))
	t.wg.Add(2)
	go t.producerLoop()
	go t.consumerLoop()
	return nil
}

// Join blocks until both workers have exited, i.e. until the transport has
// reached CLOSED.
func (t *Transport) Join() {
	t.wg.Wait()
}

// producerLoop drains the stream into the queue. It never contends the
// message-lock: reading frames and reading the application's own
// synchronous calls are independent concerns.
func (t *Transport) producerLoop() {
	defer t.wg.Done()
	for {
		msg, err := frame.ReadMessage(t.s)
		if err != nil {
			if Status(t.status.Load()) != StatusClosed {
				nlog.Warningf("transport: producer stream error, closing: %v", err)
				t.forceClose()
			}
			return
		}

		t.queueMu.Lock()
		t.queue = append(t.queue, msg)
		depth := len(t.queue)
		t.queueCV.Broadcast()
		t.queueMu.Unlock()

		if t.stats != nil {
			t.stats.MessageReceived(msg.Code)
			t.stats.QueueDepth(depth)
		}

		if msg.Code == Shutdown {
			return
		}
	}
}

// consumerLoop implements the four-step dispatch loop: take the
// message-lock, check the queue under queue_mutex, dispatch with the
// queue-lock dropped, or release the message-lock before waiting so a
// synchronous caller can always acquire it while the consumer is idle.
func (t *Transport) consumerLoop() {
	defer t.wg.Done()
	for {
		t.msgMu.Lock()

		t.queueMu.Lock()
		if Status(t.status.Load()) == StatusClosed {
			t.queueMu.Unlock()
			t.msgMu.Unlock()
			return
		}

		if len(t.queue) > 0 {
			msg := t.queue[0]
			t.queue = t.queue[1:]
			t.queueMu.Unlock()

			t.dispatch(msg)
			t.msgMu.Unlock()
			continue
		}

		// Queue is empty: release the message-lock before blocking so a
		// caller of StartMessage/AwaitMessage/AcquireMessageLock is never
		// starved behind an idle consumer.
		t.msgMu.Unlock()
		t.queueCV.Wait()
		t.queueMu.Unlock()
	}
}

// dispatch runs a single message's handler. The caller must already hold
// the message-lock; dispatch neither acquires nor releases it.
func (t *Transport) dispatch(msg frame.Message) {
	debug.Assert(t.msgMu.HeldByCaller(), "dispatch invoked without the message-lock held")

	if msg.Code == Shutdown {
		t.handleShutdownFrame()
		return
	}

	fn, ok := t.handlers[msg.Code]
	if !ok {
		nlog.Warningf("transport: dropping message with unregistered header %d", msg.Code)
		if t.stats != nil {
			t.stats.UnknownHeader()
		}
		return
	}
	in := &MessageLockIn{
		guard:   newBorrowedGuard(t),
		Header:  msg.Code,
		Payload: frame.NewReceiveBuffer(msg.Payload),
	}
	fn(in)
}

// handleShutdownFrame implements the dispatcher's SHUTDOWN handling. The
// caller holds the message-lock.
func (t *Transport) handleShutdownFrame() {
	switch Status(t.status.Load()) {
	case StatusOpen:
		// Peer-initiated: answer in kind, then close.
		t.sendShutdownLocked()
		t.forceClose()
	case StatusWriteClosed:
		// We initiated; this is the peer's answering SHUTDOWN.
		t.forceClose()
	default:
		// Already closed or closing; nothing to do.
	}
}

// sendShutdownLocked writes a bare SHUTDOWN frame. The caller holds the
// message-lock.
func (t *Transport) sendShutdownLocked() {
	buf := frame.NewSendBuffer(Shutdown)
	if err := buf.Flush(t.s); err != nil {
		nlog.Warningf("transport: failed to send answering shutdown: %v", err)
	}
}

// StartMessage begins a new outgoing frame. The returned guard owns the
// message-lock until Close (or Flush+Close) is called.
func (t *Transport) StartMessage(header uint16) (*MessageLockOut, error) {
	if !t.started.Load() {
		return nil, ErrNotStarted
	}
	t.msgMu.Lock()
	switch Status(t.status.Load()) {
	case StatusCreated:
		t.msgMu.Unlock()
		return nil, ErrNotOpen
	case StatusWriteClosed, StatusClosed:
		t.msgMu.Unlock()
		return nil, ErrWriteClosed
	}
	return &MessageLockOut{
		guard:  guard{t: t, owns: true},
		buf:    frame.NewSendBuffer(header),
		header: header,
	}, nil
}

// AcquireMessageLock takes the message-lock without staging a frame,
// serializing the caller's critical section against concurrent dispatch.
func (t *Transport) AcquireMessageLock() *MessageLock {
	t.msgMu.Lock()
	return &MessageLock{guard: guard{t: t, owns: true}}
}

// AwaitMessage blocks until a message with the given header arrives,
// dispatching every other message it sees along the way (stealing
// dispatch duty from the consumer for as long as it holds the
// message-lock). The returned guard owns the lock; the caller must Close
// it once done reading the payload.
func (t *Transport) AwaitMessage(header uint16) (*MessageLockIn, error) {
	if header == Shutdown {
		return nil, ErrUnexpectedMessage
	}
	if !t.started.Load() {
		return nil, ErrNotStarted
	}

	t.msgMu.Lock()
	for {
		t.queueMu.Lock()
		if Status(t.status.Load()) == StatusClosed {
			t.queueMu.Unlock()
			t.msgMu.Unlock()
			return nil, ErrClosed
		}

		if len(t.queue) == 0 {
			// Re-check status under queueMu, immediately before blocking:
			// this is the correctness hinge that closes the race with
			// forceClose's Broadcast (see consumerLoop for the same
			// discipline).
			t.queueCV.Wait()
			t.queueMu.Unlock()
			continue
		}
		msg := t.queue[0]
		t.queue = t.queue[1:]
		t.queueMu.Unlock()

		if msg.Code == Shutdown {
			t.handleShutdownFrame()
			t.msgMu.Unlock()
			return nil, ErrClosed
		}
		if msg.Code == header {
			return &MessageLockIn{
				guard:   guard{t: t, owns: true},
				Header:  msg.Code,
				Payload: frame.NewReceiveBuffer(msg.Payload),
			}, nil
		}
		t.dispatch(msg)
	}
}

// HandleMessage is AwaitMessage except the matching message is dispatched
// to its registered handler rather than returned; it never holds the
// message-lock on return.
func (t *Transport) HandleMessage(header uint16) error {
	if header == Shutdown {
		return ErrUnexpectedMessage
	}
	if !t.started.Load() {
		return ErrNotStarted
	}

	t.msgMu.Lock()
	defer t.msgMu.Unlock()
	for {
		t.queueMu.Lock()
		if Status(t.status.Load()) == StatusClosed {
			t.queueMu.Unlock()
			return ErrClosed
		}

		if len(t.queue) == 0 {
			// Re-check status under queueMu, immediately before blocking:
			// this is the correctness hinge that closes the race with
			// forceClose's Broadcast (see consumerLoop for the same
			// discipline).
			t.queueCV.Wait()
			t.queueMu.Unlock()
			continue
		}
		msg := t.queue[0]
		t.queue = t.queue[1:]
		t.queueMu.Unlock()

		if msg.Code == Shutdown {
			t.handleShutdownFrame()
			return ErrClosed
		}
		t.dispatch(msg)
		if msg.Code == header {
			return nil
		}
	}
}

// RegisterHandler installs fn for header, replacing any prior handler.
func (t *Transport) RegisterHandler(header uint16, fn Handler) {
	t.msgMu.Lock()
	defer t.msgMu.Unlock()
	t.handlers[header] = fn
}

// UnregisterHandler removes header's handler, if any.
func (t *Transport) UnregisterHandler(header uint16) {
	t.msgMu.Lock()
	defer t.msgMu.Unlock()
	delete(t.handlers, header)
}

// ClearHandlers removes every registered handler.
func (t *Transport) ClearHandlers() {
	t.msgMu.Lock()
	defer t.msgMu.Unlock()
	t.handlers = make(map[uint16]Handler)
}

// Shutdown moves the transport from OPEN to WRITE_CLOSED, sending a
// SHUTDOWN frame to the peer. Subsequent StartMessage calls fail with
// ErrWriteClosed; inbound handling continues until the peer's answering
// SHUTDOWN arrives and the consumer closes the transport.
func (t *Transport) Shutdown() error {
	if !t.started.Load() {
		return ErrNotStarted
	}
	if Status(t.status.Load()) != StatusOpen {
		return ErrNotOpen
	}
	out, err := t.StartMessage(Shutdown)
	if err != nil {
		return err
	}
	if err := out.Flush(); err != nil {
		out.Close()
		return err
	}
	// Flip status while still holding the message-lock, mirroring the
	// guard's lifetime in the original design: the transition is visible
	// to any new StartMessage only after this frame is fully on the wire.
	t.status.Store(int32(StatusWriteClosed))
	out.Close()
	return nil
}

// Close is the force path: it is idempotent and safe to call from any
// goroutine, including from within a Handler. It sets status to CLOSED,
// wakes every waiter on the queue condition, and closes the underlying
// stream (which unblocks the producer's blocking read).
func (t *Transport) Close() error {
	return t.forceClose()
}

func (t *Transport) forceClose() error {
	var closeErr error
	t.closeOnce.Do(func() {
		t.queueMu.Lock()
		t.status.Store(int32(StatusClosed))
		t.queueMu.Unlock()
		t.queueCV.Broadcast()
		if t.s != nil {
			closeErr = t.s.Close()
		}
	})
	return closeErr
}
