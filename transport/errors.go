package transport

import "errors"

var (
	// ErrNotStarted is returned by operations that require the producer and
	// consumer loops to be running (Start hasn't been called yet).
	ErrNotStarted = errors.New("transport: not started")

	// ErrAlreadyStarted is returned by Start on a Transport started twice.
	ErrAlreadyStarted = errors.New("transport: already started")

	// ErrWriteClosed is returned by StartMessage/send-side operations once
	// Shutdown has moved the transport past OPEN.
	ErrWriteClosed = errors.New("transport: write side closed")

	// ErrClosed is returned by AwaitMessage/HandleMessage once the
	// transport has reached CLOSED (StartMessage then returns
	// ErrWriteClosed, and Shutdown ErrNotOpen).
	ErrClosed = errors.New("transport: closed")

	// ErrNotOpen is returned by Shutdown when the transport never reached
	// OPEN (the handshake didn't complete, or it's already past it).
	ErrNotOpen = errors.New("transport: not open")

	// ErrUnexpectedMessage is returned by AwaitMessage/HandleMessage called
	// with the reserved Shutdown code; that header's semantics belong to
	// the transport itself, not to application callers.
	ErrUnexpectedMessage = errors.New("transport: unexpected message while awaiting reply")

	// ErrHandshakeFailed is returned by ClientHandshake/ServerHandshake on
	// any magic/version mismatch or zero accept flag; the stream is closed
	// and there is no retry at this layer.
	ErrHandshakeFailed = errors.New("transport: handshake failed")
)
