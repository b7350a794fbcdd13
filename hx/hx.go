// Package hx implements the handle-exchange side channel: an auxiliary
// byte+handle stream that carries OS handles (file descriptors on Unix,
// HANDLEs on Windows) out-of-band alongside a dummy byte, one send per
// receive. The Swapchain Mirror uses it to move shared-memory and
// semaphore handles between peers without marshalling them through the
// Transport's byte stream.
/*
 * Copyright (c) 2024, the xrbridge authors.
 */
package hx

import "errors"

// Handle is an OS handle: an int file descriptor on Unix, a HANDLE value
// (widened to uintptr) on Windows. The core never interprets it; it only
// ever hands a Handle to the platform's Vulkan import call.
type Handle uintptr

// Channel is the capability HX exposes to the Swapchain Mirror. Exactly one
// Recv on the peer must follow each Send; ordering is FIFO with respect to
// both sends on this channel and flush completions on the accompanying
// Transport (callers arrange that ordering by bracketing an exchange inside
// a TX request/reply, see swapchain.NewClientSwapchain).
type Channel interface {
	Send(h Handle) error
	Recv() (Handle, error)
	Close() error
}

var (
	// ErrClosed is returned by Send/Recv once the channel has been closed.
	ErrClosed = errors.New("hx: channel closed")

	// ErrShortTransfer is returned by Recv when a control message arrived
	// without exactly one attached handle.
	ErrShortTransfer = errors.New("hx: expected exactly one handle in transfer")
)
