// Package frame implements the framed message layer: length-prefixed,
// typed messages over a single stream.Stream. It owns the 8-byte header
// encoding and the in-memory send/receive buffers so that the stream's
// lock (held by the Transport, one layer up) only needs to be held for a
// single contiguous write or read per message.
/*
 * Copyright (c) 2024, the xrbridge authors.
 */
package frame

import (
	"encoding/binary"
	"fmt"

	"github.com/xrbridge/xrbridge/stream"
)

// HeaderSize is the wire size of the fixed frame header: header, reserved,
// size, all little-endian.
const HeaderSize = 8

// MaxPayloadSize bounds a single frame's payload. A peer that advertises a
// larger size in its header has either desynced the stream or is
// malicious; either way the connection is not salvageable: ReadMessage
// returns an error, which the transport's producer treats as a stream
// failure and closes the transport, rather than attempting to allocate an
// attacker-controlled amount of memory.
const MaxPayloadSize = 64 << 20 // 64MiB

// Header is the 8-byte frame header, decoded from or encoded to the wire.
type Header struct {
	Code     uint16
	Reserved uint16
	Size     uint32
}

func (h Header) encode(buf []byte) {
	binary.LittleEndian.PutUint16(buf[0:2], h.Code)
	binary.LittleEndian.PutUint16(buf[2:4], h.Reserved)
	binary.LittleEndian.PutUint32(buf[4:8], h.Size)
}

func decodeHeader(buf []byte) Header {
	return Header{
		Code:     binary.LittleEndian.Uint16(buf[0:2]),
		Reserved: binary.LittleEndian.Uint16(buf[2:4]),
		Size:     binary.LittleEndian.Uint32(buf[4:8]),
	}
}

// Message is a fully received frame: a header code and its opaque payload.
// Payload semantics belong entirely to higher layers (transport's
// handlers); frame never interprets them.
type Message struct {
	Code    uint16
	Payload []byte
}

// ReadMessage performs exactly one ReadExact for the header and one for the
// payload. It is the only method that reads from the underlying stream;
// callers (the transport's producer) must not interleave other reads.
func ReadMessage(s stream.Reader) (Message, error) {
	var hdrBuf [HeaderSize]byte
	if err := s.ReadExact(hdrBuf[:]); err != nil {
		return Message{}, err
	}
	hdr := decodeHeader(hdrBuf[:])
	if hdr.Size > MaxPayloadSize {
		return Message{}, fmt.Errorf("frame: payload size %d exceeds limit %d", hdr.Size, MaxPayloadSize)
	}
	payload := make([]byte, hdr.Size)
	if hdr.Size > 0 {
		if err := s.ReadExact(payload); err != nil {
			return Message{}, err
		}
	}
	return Message{Code: hdr.Code, Payload: payload}, nil
}

// SendBuffer accumulates one message's bytes in memory so that the header's
// size field can be back-patched once the payload is known, and so the
// whole frame reaches the stream via a single WriteAll: from the peer's
// perspective a frame is atomic, never interleaved with another writer's
// bytes.
type SendBuffer struct {
	buf []byte
}

// NewSendBuffer reserves space for the header and writes the header code;
// the size field is filled in by Flush.
func NewSendBuffer(code uint16) *SendBuffer {
	b := &SendBuffer{buf: make([]byte, HeaderSize, HeaderSize+64)}
	Header{Code: code}.encode(b.buf)
	return b
}

// Write implements io.Writer so callers can use encoding/binary.Write,
// (json|msgp).Marshal-into, etc. directly against the buffer.
func (b *SendBuffer) Write(p []byte) (int, error) {
	b.buf = append(b.buf, p...)
	return len(p), nil
}

func (b *SendBuffer) Len() int { return len(b.buf) - HeaderSize }

// Flush back-patches the size header field and performs the single
// contiguous write of the whole frame.
func (b *SendBuffer) Flush(w stream.Writer) error {
	if len(b.buf) == 0 {
		return nil // already flushed
	}
	size := uint32(len(b.buf) - HeaderSize)
	binary.LittleEndian.PutUint32(b.buf[4:8], size)
	err := w.WriteAll(b.buf)
	b.buf = nil
	return err
}

// ReceiveBuffer wraps a message's payload so consumers can read it
// sequentially (e.g. decode a struct) the same way they'd read off a
// stream, without re-deriving offsets by hand.
type ReceiveBuffer struct {
	buf  []byte
	roff int
}

func NewReceiveBuffer(payload []byte) *ReceiveBuffer {
	return &ReceiveBuffer{buf: payload}
}

// Read implements io.Reader.
func (b *ReceiveBuffer) Read(p []byte) (int, error) {
	if b.roff >= len(b.buf) {
		return 0, fmt.Errorf("frame: receive buffer exhausted")
	}
	n := copy(p, b.buf[b.roff:])
	b.roff += n
	return n, nil
}

func (b *ReceiveBuffer) Remaining() int { return len(b.buf) - b.roff }

func (b *ReceiveBuffer) Bytes() []byte { return b.buf[b.roff:] }
