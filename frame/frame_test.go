package frame_test

import (
	"bytes"
	"testing"
	"time"

	"github.com/xrbridge/xrbridge/frame"
	"github.com/xrbridge/xrbridge/stream"
)

func TestSendReceiveRoundTrip(t *testing.T) {
	a, b := stream.NewPipePair(stream.PipeOpts{})
	defer a.Close()
	defer b.Close()

	out := frame.NewSendBuffer(42)
	if _, err := out.Write([]byte("hello")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if out.Len() != 5 {
		t.Fatalf("Len() = %d, want 5", out.Len())
	}
	if err := out.Flush(a); err != nil {
		t.Fatalf("flush: %v", err)
	}

	msg, err := frame.ReadMessage(b)
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if msg.Code != 42 {
		t.Fatalf("Code = %d, want 42", msg.Code)
	}
	if !bytes.Equal(msg.Payload, []byte("hello")) {
		t.Fatalf("Payload = %q, want %q", msg.Payload, "hello")
	}
}

func TestEmptyPayload(t *testing.T) {
	a, b := stream.NewPipePair(stream.PipeOpts{})
	defer a.Close()
	defer b.Close()

	out := frame.NewSendBuffer(7)
	if err := out.Flush(a); err != nil {
		t.Fatalf("flush: %v", err)
	}
	msg, err := frame.ReadMessage(b)
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if len(msg.Payload) != 0 {
		t.Fatalf("Payload = %v, want empty", msg.Payload)
	}
}

func TestPartialReadsReassembled(t *testing.T) {
	a, b := stream.NewPipePair(stream.PipeOpts{MaxChunk: 3})
	defer a.Close()
	defer b.Close()

	payload := bytes.Repeat([]byte{0xAB}, 37)
	out := frame.NewSendBuffer(1)
	_, _ = out.Write(payload)
	if err := out.Flush(a); err != nil {
		t.Fatalf("flush: %v", err)
	}

	msg, err := frame.ReadMessage(b)
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if !bytes.Equal(msg.Payload, payload) {
		t.Fatalf("payload mismatch: got %d bytes, want %d", len(msg.Payload), len(payload))
	}
}

func TestOversizedHeaderRejected(t *testing.T) {
	a, b := stream.NewPipePair(stream.PipeOpts{})
	defer a.Close()
	defer b.Close()

	var hdr [frame.HeaderSize]byte
	hdr[4], hdr[5], hdr[6], hdr[7] = 0xFF, 0xFF, 0xFF, 0xFF // size = ~4GiB
	if err := a.WriteAll(hdr[:]); err != nil {
		t.Fatalf("WriteAll: %v", err)
	}
	if _, err := frame.ReadMessage(b); err == nil {
		t.Fatal("expected error for oversized frame, got nil")
	}
}

func TestReceiveBufferSequentialRead(t *testing.T) {
	rb := frame.NewReceiveBuffer([]byte("0123456789"))
	if rb.Remaining() != 10 {
		t.Fatalf("Remaining() = %d, want 10", rb.Remaining())
	}
	buf := make([]byte, 4)
	n, err := rb.Read(buf)
	if err != nil || n != 4 {
		t.Fatalf("Read() = (%d, %v), want (4, nil)", n, err)
	}
	if string(buf) != "0123" {
		t.Fatalf("Read bytes = %q, want %q", buf, "0123")
	}
	if rb.Remaining() != 6 {
		t.Fatalf("Remaining() after read = %d, want 6", rb.Remaining())
	}
	if string(rb.Bytes()) != "456789" {
		t.Fatalf("Bytes() = %q, want %q", rb.Bytes(), "456789")
	}
}

func TestDelayedPipeStillRoundTrips(t *testing.T) {
	a, b := stream.NewPipePair(stream.PipeOpts{Delay: time.Millisecond})
	defer a.Close()
	defer b.Close()

	out := frame.NewSendBuffer(9)
	_, _ = out.Write([]byte{1, 2, 3, 4})
	if err := out.Flush(a); err != nil {
		t.Fatalf("flush: %v", err)
	}
	msg, err := frame.ReadMessage(b)
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if !bytes.Equal(msg.Payload, []byte{1, 2, 3, 4}) {
		t.Fatalf("payload = %v", msg.Payload)
	}
}
