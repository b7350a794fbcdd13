package transport_test

import (
	"encoding/binary"
	"math/rand"
	"testing"
	"time"

	"github.com/xrbridge/xrbridge/stream"
	"github.com/xrbridge/xrbridge/transport"
)

const testXRAPIVersion = 0x0102030400000000

func newConnectedPair(t *testing.T) (client, server *transport.Transport, closeAll func()) {
	t.Helper()
	a, b := stream.NewPipePair(stream.PipeOpts{})

	srvErr := make(chan error, 1)
	go func() { srvErr <- transport.ServerHandshake(b, testXRAPIVersion) }()
	if err := transport.ClientHandshake(a, testXRAPIVersion); err != nil {
		t.Fatalf("client handshake: %v", err)
	}
	if err := <-srvErr; err != nil {
		t.Fatalf("server handshake: %v", err)
	}

	client = transport.New()
	server = transport.New()
	if err := client.Start(a); err != nil {
		t.Fatalf("client Start: %v", err)
	}
	if err := server.Start(b); err != nil {
		t.Fatalf("server Start: %v", err)
	}
	return client, server, func() {
		client.Close()
		server.Close()
	}
}

func u32le(v uint32) []byte {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	return b[:]
}

func readU32(m *transport.MessageLockIn) uint32 {
	var buf [4]byte
	_, _ = m.Read(buf[:])
	return binary.LittleEndian.Uint32(buf[:])
}

// Scenario 1: simple echo.
func TestSimpleEcho(t *testing.T) {
	client, server, cleanup := newConnectedPair(t)
	defer cleanup()

	server.RegisterHandler(100, func(in *transport.MessageLockIn) {
		defer in.Close()
		x := readU32(in)
		out, err := server.StartMessage(101)
		if err != nil {
			t.Errorf("server StartMessage: %v", err)
			return
		}
		_, _ = out.Write(u32le(x))
		if err := out.Close(); err != nil {
			t.Errorf("server flush: %v", err)
		}
	})

	out, err := client.StartMessage(100)
	if err != nil {
		t.Fatalf("client StartMessage: %v", err)
	}
	_, _ = out.Write(u32le(0x12345678))
	if err := out.Close(); err != nil {
		t.Fatalf("client flush: %v", err)
	}

	reply, err := client.AwaitMessage(101)
	if err != nil {
		t.Fatalf("AwaitMessage: %v", err)
	}
	defer reply.Close()
	if got := readU32(reply); got != 0x12345678 {
		t.Fatalf("echo = %#x, want %#x", got, 0x12345678)
	}
}

// Scenario 2: variable-length echo.
func TestVariableLengthEcho(t *testing.T) {
	client, server, cleanup := newConnectedPair(t)
	defer cleanup()

	rng := rand.New(rand.NewSource(1))
	server.RegisterHandler(102, func(in *transport.MessageLockIn) {
		defer in.Close()
		n := uint32(rng.Intn(20) + 1)
		out, err := server.StartMessage(103)
		if err != nil {
			t.Errorf("server StartMessage: %v", err)
			return
		}
		_, _ = out.Write(u32le(n))
		_, _ = out.Write(make([]byte, n))
		if err := out.Close(); err != nil {
			t.Errorf("server flush: %v", err)
		}
	})

	out, err := client.StartMessage(102)
	if err != nil {
		t.Fatalf("client StartMessage: %v", err)
	}
	if err := out.Close(); err != nil {
		t.Fatalf("client flush: %v", err)
	}

	reply, err := client.AwaitMessage(103)
	if err != nil {
		t.Fatalf("AwaitMessage: %v", err)
	}
	defer reply.Close()

	n := readU32(reply)
	if n < 1 || n > 20 {
		t.Fatalf("n = %d, want in [1, 20]", n)
	}
	zeros := reply.Bytes()
	if uint32(len(zeros)) != n {
		t.Fatalf("payload len = %d, want %d", len(zeros), n)
	}
	for _, b := range zeros {
		if b != 0 {
			t.Fatalf("expected an all-zero payload, got %v", zeros)
		}
	}
}

// Scenario 3: intermediate events interleaved with a pending await.
func TestIntermediateEvents(t *testing.T) {
	client, server, cleanup := newConnectedPair(t)
	defer cleanup()

	server.RegisterHandler(104, func(in *transport.MessageLockIn) {
		defer in.Close()
		x := readU32(in)

		out105, err := server.StartMessage(105)
		if err != nil {
			t.Errorf("server StartMessage 105: %v", err)
			return
		}
		_, _ = out105.Write(u32le(2 * x))
		if err := out105.Close(); err != nil {
			t.Errorf("server flush 105: %v", err)
		}

		out106, err := server.StartMessage(106)
		if err != nil {
			t.Errorf("server StartMessage 106: %v", err)
			return
		}
		_, _ = out106.Write(u32le(x))
		if err := out106.Close(); err != nil {
			t.Errorf("server flush 106: %v", err)
		}
	})

	var seen uint32
	var seenOK bool
	client.RegisterHandler(105, func(in *transport.MessageLockIn) {
		defer in.Close()
		seen = readU32(in)
		seenOK = true
	})

	out, err := client.StartMessage(104)
	if err != nil {
		t.Fatalf("client StartMessage: %v", err)
	}
	_, _ = out.Write(u32le(42))
	if err := out.Close(); err != nil {
		t.Fatalf("client flush: %v", err)
	}

	reply, err := client.AwaitMessage(106)
	if err != nil {
		t.Fatalf("AwaitMessage: %v", err)
	}
	defer reply.Close()
	if got := readU32(reply); got != 42 {
		t.Fatalf("106 payload = %d, want 42", got)
	}
	if !seenOK || seen != 84 {
		t.Fatalf("105 handler saw (ran=%v, x=%d), want (true, 84)", seenOK, seen)
	}
}

// Scenario 4: await takeover — a handler invoked from the server's own
// await/dispatch steals the consumer role on the client, running the
// client's 102 handler before the client's await_message(101) returns.
func TestAwaitTakeover(t *testing.T) {
	client, server, cleanup := newConnectedPair(t)
	defer cleanup()

	server.RegisterHandler(100, func(in *transport.MessageLockIn) {
		defer in.Close()
		x := readU32(in)

		out102, err := server.StartMessage(102)
		if err != nil {
			t.Errorf("server StartMessage 102: %v", err)
			return
		}
		if err := out102.Close(); err != nil {
			t.Errorf("server flush 102: %v", err)
		}

		out101, err := server.StartMessage(101)
		if err != nil {
			t.Errorf("server StartMessage 101: %v", err)
			return
		}
		_, _ = out101.Write(u32le(x))
		if err := out101.Close(); err != nil {
			t.Errorf("server flush 101: %v", err)
		}
	})

	var handlerRan bool
	client.RegisterHandler(102, func(in *transport.MessageLockIn) {
		defer in.Close()
		handlerRan = true
	})

	out, err := client.StartMessage(100)
	if err != nil {
		t.Fatalf("client StartMessage: %v", err)
	}
	_, _ = out.Write(u32le(1000))
	if err := out.Close(); err != nil {
		t.Fatalf("client flush: %v", err)
	}

	reply, err := client.AwaitMessage(101)
	if err != nil {
		t.Fatalf("AwaitMessage: %v", err)
	}
	defer reply.Close()

	if !handlerRan {
		t.Fatal("102 handler did not run before AwaitMessage(101) returned")
	}
	if got := readU32(reply); got != 1000 {
		t.Fatalf("101 payload = %d, want 1000", got)
	}
}

// Scenario 5: graceful shutdown reaches CLOSED on both sides.
func TestGracefulShutdown(t *testing.T) {
	client, server, _ := newConnectedPair(t)

	if err := client.Shutdown(); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	done := make(chan struct{})
	go func() {
		client.Join()
		server.Join()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Join did not return after shutdown")
	}

	if client.GetStatus() != transport.StatusClosed {
		t.Fatalf("client status = %v, want CLOSED", client.GetStatus())
	}
	if server.GetStatus() != transport.StatusClosed {
		t.Fatalf("server status = %v, want CLOSED", server.GetStatus())
	}
}

// Scenario 6: an unregistered header is dropped with a warning, and the
// transport keeps working afterward.
func TestUnknownHandlerDropsAndContinues(t *testing.T) {
	client, server, cleanup := newConnectedPair(t)
	defer cleanup()

	out, err := client.StartMessage(999)
	if err != nil {
		t.Fatalf("client StartMessage: %v", err)
	}
	if err := out.Close(); err != nil {
		t.Fatalf("client flush: %v", err)
	}

	server.RegisterHandler(100, func(in *transport.MessageLockIn) {
		defer in.Close()
		x := readU32(in)
		out, err := server.StartMessage(101)
		if err != nil {
			t.Errorf("server StartMessage: %v", err)
			return
		}
		_, _ = out.Write(u32le(x))
		if err := out.Close(); err != nil {
			t.Errorf("server flush: %v", err)
		}
	})

	// Give the server's consumer a chance to dispatch (and drop) the
	// unregistered frame before the echo that follows.
	time.Sleep(20 * time.Millisecond)

	out2, err := client.StartMessage(100)
	if err != nil {
		t.Fatalf("client StartMessage: %v", err)
	}
	_, _ = out2.Write(u32le(0xCAFEBABE))
	if err := out2.Close(); err != nil {
		t.Fatalf("client flush: %v", err)
	}

	reply, err := client.AwaitMessage(101)
	if err != nil {
		t.Fatalf("AwaitMessage: %v", err)
	}
	defer reply.Close()
	if got := readU32(reply); got != 0xCAFEBABE {
		t.Fatalf("echo = %#x, want %#x", got, 0xCAFEBABE)
	}
}

func TestHandshakeVersionMismatch(t *testing.T) {
	a, b := stream.NewPipePair(stream.PipeOpts{})
	srvErr := make(chan error, 1)
	go func() { srvErr <- transport.ServerHandshake(b, 2) }()

	if err := transport.ClientHandshake(a, 1); err == nil {
		t.Fatal("ClientHandshake: expected error on version mismatch, got nil")
	}
	if err := <-srvErr; err == nil {
		t.Fatal("ServerHandshake: expected error on version mismatch, got nil")
	}
}

func TestReservedHeader(t *testing.T) {
	for _, h := range []uint16{transport.FunctionCall, transport.Shutdown, transport.SyncResponse} {
		if !transport.ReservedHeader(h) {
			t.Errorf("ReservedHeader(%d) = false, want true", h)
		}
	}
	if transport.ReservedHeader(transport.CustomBase) {
		t.Errorf("ReservedHeader(CustomBase) = true, want false")
	}
	if transport.ReservedHeader(150) {
		t.Errorf("ReservedHeader(150) = true, want false")
	}
}

func TestStartMessageFailsAfterWriteClosed(t *testing.T) {
	client, server, cleanup := newConnectedPair(t)
	defer cleanup()

	if err := client.Shutdown(); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if _, err := client.StartMessage(1); err == nil {
		t.Fatal("StartMessage after Shutdown: expected error, got nil")
	}
	_ = server
}
