//go:build !windows

package hx

import (
	"os"
	"testing"

	"golang.org/x/sys/unix"
)

// newLocalPair wires two unixChannels over a connected socketpair, standing
// in for DialUnix/Listener.Accept without touching the filesystem.
func newLocalPair(t *testing.T) (a, b *unixChannel) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	return &unixChannel{fd: fds[0]}, &unixChannel{fd: fds[1]}
}

func TestSendRecvOneHandle(t *testing.T) {
	a, b := newLocalPair(t)
	defer a.Close()
	defer b.Close()

	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("pipe: %v", err)
	}
	defer r.Close()
	defer w.Close()

	want := "payload from an exchanged handle"
	go func() {
		_, _ = w.WriteString(want)
		_ = w.Close()
	}()

	if err := a.Send(Handle(r.Fd())); err != nil {
		t.Fatalf("Send: %v", err)
	}

	got, err := b.Recv()
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	defer func() { _ = CloseHandle(got) }()

	f := os.NewFile(uintptr(got), "received")
	buf := make([]byte, len(want))
	n, _ := f.Read(buf)
	if string(buf[:n]) != want {
		t.Fatalf("read %q through the exchanged handle, want %q", buf[:n], want)
	}
}

func TestRecvOnClosedChannel(t *testing.T) {
	a, b := newLocalPair(t)
	_ = a.Close()
	defer b.Close()

	if _, err := b.Recv(); err == nil {
		t.Fatal("expected Recv on a peer-closed channel to fail")
	}
}

func TestMultipleExchangesAreOrdered(t *testing.T) {
	a, b := newLocalPair(t)
	defer a.Close()
	defer b.Close()

	var rs, ws [3]*os.File
	for i := range rs {
		r, w, err := os.Pipe()
		if err != nil {
			t.Fatalf("pipe %d: %v", i, err)
		}
		rs[i], ws[i] = r, w
		defer r.Close()
		defer w.Close()
	}

	for i := range rs {
		if err := a.Send(Handle(rs[i].Fd())); err != nil {
			t.Fatalf("Send %d: %v", i, err)
		}
	}

	for i := range rs {
		got, err := b.Recv()
		if err != nil {
			t.Fatalf("Recv %d: %v", i, err)
		}
		defer func(h Handle) { _ = CloseHandle(h) }(got)

		msg := []byte{byte('a' + i)}
		if _, err := ws[i].Write(msg); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
		_ = ws[i].Close()

		f := os.NewFile(uintptr(got), "received")
		buf := make([]byte, 1)
		if _, err := f.Read(buf); err != nil {
			t.Fatalf("read %d: %v", i, err)
		}
		if buf[0] != msg[0] {
			t.Fatalf("exchange %d delivered the wrong handle: got %q want %q", i, buf[0], msg[0])
		}
	}
}
