//go:build !windows

package hx

import (
	"os"

	"golang.org/x/sys/unix"

	"github.com/xrbridge/xrbridge/cmn/nlog"
)

// dummyByte is the one byte of ordinary data every exchange carries
// alongside its SCM_RIGHTS ancillary message; some kernels refuse to
// deliver control data on a zero-length message.
var dummyByte = []byte{0}

// unixChannel is a connected AF_UNIX SOCK_STREAM socket dedicated to
// handle exchange, discovered out-of-band (an environment variable names
// the socket path; reading that variable is the loader's job, out of
// scope here).
type unixChannel struct {
	fd int
}

// DialUnix connects to path as the client side of the exchange channel.
func DialUnix(path string) (Channel, error) {
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, err
	}
	addr := &unix.SockaddrUnix{Name: path}
	if err := unix.Connect(fd, addr); err != nil {
		_ = unix.Close(fd)
		return nil, err
	}
	return &unixChannel{fd: fd}, nil
}

// Listener accepts handle-exchange connections; one per Transport, paired
// 1:1 with that Transport's stream connection.
type Listener struct {
	fd   int
	path string
}

// ListenUnix binds the exchange socket, removing any stale path left by a
// crashed server (mirrors stream.ListenUnix's acceptor behavior).
func ListenUnix(path string) (*Listener, error) {
	_ = os.Remove(path)
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, err
	}
	addr := &unix.SockaddrUnix{Name: path}
	if err := unix.Bind(fd, addr); err != nil {
		_ = unix.Close(fd)
		return nil, err
	}
	if err := unix.Listen(fd, 1); err != nil {
		_ = unix.Close(fd)
		return nil, err
	}
	return &Listener{fd: fd, path: path}, nil
}

func (l *Listener) Accept() (Channel, error) {
	nfd, _, err := unix.Accept(l.fd)
	if err != nil {
		return nil, err
	}
	return &unixChannel{fd: nfd}, nil
}

func (l *Listener) Close() error {
	err := unix.Close(l.fd)
	_ = os.Remove(l.path)
	return err
}

// Send transfers h to the peer's next Recv via SCM_RIGHTS ancillary data.
// Ownership of h passes to the receiver only once this call returns
// successfully; the caller must not close h until then, and must close its
// own copy promptly afterward (the sender's fd stays open across the
// syscall, so a leak here is the caller's, not this package's).
func (c *unixChannel) Send(h Handle) error {
	rights := unix.UnixRights(int(h))
	return unix.Sendmsg(c.fd, dummyByte, rights, nil, 0)
}

// Recv blocks for the dummy byte plus its attached handle. The returned
// Handle's ownership belongs to the caller from this point on.
func (c *unixChannel) Recv() (Handle, error) {
	buf := make([]byte, 1)
	oob := make([]byte, unix.CmsgSpace(4))
	n, oobn, _, _, err := unix.Recvmsg(c.fd, buf, oob, 0)
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, ErrClosed
	}
	msgs, err := unix.ParseSocketControlMessage(oob[:oobn])
	if err != nil {
		return 0, err
	}
	if len(msgs) != 1 {
		return 0, ErrShortTransfer
	}
	fds, err := unix.ParseUnixRights(&msgs[0])
	if err != nil {
		return 0, err
	}
	if len(fds) != 1 {
		for _, fd := range fds {
			_ = unix.Close(fd)
		}
		return 0, ErrShortTransfer
	}
	return Handle(fds[0]), nil
}

func (c *unixChannel) Close() error {
	return unix.Close(c.fd)
}

// CloseHandle releases an OS handle this process no longer needs: either a
// sender's copy after a successful Send, or a receiver's copy once the
// Vulkan import that consumed it has its own reference (imported memory
// and semaphores keep the underlying kernel object alive independent of
// this fd).
func CloseHandle(h Handle) error {
	if err := unix.Close(int(h)); err != nil {
		nlog.Warningf("hx: close handle %d: %v", h, err)
		return err
	}
	return nil
}
