package stream

import (
	"net"
	"time"
)

// DialTCP connects to addr and tunes TCP_NODELAY, matching the reference
// implementation's rationale: the wire protocol is already framed and
// latency-sensitive (synchronous RPC waits on the round trip), so Nagle's
// algorithm only adds delay for no coalescing benefit.
func DialTCP(addr string, timeout time.Duration) (Stream, error) {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, err
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}
	return newConnStream(conn), nil
}

// TCPListener accepts incoming connections and wraps each as a Stream.
type TCPListener struct{ ln net.Listener }

func ListenTCP(addr string) (*TCPListener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &TCPListener{ln: ln}, nil
}

func (l *TCPListener) Accept() (Stream, error) {
	conn, err := l.ln.Accept()
	if err != nil {
		return nil, err
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}
	return newConnStream(conn), nil
}

func (l *TCPListener) Addr() net.Addr { return l.ln.Addr() }
func (l *TCPListener) Close() error   { return l.ln.Close() }
