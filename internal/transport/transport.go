package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"sync"
	"syscall"
)

// CloseStyle is how a stream is torn down.
type CloseStyle int

const (
	// Fin is an orderly close: pending data is flushed and the peer sees end of stream.
	Fin CloseStyle = iota
	// Reset is an abortive close: the peer sees a connection reset where the transport supports it.
	Reset
)

func (s CloseStyle) String() string {
	switch s {
	case Fin:
		return "FIN"
	case Reset:
		return "RST"
	default:
		return fmt.Sprintf("CloseStyle(%d)", int(s))
	}
}

// Stream is the capability set the connection core needs from a transport.
// The core never inspects which concrete transport it holds.
type Stream interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	// Shutdown closes the stream with the given style. Only the first call has an effect.
	Shutdown(style CloseStyle) error
	LocalAddr() net.Addr
	RemoteAddr() net.Addr
}

// Info describes the negotiated security of a stream.
type Info struct {
	Secure             bool
	NegotiatedProtocol string // ALPN result, empty if none
	ServerName         string // SNI sent by the client
	Version            uint16
	CipherSuite        uint16
}

// Wrap picks the Stream implementation matching conn's concrete type.
func Wrap(conn net.Conn) Stream {
	switch c := conn.(type) {
	case *net.TCPConn:
		return &tcpStream{conn: c}
	case *tls.Conn:
		return &tlsStream{conn: c}
	case *net.UnixConn:
		return &unixStream{conn: c}
	default:
		return &genericStream{Conn: conn}
	}
}

// Handshake completes the TLS handshake for TLS streams and reports the
// result. Plaintext streams return a zero Info immediately.
func Handshake(ctx context.Context, s Stream) (Info, error) {
	ts, ok := s.(*tlsStream)
	if !ok {
		return Info{}, nil
	}
	if err := ts.conn.HandshakeContext(ctx); err != nil {
		return Info{}, fmt.Errorf("tls handshake with %s failed: %w", ts.conn.RemoteAddr(), err)
	}
	st := ts.conn.ConnectionState()
	return Info{
		Secure:             true,
		NegotiatedProtocol: st.NegotiatedProtocol,
		ServerName:         st.ServerName,
		Version:            st.Version,
		CipherSuite:        st.CipherSuite,
	}, nil
}

// IsPeerClosed reports whether err means the peer went away, as opposed to a
// local failure. A clean EOF, a reset and a broken pipe all count.
func IsPeerClosed(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ECONNABORTED)
}

// IsLocallyClosed reports whether err comes from using a stream after Shutdown.
func IsLocallyClosed(err error) bool {
	return errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe)
}

// IsAddrInUse checks if the error indicates an "address already in use" condition.
func IsAddrInUse(err error) bool {
	if err == nil {
		return false
	}
	var sysErr *os.SyscallError
	if errors.As(err, &sysErr) && sysErr.Err == syscall.EADDRINUSE {
		return true
	}
	if errors.Is(err, syscall.EADDRINUSE) {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "address already in use")
}

// shutdownOnce makes Shutdown idempotent for every implementation.
type shutdownOnce struct {
	once sync.Once
	err  error
}

func (o *shutdownOnce) do(fn func() error) error {
	o.once.Do(func() { o.err = fn() })
	return o.err
}

type tcpStream struct {
	conn *net.TCPConn
	down shutdownOnce
}

func (s *tcpStream) Read(p []byte) (int, error)  { return s.conn.Read(p) }
func (s *tcpStream) Write(p []byte) (int, error) { return s.conn.Write(p) }
func (s *tcpStream) LocalAddr() net.Addr         { return s.conn.LocalAddr() }
func (s *tcpStream) RemoteAddr() net.Addr        { return s.conn.RemoteAddr() }

func (s *tcpStream) Shutdown(style CloseStyle) error {
	return s.down.do(func() error { return closeTCP(s.conn, style) })
}

func closeTCP(c *net.TCPConn, style CloseStyle) error {
	if style == Reset {
		// Linger 0 makes close send RST and discard unsent data.
		_ = c.SetLinger(0)
		return c.Close()
	}
	// Send FIN first so the peer sees an orderly end even if unread input remains.
	_ = c.CloseWrite()
	return c.Close()
}

type tlsStream struct {
	conn *tls.Conn
	down shutdownOnce
}

func (s *tlsStream) Read(p []byte) (int, error)  { return s.conn.Read(p) }
func (s *tlsStream) Write(p []byte) (int, error) { return s.conn.Write(p) }
func (s *tlsStream) LocalAddr() net.Addr         { return s.conn.LocalAddr() }
func (s *tlsStream) RemoteAddr() net.Addr        { return s.conn.RemoteAddr() }

func (s *tlsStream) Shutdown(style CloseStyle) error {
	return s.down.do(func() error {
		raw := s.conn.NetConn()
		if style == Reset {
			if tcp, ok := raw.(*net.TCPConn); ok {
				return closeTCP(tcp, Reset)
			}
			return raw.Close()
		}
		// close_notify, then FIN on the socket.
		_ = s.conn.CloseWrite()
		if tcp, ok := raw.(*net.TCPConn); ok {
			return closeTCP(tcp, Fin)
		}
		return s.conn.Close()
	})
}

type unixStream struct {
	conn *net.UnixConn
	down shutdownOnce
}

func (s *unixStream) Read(p []byte) (int, error)  { return s.conn.Read(p) }
func (s *unixStream) Write(p []byte) (int, error) { return s.conn.Write(p) }
func (s *unixStream) LocalAddr() net.Addr         { return s.conn.LocalAddr() }
func (s *unixStream) RemoteAddr() net.Addr        { return s.conn.RemoteAddr() }

// Unix sockets have no reset; both styles close, Fin half-closes first.
func (s *unixStream) Shutdown(style CloseStyle) error {
	return s.down.do(func() error {
		if style == Fin {
			_ = s.conn.CloseWrite()
		}
		return s.conn.Close()
	})
}

type genericStream struct {
	net.Conn
	down shutdownOnce
}

func (s *genericStream) Shutdown(CloseStyle) error {
	return s.down.do(s.Conn.Close)
}
