package transport_test

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"example.com/h1core/internal/testutil"
	"example.com/h1core/internal/transport"
)

// acceptOne listens on ln in the background and returns the first accepted stream.
func acceptOne(t *testing.T, ln net.Listener) <-chan transport.Stream {
	t.Helper()
	ch := make(chan transport.Stream, 1)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			close(ch)
			return
		}
		ch <- transport.Wrap(c)
	}()
	return ch
}

func TestTCP_ShutdownFinDeliversEOF(t *testing.T) {
	ln, err := transport.Listen("tcp", "127.0.0.1:0", nil)
	require.NoError(t, err)
	defer ln.Close()
	accepted := acceptOne(t, ln)

	client, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer client.Close()
	server := <-accepted
	require.NotNil(t, server)

	_, err = server.Write([]byte("bye"))
	require.NoError(t, err)
	require.NoError(t, server.Shutdown(transport.Fin))
	require.NoError(t, server.Shutdown(transport.Reset), "second shutdown is a no-op")

	data, err := io.ReadAll(client)
	require.NoError(t, err, "orderly close must read as EOF")
	assert.Equal(t, "bye", string(data))
}

func TestTCP_ShutdownResetDeliversReset(t *testing.T) {
	ln, err := transport.Listen("tcp", "127.0.0.1:0", nil)
	require.NoError(t, err)
	defer ln.Close()
	accepted := acceptOne(t, ln)

	client, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer client.Close()
	server := <-accepted
	require.NotNil(t, server)

	require.NoError(t, server.Shutdown(transport.Reset))

	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = client.Read(make([]byte, 1))
	require.Error(t, err)
	assert.True(t, errors.Is(err, syscall.ECONNRESET), "expected a reset, got %v", err)
	assert.True(t, transport.IsPeerClosed(err))
}

func TestUnix_ListenRemovesStaleSocket(t *testing.T) {
	path := filepath.Join(t.TempDir(), "h1.sock")

	ln, err := transport.Listen("unix", path, nil)
	require.NoError(t, err)
	// Simulate a crashed process: the socket file survives the listener.
	ln.(*net.UnixListener).SetUnlinkOnClose(false)
	require.NoError(t, ln.Close())
	_, err = os.Stat(path)
	require.NoError(t, err)

	ln, err = transport.Listen("unix", path, nil)
	require.NoError(t, err)
	defer ln.Close()

	accepted := acceptOne(t, ln)
	client, err := net.Dial("unix", path)
	require.NoError(t, err)
	defer client.Close()
	server := <-accepted
	require.NotNil(t, server)

	_, err = client.Write([]byte("ping"))
	require.NoError(t, err)
	buf := make([]byte, 4)
	_, err = io.ReadFull(server, buf)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(buf))
	require.NoError(t, server.Shutdown(transport.Fin))

	// A live socket is not removed.
	_, err = transport.Listen("unix", path, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "in use")
}

func TestUnix_RefusesNonSocketPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "regular")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o600))
	_, err := transport.Listen("unix", path, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "is not a socket")
}

func TestTLS_HandshakeReportsALPN(t *testing.T) {
	serverCfg, clientCfg := testutil.TLSConfigs(t, "http/1.1")
	ln, err := transport.Listen("tcp", "127.0.0.1:0", serverCfg)
	require.NoError(t, err)
	defer ln.Close()
	accepted := acceptOne(t, ln)

	clientErr := make(chan error, 1)
	go func() {
		c, err := tls.Dial("tcp", ln.Addr().String(), clientCfg)
		if err != nil {
			clientErr <- err
			return
		}
		defer c.Close()
		_, err = c.Write([]byte("hello"))
		clientErr <- err
		_, _ = io.Copy(io.Discard, c)
	}()

	server := <-accepted
	require.NotNil(t, server)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	info, err := transport.Handshake(ctx, server)
	require.NoError(t, err)
	assert.True(t, info.Secure)
	assert.Equal(t, "http/1.1", info.NegotiatedProtocol)
	assert.Equal(t, "localhost", info.ServerName)

	buf := make([]byte, 5)
	_, err = io.ReadFull(server, buf)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf))
	require.NoError(t, <-clientErr)
	require.NoError(t, server.Shutdown(transport.Fin))
}

func TestHandshake_PlaintextIsNoop(t *testing.T) {
	server, client := testutil.NewStreamPair()
	defer client.Close()
	info, err := transport.Handshake(context.Background(), server)
	require.NoError(t, err)
	assert.False(t, info.Secure)
}

func TestListen_Errors(t *testing.T) {
	_, err := transport.Listen("udp", "127.0.0.1:0", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported network type")

	ln, err := transport.Listen("tcp", "127.0.0.1:0", nil)
	require.NoError(t, err)
	defer ln.Close()
	_, err = transport.Listen("tcp", ln.Addr().String(), nil)
	require.Error(t, err)
	assert.True(t, transport.IsAddrInUse(err), "expected address in use, got %v", err)
}

func TestErrorClassification(t *testing.T) {
	assert.False(t, transport.IsPeerClosed(nil))
	assert.True(t, transport.IsPeerClosed(io.EOF))
	assert.True(t, transport.IsPeerClosed(&net.OpError{Op: "read", Err: os.NewSyscallError("read", syscall.ECONNRESET)}))
	assert.False(t, transport.IsPeerClosed(errors.New("other")))
	assert.True(t, transport.IsLocallyClosed(net.ErrClosed))
	assert.False(t, transport.IsAddrInUse(nil))
	assert.Equal(t, "FIN", transport.Fin.String())
	assert.Equal(t, "RST", transport.Reset.String())
}
