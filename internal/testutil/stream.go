package testutil

import (
	"net"
	"sync"
	"time"

	"example.com/h1core/internal/transport"
)

// MemoryStream is an in-memory transport.Stream backed by net.Pipe that
// records how it was shut down.
type MemoryStream struct {
	net.Conn

	once  sync.Once
	mu    sync.Mutex
	style transport.CloseStyle
	down  chan struct{}
}

// NewStreamPair returns the server side as a MemoryStream and the client side
// as a plain net.Conn.
func NewStreamPair() (*MemoryStream, net.Conn) {
	server, client := net.Pipe()
	return &MemoryStream{Conn: server, down: make(chan struct{})}, client
}

// Shutdown closes the pipe and records style. Later calls are ignored.
func (s *MemoryStream) Shutdown(style transport.CloseStyle) error {
	var err error
	s.once.Do(func() {
		s.mu.Lock()
		s.style = style
		s.mu.Unlock()
		err = s.Conn.Close()
		close(s.down)
	})
	return err
}

// Done is closed once Shutdown has run.
func (s *MemoryStream) Done() <-chan struct{} { return s.down }

// WaitShutdown waits up to d for Shutdown and returns the recorded style.
func (s *MemoryStream) WaitShutdown(d time.Duration) (transport.CloseStyle, bool) {
	select {
	case <-s.down:
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.style, true
	case <-time.After(d):
		return 0, false
	}
}

var _ transport.Stream = (*MemoryStream)(nil)
