// Package server owns the listeners, the accept loop and the shared
// heartbeat, and drives one HTTP/1.x framing loop per accepted connection.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/atomic"

	"example.com/h1core/internal/config"
	"example.com/h1core/internal/connection"
	"example.com/h1core/internal/heartbeat"
	"example.com/h1core/internal/http1"
	"example.com/h1core/internal/logger"
	"example.com/h1core/internal/metrics"
	"example.com/h1core/internal/transport"
)

// ServerHeader is sent on every response.
const ServerHeader = "h1core"

const (
	minAcceptBackoff = 5 * time.Millisecond
	maxAcceptBackoff = time.Second
	// connExitWait bounds how long Shutdown waits for connection goroutines
	// once the registry reports empty.
	connExitWait = 5 * time.Second
)

// Options configures a Server. Config must have been defaulted and
// validated; Handler is required.
type Options struct {
	Config  *config.Config
	Handler http1.Handler
	Logger  *logger.Logger
	// Metrics is optional.
	Metrics *metrics.Metrics
	// Clock drives connection timeouts and the heartbeat; SystemClock when nil.
	Clock heartbeat.Clock
}

// Server accepts connections on one or more listeners and serves them until
// Shutdown.
type Server struct {
	cfg      *config.Config
	limits   config.Limits
	log      *logger.Logger
	handler  http1.Handler
	registry *connection.Registry
	beat     *heartbeat.Heartbeat
	tlsConf  *tls.Config
	h1opts   http1.Options

	mu        sync.Mutex
	listeners map[net.Listener]struct{}
	closing   atomic.Bool
	conns     sync.WaitGroup
	beatOnce  sync.Once
}

// NewServer builds a Server from opts. It loads TLS material when the
// listener is configured for TLS.
func NewServer(opts Options) (*Server, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if opts.Handler == nil {
		return nil, fmt.Errorf("handler cannot be nil")
	}
	limits, err := config.ResolveLimits(opts.Config)
	if err != nil {
		return nil, err
	}
	lg := opts.Logger
	if lg == nil {
		lg = logger.NewNopLogger()
	}

	copts := connection.Options{
		KeepAliveTimeout:                 limits.KeepAliveTimeout,
		RequestHeadersTimeout:            limits.RequestHeadersTimeout,
		MinRequestBodyDataRate:           limits.MinRequestBodyDataRate,
		MinResponseDataRate:              limits.MinResponseDataRate,
		MaxConcurrentConnections:         connCeiling(limits.MaxConcurrentConnections),
		MaxConcurrentUpgradedConnections: connCeiling(limits.MaxConcurrentUpgradedConnections),
		MaxRequestBufferSize:             limits.MaxRequestBufferSize,
		MaxResponseBufferSize:            limits.MaxResponseBufferSize,
		FinOnError:                       limits.FinOnError,
		Clock:                            opts.Clock,
		Logger:                           lg,
	}
	hopts := heartbeat.Options{
		Clock:    opts.Clock,
		Interval: limits.HeartbeatInterval,
		Logger:   lg,
	}
	h1opts := http1.Options{
		MaxRequestHeadersTotalSize: int(limits.MaxRequestHeadersTotalSize),
		ServerHeader:               ServerHeader,
		Logger:                     lg,
	}
	if opts.Metrics != nil {
		copts.Observer = opts.Metrics
		hopts.Observe = opts.Metrics.ObserveHeartbeat
		h1opts.Recorder = opts.Metrics
	}

	s := &Server{
		cfg:       opts.Config,
		limits:    limits,
		log:       lg,
		handler:   opts.Handler,
		registry:  connection.NewRegistry(copts),
		h1opts:    h1opts,
		listeners: make(map[net.Listener]struct{}),
	}
	s.beat = heartbeat.New(hopts, s.registry)

	if t := opts.Config.Server.TLS; t != nil {
		s.tlsConf, err = transport.LoadTLSConfig(t.CertFile, t.KeyFile, t.ALPN)
		if err != nil {
			return nil, err
		}
	}
	return s, nil
}

func connCeiling(c config.Ceiling) connection.Ceiling {
	if n, limited := c.Limit(); limited {
		return connection.Limit(n)
	}
	return connection.Unlimited
}

// Registry exposes the connection registry, for the admin endpoints.
func (s *Server) Registry() *connection.Registry { return s.registry }

// Listen opens the configured listener.
func (s *Server) Listen() (net.Listener, error) {
	network, address := *s.cfg.Server.Network, *s.cfg.Server.Address
	l, err := transport.Listen(network, address, s.tlsConf)
	if err != nil {
		return nil, err
	}
	s.log.Info("Listening", logger.LogFields{
		"network": network,
		"address": l.Addr().String(),
		"tls":     s.tlsConf != nil,
	})
	return l, nil
}

// ListenAndServe opens the configured listener and serves it.
func (s *Server) ListenAndServe() error {
	l, err := s.Listen()
	if err != nil {
		return err
	}
	return s.Serve(l)
}

// Serve accepts connections on l until Shutdown, after which it returns
// ErrServerClosed. l is closed on return.
func (s *Server) Serve(l net.Listener) error {
	if !s.trackListener(l) {
		_ = l.Close()
		return ErrServerClosed
	}
	defer s.untrackListener(l)

	s.beatOnce.Do(s.beat.Start)

	var delay time.Duration
	for {
		nc, err := l.Accept()
		if err != nil {
			if s.closing.Load() {
				return ErrServerClosed
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			if delay == 0 {
				delay = minAcceptBackoff
			} else if delay *= 2; delay > maxAcceptBackoff {
				delay = maxAcceptBackoff
			}
			s.log.Warn("Accept failed, retrying", logger.LogFields{
				"address": l.Addr().String(),
				"error":   err.Error(),
				"delay":   delay.String(),
			})
			time.Sleep(delay)
			continue
		}
		delay = 0

		if !s.addConn() {
			_ = nc.Close()
			return ErrServerClosed
		}
		go func() {
			defer s.conns.Done()
			s.serveConn(nc)
		}()
	}
}

func (s *Server) serveConn(nc net.Conn) {
	stream := transport.Wrap(nc)

	ctx, cancel := context.WithTimeout(context.Background(), s.limits.RequestHeadersTimeout)
	info, err := transport.Handshake(ctx, stream)
	cancel()
	if err != nil {
		s.log.Debug("Handshake failed", logger.LogFields{
			"remote_addr": nc.RemoteAddr().String(),
			"error":       err.Error(),
		})
		_ = stream.Shutdown(transport.Reset)
		return
	}

	c, err := s.registry.Accept(stream)
	if err != nil {
		s.reject(nc, stream, err)
		return
	}
	if info.Secure {
		s.log.Debug("TLS connection established", logger.LogFields{
			"conn_id":     c.ID(),
			"alpn":        info.NegotiatedProtocol,
			"server_name": info.ServerName,
			"tls_version": tls.VersionName(info.Version),
		})
	}
	http1.ServeConn(c, s.handler, s.h1opts)
}

// reject answers a connection the registry refused and closes it. The
// stream is still owned here.
func (s *Server) reject(nc net.Conn, stream transport.Stream, cause error) {
	detail := "The server is not accepting connections."
	if errors.Is(cause, connection.ErrConnectionLimitReached) {
		detail = "The server has reached its connection limit."
	}
	_ = nc.SetWriteDeadline(time.Now().Add(rejectWriteTimeout))
	if err := writeRejection(nc, detail); err != nil {
		s.log.Debug("Failed to write rejection", logger.LogFields{
			"remote_addr": nc.RemoteAddr().String(),
			"error":       err.Error(),
		})
	}
	_ = stream.Shutdown(transport.Fin)
}

func (s *Server) addConn() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing.Load() {
		return false
	}
	s.conns.Add(1)
	return true
}

func (s *Server) trackListener(l net.Listener) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing.Load() {
		return false
	}
	s.listeners[l] = struct{}{}
	return true
}

func (s *Server) untrackListener(l net.Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.listeners[l]; ok {
		delete(s.listeners, l)
		_ = l.Close()
	}
}

// Shutdown stops accepting, drains the registry until ctx is done, aborts
// what is left, and stops the heartbeat. When ctx carries no deadline the
// configured graceful_shutdown_timeout applies.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing.Store(true)
	for l := range s.listeners {
		_ = l.Close()
		delete(s.listeners, l)
	}
	s.mu.Unlock()

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.limits.GracefulShutdownTimeout)
		defer cancel()
	}

	s.log.Info("Shutting down", logger.LogFields{"connections": s.registry.Len()})
	drainErr := s.registry.Drain(ctx)

	done := make(chan struct{})
	go func() {
		s.conns.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(connExitWait):
		s.log.Warn("Connection goroutines still running after drain", nil)
	}

	s.beat.Stop()
	if drainErr != nil {
		return fmt.Errorf("shutdown: %w", drainErr)
	}
	s.log.Info("Shutdown complete", nil)
	return nil
}
