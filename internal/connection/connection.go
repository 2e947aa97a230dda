package connection

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"go.uber.org/atomic"

	"example.com/h1core/internal/heartbeat"
	"example.com/h1core/internal/logger"
	"example.com/h1core/internal/pipe"
	"example.com/h1core/internal/timeout"
	"example.com/h1core/internal/transport"
)

// readChunkSize is how much the inbound pump reads from the transport at once.
const readChunkSize = 16 * 1024

// Observer receives connection lifecycle events.
type Observer interface {
	ConnectionOpened()
	ConnectionRejected()
	ConnectionUpgraded()
	ConnectionClosed(reason EndReason, upgraded bool, lifetime time.Duration, bytesIn, bytesOut int64)
}

type nopObserver struct{}

func (nopObserver) ConnectionOpened()   {}
func (nopObserver) ConnectionRejected() {}
func (nopObserver) ConnectionUpgraded() {}
func (nopObserver) ConnectionClosed(EndReason, bool, time.Duration, int64, int64) {
}

// Options holds the limits applied to every connection of a Registry.
// Zero durations and sizes disable the corresponding limit.
type Options struct {
	KeepAliveTimeout       time.Duration
	RequestHeadersTimeout  time.Duration
	MinRequestBodyDataRate *timeout.MinDataRate
	MinResponseDataRate    *timeout.MinDataRate

	// Ceilings default to Unlimited.
	MaxConcurrentConnections         Ceiling
	MaxConcurrentUpgradedConnections Ceiling

	// MaxRequestBufferSize is the inbound high watermark; transport reads
	// pause once this much request data is unread.
	MaxRequestBufferSize int64
	// MaxResponseBufferSize is the outbound high watermark; response writes
	// block once this much data waits for the transport.
	MaxResponseBufferSize int64

	// FinOnError closes with FIN even when the end reason is an error.
	FinOnError bool

	Clock    heartbeat.Clock
	Logger   *logger.Logger
	Observer Observer
}

type slotKind int

const (
	slotNone slotKind = iota
	slotNormal
	slotUpgraded
)

// Connection owns one accepted transport stream: the two pipes between the
// transport and the framing layer, the pumps that move bytes through them,
// the timeout control evaluated on every heartbeat, and the lifecycle that
// ends in exactly one EndReason.
type Connection struct {
	id        uint64
	stream    transport.Stream
	reg       *Registry
	opts      *Options
	log       *logger.Logger
	createdAt time.Time

	in      *pipe.Pipe
	out     *pipe.Pipe
	control *timeout.Control

	lifetime       context.Context
	cancelLifetime context.CancelFunc
	aborted        context.Context
	cancelAborted  context.CancelFunc

	mu            sync.Mutex
	mode          Mode
	upgraded      bool
	idle          bool
	keepAlive     bool
	aborting      bool
	peerClosed    bool
	reason        EndReason
	pendingReason EndReason
	style         transport.CloseStyle
	cause         error
	slot          slotKind

	bytesIn      atomic.Int64
	bytesOut     atomic.Int64
	lastActivity atomic.Int64
	responseEnd  atomic.Int64 // outbound sequence that ends the current response, -1 if none

	pumps      sync.WaitGroup
	writerDone chan struct{}
	finishOnce sync.Once
	done       chan struct{}
}

func newConnection(r *Registry, id uint64, stream transport.Stream) *Connection {
	opts := &r.opts
	now := opts.Clock.Now()
	c := &Connection{
		id:         id,
		stream:     stream,
		reg:        r,
		opts:       opts,
		log:        opts.Logger,
		createdAt:  now,
		control:    timeout.NewControl(opts.MinRequestBodyDataRate, opts.MinResponseDataRate),
		keepAlive:  true,
		writerDone: make(chan struct{}),
		done:       make(chan struct{}),
	}
	c.lifetime, c.cancelLifetime = context.WithCancel(context.Background())
	c.aborted, c.cancelAborted = context.WithCancel(context.Background())
	c.lastActivity.Store(now.UnixNano())
	c.responseEnd.Store(-1)

	var hardCap int64
	if opts.MaxRequestBufferSize > 0 {
		hardCap = opts.MaxRequestBufferSize + readChunkSize
	}
	c.in = pipe.New(pipe.Options{
		HighWatermark: opts.MaxRequestBufferSize,
		MaxBuffered:   hardCap,
		OnPause:       c.onReadPaused,
		OnResume:      c.onReadResumed,
	})
	c.out = pipe.New(pipe.Options{HighWatermark: opts.MaxResponseBufferSize})
	return c
}

func (c *Connection) start() {
	c.pumps.Add(2)
	go c.readLoop()
	go c.writeLoop()
}

func (c *Connection) fields(extra ...map[string]interface{}) logger.LogFields {
	f := logger.LogFields{"conn_id": c.id}
	if addr := c.stream.RemoteAddr(); addr != nil {
		f["remote_addr"] = addr.String()
	}
	for _, m := range extra {
		for k, v := range m {
			f[k] = v
		}
	}
	return f
}

func (c *Connection) now() time.Time { return c.opts.Clock.Now() }

func (c *Connection) touch() { c.lastActivity.Store(c.now().UnixNano()) }

// setModeLocked applies a transition from the table. The caller holds c.mu.
func (c *Connection) setModeLocked(to Mode) bool {
	if !canTransition(c.mode, to) {
		return false
	}
	c.mode = to
	return true
}

// ID returns the registry assigned identifier.
func (c *Connection) ID() uint64 { return c.id }

// RemoteAddr returns the peer address.
func (c *Connection) RemoteAddr() net.Addr { return c.stream.RemoteAddr() }

// LocalAddr returns the local address.
func (c *Connection) LocalAddr() net.Addr { return c.stream.LocalAddr() }

// CreatedAt returns when the connection was accepted.
func (c *Connection) CreatedAt() time.Time { return c.createdAt }

// LastActivity returns when bytes last moved in either direction.
func (c *Connection) LastActivity() time.Time { return time.Unix(0, c.lastActivity.Load()) }

// BytesRead returns the bytes read from the transport so far.
func (c *Connection) BytesRead() int64 { return c.bytesIn.Load() }

// BytesWritten returns the bytes written to the transport so far.
func (c *Connection) BytesWritten() int64 { return c.bytesOut.Load() }

// Control exposes the connection's timeout control.
func (c *Connection) Control() *timeout.Control { return c.control }

// Logger returns the logger connections of this registry use.
func (c *Connection) Logger() *logger.Logger { return c.log }

// Done is closed once the connection reaches Closed.
func (c *Connection) Done() <-chan struct{} { return c.done }

// Mode returns the current lifecycle mode.
func (c *Connection) Mode() Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

// WasUpgraded reports whether an upgrade was ever accepted.
func (c *Connection) WasUpgraded() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.upgraded
}

// EndReason returns the reason the connection ended, or NoReason while open.
func (c *Connection) EndReason() EndReason {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}

// CloseStyle returns how the transport was, or will be, shut down. It is only
// meaningful once the connection is closing.
func (c *Connection) CloseStyle() transport.CloseStyle {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.style
}

// RequestAborted returns a context cancelled when the connection is aborted.
// The same context is returned for the whole life of the connection.
func (c *Connection) RequestAborted() context.Context { return c.aborted }

// Context returns a context cancelled once the connection starts closing for
// any reason.
func (c *Connection) Context() context.Context { return c.lifetime }

// Abort tears the connection down immediately: in-flight work observes
// RequestAborted, both pipes fail with an *Error carrying reason, and the
// transport is shut down with the close style the reason calls for. Only the
// first abort counts; an abort may escalate a graceful close in progress.
func (c *Connection) Abort(reason EndReason, cause error) {
	c.mu.Lock()
	if c.aborting || c.mode == Closed {
		c.mu.Unlock()
		return
	}
	if c.mode != Closing {
		c.setModeLocked(Closing)
	}
	c.aborting = true
	c.keepAlive = false
	c.reason = reason
	c.cause = cause
	c.style = closeStyleFor(reason, c.opts.FinOnError)
	style := c.style
	c.mu.Unlock()

	err := &Error{ConnID: c.id, Reason: reason, Cause: cause}
	c.control.Freeze()
	c.in.Abort(err)
	c.out.Abort(err)
	c.cancelAborted()
	c.cancelLifetime()
	// Shutdown may write a TLS alert; the heartbeat must never wait on it.
	go func() { _ = c.stream.Shutdown(style) }()

	fields := c.fields(logger.LogFields{"reason": reason.String(), "close_style": style.String()})
	if cause != nil {
		fields["error"] = cause.Error()
	}
	switch reason {
	case AbortedByApp, AppShutdownTimeout, MaxRequestBufferExceeded:
		c.log.Info("Connection aborted", fields)
	default:
		c.log.Debug("Connection aborted", fields)
	}
}

// CloseGracefully asks the connection to end without interrupting an
// exchange in progress. Keep-alive is disabled at once; an idle connection
// closes immediately with a FIN, a busy one after its current response.
func (c *Connection) CloseGracefully(reason EndReason) {
	c.mu.Lock()
	if c.mode.terminating() {
		c.mu.Unlock()
		return
	}
	c.keepAlive = false
	if c.pendingReason == NoReason {
		c.pendingReason = reason
	}
	closeNow := c.idle && c.mode == Normal
	if closeNow {
		c.setModeLocked(Closing)
		c.reason = c.pendingReason
		c.style = transport.Fin
		c.control.Freeze()
	}
	c.mu.Unlock()

	if closeNow {
		c.log.Debug("Closing idle connection", c.fields(logger.LogFields{"reason": reason.String()}))
		c.cancelLifetime()
	}
}

// DisableKeepAlive makes the current exchange the last one; reason is
// reported when the connection then closes.
func (c *Connection) DisableKeepAlive(reason EndReason) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.keepAlive = false
	if c.pendingReason == NoReason {
		c.pendingReason = reason
	}
}

// KeepAliveAllowed reports whether another request may follow the current one.
func (c *Connection) KeepAliveAllowed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.keepAlive && c.mode == Normal
}

// Finish completes the connection once its framing loop is done: pending
// output is flushed (unless aborted), the transport is shut down, the pumps
// are joined, and the registry slot is released. Finish is idempotent and
// every caller returns once the connection is Closed.
func (c *Connection) Finish() {
	c.finishOnce.Do(c.finish)
}

func (c *Connection) finish() {
	c.mu.Lock()
	if !c.mode.terminating() {
		c.setModeLocked(Closing)
		switch {
		case c.pendingReason != NoReason:
			c.reason = c.pendingReason
		case c.peerClosed:
			c.reason = ClientClosedConnection
		default:
			c.reason = GracefulClose
		}
		c.style = transport.Fin
	}
	aborting := c.aborting
	c.mu.Unlock()

	c.control.Freeze()
	if !aborting {
		c.out.Complete()
		<-c.writerDone
	}

	c.mu.Lock()
	style := c.style // an abort may have escalated the close while flushing
	c.mu.Unlock()
	if err := c.stream.Shutdown(style); err != nil && !transport.IsLocallyClosed(err) {
		c.log.Debug("Transport shutdown failed", c.fields(logger.LogFields{"error": err.Error()}))
	}
	c.cancelLifetime()
	c.pumps.Wait()
	c.in.Complete()

	c.mu.Lock()
	c.setModeLocked(Closed)
	reason, upgraded := c.reason, c.upgraded
	c.mu.Unlock()

	c.reg.remove(c)
	lifetime := c.now().Sub(c.createdAt)
	c.opts.Observer.ConnectionClosed(reason, upgraded, lifetime, c.bytesIn.Load(), c.bytesOut.Load())
	c.log.Debug("Connection closed", c.fields(logger.LogFields{
		"reason":      reason.String(),
		"close_style": style.String(),
		"upgraded":    upgraded,
		"bytes_in":    c.bytesIn.Load(),
		"bytes_out":   c.bytesOut.Load(),
	}))
	close(c.done)
}

// onHeartbeat evaluates the timeout control. It never blocks on I/O.
func (c *Connection) onHeartbeat(now time.Time) {
	v := c.control.Tick(now)
	switch v.Kind {
	case timeout.RateViolated:
		mon := c.control.Inbound()
		if v.Direction == timeout.Outbound {
			mon = c.control.Outbound()
		}
		c.log.Info("Minimum data rate not satisfied", c.fields(logger.LogFields{
			"direction": v.Direction.String(),
			"rate":      mon.Rate().String(),
		}))
		c.Abort(MinimumDataRateNotSatisfied,
			fmt.Errorf("minimum %s data rate %s not satisfied", v.Direction, mon.Rate()))
	case timeout.KeepAliveExpired:
		c.CloseGracefully(KeepAliveTimeout)
	case timeout.RequestHeadersExpired:
		c.Abort(RequestHeadersTimeout, errors.New("request headers were not received in time"))
	}
}

// AwaitRequest marks the connection idle before the next request and arms
// the keep-alive timeout. It returns false when no further request may be
// read.
func (c *Connection) AwaitRequest() bool {
	c.mu.Lock()
	if !c.keepAlive || c.mode != Normal {
		c.mu.Unlock()
		return false
	}
	c.idle = true
	c.mu.Unlock()
	c.control.ArmKeepAlive(c.now(), c.opts.KeepAliveTimeout)
	return true
}

// RequestStarted is called when the first byte of a request arrives. It arms
// the request headers timeout and restores the configured data rates.
func (c *Connection) RequestStarted() {
	c.mu.Lock()
	c.idle = false
	c.mu.Unlock()
	c.control.ArmRequestHeaders(c.now(), c.opts.RequestHeadersTimeout)
	_ = c.control.Inbound().SetRate(c.opts.MinRequestBodyDataRate)
	_ = c.control.Outbound().SetRate(c.opts.MinResponseDataRate)
}

// RequestHeadersReceived disarms the request headers timeout.
func (c *Connection) RequestHeadersReceived() {
	c.control.Disarm()
}

// SetMinRequestBodyDataRate overrides the inbound rate for the current
// request. It fails once the body has started to be read.
func (c *Connection) SetMinRequestBodyDataRate(rate *timeout.MinDataRate) error {
	return c.control.Inbound().SetRate(rate)
}

// SetMinResponseDataRate overrides the outbound rate for the current
// response. It fails once the response has started.
func (c *Connection) SetMinResponseDataRate(rate *timeout.MinDataRate) error {
	return c.control.Outbound().SetRate(rate)
}

// StartRequestBody begins inbound rate accounting.
func (c *Connection) StartRequestBody() { c.control.Inbound().Start(c.now()) }

// StopRequestBody ends inbound rate accounting.
func (c *Connection) StopRequestBody() { c.control.Inbound().Stop() }

// ReportRequestBodyBytes counts n request body bytes toward the inbound rate.
func (c *Connection) ReportRequestBodyBytes(n int) { c.control.Inbound().OnBytesTransferred(n) }

// StartResponse begins outbound rate accounting.
func (c *Connection) StartResponse() {
	c.responseEnd.Store(-1)
	c.control.Outbound().Start(c.now())
}

// EndResponse marks everything written so far as the end of the response.
// Outbound accounting stops once that much has reached the transport.
func (c *Connection) EndResponse() {
	c.responseEnd.Store(c.out.Written())
	c.maybeStopResponseTiming()
}

func (c *Connection) maybeStopResponseTiming() {
	end := c.responseEnd.Load()
	if end >= 0 && c.out.Consumed() >= end && c.responseEnd.CompareAndSwap(end, -1) {
		c.control.Outbound().Stop()
	}
}

// Input returns the framing layer's view of request bytes.
func (c *Connection) Input() io.Reader { return inputReader{c: c} }

type inputReader struct{ c *Connection }

// Read times the inbound monitor only while blocked waiting for the peer.
func (r inputReader) Read(b []byte) (int, error) {
	c := r.c
	if len(b) == 0 {
		return 0, nil
	}
	mon := c.control.Inbound()
	waiting := c.in.Buffered() == 0
	if waiting {
		mon.SetPaused(false)
	}
	res, err := c.in.Read(c.lifetime)
	if waiting {
		mon.SetPaused(true)
	}
	if err != nil {
		return 0, c.streamErr(err)
	}
	if len(res.Data) == 0 && res.Completed {
		return 0, io.EOF
	}
	n := copy(b, res.Data)
	if err := c.in.Advance(n); err != nil {
		return 0, c.streamErr(err)
	}
	return n, nil
}

// Write is the structured response write. Once the connection is closing it
// silently discards data; after an upgrade it fails.
func (c *Connection) Write(p []byte) (int, error) {
	c.mu.Lock()
	upgraded, mode := c.upgraded, c.mode
	c.mu.Unlock()
	if upgraded {
		return 0, ErrResponseStreamWasUpgraded
	}
	if mode.terminating() {
		return len(p), nil
	}
	n, err := c.out.Write(c.aborted, p)
	if err != nil && c.Mode().terminating() {
		return len(p), nil
	}
	return n, err
}

// Flush waits while the outbound pipe is over its high watermark.
func (c *Connection) Flush() error {
	if c.Mode().terminating() {
		return nil
	}
	if err := c.out.Flush(c.aborted); err != nil && !c.Mode().terminating() {
		return err
	}
	return nil
}

// streamErr maps pipe failures to what callers of the connection see.
func (c *Connection) streamErr(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, pipe.ErrCompleted) {
		if perr := c.in.Err(); perr != nil {
			return perr
		}
		return ErrConnectionClosed
	}
	return err
}

func (c *Connection) onReadPaused() {
	c.control.Inbound().SetPaused(true)
	c.log.Debug("Transport read paused", c.fields(logger.LogFields{"buffered": c.opts.MaxRequestBufferSize}))
}

func (c *Connection) onReadResumed() {
	c.log.Debug("Transport read resumed", c.fields())
}

// readLoop moves bytes from the transport into the inbound pipe.
func (c *Connection) readLoop() {
	defer c.pumps.Done()
	buf := make([]byte, readChunkSize)
	for {
		n, err := c.stream.Read(buf)
		if n > 0 {
			c.bytesIn.Add(int64(n))
			c.touch()
			if !c.deliverInbound(buf[:n]) {
				return
			}
		}
		if err != nil {
			c.onReadError(err)
			return
		}
	}
}

// deliverInbound pushes b into the inbound pipe and waits out backpressure.
// It reports whether reading should continue.
func (c *Connection) deliverInbound(b []byte) bool {
	if err := c.in.Push(b); err != nil {
		if errors.Is(err, pipe.ErrBufferExceeded) {
			c.Abort(MaxRequestBufferExceeded, err)
		}
		return false
	}
	return c.in.Flush(c.lifetime) == nil
}

func (c *Connection) onReadError(err error) {
	switch {
	case errors.Is(err, io.EOF):
		c.mu.Lock()
		c.peerClosed = true
		c.mu.Unlock()
		c.in.Complete()
	case c.lifetime.Err() != nil || transport.IsLocallyClosed(err):
		c.in.Complete()
	case transport.IsPeerClosed(err):
		c.mu.Lock()
		c.peerClosed = true
		c.mu.Unlock()
		c.Abort(ClientClosedConnection, err)
	default:
		c.Abort(TransportError, err)
	}
}

// writeLoop moves bytes from the outbound pipe to the transport.
func (c *Connection) writeLoop() {
	defer c.pumps.Done()
	defer close(c.writerDone)
	for {
		res, err := c.out.Read(nil)
		if err != nil || len(res.Data) == 0 {
			return
		}
		n, werr := c.stream.Write(res.Data)
		if n > 0 {
			c.bytesOut.Add(int64(n))
			c.control.Outbound().OnBytesTransferred(n)
			c.touch()
		}
		if werr != nil {
			c.onWriteError(werr)
			return
		}
		if err := c.out.Advance(n); err != nil {
			return
		}
		c.maybeStopResponseTiming()
	}
}

func (c *Connection) onWriteError(err error) {
	switch {
	case c.lifetime.Err() != nil || transport.IsLocallyClosed(err):
	case transport.IsPeerClosed(err):
		c.Abort(ClientClosedConnection, err)
	default:
		c.Abort(TransportError, err)
	}
	// Unblock a producer waiting on backpressure.
	c.out.Abort(&Error{ConnID: c.id, Reason: TransportError, Cause: err})
}
