package http1

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net/http"
	"runtime/debug"
	"time"

	"example.com/h1core/internal/connection"
	"example.com/h1core/internal/logger"
)

const (
	defaultMaxRequestLineSize         = 8 * 1024
	defaultMaxRequestHeadersTotalSize = 32 * 1024
	defaultMaxDrainBytes              = 256 * 1024
	readBufferSize                    = 4 * 1024
)

var continueLine = []byte("HTTP/1.1 100 Continue\r\n\r\n")

// Handler responds to one HTTP/1.x request. An upgraded stream obtained from
// w.Upgrade is only valid until ServeHTTP1 returns.
type Handler interface {
	ServeHTTP1(w ResponseWriter, r *http.Request)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(w ResponseWriter, r *http.Request)

func (f HandlerFunc) ServeHTTP1(w ResponseWriter, r *http.Request) { f(w, r) }

// Recorder receives one measurement per completed exchange.
type Recorder interface {
	RequestServed(method string, status int, d time.Duration)
}

// Options configures the framing loop. Zero values select defaults.
type Options struct {
	MaxRequestLineSize         int
	MaxRequestHeadersTotalSize int
	// MaxDrainBytes bounds how much of an unread request body is discarded to
	// keep the connection alive; larger leftovers close the connection.
	MaxDrainBytes int64
	ServerHeader  string

	Logger   *logger.Logger
	Recorder Recorder
}

func (o Options) withDefaults() Options {
	if o.MaxRequestLineSize <= 0 {
		o.MaxRequestLineSize = defaultMaxRequestLineSize
	}
	if o.MaxRequestHeadersTotalSize <= 0 {
		o.MaxRequestHeadersTotalSize = defaultMaxRequestHeadersTotalSize
	}
	if o.MaxDrainBytes <= 0 {
		o.MaxDrainBytes = defaultMaxDrainBytes
	}
	return o
}

// ServeConn runs the request loop of c until the connection can carry no
// more requests, then finishes it.
func ServeConn(c *connection.Connection, h Handler, opts Options) {
	opts = opts.withDefaults()
	defer c.Finish()

	br := bufio.NewReaderSize(c.Input(), readBufferSize)
	remote := ""
	if addr := c.RemoteAddr(); addr != nil {
		remote = addr.String()
	}
	for {
		if !c.AwaitRequest() {
			return
		}
		if _, err := br.Peek(1); err != nil {
			return
		}
		c.RequestStarted()
		if !serveRequest(c, br, h, &opts, remote) {
			return
		}
	}
}

// serveRequest reads one request, runs the handler and completes the
// response. It reports whether the connection may be reused.
func serveRequest(c *connection.Connection, br *bufio.Reader, h Handler, opts *Options, remote string) bool {
	start := time.Now()
	head, err := readRequestHead(br, opts.MaxRequestLineSize, opts.MaxRequestHeadersTotalSize)
	if err != nil {
		var perr *protocolError
		if errors.As(err, &perr) {
			c.RequestHeadersReceived()
			rejectRequest(c, br, perr, opts)
			return false
		}
		opts.Logger.Debug("Request head not received", logger.LogFields{
			"conn_id": c.ID(),
			"error":   err.Error(),
		})
		return false
	}
	c.RequestHeadersReceived()

	w := newResponse(c, head, br, opts)
	req := newRequest(c, head, remote)

	var b *body
	if head.hasBody() {
		b = newBody(c, br, head, opts.MaxRequestHeadersTotalSize, func() {
			if head.expectContinue && !w.committed {
				_, _ = c.Write(continueLine)
				_ = c.Flush()
			}
		})
		req.Body = b
	}

	if p := invoke(h, w, req); p != nil {
		if !recoverFromPanic(c, w, req, p, opts) {
			return false
		}
	}

	if w.upgraded {
		logExchange(c, w, req, b, start, remote, opts)
		return false
	}

	if b != nil && head.expectContinue && !b.started {
		// The client may still be waiting for 100 Continue.
		c.DisableKeepAlive(connection.GracefulClose)
	}
	keep := w.finish()
	if b != nil {
		if keep && !b.drain(opts.MaxDrainBytes) {
			c.DisableKeepAlive(connection.GracefulClose)
			keep = false
		}
		c.StopRequestBody()
	}
	logExchange(c, w, req, b, start, remote, opts)
	return keep
}

func newRequest(c *connection.Connection, head *requestHead, remote string) *http.Request {
	req := &http.Request{
		Method:        head.method,
		URL:           head.url,
		Proto:         head.proto,
		ProtoMajor:    head.protoMajor,
		ProtoMinor:    head.protoMinor,
		Header:        head.header,
		Host:          head.host,
		RequestURI:    head.target,
		RemoteAddr:    remote,
		Close:         head.close,
		Body:          http.NoBody,
		ContentLength: head.contentLength,
	}
	switch {
	case head.chunked:
		req.TransferEncoding = []string{"chunked"}
		req.ContentLength = -1
	case head.contentLength < 0:
		req.ContentLength = 0
	}
	return req.WithContext(c.RequestAborted())
}

type handlerPanic struct {
	value interface{}
	stack []byte
}

func invoke(h Handler, w *response, req *http.Request) (p *handlerPanic) {
	defer func() {
		if v := recover(); v != nil {
			p = &handlerPanic{value: v, stack: debug.Stack()}
		}
	}()
	h.ServeHTTP1(w, req)
	return nil
}

// recoverFromPanic answers 500 when nothing was sent yet and aborts the
// connection otherwise. It reports whether the exchange can still complete.
func recoverFromPanic(c *connection.Connection, w *response, req *http.Request, p *handlerPanic, opts *Options) bool {
	if p.value == http.ErrAbortHandler {
		w.Abort()
		return false
	}
	opts.Logger.Error("Handler panicked", logger.LogFields{
		"conn_id": c.ID(),
		"method":  req.Method,
		"uri":     req.RequestURI,
		"panic":   fmt.Sprint(p.value),
		"stack":   string(p.stack),
	})
	if w.committed || w.upgraded || w.aborted {
		c.Abort(connection.AbortedByApp, fmt.Errorf("handler panic: %v", p.value))
		return false
	}
	w.header = make(http.Header)
	w.wroteHeader = false
	w.written = 0
	w.pending = nil
	WriteErrorResponse(w, req, http.StatusInternalServerError, "", opts.Logger)
	return true
}

// rejectRequest answers a malformed request and makes it the connection's last.
func rejectRequest(c *connection.Connection, br *bufio.Reader, perr *protocolError, opts *Options) {
	opts.Logger.Debug("Rejecting malformed request", logger.LogFields{
		"conn_id": c.ID(),
		"status":  perr.status,
		"detail":  perr.detail,
	})
	c.DisableKeepAlive(connection.InvalidRequest)
	head := &requestHead{
		method:        http.MethodGet,
		protoMajor:    1,
		protoMinor:    1,
		close:         true,
		header:        make(http.Header),
		contentLength: -1,
	}
	w := newResponse(c, head, br, opts)
	WriteErrorResponse(w, nil, perr.status, perr.detail, opts.Logger)
	w.finish()
	if opts.Recorder != nil {
		opts.Recorder.RequestServed("-", perr.status, 0)
	}
}

func logExchange(c *connection.Connection, w *response, req *http.Request, b *body, start time.Time, remote string, opts *Options) {
	d := time.Since(start)
	var reqBytes int64
	if b != nil {
		reqBytes = b.read
	}
	status := w.status
	if status == 0 {
		status = http.StatusOK
	}
	opts.Logger.Access(logger.AccessEntry{
		ConnectionID:  c.ID(),
		RemoteAddr:    remote,
		Method:        req.Method,
		Target:        req.RequestURI,
		Proto:         req.Proto,
		Status:        status,
		RequestBytes:  reqBytes,
		ResponseBytes: w.written,
		Duration:      d,
		UserAgent:     req.UserAgent(),
		Upgraded:      w.upgraded,
	})
	if opts.Recorder != nil {
		opts.Recorder.RequestServed(req.Method, status, d)
	}
}

var _ io.ReadCloser = (*body)(nil)
