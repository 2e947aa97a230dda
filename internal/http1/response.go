package http1

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
	"strconv"
	"time"

	"example.com/h1core/internal/connection"
	"example.com/h1core/internal/logger"
	"example.com/h1core/internal/timeout"
)

// bufferBeforeChunking is how much body is held back before the response
// head is committed without a known length.
const bufferBeforeChunking = 2048

var (
	// ErrResponseStarted is returned by Upgrade once response headers were sent.
	ErrResponseStarted = errors.New("http1: response already started")
	errAbortedByApp    = errors.New("connection aborted by the application")
)

// ResponseWriter is what handlers write responses through. Beyond the
// net/http surface it exposes the connection features of this server.
type ResponseWriter interface {
	http.ResponseWriter
	http.Flusher

	// Upgradable reports whether the request asked for, and can be, upgraded.
	Upgradable() bool
	// Upgrade sends 101 Switching Protocols with the headers set so far and
	// returns the raw connection. It can succeed once per connection.
	Upgrade() (io.ReadWriteCloser, error)
	// Abort resets the connection immediately.
	Abort()
	// SetMinRequestBodyDataRate overrides the request body rate; nil disables it.
	SetMinRequestBodyDataRate(rate *timeout.MinDataRate) error
	// SetMinResponseDataRate overrides the response rate; nil disables it.
	SetMinResponseDataRate(rate *timeout.MinDataRate) error
	// ConnectionID identifies the underlying connection.
	ConnectionID() uint64
}

type response struct {
	conn *connection.Connection
	head *requestHead
	br   *bufio.Reader
	opts *Options

	header      http.Header
	status      int
	wroteHeader bool // status fixed
	committed   bool // head written to the connection
	chunked     bool
	chunks      io.WriteCloser
	pending     []byte // body written before commit
	declared    int64  // Content-Length, -1 when unknown
	written     int64
	closeAfter  bool
	upgraded    bool
	aborted     bool
}

func newResponse(conn *connection.Connection, head *requestHead, br *bufio.Reader, opts *Options) *response {
	return &response{
		conn:     conn,
		head:     head,
		br:       br,
		opts:     opts,
		header:   make(http.Header),
		declared: -1,
	}
}

func (w *response) Header() http.Header { return w.header }

func (w *response) ConnectionID() uint64 { return w.conn.ID() }

func (w *response) Upgradable() bool { return w.head.upgradable && !w.conn.WasUpgraded() }

func (w *response) WriteHeader(status int) {
	if w.wroteHeader || w.upgraded {
		return
	}
	if status < 200 || status > 999 {
		w.opts.Logger.Debug("Ignoring informational or invalid status", logger.LogFields{
			"conn_id": w.conn.ID(),
			"status":  status,
		})
		return
	}
	w.status = status
	w.wroteHeader = true
}

func bodyAllowedForStatus(status int) bool {
	switch {
	case status >= 100 && status <= 199:
		return false
	case status == http.StatusNoContent, status == http.StatusNotModified:
		return false
	}
	return true
}

func (w *response) isHead() bool { return w.head.method == http.MethodHead }

func (w *response) Write(p []byte) (int, error) {
	if w.upgraded {
		return 0, connection.ErrResponseStreamWasUpgraded
	}
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	if !bodyAllowedForStatus(w.status) {
		return 0, http.ErrBodyNotAllowed
	}
	if !w.committed {
		// Small bodies are held back so they can go out with a Content-Length.
		if w.header.Get("Content-Length") == "" && len(w.pending)+len(p) <= bufferBeforeChunking {
			w.pending = append(w.pending, p...)
			w.written += int64(len(p))
			return len(p), nil
		}
		if err := w.commitPending(false); err != nil {
			return 0, err
		}
	}
	if w.declared >= 0 && w.written+int64(len(p)) > w.declared {
		return 0, http.ErrContentLength
	}
	w.written += int64(len(p))
	if err := w.writeBody(p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (w *response) writeBody(p []byte) error {
	if w.isHead() || len(p) == 0 {
		return nil
	}
	var err error
	if w.chunked {
		_, err = w.chunks.Write(p)
	} else {
		_, err = w.conn.Write(p)
	}
	return err
}

// commitPending commits the head and sends whatever body was held back.
func (w *response) commitPending(final bool) error {
	if err := w.commit(final); err != nil {
		return err
	}
	pending := w.pending
	w.pending = nil
	if w.declared >= 0 && int64(len(pending)) > w.declared {
		return http.ErrContentLength
	}
	return w.writeBody(pending)
}

func (w *response) Flush() {
	if w.upgraded {
		return
	}
	if !w.committed {
		if !w.wroteHeader {
			w.WriteHeader(http.StatusOK)
		}
		if err := w.commitPending(false); err != nil {
			return
		}
	}
	_ = w.conn.Flush()
}

// commit fixes the response framing and writes the status line and headers.
// final is set when the handler has returned, so the body is complete.
func (w *response) commit(final bool) error {
	h := w.header
	bodyAllowed := bodyAllowedForStatus(w.status)

	if cl := h.Get("Content-Length"); cl != "" {
		n, err := strconv.ParseInt(cl, 10, 64)
		if err != nil || n < 0 {
			return fmt.Errorf("http1: invalid Content-Length %q set by handler", cl)
		}
		w.declared = n
	}
	h.Del("Transfer-Encoding")

	switch {
	case !bodyAllowed:
		h.Del("Content-Length")
		w.declared = 0
	case w.declared >= 0:
	case w.isHead():
		if final && w.written > 0 {
			h.Set("Content-Length", strconv.FormatInt(w.written, 10))
		}
	case final:
		w.declared = w.written
		h.Set("Content-Length", strconv.FormatInt(w.written, 10))
	case w.head.protoMinor >= 1:
		w.chunked = true
		h.Set("Transfer-Encoding", "chunked")
	default:
		// HTTP/1.0 without a length: the body ends when the connection does.
		w.closeAfter = true
	}

	if w.head.close || !w.conn.KeepAliveAllowed() {
		w.closeAfter = true
	}
	switch {
	case w.closeAfter:
		h.Set("Connection", "close")
	case w.head.protoMinor == 0:
		h.Set("Connection", "keep-alive")
	}
	if _, ok := h["Date"]; !ok {
		h.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	}
	if w.opts.ServerHeader != "" {
		if _, ok := h["Server"]; !ok {
			h.Set("Server", w.opts.ServerHeader)
		}
	}

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "HTTP/1.1 %d %s\r\n", w.status, http.StatusText(w.status))
	if err := h.Write(&buf); err != nil {
		return err
	}
	buf.WriteString("\r\n")

	w.committed = true
	w.conn.StartResponse()
	if _, err := w.conn.Write(buf.Bytes()); err != nil {
		return err
	}
	if w.chunked {
		w.chunks = httputil.NewChunkedWriter(connWriter{w.conn})
	}
	return nil
}

// finish completes the response after the handler returned. It reports
// whether the connection may carry another request.
func (w *response) finish() bool {
	if w.upgraded || w.aborted {
		return false
	}
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	if !w.committed {
		if err := w.commitPending(true); err != nil {
			w.opts.Logger.Error("Failed to write response headers", logger.LogFields{
				"conn_id": w.conn.ID(),
				"error":   err.Error(),
			})
			w.conn.Abort(connection.AbortedByApp, err)
			return false
		}
	}
	if w.chunked {
		_ = w.chunks.Close()
		_, _ = w.conn.Write([]byte("\r\n"))
	}
	if w.declared >= 0 && w.written < w.declared && !w.isHead() {
		err := fmt.Errorf("response Content-Length mismatch: %d of %d bytes written", w.written, w.declared)
		w.opts.Logger.Error("Response shorter than its Content-Length", logger.LogFields{
			"conn_id":  w.conn.ID(),
			"written":  w.written,
			"declared": w.declared,
		})
		w.conn.Abort(connection.ResponseContentLengthMismatch, err)
		return false
	}
	w.conn.EndResponse()
	if w.closeAfter {
		w.conn.DisableKeepAlive(connection.GracefulClose)
		return false
	}
	return true
}

func (w *response) Upgrade() (io.ReadWriteCloser, error) {
	if w.upgraded || w.conn.WasUpgraded() {
		return nil, connection.ErrUpgradeAlreadyInProgress
	}
	if w.committed {
		return nil, ErrResponseStarted
	}
	h := w.header.Clone()
	if h.Get("Upgrade") == "" {
		h.Set("Upgrade", w.head.header.Get("Upgrade"))
	}
	h.Set("Connection", "Upgrade")
	h.Del("Content-Length")
	h.Del("Transfer-Encoding")

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "HTTP/1.1 %d %s\r\n", http.StatusSwitchingProtocols, http.StatusText(http.StatusSwitchingProtocols))
	if err := h.Write(&buf); err != nil {
		return nil, err
	}
	buf.WriteString("\r\n")

	stream, err := w.conn.RequestUpgrade(w.head.upgradable, buf.Bytes())
	if err != nil {
		return nil, err
	}
	w.header = h
	w.upgraded = true
	w.committed = true
	w.wroteHeader = true
	w.status = http.StatusSwitchingProtocols

	// Bytes the client sent right behind the upgrade request are already buffered.
	if n := w.br.Buffered(); n > 0 {
		early, _ := w.br.Peek(n)
		return &upgradedConn{
			Reader: io.MultiReader(bytes.NewReader(append([]byte(nil), early...)), stream),
			stream: stream,
		}, nil
	}
	return stream, nil
}

func (w *response) Abort() {
	w.aborted = true
	w.conn.Abort(connection.AbortedByApp, errAbortedByApp)
}

func (w *response) SetMinRequestBodyDataRate(rate *timeout.MinDataRate) error {
	return w.conn.SetMinRequestBodyDataRate(rate)
}

func (w *response) SetMinResponseDataRate(rate *timeout.MinDataRate) error {
	return w.conn.SetMinResponseDataRate(rate)
}

// connWriter adapts the connection's structured write to io.Writer for the
// chunked encoder.
type connWriter struct{ c *connection.Connection }

func (cw connWriter) Write(p []byte) (int, error) { return cw.c.Write(p) }

type upgradedConn struct {
	io.Reader
	stream io.ReadWriteCloser
}

func (u *upgradedConn) Write(p []byte) (int, error) { return u.stream.Write(p) }

func (u *upgradedConn) Close() error { return u.stream.Close() }

var _ ResponseWriter = (*response)(nil)
