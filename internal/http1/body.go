package http1

import (
	"bufio"
	"errors"
	"io"
	"net/http"
	"net/http/httputil"

	"example.com/h1core/internal/connection"
)

// body is the request body handed to handlers. It frames reads by
// Content-Length or chunked coding and feeds the connection's inbound rate
// monitor from the first read until the body ends.
type body struct {
	conn *connection.Connection
	br   *bufio.Reader

	chunked   bool
	remaining int64 // fixed length bodies only
	chunks    io.Reader

	trailer     http.Header
	maxTrailer  int
	beforeFirst func() // sends 100 Continue

	started bool
	done    bool
	closed  bool
	read    int64
	err     error
}

func newBody(conn *connection.Connection, br *bufio.Reader, h *requestHead, maxTrailer int, beforeFirst func()) *body {
	b := &body{conn: conn, br: br, maxTrailer: maxTrailer, beforeFirst: beforeFirst}
	switch {
	case h.chunked:
		b.chunked = true
		b.chunks = httputil.NewChunkedReader(br)
		b.trailer = make(http.Header)
	case h.contentLength > 0:
		b.remaining = h.contentLength
	default:
		b.done = true
	}
	return b
}

func (b *body) Read(p []byte) (int, error) {
	switch {
	case b.closed:
		return 0, http.ErrBodyReadAfterClose
	case b.err != nil:
		return 0, b.err
	case b.done:
		return 0, io.EOF
	case len(p) == 0:
		return 0, nil
	}
	if !b.started {
		b.started = true
		if b.beforeFirst != nil {
			b.beforeFirst()
		}
		b.conn.StartRequestBody()
	}

	var n int
	var err error
	if b.chunked {
		n, err = b.chunks.Read(p)
	} else {
		if int64(len(p)) > b.remaining {
			p = p[:b.remaining]
		}
		n, err = b.br.Read(p)
		b.remaining -= int64(n)
		if b.remaining == 0 {
			err = io.EOF
		} else if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
	}
	b.read += int64(n)
	b.conn.ReportRequestBodyBytes(n)

	if errors.Is(err, io.EOF) && b.chunked {
		if terr := b.readTrailer(); terr != nil {
			err = terr
		}
	}
	switch {
	case err == nil:
	case errors.Is(err, io.EOF):
		b.done = true
		b.conn.StopRequestBody()
	default:
		b.err = err
		b.conn.StopRequestBody()
	}
	return n, err
}

// readTrailer consumes the trailer section that follows the last chunk.
func (b *body) readTrailer() error {
	remaining := b.maxTrailer
	for {
		line, err := readLine(b.br, remaining)
		if errors.Is(err, errLineTooLong) {
			return badRequest("request trailers too large")
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return io.ErrUnexpectedEOF
			}
			return err
		}
		remaining -= len(line) + 2
		if len(line) == 0 {
			return nil
		}
		name, value, ok := cutHeaderLine(line)
		if !ok {
			return badRequest("malformed trailer line")
		}
		b.trailer.Add(name, value)
	}
}

// Close marks the body closed for the handler; unread data is drained by
// the connection loop afterwards.
func (b *body) Close() error {
	b.closed = true
	return nil
}

// drain discards up to limit unread body bytes and reports whether the body
// ended cleanly, leaving the connection positioned at the next request.
func (b *body) drain(limit int64) bool {
	if b.done {
		return true
	}
	if b.err != nil {
		return false
	}
	b.closed = false
	_, err := io.CopyN(io.Discard, b, limit+1)
	return errors.Is(err, io.EOF) && b.done
}
