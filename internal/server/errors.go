package server

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"time"

	"example.com/h1core/internal/http1"
)

// ErrServerClosed is returned by Serve after Shutdown.
var ErrServerClosed = errors.New("server: closed")

const rejectWriteTimeout = time.Second

// writeRejection answers a connection the registry refused with a minimal
// 503 that also asks the peer to close. No request has been read, so the
// body is always HTML.
func writeRejection(w io.Writer, detail string) error {
	body := http1.GenerateHTMLResponseBody(
		"503 Service Unavailable",
		"Service Unavailable",
		detail,
	)
	h := make(http.Header)
	h.Set("Content-Type", "text/html; charset=utf-8")
	h.Set("Connection", "close")
	h.Set("Retry-After", "1")
	h.Set("Date", time.Now().UTC().Format(http.TimeFormat))

	resp := &http.Response{
		StatusCode:    http.StatusServiceUnavailable,
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        h,
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
		Close:         true,
	}
	return resp.Write(w)
}
