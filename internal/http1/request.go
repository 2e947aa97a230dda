package http1

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"

	"golang.org/x/net/http/httpguts"
)

// protocolError is a request framing failure answered with status before the
// connection is closed.
type protocolError struct {
	status int
	detail string
}

func (e *protocolError) Error() string {
	return fmt.Sprintf("%d %s: %s", e.status, http.StatusText(e.status), e.detail)
}

func badRequest(format string, args ...interface{}) error {
	return &protocolError{status: http.StatusBadRequest, detail: fmt.Sprintf(format, args...)}
}

// errLineTooLong is returned by readLine when the limit is hit before a line ends.
var errLineTooLong = errors.New("line too long")

// requestHead is everything before the body.
type requestHead struct {
	method     string
	target     string
	url        *url.URL
	proto      string
	protoMajor int
	protoMinor int
	header     http.Header
	host       string

	contentLength  int64 // -1 when unknown
	chunked        bool
	close          bool
	upgradable     bool
	expectContinue bool
}

// readLine reads one CRLF terminated line of at most limit bytes (including
// the CRLF). A bare LF is a protocol error.
func readLine(br *bufio.Reader, limit int) ([]byte, error) {
	var line []byte
	for {
		chunk, err := br.ReadSlice('\n')
		if len(line)+len(chunk) > limit {
			return nil, errLineTooLong
		}
		line = append(line, chunk...)
		if err == nil {
			break
		}
		if !errors.Is(err, bufio.ErrBufferFull) {
			return nil, err
		}
	}
	if len(line) < 2 || line[len(line)-2] != '\r' {
		return nil, badRequest("line not terminated by CRLF")
	}
	return line[:len(line)-2], nil
}

// readRequestHead parses the request line and header section. The total size
// of both is bounded by maxHeaderBytes, the request line alone by maxLineBytes.
func readRequestHead(br *bufio.Reader, maxLineBytes, maxHeaderBytes int) (*requestHead, error) {
	lineLimit := maxLineBytes + 2
	if lineLimit > maxHeaderBytes {
		lineLimit = maxHeaderBytes
	}
	line, err := readLine(br, lineLimit)
	if errors.Is(err, errLineTooLong) {
		return nil, &protocolError{status: http.StatusRequestURITooLong, detail: "request line too long"}
	}
	if err != nil {
		return nil, err
	}
	remaining := maxHeaderBytes - len(line) - 2

	h, err := parseRequestLine(string(line))
	if err != nil {
		return nil, err
	}

	h.header = make(http.Header)
	for {
		if remaining <= 0 {
			return nil, &protocolError{status: http.StatusRequestHeaderFieldsTooLarge, detail: "request headers too large"}
		}
		line, err := readLine(br, remaining)
		if errors.Is(err, errLineTooLong) {
			return nil, &protocolError{status: http.StatusRequestHeaderFieldsTooLarge, detail: "request headers too large"}
		}
		if err != nil {
			return nil, err
		}
		remaining -= len(line) + 2
		if len(line) == 0 {
			break
		}
		if line[0] == ' ' || line[0] == '\t' {
			return nil, badRequest("obsolete header line folding")
		}
		name, value, ok := cutHeaderLine(line)
		if !ok {
			return nil, badRequest("malformed header line %q", line)
		}
		h.header.Add(name, value)
	}

	if err := h.resolveFraming(); err != nil {
		return nil, err
	}
	return h, nil
}

// cutHeaderLine splits and validates a "name: value" line. The name is
// returned in canonical form.
func cutHeaderLine(line []byte) (name, value string, ok bool) {
	colon := bytes.IndexByte(line, ':')
	if colon <= 0 {
		return "", "", false
	}
	name = string(line[:colon])
	value = strings.Trim(string(line[colon+1:]), " \t")
	if !httpguts.ValidHeaderFieldName(name) || !httpguts.ValidHeaderFieldValue(value) {
		return "", "", false
	}
	return textproto.CanonicalMIMEHeaderKey(name), value, true
}

func parseRequestLine(line string) (*requestHead, error) {
	method, rest, ok1 := strings.Cut(line, " ")
	target, proto, ok2 := strings.Cut(rest, " ")
	if !ok1 || !ok2 || method == "" || target == "" {
		return nil, badRequest("malformed request line")
	}
	if !httpguts.ValidHeaderFieldName(method) {
		return nil, badRequest("invalid method %q", method)
	}
	major, minor, ok := http.ParseHTTPVersion(proto)
	if !ok {
		return nil, badRequest("malformed HTTP version %q", proto)
	}
	if major != 1 {
		return nil, &protocolError{status: http.StatusHTTPVersionNotSupported, detail: proto}
	}

	h := &requestHead{
		method:        method,
		target:        target,
		proto:         proto,
		protoMajor:    major,
		protoMinor:    minor,
		contentLength: -1,
	}
	var err error
	switch {
	case method == http.MethodConnect:
		h.url = &url.URL{Host: target}
	case target == "*":
		if method != http.MethodOptions {
			return nil, badRequest("asterisk target is only valid for OPTIONS")
		}
		h.url = &url.URL{Path: "*"}
	default:
		h.url, err = url.ParseRequestURI(target)
		if err != nil {
			return nil, badRequest("invalid request target %q", target)
		}
	}
	return h, nil
}

// resolveFraming validates Host and the body framing headers and classifies
// the request for keep-alive and upgrade.
func (h *requestHead) resolveFraming() error {
	hosts := h.header.Values("Host")
	switch {
	case len(hosts) > 1:
		return badRequest("multiple Host headers")
	case len(hosts) == 0 && h.protoMinor >= 1:
		return badRequest("missing Host header")
	case len(hosts) == 1:
		if !httpguts.ValidHostHeader(hosts[0]) {
			return badRequest("invalid Host header %q", hosts[0])
		}
		h.host = hosts[0]
	}
	if h.host == "" && h.url != nil {
		h.host = h.url.Host
	}

	te := h.header.Values("Transfer-Encoding")
	cl := h.header.Values("Content-Length")
	if len(te) > 0 {
		if h.protoMinor == 0 {
			return badRequest("Transfer-Encoding is not allowed in HTTP/1.0")
		}
		if len(cl) > 0 {
			return badRequest("both Transfer-Encoding and Content-Length present")
		}
		codings := strings.Split(strings.Join(te, ","), ",")
		if !strings.EqualFold(strings.TrimSpace(codings[len(codings)-1]), "chunked") {
			return &protocolError{status: http.StatusNotImplemented, detail: "final transfer coding is not chunked"}
		}
		if len(codings) > 1 {
			return &protocolError{status: http.StatusNotImplemented, detail: "only chunked transfer coding is supported"}
		}
		h.chunked = true
	}
	if len(cl) > 0 {
		first := strings.TrimSpace(cl[0])
		for _, v := range cl[1:] {
			if strings.TrimSpace(v) != first {
				return badRequest("conflicting Content-Length headers")
			}
		}
		n, err := strconv.ParseInt(first, 10, 64)
		if err != nil || n < 0 || first[0] == '+' {
			return badRequest("invalid Content-Length %q", first)
		}
		h.contentLength = n
	}

	conn := h.header["Connection"]
	switch {
	case httpguts.HeaderValuesContainsToken(conn, "close"):
		h.close = true
	case h.protoMinor == 0:
		h.close = !httpguts.HeaderValuesContainsToken(conn, "keep-alive")
	}

	h.upgradable = h.protoMinor >= 1 &&
		httpguts.HeaderValuesContainsToken(conn, "upgrade") &&
		h.header.Get("Upgrade") != "" &&
		!h.chunked && h.contentLength <= 0

	h.expectContinue = h.protoMinor >= 1 &&
		httpguts.HeaderValuesContainsToken(h.header["Expect"], "100-continue")
	return nil
}

// hasBody reports whether request body bytes follow the head.
func (h *requestHead) hasBody() bool {
	return h.chunked || h.contentLength > 0
}
