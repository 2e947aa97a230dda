package connection

import (
	"fmt"

	"example.com/h1core/internal/transport"
)

// EndReason records why a connection ended.
type EndReason int

const (
	// NoReason is the zero value; a connection that is still open has no reason.
	NoReason EndReason = iota
	// GracefulClose: the server finished the last exchange and closed.
	GracefulClose
	// ClientClosedConnection: the peer closed or reset the connection.
	ClientClosedConnection
	// AbortedByApp: the application aborted the connection.
	AbortedByApp
	// MinimumDataRateNotSatisfied: the peer sent or received too slowly.
	MinimumDataRateNotSatisfied
	// KeepAliveTimeout: the connection stayed idle past the keep-alive timeout.
	KeepAliveTimeout
	// ServerShutdown: the server drained the connection on shutdown.
	ServerShutdown
	// RequestHeadersTimeout: the request line and headers did not arrive in time.
	RequestHeadersTimeout
	// MaxRequestBufferExceeded: buffered request data passed the hard cap.
	MaxRequestBufferExceeded
	// InvalidRequest: the request could not be framed.
	InvalidRequest
	// AppShutdownTimeout: the connection was still busy when the drain deadline passed.
	AppShutdownTimeout
	// TransportError: reading or writing the transport failed locally.
	TransportError
	// ResponseContentLengthMismatch: the application wrote fewer bytes than it declared.
	ResponseContentLengthMismatch
)

var reasonNames = map[EndReason]string{
	NoReason:                    "none",
	GracefulClose:               "graceful_close",
	ClientClosedConnection:      "client_closed_connection",
	AbortedByApp:                "aborted_by_app",
	MinimumDataRateNotSatisfied: "minimum_data_rate_not_satisfied",
	KeepAliveTimeout:            "keep_alive_timeout",
	ServerShutdown:              "server_shutdown",
	RequestHeadersTimeout:       "request_headers_timeout",
	MaxRequestBufferExceeded:    "max_request_buffer_exceeded",
	InvalidRequest:              "invalid_request",
	AppShutdownTimeout:          "app_shutdown_timeout",
	TransportError:              "transport_error",

	ResponseContentLengthMismatch: "response_content_length_mismatch",
}

func (r EndReason) String() string {
	if s, ok := reasonNames[r]; ok {
		return s
	}
	return fmt.Sprintf("EndReason(%d)", int(r))
}

// IsError reports whether the reason is an error condition rather than an
// ordinary end of a connection's life.
func (r EndReason) IsError() bool {
	switch r {
	case NoReason, GracefulClose, ClientClosedConnection, KeepAliveTimeout, ServerShutdown:
		return false
	default:
		return true
	}
}

// closeStyleFor resolves how an aborted connection is torn down: errors reset
// the connection unless finOnError is set.
func closeStyleFor(r EndReason, finOnError bool) transport.CloseStyle {
	if r.IsError() && !finOnError {
		return transport.Reset
	}
	return transport.Fin
}
