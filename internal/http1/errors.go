package http1

import (
	"encoding/json"
	"fmt"
	"html"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"example.com/h1core/internal/logger"
)

// jsonMarshalFunc allows swapping out json.Marshal for testing.
var jsonMarshalFunc = json.Marshal

// ErrorDetail represents the inner structure of a JSON error response.
type ErrorDetail struct {
	StatusCode int    `json:"status_code"`
	Message    string `json:"message"`
	Detail     string `json:"detail,omitempty"`
}

// ErrorResponseJSON represents the full JSON error response body.
type ErrorResponseJSON struct {
	Error ErrorDetail `json:"error"`
}

type htmlMessage struct {
	Title   string
	Heading string
	Message string
}

// defaultHTMLMessages maps status codes the server itself produces to their HTML pages.
var defaultHTMLMessages = map[int]htmlMessage{
	http.StatusBadRequest: {
		Title:   "400 Bad Request",
		Heading: "Bad Request",
		Message: "The server cannot process the request due to a malformed request.",
	},
	http.StatusNotFound: {
		Title:   "404 Not Found",
		Heading: "Not Found",
		Message: "The requested resource was not found on this server.",
	},
	http.StatusRequestURITooLong: {
		Title:   "414 URI Too Long",
		Heading: "URI Too Long",
		Message: "The request line is longer than the server is willing to interpret.",
	},
	http.StatusRequestHeaderFieldsTooLarge: {
		Title:   "431 Request Header Fields Too Large",
		Heading: "Request Header Fields Too Large",
		Message: "The request header section is larger than the server is willing to process.",
	},
	http.StatusInternalServerError: {
		Title:   "500 Internal Server Error",
		Heading: "Internal Server Error",
		Message: "The server encountered an internal error and was unable to complete your request.",
	},
	http.StatusNotImplemented: {
		Title:   "501 Not Implemented",
		Heading: "Not Implemented",
		Message: "The server does not support the functionality required to fulfill the request.",
	},
	http.StatusServiceUnavailable: {
		Title:   "503 Service Unavailable",
		Heading: "Service Unavailable",
		Message: "The server is at capacity or shutting down. Please retry later.",
	},
	http.StatusHTTPVersionNotSupported: {
		Title:   "505 HTTP Version Not Supported",
		Heading: "HTTP Version Not Supported",
		Message: "The server does not support the HTTP protocol version used in the request.",
	},
}

// PrefersJSON checks if the client prefers application/json based on the Accept header.
// Offers are ranked by q-value, then specificity, then order of appearance;
// offers with q=0 are ignored.
func PrefersJSON(accept string) bool {
	type offer struct {
		mediaType string
		q         float64
		specific  bool
		order     int
	}
	var offers []offer
	for i, part := range strings.Split(accept, ",") {
		mediaType, params, _ := strings.Cut(strings.TrimSpace(part), ";")
		mediaType = strings.ToLower(strings.TrimSpace(mediaType))
		if mediaType == "" {
			continue
		}
		q := 1.0
		for _, param := range strings.Split(params, ";") {
			if v, ok := strings.CutPrefix(strings.TrimSpace(param), "q="); ok {
				q = parseQValue(v)
				break
			}
		}
		if q > 0 {
			offers = append(offers, offer{
				mediaType: mediaType,
				q:         q,
				specific:  !strings.HasSuffix(mediaType, "/*"),
				order:     i,
			})
		}
	}
	if len(offers) == 0 {
		return false
	}
	sort.Slice(offers, func(i, j int) bool {
		if offers[i].q != offers[j].q {
			return offers[i].q > offers[j].q
		}
		if offers[i].specific != offers[j].specific {
			return offers[i].specific
		}
		return offers[i].order < offers[j].order
	})
	return offers[0].mediaType == "application/json"
}

// parseQValue parses a q-value; anything malformed or out of range counts as 0.
func parseQValue(s string) float64 {
	q, err := strconv.ParseFloat(s, 64)
	if err != nil || q < 0 || q > 1 {
		return 0
	}
	return q
}

// GenerateHTMLResponseBody creates a simple HTML error page. message must
// already be HTML safe.
func GenerateHTMLResponseBody(title, heading, message string) []byte {
	return []byte(fmt.Sprintf(`<html><head><title>%s</title></head><body><h1>%s</h1><p>%s</p></body></html>`,
		html.EscapeString(title), html.EscapeString(heading), message))
}

// errorBody renders the error document for statusCode in the format accept prefers.
func errorBody(statusCode int, accept, detail string, log *logger.Logger) (body []byte, contentType string) {
	statusText := http.StatusText(statusCode)
	if statusText == "" {
		statusText = "Error"
	}
	if PrefersJSON(accept) {
		b, err := jsonMarshalFunc(ErrorResponseJSON{Error: ErrorDetail{
			StatusCode: statusCode,
			Message:    statusText,
			Detail:     detail,
		}})
		if err == nil {
			return b, "application/json; charset=utf-8"
		}
		log.Error("Failed to marshal JSON error response, falling back to HTML", logger.LogFields{
			"error":       err.Error(),
			"status_code": statusCode,
		})
	}

	msg, known := defaultHTMLMessages[statusCode]
	if !known {
		msg = htmlMessage{
			Title:   fmt.Sprintf("%d %s", statusCode, statusText),
			Heading: statusText,
			Message: "The server encountered an error processing your request.",
		}
	}
	text := msg.Message
	if detail != "" {
		if known {
			text += " " + html.EscapeString(detail)
		} else {
			text = html.EscapeString(detail)
		}
	}
	return GenerateHTMLResponseBody(msg.Title, msg.Heading, text), "text/html; charset=utf-8"
}

// WriteErrorResponse writes a complete error response to w, negotiating JSON
// or HTML from the request's Accept header. req may be nil.
func WriteErrorResponse(w http.ResponseWriter, req *http.Request, statusCode int, detail string, log *logger.Logger) {
	accept := ""
	if req != nil {
		accept = req.Header.Get("Accept")
	}
	body, contentType := errorBody(statusCode, accept, detail, log)

	h := w.Header()
	h.Set("Content-Type", contentType)
	h.Set("Content-Length", strconv.Itoa(len(body)))
	h.Set("Cache-Control", "no-cache, no-store, must-revalidate")
	h.Set("Pragma", "no-cache")
	h.Set("Expires", "0")
	w.WriteHeader(statusCode)
	if req != nil && req.Method == http.MethodHead {
		return
	}
	if _, err := w.Write(body); err != nil {
		log.Debug("Failed to write error response body", logger.LogFields{
			"error":       err.Error(),
			"status_code": statusCode,
		})
	}
}
