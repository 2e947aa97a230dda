// Package echo provides the sample handlers the binary routes to: a request
// echo and an upgrade that turns the connection into a raw byte echo.
package echo

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/net/http/httpguts"

	"example.com/h1core/internal/connection"
	"example.com/h1core/internal/heartbeat"
	"example.com/h1core/internal/http1"
	"example.com/h1core/internal/logger"
	"example.com/h1core/internal/timeout"
)

const rateGracePeriod = 5 * time.Second

// Config is the handler_config accepted by both handlers.
type Config struct {
	// Prefix is written before the echoed content.
	Prefix string `json:"prefix,omitempty"`
	// ContentType of echo responses; defaults to text/plain.
	ContentType string `json:"content_type,omitempty"`
	// Protocol is the token UpgradeEcho accepts in the Upgrade header; any
	// token is accepted when empty.
	Protocol string `json:"protocol,omitempty"`
	// MinRequestBodyBytesPerSecond overrides the connection's request body
	// rate for requests this handler serves. Zero keeps the default and a
	// negative value disables enforcement.
	MinRequestBodyBytesPerSecond float64 `json:"min_request_body_bytes_per_second,omitempty"`
}

func parseConfig(raw json.RawMessage) (Config, error) {
	var cfg Config
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("invalid echo handler_config: %w", err)
		}
	}
	if cfg.ContentType == "" {
		cfg.ContentType = "text/plain; charset=utf-8"
	}
	return cfg, nil
}

// Handler echoes the request body, or describes the request when it has none.
type Handler struct {
	cfg Config
	log *logger.Logger
}

// New is the HandlerFactory for the Echo handler type.
func New(raw json.RawMessage, lg *logger.Logger) (http1.Handler, error) {
	cfg, err := parseConfig(raw)
	if err != nil {
		return nil, err
	}
	return &Handler{cfg: cfg, log: lg}, nil
}

// ServeHTTP1 implements http1.Handler.
func (h *Handler) ServeHTTP1(w http1.ResponseWriter, r *http.Request) {
	if err := applyBodyRate(w, h.cfg.MinRequestBodyBytesPerSecond); err != nil {
		h.log.Warn("Failed to apply request body rate", logger.LogFields{"error": err.Error()})
	}

	w.Header().Set("Content-Type", h.cfg.ContentType)
	w.Header().Set("X-Connection-Id", strconv.FormatUint(w.ConnectionID(), 10))
	if r.ContentLength > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(r.ContentLength+int64(len(h.cfg.Prefix)), 10))
	}
	if _, err := io.WriteString(w, h.cfg.Prefix); err != nil {
		return
	}

	n, err := io.Copy(w, r.Body)
	if err != nil {
		if ctxErr := r.Context().Err(); ctxErr != nil {
			h.log.Debug("Echo aborted", logger.LogFields{"error": err.Error()})
			return
		}
		h.log.Debug("Echo body copy failed", logger.LogFields{"error": err.Error()})
		w.Abort()
		return
	}
	if n == 0 && r.ContentLength <= 0 {
		fmt.Fprintf(w, "%s %s %s\n", r.Method, r.URL.RequestURI(), r.Proto)
	}
}

func applyBodyRate(w http1.ResponseWriter, bytesPerSecond float64) error {
	switch {
	case bytesPerSecond == 0:
		return nil
	case bytesPerSecond < 0:
		return w.SetMinRequestBodyDataRate(nil)
	}
	rate, err := timeout.NewMinDataRate(bytesPerSecond, rateGracePeriod, heartbeat.DefaultInterval)
	if err != nil {
		return err
	}
	return w.SetMinRequestBodyDataRate(rate)
}

// UpgradeHandler switches upgradable requests to a raw echo of every byte
// the client sends.
type UpgradeHandler struct {
	cfg Config
	log *logger.Logger
}

// NewUpgrade is the HandlerFactory for the UpgradeEcho handler type.
func NewUpgrade(raw json.RawMessage, lg *logger.Logger) (http1.Handler, error) {
	cfg, err := parseConfig(raw)
	if err != nil {
		return nil, err
	}
	return &UpgradeHandler{cfg: cfg, log: lg}, nil
}

// ServeHTTP1 implements http1.Handler.
func (h *UpgradeHandler) ServeHTTP1(w http1.ResponseWriter, r *http.Request) {
	if !w.Upgradable() || (h.cfg.Protocol != "" && !httpguts.HeaderValuesContainsToken(r.Header["Upgrade"], h.cfg.Protocol)) {
		if h.cfg.Protocol != "" {
			w.Header().Set("Upgrade", h.cfg.Protocol)
		}
		http1.WriteErrorResponse(w, r, http.StatusUpgradeRequired, "This resource requires a connection upgrade.", h.log)
		return
	}

	stream, err := w.Upgrade()
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, connection.ErrUpgradedConnectionLimitReached) {
			status = http.StatusServiceUnavailable
		}
		h.log.Info("Upgrade refused", logger.LogFields{
			"conn_id": w.ConnectionID(),
			"error":   err.Error(),
		})
		http1.WriteErrorResponse(w, r, status, "The connection could not be upgraded.", h.log)
		return
	}
	defer stream.Close()

	if h.cfg.Prefix != "" {
		if _, err := io.WriteString(stream, h.cfg.Prefix); err != nil {
			return
		}
	}
	n, err := io.Copy(stream, stream)
	h.log.Debug("Upgraded echo finished", logger.LogFields{
		"conn_id": w.ConnectionID(),
		"bytes":   n,
		"error":   errString(err),
	})
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
