// Package admin serves the operational endpoints: Prometheus metrics, a
// health probe that reports draining, and a read-only view of live
// connections.
package admin

import (
	"encoding/json"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"example.com/h1core/internal/connection"
	"example.com/h1core/internal/logger"
)

// Registry is the part of connection.Registry the admin endpoints read.
type Registry interface {
	Accepting() bool
	Len() int
	Active() int64
	Upgraded() int64
	Get(id uint64) (*connection.Connection, bool)
	Range(fn func(*connection.Connection) bool)
}

// Health is the /healthz document.
type Health struct {
	Status      string `json:"status"`
	Connections int    `json:"connections"`
	Active      int64  `json:"active"`
	Upgraded    int64  `json:"upgraded"`
}

// ConnectionInfo describes one live connection.
type ConnectionInfo struct {
	ID           uint64    `json:"id"`
	RemoteAddr   string    `json:"remote_addr"`
	LocalAddr    string    `json:"local_addr"`
	Mode         string    `json:"mode"`
	Upgraded     bool      `json:"upgraded"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
	BytesRead    int64     `json:"bytes_read"`
	BytesWritten int64     `json:"bytes_written"`
}

// Handler serves the admin routes.
type Handler struct {
	reg     Registry
	metrics http.Handler
	log     *logger.Logger
}

// NewHandler returns admin endpoints over reg. metrics may be nil, in which
// case /metrics answers 404.
func NewHandler(reg Registry, metrics http.Handler, lg *logger.Logger) *Handler {
	if metrics == nil {
		metrics = http.NotFoundHandler()
	}
	return &Handler{reg: reg, metrics: metrics, log: lg}
}

// RegisterRoutes mounts the admin endpoints on r.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Method(http.MethodGet, "/metrics", h.metrics)
	r.Get("/healthz", h.health)
	r.Get("/connections", h.listConnections)
	r.Get("/connections/{id}", h.getConnection)
}

// Router returns a chi router with the admin endpoints and panic recovery.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	h.RegisterRoutes(r)
	return r
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	doc := Health{
		Status:      "ok",
		Connections: h.reg.Len(),
		Active:      h.reg.Active(),
		Upgraded:    h.reg.Upgraded(),
	}
	status := http.StatusOK
	if !h.reg.Accepting() {
		doc.Status = "draining"
		status = http.StatusServiceUnavailable
	}
	h.writeJSON(w, status, doc)
}

func (h *Handler) listConnections(w http.ResponseWriter, r *http.Request) {
	infos := make([]ConnectionInfo, 0, h.reg.Len())
	h.reg.Range(func(c *connection.Connection) bool {
		infos = append(infos, describe(c))
		return true
	})
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	h.writeJSON(w, http.StatusOK, infos)
}

func (h *Handler) getConnection(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid connection id", http.StatusBadRequest)
		return
	}
	c, ok := h.reg.Get(id)
	if !ok {
		http.Error(w, "connection not found", http.StatusNotFound)
		return
	}
	h.writeJSON(w, http.StatusOK, describe(c))
}

func describe(c *connection.Connection) ConnectionInfo {
	info := ConnectionInfo{
		ID:           c.ID(),
		Mode:         c.Mode().String(),
		Upgraded:     c.WasUpgraded(),
		CreatedAt:    c.CreatedAt(),
		LastActivity: c.LastActivity(),
		BytesRead:    c.BytesRead(),
		BytesWritten: c.BytesWritten(),
	}
	if a := c.RemoteAddr(); a != nil {
		info.RemoteAddr = a.String()
	}
	if a := c.LocalAddr(); a != nil {
		info.LocalAddr = a.String()
	}
	return info
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Debug("Failed to write admin response", logger.LogFields{"error": err.Error()})
	}
}

var _ Registry = (*connection.Registry)(nil)
