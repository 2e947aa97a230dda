package admin_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"example.com/h1core/internal/admin"
	"example.com/h1core/internal/connection"
	"example.com/h1core/internal/metrics"
	"example.com/h1core/internal/testutil"
)

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestAdminEndpoints(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	reg := connection.NewRegistry(connection.Options{Observer: m})
	h := admin.NewHandler(reg, m.Handler(), nil).Router()

	rec := get(t, h, "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
	var health admin.Health
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Equal(t, admin.Health{Status: "ok"}, health)

	server, client := testutil.NewStreamPair()
	defer client.Close()
	c, err := reg.Accept(server)
	require.NoError(t, err)

	rec = get(t, h, "/connections")
	assert.Equal(t, http.StatusOK, rec.Code)
	var list []admin.ConnectionInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list, 1)
	assert.Equal(t, c.ID(), list[0].ID)
	assert.Equal(t, "normal", list[0].Mode)
	assert.False(t, list[0].Upgraded)

	rec = get(t, h, fmt.Sprintf("/connections/%d", c.ID()))
	assert.Equal(t, http.StatusOK, rec.Code)
	var one admin.ConnectionInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &one))
	assert.Equal(t, c.ID(), one.ID)
	assert.NotEmpty(t, one.RemoteAddr)

	assert.Equal(t, http.StatusNotFound, get(t, h, "/connections/999999").Code)
	assert.Equal(t, http.StatusBadRequest, get(t, h, "/connections/abc").Code)

	rec = get(t, h, "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "h1core_connections_active 1")

	c.Abort(connection.AbortedByApp, nil)
	c.Finish()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, reg.Drain(ctx))

	rec = get(t, h, "/healthz")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Equal(t, "draining", health.Status)
	assert.Equal(t, 0, health.Connections)
}

func TestAdminWithoutMetrics(t *testing.T) {
	reg := connection.NewRegistry(connection.Options{})
	h := admin.NewHandler(reg, nil, nil).Router()
	assert.Equal(t, http.StatusNotFound, get(t, h, "/metrics").Code)
	assert.Equal(t, http.StatusMethodNotAllowed, func() int {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/healthz", nil))
		return rec.Code
	}())
}
