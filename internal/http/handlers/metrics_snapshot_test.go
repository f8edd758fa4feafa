package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/chatpulse/internal/observability/metrics"
)

func TestMetricsSnapshot(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewIngestionMetrics(reg)
	m.ObserveEvent("Message", "processed")
	m.ObserveEvent("Message", "duplicate")
	m.ObserveTurn("fast", 200)
	m.ObserveTurn("slow", 1000)

	rec := httptest.NewRecorder()
	MetricsSnapshot(reg, "chatpulse_")(rec, httptest.NewRequest(http.MethodGet, "/admin/metrics/snapshot", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Families []MetricFamilySummary `json:"families"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	byName := map[string]MetricFamilySummary{}
	for _, f := range body.Families {
		byName[f.Name] = f
	}

	events := byName["chatpulse_ingest_events_total"]
	assert.Equal(t, "COUNTER", events.Type)
	assert.Equal(t, 2, events.Series)
	assert.Equal(t, 2.0, events.Total)

	elapsed := byName["chatpulse_responsetime_elapsed_seconds"]
	assert.Equal(t, "HISTOGRAM", elapsed.Type)
	assert.Equal(t, uint64(2), elapsed.Count)
	assert.Equal(t, 1200.0, elapsed.Total)
}

func TestHealth(t *testing.T) {
	rec := httptest.NewRecorder()
	Health(HealthCheck{Name: "postgres", Check: func(context.Context) error { return nil }})(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	Health(
		HealthCheck{Name: "postgres", Check: func(context.Context) error { return nil }},
		HealthCheck{Name: "redis", Check: func(context.Context) error { return errors.New("refused") }},
	)(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "refused")
}
