package handlers

import (
	"net/http"
	"sort"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// MetricFamilySummary condenses one gathered family for quick inspection
// without a Prometheus server.
type MetricFamilySummary struct {
	Name   string  `json:"name"`
	Type   string  `json:"type"`
	Series int     `json:"series"`
	Total  float64 `json:"total"`
	Count  uint64  `json:"count,omitempty"`
}

// MetricsSnapshot serves GET /admin/metrics/snapshot. Only families whose
// name starts with prefix are included; an empty prefix includes all.
func MetricsSnapshot(gatherer prometheus.Gatherer, prefix string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		families, err := gatherer.Gather()
		if err != nil {
			jsonError(w, "failed to gather metrics", http.StatusInternalServerError)
			return
		}
		out := make([]MetricFamilySummary, 0, len(families))
		for _, fam := range families {
			if prefix != "" && !strings.HasPrefix(fam.GetName(), prefix) {
				continue
			}
			out = append(out, summarizeFamily(fam))
		}
		sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
		writeJSON(w, http.StatusOK, map[string]any{"families": out})
	}
}

func summarizeFamily(fam *dto.MetricFamily) MetricFamilySummary {
	s := MetricFamilySummary{
		Name:   fam.GetName(),
		Type:   fam.GetType().String(),
		Series: len(fam.GetMetric()),
	}
	for _, m := range fam.GetMetric() {
		switch fam.GetType() {
		case dto.MetricType_COUNTER:
			s.Total += m.GetCounter().GetValue()
		case dto.MetricType_GAUGE:
			s.Total += m.GetGauge().GetValue()
		case dto.MetricType_HISTOGRAM:
			s.Total += m.GetHistogram().GetSampleSum()
			s.Count += m.GetHistogram().GetSampleCount()
		case dto.MetricType_SUMMARY:
			s.Total += m.GetSummary().GetSampleSum()
			s.Count += m.GetSummary().GetSampleCount()
		}
	}
	return s
}
