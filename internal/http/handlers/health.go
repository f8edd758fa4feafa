package handlers

import (
	"context"
	"net/http"
	"time"
)

// HealthCheck is one named dependency check.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// Health serves GET /health. Any failing check turns the response into 503
// so load balancers stop routing webhooks to an instance that cannot record.
func Health(checks ...HealthCheck) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status := http.StatusOK
		results := make(map[string]string, len(checks))
		for _, c := range checks {
			if c.Check == nil {
				continue
			}
			if err := c.Check(ctx); err != nil {
				results[c.Name] = err.Error()
				status = http.StatusServiceUnavailable
				continue
			}
			results[c.Name] = "ok"
		}
		overall := "ok"
		if status != http.StatusOK {
			overall = "degraded"
		}
		writeJSON(w, status, map[string]any{"status": overall, "checks": results})
	}
}
