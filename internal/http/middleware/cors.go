package middleware

import (
	"net/http"
	"strings"
)

// CORS lets the dashboard origin call the read API from a browser. An
// allowlist entry of "*" echoes any Origin.
func CORS(allowedOrigins []string) func(http.Handler) http.Handler {
	allowAny := false
	allow := map[string]struct{}{}
	for _, origin := range allowedOrigins {
		switch origin = strings.TrimSpace(origin); origin {
		case "":
		case "*":
			allowAny = true
		default:
			allow[origin] = struct{}{}
		}
	}
	allowed := func(origin string) bool {
		if origin == "" {
			return false
		}
		_, ok := allow[origin]
		return ok || allowAny
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := strings.TrimSpace(r.Header.Get("Origin"))
			if !allowed(origin) {
				next.ServeHTTP(w, r)
				return
			}
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Add("Vary", "Origin")
			h.Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Request-ID")
			h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			h.Set("Access-Control-Max-Age", "600")

			if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
