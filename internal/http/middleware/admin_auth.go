package middleware

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type contextKey string

const adminClaimsKey contextKey = "adminClaims"

// AdminClaims are the claims accepted on read API tokens. A token with an
// OrgID may only read that organization; an empty OrgID reads all.
type AdminClaims struct {
	OrgID string `json:"org_id,omitempty"`
	jwt.RegisteredClaims
}

// AdminJWT enforces an HS256-family signed, unexpired bearer token.
func AdminJWT(secret string) func(http.Handler) http.Handler {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(30*time.Second),
	)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if secret == "" {
				http.Error(w, "admin auth disabled", http.StatusUnauthorized)
				return
			}
			raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || strings.TrimSpace(raw) == "" {
				http.Error(w, "missing authorization header", http.StatusUnauthorized)
				return
			}
			claims := AdminClaims{}
			token, err := parser.ParseWithClaims(strings.TrimSpace(raw), &claims, func(*jwt.Token) (any, error) {
				return []byte(secret), nil
			})
			if err != nil || !token.Valid {
				http.Error(w, "invalid token", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), adminClaimsKey, claims)))
		})
	}
}

// AdminClaimsFromContext returns admin JWT claims if present.
func AdminClaimsFromContext(ctx context.Context) (AdminClaims, bool) {
	claims, ok := ctx.Value(adminClaimsKey).(AdminClaims)
	return claims, ok
}

// OrgAllowed reports whether the caller may read orgID. Requests that did not
// pass through AdminJWT are allowed; routing decides whether auth applies.
func OrgAllowed(ctx context.Context, orgID string) bool {
	claims, ok := AdminClaimsFromContext(ctx)
	if !ok || claims.OrgID == "" {
		return true
	}
	return claims.OrgID == orgID
}
