package admin

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/maxpert/cdcroute/cfg"
)

// AuthMiddleware validates the admin token when one is configured
func AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !cfg.IsAdminAuthEnabled() {
			next.ServeHTTP(w, r)
			return
		}

		token := cfg.GetAdminToken()

		// Check X-Cdcroute-Token header
		provided := r.Header.Get("X-Cdcroute-Token")
		if provided == "" {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				writeErrorResponse(w, http.StatusUnauthorized, "missing authentication header")
				return
			}
			// Parse "Bearer <token>"
			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || parts[0] != "Bearer" {
				writeErrorResponse(w, http.StatusUnauthorized, "invalid authorization header format")
				return
			}
			provided = parts[1]
		}

		if subtle.ConstantTimeCompare([]byte(provided), []byte(token)) != 1 {
			writeErrorResponse(w, http.StatusUnauthorized, "invalid token")
			return
		}

		next.ServeHTTP(w, r)
	})
}
