package middleware

import (
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
)

// authTokenHeader is the header carrying the shared API secret.
const authTokenHeader = "X-Auth-Token"

// authEnvelope matches the api package's error body format.
type authEnvelope struct {
	Error string `json:"error,omitempty"`
}

// TokenAuth returns middleware that requires the X-Auth-Token header to match
// the shared secret in constant time. An empty secret disables authentication
// entirely, which is the default for local and simulated deployments.
func TokenAuth(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if secret == "" {
				next.ServeHTTP(w, r)
				return
			}

			token := r.Header.Get(authTokenHeader)
			if subtle.ConstantTimeCompare([]byte(token), []byte(secret)) != 1 {
				slog.Warn("rejected unauthenticated request",
					"method", r.Method,
					"path", r.URL.Path,
					"remote_addr", r.RemoteAddr,
				)
				writeAuthError(w, http.StatusUnauthorized, "invalid or missing auth token")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// writeAuthError writes a JSON error matching the api package's error format.
// This avoids importing the api package (which would create a circular dependency).
func writeAuthError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(authEnvelope{Error: msg}) //nolint:errcheck
}
