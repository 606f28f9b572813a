package auth

import (
	"net/http"
	"strings"
)

// BearerToken extracts the token from an "Authorization: Bearer <token>"
// header, or from a "token" query parameter for WebSocket upgrade requests
// where browsers cannot set custom headers.
func BearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		const prefix = "Bearer "
		if strings.HasPrefix(h, prefix) {
			return strings.TrimPrefix(h, prefix)
		}
	}
	return r.URL.Query().Get("token")
}

// subprocessWSPrefix is the callback path the spawned subprocess dials back
// on. It carries no bearer token (internal/launcher/process.go never issues
// it one), so it is exempt from the gate. The launcher points the subprocess
// at 127.0.0.1, but the path is served on the same listener as every other
// route, and the gate does not check where the request comes from.
const subprocessWSPrefix = "/ws/sub/"

// Gate returns HTTP middleware that rejects requests lacking a valid bearer
// token, unless testMode bypasses auth entirely (NODE_ENV=test equivalent).
// The subprocess callback WebSocket is always exempt; only the browser-facing
// surface is gated.
func Gate(validator *JWTValidator, testMode bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if testMode || strings.HasPrefix(r.URL.Path, subprocessWSPrefix) {
				next.ServeHTTP(w, r)
				return
			}

			token := BearerToken(r)
			if token == "" {
				http.Error(w, "missing bearer token", http.StatusUnauthorized)
				return
			}
			if _, err := validator.Validate(token); err != nil {
				http.Error(w, "invalid token", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
