// Package middleware holds the HTTP middleware chain of the telemetry API.
package middleware

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
)

// Auth rejects requests whose token does not match apiKey. An empty apiKey
// disables the check.
func Auth(apiKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if apiKey == "" {
			return next
		}
		want := []byte(apiKey)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := requestToken(r)
			switch {
			case token == "":
				w.Header().Set("WWW-Authenticate", `Bearer realm="wickhunter"`)
				writeErr(w, http.StatusUnauthorized, "missing api token")
			case subtle.ConstantTimeCompare([]byte(token), want) != 1:
				writeErr(w, http.StatusUnauthorized, "invalid api token")
			default:
				next.ServeHTTP(w, r)
			}
		})
	}
}

// requestToken reads a bearer token, an X-API-Key header, or the token
// query parameter. Browser websocket clients can only use the last one.
func requestToken(r *http.Request) string {
	if scheme, tok, ok := strings.Cut(r.Header.Get("Authorization"), " "); ok && strings.EqualFold(scheme, "Bearer") {
		return strings.TrimSpace(tok)
	}
	if key := r.Header.Get("X-API-Key"); key != "" {
		return strings.TrimSpace(key)
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}

func writeErr(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
