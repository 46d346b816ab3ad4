package api

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// requireToken rejects requests whose Authorization header does not carry
// the server's API token (the server.api_token secret). An empty token
// rejects everything.
func requireToken(token string) func(http.Handler) http.Handler {
	want := []byte(token)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || len(want) == 0 || subtle.ConstantTimeCompare([]byte(got), want) != 1 {
				httpError(w, http.StatusUnauthorized, "authentication_error",
					"missing or wrong inkwell API token; the CLI reads it from the server.api_token secret")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
