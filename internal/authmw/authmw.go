// Package authmw provides bearer token authentication for the lifeline API.
package authmw

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/linnemanlabs/go-core/log"
)

const bearerPrefix = "Bearer "

// BearerToken returns middleware that accepts a request when its bearer
// token matches any of tokens. Passing a current and a previous token lets
// callers rotate without downtime. Empty tokens are ignored; with no usable
// token every request is rejected.
func BearerToken(tokens ...string) func(http.Handler) http.Handler {
	var accepted [][]byte
	for _, t := range tokens {
		if t != "" {
			accepted = append(accepted, []byte(t))
		}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")
			if !strings.HasPrefix(auth, bearerPrefix) {
				reject(w, r, "missing or malformed authorization header")
				return
			}
			if !matches([]byte(auth[len(bearerPrefix):]), accepted) {
				reject(w, r, "invalid token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// matches compares got against every accepted token so the time taken does
// not depend on which one matched.
func matches(got []byte, accepted [][]byte) bool {
	ok := 0
	for _, want := range accepted {
		ok |= subtle.ConstantTimeCompare(got, want)
	}
	return ok == 1
}

func reject(w http.ResponseWriter, r *http.Request, reason string) {
	log.FromContext(r.Context()).Warn(r.Context(), "api request rejected", "reason", reason, "path", r.URL.Path)
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", `Bearer realm="lifeline"`)
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(`{"error":"` + reason + `"}`))
}
