package middleware

import (
	"encoding/json"
	"net/http"

	"github.com/gluk-w/webssh/internal/token"
)

// TokenParam is the query parameter carrying a single-use token.
const TokenParam = "t"

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// RequireToken consumes the ?t= token of each request. Requests without a
// valid token get 401 and, when rejected is non-nil, are reported to it.
func RequireToken(v token.Verifier, rejected func(r *http.Request)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			t := r.URL.Query().Get(TokenParam)
			if t == "" || !v.Verify(t) {
				if rejected != nil {
					rejected(r)
				}
				writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "Invalid or expired token"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
