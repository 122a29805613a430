package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
)

type contextKey string

const userKey contextKey = "inboxd.user"

// userID returns the authenticated user for the request, or "".
func userID(r *http.Request) string {
	id, _ := r.Context().Value(userKey).(string)
	return id
}

// requireAuth enforces bearer token auth and binds the matching user to the
// request context. Every configured token is compared in constant time, and
// all of them are always checked, so timing reveals neither a near-miss nor
// how early in the list a token sits.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if raw == "" || raw == r.Header.Get("Authorization") {
			writeError(w, http.StatusUnauthorized, errors.New("missing bearer token"))
			return
		}

		matched := ""
		for token, uid := range s.auth {
			if subtle.ConstantTimeCompare([]byte(raw), []byte(token)) == 1 {
				matched = uid
			}
		}
		if matched == "" {
			writeError(w, http.StatusUnauthorized, errors.New("invalid token"))
			return
		}

		ctx := context.WithValue(r.Context(), userKey, matched)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
