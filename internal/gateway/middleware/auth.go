// Package middleware provides the access-control middleware of the logsearch
// API: API-key authentication, CORS and per-client rate limiting.
package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/Adithya-Monish-Kumar-K/logsearch/internal/auth/apikey"
	"github.com/Adithya-Monish-Kumar-K/logsearch/pkg/logger"
)

type keyInfoKey struct{}

// KeyValidator resolves a raw key to its KeyInfo, or apikey.ErrInvalidKey.
type KeyValidator interface {
	Validate(ctx context.Context, rawKey string) (*apikey.KeyInfo, error)
}

// Auth requires a valid API key on every request except probes and
// scrapes. The key is read from "Authorization: Bearer", then X-API-Key,
// then the api_key query parameter. A nil validator turns it off.
func Auth(validator KeyValidator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if validator == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if exempt(r) {
				next.ServeHTTP(w, r)
				return
			}
			raw := apiKeyFrom(r)
			if raw == "" {
				unauthorized(w, "missing api key")
				return
			}
			info, err := validator.Validate(r.Context(), raw)
			switch {
			case errors.Is(err, apikey.ErrInvalidKey):
				logger.FromContext(r.Context()).Debug("rejected api key", "path", r.URL.Path)
				unauthorized(w, "invalid api key")
				return
			case err != nil:
				logger.FromContext(r.Context()).Error("api key validation failed", "error", err)
				writeError(w, http.StatusInternalServerError, "authentication error")
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), keyInfoKey{}, info)))
		})
	}
}

// GetKeyInfo returns the key Auth accepted for this request, or nil.
func GetKeyInfo(ctx context.Context) *apikey.KeyInfo {
	info, _ := ctx.Value(keyInfoKey{}).(*apikey.KeyInfo)
	return info
}

// exempt covers the probe and scrape endpoints, which orchestrators call
// without credentials.
func exempt(r *http.Request) bool {
	p := r.URL.Path
	return p == "/metrics" || p == "/health" || strings.HasPrefix(p, "/health/")
}

func apiKeyFrom(r *http.Request) string {
	if h := r.Header.Get("Authorization"); len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	if k := r.Header.Get("X-API-Key"); k != "" {
		return k
	}
	return r.URL.Query().Get("api_key")
}

func unauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="logsearch"`)
	writeError(w, http.StatusUnauthorized, message)
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
