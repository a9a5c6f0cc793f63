package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/Adithya-Monish-Kumar-K/logsearch/internal/auth/apikey"
	"github.com/Adithya-Monish-Kumar-K/logsearch/internal/auth/ratelimit"
)

var ok = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
})

func serve(h http.Handler, r *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, r)
	return rec
}

func TestAuth(t *testing.T) {
	var seen *apikey.KeyInfo
	h := Auth(apikey.NewSet([]string{"secret"}, 10))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetKeyInfo(r.Context())
	}))

	rec := serve(h, httptest.NewRequest(http.MethodGet, "/api/v1/search", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.JSONEq(t, `{"error":"missing api key"}`, rec.Body.String())
	assert.Contains(t, rec.Header().Get("WWW-Authenticate"), "Bearer")

	req := httptest.NewRequest(http.MethodGet, "/api/v1/search", nil)
	req.Header.Set("X-API-Key", "wrong")
	assert.Equal(t, http.StatusUnauthorized, serve(h, req).Code)

	req = httptest.NewRequest(http.MethodGet, "/api/v1/search", nil)
	req.Header.Set("Authorization", "Bearer secret")
	assert.Equal(t, http.StatusOK, serve(h, req).Code)
	if assert.NotNil(t, seen) {
		assert.Equal(t, 10, seen.RateLimit)
	}

	assert.Equal(t, http.StatusOK, serve(h, httptest.NewRequest(http.MethodGet, "/api/v1/search?api_key=secret", nil)).Code)
	assert.Equal(t, http.StatusOK, serve(h, httptest.NewRequest(http.MethodGet, "/health/ready", nil)).Code)
	assert.Equal(t, http.StatusOK, serve(h, httptest.NewRequest(http.MethodGet, "/metrics", nil)).Code)
}

func TestAuthDisabledWithoutValidator(t *testing.T) {
	assert.Equal(t, http.StatusOK, serve(Auth(nil)(ok), httptest.NewRequest(http.MethodGet, "/api/v1/search", nil)).Code)
}

func TestCORS(t *testing.T) {
	h := CORS(DefaultCORSConfig("https://ui.example"))(ok)

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/search", nil)
	req.Header.Set("Origin", "https://ui.example")
	req.Header.Set("Access-Control-Request-Method", "GET")
	rec := serve(h, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://ui.example", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Methods"), "POST")

	req = httptest.NewRequest(http.MethodGet, "/api/v1/search", nil)
	req.Header.Set("Origin", "https://ui.example")
	rec = serve(h, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Access-Control-Expose-Headers"), "X-Request-ID")
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Methods"))

	req = httptest.NewRequest(http.MethodGet, "/api/v1/search", nil)
	req.Header.Set("Origin", "https://evil.example")
	rec = serve(h, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestCORSSubdomainWildcard(t *testing.T) {
	allowed := []string{"https://*.example.com"}
	assert.True(t, originAllowed(allowed, "https://ui.example.com"))
	assert.False(t, originAllowed(allowed, "http://ui.example.com"))
	assert.False(t, originAllowed(allowed, "https://example.com.evil.io"))
}

func TestRateLimitPerClient(t *testing.T) {
	limiter := ratelimit.New(time.Minute)
	defer limiter.Stop()
	h := RateLimit(limiter, 2)(ok)

	get := func(addr string) int {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/search", nil)
		req.RemoteAddr = addr
		return serve(h, req).Code
	}
	assert.Equal(t, http.StatusOK, get("10.0.0.1:1000"))
	assert.Equal(t, http.StatusOK, get("10.0.0.1:1001"))
	assert.Equal(t, http.StatusTooManyRequests, get("10.0.0.1:1002"))
	assert.Equal(t, http.StatusOK, get("10.0.0.2:1000"))

	keyed := Auth(apikey.NewSet([]string{"k"}, 1))(RateLimit(limiter, 2)(ok))
	req := httptest.NewRequest(http.MethodGet, "/api/v1/search", nil)
	req.Header.Set("X-API-Key", "k")
	req.RemoteAddr = "10.0.0.1:1003"
	assert.Equal(t, http.StatusOK, serve(keyed, req).Code)
	rec := serve(keyed, req)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))

	assert.Equal(t, http.StatusOK, serve(RateLimit(nil, 5)(ok), httptest.NewRequest(http.MethodGet, "/", nil)).Code)
}
