package middleware

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestAllowWithinLimit(t *testing.T) {
	rl := NewRateLimiter("test", 3, time.Minute, nil, testLogger())

	for i := 0; i < 3; i++ {
		assert.True(t, rl.Allow("10.0.0.1"))
	}
	assert.False(t, rl.Allow("10.0.0.1"))
}

func TestLimitsAreKeyedByIP(t *testing.T) {
	rl := NewRateLimiter("test", 1, time.Minute, nil, testLogger())

	assert.True(t, rl.Allow("10.0.0.1"))
	assert.False(t, rl.Allow("10.0.0.1"))
	assert.True(t, rl.Allow("10.0.0.2"))
}

func TestWindowResets(t *testing.T) {
	rl := NewRateLimiter("test", 1, 20*time.Millisecond, nil, testLogger())

	assert.True(t, rl.Allow("10.0.0.1"))
	assert.False(t, rl.Allow("10.0.0.1"))

	time.Sleep(30 * time.Millisecond)
	assert.True(t, rl.Allow("10.0.0.1"))
}

func TestMiddlewareReturns429(t *testing.T) {
	rl := NewRateLimiter("test", 1, time.Minute, nil, testLogger())
	handler := rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/settings", nil)
	req.RemoteAddr = "192.0.2.7:51234"

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))
}

func TestRejectionLandsInSecurityLog(t *testing.T) {
	dir := t.TempDir()
	seclog := NewSecurityLog(dir, testLogger())
	defer seclog.Close()

	rl := NewRateLimiter("login", 1, time.Minute, seclog, testLogger())
	handler := rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodPost, "/login", nil)
	req.RemoteAddr = "192.0.2.7:51234"
	handler.ServeHTTP(httptest.NewRecorder(), req)
	handler.ServeHTTP(httptest.NewRecorder(), req)

	data, err := os.ReadFile(filepath.Join(dir, "security.log"))
	require.NoError(t, err)

	line := string(data)
	assert.Contains(t, line, "rate_limit_exceeded")
	assert.Contains(t, line, `"limiter":"login"`)
	assert.Contains(t, line, "192.0.2.7")
	assert.Contains(t, line, "/login")
}

func TestClientIPStripsPort(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.7:51234"
	assert.Equal(t, "192.0.2.7", ClientIP(req))
}
