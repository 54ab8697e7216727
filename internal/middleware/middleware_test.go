package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
})

func requestFrom(addr string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/webhooks/tomra", nil)
	req.RemoteAddr = addr
	return req
}

func TestRateLimiterPerClient(t *testing.T) {
	logger, hook := test.NewNullLogger()
	rl := NewRateLimiter(1, 2, logger)
	fixed := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return fixed }
	handler := rl.Handler(okHandler)

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, requestFrom("10.0.0.1:1234"))
		codes = append(codes, rec.Code)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)
	require.Len(t, hook.AllEntries(), 1)
	assert.Equal(t, "10.0.0.1", hook.LastEntry().Data["client"])

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, requestFrom("10.0.0.2:1234"))
	assert.Equal(t, http.StatusOK, rec.Code)

	fixed = fixed.Add(time.Second)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, requestFrom("10.0.0.1:1234"))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRateLimiterRejectionBody(t *testing.T) {
	rl := NewRateLimiter(1, 1, nil)
	handler := rl.Handler(okHandler)
	handler.ServeHTTP(httptest.NewRecorder(), requestFrom("10.0.0.1:1"))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, requestFrom("10.0.0.1:1"))
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
	assert.JSONEq(t, `{"success":false,"error":"Too Many Requests","message":"rate limit exceeded"}`, rec.Body.String())
}

func TestRateLimiterDisabled(t *testing.T) {
	handler := NewRateLimiter(0, 1, nil).Handler(okHandler)
	for i := 0; i < 20; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, requestFrom("10.0.0.1:1"))
		require.Equal(t, http.StatusOK, rec.Code)
	}
}

func TestRateLimiterCleanup(t *testing.T) {
	rl := NewRateLimiter(5, 5, nil)
	start := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return start }
	rl.allow("a")
	rl.now = func() time.Time { return start.Add(time.Minute) }
	rl.allow("b")

	assert.Equal(t, 1, rl.Cleanup(30*time.Second))
	assert.Equal(t, 0, rl.Cleanup(-time.Second))
}

func TestAccessLog(t *testing.T) {
	logger, hook := test.NewNullLogger()
	handler := chimw.RequestID(AccessLog(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/devices", nil))

	entry := hook.LastEntry()
	require.NotNil(t, entry)
	assert.Equal(t, logrus.WarnLevel, entry.Level)
	assert.Equal(t, http.StatusInternalServerError, entry.Data["status"])
	assert.Equal(t, "/api/v1/devices", entry.Data["path"])
	assert.NotEmpty(t, entry.Data["request_id"])
}
