package middleware

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"idlink/pkg/requestcontext"
)

type fakeCounter struct {
	counts map[string]int64
	err    error
}

func (f *fakeCounter) Incr(_ context.Context, key string, _ time.Duration) (int64, error) {
	if f.err != nil {
		return 0, f.err
	}
	if f.counts == nil {
		f.counts = make(map[string]int64)
	}
	f.counts[key]++
	return f.counts[key], nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func limitedRequest(ip string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/identify", nil)
	return req.WithContext(requestcontext.WithClientIP(req.Context(), ip))
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestLimiterAllowsUnderLimit(t *testing.T) {
	limiter := NewLimiter(&fakeCounter{}, discardLogger(), 3, time.Minute)
	h := limiter.Handler(okHandler())

	for i := 0; i < 3; i++ {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, limitedRequest("10.0.0.1"))
		assert.Equal(t, http.StatusOK, w.Code)
	}
}

func TestLimiterBlocksOverLimit(t *testing.T) {
	limiter := NewLimiter(&fakeCounter{}, discardLogger(), 2, time.Minute)
	h := limiter.Handler(okHandler())

	for i := 0; i < 2; i++ {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, limitedRequest("10.0.0.1"))
		assert.Equal(t, http.StatusOK, w.Code)
	}

	w := httptest.NewRecorder()
	h.ServeHTTP(w, limitedRequest("10.0.0.1"))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "60", w.Header().Get("Retry-After"))
	assert.Equal(t, "0", w.Header().Get("X-RateLimit-Remaining"))
}

func TestLimiterKeysByClientIP(t *testing.T) {
	limiter := NewLimiter(&fakeCounter{}, discardLogger(), 1, time.Minute)
	h := limiter.Handler(okHandler())

	w := httptest.NewRecorder()
	h.ServeHTTP(w, limitedRequest("10.0.0.1"))
	assert.Equal(t, http.StatusOK, w.Code)

	// A different client gets its own window.
	w = httptest.NewRecorder()
	h.ServeHTTP(w, limitedRequest("10.0.0.2"))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	h.ServeHTTP(w, limitedRequest("10.0.0.1"))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
}

func TestLimiterFailsOpenOnCounterError(t *testing.T) {
	limiter := NewLimiter(&fakeCounter{err: errors.New("redis down")}, discardLogger(), 1, time.Minute)
	h := limiter.Handler(okHandler())

	for i := 0; i < 5; i++ {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, limitedRequest("10.0.0.1"))
		assert.Equal(t, http.StatusOK, w.Code)
	}
}

func TestLimiterSkipsWhenNoClientIP(t *testing.T) {
	counter := &fakeCounter{}
	limiter := NewLimiter(counter, discardLogger(), 1, time.Minute)
	h := limiter.Handler(okHandler())

	req := httptest.NewRequest(http.MethodPost, "/identify", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, counter.counts)
}
