package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

type countingLimiter struct {
	keys []string
	max  int
	err  error
}

func (l *countingLimiter) Allow(_ context.Context, key string, _ int, _ time.Duration) (bool, error) {
	if l.err != nil {
		return false, l.err
	}
	l.keys = append(l.keys, key)
	return len(l.keys) <= l.max, nil
}

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })

func TestRateLimitRejectsOverLimit(t *testing.T) {
	l := &countingLimiter{max: 1}
	h := RateLimit(l, 1, 90*time.Second)(okHandler)

	for i, want := range []int{http.StatusOK, http.StatusTooManyRequests} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/order", nil))
		if rec.Code != want {
			t.Fatalf("request %d: status = %d, want %d", i, rec.Code, want)
		}
		if want == http.StatusTooManyRequests && rec.Header().Get("Retry-After") != "90" {
			t.Fatalf("Retry-After = %q", rec.Header().Get("Retry-After"))
		}
	}
}

func TestRateLimitExemptAndFailOpen(t *testing.T) {
	l := &countingLimiter{max: 0}
	h := RateLimit(l, 1, time.Second, "/v1/health")(okHandler)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/health", nil))
	if rec.Code != http.StatusOK || len(l.keys) != 0 {
		t.Fatalf("health counted: status=%d keys=%v", rec.Code, l.keys)
	}

	h = RateLimit(&countingLimiter{err: errors.New("redis down")}, 1, time.Second)(okHandler)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/order", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("limiter error should fail open, status = %d", rec.Code)
	}
}

func TestClientIPTrustsOnlyLoopbackProxy(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "203.0.113.7:5555"
	r.Header.Set("X-Forwarded-For", "10.0.0.1")
	if got := clientIP(r); got != "203.0.113.7" {
		t.Fatalf("remote peer: got %s", got)
	}

	r.RemoteAddr = "127.0.0.1:5555"
	r.Header.Set("X-Forwarded-For", "198.51.100.2, 127.0.0.1")
	if got := clientIP(r); got != "198.51.100.2" {
		t.Fatalf("via loopback proxy: got %s", got)
	}
}

func TestCORS(t *testing.T) {
	h := CORS([]string{"https://ops.example.com"})(okHandler)

	r := httptest.NewRequest(http.MethodOptions, "/v1/order", nil)
	r.Header.Set("Origin", "https://ops.example.com")
	r.Header.Set("Access-Control-Request-Method", "POST")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, r)
	if rec.Code != http.StatusNoContent || rec.Header().Get("Access-Control-Allow-Origin") != "https://ops.example.com" {
		t.Fatalf("preflight: status=%d headers=%v", rec.Code, rec.Header())
	}

	r = httptest.NewRequest(http.MethodGet, "/v1/health", nil)
	r.Header.Set("Origin", "https://evil.example")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, r)
	if rec.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Fatal("unlisted origin allowed")
	}

	rec = httptest.NewRecorder()
	CORS(nil)(okHandler).ServeHTTP(rec, r)
	if rec.Header().Get("Access-Control-Allow-Origin") != "" || rec.Header().Get("Vary") != "" {
		t.Fatal("empty origin list should send no CORS headers")
	}
}
