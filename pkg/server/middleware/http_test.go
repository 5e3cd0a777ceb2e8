package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestAPIKeyAuth(t *testing.T) {
	protected := APIKeyAuth("secret")(okHandler())
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rr := httptest.NewRecorder()
	protected.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
	req.Header.Set("X-API-Key", "secret")
	rr = httptest.NewRecorder()
	protected.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}

	bearer := httptest.NewRequest(http.MethodGet, "/", nil)
	bearer.Header.Set("Authorization", "Bearer secret")
	rr = httptest.NewRecorder()
	protected.ServeHTTP(rr, bearer)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected bearer token accepted, got %d", rr.Code)
	}
	if APIKeyAuth("  ") != nil {
		t.Fatalf("blank key should disable auth")
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	current := time.Unix(0, 0)
	opts := RateLimitOptions{
		Requests: 1,
		Window:   time.Second,
		Now: func() time.Time {
			return current
		},
	}
	limited := RateLimit(opts)(okHandler())
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rr := httptest.NewRecorder()
	limited.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected first request allowed, got %d", rr.Code)
	}
	rr = httptest.NewRecorder()
	limited.ServeHTTP(rr, req)
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected second request blocked, got %d", rr.Code)
	}
	current = current.Add(time.Second)
	rr = httptest.NewRecorder()
	limited.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected request allowed after refill, got %d", rr.Code)
	}
}

func TestRateLimitPerClient(t *testing.T) {
	current := time.Unix(0, 0)
	limited := RateLimit(RateLimitOptions{
		Requests:  1,
		Window:    time.Minute,
		PerClient: true,
		Now:       func() time.Time { return current },
	})(okHandler())

	for _, addr := range []string{"10.0.0.1:4000", "10.0.0.2:4000"} {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = addr
		rr := httptest.NewRecorder()
		limited.ServeHTTP(rr, req)
		if rr.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d", addr, rr.Code)
		}
	}
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.1:5000"
	rr := httptest.NewRecorder()
	limited.ServeHTTP(rr, req)
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected same client to be limited, got %d", rr.Code)
	}
}

func TestRateLimitEvictsIdleClients(t *testing.T) {
	current := time.Unix(0, 0)
	buckets := newBucketSet(RateLimitOptions{
		Requests:   1,
		Window:     time.Minute,
		PerClient:  true,
		MaxClients: 2,
		Now:        func() time.Time { return current },
	})
	for _, host := range []string{"10.0.0.1", "10.0.0.2", "10.0.0.3"} {
		if !buckets.get(host).Allow() {
			t.Fatalf("%s: expected first request allowed", host)
		}
	}
	if n := buckets.size(); n != 2 {
		t.Fatalf("expected bucket count capped at 2, got %d", n)
	}
	if buckets.get("10.0.0.3").Allow() {
		t.Fatalf("most recent client should still be limited")
	}

	current = current.Add(time.Minute)
	buckets.get("10.0.0.4")
	if n := buckets.size(); n != 1 {
		t.Fatalf("expected idle buckets evicted, got %d", n)
	}
}

func TestRequestLoggerRedactsTokens(t *testing.T) {
	logger, hook := logtest.NewNullLogger()
	h := Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte("missing"))
	}), RequestLogger(logger), nil)

	req := httptest.NewRequest(http.MethodGet, "/storage/blobs/abc.def", nil)
	h.ServeHTTP(httptest.NewRecorder(), req)

	entry := hook.LastEntry()
	if entry == nil {
		t.Fatalf("expected a log entry")
	}
	if entry.Level != logrus.InfoLevel {
		t.Fatalf("unexpected level %v", entry.Level)
	}
	if got := entry.Data["path"]; got != "/storage/blobs/[token]" {
		t.Fatalf("token leaked into log: %v", got)
	}
	if got := entry.Data["status"]; got != http.StatusNotFound {
		t.Fatalf("unexpected status %v", got)
	}
	if got := entry.Data["bytes"]; got != int64(len("missing")) {
		t.Fatalf("unexpected bytes %v", got)
	}
}
