package middleware

import (
	"crypto/subtle"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// HTTPMiddleware wraps an http.Handler.
type HTTPMiddleware func(http.Handler) http.Handler

// Wrap applies middleware in order. Nil entries are skipped.
func Wrap(h http.Handler, middlewares ...HTTPMiddleware) http.Handler {
	chain := chain(middlewares...)
	return chain(h)
}

func chain(middlewares ...HTTPMiddleware) HTTPMiddleware {
	filtered := make([]HTTPMiddleware, 0, len(middlewares))
	for _, mw := range middlewares {
		if mw != nil {
			filtered = append(filtered, mw)
		}
	}
	return func(next http.Handler) http.Handler {
		handler := next
		for i := len(filtered) - 1; i >= 0; i-- {
			handler = filtered[i](handler)
		}
		return handler
	}
}

// APIKeyAuth enforces a shared secret sent via X-API-Key or Bearer token.
// An empty key yields nil.
func APIKeyAuth(key string) HTTPMiddleware {
	secret := []byte(strings.TrimSpace(key))
	if len(secret) == 0 {
		return nil
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if subtle.ConstantTimeCompare([]byte(extractAPIKey(r)), secret) != 1 {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func extractAPIKey(r *http.Request) string {
	if v := strings.TrimSpace(r.Header.Get("X-API-Key")); v != "" {
		return v
	}
	auth := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(auth) > 7 && strings.EqualFold(auth[:7], "bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return ""
}

// RequestLogger logs one entry per request with method, path, status,
// response size and duration.
func RequestLogger(log logrus.FieldLogger) HTTPMiddleware {
	if log == nil {
		return nil
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)
			entry := log.WithFields(logrus.Fields{
				"method":   r.Method,
				"path":     redactToken(r.URL.Path),
				"status":   rec.status,
				"bytes":    rec.bytes,
				"duration": time.Since(start),
				"remote":   clientKey(r),
			})
			if rec.status >= http.StatusInternalServerError {
				entry.Warn("http request")
				return
			}
			entry.Info("http request")
		})
	}
}

// redactToken keeps signed tokens out of the logs.
func redactToken(p string) string {
	for _, prefix := range []string{"/storage/blobs/", "/storage/uploads/"} {
		if strings.HasPrefix(p, prefix) {
			return prefix + "[token]"
		}
	}
	return p
}

type statusRecorder struct {
	http.ResponseWriter
	status      int
	bytes       int64
	wroteHeader bool
}

func (s *statusRecorder) WriteHeader(code int) {
	if !s.wroteHeader {
		s.status = code
		s.wroteHeader = true
	}
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(p []byte) (int, error) {
	s.wroteHeader = true
	n, err := s.ResponseWriter.Write(p)
	s.bytes += int64(n)
	return n, err
}

func (s *statusRecorder) Flush() {
	if f, ok := s.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// RateLimitOptions configures the rate limiter.
type RateLimitOptions struct {
	Requests int
	Window   time.Duration
	// PerClient keeps one bucket per remote host instead of a shared one.
	PerClient bool
	// MaxClients caps the per-client buckets kept in memory. Defaults to
	// 10000.
	MaxClients int
	Now        func() time.Time
}

// RateLimit enforces a token bucket over requests.
func RateLimit(opts RateLimitOptions) HTTPMiddleware {
	if opts.Requests <= 0 || opts.Window <= 0 {
		return nil
	}
	buckets := newBucketSet(opts)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := ""
			if opts.PerClient {
				key = clientKey(r)
			}
			if !buckets.get(key).Allow() {
				w.Header().Set("Retry-After", "1")
				http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

type bucketSet struct {
	mu      sync.Mutex
	opts    RateLimitOptions
	buckets map[string]*tokenBucket
}

func newBucketSet(opts RateLimitOptions) *bucketSet {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.MaxClients <= 0 {
		opts.MaxClients = 10000
	}
	return &bucketSet{opts: opts, buckets: make(map[string]*tokenBucket)}
}

func (b *bucketSet) get(key string) *tokenBucket {
	b.mu.Lock()
	defer b.mu.Unlock()
	bucket, ok := b.buckets[key]
	if !ok {
		if len(b.buckets) >= b.opts.MaxClients {
			b.evict()
		}
		bucket = newTokenBucket(b.opts)
		b.buckets[key] = bucket
	}
	return bucket
}

// evict drops buckets idle for a full window, which have refilled and are
// equivalent to new ones. If none are idle the least recently used goes.
func (b *bucketSet) evict() {
	now := b.opts.Now()
	var (
		oldestKey string
		oldest    time.Time
		found     bool
	)
	for key, bucket := range b.buckets {
		last := bucket.lastSeen()
		if now.Sub(last) >= b.opts.Window {
			delete(b.buckets, key)
			continue
		}
		if !found || last.Before(oldest) {
			oldestKey, oldest, found = key, last, true
		}
	}
	if found && len(b.buckets) >= b.opts.MaxClients {
		delete(b.buckets, oldestKey)
	}
}

func (b *bucketSet) size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.buckets)
}

type tokenBucket struct {
	mu           sync.Mutex
	capacity     float64
	tokens       float64
	refillPerSec float64
	last         time.Time
	now          func() time.Time
}

func newTokenBucket(opts RateLimitOptions) *tokenBucket {
	return &tokenBucket{
		capacity:     float64(opts.Requests),
		tokens:       float64(opts.Requests),
		refillPerSec: float64(opts.Requests) / opts.Window.Seconds(),
		last:         opts.Now(),
		now:          opts.Now,
	}
}

func (t *tokenBucket) lastSeen() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.last
}

func (t *tokenBucket) Allow() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	elapsed := now.Sub(t.last).Seconds()
	if elapsed > 0 {
		t.tokens += elapsed * t.refillPerSec
		if t.tokens > t.capacity {
			t.tokens = t.capacity
		}
		t.last = now
	}
	if t.tokens < 1 {
		return false
	}
	t.tokens--
	return true
}
