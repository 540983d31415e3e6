package api

import (
	"bytes"
	"context"
	"net/http"
	"sync"
	"time"
)

// CachedResponse is a response recorded under an Idempotency-Key.
type CachedResponse struct {
	StatusCode int
	Headers    http.Header
	Body       []byte
	CachedAt   time.Time
}

// IdempotencyStorer persists responses for replay. Implementations must treat
// entries older than their TTL as absent.
type IdempotencyStorer interface {
	Check(ctx context.Context, key string) (*CachedResponse, bool)
	Set(ctx context.Context, key string, statusCode int, headers http.Header, body []byte)
	// Cleanup drops expired entries.
	Cleanup(ctx context.Context) error
}

// MemoryIdempotencyStore keeps responses in process. Used by tests and by
// servers that run without a shared database.
type MemoryIdempotencyStore struct {
	mu      sync.RWMutex
	entries map[string]*CachedResponse
	ttl     time.Duration
}

// NewIdempotencyStore returns a memory store. Expired entries are swept every
// five minutes until ctx ends.
func NewIdempotencyStore(ctx context.Context, ttl time.Duration) *MemoryIdempotencyStore {
	s := &MemoryIdempotencyStore{
		entries: make(map[string]*CachedResponse),
		ttl:     ttl,
	}
	go SweepIdempotency(ctx, s, 5*time.Minute)
	return s
}

func (s *MemoryIdempotencyStore) Check(_ context.Context, key string) (*CachedResponse, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.entries[key]
	if !ok || time.Since(c.CachedAt) >= s.ttl {
		return nil, false
	}
	return c, true
}

func (s *MemoryIdempotencyStore) Set(_ context.Context, key string, statusCode int, headers http.Header, body []byte) {
	s.mu.Lock()
	s.entries[key] = &CachedResponse{StatusCode: statusCode, Headers: headers, Body: body, CachedAt: time.Now()}
	s.mu.Unlock()
}

func (s *MemoryIdempotencyStore) Cleanup(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, c := range s.entries {
		if time.Since(c.CachedAt) >= s.ttl {
			delete(s.entries, k)
		}
	}
	return nil
}

// SweepIdempotency calls store.Cleanup every interval until ctx ends.
func SweepIdempotency(ctx context.Context, store IdempotencyStorer, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = store.Cleanup(ctx)
		}
	}
}

// recorder tees the response so it can be stored after the handler returns.
type recorder struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

func (rec *recorder) WriteHeader(code int) {
	rec.status = code
	rec.ResponseWriter.WriteHeader(code)
}

func (rec *recorder) Write(b []byte) (int, error) {
	rec.body.Write(b)
	return rec.ResponseWriter.Write(b)
}

// replayHeaders are the response headers kept with a cached response.
var replayHeaders = []string{"Content-Type", "Location"}

// IdempotencyMiddleware runs a POST carrying an Idempotency-Key at most once
// per route. A repeated key replays the first 2xx response with
// Idempotent-Replayed set, so a retried sync does not queue a second task.
// A repeat that arrives while the first is still running gets 409.
func IdempotencyMiddleware(store IdempotencyStorer) func(http.Handler) http.Handler {
	var inflight sync.Map
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("Idempotency-Key")
			if r.Method != http.MethodPost || key == "" {
				next.ServeHTTP(w, r)
				return
			}
			key = r.URL.Path + "#" + key

			if c, ok := store.Check(r.Context(), key); ok {
				replay(w, c)
				return
			}
			if _, busy := inflight.LoadOrStore(key, struct{}{}); busy {
				WriteProblem(w, r, http.StatusConflict, "a request with this Idempotency-Key is in progress")
				return
			}
			defer inflight.Delete(key)

			rec := &recorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)
			if rec.status < 200 || rec.status >= 300 {
				return
			}
			hdr := make(http.Header)
			for _, h := range replayHeaders {
				if v := w.Header().Get(h); v != "" {
					hdr.Set(h, v)
				}
			}
			store.Set(r.Context(), key, rec.status, hdr, rec.body.Bytes())
		})
	}
}

func replay(w http.ResponseWriter, c *CachedResponse) {
	for k, vals := range c.Headers {
		for _, v := range vals {
			w.Header().Add(k, v)
		}
	}
	w.Header().Set("Idempotent-Replayed", "true")
	w.WriteHeader(c.StatusCode)
	_, _ = w.Write(c.Body)
}
