package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIdempotencyMiddleware_ReplaysSuccess(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var calls atomic.Int32
	h := IdempotencyMiddleware(NewIdempotencyStore(ctx, time.Minute))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		w.Header().Set("Location", "/v1/tasks/t1")
		w.Header().Set("X-Private", "no")
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(strings.Repeat("x", int(n))))
	}))

	send := func(method, path, key string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, path, nil)
		if key != "" {
			req.Header.Set("Idempotency-Key", key)
		}
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		return w
	}

	first := send(http.MethodPost, "/v1/repositories/dogs/sync", "k1")
	again := send(http.MethodPost, "/v1/repositories/dogs/sync", "k1")
	assert.Equal(t, http.StatusAccepted, again.Code)
	assert.Equal(t, first.Body.String(), again.Body.String())
	assert.Equal(t, "true", again.Header().Get("Idempotent-Replayed"))
	assert.Equal(t, "/v1/tasks/t1", again.Header().Get("Location"))
	assert.Empty(t, again.Header().Get("X-Private"))
	assert.Equal(t, int32(1), calls.Load())

	// Other routes, missing keys and non-POST methods run the handler.
	send(http.MethodPost, "/v1/repositories/cats/sync", "k1")
	send(http.MethodPost, "/v1/repositories/dogs/sync", "")
	send(http.MethodGet, "/v1/repositories/dogs/sync", "k1")
	assert.Equal(t, int32(4), calls.Load())
}

func TestIdempotencyMiddleware_SkipsFailures(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var calls int
	h := IdempotencyMiddleware(NewIdempotencyStore(ctx, time.Minute))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		WriteProblem(w, r, http.StatusBadGateway, "remote unavailable")
	}))
	for range 2 {
		req := httptest.NewRequest(http.MethodPost, "/v1/repositories/dogs/sync", nil)
		req.Header.Set("Idempotency-Key", "k")
		h.ServeHTTP(httptest.NewRecorder(), req)
	}
	assert.Equal(t, 2, calls)
}

func TestIdempotencyMiddleware_InFlightConflict(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	entered := make(chan struct{})
	release := make(chan struct{})
	h := IdempotencyMiddleware(NewIdempotencyStore(ctx, time.Minute))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(entered)
		<-release
		w.WriteHeader(http.StatusCreated)
	}))

	done := make(chan int)
	go func() {
		req := httptest.NewRequest(http.MethodPost, "/v1/content", nil)
		req.Header.Set("Idempotency-Key", "k")
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		done <- w.Code
	}()
	<-entered

	req := httptest.NewRequest(http.MethodPost, "/v1/content", nil)
	req.Header.Set("Idempotency-Key", "k")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, http.StatusConflict, w.Code)

	close(release)
	assert.Equal(t, http.StatusCreated, <-done)
}

func TestMemoryIdempotencyStore_Expiry(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := NewIdempotencyStore(ctx, time.Minute)
	s.Set(ctx, "fresh", 201, nil, []byte("a"))
	s.Set(ctx, "stale", 201, nil, []byte("b"))
	s.entries["stale"].CachedAt = time.Now().Add(-2 * time.Minute)

	_, ok := s.Check(ctx, "stale")
	assert.False(t, ok)
	c, ok := s.Check(ctx, "fresh")
	require.True(t, ok)
	assert.Equal(t, []byte("a"), c.Body)

	require.NoError(t, s.Cleanup(ctx))
	assert.Len(t, s.entries, 1)
}
