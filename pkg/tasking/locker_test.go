package tasking

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeKeys(t *testing.T) {
	assert.Equal(t, []string{"a", "b", "c"}, normalizeKeys([]string{"c", "a", "b", "a"}))
	assert.Empty(t, normalizeKeys(nil))
}

func TestMemoryLocker_BlocksOverlap(t *testing.T) {
	l := NewMemoryLocker()
	unlock, err := l.Lock(context.Background(), []string{"repo-1", "remote-1"})
	require.NoError(t, err)

	// Disjoint keys do not wait.
	other, err := l.Lock(context.Background(), []string{"repo-2"})
	require.NoError(t, err)
	other()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = l.Lock(ctx, []string{"remote-1"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	acquired := make(chan func())
	go func() {
		u, err := l.Lock(context.Background(), []string{"remote-1"})
		if err == nil {
			acquired <- u
		}
	}()
	unlock()
	unlock() // idempotent

	select {
	case u := <-acquired:
		u()
	case <-time.After(2 * time.Second):
		t.Fatal("waiter was not woken after release")
	}
}

func redisClient(t *testing.T) redis.UniversalClient {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("Skipping Redis integration test: REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Skip("Skipping Redis integration test: redis not available")
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestRedisLocker_Integration(t *testing.T) {
	client := redisClient(t)
	l := NewRedisLocker(client, nil)
	l.prefix = "shelter:test:" + t.Name() + ":"
	l.ttl = 300 * time.Millisecond
	l.poll = 10 * time.Millisecond

	unlock, err := l.Lock(context.Background(), []string{"repo-1", "remote-1"})
	require.NoError(t, err)

	// Held past the ttl thanks to the keepalive.
	time.Sleep(2 * l.ttl)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = l.Lock(ctx, []string{"repo-1"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	unlock()

	again, err := l.Lock(context.Background(), []string{"repo-1"})
	require.NoError(t, err)
	again()

	n, err := client.Exists(context.Background(), l.prefix+"repo-1", l.prefix+"remote-1").Result()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestNewRedisLockerFromURL_Invalid(t *testing.T) {
	_, err := NewRedisLockerFromURL("not-a-url", nil)
	assert.Error(t, err)
}
