package tasking

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// releaseScript deletes a reservation only if this holder still owns it.
// KEYS[1] = reservation key
// ARGV[1] = holder token
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0
`)

// refreshScript extends a reservation only if this holder still owns it.
// KEYS[1] = reservation key
// ARGV[1] = holder token
// ARGV[2] = ttl in milliseconds
var refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// RedisLocker is a Locker shared by every process using the same Redis.
// Keys are taken one at a time in sorted order and kept alive while held.
type RedisLocker struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
	poll   time.Duration
	logger *slog.Logger
}

// NewRedisLocker creates a locker over client.
func NewRedisLocker(client redis.UniversalClient, logger *slog.Logger) *RedisLocker {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisLocker{
		client: client,
		prefix: "shelter:reservation:",
		ttl:    30 * time.Second,
		poll:   100 * time.Millisecond,
		logger: logger.With("component", "redis_locker"),
	}
}

// NewRedisLockerFromURL connects to the Redis at url, e.g.
// "redis://localhost:6379/0".
func NewRedisLockerFromURL(url string, logger *slog.Logger) (*RedisLocker, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	return NewRedisLocker(redis.NewClient(opts), logger), nil
}

func (l *RedisLocker) Lock(ctx context.Context, keys []string) (func(), error) {
	keys = normalizeKeys(keys)
	token, err := newToken()
	if err != nil {
		return nil, err
	}

	var held []string
	releaseHeld := func() {
		// Release with a fresh context; ctx may already be canceled.
		rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		for _, k := range held {
			if err := releaseScript.Run(rctx, l.client, []string{k}, token).Err(); err != nil {
				l.logger.Error("reservation release failed", "key", k, "error", err)
			}
		}
	}

	for _, k := range keys {
		key := l.prefix + k
		for {
			ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
			if err != nil {
				releaseHeld()
				return nil, fmt.Errorf("redis reservation %s: %w", k, err)
			}
			if ok {
				held = append(held, key)
				break
			}
			select {
			case <-ctx.Done():
				releaseHeld()
				return nil, ctx.Err()
			case <-time.After(l.poll):
			}
		}
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		l.keepAlive(stop, held, token)
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			<-done
			releaseHeld()
		})
	}, nil
}

func (l *RedisLocker) keepAlive(stop <-chan struct{}, keys []string, token string) {
	ticker := time.NewTicker(l.ttl / 3)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), l.ttl/3)
			for _, k := range keys {
				n, err := refreshScript.Run(ctx, l.client, []string{k}, token, l.ttl.Milliseconds()).Int64()
				if err == nil && n == 0 {
					err = errors.New("reservation lost")
				}
				if err != nil {
					l.logger.Warn("reservation refresh failed", "key", k, "error", err)
				}
			}
			cancel()
		}
	}
}

func newToken() (string, error) {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("generate reservation token: %w", err)
	}
	return hex.EncodeToString(b[:]), nil
}
