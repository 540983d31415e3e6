// Package download fetches manifests and artifacts over http(s) and from
// local files, with retries, per-host circuit breaking and rate limiting.
package download

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"math"
	"math/big"
	"net/http"
	"net/url"
	"os"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"golang.org/x/time/rate"
)

// ErrTooLarge is returned when a body exceeds Options.MaxBytes.
var ErrTooLarge = errors.New("response body exceeds size limit")

// StatusError reports a non-2xx response.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("GET %s: unexpected status %d %s", e.URL, e.StatusCode, http.StatusText(e.StatusCode))
}

// Options configures a Client. Zero values select defaults.
type Options struct {
	// Timeout bounds one Fetch, including retries.
	Timeout time.Duration
	// MaxRetries defaults to 3; a negative value disables retries.
	MaxRetries int
	// RateLimit is the number of requests per second across all hosts.
	// Zero disables limiting.
	RateLimit float64
	// MaxBytes caps a body read by Fetch. Zero means unlimited.
	MaxBytes int64

	BreakerThreshold int
	BreakerReset     time.Duration

	HTTPClient *http.Client
}

// Client wraps http.Client with resilience patterns:
// - Exponential Backoff & Jitter
// - Circuit Breaking per host
// - Trace context propagation
type Client struct {
	client     *http.Client
	timeout    time.Duration
	maxRetries int
	maxBytes   int64
	limiter    *rate.Limiter

	threshold int
	reset     time.Duration
	mu        sync.Mutex
	breakers  map[string]*CircuitBreaker
}

// New creates a Client.
func New(opts Options) *Client {
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	} else if opts.MaxRetries == 0 {
		opts.MaxRetries = 3
	}
	if opts.BreakerThreshold <= 0 {
		opts.BreakerThreshold = 5
	}
	if opts.BreakerReset <= 0 {
		opts.BreakerReset = 10 * time.Second
	}
	c := &Client{
		client:     opts.HTTPClient,
		timeout:    opts.Timeout,
		maxRetries: opts.MaxRetries,
		maxBytes:   opts.MaxBytes,
		threshold:  opts.BreakerThreshold,
		reset:      opts.BreakerReset,
		breakers:   make(map[string]*CircuitBreaker),
	}
	if opts.RateLimit > 0 {
		burst := int(math.Ceil(opts.RateLimit))
		c.limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), burst)
	}
	return c
}

// Fetch downloads rawURL and returns the whole body.
func (c *Client) Fetch(ctx context.Context, rawURL string) ([]byte, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	body, err := c.Open(ctx, rawURL)
	if err != nil {
		return nil, err
	}
	defer func() { _ = body.Close() }()

	var r io.Reader = body
	if c.maxBytes > 0 {
		r = io.LimitReader(body, c.maxBytes+1)
	}
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(r); err != nil {
		return nil, fmt.Errorf("read %s: %w", rawURL, err)
	}
	if c.maxBytes > 0 && int64(buf.Len()) > c.maxBytes {
		return nil, fmt.Errorf("%s: %w (%d bytes)", rawURL, ErrTooLarge, c.maxBytes)
	}
	return buf.Bytes(), nil
}

// Open returns a reader over the body at rawURL. Retries only happen before
// the body is handed out; the caller must close it. Open does not apply
// Options.Timeout, so callers streaming a body bound ctx themselves.
func (c *Client) Open(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid url %q: %w", rawURL, err)
	}
	switch u.Scheme {
	case "file":
		f, err := os.Open(u.Path)
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", rawURL, err)
		}
		return f, nil
	case "http", "https":
		return c.get(ctx, u)
	default:
		return nil, fmt.Errorf("unsupported url scheme %q", u.Scheme)
	}
}

func (c *Client) get(ctx context.Context, u *url.URL) (io.ReadCloser, error) {
	breaker := c.breaker(u.Host)
	if !breaker.Allow() {
		return nil, fmt.Errorf("circuit breaker open for %s", breaker.name)
	}

	var lastErr error
	for i := 0; i <= c.maxRetries; i++ {
		if i > 0 {
			if err := sleep(ctx, backoff(i-1)); err != nil {
				return nil, err
			}
		}
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
		if err != nil {
			return nil, err
		}
		otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

		resp, err := c.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, err
			}
			lastErr = err
			continue
		}
		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			breaker.Success()
			return resp.Body, nil
		case resp.StatusCode >= 500:
			_ = resp.Body.Close()
			lastErr = &StatusError{URL: u.String(), StatusCode: resp.StatusCode}
		default:
			// Client errors are not retried and do not trip the breaker.
			_ = resp.Body.Close()
			breaker.Success()
			return nil, &StatusError{URL: u.String(), StatusCode: resp.StatusCode}
		}
	}

	breaker.Failure()
	return nil, lastErr
}

func (c *Client) breaker(host string) *CircuitBreaker {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.breakers[host]
	if !ok {
		b = NewCircuitBreaker(host, c.threshold, c.reset)
		c.breakers[host] = b
	}
	return b
}

// backoff returns base * 2^attempt + jitter.
func backoff(attempt int) time.Duration {
	d := time.Duration(math.Pow(2, float64(attempt))) * 100 * time.Millisecond
	if n, err := rand.Int(rand.Reader, big.NewInt(50)); err == nil {
		d += time.Duration(n.Int64()) * time.Millisecond
	}
	return d
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
