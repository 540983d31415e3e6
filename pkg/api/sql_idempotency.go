package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/ipanova/pulp-shelter/pkg/database"
)

// SQLIdempotencyStore keeps idempotency keys in the shelter database so
// replays survive restarts. The idempotency_keys table is created by the
// store schema.
type SQLIdempotencyStore struct {
	db      *sql.DB
	dialect database.Dialect
	ttl     time.Duration
	logger  *slog.Logger
}

// NewSQLIdempotencyStore creates a database-backed idempotency store.
func NewSQLIdempotencyStore(db *sql.DB, dialect database.Dialect, ttl time.Duration, logger *slog.Logger) *SQLIdempotencyStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &SQLIdempotencyStore{db: db, dialect: dialect, ttl: ttl, logger: logger.With("component", "idempotency")}
}

// Check returns a cached response if the key was seen before and is within TTL.
func (s *SQLIdempotencyStore) Check(ctx context.Context, key string) (*CachedResponse, bool) {
	var (
		statusCode int
		headers    string
		body       string
		cachedAt   string
	)
	err := s.db.QueryRowContext(ctx,
		s.dialect.Rebind(`SELECT status_code, headers, body, cached_at FROM idempotency_keys WHERE idempotency_key = ?`),
		key,
	).Scan(&statusCode, &headers, &body, &cachedAt)
	if err != nil {
		return nil, false
	}

	at, err := time.Parse(time.RFC3339Nano, cachedAt)
	if err != nil || time.Since(at) > s.ttl {
		_, _ = s.db.ExecContext(ctx, s.dialect.Rebind(`DELETE FROM idempotency_keys WHERE idempotency_key = ?`), key)
		return nil, false
	}

	hdr := make(http.Header)
	if err := json.Unmarshal([]byte(headers), &hdr); err != nil {
		hdr = http.Header{"Content-Type": {"application/json"}}
	}
	return &CachedResponse{
		StatusCode: statusCode,
		Headers:    hdr,
		Body:       []byte(body),
		CachedAt:   at,
	}, true
}

// Set stores an idempotency key and its response.
func (s *SQLIdempotencyStore) Set(ctx context.Context, key string, statusCode int, headers http.Header, body []byte) {
	hdr, err := json.Marshal(headers)
	if err != nil {
		hdr = []byte("{}")
	}
	_, err = s.db.ExecContext(ctx,
		s.dialect.Rebind(`INSERT INTO idempotency_keys (idempotency_key, status_code, headers, body, cached_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (idempotency_key) DO UPDATE SET status_code = excluded.status_code,
		 headers = excluded.headers, body = excluded.body, cached_at = excluded.cached_at`),
		key, statusCode, string(hdr), string(body), time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		// Replay is best effort; the request itself already succeeded.
		s.logger.WarnContext(ctx, "failed to store idempotency key", "key", key, "error", err)
	}
}

// Cleanup removes keys older than the TTL.
func (s *SQLIdempotencyStore) Cleanup(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx,
		s.dialect.Rebind(`DELETE FROM idempotency_keys WHERE cached_at < ?`),
		time.Now().Add(-s.ttl).UTC().Format(time.RFC3339Nano),
	)
	return err
}
