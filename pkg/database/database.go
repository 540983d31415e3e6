// Package database opens the SQL database backing the shelter stores: a
// local SQLite file in lite mode, or Postgres when a URL is configured.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Dialect names the SQL flavor of a connection.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// Rebind rewrites "?" placeholders into the dialect's form.
func (d Dialect) Rebind(query string) string {
	if d != DialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// Config selects the database.
type Config struct {
	// URL is a Postgres connection string. Empty selects lite mode.
	URL string
	// DataDir holds shelter.db in lite mode.
	DataDir string
	// Memory opens a private in-memory SQLite database, for tests and
	// one-shot CLI runs.
	Memory bool
}

// Open connects to the configured database and verifies the connection.
func Open(ctx context.Context, cfg Config) (*sql.DB, Dialect, error) {
	if cfg.URL != "" {
		db, err := sql.Open("postgres", cfg.URL)
		if err != nil {
			return nil, "", fmt.Errorf("failed to open postgres: %w", err)
		}
		db.SetMaxOpenConns(25)
		db.SetConnMaxIdleTime(5 * time.Minute)
		if err := ping(ctx, db); err != nil {
			_ = db.Close()
			return nil, "", fmt.Errorf("failed to connect to postgres: %w", err)
		}
		return db, DialectPostgres, nil
	}

	dsn := ":memory:"
	if !cfg.Memory {
		dataDir := cfg.DataDir
		if dataDir == "" {
			dataDir = "data"
		}
		//nolint:gosec // G301: data dir is shared with the artifact store
		if err := os.MkdirAll(dataDir, 0755); err != nil {
			return nil, "", fmt.Errorf("failed to create data dir: %w", err)
		}
		dsn = "file:" + filepath.Join(dataDir, "shelter.db") +
			"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, "", fmt.Errorf("failed to open sqlite: %w", err)
	}
	// SQLite allows one writer; a single connection also keeps an in-memory
	// database alive and shared.
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)
	if err := ping(ctx, db); err != nil {
		_ = db.Close()
		return nil, "", fmt.Errorf("failed to open sqlite: %w", err)
	}
	return db, DialectSQLite, nil
}

func ping(ctx context.Context, db *sql.DB) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return db.PingContext(ctx)
}
