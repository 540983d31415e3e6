package store

import (
	"context"
	"database/sql"

	"github.com/ipanova/pulp-shelter/pkg/content"
	"github.com/ipanova/pulp-shelter/pkg/database"
	"github.com/ipanova/pulp-shelter/pkg/publication"
	"github.com/ipanova/pulp-shelter/pkg/remote"
	"github.com/ipanova/pulp-shelter/pkg/repository"
	"github.com/ipanova/pulp-shelter/pkg/tasking"
)

// Backend is every store the shelter services use.
type Backend interface {
	content.Store
	repository.Store
	remote.Store
	publication.Store
	tasking.Store
}

var (
	_ Backend = (*Memory)(nil)
	_ Backend = (*SQL)(nil)
)

// Open connects to the configured database and prepares its schema.
func Open(ctx context.Context, cfg database.Config) (*SQL, error) {
	db, dialect, err := database.Open(ctx, cfg)
	if err != nil {
		return nil, err
	}
	s := NewSQL(db, dialect)
	if err := s.Init(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// DB returns the underlying connection.
func (s *SQL) DB() *sql.DB {
	return s.db
}

// Dialect returns the SQL flavor of the connection.
func (s *SQL) Dialect() database.Dialect {
	return s.dialect
}

// Close closes the underlying connection.
func (s *SQL) Close() error {
	return s.db.Close()
}
