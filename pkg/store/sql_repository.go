package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/ipanova/pulp-shelter/pkg/repository"
)

const versionColumns = `id, repository_id, number, base_number, added, removed, content_count, created_at`

func scanVersion(row rowScanner) (*repository.Version, error) {
	var (
		v         repository.Version
		createdAt string
	)
	if err := row.Scan(&v.ID, &v.RepositoryID, &v.Number, &v.BaseNumber, &v.Added, &v.Removed, &v.ContentCount, &createdAt); err != nil {
		return nil, err
	}
	v.CreatedAt = parseTime(createdAt)
	return &v, nil
}

func scanRepository(row rowScanner) (*repository.Repository, error) {
	var (
		r         repository.Repository
		createdAt string
	)
	if err := row.Scan(&r.ID, &r.Name, &r.Description, &createdAt); err != nil {
		return nil, err
	}
	r.CreatedAt = parseTime(createdAt)
	return &r, nil
}

func (s *SQL) CreateRepository(ctx context.Context, r *repository.Repository) (*repository.Version, error) {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = s.now().UTC()
	}
	v := &repository.Version{
		ID:           uuid.NewString(),
		RepositoryID: r.ID,
		Number:       0,
		BaseNumber:   -1,
		CreatedAt:    r.CreatedAt,
	}
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, s.q(`INSERT INTO repositories (id, name, description, created_at) VALUES (?, ?, ?, ?)`),
			r.ID, r.Name, r.Description, formatTime(r.CreatedAt)); err != nil {
			if isUniqueViolation(err) {
				return repository.ErrExists
			}
			return fmt.Errorf("failed to insert repository: %w", err)
		}
		return s.insertVersion(ctx, tx, v)
	})
	if err != nil {
		return nil, err
	}
	return v, nil
}

func (s *SQL) insertVersion(ctx context.Context, tx *sql.Tx, v *repository.Version) error {
	_, err := tx.ExecContext(ctx, s.q(`INSERT INTO repository_versions (`+versionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		v.ID, v.RepositoryID, v.Number, v.BaseNumber, v.Added, v.Removed, v.ContentCount, formatTime(v.CreatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return repository.ErrVersionConflict
		}
		return fmt.Errorf("failed to insert version: %w", err)
	}
	return nil
}

func (s *SQL) Repository(ctx context.Context, id string) (*repository.Repository, error) {
	r, err := scanRepository(s.db.QueryRowContext(ctx, s.q(`SELECT id, name, description, created_at FROM repositories WHERE id = ?`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, repository.ErrNotFound
	}
	return r, err
}

func (s *SQL) RepositoryByName(ctx context.Context, name string) (*repository.Repository, error) {
	r, err := scanRepository(s.db.QueryRowContext(ctx, s.q(`SELECT id, name, description, created_at FROM repositories WHERE name = ?`), name))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, repository.ErrNotFound
	}
	return r, err
}

func (s *SQL) Repositories(ctx context.Context) ([]*repository.Repository, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, description, created_at FROM repositories ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := []*repository.Repository{}
	for rows.Next() {
		r, err := scanRepository(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQL) LatestVersion(ctx context.Context, repositoryID string) (*repository.Version, error) {
	v, err := scanVersion(s.db.QueryRowContext(ctx, s.q(`SELECT `+versionColumns+` FROM repository_versions
		WHERE repository_id = ? ORDER BY number DESC LIMIT 1`), repositoryID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, repository.ErrNotFound
	}
	return v, err
}

func (s *SQL) Version(ctx context.Context, id string) (*repository.Version, error) {
	v, err := scanVersion(s.db.QueryRowContext(ctx, s.q(`SELECT `+versionColumns+` FROM repository_versions WHERE id = ?`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, repository.ErrVersionNotFound
	}
	return v, err
}

func (s *SQL) VersionByNumber(ctx context.Context, repositoryID string, number int) (*repository.Version, error) {
	v, err := scanVersion(s.db.QueryRowContext(ctx, s.q(`SELECT `+versionColumns+` FROM repository_versions
		WHERE repository_id = ? AND number = ?`), repositoryID, number))
	if errors.Is(err, sql.ErrNoRows) {
		if _, rerr := s.Repository(ctx, repositoryID); rerr != nil {
			return nil, rerr
		}
		return nil, repository.ErrVersionNotFound
	}
	return v, err
}

func (s *SQL) Versions(ctx context.Context, repositoryID string) ([]*repository.Version, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT `+versionColumns+` FROM repository_versions
		WHERE repository_id = ? ORDER BY number`), repositoryID)
	if err != nil {
		return nil, err
	}
	out := []*repository.Version{}
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			_ = rows.Close()
			return nil, err
		}
		out = append(out, v)
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, repository.ErrNotFound
	}
	return out, nil
}

func (s *SQL) ContentIDs(ctx context.Context, versionID string) ([]string, error) {
	v, err := s.Version(ctx, versionID)
	if err != nil {
		return nil, err
	}
	return s.contentAt(ctx, s.db, v.RepositoryID, v.Number)
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (s *SQL) contentAt(ctx context.Context, q querier, repositoryID string, number int) ([]string, error) {
	rows, err := q.QueryContext(ctx, s.q(`SELECT content_id FROM repository_content
		WHERE repository_id = ? AND version_added <= ? AND (version_removed IS NULL OR version_removed > ?)
		ORDER BY content_id`), repositoryID, number, number)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// CreateVersion appends the next version in one transaction. Two writers
// racing from the same base both pass the latest-number check under read
// committed isolation; UNIQUE (repository_id, number) rejects the second.
func (s *SQL) CreateVersion(ctx context.Context, repositoryID string, baseNumber int, add, remove []string) (*repository.Version, error) {
	var v *repository.Version
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		latest, err := scanVersion(tx.QueryRowContext(ctx, s.q(`SELECT `+versionColumns+` FROM repository_versions
			WHERE repository_id = ? ORDER BY number DESC LIMIT 1`), repositoryID))
		if errors.Is(err, sql.ErrNoRows) {
			return repository.ErrNotFound
		}
		if err != nil {
			return err
		}
		if latest.Number != baseNumber {
			return repository.ErrVersionConflict
		}
		next := baseNumber + 1

		v = &repository.Version{
			ID:           uuid.NewString(),
			RepositoryID: repositoryID,
			Number:       next,
			BaseNumber:   baseNumber,
			Added:        len(add),
			Removed:      len(remove),
			ContentCount: latest.ContentCount + len(add) - len(remove),
			CreatedAt:    s.now().UTC(),
		}
		if err := s.insertVersion(ctx, tx, v); err != nil {
			return err
		}

		for _, id := range remove {
			res, err := tx.ExecContext(ctx, s.q(`UPDATE repository_content SET version_removed = ?
				WHERE repository_id = ? AND content_id = ? AND version_removed IS NULL`), next, repositoryID, id)
			if err != nil {
				return fmt.Errorf("failed to remove content %s: %w", id, err)
			}
			if n, _ := res.RowsAffected(); n == 0 {
				return repository.ErrVersionConflict
			}
		}
		for _, id := range add {
			if _, err := tx.ExecContext(ctx, s.q(`INSERT INTO repository_content (repository_id, content_id, version_added)
				VALUES (?, ?, ?)`), repositoryID, id, next); err != nil {
				if isUniqueViolation(err) {
					return repository.ErrVersionConflict
				}
				return fmt.Errorf("failed to add content %s: %w", id, err)
			}
		}
		return nil
	})
	if err != nil {
		if isUniqueViolation(err) {
			return nil, repository.ErrVersionConflict
		}
		return nil, err
	}
	return v, nil
}
