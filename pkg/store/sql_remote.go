package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/ipanova/pulp-shelter/pkg/content"
	"github.com/ipanova/pulp-shelter/pkg/remote"
)

func scanRemote(row rowScanner) (*remote.Remote, error) {
	var (
		r         remote.Remote
		policy    string
		createdAt string
	)
	if err := row.Scan(&r.ID, &r.Name, &r.URL, &policy, &createdAt); err != nil {
		return nil, err
	}
	r.Policy = content.Policy(policy)
	r.CreatedAt = parseTime(createdAt)
	return &r, nil
}

func (s *SQL) CreateRemote(ctx context.Context, r *remote.Remote) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = s.now().UTC()
	}
	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO remotes (id, name, url, policy, created_at) VALUES (?, ?, ?, ?, ?)`),
		r.ID, r.Name, r.URL, string(r.Policy), formatTime(r.CreatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return remote.ErrExists
		}
		return fmt.Errorf("failed to insert remote: %w", err)
	}
	return nil
}

func (s *SQL) Remote(ctx context.Context, id string) (*remote.Remote, error) {
	r, err := scanRemote(s.db.QueryRowContext(ctx, s.q(`SELECT id, name, url, policy, created_at FROM remotes WHERE id = ?`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, remote.ErrNotFound
	}
	return r, err
}

func (s *SQL) RemoteByName(ctx context.Context, name string) (*remote.Remote, error) {
	r, err := scanRemote(s.db.QueryRowContext(ctx, s.q(`SELECT id, name, url, policy, created_at FROM remotes WHERE name = ?`), name))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, remote.ErrNotFound
	}
	return r, err
}

func (s *SQL) Remotes(ctx context.Context) ([]*remote.Remote, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, url, policy, created_at FROM remotes ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := []*remote.Remote{}
	for rows.Next() {
		r, err := scanRemote(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
