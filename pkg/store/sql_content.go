package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/ipanova/pulp-shelter/pkg/content"
)

const unitColumns = `id, species, breed, name, shelter, age, sex, weight, bio, reserved, picture, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUnit(row rowScanner) (*content.Unit, error) {
	var (
		u         content.Unit
		sex       string
		createdAt string
	)
	err := row.Scan(&u.ID, &u.Key.Species, &u.Key.Breed, &u.Key.Name, &u.Key.Shelter,
		&u.Attrs.Age, &sex, &u.Attrs.Weight, &u.Attrs.Bio, &u.Attrs.Reserved, &u.Attrs.Picture, &createdAt)
	if err != nil {
		return nil, err
	}
	u.Attrs.Sex = content.Sex(sex)
	u.CreatedAt = parseTime(createdAt)
	return &u, nil
}

func (s *SQL) FindByNaturalKey(ctx context.Context, key content.NaturalKey) (*content.Unit, error) {
	key = key.Normalize()
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+unitColumns+` FROM content_units
		WHERE species = ? AND breed = ? AND name = ? AND shelter = ?`),
		key.Species, key.Breed, key.Name, key.Shelter)
	u, err := scanUnit(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, content.ErrNotFound
	}
	return u, err
}

func (s *SQL) Create(ctx context.Context, u *content.Unit) error {
	key := u.Key.Normalize()
	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO content_units (`+unitColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		u.ID, key.Species, key.Breed, key.Name, key.Shelter,
		u.Attrs.Age, string(u.Attrs.Sex), u.Attrs.Weight, u.Attrs.Bio, u.Attrs.Reserved, u.Attrs.Picture,
		formatTime(u.CreatedAt))
	if err == nil {
		return nil
	}
	if !isUniqueViolation(err) {
		return fmt.Errorf("failed to insert content: %w", err)
	}

	// Tell a natural key race apart from a picture collision.
	var n int
	cerr := s.db.QueryRowContext(ctx, s.q(`SELECT COUNT(*) FROM content_units
		WHERE id = ? OR (species = ? AND breed = ? AND name = ? AND shelter = ?)`),
		u.ID, key.Species, key.Breed, key.Name, key.Shelter).Scan(&n)
	if cerr != nil {
		return fmt.Errorf("failed to classify content conflict: %w", cerr)
	}
	if n > 0 {
		return content.ErrContentConflict
	}
	return content.ErrPictureTaken
}

func (s *SQL) Get(ctx context.Context, id string) (*content.Unit, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+unitColumns+` FROM content_units WHERE id = ?`), id)
	u, err := scanUnit(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, content.ErrNotFound
	}
	return u, err
}

func (s *SQL) List(ctx context.Context, f content.Filter) ([]*content.Unit, error) {
	var (
		where []string
		args  []any
	)
	if f.Species != "" {
		where = append(where, "species = ?")
		args = append(args, f.Species)
	}
	if f.Breed != "" {
		where = append(where, "breed = ?")
		args = append(args, f.Breed)
	}
	if f.Shelter != "" {
		where = append(where, "shelter = ?")
		args = append(args, f.Shelter)
	}
	if len(f.IDs) > 0 {
		where = append(where, "id IN ("+placeholders(len(f.IDs))+")")
		for _, id := range f.IDs {
			args = append(args, id)
		}
	}
	query := `SELECT ` + unitColumns + ` FROM content_units`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY id`

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	units := []*content.Unit{}
	for rows.Next() {
		u, err := scanUnit(rows)
		if err != nil {
			return nil, err
		}
		units = append(units, u)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return units, nil
}

func (s *SQL) ContentArtifacts(ctx context.Context, contentID string) ([]content.ContentArtifact, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT id, content_id, relative_path, artifact_digest, remote_url, expected_digest, expected_size
		FROM content_artifacts WHERE content_id = ? ORDER BY relative_path`), contentID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := []content.ContentArtifact{}
	for rows.Next() {
		var ca content.ContentArtifact
		if err := rows.Scan(&ca.ID, &ca.ContentID, &ca.RelativePath, &ca.ArtifactDigest,
			&ca.RemoteURL, &ca.ExpectedDigest, &ca.ExpectedSize); err != nil {
			return nil, err
		}
		out = append(out, ca)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *SQL) LinkArtifact(ctx context.Context, ca content.ContentArtifact) error {
	if ca.ArtifactDigest != "" {
		res, err := s.db.ExecContext(ctx, s.q(`UPDATE content_artifacts SET artifact_digest = ?
			WHERE id = ? AND artifact_digest = ''`), ca.ArtifactDigest, ca.ID)
		if err != nil {
			return fmt.Errorf("failed to complete content artifact: %w", err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			return nil
		}
	}
	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO content_artifacts
		(id, content_id, relative_path, artifact_digest, remote_url, expected_digest, expected_size)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING`),
		ca.ID, ca.ContentID, ca.RelativePath, ca.ArtifactDigest, ca.RemoteURL, ca.ExpectedDigest, ca.ExpectedSize)
	if err != nil {
		return fmt.Errorf("failed to link content artifact: %w", err)
	}
	return nil
}
