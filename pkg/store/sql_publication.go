package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/ipanova/pulp-shelter/pkg/publication"
)

// CreatePublication writes the publication with its artifacts and metadata
// in one transaction.
func (s *SQL) CreatePublication(ctx context.Context, p *publication.Publication) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, s.q(`INSERT INTO publications (id, repository_id, version_id, version_number, created_at)
			VALUES (?, ?, ?, ?, ?)`),
			p.ID, p.RepositoryID, p.VersionID, p.VersionNumber, formatTime(p.CreatedAt)); err != nil {
			return fmt.Errorf("failed to insert publication: %w", err)
		}
		for _, a := range p.Artifacts {
			if _, err := tx.ExecContext(ctx, s.q(`INSERT INTO published_artifacts (publication_id, relative_path, content_artifact_id, content_id)
				VALUES (?, ?, ?, ?)`), p.ID, a.RelativePath, a.ContentArtifactID, a.ContentID); err != nil {
				if isUniqueViolation(err) {
					return fmt.Errorf("%w: %q", publication.ErrPathConflict, a.RelativePath)
				}
				return fmt.Errorf("failed to insert published artifact: %w", err)
			}
		}
		for _, m := range p.Metadata {
			if _, err := tx.ExecContext(ctx, s.q(`INSERT INTO published_metadata (publication_id, relative_path, digest)
				VALUES (?, ?, ?)`), p.ID, m.RelativePath, m.Digest); err != nil {
				return fmt.Errorf("failed to insert published metadata: %w", err)
			}
		}
		return nil
	})
}

func (s *SQL) Publication(ctx context.Context, id string) (*publication.Publication, error) {
	var (
		p         publication.Publication
		createdAt string
	)
	err := s.db.QueryRowContext(ctx, s.q(`SELECT id, repository_id, version_id, version_number, created_at
		FROM publications WHERE id = ?`), id).Scan(&p.ID, &p.RepositoryID, &p.VersionID, &p.VersionNumber, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, publication.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	p.CreatedAt = parseTime(createdAt)

	if p.Artifacts, err = s.publishedArtifacts(ctx, id); err != nil {
		return nil, err
	}
	if p.Metadata, err = s.publishedMetadata(ctx, id); err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *SQL) publishedArtifacts(ctx context.Context, id string) ([]publication.PublishedArtifact, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT relative_path, content_artifact_id, content_id
		FROM published_artifacts WHERE publication_id = ? ORDER BY relative_path`), id)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := []publication.PublishedArtifact{}
	for rows.Next() {
		var a publication.PublishedArtifact
		if err := rows.Scan(&a.RelativePath, &a.ContentArtifactID, &a.ContentID); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *SQL) publishedMetadata(ctx context.Context, id string) ([]publication.PublishedMetadata, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT relative_path, digest
		FROM published_metadata WHERE publication_id = ? ORDER BY relative_path`), id)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := []publication.PublishedMetadata{}
	for rows.Next() {
		var m publication.PublishedMetadata
		if err := rows.Scan(&m.RelativePath, &m.Digest); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *SQL) Publications(ctx context.Context, repositoryID string) ([]*publication.Publication, error) {
	query := `SELECT id FROM publications`
	var args []any
	if repositoryID != "" {
		query += ` WHERE repository_id = ?`
		args = append(args, repositoryID)
	}
	query += ` ORDER BY created_at DESC, id`

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]*publication.Publication, 0, len(ids))
	for _, id := range ids {
		p, err := s.Publication(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}
