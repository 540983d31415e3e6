// Package publication serializes a repository version into a manifest
// document plus a relative-path layout of its artifacts.
package publication

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a publication does not exist.
	ErrNotFound = errors.New("publication not found")
	// ErrEmptyVersion is returned when publishing a version with no content
	// and the builder requires content.
	ErrEmptyVersion = errors.New("repository version has no content to publish")
	// ErrPathConflict is returned when two artifacts claim the same relative path.
	ErrPathConflict = errors.New("two artifacts claim the same relative path")
)

// Publication is a published, immutable view of one repository version.
type Publication struct {
	ID            string              `json:"id"`
	RepositoryID  string              `json:"repository_id"`
	VersionID     string              `json:"version_id"`
	VersionNumber int                 `json:"version_number"`
	CreatedAt     time.Time           `json:"created_at"`
	Artifacts     []PublishedArtifact `json:"artifacts"`
	Metadata      []PublishedMetadata `json:"metadata"`
}

// PublishedArtifact places a content artifact at a relative path.
type PublishedArtifact struct {
	RelativePath      string `json:"relative_path"`
	ContentArtifactID string `json:"content_artifact_id"`
	ContentID         string `json:"content_id"`
}

// PublishedMetadata is a generated file, such as the manifest, stored in the
// artifact store.
type PublishedMetadata struct {
	RelativePath string `json:"relative_path"`
	Digest       string `json:"digest"`
}

// Lookup finds what is published at relPath. Exactly one of the results is
// non-nil when ok is true.
func (p *Publication) Lookup(relPath string) (art *PublishedArtifact, meta *PublishedMetadata, ok bool) {
	for i := range p.Metadata {
		if p.Metadata[i].RelativePath == relPath {
			return nil, &p.Metadata[i], true
		}
	}
	for i := range p.Artifacts {
		if p.Artifacts[i].RelativePath == relPath {
			return &p.Artifacts[i], nil, true
		}
	}
	return nil, nil, false
}

// Store persists publications. CreatePublication writes the publication and
// all of its rows atomically.
type Store interface {
	CreatePublication(ctx context.Context, p *Publication) error
	Publication(ctx context.Context, id string) (*Publication, error)
	// Publications lists publications, newest first. An empty repositoryID
	// lists all of them.
	Publications(ctx context.Context, repositoryID string) ([]*Publication, error)
}
