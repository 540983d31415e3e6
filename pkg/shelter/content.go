package shelter

import (
	"context"
	"errors"
	"fmt"

	"github.com/ipanova/pulp-shelter/pkg/artifacts"
	"github.com/ipanova/pulp-shelter/pkg/content"
	"github.com/ipanova/pulp-shelter/pkg/manifest"
	"github.com/ipanova/pulp-shelter/pkg/publication"
	"github.com/ipanova/pulp-shelter/pkg/repository"
)

const maxVersionAttempts = 5

// UploadArtifact stores data and returns its digest.
func (s *Service) UploadArtifact(ctx context.Context, data []byte) (string, error) {
	if len(data) == 0 {
		return "", invalid("artifact is empty")
	}
	return s.blobs.Store(ctx, data)
}

// NewContent describes an animal created from an uploaded picture.
type NewContent struct {
	manifest.Entry
	// Artifact is the digest of the uploaded picture.
	Artifact string `json:"artifact"`
	// Repository, when set, receives the unit in a new version.
	Repository string `json:"repository,omitempty"`
}

// CreateContent creates (or finds) the unit described by req and links its
// picture. The returned version is nil unless req.Repository was set and the
// unit was not already in it.
func (s *Service) CreateContent(ctx context.Context, req NewContent) (*content.Unit, *repository.Version, error) {
	if req.Artifact == "" {
		return nil, nil, invalid("artifact is required")
	}
	if req.Picture == "" {
		return nil, nil, invalid("picture is required")
	}
	entry, err := manifest.ValidateEntry(req.Entry)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if _, err := artifacts.ParseDigest(req.Artifact); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	ok, err := s.blobs.Exists(ctx, req.Artifact)
	if err != nil {
		return nil, nil, err
	}
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", artifacts.ErrNotFound, req.Artifact)
	}

	var repo *repository.Repository
	if req.Repository != "" {
		if repo, err = s.LookupRepository(ctx, req.Repository); err != nil {
			return nil, nil, err
		}
	}

	dc := content.Declared{Key: entry.Key(), Attrs: entry.Attributes()}
	if err := content.ValidateKey(dc.Key.Normalize()); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	res, err := s.dedup.Resolve(ctx, dc)
	if err != nil {
		return nil, nil, err
	}
	if stored := res.Unit.Attrs.Picture; !res.IsNew && stored != entry.Picture {
		return nil, nil, fmt.Errorf("%w: %s already has picture %q", content.ErrContentConflict, res.Unit.Key, stored)
	}
	if err := s.store.LinkArtifact(ctx, content.ContentArtifact{
		ID:             content.ContentArtifactID(res.ID, entry.Picture),
		ContentID:      res.ID,
		RelativePath:   entry.Picture,
		ArtifactDigest: req.Artifact,
	}); err != nil {
		return nil, nil, err
	}
	unit, err := s.store.Get(ctx, res.ID)
	if err != nil {
		return nil, nil, err
	}
	s.logger.InfoContext(ctx, "content created", "content", unit.ID, "key", unit.Key.String(), "new", res.IsNew)

	if repo == nil {
		return unit, nil, nil
	}
	v, err := s.addToRepository(ctx, repo.ID, unit.ID)
	return unit, v, err
}

// addToRepository appends a version holding id, retrying when another
// writer commits first.
func (s *Service) addToRepository(ctx context.Context, repositoryID, id string) (*repository.Version, error) {
	for attempt := 1; ; attempt++ {
		latest, err := s.store.LatestVersion(ctx, repositoryID)
		if err != nil {
			return nil, err
		}
		current, err := s.store.ContentIDs(ctx, latest.ID)
		if err != nil {
			return nil, err
		}
		delta := repository.Diff(current, []string{id}, false)
		if delta.Empty() {
			return nil, nil
		}
		v, err := s.store.CreateVersion(ctx, repositoryID, latest.Number, delta.Add, nil)
		if errors.Is(err, repository.ErrVersionConflict) && attempt < maxVersionAttempts {
			continue
		}
		return v, err
	}
}

// LatestPublication returns the newest publication of a repository.
func (s *Service) LatestPublication(ctx context.Context, repositoryID string) (*publication.Publication, error) {
	pubs, err := s.store.Publications(ctx, repositoryID)
	if err != nil {
		return nil, err
	}
	if len(pubs) == 0 {
		return nil, publication.ErrNotFound
	}
	return pubs[0], nil
}

// Open returns the bytes published at relPath. A deferred artifact is
// downloaded, stored and recorded on first read.
func (s *Service) Open(ctx context.Context, pub *publication.Publication, relPath string) ([]byte, error) {
	art, meta, ok := pub.Lookup(relPath)
	if !ok {
		return nil, fmt.Errorf("%w: %s", publication.ErrNotFound, relPath)
	}
	if meta != nil {
		return s.blobs.Get(ctx, meta.Digest)
	}

	cas, err := s.store.ContentArtifacts(ctx, art.ContentID)
	if err != nil {
		return nil, err
	}
	for _, ca := range cas {
		if ca.ID != art.ContentArtifactID {
			continue
		}
		if !ca.Deferred() {
			return s.blobs.Get(ctx, ca.ArtifactDigest)
		}
		done, data, err := s.resolver.Materialize(ctx, ca)
		if err != nil {
			return nil, err
		}
		if err := s.store.LinkArtifact(ctx, done); err != nil {
			return nil, err
		}
		return data, nil
	}
	return nil, fmt.Errorf("%w: %s", artifacts.ErrNotFound, relPath)
}
