package publication

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ipanova/pulp-shelter/pkg/artifacts"
	"github.com/ipanova/pulp-shelter/pkg/content"
	"github.com/ipanova/pulp-shelter/pkg/manifest"
	"github.com/ipanova/pulp-shelter/pkg/repository"
)

// Options configures a Builder.
type Options struct {
	// ManifestFile is the relative path of the generated manifest.
	// Defaults to manifest.DefaultFile.
	ManifestFile string
	// RequireContent makes publishing an empty version fail with
	// ErrEmptyVersion.
	RequireContent bool
}

// Builder publishes repository versions.
type Builder struct {
	repos     repository.Store
	content   content.Store
	artifacts artifacts.Store
	store     Store
	opts      Options
	logger    *slog.Logger
	now       func() time.Time
}

// NewBuilder creates a Builder.
func NewBuilder(repos repository.Store, cs content.Store, as artifacts.Store, ps Store, opts Options, logger *slog.Logger) *Builder {
	if opts.ManifestFile == "" {
		opts.ManifestFile = manifest.DefaultFile
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Builder{
		repos:     repos,
		content:   cs,
		artifacts: as,
		store:     ps,
		opts:      opts,
		logger:    logger.With("component", "publisher"),
		now:       time.Now,
	}
}

// Publish builds and persists a publication of the version with versionID.
// Nothing is visible if any step fails.
func (b *Builder) Publish(ctx context.Context, versionID string) (*Publication, error) {
	version, err := b.repos.Version(ctx, versionID)
	if err != nil {
		return nil, err
	}
	ids, err := b.repos.ContentIDs(ctx, version.ID)
	if err != nil {
		return nil, fmt.Errorf("list content of version %d: %w", version.Number, err)
	}
	if len(ids) == 0 && b.opts.RequireContent {
		return nil, ErrEmptyVersion
	}

	pub := &Publication{
		ID:            uuid.NewString(),
		RepositoryID:  version.RepositoryID,
		VersionID:     version.ID,
		VersionNumber: version.Number,
		CreatedAt:     b.now().UTC(),
		Artifacts:     []PublishedArtifact{},
	}
	claimed := map[string]string{b.opts.ManifestFile: "manifest"}
	entries := make([]manifest.Entry, 0, len(ids))

	for _, id := range ids {
		unit, err := b.content.Get(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("load content %s: %w", id, err)
		}
		cas, err := b.content.ContentArtifacts(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("load artifacts of %s: %w", id, err)
		}
		for _, ca := range cas {
			if owner, taken := claimed[ca.RelativePath]; taken {
				return nil, fmt.Errorf("%w: %q (%s, %s)", ErrPathConflict, ca.RelativePath, owner, ca.ID)
			}
			claimed[ca.RelativePath] = ca.ID
			pub.Artifacts = append(pub.Artifacts, PublishedArtifact{
				RelativePath:      ca.RelativePath,
				ContentArtifactID: ca.ID,
				ContentID:         id,
			})
		}
		entries = append(entries, manifest.EntryFor(unit))
	}

	doc, err := manifest.Encode(entries)
	if err != nil {
		return nil, err
	}
	digest, err := b.artifacts.Store(ctx, doc)
	if err != nil {
		return nil, fmt.Errorf("store manifest: %w", err)
	}
	pub.Metadata = []PublishedMetadata{{RelativePath: b.opts.ManifestFile, Digest: digest}}

	if err := b.store.CreatePublication(ctx, pub); err != nil {
		return nil, fmt.Errorf("save publication: %w", err)
	}
	b.logger.InfoContext(ctx, "publication created",
		"publication", pub.ID,
		"repository", pub.RepositoryID,
		"version", pub.VersionNumber,
		"units", len(entries),
		"artifacts", len(pub.Artifacts),
	)
	return pub, nil
}
