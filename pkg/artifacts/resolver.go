package artifacts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/ipanova/pulp-shelter/pkg/content"
)

// Fetcher downloads the bytes at a URL.
type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// Resolved is the outcome of resolving one declared artifact.
type Resolved struct {
	// Artifact carries the relative path and either the stored digest or,
	// when deferred, the remote location and expectations. ID and ContentID
	// are left for the caller.
	Artifact content.ContentArtifact
	// Fetched is true when bytes were downloaded for this call.
	Fetched bool
}

// Resolver turns declared artifacts into content associations according to a
// download policy.
type Resolver struct {
	store   Store
	fetcher Fetcher
	timeout time.Duration
	logger  *slog.Logger
}

// NewResolver creates a Resolver. timeout bounds each artifact fetch; zero
// leaves it to the fetcher.
func NewResolver(store Store, fetcher Fetcher, timeout time.Duration, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		store:   store,
		fetcher: fetcher,
		timeout: timeout,
		logger:  logger.With("component", "artifact_resolver"),
	}
}

// Resolve applies policy to da. With PolicyImmediate the bytes are stored
// (reusing an existing artifact with the declared digest without fetching);
// with PolicyOnDemand nothing is downloaded.
func (r *Resolver) Resolve(ctx context.Context, da content.DeclaredArtifact, policy content.Policy) (Resolved, error) {
	if da.RelativePath == "" {
		return Resolved{}, fmt.Errorf("declared artifact %s has no relative path", da.URL)
	}
	ca := content.ContentArtifact{
		RelativePath:   da.RelativePath,
		ExpectedDigest: da.Digest,
		ExpectedSize:   da.Size,
	}

	switch policy {
	case content.PolicyOnDemand:
		ca.RemoteURL = da.URL
		return Resolved{Artifact: ca}, nil
	case content.PolicyImmediate, "":
	default:
		return Resolved{}, fmt.Errorf("unknown download policy %q", policy)
	}

	if da.Digest != "" {
		if _, err := ParseDigest(da.Digest); err != nil {
			return Resolved{}, &IntegrityError{URL: da.URL, Field: "digest", Expected: "sha256:<hex>", Actual: da.Digest}
		}
		ok, err := r.store.Exists(ctx, da.Digest)
		if err != nil {
			return Resolved{}, fmt.Errorf("check artifact %s: %w", da.Digest, err)
		}
		if ok {
			ca.ArtifactDigest = da.Digest
			return Resolved{Artifact: ca}, nil
		}
	}

	digest, err := r.download(ctx, da.URL, da.Digest, da.Size)
	if err != nil {
		return Resolved{}, err
	}
	ca.ArtifactDigest = digest
	return Resolved{Artifact: ca, Fetched: true}, nil
}

// Materialize returns the bytes behind ca. A deferred association is fetched
// from its remote URL and stored; the returned association carries the new
// digest so the caller can persist it.
func (r *Resolver) Materialize(ctx context.Context, ca content.ContentArtifact) (content.ContentArtifact, []byte, error) {
	if !ca.Deferred() {
		data, err := r.store.Get(ctx, ca.ArtifactDigest)
		return ca, data, err
	}
	if ca.RemoteURL == "" {
		return ca, nil, fmt.Errorf("deferred artifact %s has no remote url", ca.RelativePath)
	}
	if ca.ExpectedDigest != "" {
		if data, err := r.store.Get(ctx, ca.ExpectedDigest); err == nil {
			ca.ArtifactDigest = ca.ExpectedDigest
			return ca, data, nil
		} else if !errors.Is(err, ErrNotFound) {
			return ca, nil, err
		}
	}

	data, err := r.fetch(ctx, ca.RemoteURL)
	if err != nil {
		return ca, nil, err
	}
	digest, err := r.verifyAndStore(ctx, ca.RemoteURL, data, ca.ExpectedDigest, ca.ExpectedSize)
	if err != nil {
		return ca, nil, err
	}
	r.logger.InfoContext(ctx, "materialized deferred artifact", "path", ca.RelativePath, "digest", digest)
	ca.ArtifactDigest = digest
	return ca, data, nil
}

func (r *Resolver) download(ctx context.Context, url, expectDigest string, expectSize int64) (string, error) {
	data, err := r.fetch(ctx, url)
	if err != nil {
		return "", err
	}
	return r.verifyAndStore(ctx, url, data, expectDigest, expectSize)
}

func (r *Resolver) fetch(ctx context.Context, url string) ([]byte, error) {
	if r.fetcher == nil {
		return nil, &FetchError{URL: url, Err: errors.New("no fetcher configured")}
	}
	fctx := ctx
	if r.timeout > 0 {
		var cancel context.CancelFunc
		fctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}
	data, err := r.fetcher.Fetch(fctx, url)
	if err != nil {
		return nil, &FetchError{URL: url, Err: err}
	}
	return data, nil
}

func (r *Resolver) verifyAndStore(ctx context.Context, url string, data []byte, expectDigest string, expectSize int64) (string, error) {
	if expectSize > 0 && int64(len(data)) != expectSize {
		return "", &IntegrityError{
			URL:      url,
			Field:    "size",
			Expected: strconv.FormatInt(expectSize, 10),
			Actual:   strconv.Itoa(len(data)),
		}
	}
	digest := Digest(data)
	if expectDigest != "" && expectDigest != digest {
		return "", &IntegrityError{URL: url, Field: "digest", Expected: expectDigest, Actual: digest}
	}

	// Store is a no-op when the digest already exists, so fresh bytes of a
	// known artifact are discarded.
	stored, err := r.store.Store(ctx, data)
	if err != nil {
		return "", fmt.Errorf("store artifact from %s: %w", url, err)
	}
	return stored, nil
}
