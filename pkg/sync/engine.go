// Package sync brings a repository in line with a remote shelter manifest.
//
// A sync streams the remote's declared content, resolves every entry to a
// persisted unit and its artifacts on a bounded worker pool, then commits at
// most one new repository version holding the difference.
package sync

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"slices"
	stdsync "sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/ipanova/pulp-shelter/pkg/artifacts"
	"github.com/ipanova/pulp-shelter/pkg/content"
	"github.com/ipanova/pulp-shelter/pkg/manifest"
	"github.com/ipanova/pulp-shelter/pkg/observability"
	"github.com/ipanova/pulp-shelter/pkg/remote"
	"github.com/ipanova/pulp-shelter/pkg/repository"
)

const (
	DefaultWorkers           = 5
	DefaultMaxCommitAttempts = 5
)

// Options tune an Engine.
type Options struct {
	// Workers bounds concurrent unit resolution. Zero means DefaultWorkers.
	Workers int
	// FailOnUnitError fails the sync, committing nothing, when any unit
	// could not be resolved. Otherwise failed units are left out.
	FailOnUnitError bool
	// MaxCommitAttempts bounds retries when another writer appends a
	// version first. Zero means DefaultMaxCommitAttempts.
	MaxCommitAttempts int
	// Observability is optional.
	Observability *observability.Provider
}

// Engine runs syncs.
type Engine struct {
	repos    repository.Store
	contents content.Store
	dedup    *content.Deduplicator
	reader   *manifest.Reader
	resolver *artifacts.Resolver
	opts     Options
	logger   *slog.Logger
}

// NewEngine creates an Engine.
func NewEngine(repos repository.Store, contents content.Store, reader *manifest.Reader, resolver *artifacts.Resolver, opts Options, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.MaxCommitAttempts <= 0 {
		opts.MaxCommitAttempts = DefaultMaxCommitAttempts
	}
	return &Engine{
		repos:    repos,
		contents: contents,
		dedup:    content.NewDeduplicator(contents, logger),
		reader:   reader,
		resolver: resolver,
		opts:     opts,
		logger:   logger.With("component", "sync"),
	}
}

// Sync synchronizes the repository with rem. With mirror the new version
// holds exactly the remote's content; otherwise remote content is added and
// nothing is removed. A sync that changes nothing creates no version.
//
// The returned report is never nil. Fatal errors (configuration, manifest
// fetch or parse, store failures, cancellation) leave the repository
// untouched.
func (e *Engine) Sync(ctx context.Context, repositoryID string, rem *remote.Remote, mirror bool) (rep *Report, err error) {
	rep = &Report{RepositoryID: repositoryID, Mirror: mirror, State: StateNotStarted}
	if rem != nil {
		rep.RemoteID = rem.ID
		rep.Policy = rem.Policy
	}

	policy, err := e.validate(ctx, repositoryID, rem)
	if err != nil {
		rep.fail(err)
		return rep, err
	}
	rep.Policy = policy

	ctx, done := e.opts.Observability.TrackOperation(ctx, "sync",
		observability.SyncOperation(repositoryID, rem.ID, mirror, string(policy))...)
	defer func() {
		trace.SpanFromContext(ctx).SetAttributes(spanAttrs(rep)...)
		e.opts.Observability.RecordUnits(ctx, rep.Added, rep.Removed, len(rep.Errors),
			observability.AttrRepositoryID.String(repositoryID))
		if err == nil {
			e.logger.InfoContext(ctx, "sync finished",
				"repository", repositoryID,
				"remote", rem.Name,
				"version", rep.versionNumber(),
				"added", rep.Added,
				"removed", rep.Removed,
				"unit_errors", len(rep.Errors),
			)
		} else {
			e.logger.ErrorContext(ctx, "sync failed", "repository", repositoryID, "remote", rem.Name, "error", err)
		}
		done(err)
	}()

	e.transition(ctx, rep, StateFetching)
	entries, err := e.reader.Read(ctx, rem)
	if err != nil {
		rep.fail(err)
		return rep, err
	}

	e.transition(ctx, rep, StateResolving)
	target, err := e.resolveAll(ctx, entries, policy, rep)
	if err != nil {
		rep.fail(err)
		return rep, err
	}
	if e.opts.FailOnUnitError && len(rep.Errors) > 0 {
		err = errors.Join(ErrUnitFailures, rep.Errors[0])
		rep.fail(err)
		return rep, err
	}

	e.transition(ctx, rep, StateDiffing)
	if err = e.commit(ctx, repositoryID, target, mirror, rep); err != nil {
		rep.fail(err)
		return rep, err
	}
	e.transition(ctx, rep, StateCommitted)
	return rep, nil
}

func (e *Engine) validate(ctx context.Context, repositoryID string, rem *remote.Remote) (content.Policy, error) {
	if rem == nil {
		return "", &ConfigurationError{Field: "remote", Err: errors.New("a remote is required")}
	}
	if _, err := remote.ParseURL(rem.URL); err != nil {
		return "", &ConfigurationError{Field: "url", Err: err}
	}
	policy, err := content.ParsePolicy(string(rem.Policy))
	if err != nil {
		return "", &ConfigurationError{Field: "policy", Err: err}
	}
	if _, err := e.repos.Repository(ctx, repositoryID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return "", &ConfigurationError{Field: "repository", Err: err}
		}
		return "", fmt.Errorf("load repository %s: %w", repositoryID, err)
	}
	return policy, nil
}

func (e *Engine) transition(ctx context.Context, rep *Report, s State) {
	rep.State = s
	e.logger.DebugContext(ctx, "sync state", "repository", rep.RepositoryID, "state", string(s))
}

// resolveAll fans declared units out to the worker pool and returns the ids
// of every unit that resolved.
func (e *Engine) resolveAll(ctx context.Context, entries iter.Seq2[content.Declared, error], policy content.Policy, rep *Report) (map[string]struct{}, error) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.Workers)

	var mu stdsync.Mutex
	target := make(map[string]struct{})
	seen := make(map[content.NaturalKey]content.Attributes)
	pictures := make(map[string]content.NaturalKey)

	var streamErr error
	for dc, err := range entries {
		if err != nil {
			streamErr = err
			break
		}
		if gctx.Err() != nil {
			break
		}
		rep.Declared++

		dc.Key = dc.Key.Normalize()
		if first, dup := seen[dc.Key]; dup {
			if first != dc.Attrs {
				e.logger.WarnContext(gctx, "conflicting duplicate entry ignored", "key", dc.Key.String(), "index", rep.Declared-1)
				mu.Lock()
				rep.Duplicates = append(rep.Duplicates, dc.Key)
				mu.Unlock()
			}
			continue
		}
		seen[dc.Key] = dc.Attrs

		// First entry in manifest order keeps a contested picture.
		if pic := dc.Attrs.Picture; pic != "" {
			if owner, taken := pictures[pic]; taken {
				mu.Lock()
				rep.addError(UnitError{Key: dc.Key, Kind: KindArtifactIntegrity, Err: pictureTaken(pic, owner)})
				mu.Unlock()
				continue
			}
			pictures[pic] = dc.Key
		}

		g.Go(func() error {
			out, err := e.resolveUnit(gctx, dc, policy)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				kind, scoped := classify(err)
				if !scoped {
					return fmt.Errorf("resolve %s: %w", dc.Key, err)
				}
				e.logger.WarnContext(gctx, "content excluded from sync", "key", dc.Key.String(), "kind", string(kind), "error", err)
				rep.addError(UnitError{Key: dc.Key, Kind: kind, Err: err})
				return nil
			}
			target[out.id] = struct{}{}
			rep.count(out)
			return nil
		})
	}

	werr := g.Wait()
	rep.sortErrors()
	switch {
	case streamErr != nil:
		return nil, streamErr
	case werr != nil:
		return nil, werr
	case ctx.Err() != nil:
		return nil, ctx.Err()
	}
	return target, nil
}

type unitOutcome struct {
	id       string
	created  bool
	fetched  int
	deferred int
}

// resolveUnit makes sure the unit and all its artifacts exist. Artifacts are
// resolved before the unit is created so a failed download leaves no unit
// behind. A stored unit only ever gets its own picture linked.
func (e *Engine) resolveUnit(ctx context.Context, dc content.Declared, policy content.Policy) (unitOutcome, error) {
	id, err := dc.Key.ID()
	if err != nil {
		return unitOutcome{}, err
	}
	stored, err := e.contents.Get(ctx, id)
	switch {
	case err == nil:
		dc.Artifacts = e.storedPicture(ctx, stored, dc.Artifacts)
	case !errors.Is(err, content.ErrNotFound):
		return unitOutcome{}, fmt.Errorf("load content: %w", err)
	}
	existing, err := e.contents.ContentArtifacts(ctx, id)
	if err != nil {
		return unitOutcome{}, fmt.Errorf("load artifacts: %w", err)
	}
	have := make(map[string]content.ContentArtifact, len(existing))
	for _, ca := range existing {
		have[ca.RelativePath] = ca
	}

	var out unitOutcome
	var links []content.ContentArtifact
	for _, da := range dc.Artifacts {
		if ca, ok := have[da.RelativePath]; ok && (!ca.Deferred() || policy == content.PolicyOnDemand) {
			continue
		}
		res, err := e.resolver.Resolve(ctx, da, policy)
		if err != nil {
			return unitOutcome{}, err
		}
		if res.Fetched {
			out.fetched++
		}
		if res.Artifact.Deferred() {
			out.deferred++
		}
		links = append(links, res.Artifact)
	}

	r, err := e.dedup.Resolve(ctx, dc)
	if err != nil {
		if errors.Is(err, content.ErrPictureTaken) {
			return unitOutcome{}, &artifacts.IntegrityError{
				URL:      pictureURL(dc),
				Field:    "relative_path",
				Expected: "a picture no other animal uses",
				Actual:   dc.Attrs.Picture,
			}
		}
		return unitOutcome{}, err
	}
	out.id = r.ID
	out.created = r.IsNew
	if !r.IsNew && stored == nil {
		// Created by a concurrent sync since the lookup above.
		links = slices.DeleteFunc(links, func(ca content.ContentArtifact) bool {
			return ca.RelativePath != r.Unit.Attrs.Picture
		})
	}

	for _, ca := range links {
		ca.ContentID = r.ID
		ca.ID = content.ContentArtifactID(r.ID, ca.RelativePath)
		if err := e.contents.LinkArtifact(ctx, ca); err != nil {
			return unitOutcome{}, fmt.Errorf("link %s: %w", ca.RelativePath, err)
		}
	}
	return out, nil
}

// storedPicture keeps the declared artifacts at u's picture path. Units are
// write-once, so a re-declared unit cannot claim a new picture.
func (e *Engine) storedPicture(ctx context.Context, u *content.Unit, declared []content.DeclaredArtifact) []content.DeclaredArtifact {
	kept := declared[:0:0]
	for _, da := range declared {
		if da.RelativePath == u.Attrs.Picture {
			kept = append(kept, da)
			continue
		}
		e.logger.WarnContext(ctx, "ignoring changed picture of stored content",
			"key", u.Key.String(), "stored", u.Attrs.Picture, "declared", da.RelativePath)
	}
	return kept
}

// commit appends the version, recomputing the delta whenever another writer
// got there first.
func (e *Engine) commit(ctx context.Context, repositoryID string, target map[string]struct{}, mirror bool, rep *Report) error {
	ids := make([]string, 0, len(target))
	for id := range target {
		ids = append(ids, id)
	}

	for attempt := 1; ; attempt++ {
		latest, err := e.repos.LatestVersion(ctx, repositoryID)
		if err != nil {
			return fmt.Errorf("load latest version: %w", err)
		}
		current, err := e.repos.ContentIDs(ctx, latest.ID)
		if err != nil {
			return fmt.Errorf("load version %d content: %w", latest.Number, err)
		}
		rep.BaseVersion = latest.Number

		delta := repository.Diff(current, ids, mirror)
		if delta.Empty() {
			rep.Version = latest
			rep.Added, rep.Removed = 0, 0
			return nil
		}

		v, err := e.repos.CreateVersion(ctx, repositoryID, latest.Number, delta.Add, delta.Remove)
		if errors.Is(err, repository.ErrVersionConflict) && attempt < e.opts.MaxCommitAttempts {
			e.logger.InfoContext(ctx, "repository changed during sync, retrying commit",
				"repository", repositoryID, "base", latest.Number, "attempt", attempt)
			continue
		}
		if err != nil {
			return fmt.Errorf("commit version %d: %w", latest.Number+1, err)
		}
		rep.Version = v
		rep.NewVersion = true
		rep.Added, rep.Removed = len(delta.Add), len(delta.Remove)
		return nil
	}
}

func pictureTaken(picture string, owner content.NaturalKey) error {
	return &artifacts.IntegrityError{
		URL:      picture,
		Field:    "relative_path",
		Expected: "a picture no other animal uses",
		Actual:   fmt.Sprintf("%s already declared by %s", picture, owner),
	}
}

func pictureURL(dc content.Declared) string {
	for _, da := range dc.Artifacts {
		if da.RelativePath == dc.Attrs.Picture {
			return da.URL
		}
	}
	return dc.Attrs.Picture
}

// spanAttrs summarizes a report for tracing.
func spanAttrs(rep *Report) []attribute.KeyValue {
	return []attribute.KeyValue{
		observability.AttrUnitsAdded.Int(rep.Added),
		observability.AttrUnitsRemoved.Int(rep.Removed),
		observability.AttrUnitErrors.Int(len(rep.Errors)),
		observability.AttrVersionNumber.Int(rep.versionNumber()),
	}
}
