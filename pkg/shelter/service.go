// Package shelter wires the stores, the sync engine, the publication builder
// and the task dispatcher into the operations exposed by the API and CLI.
package shelter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ipanova/pulp-shelter/pkg/artifacts"
	"github.com/ipanova/pulp-shelter/pkg/config"
	"github.com/ipanova/pulp-shelter/pkg/content"
	"github.com/ipanova/pulp-shelter/pkg/manifest"
	"github.com/ipanova/pulp-shelter/pkg/observability"
	"github.com/ipanova/pulp-shelter/pkg/publication"
	"github.com/ipanova/pulp-shelter/pkg/remote"
	"github.com/ipanova/pulp-shelter/pkg/repository"
	"github.com/ipanova/pulp-shelter/pkg/store"
	"github.com/ipanova/pulp-shelter/pkg/sync"
	"github.com/ipanova/pulp-shelter/pkg/tasking"
)

// ErrInvalid marks a request rejected before any work was done.
var ErrInvalid = errors.New("invalid request")

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
}

// Fetcher downloads manifests and artifacts.
type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// Deps are the collaborators of a Service.
type Deps struct {
	Store   store.Backend
	Blobs   artifacts.Store
	Fetcher Fetcher
	// Locker defaults to a tasking.MemoryLocker.
	Locker        tasking.Locker
	Observability *observability.Provider
	Logger        *slog.Logger
}

// Service implements the shelter operations.
type Service struct {
	store    store.Backend
	blobs    artifacts.Store
	resolver *artifacts.Resolver
	engine   *sync.Engine
	builder  *publication.Builder
	tasks    *tasking.Dispatcher
	dedup    *content.Deduplicator
	queries  *content.QueryEngine
	outbound config.OutboundPolicy
	obs      *observability.Provider
	logger   *slog.Logger
}

// New builds a Service from cfg and deps.
func New(cfg *config.Config, deps Deps) (*Service, error) {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	reader, err := manifest.NewReader(deps.Fetcher, cfg.ManifestTimeout, logger)
	if err != nil {
		return nil, err
	}
	queries, err := content.NewQueryEngine()
	if err != nil {
		return nil, err
	}
	resolver := artifacts.NewResolver(deps.Blobs, deps.Fetcher, cfg.DownloadTimeout, logger)

	engine := sync.NewEngine(deps.Store, deps.Store, reader, resolver, sync.Options{
		Workers:         cfg.SyncWorkers,
		FailOnUnitError: cfg.FailOnUnitError,
		Observability:   deps.Observability,
	}, logger)
	builder := publication.NewBuilder(deps.Store, deps.Store, deps.Blobs, deps.Store, publication.Options{
		ManifestFile: cfg.ManifestFile,
	}, logger)

	return &Service{
		store:    deps.Store,
		blobs:    deps.Blobs,
		resolver: resolver,
		engine:   engine,
		builder:  builder,
		tasks:    tasking.NewDispatcher(deps.Store, deps.Locker, logger),
		dedup:    content.NewDeduplicator(deps.Store, logger),
		queries:  queries,
		outbound: cfg.Outbound,
		obs:      deps.Observability,
		logger:   logger.With("component", "shelter"),
	}, nil
}

// Shutdown cancels running tasks and waits for them to settle.
func (s *Service) Shutdown(ctx context.Context) error {
	return s.tasks.Shutdown(ctx)
}

// Store exposes the backend for read-only listings.
func (s *Service) Store() store.Backend {
	return s.store
}

// CreateRepository creates a repository with its empty version 0.
func (s *Service) CreateRepository(ctx context.Context, name, description string) (*repository.Repository, *repository.Version, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, nil, invalid("repository name is required")
	}
	repo := &repository.Repository{Name: name, Description: description}
	v, err := s.store.CreateRepository(ctx, repo)
	if err != nil {
		return nil, nil, err
	}
	s.logger.InfoContext(ctx, "repository created", "repository", repo.ID, "name", name)
	return repo, v, nil
}

// LookupRepository finds a repository by id or name.
func (s *Service) LookupRepository(ctx context.Context, ref string) (*repository.Repository, error) {
	repo, err := s.store.Repository(ctx, ref)
	if errors.Is(err, repository.ErrNotFound) {
		return s.store.RepositoryByName(ctx, ref)
	}
	return repo, err
}

// LookupVersion returns version number of the repository, or the latest
// version when number is negative.
func (s *Service) LookupVersion(ctx context.Context, repositoryID string, number int) (*repository.Version, error) {
	if number < 0 {
		return s.store.LatestVersion(ctx, repositoryID)
	}
	return s.store.VersionByNumber(ctx, repositoryID, number)
}

// CreateRemote registers a manifest source.
func (s *Service) CreateRemote(ctx context.Context, name, rawURL, policy string) (*remote.Remote, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, invalid("remote name is required")
	}
	u, err := remote.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if err := s.outbound.CheckURL(u.String()); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	p, err := content.ParsePolicy(policy)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	rem := &remote.Remote{Name: name, URL: u.String(), Policy: p}
	if err := s.store.CreateRemote(ctx, rem); err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "remote created", "remote", rem.ID, "name", name, "policy", string(p))
	return rem, nil
}

// LookupRemote finds a remote by id or name.
func (s *Service) LookupRemote(ctx context.Context, ref string) (*remote.Remote, error) {
	rem, err := s.store.Remote(ctx, ref)
	if errors.Is(err, remote.ErrNotFound) {
		return s.store.RemoteByName(ctx, ref)
	}
	return rem, err
}

func repositoryReservation(id string) string { return "repository:" + id }
func remoteReservation(id string) string     { return "remote:" + id }

// Sync enqueues a sync of the repository from the remote. The task result
// is the sync.Report.
func (s *Service) Sync(ctx context.Context, repositoryID, remoteID string, mirror bool) (*tasking.Task, error) {
	repo, err := s.store.Repository(ctx, repositoryID)
	if err != nil {
		return nil, err
	}
	rem, err := s.store.Remote(ctx, remoteID)
	if err != nil {
		return nil, err
	}
	if err := s.outbound.CheckURL(rem.URL); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	name := fmt.Sprintf("sync %s from %s", repo.Name, rem.Name)
	return s.tasks.Enqueue(ctx, name, []string{repositoryReservation(repo.ID), remoteReservation(rem.ID)},
		func(ctx context.Context) (any, error) {
			return s.engine.Sync(ctx, repo.ID, rem, mirror)
		})
}

// Publish enqueues a publication of the version. The task result is the
// publication.
func (s *Service) Publish(ctx context.Context, versionID string) (*tasking.Task, error) {
	v, err := s.store.Version(ctx, versionID)
	if err != nil {
		return nil, err
	}
	name := fmt.Sprintf("publish version %d of %s", v.Number, v.RepositoryID)
	return s.tasks.Enqueue(ctx, name, []string{repositoryReservation(v.RepositoryID)},
		func(ctx context.Context) (any, error) {
			ctx, done := s.obs.TrackOperation(ctx, "publish", observability.PublishOperation(v.ID)...)
			pub, err := s.builder.Publish(ctx, v.ID)
			done(err)
			if err != nil {
				return nil, err
			}
			return pub, nil
		})
}

// Task returns a task.
func (s *Service) Task(ctx context.Context, id string) (*tasking.Task, error) {
	return s.tasks.Get(ctx, id)
}

// Tasks lists tasks, newest first.
func (s *Service) Tasks(ctx context.Context) ([]*tasking.Task, error) {
	return s.tasks.List(ctx)
}

// WaitTask blocks until the task finishes.
func (s *Service) WaitTask(ctx context.Context, id string) (*tasking.Task, error) {
	return s.tasks.Wait(ctx, id)
}

// ContentQuery narrows a content listing.
type ContentQuery struct {
	content.Filter
	// VersionID restricts the listing to one repository version.
	VersionID string
	// Where is a CEL expression over the animal fields.
	Where string
}

// ListContent returns the units matching q.
func (s *Service) ListContent(ctx context.Context, q ContentQuery) ([]*content.Unit, error) {
	var where *content.Query
	if q.Where != "" {
		var err error
		if where, err = s.queries.Compile(q.Where); err != nil {
			return nil, fmt.Errorf("%w: where: %v", ErrInvalid, err)
		}
		s.logger.DebugContext(ctx, "content query", "where", q.Where, "fields", where.Fields())
	}

	f := q.Filter
	if q.VersionID != "" {
		ids, err := s.store.ContentIDs(ctx, q.VersionID)
		if err != nil {
			return nil, err
		}
		if len(ids) == 0 {
			return []*content.Unit{}, nil
		}
		f.IDs = ids
	}
	units, err := s.store.List(ctx, f)
	if err != nil {
		return nil, err
	}
	if where == nil {
		return units, nil
	}
	return where.Select(units)
}
