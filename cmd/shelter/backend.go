package main

import (
	"context"
	"flag"
	"io"
	"os"

	"github.com/ipanova/pulp-shelter/pkg/client"
	"github.com/ipanova/pulp-shelter/pkg/config"
	"github.com/ipanova/pulp-shelter/pkg/content"
	"github.com/ipanova/pulp-shelter/pkg/remote"
	"github.com/ipanova/pulp-shelter/pkg/repository"
	"github.com/ipanova/pulp-shelter/pkg/shelter"
	"github.com/ipanova/pulp-shelter/pkg/tasking"
)

// backend is what the resource commands run against: a remote server or a
// runtime opened in this process.
type backend interface {
	CreateRepository(ctx context.Context, name, description string) (*repository.Repository, error)
	Repositories(ctx context.Context) ([]*repository.Repository, error)
	Versions(ctx context.Context, repo string) ([]*repository.Version, error)
	CreateRemote(ctx context.Context, name, url string, policy content.Policy) (*remote.Remote, error)
	Remotes(ctx context.Context) ([]*remote.Remote, error)
	Sync(ctx context.Context, repo, rem string, mirror bool) (*tasking.Task, error)
	Publish(ctx context.Context, repo string, number int) (*tasking.Task, error)
	Content(ctx context.Context, q client.ContentQuery) ([]*content.Unit, error)
	Task(ctx context.Context, id string) (*tasking.Task, error)
	Tasks(ctx context.Context) ([]*tasking.Task, error)
	WaitTask(ctx context.Context, id string) (*tasking.Task, error)
	// Local reports whether tasks die with the process.
	Local() bool
	Close(ctx context.Context) error
}

// serverFlag registers --server on cmd.
func serverFlag(cmd *flag.FlagSet) *string {
	return cmd.String("server", "", "Shelter server URL; empty runs against the configured database")
}

func openBackend(ctx context.Context, server string, stderr io.Writer) (backend, error) {
	if server != "" {
		c := newClient(server)
		if err := c.CheckServer(ctx); err != nil {
			return nil, err
		}
		return remoteBackend{c}, nil
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	rt, err := shelter.Open(ctx, cfg, newLogger(stderr, cfg.LogLevel, cfg.LogFormat))
	if err != nil {
		return nil, err
	}
	return &localBackend{rt: rt}, nil
}

// newClient builds an API client, authenticated by SHELTER_TOKEN when set.
func newClient(server string) *client.Client {
	return client.New(server, client.WithToken(os.Getenv("SHELTER_TOKEN")))
}

type remoteBackend struct {
	*client.Client
}

func (remoteBackend) Local() bool { return false }

func (remoteBackend) Close(ctx context.Context) error { return nil }

type localBackend struct {
	rt *shelter.Runtime
}

func (b *localBackend) Local() bool { return true }

func (b *localBackend) Close(ctx context.Context) error {
	return b.rt.Close(ctx)
}

func (b *localBackend) CreateRepository(ctx context.Context, name, description string) (*repository.Repository, error) {
	repo, _, err := b.rt.CreateRepository(ctx, name, description)
	return repo, err
}

func (b *localBackend) Repositories(ctx context.Context) ([]*repository.Repository, error) {
	return b.rt.Store().Repositories(ctx)
}

func (b *localBackend) Versions(ctx context.Context, ref string) ([]*repository.Version, error) {
	repo, err := b.rt.LookupRepository(ctx, ref)
	if err != nil {
		return nil, err
	}
	return b.rt.Store().Versions(ctx, repo.ID)
}

func (b *localBackend) CreateRemote(ctx context.Context, name, url string, policy content.Policy) (*remote.Remote, error) {
	return b.rt.CreateRemote(ctx, name, url, string(policy))
}

func (b *localBackend) Remotes(ctx context.Context) ([]*remote.Remote, error) {
	return b.rt.Store().Remotes(ctx)
}

func (b *localBackend) Sync(ctx context.Context, repoRef, remoteRef string, mirror bool) (*tasking.Task, error) {
	repo, err := b.rt.LookupRepository(ctx, repoRef)
	if err != nil {
		return nil, err
	}
	rem, err := b.rt.LookupRemote(ctx, remoteRef)
	if err != nil {
		return nil, err
	}
	return b.rt.Service.Sync(ctx, repo.ID, rem.ID, mirror)
}

func (b *localBackend) Publish(ctx context.Context, ref string, number int) (*tasking.Task, error) {
	repo, err := b.rt.LookupRepository(ctx, ref)
	if err != nil {
		return nil, err
	}
	v, err := b.rt.LookupVersion(ctx, repo.ID, number)
	if err != nil {
		return nil, err
	}
	return b.rt.Service.Publish(ctx, v.ID)
}

func (b *localBackend) Content(ctx context.Context, q client.ContentQuery) ([]*content.Unit, error) {
	cq := shelter.ContentQuery{
		Filter: content.Filter{Species: q.Species, Breed: q.Breed, Shelter: q.Shelter},
		Where:  q.Where,
	}
	if q.Repository != "" {
		repo, err := b.rt.LookupRepository(ctx, q.Repository)
		if err != nil {
			return nil, err
		}
		v, err := b.rt.LookupVersion(ctx, repo.ID, q.Version)
		if err != nil {
			return nil, err
		}
		cq.VersionID = v.ID
	}
	return b.rt.ListContent(ctx, cq)
}

func (b *localBackend) Task(ctx context.Context, id string) (*tasking.Task, error) {
	return b.rt.Service.Task(ctx, id)
}

func (b *localBackend) Tasks(ctx context.Context) ([]*tasking.Task, error) {
	return b.rt.Service.Tasks(ctx)
}

func (b *localBackend) WaitTask(ctx context.Context, id string) (*tasking.Task, error) {
	return b.rt.Service.WaitTask(ctx, id)
}
