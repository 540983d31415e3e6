package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ipanova/pulp-shelter/pkg/content"
	"github.com/ipanova/pulp-shelter/pkg/publication"
	"github.com/ipanova/pulp-shelter/pkg/remote"
	"github.com/ipanova/pulp-shelter/pkg/repository"
	"github.com/ipanova/pulp-shelter/pkg/tasking"
)

type membership struct {
	contentID string
	added     int
	removed   int // 0 while still present
}

// Memory is an in-memory implementation of every shelter store. It is used
// by tests and by one-shot CLI runs.
type Memory struct {
	mu  sync.RWMutex
	now func() time.Time

	units     map[string]*content.Unit
	byKey     map[content.NaturalKey]string
	byPicture map[string]string
	cas       map[string]map[string]content.ContentArtifact

	repos      map[string]*repository.Repository
	repoByName map[string]string
	versions   map[string][]*repository.Version
	members    map[string][]*membership

	remotes      map[string]*remote.Remote
	remoteByName map[string]string

	publications map[string]*publication.Publication
	tasks        map[string]*tasking.Task
}

// NewMemory creates an empty Memory store.
func NewMemory() *Memory {
	return &Memory{
		now:          time.Now,
		units:        make(map[string]*content.Unit),
		byKey:        make(map[content.NaturalKey]string),
		byPicture:    make(map[string]string),
		cas:          make(map[string]map[string]content.ContentArtifact),
		repos:        make(map[string]*repository.Repository),
		repoByName:   make(map[string]string),
		versions:     make(map[string][]*repository.Version),
		members:      make(map[string][]*membership),
		remotes:      make(map[string]*remote.Remote),
		remoteByName: make(map[string]string),
		publications: make(map[string]*publication.Publication),
		tasks:        make(map[string]*tasking.Task),
	}
}

// content.Store

func (m *Memory) FindByNaturalKey(ctx context.Context, key content.NaturalKey) (*content.Unit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byKey[key.Normalize()]
	if !ok {
		return nil, content.ErrNotFound
	}
	u := *m.units[id]
	return &u, nil
}

func (m *Memory) Create(ctx context.Context, u *content.Unit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := u.Key.Normalize()
	if _, ok := m.units[u.ID]; ok {
		return content.ErrContentConflict
	}
	if _, ok := m.byKey[key]; ok {
		return content.ErrContentConflict
	}
	if _, ok := m.byPicture[u.Attrs.Picture]; ok {
		return content.ErrPictureTaken
	}
	c := *u
	c.Key = key
	m.units[c.ID] = &c
	m.byKey[key] = c.ID
	m.byPicture[c.Attrs.Picture] = c.ID
	return nil
}

func (m *Memory) Get(ctx context.Context, id string) (*content.Unit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.units[id]
	if !ok {
		return nil, content.ErrNotFound
	}
	c := *u
	return &c, nil
}

func (m *Memory) List(ctx context.Context, f content.Filter) ([]*content.Unit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []*content.Unit{}
	for _, u := range m.units {
		if f.Match(u) {
			c := *u
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) ContentArtifacts(ctx context.Context, contentID string) ([]content.ContentArtifact, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []content.ContentArtifact{}
	for _, ca := range m.cas[contentID] {
		out = append(out, ca)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RelativePath < out[j].RelativePath })
	return out, nil
}

func (m *Memory) LinkArtifact(ctx context.Context, ca content.ContentArtifact) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.units[ca.ContentID]; !ok {
		return content.ErrNotFound
	}
	byPath, ok := m.cas[ca.ContentID]
	if !ok {
		byPath = make(map[string]content.ContentArtifact)
		m.cas[ca.ContentID] = byPath
	}
	existing, ok := byPath[ca.RelativePath]
	if !ok {
		byPath[ca.RelativePath] = ca
		return nil
	}
	if existing.Deferred() && !ca.Deferred() {
		existing.ArtifactDigest = ca.ArtifactDigest
		byPath[ca.RelativePath] = existing
	}
	return nil
}

// repository.Store

func (m *Memory) CreateRepository(ctx context.Context, r *repository.Repository) (*repository.Version, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.repoByName[r.Name]; ok {
		return nil, repository.ErrExists
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = m.now().UTC()
	}
	c := *r
	m.repos[c.ID] = &c
	m.repoByName[c.Name] = c.ID

	v := &repository.Version{
		ID:           uuid.NewString(),
		RepositoryID: c.ID,
		Number:       0,
		BaseNumber:   -1,
		CreatedAt:    c.CreatedAt,
	}
	m.versions[c.ID] = []*repository.Version{v}
	cv := *v
	return &cv, nil
}

func (m *Memory) Repository(ctx context.Context, id string) (*repository.Repository, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.repos[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	c := *r
	return &c, nil
}

func (m *Memory) RepositoryByName(ctx context.Context, name string) (*repository.Repository, error) {
	m.mu.RLock()
	id, ok := m.repoByName[name]
	m.mu.RUnlock()
	if !ok {
		return nil, repository.ErrNotFound
	}
	return m.Repository(ctx, id)
}

func (m *Memory) Repositories(ctx context.Context) ([]*repository.Repository, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*repository.Repository, 0, len(m.repos))
	for _, r := range m.repos {
		c := *r
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *Memory) LatestVersion(ctx context.Context, repositoryID string) (*repository.Version, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	vs, ok := m.versions[repositoryID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	c := *vs[len(vs)-1]
	return &c, nil
}

func (m *Memory) Version(ctx context.Context, id string) (*repository.Version, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if v := m.findVersion(id); v != nil {
		c := *v
		return &c, nil
	}
	return nil, repository.ErrVersionNotFound
}

func (m *Memory) findVersion(id string) *repository.Version {
	for _, vs := range m.versions {
		for _, v := range vs {
			if v.ID == id {
				return v
			}
		}
	}
	return nil
}

func (m *Memory) VersionByNumber(ctx context.Context, repositoryID string, number int) (*repository.Version, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	vs, ok := m.versions[repositoryID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	if number < 0 || number >= len(vs) {
		return nil, repository.ErrVersionNotFound
	}
	c := *vs[number]
	return &c, nil
}

func (m *Memory) Versions(ctx context.Context, repositoryID string) ([]*repository.Version, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	vs, ok := m.versions[repositoryID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	out := make([]*repository.Version, len(vs))
	for i, v := range vs {
		c := *v
		out[i] = &c
	}
	return out, nil
}

func (m *Memory) ContentIDs(ctx context.Context, versionID string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v := m.findVersion(versionID)
	if v == nil {
		return nil, repository.ErrVersionNotFound
	}
	return m.contentAt(v.RepositoryID, v.Number), nil
}

func (m *Memory) contentAt(repositoryID string, number int) []string {
	out := []string{}
	for _, mb := range m.members[repositoryID] {
		if mb.added <= number && (mb.removed == 0 || mb.removed > number) {
			out = append(out, mb.contentID)
		}
	}
	sort.Strings(out)
	return out
}

func (m *Memory) CreateVersion(ctx context.Context, repositoryID string, baseNumber int, add, remove []string) (*repository.Version, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	vs, ok := m.versions[repositoryID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	latest := vs[len(vs)-1]
	if latest.Number != baseNumber {
		return nil, repository.ErrVersionConflict
	}
	next := baseNumber + 1

	for _, id := range add {
		if _, ok := m.units[id]; !ok {
			return nil, content.ErrNotFound
		}
	}
	live := make(map[string]*membership)
	for _, mb := range m.members[repositoryID] {
		if mb.removed == 0 {
			live[mb.contentID] = mb
		}
	}
	for _, id := range remove {
		if _, ok := live[id]; !ok {
			return nil, repository.ErrVersionConflict
		}
	}
	for _, id := range add {
		if _, ok := live[id]; ok {
			return nil, repository.ErrVersionConflict
		}
	}

	for _, id := range remove {
		live[id].removed = next
	}
	for _, id := range add {
		m.members[repositoryID] = append(m.members[repositoryID], &membership{contentID: id, added: next})
	}

	v := &repository.Version{
		ID:           uuid.NewString(),
		RepositoryID: repositoryID,
		Number:       next,
		BaseNumber:   baseNumber,
		Added:        len(add),
		Removed:      len(remove),
		ContentCount: latest.ContentCount + len(add) - len(remove),
		CreatedAt:    m.now().UTC(),
	}
	m.versions[repositoryID] = append(vs, v)
	c := *v
	return &c, nil
}

// remote.Store

func (m *Memory) CreateRemote(ctx context.Context, r *remote.Remote) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.remoteByName[r.Name]; ok {
		return remote.ErrExists
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = m.now().UTC()
	}
	c := *r
	m.remotes[c.ID] = &c
	m.remoteByName[c.Name] = c.ID
	return nil
}

func (m *Memory) Remote(ctx context.Context, id string) (*remote.Remote, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.remotes[id]
	if !ok {
		return nil, remote.ErrNotFound
	}
	c := *r
	return &c, nil
}

func (m *Memory) RemoteByName(ctx context.Context, name string) (*remote.Remote, error) {
	m.mu.RLock()
	id, ok := m.remoteByName[name]
	m.mu.RUnlock()
	if !ok {
		return nil, remote.ErrNotFound
	}
	return m.Remote(ctx, id)
}

func (m *Memory) Remotes(ctx context.Context) ([]*remote.Remote, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*remote.Remote, 0, len(m.remotes))
	for _, r := range m.remotes {
		c := *r
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// publication.Store

func (m *Memory) CreatePublication(ctx context.Context, p *publication.Publication) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.findVersion(p.VersionID) == nil {
		return repository.ErrVersionNotFound
	}
	m.publications[p.ID] = clonePublication(p)
	return nil
}

func (m *Memory) Publication(ctx context.Context, id string) (*publication.Publication, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.publications[id]
	if !ok {
		return nil, publication.ErrNotFound
	}
	return clonePublication(p), nil
}

func (m *Memory) Publications(ctx context.Context, repositoryID string) ([]*publication.Publication, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []*publication.Publication{}
	for _, p := range m.publications {
		if repositoryID == "" || p.RepositoryID == repositoryID {
			out = append(out, clonePublication(p))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func clonePublication(p *publication.Publication) *publication.Publication {
	c := *p
	c.Artifacts = append([]publication.PublishedArtifact{}, p.Artifacts...)
	c.Metadata = append([]publication.PublishedMetadata{}, p.Metadata...)
	return &c
}

// tasking.Store

func (m *Memory) SaveTask(ctx context.Context, t *tasking.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks[t.ID] = cloneTask(t)
	return nil
}

func (m *Memory) Task(ctx context.Context, id string) (*tasking.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, tasking.ErrNotFound
	}
	return cloneTask(t), nil
}

func (m *Memory) Tasks(ctx context.Context) ([]*tasking.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*tasking.Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		out = append(out, cloneTask(t))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func cloneTask(t *tasking.Task) *tasking.Task {
	c := *t
	c.Reservations = append([]string(nil), t.Reservations...)
	c.Result = append([]byte(nil), t.Result...)
	return &c
}
