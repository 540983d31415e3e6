// Package repository models repositories as ordered sequences of immutable,
// numbered versions, each a set of content unit ids.
package repository

import (
	"context"
	"errors"
	"sort"
	"time"
)

var (
	// ErrNotFound is returned when a repository or version does not exist.
	ErrNotFound = errors.New("repository not found")
	// ErrVersionNotFound is returned when a version does not exist.
	ErrVersionNotFound = errors.New("repository version not found")
	// ErrVersionConflict is returned by CreateVersion when the base version is
	// no longer the latest one: another writer appended first.
	ErrVersionConflict = errors.New("repository version conflict: base is not latest")
	// ErrExists is returned when a repository name is taken.
	ErrExists = errors.New("repository already exists")
)

// Repository owns an ordered sequence of versions. Version 0 is created
// with the repository and is empty.
type Repository struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Version is an immutable snapshot of a repository's content set.
type Version struct {
	ID           string    `json:"id"`
	RepositoryID string    `json:"repository_id"`
	Number       int       `json:"number"`
	BaseNumber   int       `json:"base_number"`
	Added        int       `json:"added"`
	Removed      int       `json:"removed"`
	ContentCount int       `json:"content_count"`
	CreatedAt    time.Time `json:"created_at"`
}

// Store persists repositories and their versions.
type Store interface {
	CreateRepository(ctx context.Context, repo *Repository) (*Version, error)
	Repository(ctx context.Context, id string) (*Repository, error)
	RepositoryByName(ctx context.Context, name string) (*Repository, error)
	Repositories(ctx context.Context) ([]*Repository, error)

	LatestVersion(ctx context.Context, repositoryID string) (*Version, error)
	Version(ctx context.Context, id string) (*Version, error)
	VersionByNumber(ctx context.Context, repositoryID string, number int) (*Version, error)
	Versions(ctx context.Context, repositoryID string) ([]*Version, error)
	ContentIDs(ctx context.Context, versionID string) ([]string, error)

	// CreateVersion appends version baseNumber+1 with the given delta. It
	// fails with ErrVersionConflict unless baseNumber is the latest number.
	CreateVersion(ctx context.Context, repositoryID string, baseNumber int, add, remove []string) (*Version, error)
}

// Delta is the change between the current content set and a target set.
type Delta struct {
	Add    []string
	Remove []string
}

// Empty reports whether applying the delta would leave the set unchanged.
func (d Delta) Empty() bool {
	return len(d.Add) == 0 && len(d.Remove) == 0
}

// Diff computes the delta that turns current into the next version's set.
// With mirror the next set is exactly target; otherwise it is
// current ∪ target and nothing is removed. Output slices are sorted.
func Diff(current, target []string, mirror bool) Delta {
	cur := make(map[string]struct{}, len(current))
	for _, id := range current {
		cur[id] = struct{}{}
	}
	tgt := make(map[string]struct{}, len(target))
	for _, id := range target {
		tgt[id] = struct{}{}
	}

	var d Delta
	for id := range tgt {
		if _, ok := cur[id]; !ok {
			d.Add = append(d.Add, id)
		}
	}
	if mirror {
		for id := range cur {
			if _, ok := tgt[id]; !ok {
				d.Remove = append(d.Remove, id)
			}
		}
	}
	sort.Strings(d.Add)
	sort.Strings(d.Remove)
	return d
}

// Apply returns the set produced by applying d to current, sorted.
func Apply(current []string, d Delta) []string {
	set := make(map[string]struct{}, len(current)+len(d.Add))
	for _, id := range current {
		set[id] = struct{}{}
	}
	for _, id := range d.Remove {
		delete(set, id)
	}
	for _, id := range d.Add {
		set[id] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
