// Package remote describes external sources a repository is synced from.
package remote

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/ipanova/pulp-shelter/pkg/content"
)

var (
	// ErrNotFound is returned when a remote does not exist.
	ErrNotFound = errors.New("remote not found")
	// ErrExists is returned when a remote name is taken.
	ErrExists = errors.New("remote already exists")
)

// Remote points at a shelter manifest and says how artifacts are downloaded.
type Remote struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	URL       string         `json:"url"`
	Policy    content.Policy `json:"policy"`
	CreatedAt time.Time      `json:"created_at"`
}

// Store persists remotes.
type Store interface {
	CreateRemote(ctx context.Context, r *Remote) error
	Remote(ctx context.Context, id string) (*Remote, error)
	RemoteByName(ctx context.Context, name string) (*Remote, error)
	Remotes(ctx context.Context) ([]*Remote, error)
}

// ParseURL validates a manifest URL. Only http, https and file are accepted.
func ParseURL(raw string) (*url.URL, error) {
	if raw == "" {
		return nil, errors.New("a remote must have a url specified to synchronize")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid remote url: %w", err)
	}
	switch u.Scheme {
	case "http", "https":
		if u.Host == "" {
			return nil, fmt.Errorf("invalid remote url %q: missing host", raw)
		}
	case "file":
	default:
		return nil, fmt.Errorf("invalid remote url %q: unsupported scheme %q", raw, u.Scheme)
	}
	if u.Path == "" || u.Path == "/" {
		return nil, fmt.Errorf("invalid remote url %q: missing manifest path", raw)
	}
	return u, nil
}
