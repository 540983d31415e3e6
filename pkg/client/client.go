// Package client provides a typed Go client for the shelter HTTP API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ipanova/pulp-shelter/pkg/api"
	"github.com/ipanova/pulp-shelter/pkg/content"
	"github.com/ipanova/pulp-shelter/pkg/publication"
	"github.com/ipanova/pulp-shelter/pkg/remote"
	"github.com/ipanova/pulp-shelter/pkg/repository"
	"github.com/ipanova/pulp-shelter/pkg/shelter"
	"github.com/ipanova/pulp-shelter/pkg/tasking"
	"github.com/ipanova/pulp-shelter/pkg/versioning"
)

// APIError is returned when the API responds with a non-2xx status.
type APIError struct {
	Status  int
	Problem api.ProblemDetail
}

func (e *APIError) Error() string {
	if e.Problem.Detail == "" {
		return fmt.Sprintf("shelter api %d: %s", e.Status, e.Problem.Title)
	}
	return fmt.Sprintf("shelter api %d: %s", e.Status, e.Problem.Detail)
}

// Client is a typed client for the shelter API.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	// Token is sent as a bearer token when set.
	Token string
}

// New creates a new Client.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Option configures the client.
type Option func(*Client)

// WithTimeout sets the HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.HTTPClient.Timeout = d }
}

// WithToken authenticates requests with a bearer token.
func WithToken(token string) Option {
	return func(c *Client) { c.Token = token }
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.HTTPClient = hc }
}

func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(b)
	}
	return c.send(ctx, method, path, "application/json", reader, out)
}

func (c *Client) send(ctx context.Context, method, path, contentType string, body io.Reader, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", contentType)
	}
	c.authorize(req)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		apiErr := &APIError{Status: resp.StatusCode}
		if err := json.NewDecoder(resp.Body).Decode(&apiErr.Problem); err != nil {
			apiErr.Problem.Title = http.StatusText(resp.StatusCode)
		}
		return apiErr
	}

	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

// Version calls GET /v1/version.
func (c *Client) Version(ctx context.Context) (*versioning.Info, error) {
	var out versioning.Info
	err := c.do(ctx, http.MethodGet, "/v1/version", nil, &out)
	return &out, err
}

// CheckServer fails when the server's version is not compatible with this
// client.
func (c *Client) CheckServer(ctx context.Context) error {
	info, err := c.Version(ctx)
	if err != nil {
		return err
	}
	if info.API != versioning.APIVersion {
		return fmt.Errorf("server speaks API %s, client speaks %s", info.API, versioning.APIVersion)
	}
	return versioning.CheckCompatible(versioning.Current().String(), info.Version)
}

// CreateRepository calls POST /v1/repositories.
func (c *Client) CreateRepository(ctx context.Context, name, description string) (*repository.Repository, error) {
	var out struct {
		Repository *repository.Repository `json:"repository"`
	}
	err := c.do(ctx, http.MethodPost, "/v1/repositories", map[string]string{"name": name, "description": description}, &out)
	return out.Repository, err
}

// Repositories calls GET /v1/repositories.
func (c *Client) Repositories(ctx context.Context) ([]*repository.Repository, error) {
	var out []*repository.Repository
	err := c.do(ctx, http.MethodGet, "/v1/repositories", nil, &out)
	return out, err
}

// Versions calls GET /v1/repositories/{repo}/versions.
func (c *Client) Versions(ctx context.Context, repo string) ([]*repository.Version, error) {
	var out []*repository.Version
	err := c.do(ctx, http.MethodGet, "/v1/repositories/"+url.PathEscape(repo)+"/versions", nil, &out)
	return out, err
}

// VersionContent calls GET /v1/repositories/{repo}/versions/{number}. A
// negative number selects the latest version.
func (c *Client) VersionContent(ctx context.Context, repo string, number int) (*repository.Version, []string, error) {
	var out struct {
		Version *repository.Version `json:"version"`
		Content []string            `json:"content"`
	}
	err := c.do(ctx, http.MethodGet, "/v1/repositories/"+url.PathEscape(repo)+"/versions/"+versionSegment(number), nil, &out)
	return out.Version, out.Content, err
}

// CreateRemote calls POST /v1/remotes.
func (c *Client) CreateRemote(ctx context.Context, name, manifestURL string, policy content.Policy) (*remote.Remote, error) {
	var out remote.Remote
	err := c.do(ctx, http.MethodPost, "/v1/remotes", map[string]string{
		"name": name, "url": manifestURL, "policy": string(policy),
	}, &out)
	return &out, err
}

// Remotes calls GET /v1/remotes.
func (c *Client) Remotes(ctx context.Context) ([]*remote.Remote, error) {
	var out []*remote.Remote
	err := c.do(ctx, http.MethodGet, "/v1/remotes", nil, &out)
	return out, err
}

// Sync calls POST /v1/repositories/{repo}/sync and returns the queued task.
func (c *Client) Sync(ctx context.Context, repo, remoteRef string, mirror bool) (*tasking.Task, error) {
	var out tasking.Task
	err := c.do(ctx, http.MethodPost, "/v1/repositories/"+url.PathEscape(repo)+"/sync",
		map[string]any{"remote": remoteRef, "mirror": mirror}, &out)
	return &out, err
}

// Publish calls POST /v1/repositories/{repo}/versions/{number}/publish. A
// negative number publishes the latest version.
func (c *Client) Publish(ctx context.Context, repo string, number int) (*tasking.Task, error) {
	var out tasking.Task
	err := c.do(ctx, http.MethodPost,
		"/v1/repositories/"+url.PathEscape(repo)+"/versions/"+versionSegment(number)+"/publish", nil, &out)
	return &out, err
}

// Publications calls GET /v1/publications, or the repository's listing when
// repo is set.
func (c *Client) Publications(ctx context.Context, repo string) ([]*publication.Publication, error) {
	path := "/v1/publications"
	if repo != "" {
		path = "/v1/repositories/" + url.PathEscape(repo) + "/publications"
	}
	var out []*publication.Publication
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

// Task calls GET /v1/tasks/{id}.
func (c *Client) Task(ctx context.Context, id string) (*tasking.Task, error) {
	var out tasking.Task
	err := c.do(ctx, http.MethodGet, "/v1/tasks/"+url.PathEscape(id), nil, &out)
	return &out, err
}

// Tasks calls GET /v1/tasks.
func (c *Client) Tasks(ctx context.Context) ([]*tasking.Task, error) {
	var out []*tasking.Task
	err := c.do(ctx, http.MethodGet, "/v1/tasks", nil, &out)
	return out, err
}

// WaitTask polls GET /v1/tasks/{id}/wait until the task is final or ctx ends.
func (c *Client) WaitTask(ctx context.Context, id string) (*tasking.Task, error) {
	for {
		var out tasking.Task
		if err := c.do(ctx, http.MethodGet, "/v1/tasks/"+url.PathEscape(id)+"/wait?timeout=20s", nil, &out); err != nil {
			return nil, err
		}
		if out.State.Final() {
			return &out, nil
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
}

// ContentQuery selects units for Content.
type ContentQuery struct {
	Species, Breed, Shelter string
	// Repository restricts the listing to a repository version; Version -1
	// selects the latest.
	Repository string
	Version    int
	Where      string
}

// Content calls GET /v1/content.
func (c *Client) Content(ctx context.Context, q ContentQuery) ([]*content.Unit, error) {
	v := url.Values{}
	set := func(k, val string) {
		if val != "" {
			v.Set(k, val)
		}
	}
	set("species", q.Species)
	set("breed", q.Breed)
	set("shelter", q.Shelter)
	set("where", q.Where)
	if q.Repository != "" {
		v.Set("repository", q.Repository)
		if q.Version >= 0 {
			v.Set("version", strconv.Itoa(q.Version))
		}
	}
	path := "/v1/content"
	if len(v) > 0 {
		path += "?" + v.Encode()
	}
	var out []*content.Unit
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

// UploadArtifact calls POST /v1/artifacts and returns the digest.
func (c *Client) UploadArtifact(ctx context.Context, data []byte) (string, error) {
	var out struct {
		Digest string `json:"digest"`
	}
	err := c.send(ctx, http.MethodPost, "/v1/artifacts", "application/octet-stream", bytes.NewReader(data), &out)
	return out.Digest, err
}

// CreateContent calls POST /v1/content.
func (c *Client) CreateContent(ctx context.Context, req shelter.NewContent) (*content.Unit, *repository.Version, error) {
	var out struct {
		Content *content.Unit       `json:"content"`
		Version *repository.Version `json:"version"`
	}
	err := c.do(ctx, http.MethodPost, "/v1/content", req, &out)
	return out.Content, out.Version, err
}

// Fetch downloads a published file from the repository's latest publication.
func (c *Client) Fetch(ctx context.Context, repo, relPath string) ([]byte, error) {
	var buf bytes.Buffer
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.BaseURL+"/content/"+url.PathEscape(repo)+"/"+strings.TrimLeft(relPath, "/"), nil)
	if err != nil {
		return nil, err
	}
	c.authorize(req)
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 400 {
		apiErr := &APIError{Status: resp.StatusCode}
		if err := json.NewDecoder(resp.Body).Decode(&apiErr.Problem); err != nil {
			apiErr.Problem.Title = http.StatusText(resp.StatusCode)
		}
		return nil, apiErr
	}
	if _, err := io.Copy(&buf, resp.Body); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (c *Client) authorize(req *http.Request) {
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
}

func versionSegment(number int) string {
	if number < 0 {
		return "latest"
	}
	return strconv.Itoa(number)
}
