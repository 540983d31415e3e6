package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ipanova/pulp-shelter/pkg/api"
	"github.com/ipanova/pulp-shelter/pkg/artifacts"
	"github.com/ipanova/pulp-shelter/pkg/config"
	"github.com/ipanova/pulp-shelter/pkg/manifest"
	"github.com/ipanova/pulp-shelter/pkg/shelter"
	"github.com/ipanova/pulp-shelter/pkg/store"
	"github.com/ipanova/pulp-shelter/pkg/tasking"
)

const manifestURL = "http://shelter.test/north/shelter_manifest.json"

type fakeFetcher struct {
	mu    sync.Mutex
	files map[string][]byte
}

func (f *fakeFetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.files[url]
	if !ok {
		return nil, errors.New("404 Not Found")
	}
	return data, nil
}

func newTestServer(t *testing.T, opts api.ServerOptions) *httptest.Server {
	t.Helper()
	entries := []manifest.Entry{
		{Name: "Rex", Species: "dog", Breed: "beagle", Shelter: "north", Age: 9, Sex: "male", Picture: "rex.png"},
		{Name: "Bella", Species: "dog", Breed: "collie", Shelter: "north", Age: 1, Sex: "female", Picture: "bella.png"},
	}
	data, err := json.Marshal(entries)
	require.NoError(t, err)
	fetcher := &fakeFetcher{files: map[string][]byte{
		manifestURL:                           data,
		"http://shelter.test/north/rex.png":   []byte("\x89PNG rex"),
		"http://shelter.test/north/bella.png": []byte("\x89PNG bella"),
	}}

	cfg := config.Default()
	svc, err := shelter.New(cfg, shelter.Deps{
		Store:   store.NewMemory(),
		Blobs:   artifacts.NewMemoryStore(),
		Fetcher: fetcher,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	ts := httptest.NewServer(api.NewServer(ctx, svc, opts, nil))
	t.Cleanup(func() {
		ts.Close()
		cancel()
		_ = svc.Shutdown(context.Background())
	})
	return ts
}

func call(t *testing.T, ts *httptest.Server, method, path string, body any, out any) *http.Response {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, ts.URL+path, rd)
	require.NoError(t, err)
	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp
}

func waitTask(t *testing.T, ts *httptest.Server, id string) tasking.Task {
	t.Helper()
	var task tasking.Task
	resp := call(t, ts, http.MethodGet, "/v1/tasks/"+id+"/wait?timeout=5s", nil, &task)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.True(t, task.State.Final(), "task %s still %s", id, task.State)
	return task
}

func TestServer_SyncPublishDistribute(t *testing.T) {
	ts := newTestServer(t, api.ServerOptions{})

	var created struct {
		Repository struct {
			ID string `json:"id"`
		} `json:"repository"`
	}
	resp := call(t, ts, http.MethodPost, "/v1/repositories", map[string]string{"name": "dogs"}, &created)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "/v1/repositories/"+created.Repository.ID, resp.Header.Get("Location"))

	resp = call(t, ts, http.MethodPost, "/v1/remotes", map[string]string{"name": "north", "url": manifestURL}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var task tasking.Task
	resp = call(t, ts, http.MethodPost, "/v1/repositories/dogs/sync", map[string]any{"remote": "north"}, &task)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "/v1/tasks/"+task.ID, resp.Header.Get("Location"))
	done := waitTask(t, ts, task.ID)
	require.Equal(t, tasking.StateCompleted, done.State, done.Error)

	var version struct {
		Content []string `json:"content"`
	}
	resp = call(t, ts, http.MethodGet, "/v1/repositories/dogs/versions/latest", nil, &version)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, version.Content, 2)

	resp = call(t, ts, http.MethodPost, "/v1/repositories/dogs/versions/1/publish", nil, &task)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	done = waitTask(t, ts, task.ID)
	require.Equal(t, tasking.StateCompleted, done.State, done.Error)

	res, err := ts.Client().Get(ts.URL + "/content/dogs/shelter_manifest.json")
	require.NoError(t, err)
	defer func() { _ = res.Body.Close() }()
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Contains(t, res.Header.Get("Content-Type"), "application/json")
	var entries []manifest.Entry
	require.NoError(t, json.NewDecoder(res.Body).Decode(&entries))
	assert.Len(t, entries, 2)

	pic, err := ts.Client().Get(ts.URL + "/content/dogs/rex.png")
	require.NoError(t, err)
	defer func() { _ = pic.Body.Close() }()
	body, err := io.ReadAll(pic.Body)
	require.NoError(t, err)
	assert.Equal(t, "\x89PNG rex", string(body))

	resp = call(t, ts, http.MethodGet, "/content/dogs/nope.png", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServer_ContentQueries(t *testing.T) {
	ts := newTestServer(t, api.ServerOptions{})
	call(t, ts, http.MethodPost, "/v1/repositories", map[string]string{"name": "dogs"}, nil)
	call(t, ts, http.MethodPost, "/v1/remotes", map[string]string{"name": "north", "url": manifestURL}, nil)
	var task tasking.Task
	call(t, ts, http.MethodPost, "/v1/repositories/dogs/sync", map[string]any{"remote": "north"}, &task)
	waitTask(t, ts, task.ID)

	var units []map[string]any
	resp := call(t, ts, http.MethodGet, "/v1/content?breed=collie", nil, &units)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, units, 1)

	resp = call(t, ts, http.MethodGet, "/v1/content?where=age+%3E+5", nil, &units)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, units, 1)

	resp = call(t, ts, http.MethodGet, "/v1/content?repository=dogs&version=0", nil, &units)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, units)

	var problem api.ProblemDetail
	resp = call(t, ts, http.MethodGet, "/v1/content?where=age+%2B", nil, &problem)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "application/problem+json", resp.Header.Get("Content-Type"))
}

func TestServer_UploadAndCreateContent(t *testing.T) {
	ts := newTestServer(t, api.ServerOptions{})
	call(t, ts, http.MethodPost, "/v1/repositories", map[string]string{"name": "cats"}, nil)

	res, err := ts.Client().Post(ts.URL+"/v1/artifacts", "application/octet-stream", strings.NewReader("whiskers"))
	require.NoError(t, err)
	var uploaded struct {
		Digest string `json:"digest"`
	}
	require.NoError(t, json.NewDecoder(res.Body).Decode(&uploaded))
	_ = res.Body.Close()
	require.Equal(t, http.StatusCreated, res.StatusCode)

	req := map[string]any{
		"name": "Tom", "species": "cat", "breed": "tabby", "shelter": "south",
		"sex": "male", "picture": "tom.jpg", "artifact": uploaded.Digest, "repository": "cats",
	}
	var created struct {
		Content struct {
			ID string `json:"id"`
		} `json:"content"`
		Version struct {
			Number int `json:"number"`
		} `json:"version"`
	}
	resp := call(t, ts, http.MethodPost, "/v1/content", req, &created)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, 1, created.Version.Number)

	resp = call(t, ts, http.MethodGet, "/v1/content/"+created.Content.ID, nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	req["artifact"] = "sha256:" + strings.Repeat("0", 64)
	resp = call(t, ts, http.MethodPost, "/v1/content", req, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = call(t, ts, http.MethodPost, "/v1/content", map[string]any{"bogus": true}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	req["artifact"] = uploaded.Digest
	req["picture"] = "tom2.jpg"
	resp = call(t, ts, http.MethodPost, "/v1/content", req, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	req["age"] = -1
	resp = call(t, ts, http.MethodPost, "/v1/content", req, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestServer_Errors(t *testing.T) {
	ts := newTestServer(t, api.ServerOptions{})

	resp := call(t, ts, http.MethodGet, "/v1/repositories/missing", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	call(t, ts, http.MethodPost, "/v1/repositories", map[string]string{"name": "dogs"}, nil)
	resp = call(t, ts, http.MethodPost, "/v1/repositories", map[string]string{"name": "dogs"}, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = call(t, ts, http.MethodPost, "/v1/remotes", map[string]string{"name": "x", "url": "ftp://nowhere/m.json"}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = call(t, ts, http.MethodPost, "/v1/repositories/dogs/sync", map[string]any{}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = call(t, ts, http.MethodGet, "/v1/repositories/dogs/versions/abc", nil, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = call(t, ts, http.MethodGet, "/v1/tasks/nope", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = call(t, ts, http.MethodDelete, "/v1/repositories", nil, nil)
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)

	var info struct {
		API string `json:"api"`
	}
	resp = call(t, ts, http.MethodGet, "/v1/version", nil, &info)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "v1", info.API)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
}

func TestServer_IdempotentSync(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ts := newTestServer(t, api.ServerOptions{Idempotency: api.NewIdempotencyStore(ctx, time.Minute)})
	call(t, ts, http.MethodPost, "/v1/repositories", map[string]string{"name": "dogs"}, nil)
	call(t, ts, http.MethodPost, "/v1/remotes", map[string]string{"name": "north", "url": manifestURL}, nil)

	post := func() (tasking.Task, *http.Response) {
		req, err := http.NewRequest(http.MethodPost, ts.URL+"/v1/repositories/dogs/sync", strings.NewReader(`{"remote":"north"}`))
		require.NoError(t, err)
		req.Header.Set("Idempotency-Key", "sync-1")
		resp, err := ts.Client().Do(req)
		require.NoError(t, err)
		defer func() { _ = resp.Body.Close() }()
		var task tasking.Task
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&task))
		return task, resp
	}
	first, resp := post()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	second, resp := post()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "true", resp.Header.Get("Idempotent-Replayed"))
	assert.Equal(t, first.ID, second.ID)

	var tasks []tasking.Task
	call(t, ts, http.MethodGet, "/v1/tasks", nil, &tasks)
	assert.Len(t, tasks, 1)
}

func TestServer_BearerAuth(t *testing.T) {
	const secret = "kennel-key"
	ts := newTestServer(t, api.ServerOptions{Auth: api.NewJWTValidator(secret)})

	resp := call(t, ts, http.MethodGet, "/v1/repositories", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("WWW-Authenticate"), "Bearer")

	resp = call(t, ts, http.MethodGet, "/healthz", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	token, err := api.IssueToken(secret, "ops", time.Hour)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodGet, ts.URL+"/v1/repositories", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err = ts.Client().Do(req)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
