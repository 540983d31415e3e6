package client

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ipanova/pulp-shelter/pkg/api"
	"github.com/ipanova/pulp-shelter/pkg/tasking"
	"github.com/ipanova/pulp-shelter/pkg/versioning"
)

func TestClient_CheckServer(t *testing.T) {
	info := versioning.CurrentInfo()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/version", r.URL.Path)
		_ = json.NewEncoder(w).Encode(info)
	}))
	defer ts.Close()

	c := New(ts.URL + "/")
	require.NoError(t, c.CheckServer(context.Background()))

	info.API = "v0"
	assert.Error(t, c.CheckServer(context.Background()))
}

func TestClient_DecodesProblems(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		api.WriteProblem(w, r, http.StatusNotFound, "repository not found")
	}))
	defer ts.Close()

	_, err := New(ts.URL).Versions(context.Background(), "dogs")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.Status)
	assert.Equal(t, "repository not found", apiErr.Problem.Detail)
	assert.Contains(t, err.Error(), "404")
}

func TestClient_SyncAndWait(t *testing.T) {
	var polls int
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/v1/repositories/dogs/sync":
			var body map[string]any
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "north", body["remote"])
			assert.Equal(t, false, body["mirror"])
			w.WriteHeader(http.StatusAccepted)
			_ = json.NewEncoder(w).Encode(tasking.Task{ID: "t1", State: tasking.StateWaiting})
		case r.URL.Path == "/v1/tasks/t1/wait":
			polls++
			state := tasking.StateRunning
			if polls > 1 {
				state = tasking.StateCompleted
			}
			_ = json.NewEncoder(w).Encode(tasking.Task{ID: "t1", State: state})
		default:
			http.NotFound(w, r)
		}
	}))
	defer ts.Close()

	c := New(ts.URL)
	task, err := c.Sync(context.Background(), "dogs", "north", false)
	require.NoError(t, err)
	done, err := c.WaitTask(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, tasking.StateCompleted, done.State)
	assert.Equal(t, 2, polls)
}

func TestClient_ContentQueryAndPublish(t *testing.T) {
	var seen []string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = append(seen, r.Method+" "+r.URL.RequestURI())
		switch r.URL.Path {
		case "/v1/artifacts":
			data, _ := io.ReadAll(r.Body)
			assert.Equal(t, "application/octet-stream", r.Header.Get("Content-Type"))
			assert.Equal(t, "whiskers", string(data))
			_ = json.NewEncoder(w).Encode(map[string]string{"digest": "sha256:abc"})
		case "/content/dogs/rex.png":
			_, _ = w.Write([]byte("rex"))
		default:
			_, _ = w.Write([]byte("[]"))
		}
	}))
	defer ts.Close()

	ctx := context.Background()
	c := New(ts.URL)
	_, err := c.Content(ctx, ContentQuery{Species: "dog", Repository: "dogs", Version: -1, Where: "age > 2"})
	require.NoError(t, err)
	digest, err := c.UploadArtifact(ctx, []byte("whiskers"))
	require.NoError(t, err)
	assert.Equal(t, "sha256:abc", digest)
	data, err := c.Fetch(ctx, "dogs", "/rex.png")
	require.NoError(t, err)
	assert.Equal(t, "rex", string(data))
	_, err = c.Publications(ctx, "dogs")
	require.NoError(t, err)

	assert.Equal(t, []string{
		"GET /v1/content?repository=dogs&species=dog&where=age+%3E+2",
		"POST /v1/artifacts",
		"GET /content/dogs/rex.png",
		"GET /v1/repositories/dogs/publications",
	}, seen)
}

func TestClient_SendsToken(t *testing.T) {
	var auth []string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = append(auth, r.Header.Get("Authorization"))
		if r.URL.Path == "/content/dogs/rex.png" {
			_, _ = io.WriteString(w, "woof")
			return
		}
		_, _ = io.WriteString(w, "[]")
	}))
	defer ts.Close()

	c := New(ts.URL, WithToken("abc"))
	_, err := c.Remotes(context.Background())
	require.NoError(t, err)
	data, err := c.Fetch(context.Background(), "dogs", "/rex.png")
	require.NoError(t, err)
	assert.Equal(t, "woof", string(data))
	assert.Equal(t, []string{"Bearer abc", "Bearer abc"}, auth)

	auth = nil
	_, err = New(ts.URL).Remotes(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{""}, auth)
}
