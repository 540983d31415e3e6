// Package api serves the shelter operations over HTTP: a JSON API under /v1
// and a read-only distribution of publications under /content.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/ipanova/pulp-shelter/pkg/content"
	"github.com/ipanova/pulp-shelter/pkg/observability"
	"github.com/ipanova/pulp-shelter/pkg/publication"
	"github.com/ipanova/pulp-shelter/pkg/shelter"
	"github.com/ipanova/pulp-shelter/pkg/versioning"
)

const (
	maxJSONBody     = 1 << 20
	maxArtifactBody = 64 << 20
	maxTaskWait     = 5 * time.Minute
)

// ServerOptions configure the middleware around the routes.
type ServerOptions struct {
	// RateLimit is the per-client request rate. Zero disables limiting.
	RateLimit float64
	RateBurst int
	// Idempotency enables Idempotency-Key replay on POST requests.
	Idempotency IdempotencyStorer
	// Auth, when set, requires a bearer token outside the public paths.
	Auth          *JWTValidator
	Observability *observability.Provider
}

// Server routes HTTP requests to a shelter.Service.
type Server struct {
	svc     *shelter.Service
	handler http.Handler
	logger  *slog.Logger
}

// NewServer builds the HTTP surface. Background goroutines started for the
// middleware stop when ctx ends.
func NewServer(ctx context.Context, svc *shelter.Service, opts ServerOptions, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{svc: svc, logger: logger.With("component", "api")}

	mux := http.NewServeMux()
	s.routes(mux)

	var h http.Handler = mux
	if opts.Idempotency != nil {
		h = IdempotencyMiddleware(opts.Idempotency)(h)
	}
	if opts.Auth != nil {
		h = AuthMiddleware(opts.Auth)(h)
	}
	if opts.RateLimit > 0 {
		burst := opts.RateBurst
		if burst <= 0 {
			burst = int(opts.RateLimit) + 1
		}
		h = NewGlobalRateLimiter(ctx, opts.RateLimit, burst).Middleware(h)
	}
	h = Track(opts.Observability, h)
	s.handler = RequestID(h)
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

func (s *Server) routes(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	mux.HandleFunc("GET /v1/version", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, versioning.CurrentInfo())
	})

	mux.HandleFunc("POST /v1/repositories", s.createRepository)
	mux.HandleFunc("GET /v1/repositories", s.listRepositories)
	mux.HandleFunc("GET /v1/repositories/{repo}", s.getRepository)
	mux.HandleFunc("GET /v1/repositories/{repo}/versions", s.listVersions)
	mux.HandleFunc("GET /v1/repositories/{repo}/versions/{number}", s.getVersion)
	mux.HandleFunc("POST /v1/repositories/{repo}/versions/{number}/publish", s.publish)
	mux.HandleFunc("POST /v1/repositories/{repo}/sync", s.sync)
	mux.HandleFunc("GET /v1/repositories/{repo}/publications", s.listPublications)

	mux.HandleFunc("POST /v1/remotes", s.createRemote)
	mux.HandleFunc("GET /v1/remotes", s.listRemotes)
	mux.HandleFunc("GET /v1/remotes/{remote}", s.getRemote)

	mux.HandleFunc("GET /v1/publications", s.listPublications)
	mux.HandleFunc("GET /v1/publications/{id}", s.getPublication)
	mux.HandleFunc("GET /v1/publications/{id}/content/{path...}", s.servePublication)

	mux.HandleFunc("GET /v1/tasks", s.listTasks)
	mux.HandleFunc("GET /v1/tasks/{id}", s.getTask)
	mux.HandleFunc("GET /v1/tasks/{id}/wait", s.waitTask)

	mux.HandleFunc("GET /v1/content", s.listContent)
	mux.HandleFunc("GET /v1/content/{id}", s.getContent)
	mux.HandleFunc("POST /v1/content", s.createContent)
	mux.HandleFunc("POST /v1/artifacts", s.uploadArtifact)

	mux.HandleFunc("GET /content/{repo}/{path...}", s.serveLatest)
}

// --- Repositories ---

func (s *Server) createRepository(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name        string `json:"name"`
		Description string `json:"description"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	repo, v, err := s.svc.CreateRepository(r.Context(), req.Name, req.Description)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	w.Header().Set("Location", "/v1/repositories/"+repo.ID)
	writeJSON(w, http.StatusCreated, map[string]any{"repository": repo, "version": v})
}

func (s *Server) listRepositories(w http.ResponseWriter, r *http.Request) {
	repos, err := s.svc.Store().Repositories(r.Context())
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, repos)
}

func (s *Server) getRepository(w http.ResponseWriter, r *http.Request) {
	repo, err := s.svc.LookupRepository(r.Context(), r.PathValue("repo"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	latest, err := s.svc.LookupVersion(r.Context(), repo.ID, -1)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"repository": repo, "latest_version": latest})
}

func (s *Server) listVersions(w http.ResponseWriter, r *http.Request) {
	repo, err := s.svc.LookupRepository(r.Context(), r.PathValue("repo"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	versions, err := s.svc.Store().Versions(r.Context(), repo.ID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, versions)
}

func (s *Server) getVersion(w http.ResponseWriter, r *http.Request) {
	repo, err := s.svc.LookupRepository(r.Context(), r.PathValue("repo"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	number, ok := versionNumber(w, r, r.PathValue("number"))
	if !ok {
		return
	}
	v, err := s.svc.LookupVersion(r.Context(), repo.ID, number)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	ids, err := s.svc.Store().ContentIDs(r.Context(), v.ID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"version": v, "content": ids})
}

// --- Sync and publish ---

func (s *Server) sync(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Remote string `json:"remote"`
		Mirror *bool  `json:"mirror"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Remote == "" {
		WriteProblem(w, r, http.StatusBadRequest, "remote is required")
		return
	}
	repo, err := s.svc.LookupRepository(r.Context(), r.PathValue("repo"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	rem, err := s.svc.LookupRemote(r.Context(), req.Remote)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	mirror := true
	if req.Mirror != nil {
		mirror = *req.Mirror
	}
	task, err := s.svc.Sync(r.Context(), repo.ID, rem.ID, mirror)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	s.logger.InfoContext(r.Context(), "sync enqueued", "task", task.ID, "repository", repo.ID, "remote", rem.ID, "mirror", mirror, "subject", Subject(r.Context()))
	writeTask(w, task.ID, task)
}

func (s *Server) publish(w http.ResponseWriter, r *http.Request) {
	repo, err := s.svc.LookupRepository(r.Context(), r.PathValue("repo"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	number, ok := versionNumber(w, r, r.PathValue("number"))
	if !ok {
		return
	}
	v, err := s.svc.LookupVersion(r.Context(), repo.ID, number)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	task, err := s.svc.Publish(r.Context(), v.ID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeTask(w, task.ID, task)
}

// --- Remotes ---

func (s *Server) createRemote(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name   string `json:"name"`
		URL    string `json:"url"`
		Policy string `json:"policy"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	rem, err := s.svc.CreateRemote(r.Context(), req.Name, req.URL, req.Policy)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	w.Header().Set("Location", "/v1/remotes/"+rem.ID)
	writeJSON(w, http.StatusCreated, rem)
}

func (s *Server) listRemotes(w http.ResponseWriter, r *http.Request) {
	rems, err := s.svc.Store().Remotes(r.Context())
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rems)
}

func (s *Server) getRemote(w http.ResponseWriter, r *http.Request) {
	rem, err := s.svc.LookupRemote(r.Context(), r.PathValue("remote"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rem)
}

// --- Publications ---

func (s *Server) listPublications(w http.ResponseWriter, r *http.Request) {
	repositoryID := ""
	if ref := r.PathValue("repo"); ref != "" {
		repo, err := s.svc.LookupRepository(r.Context(), ref)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		repositoryID = repo.ID
	}
	pubs, err := s.svc.Store().Publications(r.Context(), repositoryID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pubs)
}

func (s *Server) getPublication(w http.ResponseWriter, r *http.Request) {
	pub, err := s.svc.Store().Publication(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pub)
}

func (s *Server) servePublication(w http.ResponseWriter, r *http.Request) {
	pub, err := s.svc.Store().Publication(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	s.serveFile(w, r, pub, r.PathValue("path"))
}

func (s *Server) serveLatest(w http.ResponseWriter, r *http.Request) {
	repo, err := s.svc.LookupRepository(r.Context(), r.PathValue("repo"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	pub, err := s.svc.LatestPublication(r.Context(), repo.ID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	s.serveFile(w, r, pub, r.PathValue("path"))
}

func (s *Server) serveFile(w http.ResponseWriter, r *http.Request, pub *publication.Publication, relPath string) {
	data, err := s.svc.Open(r.Context(), pub, relPath)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	ct := mime.TypeByExtension(path.Ext(relPath))
	if ct == "" {
		ct = http.DetectContentType(data)
	}
	w.Header().Set("Content-Type", ct)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// --- Tasks ---

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.svc.Tasks(r.Context())
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.svc.Task(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// waitTask blocks until the task is final or the timeout query parameter
// (default 30s) elapses, then returns the task as it stands.
func (s *Server) waitTask(w http.ResponseWriter, r *http.Request) {
	timeout := 30 * time.Second
	if raw := r.URL.Query().Get("timeout"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			WriteProblem(w, r, http.StatusBadRequest, fmt.Sprintf("invalid timeout %q", raw))
			return
		}
		timeout = min(d, maxTaskWait)
	}
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	id := r.PathValue("id")
	t, err := s.svc.WaitTask(ctx, id)
	if errors.Is(err, context.DeadlineExceeded) {
		t, err = s.svc.Task(r.Context(), id)
	}
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// --- Content ---

func (s *Server) listContent(w http.ResponseWriter, r *http.Request) {
	qs := r.URL.Query()
	q := shelter.ContentQuery{
		Filter: content.Filter{
			Species: qs.Get("species"),
			Breed:   qs.Get("breed"),
			Shelter: qs.Get("shelter"),
		},
		Where: qs.Get("where"),
	}
	if ref := qs.Get("repository"); ref != "" {
		repo, err := s.svc.LookupRepository(r.Context(), ref)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		number := -1
		if raw := qs.Get("version"); raw != "" {
			n, ok := versionNumber(w, r, raw)
			if !ok {
				return
			}
			number = n
		}
		v, err := s.svc.LookupVersion(r.Context(), repo.ID, number)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		q.VersionID = v.ID
	}
	units, err := s.svc.ListContent(r.Context(), q)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, units)
}

func (s *Server) getContent(w http.ResponseWriter, r *http.Request) {
	u, err := s.svc.Store().Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	cas, err := s.svc.Store().ContentArtifacts(r.Context(), u.ID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"content": u, "artifacts": cas})
}

func (s *Server) createContent(w http.ResponseWriter, r *http.Request) {
	var req shelter.NewContent
	if !decodeJSON(w, r, &req) {
		return
	}
	u, v, err := s.svc.CreateContent(r.Context(), req)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	w.Header().Set("Location", "/v1/content/"+u.ID)
	writeJSON(w, http.StatusCreated, map[string]any{"content": u, "version": v})
}

func (s *Server) uploadArtifact(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxArtifactBody))
	if err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			WriteProblem(w, r, http.StatusRequestEntityTooLarge, fmt.Sprintf("artifact exceeds %d bytes", mbe.Limit))
			return
		}
		WriteProblem(w, r, http.StatusBadRequest, err.Error())
		return
	}
	digest, err := s.svc.UploadArtifact(r.Context(), data)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"digest": digest, "size": len(data)})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeTask answers an enqueue with 202 and a pointer to the task.
func writeTask(w http.ResponseWriter, id string, task any) {
	w.Header().Set("Location", "/v1/tasks/"+id)
	writeJSON(w, http.StatusAccepted, task)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		WriteProblem(w, r, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}

// versionNumber parses a version path segment; "latest" is -1.
func versionNumber(w http.ResponseWriter, r *http.Request, raw string) (int, bool) {
	if strings.EqualFold(raw, "latest") {
		return -1, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		WriteProblem(w, r, http.StatusBadRequest, fmt.Sprintf("invalid version number %q", raw))
		return 0, false
	}
	return n, true
}
