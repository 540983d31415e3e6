package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
)

// problemBase prefixes the type URI of every problem the shelter API emits.
const problemBase = "https://pulp-shelter.dev/problems/"

// ProblemDetail is an RFC 7807 problem document. Every error response of the
// API is one, served as application/problem+json.
type ProblemDetail struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
	// RequestID echoes X-Request-ID so a failed call can be found in the logs.
	RequestID string `json:"request_id,omitempty"`
}

func (p *ProblemDetail) Error() string {
	return fmt.Sprintf("%s: %s", p.Title, p.Detail)
}

// NewProblem builds the problem for status. The title is the status text and
// the type URI its slug, e.g. .../problems/not-found.
func NewProblem(status int, detail string) *ProblemDetail {
	title := http.StatusText(status)
	if title == "" {
		title = "Status " + strconv.Itoa(status)
	}
	return &ProblemDetail{
		Type:   problemBase + strings.ReplaceAll(strings.ToLower(title), " ", "-"),
		Title:  title,
		Status: status,
		Detail: detail,
	}
}

// WriteProblem writes a problem response. When r is set the problem names
// the request path and the request ID already stamped on w.
func WriteProblem(w http.ResponseWriter, r *http.Request, status int, detail string) {
	p := NewProblem(status, detail)
	if r != nil {
		p.Instance = r.URL.Path
		p.RequestID = w.Header().Get("X-Request-ID")
	}
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(p)
}

// WriteUnauthorized writes a 401 carrying a Bearer challenge.
func WriteUnauthorized(w http.ResponseWriter, r *http.Request, detail string) {
	if detail == "" {
		detail = "authentication required"
	}
	w.Header().Set("WWW-Authenticate", `Bearer realm="shelter"`)
	WriteProblem(w, r, http.StatusUnauthorized, detail)
}

// WriteTooManyRequests writes a 429 telling the caller how many seconds to
// back off.
func WriteTooManyRequests(w http.ResponseWriter, r *http.Request, retryAfter int) {
	if retryAfter < 1 {
		retryAfter = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	WriteProblem(w, r, http.StatusTooManyRequests, fmt.Sprintf("rate limit exceeded, retry in %ds", retryAfter))
}

// WriteInternal logs err and writes a generic 500. The error text stays in
// the log.
func WriteInternal(w http.ResponseWriter, r *http.Request, err error) {
	attrs := []any{"error", err}
	if r != nil {
		attrs = append(attrs, "method", r.Method, "path", r.URL.Path, "request_id", w.Header().Get("X-Request-ID"))
		slog.ErrorContext(r.Context(), "internal server error", attrs...)
	} else {
		slog.Error("internal server error", attrs...)
	}
	WriteProblem(w, r, http.StatusInternalServerError, "the shelter could not complete the request")
}
