package manifest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/ipanova/pulp-shelter/pkg/content"
	"github.com/ipanova/pulp-shelter/pkg/remote"
)

// Fetcher downloads the bytes at a URL.
type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// Reader turns a remote's manifest into declared content.
type Reader struct {
	fetcher Fetcher
	timeout time.Duration
	schema  *jsonschema.Schema
	logger  *slog.Logger
}

// NewReader creates a Reader. timeout bounds the manifest download; zero
// leaves it to the fetcher.
func NewReader(fetcher Fetcher, timeout time.Duration, logger *slog.Logger) (*Reader, error) {
	schema, err := entrySchemaOnce()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reader{
		fetcher: fetcher,
		timeout: timeout,
		schema:  schema,
		logger:  logger.With("component", "manifest_reader"),
	}, nil
}

// Read downloads the manifest of rem and returns its entries in document
// order. Download failures are returned immediately as *FetchError. Entries
// are decoded lazily while the sequence is ranged over; the first malformed
// entry is yielded as a *ParseError and ends the sequence. The sequence can
// be ranged over once.
func (r *Reader) Read(ctx context.Context, rem *remote.Remote) (iter.Seq2[content.Declared, error], error) {
	base, err := remote.ParseURL(rem.URL)
	if err != nil {
		return nil, err
	}
	raw := base.String()

	fctx := ctx
	if r.timeout > 0 {
		var cancel context.CancelFunc
		fctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}
	data, err := r.fetcher.Fetch(fctx, raw)
	if err != nil {
		return nil, &FetchError{URL: raw, Err: err}
	}
	r.logger.InfoContext(ctx, "manifest downloaded", "url", raw, "bytes", len(data))

	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return nil, &ParseError{URL: raw, Index: -1, Err: err}
	}
	if d, ok := tok.(json.Delim); !ok || d != '[' {
		return nil, &ParseError{URL: raw, Index: -1, Err: errors.New("document is not a JSON array")}
	}

	used := false
	return func(yield func(content.Declared, error) bool) {
		if used {
			yield(content.Declared{}, errors.New("manifest entries already consumed"))
			return
		}
		used = true

		for i := 0; dec.More(); i++ {
			if err := ctx.Err(); err != nil {
				yield(content.Declared{}, err)
				return
			}
			var msg json.RawMessage
			if err := dec.Decode(&msg); err != nil {
				yield(content.Declared{}, &ParseError{URL: raw, Index: i, Err: err})
				return
			}
			dc, err := r.declare(base, msg)
			if err != nil {
				yield(content.Declared{}, &ParseError{URL: raw, Index: i, Err: err})
				return
			}
			if !yield(dc, nil) {
				return
			}
		}
		if _, err := dec.Token(); err != nil {
			yield(content.Declared{}, &ParseError{URL: raw, Index: -1, Err: err})
			return
		}
		if _, err := dec.Token(); !errors.Is(err, io.EOF) {
			yield(content.Declared{}, &ParseError{URL: raw, Index: -1, Err: errors.New("trailing data after array")})
		}
	}, nil
}

func (r *Reader) declare(base *url.URL, msg json.RawMessage) (content.Declared, error) {
	doc, err := decodeDocument(msg)
	if err != nil {
		return content.Declared{}, err
	}
	if err := r.schema.Validate(doc); err != nil {
		return content.Declared{}, err
	}

	var we wireEntry
	if err := json.Unmarshal(msg, &we); err != nil {
		return content.Declared{}, err
	}
	rel, err := cleanPicture(we.Picture)
	if err != nil {
		return content.Declared{}, err
	}
	we.Picture = rel

	return content.Declared{
		Key:   we.Key(),
		Attrs: we.Attributes(),
		Artifacts: []content.DeclaredArtifact{{
			URL:          ArtifactURL(base, rel),
			RelativePath: rel,
			Size:         we.Size,
			Digest:       we.SHA256,
		}},
	}, nil
}

// ArtifactURL resolves a picture against the manifest location: the
// manifest's directory joined with the picture. Everything but the path and
// fragment is kept, so a signed manifest URL's query carries over.
func ArtifactURL(manifest *url.URL, picture string) string {
	u := url.URL{
		Scheme:   manifest.Scheme,
		User:     manifest.User,
		Host:     manifest.Host,
		Path:     path.Join(path.Dir(manifest.Path), picture),
		RawQuery: manifest.RawQuery,
	}
	return u.String()
}

// cleanPicture rejects pictures that would escape the manifest directory
// or the publication root.
func cleanPicture(p string) (string, error) {
	if strings.HasPrefix(p, "/") {
		return "", fmt.Errorf("picture %q must be a relative path", p)
	}
	clean := path.Clean(p)
	if clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("picture %q escapes the manifest directory", p)
	}
	return clean, nil
}
