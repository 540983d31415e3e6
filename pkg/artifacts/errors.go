package artifacts

import "fmt"

// FetchError reports that artifact bytes could not be downloaded.
type FetchError struct {
	URL string
	Err error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("artifact fetch failed for %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// IntegrityError reports downloaded bytes, or a declared artifact, that do
// not match what was expected.
type IntegrityError struct {
	URL      string
	Field    string // "size", "digest" or "relative_path"
	Expected string
	Actual   string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("artifact integrity check failed for %s: %s mismatch (expected %s, got %s)",
		e.URL, e.Field, e.Expected, e.Actual)
}
