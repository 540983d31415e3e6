package manifest

import "fmt"

// FetchError reports that the manifest could not be retrieved.
type FetchError struct {
	URL string
	Err error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("manifest fetch failed for %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// ParseError reports a manifest that is not a valid array of entries.
// Index is the zero-based entry position, or -1 for document-level errors.
type ParseError struct {
	URL   string
	Index int
	Err   error
}

func (e *ParseError) Error() string {
	if e.Index < 0 {
		return fmt.Sprintf("manifest %s is malformed: %v", e.URL, e.Err)
	}
	return fmt.Sprintf("manifest %s entry %d is invalid: %v", e.URL, e.Index, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }
