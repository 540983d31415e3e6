package sync

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ipanova/pulp-shelter/pkg/artifacts"
	"github.com/ipanova/pulp-shelter/pkg/content"
)

// ErrUnitFailures is returned when Options.FailOnUnitError is set and at
// least one unit could not be resolved.
var ErrUnitFailures = errors.New("sync failed: some content could not be resolved")

// ConfigurationError reports an invalid sync request. It is returned before
// any I/O is attempted.
type ConfigurationError struct {
	Field string
	Err   error
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid sync configuration (%s): %v", e.Field, e.Err)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// ErrorKind classifies a unit-scoped failure.
type ErrorKind string

const (
	KindArtifactFetch     ErrorKind = "ArtifactFetchError"
	KindArtifactIntegrity ErrorKind = "ArtifactIntegrityError"
)

// UnitError records why one declared unit was left out of a sync.
type UnitError struct {
	Key  content.NaturalKey `json:"key"`
	Kind ErrorKind          `json:"kind"`
	Err  error              `json:"-"`
}

func (e UnitError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Key, e.Kind, e.Err)
}

func (e UnitError) Unwrap() error { return e.Err }

// MarshalJSON includes the error message so task results stay readable.
func (e UnitError) MarshalJSON() ([]byte, error) {
	msg := ""
	if e.Err != nil {
		msg = e.Err.Error()
	}
	return json.Marshal(struct {
		Key     content.NaturalKey `json:"key"`
		Kind    ErrorKind          `json:"kind"`
		Message string             `json:"message"`
	}{e.Key, e.Kind, msg})
}

// classify returns the kind of a unit-scoped error, or false when err must
// abort the whole sync.
func classify(err error) (ErrorKind, bool) {
	var fe *artifacts.FetchError
	var ie *artifacts.IntegrityError
	switch {
	case errors.As(err, &fe):
		return KindArtifactFetch, true
	case errors.As(err, &ie):
		return KindArtifactIntegrity, true
	}
	return "", false
}
