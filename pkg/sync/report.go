package sync

import (
	"sort"

	"github.com/ipanova/pulp-shelter/pkg/content"
	"github.com/ipanova/pulp-shelter/pkg/repository"
)

// State is the phase a sync is in.
type State string

const (
	StateNotStarted State = "not_started"
	StateFetching   State = "fetching"
	StateResolving  State = "resolving"
	StateDiffing    State = "diffing"
	StateCommitted  State = "committed"
	StateFailed     State = "failed"
)

// Report describes the outcome of one sync.
type Report struct {
	RepositoryID string         `json:"repository_id"`
	RemoteID     string         `json:"remote_id"`
	Mirror       bool           `json:"mirror"`
	Policy       content.Policy `json:"policy"`
	State        State          `json:"state"`

	// Version is the latest version after the sync: the new one when
	// NewVersion is set, otherwise the unchanged base.
	Version     *repository.Version `json:"version,omitempty"`
	NewVersion  bool                `json:"new_version"`
	BaseVersion int                 `json:"base_version"`

	Declared int `json:"declared"`
	Added    int `json:"added"`
	Removed  int `json:"removed"`
	Created  int `json:"created"`
	Reused   int `json:"reused"`
	Fetched  int `json:"fetched"`
	Deferred int `json:"deferred"`

	// Duplicates lists keys declared again with different attributes. The
	// first entry of each was used.
	Duplicates []content.NaturalKey `json:"duplicates,omitempty"`
	Errors     []UnitError          `json:"errors,omitempty"`
	Error      string               `json:"error,omitempty"`
}

func (r *Report) fail(err error) {
	r.State = StateFailed
	r.Error = err.Error()
}

func (r *Report) addError(ue UnitError) {
	r.Errors = append(r.Errors, ue)
}

func (r *Report) sortErrors() {
	sort.SliceStable(r.Errors, func(i, j int) bool {
		return r.Errors[i].Key.String() < r.Errors[j].Key.String()
	})
}

func (r *Report) count(out unitOutcome) {
	if out.created {
		r.Created++
	} else {
		r.Reused++
	}
	r.Fetched += out.fetched
	r.Deferred += out.deferred
}

func (r *Report) versionNumber() int {
	if r.Version == nil {
		return -1
	}
	return r.Version.Number
}
