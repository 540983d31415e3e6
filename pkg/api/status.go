package api

import (
	"errors"
	"net/http"

	"github.com/ipanova/pulp-shelter/pkg/artifacts"
	"github.com/ipanova/pulp-shelter/pkg/content"
	"github.com/ipanova/pulp-shelter/pkg/publication"
	"github.com/ipanova/pulp-shelter/pkg/remote"
	"github.com/ipanova/pulp-shelter/pkg/repository"
	"github.com/ipanova/pulp-shelter/pkg/shelter"
	"github.com/ipanova/pulp-shelter/pkg/tasking"
)

// writeServiceError maps a service error onto a problem response. Errors
// that are not recognized are reported as internal.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, shelter.ErrInvalid):
		WriteProblem(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, repository.ErrNotFound),
		errors.Is(err, repository.ErrVersionNotFound),
		errors.Is(err, remote.ErrNotFound),
		errors.Is(err, content.ErrNotFound),
		errors.Is(err, publication.ErrNotFound),
		errors.Is(err, artifacts.ErrNotFound),
		errors.Is(err, tasking.ErrNotFound):
		WriteProblem(w, r, http.StatusNotFound, err.Error())
	case errors.Is(err, repository.ErrExists),
		errors.Is(err, remote.ErrExists),
		errors.Is(err, content.ErrPictureTaken),
		errors.Is(err, content.ErrContentConflict),
		errors.Is(err, publication.ErrPathConflict),
		errors.Is(err, publication.ErrEmptyVersion):
		WriteProblem(w, r, http.StatusConflict, err.Error())
	default:
		var fe *artifacts.FetchError
		if errors.As(err, &fe) {
			WriteProblem(w, r, http.StatusBadGateway, err.Error())
			return
		}
		var ie *artifacts.IntegrityError
		if errors.As(err, &ie) {
			WriteProblem(w, r, http.StatusBadGateway, err.Error())
			return
		}
		WriteInternal(w, r, err)
	}
}
