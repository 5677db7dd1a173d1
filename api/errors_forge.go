package api

import (
	"net/http"

	"github.com/xraph/forge"
)

// mapError converts metarelay errors to Forge HTTP errors, with the same
// statuses the plain handler answers with.
func mapError(err error) error {
	status, _ := statusFor(err)
	switch status {
	case http.StatusNotFound:
		return forge.NotFound(err.Error())
	case http.StatusBadRequest:
		return forge.BadRequest(err.Error())
	case http.StatusInternalServerError:
		return forge.InternalError(err)
	default:
		return forge.NewHTTPError(status, err.Error())
	}
}
