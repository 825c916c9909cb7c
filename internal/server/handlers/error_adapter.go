package handlers

import (
	"net/http"
	"sync/atomic"

	apperrors "github.com/grokgate/grokgate/internal/errors"
)

type errorResponder func(http.ResponseWriter, *http.Request, error)

var httpErrorResponder atomic.Pointer[errorResponder]

// SetHTTPErrorResponder installs the server's error writer. nil restores
// internal/errors.RespondWithError.
func SetHTTPErrorResponder(responder func(http.ResponseWriter, *http.Request, error)) {
	if responder == nil {
		httpErrorResponder.Store(nil)
		return
	}
	fn := errorResponder(responder)
	httpErrorResponder.Store(&fn)
}

func respondWithError(w http.ResponseWriter, r *http.Request, err error) {
	if fn := httpErrorResponder.Load(); fn != nil {
		(*fn)(w, r, err)
		return
	}
	apperrors.RespondWithError(w, r, err)
}
