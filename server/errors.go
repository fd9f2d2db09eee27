package server

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/teranos/segpulse/errors"
)

// statusForError maps the shared sentinels to HTTP status codes
func statusForError(err error) int {
	switch {
	case errors.IsNotFoundError(err):
		return http.StatusNotFound
	case errors.IsInvalidRequestError(err):
		return http.StatusBadRequest
	case errors.IsFrozenError(err), errors.IsConflictError(err):
		return http.StatusConflict
	case errors.Is(err, errors.ErrServiceUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// handleError writes err with its mapped status. Client errors log at debug,
// server errors at error with the wrapped context.
func handleError(w http.ResponseWriter, log *zap.SugaredLogger, err error, context string) {
	status := statusForError(err)
	if status >= http.StatusInternalServerError {
		log.Errorw(context,
			"error", err,
			"status", status,
			"details", errors.GetAllDetails(err),
		)
		writeError(w, status, errors.Wrap(err, context).Error())
		return
	}

	log.Debugw(context, "error", err, "status", status)
	writeError(w, status, err.Error())
}
