package api

import (
	"net/http"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"dustsweep/internal/faults"
	"dustsweep/internal/storage"
)

type errorBody struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}

// statusOf maps err to the response status.
func statusOf(err error) int {
	var (
		validation *faults.ValidationError
		timeout    *faults.TimeoutError
		unavail    *faults.UnavailableError
		rejected   *faults.RejectedError
		exhausted  *faults.ExhaustedError
		bundler    *faults.BundlerError
		batch      *faults.BatchSwapError
	)
	switch {
	case errors.As(err, &validation):
		return http.StatusBadRequest
	case errors.Is(err, faults.ErrNotOwner):
		return http.StatusForbidden
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, faults.ErrNotPending), errors.Is(err, storage.ErrConflict):
		return http.StatusConflict
	case errors.As(err, &batch), errors.As(err, &bundler), errors.As(err, &exhausted),
		errors.As(err, &rejected), errors.As(err, &unavail), errors.As(err, &timeout):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusOf(err)
	body := errorBody{Error: faults.Describe(err)}

	var validation *faults.ValidationError
	if errors.As(err, &validation) {
		body.Field = validation.Field
	}
	switch {
	case status >= http.StatusInternalServerError:
		s.logger.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", status),
			zap.Error(err))
		if status == http.StatusInternalServerError {
			body.Error = "internal error"
		}
	case status == http.StatusForbidden:
		body.Error = "consolidation or scan belongs to another trader"
	case status == http.StatusNotFound:
		body.Error = "not found"
	}
	writeJSON(w, status, body)
}
