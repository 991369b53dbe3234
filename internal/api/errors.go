package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/sirupsen/logrus"
	"github.com/srg/myoscope/internal/myo"
	"github.com/srg/myoscope/internal/recorder"
	"github.com/srg/myoscope/internal/session"
)

// statusCode maps domain errors onto HTTP statuses.
func statusCode(err error) int {
	switch {
	case errors.Is(err, errBadRequest), errors.Is(err, myo.ErrInvalidMode):
		return http.StatusBadRequest
	case errors.Is(err, session.ErrBusy):
		return http.StatusLocked
	case errors.Is(err, session.ErrInvalidState),
		errors.Is(err, recorder.ErrAlreadyRecording),
		errors.Is(err, recorder.ErrNotRecording),
		errors.Is(err, recorder.ErrPendingSave),
		errors.Is(err, recorder.ErrNothingPending):
		return http.StatusConflict
	case errors.Is(err, session.ErrDeviceUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled):
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := statusCode(err)
	entry := s.logger.WithError(err).WithFields(logrus.Fields{"path": r.URL.Path, "status": code})
	if code >= http.StatusInternalServerError {
		entry.Error("Request failed")
	} else {
		entry.Info("Request rejected")
	}
	writeJSON(w, code, errorResponse{Success: false, Error: err.Error()})
}

// detached keeps ctx values but not its cancellation.
func detached(ctx context.Context) context.Context {
	return context.WithoutCancel(ctx)
}
