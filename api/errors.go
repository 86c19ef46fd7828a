package api

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"kuva-api/board"
	"kuva-api/domain"
	"kuva-api/editor"
	"kuva-api/session"
)

func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrNotFound), errors.Is(err, domain.ErrUserNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidTask),
		errors.Is(err, domain.ErrEmptyPatch),
		errors.Is(err, editor.ErrUnknownField),
		errors.Is(err, editor.ErrEmptyComment),
		errors.Is(err, editor.ErrEmptyPipeline),
		errors.Is(err, board.ErrUnknownColumn),
		errors.Is(err, board.ErrIndexOutOfRange),
		errors.Is(err, board.ErrUnknownView):
		return http.StatusBadRequest
	case errors.Is(err, session.ErrNotOpen), errors.Is(err, editor.ErrNotLoaded):
		return http.StatusConflict
	case errors.Is(err, session.ErrSessionClosed), errors.Is(err, session.ErrUnknownSession):
		return http.StatusUnauthorized
	case errors.Is(err, board.ErrPersisterSaturated), errors.Is(err, board.ErrPersisterClosed):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// fail answers with the status mapped from err and records stage on the
// request metrics.
func fail(c echo.Context, stage string, err error) error {
	metricsFrom(c).SetErrorStage(stage)
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		c.Logger().Error(err)
	}
	return c.JSON(status, errorResponse{Error: err.Error()})
}
