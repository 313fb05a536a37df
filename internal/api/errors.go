package api

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v5"

	"github.com/samcharles93/chunkllm/internal/pipeline"
)

var ErrInvalidRequest = errors.New("invalid_request")

type invalidRequestError struct {
	msg string
}

func (e invalidRequestError) Error() string {
	return e.msg
}

func (e invalidRequestError) Unwrap() error {
	return ErrInvalidRequest
}

func newInvalidRequest(msg string) error {
	return invalidRequestError{msg: msg}
}

func writeBadRequest(c *echo.Context, msg string) error {
	return writeError(c, http.StatusBadRequest, "invalid_request_error", msg)
}

func writeError(c *echo.Context, status int, errType, msg string) error {
	return c.JSON(status, map[string]any{
		"error": ResponseError{Message: msg, Type: errType},
	})
}

// classify maps a pipeline error to an HTTP status and error type.
func classify(err error) (int, ResponseError) {
	re := ResponseError{Message: err.Error(), Type: "server_error"}
	status := http.StatusInternalServerError
	var se *pipeline.StageError
	switch {
	case errors.Is(err, ErrInvalidRequest), errors.Is(err, pipeline.ErrEmptyPrompt):
		status, re.Type = http.StatusBadRequest, "invalid_request_error"
	case errors.Is(err, pipeline.ErrNotLoaded):
		status, re.Type = http.StatusServiceUnavailable, "unavailable_error"
	case errors.As(err, &se):
		idx := se.Index
		re.Stage = &idx
		re.Type = "stage_error"
	}
	return status, re
}
