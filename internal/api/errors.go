// errors.go - Structured error handling for API responses
package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/chunkdrop/backend/internal/upload"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

// APIError represents a structured API error response
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
	// Reason is the short machine-readable cause, e.g. "chunks missing".
	Reason string `json:"error,omitempty"`
	// State carries the session status for conflicts, e.g. "processing".
	State   string `json:"status,omitempty"`
	Details string `json:"details,omitempty"`
}

// Error implements the error interface
func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Error constructors for consistent error handling

// NewBadRequestError creates a 400 Bad Request error
func NewBadRequestError(message string, cause error) *APIError {
	err := &APIError{
		Status:  http.StatusBadRequest,
		Code:    "BAD_REQUEST",
		Message: message,
		Reason:  "bad request",
	}
	if cause != nil {
		err.Details = cause.Error()
	}
	return err
}

// NewValidationError creates a 400 validation error for a specific field
func NewValidationError(field string) *APIError {
	return &APIError{
		Status:  http.StatusBadRequest,
		Code:    "VALIDATION_ERROR",
		Message: fmt.Sprintf("validation failed for field: %s", field),
		Reason:  "invalid " + field,
	}
}

// NewPreconditionError creates a 400 error for a request that is well formed but
// cannot be served in the current session state
func NewPreconditionError(reason string, cause error) *APIError {
	err := &APIError{
		Status:  http.StatusBadRequest,
		Code:    "PRECONDITION_FAILED",
		Message: reason,
		Reason:  reason,
	}
	if cause != nil {
		err.Details = cause.Error()
	}
	return err
}

// NewNotFoundError creates a 404 Not Found error
func NewNotFoundError(resource string, id string) *APIError {
	return &APIError{
		Status:  http.StatusNotFound,
		Code:    "NOT_FOUND",
		Message: fmt.Sprintf("%s not found: %s", resource, id),
		Reason:  resource + " not found",
	}
}

// NewConflictError creates a 409 Conflict error reporting the session state
func NewConflictError(state, message string) *APIError {
	return &APIError{
		Status:  http.StatusConflict,
		Code:    "CONFLICT",
		Message: message,
		Reason:  message,
		State:   state,
	}
}

// NewInternalError creates a 500 Internal Server Error
func NewInternalError(message string, cause error) *APIError {
	err := &APIError{
		Status:  http.StatusInternalServerError,
		Code:    "INTERNAL_ERROR",
		Message: message,
		Reason:  "internal error",
	}
	if cause != nil {
		err.Details = cause.Error()
	}
	return err
}

// uploadError maps upload manager errors onto API errors
func uploadError(err error, uploadID string) *APIError {
	switch {
	case errors.Is(err, upload.ErrSessionNotFound):
		return NewNotFoundError("upload", uploadID)
	case errors.Is(err, upload.ErrInvalidRequest):
		return NewBadRequestError("invalid request", err)
	case errors.Is(err, upload.ErrUnknownChunk):
		return NewPreconditionError("unknown chunk", err)
	case errors.Is(err, upload.ErrChunkOutOfRange):
		return NewPreconditionError("chunk out of range", err)
	case errors.Is(err, upload.ErrChunksMissing):
		return NewPreconditionError("chunks missing", err)
	case errors.Is(err, upload.ErrFinalizeBusy):
		return NewConflictError("processing", "finalize already in progress")
	case errors.Is(err, upload.ErrSessionFailed):
		return NewConflictError("failed", "upload failed verification")
	default:
		return NewInternalError("upload operation failed", err)
	}
}

// NewErrorHandler returns an Echo error handler that renders APIError bodies.
// Usage: e.HTTPErrorHandler = api.NewErrorHandler(log, cfg.ShowErrorDetails)
// Internal error details are only sent to the client when showDetails is set.
func NewErrorHandler(log *zap.SugaredLogger, showDetails bool) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		var apiErr *APIError
		var httpErr *echo.HTTPError

		switch {
		case errors.As(err, &apiErr):
		case errors.As(err, &httpErr):
			apiErr = &APIError{
				Status:  httpErr.Code,
				Code:    "HTTP_ERROR",
				Message: fmt.Sprintf("%v", httpErr.Message),
				Reason:  http.StatusText(httpErr.Code),
			}
		default:
			apiErr = &APIError{
				Status:  http.StatusInternalServerError,
				Code:    "UNKNOWN_ERROR",
				Message: "An unexpected error occurred",
				Reason:  "internal error",
				Details: err.Error(),
			}
		}

		if apiErr.Status >= http.StatusInternalServerError {
			log.Errorw("request failed", "method", c.Request().Method, "path", c.Path(),
				"code", apiErr.Code, "ERROR", err)
			if !showDetails {
				cp := *apiErr
				cp.Details = ""
				apiErr = &cp
			}
		}

		if c.Request().Method == http.MethodHead {
			c.NoContent(apiErr.Status)
			return
		}
		c.JSON(apiErr.Status, apiErr)
	}
}
