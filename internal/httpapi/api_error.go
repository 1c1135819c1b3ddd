package httpapi

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/guancn/clashsubsys/internal/engine"
	"github.com/guancn/clashsubsys/internal/model"
)

// APIError is used by the HTTP layer for request validation and a few
// HTTP-specific errors.
type APIError struct {
	Status   int
	AppError model.AppError
	Cause    error
}

func (e *APIError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Cause == nil {
		return fmt.Sprintf("%s: %s", e.AppError.Code, e.AppError.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.AppError.Code, e.AppError.Message, e.Cause)
}

func (e *APIError) Unwrap() error { return e.Cause }

func requestError(message, snippet, hint string) error {
	return &APIError{
		Status: http.StatusBadRequest,
		AppError: model.AppError{
			Code:    model.CodeInvalidArgument,
			Message: message,
			Stage:   "validate_request",
			Snippet: model.TruncateSnippet(snippet, 200),
			Hint:    hint,
		},
	}
}

// StatusOf maps a taxonomy code to the HTTP status it is reported with.
func StatusOf(code string) int {
	switch code {
	case model.CodeInvalidArgument:
		return http.StatusBadRequest
	case model.CodeNotFound:
		return http.StatusNotFound
	case model.CodeEmptyResult, model.CodeConfigError:
		return http.StatusUnprocessableEntity
	case model.CodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeAppError(w http.ResponseWriter, e model.AppError) {
	WriteError(w, StatusOf(e.Code), e)
}

func writeErrorFromErr(w http.ResponseWriter, err error) {
	if err == nil {
		return
	}
	var ae *APIError
	if errors.As(err, &ae) {
		WriteError(w, ae.Status, ae.AppError)
		return
	}
	writeAppError(w, engine.AppErrorOf(err))
}
