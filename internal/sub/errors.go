package sub

import (
	"fmt"

	"github.com/guancn/clashsubsys/internal/model"
)

type ParseError struct {
	AppError model.AppError
	Cause    error
}

func (e *ParseError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Cause == nil {
		return fmt.Sprintf("%s: %s", e.AppError.Code, e.AppError.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.AppError.Code, e.AppError.Message, e.Cause)
}

func (e *ParseError) Unwrap() error { return e.Cause }

// fail builds a line-level decode error. URL, line and snippet are attached by
// the list parser, which knows where the line came from.
func fail(message, hint string, cause error) *ParseError {
	return &ParseError{
		AppError: model.AppError{
			Code:    model.CodeDecodeError,
			Message: message,
			Stage:   "parse_sub",
			Hint:    hint,
		},
		Cause: cause,
	}
}

func newParseError(sourceURL string, lineNo int, snippet string, message string, hint string, cause error) *ParseError {
	e := fail(message, hint, cause)
	e.AppError.URL = sourceURL
	e.AppError.Line = lineNo
	e.AppError.Snippet = snippet
	return e
}
