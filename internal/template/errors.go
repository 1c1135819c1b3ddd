package template

import (
	"fmt"

	"github.com/guancn/clashsubsys/internal/model"
)

type TemplateError struct {
	AppError model.AppError
	Cause    error
}

func (e *TemplateError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Cause == nil {
		return fmt.Sprintf("%s: %s", e.AppError.Code, e.AppError.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.AppError.Code, e.AppError.Message, e.Cause)
}

func (e *TemplateError) Unwrap() error { return e.Cause }

// templateError reports a broken base document. Template problems are
// configuration errors; the detail code leads the hint.
func templateError(detail, message, templateURL, snippet, hint string) *TemplateError {
	if hint != "" {
		hint = detail + ": " + hint
	} else {
		hint = detail
	}
	return &TemplateError{
		AppError: model.AppError{
			Code:    model.CodeConfigError,
			Message: message,
			Stage:   "validate_template",
			URL:     templateURL,
			Snippet: model.TruncateSnippet(snippet, 200),
			Hint:    hint,
		},
	}
}
