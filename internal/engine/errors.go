package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/guancn/clashsubsys/internal/compiler"
	"github.com/guancn/clashsubsys/internal/fetch"
	"github.com/guancn/clashsubsys/internal/model"
	"github.com/guancn/clashsubsys/internal/profile"
	"github.com/guancn/clashsubsys/internal/render"
	"github.com/guancn/clashsubsys/internal/rules"
	"github.com/guancn/clashsubsys/internal/sub"
	"github.com/guancn/clashsubsys/internal/template"
	"github.com/guancn/clashsubsys/internal/transform"
)

// EngineError is raised by the orchestration itself: request validation,
// empty results and timeouts.
type EngineError struct {
	AppError model.AppError
	Cause    error
}

func (e *EngineError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Cause == nil {
		return fmt.Sprintf("%s: %s", e.AppError.Code, e.AppError.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.AppError.Code, e.AppError.Message, e.Cause)
}

func (e *EngineError) Unwrap() error { return e.Cause }

func invalidArgument(message, snippet string) *EngineError {
	return &EngineError{
		AppError: model.AppError{
			Code:    model.CodeInvalidArgument,
			Message: message,
			Stage:   "validate_request",
			Snippet: model.TruncateSnippet(snippet, 200),
		},
	}
}

func emptyResult(message, hint string) *EngineError {
	return &EngineError{
		AppError: model.AppError{
			Code:    model.CodeEmptyResult,
			Message: message,
			Stage:   "convert",
			Hint:    hint,
		},
	}
}

func timeoutError(cause error) *EngineError {
	return &EngineError{
		AppError: model.AppError{
			Code:    model.CodeTimeout,
			Message: "转换超时",
			Stage:   "convert",
		},
		Cause: cause,
	}
}

// AppErrorOf maps any error produced by the pipeline packages onto the
// taxonomy payload.
func AppErrorOf(err error) model.AppError {
	var ee *EngineError
	if errors.As(err, &ee) {
		return ee.AppError
	}

	var fe *fetch.FetchError
	if errors.As(err, &fe) {
		return sourceWarning(fe)
	}

	var te *transform.TransformError
	if errors.As(err, &te) {
		return te.AppError
	}
	var se *sub.ParseError
	if errors.As(err, &se) {
		return se.AppError
	}
	var pe *profile.ParseError
	if errors.As(err, &pe) {
		return pe.AppError
	}
	var rpe *rules.ParseError
	if errors.As(err, &rpe) {
		return rpe.AppError
	}
	var ce *compiler.CompileError
	if errors.As(err, &ce) {
		return ce.AppError
	}
	var re *render.RenderError
	if errors.As(err, &re) {
		return re.AppError
	}
	var tpe *template.TemplateError
	if errors.As(err, &tpe) {
		return tpe.AppError
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return timeoutError(err).AppError
	}
	return model.AppError{
		Code:    model.CodeInternal,
		Message: "服务端内部错误",
		Stage:   "internal",
		Hint:    err.Error(),
	}
}

// sourceWarning turns a fetch failure into SOURCE_UNREACHABLE, keeping the
// fetch detail code in Hint. Bad URLs stay INVALID_ARGUMENT.
func sourceWarning(fe *fetch.FetchError) model.AppError {
	ae := fe.AppError
	if ae.Code == model.CodeInvalidArgument {
		return ae
	}
	ae.Hint = ae.Code
	ae.Code = model.CodeSourceUnreachable
	return ae
}

// warningOf maps a per-source failure that does not abort the conversion.
func warningOf(err error) model.AppError {
	var fe *fetch.FetchError
	if errors.As(err, &fe) {
		ae := sourceWarning(fe)
		if ae.Code == model.CodeInvalidArgument {
			ae.Code = model.CodeSourceUnreachable
			ae.Hint = model.CodeInvalidArgument
		}
		return ae
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return model.AppError{Code: model.CodeSourceUnreachable, Message: "拉取被取消", Stage: "fetch", Hint: err.Error()}
	}
	return AppErrorOf(err)
}
