// Package apperr defines the five-kind error taxonomy stages use to report
// failures to the Pipeline Orchestrator (spec §7): InvalidInput, NotFound,
// ExternalUnavailable, PartialFailure and Fatal. Stage code returns *Error;
// the orchestrator type-switches on Kind to decide halt-vs-continue.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is one of the five error kinds from spec §7.
type Kind string

const (
	// InvalidInput: bad URL, unsupported file type, missing required field.
	InvalidInput Kind = "invalid_input"
	// NotFound: session/file absent.
	NotFound Kind = "not_found"
	// ExternalUnavailable: provider API error, network timeout, rate-limit.
	ExternalUnavailable Kind = "external_unavailable"
	// PartialFailure: some segments failed but the stage as a whole succeeds.
	PartialFailure Kind = "partial_failure"
	// Fatal: no segments detected, diarization missing, separator crash.
	Fatal Kind = "fatal"
)

// Error is the structured error every stage returns instead of a bare error.
type Error struct {
	Kind         Kind
	Stage        string
	Message      string
	ProviderCode string
	Cause        error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Stage, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Stage, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// HTTPStatus maps the error kind to the status code spec §7 prescribes.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case InvalidInput:
		return http.StatusBadRequest
	case NotFound:
		return http.StatusNotFound
	case ExternalUnavailable:
		return http.StatusBadGateway
	case PartialFailure:
		return http.StatusOK
	case Fatal:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// Halts reports whether this error kind should stop the pipeline (spec
// §4.12: recoverable failures continue, fatal failures halt).
func (e *Error) Halts() bool {
	return e.Kind == Fatal
}

func newf(kind Kind, stage, format string, args ...any) *Error {
	return &Error{Kind: kind, Stage: stage, Message: fmt.Sprintf(format, args...)}
}

// Invalid builds an InvalidInput error.
func Invalid(stage, format string, args ...any) *Error {
	return newf(InvalidInput, stage, format, args...)
}

// NotFoundf builds a NotFound error.
func NotFoundf(stage, format string, args ...any) *Error {
	return newf(NotFound, stage, format, args...)
}

// External wraps an external-provider failure, optionally carrying the
// provider's own error code.
func External(stage string, cause error, providerCode string) *Error {
	return &Error{Kind: ExternalUnavailable, Stage: stage, Message: "external provider failure", ProviderCode: providerCode, Cause: cause}
}

// Partial builds a PartialFailure error describing which segments failed.
func Partial(stage, format string, args ...any) *Error {
	return newf(PartialFailure, stage, format, args...)
}

// FatalErr builds a Fatal error that halts the pipeline.
func FatalErr(stage string, cause error, format string, args ...any) *Error {
	return &Error{Kind: Fatal, Stage: stage, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// As is a thin convenience wrapper around errors.As for *Error.
func As(err error) (*Error, bool) {
	var target *Error
	if errors.As(err, &target) {
		return target, true
	}
	return nil, false
}
